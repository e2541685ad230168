package gameserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/udisondev/jeux/internal/protocol"
)

// Config bundles the tunable knobs a Server needs beyond its listen
// address, which is supplied separately to Run/Serve.
type Config struct {
	MaxClients    int
	SendQueueSize int
	WriteTimeout  time.Duration
	ReadTimeout   time.Duration
}

const defaultReadTimeout = 5 * time.Minute

// Server accepts client connections and drives one session per
// connection against a shared ClientRegistry.
type Server struct {
	cfg       Config
	registry  *ClientRegistry
	writePool *BytePool

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a Server with a fresh ClientRegistry sized per cfg.
func NewServer(cfg Config) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	return &Server{
		cfg:       cfg,
		registry:  NewClientRegistry(cfg.MaxClients),
		writePool: NewBytePool(256),
	}
}

// Registry returns the server's client registry.
func (s *Server) Registry() *ClientRegistry { return s.registry }

// Addr returns the address the server is listening on, or nil before Run
// has been called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown initiates a graceful shutdown: no further connections are
// admitted, every in-flight session's receive loop is forced to observe
// end-of-stream, and the call blocks until all sessions have unregistered,
// then closes the listener itself.
func (s *Server) Shutdown() {
	s.registry.ShutdownAll()
	s.registry.WaitForEmpty()

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
}

// Run listens on addr and serves until ctx is cancelled or Shutdown forces
// the listener closed.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln, dispatching one goroutine per
// connection, until ln is closed or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	slog.Info("jeux server listening", "address", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			slog.Error("accept failed", "error", err)
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(30 * time.Second)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}

	wg.Wait()
	return nil
}

// serveConn registers conn as a session and loops, reading one packet at a
// time and dispatching it to the matching ClientSession operation, until
// the connection errors or is closed.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	session, err := s.registry.Register(ctx, conn, s.writePool, s.cfg.SendQueueSize, s.cfg.WriteTimeout)
	if err != nil {
		slog.Warn("registering session failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	defer s.registry.Unregister(context.Background(), session)

	slog.Info("session connected", "ip", session.IP())

	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		header, payload, err := protocol.Recv(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("receive failed", "ip", session.IP(), "error", err)
			}
			break
		}

		id, ackPayload, derr := s.dispatch(ctx, session, header, payload)

		ackType := protocol.TypeAck
		if derr != nil {
			slog.Debug("operation failed", "ip", session.IP(), "type", header.Type, "error", derr)
			ackType = protocol.TypeNack
			id, ackPayload = 0, nil
		}

		ackHeader := protocol.NewHeader(ackType, id, protocol.RoleNone, len(ackPayload))
		ackSize := protocol.HeaderSize + len(ackPayload)
		ackBuf := make([]byte, ackSize)
		if s.writePool != nil {
			ackBuf = s.writePool.Get(ackSize)
		}
		buf, encErr := protocol.EncodeInto(ackBuf, ackHeader, ackPayload)
		if encErr != nil {
			slog.Error("encoding ack failed", "error", encErr)
			break
		}
		if err := session.SendSync(buf, s.writeTimeoutOrDefault()); err != nil {
			slog.Warn("sending ack failed", "ip", session.IP(), "error", err)
			break
		}
	}

	slog.Info("session disconnected", "ip", session.IP())
}

func (s *Server) writeTimeoutOrDefault() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return defaultWriteTimeout
}

// dispatch routes one received packet to the matching ClientSession
// operation, returning the id/payload to use for the ACK on success.
//
// For INVITE, the wire role field carries the target's role directly (the
// role the source wants the target to play); the source's own role is its
// complement.
func (s *Server) dispatch(ctx context.Context, session *ClientSession, header protocol.Header, payload []byte) (byte, []byte, error) {
	switch header.Type {
	case protocol.TypeLogin:
		if err := session.Login(ctx, string(payload)); err != nil {
			return 0, nil, err
		}
		return 0, nil, nil

	case protocol.TypeUsers:
		if session.Status() != StatusLoggedIn {
			return 0, nil, fmt.Errorf("users: session is not logged in")
		}
		return 0, session.Users(), nil

	case protocol.TypeInvite:
		if session.Status() != StatusLoggedIn {
			return 0, nil, fmt.Errorf("invite: session is not logged in")
		}
		target, ok := s.registry.Lookup(string(payload))
		if !ok {
			return 0, nil, fmt.Errorf("invite: unknown target %q", payload)
		}
		defer target.Unref()
		targetRole := header.Role
		sourceRole := targetRole.Other()
		id, err := session.MakeInvitation(ctx, target, sourceRole, targetRole)
		if err != nil {
			return 0, nil, err
		}
		return id, nil, nil

	case protocol.TypeRevoke:
		if err := session.Revoke(ctx, header.ID); err != nil {
			return 0, nil, err
		}
		return 0, nil, nil

	case protocol.TypeAccept:
		ackPayload, err := session.Accept(ctx, header.ID)
		if err != nil {
			return 0, nil, err
		}
		return 0, ackPayload, nil

	case protocol.TypeDecline:
		if err := session.Decline(ctx, header.ID); err != nil {
			return 0, nil, err
		}
		return 0, nil, nil

	case protocol.TypeMove:
		if err := session.MakeMove(ctx, header.ID, string(payload)); err != nil {
			return 0, nil, err
		}
		return 0, nil, nil

	case protocol.TypeResign:
		if err := session.Resign(ctx, header.ID); err != nil {
			return 0, nil, err
		}
		return 0, nil, nil

	default:
		return 0, nil, fmt.Errorf("unrecognized packet type %d", header.Type)
	}
}
