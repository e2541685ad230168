package gameserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/udisondev/jeux/internal/player"
)

// DefaultMaxClients is the default simultaneous-session cap.
const DefaultMaxClients = 64

// ClientRegistry is the process-global table of currently connected
// sessions. It bounds concurrent admission, supports name-based lookup of
// logged-in sessions, and coordinates graceful shutdown. It also owns the
// process-wide Player registry and the three coordinating semaphores
// (login, logout, invite-op) shared by every session.
type ClientRegistry struct {
	players *player.Registry

	capacity  *semaphore.Weighted
	loginSem  *semaphore.Weighted
	logoutSem *semaphore.Weighted
	inviteSem *semaphore.Weighted

	mu        sync.Mutex
	cond      *sync.Cond
	sessions  map[*ClientSession]struct{}
	accepting bool
}

// NewClientRegistry creates an empty registry admitting up to maxClients
// simultaneous sessions.
func NewClientRegistry(maxClients int) *ClientRegistry {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	cr := &ClientRegistry{
		players:   player.NewRegistry(),
		capacity:  semaphore.NewWeighted(int64(maxClients)),
		loginSem:  semaphore.NewWeighted(1),
		logoutSem: semaphore.NewWeighted(1),
		inviteSem: semaphore.NewWeighted(1),
		sessions:  make(map[*ClientSession]struct{}),
		accepting: true,
	}
	cr.cond = sync.NewCond(&cr.mu)
	return cr
}

// Register blocks, if necessary, until a capacity slot is available, then
// wraps conn in a new ClientSession, admits it, and starts its write pump.
// It fails immediately, without blocking, once ShutdownAll has been called.
func (cr *ClientRegistry) Register(ctx context.Context, conn net.Conn, writePool *BytePool, sendQueueSize int, writeTimeout time.Duration) (*ClientSession, error) {
	cr.mu.Lock()
	accepting := cr.accepting
	cr.mu.Unlock()
	if !accepting {
		return nil, fmt.Errorf("register: registry is shutting down")
	}

	if err := cr.capacity.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	session, err := NewClientSession(conn, cr, writePool, sendQueueSize, writeTimeout)
	if err != nil {
		cr.capacity.Release(1)
		return nil, fmt.Errorf("register: %w", err)
	}

	cr.mu.Lock()
	cr.sessions[session] = struct{}{}
	cr.mu.Unlock()

	go session.writePump()
	return session, nil
}

// Unregister logs session out if it is still logged in, releases its
// capacity slot, and wakes any WaitForEmpty callers once the registry has
// drained.
func (cr *ClientRegistry) Unregister(ctx context.Context, session *ClientSession) {
	if session.Status() == StatusLoggedIn {
		_ = session.Logout(ctx)
	}
	session.Close()

	cr.mu.Lock()
	_, wasRegistered := cr.sessions[session]
	delete(cr.sessions, session)
	empty := len(cr.sessions) == 0
	cr.mu.Unlock()

	if wasRegistered {
		cr.capacity.Release(1)
	}
	if empty {
		cr.cond.Broadcast()
	}
}

func (cr *ClientRegistry) snapshot() []*ClientSession {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	out := make([]*ClientSession, 0, len(cr.sessions))
	for s := range cr.sessions {
		out = append(out, s)
	}
	return out
}

// playerLoggedIn reports whether some registered session is currently
// logged in under name.
func (cr *ClientRegistry) playerLoggedIn(name string) bool {
	for _, s := range cr.snapshot() {
		if p := s.Player(); p != nil && p.Name() == name {
			return true
		}
	}
	return false
}

// Lookup returns the session currently logged in under name, if any, with
// its reference count incremented to account for the returned reference;
// the caller must Unref it once done.
func (cr *ClientRegistry) Lookup(name string) (*ClientSession, bool) {
	for _, s := range cr.snapshot() {
		if p := s.Player(); p != nil && p.Name() == name {
			s.Ref()
			return s, true
		}
	}
	return nil, false
}

// AllPlayers returns the Player for every currently logged-in session, for
// servicing the USERS request. Unlike the durable player registry, a
// player whose session has since logged out is not included.
func (cr *ClientRegistry) AllPlayers() []*player.Player {
	var out []*player.Player
	for _, s := range cr.snapshot() {
		if p := s.Player(); p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of currently registered sessions.
func (cr *ClientRegistry) Count() int {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return len(cr.sessions)
}

// WaitForEmpty blocks until no sessions are registered.
func (cr *ClientRegistry) WaitForEmpty() {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	for len(cr.sessions) > 0 {
		cr.cond.Wait()
	}
}

// ShutdownAll stops admitting new sessions and forces every registered
// session's receive loop to observe end-of-stream, by half-closing the
// read side of its connection. Sessions are not unregistered here; that is
// left to each session's own driver loop once it recognizes the resulting
// EOF, mirroring the registry this is grounded on.
func (cr *ClientRegistry) ShutdownAll() {
	cr.mu.Lock()
	cr.accepting = false
	cr.mu.Unlock()

	for _, s := range cr.snapshot() {
		if tc, ok := s.Conn().(*net.TCPConn); ok {
			_ = tc.CloseRead()
			continue
		}
		// Connections with no half-close (e.g. net.Pipe in tests) fall back
		// to a full close, which still unblocks a receive loop on EOF.
		_ = s.Conn().Close()
	}
}
