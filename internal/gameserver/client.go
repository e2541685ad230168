package gameserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/udisondev/jeux/internal/invitation"
	"github.com/udisondev/jeux/internal/player"
	"github.com/udisondev/jeux/internal/protocol"
)

// Default write queue / timeout constants, overridden by config values when
// available.
const (
	defaultSendQueueSize = 256
	defaultWriteTimeout  = 5 * time.Second
)

// ClientSession represents the state of one network client connected to
// the server: the connection itself, whether it is logged in and as which
// Player, and the set of invitations for which it is a source or target.
//
// A ClientSession can be passed around without fear of dangling references
// because it carries its own reference count; it is only ever freed (by
// the garbage collector, there being no manual memory management in Go)
// once every holder has released its reference.
type ClientSession struct {
	conn     net.Conn
	ip       string
	registry *ClientRegistry

	refs atomic.Int32

	mu      sync.Mutex
	status  Status
	plr     *player.Player
	invites map[byte]*invitation.Invitation
	ids     idAllocator

	sendCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	writePool    *BytePool
	writeTimeout time.Duration
}

// NewClientSession creates a new, logged-out session wrapping conn.
func NewClientSession(conn net.Conn, registry *ClientRegistry, writePool *BytePool, sendQueueSize int, writeTimeout time.Duration) (*ClientSession, error) {
	addr := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		// Addresses without a port (e.g. net.Pipe's "pipe") are kept whole.
		host = addr
	}

	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	c := &ClientSession{
		conn:         conn,
		ip:           host,
		registry:     registry,
		invites:      make(map[byte]*invitation.Invitation),
		sendCh:       make(chan []byte, sendQueueSize),
		closeCh:      make(chan struct{}),
		writePool:    writePool,
		writeTimeout: writeTimeout,
	}
	c.refs.Store(1)
	return c, nil
}

// Conn returns the underlying network connection.
func (c *ClientSession) Conn() net.Conn { return c.conn }

// IP returns the client's remote IP address.
func (c *ClientSession) IP() string { return c.ip }

// Status returns the current login state.
func (c *ClientSession) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Player returns the Player this session is logged in as, or nil.
func (c *ClientSession) Player() *player.Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plr
}

// Ref increments the session's reference count and returns itself,
// satisfying invitation.Session.
func (c *ClientSession) Ref() invitation.Session {
	c.refs.Add(1)
	return c
}

// Unref decrements the session's reference count.
func (c *ClientSession) Unref() {
	c.refs.Add(-1)
}

// writePump is the dedicated writer goroutine for this session. It drains
// already-framed packets from sendCh and writes them to conn, batching with
// net.Buffers when more than one packet is queued.
func (c *ClientSession) writePump() {
	bufs := make(net.Buffers, 0, 16)
	poolBufs := make([][]byte, 0, 16)

	defer func() {
		for {
			select {
			case pkt := <-c.sendCh:
				if c.writePool != nil {
					c.writePool.Put(pkt)
				}
			default:
				return
			}
		}
	}()

	for {
		select {
		case pkt, ok := <-c.sendCh:
			if !ok {
				return
			}

			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				slog.Warn("set write deadline failed", "ip", c.ip, "error", err)
				if c.writePool != nil {
					c.writePool.Put(pkt)
				}
				return
			}

			queued := len(c.sendCh)
			if queued == 0 {
				_, err := c.conn.Write(pkt)
				if c.writePool != nil {
					c.writePool.Put(pkt)
				}
				if err != nil {
					slog.Warn("write failed", "ip", c.ip, "error", err)
					return
				}
				continue
			}

			bufs = bufs[:0]
			poolBufs = poolBufs[:0]
			bufs = append(bufs, pkt)
			poolBufs = append(poolBufs, pkt)
			for range queued {
				p := <-c.sendCh
				bufs = append(bufs, p)
				poolBufs = append(poolBufs, p)
			}

			_, err := bufs.WriteTo(c.conn)
			if c.writePool != nil {
				for _, b := range poolBufs {
					c.writePool.Put(b)
				}
			}
			if err != nil {
				slog.Warn("batch write failed", "ip", c.ip, "error", err)
				return
			}

		case <-c.closeCh:
			return
		}
	}
}

// Send queues an already-framed packet for async delivery. Non-blocking:
// a full queue is treated as a slow or wedged client and disconnects it.
func (c *ClientSession) Send(pkt []byte) error {
	select {
	case c.sendCh <- pkt:
		return nil
	default:
		if c.writePool != nil {
			c.writePool.Put(pkt)
		}
		slog.Warn("send queue full, disconnecting slow client", "ip", c.ip)
		c.CloseAsync()
		return fmt.Errorf("send queue full")
	}
}

// SendSync queues pkt, blocking until it is accepted, the deadline passes,
// or the session closes.
func (c *ClientSession) SendSync(pkt []byte, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.sendCh <- pkt:
		return nil
	case <-timer.C:
		if c.writePool != nil {
			c.writePool.Put(pkt)
		}
		return fmt.Errorf("send timeout after %v", timeout)
	case <-c.closeCh:
		if c.writePool != nil {
			c.writePool.Put(pkt)
		}
		return fmt.Errorf("session closed")
	}
}

// CloseAsync signals the writePump to stop without blocking. Safe to call
// more than once.
func (c *ClientSession) CloseAsync() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
}

// Close stops the writePump and closes the underlying connection.
func (c *ClientSession) Close() error {
	c.CloseAsync()
	return c.conn.Close()
}

// enqueue frames a packet with the given type/id/role/payload and hands it
// to the write queue, logging (rather than propagating) failures — matching
// the fire-and-forget nature of the notification sends this is used for.
// The wire buffer is drawn from writePool when one is configured; writePump
// returns it to the pool once the write completes.
func (c *ClientSession) enqueue(typ, id byte, role protocol.Role, payload []byte) {
	header := protocol.NewHeader(typ, id, role, len(payload))

	size := protocol.HeaderSize + len(payload)
	buf := make([]byte, size)
	if c.writePool != nil {
		buf = c.writePool.Get(size)
	}
	buf, err := protocol.EncodeInto(buf, header, payload)
	if err != nil {
		slog.Error("encoding packet", "type", typ, "error", err)
		return
	}
	if err := c.Send(buf); err != nil {
		slog.Warn("send failed", "ip", c.ip, "type", typ, "error", err)
	}
}

// addInvitation assigns inv the lowest free local id and takes a reference
// on it on this session's behalf.
func (c *ClientSession) addInvitation(inv *invitation.Invitation) byte {
	inv.Ref()
	c.mu.Lock()
	defer c.mu.Unlock()
	id := byte(c.ids.alloc())
	c.invites[id] = inv
	return id
}

// removeInvitation removes inv from this session's invite map, releasing
// the id and the reference taken by addInvitation.
func (c *ClientSession) removeInvitation(inv *invitation.Invitation) (byte, bool) {
	c.mu.Lock()
	var id byte
	found := false
	for k, v := range c.invites {
		if v == inv {
			id = k
			found = true
			delete(c.invites, k)
			c.ids.release(int(k))
			break
		}
	}
	c.mu.Unlock()
	if found {
		inv.Unref()
	}
	return id, found
}

// localID returns the id under which inv appears in this session's invite
// map.
func (c *ClientSession) localID(inv *invitation.Invitation) (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, v := range c.invites {
		if v == inv {
			return id, true
		}
	}
	return 0, false
}

func (c *ClientSession) invitationByID(id byte) (*invitation.Invitation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inv, ok := c.invites[id]
	return inv, ok
}

// Login logs this session in as name. It fails if the session is already
// logged in or if some other session is currently logged in as name.
// Serialised, across the whole registry, by the login coordinating
// semaphore, so the "is name already in use" check and the login that
// acts on it are atomic with respect to other logins.
func (c *ClientSession) Login(ctx context.Context, name string) error {
	if err := c.registry.loginSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer c.registry.loginSem.Release(1)

	c.mu.Lock()
	alreadyIn := c.status != StatusLoggedOut
	c.mu.Unlock()
	if alreadyIn {
		return fmt.Errorf("login: session is already logged in")
	}

	if c.registry.playerLoggedIn(name) {
		return fmt.Errorf("login: player %q is currently logged in", name)
	}

	p := c.registry.players.Register(name)

	c.mu.Lock()
	c.plr = p
	c.status = StatusLoggedIn
	c.mu.Unlock()
	return nil
}

// Logout logs this session out. Every outstanding invitation is resigned
// (if it holds an in-progress game), revoked (if this session is the
// source of an OPEN invitation) or declined (if it is the target),
// the Player reference is released, and status becomes LOGGED_OUT.
// Idempotent once LOGGED_OUT. Serialised by the logout coordinating
// semaphore so the cascade is not interleaved with another logout.
func (c *ClientSession) Logout(ctx context.Context) error {
	c.mu.Lock()
	notIn := c.status != StatusLoggedIn
	c.mu.Unlock()
	if notIn {
		return fmt.Errorf("logout: session is not logged in")
	}

	if err := c.registry.logoutSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	defer c.registry.logoutSem.Release(1)

	c.mu.Lock()
	invites := make(map[byte]*invitation.Invitation, len(c.invites))
	for id, inv := range c.invites {
		invites[id] = inv
	}
	plr := c.plr
	c.mu.Unlock()

	for id, inv := range invites {
		c.closeOutstandingInvitation(ctx, inv, id)
	}

	c.mu.Lock()
	c.status = StatusLoggedOut
	c.plr = nil
	c.mu.Unlock()

	if plr != nil {
		plr.Unref()
	}
	return nil
}

func (c *ClientSession) closeOutstandingInvitation(ctx context.Context, inv *invitation.Invitation, id byte) {
	if inv.Game() != nil {
		if err := c.Resign(ctx, id); err != nil {
			slog.Warn("resign during logout failed", "id", id, "error", err)
		}
		return
	}
	if inv.Source() == c {
		if err := c.Revoke(ctx, id); err != nil {
			slog.Warn("revoke during logout failed", "id", id, "error", err)
		}
		return
	}
	if err := c.Decline(ctx, id); err != nil {
		slog.Warn("decline during logout failed", "id", id, "error", err)
	}
}

// Users renders the USERS ACK payload: one "<name>\t<rating>\n" line per
// currently logged-in player, sorted by name for a deterministic reply.
func (c *ClientSession) Users() []byte {
	players := c.registry.AllPlayers()
	sort.Slice(players, func(i, j int) bool { return players[i].Name() < players[j].Name() })

	var b strings.Builder
	for _, p := range players {
		fmt.Fprintf(&b, "%s\t%d\n", p.Name(), p.Rating())
	}
	return []byte(b.String())
}

// MakeInvitation proposes a game from this session (the source) to target,
// assigning sourceRole to this session and targetRole to target. Both sides
// get an independently-allocated local id for the new OPEN invitation, and
// target receives an INVITED notification. Returns this session's own id
// for the invitation, to be echoed back as the ACK's id field.
func (c *ClientSession) MakeInvitation(ctx context.Context, target *ClientSession, sourceRole, targetRole protocol.Role) (byte, error) {
	if err := c.registry.inviteSem.Acquire(ctx, 1); err != nil {
		return 0, fmt.Errorf("make invitation: %w", err)
	}
	defer c.registry.inviteSem.Release(1)

	if c == target {
		return 0, fmt.Errorf("make invitation: cannot invite self")
	}

	srcPlayer := c.Player()
	if srcPlayer == nil {
		return 0, fmt.Errorf("make invitation: source session is not logged in")
	}
	if target.Player() == nil {
		return 0, fmt.Errorf("make invitation: target session is not logged in")
	}

	inv := invitation.New(c, target, sourceRole, targetRole)
	sourceID := c.addInvitation(inv)
	targetID := target.addInvitation(inv)
	inv.Unref() // release invitation.New's creation reference; one ref per side remains

	target.enqueue(protocol.TypeInvited, targetID, targetRole, []byte(srcPlayer.Name()))
	return sourceID, nil
}

// Revoke withdraws an OPEN invitation for which this session is the
// source, notifying the target with REVOKED.
func (c *ClientSession) Revoke(ctx context.Context, id byte) error {
	if err := c.registry.inviteSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("revoke invitation: %w", err)
	}
	defer c.registry.inviteSem.Release(1)

	inv, ok := c.invitationByID(id)
	if !ok {
		return fmt.Errorf("revoke invitation: unknown id %d", id)
	}
	if inv.Source() != c {
		return fmt.Errorf("revoke invitation: session is not the source")
	}
	if err := inv.Close(protocol.RoleNone); err != nil {
		return fmt.Errorf("revoke invitation: %w", err)
	}

	target, ok := inv.Target().(*ClientSession)
	if !ok {
		return fmt.Errorf("revoke invitation: target session has unexpected type")
	}
	targetID, ok := target.localID(inv)
	if !ok {
		return fmt.Errorf("revoke invitation: invitation not found in target's list")
	}
	target.enqueue(protocol.TypeRevoked, targetID, protocol.RoleNone, nil)

	c.removeInvitation(inv)
	target.removeInvitation(inv)
	return nil
}

// Decline rejects an OPEN invitation for which this session is the
// target, notifying the source with DECLINED.
func (c *ClientSession) Decline(ctx context.Context, id byte) error {
	if err := c.registry.inviteSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("decline invitation: %w", err)
	}
	defer c.registry.inviteSem.Release(1)

	inv, ok := c.invitationByID(id)
	if !ok {
		return fmt.Errorf("decline invitation: unknown id %d", id)
	}
	if inv.Target() != c {
		return fmt.Errorf("decline invitation: session is not the target")
	}
	if err := inv.Close(protocol.RoleNone); err != nil {
		return fmt.Errorf("decline invitation: %w", err)
	}

	source, ok := inv.Source().(*ClientSession)
	if !ok {
		return fmt.Errorf("decline invitation: source session has unexpected type")
	}
	sourceID, ok := source.localID(inv)
	if !ok {
		return fmt.Errorf("decline invitation: invitation not found in source's list")
	}
	source.enqueue(protocol.TypeDeclined, sourceID, protocol.RoleNone, nil)

	c.removeInvitation(inv)
	source.removeInvitation(inv)
	return nil
}

// Accept accepts an OPEN invitation for which this session is the target,
// creating its Game. The source is sent ACCEPTED, carrying the rendered
// initial board if the source plays FIRST. The return value is the payload
// to use for the ACK back to this session: the initial board if this
// session (the target) plays FIRST, else nil.
func (c *ClientSession) Accept(ctx context.Context, id byte) ([]byte, error) {
	if err := c.registry.inviteSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("accept invitation: %w", err)
	}
	defer c.registry.inviteSem.Release(1)

	inv, ok := c.invitationByID(id)
	if !ok {
		return nil, fmt.Errorf("accept invitation: unknown id %d", id)
	}
	if inv.Target() != c {
		return nil, fmt.Errorf("accept invitation: session is not the target")
	}
	if err := inv.Accept(); err != nil {
		return nil, fmt.Errorf("accept invitation: %w", err)
	}

	source, ok := inv.Source().(*ClientSession)
	if !ok {
		return nil, fmt.Errorf("accept invitation: source session has unexpected type")
	}
	sourceID, ok := source.localID(inv)
	if !ok {
		return nil, fmt.Errorf("accept invitation: invitation not found in source's list")
	}

	board := []byte(inv.Game().Render())

	var ackPayload, sourcePayload []byte
	if inv.TargetRole() == protocol.RoleFirst {
		ackPayload = board
	} else {
		sourcePayload = board
	}

	source.enqueue(protocol.TypeAccepted, sourceID, protocol.RoleNone, sourcePayload)
	return ackPayload, nil
}

// Resign concedes an ACCEPTED game in which this session is a participant.
// The opponent is notified with RESIGNED, the rating update is posted with
// the opponent as winner, and the invitation is removed from both maps.
func (c *ClientSession) Resign(ctx context.Context, id byte) error {
	if err := c.registry.inviteSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("resign: %w", err)
	}
	defer c.registry.inviteSem.Release(1)

	inv, ok := c.invitationByID(id)
	if !ok {
		return fmt.Errorf("resign: unknown id %d", id)
	}

	var role, oppRole protocol.Role
	var opponent *ClientSession
	switch {
	case inv.Source() == c:
		role, oppRole = inv.SourceRole(), inv.TargetRole()
		opponent, ok = inv.Target().(*ClientSession)
	case inv.Target() == c:
		role, oppRole = inv.TargetRole(), inv.SourceRole()
		opponent, ok = inv.Source().(*ClientSession)
	default:
		return fmt.Errorf("resign: session is not a participant")
	}
	if !ok {
		return fmt.Errorf("resign: opponent session has unexpected type")
	}

	if err := inv.Close(role); err != nil {
		return fmt.Errorf("resign: %w", err)
	}

	opponentID, ok := opponent.localID(inv)
	if !ok {
		return fmt.Errorf("resign: invitation not found in opponent's list")
	}
	opponent.enqueue(protocol.TypeResigned, opponentID, protocol.RoleNone, nil)

	postResults(c, opponent, role, oppRole)

	c.removeInvitation(inv)
	opponent.removeInvitation(inv)
	return nil
}

// MakeMove applies moveStr as this session's move in the ACCEPTED game
// referenced by id. The opponent is sent MOVED with the new board. If the
// move ends the game, both participants are sent ENDED (each under their
// own local id) and the rating update is posted before the invitation is
// removed from both maps.
func (c *ClientSession) MakeMove(ctx context.Context, id byte, moveStr string) error {
	if err := c.registry.inviteSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("make move: %w", err)
	}
	defer c.registry.inviteSem.Release(1)

	inv, ok := c.invitationByID(id)
	if !ok {
		return fmt.Errorf("make move: unknown id %d", id)
	}
	if inv.State() != invitation.StateAccepted {
		return fmt.Errorf("make move: invitation is not ACCEPTED")
	}

	var role protocol.Role
	var opponent *ClientSession
	switch {
	case inv.Source() == c:
		role = inv.SourceRole()
		opponent, ok = inv.Target().(*ClientSession)
	case inv.Target() == c:
		role = inv.TargetRole()
		opponent, ok = inv.Source().(*ClientSession)
	default:
		return fmt.Errorf("make move: session is not a participant")
	}
	if !ok {
		return fmt.Errorf("make move: opponent session has unexpected type")
	}

	g := inv.Game()
	move, err := g.ParseMove(role, moveStr)
	if err != nil {
		return fmt.Errorf("make move: %w", err)
	}
	if err := g.Apply(move); err != nil {
		return fmt.Errorf("make move: %w", err)
	}

	opponentID, ok := opponent.localID(inv)
	if !ok {
		return fmt.Errorf("make move: invitation not found in opponent's list")
	}
	opponent.enqueue(protocol.TypeMoved, opponentID, protocol.RoleNone, []byte(g.Render()))

	if !g.Terminated() {
		return nil
	}

	winner := g.Winner()
	opponent.enqueue(protocol.TypeEnded, opponentID, winner, nil)
	myID, _ := c.localID(inv)
	c.enqueue(protocol.TypeEnded, myID, winner, nil)

	postResults(c, opponent, role, winner)

	c.removeInvitation(inv)
	opponent.removeInvitation(inv)
	return nil
}

// postResults applies the Elo update for a game between client and
// opponent, where clientRole is the role client played and winner is the
// role that won (RoleNone for a draw). player.PostResult is always called
// with the FIRST-playing side as its first argument.
func postResults(client, opponent *ClientSession, clientRole, winner protocol.Role) {
	var p1, p2 *player.Player
	if clientRole == protocol.RoleFirst {
		p1, p2 = client.Player(), opponent.Player()
	} else {
		p1, p2 = opponent.Player(), client.Player()
	}
	if p1 == nil || p2 == nil {
		slog.Error("posting game result: missing player", "client_role", clientRole)
		return
	}

	var result player.Result
	switch winner {
	case protocol.RoleFirst:
		result = player.ResultWon
	case protocol.RoleSecond:
		result = player.ResultLost
	default:
		result = player.ResultDraw
	}
	player.PostResult(p1, p2, result)
}
