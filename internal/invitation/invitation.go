// Package invitation implements the two-party OPEN/ACCEPTED/CLOSED state
// machine shared between a source and target client session, and the
// embedded Game it owns once accepted.
package invitation

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/udisondev/jeux/internal/game"
	"github.com/udisondev/jeux/internal/protocol"
)

// Session is the minimal capability an invitation needs from a
// participant: the ability to hold and release a reference to it. The
// concrete type is *gameserver.ClientSession; this interface exists so
// that invitation, a leaf package, never imports gameserver.
type Session interface {
	Ref() Session
	Unref()
}

// State is one of the three invitation lifecycle states.
type State int

const (
	StateOpen State = iota
	StateAccepted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateAccepted:
		return "ACCEPTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Invitation is a proposal, made by a source session to a target session,
// to play a game. Both sessions hold an additional reference to it for as
// long as it remains in their local invite map.
type Invitation struct {
	mu         sync.Mutex
	state      State
	source     Session
	target     Session
	sourceRole protocol.Role
	targetRole protocol.Role
	game       *game.Game
	refs       atomic.Int32
}

// New creates an OPEN invitation from source to target, taking a
// reference on each. sourceRole and targetRole must differ; the caller is
// responsible for enforcing that invariant (New does not validate it,
// matching the constructor it is grounded on).
func New(source, target Session, sourceRole, targetRole protocol.Role) *Invitation {
	inv := &Invitation{
		state:      StateOpen,
		source:     source.Ref(),
		target:     target.Ref(),
		sourceRole: sourceRole,
		targetRole: targetRole,
	}
	inv.refs.Store(1)
	return inv
}

// Ref increments the reference count and returns the same invitation.
func (inv *Invitation) Ref() *Invitation {
	inv.refs.Add(1)
	return inv
}

// Unref decrements the reference count. When it reaches zero, the
// invitation releases its references to the source and target sessions,
// mirroring the teardown done by the object it is grounded on. The game
// carries no reference count and is not released here.
func (inv *Invitation) Unref() {
	if inv.refs.Add(-1) == 0 {
		inv.source.Unref()
		inv.target.Unref()
	}
}

// State returns the invitation's current lifecycle state.
func (inv *Invitation) State() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

// Source returns the session that proposed the invitation. Valid only
// while the invitation has not been fully unreferenced.
func (inv *Invitation) Source() Session { return inv.source }

// Target returns the session the invitation was proposed to.
func (inv *Invitation) Target() Session { return inv.target }

// SourceRole returns the role the source will play once accepted.
func (inv *Invitation) SourceRole() protocol.Role { return inv.sourceRole }

// TargetRole returns the role the target will play once accepted.
func (inv *Invitation) TargetRole() protocol.Role { return inv.targetRole }

// Game returns the invitation's embedded game, or nil if it was never
// accepted. The game remains available after the invitation closes, so a
// caller can still read its final state.
func (inv *Invitation) Game() *game.Game {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.game
}

// Accept transitions an OPEN invitation to ACCEPTED, creating its Game.
// It fails if the invitation is not currently OPEN.
func (inv *Invitation) Accept() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.state != StateOpen {
		return fmt.Errorf("accepting invitation: not in OPEN state (state=%s)", inv.state)
	}
	inv.state = StateAccepted
	inv.game = game.New()
	return nil
}

// Close transitions an OPEN or ACCEPTED invitation to CLOSED. role names
// the player who should resign the embedded game when closing an
// ACCEPTED invitation (revoke/decline pass RoleNone and close an OPEN
// invitation that has no game to resign).
func (inv *Invitation) Close(role protocol.Role) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	switch inv.state {
	case StateAccepted:
		if inv.game == nil {
			return fmt.Errorf("closing invitation: ACCEPTED but no game present")
		}
		if role == protocol.RoleNone {
			return fmt.Errorf("closing invitation: ACCEPTED invitation requires a resigning role")
		}
		if err := inv.game.Resign(role); err != nil {
			return fmt.Errorf("closing invitation: %w", err)
		}
	case StateOpen:
		if role != protocol.RoleNone {
			return fmt.Errorf("closing invitation: OPEN invitation closed with a non-NONE role")
		}
	default:
		return fmt.Errorf("closing invitation: not in OPEN or ACCEPTED state (state=%s)", inv.state)
	}

	inv.state = StateClosed
	return nil
}
