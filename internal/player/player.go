// Package player implements registered players and their Elo-style
// ratings, interned by username in a process-lifetime registry.
package player

import (
	"math"
	"sync"
	"sync/atomic"
	"unsafe"
)

// InitialRating is the rating assigned to a player on first registration.
const InitialRating = 1500

// Player is a registered user: an immutable name and a mutable rating.
// Shared across every ClientSession logged in under the same name, so
// callers track interest with Ref/Unref rather than assuming sole
// ownership.
type Player struct {
	name   string
	mu     sync.Mutex
	rating int
	refs   atomic.Int32
}

func newPlayer(name string) *Player {
	p := &Player{name: name, rating: InitialRating}
	p.refs.Store(1)
	return p
}

// Name returns the player's username.
func (p *Player) Name() string {
	return p.name
}

// Rating returns the player's current rating.
func (p *Player) Rating() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rating
}

// Ref increments the reference count and returns the same player, so that
// Ref can be chained into an assignment.
func (p *Player) Ref() *Player {
	p.refs.Add(1)
	return p
}

// Unref decrements the reference count. The registry is the only holder
// that does not go through Unref for its own entry, so the count stays at
// one or more while registered, and reaching one means every external
// caller has let go.
func (p *Player) Unref() {
	p.refs.Add(-1)
}

// Result is the outcome of a completed game from one player's point of
// view, used by PostResult.
type Result int

const (
	ResultDraw Result = iota
	ResultWon
	ResultLost
)

// PostResult updates both players' ratings following a completed game
// between them, using the Elo system with K=32. result is p1's outcome;
// p2's outcome is implied. Locks are acquired in a fixed order (the lower
// memory address first) regardless of call-site argument order, so two
// concurrent PostResult calls naming the same pair can never deadlock.
//
// The sum of the two ratings is preserved exactly: p2's new rating is
// derived as (old sum - p1's new rating), not computed independently.
func PostResult(p1, p2 *Player, result Result) {
	if p1 == nil || p2 == nil || p1 == p2 {
		return
	}
	if uintptr(unsafe.Pointer(p1)) < uintptr(unsafe.Pointer(p2)) {
		p1.mu.Lock()
		p2.mu.Lock()
	} else {
		p2.mu.Lock()
		p1.mu.Lock()
	}
	defer p1.mu.Unlock()
	defer p2.mu.Unlock()

	var s1 float64
	switch result {
	case ResultDraw:
		s1 = 0.5
	case ResultWon:
		s1 = 1.0
	case ResultLost:
		s1 = 0.0
	}

	sum := p1.rating + p2.rating
	e1 := 1.0 / (1.0 + math.Pow(10.0, float64(p2.rating-p1.rating)/400.0))
	r1 := float64(p1.rating) + 32*(s1-e1)

	p1.rating = int(r1) // truncates toward zero, matching the original's C int assignment
	p2.rating = sum - p1.rating
}
