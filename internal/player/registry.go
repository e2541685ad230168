package player

import "sync"

// Registry interns Players by username for the lifetime of the process.
// Entries are never removed: a Player that has dropped to zero external
// references still has its name bound to a rating, so a returning user
// picks their rating back up.
//
// Built on a sync.Map keyed by name, with reference counting layered on
// since, unlike a session table, entries here are never evicted by a
// disconnect.
type Registry struct {
	players sync.Map // map[string]*Player
}

// NewRegistry returns an empty player registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register returns the Player for name, creating one with the initial
// rating if this is the first time name has been seen. The returned
// Player carries a reference the caller is responsible for releasing with
// Unref when it is no longer needed.
func (r *Registry) Register(name string) *Player {
	if existing, ok := r.players.Load(name); ok {
		return existing.(*Player).Ref()
	}

	created := newPlayer(name)
	actual, loaded := r.players.LoadOrStore(name, created)
	if loaded {
		// Lost the race to another goroutine registering the same name;
		// the one we built is discarded, unreferenced by anyone.
		return actual.(*Player).Ref()
	}
	// created carries the registry's own reference plus the one returned
	// to the caller.
	return created.Ref()
}

// Lookup returns the Player registered under name, if any, with an
// additional reference the caller must Unref.
func (r *Registry) Lookup(name string) (*Player, bool) {
	val, ok := r.players.Load(name)
	if !ok {
		return nil, false
	}
	return val.(*Player).Ref(), true
}

// All returns every player ever registered, in no particular order,
// without taking a reference on any of them. Entries are never removed, so
// players with no logged-in session are included.
func (r *Registry) All() []*Player {
	var out []*Player
	r.players.Range(func(_, value any) bool {
		out = append(out, value.(*Player))
		return true
	})
	return out
}

// Count returns the number of distinct usernames ever registered.
func (r *Registry) Count() int {
	n := 0
	r.players.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
