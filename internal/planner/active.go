package planner

import "sync/atomic"

// Active holds the planner currently serving a table together with the
// catalog version it was built from. Readers Load without locking; a writer
// evolving the scheme builds a new Planner and installs it with
// CompareAndSwap, so two concurrent evolutions cannot both win from the same
// starting point.
type Active struct {
	current atomic.Pointer[served]
}

type served struct {
	planner *Planner
	version int64
}

// NewActive returns a holder serving p at version.
func NewActive(p *Planner, version int64) *Active {
	a := &Active{}
	a.Store(p, version)
	return a
}

// Load returns the current planner.
func (a *Active) Load() *Planner {
	return a.current.Load().planner
}

// LoadVersion returns the current planner and its version as one
// consistent pair.
func (a *Active) LoadVersion() (*Planner, int64) {
	s := a.current.Load()
	return s.planner, s.version
}

// Store installs p at version unconditionally.
func (a *Active) Store(p *Planner, version int64) {
	a.current.Store(&served{planner: p, version: version})
}

// CompareAndSwap installs next at version only if old is still current.
func (a *Active) CompareAndSwap(old, next *Planner, version int64) bool {
	cur := a.current.Load()
	if cur.planner != old {
		return false
	}
	return a.current.CompareAndSwap(cur, &served{planner: next, version: version})
}
