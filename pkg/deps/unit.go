package deps

import "sync/atomic"

// Assumption is one invariant a Unit relies on.
type Assumption interface {
	// InvalidatedBy reports whether change breaks the assumption.
	InvalidatedBy(change Change) bool
	String() string
}

// Unit is a CodeUnit built from a list of assumptions.
type Unit struct {
	name        string
	assumptions []Assumption
	marked      atomic.Bool
	freed       atomic.Bool
}

// NewUnit returns a live unit depending on assumptions.
func NewUnit(name string, assumptions ...Assumption) *Unit {
	return &Unit{name: name, assumptions: assumptions}
}

func (u *Unit) Name() string { return u.name }

func (u *Unit) IsAlive() bool { return !u.freed.Load() }

func (u *Unit) IsMarked() bool { return u.marked.Load() }

func (u *Unit) MarkForDeoptimization() { u.marked.Store(true) }

// Free makes the unit dead; contexts drop it on the next expunge.
func (u *Unit) Free() { u.freed.Store(true) }

// Assumptions returns the unit's assumptions.
func (u *Unit) Assumptions() []Assumption { return u.assumptions }

// DependsOn reports whether any assumption is invalidated by change.
func (u *Unit) DependsOn(change Change) bool {
	for _, a := range u.assumptions {
		if a.InvalidatedBy(change) {
			return true
		}
	}
	return false
}
