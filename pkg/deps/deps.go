// Package deps records which compiled code units depend on assumptions about
// a class, so they can be invalidated when the class hierarchy changes.
package deps

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
)

var plog = logger.GetLogger("deps")

// Change describes a modification to the class hierarchy. Contexts returns
// the dependency contexts whose dependents must be checked: the changed
// class, its supertypes and its transitive interfaces.
type Change interface {
	Contexts() []*Context
	fmt.Stringer
}

// CodeUnit is a piece of generated code that may depend on class invariants.
type CodeUnit interface {
	Name() string
	// IsAlive is false once the unit has been freed.
	IsAlive() bool
	IsMarked() bool
	MarkForDeoptimization()
	// DependsOn reports whether change violates one of the unit's assumptions.
	DependsOn(change Change) bool
}

type bucket struct {
	unit  CodeUnit
	count int
	next  *bucket
}

// Context is the per-class list of dependent code units. Each unit appears
// once together with the number of times it was registered.
type Context struct {
	mu    sync.Mutex
	head  *bucket
	stale atomic.Bool
}

// Add registers unit, or bumps its count if it is already present.
func (c *Context) Add(unit CodeUnit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for b := c.head; b != nil; b = b.next {
		if b.unit == unit {
			b.count++
			return
		}
	}
	c.head = &bucket{unit: unit, count: 1, next: c.head}
}

// Remove drops one registration of unit. It reports false if unit was not
// registered.
func (c *Context) Remove(unit CodeUnit) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var prev *bucket
	for b := c.head; b != nil; prev, b = b, b.next {
		if b.unit != unit {
			continue
		}
		b.count--
		if b.count == 0 {
			if prev == nil {
				c.head = b.next
			} else {
				prev.next = b.next
			}
		}
		return true
	}
	return false
}

// MarkDependents marks every live unit whose assumptions change violates and
// returns how many were newly marked.
func (c *Context) MarkDependents(change Change) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	marked := 0
	for b := c.head; b != nil; b = b.next {
		u := b.unit
		if b.count == 0 || !u.IsAlive() {
			c.stale.Store(true)
			continue
		}
		if u.IsMarked() || !u.DependsOn(change) {
			continue
		}
		u.MarkForDeoptimization()
		marked++
		plog.Debugf("marked %s for deoptimization: %s", u.Name(), change)
	}
	return marked
}

// ExpungeStale removes buckets of freed units. It returns the number removed.
func (c *Context) ExpungeStale() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	var prev *bucket
	for b := c.head; b != nil; b = b.next {
		if b.count > 0 && b.unit.IsAlive() {
			prev = b
			continue
		}
		if prev == nil {
			c.head = b.next
		} else {
			prev.next = b.next
		}
		removed++
	}
	c.stale.Store(false)
	return removed
}

// HasStale reports whether MarkDependents saw freed units.
func (c *Context) HasStale() bool { return c.stale.Load() }

// Count returns the number of distinct registered units.
func (c *Context) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for b := c.head; b != nil; b = b.next {
		n++
	}
	return n
}

// Registrations returns how many times unit was added and not removed.
func (c *Context) Registrations(unit CodeUnit) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for b := c.head; b != nil; b = b.next {
		if b.unit == unit {
			return b.count
		}
	}
	return 0
}

// IsDependentOn reports whether unit is registered in c.
func (c *Context) IsDependentOn(unit CodeUnit) bool {
	return c.Registrations(unit) > 0
}

// Units returns the registered units, most recent first.
func (c *Context) Units() []CodeUnit {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []CodeUnit
	for b := c.head; b != nil; b = b.next {
		out = append(out, b.unit)
	}
	return out
}

// MarkForDeoptimization checks every context change touches and returns the
// total number of units marked.
func MarkForDeoptimization(change Change) int {
	total := 0
	for _, ctx := range change.Contexts() {
		if ctx != nil {
			total += ctx.MarkDependents(change)
		}
	}
	if total > 0 {
		plog.Infof("%d code units marked for deoptimization after %s", total, change)
	}
	return total
}
