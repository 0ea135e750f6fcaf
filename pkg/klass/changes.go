package klass

import (
	"fmt"

	"github.com/daimatz/linkvm/pkg/deps"
)

// SubtypeChange is the hierarchy change caused by adding a new class.
type SubtypeChange struct {
	NewType *Klass
}

// NewSubtypeChange describes the addition of k to the hierarchy.
func NewSubtypeChange(k *Klass) *SubtypeChange { return &SubtypeChange{NewType: k} }

// Contexts returns the contexts of the new type, its superclasses and every
// interface it implements.
func (c *SubtypeChange) Contexts() []*deps.Context {
	return hierarchyContexts(c.NewType)
}

func (c *SubtypeChange) String() string { return "new subtype " + c.NewType.Name() }

// RedefinitionChange is the change caused by redefining a class.
type RedefinitionChange struct {
	Old *Klass
	New *Klass
}

// Contexts returns the old version's contexts; dependents of the new
// version cannot exist yet.
func (c *RedefinitionChange) Contexts() []*deps.Context {
	return hierarchyContexts(c.Old)
}

func (c *RedefinitionChange) String() string { return "redefinition of " + c.Old.Name() }

func hierarchyContexts(k *Klass) []*deps.Context {
	var out []*deps.Context
	for s := k; s != nil; s = s.Super() {
		out = append(out, s.Dependencies())
	}
	seen := make(map[*Klass]bool)
	for s := k; s != nil; s = s.Super() {
		for _, i := range s.TransitiveInterfaces() {
			if !seen[i] {
				seen[i] = true
				out = append(out, i.Dependencies())
			}
		}
	}
	return out
}

// LinkChange is published when a class becomes linked and its dispatch
// tables become usable for class hierarchy analysis.
type LinkChange struct {
	Klass *Klass
}

// Contexts returns the contexts of the linked class and its supertypes.
func (c *LinkChange) Contexts() []*deps.Context {
	return hierarchyContexts(c.Klass)
}

func (c *LinkChange) String() string { return "linked " + c.Klass.Name() }

// UniqueImplementor assumes Interface has no implementor besides Impl.
type UniqueImplementor struct {
	Interface *Klass
	Impl      *Klass
}

func (a UniqueImplementor) InvalidatedBy(c deps.Change) bool {
	sc, ok := c.(*SubtypeChange)
	if !ok {
		return false
	}
	n := sc.NewType
	return n != a.Impl && !n.IsInterface() && n.ImplementsInterface(a.Interface)
}

func (a UniqueImplementor) String() string {
	return fmt.Sprintf("unique implementor %s of %s", a.Impl.Name(), a.Interface.Name())
}

// LeafType assumes Klass has no subtypes.
type LeafType struct {
	Klass *Klass
}

func (a LeafType) InvalidatedBy(c deps.Change) bool {
	sc, ok := c.(*SubtypeChange)
	return ok && sc.NewType != a.Klass && sc.NewType.IsSubtypeOf(a.Klass)
}

func (a LeafType) String() string { return "leaf type " + a.Klass.Name() }

// NotLinked assumes Klass and its subtypes are not linked yet, so no
// vtable-based dispatch can reach them.
type NotLinked struct {
	Klass *Klass
}

func (a NotLinked) InvalidatedBy(c deps.Change) bool {
	lc, ok := c.(*LinkChange)
	return ok && lc.Klass.IsSubtypeOf(a.Klass)
}

func (a NotLinked) String() string { return "not linked " + a.Klass.Name() }

// EvolMethod assumes Method's bytecode does not change, as compiled code
// that inlined it does.
type EvolMethod struct {
	Method *Method
}

func (a EvolMethod) InvalidatedBy(c deps.Change) bool {
	rc, ok := c.(*RedefinitionChange)
	return ok && a.Method.Holder() == rc.Old
}

func (a EvolMethod) String() string { return "evol method " + a.Method.String() }
