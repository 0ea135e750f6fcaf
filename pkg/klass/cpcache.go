package klass

import (
	"sync/atomic"

	"github.com/daimatz/linkvm/pkg/metaspace"
)

// Resolution is the linked target of a field or method reference.
type Resolution struct {
	Klass  *Klass
	Method *Method
	Field  *Field
}

// CacheEntry is the fast-path slot for one field or method reference.
type CacheEntry struct {
	CPIndex uint16
	// AppendixIndex is the resolved-reference slot holding the appendix of a
	// signature-polymorphic call, or -1.
	AppendixIndex int
	resolved      atomic.Pointer[Resolution]
}

// Resolved returns the resolution, or nil while the entry is unresolved.
func (e *CacheEntry) Resolved() *Resolution { return e.resolved.Load() }

// SetResolved installs r. The first resolution wins.
func (e *CacheEntry) SetResolved(r *Resolution) bool {
	return e.resolved.CompareAndSwap(nil, r)
}

// IndyEntry is the slot for one invokedynamic call site. Sites sharing a
// constant-pool entry still get distinct slots.
type IndyEntry struct {
	CPIndex uint16
	// AppendixIndex is the resolved-reference slot for the call site's
	// appendix argument.
	AppendixIndex int
	target        atomic.Pointer[refBox]
}

// Target returns the linked call-site target, or nil.
func (e *IndyEntry) Target() any {
	if b := e.target.Load(); b != nil {
		return b.v
	}
	return nil
}

// SetTarget updates the call-site target.
func (e *IndyEntry) SetTarget(v any) { e.target.Store(&refBox{v: v}) }

type refBox struct{ v any }

// RefSlot holds one resolved reference (string, method handle, method type,
// dynamic constant or call-site appendix).
type RefSlot struct {
	p atomic.Pointer[refBox]
}

// Load returns the resolved value.
func (s *RefSlot) Load() (any, bool) {
	if b := s.p.Load(); b != nil {
		return b.v, true
	}
	return nil, false
}

// Store sets the resolved value.
func (s *RefSlot) Store(v any) { s.p.Store(&refBox{v: v}) }

// CPCache is the constant-pool cache. Its shape is fixed when it is built;
// only resolution results and call-site targets change afterwards.
type CPCache struct {
	Entries     []CacheEntry
	IndyEntries []IndyEntry
	References  []RefSlot
	// RefToPool maps a resolved-reference index below ResolvedReferenceLimit
	// back to its constant-pool index.
	RefToPool []uint16
	// FirstIterationLimit is the number of entries created by the first
	// scan; entries past it serve invokespecial on interface methods.
	FirstIterationLimit int
	// ResolvedReferenceLimit is the number of pool-backed references;
	// appendix slots follow it.
	ResolvedReferenceLimit int
	Handle                 metaspace.Handle
}

// Size approximates the metadata footprint of a cache with the given shape.
func Size(entries, indy, refs int) int {
	return entries*16 + indy*24 + refs*8
}

// PoolIndexOfReference returns the constant-pool index behind a resolved
// reference, or false for an appendix slot.
func (c *CPCache) PoolIndexOfReference(ref int) (uint16, bool) {
	if ref < 0 || ref >= len(c.RefToPool) {
		return 0, false
	}
	return c.RefToPool[ref], true
}
