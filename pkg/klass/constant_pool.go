package klass

import (
	"fmt"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/daimatz/linkvm/pkg/classfile"
	"github.com/daimatz/linkvm/pkg/metaspace"
)

var plog = logger.GetLogger("redefine")

// ConstantPool is a class's runtime constant pool: the parsed entries, the
// bootstrap method table and the cache built when the class is linked.
type ConstantPool struct {
	entries   []classfile.ConstantPoolEntry
	bootstrap []classfile.BootstrapMethod
	holder    *Klass
	version   int

	onStack atomic.Bool
	cache   atomic.Pointer[CPCache]
}

// NewConstantPool wraps parsed entries (1-based, slot 0 unused).
func NewConstantPool(entries []classfile.ConstantPoolEntry, bootstrap []classfile.BootstrapMethod) *ConstantPool {
	return &ConstantPool{entries: entries, bootstrap: bootstrap}
}

// Len returns the pool length including the unused slot 0.
func (cp *ConstantPool) Len() int { return len(cp.entries) }

// Entries returns the raw entries.
func (cp *ConstantPool) Entries() []classfile.ConstantPoolEntry { return cp.entries }

// Bootstrap returns the BootstrapMethods table.
func (cp *ConstantPool) Bootstrap() []classfile.BootstrapMethod { return cp.bootstrap }

// Tag returns the tag at index, or 0 for an unused slot.
func (cp *ConstantPool) Tag(index int) uint8 { return classfile.TagAt(cp.entries, index) }

// Holder returns the class owning the pool.
func (cp *ConstantPool) Holder() *Klass { return cp.holder }

// Version is the redefinition generation the pool belongs to.
func (cp *ConstantPool) Version() int { return cp.version }

// SetVersion stamps the pool's redefinition generation.
func (cp *ConstantPool) SetVersion(v int) { cp.version = v }

// Utf8At returns the UTF-8 string at index.
func (cp *ConstantPool) Utf8At(index uint16) (string, error) {
	return classfile.GetUtf8(cp.entries, index)
}

// ClassNameAt returns the class name of the CONSTANT_Class at index.
func (cp *ConstantPool) ClassNameAt(index uint16) (string, error) {
	return classfile.GetClassName(cp.entries, index)
}

// MemberRefAt resolves the field or method reference at index symbolically.
func (cp *ConstantPool) MemberRefAt(index uint16) (*classfile.MemberRefInfo, error) {
	return classfile.ResolveMemberRef(cp.entries, index)
}

// SymbolicValue renders the entry at index independently of its position.
func (cp *ConstantPool) SymbolicValue(index uint16) (string, error) {
	return classfile.SymbolicValue(cp.entries, index)
}

// Cache returns the published cache, or nil before rewriting.
func (cp *ConstantPool) Cache() *CPCache { return cp.cache.Load() }

// PublishCache makes c visible to all readers. The store is the release
// point: every write to c happens before it.
func (cp *ConstantPool) PublishCache(c *CPCache) { cp.cache.Store(c) }

// ClearCache drops the cache, returning it.
func (cp *ConstantPool) ClearCache() *CPCache { return cp.cache.Swap(nil) }

// IsOnStack reports whether an active frame uses this pool.
func (cp *ConstantPool) IsOnStack() bool { return cp.onStack.Load() }

// SetOnStack sets the on-stack mark.
func (cp *ConstantPool) SetOnStack(v bool) { cp.onStack.Store(v) }

// Free releases the cache storage back to arena.
func (cp *ConstantPool) Free(arena *metaspace.Arena) {
	if c := cp.ClearCache(); c != nil && c.Handle.IsValid() {
		if err := arena.Deallocate(c.Handle); err != nil {
			plog.Warningf("freeing cache of %s: %v", cp, err)
		}
	}
}

func (cp *ConstantPool) String() string {
	name := "<no holder>"
	if cp.holder != nil {
		name = cp.holder.Name()
	}
	return fmt.Sprintf("constant pool of %s v%d (%d entries)", name, cp.version, len(cp.entries))
}
