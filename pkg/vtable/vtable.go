// Package vtable builds the virtual and interface dispatch tables of a class
// during linking.
package vtable

import (
	"errors"
	"fmt"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/daimatz/linkvm/pkg/klass"
)

var plog = logger.GetLogger("class/link")

// slotSize is the metaspace footprint of one table slot.
const slotSize = 8

var (
	// ErrFinalOverride means a class overrides a final method of a superclass.
	ErrFinalOverride = errors.New("overrides final method")
	// ErrSuperNotLinked means the superclass has no tables yet.
	ErrSuperNotLinked = errors.New("superclass tables not built")
)

// Builder builds dispatch tables from a class's methods and the tables of
// its already linked superclass.
type Builder struct{}

// New returns a Builder.
func New() *Builder { return &Builder{} }

type sig struct{ name, signature string }

func sigOf(m *klass.Method) sig { return sig{m.Name(), m.Signature()} }

// isVirtual reports whether m takes part in virtual dispatch.
func isVirtual(m *klass.Method) bool {
	return !m.IsStatic() && !m.IsPrivate() && !m.IsObjectInitializer() && !m.IsStaticInitializer()
}

// BuildTables computes k's tables, allocates their backing store from k's
// loader arena and installs them on k.
func (b *Builder) BuildTables(k *klass.Klass) error {
	t, err := b.compute(k)
	if err != nil {
		return err
	}
	size := len(t.VTable)
	for _, row := range t.ITable {
		size += len(row)
	}
	if ld := k.Loader(); ld != nil {
		t.Handle, err = ld.Arena().Allocate(size * slotSize)
		if err != nil {
			return fmt.Errorf("allocating tables of %s: %w", k.Name(), err)
		}
	}
	k.SetTables(t)
	return nil
}

// Release drops k's tables and returns their storage to the loader arena.
func (b *Builder) Release(k *klass.Klass) {
	t := k.Tables()
	if t == nil {
		return
	}
	k.SetTables(nil)
	if ld := k.Loader(); ld != nil && t.Handle.IsValid() {
		if err := ld.Arena().Deallocate(t.Handle); err != nil {
			plog.Warningf("releasing tables of %s: %v", k.Name(), err)
		}
	}
}

func (b *Builder) compute(k *klass.Klass) (*klass.DispatchTables, error) {
	t := &klass.DispatchTables{}
	if k.IsInterface() {
		// Interfaces dispatch through their implementors' itables.
		return t, nil
	}

	if super := k.Super(); super != nil {
		st := super.Tables()
		if st == nil {
			return nil, fmt.Errorf("%w: %s", ErrSuperNotLinked, super.Name())
		}
		t.VTable = append([]*klass.Method(nil), st.VTable...)
	}
	slots := make(map[sig]int, len(t.VTable))
	for i, m := range t.VTable {
		slots[sigOf(m)] = i
	}

	for _, m := range k.Methods() {
		if !isVirtual(m) {
			continue
		}
		s := sigOf(m)
		if i, ok := slots[s]; ok {
			if t.VTable[i].IsFinal() {
				return nil, fmt.Errorf("%w: %s overrides %s", ErrFinalOverride, m, t.VTable[i])
			}
			t.VTable[i] = m
			continue
		}
		slots[s] = len(t.VTable)
		t.VTable = append(t.VTable, m)
	}

	ifaces := allInterfaces(k)
	if len(ifaces) > 0 {
		t.ITable = make(map[*klass.Klass][]*klass.Method, len(ifaces))
	}
	for _, iface := range ifaces {
		var row []*klass.Method
		for _, im := range iface.Methods() {
			if !isVirtual(im) {
				continue
			}
			s := sigOf(im)
			i, ok := slots[s]
			if ok && !t.VTable[i].IsAbstract() && !t.VTable[i].Holder().IsInterface() {
				// Class methods win over defaults.
				row = append(row, t.VTable[i])
				continue
			}
			impl := findDefault(ifaces, s)
			if impl == nil {
				// Unimplemented; calls through this slot raise AbstractMethodError.
				impl = im
				if ok {
					impl = t.VTable[i]
				}
			}
			if ok {
				t.VTable[i] = impl
			} else {
				slots[s] = len(t.VTable)
				t.VTable = append(t.VTable, impl)
			}
			row = append(row, impl)
		}
		t.ITable[iface] = row
	}
	return t, nil
}

// allInterfaces returns the interfaces of k and its superclasses, nearest
// first, without duplicates.
func allInterfaces(k *klass.Klass) []*klass.Klass {
	var out []*klass.Klass
	seen := make(map[*klass.Klass]bool)
	for c := k; c != nil; c = c.Super() {
		for _, i := range c.TransitiveInterfaces() {
			if !seen[i] {
				seen[i] = true
				out = append(out, i)
			}
		}
	}
	return out
}

// findDefault returns the most specific default method with signature s: a
// default declared by an interface that no other candidate's interface
// extends.
func findDefault(ifaces []*klass.Klass, s sig) *klass.Method {
	var candidates []*klass.Method
	for _, iface := range ifaces {
		if m := iface.FindMethod(s.name, s.signature); m != nil && !m.IsAbstract() && isVirtual(m) {
			candidates = append(candidates, m)
		}
	}
	for _, c := range candidates {
		shadowed := false
		for _, other := range candidates {
			if other != c && other.Holder().IsSubtypeOf(c.Holder()) {
				shadowed = true
				break
			}
		}
		if !shadowed {
			return c
		}
	}
	return nil
}

// Lookup returns the method in k's itable for iface at the position of the
// interface method name+signature.
func Lookup(k, iface *klass.Klass, name, signature string) *klass.Method {
	t := k.Tables()
	if t == nil {
		return nil
	}
	row := t.ITable[iface]
	i := 0
	for _, im := range iface.Methods() {
		if !isVirtual(im) {
			continue
		}
		if im.Name() == name && im.Signature() == signature {
			if i < len(row) {
				return row[i]
			}
			return nil
		}
		i++
	}
	return nil
}
