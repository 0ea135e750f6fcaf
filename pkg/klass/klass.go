// Package klass holds the runtime class model: class descriptors, methods,
// runtime constant pools and their caches, and loader data. Lifecycle
// transitions are driven by package lifecycle; this package only stores the
// state and enforces its ordering.
package klass

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/daimatz/linkvm/pkg/classfile"
	"github.com/daimatz/linkvm/pkg/deps"
	"github.com/daimatz/linkvm/pkg/metaspace"
	"github.com/daimatz/linkvm/pkg/thread"
)

// DispatchTables are the virtual and interface method tables of a linked
// class.
type DispatchTables struct {
	VTable []*Method
	// ITable maps each implemented interface to the implementing method for
	// every method of the interface, in the interface's method order.
	ITable map[*Klass][]*Method
	// Handle is the metaspace block backing the tables.
	Handle metaspace.Handle
}

// Klass is the runtime descriptor of one class or interface.
type Klass struct {
	name      string
	loader    *LoaderData
	flags     uint16
	classFile *classfile.ClassFile

	super           *Klass
	localInterfaces []*Klass
	methods         []*Method
	fields          []*Field
	pool            *ConstantPool

	state       atomic.Uint32
	rewritten   atomic.Bool
	initMonitor atomic.Pointer[thread.Monitor]
	initThread  atomic.Pointer[thread.Thread]
	tables      atomic.Pointer[DispatchTables]
	implementor atomic.Pointer[Klass]
	shared      atomic.Bool
	verified    atomic.Bool

	mu        sync.Mutex
	initError error
	linkError error

	// Written only at a safepoint.
	previousVersions *PreviousVersion
	redefinedBy      atomic.Pointer[Klass]
	redefinitions    int

	dependencies deps.Context
	statics      *xsync.MapOf[string, any]
}

// New builds a class descriptor in state Allocated from a parsed class file.
// super and interfaces are the already loaded direct supertypes, in the
// order the class file names them.
func New(cf *classfile.ClassFile, ld *LoaderData, super *Klass, interfaces []*Klass) (*Klass, error) {
	name, err := cf.ClassName()
	if err != nil {
		return nil, fmt.Errorf("class name: %w", err)
	}
	k := &Klass{
		name:            name,
		loader:          ld,
		flags:           cf.AccessFlags,
		classFile:       cf,
		super:           super,
		localInterfaces: interfaces,
		pool:            NewConstantPool(cf.ConstantPool, cf.BootstrapMethods),
		statics:         xsync.NewMapOf[string, any](),
	}
	k.pool.holder = k
	k.initMonitor.Store(thread.NewMonitor())

	for i := range cf.Methods {
		k.methods = append(k.methods, newMethod(k, i, &cf.Methods[i]))
	}
	sort.SliceStable(k.methods, func(i, j int) bool {
		a, b := k.methods[i], k.methods[j]
		if a.name != b.name {
			return a.name < b.name
		}
		return a.signature < b.signature
	})
	for i := 1; i < len(k.methods); i++ {
		if k.methods[i-1].name == k.methods[i].name && k.methods[i-1].signature == k.methods[i].signature {
			return nil, fmt.Errorf("class %s: duplicate method %s%s", name, k.methods[i].name, k.methods[i].signature)
		}
	}

	for _, fi := range cf.Fields {
		f := &Field{holder: k, name: fi.Name, descriptor: fi.Descriptor, flags: fi.AccessFlags}
		k.fields = append(k.fields, f)
		if f.IsStatic() {
			k.statics.Store(f.name, ZeroValue(f.descriptor))
		}
	}
	return k, nil
}

func (k *Klass) Name() string { return k.name }

// Loader returns the defining loader.
func (k *Klass) Loader() *LoaderData { return k.loader }

// ClassFile returns the class file the descriptor was built from.
func (k *Klass) ClassFile() *classfile.ClassFile { return k.classFile }

func (k *Klass) Flags() uint16 { return k.flags }

func (k *Klass) IsInterface() bool { return k.flags&classfile.AccInterface != 0 }

func (k *Klass) IsFinal() bool { return k.flags&classfile.AccFinal != 0 }

func (k *Klass) IsAbstract() bool { return k.flags&classfile.AccAbstract != 0 }

func (k *Klass) Super() *Klass { return k.super }

func (k *Klass) LocalInterfaces() []*Klass { return k.localInterfaces }

// Methods returns the methods sorted by name, then signature.
func (k *Klass) Methods() []*Method { return k.methods }

func (k *Klass) Fields() []*Field { return k.fields }

func (k *Klass) Pool() *ConstantPool { return k.pool }

func (k *Klass) String() string { return k.name }

// FindMethod looks up a method declared by k.
func (k *Klass) FindMethod(name, signature string) *Method {
	i := sort.Search(len(k.methods), func(i int) bool {
		m := k.methods[i]
		if m.name != name {
			return m.name >= name
		}
		return m.signature >= signature
	})
	if i < len(k.methods) && k.methods[i].name == name && k.methods[i].signature == signature {
		return k.methods[i]
	}
	return nil
}

// LookupMethod searches k and then its superclasses.
func (k *Klass) LookupMethod(name, signature string) *Method {
	for c := k; c != nil; c = c.super {
		if m := c.FindMethod(name, signature); m != nil {
			return m
		}
	}
	return nil
}

// FindField looks up a field declared by k.
func (k *Klass) FindField(name, descriptor string) *Field {
	for _, f := range k.fields {
		if f.name == name && f.descriptor == descriptor {
			return f
		}
	}
	return nil
}

// LookupField searches k, its interfaces and then its superclasses.
func (k *Klass) LookupField(name, descriptor string) *Field {
	for c := k; c != nil; c = c.super {
		if f := c.FindField(name, descriptor); f != nil {
			return f
		}
		for _, i := range c.TransitiveInterfaces() {
			if f := i.FindField(name, descriptor); f != nil {
				return f
			}
		}
	}
	return nil
}

// ClassInitializer returns <clinit>, or nil.
func (k *Klass) ClassInitializer() *Method {
	return k.FindMethod(classfile.ClinitName, "()V")
}

// DeclaresNonStaticConcreteMethods reports whether an interface declares
// default methods. Such interfaces are initialized with their implementors.
func (k *Klass) DeclaresNonStaticConcreteMethods() bool {
	for _, m := range k.methods {
		if m.IsDefaultCandidate() && !m.IsObjectInitializer() {
			return true
		}
	}
	return false
}

// TransitiveInterfaces returns every interface k implements, directly or
// through superinterfaces, without duplicates. Interfaces inherited through
// superclasses are not included.
func (k *Klass) TransitiveInterfaces() []*Klass {
	var out []*Klass
	seen := make(map[*Klass]bool)
	var walk func(list []*Klass)
	walk = func(list []*Klass) {
		for _, i := range list {
			if seen[i] {
				continue
			}
			seen[i] = true
			out = append(out, i)
			walk(i.localInterfaces)
		}
	}
	walk(k.localInterfaces)
	return out
}

// ImplementsInterface reports whether k or a superclass implements iface.
func (k *Klass) ImplementsInterface(iface *Klass) bool {
	for c := k; c != nil; c = c.super {
		for _, i := range c.TransitiveInterfaces() {
			if i == iface {
				return true
			}
		}
	}
	return false
}

// IsSubclassOf reports whether other is k or one of its superclasses.
func (k *Klass) IsSubclassOf(other *Klass) bool {
	for c := k; c != nil; c = c.super {
		if c == other {
			return true
		}
	}
	return false
}

// IsSubtypeOf reports whether k is assignable to other.
func (k *Klass) IsSubtypeOf(other *Klass) bool {
	if other.IsInterface() {
		return k == other || k.ImplementsInterface(other)
	}
	return k.IsSubclassOf(other)
}

// State returns the lifecycle state. Reading it takes no lock.
func (k *Klass) State() State { return State(k.state.Load()) }

// SetState moves k forward to s. Moving backwards is a programming error.
func (k *Klass) SetState(s State) {
	for {
		cur := k.state.Load()
		if State(cur) > s {
			panic(fmt.Sprintf("class %s: illegal state transition %s -> %s", k.name, State(cur), s))
		}
		if k.state.CompareAndSwap(cur, uint32(s)) {
			return
		}
	}
}

// ResetToLoaded is the unlink transition from Linked back to Loaded.
func (k *Klass) ResetToLoaded() {
	if !k.state.CompareAndSwap(uint32(Linked), uint32(Loaded)) {
		panic(fmt.Sprintf("class %s: unlink from state %s", k.name, k.State()))
	}
}

// IsRewritten reports whether the class's bytecode has been rewritten.
func (k *Klass) IsRewritten() bool { return k.rewritten.Load() }

// SetRewritten records whether the bytecode is in rewritten form.
func (k *Klass) SetRewritten(v bool) { k.rewritten.Store(v) }

// InitMonitor returns the lock guarding linking and initialization, or nil
// once initialization has completed successfully.
func (k *Klass) InitMonitor() *thread.Monitor { return k.initMonitor.Load() }

// ReleaseInitMonitor drops the init monitor after successful initialization.
func (k *Klass) ReleaseInitMonitor() { k.initMonitor.Store(nil) }

// InitThread returns the thread running the class initializer, if any.
func (k *Klass) InitThread() *thread.Thread { return k.initThread.Load() }

// SetInitThread records the initializing thread (nil to clear).
func (k *Klass) SetInitThread(t *thread.Thread) { k.initThread.Store(t) }

// IsReentrantInitialization reports whether t is already initializing k.
func (k *Klass) IsReentrantInitialization(t *thread.Thread) bool {
	return t != nil && k.initThread.Load() == t
}

// InitError returns the recorded initialization failure.
func (k *Klass) InitError() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.initError
}

// SetInitError records the initialization failure.
func (k *Klass) SetInitError(err error) {
	k.mu.Lock()
	k.initError = err
	k.mu.Unlock()
}

// LinkError returns the permanent linkage failure, if any.
func (k *Klass) LinkError() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.linkError
}

// SetLinkError records a permanent linkage failure.
func (k *Klass) SetLinkError(err error) {
	k.mu.Lock()
	k.linkError = err
	k.mu.Unlock()
}

// Tables returns the dispatch tables, or nil before linking.
func (k *Klass) Tables() *DispatchTables { return k.tables.Load() }

// SetTables installs the dispatch tables (nil to clear).
func (k *Klass) SetTables(t *DispatchTables) { k.tables.Store(t) }

// IsShared reports whether k was restored from a snapshot archive.
func (k *Klass) IsShared() bool { return k.shared.Load() }

// SetShared marks k as restored from an archive.
func (k *Klass) SetShared() { k.shared.Store(true) }

// IsVerified reports whether the class passed verification in a previous
// run (archived classes) or in this one.
func (k *Klass) IsVerified() bool { return k.verified.Load() }

// SetVerified records a successful verification.
func (k *Klass) SetVerified() { k.verified.Store(true) }

// Dependencies returns the class's compiled-code dependency context.
func (k *Klass) Dependencies() *deps.Context { return &k.dependencies }

// PreviousVersions returns the newest retained previous version.
func (k *Klass) PreviousVersions() *PreviousVersion { return k.previousVersions }

// SetPreviousVersions replaces the previous-version list. Safepoint only.
func (k *Klass) SetPreviousVersions(pv *PreviousVersion) { k.previousVersions = pv }

// RedefinedBy returns the descriptor that replaced k, or nil.
func (k *Klass) RedefinedBy() *Klass { return k.redefinedBy.Load() }

// SetRedefinedBy links k to its replacement.
func (k *Klass) SetRedefinedBy(n *Klass) { k.redefinedBy.Store(n) }

// Redefinitions returns how many times the class has been redefined.
func (k *Klass) Redefinitions() int { return k.redefinitions }

// SetRedefinitions stamps the redefinition count and the pool version.
func (k *Klass) SetRedefinitions(n int) {
	k.redefinitions = n
	k.pool.SetVersion(n)
}

// Static returns the value of a static field.
func (k *Klass) Static(name string) (any, bool) { return k.statics.Load(name) }

// SetStatic stores a static field value.
func (k *Klass) SetStatic(name string, v any) { k.statics.Store(name, v) }

// Statics returns a copy of the static field values.
func (k *Klass) Statics() map[string]any {
	out := make(map[string]any, k.statics.Size())
	k.statics.Range(func(name string, v any) bool {
		out[name] = v
		return true
	})
	return out
}
