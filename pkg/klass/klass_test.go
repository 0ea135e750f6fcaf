package klass

import (
	"testing"

	"github.com/daimatz/linkvm/pkg/classfile"
	"github.com/daimatz/linkvm/pkg/deps"
)

// newKlass builds a descriptor for name with the given supertypes.
func newKlass(t *testing.T, name string, flags uint16, super *Klass, ifaces ...*Klass) *Klass {
	t.Helper()
	superName := ""
	if super != nil {
		superName = super.Name()
	}
	b := classfile.NewBuilder(name, superName).Flags(flags)
	for _, i := range ifaces {
		b.Interfaces(i.Name())
	}
	b.Method(classfile.AccPublic, "run", "()V", 0, 1, []byte{0xB1})
	b.Method(classfile.AccPublic|classfile.AccStatic, "<clinit>", "()V", 0, 0, []byte{0xB1})
	b.Method(classfile.AccPublic, "add", "(II)I", 2, 3, []byte{0x1B, 0x1C, 0x60, 0xAC})
	b.Field(classfile.AccStatic, "COUNT", "I")
	b.Field(classfile.AccStatic, "NAME", "Ljava/lang/String;")
	k, err := New(b.Build(), NewLoaderData("test", 0), super, ifaces)
	if err != nil {
		t.Fatalf("New(%s): %v", name, err)
	}
	return k
}

const iface = classfile.AccPublic | classfile.AccInterface | classfile.AccAbstract

func TestNewSortsMethods(t *testing.T) {
	k := newKlass(t, "A", classfile.AccPublic, nil)
	var names []string
	for _, m := range k.Methods() {
		names = append(names, m.Name())
	}
	want := []string{"<clinit>", "add", "run"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("methods = %v, want %v", names, want)
		}
	}
	if m := k.FindMethod("add", "(II)I"); m == nil || m.IDNum() != 2 {
		t.Errorf("FindMethod(add) = %v", m)
	}
	if k.FindMethod("add", "()V") != nil {
		t.Error("FindMethod matched wrong signature")
	}
	if k.ClassInitializer() == nil {
		t.Error("ClassInitializer not found")
	}
	if m := k.FindMethod("run", "()V"); m.Pool() != k.Pool() || m.Holder() != k {
		t.Error("method not bound to holder pool")
	}
}

func TestStaticsDefaultValues(t *testing.T) {
	k := newKlass(t, "A", classfile.AccPublic, nil)
	if v, ok := k.Static("COUNT"); !ok || v != int32(0) {
		t.Errorf("COUNT = %v, %v", v, ok)
	}
	if v, ok := k.Static("NAME"); !ok || v != nil {
		t.Errorf("NAME = %v, %v", v, ok)
	}
	k.SetStatic("COUNT", int32(4))
	if got := k.Statics()["COUNT"]; got != int32(4) {
		t.Errorf("Statics()[COUNT] = %v", got)
	}
}

func TestStateIsMonotonic(t *testing.T) {
	k := newKlass(t, "A", classfile.AccPublic, nil)
	if k.State() != Allocated {
		t.Fatalf("initial state %s", k.State())
	}
	k.SetState(Loaded)
	k.SetState(Linked)
	k.ResetToLoaded()
	if k.State() != Loaded {
		t.Fatalf("after unlink: %s", k.State())
	}
	k.SetState(Linked)
	k.SetState(BeingInitialized)

	defer func() {
		if recover() == nil {
			t.Error("backward transition did not panic")
		}
	}()
	k.SetState(Loaded)
}

func TestStateString(t *testing.T) {
	if Linked.String() != "linked" || InitializationError.String() != "initialization_error" {
		t.Error("state names")
	}
	if State(42).String() != "State(42)" {
		t.Errorf("unknown state = %s", State(42))
	}
}

func TestHierarchyQueries(t *testing.T) {
	j := newKlass(t, "J", iface, nil)
	i := newKlass(t, "I", iface, nil, j)
	base := newKlass(t, "Base", classfile.AccPublic, nil, i)
	sub := newKlass(t, "Sub", classfile.AccPublic, base)

	if got := i.TransitiveInterfaces(); len(got) != 1 || got[0] != j {
		t.Errorf("I.TransitiveInterfaces = %v", got)
	}
	if !sub.ImplementsInterface(j) {
		t.Error("Sub should implement J through Base and I")
	}
	if !sub.IsSubclassOf(base) || base.IsSubclassOf(sub) {
		t.Error("IsSubclassOf")
	}
	if !sub.IsSubtypeOf(i) || !sub.IsSubtypeOf(base) || base.IsSubtypeOf(sub) {
		t.Error("IsSubtypeOf")
	}
	if sub.LookupMethod("run", "()V").Holder() != sub {
		t.Error("LookupMethod should find the most specific declaration")
	}
}

func TestImplementorSentinel(t *testing.T) {
	i := newKlass(t, "I", iface, nil)
	if i.Implementor() != nil {
		t.Fatal("fresh interface has an implementor")
	}
	b := newKlass(t, "B", classfile.AccPublic, nil, i)
	c := newKlass(t, "C", classfile.AccPublic, nil, i)

	i.AddImplementor(b)
	if i.Implementor() != b || i.SoleImplementor() != b {
		t.Fatalf("after B: implementor = %v", i.Implementor())
	}
	i.AddImplementor(b)
	if i.Implementor() != b {
		t.Fatal("re-adding the same class changed the slot")
	}
	i.AddImplementor(c)
	impl := i.Implementor()
	if !i.IsManyImplementors(impl) {
		t.Fatalf("after B and C: implementor = %v, want the many sentinel", impl)
	}
	if impl == b || impl == c || i.SoleImplementor() != nil {
		t.Error("sentinel must not be either concrete class")
	}
}

func TestAddImplementorFilters(t *testing.T) {
	j := newKlass(t, "J", iface, nil)
	i := newKlass(t, "I", iface, nil, j)
	base := newKlass(t, "Base", classfile.AccPublic, nil, i)
	sub := newKlass(t, "Sub", classfile.AccPublic, base, i)
	other := newKlass(t, "Other", iface, nil, i)

	i.AddImplementor(base)
	if j.Implementor() != base {
		t.Error("implementor not propagated to superinterface")
	}
	i.AddImplementor(sub)
	if i.Implementor() != base {
		t.Error("subclass of an implementor was recorded")
	}
	i.AddImplementor(other)
	if i.Implementor() != base {
		t.Error("subinterface was recorded as implementor")
	}
}

func TestAssumptions(t *testing.T) {
	i := newKlass(t, "I", iface, nil)
	b := newKlass(t, "B", classfile.AccPublic, nil, i)
	c := newKlass(t, "C", classfile.AccPublic, nil, i)
	leaf := newKlass(t, "Leaf", classfile.AccPublic, nil)
	sub := newKlass(t, "SubLeaf", classfile.AccPublic, leaf)

	unique := UniqueImplementor{Interface: i, Impl: b}
	if unique.InvalidatedBy(NewSubtypeChange(b)) {
		t.Error("adding the unique implementor itself invalidated the assumption")
	}
	if !unique.InvalidatedBy(NewSubtypeChange(c)) {
		t.Error("second implementor did not invalidate the assumption")
	}
	if !(LeafType{Klass: leaf}).InvalidatedBy(NewSubtypeChange(sub)) {
		t.Error("subclass did not invalidate leaf type")
	}
	run := b.FindMethod("run", "()V")
	evol := EvolMethod{Method: run}
	if !evol.InvalidatedBy(&RedefinitionChange{Old: b}) || evol.InvalidatedBy(&RedefinitionChange{Old: c}) {
		t.Error("evol method assumption")
	}
}

func TestSubtypeChangeDeoptimizes(t *testing.T) {
	i := newKlass(t, "I", iface, nil)
	b := newKlass(t, "B", classfile.AccPublic, nil, i)
	c := newKlass(t, "C", classfile.AccPublic, nil, i)

	unit := deps.NewUnit("I.call inlined B", UniqueImplementor{Interface: i, Impl: b})
	i.Dependencies().Add(unit)

	if n := deps.MarkForDeoptimization(NewSubtypeChange(c)); n != 1 {
		t.Fatalf("marked %d, want 1", n)
	}
	if !unit.IsMarked() {
		t.Error("unit not marked")
	}
	if got := len(NewSubtypeChange(c).Contexts()); got != 2 {
		t.Errorf("contexts = %d, want C and I", got)
	}
}

func TestMethodMarks(t *testing.T) {
	k := newKlass(t, "A", classfile.AccPublic, nil)
	m := k.FindMethod("run", "()V")
	m.SetOnStack(true)
	if !m.IsOnStack() || !k.Pool().IsOnStack() {
		t.Error("SetOnStack(true) did not mark method and pool")
	}
	m.SetOnStack(false)
	if m.IsOnStack() || k.Pool().IsOnStack() {
		t.Error("SetOnStack(false) left marks")
	}
	m.SetObsolete()
	if !m.IsObsolete() {
		t.Error("obsolete mark lost")
	}
}

func TestDuplicateMethodRejected(t *testing.T) {
	b := classfile.NewBuilder("Dup", "")
	b.Method(classfile.AccPublic, "m", "()V", 0, 1, []byte{0xB1})
	b.Method(classfile.AccPublic, "m", "()V", 0, 1, []byte{0xB1})
	if _, err := New(b.Build(), NewLoaderData("test", 0), nil, nil); err == nil {
		t.Error("expected duplicate method error")
	}
}
