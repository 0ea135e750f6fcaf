package rewriter

import (
	"bytes"
	"errors"
	"testing"

	"github.com/daimatz/linkvm/pkg/bytecodes"
	"github.com/daimatz/linkvm/pkg/classfile"
	"github.com/daimatz/linkvm/pkg/klass"
)

func u2(v uint16) []byte { return []byte{byte(v >> 8), byte(v)} }

func u4(v int) []byte { return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)} }

func op(code byte, operands ...[]byte) []byte {
	out := []byte{code}
	for _, o := range operands {
		out = append(out, o...)
	}
	return out
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// lookupswitch encodes a switch at bci whose targets all point just past it.
func lookupswitch(bci, npairs int) []byte {
	code := []byte{bytecodes.OpLookupswitch}
	for (bci+len(code))%4 != 0 {
		code = append(code, 0)
	}
	end := len(code) + 8 + 8*npairs
	code = append(code, u4(end)...)
	code = append(code, u4(npairs)...)
	for i := 0; i < npairs; i++ {
		code = append(code, u4(i*10)...)
		code = append(code, u4(end)...)
	}
	return code
}

type sample struct {
	k *klass.Klass

	str, integer, mh, run, imr, indy, fx uint16
}

func newSample(t *testing.T) *sample {
	t.Helper()
	b := classfile.NewBuilder("p/C", "java/lang/Object")
	s := &sample{
		str:     b.String("hi"),
		integer: b.Integer(42),
		mh:      b.Methodref(classfile.MethodHandleClass, "invokeExact", "()V"),
		run:     b.Methodref("p/C", "run", "()V"),
		imr:     b.InterfaceMethodref("p/I", "m", "()V"),
		fx:      b.Fieldref("p/C", "X", "I"),
	}
	bsm := b.BootstrapMethod(b.MethodHandle(6, b.Methodref("p/Boot", "bsm", "()Ljava/lang/invoke/CallSite;")))
	s.indy = b.InvokeDynamic(bsm, "call", "()V")

	work := concat(
		op(bytecodes.OpLdc, []byte{byte(s.str)}),
		op(bytecodes.OpLdc, []byte{byte(s.integer)}),
		op(bytecodes.OpInvokevirtual, u2(s.mh)),
		op(bytecodes.OpInvokevirtual, u2(s.run)),
		op(bytecodes.OpInvokespecial, u2(s.imr)),
		op(bytecodes.OpInvokedynamic, u2(s.indy), []byte{0, 0}),
		op(bytecodes.OpInvokedynamic, u2(s.indy), []byte{0, 0}),
		op(bytecodes.OpGetstatic, u2(s.fx)),
		op(bytecodes.OpMonitorenter),
		op(bytecodes.OpReturn),
	)
	sw := []byte{bytecodes.OpIload0}
	sw = append(sw, lookupswitch(len(sw), 2)...)
	sw = append(sw, lookupswitch(len(sw), 5)...)
	sw = append(sw, bytecodes.OpReturn)

	b.Field(classfile.AccStatic, "X", "I")
	b.Method(classfile.AccPublic, "work", "()V", 4, 1, work)
	b.Method(classfile.AccPublic|classfile.AccStatic, "sw", "(I)V", 1, 1, sw)
	b.Method(classfile.AccPublic, "run", "()V", 0, 1, []byte{bytecodes.OpReturn})
	b.Method(classfile.AccPublic, "special", "()V", 1, 1, concat(
		op(bytecodes.OpInvokespecial, u2(s.mh)),
		op(bytecodes.OpReturn),
	))

	k, err := klass.New(b.Build(), klass.NewLoaderData("test", 0), nil, nil)
	if err != nil {
		t.Fatalf("klass.New: %v", err)
	}
	s.k = k
	return s
}

func codes(k *klass.Klass) map[string][]byte {
	out := make(map[string][]byte)
	for _, m := range k.Methods() {
		out[m.Name()] = append([]byte(nil), m.Code()...)
	}
	return out
}

func rewrite(t *testing.T, r *Rewriter, k *klass.Klass) *klass.CPCache {
	t.Helper()
	if err := r.Rewrite(k, k.Loader().Arena()); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	c := k.Pool().Cache()
	if c == nil {
		t.Fatal("no cache published")
	}
	return c
}

func TestRewriteOperands(t *testing.T) {
	s := newSample(t)
	c := rewrite(t, New(Options{}), s.k)
	code := s.k.FindMethod("work", "()V").Code()

	refs, err := ComputeIndexMaps(s.k.Pool())
	if err != nil {
		t.Fatal(err)
	}
	strRef, _ := refs.ReferenceIndex(int(s.str))
	mhEntry, _ := refs.CacheIndex(int(s.mh))
	runEntry, _ := refs.CacheIndex(int(s.run))

	t.Run("ldc", func(t *testing.T) {
		if code[0] != bytecodes.OpFastAldc || int(code[1]) != strRef {
			t.Errorf("ldc string = %s %d, want fast_aldc %d", bytecodes.Name(code[0]), code[1], strRef)
		}
		if code[2] != bytecodes.OpLdc || uint16(code[3]) != s.integer {
			t.Errorf("ldc int rewritten to %s %d", bytecodes.Name(code[2]), code[3])
		}
	})

	t.Run("invokehandle", func(t *testing.T) {
		if code[4] != bytecodes.OpInvokehandle {
			t.Fatalf("opcode = %s, want invokehandle", bytecodes.Name(code[4]))
		}
		if got := int(bytecodes.NativeU2(code[5:])); got != mhEntry {
			t.Errorf("entry = %d, want %d", got, mhEntry)
		}
		if a := c.Entries[mhEntry].AppendixIndex; a < c.ResolvedReferenceLimit {
			t.Errorf("appendix = %d, want >= %d", a, c.ResolvedReferenceLimit)
		}
		if code[7] != bytecodes.OpInvokevirtual || int(bytecodes.NativeU2(code[8:])) != runEntry {
			t.Errorf("plain invokevirtual = %s %d", bytecodes.Name(code[7]), bytecodes.NativeU2(code[8:]))
		}
		special := s.k.FindMethod("special", "()V").Code()
		if special[0] != bytecodes.OpInvokespecial || int(bytecodes.NativeU2(special[1:])) != mhEntry {
			t.Errorf("invokespecial of invokeExact = %s %d, want invokespecial %d",
				bytecodes.Name(special[0]), bytecodes.NativeU2(special[1:]), mhEntry)
		}
	})

	t.Run("invokespecial interface", func(t *testing.T) {
		idx := int(bytecodes.NativeU2(code[11:]))
		if idx < c.FirstIterationLimit || idx >= len(c.Entries) {
			t.Fatalf("entry %d not past first iteration limit %d", idx, c.FirstIterationLimit)
		}
		if c.Entries[idx].CPIndex != s.imr {
			t.Errorf("entry %d maps to #%d, want #%d", idx, c.Entries[idx].CPIndex, s.imr)
		}
	})

	t.Run("invokedynamic per site", func(t *testing.T) {
		first := DecodeIndyIndex(bytecodes.NativeU4(code[14:]))
		second := DecodeIndyIndex(bytecodes.NativeU4(code[19:]))
		if first == second {
			t.Fatalf("both sites share entry %d", first)
		}
		if len(c.IndyEntries) != 2 {
			t.Fatalf("indy entries = %d, want 2", len(c.IndyEntries))
		}
		for i := range c.IndyEntries {
			if e := &c.IndyEntries[i]; e.CPIndex != s.indy {
				t.Errorf("indy entry maps to #%d, want #%d", e.CPIndex, s.indy)
			}
		}
		if c.IndyEntries[0].AppendixIndex == c.IndyEntries[1].AppendixIndex {
			t.Error("indy sites share an appendix")
		}
	})

	t.Run("flags", func(t *testing.T) {
		if !s.k.FindMethod("work", "()V").HasMonitorBytecodes() {
			t.Error("monitorenter not recorded")
		}
		if s.k.FindMethod("run", "()V").HasMonitorBytecodes() {
			t.Error("run marked with monitors")
		}
	})

	t.Run("switch", func(t *testing.T) {
		sw := s.k.FindMethod("sw", "(I)V").Code()
		st := bytecodes.NewStream(sw)
		var got []byte
		for st.Next() {
			got = append(got, st.Opcode())
		}
		want := []byte{bytecodes.OpIload0, bytecodes.OpFastLinearswitch, bytecodes.OpFastBinaryswitch, bytecodes.OpReturn}
		if !bytes.Equal(got, want) {
			t.Errorf("opcodes = %v, want %v", got, want)
		}
	})
}

func TestRestoreRoundTrip(t *testing.T) {
	for _, opts := range []Options{{}, {StressRewriter: true}} {
		s := newSample(t)
		before := codes(s.k)
		arena := s.k.Loader().Arena()
		r := New(opts)

		rewrite(t, r, s.k)
		if bytes.Equal(before["work"], s.k.FindMethod("work", "()V").Code()) {
			t.Fatal("work not rewritten")
		}
		if arena.Stats().Used == 0 {
			t.Error("cache not allocated from the loader arena")
		}
		if err := r.Restore(s.k); err != nil {
			t.Fatalf("Restore: %v", err)
		}
		for name, code := range codes(s.k) {
			if !bytes.Equal(code, before[name]) {
				t.Errorf("stress=%v: %s = % x, want % x", opts.StressRewriter, name, code, before[name])
			}
		}
		if s.k.Pool().Cache() != nil {
			t.Error("cache survived Restore")
		}
		if used := arena.Stats().Used; used != 0 {
			t.Errorf("arena used = %d after Restore", used)
		}
	}
}

func TestStressMatchesPlain(t *testing.T) {
	plain, stressed := newSample(t), newSample(t)
	rewrite(t, New(Options{}), plain.k)
	rewrite(t, New(Options{StressRewriter: true}), stressed.k)
	want := codes(plain.k)
	for name, code := range codes(stressed.k) {
		if !bytes.Equal(code, want[name]) {
			t.Errorf("%s = % x, want % x", name, code, want[name])
		}
	}
}

func TestRewriteTwice(t *testing.T) {
	s := newSample(t)
	r := New(Options{})
	rewrite(t, r, s.k)
	if err := r.Rewrite(s.k, s.k.Loader().Arena()); err == nil {
		t.Error("second Rewrite succeeded")
	}
	if err := New(Options{}).Restore(newSample(t).k); err == nil {
		t.Error("Restore of unrewritten class succeeded")
	}
}

func TestRewriteBadOperandRollsBack(t *testing.T) {
	b := classfile.NewBuilder("p/Bad", "java/lang/Object")
	str := b.String("s")
	utf := b.Utf8("not a member")
	b.Method(classfile.AccStatic, "b", "()V", 1, 0, concat(
		op(bytecodes.OpLdc, []byte{byte(str)}),
		op(bytecodes.OpReturn),
	))
	// Methods are scanned last to first, so b is rewritten before a fails.
	b.Method(classfile.AccStatic, "a", "()V", 1, 0, concat(
		op(bytecodes.OpInvokestatic, u2(utf)),
		op(bytecodes.OpReturn),
	))
	k, err := klass.New(b.Build(), klass.NewLoaderData("test", 0), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	before := codes(k)

	err = New(Options{}).Rewrite(k, k.Loader().Arena())
	if !errors.Is(err, ErrBadOperand) {
		t.Fatalf("Rewrite error = %v, want ErrBadOperand", err)
	}
	if k.Pool().Cache() != nil {
		t.Error("cache published after failure")
	}
	for name, code := range codes(k) {
		if !bytes.Equal(code, before[name]) {
			t.Errorf("%s not rolled back: % x", name, code)
		}
	}
}

func TestFinalFieldUpdates(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		store   byte
		static  bool
		flagged bool
	}{
		{"putfield in constructor", "<init>", bytecodes.OpPutfield, false, false},
		{"putfield in method", "set", bytecodes.OpPutfield, false, true},
		{"putstatic in clinit", "<clinit>", bytecodes.OpPutstatic, true, false},
		{"putstatic in method", "set", bytecodes.OpPutstatic, true, true},
		{"putfield of static in clinit", "<clinit>", bytecodes.OpPutfield, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := classfile.NewBuilder("p/F", "java/lang/Object")
			flags := uint16(classfile.AccFinal)
			if tt.static {
				flags |= classfile.AccStatic
			}
			ref := b.Fieldref("p/F", "v", "I")
			b.Field(flags, "v", "I")
			mflags := uint16(0)
			if tt.method == "<clinit>" {
				mflags = classfile.AccStatic
			}
			b.Method(mflags, tt.method, "()V", 2, 1, concat(
				op(bytecodes.OpIconst1),
				op(tt.store, u2(ref)),
				op(bytecodes.OpReturn),
			))
			k, err := klass.New(b.Build(), klass.NewLoaderData("test", 0), nil, nil)
			if err != nil {
				t.Fatal(err)
			}
			rewrite(t, New(Options{}), k)
			if got := k.FindField("v", "I").HasFinalUpdate(); got != tt.flagged {
				t.Errorf("HasFinalUpdate = %v, want %v", got, tt.flagged)
			}
		})
	}
}

func TestObjectInit(t *testing.T) {
	build := func(t *testing.T, code []byte) *klass.Klass {
		t.Helper()
		b := classfile.NewBuilder(classfile.ObjectClass, "")
		b.Method(classfile.AccPublic, classfile.InitName, "()V", 1, 1, code)
		k, err := klass.New(b.Build(), klass.NewLoaderData("boot", 0), nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		return k
	}

	t.Run("return registers finalizer", func(t *testing.T) {
		k := build(t, []byte{bytecodes.OpReturn})
		r := New(Options{RegisterFinalizers: true})
		rewrite(t, r, k)
		ctor := k.FindMethod(classfile.InitName, "()V")
		if ctor.Code()[0] != bytecodes.OpReturnRegisterFinalizer {
			t.Errorf("opcode = %s", bytecodes.Name(ctor.Code()[0]))
		}
		if err := r.Restore(k); err != nil {
			t.Fatal(err)
		}
		if ctor.Code()[0] != bytecodes.OpReturn {
			t.Errorf("restored opcode = %s", bytecodes.Name(ctor.Code()[0]))
		}
	})

	t.Run("disabled", func(t *testing.T) {
		k := build(t, []byte{bytecodes.OpReturn})
		rewrite(t, New(Options{}), k)
		if c := k.FindMethod(classfile.InitName, "()V").Code()[0]; c != bytecodes.OpReturn {
			t.Errorf("opcode = %s", bytecodes.Name(c))
		}
	})

	for _, tc := range []struct {
		name string
		code []byte
	}{
		{"astore_0", []byte{bytecodes.OpAload0, bytecodes.OpAstore0, bytecodes.OpReturn}},
		{"istore 0", []byte{bytecodes.OpIconst0, bytecodes.OpIstore, 0, bytecodes.OpReturn}},
		{"wide astore 0", []byte{bytecodes.OpAload0, bytecodes.OpWide, bytecodes.OpAstore, 0, 0, bytecodes.OpReturn}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k := build(t, tc.code)
			err := New(Options{RegisterFinalizers: true}).Rewrite(k, k.Loader().Arena())
			if !errors.Is(err, ErrLocalZeroOverwritten) {
				t.Fatalf("error = %v, want ErrLocalZeroOverwritten", err)
			}
			if got := k.FindMethod(classfile.InitName, "()V").Code(); !bytes.Equal(got, tc.code) {
				t.Errorf("code = % x, want % x", got, tc.code)
			}
		})
	}
}

func TestInvokeHandleMemo(t *testing.T) {
	// Without a MethodHandle or VarHandle symbol the memo is never built.
	b := classfile.NewBuilder("p/N", "java/lang/Object")
	b.Methodref("p/N", "invokeExact", "()V")
	k, err := klass.New(b.Build(), klass.NewLoaderData("test", 0), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	m, err := ComputeIndexMaps(k.Pool())
	if err != nil {
		t.Fatal(err)
	}
	if m.TracksInvokeHandles() {
		t.Error("tracking invokehandles without a handle symbol")
	}

	tests := []struct {
		class, name string
		want        bool
	}{
		{classfile.MethodHandleClass, "invokeExact", true},
		{classfile.MethodHandleClass, "linkToStatic", true},
		{classfile.MethodHandleClass, "bindTo", false},
		{classfile.VarHandleClass, "compareAndExchangeAcquire", true},
		{classfile.VarHandleClass, "getAndBitwiseXorRelease", true},
		{classfile.VarHandleClass, "varType", false},
		{"p/N", "invokeExact", false},
	}
	for _, tt := range tests {
		if got := IsSignaturePolymorphic(tt.class, tt.name); got != tt.want {
			t.Errorf("IsSignaturePolymorphic(%s, %s) = %v, want %v", tt.class, tt.name, got, tt.want)
		}
	}
}

func TestIndexMaps(t *testing.T) {
	s := newSample(t)
	m, err := ComputeIndexMaps(s.k.Pool())
	if err != nil {
		t.Fatal(err)
	}
	if m.FirstIterationLimit() != m.CacheLength() {
		t.Errorf("first iteration limit %d != length %d", m.FirstIterationLimit(), m.CacheLength())
	}
	if _, ok := m.CacheIndex(int(s.str)); ok {
		t.Error("string has a cache entry")
	}
	if _, ok := m.ReferenceIndex(int(s.run)); ok {
		t.Error("method ref has a resolved reference")
	}
	a := m.addInvokespecialEntry(s.imr)
	if b := m.addInvokespecialEntry(s.imr); a != b {
		t.Errorf("invokespecial entries %d and %d for the same ref", a, b)
	}
	if a != m.FirstIterationLimit() {
		t.Errorf("entry = %d, want %d", a, m.FirstIterationLimit())
	}
}

func TestRestoreAfterArenaReleased(t *testing.T) {
	s := newSample(t)
	before := codes(s.k)
	r := New(Options{})
	rewrite(t, r, s.k)
	// Releasing the cache fails once the arena is gone; Restore still
	// succeeds.
	s.k.Loader().Arena().Release()
	if err := r.Restore(s.k); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	for name, code := range codes(s.k) {
		if !bytes.Equal(code, before[name]) {
			t.Errorf("%s = % x, want % x", name, code, before[name])
		}
	}
}
