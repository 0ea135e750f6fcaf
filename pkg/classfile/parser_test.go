package classfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func sampleBuilder() *Builder {
	b := NewBuilder("p/Hello", ObjectClass).Interfaces("p/Greeter")
	b.Field(AccPrivate|AccStatic|AccFinal, "COUNT", "I")
	b.Methodref("java/io/PrintStream", "println", "(Ljava/lang/String;)V")
	b.String("hello")
	b.Long(1 << 40)
	b.Double(2.5)
	b.Float(1.5)
	b.Integer(-7)
	bsm := b.BootstrapMethod(b.MethodHandle(6, b.Methodref("p/Boot", "bsm", "()V")), b.MethodType("()V"))
	b.InvokeDynamic(bsm, "run", "()Ljava/lang/Runnable;")
	b.Dynamic(bsm, "K", "I")
	b.Method(AccPublic|AccStatic, "main", "([Ljava/lang/String;)V", 2, 1, []byte{0x03, 0x3B, 0xB1})
	b.Method(AccPublic|AccAbstract, "greet", "()V", 0, 0, nil)
	return b
}

func TestParseBuiltClass(t *testing.T) {
	cf, err := ParseBytes(sampleBuilder().Bytes())
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if cf.MajorVersion != DefaultMajorVersion {
		t.Errorf("major version: got %d, want %d", cf.MajorVersion, DefaultMajorVersion)
	}
	name, err := cf.ClassName()
	if err != nil || name != "p/Hello" {
		t.Errorf("ClassName: got %q, %v", name, err)
	}
	if got := cf.SuperClassName(); got != ObjectClass {
		t.Errorf("SuperClassName: got %q", got)
	}
	ifaces, err := cf.InterfaceNames()
	if err != nil || len(ifaces) != 1 || ifaces[0] != "p/Greeter" {
		t.Errorf("InterfaceNames: got %v, %v", ifaces, err)
	}

	main := cf.FindMethod("main", "([Ljava/lang/String;)V")
	if main == nil || main.Code == nil {
		t.Fatal("main method or its Code attribute not found")
	}
	if !bytes.Equal(main.Code.Code, []byte{0x03, 0x3B, 0xB1}) {
		t.Errorf("main code: got % x", main.Code.Code)
	}
	if main.Code.MaxStack != 2 || main.Code.MaxLocals != 1 {
		t.Errorf("main max stack/locals: got %d/%d", main.Code.MaxStack, main.Code.MaxLocals)
	}
	if greet := cf.FindMethod("greet", "()V"); greet == nil || greet.Code != nil {
		t.Errorf("abstract greet: got %+v", greet)
	}
	if f := cf.FindField("COUNT", "I"); f == nil || f.AccessFlags&AccStatic == 0 {
		t.Errorf("COUNT field: got %+v", f)
	}

	if len(cf.BootstrapMethods) != 1 || len(cf.BootstrapMethods[0].BootstrapArguments) != 1 {
		t.Fatalf("bootstrap methods: got %+v", cf.BootstrapMethods)
	}
	if TagAt(cf.ConstantPool, int(cf.BootstrapMethods[0].MethodRef)) != TagMethodHandle {
		t.Error("bootstrap method does not reference a MethodHandle")
	}
}

func TestParsePreservesPool(t *testing.T) {
	b := sampleBuilder()
	want := b.Build()
	got, err := ParseBytes(b.Bytes())
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if len(got.ConstantPool) != len(b.Build().ConstantPool) {
		t.Fatalf("pool length: got %d, want %d", len(got.ConstantPool), len(b.Build().ConstantPool))
	}
	for i := 1; i < len(want.ConstantPool); i++ {
		if TagAt(got.ConstantPool, i) != TagAt(want.ConstantPool, i) {
			t.Errorf("tag at #%d: got %d, want %d", i, TagAt(got.ConstantPool, i), TagAt(want.ConstantPool, i))
			continue
		}
		if want.ConstantPool[i] == nil {
			continue
		}
		wv, werr := SymbolicValue(want.ConstantPool, uint16(i))
		gv, gerr := SymbolicValue(got.ConstantPool, uint16(i))
		if wv != gv || (werr == nil) != (gerr == nil) {
			t.Errorf("#%d: got %q (%v), want %q (%v)", i, gv, gerr, wv, werr)
		}
	}
}

func TestResolveMemberRef(t *testing.T) {
	b := NewBuilder("p/A", ObjectClass)
	fr := b.Fieldref("p/A", "x", "J")
	mr := b.Methodref("p/B", "m", "(I)V")
	imr := b.InterfaceMethodref("p/I", "n", "()V")
	s := b.String("x")
	pool := b.Build().ConstantPool

	tests := []struct {
		name  string
		index uint16
		want  MemberRefInfo
		err   bool
	}{
		{"fieldref", fr, MemberRefInfo{Tag: TagFieldref, ClassName: "p/A", Name: "x", Descriptor: "J"}, false},
		{"methodref", mr, MemberRefInfo{Tag: TagMethodref, ClassName: "p/B", Name: "m", Descriptor: "(I)V"}, false},
		{"interface methodref", imr, MemberRefInfo{Tag: TagInterfaceMethodref, ClassName: "p/I", Name: "n", Descriptor: "()V"}, false},
		{"string", s, MemberRefInfo{}, true},
		{"out of range", 999, MemberRefInfo{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveMemberRef(pool, tt.index)
			if tt.err {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveMemberRef: %v", err)
			}
			if *got != tt.want {
				t.Errorf("got %+v, want %+v", *got, tt.want)
			}
		})
	}

	if _, err := ResolveFieldref(pool, mr); err == nil {
		t.Error("ResolveFieldref accepted a Methodref")
	}
	if _, err := ResolveMethodref(pool, fr); err == nil {
		t.Error("ResolveMethodref accepted a Fieldref")
	}
}

func TestParseErrors(t *testing.T) {
	valid := sampleBuilder().Bytes()

	badMagic := append([]byte(nil), valid...)
	badMagic[0] = 0xCA
	badMagic[1] = 0xFE
	badMagic[2] = 0xD0
	badMagic[3] = 0x0D

	tooNew := append([]byte(nil), valid...)
	binary.BigEndian.PutUint16(tooNew[6:], MaxSupportedMajorVersion+1)

	badTag := append([]byte(nil), valid...)
	badTag[10] = 0xFF

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"empty", nil, "magic"},
		{"bad magic", badMagic, "invalid magic"},
		{"unsupported version", tooNew, "unsupported class file version"},
		{"unknown tag", badTag, "constant pool"},
		{"truncated", valid[:len(valid)/2], ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBytes(tt.data)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Hello.class")
	if err := os.WriteFile(path, sampleBuilder().Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	cf, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if cf.FindMethod("main", "([Ljava/lang/String;)V") == nil {
		t.Error("main method not found")
	}
	if _, err := ParseFile(filepath.Join(t.TempDir(), "Missing.class")); err == nil {
		t.Error("ParseFile of a missing file succeeded")
	}
}

func TestBuilderInterns(t *testing.T) {
	b := NewBuilder("p/A", ObjectClass)
	if b.Class("p/A") != b.Build().ThisClass {
		t.Error("Class did not reuse this_class entry")
	}
	a := b.Methodref("p/A", "m", "()V")
	if b.Methodref("p/A", "m", "()V") != a {
		t.Error("Methodref not interned")
	}
	l := b.Long(5)
	if next := b.Integer(1); next != l+2 {
		t.Errorf("entry after long at #%d, want #%d", next, l+2)
	}
}

func TestEncodeKeepsAttributes(t *testing.T) {
	b := sampleBuilder()
	source := b.Utf8("SourceFile")
	file := b.Utf8("Hello.java")
	b.Utf8("LineNumberTable")
	b.Utf8(BootstrapMethodsAttributeName)
	cf := b.Build()
	cf.Attributes = []AttributeInfo{{Name: "SourceFile", Data: []byte{byte(file >> 8), byte(file)}}}
	lines := []AttributeInfo{{Name: "LineNumberTable", Data: []byte{0, 1, 0, 0, 0, 7}}}
	cf.FindMethod("main", "([Ljava/lang/String;)V").Code.Attributes = lines

	first := Encode(cf)
	got, err := ParseBytes(first)
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if !reflect.DeepEqual(got.Attributes, cf.Attributes) {
		t.Errorf("class attributes: got %+v, want %+v", got.Attributes, cf.Attributes)
	}
	if len(got.BootstrapMethods) != 1 {
		t.Errorf("bootstrap methods: got %+v", got.BootstrapMethods)
	}
	if main := got.FindMethod("main", "([Ljava/lang/String;)V"); !reflect.DeepEqual(main.Code.Attributes, lines) {
		t.Errorf("Code attributes: got %+v, want %+v", main.Code.Attributes, lines)
	}
	if second := Encode(got); !bytes.Equal(second, first) {
		t.Error("re-encoding a parsed class changed its bytes")
	}
	if TagAt(got.ConstantPool, int(source)) != TagUtf8 {
		t.Errorf("SourceFile name #%d lost", source)
	}
}

func TestParseStructure(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b *Builder, cf *ClassFile)
		want   string
	}{
		{"this_class not a class", func(b *Builder, cf *ClassFile) {
			cf.ThisClass = b.Utf8("p/Hello")
		}, "this_class"},
		{"super_class not a class", func(b *Builder, cf *ClassFile) {
			cf.SuperClass = b.Utf8(ObjectClass)
		}, "super_class"},
		{"interface not a class", func(b *Builder, cf *ClassFile) {
			cf.Interfaces = []uint16{b.Utf8("p/Greeter")}
		}, "interface"},
		{"empty code", func(b *Builder, cf *ClassFile) {
			cf.FindMethod("main", "([Ljava/lang/String;)V").Code.Code = []byte{}
		}, "code_length 0"},
		{"handler past code", func(b *Builder, cf *ClassFile) {
			cf.FindMethod("main", "([Ljava/lang/String;)V").Code.ExceptionHandlers = []ExceptionHandler{{StartPC: 0, EndPC: 9, HandlerPC: 1}}
		}, "exception handler 0"},
		{"handler at code end", func(b *Builder, cf *ClassFile) {
			cf.FindMethod("main", "([Ljava/lang/String;)V").Code.ExceptionHandlers = []ExceptionHandler{{StartPC: 0, EndPC: 1, HandlerPC: 3}}
		}, "exception handler 0"},
		{"empty handler range", func(b *Builder, cf *ClassFile) {
			cf.FindMethod("main", "([Ljava/lang/String;)V").Code.ExceptionHandlers = []ExceptionHandler{{StartPC: 1, EndPC: 1, HandlerPC: 2}}
		}, "exception handler 0"},
		{"bootstrap method not a handle", func(b *Builder, cf *ClassFile) {
			cf.BootstrapMethods[0].MethodRef = b.Utf8("bsm")
		}, "not a MethodHandle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := sampleBuilder()
			b.Utf8(BootstrapMethodsAttributeName)
			cf := b.Build()
			tt.mutate(b, cf)
			cf.ConstantPool = b.Build().ConstantPool
			_, err := ParseBytes(Encode(cf))
			if !errors.Is(err, ErrFormat) {
				t.Fatalf("err = %v, want a format error", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseTrailingAndTruncated(t *testing.T) {
	valid := sampleBuilder().Bytes()
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"trailing byte", append(append([]byte(nil), valid...), 0), ErrFormat},
		{"missing last byte", valid[:len(valid)-1], ErrTruncated},
		{"header only", valid[:8], ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBytes(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if _, err := Parse(bytes.NewReader(valid)); err != nil {
		t.Errorf("Parse: %v", err)
	}
}
