package classfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Attribute names the parser and builder understand.
const (
	CodeAttributeName             = "Code"
	BootstrapMethodsAttributeName = "BootstrapMethods"
)

// DefaultMajorVersion is the class-file version emitted by Builder (Java 17).
const DefaultMajorVersion = 61

// Builder assembles a ClassFile in memory. Constant pool entries are
// interned, so asking twice for the same symbol returns the same index.
type Builder struct {
	cf     ClassFile
	intern map[string]uint16
}

// NewBuilder starts a class named name extending super ("" for none).
func NewBuilder(name, super string) *Builder {
	b := &Builder{
		cf: ClassFile{
			MajorVersion: DefaultMajorVersion,
			ConstantPool: []ConstantPoolEntry{nil},
			AccessFlags:  AccPublic | AccSuper,
		},
		intern: make(map[string]uint16),
	}
	b.cf.ThisClass = b.Class(name)
	if super != "" {
		b.cf.SuperClass = b.Class(super)
	}
	return b
}

// Flags replaces the class access flags.
func (b *Builder) Flags(flags uint16) *Builder {
	b.cf.AccessFlags = flags
	return b
}

// Interfaces appends directly declared superinterfaces.
func (b *Builder) Interfaces(names ...string) *Builder {
	for _, n := range names {
		b.cf.Interfaces = append(b.cf.Interfaces, b.Class(n))
	}
	return b
}

func (b *Builder) add(key string, e ConstantPoolEntry) uint16 {
	if idx, ok := b.intern[key]; ok {
		return idx
	}
	idx := uint16(len(b.cf.ConstantPool))
	b.cf.ConstantPool = append(b.cf.ConstantPool, e)
	if e.Tag() == TagLong || e.Tag() == TagDouble {
		b.cf.ConstantPool = append(b.cf.ConstantPool, nil)
	}
	b.intern[key] = idx
	return idx
}

// Utf8 interns a CONSTANT_Utf8.
func (b *Builder) Utf8(s string) uint16 {
	return b.add("u:"+s, &ConstantUtf8{Value: s})
}

// Integer interns a CONSTANT_Integer.
func (b *Builder) Integer(v int32) uint16 {
	return b.add(fmt.Sprintf("i:%d", v), &ConstantInteger{Value: v})
}

// Float interns a CONSTANT_Float.
func (b *Builder) Float(v float32) uint16 {
	return b.add(fmt.Sprintf("f:%x", math.Float32bits(v)), &ConstantFloat{Value: v})
}

// Long interns a CONSTANT_Long, which occupies two slots.
func (b *Builder) Long(v int64) uint16 {
	return b.add(fmt.Sprintf("j:%d", v), &ConstantLong{Value: v})
}

// Double interns a CONSTANT_Double, which occupies two slots.
func (b *Builder) Double(v float64) uint16 {
	return b.add(fmt.Sprintf("d:%x", math.Float64bits(v)), &ConstantDouble{Value: v})
}

// Class interns a CONSTANT_Class.
func (b *Builder) Class(name string) uint16 {
	n := b.Utf8(name)
	return b.add("c:"+name, &ConstantClass{NameIndex: n})
}

// String interns a CONSTANT_String.
func (b *Builder) String(s string) uint16 {
	n := b.Utf8(s)
	return b.add("s:"+s, &ConstantString{StringIndex: n})
}

// NameAndType interns a CONSTANT_NameAndType.
func (b *Builder) NameAndType(name, desc string) uint16 {
	n, d := b.Utf8(name), b.Utf8(desc)
	return b.add("nt:"+name+":"+desc, &ConstantNameAndType{NameIndex: n, DescriptorIndex: d})
}

// Fieldref interns a CONSTANT_Fieldref.
func (b *Builder) Fieldref(class, name, desc string) uint16 {
	c, nt := b.Class(class), b.NameAndType(name, desc)
	return b.add("F:"+class+"."+name+":"+desc, &ConstantFieldref{ClassIndex: c, NameAndTypeIndex: nt})
}

// Methodref interns a CONSTANT_Methodref.
func (b *Builder) Methodref(class, name, desc string) uint16 {
	c, nt := b.Class(class), b.NameAndType(name, desc)
	return b.add("M:"+class+"."+name+":"+desc, &ConstantMethodref{ClassIndex: c, NameAndTypeIndex: nt})
}

// InterfaceMethodref interns a CONSTANT_InterfaceMethodref.
func (b *Builder) InterfaceMethodref(class, name, desc string) uint16 {
	c, nt := b.Class(class), b.NameAndType(name, desc)
	return b.add("I:"+class+"."+name+":"+desc, &ConstantInterfaceMethodref{ClassIndex: c, NameAndTypeIndex: nt})
}

// MethodType interns a CONSTANT_MethodType.
func (b *Builder) MethodType(desc string) uint16 {
	d := b.Utf8(desc)
	return b.add("mt:"+desc, &ConstantMethodType{DescriptorIndex: d})
}

// MethodHandle interns a CONSTANT_MethodHandle pointing at ref.
func (b *Builder) MethodHandle(kind uint8, ref uint16) uint16 {
	return b.add(fmt.Sprintf("mh:%d:%d", kind, ref), &ConstantMethodHandle{ReferenceKind: kind, ReferenceIndex: ref})
}

// InvokeDynamic interns a CONSTANT_InvokeDynamic.
func (b *Builder) InvokeDynamic(bsm uint16, name, desc string) uint16 {
	nt := b.NameAndType(name, desc)
	return b.add(fmt.Sprintf("indy:%d:%s:%s", bsm, name, desc), &ConstantInvokeDynamic{BootstrapMethodAttrIndex: bsm, NameAndTypeIndex: nt})
}

// Dynamic interns a CONSTANT_Dynamic.
func (b *Builder) Dynamic(bsm uint16, name, desc string) uint16 {
	nt := b.NameAndType(name, desc)
	return b.add(fmt.Sprintf("condy:%d:%s:%s", bsm, name, desc), &ConstantDynamic{BootstrapMethodAttrIndex: bsm, NameAndTypeIndex: nt})
}

// BootstrapMethod appends a BootstrapMethods entry and returns its index.
func (b *Builder) BootstrapMethod(handle uint16, args ...uint16) uint16 {
	b.cf.BootstrapMethods = append(b.cf.BootstrapMethods, BootstrapMethod{MethodRef: handle, BootstrapArguments: args})
	return uint16(len(b.cf.BootstrapMethods) - 1)
}

// Field declares a field.
func (b *Builder) Field(flags uint16, name, desc string) *Builder {
	b.Utf8(name)
	b.Utf8(desc)
	b.cf.Fields = append(b.cf.Fields, FieldInfo{AccessFlags: flags, Name: name, Descriptor: desc})
	return b
}

// Method declares a method. A nil code slice declares an abstract or native method.
func (b *Builder) Method(flags uint16, name, desc string, maxStack, maxLocals uint16, code []byte) *Builder {
	b.Utf8(name)
	b.Utf8(desc)
	m := MethodInfo{AccessFlags: flags, Name: name, Descriptor: desc}
	if code != nil {
		b.Utf8(CodeAttributeName)
		m.Code = &CodeAttribute{MaxStack: maxStack, MaxLocals: maxLocals, Code: append([]byte(nil), code...)}
	}
	b.cf.Methods = append(b.cf.Methods, m)
	return b
}

// Build returns a copy of the assembled class file.
func (b *Builder) Build() *ClassFile {
	cf := b.cf
	cf.ConstantPool = append([]ConstantPoolEntry(nil), b.cf.ConstantPool...)
	cf.Interfaces = append([]uint16(nil), b.cf.Interfaces...)
	cf.Fields = append([]FieldInfo(nil), b.cf.Fields...)
	cf.Methods = make([]MethodInfo, len(b.cf.Methods))
	for i, m := range b.cf.Methods {
		if m.Code != nil {
			code := *m.Code
			code.Code = append([]byte(nil), m.Code.Code...)
			code.Attributes = append([]AttributeInfo(nil), m.Code.Attributes...)
			m.Code = &code
		}
		cf.Methods[i] = m
	}
	cf.BootstrapMethods = append([]BootstrapMethod(nil), b.cf.BootstrapMethods...)
	cf.Attributes = append([]AttributeInfo(nil), b.cf.Attributes...)
	return &cf
}

// Bytes encodes the class in the .class binary format.
func (b *Builder) Bytes() []byte {
	if len(b.cf.BootstrapMethods) > 0 {
		b.Utf8(BootstrapMethodsAttributeName)
	}
	cf := b.Build()
	return Encode(cf)
}

// Encode writes cf in the .class binary format. Code and BootstrapMethods
// are rebuilt from their decoded form; every other attribute, including
// those nested in Code, is emitted verbatim.
func Encode(cf *ClassFile) []byte {
	var w bytes.Buffer
	put := func(v any) { _ = binary.Write(&w, binary.BigEndian, v) }
	index := func(s string) uint16 {
		for i, e := range cf.ConstantPool {
			if u, ok := e.(*ConstantUtf8); ok && u.Value == s {
				return uint16(i)
			}
		}
		panic(fmt.Sprintf("classfile: %q missing from constant pool", s))
	}

	put(uint32(classMagic))
	put(cf.MinorVersion)
	put(cf.MajorVersion)
	put(uint16(len(cf.ConstantPool)))
	for _, e := range cf.ConstantPool {
		if e == nil {
			continue
		}
		put(e.Tag())
		switch c := e.(type) {
		case *ConstantUtf8:
			put(uint16(len(c.Value)))
			w.WriteString(c.Value)
		case *ConstantInteger:
			put(c.Value)
		case *ConstantFloat:
			put(math.Float32bits(c.Value))
		case *ConstantLong:
			put(c.Value)
		case *ConstantDouble:
			put(math.Float64bits(c.Value))
		case *ConstantClass:
			put(c.NameIndex)
		case *ConstantString:
			put(c.StringIndex)
		case *ConstantMethodType:
			put(c.DescriptorIndex)
		case *ConstantMethodHandle:
			put(c.ReferenceKind)
			put(c.ReferenceIndex)
		case *ConstantFieldref:
			put(c.ClassIndex)
			put(c.NameAndTypeIndex)
		case *ConstantMethodref:
			put(c.ClassIndex)
			put(c.NameAndTypeIndex)
		case *ConstantInterfaceMethodref:
			put(c.ClassIndex)
			put(c.NameAndTypeIndex)
		case *ConstantNameAndType:
			put(c.NameIndex)
			put(c.DescriptorIndex)
		case *ConstantDynamic:
			put(c.BootstrapMethodAttrIndex)
			put(c.NameAndTypeIndex)
		case *ConstantInvokeDynamic:
			put(c.BootstrapMethodAttrIndex)
			put(c.NameAndTypeIndex)
		}
	}
	put(cf.AccessFlags)
	put(cf.ThisClass)
	put(cf.SuperClass)
	put(uint16(len(cf.Interfaces)))
	for _, i := range cf.Interfaces {
		put(i)
	}

	put(uint16(len(cf.Fields)))
	for _, f := range cf.Fields {
		put(f.AccessFlags)
		put(index(f.Name))
		put(index(f.Descriptor))
		put(uint16(len(f.Attributes)))
		for _, a := range f.Attributes {
			put(index(a.Name))
			put(uint32(len(a.Data)))
			w.Write(a.Data)
		}
	}

	put(uint16(len(cf.Methods)))
	for _, m := range cf.Methods {
		put(m.AccessFlags)
		put(index(m.Name))
		put(index(m.Descriptor))
		var attrs []AttributeInfo
		for _, a := range m.Attributes {
			if a.Name != CodeAttributeName {
				attrs = append(attrs, a)
			}
		}
		if m.Code != nil {
			attrs = append(attrs, AttributeInfo{Name: CodeAttributeName, Data: encodeCode(m.Code, index)})
		}
		put(uint16(len(attrs)))
		for _, a := range attrs {
			put(index(a.Name))
			put(uint32(len(a.Data)))
			w.Write(a.Data)
		}
	}

	attrs := cf.Attributes
	if len(cf.BootstrapMethods) > 0 {
		var bsm bytes.Buffer
		_ = binary.Write(&bsm, binary.BigEndian, uint16(len(cf.BootstrapMethods)))
		for _, m := range cf.BootstrapMethods {
			_ = binary.Write(&bsm, binary.BigEndian, m.MethodRef)
			_ = binary.Write(&bsm, binary.BigEndian, uint16(len(m.BootstrapArguments)))
			for _, a := range m.BootstrapArguments {
				_ = binary.Write(&bsm, binary.BigEndian, a)
			}
		}
		attrs = append(attrs[:len(attrs):len(attrs)], AttributeInfo{Name: BootstrapMethodsAttributeName, Data: bsm.Bytes()})
	}
	put(uint16(len(attrs)))
	for _, a := range attrs {
		put(index(a.Name))
		put(uint32(len(a.Data)))
		w.Write(a.Data)
	}
	return w.Bytes()
}

func encodeCode(c *CodeAttribute, index func(string) uint16) []byte {
	var w bytes.Buffer
	put := func(v any) { _ = binary.Write(&w, binary.BigEndian, v) }
	put(c.MaxStack)
	put(c.MaxLocals)
	put(uint32(len(c.Code)))
	w.Write(c.Code)
	put(uint16(len(c.ExceptionHandlers)))
	for _, h := range c.ExceptionHandlers {
		put(h.StartPC)
		put(h.EndPC)
		put(h.HandlerPC)
		put(h.CatchType)
	}
	put(uint16(len(c.Attributes)))
	for _, a := range c.Attributes {
		put(index(a.Name))
		put(uint32(len(a.Data)))
		w.Write(a.Data)
	}
	return w.Bytes()
}
