package classfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const classMagic = 0xCAFEBABE

// MaxSupportedMajorVersion is the newest class-file version the parser accepts (Java 21).
const MaxSupportedMajorVersion = 65

// MaxCodeLength is the largest code_length a Code attribute may declare.
const MaxCodeLength = 65535

var (
	// ErrFormat marks a malformed class file.
	ErrFormat = errors.New("class format error")
	// ErrTruncated marks a class file that ends inside a structure.
	ErrTruncated = fmt.Errorf("%w: truncated", ErrFormat)
)

// reader decodes big-endian items from a class image. The first failure
// sticks: later reads return zero values and err keeps where it happened.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = fmt.Errorf("%w: %s needs %d bytes at offset %d, %d left", ErrTruncated, what, n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u1(what string) uint8 {
	if b := r.take(1, what); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u2(what string) uint16 {
	if b := r.take(2, what); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u4(what string) uint32 {
	if b := r.take(4, what); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u8(what string) uint64 {
	if b := r.take(8, what); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

// copyN returns a copy of the next n bytes, so parsed structures never
// alias the caller's image.
func (r *reader) copyN(n int, what string) []byte {
	b := r.take(n, what)
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, n), b...)
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s (offset %d)", ErrFormat, fmt.Sprintf(format, args...), r.off)
	}
}

func (r *reader) utf8(pool []ConstantPoolEntry, what string) string {
	index := r.u2(what)
	if r.err != nil {
		return ""
	}
	s, err := GetUtf8(pool, index)
	if err != nil {
		r.fail("%s: %v", what, err)
	}
	return s
}

func (r *reader) class(pool []ConstantPoolEntry, what string) uint16 {
	index := r.u2(what)
	if r.err == nil && TagAt(pool, int(index)) != TagClass {
		r.fail("%s #%d is not a Class entry", what, index)
	}
	return index
}

// ParseFile reads and parses a .class file.
func ParseFile(path string) (*ClassFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cf, err := ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cf, nil
}

// Parse reads a whole class image from r and parses it.
func Parse(r io.Reader) (*ClassFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading class file: %w", err)
	}
	return ParseBytes(data)
}

// ParseBytes parses an in-memory .class image. Besides decoding it checks
// what later stages take for granted: this_class, super_class and the
// interfaces name Class entries, member names and descriptors are Utf8,
// Code attributes respect the length limits and keep their exception
// handlers inside the code, and nothing follows the last attribute.
// Failures wrap ErrFormat.
func ParseBytes(data []byte) (*ClassFile, error) {
	r := &reader{data: data}
	cf := &ClassFile{}

	if magic := r.u4("magic number"); r.err == nil && magic != classMagic {
		return nil, fmt.Errorf("%w: invalid magic number 0x%X", ErrFormat, magic)
	}
	cf.MinorVersion = r.u2("minor version")
	cf.MajorVersion = r.u2("major version")
	if r.err == nil && cf.MajorVersion > MaxSupportedMajorVersion {
		return nil, fmt.Errorf("%w: unsupported class file version %d.%d", ErrFormat, cf.MajorVersion, cf.MinorVersion)
	}

	cf.ConstantPool = parseConstantPool(r)
	pool := cf.ConstantPool

	cf.AccessFlags = r.u2("access flags")
	cf.ThisClass = r.class(pool, "this_class")
	if cf.SuperClass = r.u2("super_class"); r.err == nil && cf.SuperClass != 0 && TagAt(pool, int(cf.SuperClass)) != TagClass {
		r.fail("super_class #%d is not a Class entry", cf.SuperClass)
	}
	n := r.u2("interfaces count")
	for i := 0; i < int(n) && r.err == nil; i++ {
		cf.Interfaces = append(cf.Interfaces, r.class(pool, "interface"))
	}

	cf.Fields = parseFields(r, pool)
	cf.Methods = parseMethods(r, pool)
	cf.parseClassAttributes(r)

	if r.err == nil && r.off != len(data) {
		r.fail("%d bytes after the class attributes", len(data)-r.off)
	}
	if r.err != nil {
		return nil, r.err
	}
	return cf, nil
}

func parseFields(r *reader, pool []ConstantPoolEntry) []FieldInfo {
	n := r.u2("fields count")
	fields := make([]FieldInfo, 0, n)
	for i := 0; i < int(n) && r.err == nil; i++ {
		f := FieldInfo{AccessFlags: r.u2("field access flags")}
		f.Name = r.utf8(pool, "field name")
		f.Descriptor = r.utf8(pool, "field descriptor")
		f.Attributes = parseAttributes(r, pool)
		fields = append(fields, f)
	}
	return fields
}

func parseMethods(r *reader, pool []ConstantPoolEntry) []MethodInfo {
	n := r.u2("methods count")
	methods := make([]MethodInfo, 0, n)
	for i := 0; i < int(n) && r.err == nil; i++ {
		m := MethodInfo{AccessFlags: r.u2("method access flags")}
		m.Name = r.utf8(pool, "method name")
		m.Descriptor = r.utf8(pool, "method descriptor")
		m.Attributes = parseAttributes(r, pool)
		for _, a := range m.Attributes {
			if a.Name != CodeAttributeName {
				continue
			}
			if m.Code != nil {
				r.fail("method %s%s has two Code attributes", m.Name, m.Descriptor)
				break
			}
			code, err := parseCodeAttribute(a.Data, pool)
			if err != nil && r.err == nil {
				r.err = fmt.Errorf("Code of %s%s: %w", m.Name, m.Descriptor, err)
			}
			m.Code = code
		}
		methods = append(methods, m)
	}
	return methods
}

func parseAttributes(r *reader, pool []ConstantPoolEntry) []AttributeInfo {
	n := r.u2("attributes count")
	if n == 0 {
		return nil
	}
	attrs := make([]AttributeInfo, 0, n)
	for i := 0; i < int(n) && r.err == nil; i++ {
		name := r.utf8(pool, "attribute name")
		length := r.u4("attribute length")
		attrs = append(attrs, AttributeInfo{Name: name, Data: r.copyN(int(length), name)})
	}
	return attrs
}

func parseCodeAttribute(data []byte, pool []ConstantPoolEntry) (*CodeAttribute, error) {
	r := &reader{data: data}
	c := &CodeAttribute{
		MaxStack:  r.u2("max_stack"),
		MaxLocals: r.u2("max_locals"),
	}
	length := r.u4("code_length")
	if r.err == nil && (length == 0 || length > MaxCodeLength) {
		r.fail("code_length %d outside 1..%d", length, MaxCodeLength)
	}
	c.Code = r.copyN(int(length), "code")

	n := r.u2("exception table length")
	for i := 0; i < int(n) && r.err == nil; i++ {
		h := ExceptionHandler{
			StartPC:   r.u2("start_pc"),
			EndPC:     r.u2("end_pc"),
			HandlerPC: r.u2("handler_pc"),
			CatchType: r.u2("catch_type"),
		}
		if r.err == nil && (h.StartPC >= h.EndPC || int(h.EndPC) > len(c.Code) || int(h.HandlerPC) >= len(c.Code)) {
			r.fail("exception handler %d [%d, %d) -> %d outside code of length %d", i, h.StartPC, h.EndPC, h.HandlerPC, len(c.Code))
		}
		c.ExceptionHandlers = append(c.ExceptionHandlers, h)
	}
	c.Attributes = parseAttributes(r, pool)
	if r.err == nil && r.off != len(data) {
		r.fail("%d bytes after the Code attributes", len(data)-r.off)
	}
	if r.err != nil {
		return nil, r.err
	}
	return c, nil
}

// parseClassAttributes decodes BootstrapMethods and keeps every other class
// attribute so Encode can write it back.
func (cf *ClassFile) parseClassAttributes(r *reader) {
	for _, a := range parseAttributes(r, cf.ConstantPool) {
		if a.Name != BootstrapMethodsAttributeName {
			cf.Attributes = append(cf.Attributes, a)
			continue
		}
		if cf.BootstrapMethods != nil {
			r.fail("duplicate %s attribute", BootstrapMethodsAttributeName)
			return
		}
		bsms, err := parseBootstrapMethods(a.Data, cf.ConstantPool)
		if err != nil {
			if r.err == nil {
				r.err = fmt.Errorf("%s: %w", BootstrapMethodsAttributeName, err)
			}
			return
		}
		cf.BootstrapMethods = bsms
	}
}

func parseBootstrapMethods(data []byte, pool []ConstantPoolEntry) ([]BootstrapMethod, error) {
	r := &reader{data: data}
	n := r.u2("bootstrap method count")
	methods := make([]BootstrapMethod, 0, n)
	for i := 0; i < int(n) && r.err == nil; i++ {
		m := BootstrapMethod{MethodRef: r.u2("bootstrap method ref")}
		if r.err == nil && TagAt(pool, int(m.MethodRef)) != TagMethodHandle {
			r.fail("bootstrap method %d: #%d is not a MethodHandle", i, m.MethodRef)
		}
		args := r.u2("bootstrap argument count")
		m.BootstrapArguments = make([]uint16, 0, args)
		for j := 0; j < int(args) && r.err == nil; j++ {
			m.BootstrapArguments = append(m.BootstrapArguments, r.u2("bootstrap argument"))
		}
		methods = append(methods, m)
	}
	if r.err != nil {
		return nil, r.err
	}
	return methods, nil
}

// ClassName returns the fully qualified name of this class.
func (cf *ClassFile) ClassName() (string, error) {
	return GetClassName(cf.ConstantPool, cf.ThisClass)
}

// FindMethod finds a method by name and descriptor.
func (cf *ClassFile) FindMethod(name, descriptor string) *MethodInfo {
	for i := range cf.Methods {
		if cf.Methods[i].Name == name && cf.Methods[i].Descriptor == descriptor {
			return &cf.Methods[i]
		}
	}
	return nil
}

// FindField finds a field by name and descriptor.
func (cf *ClassFile) FindField(name, descriptor string) *FieldInfo {
	for i := range cf.Fields {
		if cf.Fields[i].Name == name && cf.Fields[i].Descriptor == descriptor {
			return &cf.Fields[i]
		}
	}
	return nil
}
