package classfile

import (
	"fmt"
	"math"
)

// Constant pool tags
const (
	TagUtf8               = 1
	TagInteger            = 3
	TagFloat              = 4
	TagLong               = 5
	TagDouble             = 6
	TagClass              = 7
	TagString             = 8
	TagFieldref           = 9
	TagMethodref          = 10
	TagInterfaceMethodref = 11
	TagNameAndType        = 12
	TagMethodHandle       = 15
	TagMethodType         = 16
	TagDynamic            = 17
	TagInvokeDynamic      = 18
)

// Well-known symbols the linker looks for in constant pools.
const (
	MethodHandleClass = "java/lang/invoke/MethodHandle"
	VarHandleClass    = "java/lang/invoke/VarHandle"
	ObjectClass       = "java/lang/Object"
	InitName          = "<init>"
	ClinitName        = "<clinit>"
)

// parseConstantPool reads the count and the entries that follow it. The
// returned slice is 1-indexed: index 0 and the slot after a Long or Double
// are nil.
func parseConstantPool(r *reader) []ConstantPoolEntry {
	count := r.u2("constant pool count")
	if r.err == nil && count == 0 {
		r.fail("constant pool count is 0")
	}
	pool := make([]ConstantPoolEntry, count)
	for i := 1; i < int(count) && r.err == nil; i++ {
		switch tag := r.u1("constant pool tag"); tag {
		case TagUtf8:
			n := r.u2("Utf8 length")
			pool[i] = &ConstantUtf8{Value: string(r.take(int(n), "Utf8 bytes"))}
		case TagInteger:
			pool[i] = &ConstantInteger{Value: int32(r.u4("Integer"))}
		case TagFloat:
			pool[i] = &ConstantFloat{Value: math.Float32frombits(r.u4("Float"))}
		case TagLong, TagDouble:
			if i+1 >= int(count) {
				r.fail("8-byte constant at index %d takes the last slot", i)
				break
			}
			bits := r.u8("8-byte constant")
			if tag == TagLong {
				pool[i] = &ConstantLong{Value: int64(bits)}
			} else {
				pool[i] = &ConstantDouble{Value: math.Float64frombits(bits)}
			}
			i++
		case TagClass:
			pool[i] = &ConstantClass{NameIndex: r.u2("Class name index")}
		case TagString:
			pool[i] = &ConstantString{StringIndex: r.u2("String index")}
		case TagMethodType:
			pool[i] = &ConstantMethodType{DescriptorIndex: r.u2("MethodType descriptor")}
		case TagMethodHandle:
			kind := r.u1("MethodHandle kind")
			pool[i] = &ConstantMethodHandle{ReferenceKind: kind, ReferenceIndex: r.u2("MethodHandle reference")}
		case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType, TagDynamic, TagInvokeDynamic:
			a := r.u2("first index")
			pool[i] = pairEntry(tag, a, r.u2("second index"))
		default:
			if r.err == nil {
				r.fail("unknown constant pool tag %d at index %d", tag, i)
			}
		}
	}
	return pool
}

func pairEntry(tag uint8, a, b uint16) ConstantPoolEntry {
	switch tag {
	case TagFieldref:
		return &ConstantFieldref{ClassIndex: a, NameAndTypeIndex: b}
	case TagMethodref:
		return &ConstantMethodref{ClassIndex: a, NameAndTypeIndex: b}
	case TagInterfaceMethodref:
		return &ConstantInterfaceMethodref{ClassIndex: a, NameAndTypeIndex: b}
	case TagNameAndType:
		return &ConstantNameAndType{NameIndex: a, DescriptorIndex: b}
	case TagDynamic:
		return &ConstantDynamic{BootstrapMethodAttrIndex: a, NameAndTypeIndex: b}
	default:
		return &ConstantInvokeDynamic{BootstrapMethodAttrIndex: a, NameAndTypeIndex: b}
	}
}

// TagAt returns the tag of the entry at index, or 0 for an empty or invalid slot.
func TagAt(pool []ConstantPoolEntry, index int) uint8 {
	if index <= 0 || index >= len(pool) || pool[index] == nil {
		return 0
	}
	return pool[index].Tag()
}

// GetUtf8 returns the Utf8 string at the given constant pool index.
func GetUtf8(pool []ConstantPoolEntry, index uint16) (string, error) {
	if int(index) >= len(pool) || pool[index] == nil {
		return "", fmt.Errorf("invalid constant pool index %d", index)
	}
	utf8, ok := pool[index].(*ConstantUtf8)
	if !ok {
		return "", fmt.Errorf("constant pool index %d is not Utf8 (tag=%d)", index, pool[index].Tag())
	}
	return utf8.Value, nil
}

// GetClassName returns the class name referenced by a CONSTANT_Class entry.
func GetClassName(pool []ConstantPoolEntry, classIndex uint16) (string, error) {
	if int(classIndex) >= len(pool) || pool[classIndex] == nil {
		return "", fmt.Errorf("invalid constant pool index %d", classIndex)
	}
	class, ok := pool[classIndex].(*ConstantClass)
	if !ok {
		return "", fmt.Errorf("constant pool index %d is not Class", classIndex)
	}
	return GetUtf8(pool, class.NameIndex)
}

// GetNameAndType returns the name and descriptor of a CONSTANT_NameAndType entry.
func GetNameAndType(pool []ConstantPoolEntry, index uint16) (string, string, error) {
	if int(index) >= len(pool) || pool[index] == nil {
		return "", "", fmt.Errorf("invalid NameAndType index %d", index)
	}
	nat, ok := pool[index].(*ConstantNameAndType)
	if !ok {
		return "", "", fmt.Errorf("constant pool index %d is not NameAndType", index)
	}
	name, err := GetUtf8(pool, nat.NameIndex)
	if err != nil {
		return "", "", fmt.Errorf("resolving name: %w", err)
	}
	descriptor, err := GetUtf8(pool, nat.DescriptorIndex)
	if err != nil {
		return "", "", fmt.Errorf("resolving descriptor: %w", err)
	}
	return name, descriptor, nil
}

// MemberRefInfo holds the symbolic parts of a field, method or interface method reference.
type MemberRefInfo struct {
	Tag        uint8
	ClassName  string
	Name       string
	Descriptor string
}

// ResolveMemberRef resolves any Fieldref, Methodref or InterfaceMethodref entry
// without loading anything.
func ResolveMemberRef(pool []ConstantPoolEntry, index uint16) (*MemberRefInfo, error) {
	if int(index) >= len(pool) || pool[index] == nil {
		return nil, fmt.Errorf("invalid constant pool index %d", index)
	}
	var classIndex, natIndex uint16
	switch ref := pool[index].(type) {
	case *ConstantFieldref:
		classIndex, natIndex = ref.ClassIndex, ref.NameAndTypeIndex
	case *ConstantMethodref:
		classIndex, natIndex = ref.ClassIndex, ref.NameAndTypeIndex
	case *ConstantInterfaceMethodref:
		classIndex, natIndex = ref.ClassIndex, ref.NameAndTypeIndex
	default:
		return nil, fmt.Errorf("constant pool index %d is not a member reference (tag=%d)", index, pool[index].Tag())
	}

	className, err := GetClassName(pool, classIndex)
	if err != nil {
		return nil, fmt.Errorf("resolving member class: %w", err)
	}
	name, descriptor, err := GetNameAndType(pool, natIndex)
	if err != nil {
		return nil, fmt.Errorf("resolving member %d: %w", index, err)
	}
	return &MemberRefInfo{
		Tag:        pool[index].Tag(),
		ClassName:  className,
		Name:       name,
		Descriptor: descriptor,
	}, nil
}

// MethodRefInfo holds resolved method reference info.
type MethodRefInfo struct {
	ClassName  string
	MethodName string
	Descriptor string
}

// ResolveMethodref resolves a CONSTANT_Methodref or CONSTANT_InterfaceMethodref entry.
func ResolveMethodref(pool []ConstantPoolEntry, index uint16) (*MethodRefInfo, error) {
	ref, err := ResolveMemberRef(pool, index)
	if err != nil {
		return nil, err
	}
	if ref.Tag == TagFieldref {
		return nil, fmt.Errorf("constant pool index %d is not Methodref", index)
	}
	return &MethodRefInfo{ClassName: ref.ClassName, MethodName: ref.Name, Descriptor: ref.Descriptor}, nil
}

// FieldRefInfo holds resolved field reference info.
type FieldRefInfo struct {
	ClassName  string
	FieldName  string
	Descriptor string
}

// ResolveFieldref resolves a CONSTANT_Fieldref entry.
func ResolveFieldref(pool []ConstantPoolEntry, index uint16) (*FieldRefInfo, error) {
	ref, err := ResolveMemberRef(pool, index)
	if err != nil {
		return nil, err
	}
	if ref.Tag != TagFieldref {
		return nil, fmt.Errorf("constant pool index %d is not Fieldref", index)
	}
	return &FieldRefInfo{ClassName: ref.ClassName, FieldName: ref.Name, Descriptor: ref.Descriptor}, nil
}

// SymbolicValue returns a comparable rendering of the entry at index that does
// not depend on where its operands sit in the pool. Two pools that refer to
// the same class, member or literal yield equal values.
func SymbolicValue(pool []ConstantPoolEntry, index uint16) (string, error) {
	if int(index) >= len(pool) || pool[index] == nil {
		return "", fmt.Errorf("invalid constant pool index %d", index)
	}
	switch c := pool[index].(type) {
	case *ConstantUtf8:
		return "utf8:" + c.Value, nil
	case *ConstantInteger:
		return fmt.Sprintf("int:%d", c.Value), nil
	case *ConstantFloat:
		return fmt.Sprintf("float:%x", math.Float32bits(c.Value)), nil
	case *ConstantLong:
		return fmt.Sprintf("long:%d", c.Value), nil
	case *ConstantDouble:
		return fmt.Sprintf("double:%x", math.Float64bits(c.Value)), nil
	case *ConstantClass:
		name, err := GetUtf8(pool, c.NameIndex)
		return "class:" + name, err
	case *ConstantString:
		s, err := GetUtf8(pool, c.StringIndex)
		return "string:" + s, err
	case *ConstantMethodType:
		d, err := GetUtf8(pool, c.DescriptorIndex)
		return "mtype:" + d, err
	case *ConstantMethodHandle:
		ref, err := SymbolicValue(pool, c.ReferenceIndex)
		return fmt.Sprintf("mh:%d:%s", c.ReferenceKind, ref), err
	case *ConstantNameAndType:
		name, desc, err := GetNameAndType(pool, index)
		return "nat:" + name + ":" + desc, err
	case *ConstantDynamic:
		name, desc, err := GetNameAndType(pool, c.NameAndTypeIndex)
		return fmt.Sprintf("condy:%d:%s:%s", c.BootstrapMethodAttrIndex, name, desc), err
	case *ConstantInvokeDynamic:
		name, desc, err := GetNameAndType(pool, c.NameAndTypeIndex)
		return fmt.Sprintf("indy:%d:%s:%s", c.BootstrapMethodAttrIndex, name, desc), err
	default:
		ref, err := ResolveMemberRef(pool, index)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("member:%d:%s.%s:%s", ref.Tag, ref.ClassName, ref.Name, ref.Descriptor), nil
	}
}
