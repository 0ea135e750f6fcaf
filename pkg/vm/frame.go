package vm

import (
	"fmt"

	"github.com/daimatz/linkvm/pkg/bytecodes"
	"github.com/daimatz/linkvm/pkg/klass"
)

// ValueType represents the type of a Value on the stack or in local variables.
type ValueType int

const (
	TypeInt ValueType = iota
	TypeLong
	TypeFloat
	TypeDouble
	TypeRef
	TypeNull
)

// Value represents a value on the operand stack or in local variables.
// Longs and doubles take one stack slot; in locals they keep the two-slot
// numbering of the class file and leave the upper slot unused.
type Value struct {
	Type   ValueType
	Int    int32
	Long   int64
	Float  float32
	Double float64
	Ref    any
}

// IntValue creates an integer Value.
func IntValue(v int32) Value {
	return Value{Type: TypeInt, Int: v}
}

// LongValue creates a long Value.
func LongValue(v int64) Value {
	return Value{Type: TypeLong, Long: v}
}

// FloatValue creates a float Value.
func FloatValue(v float32) Value {
	return Value{Type: TypeFloat, Float: v}
}

// DoubleValue creates a double Value.
func DoubleValue(v float64) Value {
	return Value{Type: TypeDouble, Double: v}
}

// RefValue creates a reference Value. A nil ref is the null reference.
func RefValue(ref any) Value {
	if ref == nil {
		return NullValue()
	}
	return Value{Type: TypeRef, Ref: ref}
}

// NullValue creates a null reference Value.
func NullValue() Value {
	return Value{Type: TypeNull}
}

// IsNull reports whether v is the null reference.
func (v Value) IsNull() bool {
	return v.Type == TypeNull || (v.Type == TypeRef && v.Ref == nil)
}

// isWide reports whether v is a long or double.
func (v Value) isWide() bool {
	return v.Type == TypeLong || v.Type == TypeDouble
}

// Interface converts v to the representation used for static fields and
// native calls.
func (v Value) Interface() any {
	switch v.Type {
	case TypeInt:
		return v.Int
	case TypeLong:
		return v.Long
	case TypeFloat:
		return v.Float
	case TypeDouble:
		return v.Double
	case TypeRef:
		return v.Ref
	}
	return nil
}

// ValueOf converts a static field value or native result to a Value.
func ValueOf(x any) Value {
	switch x := x.(type) {
	case nil:
		return NullValue()
	case int32:
		return IntValue(x)
	case bool:
		if x {
			return IntValue(1)
		}
		return IntValue(0)
	case int64:
		return LongValue(x)
	case float32:
		return FloatValue(x)
	case float64:
		return DoubleValue(x)
	}
	return RefValue(x)
}

// Frame represents a stack frame for method execution.
type Frame struct {
	Locals []Value
	Stack  []Value
	SP     int
	Code   []byte
	PC     int
	Method *klass.Method
	Class  *klass.Klass
}

// NewFrame creates a frame for m.
func NewFrame(m *klass.Method) *Frame {
	return &Frame{
		Locals: make([]Value, m.MaxLocals()),
		Stack:  make([]Value, m.MaxStack()),
		Code:   m.Code(),
		Method: m,
		Class:  m.Holder(),
	}
}

// Push pushes a value onto the operand stack.
func (f *Frame) Push(v Value) {
	if f.SP >= len(f.Stack) {
		panic(fmt.Sprintf("operand stack overflow: SP=%d, max=%d", f.SP, len(f.Stack)))
	}
	f.Stack[f.SP] = v
	f.SP++
}

// Pop pops a value from the operand stack.
func (f *Frame) Pop() Value {
	if f.SP <= 0 {
		panic("operand stack underflow: SP=0")
	}
	f.SP--
	return f.Stack[f.SP]
}

// Peek returns the top of the operand stack without popping it.
func (f *Frame) Peek() Value {
	if f.SP <= 0 {
		panic("operand stack underflow: SP=0")
	}
	return f.Stack[f.SP-1]
}

// GetLocal returns the value at the given local variable index.
func (f *Frame) GetLocal(index int) Value {
	if index < 0 || index >= len(f.Locals) {
		panic(fmt.Sprintf("local variable index out of range: index=%d, max=%d", index, len(f.Locals)))
	}
	return f.Locals[index]
}

// SetLocal sets the value at the given local variable index.
func (f *Frame) SetLocal(index int, v Value) {
	if index < 0 || index >= len(f.Locals) {
		panic(fmt.Sprintf("local variable index out of range: index=%d, max=%d", index, len(f.Locals)))
	}
	f.Locals[index] = v
}

// ReadU8 reads a uint8 operand and advances PC.
func (f *Frame) ReadU8() uint8 {
	val := f.Code[f.PC]
	f.PC++
	return val
}

// ReadI8 reads an int8 operand and advances PC.
func (f *Frame) ReadI8() int8 {
	val := int8(f.Code[f.PC])
	f.PC++
	return val
}

// ReadU16 reads a big-endian uint16 operand and advances PC by 2.
func (f *Frame) ReadU16() uint16 {
	val := bytecodes.JavaU2(f.Code[f.PC:])
	f.PC += 2
	return val
}

// ReadI16 reads a big-endian int16 operand and advances PC by 2.
func (f *Frame) ReadI16() int16 {
	return int16(f.ReadU16())
}

// ReadI32 reads a big-endian int32 operand and advances PC by 4.
func (f *Frame) ReadI32() int32 {
	val := int32(bytecodes.JavaU4(f.Code[f.PC:]))
	f.PC += 4
	return val
}

// ReadNativeU16 reads a cache index the rewriter stored in native order.
func (f *Frame) ReadNativeU16() uint16 {
	val := bytecodes.NativeU2(f.Code[f.PC:])
	f.PC += 2
	return val
}

// Clear empties the operand stack.
func (f *Frame) Clear() {
	for i := 0; i < f.SP; i++ {
		f.Stack[i] = Value{}
	}
	f.SP = 0
}
