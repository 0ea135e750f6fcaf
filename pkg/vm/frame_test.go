package vm

import (
	"testing"
)

func newTestFrame(maxLocals, maxStack int, code []byte) *Frame {
	return &Frame{
		Locals: make([]Value, maxLocals),
		Stack:  make([]Value, maxStack),
		Code:   code,
	}
}

func TestFramePushPop(t *testing.T) {
	t.Run("LIFO order", func(t *testing.T) {
		frame := newTestFrame(0, 10, nil)

		frame.Push(IntValue(10))
		frame.Push(LongValue(20))
		frame.Push(RefValue("s"))

		if v := frame.Pop(); v.Type != TypeRef || v.Ref != "s" {
			t.Errorf("first Pop: got %+v", v)
		}
		if v := frame.Pop(); v.Type != TypeLong || v.Long != 20 {
			t.Errorf("second Pop: got %+v", v)
		}
		if v := frame.Peek(); v.Int != 10 {
			t.Errorf("Peek: got %+v", v)
		}
		if v := frame.Pop(); v.Int != 10 {
			t.Errorf("third Pop: got %d, want 10", v.Int)
		}
	})

	t.Run("clear", func(t *testing.T) {
		frame := newTestFrame(0, 4, nil)
		frame.Push(IntValue(1))
		frame.Push(IntValue(2))
		frame.Clear()
		if frame.SP != 0 || frame.Stack[0] != (Value{}) {
			t.Errorf("after Clear: SP=%d stack=%v", frame.SP, frame.Stack)
		}
	})

	t.Run("overflow panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic")
			}
		}()
		frame := newTestFrame(0, 1, nil)
		frame.Push(IntValue(1))
		frame.Push(IntValue(2))
	})

	t.Run("underflow panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic")
			}
		}()
		newTestFrame(0, 1, nil).Pop()
	})
}

func TestFrameLocalVars(t *testing.T) {
	frame := newTestFrame(4, 0, nil)
	frame.SetLocal(0, IntValue(7))
	frame.SetLocal(1, DoubleValue(2.5))
	if got := frame.GetLocal(0); got.Int != 7 {
		t.Errorf("local 0 = %+v", got)
	}
	if got := frame.GetLocal(1); got.Double != 2.5 {
		t.Errorf("local 1 = %+v", got)
	}
	if got := frame.GetLocal(3); got.Type != TypeInt || got.Int != 0 {
		t.Errorf("unset local = %+v", got)
	}

	defer func() {
		if recover() == nil {
			t.Error("out of range local did not panic")
		}
	}()
	frame.GetLocal(4)
}

func TestFrameOperands(t *testing.T) {
	frame := newTestFrame(0, 0, []byte{
		0xFE,       // i8 -2
		0x12, 0x34, // u16 Java order
		0xFF, 0xFF, 0xFF, 0xFE, // i32 -2
		0x34, 0x12, // u16 native order
	})
	if got := frame.ReadI8(); got != -2 {
		t.Errorf("ReadI8 = %d", got)
	}
	if got := frame.ReadU16(); got != 0x1234 {
		t.Errorf("ReadU16 = %#x", got)
	}
	if got := frame.ReadI32(); got != -2 {
		t.Errorf("ReadI32 = %d", got)
	}
	if got := frame.ReadNativeU16(); got != 0x1234 {
		t.Errorf("ReadNativeU16 = %#x", got)
	}
	if frame.PC != len(frame.Code) {
		t.Errorf("PC = %d", frame.PC)
	}
}

func TestValueConversions(t *testing.T) {
	tests := []struct {
		in   any
		want Value
	}{
		{int32(3), IntValue(3)},
		{int64(4), LongValue(4)},
		{float32(1.5), FloatValue(1.5)},
		{float64(2.5), DoubleValue(2.5)},
		{true, IntValue(1)},
		{nil, NullValue()},
		{"s", RefValue("s")},
	}
	for _, tt := range tests {
		got := ValueOf(tt.in)
		if got != tt.want {
			t.Errorf("ValueOf(%v) = %+v, want %+v", tt.in, got, tt.want)
		}
		if _, isBool := tt.in.(bool); !isBool && got.Interface() != tt.in {
			t.Errorf("ValueOf(%v).Interface() = %v", tt.in, got.Interface())
		}
	}
	if !RefValue(nil).IsNull() {
		t.Error("RefValue(nil) is not null")
	}
}
