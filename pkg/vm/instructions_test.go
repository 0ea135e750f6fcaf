package vm

import (
	"errors"
	"math"
	"testing"

	"github.com/daimatz/linkvm/pkg/bytecodes"
	"github.com/daimatz/linkvm/pkg/classfile"
)

// execute runs code in a frame with no holder class, so it is limited to
// instructions that do not touch the constant pool.
func execute(t *testing.T, code []byte, locals ...Value) (Value, error) {
	t.Helper()
	frame := newTestFrame(4, 8, code)
	for i, l := range locals {
		frame.SetLocal(i, l)
	}
	v := New(Options{})
	for frame.PC < len(frame.Code) {
		op := frame.Code[frame.PC]
		frame.PC++
		ret, done, err := v.executeInstruction(nil, frame, op)
		if err != nil {
			return Value{}, err
		}
		if done {
			return ret, nil
		}
	}
	t.Fatal("code fell off the end without returning")
	return Value{}, nil
}

func i32(v int32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func TestIntInstructions(t *testing.T) {
	tests := []struct {
		name   string
		code   []byte
		locals []int32
		want   int32
	}{
		{"iconst_m1", asm(0x02, 0xAC), nil, -1},
		{"iconst_5", asm(0x08, 0xAC), nil, 5},
		{"bipush", asm(0x10, 0xFB, 0xAC), nil, -5},
		{"sipush", asm(0x11, uint16(1000), 0xAC), nil, 1000},
		{"iadd", asm(0x1A, 0x1B, 0x60, 0xAC), []int32{3, 4}, 7},
		{"isub", asm(0x1A, 0x1B, 0x64, 0xAC), []int32{3, 4}, -1},
		{"imul", asm(0x1A, 0x1B, 0x68, 0xAC), []int32{-3, 4}, -12},
		{"idiv truncates", asm(0x1A, 0x1B, 0x6C, 0xAC), []int32{-7, 2}, -3},
		{"irem", asm(0x1A, 0x1B, 0x70, 0xAC), []int32{-7, 2}, -1},
		{"ineg", asm(0x1A, 0x74, 0xAC), []int32{9}, -9},
		{"ishl masks the shift", asm(0x1A, 0x1B, 0x78, 0xAC), []int32{1, 33}, 2},
		{"ishr", asm(0x1A, 0x1B, 0x7A, 0xAC), []int32{-8, 1}, -4},
		{"iushr", asm(0x1A, 0x1B, 0x7C, 0xAC), []int32{-1, 28}, 15},
		{"iand", asm(0x1A, 0x1B, 0x7E, 0xAC), []int32{12, 10}, 8},
		{"ior", asm(0x1A, 0x1B, 0x80, 0xAC), []int32{12, 10}, 14},
		{"ixor", asm(0x1A, 0x1B, 0x82, 0xAC), []int32{12, 10}, 6},
		{"iadd wraps", asm(0x1A, 0x04, 0x60, 0xAC), []int32{math.MaxInt32}, math.MinInt32},
		{"MinInt32 / -1", asm(0x1A, 0x02, 0x6C, 0xAC), []int32{math.MinInt32}, math.MinInt32},
		{"iinc", asm(0x84, 0, 0xFE, 0x1A, 0xAC), []int32{10}, 8},
		{"dup", asm(0x1A, 0x59, 0x60, 0xAC), []int32{21}, 42},
		{"swap", asm(0x1A, 0x1B, 0x5F, 0x64, 0xAC), []int32{3, 10}, 7},
		{"i2b", asm(0x11, uint16(200), 0x91, 0xAC), nil, -56},
		{"i2c", asm(0x02, 0x92, 0xAC), nil, 65535},
		{"i2s", asm(0x02, 0x92, 0x93, 0xAC), nil, -1},
		{"l2i", asm(0x0A, 0x0A, 0x61, 0x88, 0xAC), nil, 2},
		{"f2i", asm(0x0D, 0x8B, 0xAC), nil, 2},
		{"d2i saturates", asm(0x0F, 0x0E, 0x6F, 0x8E, 0xAC), nil, math.MaxInt32},
		{"lcmp", asm(0x0A, 0x09, 0x94, 0xAC), nil, 1},
		{"fcmpl NaN", asm(0x0B, 0x0B, 0x6E, 0x0B, 0x95, 0xAC), nil, -1},
		{"fcmpg NaN", asm(0x0B, 0x0B, 0x6E, 0x0B, 0x96, 0xAC), nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var locals []Value
			for _, l := range tt.locals {
				locals = append(locals, IntValue(l))
			}
			got, err := execute(t, tt.code, locals...)
			if err != nil {
				t.Fatal(err)
			}
			if got.Int != tt.want {
				t.Errorf("got %d, want %d", got.Int, tt.want)
			}
		})
	}
}

func TestWideInstructions(t *testing.T) {
	got, err := execute(t, asm(0x1E, 0x20, 0x69, 0xAD), LongValue(1<<20), Value{}, LongValue(1<<20))
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeLong || got.Long != 1<<40 {
		t.Errorf("lmul = %+v", got)
	}

	got, err = execute(t, asm(0x26, 0x0F, 0x63, 0xAF), DoubleValue(1.5))
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeDouble || got.Double != 2.5 {
		t.Errorf("dadd = %+v", got)
	}
}

func TestBranches(t *testing.T) {
	ifeq := asm(0x1A, 0x99, uint16(5), 0x04, 0xAC, 0x05, 0xAC)
	icmpgt := asm(0x1A, 0x1B, 0xA3, uint16(5), 0x03, 0xAC, 0x04, 0xAC)
	// sum = 0; while (n != 0) { sum += n; n-- } return sum
	loop := asm(
		0x03, 0x3C, // 0: iconst_0, istore_1
		0x1A, 0x99, uint16(13), // 2: iload_0, ifeq 16
		0x1B, 0x1A, 0x60, 0x3C, // 6: sum += n
		0x84, 0, 0xFF, // 10: iinc n -1
		0xA7, uint16(0xFFF5), // 13: goto 2
		0x1B, 0xAC, // 16: return sum
	)
	tests := []struct {
		name   string
		code   []byte
		locals []int32
		want   int32
	}{
		{"ifeq taken", ifeq, []int32{0}, 2},
		{"ifeq not taken", ifeq, []int32{3}, 1},
		{"if_icmpgt taken", icmpgt, []int32{5, 4}, 1},
		{"if_icmpgt not taken", icmpgt, []int32{4, 4}, 0},
		{"goto", asm(0xA7, uint16(5), 0x03, 0xAC, 0x04, 0xAC), nil, 1},
		{"backward branch", loop, []int32{10}, 55},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var locals []Value
			for _, l := range tt.locals {
				locals = append(locals, IntValue(l))
			}
			got, err := execute(t, tt.code, locals...)
			if err != nil {
				t.Fatal(err)
			}
			if got.Int != tt.want {
				t.Errorf("got %d, want %d", got.Int, tt.want)
			}
		})
	}
}

func TestSwitches(t *testing.T) {
	// Offsets are relative to the switch opcode at pc 1; operands are
	// aligned to pc 4.
	table := asm(0x1A, 0xAA, 0, 0,
		i32(27), i32(0), i32(1), i32(23), i32(25),
		0x04, 0xAC, 0x05, 0xAC, 0x02, 0xAC)
	lookup := asm(0x1A, 0xAB, 0, 0,
		i32(31), i32(2), i32(10), i32(27), i32(20), i32(29),
		0x04, 0xAC, 0x05, 0xAC, 0x02, 0xAC)

	tests := []struct {
		name string
		code []byte
		key  int32
		want int32
	}{
		{"tableswitch low", table, 0, 1},
		{"tableswitch high", table, 1, 2},
		{"tableswitch default", table, 7, -1},
		{"lookupswitch first", lookup, 10, 1},
		{"lookupswitch second", lookup, 20, 2},
		{"lookupswitch default", lookup, 15, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := execute(t, tt.code, IntValue(tt.key))
			if err != nil {
				t.Fatal(err)
			}
			if got.Int != tt.want {
				t.Errorf("got %d, want %d", got.Int, tt.want)
			}
		})
	}

	// The rewritten forms share the lookupswitch layout.
	for _, op := range []byte{bytecodes.OpFastLinearswitch, bytecodes.OpFastBinaryswitch} {
		code := append([]byte(nil), lookup...)
		code[1] = op
		for key, want := range map[int32]int32{10: 1, 20: 2, 0: -1, 30: -1} {
			got, err := execute(t, code, IntValue(key))
			if err != nil || got.Int != want {
				t.Errorf("%s(%d) = %d, %v; want %d", bytecodes.Name(op), key, got.Int, err, want)
			}
		}
	}
}

func TestArrays(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want int32
	}{
		{"iastore iaload", asm(
			0x06, 0xBC, 10, 0x4B, // int[3], astore_0
			0x2A, 0x04, 0x10, 7, 0x4F, // a[1] = 7
			0x2A, 0x04, 0x2E, 0xAC), 7},
		{"bastore truncates", asm(
			0x04, 0xBC, 8, 0x4B,
			0x2A, 0x03, 0x11, uint16(300), 0x54,
			0x2A, 0x03, 0x33, 0xAC), 44},
		{"arraylength", asm(0x08, 0xBC, 10, 0xBE, 0xAC), 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := execute(t, tt.code)
			if err != nil {
				t.Fatal(err)
			}
			if got.Int != tt.want {
				t.Errorf("got %d, want %d", got.Int, tt.want)
			}
		})
	}
}

func TestThrownExceptions(t *testing.T) {
	tests := []struct {
		name  string
		code  []byte
		class string
	}{
		{"idiv by zero", asm(0x04, 0x03, 0x6C, 0xAC), "java/lang/ArithmeticException"},
		{"lrem by zero", asm(0x0A, 0x09, 0x71, 0xAD), "java/lang/ArithmeticException"},
		{"index out of bounds", asm(0x04, 0xBC, 10, 0x05, 0x2E, 0xAC), "java/lang/ArrayIndexOutOfBoundsException"},
		{"negative size", asm(0x02, 0xBC, 10, 0xBE, 0xAC), "java/lang/NegativeArraySizeException"},
		{"arraylength of null", asm(0x01, 0xBE, 0xAC), "java/lang/NullPointerException"},
		{"athrow null", asm(0x01, 0xBF), "java/lang/NullPointerException"},
		{"monitorenter null", asm(0x01, 0xC2, 0xB1), "java/lang/NullPointerException"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.code)
			var jex *JavaException
			if !errors.As(err, &jex) {
				t.Fatalf("err = %v, want a thrown %s", err, tt.class)
			}
			if jex.Object.ClassName != tt.class {
				t.Errorf("threw %s, want %s", jex.Object.ClassName, tt.class)
			}
		})
	}
}

func TestReferenceComparisons(t *testing.T) {
	a, b := NewJavaException("java/lang/Error").Object, NewJavaException("java/lang/Error").Object
	acmpeq := asm(0x2A, 0x2B, 0xA5, uint16(5), 0x03, 0xAC, 0x04, 0xAC)
	ifnull := asm(0x2A, 0xC6, uint16(5), 0x03, 0xAC, 0x04, 0xAC)
	tests := []struct {
		name   string
		code   []byte
		locals []Value
		want   int32
	}{
		{"if_acmpeq same", acmpeq, []Value{RefValue(a), RefValue(a)}, 1},
		{"if_acmpeq different", acmpeq, []Value{RefValue(a), RefValue(b)}, 0},
		{"ifnull null", ifnull, []Value{NullValue()}, 1},
		{"ifnull object", ifnull, []Value{RefValue(a)}, 0},
		{"ifnull string", ifnull, []Value{RefValue("s")}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := execute(t, tt.code, tt.locals...)
			if err != nil {
				t.Fatal(err)
			}
			if got.Int != tt.want {
				t.Errorf("got %d, want %d", got.Int, tt.want)
			}
		})
	}
}

func TestTypeChecks(t *testing.T) {
	e := newEnv(t)
	b := classfile.NewBuilder("p/T", classfile.ObjectClass)
	rte := b.Class("java/lang/RuntimeException")
	self := b.Class("p/T")
	b.Method(pubStatic, "isRuntime", "(Ljava/lang/Object;)I", 1, 1, asm(0x2A, 0xC1, rte, 0xAC))
	b.Method(pubStatic, "cast", "(Ljava/lang/Object;)Ljava/lang/Object;", 1, 1, asm(0x2A, 0xC0, self, 0xB0))
	b.Method(pubStatic, "make", "()Ljava/lang/Object;", 2, 0, asm(0xBB, self, 0xB0))
	e.add(b)

	made, err := e.call(t, "p/T", "make", "()Ljava/lang/Object;")
	if err != nil {
		t.Fatal(err)
	}
	if obj, ok := made.Ref.(*Object); !ok || obj.Class == nil || obj.Class.Name() != "p/T" {
		t.Fatalf("make() = %+v", made)
	}

	ise := RefValue(NewJavaException("java/lang/IllegalStateException").Object)
	instanceTests := []struct {
		name string
		arg  Value
		want int32
	}{
		{"builtin subclass", ise, 1},
		{"loaded class", made, 0},
		{"null", NullValue(), 0},
	}
	for _, tt := range instanceTests {
		t.Run("instanceof "+tt.name, func(t *testing.T) {
			got, err := e.call(t, "p/T", "isRuntime", "(Ljava/lang/Object;)I", tt.arg)
			if err != nil {
				t.Fatal(err)
			}
			if got.Int != tt.want {
				t.Errorf("got %d, want %d", got.Int, tt.want)
			}
		})
	}

	if got, err := e.call(t, "p/T", "cast", "(Ljava/lang/Object;)Ljava/lang/Object;", made); err != nil || got.Ref != made.Ref {
		t.Errorf("cast(T) = %+v, %v", got, err)
	}
	_, err = e.call(t, "p/T", "cast", "(Ljava/lang/Object;)Ljava/lang/Object;", ise)
	var jex *JavaException
	if !errors.As(err, &jex) || jex.Object.ClassName != "java/lang/ClassCastException" {
		t.Errorf("cast(IllegalStateException) = %v", err)
	}
}
