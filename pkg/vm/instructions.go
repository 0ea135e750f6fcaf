package vm

import (
	"fmt"
	"math"
	"sort"

	"github.com/daimatz/linkvm/pkg/bytecodes"
	"github.com/daimatz/linkvm/pkg/thread"
)

// executeInstruction executes a single bytecode instruction.
// Returns (returnValue, hasReturn, error).
func (vm *VM) executeInstruction(t *thread.Thread, frame *Frame, opcode byte) (Value, bool, error) {
	switch opcode {
	case bytecodes.OpNop:
		// do nothing

	// --- Constants ---
	case bytecodes.OpAconstNull:
		frame.Push(NullValue())

	case bytecodes.OpIconstM1, bytecodes.OpIconst0, bytecodes.OpIconst1, bytecodes.OpIconst2,
		bytecodes.OpIconst3, bytecodes.OpIconst4, bytecodes.OpIconst5:
		frame.Push(IntValue(int32(opcode) - bytecodes.OpIconst0))

	case bytecodes.OpLconst0, bytecodes.OpLconst1:
		frame.Push(LongValue(int64(opcode - bytecodes.OpLconst0)))

	case bytecodes.OpFconst0, bytecodes.OpFconst1, bytecodes.OpFconst2:
		frame.Push(FloatValue(float32(opcode - bytecodes.OpFconst0)))

	case bytecodes.OpDconst0, bytecodes.OpDconst1:
		frame.Push(DoubleValue(float64(opcode - bytecodes.OpDconst0)))

	case bytecodes.OpBipush:
		frame.Push(IntValue(int32(frame.ReadI8())))

	case bytecodes.OpSipush:
		frame.Push(IntValue(int32(frame.ReadI16())))

	// ldc of a numeric constant, or of a reference past the fast_aldc range,
	// keeps its constant-pool operand.
	case bytecodes.OpLdc:
		return vm.pushConstant(t, frame, uint16(frame.ReadU8()))

	case bytecodes.OpLdcW, bytecodes.OpLdc2W:
		return vm.pushConstant(t, frame, frame.ReadU16())

	case bytecodes.OpFastAldc:
		return vm.pushReference(t, frame, int(frame.ReadU8()))

	case bytecodes.OpFastAldcW:
		return vm.pushReference(t, frame, int(frame.ReadNativeU16()))

	// --- Loads and stores ---
	case bytecodes.OpIload, bytecodes.OpLload, bytecodes.OpFload, bytecodes.OpDload, bytecodes.OpAload:
		frame.Push(frame.GetLocal(int(frame.ReadU8())))

	case bytecodes.OpIload0, bytecodes.OpIload1, bytecodes.OpIload2, bytecodes.OpIload3:
		frame.Push(frame.GetLocal(int(opcode - bytecodes.OpIload0)))
	case bytecodes.OpLload0, bytecodes.OpLload1, bytecodes.OpLload2, bytecodes.OpLload3:
		frame.Push(frame.GetLocal(int(opcode - bytecodes.OpLload0)))
	case bytecodes.OpFload0, bytecodes.OpFload1, bytecodes.OpFload2, bytecodes.OpFload3:
		frame.Push(frame.GetLocal(int(opcode - bytecodes.OpFload0)))
	case bytecodes.OpDload0, bytecodes.OpDload1, bytecodes.OpDload2, bytecodes.OpDload3:
		frame.Push(frame.GetLocal(int(opcode - bytecodes.OpDload0)))
	case bytecodes.OpAload0, bytecodes.OpAload1, bytecodes.OpAload2, bytecodes.OpAload3:
		frame.Push(frame.GetLocal(int(opcode - bytecodes.OpAload0)))

	case bytecodes.OpIstore, bytecodes.OpLstore, bytecodes.OpFstore, bytecodes.OpDstore, bytecodes.OpAstore:
		frame.SetLocal(int(frame.ReadU8()), frame.Pop())

	case bytecodes.OpIstore0, bytecodes.OpIstore1, bytecodes.OpIstore2, bytecodes.OpIstore3:
		frame.SetLocal(int(opcode-bytecodes.OpIstore0), frame.Pop())
	case bytecodes.OpLstore0, bytecodes.OpLstore1, bytecodes.OpLstore2, bytecodes.OpLstore3:
		frame.SetLocal(int(opcode-bytecodes.OpLstore0), frame.Pop())
	case bytecodes.OpFstore0, bytecodes.OpFstore1, bytecodes.OpFstore2, bytecodes.OpFstore3:
		frame.SetLocal(int(opcode-bytecodes.OpFstore0), frame.Pop())
	case bytecodes.OpDstore0, bytecodes.OpDstore1, bytecodes.OpDstore2, bytecodes.OpDstore3:
		frame.SetLocal(int(opcode-bytecodes.OpDstore0), frame.Pop())
	case bytecodes.OpAstore0, bytecodes.OpAstore1, bytecodes.OpAstore2, bytecodes.OpAstore3:
		frame.SetLocal(int(opcode-bytecodes.OpAstore0), frame.Pop())

	case bytecodes.OpWide:
		op := frame.ReadU8()
		index := int(frame.ReadU16())
		switch op {
		case bytecodes.OpIload, bytecodes.OpLload, bytecodes.OpFload, bytecodes.OpDload, bytecodes.OpAload:
			frame.Push(frame.GetLocal(index))
		case bytecodes.OpIstore, bytecodes.OpLstore, bytecodes.OpFstore, bytecodes.OpDstore, bytecodes.OpAstore:
			frame.SetLocal(index, frame.Pop())
		case bytecodes.OpIinc:
			delta := frame.ReadI16()
			frame.SetLocal(index, IntValue(frame.GetLocal(index).Int+int32(delta)))
		default:
			return Value{}, false, fmt.Errorf("wide: unsupported opcode %s", bytecodes.Name(op))
		}

	// --- Arrays ---
	case bytecodes.OpIaload, bytecodes.OpLaload, bytecodes.OpFaload, bytecodes.OpDaload,
		bytecodes.OpAaload, bytecodes.OpBaload, bytecodes.OpCaload, bytecodes.OpSaload:
		index := frame.Pop().Int
		arr, err := arrayRef(frame.Pop(), index)
		if err != nil {
			return Value{}, false, err
		}
		frame.Push(arr.Elements[index])

	case bytecodes.OpIastore, bytecodes.OpLastore, bytecodes.OpFastore, bytecodes.OpDastore,
		bytecodes.OpAastore, bytecodes.OpBastore, bytecodes.OpCastore, bytecodes.OpSastore:
		value := frame.Pop()
		index := frame.Pop().Int
		arr, err := arrayRef(frame.Pop(), index)
		if err != nil {
			return Value{}, false, err
		}
		switch opcode {
		case bytecodes.OpBastore:
			value = IntValue(int32(int8(value.Int)))
		case bytecodes.OpCastore:
			value = IntValue(int32(uint16(value.Int)))
		case bytecodes.OpSastore:
			value = IntValue(int32(int16(value.Int)))
		}
		arr.Elements[index] = value

	case bytecodes.OpNewarray:
		atype := frame.ReadU8()
		count := frame.Pop().Int
		if count < 0 {
			return Value{}, false, NewJavaException("java/lang/NegativeArraySizeException")
		}
		zero := IntValue(0)
		switch atype {
		case 6: // T_FLOAT
			zero = FloatValue(0)
		case 7: // T_DOUBLE
			zero = DoubleValue(0)
		case 11: // T_LONG
			zero = LongValue(0)
		}
		elements := make([]Value, count)
		for i := range elements {
			elements[i] = zero
		}
		frame.Push(RefValue(&Array{Elements: elements}))

	case bytecodes.OpAnewarray:
		_ = frame.ReadU16() // CP index for element type
		count := frame.Pop().Int
		if count < 0 {
			return Value{}, false, NewJavaException("java/lang/NegativeArraySizeException")
		}
		elements := make([]Value, count)
		for i := range elements {
			elements[i] = NullValue()
		}
		frame.Push(RefValue(&Array{Elements: elements}))

	case bytecodes.OpArraylength:
		arrRef := frame.Pop()
		if arrRef.IsNull() {
			return Value{}, false, NewJavaException("java/lang/NullPointerException")
		}
		arr, ok := arrRef.Ref.(*Array)
		if !ok {
			return Value{}, false, fmt.Errorf("arraylength: reference is not an array")
		}
		frame.Push(IntValue(int32(len(arr.Elements))))

	// --- Stack manipulation ---
	case bytecodes.OpPop:
		frame.Pop()

	case bytecodes.OpPop2:
		if v := frame.Pop(); !v.isWide() {
			frame.Pop()
		}

	case bytecodes.OpDup:
		frame.Push(frame.Peek())

	case bytecodes.OpDupX1:
		v1 := frame.Pop()
		v2 := frame.Pop()
		frame.Push(v1)
		frame.Push(v2)
		frame.Push(v1)

	case bytecodes.OpDupX2:
		v1 := frame.Pop()
		v2 := frame.Pop()
		if v2.isWide() {
			frame.Push(v1)
			frame.Push(v2)
			frame.Push(v1)
			break
		}
		v3 := frame.Pop()
		frame.Push(v1)
		frame.Push(v3)
		frame.Push(v2)
		frame.Push(v1)

	case bytecodes.OpDup2:
		v1 := frame.Pop()
		if v1.isWide() {
			frame.Push(v1)
			frame.Push(v1)
			break
		}
		v2 := frame.Pop()
		frame.Push(v2)
		frame.Push(v1)
		frame.Push(v2)
		frame.Push(v1)

	case bytecodes.OpSwap:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(v2)
		frame.Push(v1)

	// --- Integer arithmetic ---
	case bytecodes.OpIadd, bytecodes.OpIsub, bytecodes.OpImul, bytecodes.OpIdiv, bytecodes.OpIrem,
		bytecodes.OpIshl, bytecodes.OpIshr, bytecodes.OpIushr, bytecodes.OpIand, bytecodes.OpIor, bytecodes.OpIxor:
		v2 := frame.Pop().Int
		v1 := frame.Pop().Int
		r, err := intOp(opcode, v1, v2)
		if err != nil {
			return Value{}, false, err
		}
		frame.Push(IntValue(r))

	case bytecodes.OpIneg:
		frame.Push(IntValue(-frame.Pop().Int))

	case bytecodes.OpIinc:
		index := int(frame.ReadU8())
		delta := frame.ReadI8()
		frame.SetLocal(index, IntValue(frame.GetLocal(index).Int+int32(delta)))

	// --- Long arithmetic ---
	case bytecodes.OpLadd, bytecodes.OpLsub, bytecodes.OpLmul, bytecodes.OpLdiv, bytecodes.OpLrem,
		bytecodes.OpLand, bytecodes.OpLor, bytecodes.OpLxor:
		v2 := frame.Pop().Long
		v1 := frame.Pop().Long
		r, err := longOp(opcode, v1, v2)
		if err != nil {
			return Value{}, false, err
		}
		frame.Push(LongValue(r))

	case bytecodes.OpLshl:
		s := frame.Pop().Int
		frame.Push(LongValue(frame.Pop().Long << (uint(s) & 0x3f)))
	case bytecodes.OpLshr:
		s := frame.Pop().Int
		frame.Push(LongValue(frame.Pop().Long >> (uint(s) & 0x3f)))
	case bytecodes.OpLushr:
		s := frame.Pop().Int
		frame.Push(LongValue(int64(uint64(frame.Pop().Long) >> (uint(s) & 0x3f))))

	case bytecodes.OpLneg:
		frame.Push(LongValue(-frame.Pop().Long))

	// --- Floating point arithmetic ---
	case bytecodes.OpFadd, bytecodes.OpFsub, bytecodes.OpFmul, bytecodes.OpFdiv, bytecodes.OpFrem:
		v2 := float64(frame.Pop().Float)
		v1 := float64(frame.Pop().Float)
		frame.Push(FloatValue(float32(floatOp(opcode-bytecodes.OpFadd, v1, v2))))

	case bytecodes.OpDadd, bytecodes.OpDsub, bytecodes.OpDmul, bytecodes.OpDdiv, bytecodes.OpDrem:
		v2 := frame.Pop().Double
		v1 := frame.Pop().Double
		frame.Push(DoubleValue(floatOp(opcode-bytecodes.OpDadd, v1, v2)))

	case bytecodes.OpFneg:
		frame.Push(FloatValue(-frame.Pop().Float))
	case bytecodes.OpDneg:
		frame.Push(DoubleValue(-frame.Pop().Double))

	// --- Conversions ---
	case bytecodes.OpI2l:
		frame.Push(LongValue(int64(frame.Pop().Int)))
	case bytecodes.OpI2f:
		frame.Push(FloatValue(float32(frame.Pop().Int)))
	case bytecodes.OpI2d:
		frame.Push(DoubleValue(float64(frame.Pop().Int)))
	case bytecodes.OpL2i:
		frame.Push(IntValue(int32(frame.Pop().Long)))
	case bytecodes.OpL2f:
		frame.Push(FloatValue(float32(frame.Pop().Long)))
	case bytecodes.OpL2d:
		frame.Push(DoubleValue(float64(frame.Pop().Long)))
	case bytecodes.OpF2i:
		frame.Push(IntValue(int32(toInt64(float64(frame.Pop().Float), math.MinInt32, math.MaxInt32))))
	case bytecodes.OpF2l:
		frame.Push(LongValue(toInt64(float64(frame.Pop().Float), math.MinInt64, math.MaxInt64)))
	case bytecodes.OpF2d:
		frame.Push(DoubleValue(float64(frame.Pop().Float)))
	case bytecodes.OpD2i:
		frame.Push(IntValue(int32(toInt64(frame.Pop().Double, math.MinInt32, math.MaxInt32))))
	case bytecodes.OpD2l:
		frame.Push(LongValue(toInt64(frame.Pop().Double, math.MinInt64, math.MaxInt64)))
	case bytecodes.OpD2f:
		frame.Push(FloatValue(float32(frame.Pop().Double)))
	case bytecodes.OpI2b:
		frame.Push(IntValue(int32(int8(frame.Pop().Int))))
	case bytecodes.OpI2c:
		frame.Push(IntValue(int32(uint16(frame.Pop().Int))))
	case bytecodes.OpI2s:
		frame.Push(IntValue(int32(int16(frame.Pop().Int))))

	// --- Comparisons ---
	case bytecodes.OpLcmp:
		v2 := frame.Pop().Long
		v1 := frame.Pop().Long
		frame.Push(IntValue(compare(v1 > v2, v1 < v2)))

	case bytecodes.OpFcmpl, bytecodes.OpFcmpg:
		v2 := float64(frame.Pop().Float)
		v1 := float64(frame.Pop().Float)
		frame.Push(IntValue(floatCompare(v1, v2, opcode == bytecodes.OpFcmpg)))

	case bytecodes.OpDcmpl, bytecodes.OpDcmpg:
		v2 := frame.Pop().Double
		v1 := frame.Pop().Double
		frame.Push(IntValue(floatCompare(v1, v2, opcode == bytecodes.OpDcmpg)))

	// --- Branches ---
	case bytecodes.OpIfeq:
		return vm.executeBranchUnary(frame, func(v int32) bool { return v == 0 })
	case bytecodes.OpIfne:
		return vm.executeBranchUnary(frame, func(v int32) bool { return v != 0 })
	case bytecodes.OpIflt:
		return vm.executeBranchUnary(frame, func(v int32) bool { return v < 0 })
	case bytecodes.OpIfge:
		return vm.executeBranchUnary(frame, func(v int32) bool { return v >= 0 })
	case bytecodes.OpIfgt:
		return vm.executeBranchUnary(frame, func(v int32) bool { return v > 0 })
	case bytecodes.OpIfle:
		return vm.executeBranchUnary(frame, func(v int32) bool { return v <= 0 })

	case bytecodes.OpIfIcmpeq:
		return vm.executeBranchBinary(frame, func(v1, v2 int32) bool { return v1 == v2 })
	case bytecodes.OpIfIcmpne:
		return vm.executeBranchBinary(frame, func(v1, v2 int32) bool { return v1 != v2 })
	case bytecodes.OpIfIcmplt:
		return vm.executeBranchBinary(frame, func(v1, v2 int32) bool { return v1 < v2 })
	case bytecodes.OpIfIcmpge:
		return vm.executeBranchBinary(frame, func(v1, v2 int32) bool { return v1 >= v2 })
	case bytecodes.OpIfIcmpgt:
		return vm.executeBranchBinary(frame, func(v1, v2 int32) bool { return v1 > v2 })
	case bytecodes.OpIfIcmple:
		return vm.executeBranchBinary(frame, func(v1, v2 int32) bool { return v1 <= v2 })

	case bytecodes.OpIfAcmpeq, bytecodes.OpIfAcmpne:
		branchPC := frame.PC - 1
		offset := frame.ReadI16()
		v2 := frame.Pop()
		v1 := frame.Pop()
		eq := (v1.IsNull() && v2.IsNull()) || (!v1.IsNull() && !v2.IsNull() && v1.Ref == v2.Ref)
		if eq == (opcode == bytecodes.OpIfAcmpeq) {
			vm.jump(frame, branchPC, int(offset))
		}

	case bytecodes.OpIfnull, bytecodes.OpIfnonnull:
		branchPC := frame.PC - 1
		offset := frame.ReadI16()
		if frame.Pop().IsNull() == (opcode == bytecodes.OpIfnull) {
			vm.jump(frame, branchPC, int(offset))
		}

	case bytecodes.OpGoto:
		branchPC := frame.PC - 1
		vm.jump(frame, branchPC, int(frame.ReadI16()))

	case bytecodes.OpGotoW:
		branchPC := frame.PC - 1
		vm.jump(frame, branchPC, int(frame.ReadI32()))

	case bytecodes.OpTableswitch:
		opcodePC := frame.PC - 1
		frame.PC = bytecodes.Align(frame.PC)
		defaultOffset := frame.ReadI32()
		low := frame.ReadI32()
		high := frame.ReadI32()
		table := frame.PC
		index := frame.Pop().Int
		if index >= low && index <= high {
			frame.PC = table + 4*int(index-low)
			vm.jump(frame, opcodePC, int(frame.ReadI32()))
		} else {
			vm.jump(frame, opcodePC, int(defaultOffset))
		}

	// The rewriter keeps the lookupswitch layout; binaryswitch may rely on
	// the keys being sorted, which the class-file format guarantees.
	case bytecodes.OpLookupswitch, bytecodes.OpFastLinearswitch, bytecodes.OpFastBinaryswitch:
		opcodePC := frame.PC - 1
		frame.PC = bytecodes.Align(frame.PC)
		defaultOffset := frame.ReadI32()
		npairs := int(frame.ReadI32())
		pairs := frame.PC
		key := frame.Pop().Int
		matchAt := func(i int) int32 { return int32(bytecodes.JavaU4(frame.Code[pairs+8*i:])) }
		offset := defaultOffset
		if opcode == bytecodes.OpFastBinaryswitch {
			i := sort.Search(npairs, func(i int) bool { return matchAt(i) >= key })
			if i < npairs && matchAt(i) == key {
				offset = int32(bytecodes.JavaU4(frame.Code[pairs+8*i+4:]))
			}
		} else {
			for i := 0; i < npairs; i++ {
				if matchAt(i) == key {
					offset = int32(bytecodes.JavaU4(frame.Code[pairs+8*i+4:]))
					break
				}
			}
		}
		vm.jump(frame, opcodePC, int(offset))

	// --- Return ---
	case bytecodes.OpIreturn, bytecodes.OpLreturn, bytecodes.OpFreturn, bytecodes.OpDreturn, bytecodes.OpAreturn:
		return frame.Pop(), true, nil

	// Finalizer registration has nothing to do here: objects are not
	// collected by this interpreter.
	case bytecodes.OpReturn, bytecodes.OpReturnRegisterFinalizer:
		return Value{}, true, nil

	// --- Fields and calls ---
	case bytecodes.OpGetstatic:
		return vm.executeGetstatic(t, frame)
	case bytecodes.OpPutstatic:
		return vm.executePutstatic(t, frame)
	case bytecodes.OpGetfield:
		return vm.executeGetfield(t, frame)
	case bytecodes.OpPutfield:
		return vm.executePutfield(t, frame)

	case bytecodes.OpInvokevirtual, bytecodes.OpInvokespecial, bytecodes.OpInvokestatic, bytecodes.OpInvokeinterface:
		return vm.executeInvoke(t, frame, opcode)

	case bytecodes.OpInvokedynamic, bytecodes.OpInvokehandle:
		return Value{}, false, fmt.Errorf("%s at PC=%d: method handles are not supported", bytecodes.Name(opcode), frame.PC-1)

	// --- Objects ---
	case bytecodes.OpNew:
		return vm.executeNew(t, frame)

	case bytecodes.OpAthrow:
		excRef := frame.Pop()
		if excRef.IsNull() {
			return Value{}, false, NewJavaException("java/lang/NullPointerException")
		}
		if obj, ok := excRef.Ref.(*Object); ok {
			return Value{}, false, &JavaException{Object: obj}
		}
		return Value{}, false, fmt.Errorf("athrow: non-object on stack")

	case bytecodes.OpCheckcast:
		className, err := frame.Class.Pool().ClassNameAt(frame.ReadU16())
		if err != nil {
			return Value{}, false, fmt.Errorf("checkcast: %w", err)
		}
		if obj, ok := frame.Peek().Ref.(*Object); ok && !obj.IsInstanceOf(className) {
			return Value{}, false, throwf("java/lang/ClassCastException", "%s cannot be cast to %s", obj.ClassName, className)
		}

	case bytecodes.OpInstanceof:
		className, err := frame.Class.Pool().ClassNameAt(frame.ReadU16())
		if err != nil {
			return Value{}, false, fmt.Errorf("instanceof: %w", err)
		}
		obj, ok := frame.Pop().Ref.(*Object)
		if ok && obj.IsInstanceOf(className) {
			frame.Push(IntValue(1))
		} else {
			frame.Push(IntValue(0))
		}

	// Initializers run with the class's init lock already held by the
	// controller; object monitors only need their null check.
	case bytecodes.OpMonitorenter, bytecodes.OpMonitorexit:
		if frame.Pop().IsNull() {
			return Value{}, false, NewJavaException("java/lang/NullPointerException")
		}

	default:
		return Value{}, false, fmt.Errorf("unsupported opcode: %s at PC=%d", bytecodes.Name(opcode), frame.PC-1)
	}

	return Value{}, false, nil
}

func (vm *VM) pushConstant(t *thread.Thread, frame *Frame, index uint16) (Value, bool, error) {
	v, err := vm.loadConstant(t, frame, index)
	if err != nil {
		return Value{}, false, err
	}
	frame.Push(v)
	return Value{}, false, nil
}

func (vm *VM) pushReference(t *thread.Thread, frame *Frame, ref int) (Value, bool, error) {
	v, err := vm.loadReference(t, frame, ref)
	if err != nil {
		return Value{}, false, fmt.Errorf("fast_aldc: %w", err)
	}
	frame.Push(v)
	return Value{}, false, nil
}

// jump moves to from+offset, polling for a safepoint on backward branches.
func (vm *VM) jump(frame *Frame, from, offset int) {
	if offset <= 0 {
		vm.sp.Poll()
	}
	frame.PC = from + offset
}

// executeBranchUnary handles unary branch instructions (ifeq, ifne, etc.)
func (vm *VM) executeBranchUnary(frame *Frame, cond func(int32) bool) (Value, bool, error) {
	branchPC := frame.PC - 1 // PC of the branch instruction
	offset := frame.ReadI16()
	if cond(frame.Pop().Int) {
		vm.jump(frame, branchPC, int(offset))
	}
	return Value{}, false, nil
}

// executeBranchBinary handles binary branch instructions (if_icmpeq, etc.)
func (vm *VM) executeBranchBinary(frame *Frame, cond func(int32, int32) bool) (Value, bool, error) {
	branchPC := frame.PC - 1 // PC of the branch instruction
	offset := frame.ReadI16()
	v2 := frame.Pop()
	v1 := frame.Pop()
	if cond(v1.Int, v2.Int) {
		vm.jump(frame, branchPC, int(offset))
	}
	return Value{}, false, nil
}

func arrayRef(v Value, index int32) (*Array, error) {
	if v.IsNull() {
		return nil, NewJavaException("java/lang/NullPointerException")
	}
	arr, ok := v.Ref.(*Array)
	if !ok {
		return nil, fmt.Errorf("array access: reference is %T, not an array", v.Ref)
	}
	if index < 0 || int(index) >= len(arr.Elements) {
		return nil, throwf("java/lang/ArrayIndexOutOfBoundsException", "Index %d out of bounds for length %d", index, len(arr.Elements))
	}
	return arr, nil
}

func intOp(op byte, v1, v2 int32) (int32, error) {
	switch op {
	case bytecodes.OpIadd:
		return v1 + v2, nil
	case bytecodes.OpIsub:
		return v1 - v2, nil
	case bytecodes.OpImul:
		return v1 * v2, nil
	case bytecodes.OpIdiv, bytecodes.OpIrem:
		if v2 == 0 {
			return 0, throwf("java/lang/ArithmeticException", "/ by zero")
		}
		if v1 == math.MinInt32 && v2 == -1 {
			if op == bytecodes.OpIdiv {
				return v1, nil
			}
			return 0, nil
		}
		if op == bytecodes.OpIdiv {
			return v1 / v2, nil
		}
		return v1 % v2, nil
	case bytecodes.OpIshl:
		return v1 << (uint(v2) & 0x1f), nil
	case bytecodes.OpIshr:
		return v1 >> (uint(v2) & 0x1f), nil
	case bytecodes.OpIushr:
		return int32(uint32(v1) >> (uint(v2) & 0x1f)), nil
	case bytecodes.OpIand:
		return v1 & v2, nil
	case bytecodes.OpIor:
		return v1 | v2, nil
	case bytecodes.OpIxor:
		return v1 ^ v2, nil
	}
	return 0, fmt.Errorf("not an int operation: %s", bytecodes.Name(op))
}

func longOp(op byte, v1, v2 int64) (int64, error) {
	switch op {
	case bytecodes.OpLadd:
		return v1 + v2, nil
	case bytecodes.OpLsub:
		return v1 - v2, nil
	case bytecodes.OpLmul:
		return v1 * v2, nil
	case bytecodes.OpLdiv, bytecodes.OpLrem:
		if v2 == 0 {
			return 0, throwf("java/lang/ArithmeticException", "/ by zero")
		}
		if v1 == math.MinInt64 && v2 == -1 {
			if op == bytecodes.OpLdiv {
				return v1, nil
			}
			return 0, nil
		}
		if op == bytecodes.OpLdiv {
			return v1 / v2, nil
		}
		return v1 % v2, nil
	case bytecodes.OpLand:
		return v1 & v2, nil
	case bytecodes.OpLor:
		return v1 | v2, nil
	case bytecodes.OpLxor:
		return v1 ^ v2, nil
	}
	return 0, fmt.Errorf("not a long operation: %s", bytecodes.Name(op))
}

// floatOp applies add, sub, mul, div or rem, selected by the opcode's
// distance from the first of its group. The float and double groups are
// laid out the same way, four opcodes apart.
func floatOp(rel byte, v1, v2 float64) float64 {
	switch rel {
	case 0:
		return v1 + v2
	case 4:
		return v1 - v2
	case 8:
		return v1 * v2
	case 12:
		return v1 / v2
	}
	return math.Mod(v1, v2)
}

func compare(gt, lt bool) int32 {
	switch {
	case gt:
		return 1
	case lt:
		return -1
	}
	return 0
}

// floatCompare implements fcmp and dcmp; nanGreater selects the g variant.
func floatCompare(v1, v2 float64, nanGreater bool) int32 {
	if math.IsNaN(v1) || math.IsNaN(v2) {
		if nanGreater {
			return 1
		}
		return -1
	}
	return compare(v1 > v2, v1 < v2)
}

// toInt64 converts with Java's saturating semantics: NaN is 0 and values
// outside [lo, hi] clamp.
func toInt64(v float64, lo, hi int64) int64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v <= float64(lo):
		return lo
	case v >= float64(hi):
		return hi
	}
	return int64(v)
}
