package redefine

import (
	"github.com/daimatz/linkvm/pkg/bytecodes"
	"github.com/daimatz/linkvm/pkg/classfile"
	"github.com/daimatz/linkvm/pkg/klass"
)

// ComputeEMCP compares every method of old with its replacement in cf. The
// result has one entry per old.Methods(): true when the replacement exists
// and is equivalent modulo constant pool. Comparison uses the class-file
// bytecode, so old may already be rewritten.
func ComputeEMCP(old *klass.Klass, cf *classfile.ClassFile) []bool {
	oldCF := old.ClassFile()
	mask := make([]bool, len(old.Methods()))
	for i, m := range old.Methods() {
		om := oldCF.FindMethod(m.Name(), m.Signature())
		nm := cf.FindMethod(m.Name(), m.Signature())
		if om == nil || nm == nil {
			continue
		}
		mask[i] = MethodsEMCP(oldCF.ConstantPool, om, cf.ConstantPool, nm)
	}
	return mask
}

// MethodsEMCP reports whether two methods differ only in where their
// constant-pool operands live.
func MethodsEMCP(oldPool []classfile.ConstantPoolEntry, om *classfile.MethodInfo, newPool []classfile.ConstantPoolEntry, nm *classfile.MethodInfo) bool {
	if om.AccessFlags != nm.AccessFlags || om.Descriptor != nm.Descriptor {
		return false
	}
	if (om.Code == nil) != (nm.Code == nil) {
		return false
	}
	if om.Code == nil {
		return true
	}
	oc, nc := om.Code, nm.Code
	if len(oc.Code) != len(nc.Code) || oc.MaxStack != nc.MaxStack || oc.MaxLocals != nc.MaxLocals {
		return false
	}
	if len(oc.ExceptionHandlers) != len(nc.ExceptionHandlers) {
		return false
	}
	for i, oh := range oc.ExceptionHandlers {
		nh := nc.ExceptionHandlers[i]
		if oh.StartPC != nh.StartPC || oh.EndPC != nh.EndPC || oh.HandlerPC != nh.HandlerPC {
			return false
		}
		if (oh.CatchType == 0) != (nh.CatchType == 0) {
			return false
		}
		if oh.CatchType != 0 && !sameConstant(oldPool, oh.CatchType, newPool, nh.CatchType) {
			return false
		}
	}

	os, ns := bytecodes.NewStream(oc.Code), bytecodes.NewStream(nc.Code)
	for os.Next() {
		if !ns.Next() || os.NextBCI() != ns.NextBCI() || os.Opcode() != ns.Opcode() {
			return false
		}
		if !sameOperands(oldPool, os, newPool, ns) {
			return false
		}
	}
	return os.Err() == nil && ns.Err() == nil && !ns.Next()
}

func sameOperands(oldPool []classfile.ConstantPoolEntry, os *bytecodes.Stream, newPool []classfile.ConstantPoolEntry, ns *bytecodes.Stream) bool {
	oa, na := os.Operands(), ns.Operands()
	switch os.Opcode() {
	case bytecodes.OpLdc:
		return sameConstant(oldPool, uint16(oa[0]), newPool, uint16(na[0]))
	case bytecodes.OpLdcW, bytecodes.OpLdc2W,
		bytecodes.OpGetstatic, bytecodes.OpPutstatic, bytecodes.OpGetfield, bytecodes.OpPutfield,
		bytecodes.OpInvokevirtual, bytecodes.OpInvokespecial, bytecodes.OpInvokestatic,
		bytecodes.OpNew, bytecodes.OpAnewarray, bytecodes.OpCheckcast, bytecodes.OpInstanceof:
		return sameConstant(oldPool, bytecodes.JavaU2(oa), newPool, bytecodes.JavaU2(na))
	case bytecodes.OpInvokeinterface, bytecodes.OpInvokedynamic, bytecodes.OpMultianewarray:
		return sameConstant(oldPool, bytecodes.JavaU2(oa), newPool, bytecodes.JavaU2(na)) &&
			string(oa[2:]) == string(na[2:])
	}
	return string(oa) == string(na)
}

func sameConstant(oldPool []classfile.ConstantPoolEntry, oi uint16, newPool []classfile.ConstantPoolEntry, ni uint16) bool {
	ov, err := classfile.SymbolicValue(oldPool, oi)
	if err != nil {
		return false
	}
	nv, err := classfile.SymbolicValue(newPool, ni)
	return err == nil && ov == nv
}
