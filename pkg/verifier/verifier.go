// Package verifier performs the structural checks run on a class before it is
// linked: every instruction decodes, branch and handler targets land on
// instruction boundaries, locals stay inside max_locals and constant-pool
// operands have the expected tags. It does not type-check the operand stack.
package verifier

import (
	"fmt"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/daimatz/linkvm/pkg/bytecodes"
	"github.com/daimatz/linkvm/pkg/classfile"
	"github.com/daimatz/linkvm/pkg/klass"
)

var plog = logger.GetLogger("class/link")

// BootLoaderName is the name of the loader whose classes are trusted unless
// local verification is enabled.
const BootLoaderName = "boot"

// maxCodeLength is the class-file limit on a method body.
const maxCodeLength = 65535

// Error describes the first structural problem found in a class.
type Error struct {
	Class  string
	Method string
	BCI    int
	Msg    string
}

func (e *Error) Error() string {
	switch {
	case e.Method == "":
		return fmt.Sprintf("%s: %s", e.Class, e.Msg)
	case e.BCI < 0:
		return fmt.Sprintf("%s.%s: %s", e.Class, e.Method, e.Msg)
	default:
		return fmt.Sprintf("%s.%s at bci %d: %s", e.Class, e.Method, e.BCI, e.Msg)
	}
}

// Verifier checks classes. Local and Remote select which loaders' classes
// are verified at all, like BytecodeVerificationLocal and
// BytecodeVerificationRemote.
type Verifier struct {
	Local  bool
	Remote bool
}

// New returns a verifier with the given policy.
func New(local, remote bool) *Verifier {
	return &Verifier{Local: local, Remote: remote}
}

// ShouldVerify reports whether k's loader is subject to verification.
func (v *Verifier) ShouldVerify(k *klass.Klass) bool {
	if k.Loader() == nil || k.Loader().Name() == BootLoaderName {
		return v.Local
	}
	return v.Remote
}

// Verify checks every method of k.
func (v *Verifier) Verify(k *klass.Klass) error {
	if k.IsInterface() && k.Super() != nil && k.Super().Name() != classfile.ObjectClass {
		return &Error{Class: k.Name(), BCI: -1, Msg: "interface must extend java/lang/Object"}
	}
	for _, m := range k.Methods() {
		if err := verifyMethod(k, m); err != nil {
			plog.Debugf("verification of %s failed: %v", k.Name(), err)
			return err
		}
	}
	return nil
}

type checker struct {
	k    *klass.Klass
	m    *klass.Method
	code []byte
	// starts marks the offsets where instructions begin.
	starts []bool
}

func (c *checker) fail(bci int, format string, args ...any) error {
	return &Error{Class: c.k.Name(), Method: c.m.Name() + c.m.Signature(), BCI: bci, Msg: fmt.Sprintf(format, args...)}
}

func verifyMethod(k *klass.Klass, m *klass.Method) error {
	c := &checker{k: k, m: m, code: m.Code()}
	hasCode := len(c.code) > 0
	if m.IsAbstract() || m.IsNative() {
		if hasCode {
			return c.fail(-1, "abstract or native method has code")
		}
		return nil
	}
	if !hasCode {
		return c.fail(-1, "missing Code attribute")
	}
	if len(c.code) > maxCodeLength {
		return c.fail(-1, "code length %d exceeds %d", len(c.code), maxCodeLength)
	}

	slots, err := ArgSlots(m.Signature())
	if err != nil {
		return c.fail(-1, "%v", err)
	}
	if !m.IsStatic() {
		slots++
	}
	if int(m.MaxLocals()) < slots {
		return c.fail(-1, "max_locals %d smaller than argument size %d", m.MaxLocals(), slots)
	}

	c.starts = make([]bool, len(c.code))
	s := bytecodes.NewStream(c.code)
	for s.Next() {
		c.starts[s.BCI()] = true
	}
	if err := s.Err(); err != nil {
		return c.fail(-1, "%v", err)
	}

	s = bytecodes.NewStream(c.code)
	for s.Next() {
		if err := c.checkInstruction(s.BCI(), s.NextBCI()); err != nil {
			return err
		}
	}

	for i, h := range m.ExceptionHandlers() {
		if h.StartPC >= h.EndPC || int(h.EndPC) > len(c.code) {
			return c.fail(-1, "exception handler %d has bad range [%d, %d)", i, h.StartPC, h.EndPC)
		}
		if !c.isStart(int(h.StartPC)) || !c.isStart(int(h.HandlerPC)) {
			return c.fail(-1, "exception handler %d not on an instruction boundary", i)
		}
		if int(h.EndPC) < len(c.code) && !c.isStart(int(h.EndPC)) {
			return c.fail(-1, "exception handler %d end not on an instruction boundary", i)
		}
		if h.CatchType != 0 && k.Pool().Tag(int(h.CatchType)) != classfile.TagClass {
			return c.fail(-1, "exception handler %d catch type #%d is not a class", i, h.CatchType)
		}
	}
	return nil
}

func (c *checker) isStart(bci int) bool {
	return bci >= 0 && bci < len(c.code) && c.starts[bci]
}

func (c *checker) checkInstruction(bci, next int) error {
	op := c.code[bci]
	if bytecodes.IsInternal(op) || op == bytecodes.OpBreakpoint {
		return c.fail(bci, "%s is not allowed in class files", bytecodes.Name(op))
	}
	if err := c.checkOperands(bci, op); err != nil {
		return err
	}
	if next == len(c.code) && !endsFlow(op) {
		return c.fail(bci, "falls off the end of the code")
	}
	return nil
}

func (c *checker) checkOperands(bci int, op byte) error {
	code := c.code
	switch {
	case op >= bytecodes.OpIload && op <= bytecodes.OpAload:
		return c.checkLocal(bci, int(code[bci+1]), op == bytecodes.OpLload || op == bytecodes.OpDload)
	case op >= bytecodes.OpIload0 && op <= bytecodes.OpAload3:
		kind := (op - bytecodes.OpIload0) / 4
		return c.checkLocal(bci, int(op-bytecodes.OpIload0)%4, kind == 1 || kind == 3)
	case op >= bytecodes.OpIstore && op <= bytecodes.OpAstore:
		return c.checkLocal(bci, int(code[bci+1]), op == bytecodes.OpLstore || op == bytecodes.OpDstore)
	case op >= bytecodes.OpIstore0 && op <= bytecodes.OpAstore3:
		kind := (op - bytecodes.OpIstore0) / 4
		return c.checkLocal(bci, int(op-bytecodes.OpIstore0)%4, kind == 1 || kind == 3)
	case op == bytecodes.OpIinc || op == bytecodes.OpRet:
		return c.checkLocal(bci, int(code[bci+1]), false)
	case op == bytecodes.OpWide:
		wop := code[bci+1]
		switch {
		case wop >= bytecodes.OpIload && wop <= bytecodes.OpAload,
			wop >= bytecodes.OpIstore && wop <= bytecodes.OpAstore,
			wop == bytecodes.OpIinc, wop == bytecodes.OpRet:
		default:
			return c.fail(bci, "wide cannot modify %s", bytecodes.Name(wop))
		}
		wide := wop == bytecodes.OpLload || wop == bytecodes.OpDload || wop == bytecodes.OpLstore || wop == bytecodes.OpDstore
		return c.checkLocal(bci, int(bytecodes.JavaU2(code[bci+2:])), wide)

	case op >= bytecodes.OpIfeq && op <= bytecodes.OpJsr,
		op == bytecodes.OpIfnull, op == bytecodes.OpIfnonnull:
		return c.checkBranch(bci, int(int16(bytecodes.JavaU2(code[bci+1:]))))
	case op == bytecodes.OpGotoW || op == bytecodes.OpJsrW:
		return c.checkBranch(bci, int(int32(bytecodes.JavaU4(code[bci+1:]))))
	case op == bytecodes.OpTableswitch:
		base := bytecodes.Align(bci + 1)
		lo := int32(bytecodes.JavaU4(code[base+4:]))
		hi := int32(bytecodes.JavaU4(code[base+8:]))
		if err := c.checkBranch(bci, int(int32(bytecodes.JavaU4(code[base:])))); err != nil {
			return err
		}
		for i := 0; i < int(hi-lo+1); i++ {
			if err := c.checkBranch(bci, int(int32(bytecodes.JavaU4(code[base+12+4*i:])))); err != nil {
				return err
			}
		}
	case op == bytecodes.OpLookupswitch:
		base := bytecodes.Align(bci + 1)
		npairs := int(int32(bytecodes.JavaU4(code[base+4:])))
		if err := c.checkBranch(bci, int(int32(bytecodes.JavaU4(code[base:])))); err != nil {
			return err
		}
		prev := int64(0)
		for i := 0; i < npairs; i++ {
			pair := base + 8 + 8*i
			key := int64(int32(bytecodes.JavaU4(code[pair:])))
			if i > 0 && key <= prev {
				return c.fail(bci, "lookupswitch keys not sorted")
			}
			prev = key
			if err := c.checkBranch(bci, int(int32(bytecodes.JavaU4(code[pair+4:])))); err != nil {
				return err
			}
		}

	case op == bytecodes.OpLdc:
		return c.checkLoadable(bci, uint16(code[bci+1]), false)
	case op == bytecodes.OpLdcW:
		return c.checkLoadable(bci, bytecodes.JavaU2(code[bci+1:]), false)
	case op == bytecodes.OpLdc2W:
		return c.checkLoadable(bci, bytecodes.JavaU2(code[bci+1:]), true)
	case op >= bytecodes.OpGetstatic && op <= bytecodes.OpPutfield:
		return c.checkTag(bci, bytecodes.JavaU2(code[bci+1:]), classfile.TagFieldref)
	case op == bytecodes.OpInvokevirtual:
		return c.checkTag(bci, bytecodes.JavaU2(code[bci+1:]), classfile.TagMethodref)
	case op == bytecodes.OpInvokespecial || op == bytecodes.OpInvokestatic:
		return c.checkTag(bci, bytecodes.JavaU2(code[bci+1:]), classfile.TagMethodref, classfile.TagInterfaceMethodref)
	case op == bytecodes.OpInvokeinterface:
		if code[bci+3] == 0 || code[bci+4] != 0 {
			return c.fail(bci, "malformed invokeinterface operands")
		}
		return c.checkTag(bci, bytecodes.JavaU2(code[bci+1:]), classfile.TagInterfaceMethodref)
	case op == bytecodes.OpInvokedynamic:
		if code[bci+3] != 0 || code[bci+4] != 0 {
			return c.fail(bci, "invokedynamic operand bytes 3 and 4 must be zero")
		}
		return c.checkTag(bci, bytecodes.JavaU2(code[bci+1:]), classfile.TagInvokeDynamic)
	case op == bytecodes.OpNew || op == bytecodes.OpAnewarray || op == bytecodes.OpCheckcast ||
		op == bytecodes.OpInstanceof || op == bytecodes.OpMultianewarray:
		return c.checkTag(bci, bytecodes.JavaU2(code[bci+1:]), classfile.TagClass)
	}
	return nil
}

func endsFlow(op byte) bool {
	switch op {
	case bytecodes.OpGoto, bytecodes.OpGotoW, bytecodes.OpAthrow, bytecodes.OpRet,
		bytecodes.OpTableswitch, bytecodes.OpLookupswitch:
		return true
	}
	return op >= bytecodes.OpIreturn && op <= bytecodes.OpReturn
}

func (c *checker) checkLocal(bci, index int, twoSlots bool) error {
	last := index
	if twoSlots {
		last++
	}
	if last >= int(c.m.MaxLocals()) {
		return c.fail(bci, "local %d out of range (max_locals %d)", last, c.m.MaxLocals())
	}
	return nil
}

func (c *checker) checkBranch(bci, offset int) error {
	if target := bci + offset; !c.isStart(target) {
		return c.fail(bci, "branch target %d is not an instruction", target)
	}
	return nil
}

func (c *checker) checkTag(bci int, index uint16, want ...uint8) error {
	got := c.k.Pool().Tag(int(index))
	for _, w := range want {
		if got == w {
			return nil
		}
	}
	return c.fail(bci, "constant #%d has tag %d, want one of %v", index, got, want)
}

func (c *checker) checkLoadable(bci int, index uint16, twoWord bool) error {
	if twoWord {
		return c.checkTag(bci, index, classfile.TagLong, classfile.TagDouble, classfile.TagDynamic)
	}
	return c.checkTag(bci, index, classfile.TagInteger, classfile.TagFloat, classfile.TagString,
		classfile.TagClass, classfile.TagMethodType, classfile.TagMethodHandle, classfile.TagDynamic)
}
