package klass

import (
	"fmt"
	"sync/atomic"

	"github.com/daimatz/linkvm/pkg/classfile"
	"github.com/daimatz/linkvm/pkg/metaspace"
)

// Method is the runtime form of a method. Its bytecode is rewritten in place
// during linking.
type Method struct {
	holder    *Klass
	pool      *ConstantPool
	name      string
	signature string
	flags     uint16
	idnum     int

	code      []byte
	maxStack  uint16
	maxLocals uint16
	handlers  []classfile.ExceptionHandler

	hasMonitorBytecodes bool
	hasJsrs             bool

	linked      atomic.Bool
	obsolete    atomic.Bool
	old         atomic.Bool
	onStack     atomic.Bool
	runningEMCP atomic.Bool
}

func newMethod(holder *Klass, idnum int, mi *classfile.MethodInfo) *Method {
	m := &Method{
		holder:    holder,
		pool:      holder.pool,
		name:      mi.Name,
		signature: mi.Descriptor,
		flags:     mi.AccessFlags,
		idnum:     idnum,
	}
	if mi.Code != nil {
		m.code = append([]byte(nil), mi.Code.Code...)
		m.maxStack = mi.Code.MaxStack
		m.maxLocals = mi.Code.MaxLocals
		m.handlers = append([]classfile.ExceptionHandler(nil), mi.Code.ExceptionHandlers...)
	}
	return m
}

func (m *Method) Holder() *Klass { return m.holder }

// Pool returns the constant pool the method's bytecode indexes into.
func (m *Method) Pool() *ConstantPool { return m.pool }

func (m *Method) Name() string { return m.name }

func (m *Method) Signature() string { return m.signature }

func (m *Method) Flags() uint16 { return m.flags }

// IDNum is the method's position in the class file.
func (m *Method) IDNum() int { return m.idnum }

// Code returns the method's bytecode. The slice is shared with the rewriter.
func (m *Method) Code() []byte { return m.code }

func (m *Method) MaxStack() uint16 { return m.maxStack }

func (m *Method) MaxLocals() uint16 { return m.maxLocals }

func (m *Method) ExceptionHandlers() []classfile.ExceptionHandler { return m.handlers }

func (m *Method) IsStatic() bool { return m.flags&classfile.AccStatic != 0 }

func (m *Method) IsAbstract() bool { return m.flags&classfile.AccAbstract != 0 }

func (m *Method) IsNative() bool { return m.flags&classfile.AccNative != 0 }

func (m *Method) IsFinal() bool { return m.flags&classfile.AccFinal != 0 }

func (m *Method) IsPrivate() bool { return m.flags&classfile.AccPrivate != 0 }

// IsObjectInitializer reports whether m is a constructor.
func (m *Method) IsObjectInitializer() bool { return m.name == classfile.InitName }

// IsStaticInitializer reports whether m is the class initializer.
func (m *Method) IsStaticInitializer() bool {
	return m.name == classfile.ClinitName && m.signature == "()V"
}

// IsDefaultCandidate reports whether m would be a default method if declared
// in an interface: concrete and not static.
func (m *Method) IsDefaultCandidate() bool {
	return !m.IsStatic() && !m.IsAbstract() && m.name != classfile.ClinitName
}

func (m *Method) HasMonitorBytecodes() bool { return m.hasMonitorBytecodes }

func (m *Method) SetHasMonitorBytecodes() { m.hasMonitorBytecodes = true }

func (m *Method) HasJsrs() bool { return m.hasJsrs }

func (m *Method) SetHasJsrs() { m.hasJsrs = true }

// IsLinked reports whether entry points were installed.
func (m *Method) IsLinked() bool { return m.linked.Load() }

// Link installs the method's entry points.
func (m *Method) Link() { m.linked.Store(true) }

// Unlink removes the entry points.
func (m *Method) Unlink() { m.linked.Store(false) }

// IsObsolete reports whether a redefinition replaced m with a method that is
// not equivalent to it. The mark never reverts.
func (m *Method) IsObsolete() bool { return m.obsolete.Load() }

// SetObsolete marks m obsolete.
func (m *Method) SetObsolete() { m.obsolete.Store(true) }

// IsOld reports whether m belongs to a superseded class version.
func (m *Method) IsOld() bool { return m.old.Load() }

// SetOld marks m as belonging to a superseded class version.
func (m *Method) SetOld() { m.old.Store(true) }

// IsRunningEMCP reports whether m is an old equivalent method that was
// executing when its class was redefined and may still be.
func (m *Method) IsRunningEMCP() bool { return m.runningEMCP.Load() }

// SetRunningEMCP sets or clears the running-EMCP mark.
func (m *Method) SetRunningEMCP(v bool) { m.runningEMCP.Store(v) }

// IsOnStack reports whether a frame currently executes m.
func (m *Method) IsOnStack() bool { return m.onStack.Load() }

// SetOnStack marks m and its constant pool as referenced by a frame.
func (m *Method) SetOnStack(v bool) {
	m.onStack.Store(v)
	if m.pool != nil {
		m.pool.SetOnStack(v)
	}
}

// Free drops the method's bytecode.
func (m *Method) Free(*metaspace.Arena) {
	m.code = nil
	m.handlers = nil
}

func (m *Method) String() string {
	if m.holder == nil {
		return m.name + m.signature
	}
	return fmt.Sprintf("%s.%s%s", m.holder.Name(), m.name, m.signature)
}

// Field is a field declared by a class.
type Field struct {
	holder     *Klass
	name       string
	descriptor string
	flags      uint16
	// finalUpdated is set when bytecode outside an initializer stores to
	// the final field.
	finalUpdated atomic.Bool
}

func (f *Field) Holder() *Klass { return f.holder }

func (f *Field) Name() string { return f.name }

func (f *Field) Descriptor() string { return f.descriptor }

func (f *Field) Flags() uint16 { return f.flags }

func (f *Field) IsStatic() bool { return f.flags&classfile.AccStatic != 0 }

func (f *Field) IsFinal() bool { return f.flags&classfile.AccFinal != 0 }

// HasFinalUpdate reports whether code outside an initializer writes the field.
func (f *Field) HasFinalUpdate() bool { return f.finalUpdated.Load() }

// SetFinalUpdate records a write to the final field outside an initializer.
func (f *Field) SetFinalUpdate() { f.finalUpdated.Store(true) }

// ZeroValue is the default value of a field of the given descriptor.
func ZeroValue(descriptor string) any {
	if descriptor == "" {
		return nil
	}
	switch descriptor[0] {
	case 'J':
		return int64(0)
	case 'F':
		return float32(0)
	case 'D':
		return float64(0)
	case 'L', '[':
		return nil
	default:
		return int32(0)
	}
}
