// Package vm interprets static initializers. It executes the linked form of
// a method, reaching fields and methods through the constant-pool cache, and
// hands class initialization back to the lifecycle controller.
package vm

import (
	"fmt"
	"strings"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/daimatz/linkvm/pkg/bytecodes"
	"github.com/daimatz/linkvm/pkg/classfile"
	"github.com/daimatz/linkvm/pkg/klass"
	"github.com/daimatz/linkvm/pkg/lifecycle"
	"github.com/daimatz/linkvm/pkg/native"
	"github.com/daimatz/linkvm/pkg/safepoint"
	"github.com/daimatz/linkvm/pkg/thread"
)

var plog = logger.GetLogger("vm")

// defaultMaxDepth is the maximum number of nested method calls.
const defaultMaxDepth = 1024

// Resolver loads a class on behalf of another class's defining loader.
type Resolver interface {
	Resolve(t *thread.Thread, from *klass.Klass, name string) (*klass.Klass, error)
}

// Initializer initializes a class before its statics are touched.
type Initializer interface {
	Initialize(t *thread.Thread, k *klass.Klass) error
}

// Options configure a VM.
type Options struct {
	Resolver    Resolver
	Initializer Initializer
	Safepoint   *safepoint.Synchronizer
	Env         *native.Env
	// MaxDepth bounds the call depth; 0 selects 1024.
	MaxDepth int
}

// VM executes bytecode of linked classes.
type VM struct {
	resolver Resolver
	init     Initializer
	sp       *safepoint.Synchronizer
	env      *native.Env
	maxDepth int
}

// New returns a VM.
func New(opts Options) *VM {
	vm := &VM{
		resolver: opts.Resolver,
		init:     opts.Initializer,
		sp:       opts.Safepoint,
		env:      opts.Env,
		maxDepth: opts.MaxDepth,
	}
	if vm.sp == nil {
		vm.sp = safepoint.New()
	}
	if vm.env == nil {
		vm.env = native.DefaultEnv()
	}
	if vm.maxDepth <= 0 {
		vm.maxDepth = defaultMaxDepth
	}
	return vm
}

// SetInitializer sets the initializer. The controller and the VM refer to
// each other, so one of them is wired after construction; call it before the
// first RunInitializer.
func (vm *VM) SetInitializer(i Initializer) { vm.init = i }

// RunInitializer runs the static initializer of k on t. A class without one
// succeeds immediately.
func (vm *VM) RunInitializer(t *thread.Thread, k *klass.Klass) error {
	m := k.ClassInitializer()
	if m == nil {
		return nil
	}
	plog.Debugf("%s: running %s", t, m)
	_, err := vm.Invoke(t, m, nil)
	return err
}

// Invoke runs m with args on t and returns its result. For instance
// methods args[0] is the receiver.
func (vm *VM) Invoke(t *thread.Thread, m *klass.Method, args []Value) (ret Value, err error) {
	vm.sp.Enter()
	defer vm.sp.Exit()
	defer func() {
		// Operand stack and local index faults panic in Frame.
		if r := recover(); r != nil {
			ret, err = Value{}, fmt.Errorf("executing %s: %v", m, r)
		}
	}()
	return vm.executeMethod(t, m, args)
}

// executeMethod executes a method with the given arguments and returns its return value.
func (vm *VM) executeMethod(t *thread.Thread, m *klass.Method, args []Value) (Value, error) {
	if m.IsAbstract() {
		return Value{}, lifecycle.NewError(lifecycle.KindIncompatibleClassChange, m.Holder().Name(), nil,
			"abstract method %s called", m)
	}
	if len(m.Code()) == 0 {
		fn, ok := native.Lookup(m.Holder().Name(), m.Name(), m.Signature())
		if !ok {
			return Value{}, fmt.Errorf("method %s has no code", m)
		}
		return vm.callNative(fn, m.Signature(), args)
	}
	if t.Depth() >= vm.maxDepth {
		return Value{}, NewJavaException("java/lang/StackOverflowError")
	}

	frame := NewFrame(m)
	slot := 0
	for _, arg := range args {
		frame.SetLocal(slot, arg)
		slot++
		if arg.isWide() {
			slot++
		}
	}
	t.PushFrame(m)
	defer t.PopFrame()

	for frame.PC < len(frame.Code) {
		pc := frame.PC
		opcode := frame.Code[pc]
		frame.PC++
		t.SetBCI(pc)

		retVal, hasReturn, err := vm.executeInstruction(t, frame, opcode)
		if err != nil {
			// Only exceptions thrown by this frame or a callee are catchable;
			// linkage failures propagate.
			jex, ok := err.(*JavaException)
			if !ok {
				return Value{}, err
			}
			handler := vm.findHandler(frame, pc, jex)
			if handler < 0 {
				return Value{}, err
			}
			frame.Clear()
			frame.Push(RefValue(jex.Object))
			frame.PC = handler
			continue
		}
		if hasReturn {
			return retVal, nil
		}
	}

	// Fell off the end of the method (implicit return for void methods)
	return Value{}, nil
}

// findHandler returns the handler covering pc that catches jex, or -1.
func (vm *VM) findHandler(frame *Frame, pc int, jex *JavaException) int {
	for _, h := range frame.Method.ExceptionHandlers() {
		if pc < int(h.StartPC) || pc >= int(h.EndPC) {
			continue
		}
		if h.CatchType == 0 {
			return int(h.HandlerPC)
		}
		name, err := frame.Class.Pool().ClassNameAt(h.CatchType)
		if err != nil {
			continue
		}
		if jex.Object.IsInstanceOf(name) {
			return int(h.HandlerPC)
		}
	}
	return -1
}

// resolveClass loads name through the defining loader of from. Loading may
// block on another thread, so it runs outside managed code.
func (vm *VM) resolveClass(t *thread.Thread, from *klass.Klass, name string) (*klass.Klass, error) {
	if vm.resolver == nil {
		return nil, fmt.Errorf("resolving %s: no resolver", name)
	}
	var k *klass.Klass
	var err error
	vm.sp.Blocking(func() { k, err = vm.resolver.Resolve(t, from, name) })
	return k, err
}

// initialize makes sure k is initialized, or being initialized by t.
func (vm *VM) initialize(t *thread.Thread, k *klass.Klass) error {
	if k.State() == klass.FullyInitialized || k.IsReentrantInitialization(t) {
		return nil
	}
	if vm.init == nil {
		return fmt.Errorf("initializing %s: no initializer", k.Name())
	}
	var err error
	vm.sp.Blocking(func() { err = vm.init.Initialize(t, k) })
	return err
}

// cacheEntry reads a native-order cache index and returns its entry.
func (vm *VM) cacheEntry(frame *Frame) (*klass.CacheEntry, error) {
	index := frame.ReadNativeU16()
	cache := frame.Class.Pool().Cache()
	if cache == nil {
		return nil, fmt.Errorf("%s is not rewritten", frame.Class.Name())
	}
	if int(index) >= len(cache.Entries) {
		return nil, fmt.Errorf("cache index %d out of range (%d entries)", index, len(cache.Entries))
	}
	return &cache.Entries[index], nil
}

func (vm *VM) symbolic(frame *Frame, e *klass.CacheEntry) (*classfile.MemberRefInfo, error) {
	return frame.Class.Pool().MemberRefAt(e.CPIndex)
}

// resolveField links a field reference and caches the result.
func (vm *VM) resolveField(t *thread.Thread, frame *Frame, e *klass.CacheEntry, static bool) (*klass.Resolution, error) {
	if r := e.Resolved(); r != nil && r.Field != nil {
		return r, nil
	}
	ref, err := vm.symbolic(frame, e)
	if err != nil {
		return nil, err
	}
	k, err := vm.resolveClass(t, frame.Class, ref.ClassName)
	if err != nil {
		return nil, err
	}
	f := k.LookupField(ref.Name, ref.Descriptor)
	if f == nil {
		return nil, lifecycle.NewError(lifecycle.KindIncompatibleClassChange, ref.ClassName, nil,
			"no such field %s.%s:%s", ref.ClassName, ref.Name, ref.Descriptor)
	}
	if f.IsStatic() != static {
		return nil, lifecycle.NewError(lifecycle.KindIncompatibleClassChange, ref.ClassName, nil,
			"expected %s field %s.%s", staticWord(static), ref.ClassName, ref.Name)
	}
	e.SetResolved(&klass.Resolution{Klass: f.Holder(), Field: f})
	return e.Resolved(), nil
}

// resolveMethod links a method reference and caches the result.
func (vm *VM) resolveMethod(t *thread.Thread, frame *Frame, e *klass.CacheEntry, ref *classfile.MemberRefInfo, static bool) (*klass.Method, error) {
	k, err := vm.resolveClass(t, frame.Class, ref.ClassName)
	if err != nil {
		return nil, err
	}
	m := lookupMethod(k, ref.Name, ref.Descriptor)
	if m == nil {
		return nil, lifecycle.NewError(lifecycle.KindIncompatibleClassChange, ref.ClassName, nil,
			"no such method %s.%s%s", ref.ClassName, ref.Name, ref.Descriptor)
	}
	if m.IsStatic() != static {
		return nil, lifecycle.NewError(lifecycle.KindIncompatibleClassChange, ref.ClassName, nil,
			"expected %s method %s", staticWord(static), m)
	}
	e.SetResolved(&klass.Resolution{Klass: k, Method: m})
	return e.Resolved().Method, nil
}

// lookupMethod searches k's superclasses and then its interfaces, where
// default methods live.
func lookupMethod(k *klass.Klass, name, desc string) *klass.Method {
	if m := k.LookupMethod(name, desc); m != nil {
		return m
	}
	for _, i := range k.TransitiveInterfaces() {
		if m := i.FindMethod(name, desc); m != nil && !m.IsAbstract() {
			return m
		}
	}
	return nil
}

func staticWord(static bool) string {
	if static {
		return "static"
	}
	return "non-static"
}

// executeGetstatic handles the getstatic instruction.
func (vm *VM) executeGetstatic(t *thread.Thread, frame *Frame) (Value, bool, error) {
	e, err := vm.cacheEntry(frame)
	if err != nil {
		return Value{}, false, fmt.Errorf("getstatic: %w", err)
	}
	if e.Resolved() == nil {
		ref, err := vm.symbolic(frame, e)
		if err != nil {
			return Value{}, false, fmt.Errorf("getstatic: %w", err)
		}
		if v, ok := native.StaticField(vm.env, ref.ClassName, ref.Name); ok {
			frame.Push(ValueOf(v))
			return Value{}, false, nil
		}
	}
	r, err := vm.resolveField(t, frame, e, true)
	if err != nil {
		return Value{}, false, err
	}
	if err := vm.initialize(t, r.Klass); err != nil {
		return Value{}, false, err
	}
	v, _ := r.Klass.Static(r.Field.Name())
	frame.Push(ValueOf(v))
	return Value{}, false, nil
}

// executePutstatic handles the putstatic instruction.
func (vm *VM) executePutstatic(t *thread.Thread, frame *Frame) (Value, bool, error) {
	e, err := vm.cacheEntry(frame)
	if err != nil {
		return Value{}, false, fmt.Errorf("putstatic: %w", err)
	}
	value := frame.Pop()
	r, err := vm.resolveField(t, frame, e, true)
	if err != nil {
		return Value{}, false, err
	}
	if err := vm.initialize(t, r.Klass); err != nil {
		return Value{}, false, err
	}
	r.Klass.SetStatic(r.Field.Name(), value.Interface())
	return Value{}, false, nil
}

// executeGetfield handles the getfield instruction.
func (vm *VM) executeGetfield(t *thread.Thread, frame *Frame) (Value, bool, error) {
	e, err := vm.cacheEntry(frame)
	if err != nil {
		return Value{}, false, fmt.Errorf("getfield: %w", err)
	}
	r, err := vm.resolveField(t, frame, e, false)
	if err != nil {
		return Value{}, false, err
	}
	obj, err := receiver(frame.Pop())
	if err != nil {
		return Value{}, false, err
	}
	val, ok := obj.Fields[r.Field.Name()]
	if !ok {
		val = ValueOf(klass.ZeroValue(r.Field.Descriptor()))
	}
	frame.Push(val)
	return Value{}, false, nil
}

// executePutfield handles the putfield instruction.
func (vm *VM) executePutfield(t *thread.Thread, frame *Frame) (Value, bool, error) {
	e, err := vm.cacheEntry(frame)
	if err != nil {
		return Value{}, false, fmt.Errorf("putfield: %w", err)
	}
	r, err := vm.resolveField(t, frame, e, false)
	if err != nil {
		return Value{}, false, err
	}
	value := frame.Pop()
	obj, err := receiver(frame.Pop())
	if err != nil {
		return Value{}, false, err
	}
	obj.Fields[r.Field.Name()] = value
	return Value{}, false, nil
}

func receiver(v Value) (*Object, error) {
	if v.IsNull() {
		return nil, NewJavaException("java/lang/NullPointerException")
	}
	obj, ok := v.Ref.(*Object)
	if !ok {
		return nil, fmt.Errorf("receiver is %T, not an object", v.Ref)
	}
	return obj, nil
}

// executeInvoke handles invokestatic, invokespecial, invokevirtual and
// invokeinterface.
func (vm *VM) executeInvoke(t *thread.Thread, frame *Frame, op byte) (Value, bool, error) {
	vm.sp.Poll()
	name := bytecodes.Name(op)
	e, err := vm.cacheEntry(frame)
	if err != nil {
		return Value{}, false, fmt.Errorf("%s: %w", name, err)
	}
	if op == bytecodes.OpInvokeinterface {
		frame.PC += 2 // count, 0
	}
	static := op == bytecodes.OpInvokestatic

	var m *klass.Method
	if r := e.Resolved(); r != nil && r.Method != nil {
		m = r.Method
	} else {
		ref, err := vm.symbolic(frame, e)
		if err != nil {
			return Value{}, false, fmt.Errorf("%s: %w", name, err)
		}
		if fn, ok := native.Lookup(ref.ClassName, ref.Name, ref.Descriptor); ok {
			params, err := parseDescriptor(ref.Descriptor)
			if err != nil {
				return Value{}, false, fmt.Errorf("%s: %w", name, err)
			}
			ret, err := vm.callNative(fn, ref.Descriptor, popArgs(frame, len(params), !static))
			return pushResult(frame, ref.Descriptor, ret, err)
		}
		if op == bytecodes.OpInvokespecial && ref.Name == classfile.InitName && isBuiltin(ref.ClassName) {
			return vm.initBuiltin(frame, ref.Descriptor)
		}
		if m, err = vm.resolveMethod(t, frame, e, ref, static); err != nil {
			return Value{}, false, err
		}
	}

	params, err := parseDescriptor(m.Signature())
	if err != nil {
		return Value{}, false, fmt.Errorf("%s: %w", name, err)
	}
	args := popArgs(frame, len(params), !static)
	if static {
		if err := vm.initialize(t, m.Holder()); err != nil {
			return Value{}, false, err
		}
	} else {
		if args[0].IsNull() {
			return Value{}, false, NewJavaException("java/lang/NullPointerException")
		}
		if op != bytecodes.OpInvokespecial {
			if obj, ok := args[0].Ref.(*Object); ok && obj.Class != nil {
				if impl := lookupMethod(obj.Class.Current(), m.Name(), m.Signature()); impl != nil {
					m = impl
				}
			}
		}
	}
	ret, err := vm.executeMethod(t, m, args)
	return pushResult(frame, m.Signature(), ret, err)
}

// pushResult pushes a call's result unless the method is void.
func pushResult(frame *Frame, desc string, v Value, err error) (Value, bool, error) {
	if err != nil {
		return Value{}, false, err
	}
	if !isVoidReturn(desc) {
		frame.Push(v)
	}
	return Value{}, false, nil
}

func (vm *VM) callNative(fn native.Func, desc string, args []Value) (Value, error) {
	in := make([]any, len(args))
	for i, a := range args {
		in[i] = a.Interface()
	}
	out, err := fn(vm.env, in)
	if err != nil {
		return Value{}, err
	}
	if isVoidReturn(desc) {
		return Value{}, nil
	}
	return ValueOf(out), nil
}

// initBuiltin runs the constructor of a built-in throwable, keeping its
// message if one is passed.
func (vm *VM) initBuiltin(frame *Frame, desc string) (Value, bool, error) {
	params, err := parseDescriptor(desc)
	if err != nil {
		return Value{}, false, fmt.Errorf("invokespecial: %w", err)
	}
	args := popArgs(frame, len(params), true)
	obj, err := receiver(args[0])
	if err != nil {
		return Value{}, false, err
	}
	if strings.HasPrefix(desc, "(Ljava/lang/String;") {
		obj.Fields["message"] = args[1]
	}
	return Value{}, false, nil
}

// executeNew handles the new instruction.
func (vm *VM) executeNew(t *thread.Thread, frame *Frame) (Value, bool, error) {
	index := frame.ReadU16()
	className, err := frame.Class.Pool().ClassNameAt(index)
	if err != nil {
		return Value{}, false, fmt.Errorf("new: %w", err)
	}
	if obj, ok := native.New(className); ok {
		frame.Push(RefValue(obj))
		return Value{}, false, nil
	}
	k, err := vm.resolveClass(t, frame.Class, className)
	if err != nil {
		if isBuiltin(className) {
			frame.Push(RefValue(NewJavaException(className).Object))
			return Value{}, false, nil
		}
		return Value{}, false, err
	}
	if k.IsInterface() || k.IsAbstract() {
		return Value{}, false, lifecycle.NewError(lifecycle.KindIncompatibleClassChange, className, nil,
			"cannot instantiate %s", className)
	}
	if err := vm.initialize(t, k); err != nil {
		return Value{}, false, err
	}
	frame.Push(RefValue(NewObject(k)))
	return Value{}, false, nil
}

// loadConstant pushes the loadable constant at a constant-pool index.
func (vm *VM) loadConstant(t *thread.Thread, frame *Frame, index uint16) (Value, error) {
	pool := frame.Class.Pool()
	entries := pool.Entries()
	if int(index) >= len(entries) || entries[index] == nil {
		return Value{}, fmt.Errorf("ldc: invalid constant pool index %d", index)
	}
	switch c := entries[index].(type) {
	case *classfile.ConstantInteger:
		return IntValue(c.Value), nil
	case *classfile.ConstantFloat:
		return FloatValue(c.Value), nil
	case *classfile.ConstantLong:
		return LongValue(c.Value), nil
	case *classfile.ConstantDouble:
		return DoubleValue(c.Value), nil
	case *classfile.ConstantString:
		s, err := pool.Utf8At(c.StringIndex)
		if err != nil {
			return Value{}, fmt.Errorf("ldc: resolving string: %w", err)
		}
		return RefValue(s), nil
	case *classfile.ConstantClass:
		name, err := pool.ClassNameAt(index)
		if err != nil {
			return Value{}, fmt.Errorf("ldc: %w", err)
		}
		k, err := vm.resolveClass(t, frame.Class, name)
		if err != nil {
			return Value{}, err
		}
		return RefValue(k), nil
	}
	return Value{}, fmt.Errorf("ldc: unsupported constant pool entry at index %d (tag=%d)", index, entries[index].Tag())
}

// loadReference pushes a resolved reference, resolving it on first use.
func (vm *VM) loadReference(t *thread.Thread, frame *Frame, ref int) (Value, error) {
	cache := frame.Class.Pool().Cache()
	if cache == nil {
		return Value{}, fmt.Errorf("%s is not rewritten", frame.Class.Name())
	}
	if ref >= len(cache.References) {
		return Value{}, fmt.Errorf("resolved reference %d out of range", ref)
	}
	slot := &cache.References[ref]
	if v, ok := slot.Load(); ok {
		return RefValue(v), nil
	}
	index, ok := cache.PoolIndexOfReference(ref)
	if !ok {
		return Value{}, fmt.Errorf("resolved reference %d is an appendix", ref)
	}
	v, err := vm.loadConstant(t, frame, index)
	if err != nil {
		return Value{}, err
	}
	slot.Store(v.Ref)
	return v, nil
}

// popArgs pops n arguments, and the receiver first if withReceiver, in
// declaration order.
func popArgs(frame *Frame, n int, withReceiver bool) []Value {
	if withReceiver {
		n++
	}
	args := make([]Value, n)
	for i := n - 1; i >= 0; i-- {
		args[i] = frame.Pop()
	}
	return args
}

// parseDescriptor returns the first character of each parameter type, with
// arrays reported as 'L'.
func parseDescriptor(descriptor string) ([]byte, error) {
	start := strings.Index(descriptor, "(")
	end := strings.Index(descriptor, ")")
	if start != 0 || end == -1 || end+1 >= len(descriptor) {
		return nil, fmt.Errorf("invalid method descriptor: %s", descriptor)
	}

	params := descriptor[start+1 : end]
	var kinds []byte
	i := 0
	for i < len(params) {
		switch params[i] {
		case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
			kinds = append(kinds, params[i])
			i++
		case 'L':
			kinds = append(kinds, 'L')
			// Skip until ';'
			for i < len(params) && params[i] != ';' {
				i++
			}
			i++
		case '[':
			for i < len(params) && params[i] == '[' {
				i++
			}
			if i < len(params) && params[i] == 'L' {
				for i < len(params) && params[i] != ';' {
					i++
				}
			}
			i++
			kinds = append(kinds, 'L')
		default:
			return nil, fmt.Errorf("invalid type descriptor char '%c' in %s", params[i], descriptor)
		}
	}
	return kinds, nil
}

// isVoidReturn checks if a method descriptor has void return type.
func isVoidReturn(descriptor string) bool {
	return strings.HasSuffix(descriptor, ")V")
}
