// Package rewriter turns a class's bytecode into its linked form: operands
// that index the constant pool are replaced by indices into the constant-pool
// cache, and a few instructions are replaced by faster internal variants.
// Restore undoes every change.
package rewriter

import (
	"errors"
	"fmt"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/daimatz/linkvm/pkg/bytecodes"
	"github.com/daimatz/linkvm/pkg/classfile"
	"github.com/daimatz/linkvm/pkg/klass"
	"github.com/daimatz/linkvm/pkg/metaspace"
)

var plog = logger.GetLogger("rewriter")

// BinarySwitchThreshold is the number of lookupswitch pairs from which a
// binary search beats a linear scan.
const BinarySwitchThreshold = 5

var (
	// ErrIndexOverflow means the class needs more cache entries than a u2
	// operand can address.
	ErrIndexOverflow = errors.New("constant pool cache index overflow")
	// ErrLocalZeroOverwritten means Object.<init> stores to local 0, which
	// finalizer registration relies on.
	ErrLocalZeroOverwritten = errors.New("can't overwrite local 0 in Object.<init>")
	// ErrBadOperand means an instruction references an unexpected pool entry.
	ErrBadOperand = errors.New("bad constant pool operand")
)

// Options tune the rewriter.
type Options struct {
	// StressRewriter rewrites, restores and rewrites again, exercising
	// Restore on every class.
	StressRewriter bool
	// RegisterFinalizers rewrites the returns of java/lang/Object.<init> to
	// return_register_finalizer.
	RegisterFinalizers bool
}

// Rewriter rewrites classes. It holds no per-class state and is safe for
// concurrent use on different classes.
type Rewriter struct {
	opts Options
}

// New returns a Rewriter.
func New(opts Options) *Rewriter {
	return &Rewriter{opts: opts}
}

// pass is the state of one rewrite or restore of one class.
type pass struct {
	k    *klass.Klass
	pool *klass.ConstantPool
	maps *IndexMaps

	indyToCP     []uint16
	indyAppendix []int
	// handleAppendix maps the cache index of an invokehandle site to its
	// appendix reference.
	handleAppendix map[int]int
	appendices     int

	jsrs int
}

func newPass(k *klass.Klass, maps *IndexMaps) *pass {
	return &pass{k: k, pool: k.Pool(), maps: maps, handleAppendix: make(map[int]int)}
}

// Rewrite rewrites every method of k and publishes the new cache, allocated
// from alloc. On error every method is returned to its original bytecode and
// no cache is published.
func (r *Rewriter) Rewrite(k *klass.Klass, alloc metaspace.Allocator) error {
	if k.Pool().Cache() != nil {
		return fmt.Errorf("class %s is already rewritten", k.Name())
	}
	originals := snapshot(k)

	p, err := r.rewriteBytecodes(k)
	if err == nil && r.opts.StressRewriter {
		if err = p.restoreBytecodes(); err == nil {
			p, err = r.rewriteBytecodes(k)
		}
	}
	var cache *klass.CPCache
	if err == nil {
		cache, err = p.buildCache(alloc)
	}
	if err != nil {
		rollback(k, originals)
		return fmt.Errorf("rewriting %s: %w", k.Name(), err)
	}

	k.Pool().PublishCache(cache)
	plog.Debugf("rewrote %s: %d cache entries (%d first-iteration), %d indy sites, %d references",
		k.Name(), len(cache.Entries), cache.FirstIterationLimit, len(cache.IndyEntries), len(cache.References))
	return nil
}

// Restore returns every method of k to its class-file bytecode and drops the
// cache.
func (r *Rewriter) Restore(k *klass.Klass) error {
	cache := k.Pool().Cache()
	if cache == nil {
		return fmt.Errorf("class %s is not rewritten", k.Name())
	}
	p := newPass(k, mapsFromCache(cache))
	for i := range cache.IndyEntries {
		p.indyToCP = append(p.indyToCP, cache.IndyEntries[i].CPIndex)
	}
	if err := p.restoreBytecodes(); err != nil {
		return fmt.Errorf("restoring %s: %w", k.Name(), err)
	}
	k.Pool().ClearCache()
	if ld := k.Loader(); ld != nil && cache.Handle.IsValid() {
		if err := ld.Arena().Deallocate(cache.Handle); err != nil {
			plog.Warningf("releasing cache of %s: %v", k.Name(), err)
		}
	}
	return nil
}

func (r *Rewriter) rewriteBytecodes(k *klass.Klass) (*pass, error) {
	maps, err := ComputeIndexMaps(k.Pool())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexOverflow, err)
	}
	p := newPass(k, maps)

	if r.opts.RegisterFinalizers && k.Name() == classfile.ObjectClass {
		if m := k.FindMethod(classfile.InitName, "()V"); m != nil {
			if err := rewriteObjectInit(m); err != nil {
				return nil, err
			}
		}
	}

	methods := k.Methods()
	for i := len(methods) - 1; i >= 0; i-- {
		if err := p.scanMethod(methods[i], false); err != nil {
			return nil, fmt.Errorf("method %s: %w", methods[i], err)
		}
	}
	return p, nil
}

func (p *pass) restoreBytecodes() error {
	methods := p.k.Methods()
	for i := len(methods) - 1; i >= 0; i-- {
		if err := p.scanMethod(methods[i], true); err != nil {
			return fmt.Errorf("method %s: %w", methods[i], err)
		}
	}
	return nil
}

func (p *pass) scanMethod(m *klass.Method, reverse bool) error {
	code := m.Code()
	if len(code) == 0 {
		return nil
	}
	hasMonitors := false
	jsrs := 0

	s := bytecodes.NewStream(code)
	for s.Next() {
		bci := s.BCI()
		op := s.Opcode()
		if op == bytecodes.OpWide {
			// Wide forms never carry pool operands.
			continue
		}
		var err error
		switch op {
		case bytecodes.OpLookupswitch:
			if !reverse {
				base := bytecodes.Align(bci + 1)
				npairs := int32(bytecodes.JavaU4(code[base+4:]))
				if npairs < BinarySwitchThreshold {
					code[bci] = bytecodes.OpFastLinearswitch
				} else {
					code[bci] = bytecodes.OpFastBinaryswitch
				}
			}
		case bytecodes.OpFastLinearswitch, bytecodes.OpFastBinaryswitch:
			if reverse {
				code[bci] = bytecodes.OpLookupswitch
			}
		case bytecodes.OpInvokespecial:
			err = p.rewriteInvokespecial(code, bci, reverse)
		case bytecodes.OpPutstatic, bytecodes.OpPutfield:
			if !reverse {
				p.markFinalFieldUpdate(m, op, bytecodes.JavaU2(code[bci+1:]))
			}
			err = p.rewriteMemberReference(code, bci, reverse)
		case bytecodes.OpGetstatic, bytecodes.OpGetfield, bytecodes.OpInvokevirtual,
			bytecodes.OpInvokestatic, bytecodes.OpInvokeinterface, bytecodes.OpInvokehandle:
			err = p.rewriteMemberReference(code, bci, reverse)
		case bytecodes.OpInvokedynamic:
			err = p.rewriteInvokedynamic(code, bci, reverse)
		case bytecodes.OpLdc, bytecodes.OpFastAldc:
			err = p.maybeRewriteLdc(code, bci, false, reverse)
		case bytecodes.OpLdcW, bytecodes.OpFastAldcW:
			err = p.maybeRewriteLdc(code, bci, true, reverse)
		case bytecodes.OpReturnRegisterFinalizer:
			if reverse {
				code[bci] = bytecodes.OpReturn
			}
		case bytecodes.OpJsr, bytecodes.OpJsrW:
			jsrs++
		case bytecodes.OpMonitorenter, bytecodes.OpMonitorexit:
			hasMonitors = true
		}
		if err != nil {
			return fmt.Errorf("bci %d (%s): %w", bci, bytecodes.Name(op), err)
		}
	}
	if err := s.Err(); err != nil {
		return err
	}

	if !reverse {
		if hasMonitors {
			m.SetHasMonitorBytecodes()
		}
		if jsrs > 0 {
			m.SetHasJsrs()
			p.jsrs += jsrs
		}
	}
	return nil
}

func (p *pass) rewriteMemberReference(code []byte, bci int, reverse bool) error {
	operand := code[bci+1:]
	if !reverse {
		cpIndex := bytecodes.JavaU2(operand)
		cacheIndex, ok := p.maps.CacheIndex(int(cpIndex))
		if !ok {
			return fmt.Errorf("%w: #%d is not a member reference", ErrBadOperand, cpIndex)
		}
		bytecodes.PutNativeU2(operand, uint16(cacheIndex))
		if p.maps.TracksInvokeHandles() {
			return p.maybeRewriteInvokehandle(code, bci, cpIndex, cacheIndex)
		}
		return nil
	}

	cacheIndex := int(bytecodes.NativeU2(operand))
	if cacheIndex >= len(p.maps.cacheToCP) {
		return fmt.Errorf("%w: cache index %d out of range", ErrBadOperand, cacheIndex)
	}
	bytecodes.PutJavaU2(operand, p.maps.cacheToCP[cacheIndex])
	if code[bci] == bytecodes.OpInvokehandle {
		code[bci] = bytecodes.OpInvokevirtual
	}
	return nil
}

func (p *pass) rewriteInvokespecial(code []byte, bci int, reverse bool) error {
	if reverse {
		return p.rewriteMemberReference(code, bci, true)
	}
	operand := code[bci+1:]
	cpIndex := bytecodes.JavaU2(operand)
	if p.pool.Tag(int(cpIndex)) != classfile.TagInterfaceMethodref {
		return p.rewriteMemberReference(code, bci, false)
	}
	cacheIndex := p.maps.addInvokespecialEntry(cpIndex)
	if cacheIndex > maxIndex {
		return fmt.Errorf("%w: invokespecial of interface method needs entry %d", ErrIndexOverflow, cacheIndex)
	}
	bytecodes.PutNativeU2(operand, uint16(cacheIndex))
	return nil
}

func (p *pass) maybeRewriteInvokehandle(code []byte, bci int, cpIndex uint16, cacheIndex int) error {
	// Restore maps invokehandle back to invokevirtual, so no other opcode
	// may become one.
	if code[bci] != bytecodes.OpInvokevirtual {
		return nil
	}
	if int(cpIndex) >= len(p.maps.invokers) || p.pool.Tag(int(cpIndex)) != classfile.TagMethodref {
		return nil
	}
	status := p.maps.invokers[cpIndex]
	if status == 0 {
		ref, err := p.pool.MemberRefAt(cpIndex)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadOperand, err)
		}
		if IsSignaturePolymorphic(ref.ClassName, ref.Name) {
			p.handleAppendix[cacheIndex] = p.addAppendix()
			status = 1
		} else {
			status = -1
		}
		p.maps.invokers[cpIndex] = status
	}
	if status > 0 {
		code[bci] = bytecodes.OpInvokehandle
	}
	return nil
}

func (p *pass) rewriteInvokedynamic(code []byte, bci int, reverse bool) error {
	operand := code[bci+1:]
	if !reverse {
		cpIndex := bytecodes.JavaU2(operand)
		if p.pool.Tag(int(cpIndex)) != classfile.TagInvokeDynamic {
			return fmt.Errorf("%w: #%d is not InvokeDynamic", ErrBadOperand, cpIndex)
		}
		// One entry per call site: sites sharing a pool entry get
		// separate entries, which is why the operand is four bytes.
		index := len(p.indyToCP)
		p.indyToCP = append(p.indyToCP, cpIndex)
		p.indyAppendix = append(p.indyAppendix, p.addAppendix())
		bytecodes.PutNativeU4(operand, EncodeIndyIndex(index))
		return nil
	}

	index := DecodeIndyIndex(bytecodes.NativeU4(operand))
	if index < 0 || index >= len(p.indyToCP) {
		return fmt.Errorf("%w: invokedynamic index %d out of range", ErrBadOperand, index)
	}
	bytecodes.PutJavaU4(operand, 0)
	bytecodes.PutJavaU2(operand, p.indyToCP[index])
	return nil
}

func (p *pass) maybeRewriteLdc(code []byte, bci int, wide, reverse bool) error {
	operand := code[bci+1:]
	if !reverse {
		var cpIndex int
		if wide {
			cpIndex = int(bytecodes.JavaU2(operand))
		} else {
			cpIndex = int(operand[0])
		}
		ref, ok := p.maps.ReferenceIndex(cpIndex)
		if !ok {
			return nil
		}
		if wide {
			code[bci] = bytecodes.OpFastAldcW
			bytecodes.PutNativeU2(operand, uint16(ref))
		} else if ref <= 0xFF {
			code[bci] = bytecodes.OpFastAldc
			operand[0] = byte(ref)
		}
		return nil
	}

	rewritten := byte(bytecodes.OpFastAldc)
	if wide {
		rewritten = bytecodes.OpFastAldcW
	}
	if code[bci] != rewritten {
		return nil
	}
	var ref int
	if wide {
		ref = int(bytecodes.NativeU2(operand))
	} else {
		ref = int(operand[0])
	}
	if ref >= len(p.maps.refToCP) {
		return fmt.Errorf("%w: resolved reference %d out of range", ErrBadOperand, ref)
	}
	cpIndex := p.maps.refToCP[ref]
	if wide {
		code[bci] = bytecodes.OpLdcW
		bytecodes.PutJavaU2(operand, cpIndex)
	} else {
		code[bci] = bytecodes.OpLdc
		operand[0] = byte(cpIndex)
	}
	return nil
}

// markFinalFieldUpdate flags own final fields stored outside the matching
// initializer, so compilers do not constant-fold them.
func (p *pass) markFinalFieldUpdate(m *klass.Method, op byte, cpIndex uint16) {
	ref, err := p.pool.MemberRefAt(cpIndex)
	if err != nil || ref.ClassName != p.k.Name() {
		return
	}
	f := p.k.FindField(ref.Name, ref.Descriptor)
	if f == nil || !f.IsFinal() {
		return
	}
	if op == bytecodes.OpPutstatic && !m.IsStaticInitializer() || op == bytecodes.OpPutfield && !m.IsObjectInitializer() {
		f.SetFinalUpdate()
	}
}

func (p *pass) addAppendix() int {
	index := p.maps.resolvedReferenceLimit + p.appendices
	p.appendices++
	return index
}

func (p *pass) buildCache(alloc metaspace.Allocator) (*klass.CPCache, error) {
	refs := p.maps.resolvedReferenceLimit + p.appendices
	if refs-1 > maxIndex {
		return nil, fmt.Errorf("%w: %d resolved references", ErrIndexOverflow, refs)
	}
	c := &klass.CPCache{
		Entries:                make([]klass.CacheEntry, len(p.maps.cacheToCP)),
		IndyEntries:            make([]klass.IndyEntry, len(p.indyToCP)),
		References:             make([]klass.RefSlot, refs),
		RefToPool:              append([]uint16(nil), p.maps.refToCP...),
		FirstIterationLimit:    p.maps.firstIterationLimit,
		ResolvedReferenceLimit: p.maps.resolvedReferenceLimit,
	}
	for i, cp := range p.maps.cacheToCP {
		c.Entries[i].CPIndex = cp
		c.Entries[i].AppendixIndex = -1
	}
	for ci, ref := range p.handleAppendix {
		c.Entries[ci].AppendixIndex = ref
	}
	for i, cp := range p.indyToCP {
		c.IndyEntries[i].CPIndex = cp
		c.IndyEntries[i].AppendixIndex = p.indyAppendix[i]
	}

	h, err := alloc.Allocate(klass.Size(len(c.Entries), len(c.IndyEntries), len(c.References)))
	if err != nil {
		return nil, fmt.Errorf("allocating constant pool cache: %w", err)
	}
	c.Handle = h
	return c, nil
}

// rewriteObjectInit makes Object.<init> register finalizers on return.
// Registration needs the receiver, so local 0 must never be overwritten.
func rewriteObjectInit(m *klass.Method) error {
	code := m.Code()
	s := bytecodes.NewStream(code)
	for s.Next() {
		bci := s.BCI()
		switch code[bci] {
		case bytecodes.OpReturn:
			code[bci] = bytecodes.OpReturnRegisterFinalizer
		case bytecodes.OpIstore, bytecodes.OpLstore, bytecodes.OpFstore, bytecodes.OpDstore, bytecodes.OpAstore:
			if code[bci+1] == 0 {
				return ErrLocalZeroOverwritten
			}
		case bytecodes.OpWide:
			switch code[bci+1] {
			case bytecodes.OpIstore, bytecodes.OpLstore, bytecodes.OpFstore, bytecodes.OpDstore, bytecodes.OpAstore:
				if bytecodes.JavaU2(code[bci+2:]) == 0 {
					return ErrLocalZeroOverwritten
				}
			}
		case bytecodes.OpIstore0, bytecodes.OpLstore0, bytecodes.OpFstore0, bytecodes.OpDstore0, bytecodes.OpAstore0:
			return ErrLocalZeroOverwritten
		}
	}
	return s.Err()
}

// EncodeIndyIndex is the operand written for invokedynamic site index i.
func EncodeIndyIndex(i int) uint32 { return ^uint32(i) }

// DecodeIndyIndex inverts EncodeIndyIndex.
func DecodeIndyIndex(v uint32) int { return int(^v) }

func snapshot(k *klass.Klass) [][]byte {
	methods := k.Methods()
	out := make([][]byte, len(methods))
	for i, m := range methods {
		out[i] = append([]byte(nil), m.Code()...)
	}
	return out
}

func rollback(k *klass.Klass, originals [][]byte) {
	for i, m := range k.Methods() {
		copy(m.Code(), originals[i])
	}
}
