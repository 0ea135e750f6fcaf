// Package lifecycle drives class descriptors through loading, linking and
// initialization. Linking verifies a class, rewrites its bytecode into the
// constant-pool cache form and builds its dispatch tables; initialization
// runs the static initializer exactly once, with concurrent requests
// waiting on the class's init monitor.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/daimatz/linkvm/pkg/classfile"
	"github.com/daimatz/linkvm/pkg/deps"
	"github.com/daimatz/linkvm/pkg/klass"
	"github.com/daimatz/linkvm/pkg/metaspace"
	"github.com/daimatz/linkvm/pkg/redefine"
	"github.com/daimatz/linkvm/pkg/rewriter"
	"github.com/daimatz/linkvm/pkg/safepoint"
	"github.com/daimatz/linkvm/pkg/thread"
	"github.com/daimatz/linkvm/pkg/vtable"
)

var (
	loadLog = logger.GetLogger("class/load")
	linkLog = logger.GetLogger("class/link")
	initLog = logger.GetLogger("class/init")
)

// Verifier checks a class before it is rewritten.
type Verifier interface {
	Verify(k *klass.Klass) error
}

// VerificationPolicy is implemented by verifiers that only check some
// classes.
type VerificationPolicy interface {
	ShouldVerify(k *klass.Klass) bool
}

// TableBuilder builds vtables and itables.
type TableBuilder interface {
	BuildTables(k *klass.Klass) error
}

// TableReleaser is implemented by table builders whose tables own arena
// memory.
type TableReleaser interface {
	Release(k *klass.Klass)
}

// ClassInitializer runs a class's static initializer on thread t. A nil
// error means it completed normally.
type ClassInitializer interface {
	RunInitializer(t *thread.Thread, k *klass.Klass) error
}

// Rewriter converts a class's bytecode to and from its cache form.
type Rewriter interface {
	Rewrite(k *klass.Klass, alloc metaspace.Allocator) error
	Restore(k *klass.Klass) error
}

// Options configure a Controller. Nil collaborators get defaults: no
// verification, the vtable builder, the bytecode rewriter, an initializer
// that does nothing, and private safepoint, thread and metrics instances.
type Options struct {
	Verifier    Verifier
	Tables      TableBuilder
	Initializer ClassInitializer
	Rewriter    Rewriter
	Ledger      *redefine.Ledger
	Safepoint   *safepoint.Synchronizer
	Threads     *thread.Registry
	Metrics     *metrics.Set
	// Replace swaps the system dictionary entry for a redefined class. It
	// runs inside the redefinition safepoint.
	Replace func(old, n *klass.Klass)
}

// Controller implements the class lifecycle.
type Controller struct {
	verifier    Verifier
	tables      TableBuilder
	initializer ClassInitializer
	rewriter    Rewriter
	ledger      *redefine.Ledger
	sp          *safepoint.Synchronizer
	threads     *thread.Registry
	replace     func(old, n *klass.Klass)
	// defined holds every class passed to Define, with redefined classes
	// replaced by their newest version.
	defined *xsync.MapOf[*klass.Klass, struct{}]

	perf      *Perf
	listeners listeners
}

// New returns a controller.
func New(opts Options) *Controller {
	c := &Controller{
		verifier:    opts.Verifier,
		tables:      opts.Tables,
		initializer: opts.Initializer,
		rewriter:    opts.Rewriter,
		ledger:      opts.Ledger,
		sp:          opts.Safepoint,
		threads:     opts.Threads,
		replace:     opts.Replace,
		defined:     xsync.NewMapOf[*klass.Klass, struct{}](),
	}
	if c.tables == nil {
		c.tables = vtable.New()
	}
	if c.rewriter == nil {
		c.rewriter = rewriter.New(rewriter.Options{})
	}
	if c.sp == nil {
		c.sp = safepoint.New()
	}
	if c.threads == nil {
		c.threads = thread.NewRegistry()
	}
	set := opts.Metrics
	if set == nil {
		set = metrics.NewSet()
	}
	if c.ledger == nil {
		c.ledger = redefine.NewLedger(redefine.Options{Safepoint: c.sp, Threads: c.threads, Metrics: set})
	}
	c.perf = newPerf(set)
	return c
}

// Perf returns the controller's counters.
func (c *Controller) Perf() *Perf { return c.perf }

// Ledger returns the redefinition ledger.
func (c *Controller) Ledger() *redefine.Ledger { return c.ledger }

// Safepoint returns the synchronizer used for global pauses.
func (c *Controller) Safepoint() *safepoint.Synchronizer { return c.sp }

// Threads returns the thread registry.
func (c *Controller) Threads() *thread.Registry { return c.threads }

// AddListener registers l for lifecycle events.
func (c *Controller) AddListener(l Listener) { c.listeners.add(l) }

// Define moves k from Allocated to Loaded and adds it to the class
// hierarchy.
func (c *Controller) Define(k *klass.Klass) error {
	if st := k.State(); st != klass.Allocated {
		return fmt.Errorf("define %s: class is %s", k.Name(), st)
	}
	if s := k.Super(); s != nil && s.IsFinal() {
		return NewError(KindVerification, k.Name(), nil, "Cannot inherit from final class %s", s.Name())
	}
	for _, i := range k.LocalInterfaces() {
		if !i.IsInterface() {
			return NewError(KindIncompatibleClassChange, k.Name(), nil,
				"class %s can not implement %s, because it is not an interface", k.Name(), i.Name())
		}
	}
	k.SetState(klass.Loaded)
	if ld := k.Loader(); ld != nil {
		ld.AddClass(k)
	}
	c.defined.Store(k, struct{}{})
	if !k.IsInterface() {
		for _, i := range k.LocalInterfaces() {
			c.AddImplementor(i, k)
		}
	}
	c.MarkDependentsForDeopt(klass.NewSubtypeChange(k))
	c.perf.ClassesDefined.Inc()
	loadLog.Debugf("loaded %s", k.Name())
	c.listeners.each(func(l Listener) { l.ClassLoaded(k) })
	return nil
}

// AddImplementor records k as an implementor of iface and of every
// interface iface extends.
func (c *Controller) AddImplementor(iface, k *klass.Klass) {
	iface.AddImplementor(k)
}

// Implementor returns iface's implementor slot: nil, the sole implementor,
// or iface itself when there are several.
func (c *Controller) Implementor(iface *klass.Klass) *klass.Klass {
	return iface.Implementor()
}

// AddDependency registers unit as depending on an assumption about k.
func (c *Controller) AddDependency(k *klass.Klass, unit deps.CodeUnit) {
	k.Dependencies().Add(unit)
}

// RemoveDependency drops one registration of unit from k. It reports whether
// unit was registered.
func (c *Controller) RemoveDependency(k *klass.Klass, unit deps.CodeUnit) bool {
	return k.Dependencies().Remove(unit)
}

// MarkDependentsForDeopt marks every code unit invalidated by change and
// returns how many were marked.
func (c *Controller) MarkDependentsForDeopt(change deps.Change) int {
	n := deps.MarkForDeoptimization(change)
	c.perf.Deoptimized.Add(n)
	return n
}

// Link links k and its supertypes. It is a no-op when k is already linked.
func (c *Controller) Link(t *thread.Thread, k *klass.Klass) error {
	if k.State() == klass.InitializationError {
		return NewError(KindLinkage, k.Name(), k.InitError(), "class %s is in error state", k.Name())
	}
	if k.State().IsLinked() {
		return nil
	}
	if err := k.LinkError(); err != nil {
		return err
	}
	if k.State() < klass.Loaded {
		return NewError(KindLinkage, k.Name(), nil, "class %s is not loaded", k.Name())
	}
	start := time.Now()
	defer since(c.perf.LinkTime, start)

	if s := k.Super(); s != nil {
		if s.IsInterface() {
			return NewError(KindIncompatibleClassChange, k.Name(), nil,
				"class %s has interface %s as super class", k.Name(), s.Name())
		}
		if err := c.linkSupertype(t, s); err != nil {
			return err
		}
	}
	for _, i := range k.LocalInterfaces() {
		if err := c.linkSupertype(t, i); err != nil {
			return err
		}
	}
	// Linking a supertype may have linked k.
	if k.State().IsLinked() {
		return nil
	}

	mon := k.InitMonitor()
	if mon == nil {
		return nil
	}
	mon.Enter(t)
	defer mon.Exit(t)
	if k.State().IsLinked() {
		return nil
	}
	if err := k.LinkError(); err != nil {
		return err
	}

	if !k.IsRewritten() {
		if err := c.verify(k); err != nil {
			return err
		}
		// Verification can load and link other classes, k among them.
		if k.State().IsLinked() {
			return nil
		}
		if !k.IsRewritten() {
			if err := c.rewriter.Rewrite(k, c.arenaFor(k)); err != nil {
				lerr := classifyRewriteError(k.Name(), err)
				k.SetLinkError(lerr)
				c.perf.LinkErrors.Inc()
				linkLog.Warningf("%v", lerr)
				return lerr
			}
			k.SetRewritten(true)
			c.perf.ClassesRewritten.Inc()
		}
	}

	for _, m := range k.Methods() {
		m.Link()
	}
	if err := c.tables.BuildTables(k); err != nil {
		c.rollback(k)
		lerr := NewError(KindLinkage, k.Name(), err, "building dispatch tables for %s", k.Name())
		k.SetLinkError(lerr)
		c.perf.LinkErrors.Inc()
		linkLog.Warningf("%v", lerr)
		return lerr
	}

	k.SetState(klass.Linked)
	c.MarkDependentsForDeopt(&klass.LinkChange{Klass: k})
	c.perf.ClassesLinked.Inc()
	linkLog.Debugf("linked %s", k.Name())
	c.listeners.each(func(l Listener) { l.ClassPrepared(k) })
	return nil
}

// linkSupertype links s unless it is already past linking. A supertype whose
// initialization failed stays usable for linking its subtypes.
func (c *Controller) linkSupertype(t *thread.Thread, s *klass.Klass) error {
	if s.State().IsLinked() {
		return nil
	}
	return c.Link(t, s)
}

// arenaFor returns the arena of k's loader. Classes without loader data
// share the ledger's orphan loader data.
func (c *Controller) arenaFor(k *klass.Klass) metaspace.Allocator {
	if ld := k.Loader(); ld != nil {
		return ld.Arena()
	}
	return c.ledger.Orphans().Arena()
}

func (c *Controller) verify(k *klass.Klass) error {
	if c.verifier == nil {
		return nil
	}
	if p, ok := c.verifier.(VerificationPolicy); ok && !p.ShouldVerify(k) {
		return nil
	}
	if k.IsShared() && k.IsVerified() {
		return nil
	}
	if err := c.verifier.Verify(k); err != nil {
		// Not recorded: a later attempt verifies again.
		c.perf.VerifyErrors.Inc()
		linkLog.Warningf("verification of %s failed: %v", k.Name(), err)
		return NewError(KindVerification, k.Name(), err, "%s", k.Name())
	}
	k.SetVerified()
	c.perf.ClassesVerified.Inc()
	return nil
}

// rollback undoes a rewrite after a later link step failed.
func (c *Controller) rollback(k *klass.Klass) {
	for _, m := range k.Methods() {
		m.Unlink()
	}
	if !k.IsRewritten() {
		return
	}
	if err := c.rewriter.Restore(k); err != nil {
		linkLog.Errorf("restoring %s: %v", k.Name(), err)
		return
	}
	k.SetRewritten(false)
}

// Unlink returns a linked, uninitialized class to Loaded, as a snapshot
// dump does before writing classes out.
func (c *Controller) Unlink(t *thread.Thread, k *klass.Klass) error {
	mon := k.InitMonitor()
	if mon == nil {
		return fmt.Errorf("unlink %s: class is initialized", k.Name())
	}
	mon.Enter(t)
	defer mon.Exit(t)
	if st := k.State(); st != klass.Linked {
		return fmt.Errorf("unlink %s: class is %s", k.Name(), st)
	}
	if r, ok := c.tables.(TableReleaser); ok {
		r.Release(k)
	}
	k.SetTables(nil)
	c.rollback(k)
	if k.IsRewritten() {
		return fmt.Errorf("unlink %s: bytecode could not be restored", k.Name())
	}
	k.ResetToLoaded()
	c.perf.ClassesUnlinked.Inc()
	linkLog.Debugf("unlinked %s", k.Name())
	return nil
}

// Initialize links and initializes k, running its static initializer at
// most once. Threads that find another thread initializing k wait for it.
func (c *Controller) Initialize(t *thread.Thread, k *klass.Klass) error {
	switch k.State() {
	case klass.FullyInitialized:
		return nil
	case klass.InitializationError:
		return c.noClassDef(k)
	}
	if err := c.Link(t, k); err != nil {
		return err
	}

	mon := k.InitMonitor()
	if mon == nil {
		return nil
	}
	mon.Enter(t)
	for k.State() == klass.BeingInitialized && !k.IsReentrantInitialization(t) {
		c.perf.InitWaits.Inc()
		mon.WaitUninterruptibly(t)
	}
	switch {
	case k.State() == klass.BeingInitialized:
		// Recursive request from the initializing thread.
		mon.Exit(t)
		return nil
	case k.State() == klass.FullyInitialized:
		mon.Exit(t)
		return nil
	case k.State() == klass.InitializationError:
		mon.Exit(t)
		return c.noClassDef(k)
	}
	k.SetState(klass.BeingInitialized)
	k.SetInitThread(t)
	mon.Exit(t)

	start := time.Now()
	if !k.IsInterface() {
		if s := k.Super(); s != nil {
			if err := c.Initialize(t, s); err != nil {
				c.initFailed(t, k, mon, err)
				return err
			}
		}
		if err := c.initializeSuperInterfaces(t, k); err != nil {
			c.initFailed(t, k, mon, err)
			return err
		}
	}

	if c.initializer != nil {
		if err := c.initializer.RunInitializer(t, k); err != nil {
			if !IsErrorCategory(err) {
				err = NewError(KindExceptionInInitializer, k.Name(), err, "in static initializer of %s", k.Name())
			}
			c.initFailed(t, k, mon, err)
			return err
		}
	}

	mon.Enter(t)
	k.SetState(klass.FullyInitialized)
	k.SetInitThread(nil)
	mon.NotifyAll(t)
	mon.Exit(t)
	k.ReleaseInitMonitor()
	since(c.perf.InitTime, start)
	c.perf.ClassesInitialized.Inc()
	initLog.Debugf("initialized %s", k.Name())
	c.listeners.each(func(l Listener) { l.ClassInitialized(k) })
	return nil
}

// initializeSuperInterfaces initializes the superinterfaces of k that
// declare default methods, deepest first.
func (c *Controller) initializeSuperInterfaces(t *thread.Thread, k *klass.Klass) error {
	for _, i := range k.LocalInterfaces() {
		if !hasDefaultMethods(i) {
			continue
		}
		if err := c.initializeSuperInterfaces(t, i); err != nil {
			return err
		}
		if i.DeclaresNonStaticConcreteMethods() {
			if err := c.Initialize(t, i); err != nil {
				return err
			}
		}
	}
	return nil
}

func hasDefaultMethods(iface *klass.Klass) bool {
	if iface.DeclaresNonStaticConcreteMethods() {
		return true
	}
	for _, i := range iface.LocalInterfaces() {
		if hasDefaultMethods(i) {
			return true
		}
	}
	return false
}

func (c *Controller) initFailed(t *thread.Thread, k *klass.Klass, mon *thread.Monitor, err error) {
	mon.Enter(t)
	k.SetInitError(err)
	k.SetState(klass.InitializationError)
	k.SetInitThread(nil)
	mon.NotifyAll(t)
	mon.Exit(t)
	c.perf.InitErrors.Inc()
	initLog.Warningf("initialization of %s failed: %v", k.Name(), err)
}

func (c *Controller) noClassDef(k *klass.Klass) error {
	return NewError(KindNoClassDefFound, k.Name(), k.InitError(), "Could not initialize class %s", k.Name())
}

// Redefine replaces old with a descriptor built from cf. The new version
// takes over old's state without running its initializer again. Methods of
// old that differ from their replacement become obsolete; frames running
// them keep the old metadata alive through the ledger.
func (c *Controller) Redefine(t *thread.Thread, old *klass.Klass, cf *classfile.ClassFile) (*klass.Klass, error) {
	name, err := cf.ClassName()
	if err != nil {
		return nil, fmt.Errorf("redefine %s: %w", old.Name(), err)
	}
	if name != old.Name() {
		return nil, fmt.Errorf("redefine %s: class file defines %s", old.Name(), name)
	}
	switch st := old.State(); st {
	case klass.Allocated, klass.BeingInitialized, klass.InitializationError:
		return nil, fmt.Errorf("redefine %s: class is %s", old.Name(), st)
	}
	if old.RedefinedBy() != nil {
		return nil, fmt.Errorf("redefine %s: already redefined", old.Name())
	}
	n, err := klass.New(cf, old.Loader(), old.Super(), old.LocalInterfaces())
	if err != nil {
		return nil, fmt.Errorf("redefine %s: %w", old.Name(), err)
	}
	n.SetRedefinitions(old.Redefinitions() + 1)
	n.SetState(klass.Loaded)
	if old.State().IsLinked() {
		if err := c.Link(t, n); err != nil {
			return nil, err
		}
	}
	emcp := redefine.ComputeEMCP(old, cf)

	c.sp.Run(func() {
		for name, v := range old.Statics() {
			n.SetStatic(name, v)
		}
		if old.State() == klass.FullyInitialized {
			n.SetState(klass.FullyInitialized)
			n.ReleaseInitMonitor()
		}
		for _, m := range old.Methods() {
			m.SetOld()
		}
		for _, i := range old.TransitiveInterfaces() {
			i.ReplaceImplementor(old, n)
		}
		if ld := old.Loader(); ld != nil {
			ld.AddClass(n)
		}
		old.SetRedefinedBy(n)
		c.defined.Delete(old)
		c.defined.Store(n, struct{}{})
		adjusted := 0
		c.defined.Range(func(k *klass.Klass, _ struct{}) bool {
			if k != n {
				adjusted += k.AdjustForRedefinition(old, n)
			}
			return true
		})
		loadLog.Debugf("redefine %s: adjusted %d references in other classes", n.Name(), adjusted)
		if c.replace != nil {
			c.replace(old, n)
		}
		c.ledger.AddPreviousVersion(n, old, emcp)
		c.MarkDependentsForDeopt(&klass.RedefinitionChange{Old: old, New: n})
	})
	c.perf.Redefinitions.Inc()
	loadLog.Infof("redefined %s (version %d)", n.Name(), n.Redefinitions())
	return n, nil
}

// PurgePreviousVersions drops the previous versions of k that no frame
// references any more.
func (c *Controller) PurgePreviousVersions(k *klass.Klass) redefine.PurgeStats {
	var st redefine.PurgeStats
	c.sp.Run(func() { st = c.ledger.Purge(k) })
	return st
}
