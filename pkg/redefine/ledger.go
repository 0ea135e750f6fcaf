// Package redefine keeps superseded class metadata alive while frames still
// execute it. Each redefinition of a class may leave a previous version: the
// old constant pool plus the equivalent (EMCP) methods that were running
// when the class was replaced. Purge drops versions no frame references.
package redefine

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/daimatz/linkvm/pkg/klass"
	"github.com/daimatz/linkvm/pkg/safepoint"
	"github.com/daimatz/linkvm/pkg/thread"
)

var plog = logger.GetLogger("redefine")

// Options configure a Ledger.
type Options struct {
	Safepoint *safepoint.Synchronizer
	Threads   *thread.Registry
	// Metrics receives the ledger's counters. A private set is used when nil.
	Metrics *metrics.Set
	// Orphans receives the superseded metadata of classes that have no
	// loader data. Created when nil.
	Orphans *klass.LoaderData
}

// Ledger records previous versions. Every mutation must run inside
// Safepoint.Run; calling one elsewhere panics.
type Ledger struct {
	sp      *safepoint.Synchronizer
	threads *thread.Registry
	orphans *klass.LoaderData

	added     *metrics.Counter
	discarded *metrics.Counter
	purged    *metrics.Counter
	freed     *metrics.Counter
}

// NewLedger returns a ledger bound to the given safepoint and thread set.
func NewLedger(opts Options) *Ledger {
	set := opts.Metrics
	if set == nil {
		set = metrics.NewSet()
	}
	orphans := opts.Orphans
	if orphans == nil {
		orphans = klass.NewLoaderData("orphans", 0)
	}
	return &Ledger{
		sp:        opts.Safepoint,
		threads:   opts.Threads,
		orphans:   orphans,
		added:     set.GetOrCreateCounter("linkvm_previous_versions_added_total"),
		discarded: set.GetOrCreateCounter("linkvm_previous_versions_discarded_total"),
		purged:    set.GetOrCreateCounter("linkvm_previous_versions_purged_total"),
		freed:     set.GetOrCreateCounter("linkvm_metadata_freed_total"),
	}
}

// Orphans returns the loader data standing in for classes without one.
func (l *Ledger) Orphans() *klass.LoaderData { return l.orphans }

func (l *Ledger) loaderOf(k *klass.Klass) *klass.LoaderData {
	if ld := k.Loader(); ld != nil {
		return ld
	}
	return l.orphans
}

func (l *Ledger) assertSafepoint(op string) {
	if !l.sp.IsAtSafepoint() {
		panic(fmt.Sprintf("redefine: %s outside a safepoint", op))
	}
}

// AddPreviousVersion records old, the descriptor current replaced. emcp has
// one entry per method of old: true when the method is equivalent modulo
// constant pool to its replacement, false when it is obsolete. It reports
// whether a record was kept; when no frame references the old constant pool
// everything is handed to the loader's deallocation list instead.
func (l *Ledger) AddPreviousVersion(current, old *klass.Klass, emcp []bool) bool {
	l.assertSafepoint("AddPreviousVersion")
	oldMethods := old.Methods()
	if len(emcp) != len(oldMethods) {
		panic(fmt.Sprintf("redefine: EMCP mask has %d entries for %d methods of %s", len(emcp), len(oldMethods), old.Name()))
	}
	if old.Pool() == nil {
		panic("redefine: previous version of " + old.Name() + " has no constant pool")
	}

	mark := l.threads.MarkActiveMetadata()
	defer mark.Release()

	// The new descriptor takes over the old one's history.
	if current.PreviousVersions() == nil {
		current.SetPreviousVersions(old.PreviousVersions())
		old.SetPreviousVersions(nil)
	}

	emcpCount := 0
	for _, e := range emcp {
		if e {
			emcpCount++
		}
	}
	obsoleteCount := len(emcp) - emcpCount
	l.purge(current, emcpCount == 0)

	for i, m := range oldMethods {
		if !emcp[i] {
			m.SetObsolete()
		}
	}
	if emcpCount > 0 && obsoleteCount > 0 {
		l.flushObsoleteGenerations(current, oldMethods, emcp)
	}

	ld := l.loaderOf(old)
	if !old.Pool().IsOnStack() {
		plog.Debugf("%s: old constant pool not on stack, discarding %d methods", old.Name(), len(oldMethods))
		ld.AddToDeallocateList(old.Pool())
		for _, m := range oldMethods {
			ld.AddToDeallocateList(m)
		}
		l.discarded.Inc()
		return false
	}

	pv := &klass.PreviousVersion{Pool: old.Pool(), Next: current.PreviousVersions()}
	if emcpCount > 0 {
		pv.EMCPMethods = []*klass.Method{}
	}
	for i, m := range oldMethods {
		switch {
		case emcp[i] && m.IsOnStack():
			m.SetRunningEMCP(true)
			pv.EMCPMethods = append(pv.EMCPMethods, m)
		case !m.IsOnStack():
			ld.AddToDeallocateList(m)
		}
		// Obsolete methods still running stay reachable from their frames.
	}
	current.SetPreviousVersions(pv)
	l.added.Inc()
	plog.Infof("%s: kept previous version v%d with %d running EMCP methods", current.Name(), old.Pool().Version(), len(pv.EMCPMethods))
	return true
}

// flushObsoleteGenerations marks the older EMCP copies of every method that
// is obsolete in this redefinition. The walk stops at a generation recorded
// with no EMCP methods: everything older was flushed then.
func (l *Ledger) flushObsoleteGenerations(k *klass.Klass, oldMethods []*klass.Method, emcp []bool) {
	for i, om := range oldMethods {
		if emcp[i] {
			continue
		}
		for pv := k.PreviousVersions(); pv != nil; pv = pv.Next {
			if pv.AllObsolete() {
				break
			}
			for _, m := range pv.EMCPMethods {
				if !m.IsObsolete() && m.Name() == om.Name() && m.Signature() == om.Signature() {
					m.SetObsolete()
					plog.Debugf("flushed obsolete %s in v%d", m, pv.Pool.Version())
					break
				}
			}
		}
	}
}

// PurgeStats summarizes one purge.
type PurgeStats struct {
	Live   int
	Purged int
	Freed  int
}

// Purge drops k's previous versions that no frame references and frees the
// loader's queued metadata that is no longer on any stack.
func (l *Ledger) Purge(k *klass.Klass) PurgeStats {
	l.assertSafepoint("Purge")
	mark := l.threads.MarkActiveMetadata()
	defer mark.Release()

	st := l.purge(k, false)
	st.Freed = l.loaderOf(k).FreeDeallocateList()
	l.freed.Add(st.Freed)
	return st
}

// purge walks k's versions under a current on-stack mark. allObsolete is set
// when the redefinition in progress made every method obsolete, in which case
// surviving EMCP methods of older versions are obsolete too.
func (l *Ledger) purge(k *klass.Klass, allObsolete bool) PurgeStats {
	var st PurgeStats
	var last *klass.PreviousVersion
	ld := l.loaderOf(k)
	for pv := k.PreviousVersions(); pv != nil; {
		next := pv.Next
		if !pv.Pool.IsOnStack() {
			if last == nil {
				k.SetPreviousVersions(next)
			} else {
				last.Next = next
			}
			pv.Next = nil
			ld.AddToDeallocateList(pv.Pool)
			for _, m := range pv.EMCPMethods {
				m.SetRunningEMCP(false)
				ld.AddToDeallocateList(m)
			}
			st.Purged++
			l.purged.Inc()
			plog.Debugf("%s: purged previous version v%d", k.Name(), pv.Pool.Version())
			pv = next
			continue
		}

		st.Live++
		if !pv.AllObsolete() {
			kept := pv.EMCPMethods[:0]
			for _, m := range pv.EMCPMethods {
				if !m.IsOnStack() {
					m.SetRunningEMCP(false)
					ld.AddToDeallocateList(m)
					continue
				}
				if allObsolete {
					m.SetObsolete()
				}
				kept = append(kept, m)
			}
			clear(pv.EMCPMethods[len(kept):])
			pv.EMCPMethods = kept
		}
		last = pv
		pv = next
	}
	return st
}

// Walk calls fn for every previous version of k, newest first, until fn
// returns false.
func (l *Ledger) Walk(k *klass.Klass, fn func(*klass.PreviousVersion) bool) {
	for pv := k.PreviousVersions(); pv != nil; pv = pv.Next {
		if !fn(pv) {
			return
		}
	}
}

// Count returns the number of previous versions of k.
func (l *Ledger) Count(k *klass.Klass) int {
	n := 0
	l.Walk(k, func(*klass.PreviousVersion) bool { n++; return true })
	return n
}
