package lifecycle

import (
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// Perf holds the controller's counters, in the spirit of the VM's
// sun.cls.* perf data.
type Perf struct {
	set *metrics.Set

	ClassesDefined     *metrics.Counter
	ClassesLinked      *metrics.Counter
	ClassesVerified    *metrics.Counter
	ClassesRewritten   *metrics.Counter
	ClassesInitialized *metrics.Counter
	ClassesUnlinked    *metrics.Counter
	LinkErrors         *metrics.Counter
	VerifyErrors       *metrics.Counter
	InitErrors         *metrics.Counter
	InitWaits          *metrics.Counter
	Redefinitions      *metrics.Counter
	Deoptimized        *metrics.Counter

	LinkTime *metrics.Histogram
	InitTime *metrics.Histogram
}

func newPerf(set *metrics.Set) *Perf {
	return &Perf{
		set:                set,
		ClassesDefined:     set.GetOrCreateCounter("linkvm_classes_defined_total"),
		ClassesLinked:      set.GetOrCreateCounter("linkvm_classes_linked_total"),
		ClassesVerified:    set.GetOrCreateCounter("linkvm_classes_verified_total"),
		ClassesRewritten:   set.GetOrCreateCounter("linkvm_classes_rewritten_total"),
		ClassesInitialized: set.GetOrCreateCounter("linkvm_classes_initialized_total"),
		ClassesUnlinked:    set.GetOrCreateCounter("linkvm_classes_unlinked_total"),
		LinkErrors:         set.GetOrCreateCounter("linkvm_link_errors_total"),
		VerifyErrors:       set.GetOrCreateCounter("linkvm_verify_errors_total"),
		InitErrors:         set.GetOrCreateCounter("linkvm_init_errors_total"),
		InitWaits:          set.GetOrCreateCounter("linkvm_init_waits_total"),
		Redefinitions:      set.GetOrCreateCounter("linkvm_redefinitions_total"),
		Deoptimized:        set.GetOrCreateCounter("linkvm_deoptimized_units_total"),
		LinkTime:           set.GetOrCreateHistogram("linkvm_link_duration_seconds"),
		InitTime:           set.GetOrCreateHistogram("linkvm_init_duration_seconds"),
	}
}

// Set returns the metrics set the counters live in.
func (p *Perf) Set() *metrics.Set { return p.set }

func since(h *metrics.Histogram, start time.Time) {
	h.Update(time.Since(start).Seconds())
}
