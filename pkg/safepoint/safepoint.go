// Package safepoint implements the global pause used by redefinition and the
// dependency registry. Threads executing managed code hold a share of the
// Synchronizer and give it up at poll points; Run waits until every such
// thread has stopped.
package safepoint

import (
	"sync"
	"sync/atomic"
)

// Synchronizer coordinates stop-the-world operations.
type Synchronizer struct {
	mu        sync.RWMutex
	requested atomic.Int32
	active    atomic.Bool
	count     atomic.Uint64
}

// New returns an idle Synchronizer.
func New() *Synchronizer { return &Synchronizer{} }

// Enter marks the calling thread as running managed code.
func (s *Synchronizer) Enter() { s.mu.RLock() }

// Exit marks the calling thread as no longer running managed code.
func (s *Synchronizer) Exit() { s.mu.RUnlock() }

// Poll parks the calling thread while a safepoint is pending or in progress.
// It must be called between Enter and Exit.
func (s *Synchronizer) Poll() {
	if s.requested.Load() > 0 {
		s.mu.RUnlock()
		s.mu.RLock()
	}
}

// Blocking runs fn with the calling thread counted as stopped, so a
// safepoint may proceed while fn blocks.
func (s *Synchronizer) Blocking(fn func()) {
	s.mu.RUnlock()
	defer s.mu.RLock()
	fn()
}

// Run stops every running thread, calls fn and resumes them.
// Run must not be called from a thread between Enter and Exit.
func (s *Synchronizer) Run(fn func()) {
	s.requested.Add(1)
	s.mu.Lock()
	s.active.Store(true)
	s.count.Add(1)
	defer func() {
		s.active.Store(false)
		s.requested.Add(-1)
		s.mu.Unlock()
	}()
	fn()
}

// IsAtSafepoint reports whether a Run callback is executing.
func (s *Synchronizer) IsAtSafepoint() bool { return s.active.Load() }

// Count returns how many safepoints have been run.
func (s *Synchronizer) Count() uint64 { return s.count.Load() }
