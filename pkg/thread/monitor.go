package thread

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInterrupted is returned by Wait when the waiting thread was interrupted.
var ErrInterrupted = errors.New("thread interrupted")

// Monitor is a re-entrant lock with a wait set, owned by a *Thread.
type Monitor struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner *Thread
	count int
	// seq advances on every NotifyAll; waiters compare against it.
	seq uint64
}

// NewMonitor creates an unowned monitor.
func NewMonitor() *Monitor {
	m := &Monitor{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Enter acquires the monitor for t, blocking while another thread owns it.
// Re-entry by the owner only increments the recursion count.
func (m *Monitor) Enter(t *Thread) {
	m.mu.Lock()
	for m.owner != nil && m.owner != t {
		m.cond.Wait()
	}
	m.owner = t
	m.count++
	m.mu.Unlock()
}

// Exit releases one level of ownership.
func (m *Monitor) Exit(t *Thread) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != t {
		panic(fmt.Sprintf("monitor exit by %v, owner is %v", t, m.owner))
	}
	m.count--
	if m.count == 0 {
		m.owner = nil
		m.cond.Broadcast()
	}
}

// IsOwnedBy reports whether t holds the monitor.
func (m *Monitor) IsOwnedBy(t *Thread) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner == t
}

// Wait releases the monitor completely, waits for NotifyAll and reacquires
// it with the original recursion count. It returns ErrInterrupted, with the
// monitor reacquired and the interrupt flag cleared, if t is interrupted.
func (m *Monitor) Wait(t *Thread) error {
	return m.wait(t, true)
}

// WaitUninterruptibly is Wait that ignores interrupts. An interrupt that
// arrives during the wait stays pending on the thread.
func (m *Monitor) WaitUninterruptibly(t *Thread) {
	_ = m.wait(t, false)
}

func (m *Monitor) wait(t *Thread, interruptible bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != t {
		panic(fmt.Sprintf("monitor wait by %v, owner is %v", t, m.owner))
	}
	if interruptible && t.ClearInterrupt() {
		return ErrInterrupted
	}

	saved := m.count
	m.owner, m.count = nil, 0
	m.cond.Broadcast()
	if interruptible {
		t.waitingOn.Store(m)
		defer t.waitingOn.Store(nil)
	}

	var err error
	start := m.seq
	for m.seq == start {
		if interruptible && t.IsInterrupted() {
			t.ClearInterrupt()
			err = ErrInterrupted
			break
		}
		m.cond.Wait()
	}
	for m.owner != nil {
		m.cond.Wait()
	}
	m.owner, m.count = t, saved
	return err
}

// NotifyAll wakes every waiter. The caller must own the monitor.
func (m *Monitor) NotifyAll(t *Thread) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != t {
		panic(fmt.Sprintf("monitor notify by %v, owner is %v", t, m.owner))
	}
	m.seq++
	m.cond.Broadcast()
}
