// Package thread models execution threads: identity tokens, call frames and
// the re-entrant monitors used by class linking and initialization.
package thread

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// StackEntry is metadata a frame keeps alive: a method and, through it, the
// constant pool it was compiled against.
type StackEntry interface {
	SetOnStack(bool)
}

// Frame is one activation on a thread's call stack.
type Frame struct {
	Method StackEntry
	BCI    int
}

// Thread is an identity token for one execution thread. Goroutines acting on
// behalf of a Java thread carry its *Thread explicitly.
type Thread struct {
	id          uint64
	name        string
	interrupted atomic.Bool
	waitingOn   atomic.Pointer[Monitor]

	mu     sync.Mutex
	frames []Frame
}

// ID returns the thread's unique id.
func (t *Thread) ID() uint64 { return t.id }

// Name returns the thread's name.
func (t *Thread) Name() string { return t.name }

func (t *Thread) String() string {
	if t == nil {
		return "<no thread>"
	}
	return fmt.Sprintf("%s#%d", t.name, t.id)
}

// Interrupt sets the interrupt flag and wakes the thread if it waits on a
// monitor interruptibly.
func (t *Thread) Interrupt() {
	t.interrupted.Store(true)
	if m := t.waitingOn.Load(); m != nil {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	}
}

// IsInterrupted reports the interrupt flag without clearing it.
func (t *Thread) IsInterrupted() bool { return t.interrupted.Load() }

// ClearInterrupt clears the interrupt flag and returns its previous value.
func (t *Thread) ClearInterrupt() bool { return t.interrupted.Swap(false) }

// PushFrame records a new activation of m.
func (t *Thread) PushFrame(m StackEntry) {
	t.mu.Lock()
	t.frames = append(t.frames, Frame{Method: m})
	t.mu.Unlock()
}

// SetBCI updates the bytecode index of the top frame.
func (t *Thread) SetBCI(bci int) {
	t.mu.Lock()
	if n := len(t.frames); n > 0 {
		t.frames[n-1].BCI = bci
	}
	t.mu.Unlock()
}

// PopFrame removes the top activation.
func (t *Thread) PopFrame() {
	t.mu.Lock()
	if n := len(t.frames); n > 0 {
		t.frames[n-1] = Frame{}
		t.frames = t.frames[:n-1]
	}
	t.mu.Unlock()
}

// Frames returns a copy of the call stack, innermost last.
func (t *Thread) Frames() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Frame(nil), t.frames...)
}

// Depth returns the number of active frames.
func (t *Thread) Depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

// Registry tracks every attached thread.
type Registry struct {
	nextID  atomic.Uint64
	threads *xsync.MapOf[uint64, *Thread]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{threads: xsync.NewMapOf[uint64, *Thread]()}
}

// Attach creates and registers a thread.
func (r *Registry) Attach(name string) *Thread {
	t := &Thread{id: r.nextID.Add(1), name: name}
	r.threads.Store(t.id, t)
	return t
}

// Detach unregisters t. Its frames no longer keep metadata alive.
func (r *Registry) Detach(t *Thread) {
	r.threads.Delete(t.id)
}

// Len returns the number of attached threads.
func (r *Registry) Len() int { return r.threads.Size() }

// Range calls fn for every attached thread until fn returns false.
func (r *Registry) Range(fn func(*Thread) bool) {
	r.threads.Range(func(_ uint64, t *Thread) bool { return fn(t) })
}

// ActiveMark is the set of entries found on thread stacks by
// MarkActiveMetadata. Release clears their marks.
type ActiveMark struct {
	entries []StackEntry
}

// MarkActiveMetadata walks every thread's frames and flags the methods (and
// their constant pools) found there as on stack. Callers must hold the world
// stopped so frames cannot change until Release.
func (r *Registry) MarkActiveMetadata() *ActiveMark {
	mark := &ActiveMark{}
	r.Range(func(t *Thread) bool {
		for _, f := range t.Frames() {
			if f.Method == nil {
				continue
			}
			f.Method.SetOnStack(true)
			mark.entries = append(mark.entries, f.Method)
		}
		return true
	})
	return mark
}

// Len returns how many frames contributed to the mark.
func (m *ActiveMark) Len() int { return len(m.entries) }

// Release clears every mark set by MarkActiveMetadata.
func (m *ActiveMark) Release() {
	for _, e := range m.entries {
		e.SetOnStack(false)
	}
	m.entries = nil
}
