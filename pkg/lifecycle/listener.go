package lifecycle

import (
	"sync"

	"github.com/daimatz/linkvm/pkg/klass"
)

// Listener observes class lifecycle events. Callbacks run on the thread
// that caused the event, after the state change is visible.
type Listener interface {
	ClassLoaded(k *klass.Klass)
	ClassPrepared(k *klass.Klass)
	ClassInitialized(k *klass.Klass)
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	Loaded      func(*klass.Klass)
	Prepared    func(*klass.Klass)
	Initialized func(*klass.Klass)
}

func (f ListenerFuncs) ClassLoaded(k *klass.Klass) {
	if f.Loaded != nil {
		f.Loaded(k)
	}
}

func (f ListenerFuncs) ClassPrepared(k *klass.Klass) {
	if f.Prepared != nil {
		f.Prepared(k)
	}
}

func (f ListenerFuncs) ClassInitialized(k *klass.Klass) {
	if f.Initialized != nil {
		f.Initialized(k)
	}
}

type listeners struct {
	mu   sync.RWMutex
	list []Listener
}

func (l *listeners) add(x Listener) {
	l.mu.Lock()
	l.list = append(l.list, x)
	l.mu.Unlock()
}

func (l *listeners) each(fn func(Listener)) {
	l.mu.RLock()
	list := l.list
	l.mu.RUnlock()
	for _, x := range list {
		fn(x)
	}
}
