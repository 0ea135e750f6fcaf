package loader

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/daimatz/linkvm/pkg/klass"
	"github.com/daimatz/linkvm/pkg/lifecycle"
	"github.com/daimatz/linkvm/pkg/thread"
)

type key struct {
	loader uint64
	name   string
}

// placeholder marks a class some thread is loading.
type placeholder struct {
	owner *thread.Thread
	done  chan struct{}
}

// Dictionary maps (loader, name) to classes. A loader has an entry for
// every class it defined and for every class it obtained by delegation.
type Dictionary struct {
	classes      *xsync.MapOf[key, *klass.Klass]
	placeholders *xsync.MapOf[key, *placeholder]
	// waiting records the placeholder each blocked thread waits on.
	waiting *xsync.MapOf[*thread.Thread, *placeholder]
	loaders *xsync.MapOf[uint64, *Loader]
}

// NewDictionary returns an empty dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{
		classes:      xsync.NewMapOf[key, *klass.Klass](),
		placeholders: xsync.NewMapOf[key, *placeholder](),
		waiting:      xsync.NewMapOf[*thread.Thread, *placeholder](),
		loaders:      xsync.NewMapOf[uint64, *Loader](),
	}
}

// Find returns the class ld knows as name, or nil.
func (d *Dictionary) Find(ld *klass.LoaderData, name string) *klass.Klass {
	k, _ := d.classes.Load(key{ld.ID(), name})
	return k
}

// add records k under ld. Defining a second class with the same name in the
// same loader is a LinkageError.
func (d *Dictionary) add(ld *klass.LoaderData, k *klass.Klass) error {
	cur, loaded := d.classes.LoadOrStore(key{ld.ID(), k.Name()}, k)
	if loaded && cur != k {
		return lifecycle.NewError(lifecycle.KindLinkage, k.Name(), nil,
			"loader %s attempted duplicate class definition for %s", ld.Name(), k.Name())
	}
	return nil
}

// Replace points every entry for old at n. It is used when a class is
// redefined.
func (d *Dictionary) Replace(old, n *klass.Klass) {
	d.classes.Range(func(k key, v *klass.Klass) bool {
		if v == old {
			d.classes.Store(k, n)
		}
		return true
	})
}

// Len returns the number of entries, initiating ones included.
func (d *Dictionary) Len() int { return d.classes.Size() }

// Classes returns every class by its defining loader, sorted by name.
func (d *Dictionary) Classes() []*klass.Klass {
	var out []*klass.Klass
	d.classes.Range(func(k key, v *klass.Klass) bool {
		if v.Loader() != nil && v.Loader().ID() == k.loader {
			out = append(out, v)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name() != out[j].Name() {
			return out[i].Name() < out[j].Name()
		}
		return out[i].Loader().ID() < out[j].Loader().ID()
	})
	return out
}

// Loader returns the loader owning ld, or nil.
func (d *Dictionary) Loader(ld *klass.LoaderData) *Loader {
	if ld == nil {
		return nil
	}
	l, _ := d.loaders.Load(ld.ID())
	return l
}

// Resolve loads name through the defining loader of from.
func (d *Dictionary) Resolve(t *thread.Thread, from *klass.Klass, name string) (*klass.Klass, error) {
	l := d.Loader(from.Loader())
	if l == nil {
		return nil, lifecycle.NewError(lifecycle.KindNoClassDefFound, name, nil,
			"%s: defining loader of %s is unknown", name, from.Name())
	}
	return l.LoadClass(t, name)
}

// claim makes t the loader of (ld, name). It returns nil once another thread
// has finished, in which case the caller looks the class up again.
func (d *Dictionary) claim(t *thread.Thread, k key) (*placeholder, error) {
	p := &placeholder{owner: t, done: make(chan struct{})}
	cur, loaded := d.placeholders.LoadOrStore(k, p)
	if !loaded {
		return p, nil
	}
	if cur.owner == t || d.waitsOn(cur.owner, t) {
		return nil, lifecycle.NewError(lifecycle.KindClassCircularity, k.name, nil, "%s", k.name)
	}
	d.waiting.Store(t, cur)
	<-cur.done
	d.waiting.Delete(t)
	return nil, nil
}

// waitsOn reports whether owner is blocked, directly or through a chain of
// placeholders, on a class t is loading.
func (d *Dictionary) waitsOn(owner, t *thread.Thread) bool {
	seen := make(map[*thread.Thread]bool)
	for owner != nil && !seen[owner] {
		seen[owner] = true
		p, ok := d.waiting.Load(owner)
		if !ok {
			return false
		}
		if p.owner == t {
			return true
		}
		owner = p.owner
	}
	return false
}

func (d *Dictionary) release(k key, p *placeholder) {
	d.placeholders.Delete(k)
	close(p.done)
}
