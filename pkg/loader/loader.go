// Package loader finds class files, parses them and defines the resulting
// classes. Loaders delegate to their parent first and record every class
// they define or obtain in a shared Dictionary.
package loader

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/daimatz/linkvm/pkg/classfile"
	"github.com/daimatz/linkvm/pkg/klass"
	"github.com/daimatz/linkvm/pkg/lifecycle"
	"github.com/daimatz/linkvm/pkg/thread"
)

var plog = logger.GetLogger("class/load")

// Definer moves a freshly built class into the loaded state.
type Definer interface {
	Define(k *klass.Klass) error
}

// Loader defines classes from its sources.
type Loader struct {
	parent  *Loader
	sources []Source
	data    *klass.LoaderData
	dict    *Dictionary
	definer Definer
}

// Options configure a Loader.
type Options struct {
	Name   string
	Parent *Loader
	// ChunkSize is the loader's metadata arena chunk size; 0 selects the
	// default.
	ChunkSize int
	Sources   []Source
}

// New returns a loader registered in dict.
func New(dict *Dictionary, definer Definer, opts Options) *Loader {
	l := &Loader{
		parent:  opts.Parent,
		sources: opts.Sources,
		data:    klass.NewLoaderData(opts.Name, opts.ChunkSize),
		dict:    dict,
		definer: definer,
	}
	dict.loaders.Store(l.data.ID(), l)
	return l
}

// Name returns the loader's name.
func (l *Loader) Name() string { return l.data.Name() }

// Data returns the loader's metadata owner.
func (l *Loader) Data() *klass.LoaderData { return l.data }

// Parent returns the delegation parent, or nil.
func (l *Loader) Parent() *Loader { return l.parent }

// AddSource appends a source searched after the existing ones.
func (l *Loader) AddSource(s Source) { l.sources = append(l.sources, s) }

// Prepend adds a source searched before the existing ones.
func (l *Loader) Prepend(s Source) { l.sources = append([]Source{s}, l.sources...) }

// LoadClass returns the class l knows as name, asking its parent first and
// defining it from l's sources otherwise.
func (l *Loader) LoadClass(t *thread.Thread, name string) (*klass.Klass, error) {
	if k := l.dict.Find(l.data, name); k != nil {
		return k, nil
	}
	if strings.HasPrefix(name, "[") {
		return nil, fmt.Errorf("%s: array classes are not loaded from class files: %w", name, ErrClassNotFound)
	}
	if l.parent != nil {
		k, err := l.parent.LoadClass(t, name)
		if err == nil {
			return k, l.dict.add(l.data, k)
		}
		if !errors.Is(err, ErrClassNotFound) {
			return nil, err
		}
	}
	return l.loadLocal(t, name)
}

func (l *Loader) loadLocal(t *thread.Thread, name string) (*klass.Klass, error) {
	key := key{l.data.ID(), name}
	var p *placeholder
	for p == nil {
		if k := l.dict.Find(l.data, name); k != nil {
			return k, nil
		}
		var err error
		if p, err = l.dict.claim(t, key); err != nil {
			return nil, err
		}
	}
	defer l.dict.release(key, p)
	if k := l.dict.Find(l.data, name); k != nil {
		return k, nil
	}

	def, err := l.find(name)
	if err != nil {
		return nil, err
	}
	return l.define(t, def)
}

func (l *Loader) find(name string) (*Definition, error) {
	for _, s := range l.sources {
		def, err := s.Find(name)
		if err == nil {
			return def, nil
		}
		if !errors.Is(err, ErrClassNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("loader %s: %s: %w", l.Name(), name, ErrClassNotFound)
}

func (l *Loader) define(t *thread.Thread, def *Definition) (*klass.Klass, error) {
	cf, err := classfile.ParseBytes(def.Data)
	if err != nil {
		return nil, lifecycle.NewError(lifecycle.KindLinkage, def.Name, err, "parsing %s from %s", def.Name, def.Origin)
	}
	name, err := cf.ClassName()
	if err != nil {
		return nil, lifecycle.NewError(lifecycle.KindLinkage, def.Name, err, "%s", def.Name)
	}
	if name != def.Name {
		return nil, lifecycle.NewError(lifecycle.KindNoClassDefFound, def.Name, nil, "%s (wrong name: %s)", def.Name, name)
	}

	var super *klass.Klass
	if sn := cf.SuperClassName(); sn != "" {
		if super, err = l.loadSupertype(t, name, sn); err != nil {
			return nil, err
		}
	} else if name != classfile.ObjectClass && cf.SuperClass != 0 {
		return nil, lifecycle.NewError(lifecycle.KindLinkage, name, nil, "%s: bad superclass index", name)
	}
	inames, err := cf.InterfaceNames()
	if err != nil {
		return nil, lifecycle.NewError(lifecycle.KindLinkage, name, err, "%s", name)
	}
	ifaces := make([]*klass.Klass, 0, len(inames))
	for _, in := range inames {
		i, err := l.loadSupertype(t, name, in)
		if err != nil {
			return nil, err
		}
		ifaces = append(ifaces, i)
	}

	k, err := klass.New(cf, l.data, super, ifaces)
	if err != nil {
		return nil, lifecycle.NewError(lifecycle.KindLinkage, name, err, "%s", name)
	}
	if def.Shared {
		k.SetShared()
		if def.Verified {
			k.SetVerified()
		}
	}
	if err := l.definer.Define(k); err != nil {
		return nil, err
	}
	if err := l.dict.add(l.data, k); err != nil {
		return nil, err
	}
	plog.Debugf("%s source: %s (loader %s)", name, def.Origin, l.Name())
	return k, nil
}

// loadSupertype loads a superclass or superinterface of class. A missing
// supertype is a NoClassDefFoundError rather than a not-found result.
func (l *Loader) loadSupertype(t *thread.Thread, class, name string) (*klass.Klass, error) {
	k, err := l.LoadClass(t, name)
	if errors.Is(err, ErrClassNotFound) {
		return nil, lifecycle.NewError(lifecycle.KindNoClassDefFound, class, err, "%s", name)
	}
	return k, err
}
