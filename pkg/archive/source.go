package archive

import (
	"fmt"

	"github.com/daimatz/linkvm/pkg/classfile"
	"github.com/daimatz/linkvm/pkg/klass"
	"github.com/daimatz/linkvm/pkg/loader"
	"github.com/daimatz/linkvm/pkg/thread"
)

// Source serves an image's classes to a loader. Classes it defines are
// shared, and skip verification if they were verified before the dump.
type Source struct {
	image  *Image
	loader string
}

// NewSource serves every entry of im.
func NewSource(im *Image) *Source { return &Source{image: im} }

// Only returns a source serving the entries dumped from the named loader.
func (s *Source) Only(loaderName string) *Source {
	return &Source{image: s.image, loader: loaderName}
}

func (s *Source) Find(name string) (*loader.Definition, error) {
	e, ok := s.image.Find(name)
	if !ok || (s.loader != "" && e.Loader != s.loader) {
		return nil, fmt.Errorf("archive: %s: %w", name, loader.ErrClassNotFound)
	}
	return &loader.Definition{
		Name:     e.Name,
		Data:     e.Data,
		Origin:   "archive " + s.image.Header.ID,
		Shared:   true,
		Verified: e.Verified,
	}, nil
}

// ClassLoader loads the classes a dump archives.
type ClassLoader interface {
	LoadClass(t *thread.Thread, name string) (*klass.Klass, error)
}

// Linker links classes and returns them to the loaded state.
type Linker interface {
	Link(t *thread.Thread, k *klass.Klass) error
	Unlink(t *thread.Thread, k *klass.Klass) error
}

// Dump loads and links every class in list, then unlinks it so the image
// holds the original bytecode. Linking verifies the class and proves it
// links; the verification result travels with the entry.
func Dump(t *thread.Thread, ld ClassLoader, lk Linker, list *ClassList) (*Image, error) {
	im := NewImage()
	for _, name := range list.Classes {
		k, err := ld.LoadClass(t, name)
		if err != nil {
			return nil, fmt.Errorf("dump %s: %w", name, err)
		}
		if err := lk.Link(t, k); err != nil {
			return nil, fmt.Errorf("dump %s: %w", name, err)
		}
		verified := k.IsVerified()
		if err := lk.Unlink(t, k); err != nil {
			return nil, fmt.Errorf("dump %s: %w", name, err)
		}
		im.Add(Entry{
			Name:     name,
			Loader:   k.Loader().Name(),
			Data:     classfile.Encode(k.ClassFile()),
			Verified: verified,
		})
		plog.Debugf("archived %s (verified=%t)", name, verified)
	}
	return im, nil
}
