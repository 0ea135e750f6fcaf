package loader

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrClassNotFound is returned when no source has a class.
var ErrClassNotFound = errors.New("class not found")

// Definition is the class-file bytes a source found for a name.
type Definition struct {
	Name   string
	Data   []byte
	Origin string
	// Shared classes come from a snapshot archive. Verified records that
	// they passed verification before the snapshot was taken.
	Shared   bool
	Verified bool
}

// Source finds class-file bytes by binary class name.
type Source interface {
	Find(name string) (*Definition, error)
}

// jmodMagic prefixes the zip data of a jmod file.
const jmodMagic = "JM\x01\x00"

// JmodSource reads classes from a JDK jmod file.
type JmodSource struct {
	Path string

	once  sync.Once
	err   error
	files map[string]*zip.File
}

// NewJmodSource returns a source for the jmod at path. The file is opened on
// first use.
func NewJmodSource(path string) *JmodSource {
	return &JmodSource{Path: path}
}

func (s *JmodSource) open() error {
	s.once.Do(func() {
		data, err := os.ReadFile(s.Path)
		if err != nil {
			s.err = fmt.Errorf("jmod: reading %s: %w", s.Path, err)
			return
		}
		if !bytes.HasPrefix(data, []byte(jmodMagic)) {
			s.err = fmt.Errorf("jmod: %s: bad header", s.Path)
			return
		}
		data = data[len(jmodMagic):]
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			s.err = fmt.Errorf("jmod: opening zip: %w", err)
			return
		}
		s.files = make(map[string]*zip.File, len(zr.File))
		for _, f := range zr.File {
			if name, ok := strings.CutPrefix(f.Name, "classes/"); ok && strings.HasSuffix(name, ".class") {
				s.files[strings.TrimSuffix(name, ".class")] = f
			}
		}
	})
	return s.err
}

func (s *JmodSource) Find(name string) (*Definition, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	f, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("jmod: %s in %s: %w", name, s.Path, ErrClassNotFound)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("jmod: opening %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("jmod: reading %s: %w", f.Name, err)
	}
	return &Definition{Name: name, Data: data, Origin: s.Path}, nil
}

// DirSource reads classes from class-path directories.
type DirSource struct {
	Dirs []string
}

// NewDirSource returns a source for a class path: directories separated by
// the OS path list separator.
func NewDirSource(classPath string) *DirSource {
	return &DirSource{Dirs: filepath.SplitList(classPath)}
}

func (s *DirSource) Find(name string) (*Definition, error) {
	for _, dir := range s.Dirs {
		path := filepath.Join(dir, filepath.FromSlash(name)+".class")
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("classpath: reading %s: %w", path, err)
		}
		return &Definition{Name: name, Data: data, Origin: path}, nil
	}
	return nil, fmt.Errorf("classpath: %s: %w", name, ErrClassNotFound)
}

// MemorySource serves classes from memory.
type MemorySource map[string][]byte

func (s MemorySource) Find(name string) (*Definition, error) {
	data, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("memory: %s: %w", name, ErrClassNotFound)
	}
	return &Definition{Name: name, Data: data, Origin: "memory"}, nil
}
