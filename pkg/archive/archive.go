// Package archive stores linked-then-unlinked classes in a snapshot image
// and serves them back to a loader as shared classes.
//
// An image is a CBOR document: a header identifying the dump, followed by one
// entry per class with its class-file bytes and whether it passed
// verification before it was written.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var plog = logger.GetLogger("archive")

const (
	// Magic identifies a linkvm snapshot image.
	Magic = "linkvm-archive"
	// FormatVersion is bumped whenever Entry or Header change shape.
	FormatVersion = 1
)

var ErrBadImage = errors.New("archive: bad image")

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("archive: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Header identifies a dump.
type Header struct {
	Magic   string    `cbor:"magic"`
	Version int       `cbor:"version"`
	ID      string    `cbor:"id"`
	Created time.Time `cbor:"created"`
}

// Entry is one archived class.
type Entry struct {
	Name     string `cbor:"name"`
	Loader   string `cbor:"loader"`
	Data     []byte `cbor:"data"`
	Verified bool   `cbor:"verified"`
}

// Image is a snapshot archive.
type Image struct {
	Header  Header  `cbor:"header"`
	Entries []Entry `cbor:"entries"`
}

// NewImage returns an empty image with a fresh identity.
func NewImage() *Image {
	return &Image{Header: Header{
		Magic:   Magic,
		Version: FormatVersion,
		ID:      uuid.NewString(),
		Created: time.Now().UTC(),
	}}
}

// Add appends e, replacing an earlier entry of the same name.
func (im *Image) Add(e Entry) {
	for i := range im.Entries {
		if im.Entries[i].Name == e.Name {
			im.Entries[i] = e
			return
		}
	}
	im.Entries = append(im.Entries, e)
}

// Find returns the entry for name.
func (im *Image) Find(name string) (*Entry, bool) {
	for i := range im.Entries {
		if im.Entries[i].Name == name {
			return &im.Entries[i], true
		}
	}
	return nil, false
}

// Validate checks the header and that entry names are unique.
func (im *Image) Validate() error {
	if im.Header.Magic != Magic {
		return fmt.Errorf("%w: magic %q", ErrBadImage, im.Header.Magic)
	}
	if im.Header.Version != FormatVersion {
		return fmt.Errorf("%w: format version %d, want %d", ErrBadImage, im.Header.Version, FormatVersion)
	}
	if _, err := uuid.Parse(im.Header.ID); err != nil {
		return fmt.Errorf("%w: id: %v", ErrBadImage, err)
	}
	seen := make(map[string]bool, len(im.Entries))
	for _, e := range im.Entries {
		if e.Name == "" || len(e.Data) == 0 {
			return fmt.Errorf("%w: empty entry %q", ErrBadImage, e.Name)
		}
		if seen[e.Name] {
			return fmt.Errorf("%w: duplicate entry %s", ErrBadImage, e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}

// Write encodes im to w.
func Write(w io.Writer, im *Image) error {
	data, err := encMode.Marshal(im)
	if err != nil {
		return fmt.Errorf("archive: marshal: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// Read decodes and validates an image.
func Read(r io.Reader) (*Image, error) {
	var im Image
	if err := cbor.NewDecoder(r).Decode(&im); err != nil {
		return nil, fmt.Errorf("archive: unmarshal: %w", err)
	}
	if err := im.Validate(); err != nil {
		return nil, err
	}
	return &im, nil
}

// WriteFile writes im to path.
func WriteFile(path string, im *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, im); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	plog.Infof("wrote %d classes to %s (id %s)", len(im.Entries), path, im.Header.ID)
	return nil
}

// ReadFile reads the image at path.
func ReadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	im, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	plog.Infof("mapped %d classes from %s (id %s)", len(im.Entries), path, im.Header.ID)
	return im, nil
}
