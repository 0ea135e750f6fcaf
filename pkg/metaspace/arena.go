// Package metaspace is the bump allocator backing class metadata. Each class
// loader owns one Arena; memory returns to the system only when the arena is
// released together with its loader.
package metaspace

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultChunkSize is the chunk granularity used when none is configured.
const DefaultChunkSize = 64 * 1024

// wordSize is the allocation alignment.
const wordSize = 8

// ErrReleased is returned by allocations on an arena whose loader is gone.
var ErrReleased = errors.New("metaspace: arena released")

var generations atomic.Uint64

// Allocator hands out metadata blocks.
type Allocator interface {
	Allocate(size int) (Handle, error)
}

// Handle identifies one block inside an arena. The zero Handle is invalid.
type Handle struct {
	Gen    uint64
	Chunk  int
	Offset int
	Size   int
}

// IsValid reports whether h refers to an allocated block.
func (h Handle) IsValid() bool { return h.Gen != 0 }

func (h Handle) String() string {
	return fmt.Sprintf("gen%d:%d+%d[%d]", h.Gen, h.Chunk, h.Offset, h.Size)
}

type chunk struct {
	buf []byte
	top int
}

// Arena is a chunked bump allocator with a deallocation list. Blocks handed
// back with Deallocate are reused for requests of the same size.
type Arena struct {
	mu        sync.Mutex
	gen       uint64
	chunkSize int
	chunks    []*chunk
	free      map[int][]Handle
	used      int
	released  bool
}

// NewArena creates an arena with a fresh generation id.
func NewArena(chunkSize int) *Arena {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Arena{
		gen:       generations.Add(1),
		chunkSize: chunkSize,
		free:      make(map[int][]Handle),
	}
}

// Generation returns the arena's generation id, stamped on every Handle.
func (a *Arena) Generation() uint64 { return a.gen }

// Allocate returns a zeroed block of at least size bytes.
func (a *Arena) Allocate(size int) (Handle, error) {
	if size < 0 {
		return Handle{}, fmt.Errorf("metaspace: negative allocation size %d", size)
	}
	size = (size + wordSize - 1) &^ (wordSize - 1)
	if size == 0 {
		size = wordSize
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return Handle{}, ErrReleased
	}

	if list := a.free[size]; len(list) > 0 {
		h := list[len(list)-1]
		a.free[size] = list[:len(list)-1]
		clear(a.bytesLocked(h))
		a.used += size
		return h, nil
	}

	var c *chunk
	if n := len(a.chunks); n > 0 && a.chunks[n-1].top+size <= len(a.chunks[n-1].buf) {
		c = a.chunks[n-1]
	} else {
		capacity := a.chunkSize
		if size > capacity {
			capacity = size
		}
		c = &chunk{buf: make([]byte, capacity)}
		a.chunks = append(a.chunks, c)
	}
	h := Handle{Gen: a.gen, Chunk: len(a.chunks) - 1, Offset: c.top, Size: size}
	c.top += size
	a.used += size
	return h, nil
}

// Deallocate puts h on the arena's deallocation list.
func (a *Arena) Deallocate(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLocked(h); err != nil {
		return err
	}
	a.free[h.Size] = append(a.free[h.Size], h)
	a.used -= h.Size
	return nil
}

// Bytes returns the storage behind h.
func (a *Arena) Bytes(h Handle) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLocked(h); err != nil {
		return nil, err
	}
	return a.bytesLocked(h), nil
}

func (a *Arena) bytesLocked(h Handle) []byte {
	return a.chunks[h.Chunk].buf[h.Offset : h.Offset+h.Size]
}

func (a *Arena) checkLocked(h Handle) error {
	if a.released {
		return ErrReleased
	}
	if h.Gen != a.gen {
		return fmt.Errorf("metaspace: handle %v does not belong to generation %d", h, a.gen)
	}
	if h.Chunk < 0 || h.Chunk >= len(a.chunks) || h.Offset+h.Size > a.chunks[h.Chunk].top {
		return fmt.Errorf("metaspace: handle %v out of range", h)
	}
	return nil
}

// Release frees every chunk. Handles from this arena become invalid.
func (a *Arena) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released = true
	a.chunks = nil
	a.free = nil
	a.used = 0
}

// Stats reports the arena's usage.
type Stats struct {
	Used     int
	Reserved int
	Chunks   int
	Free     int
}

// Stats returns a snapshot of the arena's usage.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{Used: a.used, Chunks: len(a.chunks)}
	for _, c := range a.chunks {
		s.Reserved += len(c.buf)
	}
	for _, l := range a.free {
		s.Free += len(l)
	}
	return s
}
