package klass

import (
	"sync"
	"sync/atomic"

	"github.com/daimatz/linkvm/pkg/metaspace"
)

var loaderIDs atomic.Uint64

// Metadata is class metadata that can be handed to a loader's deallocation
// list once superseded.
type Metadata interface {
	IsOnStack() bool
	Free(arena *metaspace.Arena)
}

// LoaderData is the per-class-loader state: identity, the arena backing its
// classes' metadata and the list of superseded metadata awaiting release.
type LoaderData struct {
	name  string
	id    uint64
	arena *metaspace.Arena

	mu          sync.Mutex
	classes     []*Klass
	deallocates []Metadata
}

// NewLoaderData creates loader data whose arena uses chunkSize chunks.
func NewLoaderData(name string, chunkSize int) *LoaderData {
	return &LoaderData{
		name:  name,
		id:    loaderIDs.Add(1),
		arena: metaspace.NewArena(chunkSize),
	}
}

func (ld *LoaderData) Name() string { return ld.name }

func (ld *LoaderData) ID() uint64 { return ld.id }

// Arena returns the allocator for this loader's metadata.
func (ld *LoaderData) Arena() *metaspace.Arena { return ld.arena }

// AddClass records k as defined by this loader.
func (ld *LoaderData) AddClass(k *Klass) {
	ld.mu.Lock()
	ld.classes = append(ld.classes, k)
	ld.mu.Unlock()
}

// Classes returns the classes defined by this loader in definition order.
func (ld *LoaderData) Classes() []*Klass {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return append([]*Klass(nil), ld.classes...)
}

// AddToDeallocateList queues md for release.
func (ld *LoaderData) AddToDeallocateList(md Metadata) {
	ld.mu.Lock()
	ld.deallocates = append(ld.deallocates, md)
	ld.mu.Unlock()
}

// FreeDeallocateList releases queued metadata that no frame references and
// keeps the rest queued. It returns the number released. On-stack marks must
// be current, so callers run it at a safepoint under an active mark.
func (ld *LoaderData) FreeDeallocateList() int {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	freed := 0
	kept := ld.deallocates[:0]
	for _, md := range ld.deallocates {
		if md.IsOnStack() {
			kept = append(kept, md)
			continue
		}
		md.Free(ld.arena)
		freed++
	}
	clear(ld.deallocates[len(kept):])
	ld.deallocates = kept
	return freed
}

// PendingDeallocations returns the length of the deallocation list.
func (ld *LoaderData) PendingDeallocations() int {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return len(ld.deallocates)
}
