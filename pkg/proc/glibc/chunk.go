package glibc

import (
	"sort"

	"github.com/pwnsight/pwnsight/pkg/proc"
)

// ChunkKind classifies a chunk's state.
type ChunkKind int

const (
	ChunkAllocated ChunkKind = iota
	ChunkFree
	ChunkTop
	ChunkMmapped
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkAllocated:
		return "allocated"
	case ChunkFree:
		return "free"
	case ChunkTop:
		return "top"
	case ChunkMmapped:
		return "mmapped"
	}
	return "unknown"
}

// Chunk is one allocation unit as decoded from target memory. Validity is
// re-derived from raw bytes on every snapshot; a Chunk holds no pointers
// into prior reconstructions.
type Chunk struct {
	// Addr is the chunk header address (not the user data address).
	Addr uint64
	// Size is the declared chunk size with flag bits masked off.
	Size uint64

	PrevInuse    bool
	IsMmapped    bool
	NonMainArena bool

	Kind ChunkKind

	// Arena is the base address of the owning arena. Back-reference
	// only; it does not keep anything alive.
	Arena uint64

	// Corrupt marks a header that failed the size/alignment invariants.
	// Traversal never continues past a corrupt chunk.
	Corrupt bool
	Reason  string
}

// UserData returns the address malloc returned for this chunk.
func (c *Chunk) UserData(l *Layout) uint64 {
	return c.Addr + l.HeaderSize
}

// BinKind identifies which free-list family a bin belongs to.
type BinKind int

const (
	BinFast BinKind = iota
	BinUnsorted
	BinSmall
	BinLarge
	BinTcache
)

func (k BinKind) String() string {
	switch k {
	case BinFast:
		return "fastbin"
	case BinUnsorted:
		return "unsorted"
	case BinSmall:
		return "smallbin"
	case BinLarge:
		return "largebin"
	case BinTcache:
		return "tcache"
	}
	return "unknown"
}

// Bin is one reconstructed free list. Chunks appear in traversal order;
// when the walk stopped early the reason is recorded on the bin.
type Bin struct {
	Kind  BinKind
	Index int
	// SizeClass is the chunk size the bin serves, 0 for range-based bins.
	SizeClass uint64
	Chunks    []Chunk

	// Corrupt is set when the list contained a cycle or a corrupt header.
	Corrupt bool
	// BoundsViolation is set when the chain left every known heap region;
	// the chunks collected up to that point are still returned.
	BoundsViolation bool
	Reason          string
}

// Arena is one malloc_state discovered in the target, valid for a single
// snapshot only.
type Arena struct {
	Addr   uint64
	IsMain bool

	Top             uint64
	LastRemainder   uint64
	Next            uint64
	AttachedThreads uint64
	SystemMem       uint64

	// Corrupt arenas failed header validation; they are excluded from bin
	// traversal but still surfaced.
	Corrupt bool
	Reason  string

	Bins []Bin
}

// Heap is the complete allocator reconstruction for one stop event. The
// linear chunk index covers the main arena's heap only: secondary-arena
// heaps start with a heap_info header rather than a chunk, so their
// contents are reachable through bin traversal but not indexed by
// address.
type Heap struct {
	Layout *Layout
	Arenas []*Arena

	// TcacheAddr is the located tcache_perthread_struct, 0 if none.
	TcacheAddr uint64
	// TcacheBins holds the walked tcache free lists.
	TcacheBins []Bin

	// chunks is the linear walk of the main heap, sorted by address,
	// backing ChunkContaining.
	chunks []Chunk
}

// ChunkContaining implements proc.HeapIndex: it returns the chunk whose
// extent contains addr. Only main-heap chunks are indexed; addresses in
// secondary-arena heaps fall through to plain region classification.
func (h *Heap) ChunkContaining(addr uint64) (proc.HeapChunkRef, bool) {
	i := sort.Search(len(h.chunks), func(i int) bool {
		return h.chunks[i].Addr+h.chunks[i].Size > addr
	})
	if i < len(h.chunks) && addr >= h.chunks[i].Addr {
		c := &h.chunks[i]
		return proc.HeapChunkRef{Base: c.Addr, Size: c.Size, State: c.Kind.String()}, true
	}
	return proc.HeapChunkRef{}, false
}

// Chunks returns the linear walk of the main heap, sorted by address.
func (h *Heap) Chunks() []Chunk {
	return h.chunks
}

// ClassifyChunk derives a chunk's state from its header flags and its
// position relative to the arena's top pointer. nextPrevInuse is the
// PREV_INUSE bit of the following chunk, which records whether this one
// is free.
func ClassifyChunk(c *Chunk, top uint64, nextPrevInuse bool) ChunkKind {
	switch {
	case c.Addr == top:
		return ChunkTop
	case c.IsMmapped:
		return ChunkMmapped
	case !nextPrevInuse:
		return ChunkFree
	default:
		return ChunkAllocated
	}
}
