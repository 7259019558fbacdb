package glibc

import (
	"github.com/pwnsight/pwnsight/pkg/proc"
)

// Allocator structure counts, identical across supported generations.
const (
	// NFastBins is the length of malloc_state.fastbinsY.
	NFastBins = 10
	// NBins matches the glibc NBINS constant: bin 0 is unused, bin 1 is
	// the unsorted bin, 2-63 are small bins, the rest are large bins.
	NBins = 128
	// NTcacheBins is the length of the tcache counts and entries arrays.
	NTcacheBins = 64
	// binMapSize is sizeof(malloc_state.binmap): four 32-bit words.
	binMapSize = 16
)

// Chunk size flag bits, stored in the low bits of the size field.
const (
	flagPrevInuse    = 0x1
	flagIsMmapped    = 0x2
	flagNonMainArena = 0x4
	flagMask         = 0x7
)

// Layout is an immutable description of the glibc malloc structures for
// one (architecture, version) pair: every field is a byte offset into the
// corresponding struct unless noted otherwise. Layouts are plain data,
// built once at package init and only ever read.
type Layout struct {
	Arch    *proc.Arch
	Version Version

	// malloc_state offsets.
	Mutex           uint64
	Flags           uint64
	HaveFastchunks  int64 // -1 on generations without the field
	FastbinsY       uint64
	Top             uint64
	LastRemainder   uint64
	Bins            uint64
	BinMap          uint64
	Next            uint64
	NextFree        uint64
	AttachedThreads uint64
	SystemMem       uint64
	MaxSystemMem    uint64
	MallocStateSize uint64

	// malloc_chunk offsets.
	ChunkPrevSize   uint64
	ChunkSize       uint64
	ChunkFD         uint64
	ChunkBK         uint64
	ChunkFDNextsize uint64
	ChunkBKNextsize uint64
	// HeaderSize is the prev_size+size prefix preceding user data.
	HeaderSize uint64

	// tcache_perthread_struct.
	HasTcache       bool
	TcacheCountSize int // bytes per counts entry: 1 or 2
	TcacheCounts    uint64
	TcacheEntries   uint64
	TcacheSize      uint64

	// ProtectPointers is true when free-list next pointers are mangled
	// with the address they are stored at (safe-linking, glibc 2.32+).
	ProtectPointers bool

	// Derived allocator constants.
	MinChunkSize uint64
	MallocAlign  uint64
}

type layoutKey struct {
	arch    string
	version Version
}

var layouts = map[layoutKey]*Layout{}

func init() {
	for _, arch := range []*proc.Arch{proc.AMD64, proc.I386, proc.ARM64} {
		for _, v := range []Version{V223, V226, V227, V230, V232} {
			layouts[layoutKey{arch.Name, v}] = buildLayout(arch, v)
		}
	}
}

// LayoutFor returns the layout record for the given pair, or an
// UnsupportedLayoutError. Lookup is a pure function of its two inputs.
func LayoutFor(arch *proc.Arch, v Version) (*Layout, error) {
	l, ok := layouts[layoutKey{arch.Name, v}]
	if !ok {
		return nil, &UnsupportedLayoutError{Arch: arch.Name, Version: v.String()}
	}
	return l, nil
}

func align(off, n uint64) uint64 {
	return (off + n - 1) &^ (n - 1)
}

// buildLayout lays out malloc_state, malloc_chunk and
// tcache_perthread_struct for one pair the way the compiler does:
// sequentially, honoring field alignment.
func buildLayout(arch *proc.Arch, v Version) *Layout {
	ptr := uint64(arch.PtrSize)
	l := &Layout{
		Arch:            arch,
		Version:         v,
		HaveFastchunks:  -1,
		MinChunkSize:    4 * ptr,
		MallocAlign:     2 * ptr,
		HeaderSize:      2 * ptr,
		ChunkPrevSize:   0,
		ChunkSize:       ptr,
		ChunkFD:         2 * ptr,
		ChunkBK:         3 * ptr,
		ChunkFDNextsize: 4 * ptr,
		ChunkBKNextsize: 5 * ptr,
	}
	// glibc 2.26 raised MALLOC_ALIGNMENT to 16 on i386.
	if arch.PtrSize == 4 && v >= V226 {
		l.MallocAlign = 16
	}

	// malloc_state: mutex and flags are ints regardless of word size.
	l.Mutex = 0
	l.Flags = 4
	off := uint64(8)
	if v >= V227 {
		l.HaveFastchunks = int64(off)
		off += 4
	}
	off = align(off, ptr)
	l.FastbinsY = off
	off += NFastBins * ptr
	l.Top = off
	off += ptr
	l.LastRemainder = off
	off += ptr
	l.Bins = off
	off += (NBins*2 - 2) * ptr
	l.BinMap = off
	off += binMapSize
	l.Next = off
	off += ptr
	l.NextFree = off
	off += ptr
	l.AttachedThreads = off
	off += ptr
	l.SystemMem = off
	off += ptr
	l.MaxSystemMem = off
	off += ptr
	l.MallocStateSize = off

	if v >= V226 {
		l.HasTcache = true
		l.TcacheCountSize = 1
		if v >= V230 {
			l.TcacheCountSize = 2
		}
		l.TcacheCounts = 0
		l.TcacheEntries = align(NTcacheBins*uint64(l.TcacheCountSize), ptr)
		l.TcacheSize = l.TcacheEntries + NTcacheBins*ptr
	}
	l.ProtectPointers = v >= V232

	return l
}

// FastbinSizeClass returns the chunk size served by fastbin index i.
func (l *Layout) FastbinSizeClass(i int) uint64 {
	return l.MinChunkSize + uint64(i)*l.MallocAlign
}

// TcacheSizeClass returns the chunk size served by tcache index i.
func (l *Layout) TcacheSizeClass(i int) uint64 {
	return l.MinChunkSize + uint64(i)*l.MallocAlign
}

// SmallbinSizeClass returns the chunk size held by bin number b, or 0
// for the unsorted bin and the range-based large bins.
func (l *Layout) SmallbinSizeClass(b int) uint64 {
	if b < 2 || b > 63 {
		return 0
	}
	return uint64(b) * l.MallocAlign
}

// DemanglePointer undoes safe-linking: val is the stored pointer, slot
// the address it was stored at.
func (l *Layout) DemanglePointer(val, slot uint64) uint64 {
	if !l.ProtectPointers {
		return val
	}
	return val ^ (slot >> 12)
}
