package glibc

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/pwnsight/pwnsight/pkg/logflags"
	"github.com/pwnsight/pwnsight/pkg/proc"
)

// ErrMainArenaNotFound is returned when neither the main_arena symbol nor
// a configured override locates the allocator state.
var ErrMainArenaNotFound = errors.New("main_arena not found")

// maxArenas caps the arena ring walk. A real process has at most a few
// dozen arenas; anything past this is a corrupted next pointer.
const maxArenas = 64

// SymbolLookup is the slice of the resolver the reconstructor needs to
// locate allocator globals.
type SymbolLookup interface {
	LookupSymbol(name string) (*proc.Symbol, bool)
}

// Reconstructor walks glibc malloc metadata in target memory into a Heap.
// Every chain it follows is bounded by a visited set and a maximum length
// derived from the heap region sizes, because the metadata may be
// corrupted or attacker-controlled.
type Reconstructor struct {
	mem    proc.MemoryReader
	layout *Layout
	heaps  proc.Regions
	syms   SymbolLookup

	// mainArenaAddr overrides symbol resolution when nonzero.
	mainArenaAddr uint64
	// tcacheAddr overrides tcache location when nonzero.
	tcacheAddr uint64

	maxChain int
	log      *logrus.Entry
}

// NewReconstructor returns a reconstructor over one snapshot's memory and
// regions. layout must come from LayoutFor.
func NewReconstructor(mem proc.MemoryReader, layout *Layout, regions proc.Regions, syms SymbolLookup) *Reconstructor {
	heaps := regions.Heaps()
	var heapBytes uint64
	for i := range heaps {
		heapBytes += heaps[i].Size
	}
	maxChain := int(heapBytes / layout.MinChunkSize)
	if maxChain < 1 {
		maxChain = 1
	}
	return &Reconstructor{
		mem:      mem,
		layout:   layout,
		heaps:    heaps,
		syms:     syms,
		maxChain: maxChain,
		log:      logflags.HeapLogger(),
	}
}

// SetMainArenaAddr installs a user-supplied main_arena address, for
// targets whose libc symbols are stripped.
func (r *Reconstructor) SetMainArenaAddr(addr uint64) {
	r.mainArenaAddr = addr
}

// SetTcacheAddr installs a user-supplied tcache address.
func (r *Reconstructor) SetTcacheAddr(addr uint64) {
	r.tcacheAddr = addr
}

// Reconstruct builds the full heap view: arena discovery, bin walks, the
// main heap linear walk and the tcache. Partial failures degrade to
// annotations on the result; the only error returned is failure to locate
// the allocator at all.
func (r *Reconstructor) Reconstruct() (*Heap, error) {
	arenas, err := r.DiscoverArenas()
	if err != nil {
		return nil, err
	}
	h := &Heap{Layout: r.layout, Arenas: arenas}
	for _, a := range arenas {
		if a.Corrupt {
			continue
		}
		a.Bins = r.WalkBins(a)
	}
	if len(arenas) > 0 && !arenas[0].Corrupt {
		h.chunks = r.WalkChunks(arenas[0])
	}
	if r.layout.HasTcache {
		if addr, ok := r.locateTcache(); ok {
			h.TcacheAddr = addr
			h.TcacheBins = r.WalkTcache(addr)
		}
	}
	return h, nil
}

// DiscoverArenas locates main_arena and follows the arena ring. The walk
// is guarded by a visited set and maxArenas; arenas failing header
// validation are marked corrupt, excluded from traversal, but returned.
func (r *Reconstructor) DiscoverArenas() ([]*Arena, error) {
	addr := r.mainArenaAddr
	if addr == 0 {
		sym, ok := r.syms.LookupSymbol("main_arena")
		if !ok {
			return nil, ErrMainArenaNotFound
		}
		addr = sym.Addr
	}
	main := addr

	var arenas []*Arena
	visited := make(map[uint64]bool)
	for addr != 0 && !visited[addr] && len(arenas) < maxArenas {
		visited[addr] = true
		a := r.readArena(addr, addr == main)
		arenas = append(arenas, a)
		if a.Corrupt {
			break
		}
		if a.Next == main {
			break
		}
		addr = a.Next
	}
	if logflags.Heap() {
		r.log.Debugf("discovered %d arenas from %#x", len(arenas), main)
	}
	return arenas, nil
}

func (r *Reconstructor) readArena(addr uint64, isMain bool) *Arena {
	l := r.layout
	a := &Arena{Addr: addr, IsMain: isMain}
	if addr%uint64(l.Arch.PtrSize) != 0 {
		a.Corrupt = true
		a.Reason = "arena address misaligned"
		return a
	}
	var err error
	read := func(off uint64) uint64 {
		if err != nil {
			return 0
		}
		var v uint64
		v, err = proc.ReadPointer(r.mem, addr+off, l.Arch)
		return v
	}
	a.Top = read(l.Top)
	a.LastRemainder = read(l.LastRemainder)
	a.Next = read(l.Next)
	a.AttachedThreads = read(l.AttachedThreads)
	a.SystemMem = read(l.SystemMem)
	if err != nil {
		a.Corrupt = true
		a.Reason = fmt.Sprintf("unreadable malloc_state: %v", err)
		return a
	}
	switch {
	case a.Top == 0:
		a.Corrupt = true
		a.Reason = "nil top chunk"
	case a.Top%l.MallocAlign != 0:
		a.Corrupt = true
		a.Reason = "top chunk misaligned"
	case r.heaps.Find(a.Top) == nil:
		a.Corrupt = true
		a.Reason = "top chunk outside heap regions"
	}
	return a
}

// WalkBins follows every free list of the arena: the ten fastbins and the
// unsorted, small and large bins. Each chain is bounded; a chain leaving
// the heap regions records a bounds violation on its bin and stops only
// that bin.
func (r *Reconstructor) WalkBins(a *Arena) []Bin {
	l := r.layout
	bins := make([]Bin, 0, NFastBins+NBins-1)

	for i := 0; i < NFastBins; i++ {
		bin := Bin{Kind: BinFast, Index: i, SizeClass: l.FastbinSizeClass(i)}
		slot := a.Addr + l.FastbinsY + uint64(i)*uint64(l.Arch.PtrSize)
		// Safe-linking protects the fd fields inside chunks, not the
		// array heads, so the head is used as read.
		head, err := proc.ReadPointer(r.mem, slot, l.Arch)
		if err != nil {
			bin.Corrupt = true
			bin.Reason = "unreadable fastbin head"
		} else {
			r.walkChain(&bin, a, head, 0, l.ChunkFD, true)
		}
		bins = append(bins, bin)
	}

	for b := 1; b < NBins; b++ {
		bin := Bin{Index: b, SizeClass: l.SmallbinSizeClass(b)}
		switch {
		case b == 1:
			bin.Kind = BinUnsorted
		case b <= 63:
			bin.Kind = BinSmall
		default:
			bin.Kind = BinLarge
		}
		fdSlot := a.Addr + l.Bins + uint64(2*(b-1))*uint64(l.Arch.PtrSize)
		// The bin head is a pseudo-chunk overlaid so that its fd field
		// lands on the fd slot; an empty bin's fd points back at it.
		sentinel := fdSlot - l.ChunkFD
		head, err := proc.ReadPointer(r.mem, fdSlot, l.Arch)
		if err != nil {
			bin.Corrupt = true
			bin.Reason = "unreadable bin head"
		} else if head != sentinel {
			r.walkChain(&bin, a, head, sentinel, l.ChunkFD, false)
		}
		bins = append(bins, bin)
	}
	return bins
}

// walkChain follows a singly linked chunk chain starting at first,
// stopping at sentinel (or 0 for nil-terminated lists). nextOff is the
// offset of the link field inside the chunk; mangled says whether links
// are protected by safe-linking.
func (r *Reconstructor) walkChain(bin *Bin, a *Arena, first, sentinel, nextOff uint64, mangled bool) {
	l := r.layout
	visited := make(map[uint64]bool)
	addr := first
	for addr != sentinel && addr != 0 {
		if len(bin.Chunks) >= r.maxChain {
			bin.Corrupt = true
			bin.Reason = fmt.Sprintf("chain longer than %d entries", r.maxChain)
			return
		}
		if visited[addr] {
			bin.Corrupt = true
			bin.Reason = fmt.Sprintf("cycle at %#x", addr)
			return
		}
		visited[addr] = true
		if r.heaps.Find(addr) == nil {
			bin.BoundsViolation = true
			bin.Reason = fmt.Sprintf("chunk %#x outside heap regions", addr)
			return
		}
		c, err := r.readChunkHeader(addr, a.Addr)
		if err != nil {
			bin.Corrupt = true
			bin.Reason = fmt.Sprintf("unreadable chunk at %#x", addr)
			return
		}
		c.Kind = ChunkFree
		bin.Chunks = append(bin.Chunks, c)
		if c.Corrupt {
			bin.Corrupt = true
			bin.Reason = c.Reason
			return
		}
		slot := addr + nextOff
		next, err := proc.ReadPointer(r.mem, slot, l.Arch)
		if err != nil {
			bin.Corrupt = true
			bin.Reason = fmt.Sprintf("unreadable link at %#x", slot)
			return
		}
		if mangled {
			next = l.DemanglePointer(next, slot)
		}
		addr = next
	}
}

// readChunkHeader decodes one chunk header, applying the size invariants:
// a declared size below the minimum or off the allocator alignment marks
// the chunk corrupt rather than failing.
func (r *Reconstructor) readChunkHeader(addr, arena uint64) (Chunk, error) {
	l := r.layout
	raw, err := proc.ReadPointer(r.mem, addr+l.ChunkSize, l.Arch)
	if err != nil {
		return Chunk{Addr: addr, Arena: arena}, err
	}
	c := Chunk{
		Addr:         addr,
		Arena:        arena,
		Size:         raw &^ flagMask,
		PrevInuse:    raw&flagPrevInuse != 0,
		IsMmapped:    raw&flagIsMmapped != 0,
		NonMainArena: raw&flagNonMainArena != 0,
	}
	switch {
	case c.Size < l.MinChunkSize:
		c.Corrupt = true
		c.Reason = fmt.Sprintf("size %#x below minimum %#x", c.Size, l.MinChunkSize)
	case c.Size%l.MallocAlign != 0:
		c.Corrupt = true
		c.Reason = fmt.Sprintf("size %#x misaligned", c.Size)
	}
	return c, nil
}

// WalkChunks traverses the main heap linearly, chunk to chunk via the
// size field, from the start of the heap region containing top up to the
// top chunk. This is the traversal backing address classification.
func (r *Reconstructor) WalkChunks(a *Arena) []Chunk {
	region := r.heaps.Find(a.Top)
	if region == nil {
		return nil
	}
	var chunks []Chunk
	addr := region.Start
	for len(chunks) < r.maxChain {
		c, err := r.readChunkHeader(addr, a.Addr)
		if err != nil {
			break
		}
		if c.Addr == a.Top {
			c.Kind = ChunkTop
			chunks = append(chunks, c)
			break
		}
		// Compared without addition: a huge declared size must not wrap
		// addr+size back below the region end.
		if c.Corrupt || c.Size > region.End()-addr {
			if !c.Corrupt {
				c.Corrupt = true
				c.Reason = "chunk extends past heap region"
			}
			chunks = append(chunks, c)
			break
		}
		chunks = append(chunks, c)
		addr += c.Size
	}
	// A chunk is free when its successor's PREV_INUSE bit is clear.
	for i := 0; i+1 < len(chunks); i++ {
		chunks[i].Kind = ClassifyChunk(&chunks[i], a.Top, chunks[i+1].PrevInuse)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Addr < chunks[j].Addr })
	if logflags.Heap() {
		r.log.Debugf("linear walk: %d chunks in %#x-%#x", len(chunks), region.Start, region.End())
	}
	return chunks
}

// locateTcache finds the thread's tcache_perthread_struct: the configured
// address, the tcache symbol if the host resolved it, or the first chunk
// of the main heap, which is where glibc places it at startup.
func (r *Reconstructor) locateTcache() (uint64, bool) {
	if r.tcacheAddr != 0 {
		return r.tcacheAddr, true
	}
	if sym, ok := r.syms.LookupSymbol("tcache"); ok && sym.Addr != 0 {
		// The symbol is thread-local; hosts that resolve TLS hand us the
		// slot holding the tcache pointer.
		if ptr, err := proc.ReadPointer(r.mem, sym.Addr, r.layout.Arch); err == nil && ptr != 0 {
			return ptr, true
		}
	}
	for i := range r.heaps {
		if r.heaps[i].Name == "[heap]" {
			c, err := r.readChunkHeader(r.heaps[i].Start, 0)
			if err != nil || c.Corrupt {
				return 0, false
			}
			return r.heaps[i].Start + r.layout.HeaderSize, true
		}
	}
	return 0, false
}

// WalkTcache follows the 64 tcache entry chains. Links live at offset 0
// of user data; counts are advisory and never trusted as bounds.
func (r *Reconstructor) WalkTcache(tcacheAddr uint64) []Bin {
	l := r.layout
	bins := make([]Bin, 0, NTcacheBins)
	for i := 0; i < NTcacheBins; i++ {
		bin := Bin{Kind: BinTcache, Index: i, SizeClass: l.TcacheSizeClass(i)}
		slot := tcacheAddr + l.TcacheEntries + uint64(i)*uint64(l.Arch.PtrSize)
		entry, err := proc.ReadPointer(r.mem, slot, l.Arch)
		if err != nil {
			bin.Corrupt = true
			bin.Reason = "unreadable tcache entry"
			bins = append(bins, bin)
			continue
		}
		r.walkTcacheChain(&bin, entry)
		bins = append(bins, bin)
	}
	return bins
}

// walkTcacheChain is like walkChain but entries point at user data, not
// at chunk headers, and links sit at offset 0 of user data.
func (r *Reconstructor) walkTcacheChain(bin *Bin, first uint64) {
	l := r.layout
	visited := make(map[uint64]bool)
	entry := first
	for entry != 0 {
		if len(bin.Chunks) >= r.maxChain {
			bin.Corrupt = true
			bin.Reason = fmt.Sprintf("chain longer than %d entries", r.maxChain)
			return
		}
		if visited[entry] {
			bin.Corrupt = true
			bin.Reason = fmt.Sprintf("cycle at %#x", entry)
			return
		}
		visited[entry] = true
		if r.heaps.Find(entry) == nil {
			bin.BoundsViolation = true
			bin.Reason = fmt.Sprintf("entry %#x outside heap regions", entry)
			return
		}
		c, err := r.readChunkHeader(entry-l.HeaderSize, 0)
		if err != nil {
			bin.Corrupt = true
			bin.Reason = fmt.Sprintf("unreadable chunk at %#x", entry-l.HeaderSize)
			return
		}
		c.Kind = ChunkFree
		bin.Chunks = append(bin.Chunks, c)
		if c.Corrupt {
			bin.Corrupt = true
			bin.Reason = c.Reason
			return
		}
		next, err := proc.ReadPointer(r.mem, entry, l.Arch)
		if err != nil {
			bin.Corrupt = true
			bin.Reason = fmt.Sprintf("unreadable link at %#x", entry)
			return
		}
		entry = l.DemanglePointer(next, entry)
	}
}
