package proc

import (
	"fmt"
	"sort"

	"github.com/derekparker/trie"
)

// AddressKind classifies what an address points into. The order of the
// constants is the precedence order of Classify: heap and stack
// containment beat plain symbol lookup because they are more specific.
type AddressKind int

const (
	// KindUnmapped means the address falls in no known region. It is a
	// normal classification result, not an error.
	KindUnmapped AddressKind = iota
	// KindHeapChunk means the address falls inside a reconstructed
	// allocator chunk.
	KindHeapChunk
	// KindStackSlot means the address falls inside a stack region.
	KindStackSlot
	// KindSymbol means the address falls inside a known symbol.
	KindSymbol
	// KindMappedRegion means the address is mapped but matches nothing
	// more specific.
	KindMappedRegion
)

func (k AddressKind) String() string {
	switch k {
	case KindUnmapped:
		return "unmapped"
	case KindHeapChunk:
		return "heap chunk"
	case KindStackSlot:
		return "stack"
	case KindSymbol:
		return "symbol"
	case KindMappedRegion:
		return "mapped"
	}
	return "unknown"
}

// HeapChunkRef locates an address inside a reconstructed heap chunk.
type HeapChunkRef struct {
	Base  uint64
	Size  uint64
	State string
}

// HeapIndex is the containment query the resolver needs from the heap
// reconstructor's last snapshot. It is an interface so the resolver does
// not depend on a particular allocator implementation.
type HeapIndex interface {
	ChunkContaining(addr uint64) (HeapChunkRef, bool)
}

// Classification is the result of resolving one address, annotated with
// whatever the most specific match provided.
type Classification struct {
	Addr uint64
	Kind AddressKind

	// Symbol is set for KindSymbol.
	Symbol *Symbol
	// Chunk is set for KindHeapChunk.
	Chunk *HeapChunkRef
	// Region is set for every kind except KindUnmapped.
	Region *MemoryRegion
	// Offset is the distance from the start of the matched entity.
	Offset uint64
}

// Annotation renders the classification the way a context display would
// show it next to a pointer.
func (c Classification) Annotation() string {
	switch c.Kind {
	case KindHeapChunk:
		return fmt.Sprintf("heap chunk %#x (%s) +%#x", c.Chunk.Base, c.Chunk.State, c.Offset)
	case KindStackSlot:
		return fmt.Sprintf("stack %s +%#x", c.Region.Name, c.Offset)
	case KindSymbol:
		if c.Offset == 0 {
			return c.Symbol.Name
		}
		return fmt.Sprintf("%s+%#x", c.Symbol.Name, c.Offset)
	case KindMappedRegion:
		return fmt.Sprintf("%s %s +%#x", c.Region.Name, c.Region.PermString(), c.Offset)
	}
	return "unmapped"
}

// Resolver classifies addresses against one snapshot's regions, symbols
// and heap reconstruction. A Resolver is built per stop event and is
// read-only afterwards.
type Resolver struct {
	regions Regions
	stacks  Regions
	symbols []Symbol
	byName  *trie.Trie
	heap    HeapIndex
}

// NewResolver builds a resolver over the given snapshot state. sp is the
// stopped thread's stack pointer, used to recognize its stack mapping;
// heap may be nil when no heap reconstruction is available.
func NewResolver(regions Regions, symbols []Symbol, sp uint64, heap HeapIndex) *Resolver {
	r := &Resolver{
		regions: regions,
		stacks:  regions.Stacks(sp),
		symbols: make([]Symbol, len(symbols)),
		byName:  trie.New(),
		heap:    heap,
	}
	copy(r.symbols, symbols)
	sort.Slice(r.symbols, func(i, j int) bool { return r.symbols[i].Addr < r.symbols[j].Addr })
	for i := range r.symbols {
		r.byName.Add(r.symbols[i].Name, i)
	}
	return r
}

// SetHeap installs the heap index once the reconstructor has run. The
// resolver is handed to the heap reconstructor before chunks exist, so
// this is filled in afterwards.
func (r *Resolver) SetHeap(heap HeapIndex) {
	r.heap = heap
}

// Classify resolves addr to the most specific entity containing it. The
// precedence chain is explicit: heap chunk, stack slot, symbol, mapped
// region, unmapped. Unmapped is a normal result.
func (r *Resolver) Classify(addr uint64) Classification {
	c := Classification{Addr: addr, Kind: KindUnmapped}
	c.Region = r.regions.Find(addr)

	if r.heap != nil {
		if chunk, ok := r.heap.ChunkContaining(addr); ok {
			c.Kind = KindHeapChunk
			c.Chunk = &chunk
			c.Offset = addr - chunk.Base
			return c
		}
	}
	if reg := r.stacks.Find(addr); reg != nil {
		c.Kind = KindStackSlot
		c.Region = reg
		c.Offset = addr - reg.Start
		return c
	}
	if sym := r.symbolContaining(addr); sym != nil {
		c.Kind = KindSymbol
		c.Symbol = sym
		c.Offset = addr - sym.Addr
		return c
	}
	if c.Region != nil {
		c.Kind = KindMappedRegion
		c.Offset = addr - c.Region.Start
	}
	return c
}

// LookupSymbol returns the symbol with the exact given name.
func (r *Resolver) LookupSymbol(name string) (*Symbol, bool) {
	if name == "" {
		return nil, false
	}
	node, ok := r.byName.Find(name)
	if !ok {
		return nil, false
	}
	idx, ok := node.Meta().(int)
	if !ok {
		return nil, false
	}
	return &r.symbols[idx], true
}

// SymbolsWithPrefix returns the names of all symbols starting with
// prefix, sorted.
func (r *Resolver) SymbolsWithPrefix(prefix string) []string {
	names := r.byName.PrefixSearch(prefix)
	sort.Strings(names)
	return names
}

// SymbolFor returns the name of the symbol containing addr, or "".
func (r *Resolver) SymbolFor(addr uint64) string {
	if sym := r.symbolContaining(addr); sym != nil {
		return sym.Name
	}
	return ""
}

func (r *Resolver) symbolContaining(addr uint64) *Symbol {
	i := sort.Search(len(r.symbols), func(i int) bool { return r.symbols[i].Addr > addr })
	// Symbols are sorted by address but may nest or overlap, so an
	// enclosing symbol can sit arbitrarily far behind later-starting
	// ones; the backward scan tolerates the linear tail.
	for j := i - 1; j >= 0; j-- {
		if r.symbols[j].Contains(addr) {
			return &r.symbols[j]
		}
	}
	return nil
}
