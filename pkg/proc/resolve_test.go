package proc_test

import (
	"reflect"
	"strings"
	"testing"

	"github.com/pwnsight/pwnsight/pkg/proc"
)

type fakeHeap struct {
	base, size uint64
}

func (h fakeHeap) ChunkContaining(addr uint64) (proc.HeapChunkRef, bool) {
	if addr >= h.base && addr < h.base+h.size {
		return proc.HeapChunkRef{Base: h.base, Size: h.size, State: "allocated"}, true
	}
	return proc.HeapChunkRef{}, false
}

func testResolver(heap proc.HeapIndex) *proc.Resolver {
	regions := proc.NewRegions([]proc.MemoryRegion{
		{Start: 0x400000, Size: 0x1000, Perms: proc.PermRead | proc.PermExec, Name: "/bin/demo"},
		{Start: 0x602000, Size: 0x1000, Perms: proc.PermRead | proc.PermWrite, Name: "[heap]"},
		{Start: 0x7ffee0000000, Size: 0x1000, Perms: proc.PermRead | proc.PermWrite, Name: "[stack]"},
	})
	symbols := []proc.Symbol{
		{Name: "main", Addr: 0x400100, Size: 0x50, Section: ".text"},
		{Name: "malloc", Addr: 0x400200, Size: 0x80, Section: ".text"},
		{Name: "free", Addr: 0x400300, Size: 0x40, Section: ".text"},
	}
	return proc.NewResolver(regions, symbols, 0x7ffee0000f00, heap)
}

func TestClassifyPrecedence(t *testing.T) {
	r := testResolver(fakeHeap{base: 0x602010, size: 0x20})

	for _, tc := range []struct {
		addr uint64
		kind proc.AddressKind
	}{
		{0x602018, proc.KindHeapChunk}, // inside a chunk, beats region match
		{0x7ffee0000f40, proc.KindStackSlot},
		{0x400120, proc.KindSymbol},
		{0x400800, proc.KindMappedRegion}, // mapped, no symbol
		{0x602800, proc.KindMappedRegion}, // heap region but outside any chunk
		{0xdead00000000, proc.KindUnmapped},
		{0, proc.KindUnmapped},
	} {
		c := r.Classify(tc.addr)
		if c.Kind != tc.kind {
			t.Errorf("Classify(%#x).Kind = %s, want %s", tc.addr, c.Kind, tc.kind)
		}
	}
}

func TestClassifyAnnotations(t *testing.T) {
	r := testResolver(fakeHeap{base: 0x602010, size: 0x20})

	c := r.Classify(0x400120)
	if c.Symbol == nil || c.Symbol.Name != "main" || c.Offset != 0x20 {
		t.Errorf("symbol classification wrong: %+v", c)
	}
	if got := c.Annotation(); got != "main+0x20" {
		t.Errorf("Annotation() = %q", got)
	}

	c = r.Classify(0x602018)
	if c.Chunk == nil || c.Chunk.Base != 0x602010 || c.Offset != 8 {
		t.Errorf("heap classification wrong: %+v", c)
	}

	c = r.Classify(0xdead00000000)
	if c.Annotation() != "unmapped" {
		t.Errorf("unmapped annotation = %q", c.Annotation())
	}
}

func TestClassifyWithoutHeap(t *testing.T) {
	// A nil heap index is the pre-reconstruction state; heap region
	// addresses then fall through to the region match.
	r := testResolver(nil)
	if c := r.Classify(0x602018); c.Kind != proc.KindMappedRegion {
		t.Errorf("expected region match without heap index, got %s", c.Kind)
	}
}

func TestSymbolLookup(t *testing.T) {
	r := testResolver(nil)

	sym, ok := r.LookupSymbol("malloc")
	if !ok || sym.Addr != 0x400200 {
		t.Fatalf("LookupSymbol failed: %v %v", sym, ok)
	}
	if _, ok := r.LookupSymbol("no_such_symbol"); ok {
		t.Error("lookup of unknown symbol succeeded")
	}

	got := r.SymbolsWithPrefix("ma")
	want := []string{"main", "malloc"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SymbolsWithPrefix = %v, want %v", got, want)
	}
}

func TestClassifyEnclosingSymbol(t *testing.T) {
	regions := proc.NewRegions([]proc.MemoryRegion{
		{Start: 0x400000, Size: 0x1000, Perms: proc.PermRead | proc.PermExec, Name: "/bin/demo"},
	})
	// A large symbol enclosing a smaller, later-starting one: addresses
	// past the inner symbol still belong to the outer one.
	symbols := []proc.Symbol{
		{Name: "blob", Addr: 0x400100, Size: 0x300, Section: ".data"},
		{Name: "inner", Addr: 0x400200, Size: 0x10, Section: ".data"},
	}
	r := proc.NewResolver(regions, symbols, 0, nil)

	c := r.Classify(0x400380)
	if c.Kind != proc.KindSymbol || c.Symbol == nil || c.Symbol.Name != "blob" {
		t.Errorf("enclosing symbol not found: %+v", c)
	}
	if c := r.Classify(0x400208); c.Symbol == nil || c.Symbol.Name != "inner" {
		t.Errorf("inner symbol not preferred inside its extent: %+v", c)
	}
}

func TestRegionPermString(t *testing.T) {
	r := proc.MemoryRegion{Perms: proc.PermRead | proc.PermExec}
	if r.PermString() != "r-x" {
		t.Errorf("PermString = %q", r.PermString())
	}
}

func TestRegionsFind(t *testing.T) {
	regions := proc.NewRegions([]proc.MemoryRegion{
		{Start: 0x2000, Size: 0x1000},
		{Start: 0x1000, Size: 0x1000},
	})
	if regions[0].Start != 0x1000 {
		t.Error("regions not sorted by start address")
	}
	if reg := regions.Find(0x2fff); reg == nil || reg.Start != 0x2000 {
		t.Errorf("Find(0x2fff) = %+v", reg)
	}
	if reg := regions.Find(0x3000); reg != nil {
		t.Errorf("Find(0x3000) = %+v, want nil", reg)
	}
}

func TestStacksSelection(t *testing.T) {
	regions := proc.NewRegions([]proc.MemoryRegion{
		{Start: 0x1000, Size: 0x1000, Perms: proc.PermRead | proc.PermWrite, Name: ""},
		{Start: 0x7ffee0000000, Size: 0x1000, Perms: proc.PermRead | proc.PermWrite, Name: "[stack]"},
	})

	stacks := regions.Stacks(0x1800)
	var names []string
	for i := range stacks {
		names = append(names, stacks[i].Name)
	}
	if len(stacks) != 2 {
		t.Fatalf("expected labeled stack plus sp region, got %v", strings.Join(names, ","))
	}
}
