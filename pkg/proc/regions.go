package proc

import (
	"sort"
	"strings"
)

// Permission bits of a memory mapping.
const (
	PermRead = 1 << iota
	PermWrite
	PermExec
)

// MemoryRegion describes one mapping of the target's address space. The
// set of regions is an immutable snapshot, re-listed from the host at
// every stop event.
type MemoryRegion struct {
	Start uint64
	Size  uint64
	Perms uint8
	// Name is the backing file, or a pseudo name such as "[heap]" and
	// "[stack]" for anonymous kernel-labeled mappings.
	Name string
}

// End returns the first address past the region.
func (r *MemoryRegion) End() uint64 {
	return r.Start + r.Size
}

// Contains reports whether addr falls inside the region.
func (r *MemoryRegion) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End()
}

// PermString renders the permission bits the way /proc/pid/maps does.
func (r *MemoryRegion) PermString() string {
	b := []byte("---")
	if r.Perms&PermRead != 0 {
		b[0] = 'r'
	}
	if r.Perms&PermWrite != 0 {
		b[1] = 'w'
	}
	if r.Perms&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Regions is a sorted snapshot of the target's memory mappings.
type Regions []MemoryRegion

// NewRegions sorts rs by start address and returns it as a Regions value.
func NewRegions(rs []MemoryRegion) Regions {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })
	return Regions(rs)
}

// Find returns the region containing addr, or nil.
func (rs Regions) Find(addr uint64) *MemoryRegion {
	i := sort.Search(len(rs), func(i int) bool { return rs[i].End() > addr })
	if i < len(rs) && rs[i].Contains(addr) {
		return &rs[i]
	}
	return nil
}

// FindWritable returns the writable region containing addr, or nil.
func (rs Regions) FindWritable(addr uint64) *MemoryRegion {
	r := rs.Find(addr)
	if r == nil || r.Perms&PermWrite == 0 {
		return nil
	}
	return r
}

// Stacks returns the regions that look like thread stacks: mappings the
// kernel labels "[stack]" (or "[stack:tid]") plus, if sp is nonzero, the
// region containing sp. The unwinder treats any frame pointer outside
// these as the end of the chain.
func (rs Regions) Stacks(sp uint64) Regions {
	var out []MemoryRegion
	for i := range rs {
		if strings.HasPrefix(rs[i].Name, "[stack") {
			out = append(out, rs[i])
			continue
		}
		if sp != 0 && rs[i].Contains(sp) {
			out = append(out, rs[i])
		}
	}
	return Regions(out)
}

// Heaps returns the regions that may hold allocator-managed memory:
// writable anonymous mappings and everything labeled "[heap]".
func (rs Regions) Heaps() Regions {
	var out []MemoryRegion
	for i := range rs {
		if rs[i].Perms&PermWrite == 0 {
			continue
		}
		if rs[i].Name == "" || rs[i].Name == "[heap]" || strings.HasPrefix(rs[i].Name, "[anon") {
			out = append(out, rs[i])
		}
	}
	return Regions(out)
}
