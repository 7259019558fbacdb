package proc

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/pwnsight/pwnsight/pkg/logflags"
)

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// MemoryReadWriter adds write access to MemoryReader.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// PartialReadError is returned when only a prefix of a requested read was
// available, typically because the range crosses into an unmapped page.
// The prefix is valid and callers are expected to use it.
type PartialReadError struct {
	Addr      uint64
	Requested int
	Read      int
	Err       error
}

func (e *PartialReadError) Error() string {
	return fmt.Sprintf("partial read at %#x: %d of %d bytes: %v", e.Addr, e.Read, e.Requested, e.Err)
}

func (e *PartialReadError) Unwrap() error { return e.Err }

// WriteError is returned when a memory patch could not be applied. Writes
// are atomic: on error no byte of the target has been modified.
type WriteError struct {
	Addr uint64
	Size int
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("cannot write %d bytes at %#x: %v", e.Size, e.Addr, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

type readKey struct {
	addr uint64
	size int
}

// CachedMemory is the engine's memory access layer. It serves repeated
// reads of the same (address, length) range from an LRU cache for the
// duration of one snapshot; Invalidate discards the cache at the snapshot
// boundary. Writes always go to the target and drop the whole cache,
// since a patch may overlap any number of cached ranges.
type CachedMemory struct {
	target  Target
	regions Regions
	cache   *lru.Cache
	log     *logrus.Entry
}

// NewCachedMemory returns a CachedMemory over target with room for
// capacity cached reads. Nonpositive capacities are clamped to one
// entry rather than leaving the cache unusable.
func NewCachedMemory(target Target, capacity int) *CachedMemory {
	if capacity < 1 {
		capacity = 1
	}
	cache, _ := lru.New(capacity)
	return &CachedMemory{
		target: target,
		cache:  cache,
		log:    logflags.MemLogger(),
	}
}

// SetRegions installs the region snapshot used to validate writes.
func (m *CachedMemory) SetRegions(regions Regions) {
	m.regions = regions
}

// Invalidate discards all cached reads. Called at the start of every
// snapshot because the target may have run since the last one.
func (m *CachedMemory) Invalidate() {
	m.cache.Purge()
}

// ReadMemory reads len(buf) bytes at addr through the cache. A short read
// fills the available prefix of buf and returns a *PartialReadError; the
// prefix is not cached so a later snapshot can retry the full range.
func (m *CachedMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	key := readKey{addr, len(buf)}
	if v, ok := m.cache.Get(key); ok {
		copy(buf, v.([]byte))
		return len(buf), nil
	}
	n, err := m.target.ReadMemory(buf, addr)
	if n < 0 {
		n = 0
	}
	if n < len(buf) {
		if logflags.Mem() {
			m.log.Debugf("short read at %#x: %d of %d bytes", addr, n, len(buf))
		}
		return n, &PartialReadError{Addr: addr, Requested: len(buf), Read: n, Err: err}
	}
	stored := make([]byte, len(buf))
	copy(stored, buf)
	m.cache.Add(key, stored)
	return n, nil
}

// WriteMemory patches target memory. The mapped-region snapshot is
// consulted first so an unwritable range fails before any byte reaches
// the target, keeping the operation atomic.
func (m *CachedMemory) WriteMemory(addr uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if m.regions != nil {
		for off := uint64(0); off < uint64(len(data)); {
			r := m.regions.FindWritable(addr + off)
			if r == nil {
				return 0, &WriteError{Addr: addr, Size: len(data), Err: fmt.Errorf("address %#x not writable", addr+off)}
			}
			off = r.End() - addr
		}
	}
	n, err := m.target.WriteMemory(addr, data)
	if err == nil && n < len(data) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(data))
	}
	if err != nil {
		return n, &WriteError{Addr: addr, Size: len(data), Err: err}
	}
	if logflags.Mem() {
		m.log.Debugf("wrote %d bytes at %#x", len(data), addr)
	}
	m.cache.Purge()
	return n, nil
}

// ReadUint reads a size-byte unsigned integer at addr using the given
// byte order. Valid sizes are 1, 2, 4 and 8.
func ReadUint(mem MemoryReader, addr uint64, size int, arch *Arch) (uint64, error) {
	buf := make([]byte, size)
	if _, err := mem.ReadMemory(buf, addr); err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(arch.ByteOrder.Uint16(buf)), nil
	case 4:
		return uint64(arch.ByteOrder.Uint32(buf)), nil
	case 8:
		return arch.ByteOrder.Uint64(buf), nil
	}
	return 0, fmt.Errorf("invalid integer size %d", size)
}

// ReadPointer reads a pointer-sized unsigned integer at addr.
func ReadPointer(mem MemoryReader, addr uint64, arch *Arch) (uint64, error) {
	return ReadUint(mem, addr, arch.PtrSize, arch)
}
