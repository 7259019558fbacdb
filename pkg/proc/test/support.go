// Package test provides a RAM-backed host target used by the engine's
// tests: memory is a set of explicitly mapped regions, registers and
// symbols are whatever the test installs.
package test

import (
	"errors"
	"fmt"

	"github.com/pwnsight/pwnsight/pkg/proc"
)

type mapping struct {
	region proc.MemoryRegion
	data   []byte
}

// Target is an in-memory implementation of proc.Target and
// proc.StopNotifier.
type Target struct {
	Arch *proc.Arch

	mappings  []*mapping
	registers map[int]map[string]uint64
	symbols   []proc.Symbol
	stopFns   []func(int)

	// ReadCount counts host-level reads, letting tests observe caching.
	ReadCount int
}

// NewTarget returns an empty target for the given architecture.
func NewTarget(arch *proc.Arch) *Target {
	return &Target{
		Arch:      arch,
		registers: make(map[int]map[string]uint64),
	}
}

// Map adds a mapping with zeroed backing memory.
func (t *Target) Map(start, size uint64, perms uint8, name string) {
	t.mappings = append(t.mappings, &mapping{
		region: proc.MemoryRegion{Start: start, Size: size, Perms: perms, Name: name},
		data:   make([]byte, size),
	})
}

func (t *Target) mappingFor(addr uint64) *mapping {
	for _, m := range t.mappings {
		if m.region.Contains(addr) {
			return m
		}
	}
	return nil
}

// SetBytes pokes raw bytes into backing memory, panicking on unmapped
// addresses since that is a test bug.
func (t *Target) SetBytes(addr uint64, data []byte) {
	for i, b := range data {
		m := t.mappingFor(addr + uint64(i))
		if m == nil {
			panic(fmt.Sprintf("test.Target.SetBytes: %#x not mapped", addr+uint64(i)))
		}
		m.data[addr+uint64(i)-m.region.Start] = b
	}
}

// SetUint pokes a size-byte integer at addr using the target's byte order.
func (t *Target) SetUint(addr uint64, size int, v uint64) {
	buf := make([]byte, 8)
	t.Arch.ByteOrder.PutUint64(buf, v)
	t.SetBytes(addr, buf[:size])
}

// SetPointer pokes a pointer-sized integer at addr.
func (t *Target) SetPointer(addr uint64, v uint64) {
	t.SetUint(addr, t.Arch.PtrSize, v)
}

// SetRegister installs a register value for a thread.
func (t *Target) SetRegister(threadID int, name string, v uint64) {
	regs := t.registers[threadID]
	if regs == nil {
		regs = make(map[string]uint64)
		t.registers[threadID] = regs
	}
	regs[name] = v
}

// AddSymbol appends a symbol table entry.
func (t *Target) AddSymbol(name string, addr, size uint64, section string) {
	t.symbols = append(t.symbols, proc.Symbol{Name: name, Addr: addr, Size: size, Section: section})
}

// ReadMemory implements proc.Target. Reads crossing into unmapped memory
// return the readable prefix and an error, like a real host.
func (t *Target) ReadMemory(buf []byte, addr uint64) (int, error) {
	t.ReadCount++
	for i := range buf {
		m := t.mappingFor(addr + uint64(i))
		if m == nil {
			return i, fmt.Errorf("read beyond mapped memory at %#x", addr+uint64(i))
		}
		buf[i] = m.data[addr+uint64(i)-m.region.Start]
	}
	return len(buf), nil
}

// WriteMemory implements proc.Target.
func (t *Target) WriteMemory(addr uint64, data []byte) (int, error) {
	for i := range data {
		if t.mappingFor(addr+uint64(i)) == nil {
			return i, fmt.Errorf("write beyond mapped memory at %#x", addr+uint64(i))
		}
	}
	t.SetBytes(addr, data)
	return len(data), nil
}

// GetRegister implements proc.Target.
func (t *Target) GetRegister(threadID int, name string) (uint64, error) {
	regs, ok := t.registers[threadID]
	if !ok {
		return 0, errors.New("no such thread")
	}
	v, ok := regs[name]
	if !ok {
		return 0, proc.ErrRegisterUnavailable
	}
	return v, nil
}

// ListSymbols implements proc.Target.
func (t *Target) ListSymbols() ([]proc.Symbol, error) {
	out := make([]proc.Symbol, len(t.symbols))
	copy(out, t.symbols)
	return out, nil
}

// ListMemoryRegions implements proc.Target.
func (t *Target) ListMemoryRegions() ([]proc.MemoryRegion, error) {
	out := make([]proc.MemoryRegion, 0, len(t.mappings))
	for _, m := range t.mappings {
		out = append(out, m.region)
	}
	return out, nil
}

// OnStop implements proc.StopNotifier.
func (t *Target) OnStop(fn func(threadID int)) {
	t.stopFns = append(t.stopFns, fn)
}

// TriggerStop simulates a stop event for a thread.
func (t *Target) TriggerStop(threadID int) {
	for _, fn := range t.stopFns {
		fn(threadID)
	}
}
