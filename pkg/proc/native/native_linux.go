//go:build linux
// +build linux

package native

import (
	"debug/elf"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/pwnsight/pwnsight/pkg/logflags"
	"github.com/pwnsight/pwnsight/pkg/proc"
)

// Process is a Linux implementation of proc.Target over ptrace and the
// /proc filesystem. The traced process must be stopped while the engine
// reads it, which Attach guarantees.
type Process struct {
	pid int
	mem *os.File
	log *logrus.Entry
}

// Attach ptrace-attaches to pid, waits for it to stop and opens its
// memory file.
func Attach(pid int) (*Process, error) {
	if err := unix.PtraceAttach(pid); err != nil {
		return nil, fmt.Errorf("attach to %d: %v", pid, err)
	}
	var status unix.WaitStatus
	if _, err := unix.Wait4(pid, &status, 0, nil); err != nil {
		unix.PtraceDetach(pid)
		return nil, fmt.Errorf("waiting for %d to stop: %v", pid, err)
	}
	mem, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDWR, 0)
	if err != nil {
		// Memory writes need the file; reads can fall back to
		// process_vm_readv, so retry read-only before giving up.
		mem, err = os.Open(fmt.Sprintf("/proc/%d/mem", pid))
		if err != nil {
			unix.PtraceDetach(pid)
			return nil, fmt.Errorf("opening memory of %d: %v", pid, err)
		}
	}
	return &Process{pid: pid, mem: mem, log: logflags.NativeLogger()}, nil
}

// Detach releases the traced process.
func (p *Process) Detach() error {
	p.mem.Close()
	return unix.PtraceDetach(p.pid)
}

// Pid returns the traced process ID.
func (p *Process) Pid() int {
	return p.pid
}

// ReadMemory implements proc.Target using process_vm_readv, falling back
// to /proc/<pid>/mem which can read some ranges vm_readv cannot.
func (p *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := unix.ProcessVMReadv(p.pid, local, remote, 0)
	if err == nil && n == len(buf) {
		return n, nil
	}
	m, err := p.mem.ReadAt(buf, int64(addr))
	if logflags.Native() && m < len(buf) {
		p.log.Debugf("short read at %#x: %d of %d bytes", addr, m, len(buf))
	}
	return m, err
}

// WriteMemory implements proc.Target through /proc/<pid>/mem, which
// honors the write even on pages mapped read-only in the target.
func (p *Process) WriteMemory(addr uint64, data []byte) (int, error) {
	return p.mem.WriteAt(data, int64(addr))
}

// ListMemoryRegions implements proc.Target by parsing /proc/<pid>/maps.
func (p *Process) ListMemoryRegions() ([]proc.MemoryRegion, error) {
	data, err := ioutil.ReadFile(fmt.Sprintf("/proc/%d/maps", p.pid))
	if err != nil {
		return nil, err
	}
	return ParseMaps(data)
}

// ListSymbols implements proc.Target by reading the symbol tables of the
// target's executable. Stripped binaries yield an empty table, not an
// error.
func (p *Process) ListSymbols() ([]proc.Symbol, error) {
	f, err := elf.Open(fmt.Sprintf("/proc/%d/exe", p.pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	base, err := p.imageBase(f)
	if err != nil {
		return nil, err
	}

	var out []proc.Symbol
	appendSyms := func(syms []elf.Symbol) {
		for _, s := range syms {
			if s.Name == "" || s.Value == 0 {
				continue
			}
			section := ""
			if int(s.Section) < len(f.Sections) {
				section = f.Sections[s.Section].Name
			}
			out = append(out, proc.Symbol{
				Name:    s.Name,
				Addr:    base + s.Value,
				Size:    s.Size,
				Section: section,
			})
		}
	}
	if syms, err := f.Symbols(); err == nil {
		appendSyms(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		appendSyms(syms)
	}
	return out, nil
}

// imageBase computes the load bias for PIE executables by lining up the
// first executable mapping of the binary with its first loadable segment.
func (p *Process) imageBase(f *elf.File) (uint64, error) {
	if f.Type != elf.ET_DYN {
		return 0, nil
	}
	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", p.pid))
	if err != nil {
		return 0, err
	}
	regions, err := p.ListMemoryRegions()
	if err != nil {
		return 0, err
	}
	for i := range regions {
		if regions[i].Name == exe {
			return regions[i].Start, nil
		}
	}
	return 0, nil
}
