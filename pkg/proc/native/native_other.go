//go:build !linux
// +build !linux

package native

import (
	"errors"

	"github.com/pwnsight/pwnsight/pkg/proc"
)

// ErrUnsupported is returned on platforms without a native target
// implementation.
var ErrUnsupported = errors.New("native target is only supported on linux")

// Process is a placeholder on unsupported platforms; every method fails
// with ErrUnsupported.
type Process struct{}

// Attach always fails on unsupported platforms.
func Attach(pid int) (*Process, error) {
	return nil, ErrUnsupported
}

// Detach implements the linux Process surface.
func (p *Process) Detach() error { return ErrUnsupported }

// Pid implements the linux Process surface.
func (p *Process) Pid() int { return 0 }

// ReadMemory implements proc.Target.
func (p *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	return 0, ErrUnsupported
}

// WriteMemory implements proc.Target.
func (p *Process) WriteMemory(addr uint64, data []byte) (int, error) {
	return 0, ErrUnsupported
}

// GetRegister implements proc.Target.
func (p *Process) GetRegister(threadID int, name string) (uint64, error) {
	return 0, ErrUnsupported
}

// ListSymbols implements proc.Target.
func (p *Process) ListSymbols() ([]proc.Symbol, error) {
	return nil, ErrUnsupported
}

// ListMemoryRegions implements proc.Target.
func (p *Process) ListMemoryRegions() ([]proc.MemoryRegion, error) {
	return nil, ErrUnsupported
}
