//go:build linux && !amd64
// +build linux,!amd64

package native

import (
	"github.com/pwnsight/pwnsight/pkg/proc"
)

// GetRegister reports every register as unavailable on architectures the
// native target has no ptrace register mapping for yet.
func (p *Process) GetRegister(threadID int, name string) (uint64, error) {
	return 0, proc.ErrRegisterUnavailable
}
