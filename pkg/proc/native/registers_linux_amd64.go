//go:build linux && amd64
// +build linux,amd64

package native

import (
	"golang.org/x/sys/unix"

	"github.com/pwnsight/pwnsight/pkg/proc"
)

// GetRegister implements proc.Target with PTRACE_GETREGS. The thread ID
// is the kernel task ID; 0 means the main thread.
func (p *Process) GetRegister(threadID int, name string) (uint64, error) {
	tid := threadID
	if tid == 0 {
		tid = p.pid
	}
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return 0, err
	}
	switch name {
	case "rax":
		return regs.Rax, nil
	case "rbx":
		return regs.Rbx, nil
	case "rcx":
		return regs.Rcx, nil
	case "rdx":
		return regs.Rdx, nil
	case "rdi":
		return regs.Rdi, nil
	case "rsi":
		return regs.Rsi, nil
	case "r8":
		return regs.R8, nil
	case "r9":
		return regs.R9, nil
	case "r10":
		return regs.R10, nil
	case "r11":
		return regs.R11, nil
	case "r12":
		return regs.R12, nil
	case "r13":
		return regs.R13, nil
	case "r14":
		return regs.R14, nil
	case "r15":
		return regs.R15, nil
	case "rbp":
		return regs.Rbp, nil
	case "rsp":
		return regs.Rsp, nil
	case "rip":
		return regs.Rip, nil
	case "eflags":
		return regs.Eflags, nil
	case "cs":
		return regs.Cs, nil
	case "ss":
		return regs.Ss, nil
	case "ds":
		return regs.Ds, nil
	case "es":
		return regs.Es, nil
	case "fs":
		return regs.Fs, nil
	case "gs":
		return regs.Gs, nil
	case "fs_base":
		return regs.Fs_base, nil
	case "gs_base":
		return regs.Gs_base, nil
	}
	return 0, proc.ErrRegisterUnavailable
}
