package proc

import (
	"encoding/binary"
	"errors"
	"strconv"
)

// ErrUnknownArch is returned when an architecture name is not supported.
var ErrUnknownArch = errors.New("unknown architecture")

// Arch is an immutable description of a CPU architecture: word size, byte
// order and the canonical register file the host is expected to expose.
type Arch struct {
	Name      string
	PtrSize   int
	ByteOrder binary.ByteOrder

	// Registers is the canonical register set, in display order.
	Registers []string

	// Names of the program counter, stack pointer and frame pointer
	// registers. LRReg is the link register on architectures that have
	// one, empty otherwise.
	PCReg string
	SPReg string
	FPReg string
	LRReg string
}

// MallocAlign returns the allocator alignment for this architecture
// (2 * SIZE_SZ in glibc terms).
func (a *Arch) MallocAlign() uint64 {
	return uint64(2 * a.PtrSize)
}

// AMD64 is the x86-64 architecture.
var AMD64 = &Arch{
	Name:      "amd64",
	PtrSize:   8,
	ByteOrder: binary.LittleEndian,
	Registers: []string{
		"rax", "rbx", "rcx", "rdx", "rdi", "rsi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
		"rbp", "rsp", "rip", "eflags",
		"cs", "ss", "ds", "es", "fs", "gs", "fs_base", "gs_base",
	},
	PCReg: "rip",
	SPReg: "rsp",
	FPReg: "rbp",
}

// I386 is the 32-bit x86 architecture.
var I386 = &Arch{
	Name:      "386",
	PtrSize:   4,
	ByteOrder: binary.LittleEndian,
	Registers: []string{
		"eax", "ebx", "ecx", "edx", "edi", "esi",
		"ebp", "esp", "eip", "eflags",
		"cs", "ss", "ds", "es", "fs", "gs",
	},
	PCReg: "eip",
	SPReg: "esp",
	FPReg: "ebp",
}

// ARM64 is the 64-bit ARM architecture.
var ARM64 = &Arch{
	Name:      "arm64",
	PtrSize:   8,
	ByteOrder: binary.LittleEndian,
	Registers: func() []string {
		regs := make([]string, 0, 34)
		for i := 0; i < 29; i++ {
			regs = append(regs, "x"+strconv.Itoa(i))
		}
		return append(regs, "x29", "x30", "sp", "pc", "cpsr")
	}(),
	PCReg: "pc",
	SPReg: "sp",
	FPReg: "x29",
	LRReg: "x30",
}

var arches = map[string]*Arch{
	AMD64.Name: AMD64,
	I386.Name:  I386,
	ARM64.Name: ARM64,
}

// ArchByName returns the architecture description for name.
func ArchByName(name string) (*Arch, error) {
	a, ok := arches[name]
	if !ok {
		return nil, ErrUnknownArch
	}
	return a, nil
}
