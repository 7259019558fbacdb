package proc

import (
	"errors"
	"fmt"
	"sort"
)

// ErrRegisterUnavailable is returned by Target.GetRegister when the named
// register is not exposed on the current architecture. The engine records
// the omission instead of substituting zero.
var ErrRegisterUnavailable = errors.New("register unavailable")

// RegisterFile is a typed snapshot of one thread's registers, tagged with
// the architecture's word size and byte order through Arch. It is rebuilt
// on every stop and never mutated afterwards.
type RegisterFile struct {
	Arch     *Arch
	ThreadID int

	values map[string]uint64

	// Missing lists the canonical registers the host could not provide,
	// sorted by name.
	Missing []string
}

// SnapshotRegisters queries the host for every canonical register of arch.
// Registers the host reports as unavailable are listed in Missing; any
// other host error aborts the snapshot since a register file with silently
// wrong values is worse than none.
func SnapshotRegisters(t Target, arch *Arch, threadID int) (*RegisterFile, error) {
	rf := &RegisterFile{
		Arch:     arch,
		ThreadID: threadID,
		values:   make(map[string]uint64, len(arch.Registers)),
	}
	for _, name := range arch.Registers {
		v, err := t.GetRegister(threadID, name)
		if err != nil {
			if errors.Is(err, ErrRegisterUnavailable) {
				rf.Missing = append(rf.Missing, name)
				continue
			}
			return nil, fmt.Errorf("reading register %s: %w", name, err)
		}
		rf.values[name] = v
	}
	sort.Strings(rf.Missing)
	return rf, nil
}

// Get returns the value of the named register.
func (rf *RegisterFile) Get(name string) (uint64, error) {
	v, ok := rf.values[name]
	if !ok {
		return 0, ErrRegisterUnavailable
	}
	return v, nil
}

// Names returns the registers present in the file, in the architecture's
// display order.
func (rf *RegisterFile) Names() []string {
	out := make([]string, 0, len(rf.values))
	for _, name := range rf.Arch.Registers {
		if _, ok := rf.values[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// PC returns the program counter, or 0 if it was unavailable.
func (rf *RegisterFile) PC() uint64 {
	return rf.values[rf.Arch.PCReg]
}

// SP returns the stack pointer, or 0 if it was unavailable.
func (rf *RegisterFile) SP() uint64 {
	return rf.values[rf.Arch.SPReg]
}

// FP returns the frame pointer, or 0 if it was unavailable.
func (rf *RegisterFile) FP() uint64 {
	return rf.values[rf.Arch.FPReg]
}
