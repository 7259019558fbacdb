package proc_test

import (
	"errors"
	"testing"

	"github.com/pwnsight/pwnsight/pkg/proc"
	proctest "github.com/pwnsight/pwnsight/pkg/proc/test"
)

func TestSnapshotRegisters(t *testing.T) {
	target := proctest.NewTarget(proc.AMD64)
	for _, name := range proc.AMD64.Registers {
		if name == "fs_base" || name == "gs_base" {
			continue // host does not expose these
		}
		target.SetRegister(1, name, 0x1000+uint64(len(name)))
	}
	target.SetRegister(1, "rip", 0x401000)
	target.SetRegister(1, "rsp", 0x7ffee0000f00)
	target.SetRegister(1, "rbp", 0x7ffee0000f80)

	rf, err := proc.SnapshotRegisters(target, proc.AMD64, 1)
	if err != nil {
		t.Fatal(err)
	}
	if rf.PC() != 0x401000 || rf.SP() != 0x7ffee0000f00 || rf.FP() != 0x7ffee0000f80 {
		t.Errorf("wrong pc/sp/fp: %#x %#x %#x", rf.PC(), rf.SP(), rf.FP())
	}

	// Unavailable registers are recorded, never zero-substituted.
	if len(rf.Missing) != 2 || rf.Missing[0] != "fs_base" || rf.Missing[1] != "gs_base" {
		t.Errorf("wrong missing set: %v", rf.Missing)
	}
	if _, err := rf.Get("fs_base"); !errors.Is(err, proc.ErrRegisterUnavailable) {
		t.Errorf("expected ErrRegisterUnavailable, got %v", err)
	}

	names := rf.Names()
	for _, name := range names {
		if name == "fs_base" || name == "gs_base" {
			t.Errorf("missing register %s listed as present", name)
		}
	}
	if len(names) != len(proc.AMD64.Registers)-2 {
		t.Errorf("expected %d present registers, got %d", len(proc.AMD64.Registers)-2, len(names))
	}
}

func TestArchByName(t *testing.T) {
	for _, name := range []string{"amd64", "386", "arm64"} {
		arch, err := proc.ArchByName(name)
		if err != nil || arch.Name != name {
			t.Errorf("ArchByName(%q) = %v, %v", name, arch, err)
		}
	}
	if _, err := proc.ArchByName("pdp11"); !errors.Is(err, proc.ErrUnknownArch) {
		t.Errorf("expected ErrUnknownArch, got %v", err)
	}
}
