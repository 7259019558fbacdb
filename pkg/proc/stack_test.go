package proc_test

import (
	"testing"

	"github.com/pwnsight/pwnsight/pkg/proc"
	proctest "github.com/pwnsight/pwnsight/pkg/proc/test"
)

const (
	stackBase = uint64(0x7ffee0000000)
	stackSize = uint64(0x1000)
)

// buildStackTarget lays out a frame-pointer chain of the given saved
// frame pointers, with rbp pointing at the first.
func buildStackTarget(t *testing.T, savedFPs []uint64) (*proctest.Target, *proc.RegisterFile) {
	t.Helper()
	target := proctest.NewTarget(proc.AMD64)
	target.Map(stackBase, stackSize, proc.PermRead|proc.PermWrite, "[stack]")
	target.Map(0x401000, 0x1000, proc.PermRead|proc.PermExec, "/bin/demo")

	fp := stackBase + 0xe00
	target.SetRegister(1, "rip", 0x401100)
	target.SetRegister(1, "rsp", fp-0x40)
	target.SetRegister(1, "rbp", fp)
	for i, saved := range savedFPs {
		target.SetPointer(fp, saved)
		target.SetPointer(fp+8, 0x401200+uint64(i)*0x10)
		if inStack(saved) {
			fp = saved
		}
	}

	regs, err := proc.SnapshotRegisters(target, proc.AMD64, 1)
	if err != nil {
		t.Fatal(err)
	}
	return target, regs
}

func inStack(addr uint64) bool {
	return addr >= stackBase && addr < stackBase+stackSize
}

func TestUnwindStopsLeavingStack(t *testing.T) {
	// Three valid frames, then a frame pointer well outside any region.
	target, regs := buildStackTarget(t, []uint64{
		stackBase + 0xe80,
		stackBase + 0xf00,
		0x4141414141414141,
	})
	regions, _ := target.ListMemoryRegions()
	symbols, _ := target.ListSymbols()

	trace := proc.UnwindStack(proc.NewCachedMemory(target, 64), regs, proc.NewRegions(regions), symbols, 10)
	if len(trace.Frames) != 3 {
		t.Fatalf("expected exactly 3 frames, got %d", len(trace.Frames))
	}
	if trace.Stop != proc.StopOutOfStack {
		t.Errorf("expected StopOutOfStack, got %s", trace.Stop)
	}
	if trace.Frames[0].Depth != 0 || trace.Frames[0].ReturnAddr != 0x401100 {
		t.Errorf("wrong innermost frame: %+v", trace.Frames[0])
	}
}

func TestUnwindCycleGuard(t *testing.T) {
	// The third frame points back at the first.
	target, regs := buildStackTarget(t, []uint64{
		stackBase + 0xe80,
		stackBase + 0xf00,
		stackBase + 0xe00,
	})
	regions, _ := target.ListMemoryRegions()

	trace := proc.UnwindStack(proc.NewCachedMemory(target, 64), regs, proc.NewRegions(regions), nil, 10)
	if len(trace.Frames) != 3 {
		t.Fatalf("expected 3 frames before the cycle, got %d", len(trace.Frames))
	}
	if trace.Stop != proc.StopCycle {
		t.Errorf("expected StopCycle, got %s", trace.Stop)
	}
}

func TestUnwindMaxFrames(t *testing.T) {
	target, regs := buildStackTarget(t, []uint64{
		stackBase + 0xe80,
		stackBase + 0xf00,
		0x4141414141414141,
	})
	regions, _ := target.ListMemoryRegions()

	trace := proc.UnwindStack(proc.NewCachedMemory(target, 64), regs, proc.NewRegions(regions), nil, 2)
	if len(trace.Frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(trace.Frames))
	}
	if trace.Stop != proc.StopMaxFrames {
		t.Errorf("expected StopMaxFrames, got %s", trace.Stop)
	}
}

func TestUnwindEndOfChain(t *testing.T) {
	target, regs := buildStackTarget(t, []uint64{
		stackBase + 0xe80,
		0,
	})
	regions, _ := target.ListMemoryRegions()

	trace := proc.UnwindStack(proc.NewCachedMemory(target, 64), regs, proc.NewRegions(regions), nil, 10)
	if len(trace.Frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(trace.Frames))
	}
	if trace.Stop != proc.StopEndOfChain {
		t.Errorf("expected StopEndOfChain, got %s", trace.Stop)
	}
}

func TestUnwindResolvesSymbols(t *testing.T) {
	target, regs := buildStackTarget(t, []uint64{
		stackBase + 0xe80,
		0,
	})
	target.AddSymbol("main", 0x401100, 0x200, ".text")
	regions, _ := target.ListMemoryRegions()
	symbols, _ := target.ListSymbols()

	trace := proc.UnwindStack(proc.NewCachedMemory(target, 64), regs, proc.NewRegions(regions), symbols, 10)
	if len(trace.Frames) == 0 || trace.Frames[0].Symbol != "main" {
		t.Fatalf("expected innermost frame in main, got %+v", trace.Frames)
	}
}
