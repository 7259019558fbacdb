package proc

import (
	"github.com/sirupsen/logrus"

	"github.com/pwnsight/pwnsight/pkg/logflags"
)

// StackFrame is one frame recovered by saved-frame-pointer chaining.
// Frames are ordered innermost first.
type StackFrame struct {
	// Depth is 0 for the innermost frame.
	Depth int
	// FramePointer is the frame's base pointer.
	FramePointer uint64
	// ReturnAddr is the address the frame will return to; for the
	// innermost frame it is the current PC.
	ReturnAddr uint64
	// Symbol is the symbol containing ReturnAddr, if one was resolved.
	Symbol string
}

// StopReason records why the unwinder stopped following the chain. A
// partial trace is still useful, so the reason is part of the result
// rather than an error.
type StopReason int

const (
	// StopEndOfChain means the saved frame pointer was zero.
	StopEndOfChain StopReason = iota
	// StopOutOfStack means a frame pointer left every known stack region.
	StopOutOfStack
	// StopMaxFrames means the depth limit was reached.
	StopMaxFrames
	// StopCycle means a frame pointer repeated; the chain is corrupted.
	StopCycle
	// StopReadError means the saved pair could not be read.
	StopReadError
)

func (r StopReason) String() string {
	switch r {
	case StopEndOfChain:
		return "end of chain"
	case StopOutOfStack:
		return "frame pointer outside stack"
	case StopMaxFrames:
		return "frame limit reached"
	case StopCycle:
		return "frame pointer cycle"
	case StopReadError:
		return "unreadable frame"
	}
	return "unknown"
}

// StackTrace is the result of unwinding one thread's stack: the recovered
// frames plus the reason the walk ended.
type StackTrace struct {
	Frames []StackFrame
	Stop   StopReason
}

// stackIterator walks a saved-frame-pointer chain one frame at a time.
// The frame layout assumed here is the universal one: [fp] holds the
// caller's frame pointer and [fp+ptrsize] the return address. This also
// matches the arm64 frame record (x29, x30 pair).
type stackIterator struct {
	mem     MemoryReader
	arch    *Arch
	stacks  Regions
	symbols []Symbol

	fp, ret uint64
	depth   int
	visited map[uint64]bool
	frame   StackFrame
	stop    StopReason
	done    bool
	log     *logrus.Entry
}

func newStackIterator(mem MemoryReader, arch *Arch, stacks Regions, symbols []Symbol, pc, fp uint64) *stackIterator {
	return &stackIterator{
		mem:     mem,
		arch:    arch,
		stacks:  stacks,
		symbols: symbols,
		fp:      fp,
		ret:     pc,
		visited: make(map[uint64]bool),
		log:     logflags.StackLogger(),
	}
}

// Next advances the iterator to the next frame. It returns false once the
// chain ends, with the reason recorded for Stop.
func (it *stackIterator) Next() bool {
	if it.done {
		return false
	}
	if it.stacks.Find(it.fp) == nil {
		it.stop, it.done = StopOutOfStack, true
		return false
	}
	if it.visited[it.fp] {
		it.stop, it.done = StopCycle, true
		return false
	}
	it.visited[it.fp] = true

	it.frame = StackFrame{
		Depth:        it.depth,
		FramePointer: it.fp,
		ReturnAddr:   it.ret,
		Symbol:       symbolFor(it.symbols, it.ret),
	}
	it.depth++

	savedFP, err1 := ReadPointer(it.mem, it.fp, it.arch)
	savedRet, err2 := ReadPointer(it.mem, it.fp+uint64(it.arch.PtrSize), it.arch)
	switch {
	case err1 != nil || err2 != nil:
		it.stop, it.done = StopReadError, true
	case savedFP == 0:
		it.stop, it.done = StopEndOfChain, true
	default:
		it.fp, it.ret = savedFP, savedRet
	}
	return true
}

// Frame returns the frame the iterator is pointing at.
func (it *stackIterator) Frame() StackFrame {
	return it.frame
}

// Stop returns the reason the iterator ended.
func (it *stackIterator) Stop() StopReason {
	return it.stop
}

// UnwindStack recovers up to maxFrames stack frames for a stopped thread
// by following the saved-frame-pointer chain starting at regs.FP()/PC().
// It always returns a trace; corrupted chains end the walk with the
// appropriate stop reason instead of failing.
func UnwindStack(mem MemoryReader, regs *RegisterFile, regions Regions, symbols []Symbol, maxFrames int) StackTrace {
	stacks := regions.Stacks(regs.SP())
	it := newStackIterator(mem, regs.Arch, stacks, symbols, regs.PC(), regs.FP())
	trace := StackTrace{Frames: make([]StackFrame, 0, maxFrames)}
	for it.Next() {
		trace.Frames = append(trace.Frames, it.Frame())
		if len(trace.Frames) >= maxFrames {
			trace.Stop = StopMaxFrames
			if logflags.Stack() {
				it.log.Debugf("unwind stopped at frame limit %d", maxFrames)
			}
			return trace
		}
	}
	trace.Stop = it.Stop()
	if logflags.Stack() {
		it.log.Debugf("unwound %d frames, stop: %s", len(trace.Frames), trace.Stop)
	}
	return trace
}

func symbolFor(symbols []Symbol, addr uint64) string {
	for i := range symbols {
		if symbols[i].Contains(addr) {
			return symbols[i].Name
		}
	}
	return ""
}
