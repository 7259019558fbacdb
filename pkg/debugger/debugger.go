// Package debugger aggregates the reconstruction layers into one context
// snapshot per stop event. It owns the engine's only shared mutable
// state, the per-snapshot read cache, and serializes snapshots and memory
// patches against each other.
package debugger

import (
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pwnsight/pwnsight/pkg/config"
	"github.com/pwnsight/pwnsight/pkg/logflags"
	"github.com/pwnsight/pwnsight/pkg/proc"
	"github.com/pwnsight/pwnsight/pkg/proc/glibc"
)

// ErrSnapshotInProgress is returned when Snapshot is re-entered while a
// prior snapshot for the same stop event is still being built.
var ErrSnapshotInProgress = errors.New("snapshot already in progress")

// Status carries per-component diagnostics embedded in a snapshot. An
// empty string means the component reconstructed cleanly; a message means
// that component's view is partial or missing while the rest of the
// snapshot is still valid.
type Status struct {
	Registers string
	Stack     string
	Heap      string
	Symbols   string
	Disasm    string
}

// ContextSnapshot is one complete, internally consistent reconstruction
// of process state at a single stop event.
type ContextSnapshot struct {
	ThreadID  int
	Registers *proc.RegisterFile
	Stack     proc.StackTrace
	Regions   proc.Regions
	Heap      *glibc.Heap
	Disasm    []proc.AsmInstruction
	Status    Status
}

// Debugger drives the reconstruction layers. It is driven synchronously
// from the host's stop callback; no internal parallelism exists, only the
// guard that keeps snapshots and patches from interleaving.
type Debugger struct {
	target proc.Target
	arch   *proc.Arch
	conf   *config.Config
	mem    *proc.CachedMemory

	mu       sync.Mutex
	inFlight bool

	lastSnapshot *ContextSnapshot
	lastResolver *proc.Resolver

	log *logrus.Entry
}

// New returns a Debugger over the given host target and architecture.
func New(target proc.Target, arch *proc.Arch, conf *config.Config) *Debugger {
	if conf == nil {
		conf = &config.Config{}
	}
	return &Debugger{
		target: target,
		arch:   arch,
		conf:   conf,
		mem:    proc.NewCachedMemory(target, conf.MemCacheEntriesOrDefault()),
		log:    logflags.SnapshotLogger(),
	}
}

// InstallStopHandler registers Snapshot as the host's stop-event
// callback. It returns false if the host cannot deliver stop events.
func (d *Debugger) InstallStopHandler() bool {
	notifier, ok := d.target.(proc.StopNotifier)
	if !ok {
		return false
	}
	notifier.OnStop(func(threadID int) {
		if _, err := d.Snapshot(threadID); err != nil && logflags.Snapshot() {
			d.log.Debugf("stop handler snapshot failed: %v", err)
		}
	})
	return true
}

// Snapshot reconstructs the complete context for a stopped thread. The
// layers run in dependency order; component failures degrade to Status
// annotations instead of failing the snapshot. Only one snapshot may be
// in flight at a time.
func (d *Debugger) Snapshot(threadID int) (*ContextSnapshot, error) {
	d.mu.Lock()
	if d.inFlight {
		d.mu.Unlock()
		return nil, ErrSnapshotInProgress
	}
	d.inFlight = true
	defer func() {
		d.mu.Lock()
		d.inFlight = false
		d.mu.Unlock()
	}()
	d.mu.Unlock()

	snap := &ContextSnapshot{ThreadID: threadID}

	// Mappings change between stops; re-list them and reset the cache.
	d.mem.Invalidate()
	rawRegions, err := d.target.ListMemoryRegions()
	if err != nil {
		return nil, fmt.Errorf("listing memory regions: %w", err)
	}
	snap.Regions = proc.NewRegions(rawRegions)
	d.mem.SetRegions(snap.Regions)

	regs, err := proc.SnapshotRegisters(d.target, d.arch, threadID)
	if err != nil {
		snap.Status.Registers = err.Error()
	}
	snap.Registers = regs

	symbols, err := d.target.ListSymbols()
	if err != nil {
		snap.Status.Symbols = err.Error()
	}

	var sp uint64
	if regs != nil {
		sp = regs.SP()
	}
	resolver := proc.NewResolver(snap.Regions, symbols, sp, nil)

	if regs != nil {
		snap.Stack = proc.UnwindStack(d.mem, regs, snap.Regions, symbols, d.conf.MaxStackFramesOrDefault())
	} else {
		snap.Status.Stack = "stack unavailable: no register file"
	}

	d.reconstructHeap(snap, resolver)

	if regs != nil && regs.PC() != 0 {
		snap.Disasm = proc.Disassemble(d.mem, d.arch, regs.PC(), d.conf.DisasmLinesOrDefault(), func(addr uint64) (string, uint64) {
			name := resolver.SymbolFor(addr)
			if name == "" {
				return "", 0
			}
			if sym, ok := resolver.LookupSymbol(name); ok {
				return sym.Name, sym.Addr
			}
			return "", 0
		})
		if len(snap.Disasm) == 0 {
			snap.Status.Disasm = "disassembly unavailable at PC"
		}
	}

	d.mu.Lock()
	d.lastSnapshot = snap
	d.lastResolver = resolver
	d.mu.Unlock()

	if logflags.Snapshot() {
		d.log.Debugf("snapshot thread %d: %d frames, %d regions", threadID, len(snap.Stack.Frames), len(snap.Regions))
	}
	return snap, nil
}

// reconstructHeap runs the allocator reconstruction if a layout is known.
// An unrecognized allocator version is the one escalation path in the
// engine: it surfaces as a single user-visible diagnostic while the rest
// of the snapshot stays intact.
func (d *Debugger) reconstructHeap(snap *ContextSnapshot, resolver *proc.Resolver) {
	ver, err := d.allocatorVersion(snap.Regions)
	if err != nil {
		snap.Status.Heap = fmt.Sprintf("heap view unavailable: unrecognized allocator version: %v", err)
		return
	}
	layout, err := glibc.LayoutFor(d.arch, ver)
	if err != nil {
		snap.Status.Heap = fmt.Sprintf("heap view unavailable: %v", err)
		return
	}
	rec := glibc.NewReconstructor(d.mem, layout, snap.Regions, resolver)
	if d.conf.MainArenaAddr != 0 {
		rec.SetMainArenaAddr(d.conf.MainArenaAddr)
	}
	heap, err := rec.Reconstruct()
	if err != nil {
		snap.Status.Heap = fmt.Sprintf("heap view unavailable: %v", err)
		return
	}
	snap.Heap = heap
	resolver.SetHeap(heap)
}

var libcVersionRe = regexp.MustCompile(`libc-(\d+\.\d+)\.so`)

// allocatorVersion picks the allocator layout generation: an explicit
// configuration override wins, otherwise the libc mapping name is parsed
// for a release number.
func (d *Debugger) allocatorVersion(regions proc.Regions) (glibc.Version, error) {
	if d.conf.AllocatorVersion != "" {
		return glibc.ParseVersion(d.conf.AllocatorVersion)
	}
	for i := range regions {
		if m := libcVersionRe.FindStringSubmatch(regions[i].Name); m != nil {
			return glibc.ParseVersion(m[1])
		}
	}
	return 0, &glibc.UnsupportedLayoutError{Arch: d.arch.Name, Version: "undetected"}
}

// LastSnapshot returns the most recent snapshot, or nil.
func (d *Debugger) LastSnapshot() *ContextSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSnapshot
}

// Classify resolves an arbitrary address, usable outside a full snapshot
// for ad hoc pointer inspection. It reuses the last snapshot's resolver
// (including its heap view) when one exists.
func (d *Debugger) Classify(addr uint64) (proc.Classification, error) {
	d.mu.Lock()
	resolver := d.lastResolver
	d.mu.Unlock()
	if resolver != nil {
		return resolver.Classify(addr), nil
	}

	rawRegions, err := d.target.ListMemoryRegions()
	if err != nil {
		return proc.Classification{}, err
	}
	symbols, err := d.target.ListSymbols()
	if err != nil {
		return proc.Classification{}, err
	}
	return proc.NewResolver(proc.NewRegions(rawRegions), symbols, 0, nil).Classify(addr), nil
}

// PatchMemory writes data to target memory. Patches take the snapshot
// guard so no write ever interleaves with an in-progress read sequence.
func (d *Debugger) PatchMemory(addr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight {
		return ErrSnapshotInProgress
	}
	_, err := d.mem.WriteMemory(addr, data)
	return err
}
