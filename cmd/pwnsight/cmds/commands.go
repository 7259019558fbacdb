// Package cmds implements the pwnsight command line interface. The
// commands are a thin shell over pkg/debugger; all reconstruction logic
// lives below it.
package cmds

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/pwnsight/pwnsight/pkg/config"
	"github.com/pwnsight/pwnsight/pkg/debugger"
	"github.com/pwnsight/pwnsight/pkg/logflags"
	"github.com/pwnsight/pwnsight/pkg/proc"
	"github.com/pwnsight/pwnsight/pkg/proc/glibc"
	"github.com/pwnsight/pwnsight/pkg/proc/native"
	"github.com/pwnsight/pwnsight/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of layers that should produce
	// debug output.
	logOutput string

	conf *config.Config
)

// New creates the root command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand := &cobra.Command{
		Use:   "pwnsight",
		Short: "Pwnsight reconstructs typed views of a live process for exploitation analysis.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logflags.Setup(log, logOutput)
		},
	}
	addLogFlags(rootCommand.PersistentFlags())

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pwnsight %s\n%s\n", version.PwnsightVersion, version.BuildInfo())
		},
	}
	rootCommand.AddCommand(versionCommand)

	contextCommand := &cobra.Command{
		Use:   "context <pid>",
		Short: "Attach to a process and print one context snapshot.",
		Long: `Attaches to the given process, reconstructs registers, stack, memory
regions and heap state, prints the snapshot and detaches.`,
		Args: cobra.ExactArgs(1),
		Run:  contextCmd,
	}
	rootCommand.AddCommand(contextCommand)

	classifyCommand := &cobra.Command{
		Use:   "classify <pid> <address>",
		Short: "Resolve what an address points into.",
		Args:  cobra.ExactArgs(2),
		Run:   classifyCmd,
	}
	rootCommand.AddCommand(classifyCommand)

	rootCommand.DisableAutoGenTag = true
	return rootCommand
}

func addLogFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&log, "log", "", false, "Enable debug logging.")
	fs.StringVarP(&logOutput, "log-output", "", "", "Comma separated list of layers that should produce debug output (mem,heap,stack,snapshot,native).")
	fs.Lookup("log").NoOptDefVal = "true"
}

func attach(args []string) (*debugger.Debugger, *native.Process) {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid pid %q\n", args[0])
		os.Exit(1)
	}
	target, err := native.Attach(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	arch, err := proc.ArchByName(runtime.GOARCH)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	return debugger.New(target, arch, conf), target
}

func contextCmd(cmd *cobra.Command, args []string) {
	dbg, target := attach(args)
	defer target.Detach()

	snap, err := dbg.Snapshot(0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	printSnapshot(snap)
}

func classifyCmd(cmd *cobra.Command, args []string) {
	addr, err := strconv.ParseUint(strings.TrimPrefix(args[1], "0x"), 16, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid address %q\n", args[1])
		os.Exit(1)
	}
	dbg, target := attach(args)
	defer target.Detach()

	// A full snapshot first so classification sees the heap.
	if _, err := dbg.Snapshot(0); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	c, err := dbg.Classify(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%#x: %s\n", addr, c.Annotation())
}

func printSnapshot(snap *debugger.ContextSnapshot) {
	if snap.Registers != nil {
		fmt.Println("registers:")
		for _, name := range snap.Registers.Names() {
			v, _ := snap.Registers.Get(name)
			fmt.Printf("  %-8s %#016x\n", name, v)
		}
		for _, name := range snap.Registers.Missing {
			fmt.Printf("  %-8s <unavailable>\n", name)
		}
	}
	if snap.Status.Registers != "" {
		fmt.Printf("registers: %s\n", snap.Status.Registers)
	}

	fmt.Println("disassembly:")
	for _, inst := range snap.Disasm {
		fmt.Printf("  %s\n", inst)
	}

	fmt.Printf("stack (stopped: %s):\n", snap.Stack.Stop)
	for _, frame := range snap.Stack.Frames {
		sym := frame.Symbol
		if sym == "" {
			sym = "?"
		}
		fmt.Printf("  #%-2d fp=%#x ret=%#x %s\n", frame.Depth, frame.FramePointer, frame.ReturnAddr, sym)
	}

	fmt.Println("regions:")
	for _, r := range snap.Regions {
		fmt.Printf("  %#016x-%#016x %s %s\n", r.Start, r.End(), r.PermString(), r.Name)
	}

	if snap.Status.Heap != "" {
		fmt.Printf("heap: %s\n", snap.Status.Heap)
		return
	}
	if snap.Heap == nil {
		return
	}
	fmt.Println("heap:")
	for _, a := range snap.Heap.Arenas {
		state := ""
		if a.Corrupt {
			state = " CORRUPT: " + a.Reason
		}
		fmt.Printf("  arena %#x top=%#x threads=%d%s\n", a.Addr, a.Top, a.AttachedThreads, state)
		for _, bin := range a.Bins {
			if len(bin.Chunks) == 0 && !bin.Corrupt && !bin.BoundsViolation {
				continue
			}
			printBin(bin)
		}
	}
	for _, bin := range snap.Heap.TcacheBins {
		if len(bin.Chunks) == 0 && !bin.Corrupt && !bin.BoundsViolation {
			continue
		}
		printBin(bin)
	}
}

func printBin(bin glibc.Bin) {
	note := ""
	if bin.Corrupt {
		note = " CORRUPT: " + bin.Reason
	} else if bin.BoundsViolation {
		note = " BOUNDS: " + bin.Reason
	}
	fmt.Printf("    %s[%d] size=%#x%s\n", bin.Kind, bin.Index, bin.SizeClass, note)
	for _, c := range bin.Chunks {
		fmt.Printf("      chunk %#x size=%#x %s\n", c.Addr, c.Size, c.Kind)
	}
}
