package proc

// Target is the narrow surface the engine consumes from the host debugger.
// Implementations are expected to be driven from a single thread of control;
// the engine never calls a Target concurrently with itself.
type Target interface {
	// ReadMemory reads len(buf) bytes of target memory at addr. It may
	// return fewer bytes than requested together with an error describing
	// why the rest was unavailable.
	ReadMemory(buf []byte, addr uint64) (int, error)

	// WriteMemory writes data to target memory at addr.
	WriteMemory(addr uint64, data []byte) (int, error)

	// GetRegister returns the value of the named register for the given
	// thread, or ErrRegisterUnavailable if the current architecture does
	// not expose it.
	GetRegister(threadID int, name string) (uint64, error)

	// ListSymbols returns the host's symbol table.
	ListSymbols() ([]Symbol, error)

	// ListMemoryRegions returns the current memory mappings. Mappings
	// change between stops, so this is called fresh for every snapshot.
	ListMemoryRegions() ([]MemoryRegion, error)
}

// StopNotifier is implemented by hosts that can deliver stop events
// (breakpoint, signal, single-step) to the engine.
type StopNotifier interface {
	// OnStop registers fn to be invoked every time the traced process
	// halts, with the ID of the stopped thread.
	OnStop(fn func(threadID int))
}

// Symbol is a single entry of the host's symbol table. The engine never
// mutates symbols, it only queries them.
type Symbol struct {
	Name    string
	Addr    uint64
	Size    uint64
	Section string
}

// Contains reports whether addr falls inside the symbol's extent.
// Zero-sized symbols only match their exact address.
func (s *Symbol) Contains(addr uint64) bool {
	if s.Size == 0 {
		return addr == s.Addr
	}
	return addr >= s.Addr && addr < s.Addr+s.Size
}
