package proc

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// AsmInstruction is one decoded instruction of the disassembly window the
// snapshot carries around PC. Decoding itself is delegated to
// golang.org/x/arch; this engine only slices memory and renders text.
type AsmInstruction struct {
	Addr  uint64
	Bytes []byte
	Size  int
	Text  string
	AtPC  bool
}

const maxInstBytes = 15 // longest x86 instruction

// Disassemble decodes up to count instructions starting at pc. A decode
// failure or unreadable memory ends the window early; whatever was
// decoded is returned.
func Disassemble(mem MemoryReader, arch *Arch, pc uint64, count int, symname func(uint64) (string, uint64)) []AsmInstruction {
	if symname == nil {
		symname = func(uint64) (string, uint64) { return "", 0 }
	}
	out := make([]AsmInstruction, 0, count)
	addr := pc
	for len(out) < count {
		inst, ok := decodeOne(mem, arch, addr, symname)
		if !ok {
			break
		}
		inst.AtPC = addr == pc
		out = append(out, inst)
		addr += uint64(inst.Size)
	}
	return out
}

func decodeOne(mem MemoryReader, arch *Arch, addr uint64, symname func(uint64) (string, uint64)) (AsmInstruction, bool) {
	switch arch.Name {
	case "amd64", "386":
		buf := make([]byte, maxInstBytes)
		n, _ := mem.ReadMemory(buf, addr)
		if n == 0 {
			return AsmInstruction{}, false
		}
		mode := 64
		if arch.Name == "386" {
			mode = 32
		}
		inst, err := x86asm.Decode(buf[:n], mode)
		if err != nil {
			return AsmInstruction{}, false
		}
		return AsmInstruction{
			Addr:  addr,
			Bytes: buf[:inst.Len],
			Size:  inst.Len,
			Text:  x86asm.IntelSyntax(inst, addr, symname),
		}, true
	case "arm64":
		buf := make([]byte, 4)
		if _, err := mem.ReadMemory(buf, addr); err != nil {
			return AsmInstruction{}, false
		}
		inst, err := arm64asm.Decode(buf)
		if err != nil {
			return AsmInstruction{}, false
		}
		return AsmInstruction{
			Addr:  addr,
			Bytes: buf,
			Size:  4,
			Text:  arm64asm.GNUSyntax(inst),
		}, true
	}
	return AsmInstruction{}, false
}

func (inst AsmInstruction) String() string {
	marker := "  "
	if inst.AtPC {
		marker = "=>"
	}
	return fmt.Sprintf("%s %#x: %s", marker, inst.Addr, inst.Text)
}
