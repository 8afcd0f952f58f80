// Package elfsym exposes the function symbols of an ELF executable as
// types and members, measured in machine instructions.
//
// Symbols are grouped by splitting their name at the last '.', which
// matches the Go linker's naming: "pkg.(*T).Method" is member "Method"
// of type "pkg.(*T)" and "pkg.fn" is member "fn" of type "pkg".
package elfsym

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// ErrUnsupportedMachine is returned for architectures without a decoder.
var ErrUnsupportedMachine = errors.New("unsupported machine")

// Func is a function symbol.
type Func struct {
	Name   string
	Type   string
	Member string
	Addr   uint64
	Size   uint64
	// Instructions is the number of machine instructions in the body,
	// valid if HasBody is true.
	Instructions int
	HasBody      bool
}

// IsELF reports whether data starts with the ELF magic number.
func IsELF(data []byte) bool {
	return len(data) >= 4 && string(data[:4]) == elf.ELFMAG
}

// SplitName splits a symbol name into type and member. Dots inside the
// type arguments of a generic instantiation, as in "pkg.F[go.shape.int]",
// do not split.
func SplitName(sym string) (typ, member string) {
	depth := 0
	for i := len(sym) - 1; i >= 0; i-- {
		switch sym[i] {
		case ']':
			depth++
		case '[':
			if depth > 0 {
				depth--
			}
		case '.':
			if depth == 0 {
				return sym[:i], sym[i+1:]
			}
		}
	}
	return "", sym
}

// Funcs reads every function symbol of the ELF file in r. On machines
// without an instruction decoder every Func has HasBody false.
func Funcs(r io.ReaderAt) (elf.Machine, []Func, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()
	funcs, err := funcsOf(f)
	return f.Machine, funcs, err
}

func funcsOf(f *elf.File) ([]Func, error) {
	_, err := CountInstructions(f.Machine, nil)
	decodable := err == nil

	syms, err := f.Symbols()
	if err != nil {
		return nil, err
	}

	sectionData := map[elf.SectionIndex][]byte{}
	var funcs []Func
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Name == "" {
			continue
		}
		fn := Func{Name: sym.Name, Addr: sym.Value, Size: sym.Size}
		fn.Type, fn.Member = SplitName(sym.Name)
		if decodable && sym.Size > 0 && sym.Section > elf.SHN_UNDEF && sym.Section < elf.SHN_LORESERVE && int(sym.Section) < len(f.Sections) {
			sec := f.Sections[sym.Section]
			if sec.Type != elf.SHT_NOBITS && sym.Value >= sec.Addr && sym.Value+sym.Size <= sec.Addr+sec.Size {
				data, ok := sectionData[sym.Section]
				if !ok {
					if data, err = sec.Data(); err != nil {
						return nil, fmt.Errorf("reading section %s: %v", sec.Name, err)
					}
					sectionData[sym.Section] = data
				}
				start := sym.Value - sec.Addr
				if start+sym.Size <= uint64(len(data)) {
					n, err := CountInstructions(f.Machine, data[start:start+sym.Size])
					if err != nil {
						return nil, err
					}
					fn.Instructions = n
					fn.HasBody = true
				}
			}
		}
		funcs = append(funcs, fn)
	}
	return funcs, nil
}

// CountInstructions returns the number of instructions in code. Bytes that
// do not decode count as one instruction each.
func CountInstructions(machine elf.Machine, code []byte) (int, error) {
	n := 0
	switch machine {
	case elf.EM_X86_64, elf.EM_386:
		mode := 64
		if machine == elf.EM_386 {
			mode = 32
		}
		for len(code) > 0 {
			size := 1
			if inst, err := x86asm.Decode(code, mode); err == nil {
				size = inst.Len
			}
			code = code[size:]
			n++
		}
	case elf.EM_AARCH64:
		for len(code) >= 4 {
			// Undecodable words are still one instruction slot.
			arm64asm.Decode(code[:4])
			code = code[4:]
			n++
		}
	default:
		return 0, fmt.Errorf("%w %v", ErrUnsupportedMachine, machine)
	}
	return n, nil
}
