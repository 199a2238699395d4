// Package disasm provides the concrete instruction decoders the scanners run
// on (ARM64, x86 and the byte-coded Nibble set) and stable text rendering of
// decoded instructions.
package disasm

import (
	"debug/elf"
	"errors"
	"fmt"
	"strings"

	"shingle/internal/arch"
	"shingle/internal/image"
)

// ErrUnknownArch is returned for an architecture name or ELF machine with no
// decoder.
var ErrUnknownArch = errors.New("disasm: unknown architecture")

// SymbolLookup resolves an address to a symbolic name. Returns ("", false) if unknown.
type SymbolLookup func(addr image.Addr) (name string, ok bool)

// Annotator returns an optional inline comment for an instruction.
// Empty string means no annotation.
type Annotator func(inst arch.Inst) string

// ByName returns the decoder registered under name.
func ByName(name string) (arch.Decoder, error) {
	switch strings.ToLower(name) {
	case "nibble":
		return Nibble{}, nil
	case "arm64", "aarch64":
		return ARM64{}, nil
	case "x86-64", "amd64", "x86_64":
		return X86{Mode: 64}, nil
	case "x86", "386", "i386":
		return X86{Mode: 32}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownArch, name)
}

// ForMachine returns the decoder for an ELF machine type.
func ForMachine(m elf.Machine) (arch.Decoder, error) {
	switch m {
	case elf.EM_AARCH64:
		return ARM64{}, nil
	case elf.EM_X86_64:
		return X86{Mode: 64}, nil
	case elf.EM_386:
		return X86{Mode: 32}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownArch, m)
}

// Format renders instructions as stable text output.
// Each line: <addr>  <hex bytes>  <disasm>  ; <comments>
// Synthetic instructions have no bytes and are printed with a blank address.
// Annotators are checked in order; first non-empty result is used.
func Format(img image.Image, insts []arch.Inst, lookup SymbolLookup, annotators ...Annotator) string {
	var b strings.Builder
	for _, inst := range insts {
		if inst.Synthetic() {
			fmt.Fprintf(&b, "%10s  %-12s  %s\n", "", "", inst)
			continue
		}
		fmt.Fprintf(&b, "0x%08x  ", uint64(inst.Addr))
		var hex []string
		if img != nil {
			for _, c := range image.ReadUpTo(img, inst.Addr, inst.Len) {
				hex = append(hex, fmt.Sprintf("%02x", c))
			}
		}
		fmt.Fprintf(&b, "%-12s  ", strings.Join(hex, " "))
		b.WriteString(inst.String())
		if inst.Slot {
			b.WriteString("  ; delay slot")
		}

		commented := false
		if lookup != nil {
			if name, ok := lookup(inst.Addr); ok {
				fmt.Fprintf(&b, "  ; <%s>", name)
				commented = true
			}
		}
		if !commented {
			for _, ann := range annotators {
				if s := ann(inst); s != "" {
					fmt.Fprintf(&b, "  ; %s", s)
					break
				}
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// PlaceholderLookup returns a SymbolLookup over a fixed set of names.
func PlaceholderLookup(entryPoints map[image.Addr]string) SymbolLookup {
	return func(addr image.Addr) (string, bool) {
		if name, ok := entryPoints[addr]; ok {
			return name, true
		}
		return "", false
	}
}

// TargetAnnotator names the static target of a transfer when lookup knows
// it, so listings show "-> name" next to calls and jumps into procedures.
func TargetAnnotator(lookup SymbolLookup) Annotator {
	return func(inst arch.Inst) string {
		to, ok := inst.ConstTarget()
		if !ok || !inst.IsCTI() || lookup == nil {
			return ""
		}
		if name, ok := lookup(to); ok {
			return "-> " + name
		}
		return ""
	}
}

// SubName is the placeholder name for an unnamed procedure entry.
func SubName(addr image.Addr) string {
	return fmt.Sprintf("sub_%x", uint64(addr))
}
