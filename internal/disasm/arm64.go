package disasm

import (
	"encoding/binary"
	"fmt"
	"iter"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"shingle/internal/arch"
	"shingle/internal/image"
)

// ARM64 decodes fixed-width little-endian AArch64 instructions.
type ARM64 struct{}

func (ARM64) Name() string { return "arm64" }

func (ARM64) Align() int { return 4 }

func (d ARM64) Decode(img image.Image, at image.Addr) iter.Seq2[arch.Inst, error] {
	return arch.Sequence(img, at, d.decodeOne)
}

func (ARM64) decodeOne(img image.Image, at image.Addr) (arch.Inst, error) {
	b, err := img.Read(at, 4)
	if err != nil {
		return arch.Inst{Len: len(image.ReadUpTo(img, at, 4))}, err
	}
	raw := binary.LittleEndian.Uint32(b)

	dec, err := arm64asm.Decode(b)
	if err != nil {
		return arch.Inst{Len: 4, Mnemonic: ".word", Text: fmt.Sprintf(".word 0x%08x", raw)},
			fmt.Errorf("%w: 0x%08x at %s: %v", arch.ErrDecodeInvalid, raw, at, err)
	}

	text := dec.String()
	mnemonic, _, _ := strings.Cut(text, " ")
	inst := arch.Inst{
		Addr:     at,
		Len:      4,
		Class:    arch.Linear,
		Mnemonic: mnemonic,
		Text:     text,
	}

	bi := DecodeBranch(raw, uint64(at))
	if bi == nil {
		return inst, nil
	}
	inst.Class = arch.Transfer
	switch {
	case bi.IsRet:
		inst.Class |= arch.Return
		inst.Target = arch.Reg{Name: xreg(bi.Reg)}
	case bi.IsCall:
		inst.Class |= arch.Call
		inst.Target = branchTarget(bi)
	case bi.Cond:
		inst.Class |= arch.Conditional
		inst.Target = branchTarget(bi)
		if bi.Test >= 0 {
			inst.Cond = arch.Reg{Name: xreg(bi.Test)}
		} else {
			inst.Cond = arch.Reg{Name: "nzcv"}
		}
	default:
		inst.Target = branchTarget(bi)
	}
	return inst, nil
}

func branchTarget(bi *BranchInfo) arch.Operand {
	if bi.Reg >= 0 {
		return arch.Reg{Name: xreg(bi.Reg)}
	}
	return arch.Const{Value: image.Addr(bi.Target)}
}

func xreg(n int) string {
	if n == 31 {
		return "XZR"
	}
	return fmt.Sprintf("X%d", n)
}
