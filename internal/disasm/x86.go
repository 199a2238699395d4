package disasm

import (
	"errors"
	"fmt"
	"iter"
	"strings"

	"golang.org/x/arch/x86/x86asm"
	"shingle/internal/arch"
	"shingle/internal/image"
)

const x86MaxLen = 15

// X86 decodes variable-length x86 instructions. Mode is 16, 32 or 64.
type X86 struct {
	Mode int
}

func (d X86) Name() string {
	if d.mode() == 32 {
		return "x86"
	}
	return "x86-64"
}

func (X86) Align() int { return 1 }

func (d X86) mode() int {
	if d.Mode == 0 {
		return 64
	}
	return d.Mode
}

func (d X86) Decode(img image.Image, at image.Addr) iter.Seq2[arch.Inst, error] {
	return arch.Sequence(img, at, d.decodeOne)
}

func (d X86) decodeOne(img image.Image, at image.Addr) (arch.Inst, error) {
	window := image.ReadUpTo(img, at, x86MaxLen)
	if len(window) == 0 {
		return arch.Inst{}, fmt.Errorf("%w: %s", image.ErrOutOfBounds, at)
	}

	dec, err := x86asm.Decode(window, d.mode())
	if err != nil {
		if errors.Is(err, x86asm.ErrTruncated) && len(window) < x86MaxLen {
			return arch.Inst{Len: len(window)}, fmt.Errorf("%w: truncated instruction at %s", image.ErrOutOfBounds, at)
		}
		return arch.Inst{Len: 1, Mnemonic: "(bad)", Text: "(bad)"},
			fmt.Errorf("%w: at %s: %v", arch.ErrDecodeInvalid, at, err)
	}

	text := x86asm.IntelSyntax(dec, uint64(at), nil)
	inst := arch.Inst{
		Addr:     at,
		Len:      dec.Len,
		Class:    arch.Linear,
		Mnemonic: strings.ToLower(dec.Op.String()),
		Text:     text,
	}

	switch dec.Op {
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		inst.Class = arch.Transfer | arch.Return
	case x86asm.CALL, x86asm.LCALL:
		inst.Class = arch.Transfer | arch.Call
		inst.Target = x86Target(dec, at)
	case x86asm.JMP, x86asm.LJMP:
		inst.Class = arch.Transfer
		inst.Target = x86Target(dec, at)
	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		inst.Class = arch.Transfer | arch.Conditional
		inst.Target = x86Target(dec, at)
		inst.Cond = arch.Reg{Name: "rcx"}
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO,
		x86asm.JP, x86asm.JS:
		inst.Class = arch.Transfer | arch.Conditional
		inst.Target = x86Target(dec, at)
		inst.Cond = arch.Reg{Name: "eflags"}
	}
	return inst, nil
}

// x86Target maps the first operand of a transfer onto the operand sum type.
func x86Target(dec x86asm.Inst, at image.Addr) arch.Operand {
	switch a := dec.Args[0].(type) {
	case x86asm.Rel:
		return arch.Const{Value: image.Addr(int64(at) + int64(dec.Len) + int64(a))}
	case x86asm.Reg:
		return arch.Reg{Name: strings.ToLower(a.String())}
	case x86asm.Mem:
		return arch.Mem{Expr: strings.ToLower(a.String())}
	case x86asm.Imm:
		return arch.Const{Value: image.Addr(a)}
	}
	return arch.Mem{Expr: "?"}
}
