package disasm

import (
	"encoding/binary"
	"fmt"
	"iter"

	"shingle/internal/arch"
	"shingle/internal/image"
)

// Nibble decodes a minimal byte-coded instruction set used to exercise the
// scanners. The high nibble selects the opcode:
//
//	0x0_        nop                      linear
//	0x1_        alu                      linear
//	0x2c hh ll  jmp/bra  c!=0 is cond    transfer, absolute big-endian target
//	0x3_ hh ll  call                     transfer|call
//	0x4c hh ll  jmp.d/bra.d              as 0x2_, delayed
//	0x5_ hh ll  call.d                   as 0x3_, delayed
//	0x6_        ret                      transfer|return
//	0x7r        jr  rR                   indirect jump via register
//	0x8r        callr rR                 indirect call via register
//	0x9r ii     jmp.d [rR+ii]            delayed indirect jump through memory
//
// Opcodes 0xA_-0xF_ are invalid.
type Nibble struct{}

func (Nibble) Name() string { return "nibble" }

func (Nibble) Align() int { return 1 }

func (d Nibble) Decode(img image.Image, at image.Addr) iter.Seq2[arch.Inst, error] {
	return arch.Sequence(img, at, d.decodeOne)
}

func (Nibble) decodeOne(img image.Image, at image.Addr) (arch.Inst, error) {
	b, err := img.Read(at, 1)
	if err != nil {
		return arch.Inst{}, err
	}
	op, lo := b[0]>>4, b[0]&0xF
	inst := arch.Inst{Addr: at, Len: 1, Class: arch.Linear}

	// operands reads n bytes following the opcode byte.
	operands := func(n int) ([]byte, error) {
		ops, err := img.Read(at+1, n)
		if err != nil {
			inst.Len = 1 + len(image.ReadUpTo(img, at+1, n))
			return nil, err
		}
		inst.Len = 1 + n
		return ops, nil
	}

	switch op {
	case 0x0:
		inst.Mnemonic = "nop"
	case 0x1:
		inst.Mnemonic = "alu"
	case 0x2, 0x4:
		ops, err := operands(2)
		if err != nil {
			return inst, err
		}
		inst.Class = arch.Transfer
		inst.Target = arch.Const{Value: image.Addr(binary.BigEndian.Uint16(ops))}
		inst.Mnemonic = "jmp"
		if lo != 0 {
			inst.Class |= arch.Conditional
			inst.Cond = arch.Reg{Name: fmt.Sprintf("c%d", lo)}
			inst.Mnemonic = "bra"
		}
		if op == 0x4 {
			inst.Class |= arch.Delay
			inst.Mnemonic += ".d"
		}
	case 0x3, 0x5:
		ops, err := operands(2)
		if err != nil {
			return inst, err
		}
		inst.Class = arch.Transfer | arch.Call
		inst.Target = arch.Const{Value: image.Addr(binary.BigEndian.Uint16(ops))}
		inst.Mnemonic = "call"
		if op == 0x5 {
			inst.Class |= arch.Delay
			inst.Mnemonic = "call.d"
		}
	case 0x6:
		inst.Class = arch.Transfer | arch.Return
		inst.Mnemonic = "ret"
	case 0x7:
		inst.Class = arch.Transfer
		inst.Target = arch.Reg{Name: fmt.Sprintf("r%d", lo)}
		inst.Mnemonic = "jr"
	case 0x8:
		inst.Class = arch.Transfer | arch.Call
		inst.Target = arch.Reg{Name: fmt.Sprintf("r%d", lo)}
		inst.Mnemonic = "callr"
	case 0x9:
		ops, err := operands(1)
		if err != nil {
			return inst, err
		}
		inst.Class = arch.Transfer | arch.Delay
		inst.Target = arch.Mem{Expr: fmt.Sprintf("r%d+0x%02x", lo, ops[0])}
		inst.Mnemonic = "jmp.d"
	default:
		return inst, fmt.Errorf("%w: opcode 0x%02x at %s", arch.ErrDecodeInvalid, b[0], at)
	}

	inst.Text = inst.Mnemonic
	switch {
	case inst.Cond != nil:
		inst.Text = fmt.Sprintf("%s %s, %s", inst.Mnemonic, inst.Cond, inst.Target)
	case inst.Target != nil:
		inst.Text = fmt.Sprintf("%s %s", inst.Mnemonic, inst.Target)
	}
	return inst, nil
}
