// Package arch defines the decoder contract the scanners consume: decoded
// instructions tagged with a class flag set and their transfer operands.
package arch

import (
	"errors"
	"fmt"
	"iter"
	"strings"

	"shingle/internal/image"
)

// ErrDecodeInvalid is reported when the bytes at a cursor do not form an
// instruction.
var ErrDecodeInvalid = errors.New("arch: invalid instruction")

// Class is the instruction-class flag set.
type Class uint16

const (
	Linear Class = 1 << iota
	Transfer
	Conditional
	Call
	Return
	Delay
	Invalid
)

// Has reports whether all flags in f are set.
func (c Class) Has(f Class) bool { return c&f == f }

func (c Class) String() string {
	if c == 0 {
		return "none"
	}
	names := []string{"linear", "transfer", "conditional", "call", "return", "delay", "invalid"}
	var parts []string
	for i, n := range names {
		if c&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, "|")
}

// Operand is a closed sum type over transfer target and condition shapes:
// Const, Reg, Mem and Temp.
type Operand interface {
	operand()
	String() string
}

// Const is a statically known address.
type Const struct{ Value image.Addr }

// Reg is a register operand.
type Reg struct{ Name string }

// Mem is a compound expression (memory dereference, computed address) that
// is not a simple register or constant.
type Mem struct{ Expr string }

// Temp is a temporary introduced when hoisting a compound expression.
type Temp struct{ ID int }

func (Const) operand() {}
func (Reg) operand()   {}
func (Mem) operand()   {}
func (Temp) operand()  {}

func (c Const) String() string { return c.Value.String() }
func (r Reg) String() string   { return r.Name }
func (m Mem) String() string   { return "[" + m.Expr + "]" }
func (t Temp) String() string  { return fmt.Sprintf("t%d", t.ID) }

// Simple reports whether op can appear directly in a transfer: nil, a
// constant, a register or a temporary.
func Simple(op Operand) bool {
	switch op.(type) {
	case nil, Const, Reg, Temp:
		return true
	case Mem:
		return false
	}
	panic(fmt.Sprintf("arch: unknown operand %T", op))
}

// Assign is a synthetic definition Dst := Src emitted when a compound
// transfer operand is hoisted.
type Assign struct {
	Dst Temp
	Src Operand
}

// Inst is one decoded instruction cluster.
type Inst struct {
	Addr     image.Addr
	Len      int
	Class    Class
	Mnemonic string
	Text     string

	Target Operand // transfer target, nil when none
	Cond   Operand // condition of a conditional transfer

	Def  *Assign // non-nil for synthetic hoisting instructions
	Slot bool    // executed in the delay slot of the following transfer
}

// End returns the address after the instruction.
func (i Inst) End() image.Addr { return i.Addr.Add(i.Len) }

// IsCTI reports whether the instruction transfers control.
func (i Inst) IsCTI() bool { return i.Class&Transfer != 0 }

// Synthetic reports whether the instruction was introduced by the block
// builder rather than decoded from memory.
func (i Inst) Synthetic() bool { return i.Def != nil }

// ConstTarget returns the static target of a transfer.
func (i Inst) ConstTarget() (image.Addr, bool) {
	c, ok := i.Target.(Const)
	return c.Value, ok
}

func (i Inst) String() string {
	if i.Def != nil {
		return fmt.Sprintf("%s = %s", i.Def.Dst, i.Def.Src)
	}
	if i.Text != "" {
		return i.Text
	}
	return i.Mnemonic
}

// Decoder turns a cursor into a lazy, finite sequence of instructions.
// The sequence ends after the first failure, which is yielded as an Invalid
// instruction together with the error (ErrDecodeInvalid or
// image.ErrOutOfBounds). Decoding must be deterministic for a cursor.
type Decoder interface {
	Name() string
	// Align is the decode unit in bytes.
	Align() int
	Decode(img image.Image, at image.Addr) iter.Seq2[Inst, error]
}

// DecodeFunc decodes the single instruction at a cursor.
type DecodeFunc func(img image.Image, at image.Addr) (Inst, error)

// Sequence adapts a single-instruction decoder into the lazy sequence form.
func Sequence(img image.Image, at image.Addr, one DecodeFunc) iter.Seq2[Inst, error] {
	return func(yield func(Inst, error) bool) {
		for {
			inst, err := one(img, at)
			if err != nil {
				inst.Class = Invalid
				inst.Addr = at
				yield(inst, err)
				return
			}
			if !yield(inst, nil) {
				return
			}
			at = inst.End()
		}
	}
}
