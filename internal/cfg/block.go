// Package cfg holds the control-flow graph shared by every scanning pass:
// blocks, edges, candidate starts and procedure bookkeeping, all keyed by
// address and mutated through try-register operations.
package cfg

import (
	"fmt"

	"shingle/internal/arch"
	"shingle/internal/image"
)

// Fault records why a block was cut short.
type Fault uint8

const (
	FaultNone Fault = iota
	FaultDecodeInvalid
	FaultOutOfBounds
	FaultDelaySlot
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultDecodeInvalid:
		return "decode-invalid"
	case FaultOutOfBounds:
		return "out-of-bounds"
	case FaultDelaySlot:
		return "unsupported-delay-slot"
	}
	return fmt.Sprintf("fault(%d)", uint8(f))
}

// Block is a half-open byte range [Start, End) and its instructions. At most
// one instruction transfers control and it is the last one. Blocks are
// treated as immutable values: splitting stores new ones.
type Block struct {
	Start image.Addr
	End   image.Addr
	Insts []arch.Inst
	Fault Fault
}

// Invalid reports whether decoding failed inside the block.
func (b *Block) Invalid() bool { return b.Fault != FaultNone }

// Size returns the number of bytes covered.
func (b *Block) Size() int { return int(b.End.Sub(b.Start)) }

// Contains reports whether addr lies in [Start, End).
func (b *Block) Contains(addr image.Addr) bool { return addr >= b.Start && addr < b.End }

// Overlaps reports whether the byte ranges of b and o intersect.
func (b *Block) Overlaps(o *Block) bool { return b.Start < o.End && o.Start < b.End }

// Last returns the final instruction.
func (b *Block) Last() (arch.Inst, bool) {
	if len(b.Insts) == 0 {
		return arch.Inst{}, false
	}
	return b.Insts[len(b.Insts)-1], true
}

// Terminator returns the control-transfer instruction ending the block.
func (b *Block) Terminator() (arch.Inst, bool) {
	last, ok := b.Last()
	if !ok || !last.IsCTI() {
		return arch.Inst{}, false
	}
	return last, true
}

// Boundary reports whether addr is the start of a decoded instruction
// strictly inside the block. Delay-slot instructions are not boundaries:
// they execute together with the preceding transfer.
func (b *Block) Boundary(addr image.Addr) bool {
	if addr <= b.Start || addr >= b.End {
		return false
	}
	for _, in := range b.Insts {
		if in.Addr == addr && !in.Synthetic() && !in.Slot {
			return true
		}
	}
	return false
}

// InstAddrs returns the addresses of decoded (non-synthetic) instructions.
func (b *Block) InstAddrs() []image.Addr {
	out := make([]image.Addr, 0, len(b.Insts))
	for _, in := range b.Insts {
		if !in.Synthetic() {
			out = append(out, in.Addr)
		}
	}
	return out
}

// SplitAt cuts the block at an interior instruction boundary t into the head
// [Start, t) and the tail [t, End). The head keeps no transfer and is never
// invalid; the tail keeps the fault and the terminator.
func (b *Block) SplitAt(t image.Addr) (head, tail *Block, err error) {
	if !b.Boundary(t) {
		return nil, nil, fmt.Errorf("cfg: %s is not an instruction boundary of block %s", t, b)
	}
	head = &Block{Start: b.Start, End: t}
	tail = &Block{Start: t, End: b.End, Fault: b.Fault}
	for _, in := range b.Insts {
		if !in.Synthetic() && !in.Slot && in.Addr < t {
			head.Insts = append(head.Insts, in)
		} else {
			tail.Insts = append(tail.Insts, in)
		}
	}
	return head, tail, nil
}

// Truncate returns the prefix of b ending at t, like the head of SplitAt.
func (b *Block) Truncate(t image.Addr) (*Block, error) {
	head, _, err := b.SplitAt(t)
	return head, err
}

func (b *Block) String() string {
	s := fmt.Sprintf("[%s,%s)", b.Start, b.End)
	if b.Invalid() {
		s += " " + b.Fault.String()
	}
	return s
}
