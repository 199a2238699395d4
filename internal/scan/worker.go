package scan

import (
	"errors"
	"fmt"
	"log/slog"

	"shingle/internal/arch"
	"shingle/internal/cfg"
	"shingle/internal/image"
)

// State is the end state of one block parse.
type State uint8

const (
	EndFound State = iota
	Invalid
)

func (s State) String() string {
	if s == Invalid {
		return "invalid"
	}
	return "end-found"
}

// Oracle answers whether a call target is known never to return.
type Oracle interface {
	Diverges(addr image.Addr) bool
}

// Result is one parsed block and the edges its terminator produces.
type Result struct {
	Block   *cfg.Block
	Edges   []cfg.Edge
	State   State
	Returns bool  // the block ends in a return
	Err     error // why an Invalid block stopped
}

// BlockWorker turns a decoder cursor into one finished block: it decodes
// linearly until a control-transfer instruction or a decode failure.
type BlockWorker struct {
	Img      image.Image
	Dec      arch.Decoder
	Graph    *cfg.Graph // consulted for tail-call detection, may be nil
	Oracle   Oracle     // may be nil
	MaxInsts int
	Logger   *slog.Logger

	owner    image.Addr
	hasOwner bool
}

// NewBlockWorker returns a worker configured from opts.
func NewBlockWorker(img image.Image, dec arch.Decoder, g *cfg.Graph, oracle Oracle, opts Options) *BlockWorker {
	return &BlockWorker{
		Img:      img,
		Dec:      dec,
		Graph:    g,
		Oracle:   oracle,
		MaxInsts: opts.maxBlockInsts(),
		Logger:   opts.logger(),
	}
}

// For returns a copy of w parsing on behalf of the procedure at entry.
// Direct jumps to other known procedure entries become tail calls.
func (w *BlockWorker) For(entry image.Addr) *BlockWorker {
	c := *w
	c.owner, c.hasOwner = entry, true
	return &c
}

// Parse decodes the block starting at start. Decode failures produce an
// Invalid result; the returned error is reserved for decoder contract
// violations and wraps ErrWorkerFault.
func (w *BlockWorker) Parse(start image.Addr) (Result, error) {
	b := &cfg.Block{Start: start, End: start}
	if !w.Img.IsExecutable(start) {
		return w.invalid(b, cfg.FaultOutOfBounds, fmt.Errorf("%w: %s not executable", image.ErrOutOfBounds, start)), nil
	}

	var (
		delayed *arch.Inst
		count   int
	)
	for inst, err := range w.Dec.Decode(w.Img, b.End) {
		if err != nil {
			if delayed != nil {
				b.Insts = append(b.Insts, *delayed)
			}
			b.End = b.End.Add(inst.Len)
			fault := cfg.FaultDecodeInvalid
			if errors.Is(err, image.ErrOutOfBounds) {
				fault = cfg.FaultOutOfBounds
			}
			return w.invalid(b, fault, err), nil
		}
		if inst.Addr != b.End || inst.Len <= 0 {
			return Result{}, fmt.Errorf("%w: %s decoded %q at %s (len %d), expected cursor %s",
				ErrWorkerFault, w.Dec.Name(), inst.Mnemonic, inst.Addr, inst.Len, b.End)
		}
		if !w.Img.IsExecutable(inst.Addr) {
			return w.invalid(b, cfg.FaultOutOfBounds, fmt.Errorf("%w: ran into non-executable %s", image.ErrOutOfBounds, inst.Addr)), nil
		}
		b.End = inst.End()
		count++

		if delayed != nil {
			if inst.IsCTI() {
				b.Insts = append(b.Insts, *delayed)
				return w.invalid(b, cfg.FaultDelaySlot,
					fmt.Errorf("%w: %s at %s in slot of %s", ErrUnsupportedDelaySlot, inst.Mnemonic, inst.Addr, delayed.Addr)), nil
			}
			return w.finish(b, w.reorderDelay(b, *delayed, inst)), nil
		}

		if inst.IsCTI() {
			if inst.Class.Has(arch.Delay) {
				d := inst
				delayed = &d
				continue
			}
			b.Insts = append(b.Insts, inst)
			return w.finish(b, inst), nil
		}

		b.Insts = append(b.Insts, inst)
		if count >= w.MaxInsts {
			w.Logger.Debug("block instruction cap reached", "start", start, "end", b.End)
			return Result{
				Block: b,
				Edges: []cfg.Edge{{From: start, To: b.End, Kind: cfg.FallThrough}},
				State: EndFound,
			}, nil
		}
	}
	return Result{}, fmt.Errorf("%w: %s sequence at %s ended without a failure", ErrWorkerFault, w.Dec.Name(), b.End)
}

func (w *BlockWorker) invalid(b *cfg.Block, fault cfg.Fault, err error) Result {
	b.Fault = fault
	w.Logger.Debug("invalid block", "start", b.Start, "end", b.End, "fault", fault, "err", err)
	return Result{Block: b, State: Invalid, Err: err}
}

// reorderDelay emits the delay-slot instruction ahead of the transfer. A
// compound target or condition is hoisted into a temporary first, so it
// still observes the state at the branch and the transfer stays simple.
func (w *BlockWorker) reorderDelay(b *cfg.Block, cti, slot arch.Inst) arch.Inst {
	temps := 0
	hoist := func(op arch.Operand) arch.Operand {
		if arch.Simple(op) {
			return op
		}
		t := arch.Temp{ID: temps}
		temps++
		b.Insts = append(b.Insts, arch.Inst{
			Addr:     cti.Addr,
			Class:    arch.Linear,
			Mnemonic: "mov",
			Def:      &arch.Assign{Dst: t, Src: op},
		})
		return t
	}
	cti.Target = hoist(cti.Target)
	cti.Cond = hoist(cti.Cond)

	slot.Slot = true
	b.Insts = append(b.Insts, slot, cti)
	return cti
}

// finish derives the successor edges of a block ending in cti.
func (w *BlockWorker) finish(b *cfg.Block, cti arch.Inst) Result {
	r := Result{Block: b, State: EndFound}
	from, fall := b.Start, b.End
	target, direct := cti.ConstTarget()

	switch {
	case cti.Class.Has(arch.Return):
		r.Returns = true

	case cti.Class.Has(arch.Call):
		if direct {
			r.Edges = append(r.Edges, cfg.Edge{From: from, To: target, Kind: cfg.Call})
		} else {
			w.Logger.Debug("unresolved indirect call", "addr", cti.Addr, "target", cti.Target)
		}
		if direct && w.Oracle != nil && w.Oracle.Diverges(target) {
			break
		}
		r.Edges = append(r.Edges, cfg.Edge{From: from, To: fall, Kind: cfg.FallThrough})

	case cti.Class.Has(arch.Conditional):
		if direct {
			r.Edges = append(r.Edges, cfg.Edge{From: from, To: target, Kind: cfg.DirectJump})
		} else {
			w.Logger.Debug("unresolved indirect branch", "addr", cti.Addr, "target", cti.Target)
		}
		r.Edges = append(r.Edges, cfg.Edge{From: from, To: fall, Kind: cfg.DirectJump})

	default:
		if !direct {
			w.Logger.Debug("unresolved indirect jump", "addr", cti.Addr, "target", cti.Target)
			break
		}
		kind := cfg.DirectJump
		if w.isTailCall(target) {
			kind = cfg.TailCall
		}
		r.Edges = append(r.Edges, cfg.Edge{From: from, To: target, Kind: kind})
	}
	return r
}

func (w *BlockWorker) isTailCall(target image.Addr) bool {
	if w.Graph == nil || !w.hasOwner || target == w.owner {
		return false
	}
	return w.Graph.IsEntry(target)
}
