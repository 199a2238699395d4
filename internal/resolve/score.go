package resolve

import (
	"shingle/internal/arch"
	"shingle/internal/cfg"
)

// Scorer rates a candidate gap block; higher means more likely real code.
// Scores must be additive over instructions so that comparing candidates of
// different lengths stays meaningful.
type Scorer interface {
	Score(b *cfg.Block) float64
}

// ClassScorer weighs each decoded instruction by its class.
type ClassScorer struct {
	Linear      float64
	Transfer    float64
	Conditional float64
	Call        float64
	Return      float64
}

// DefaultScorer favors sequences that end in a call or return.
func DefaultScorer() ClassScorer {
	return ClassScorer{
		Linear:      1,
		Transfer:    2,
		Conditional: 2,
		Call:        3,
		Return:      3,
	}
}

func (s ClassScorer) weight(in arch.Inst) float64 {
	switch {
	case in.Class.Has(arch.Return):
		return s.Return
	case in.Class.Has(arch.Call):
		return s.Call
	case in.Class.Has(arch.Conditional):
		return s.Conditional
	case in.IsCTI():
		return s.Transfer
	}
	return s.Linear
}

func (s ClassScorer) Score(b *cfg.Block) float64 {
	var total float64
	for _, in := range b.Insts {
		if !in.Synthetic() {
			total += s.weight(in)
		}
	}
	return total
}
