package callgraph

import (
	"github.com/zboralski/lattice"

	"shingle/internal/arch"
	"shingle/internal/cfg"
	"shingle/internal/image"
)

// BuildCFG constructs a lattice.CFGGraph with one FuncCFG per procedure.
func BuildCFG(g *cfg.Graph, procs []Procedure, name Namer) *lattice.CFGGraph {
	cg := &lattice.CFGGraph{}
	for _, p := range procs {
		cg.Funcs = append(cg.Funcs, BuildFuncCFG(g, p, name))
	}
	return cg
}

// BuildFuncCFG maps one procedure to a lattice.FuncCFG. Block Start/End are
// indexes into the procedure's instructions in block order. Conditional
// successors are labeled T (taken) and F (fall-through); call sites carry
// the callee name.
func BuildFuncCFG(g *cfg.Graph, p Procedure, name Namer) *lattice.FuncCFG {
	if name == nil {
		name = SymbolNamer(nil)
	}
	ids := make(map[image.Addr]int, len(p.Blocks))
	for i, b := range p.Blocks {
		ids[b.Start] = i
	}

	lcfg := &lattice.FuncCFG{Name: p.Name}
	idx := 0
	for i, b := range p.Blocks {
		lb := &lattice.BasicBlock{
			ID:    i,
			Start: idx,
			End:   idx + len(b.Insts),
		}
		term, hasTerm := b.Terminator()
		cond := hasTerm && term.Class.Has(arch.Conditional)

		local := 0
		for _, e := range g.Successors(b.Start) {
			switch {
			case e.Kind.Local():
				to, ok := ids[e.To]
				if !ok {
					continue
				}
				local++
				s := lattice.Successor{BlockID: to}
				if cond {
					s.Cond = "T"
					if e.To == b.End {
						s.Cond = "F"
					}
				}
				lb.Succs = append(lb.Succs, s)
			case e.Kind == cfg.Call || e.Kind == cfg.TailCall:
				lb.Calls = append(lb.Calls, lattice.CallSite{
					Offset: idx + len(b.Insts) - 1,
					Callee: name(e.To),
				})
			}
		}
		lb.Term = local == 0
		idx = lb.End
		lcfg.Blocks = append(lcfg.Blocks, lb)
	}
	return lcfg
}
