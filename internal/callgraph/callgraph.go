// Package callgraph groups a recovered graph into procedures and exports it
// as lattice call graphs and per-procedure CFGs.
package callgraph

import (
	"sort"

	"github.com/zboralski/lattice"

	"shingle/internal/cfg"
	"shingle/internal/disasm"
	"shingle/internal/image"
)

// Namer names a procedure entry.
type Namer func(addr image.Addr) string

// SymbolNamer uses symbol names where known and sub_<addr> otherwise.
func SymbolNamer(symbols map[image.Addr]string) Namer {
	return func(addr image.Addr) string {
		if name, ok := symbols[addr]; ok && name != "" {
			return name
		}
		return disasm.SubName(addr)
	}
}

// Procedure is the share of the graph owned by one procedure entry.
type Procedure struct {
	cfg.Procedure
	Name   string
	Blocks []*cfg.Block // sorted by start, entry block first when present
}

// Procedures partitions g: every procedure owns the blocks reachable from
// its entry over local edges. Shared tails appear under each owner.
func Procedures(g *cfg.Graph, name Namer) []Procedure {
	if name == nil {
		name = SymbolNamer(nil)
	}
	var out []Procedure
	for _, p := range g.Procedures() {
		out = append(out, Procedure{
			Procedure: p,
			Name:      name(p.Entry),
			Blocks:    owned(g, p.Entry),
		})
	}
	return out
}

func owned(g *cfg.Graph, entry image.Addr) []*cfg.Block {
	seen := map[image.Addr]bool{entry: true}
	work := []image.Addr{entry}
	var blocks []*cfg.Block
	for len(work) > 0 {
		at := work[len(work)-1]
		work = work[:len(work)-1]
		b, ok := g.Block(at)
		if !ok {
			continue
		}
		blocks = append(blocks, b)
		for _, e := range g.Successors(at) {
			if e.Kind.Local() && !seen[e.To] {
				seen[e.To] = true
				work = append(work, e.To)
			}
		}
	}
	sort.Slice(blocks, func(i, j int) bool {
		if (blocks[i].Start == entry) != (blocks[j].Start == entry) {
			return blocks[i].Start == entry
		}
		return blocks[i].Start < blocks[j].Start
	})
	return blocks
}

// BuildCallGraph constructs a lattice.Graph with one node per procedure and
// an edge for each call or tail call between them. Calls to addresses that
// are not procedures are named with the same Namer.
func BuildCallGraph(g *cfg.Graph, procs []Procedure, name Namer) *lattice.Graph {
	if name == nil {
		name = SymbolNamer(nil)
	}
	lg := &lattice.Graph{}
	for _, p := range procs {
		lg.Nodes = append(lg.Nodes, p.Name)
		for _, b := range p.Blocks {
			for _, e := range g.Successors(b.Start) {
				if e.Kind != cfg.Call && e.Kind != cfg.TailCall {
					continue
				}
				lg.Edges = append(lg.Edges, lattice.Edge{
					Caller: p.Name,
					Callee: name(e.To),
				})
			}
		}
	}
	lg.Dedup()
	return lg
}
