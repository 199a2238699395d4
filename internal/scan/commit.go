package scan

import (
	"sort"

	"shingle/internal/cfg"
	"shingle/internal/image"
)

// Commit publishes a parsed block. The block and its edges are stored
// before its end address is claimed, so whoever later splits it finds the
// edges in place. If another worker already stored a block at the same
// start, that block is returned with false and r is discarded.
func Commit(g *cfg.Graph, r Result) (*cfg.Block, bool) {
	b, won := g.TryRegisterBlockStart(r.Block)
	if !won {
		return b, false
	}
	for _, e := range r.Edges {
		g.AddEdge(e)
	}
	if !b.Invalid() && b.Size() > 0 {
		settle(g, b.Start, b.End)
	}
	return b, true
}

// settle claims end e for the block at a and splits every block ending
// there against the others. A block is cut at the lowest later claimant that
// starts on one of its instruction boundaries and is linked to it by a
// fall-through edge; the cut block then competes for its new end the same
// way. Claimants whose starts do not fall on each other's boundaries all
// stay. The result depends only on the set of claimants, not on the order
// they arrived in.
func settle(g *cfg.Graph, a, e image.Addr) {
	type claim struct{ start, end image.Addr }
	work := []claim{{a, e}}
	for len(work) > 0 {
		c := work[len(work)-1]
		work = work[:len(work)-1]

		g.UpdateBlockEnd(c.end, func(starts []image.Addr) []image.Addr {
			var live []*cfg.Block
			seen := make(map[image.Addr]bool, len(starts)+1)
			for _, s := range append(starts, c.start) {
				b, ok := g.Block(s)
				if !ok || seen[s] || b.End != c.end || b.Invalid() {
					continue
				}
				seen[s] = true
				live = append(live, b)
			}
			sort.Slice(live, func(i, j int) bool { return live[i].Start < live[j].Start })

			var keep []image.Addr
			for i, b := range live {
				next, ok := nextAligned(b, live[i+1:])
				if !ok {
					keep = append(keep, b.Start)
					continue
				}
				head, err := b.Truncate(next)
				if err != nil {
					keep = append(keep, b.Start)
					continue
				}
				g.ReplaceBlock(head)
				g.RemoveEdgesFrom(b.Start)
				g.AddEdge(cfg.Edge{From: b.Start, To: next, Kind: cfg.FallThrough})
				work = append(work, claim{b.Start, next})
			}
			return keep
		})
	}
}

// nextAligned returns the lowest start among later that falls on an
// instruction boundary of b.
func nextAligned(b *cfg.Block, later []*cfg.Block) (image.Addr, bool) {
	for _, o := range later {
		if o.Start > b.Start && b.Boundary(o.Start) {
			return o.Start, true
		}
	}
	return 0, false
}
