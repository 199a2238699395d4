package cfg

import (
	"errors"
	"fmt"
	"sort"

	"shingle/internal/image"
)

// Refines checks the partial order between two refinement passes: every byte
// range covered in g1 is covered in fine, every g1 edge survives with the
// same source end and target start, and every g1 block is a chain of
// contiguous fine blocks linked by edges. Invalid g1 blocks, and edges
// touching them, are ignored.
func Refines(g1, fine *Graph) error {
	var errs []error

	covered := coverage(fine)
	for _, b := range g1.Blocks() {
		if b.Invalid() || b.Size() == 0 {
			continue
		}
		if !covered.contains(b.Start, b.End) {
			errs = append(errs, fmt.Errorf("range %s not covered", b))
		}
		if err := chain(fine, b); err != nil {
			errs = append(errs, err)
		}
	}

	for _, e := range g1.Edges() {
		src, ok := g1.Block(e.From)
		if !ok || src.Invalid() {
			continue
		}
		// Edges into invalid blocks go with them when the resolver drops
		// invalid code, so they are not required to survive. A call to an
		// unmapped target is lost this way without failing the check.
		if dst, ok := g1.Block(e.To); ok && dst.Invalid() {
			continue
		}
		if !hasEdgeEndingAt(fine, src.End, e.To) {
			errs = append(errs, fmt.Errorf("edge %s (source end %s) missing", e, src.End))
		}
	}
	return errors.Join(errs...)
}

// chain walks fine blocks from b.Start to b.End.
func chain(fine *Graph, b *Block) error {
	at := b.Start
	for at < b.End {
		fb, ok := fine.Block(at)
		if !ok {
			return fmt.Errorf("block %s: no block at %s", b, at)
		}
		if fb.End > b.End {
			return fmt.Errorf("block %s: %s crosses its end", b, fb)
		}
		if fb.End < b.End && !linked(fine, fb.Start, fb.End) {
			return fmt.Errorf("block %s: %s not linked to %s", b, fb, fb.End)
		}
		if fb.End <= at {
			return fmt.Errorf("block %s: empty block at %s", b, at)
		}
		at = fb.End
	}
	return nil
}

func linked(g *Graph, from, to image.Addr) bool {
	for _, e := range g.Successors(from) {
		if e.To == to {
			return true
		}
	}
	return false
}

func hasEdgeEndingAt(g *Graph, end, to image.Addr) bool {
	for _, e := range g.Predecessors(to) {
		if src, ok := g.Block(e.From); ok && src.End == end {
			return true
		}
	}
	return false
}

type spans [][2]image.Addr

func coverage(g *Graph) spans {
	var s spans
	for _, b := range g.Blocks() {
		if b.Size() == 0 {
			continue
		}
		if n := len(s); n > 0 && b.Start <= s[n-1][1] {
			if b.End > s[n-1][1] {
				s[n-1][1] = b.End
			}
			continue
		}
		s = append(s, [2]image.Addr{b.Start, b.End})
	}
	return s
}

func (s spans) contains(start, end image.Addr) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i][1] > start })
	return i < len(s) && s[i][0] <= start && end <= s[i][1]
}
