// Package resolve turns an overlapping superset of blocks into a consistent
// graph. Blocks that conflict with code reachable from trusted entries are
// dropped first, then heuristics settle the remaining conflicts, and finally
// uncovered gaps between surviving blocks are refilled with the best-scoring
// decodable sequence.
package resolve

import (
	"io"
	"log/slog"
	"sort"

	"shingle/internal/arch"
	"shingle/internal/cfg"
	"shingle/internal/image"
	"shingle/internal/scan"
)

// Options configures Resolve. Gap filling needs both Image and Decoder and is
// skipped when either is nil.
type Options struct {
	Image   image.Image
	Decoder arch.Decoder
	Scorer  Scorer       // nil uses DefaultScorer
	Logger  *slog.Logger // nil discards
}

func (o Options) scorer() Scorer {
	if o.Scorer != nil {
		return o.Scorer
	}
	return DefaultScorer()
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Report counts what each step did.
type Report struct {
	Conflicts   int // overlapping pairs in the input
	Invalid     int // invalid blocks removed
	Valid       int // blocks reachable from trusted entries
	ValidPruned int // blocks removed for overlapping valid code
	Ancestors   int // common ancestors of conflicting pairs removed
	TieBreaks   int // blocks removed by successor count
	GapBlocks   int // blocks added in gaps
	Remaining   int // conflicting pairs left, all between valid blocks
}

type resolver struct {
	g     *cfg.Graph
	conf  *Conflicts
	valid map[image.Addr]bool
	log   *slog.Logger
}

func (r *resolver) remove(addr image.Addr) {
	r.g.RemoveBlock(addr)
	r.conf.Remove(addr)
}

// Resolve returns a pruned copy of g; g itself is not modified. Trusted
// entries become the procedure entries of the result.
func Resolve(g *cfg.Graph, trusted []image.Addr, opts Options) (*cfg.Graph, Report) {
	r := &resolver{
		g:     g.Clone(),
		valid: make(map[image.Addr]bool),
		log:   opts.logger(),
	}
	var rep Report

	r.conf = BuildConflicts(r.g.Blocks())
	rep.Conflicts = r.conf.Len()

	for _, b := range r.g.Blocks() {
		if b.Invalid() {
			r.remove(b.Start)
			rep.Invalid++
		}
	}

	r.markValid(trusted)
	rep.Valid = len(r.valid)

	for _, p := range r.conf.Pairs() {
		a, b := p[0], p[1]
		switch {
		case r.valid[a] && !r.valid[b] && r.exists(b):
			r.remove(b)
			rep.ValidPruned++
		case r.valid[b] && !r.valid[a] && r.exists(a):
			r.remove(a)
			rep.ValidPruned++
		}
	}

	rep.Ancestors = r.pruneAncestors()
	rep.TieBreaks = r.tieBreak()

	if opts.Image != nil && opts.Decoder != nil {
		rep.GapBlocks = r.fillGaps(opts.Image, opts.Decoder, opts.scorer())
	}

	for _, t := range trusted {
		r.g.AddEntry(t)
	}
	rep.Remaining = r.conf.Len()

	r.log.Info("conflicts resolved",
		"conflicts", rep.Conflicts,
		"invalid", rep.Invalid,
		"valid", rep.Valid,
		"valid_pruned", rep.ValidPruned,
		"ancestors", rep.Ancestors,
		"tie_breaks", rep.TieBreaks,
		"gap_blocks", rep.GapBlocks,
		"remaining", rep.Remaining)
	return r.g, rep
}

func (r *resolver) exists(addr image.Addr) bool {
	_, ok := r.g.Block(addr)
	return ok
}

// markValid marks every block reachable from the trusted entries.
func (r *resolver) markValid(trusted []image.Addr) {
	var work []image.Addr
	for _, t := range trusted {
		if r.exists(t) && !r.valid[t] {
			r.valid[t] = true
			work = append(work, t)
		}
	}
	for len(work) > 0 {
		at := work[len(work)-1]
		work = work[:len(work)-1]
		for _, e := range r.g.Successors(at) {
			if !r.valid[e.To] && r.exists(e.To) {
				r.valid[e.To] = true
				work = append(work, e.To)
			}
		}
	}
}

// ancestors returns the blocks that reach addr through predecessor edges.
func (r *resolver) ancestors(addr image.Addr) map[image.Addr]bool {
	seen := make(map[image.Addr]bool)
	work := []image.Addr{addr}
	for len(work) > 0 {
		at := work[len(work)-1]
		work = work[:len(work)-1]
		for _, e := range r.g.Predecessors(at) {
			if !seen[e.From] {
				seen[e.From] = true
				work = append(work, e.From)
			}
		}
	}
	return seen
}

// pruneAncestors removes blocks that lead to both sides of a conflict: a
// block whose successors include two mutually exclusive decodings is
// itself suspect.
func (r *resolver) pruneAncestors() int {
	removed := 0
	for _, p := range r.conf.Pairs() {
		a, b := p[0], p[1]
		if !r.conf.Has(a, b) {
			continue
		}
		ancA := r.ancestors(a)
		ancB := r.ancestors(b)
		var common []image.Addr
		for x := range ancA {
			if ancB[x] && !r.valid[x] && r.exists(x) {
				common = append(common, x)
			}
		}
		sort.Slice(common, func(i, j int) bool { return common[i] < common[j] })
		for _, x := range common {
			r.log.Debug("removing common ancestor", "block", x, "conflict", p)
			r.remove(x)
			removed++
		}
	}
	return removed
}

// tieBreak settles each remaining conflict by keeping the block with more
// successor edges; on equal counts the lower start address stays. Conflicts
// between two valid blocks are left alone.
func (r *resolver) tieBreak() int {
	removed := 0
	for _, p := range r.conf.Pairs() {
		a, b := p[0], p[1]
		if !r.conf.Has(a, b) || (r.valid[a] && r.valid[b]) {
			continue
		}
		loser := b
		if len(r.g.Successors(b)) > len(r.g.Successors(a)) {
			loser = a
		}
		r.remove(loser)
		removed++
	}
	return removed
}

type gap struct {
	start, end image.Addr
}

// gaps returns the uncovered ranges between consecutive surviving blocks of
// the same executable region.
func (r *resolver) gaps(img image.Image) []gap {
	var out []gap
	regions := image.Executable(img)
	blocks := r.g.Blocks()
	for _, reg := range regions {
		var reach image.Addr
		seen := false
		for _, b := range blocks {
			if b.Size() <= 0 || !reg.Contains(b.Start) {
				continue
			}
			if seen && b.Start > reach {
				out = append(out, gap{start: reach, end: b.Start})
			}
			if !seen || b.End > reach {
				reach = b.End
			}
			seen = true
		}
	}
	return out
}

// fillGaps decodes a candidate from every aligned offset of each gap, keeps
// the best admissible one and recurses into what is left on either side.
func (r *resolver) fillGaps(img image.Image, dec arch.Decoder, scorer Scorer) int {
	w := scan.NewBlockWorker(img, dec, nil, nil, scan.Options{Logger: r.log})
	align := dec.Align()
	if align <= 0 {
		align = 1
	}

	added := 0
	work := r.gaps(img)
	for len(work) > 0 {
		gp := work[0]
		work = work[1:]

		var (
			best      scan.Result
			bestScore float64
			found     bool
		)
		for at := gp.start; at < gp.end; at = at.Add(align) {
			res, ok := candidate(w, at, gp)
			if !ok {
				continue
			}
			score := scorer.Score(res.Block)
			if !found || score > bestScore {
				best, bestScore, found = res, score, true
			}
		}
		if !found {
			continue
		}

		b, won := r.g.TryRegisterBlockStart(best.Block)
		if !won {
			continue
		}
		for _, e := range best.Edges {
			r.g.AddEdge(e)
		}
		added++
		r.log.Debug("gap filled", "gap_start", gp.start, "gap_end", gp.end, "block", b, "score", bestScore)

		if b.Start > gp.start {
			work = append(work, gap{start: gp.start, end: b.Start})
		}
		if b.End < gp.end {
			work = append(work, gap{start: b.End, end: gp.end})
		}
	}
	return added
}

// candidate decodes the block at at and checks it fits gp. A candidate is
// admissible if it ends exactly at the gap end, possibly by cutting a longer
// linear run there, or if every edge it produces leaves the gap.
func candidate(w *scan.BlockWorker, at image.Addr, gp gap) (scan.Result, bool) {
	res, err := w.Parse(at)
	if err != nil || res.State == scan.Invalid || res.Block.Size() <= 0 {
		return scan.Result{}, false
	}
	b := res.Block
	switch {
	case b.End == gp.end:
		return res, true
	case b.End > gp.end:
		if !b.Boundary(gp.end) {
			return scan.Result{}, false
		}
		head, err := b.Truncate(gp.end)
		if err != nil {
			return scan.Result{}, false
		}
		return scan.Result{
			Block: head,
			Edges: []cfg.Edge{{From: at, To: gp.end, Kind: cfg.FallThrough}},
			State: scan.EndFound,
		}, true
	}
	for _, e := range res.Edges {
		if e.To >= gp.start && e.To < gp.end {
			return scan.Result{}, false
		}
	}
	return res, true
}
