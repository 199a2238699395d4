package scan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"shingle/internal/arch"
	"shingle/internal/cfg"
	"shingle/internal/diverge"
	"shingle/internal/image"
)

type recursive struct {
	ctx    context.Context
	g      *cfg.Graph
	worker *BlockWorker
	log    *slog.Logger

	eg      errgroup.Group
	spawned sync.Map // image.Addr -> struct{}
}

// Recursive follows control flow from seeds, running one goroutine per
// procedure. Call targets become speculative procedures and get their own
// goroutine. The first worker error is returned once every worker has
// finished; running siblings are not interrupted. Canceling ctx stops
// workers between blocks.
//
// After the workers finish, procedures are classified by return behavior,
// fall-through edges after calls to non-returning procedures are dropped and
// blocks no longer reachable from any procedure are removed.
func Recursive(ctx context.Context, img image.Image, dec arch.Decoder, seeds []image.Addr, opts Options) (*cfg.Graph, error) {
	g := cfg.New()
	for _, s := range seeds {
		g.AddEntry(s)
	}
	oracle := diverge.NewSet(opts.NonReturning...)
	r := &recursive{
		ctx:    ctx,
		g:      g,
		worker: NewBlockWorker(img, dec, g, oracle, opts),
		log:    opts.logger(),
	}
	for _, s := range g.Entries() {
		r.spawn(s)
	}
	if err := r.eg.Wait(); err != nil {
		return nil, err
	}

	Finalize(g, opts.NonReturning, r.log)
	st := g.Stats()
	r.log.Info("recursive scan done",
		"decoder", dec.Name(),
		"blocks", st.Blocks,
		"invalid", st.InvalidBlocks,
		"edges", st.Edges,
		"procedures", st.Procedures)
	return g, nil
}

func (r *recursive) spawn(entry image.Addr) {
	if _, loaded := r.spawned.LoadOrStore(entry, struct{}{}); loaded {
		return
	}
	r.eg.Go(func() (err error) {
		defer recoverFault(&err, fmt.Sprintf("procedure %s", entry))
		return r.procedure(entry)
	})
}

func (r *recursive) procedure(entry image.Addr) error {
	w := r.worker.For(entry)
	q := &queue{}
	q.push(entry, prioEntry)

	for q.Len() > 0 {
		if err := r.ctx.Err(); err != nil {
			return fmt.Errorf("scan: procedure %s: %w", entry, err)
		}
		at := q.pop()
		if !r.g.TryClaimStart(at) {
			continue
		}
		res, err := w.Parse(at)
		if err != nil {
			return err
		}
		if _, won := Commit(r.g, res); !won || res.State == Invalid {
			continue
		}
		for _, e := range res.Edges {
			switch e.Kind {
			case cfg.Call, cfg.TailCall:
				r.spawn(e.To)
			default:
				if !r.g.IsCandidate(e.To) {
					q.push(e.To, priority(e.Kind))
				}
			}
		}
	}
	return nil
}

// Finalize classifies procedure return behavior on a finished scan and
// prunes what it invalidates: fall-through edges after calls to
// non-returning procedures, then blocks unreachable from every procedure.
// Statuses are recomputed on the pruned graph.
func Finalize(g *cfg.Graph, knownNonRet []image.Addr, log *slog.Logger) diverge.Result {
	res := diverge.Classify(g, g.ProcedureEntries(), knownNonRet)
	res.Apply(g)

	nonRet := diverge.NewSet(append(res.NonReturning(), knownNonRet...)...)
	dropped := 0
	for _, b := range g.Blocks() {
		succs := g.Successors(b.Start)
		noReturn := false
		for _, e := range succs {
			if e.Kind == cfg.Call && nonRet.Diverges(e.To) {
				noReturn = true
			}
		}
		if !noReturn {
			continue
		}
		for _, e := range succs {
			if e.Kind == cfg.FallThrough && g.RemoveEdge(e) {
				dropped++
			}
		}
	}

	removed := 0
	for {
		n := pruneUnreachable(g)
		if n == 0 {
			break
		}
		removed += n
	}
	if dropped > 0 || removed > 0 {
		log.Debug("pruned after return classification", "fallthrough_edges", dropped, "blocks", removed)
	}

	res = diverge.Classify(g, g.ProcedureEntries(), knownNonRet)
	res.Apply(g)
	return res
}

// pruneUnreachable removes blocks no procedure reaches and returns how many
// were removed. Removing a caller can drop a speculative procedure, so
// callers repeat until nothing changes.
func pruneUnreachable(g *cfg.Graph) int {
	seen := make(map[image.Addr]bool)
	work := g.ProcedureEntries()
	for _, a := range work {
		seen[a] = true
	}
	for len(work) > 0 {
		at := work[len(work)-1]
		work = work[:len(work)-1]
		for _, e := range g.Successors(at) {
			if !seen[e.To] {
				seen[e.To] = true
				work = append(work, e.To)
			}
		}
	}
	n := 0
	for _, b := range g.Blocks() {
		if !seen[b.Start] {
			g.RemoveBlock(b.Start)
			n++
		}
	}
	return n
}
