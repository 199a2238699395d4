package scan

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"shingle/internal/arch"
	"shingle/internal/cfg"
	"shingle/internal/diverge"
	"shingle/internal/image"
)

// chunk is one slice of an executable region handled by a single worker.
type chunk struct {
	region string
	start  image.Addr
	end    image.Addr
}

// consumed marks decode units already swallowed as the interior of an
// earlier block of the same chunk.
type consumed struct {
	base  image.Addr
	align int
	bits  []uint64
}

func newConsumed(c chunk, align int) *consumed {
	n := int(c.end.Sub(c.start))/align + 1
	return &consumed{base: c.start, align: align, bits: make([]uint64, (n+63)/64)}
}

func (s *consumed) index(a image.Addr) (int, bool) {
	if a < s.base {
		return 0, false
	}
	d := int(a.Sub(s.base))
	if d%s.align != 0 {
		return 0, false
	}
	i := d / s.align
	return i, i/64 < len(s.bits)
}

func (s *consumed) set(a image.Addr) {
	if i, ok := s.index(a); ok {
		s.bits[i/64] |= 1 << (i % 64)
	}
}

func (s *consumed) has(a image.Addr) bool {
	i, ok := s.index(a)
	return ok && s.bits[i/64]&(1<<(i%64)) != 0
}

// Shingle decodes a block from every aligned offset of every executable
// region, regardless of reachability. Offsets already decoded as the
// interior of an earlier block in the same chunk are skipped. A closure pass
// then parses every edge target that has no block yet, which splits the
// blocks containing it. The result has overlapping blocks and no procedure
// entries; see package resolve.
//
// Chunks run on a bounded pool. A failing chunk fails the scan without
// canceling the others.
func Shingle(ctx context.Context, img image.Image, dec arch.Decoder, opts Options) (*cfg.Graph, error) {
	g := cfg.New()
	log := opts.logger()
	w := NewBlockWorker(img, dec, g, diverge.NewSet(opts.NonReturning...), opts)
	align := dec.Align()
	if align <= 0 {
		return nil, fmt.Errorf("%w: decoder %s has alignment %d", ErrWorkerFault, dec.Name(), align)
	}

	chunks := split(image.Executable(img), opts.chunkSize(), align)
	var eg errgroup.Group
	eg.SetLimit(opts.workers())
	for _, c := range chunks {
		eg.Go(func() (err error) {
			defer recoverFault(&err, fmt.Sprintf("chunk %s [%s,%s)", c.region, c.start, c.end))
			return sweep(ctx, g, w, c, align)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	rounds, err := closure(ctx, g, w, opts.workers(), log)
	if err != nil {
		return nil, err
	}
	st := g.Stats()
	log.Info("shingle scan done",
		"decoder", dec.Name(),
		"chunks", len(chunks),
		"closure_rounds", rounds,
		"blocks", st.Blocks,
		"invalid", st.InvalidBlocks,
		"edges", st.Edges)
	return g, nil
}

// split cuts regions into aligned chunks of at most size bytes.
func split(regions []image.Region, size, align int) []chunk {
	if size < align {
		size = align
	}
	size -= size % align
	var out []chunk
	for _, r := range regions {
		for at := r.Start; at < r.End(); at = at.Add(size) {
			end := at.Add(size)
			if end > r.End() {
				end = r.End()
			}
			out = append(out, chunk{region: r.Name, start: at, end: end})
		}
	}
	return out
}

func sweep(ctx context.Context, g *cfg.Graph, w *BlockWorker, c chunk, align int) error {
	seen := newConsumed(c, align)
	for at := c.start; at < c.end; at = at.Add(align) {
		if seen.has(at) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !g.TryClaimStart(at) {
			continue
		}
		res, err := w.Parse(at)
		if err != nil {
			return err
		}
		b, _ := Commit(g, res)
		for _, in := range b.Insts {
			if in.Addr > b.Start && !in.Synthetic() {
				seen.set(in.Addr)
			}
		}
	}
	return nil
}

// closure parses edge targets that have no block, round by round, until
// every target is materialized. It returns the number of rounds.
func closure(ctx context.Context, g *cfg.Graph, w *BlockWorker, workers int, log *slog.Logger) (int, error) {
	rounds := 0
	for {
		var missing []image.Addr
		seen := make(map[image.Addr]bool)
		for _, e := range g.Edges() {
			if seen[e.To] || g.IsCandidate(e.To) {
				continue
			}
			seen[e.To] = true
			missing = append(missing, e.To)
		}
		if len(missing) == 0 {
			return rounds, nil
		}
		rounds++
		log.Debug("closure round", "round", rounds, "targets", len(missing))

		var eg errgroup.Group
		eg.SetLimit(workers)
		for _, at := range missing {
			eg.Go(func() (err error) {
				defer recoverFault(&err, fmt.Sprintf("target %s", at))
				if err := ctx.Err(); err != nil {
					return err
				}
				if !g.TryClaimStart(at) {
					return nil
				}
				res, err := w.Parse(at)
				if err != nil {
					return err
				}
				Commit(g, res)
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return rounds, err
		}
	}
}
