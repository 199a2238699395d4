// Package diverge classifies procedures that never return to their caller.
//
// The classifier is a fixpoint over the confirmed procedure set. Each round
// only moves procedures out of the unknown set into Returns or Diverges, so
// it finishes after at most |F| productive rounds. Scanners consult a Set
// while building blocks to decide whether a call has a fall-through edge.
package diverge

import (
	"sort"
	"sync"

	"shingle/internal/arch"
	"shingle/internal/cfg"
	"shingle/internal/image"
)

const returnClass = arch.Transfer | arch.Return

// Set is a concurrency-safe set of procedures known not to return.
type Set struct {
	m sync.Map
}

// NewSet returns a set seeded with addrs.
func NewSet(addrs ...image.Addr) *Set {
	s := &Set{}
	for _, a := range addrs {
		s.Add(a)
	}
	return s
}

// Add marks addr as non-returning.
func (s *Set) Add(addr image.Addr) { s.m.Store(addr, struct{}{}) }

// Diverges reports whether addr is known not to return.
func (s *Set) Diverges(addr image.Addr) bool {
	if s == nil {
		return false
	}
	_, ok := s.m.Load(addr)
	return ok
}

// Addrs returns the members, sorted.
func (s *Set) Addrs() []image.Addr {
	var out []image.Addr
	s.m.Range(func(k, _ any) bool {
		out = append(out, k.(image.Addr))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Result is the outcome of Classify.
type Result struct {
	Status map[image.Addr]cfg.ReturnStatus
	// Rounds counts passes that classified at least one procedure.
	Rounds int
}

// NonReturning lists the procedures classified Diverges, sorted.
func (r Result) NonReturning() []image.Addr {
	var out []image.Addr
	for a, st := range r.Status {
		if st == cfg.Diverges {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Apply records the statuses on g.
func (r Result) Apply(g *cfg.Graph) {
	for a, st := range r.Status {
		g.SetReturns(a, st)
	}
}

// Set returns the non-returning procedures as an oracle.
func (r Result) Set() *Set {
	return NewSet(r.NonReturning()...)
}

type classifier struct {
	g      *cfg.Graph
	status map[image.Addr]cfg.ReturnStatus
	known  map[image.Addr]bool
	// opaque procedures run into invalid code without a provable return.
	// They stay Unknown but callers treat them as returning.
	opaque map[image.Addr]bool
}

// lookup returns the status of a call target. Targets outside the procedure
// set, and opaque procedures, are assumed to return unless listed as known
// non-returning.
func (c *classifier) lookup(addr image.Addr) cfg.ReturnStatus {
	if c.opaque[addr] && !c.known[addr] {
		return cfg.Returns
	}
	if st, ok := c.status[addr]; ok {
		return st
	}
	if c.known[addr] {
		return cfg.Diverges
	}
	return cfg.Returns
}

// Classify runs the fixpoint over procs, seeded with knownNonRet.
func Classify(g *cfg.Graph, procs []image.Addr, knownNonRet []image.Addr) Result {
	c := &classifier{
		g:      g,
		status: make(map[image.Addr]cfg.ReturnStatus, len(procs)),
		known:  make(map[image.Addr]bool, len(knownNonRet)),
		opaque: make(map[image.Addr]bool),
	}
	for _, a := range knownNonRet {
		c.known[a] = true
	}
	var unknown []image.Addr
	for _, f := range procs {
		if c.known[f] {
			c.status[f] = cfg.Diverges
			continue
		}
		c.status[f] = cfg.Unknown
		unknown = append(unknown, f)
	}
	sort.Slice(unknown, func(i, j int) bool { return unknown[i] < unknown[j] })

	rounds := 0
	for len(unknown) > 0 {
		var still []image.Addr
		for _, f := range unknown {
			if st := c.classify(f); st != cfg.Unknown || c.opaque[f] {
				c.status[f] = st
				continue
			}
			still = append(still, f)
		}
		if len(still) == len(unknown) {
			break
		}
		rounds++
		unknown = still
	}
	return Result{Status: c.status, Rounds: rounds}
}

// classify walks the intraprocedural blocks reachable from f. Reaching an
// invalid block proves nothing about the code that should have been there,
// so f is marked opaque instead of diverging.
func (c *classifier) classify(f image.Addr) cfg.ReturnStatus {
	if _, ok := c.g.Block(f); !ok {
		return cfg.Unknown
	}
	seen := map[image.Addr]bool{f: true}
	work := []image.Addr{f}
	pending, invalid := false, false

	for len(work) > 0 {
		at := work[len(work)-1]
		work = work[:len(work)-1]

		b, ok := c.g.Block(at)
		if !ok {
			continue
		}
		if b.Invalid() {
			invalid = true
		}
		term, hasTerm := b.Terminator()
		if hasTerm && term.Class.Has(returnClass) && !b.Invalid() {
			return cfg.Returns
		}

		succs := c.g.Successors(at)
		var callee image.Addr
		hasCall := false
		for _, e := range succs {
			switch e.Kind {
			case cfg.Call:
				callee, hasCall = e.To, true
				if c.lookup(e.To) == cfg.Unknown {
					pending = true
				}
			case cfg.TailCall:
				switch c.lookup(e.To) {
				case cfg.Returns:
					return cfg.Returns
				case cfg.Unknown:
					pending = true
				}
			}
		}
		if hasTerm && !b.Invalid() && unresolvedJump(term) {
			// A computed jump may leave through a table we cannot see.
			return cfg.Returns
		}

		for _, e := range succs {
			if !e.Kind.Local() || seen[e.To] {
				continue
			}
			if e.Kind == cfg.FallThrough && hasCall && c.lookup(callee) != cfg.Returns {
				continue
			}
			seen[e.To] = true
			work = append(work, e.To)
		}
	}
	if pending {
		return cfg.Unknown
	}
	if invalid {
		c.opaque[f] = true
		return cfg.Unknown
	}
	return cfg.Diverges
}

// unresolvedJump reports a jump whose target is computed at run time.
func unresolvedJump(term arch.Inst) bool {
	if term.Class&(arch.Call|arch.Return) != 0 {
		return false
	}
	_, ok := term.ConstTarget()
	return !ok
}
