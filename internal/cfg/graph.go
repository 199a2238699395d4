package cfg

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"shingle/internal/image"
)

// ReturnStatus is the return classification of a procedure.
type ReturnStatus uint32

const (
	Unknown ReturnStatus = iota
	Diverges
	Returns
)

func (s ReturnStatus) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Diverges:
		return "diverges"
	case Returns:
		return "returns"
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// ParseReturnStatus is the inverse of ReturnStatus.String.
func ParseReturnStatus(s string) (ReturnStatus, error) {
	for _, st := range []ReturnStatus{Unknown, Diverges, Returns} {
		if st.String() == s {
			return st, nil
		}
	}
	return Unknown, fmt.Errorf("cfg: unknown return status %q", s)
}

// Procedure is a confirmed or speculative procedure entry.
type Procedure struct {
	Entry       image.Addr
	Returns     ReturnStatus
	Speculative bool  // only known as a call target
	Refs        int64 // live call edges targeting Entry
}

// Graph is the scan result shared by concurrent workers. Every field is a
// per-address map; there is no lock over the whole structure. Registration
// methods named Try* report whether this caller won the slot.
type Graph struct {
	blocks      sync.Map // image.Addr -> *Block
	succs       sync.Map // image.Addr -> *edgeSet
	preds       sync.Map // image.Addr -> *edgeSet
	entries     sync.Map // image.Addr -> struct{}
	speculative sync.Map // image.Addr -> *atomic.Int64
	status      sync.Map // image.Addr -> *atomic.Uint32
	candidates  sync.Map // image.Addr -> struct{}
	ends        sync.Map // end image.Addr -> *endClaims
}

// New returns an empty graph.
func New() *Graph { return &Graph{} }

// TryClaimStart marks addr as a candidate block start. Only the first caller
// gets true and is responsible for parsing it.
func (g *Graph) TryClaimStart(addr image.Addr) bool {
	_, loaded := g.candidates.LoadOrStore(addr, struct{}{})
	return !loaded
}

// IsCandidate reports whether addr was claimed as a block start.
func (g *Graph) IsCandidate(addr image.Addr) bool {
	_, ok := g.candidates.Load(addr)
	return ok
}

// Candidates returns all claimed starts, sorted.
func (g *Graph) Candidates() []image.Addr {
	var out []image.Addr
	g.candidates.Range(func(k, _ any) bool {
		out = append(out, k.(image.Addr))
		return true
	})
	sortAddrs(out)
	return out
}

// TryRegisterBlockStart stores b unless a block already starts at b.Start,
// in which case the existing block is returned with false.
func (g *Graph) TryRegisterBlockStart(b *Block) (*Block, bool) {
	v, loaded := g.blocks.LoadOrStore(b.Start, b)
	return v.(*Block), !loaded
}

// ReplaceBlock overwrites the block stored at b.Start. Used by splitting,
// which only ever shortens a block that the caller currently owns.
func (g *Graph) ReplaceBlock(b *Block) {
	g.blocks.Store(b.Start, b)
}

// Block returns the block starting at addr.
func (g *Graph) Block(addr image.Addr) (*Block, bool) {
	v, ok := g.blocks.Load(addr)
	if !ok {
		return nil, false
	}
	return v.(*Block), true
}

// endClaims holds the starts of every block ending at one address, sorted.
type endClaims struct {
	mu     sync.Mutex
	starts []image.Addr
}

func (g *Graph) claims(end image.Addr) *endClaims {
	if v, ok := g.ends.Load(end); ok {
		return v.(*endClaims)
	}
	v, _ := g.ends.LoadOrStore(end, &endClaims{})
	return v.(*endClaims)
}

func insertAddr(a []image.Addr, x image.Addr) ([]image.Addr, bool) {
	i := sort.Search(len(a), func(i int) bool { return a[i] >= x })
	if i < len(a) && a[i] == x {
		return a, false
	}
	a = append(a, 0)
	copy(a[i+1:], a[i:])
	a[i] = x
	return a, true
}

// TryRegisterBlockEnd records that the block starting at start ends at end.
// It wins when no other block claims end; otherwise the lowest other
// claimant is returned with false. Every claimant is kept.
func (g *Graph) TryRegisterBlockEnd(end, start image.Addr) (other image.Addr, won bool) {
	c := g.claims(end)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts, _ = insertAddr(c.starts, start)
	for _, s := range c.starts {
		if s != start {
			return s, false
		}
	}
	return start, true
}

// UpdateBlockEnd runs fn with the claimants of end locked and stores the
// starts it returns. fn may read and replace blocks ending at end; any other
// caller settling the same end waits for it.
func (g *Graph) UpdateBlockEnd(end image.Addr, fn func(starts []image.Addr) []image.Addr) {
	c := g.claims(end)
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := append([]image.Addr(nil), c.starts...)
	next := fn(cur)
	c.starts = c.starts[:0]
	for _, s := range next {
		c.starts, _ = insertAddr(c.starts, s)
	}
}

// BlockEnders returns the starts of the blocks claiming end, sorted.
func (g *Graph) BlockEnders(end image.Addr) []image.Addr {
	v, ok := g.ends.Load(end)
	if !ok {
		return nil
	}
	c := v.(*endClaims)
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]image.Addr(nil), c.starts...)
}

// BlockEndOwner returns the highest claimant of end. Once a tail is settled
// it is the block that kept the end.
func (g *Graph) BlockEndOwner(end image.Addr) (image.Addr, bool) {
	starts := g.BlockEnders(end)
	if len(starts) == 0 {
		return 0, false
	}
	return starts[len(starts)-1], true
}

func (g *Graph) releaseEnd(end, start image.Addr) {
	v, ok := g.ends.Load(end)
	if !ok {
		return
	}
	c := v.(*endClaims)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.starts {
		if s == start {
			c.starts = append(c.starts[:i], c.starts[i+1:]...)
			break
		}
	}
}

func (g *Graph) slot(m *sync.Map, addr image.Addr) *edgeSet {
	if v, ok := m.Load(addr); ok {
		return v.(*edgeSet)
	}
	v, _ := m.LoadOrStore(addr, &edgeSet{})
	return v.(*edgeSet)
}

// AddEdge inserts e. A new Call edge retains its target as a speculative
// procedure.
func (g *Graph) AddEdge(e Edge) bool {
	if !g.slot(&g.succs, e.From).add(e) {
		return false
	}
	g.slot(&g.preds, e.To).add(e)
	if e.Kind == Call {
		g.Retain(e.To)
	}
	return true
}

// RemoveEdge deletes e and releases its call target.
func (g *Graph) RemoveEdge(e Edge) bool {
	if !g.slot(&g.succs, e.From).remove(e) {
		return false
	}
	g.slot(&g.preds, e.To).remove(e)
	if e.Kind == Call {
		g.Release(e.To)
	}
	return true
}

// RemoveEdgesFrom deletes every outgoing edge of the block at addr.
func (g *Graph) RemoveEdgesFrom(addr image.Addr) []Edge {
	edges := g.Successors(addr)
	for _, e := range edges {
		g.RemoveEdge(e)
	}
	return edges
}

// Successors returns the outgoing edges of the block starting at addr.
func (g *Graph) Successors(addr image.Addr) []Edge {
	if v, ok := g.succs.Load(addr); ok {
		return v.(*edgeSet).snapshot()
	}
	return nil
}

// Predecessors returns the incoming edges of the block starting at addr.
func (g *Graph) Predecessors(addr image.Addr) []Edge {
	if v, ok := g.preds.Load(addr); ok {
		return v.(*edgeSet).snapshot()
	}
	return nil
}

// RemoveBlock deletes the block at addr together with every edge that has
// it as an endpoint. Call edges owned by the block release their targets.
func (g *Graph) RemoveBlock(addr image.Addr) (*Block, bool) {
	v, ok := g.blocks.LoadAndDelete(addr)
	if !ok {
		return nil, false
	}
	b := v.(*Block)
	for _, e := range g.Successors(addr) {
		g.RemoveEdge(e)
	}
	for _, e := range g.Predecessors(addr) {
		g.RemoveEdge(e)
	}
	g.releaseEnd(b.End, addr)
	return b, true
}

// AddEntry records a trusted procedure entry. Returns false if already known.
func (g *Graph) AddEntry(addr image.Addr) bool {
	_, loaded := g.entries.LoadOrStore(addr, struct{}{})
	return !loaded
}

// IsEntry reports whether addr is a trusted procedure entry.
func (g *Graph) IsEntry(addr image.Addr) bool {
	_, ok := g.entries.Load(addr)
	return ok
}

// Entries returns the trusted procedure entries, sorted.
func (g *Graph) Entries() []image.Addr {
	var out []image.Addr
	g.entries.Range(func(k, _ any) bool {
		out = append(out, k.(image.Addr))
		return true
	})
	sortAddrs(out)
	return out
}

// Retain increments the speculative reference count of addr and reports
// whether this was the first live reference.
func (g *Graph) Retain(addr image.Addr) bool {
	v, _ := g.speculative.LoadOrStore(addr, new(atomic.Int64))
	return v.(*atomic.Int64).Add(1) == 1
}

// Release decrements the speculative reference count of addr. A count of
// zero discards the speculative procedure.
func (g *Graph) Release(addr image.Addr) int64 {
	v, ok := g.speculative.Load(addr)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Add(-1)
}

// Refs returns the live call references to addr.
func (g *Graph) Refs(addr image.Addr) int64 {
	if v, ok := g.speculative.Load(addr); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// IsProcedure reports whether addr is a trusted entry or a live
// speculative procedure.
func (g *Graph) IsProcedure(addr image.Addr) bool {
	return g.IsEntry(addr) || g.Refs(addr) > 0
}

// SetReturns records the return status of the procedure at addr.
func (g *Graph) SetReturns(addr image.Addr, st ReturnStatus) {
	v, _ := g.status.LoadOrStore(addr, new(atomic.Uint32))
	v.(*atomic.Uint32).Store(uint32(st))
}

// Returns returns the recorded status of the procedure at addr.
func (g *Graph) Returns(addr image.Addr) ReturnStatus {
	if v, ok := g.status.Load(addr); ok {
		return ReturnStatus(v.(*atomic.Uint32).Load())
	}
	return Unknown
}

// Procedures returns trusted entries and live speculative procedures,
// sorted by entry.
func (g *Graph) Procedures() []Procedure {
	seen := make(map[image.Addr]bool)
	var out []Procedure
	for _, a := range g.Entries() {
		seen[a] = true
		out = append(out, Procedure{Entry: a, Returns: g.Returns(a), Refs: g.Refs(a)})
	}
	g.speculative.Range(func(k, v any) bool {
		a := k.(image.Addr)
		if n := v.(*atomic.Int64).Load(); n > 0 && !seen[a] {
			out = append(out, Procedure{Entry: a, Returns: g.Returns(a), Speculative: true, Refs: n})
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Entry < out[j].Entry })
	return out
}

// ProcedureEntries returns the entries of Procedures.
func (g *Graph) ProcedureEntries() []image.Addr {
	procs := g.Procedures()
	out := make([]image.Addr, len(procs))
	for i, p := range procs {
		out[i] = p.Entry
	}
	return out
}

// Blocks returns all blocks sorted by start address.
func (g *Graph) Blocks() []*Block {
	var out []*Block
	g.blocks.Range(func(_, v any) bool {
		out = append(out, v.(*Block))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Edges returns every edge, sorted.
func (g *Graph) Edges() []Edge {
	var out []Edge
	g.succs.Range(func(_, v any) bool {
		out = append(out, v.(*edgeSet).snapshot()...)
		return true
	})
	SortEdges(out)
	return out
}

// Clone returns an independent copy. Blocks are shared since they are never
// mutated in place.
func (g *Graph) Clone() *Graph {
	c := New()
	g.blocks.Range(func(k, v any) bool {
		c.blocks.Store(k, v)
		return true
	})
	g.candidates.Range(func(k, v any) bool {
		c.candidates.Store(k, v)
		return true
	})
	g.ends.Range(func(k, v any) bool {
		starts := g.BlockEnders(k.(image.Addr))
		if len(starts) > 0 {
			c.ends.Store(k, &endClaims{starts: starts})
		}
		return true
	})
	g.entries.Range(func(k, v any) bool {
		c.entries.Store(k, v)
		return true
	})
	g.status.Range(func(k, v any) bool {
		c.SetReturns(k.(image.Addr), ReturnStatus(v.(*atomic.Uint32).Load()))
		return true
	})
	for _, e := range g.Edges() {
		c.AddEdge(e)
	}
	return c
}

// Stats summarizes a graph.
type Stats struct {
	Blocks        int
	InvalidBlocks int
	Edges         int
	Entries       int
	Procedures    int
	Bytes         int
}

// Stats counts blocks, edges and procedures.
func (g *Graph) Stats() Stats {
	var s Stats
	for _, b := range g.Blocks() {
		s.Blocks++
		s.Bytes += b.Size()
		if b.Invalid() {
			s.InvalidBlocks++
		}
	}
	s.Edges = len(g.Edges())
	s.Entries = len(g.Entries())
	s.Procedures = len(g.Procedures())
	return s
}

func sortAddrs(a []image.Addr) {
	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
}
