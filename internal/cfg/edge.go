package cfg

import (
	"fmt"
	"sort"
	"sync"

	"shingle/internal/image"
)

// EdgeKind classifies a control-flow edge.
type EdgeKind uint8

const (
	DirectJump EdgeKind = iota
	IndirectJump
	Call
	IndirectCall
	TailCall
	Return
	FallThrough
)

var edgeKindNames = [...]string{
	DirectJump:   "jump",
	IndirectJump: "ijump",
	Call:         "call",
	IndirectCall: "icall",
	TailCall:     "tailcall",
	Return:       "return",
	FallThrough:  "fallthrough",
}

func (k EdgeKind) String() string {
	if int(k) < len(edgeKindNames) {
		return edgeKindNames[k]
	}
	return fmt.Sprintf("edge(%d)", uint8(k))
}

// ParseEdgeKind is the inverse of EdgeKind.String.
func ParseEdgeKind(s string) (EdgeKind, error) {
	for i, n := range edgeKindNames {
		if n == s {
			return EdgeKind(i), nil
		}
	}
	return 0, fmt.Errorf("cfg: unknown edge kind %q", s)
}

// IsCall reports whether the edge enters another procedure and returns.
func (k EdgeKind) IsCall() bool { return k == Call || k == IndirectCall }

// Local reports whether the edge stays inside the current procedure.
func (k EdgeKind) Local() bool {
	return k == DirectJump || k == IndirectJump || k == FallThrough
}

// Edge connects two block start addresses.
type Edge struct {
	From image.Addr
	To   image.Addr
	Kind EdgeKind
}

func (e Edge) String() string { return fmt.Sprintf("%s %s->%s", e.Kind, e.From, e.To) }

// edgeSet is one per-address adjacency slot. Its mutex only guards this
// slot, so workers touching different addresses never contend.
type edgeSet struct {
	mu    sync.Mutex
	edges []Edge
}

func (s *edgeSet) add(e Edge) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.edges {
		if x == e {
			return false
		}
	}
	s.edges = append(s.edges, e)
	return true
}

func (s *edgeSet) remove(e Edge) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.edges {
		if x == e {
			s.edges = append(s.edges[:i], s.edges[i+1:]...)
			return true
		}
	}
	return false
}

func (s *edgeSet) snapshot() []Edge {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Edge, len(s.edges))
	copy(out, s.edges)
	return out
}

// SortEdges orders edges by (From, To, Kind).
func SortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.Kind < b.Kind
	})
}
