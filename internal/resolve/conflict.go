package resolve

import (
	"sort"

	"shingle/internal/cfg"
	"shingle/internal/image"
)

// Conflicts is the undirected overlap relation between blocks, keyed by
// block start. It is symmetric and irreflexive: a block never conflicts with
// itself and zero-sized blocks conflict with nothing.
type Conflicts struct {
	adj map[image.Addr]map[image.Addr]struct{}
}

// BuildConflicts finds every pair of overlapping blocks with a sweep over
// blocks sorted by start address.
func BuildConflicts(blocks []*cfg.Block) *Conflicts {
	sorted := make([]*cfg.Block, len(blocks))
	copy(sorted, blocks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	c := &Conflicts{adj: make(map[image.Addr]map[image.Addr]struct{})}
	var active []*cfg.Block
	for _, b := range sorted {
		if b.Size() <= 0 {
			continue
		}
		live := active[:0]
		for _, a := range active {
			if a.End > b.Start {
				live = append(live, a)
			}
		}
		active = live
		for _, a := range active {
			c.add(a.Start, b.Start)
		}
		active = append(active, b)
	}
	return c
}

func (c *Conflicts) add(a, b image.Addr) {
	if a == b {
		return
	}
	for _, p := range [][2]image.Addr{{a, b}, {b, a}} {
		m, ok := c.adj[p[0]]
		if !ok {
			m = make(map[image.Addr]struct{})
			c.adj[p[0]] = m
		}
		m[p[1]] = struct{}{}
	}
}

// Has reports whether a and b conflict.
func (c *Conflicts) Has(a, b image.Addr) bool {
	_, ok := c.adj[a][b]
	return ok
}

// Of returns the blocks conflicting with a, sorted.
func (c *Conflicts) Of(a image.Addr) []image.Addr {
	out := make([]image.Addr, 0, len(c.adj[a]))
	for b := range c.adj[a] {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Pairs returns each conflict once as {lower, higher}, sorted.
func (c *Conflicts) Pairs() [][2]image.Addr {
	var out [][2]image.Addr
	for a, m := range c.adj {
		for b := range m {
			if a < b {
				out = append(out, [2]image.Addr{a, b})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// Len returns the number of conflicting pairs.
func (c *Conflicts) Len() int {
	n := 0
	for _, m := range c.adj {
		n += len(m)
	}
	return n / 2
}

// Remove drops a and all its conflicts.
func (c *Conflicts) Remove(a image.Addr) {
	for b := range c.adj[a] {
		delete(c.adj[b], a)
		if len(c.adj[b]) == 0 {
			delete(c.adj, b)
		}
	}
	delete(c.adj, a)
}
