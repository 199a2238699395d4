package render

import (
	"shingle/internal/callgraph"
	"shingle/internal/cfg"
	"shingle/internal/image"
)

// FindRoots returns the procedures that no call or tail call reaches.
// Speculative procedures are never roots: they exist because something
// called them.
func FindRoots(g *cfg.Graph, procs []callgraph.Procedure) []image.Addr {
	counts, _ := callEdges(g, procs)
	called := make(map[image.Addr]bool, len(counts))
	for k := range counts {
		if k.from != k.to {
			called[k.to] = true
		}
	}
	var roots []image.Addr
	for _, p := range procs {
		if !p.Speculative && !called[p.Entry] {
			roots = append(roots, p.Entry)
		}
	}
	return roots
}

// ReachableSet walks call and tail-call edges from roots and returns every
// procedure entry reached, roots included.
func ReachableSet(g *cfg.Graph, procs []callgraph.Procedure, roots []image.Addr) map[image.Addr]bool {
	_, order := callEdges(g, procs)
	adj := make(map[image.Addr][]image.Addr)
	for _, k := range order {
		adj[k.from] = append(adj[k.from], k.to)
	}

	reachable := make(map[image.Addr]bool)
	queue := make([]image.Addr, 0, len(roots))
	for _, r := range roots {
		if !reachable[r] {
			reachable[r] = true
			queue = append(queue, r)
		}
	}
	for len(queue) > 0 {
		at := queue[0]
		queue = queue[1:]
		for _, to := range adj[at] {
			if !reachable[to] {
				reachable[to] = true
				queue = append(queue, to)
			}
		}
	}
	return reachable
}
