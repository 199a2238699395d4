package render

import (
	"fmt"
	"sort"
	"strings"

	"shingle/internal/callgraph"
	"shingle/internal/cfg"
	"shingle/internal/image"
)

type callKey struct {
	from, to image.Addr
	kind     cfg.EdgeKind
}

// callEdges collects the inter-procedural edges of procs, counting repeats.
func callEdges(g *cfg.Graph, procs []callgraph.Procedure) (map[callKey]int, []callKey) {
	counts := make(map[callKey]int)
	var order []callKey
	for _, p := range procs {
		for _, blk := range p.Blocks {
			for _, e := range g.Successors(blk.Start) {
				if e.Kind != cfg.Call && e.Kind != cfg.TailCall {
					continue
				}
				k := callKey{p.Entry, e.To, e.Kind}
				if counts[k] == 0 {
					order = append(order, k)
				}
				counts[k]++
			}
		}
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.from != b.from {
			return a.from < b.from
		}
		if a.to != b.to {
			return a.to < b.to
		}
		return a.kind < b.kind
	})
	return counts, order
}

// CallgraphDOT renders the procedure call graph as DOT.
// Trusted procedures are grouped into one cluster and speculative ones into
// another. Diverging procedures are filled with the theme's DivergeFill.
// Call targets that are not procedures are shown as plaintext nodes.
// maxNodes limits the number of procedure nodes rendered (0 = all).
func CallgraphDOT(g *cfg.Graph, procs []callgraph.Procedure, name callgraph.Namer, title string, t Theme, maxNodes int) string {
	if name == nil {
		name = callgraph.SymbolNamer(nil)
	}
	if maxNodes > 0 && len(procs) > maxNodes {
		procs = procs[:maxNodes]
	}
	rendered := make(map[image.Addr]bool, len(procs))
	for _, p := range procs {
		rendered[p.Entry] = true
	}
	counts, order := callEdges(g, procs)

	var b strings.Builder
	b.WriteString("digraph callgraph {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  compound=true;\n")
	b.WriteString("  splines=true;\n")
	b.WriteString("  nodesep=0.4;\n")
	b.WriteString("  ranksep=0.6;\n")
	fmt.Fprintf(&b, "  bgcolor=%q;\n", t.Background)
	fmt.Fprintf(&b, "  node [shape=rect, style=filled, fillcolor=%q, color=%q, penwidth=0.5, fontname=\"Helvetica Neue,Helvetica,Arial\", fontsize=9, fontcolor=%q, height=0.3, margin=\"0.12,0.06\"];\n",
		t.NodeFill, t.NodeBorder, t.TextColor)
	fmt.Fprintf(&b, "  edge [penwidth=0.5, arrowsize=0.5, arrowhead=vee];\n")
	if title != "" {
		fmt.Fprintf(&b, "  labelloc=t;\n  labeljust=l;\n")
		fmt.Fprintf(&b, "  label=<<font face=\"Helvetica Neue,Helvetica\" point-size=\"8\" color=\"%s\">%s</font>>;\n",
			t.TextColor, dotEscape(title))
	}
	b.WriteByte('\n')

	var trusted, speculative []callgraph.Procedure
	for _, p := range procs {
		if p.Speculative {
			speculative = append(speculative, p)
		} else {
			trusted = append(trusted, p)
		}
	}
	writeCluster(&b, "cluster_entries", "entries", trusted, t)
	writeCluster(&b, "cluster_speculative", "speculative", speculative, t)

	external := make(map[image.Addr]bool)
	for _, k := range order {
		if !rendered[k.to] && !external[k.to] {
			external[k.to] = true
			fmt.Fprintf(&b, "  %s [label=%q, shape=plaintext, style=\"\", fillcolor=none, fontcolor=%q, fontsize=8];\n",
				procID(k.to), truncLabel(name(k.to), 50), t.ExternalText)
		}
	}
	b.WriteByte('\n')

	for _, k := range order {
		n := counts[k]
		color := edgeColor(k.kind, t)
		attrs := fmt.Sprintf("color=%q, style=%q", color, edgeStyle(k.kind))
		if n > 1 {
			attrs += fmt.Sprintf(", penwidth=%.1f", 0.5+float64(n)*0.1)
			if n > 2 {
				attrs += fmt.Sprintf(", label=<<font point-size=\"7\" color=\"%s\">%dx</font>>", color, n)
			}
		}
		fmt.Fprintf(&b, "  %s -> %s [%s];\n", procID(k.from), procID(k.to), attrs)
	}

	b.WriteString("}\n")
	return b.String()
}

func writeCluster(b *strings.Builder, id, label string, procs []callgraph.Procedure, t Theme) {
	if len(procs) == 0 {
		return
	}
	fmt.Fprintf(b, "  subgraph %s {\n", id)
	fmt.Fprintf(b, "    label=<<font point-size=\"8\" color=\"%s\">%s</font>>;\n", t.ClusterLabel, label)
	fmt.Fprintf(b, "    style=dotted; color=%q; penwidth=0.3;\n", t.ClusterBorder)
	for _, p := range procs {
		attrs := ""
		switch {
		case p.Returns == cfg.Diverges:
			attrs = fmt.Sprintf(", fillcolor=%q", t.DivergeFill)
		case p.Speculative:
			attrs = fmt.Sprintf(", fillcolor=%q", t.StubFill)
		}
		fmt.Fprintf(b, "    %s [label=%q%s];\n", procID(p.Entry), truncLabel(p.Name, 60), attrs)
	}
	b.WriteString("  }\n")
}

func procID(addr image.Addr) string {
	return fmt.Sprintf("p_%x", uint64(addr))
}

// GraphStats summarizes a recovered graph for reports.
type GraphStats struct {
	cfg.Stats
	EdgeKinds   map[string]int
	Faults      map[string]int
	Returns     map[string]int
	Speculative int
	TopCallers  []NameCount // sorted desc
	TopCallees  []NameCount // sorted desc
}

// NameCount pairs a name with a count.
type NameCount struct {
	Name  string
	Count int
}

// ComputeStats computes graph statistics.
func ComputeStats(g *cfg.Graph, procs []callgraph.Procedure, name callgraph.Namer) GraphStats {
	if name == nil {
		name = callgraph.SymbolNamer(nil)
	}
	stats := GraphStats{
		Stats:     g.Stats(),
		EdgeKinds: make(map[string]int),
		Faults:    make(map[string]int),
		Returns:   make(map[string]int),
	}
	for _, e := range g.Edges() {
		stats.EdgeKinds[e.Kind.String()]++
	}
	for _, blk := range g.Blocks() {
		if blk.Invalid() {
			stats.Faults[blk.Fault.String()]++
		}
	}

	callerCount := make(map[string]int)
	calleeCount := make(map[string]int)
	for _, p := range procs {
		stats.Returns[p.Returns.String()]++
		if p.Speculative {
			stats.Speculative++
		}
	}
	counts, _ := callEdges(g, procs)
	for k, n := range counts {
		callerCount[name(k.from)] += n
		calleeCount[name(k.to)] += n
	}
	stats.TopCallers = topNMap(callerCount, 20)
	stats.TopCallees = topNMap(calleeCount, 20)
	return stats
}

// topNMap returns the top N entries from a map, sorted by descending count
// and then by name.
func topNMap(m map[string]int, n int) []NameCount {
	entries := make([]NameCount, 0, len(m))
	for name, count := range m {
		entries = append(entries, NameCount{name, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Name < entries[j].Name
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
