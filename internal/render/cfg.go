package render

import (
	"fmt"
	"strings"

	"shingle/internal/arch"
	"shingle/internal/callgraph"
	"shingle/internal/cfg"
	"shingle/internal/image"
)

// CFGDOT renders one procedure's blocks as DOT.
// Each block is a node listing its instructions; edges carry their kind.
// The entry block is highlighted and conditional edges use T/F colors.
// Calls leaving the procedure are drawn to plaintext callee nodes.
func CFGDOT(g *cfg.Graph, p callgraph.Procedure, name callgraph.Namer, t Theme) string {
	if len(p.Blocks) == 0 {
		return ""
	}
	if name == nil {
		name = callgraph.SymbolNamer(nil)
	}

	var b strings.Builder
	b.WriteString("digraph cfg {\n")
	b.WriteString("  rankdir=TB;\n")
	b.WriteString("  nodesep=0.3;\n")
	b.WriteString("  ranksep=0.4;\n")
	fmt.Fprintf(&b, "  bgcolor=%q;\n", t.Background)
	fmt.Fprintf(&b, "  node [shape=rect, style=filled, fillcolor=%q, color=%q, penwidth=0.5, fontname=\"Courier,monospace\", fontsize=8, fontcolor=%q, margin=\"0.08,0.04\"];\n",
		t.NodeFill, t.NodeBorder, t.TextColor)
	fmt.Fprintf(&b, "  edge [penwidth=0.7, arrowsize=0.5, arrowhead=vee];\n")
	fmt.Fprintf(&b, "  labelloc=t;\n  labeljust=l;\n")
	fmt.Fprintf(&b, "  label=<<font face=\"Helvetica Neue,Helvetica\" point-size=\"9\" color=\"%s\">%s (%s)</font>>;\n",
		t.TextColor, dotEscape(p.Name), p.Returns)
	b.WriteByte('\n')

	owned := make(map[image.Addr]bool, len(p.Blocks))
	for _, blk := range p.Blocks {
		owned[blk.Start] = true
	}

	for _, blk := range p.Blocks {
		lines := blockLines(blk)
		if len(lines) > 12 {
			kept := append(lines[:5:5], fmt.Sprintf("... (%d more)", len(lines)-10))
			lines = append(kept, lines[len(lines)-5:]...)
		}
		label := strings.Join(lines, "<br align=\"left\"/>") + "<br align=\"left\"/>"

		attrs := ""
		if blk.Start == p.Entry {
			attrs = fmt.Sprintf(", penwidth=1.5, color=%q", t.EntryBorder)
		}
		switch {
		case blk.Invalid():
			attrs += fmt.Sprintf(", fillcolor=%q", t.InvalidFill)
		case !hasLocalSucc(g, blk.Start):
			attrs += fmt.Sprintf(", fillcolor=%q", t.StubFill)
		}
		fmt.Fprintf(&b, "  %s [label=<%s>%s];\n", blockID(blk.Start), label, attrs)
	}
	b.WriteByte('\n')

	external := make(map[string]bool)
	for _, blk := range p.Blocks {
		term, ok := blk.Terminator()
		cond := ok && term.Class.Has(arch.Conditional)
		for _, e := range g.Successors(blk.Start) {
			from := blockID(blk.Start)
			if !e.Kind.Local() {
				callee := name(e.To)
				if !external[callee] {
					external[callee] = true
					fmt.Fprintf(&b, "  %s [label=%q, shape=plaintext, style=\"\", fillcolor=none, fontcolor=%q];\n",
						dotID(callee), callee, t.ExternalText)
				}
				fmt.Fprintf(&b, "  %s -> %s [color=%q, style=%q];\n", from, dotID(callee), edgeColor(e.Kind, t), edgeStyle(e.Kind))
				continue
			}
			if !owned[e.To] {
				continue
			}
			to := blockID(e.To)
			switch {
			case cond && e.To == blk.End:
				fmt.Fprintf(&b, "  %s -> %s [color=%q, label=<<font point-size=\"7\" color=\"%s\">F</font>>];\n",
					from, to, t.EdgeNotTaken, t.EdgeNotTaken)
			case cond:
				fmt.Fprintf(&b, "  %s -> %s [color=%q, label=<<font point-size=\"7\" color=\"%s\">T</font>>];\n",
					from, to, t.EdgeTaken, t.EdgeTaken)
			default:
				fmt.Fprintf(&b, "  %s -> %s [color=%q, style=%q];\n", from, to, edgeColor(e.Kind, t), edgeStyle(e.Kind))
			}
		}
	}

	b.WriteString("}\n")
	return b.String()
}

func blockID(addr image.Addr) string {
	return fmt.Sprintf("bb_%x", uint64(addr))
}

func blockLines(blk *cfg.Block) []string {
	var lines []string
	for _, inst := range blk.Insts {
		var line string
		switch {
		case inst.Synthetic():
			line = "            " + inst.String()
		case inst.Slot:
			line = fmt.Sprintf("0x%x: %s ; slot", uint64(inst.Addr), inst.String())
		default:
			line = fmt.Sprintf("0x%x: %s", uint64(inst.Addr), inst.String())
		}
		lines = append(lines, dotEscape(line))
	}
	if blk.Invalid() {
		lines = append(lines, dotEscape("; "+blk.Fault.String()))
	}
	return lines
}

func hasLocalSucc(g *cfg.Graph, addr image.Addr) bool {
	for _, e := range g.Successors(addr) {
		if e.Kind.Local() {
			return true
		}
	}
	return false
}
