package render

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Link is a generated artifact referenced from the index page.
type Link struct {
	Href  string
	Label string
}

// WriteIndexHTML writes a small HTML page summarizing a recovered graph.
func WriteIndexHTML(w io.Writer, stats GraphStats, title string, roots []string, reachable int, links []Link) {
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body { font-family: "Helvetica Neue", Helvetica, Arial, sans-serif; font-size: 14px; color: #1A1A1A; background: #F5F5F5; margin: 2em; max-width: 900px; }
h1 { font-size: 18px; font-weight: 600; margin-bottom: 0.5em; }
h2 { font-size: 14px; font-weight: 600; margin-top: 1.5em; border-bottom: 1px solid #ddd; padding-bottom: 4px; }
table { border-collapse: collapse; margin: 0.5em 0; }
th, td { text-align: left; padding: 3px 12px 3px 0; font-size: 13px; }
th { font-weight: 600; }
td.num { text-align: right; font-variant-numeric: tabular-nums; }
.kind { display: inline-block; width: 10px; height: 10px; border-radius: 2px; margin-right: 4px; vertical-align: middle; }
a { color: #0B3D91; }
.bar { height: 8px; border-radius: 2px; display: inline-block; vertical-align: middle; }
.ep { font-family: "Courier New", monospace; font-size: 12px; }
</style>
</head>
<body>
`, htmlEscape(title))

	fmt.Fprintf(w, "<h1>%s</h1>\n", htmlEscape(title))

	fmt.Fprintln(w, "<h2>Summary</h2>")
	fmt.Fprintln(w, "<table>")
	fmt.Fprintf(w, "<tr><td>Blocks</td><td class=\"num\">%d</td></tr>\n", stats.Blocks)
	fmt.Fprintf(w, "<tr><td>Invalid blocks</td><td class=\"num\">%d</td></tr>\n", stats.InvalidBlocks)
	fmt.Fprintf(w, "<tr><td>Bytes covered</td><td class=\"num\">%d</td></tr>\n", stats.Bytes)
	fmt.Fprintf(w, "<tr><td>Edges</td><td class=\"num\">%d</td></tr>\n", stats.Edges)
	fmt.Fprintf(w, "<tr><td>Entries</td><td class=\"num\">%d</td></tr>\n", stats.Entries)
	fmt.Fprintf(w, "<tr><td>Procedures</td><td class=\"num\">%d</td></tr>\n", stats.Procedures)
	fmt.Fprintf(w, "<tr><td>Speculative procedures</td><td class=\"num\">%d</td></tr>\n", stats.Speculative)
	fmt.Fprintf(w, "<tr><td>Reachable from roots</td><td class=\"num\">%d</td></tr>\n", reachable)
	fmt.Fprintln(w, "</table>")

	kindColors := map[string]string{
		"jump":        NASA.EdgeJump,
		"fallthrough": NASA.EdgeFall,
		"call":        NASA.EdgeCall,
		"tailcall":    NASA.EdgeTailCall,
		"ijump":       NASA.EdgeIndirect,
		"icall":       NASA.EdgeIndirect,
	}
	fmt.Fprintln(w, "<h2>Edge Kinds</h2>")
	fmt.Fprintln(w, "<table>")
	fmt.Fprintln(w, "<tr><th></th><th>Kind</th><th>Count</th><th></th></tr>")
	for _, nc := range topNMap(stats.EdgeKinds, len(stats.EdgeKinds)) {
		color := kindColors[nc.Name]
		if color == "" {
			color = NASA.EdgeJump
		}
		barW := 0
		if stats.Edges > 0 {
			barW = max(nc.Count*200/stats.Edges, 2)
		}
		fmt.Fprintf(w, "<tr><td><span class=\"kind\" style=\"background:%s\"></span></td><td>%s</td><td class=\"num\">%d</td><td><span class=\"bar\" style=\"width:%dpx;background:%s\"></span></td></tr>\n",
			color, htmlEscape(nc.Name), nc.Count, barW, color)
	}
	fmt.Fprintln(w, "</table>")

	writeCountTable(w, "Return Status", "Status", stats.Returns)
	writeCountTable(w, "Faults", "Fault", stats.Faults)

	fmt.Fprintln(w, "<h2>Graphs</h2>")
	fmt.Fprint(w, "<p>")
	if len(links) == 0 {
		fmt.Fprint(w, `<span style="color:#9E9E9E">No graphs rendered</span>`)
	}
	for i, l := range links {
		if i > 0 {
			fmt.Fprint(w, " | ")
		}
		fmt.Fprintf(w, `<a href="%s">%s</a>`, htmlEscape(l.Href), htmlEscape(l.Label))
	}
	fmt.Fprintln(w, "</p>")

	if len(roots) > 0 {
		fmt.Fprintln(w, "<h2>Roots</h2>")
		fmt.Fprintf(w, "<p>%d procedures with no incoming calls:</p>\n", len(roots))
		fmt.Fprintln(w, "<table>")
		limit := min(len(roots), 50)
		for _, r := range roots[:limit] {
			fmt.Fprintf(w, "<tr><td class=\"ep\">%s</td></tr>\n", htmlEscape(r))
		}
		if len(roots) > limit {
			fmt.Fprintf(w, "<tr><td>... and %d more</td></tr>\n", len(roots)-limit)
		}
		fmt.Fprintln(w, "</table>")
	}

	writeNameCounts(w, "Top Callers", "Outgoing", stats.TopCallers)
	writeNameCounts(w, "Top Callees", "Incoming", stats.TopCallees)

	fmt.Fprintln(w, "</body></html>")
}

func writeCountTable(w io.Writer, heading, col string, m map[string]int) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "<h2>%s</h2>\n", heading)
	fmt.Fprintln(w, "<table>")
	fmt.Fprintf(w, "<tr><th>%s</th><th>Count</th></tr>\n", col)
	for _, k := range keys {
		fmt.Fprintf(w, "<tr><td>%s</td><td class=\"num\">%d</td></tr>\n", htmlEscape(k), m[k])
	}
	fmt.Fprintln(w, "</table>")
}

func writeNameCounts(w io.Writer, heading, col string, ncs []NameCount) {
	if len(ncs) == 0 {
		return
	}
	fmt.Fprintf(w, "<h2>%s</h2>\n", heading)
	fmt.Fprintln(w, "<table>")
	fmt.Fprintf(w, "<tr><th>Procedure</th><th>%s</th></tr>\n", col)
	for _, nc := range ncs[:min(len(ncs), 15)] {
		fmt.Fprintf(w, "<tr><td>%s</td><td class=\"num\">%d</td></tr>\n", htmlEscape(nc.Name), nc.Count)
	}
	fmt.Fprintln(w, "</table>")
}

func htmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}
