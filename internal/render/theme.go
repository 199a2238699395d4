package render

import "shingle/internal/cfg"

// Theme holds colors for graph rendering.
type Theme struct {
	Background string
	NodeFill   string
	NodeBorder string
	TextColor  string

	// Edge colors by kind.
	EdgeJump     string // direct jumps
	EdgeFall     string // fall-through
	EdgeCall     string // direct calls
	EdgeTailCall string // jumps into another procedure
	EdgeIndirect string // computed targets
	EdgeTaken    string // conditional, taken
	EdgeNotTaken string // conditional, not taken

	// Node accents.
	EntryBorder  string // procedure entries
	StubFill     string // terminal blocks, speculative procedures
	InvalidFill  string // blocks that failed to decode
	DivergeFill  string // procedures that never return
	ExternalText string // targets outside the rendered set

	// Cluster styling.
	ClusterBorder string
	ClusterLabel  string
}

// NASA is the NASA/Bauhaus theme: geometric, monochrome, sparse color.
var NASA = Theme{
	Background: "#F5F5F5",
	NodeFill:   "white",
	NodeBorder: "#1A1A1A",
	TextColor:  "#1A1A1A",

	EdgeJump:     "#424242", // dark gray
	EdgeFall:     "#9E9E9E", // gray
	EdgeCall:     "#0B3D91", // NASA blue
	EdgeTailCall: "#00695C", // teal
	EdgeIndirect: "#E65100", // deep orange
	EdgeTaken:    "#0B3D91",
	EdgeNotTaken: "#FC3D21", // NASA red

	EntryBorder:  "#0B3D91",
	StubFill:     "#ECEFF1", // blue-gray 50
	InvalidFill:  "#FFCDD2", // red 100
	DivergeFill:  "#FFE0B2", // orange 100
	ExternalText: "#9E9E9E",

	ClusterBorder: "#BDBDBD",
	ClusterLabel:  "#757575",
}

// edgeColor returns the DOT color for an edge kind.
func edgeColor(k cfg.EdgeKind, t Theme) string {
	switch k {
	case cfg.DirectJump:
		return t.EdgeJump
	case cfg.FallThrough:
		return t.EdgeFall
	case cfg.Call:
		return t.EdgeCall
	case cfg.TailCall:
		return t.EdgeTailCall
	case cfg.IndirectJump, cfg.IndirectCall:
		return t.EdgeIndirect
	default:
		return t.EdgeJump
	}
}

// edgeStyle returns the DOT style for an edge kind.
func edgeStyle(k cfg.EdgeKind) string {
	switch k {
	case cfg.FallThrough:
		return "dotted"
	case cfg.TailCall, cfg.IndirectJump, cfg.IndirectCall:
		return "dashed"
	default:
		return "solid"
	}
}
