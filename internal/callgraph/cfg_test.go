package callgraph

import (
	"context"
	"strings"
	"testing"

	"github.com/zboralski/lattice/render"

	"shingle/internal/disasm"
	"shingle/internal/image"
	"shingle/internal/scan"
)

// diamond is a procedure with a conditional, two calls and a join:
//
//	0x00: alu ; bra c1, 0x0a
//	0x04: call 0x20
//	0x07: jmp 0x0e
//	0x0a: call 0x30
//	0x0d: alu
//	0x0e: ret
//	0x20: ret
//	0x30: ret
func diamond() []byte {
	code := make([]byte, 0x31)
	copy(code[0x00:], []byte{0x10, 0x21, 0x00, 0x0a})
	copy(code[0x04:], []byte{0x30, 0x00, 0x20, 0x20, 0x00, 0x0e})
	copy(code[0x0a:], []byte{0x30, 0x00, 0x30, 0x10, 0x60})
	code[0x20] = 0x60
	code[0x30] = 0x60
	return code
}

func scanDiamond(t *testing.T) []Procedure {
	t.Helper()
	g, err := scan.Recursive(context.Background(), image.FromRaw(diamond(), 0), disasm.Nibble{}, []image.Addr{0}, scan.Options{})
	if err != nil {
		t.Fatal(err)
	}
	procs := Procedures(g, SymbolNamer(map[image.Addr]string{0: "main"}))
	if len(procs) != 3 {
		t.Fatalf("procedures = %d, want 3", len(procs))
	}
	return procs
}

func TestProcedures(t *testing.T) {
	procs := scanDiamond(t)
	main := procs[0]
	if main.Name != "main" || main.Speculative {
		t.Errorf("procs[0] = %s speculative=%v", main.Name, main.Speculative)
	}
	if procs[1].Name != "sub_20" || !procs[1].Speculative {
		t.Errorf("procs[1] = %s", procs[1].Name)
	}
	// 0x00, 0x04, 0x07, 0x0a, 0x0d, 0x0e
	if len(main.Blocks) != 6 {
		t.Fatalf("main blocks = %d, want 6", len(main.Blocks))
	}
	if main.Blocks[0].Start != 0 {
		t.Errorf("first block = %s, want the entry", main.Blocks[0])
	}
}

func TestBuildCFG_DOTOutput(t *testing.T) {
	g, err := scan.Recursive(context.Background(), image.FromRaw(diamond(), 0), disasm.Nibble{}, []image.Addr{0}, scan.Options{})
	if err != nil {
		t.Fatal(err)
	}
	name := SymbolNamer(map[image.Addr]string{0: "main"})
	procs := Procedures(g, name)

	cg := BuildCFG(g, procs, name)
	if len(cg.Funcs) != 3 {
		t.Fatalf("expected 3 functions, got %d", len(cg.Funcs))
	}
	f := cg.Funcs[0]
	if f.Name != "main" {
		t.Errorf("func name = %q", f.Name)
	}
	if len(f.Blocks) != 6 {
		t.Fatalf("expected 6 blocks, got %d", len(f.Blocks))
	}

	// B0: alu ; bra -> T to 0x0a, F to 0x04
	b0 := f.Blocks[0]
	if len(b0.Succs) != 2 {
		t.Fatalf("B0 succs = %+v", b0.Succs)
	}
	conds := map[string]int{}
	for _, s := range b0.Succs {
		conds[s.Cond] = s.BlockID
	}
	if conds["T"] != 3 || conds["F"] != 1 {
		t.Errorf("B0 succs = %+v, want T->3 F->1", b0.Succs)
	}
	if b0.Start != 0 || b0.End != 2 {
		t.Errorf("B0 range = [%d,%d), want [0,2)", b0.Start, b0.End)
	}

	// B1: call sub_20 ; jmp
	b1 := f.Blocks[1]
	if len(b1.Calls) != 1 || b1.Calls[0].Callee != "sub_20" {
		t.Errorf("B1 calls = %+v", b1.Calls)
	}

	if b1.Start != 2 || b1.End != 3 {
		t.Errorf("B1 range = [%d,%d), want [2,3)", b1.Start, b1.End)
	}

	// B5: ret, terminal
	if b5 := f.Blocks[5]; !b5.Term {
		t.Error("B5 should be terminal")
	}
	if f.Blocks[2].Term {
		t.Error("B2 jumps to B5 and is not terminal")
	}

	dot := render.DOTCFG(cg, "shingle CFG example")
	if dot == "" {
		t.Error("expected non-empty DOT output")
	}
}

func TestBuildCallGraph_DOTOutput(t *testing.T) {
	g, err := scan.Recursive(context.Background(), image.FromRaw(diamond(), 0), disasm.Nibble{}, []image.Addr{0}, scan.Options{})
	if err != nil {
		t.Fatal(err)
	}
	name := SymbolNamer(map[image.Addr]string{0: "main"})
	cg := BuildCallGraph(g, Procedures(g, name), name)

	if len(cg.Nodes) != 3 {
		t.Errorf("expected 3 nodes, got %d", len(cg.Nodes))
	}
	if len(cg.Edges) != 2 {
		t.Errorf("expected 2 edges, got %d", len(cg.Edges))
	}
	for _, e := range cg.Edges {
		if e.Caller != "main" || !strings.HasPrefix(e.Callee, "sub_") {
			t.Errorf("edge %s -> %s", e.Caller, e.Callee)
		}
	}

	dot := render.DOT(cg, "shingle call graph example")
	if dot == "" {
		t.Error("expected non-empty DOT output")
	}
}
