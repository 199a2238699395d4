// Package output writes scan results to files: JSONL records for blocks,
// edges and procedures, per-procedure listings, and msgpack snapshots of a
// whole graph.
package output

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"shingle/internal/callgraph"
	"shingle/internal/cfg"
	"shingle/internal/disasm"
	"shingle/internal/image"
)

// BlockRecord is one line in blocks.jsonl.
type BlockRecord struct {
	Start string   `json:"start"`
	End   string   `json:"end"`
	Size  int      `json:"size"`
	Insts int      `json:"insts"`
	Fault string   `json:"fault,omitempty"`
	Text  []string `json:"text,omitempty"`
}

// EdgeRecord is one line in edges.jsonl.
type EdgeRecord struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"`
}

// ProcedureRecord is one line in procedures.jsonl.
type ProcedureRecord struct {
	Entry       string `json:"entry"`
	Name        string `json:"name"`
	Returns     string `json:"returns"`
	Speculative bool   `json:"speculative,omitempty"`
	Refs        int64  `json:"refs,omitempty"`
	Blocks      int    `json:"blocks"`
}

// Blocks converts g's blocks. withText adds instruction text.
func Blocks(g *cfg.Graph, withText bool) []BlockRecord {
	var out []BlockRecord
	for _, b := range g.Blocks() {
		r := BlockRecord{
			Start: b.Start.String(),
			End:   b.End.String(),
			Size:  b.Size(),
			Insts: len(b.Insts),
		}
		if b.Invalid() {
			r.Fault = b.Fault.String()
		}
		if withText {
			for _, in := range b.Insts {
				r.Text = append(r.Text, in.String())
			}
		}
		out = append(out, r)
	}
	return out
}

// Edges converts g's edges.
func Edges(g *cfg.Graph) []EdgeRecord {
	var out []EdgeRecord
	for _, e := range g.Edges() {
		out = append(out, EdgeRecord{From: e.From.String(), To: e.To.String(), Kind: e.Kind.String()})
	}
	return out
}

// Procedures converts procs.
func Procedures(procs []callgraph.Procedure) []ProcedureRecord {
	out := make([]ProcedureRecord, 0, len(procs))
	for _, p := range procs {
		out = append(out, ProcedureRecord{
			Entry:       p.Entry.String(),
			Name:        p.Name,
			Returns:     p.Returns.String(),
			Speculative: p.Speculative,
			Refs:        p.Refs,
			Blocks:      len(p.Blocks),
		})
	}
	return out
}

// WriteGraph writes blocks.jsonl, edges.jsonl and procedures.jsonl to dir.
func WriteGraph(dir string, g *cfg.Graph, procs []callgraph.Procedure, withText bool) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("output: mkdir: %w", err)
	}
	if err := WriteJSONL(filepath.Join(dir, "blocks.jsonl"), Blocks(g, withText)); err != nil {
		return err
	}
	if err := WriteJSONL(filepath.Join(dir, "edges.jsonl"), Edges(g)); err != nil {
		return err
	}
	return WriteJSONL(filepath.Join(dir, "procedures.jsonl"), Procedures(procs))
}

// WriteJSONL writes one JSON object per line.
func WriteJSONL[T any](path string, records []T) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("output: encode %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("output: write %s: %w", path, err)
	}
	return f.Close()
}

// ReadJSONL reads records written by WriteJSONL.
func ReadJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("output: open %s: %w", path, err)
	}
	defer f.Close()

	var out []T
	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		var r T
		if err := dec.Decode(&r); err != nil {
			return nil, fmt.Errorf("output: decode %s: %w", path, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// WriteASM writes a procedure listing to asm/<name>.txt.
func WriteASM(dir string, img image.Image, p callgraph.Procedure, lookup disasm.SymbolLookup) error {
	path := filepath.Join(dir, "asm", p.Name+".txt")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("output: mkdir asm: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, b := range p.Blocks {
		fmt.Fprintf(w, "%s:\n", b)
		w.WriteString(disasm.Format(img, b.Insts, lookup, disasm.TargetAnnotator(lookup)))
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("output: write %s: %w", path, err)
	}
	return f.Close()
}

// SymbolEntry represents a named code address.
type SymbolEntry struct {
	Address uint64 `json:"address"`
	Name    string `json:"name"`
}

// WriteSymbolsJSON writes names to symbols.json, sorted by address.
func WriteSymbolsJSON(dir string, names map[image.Addr]string) error {
	symbols := make([]SymbolEntry, 0, len(names))
	for a, n := range names {
		symbols = append(symbols, SymbolEntry{Address: uint64(a), Name: n})
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Address < symbols[j].Address })
	return writeJSON(filepath.Join(dir, "symbols.json"), symbols)
}

// ReadSymbolsJSON reads symbols.json from dir. A missing file yields no names.
func ReadSymbolsJSON(dir string) (map[image.Addr]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "symbols.json"))
	if errors.Is(err, os.ErrNotExist) {
		return map[image.Addr]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("output: read symbols: %w", err)
	}
	var symbols []SymbolEntry
	if err := json.Unmarshal(data, &symbols); err != nil {
		return nil, fmt.Errorf("output: parse symbols: %w", err)
	}
	names := make(map[image.Addr]string, len(symbols))
	for _, s := range symbols {
		names[image.Addr(s.Address)] = s.Name
	}
	return names, nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode %s: %w", path, err)
	}
	return nil
}
