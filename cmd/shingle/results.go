package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"shingle/internal/callgraph"
	"shingle/internal/cfg"
	"shingle/internal/disasm"
	"shingle/internal/image"
	"shingle/internal/output"
)

const snapshotFile = "graph.msgpack"

// outputFlags control what a scan writes.
type outputFlags struct {
	dir      string
	text     bool
	asm      bool
	snapshot bool
}

func (f *outputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.dir, "out", "", "Output directory (default from config)")
	cmd.Flags().BoolVar(&f.text, "text", false, "Include instruction text in blocks.jsonl")
	cmd.Flags().BoolVar(&f.asm, "asm", false, "Write per-procedure listings to asm/")
	cmd.Flags().BoolVar(&f.snapshot, "snapshot", true, "Write "+snapshotFile)
}

func (a *app) outDir(f *outputFlags) string {
	if f.dir != "" {
		return f.dir
	}
	return a.cfg.OutDir
}

// save writes the JSONL records, symbols, an optional snapshot and listings.
func (a *app) save(cmd *cobra.Command, f *outputFlags, img image.Image, names map[image.Addr]string, g *cfg.Graph) error {
	dir := a.outDir(f)
	name := callgraph.SymbolNamer(names)
	procs := callgraph.Procedures(g, name)

	if err := output.WriteGraph(dir, g, procs, f.text); err != nil {
		return err
	}
	if err := output.WriteSymbolsJSON(dir, names); err != nil {
		return err
	}
	snapshot := a.cfg.Snapshot
	if cmd.Flags().Changed("snapshot") {
		snapshot = f.snapshot
	}
	if snapshot {
		if err := output.SaveGraph(filepath.Join(dir, snapshotFile), g); err != nil {
			return err
		}
	}
	if f.asm {
		lookup := disasm.PlaceholderLookup(names)
		for _, p := range procs {
			if err := output.WriteASM(dir, img, p, lookup); err != nil {
				return err
			}
		}
	}

	st := g.Stats()
	a.log.Info("results written",
		"dir", dir,
		"blocks", st.Blocks,
		"invalid", st.InvalidBlocks,
		"edges", st.Edges,
		"procedures", st.Procedures)
	return nil
}

// loadSnapshot reads the graph and names saved in dir.
func loadSnapshot(dir string) (*cfg.Graph, map[image.Addr]string, error) {
	g, err := output.LoadGraph(filepath.Join(dir, snapshotFile))
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", dir, err)
	}
	names, err := output.ReadSymbolsJSON(dir)
	if err != nil {
		return nil, nil, err
	}
	return g, names, nil
}
