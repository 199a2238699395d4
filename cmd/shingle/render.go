package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	latrender "github.com/zboralski/lattice/render"

	"shingle/internal/callgraph"
	"shingle/internal/render"
)

func newRenderCmd(a *app) *cobra.Command {
	var (
		outDir   string
		maxNodes int
		maxCFGs  int
		title    string
	)
	cmd := &cobra.Command{
		Use:   "render <dir>",
		Short: "Write DOT graphs and an HTML index for the snapshot in dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, names, err := loadSnapshot(args[0])
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = args[0]
			}
			if title == "" {
				title = filepath.Base(args[0])
			}
			if err := os.MkdirAll(filepath.Join(outDir, "cfg"), 0755); err != nil {
				return fmt.Errorf("mkdir: %w", err)
			}

			name := callgraph.SymbolNamer(names)
			procs := callgraph.Procedures(g, name)

			files := map[string]string{
				"callgraph.dot":         render.CallgraphDOT(g, procs, name, title, render.NASA, maxNodes),
				"lattice_callgraph.dot": latrender.DOT(callgraph.BuildCallGraph(g, procs, name), title),
				"lattice_cfg.dot":       latrender.DOTCFG(callgraph.BuildCFG(g, procs, name), title),
			}
			links := []render.Link{
				{Href: "callgraph.dot", Label: "Procedure call graph"},
				{Href: "lattice_callgraph.dot", Label: "Lattice call graph"},
				{Href: "lattice_cfg.dot", Label: "Lattice CFGs"},
			}
			cfgCount := 0
			for _, p := range procs {
				if maxCFGs > 0 && cfgCount >= maxCFGs {
					break
				}
				dot := render.CFGDOT(g, p, name, render.NASA)
				if dot == "" {
					continue
				}
				files[filepath.Join("cfg", render.SafeFileName(p.Name)+".dot")] = dot
				cfgCount++
			}
			for rel, text := range files {
				if err := os.WriteFile(filepath.Join(outDir, rel), []byte(text), 0644); err != nil {
					return fmt.Errorf("write %s: %w", rel, err)
				}
			}

			roots := render.FindRoots(g, procs)
			reach := render.ReachableSet(g, procs, roots)
			rootNames := make([]string, len(roots))
			for i, r := range roots {
				rootNames[i] = name(r)
			}

			f, err := os.Create(filepath.Join(outDir, "index.html"))
			if err != nil {
				return fmt.Errorf("create index.html: %w", err)
			}
			defer f.Close()
			render.WriteIndexHTML(f, render.ComputeStats(g, procs, name), title, rootNames, len(reach), links)

			a.log.Info("rendered", "dir", outDir, "procedures", len(procs), "cfgs", cfgCount, "roots", len(roots))
			return f.Close()
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "Output directory (default: the snapshot directory)")
	cmd.Flags().IntVar(&maxNodes, "max-nodes", 0, "Limit procedures in callgraph.dot (0 = all)")
	cmd.Flags().IntVar(&maxCFGs, "max-cfgs", 200, "Limit per-procedure CFG files (0 = all)")
	cmd.Flags().StringVar(&title, "title", "", "Graph title")
	return cmd
}
