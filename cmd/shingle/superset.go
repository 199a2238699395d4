package main

import (
	"github.com/spf13/cobra"

	"shingle/internal/cfg"
	"shingle/internal/config"
	"shingle/internal/diverge"
	"shingle/internal/image"
	"shingle/internal/resolve"
	"shingle/internal/scan"
)

func newSupersetCmd(a *app) *cobra.Command {
	var (
		in               inputFlags
		out              outputFlags
		resolveConflicts bool
	)
	cmd := &cobra.Command{
		Use:   "superset <binary>",
		Short: "Decode a block from every aligned offset of the executable regions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := in.apply(cmd, a.cfg); err != nil {
				return err
			}
			src, err := loadInput(args[0], in.raw, a.cfg)
			if err != nil {
				return err
			}
			a.log.Info("shingle scan", "input", args[0], "arch", src.dec.Name())

			opts := a.cfg.ScanOptions()
			opts.Logger = a.log
			g, err := scan.Shingle(cmd.Context(), src.img, src.dec, opts)
			if err != nil {
				return err
			}
			if resolveConflicts {
				g = a.resolveGraph(src, g, src.seeds)
			}
			return a.save(cmd, &out, src.img, src.names, g)
		},
	}
	in.register(cmd)
	out.register(cmd)
	cmd.Flags().BoolVar(&resolveConflicts, "resolve", false, "Resolve conflicts against the trusted entries")
	return cmd
}

// resolveGraph prunes g against trusted and classifies the surviving
// procedures. Gap filling needs src; a nil src skips it.
func (a *app) resolveGraph(src *input, g *cfg.Graph, trusted []image.Addr) *cfg.Graph {
	opts := resolve.Options{
		Scorer: a.cfg.Scorer(),
		Logger: a.log,
	}
	if src != nil {
		opts.Image = src.img
		opts.Decoder = src.dec
	}
	out, _ := resolve.Resolve(g, trusted, opts)
	res := diverge.Classify(out, out.ProcedureEntries(), config.Addrs(a.cfg.NonReturning))
	res.Apply(out)
	return out
}
