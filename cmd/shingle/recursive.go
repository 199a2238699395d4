package main

import (
	"errors"

	"github.com/spf13/cobra"

	"shingle/internal/scan"
)

var errNoSeeds = errors.New("no entries: pass --entry or use a binary with function symbols")

func newRecursiveCmd(a *app) *cobra.Command {
	var (
		in  inputFlags
		out outputFlags
	)
	cmd := &cobra.Command{
		Use:   "recursive <binary>",
		Short: "Recursive-descent scan from trusted entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := in.apply(cmd, a.cfg); err != nil {
				return err
			}
			src, err := loadInput(args[0], in.raw, a.cfg)
			if err != nil {
				return err
			}
			if len(src.seeds) == 0 {
				return errNoSeeds
			}
			a.log.Info("scanning", "input", args[0], "arch", src.dec.Name(), "entries", len(src.seeds))

			opts := a.cfg.ScanOptions()
			opts.Logger = a.log
			g, err := scan.Recursive(cmd.Context(), src.img, src.dec, src.seeds, opts)
			if err != nil {
				return err
			}
			return a.save(cmd, &out, src.img, src.names, g)
		},
	}
	in.register(cmd)
	out.register(cmd)
	return cmd
}
