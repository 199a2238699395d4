package main

import (
	"github.com/spf13/cobra"

	"shingle/internal/config"
)

func newResolveCmd(a *app) *cobra.Command {
	var (
		in     inputFlags
		out    outputFlags
		binary string
	)
	cmd := &cobra.Command{
		Use:   "resolve <dir>",
		Short: "Resolve the superset snapshot saved in dir",
		Long: `Resolve loads graph.msgpack from dir and removes overlapping blocks.
Trusted entries come from --entry, or from the snapshot when none are given.
Pass --binary to fill the gaps left between surviving blocks.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := in.apply(cmd, a.cfg); err != nil {
				return err
			}
			g, names, err := loadSnapshot(args[0])
			if err != nil {
				return err
			}

			var src *input
			if binary != "" {
				if src, err = loadInput(binary, in.raw, a.cfg); err != nil {
					return err
				}
				for addr, n := range src.names {
					if _, ok := names[addr]; !ok {
						names[addr] = n
					}
				}
			}

			trusted := config.Addrs(a.cfg.Entries)
			if len(trusted) == 0 {
				trusted = g.Entries()
			}
			resolved := a.resolveGraph(src, g, trusted)

			return a.save(cmd, &out, src.memory(), names, resolved)
		},
	}
	in.register(cmd)
	out.register(cmd)
	cmd.Flags().StringVar(&binary, "binary", "", "Binary the snapshot was taken from, for gap filling")
	return cmd
}
