package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"shingle/internal/callgraph"
	"shingle/internal/config"
	"shingle/internal/diverge"
)

func newClassifyCmd(a *app) *cobra.Command {
	var nonRet []string
	cmd := &cobra.Command{
		Use:   "classify <dir>",
		Short: "Print the return status of every procedure in a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, names, err := loadSnapshot(args[0])
			if err != nil {
				return err
			}
			known := config.Addrs(a.cfg.NonReturning)
			for _, s := range nonRet {
				addr, err := parseAddr(s)
				if err != nil {
					return err
				}
				known = append(known, addr)
			}

			res := diverge.Classify(g, g.ProcedureEntries(), known)
			res.Apply(g)
			a.log.Info("classified", "procedures", len(res.Status), "rounds", res.Rounds,
				"diverging", len(res.NonReturning()))

			name := callgraph.SymbolNamer(names)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ENTRY\tNAME\tRETURNS\tSPECULATIVE\tREFS")
			for _, p := range g.Procedures() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%d\n", p.Entry, name(p.Entry), p.Returns, p.Speculative, p.Refs)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&nonRet, "non-returning", nil, "Procedure known never to return (repeatable)")
	return cmd
}
