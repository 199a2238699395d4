// Command shingle recovers control-flow graphs from machine code.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"shingle/internal/config"
)

// app carries state shared by every subcommand.
type app struct {
	configPath string
	verbose    bool

	cfg *config.Config
	log *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "shingle",
		Short: "shingle - control-flow graph recovery from machine code",
		Long: `shingle recovers procedures and basic blocks from raw machine code.

Commands:
  recursive   Recursive-descent scan from trusted entries
  superset    Decode from every offset, optionally resolving conflicts
  resolve     Resolve a saved superset snapshot
  classify    Print the return status of every procedure in a snapshot
  render      Write DOT graphs and an HTML index for a snapshot

Use "shingle [command] --help" for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Debug logging")

	root.AddCommand(
		newRecursiveCmd(a),
		newSupersetCmd(a),
		newResolveCmd(a),
		newClassifyCmd(a),
		newRenderCmd(a),
	)
	return root
}

func (a *app) setup() error {
	a.cfg = config.DefaultConfig()
	if a.configPath != "" {
		cfg, err := config.LoadFromFile(a.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	if a.verbose {
		a.cfg.Verbose = true
	}
	level := slog.LevelInfo
	if a.cfg.Verbose {
		level = slog.LevelDebug
	}
	a.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return nil
}
