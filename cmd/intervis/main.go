// Command intervis computes terrain intervisibility networks between
// sites and summarises them with graph statistics.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/config"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/logging"
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

// app carries state shared by subcommands once the root command has
// loaded configuration. The logger travels on the command context.
type app struct {
	configPath string
	cfg        *config.Config
	out        io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:           "intervis",
		Short:         "Terrain intervisibility network analysis",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			cmd.SetContext(logging.ContextWithLogger(cmd.Context(), logging.New(cfg.LoggingSettings())))
			return nil
		},
	}
	root.SetOut(out)
	root.SetVersionTemplate(fmt.Sprintf("intervis %s (%s)\n", version, commit))
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to an intervis.yaml configuration file")

	root.AddCommand(
		newRunCmd(a),
		newStatsCmd(a),
		newRunsCmd(a),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "intervis %s (%s)\n", version, commit)
			return err
		},
	}
}
