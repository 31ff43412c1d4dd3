// Package main is the CLI entry point for the vidmind server: an
// interactive agent core for video-understanding workflows
// (transcription, knowledge-graph extraction) with per-session actors,
// a persistent job queue, and an audited tool pipeline.
//
// Start the server:
//
//	vidmind serve --config vidmind.yaml
//
// Configuration can also come entirely from APP_-prefixed environment
// variables; see internal/config.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vidmind/vidmind/internal/config"
	"github.com/vidmind/vidmind/internal/observability"
	"github.com/vidmind/vidmind/internal/server"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	// A .env in the working directory is a development convenience;
	// its absence is not an error.
	_ = godotenv.Load()

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vidmind",
		Short:         "Interactive agent server for video understanding",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildConfigCmd(), buildVersionCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the vidmind server",
		Long: `Start the vidmind server: HTTP API, session actors, the job
processor, and the audit pipeline. Shuts down gracefully on
SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})
			logger.Info("starting vidmind", "version", version, "data_dir", cfg.Server.DataDir)

			container, err := server.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return container.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vidmind %s (%s)\n", version, commit)
		},
	}
}
