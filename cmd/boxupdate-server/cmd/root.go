package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/metrolab/boxupdate/internal/config"
	"github.com/metrolab/boxupdate/internal/service/orchestrator"
	"github.com/metrolab/boxupdate/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// stagingRoot overrides where package payloads are extracted.
	stagingRoot string
	// auditRoot overrides where job snapshots are persisted.
	auditRoot string

	// rootCmd represents the base command for running the update server.
	rootCmd = &cobra.Command{
		Use:   "boxupdate-server [listen-address]",
		Short: "Run the measurement box update server.",
		Long: `Starts the update server that accepts checksummed update packages over HTTP,
applies their components through the configured installers, and records
job progress under the audit root.

The server listens on the configured address unless a listen address is
provided as an argument (e.g. :8844, 0.0.0.0:8844). Job snapshots are
persisted as JSON so status queries survive a server restart.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			// Use listen address argument if provided, otherwise rely on config.
			var listenAddress string
			if len(args) > 0 {
				listenAddress = args[0]
			}

			options := &orchestrator.Options{
				ConfigPath:    configPath,
				ListenAddress: listenAddress,
				StagingRoot:   stagingRoot,
				AuditRoot:     auditRoot,
			}

			return orchestrator.Run(ctx, options)
		},
	}
)

// Execute runs the boxupdate-server CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.Flags().StringVarP(&stagingRoot, "staging-root", "s", "", "directory for per-job staged payloads")
	rootCmd.Flags().StringVarP(&auditRoot, "audit-root", "a", "", "directory for per-job audit snapshots")
}
