package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/metrolab/boxupdate/internal/api/httpapi"
	"github.com/metrolab/boxupdate/internal/config"
	"github.com/metrolab/boxupdate/internal/logger"
	"github.com/metrolab/boxupdate/internal/repository/ledger"
)

// Options controls the boxupdate-server process and configuration.
type Options struct {
	// ConfigPath specifies the path to the settings YAML file.
	ConfigPath string
	// ListenAddress provides an optional bind address override.
	ListenAddress string
	// StagingRoot provides an optional staging root override.
	StagingRoot string
	// AuditRoot provides an optional audit root override.
	AuditRoot string
}

// shutdownTimeout bounds how long in-flight HTTP requests may linger
// during shutdown. The engine itself is not cancelled: a running job
// always reaches a terminal state.
const shutdownTimeout = 10 * time.Second

// Run starts the update API and blocks until the context is canceled or
// the server stops.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "boxupdate-server")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	applyOverrides(cfg, opts)

	if level, ok := logger.ParseLogLevel(cfg.LogLevel); ok {
		logger.SetLevel(level)
	}

	service := NewService(
		ledger.NewFileLedger(cfg.AuditRoot),
		NewStaging(cfg.StagingRoot),
		NewExecInstaller(cfg),
		cfg.HeartbeatInterval,
		cfg.KeepFailedStaging,
	)

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           httpapi.NewServer(service).Router(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	logger.InfoKV(ctx, "Update server listening",
		"listen_address", cfg.ListenAddress,
		"staging_root", cfg.StagingRoot,
		"audit_root", cfg.AuditRoot)

	// Done channel is closed after Shutdown finishes to ensure we block
	// until the server fully stops before returning.
	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		logger.Info(ctx, "Shutting down update server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.ErrorKV(ctx, "Shutdown did not finish cleanly", "error", err)
		}

		close(done)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}

	<-done
	logger.Info(ctx, "Update server stopped")

	return nil
}

// applyOverrides lets command line flags win over file settings.
func applyOverrides(cfg *config.Config, opts *Options) {
	if opts.ListenAddress != "" {
		cfg.ListenAddress = opts.ListenAddress
	}

	if opts.StagingRoot != "" {
		cfg.StagingRoot = opts.StagingRoot
	}

	if opts.AuditRoot != "" {
		cfg.AuditRoot = opts.AuditRoot
	}
}
