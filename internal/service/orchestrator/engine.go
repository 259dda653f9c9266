package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	domain "github.com/metrolab/boxupdate/internal/domain/update"
	"github.com/metrolab/boxupdate/internal/logger"
)

// engine drives one accepted job to a terminal state. It is the only
// writer of the job's state; queries go through the service cache.
type engine struct {
	// service provides the ledger, staging, installer and lock.
	service *Service
	// job is the job this engine owns.
	job *domain.Job
	// pkg is the validated package being applied.
	pkg *domain.Package
	// archivePath is the staged copy of the uploaded archive.
	archivePath string
}

// run executes the job lifecycle: running -> stage -> apply components in
// precedence order -> restart -> terminal. Cancellation is deliberately
// unsupported: aborting a partially flashed device is unsafe, so the job
// always reaches done or failed.
func (e *engine) run(ctx context.Context) {
	ctx = logger.WithKV(logger.WithName(ctx, "update-engine"), "update_id", e.job.UpdateID)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorKV(ctx, "Update engine panicked", "panic", r)
			e.fail(ctx, fmt.Sprintf("internal error: %v", r))
		}

		// An unreleased lock blocks every future update on this box, which
		// is the one unrecoverable fault class. The release is
		// unconditional; this log line is the operator's proof it happened.
		e.service.lock.Release()
		logger.InfoKV(ctx, "Update lock released", "status", e.currentStatus())
	}()

	stopHeartbeat := e.startHeartbeat(ctx)
	defer stopHeartbeat()

	if err := e.transition(ctx, domain.StatusRunning); err != nil {
		e.fail(ctx, "unable to record job start")

		return
	}

	staged, err := e.service.staging.Stage(ctx, e.job.UpdateID, e.pkg, e.archivePath)
	if err != nil {
		logger.ErrorKV(ctx, "Staging failed", "error", err)
		e.fail(ctx, fmt.Sprintf("staging failed: %v", err))

		return
	}

	for _, name := range e.pkg.OrderedComponents() {
		if !e.applyComponent(ctx, name, staged[name]) {
			// Partial application is recorded, not rolled back: a flashed
			// device cannot generally be unflashed.
			return
		}
	}

	if e.pkg.MandatesRestart() && !e.restartService(ctx) {
		return
	}

	e.succeed(ctx)
}

// applyComponent runs one component through its installer and records the
// outcome. It returns false when the job must stop.
func (e *engine) applyComponent(ctx context.Context, name, stagedPath string) bool {
	component := e.pkg.Components[name]

	_ = e.service.applyTransition(ctx, e.job, func(j *domain.Job) {
		j.Components[name].Status = domain.ComponentRunning
	})

	logger.InfoKV(ctx, "Applying component", "component", name, "version", component.Version)

	var applyErr error

	if name == domain.ComponentFirmware {
		applyErr = e.flashFirmware(ctx, stagedPath)
	} else {
		applyErr = e.service.installer.DeployBundle(ctx, name, stagedPath)
	}

	if applyErr != nil {
		logger.ErrorKV(ctx, "Component apply failed", "component", name, "error", applyErr)

		_ = e.service.applyTransition(ctx, e.job, func(j *domain.Job) {
			j.Components[name].Status = domain.ComponentFailed
			j.Components[name].Error = applyErr.Error()
		})

		e.fail(ctx, fmt.Sprintf("component %s failed: %v", name, applyErr))

		return false
	}

	_ = e.service.applyTransition(ctx, e.job, func(j *domain.Job) {
		j.Components[name].Status = domain.ComponentDone
		j.Versions[name] = component.Version
	})

	return true
}

// flashFirmware invokes the external flash callback and converts a
// non-OK result into an error carrying the callback's output.
func (e *engine) flashFirmware(ctx context.Context, stagedPath string) error {
	result, err := e.service.installer.FlashFirmware(ctx, stagedPath)
	if err != nil {
		return err
	}

	if !result.OK {
		return fmt.Errorf("flash tool exit %d: %s", result.ExitCode, commandOutput(result))
	}

	return nil
}

// restartService invokes the restart callback and records its result.
// A restart failure fails the job even though every component applied:
// "all installed" and "service confirmed restarted" are distinct outcomes.
func (e *engine) restartService(ctx context.Context) bool {
	logger.Info(ctx, "Restarting measurement service")

	result, err := e.service.installer.RestartService(ctx)
	if err != nil {
		result = &domain.CommandResult{
			OK:       false,
			ExitCode: -1,
			Stderr:   err.Error(),
		}
	}

	_ = e.service.applyTransition(ctx, e.job, func(j *domain.Job) {
		j.Restart = result.Clone()
	})

	if !result.OK {
		logger.ErrorKV(ctx, "Service restart failed", "exit_code", result.ExitCode)
		e.fail(ctx, fmt.Sprintf("service restart failed: %s", commandOutput(result)))

		return false
	}

	return true
}

// succeed records the done terminal state and prunes staging.
func (e *engine) succeed(ctx context.Context) {
	if err := e.transition(ctx, domain.StatusDone); err != nil {
		e.fail(ctx, "unable to record job completion")

		return
	}

	e.service.staging.Remove(ctx, e.job.UpdateID)

	logger.InfoKV(ctx, "Update job done", "package_id", e.job.PackageID)
}

// fail records the failed terminal state. It is a no-op when the job is
// already terminal, so late failure paths cannot rewrite history.
func (e *engine) fail(ctx context.Context, message string) {
	var recorded bool

	_ = e.service.applyTransition(ctx, e.job, func(j *domain.Job) {
		if !j.Status.CanTransition(domain.StatusFailed) {
			return
		}

		j.Status = domain.StatusFailed
		j.Error = message
		recorded = true
	})

	if !recorded {
		return
	}

	if !e.service.keepFailedStaging {
		e.service.staging.Remove(ctx, e.job.UpdateID)
	}

	logger.WarnKV(ctx, "Update job failed", "reason", message)
}

// transition moves the job to the next lifecycle state, enforcing the
// transition table so terminal states stay write-once.
func (e *engine) transition(ctx context.Context, next domain.Status) error {
	var rejected domain.Status

	err := e.service.applyTransition(ctx, e.job, func(j *domain.Job) {
		if !j.Status.CanTransition(next) {
			rejected = j.Status

			return
		}

		j.Status = next

		if next == domain.StatusRunning {
			j.Heartbeat = time.Now().UTC()
		}
	})
	if err != nil {
		return err
	}

	if rejected != "" {
		return fmt.Errorf("illegal transition %s -> %s", rejected, next)
	}

	return nil
}

// startHeartbeat refreshes the job's heartbeat while it is running, so a
// polling caller can tell "alive but slow" from "stalled". The returned
// stop function must be called exactly once.
func (e *engine) startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	ticker := time.NewTicker(e.service.heartbeatInterval)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = e.service.applyTransition(ctx, e.job, func(j *domain.Job) {
					if j.Status != domain.StatusRunning {
						return
					}

					j.Heartbeat = time.Now().UTC()
				})
			}
		}
	}()

	return func() {
		close(done)
	}
}

// currentStatus reads the job status under the cache lock.
func (e *engine) currentStatus() domain.Status {
	e.service.mu.RLock()
	defer e.service.mu.RUnlock()

	return e.job.Status
}

// commandOutput condenses a callback result into one error-friendly line.
func commandOutput(result *domain.CommandResult) string {
	out := strings.TrimSpace(result.Stderr)
	if out == "" {
		out = strings.TrimSpace(result.Stdout)
	}

	if out == "" {
		out = "no output"
	}

	return out
}
