package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	domain "github.com/metrolab/boxupdate/internal/domain/update"
	"github.com/metrolab/boxupdate/internal/logger"
	"github.com/metrolab/boxupdate/internal/repository/ledger"
	"github.com/metrolab/boxupdate/internal/updatepkg"
)

// Service accepts update packages and answers status queries. Job state
// mutation is owned exclusively by the engine; the in-memory registry is a
// write-through cache in front of the ledger, which is the system of
// record.
type Service struct {
	// ledger persists a snapshot on every job transition.
	ledger ledger.Ledger
	// staging extracts payloads into per-job directories.
	staging *Staging
	// installer applies components and restarts the service.
	installer Installer
	// lock admits at most one job at a time.
	lock *Lock
	// heartbeatInterval is how often a running job refreshes its heartbeat.
	heartbeatInterval time.Duration
	// keepFailedStaging retains failed jobs' staging for inspection.
	keepFailedStaging bool

	// mu protects the jobs cache and all in-memory job mutation.
	mu sync.RWMutex
	// jobs caches jobs owned by this daemon instance.
	jobs map[string]*domain.Job
	// persistMu keeps ledger writes in mutation order.
	persistMu sync.Mutex
}

var (
	// ErrLocked is returned when a submission arrives while another job is
	// in flight. Nothing is mutated in that case.
	ErrLocked = domain.ErrLocked

	// ErrNotFound is returned when no job exists for an update id.
	ErrNotFound = ledger.ErrNotFound
)

// NewService wires the orchestrator from its dependencies.
func NewService(
	jobLedger ledger.Ledger,
	staging *Staging,
	installer Installer,
	heartbeatInterval time.Duration,
	keepFailedStaging bool,
) *Service {
	return &Service{
		ledger:            jobLedger,
		staging:           staging,
		installer:         installer,
		lock:              NewLock(),
		heartbeatInterval: heartbeatInterval,
		keepFailedStaging: keepFailedStaging,
		jobs:              make(map[string]*domain.Job),
	}
}

// Submit validates the uploaded archive, creates a queued job and starts
// its engine. It returns once the queued snapshot is durably recorded; the
// actual apply runs in the background. A *updatepkg.ValidationError is
// returned for malformed packages, ErrLocked while another job runs.
func (s *Service) Submit(ctx context.Context, archivePath string) (*domain.Job, error) {
	pkg, err := updatepkg.ReadFile(archivePath)
	if err != nil {
		return nil, err
	}

	updateID := uuid.NewString()

	if !s.lock.TryAcquire(updateID) {
		logger.InfoKV(ctx, "Submission rejected, update lock is held", "holder", s.lock.Holder())

		return nil, ErrLocked
	}

	ctx = logger.WithKV(ctx, "update_id", updateID)

	importedPath, err := s.staging.ImportArchive(ctx, updateID, archivePath)
	if err != nil {
		s.staging.Remove(ctx, updateID)
		s.lock.Release()

		return nil, fmt.Errorf("import archive: %w", err)
	}

	job := domain.NewJob(updateID, pkg)

	// The queued snapshot must be durable before the caller learns the id.
	if err := s.ledger.Save(ctx, job); err != nil {
		s.staging.Remove(ctx, updateID)
		s.lock.Release()

		return nil, fmt.Errorf("record queued job: %w", err)
	}

	s.mu.Lock()
	s.jobs[updateID] = job
	s.mu.Unlock()

	logger.InfoKV(ctx, "Update job accepted",
		"package_id", pkg.PackageID, "components", pkg.OrderedComponents())

	eng := &engine{
		service:     s,
		job:         job,
		pkg:         pkg,
		archivePath: importedPath,
	}

	// Snapshot before the engine starts mutating the job.
	accepted := job.Clone()

	// The engine must outlive the accepting request.
	go eng.run(context.WithoutCancel(ctx))

	return accepted, nil
}

// GetJob returns the latest snapshot for the update id. Jobs owned by this
// instance are served from memory (freshest heartbeat); anything else is
// read from the ledger, which also answers for jobs created by a previous
// daemon instance.
func (s *Service) GetJob(ctx context.Context, updateID string) (*domain.Job, error) {
	s.mu.RLock()
	job, ok := s.jobs[updateID]

	var snapshot *domain.Job
	if ok {
		snapshot = job.Clone()
	}
	s.mu.RUnlock()

	if ok {
		return snapshot, nil
	}

	return s.ledger.Load(ctx, updateID)
}

// applyTransition stages a job mutation on a private copy, persists it,
// and only then publishes it to the in-memory cache. A reader can never
// observe a state the ledger does not already hold, and ledger writes
// happen in mutation order, so a caller that observed a terminal state
// keeps observing it even across a crash and restart.
func (s *Service) applyTransition(ctx context.Context, job *domain.Job, mutate func(*domain.Job)) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	staged := job.Clone()
	s.mu.RUnlock()

	mutate(staged)

	if err := s.ledger.Save(ctx, staged); err != nil {
		logger.ErrorKV(ctx, "Failed to persist job snapshot",
			"update_id", staged.UpdateID, "status", staged.Status, "error", err)

		return err
	}

	s.mu.Lock()
	*job = *staged
	s.mu.Unlock()

	return nil
}
