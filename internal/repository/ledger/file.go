package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	domain "github.com/metrolab/boxupdate/internal/domain/update"
)

// Ledger defines persistence operations for update job snapshots.
type Ledger interface {
	Save(ctx context.Context, job *domain.Job) error
	Load(ctx context.Context, updateID string) (*domain.Job, error)
}

// FileLedger persists job snapshots as JSON files, one per update id,
// under a single audit root directory.
type FileLedger struct {
	// root is the audit directory holding <update_id>.json files.
	root string
	// mu serializes writes so a rename never races a concurrent write of
	// the same snapshot file.
	mu sync.Mutex
}

var (
	// ErrNotFound is returned when no snapshot exists for an update id.
	ErrNotFound = errors.New("update job not found")

	// errInvalidUpdateID is returned for ids that cannot name a snapshot file.
	errInvalidUpdateID = errors.New("invalid update id")
)

// snapshotFilePermissions restricts snapshot files to the daemon user.
const snapshotFilePermissions = 0o600

// NewFileLedger creates a ledger that reads and writes snapshots under root.
func NewFileLedger(root string) *FileLedger {
	return &FileLedger{
		root: filepath.Clean(root),
	}
}

// Save durably writes the latest snapshot for the job. The snapshot is
// written to a temporary file, synced and renamed into place so readers
// never observe a partially written snapshot.
func (l *FileLedger) Save(_ context.Context, job *domain.Job) error {
	if job == nil || !validUpdateID(job.UpdateID) {
		return errInvalidUpdateID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.root, 0o750); err != nil {
		return fmt.Errorf("create audit root: %w", err)
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(l.root, job.UpdateID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}

	tmpName := tmp.Name()

	if err := writeAndSync(tmp, data); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("write snapshot: %w", err)
	}

	if err := os.Rename(tmpName, l.path(job.UpdateID)); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("publish snapshot: %w", err)
	}

	return nil
}

// Load reads the latest snapshot for the update id. It works with nothing
// but the audit root, so a freshly constructed ledger can answer for jobs
// created by a previous daemon instance.
func (l *FileLedger) Load(_ context.Context, updateID string) (*domain.Job, error) {
	if !validUpdateID(updateID) {
		return nil, ErrNotFound
	}

	contents, err := os.ReadFile(l.path(updateID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var job domain.Job
	if err := json.Unmarshal(contents, &job); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	return &job, nil
}

// path returns the snapshot filename for an update id.
func (l *FileLedger) path(updateID string) string {
	return filepath.Join(l.root, updateID+".json")
}

// writeAndSync writes data and flushes it to stable storage before closing.
func writeAndSync(file *os.File, data []byte) error {
	if _, err := file.Write(data); err != nil {
		_ = file.Close()

		return err
	}

	if err := file.Chmod(snapshotFilePermissions); err != nil {
		_ = file.Close()

		return err
	}

	if err := file.Sync(); err != nil {
		_ = file.Close()

		return err
	}

	return file.Close()
}

// validUpdateID rejects ids that would escape the audit root.
func validUpdateID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}
