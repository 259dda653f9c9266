package update

import "time"

// Status is the lifecycle state of an update job.
type Status string

// Job states. Done and Failed are terminal and write-once.
const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// CanTransition reports whether the move from s to next is legal.
// Queued may fail directly when the engine hits an error before any
// component work starts.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusDone || next == StatusFailed
	case StatusDone, StatusFailed:
		return false
	default:
		return false
	}
}

// ComponentStatus is the per-component progress inside a job.
type ComponentStatus string

// Component states within a running job.
const (
	ComponentPending ComponentStatus = "pending"
	ComponentRunning ComponentStatus = "running"
	ComponentDone    ComponentStatus = "done"
	ComponentFailed  ComponentStatus = "failed"
)

// ComponentState records progress and an optional error for one component.
type ComponentState struct {
	// Status is the current apply state of the component.
	Status ComponentStatus `json:"status"`
	// Error holds the installer's error text when Status is failed.
	Error string `json:"error,omitempty"`
}

// CommandResult mirrors the outcome shape of the injected installer
// callbacks (firmware flash, service restart).
type CommandResult struct {
	// OK indicates whether the command reported success.
	OK bool `json:"ok"`
	// ExitCode is the process exit code of the command.
	ExitCode int `json:"exit_code"`
	// Stdout is the captured standard output.
	Stdout string `json:"stdout"`
	// Stderr is the captured standard error.
	Stderr string `json:"stderr"`
}

// Clone returns a copy of the result.
func (r *CommandResult) Clone() *CommandResult {
	if r == nil {
		return nil
	}

	cloned := *r

	return &cloned
}

// Job is one execution attempt of applying an accepted update package.
// The ledger entry is the authoritative copy; in-memory instances are a
// write-through cache owned by the engine.
type Job struct {
	// UpdateID uniquely identifies this submission.
	UpdateID string `json:"update_id"`
	// PackageID is the operator token of the applied package.
	PackageID string `json:"package_id"`
	// Status is the job lifecycle state.
	Status Status `json:"status"`
	// CreatedAt is when the job was accepted.
	CreatedAt time.Time `json:"created_at"`
	// Heartbeat is refreshed periodically while the job is running.
	Heartbeat time.Time `json:"heartbeat,omitzero"`
	// Components maps component name to its apply progress.
	Components map[string]*ComponentState `json:"components"`
	// Versions records a component's version once its apply succeeded.
	Versions map[string]string `json:"versions"`
	// Restart is the restart callback result, if a restart was attempted.
	Restart *CommandResult `json:"restart,omitempty"`
	// Error is the top-level failure text when Status is failed.
	Error string `json:"error,omitempty"`
}

// NewJob creates a queued job for the given package with every declared
// component pending.
func NewJob(updateID string, pkg *Package) *Job {
	components := make(map[string]*ComponentState, len(pkg.Components))
	for name := range pkg.Components {
		components[name] = &ComponentState{Status: ComponentPending}
	}

	return &Job{
		UpdateID:   updateID,
		PackageID:  pkg.PackageID,
		Status:     StatusQueued,
		CreatedAt:  time.Now().UTC(),
		Components: components,
		Versions:   make(map[string]string, len(pkg.Components)),
	}
}

// Clone returns a deep copy of the job to avoid leaking internal references
// to readers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}

	cloned := *j

	cloned.Components = make(map[string]*ComponentState, len(j.Components))
	for name, state := range j.Components {
		stateCopy := *state
		cloned.Components[name] = &stateCopy
	}

	cloned.Versions = make(map[string]string, len(j.Versions))
	for name, version := range j.Versions {
		cloned.Versions[name] = version
	}

	cloned.Restart = j.Restart.Clone()

	return &cloned
}
