// Package ledger implements durable persistence for update job snapshots.
//
// The FileLedger stores one JSON snapshot per job under the audit root and
// exposes a Ledger interface the orchestrator depends on. A snapshot is
// written on every state transition and readable by a fresh daemon
// instance, which is what makes job status survive process restarts.
package ledger
