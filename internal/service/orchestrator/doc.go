// Package orchestrator accepts validated update packages and drives them
// to a terminal state.
//
// It owns the single update lock (at most one job in flight), the staging
// area, and the job engine that applies components through the injected
// installer callbacks while recording every transition in the ledger.
// Status queries read the in-memory job cache first and fall back to the
// ledger, so answers survive daemon restarts.
package orchestrator
