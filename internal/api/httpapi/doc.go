// Package httpapi exposes the update orchestrator over HTTP.
//
// It accepts package uploads at POST /updates/package and serves job
// snapshots at GET /updates/{update_id}. Every error response is a
// structured {code, error} object, never a bare trace.
package httpapi
