// Package update holds the domain model of an update run: the parsed
// package descriptor, the job with its per-component progress, and the
// transition rules between job states.
package update
