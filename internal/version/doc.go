// Package version exposes build metadata of the boxupdate daemon.
//
// Version, Commit, and BuildTime are injected via Go ldflags by the
// release pipeline and default to local-build placeholders. Short and
// Full render the version line for CLI output and logs.
package version
