// Package updatepkg reads and validates uploaded update archives.
//
// An archive is a ZIP containing manifest.json, checksums.sha256 and the
// component payloads both files describe. Read parses the manifest,
// cross-checks the two digest declarations against the actual payload
// bytes and returns an immutable package descriptor. It never writes
// anything; staging and applying happen elsewhere.
package updatepkg
