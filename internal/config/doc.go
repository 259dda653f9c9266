// Package config defines runtime settings of the boxupdate daemon and
// provides helpers to load, validate and save them in YAML format.
//
// The Config type holds the API listen address, the staging and audit
// roots, and the installer command lines.
package config
