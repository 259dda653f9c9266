// Package logger wraps zap with a process-wide sugared logger and context
// helpers (ToContext/FromContext/WithName/WithKV/WithFields), plus level
// parsing and the leveled convenience functions (Infof, ErrorKV, etc.).
//
// Every layer of the daemon takes a context and logs through the logger
// stored in it, so log lines stay attributable to the component and update
// job that produced them.
package logger
