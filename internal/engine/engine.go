// Package engine connects the fingerprint tracker, the build cache and the
// task scheduler into incremental builds.
//
// The implementation is split across multiple files:
//   - orchestrator.go: skip-or-build decisions and result write-back
//   - unit.go: build units and their construction from configuration
//   - command.go: the shell command adapter
//   - factory.go: dependency and adapter construction
package engine

import "errors"

var (
	// ErrInvalidUnit is returned when a unit set cannot be scheduled
	ErrInvalidUnit = errors.New("invalid build unit")
	// ErrUnknownAdapter is returned for a unit naming an unregistered adapter
	ErrUnknownAdapter = errors.New("unknown adapter")
)
