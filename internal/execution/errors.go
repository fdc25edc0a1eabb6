// Package execution runs snaps as isolated jobs. Each job is spawned by an
// Environment and talks to the host over one transport split into a
// command channel and an RPC channel.
package execution

import "errors"

// Sentinel errors for the execution package.
var (
	ErrAlreadyRunning = errors.New("execution: snap is already running")
	ErrJobClosed      = errors.New("execution: job closed")
	ErrInvalidSnapID  = errors.New("execution: invalid snap ID")
)
