package execution

import (
	"context"
	"io"
)

// Handle identifies the environment-specific resource behind a job (a
// process, a remote session). The service treats it as opaque.
type Handle any

// Environment spawns and destroys the sandbox a job runs in.
type Environment interface {
	// Spawn starts a sandbox for jobID and returns its handle and the
	// duplex transport to it.
	Spawn(ctx context.Context, jobID string) (Handle, io.ReadWriteCloser, error)

	// Destroy releases the sandbox. It is called once per spawned job,
	// after the transport has been closed.
	Destroy(ctx context.Context, h Handle) error
}
