// Package transport provides the run-command-on-host primitive consumed by
// the remote container backend, plus ssh tunneling for reaching services
// inside a remote host. Commands travel as argument vectors, never as shell
// strings assembled by callers.
package transport

import (
	"context"
	"time"
)

// Result is the outcome of one remote (or local) command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs one command on a host. Implementations must honor the
// timeout and must return a Result with a non-zero ExitCode rather than an
// error when the command itself fails; errors are reserved for transport
// failures (connection refused, auth, timeout).
type Executor interface {
	Execute(ctx context.Context, argv []string, timeout time.Duration) (*Result, error)

	// OpenTunnel forwards a local port to remotePort on the host and
	// returns the bound local port. Local executors return remotePort
	// unchanged.
	OpenTunnel(remotePort int) (int, error)

	Close() error
}
