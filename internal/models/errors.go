package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	// ErrPortExhausted is returned when the allocator runs out of probe
	// attempts. It is a value, not a panic: callers must treat it as
	// resource exhaustion.
	ErrPortExhausted = errors.New("port range exhausted")

	// ErrSessionNotFound is returned when no backend owns the agentId.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConcurrentTurn is returned when a chat turn is sent while one is
	// already in flight. Turns are rejected, never queued.
	ErrConcurrentTurn = errors.New("a turn is already in flight for this session")

	// ErrUnknownBackend is returned for a (location, isolation) pair that
	// maps to no backend.
	ErrUnknownBackend = errors.New("unknown backend combination")
)

// ProvisioningError reports a failure to create the execution resource
// backing a session.
type ProvisioningError struct {
	Resource string // "workspace", "container", "tmux-session", ...
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("failed to provision %s: %v", e.Resource, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// ReadinessTimeoutError reports that a readiness probe exhausted its retry
// budget without the resource becoming usable.
type ReadinessTimeoutError struct {
	Resource string
	Attempts int
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("%s not ready after %d attempts", e.Resource, e.Attempts)
}

// ProcessExitError reports a child process that exited unsuccessfully. It
// carries the captured stderr for diagnostics.
type ProcessExitError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("process exited with code %d: %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("process exited with code %d", e.ExitCode)
}

// ProtocolDecodeError reports a single undecodable protocol line. It is
// line-scoped and non-fatal: the decoder logs it and moves on.
type ProtocolDecodeError struct {
	Line string
	Err  error
}

func (e *ProtocolDecodeError) Error() string {
	return fmt.Sprintf("undecodable protocol line %q: %v", truncate(e.Line, 120), e.Err)
}

func (e *ProtocolDecodeError) Unwrap() error { return e.Err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
