package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// LocalExecutor runs commands in-process. It backs the local container
// backend and serves as the fallback when the ssh transport cannot be
// established.
type LocalExecutor struct{}

// NewLocalExecutor returns an executor that runs commands on this host.
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{}
}

func (e *LocalExecutor) Execute(ctx context.Context, argv []string, timeout time.Duration) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	case ctx.Err() != nil:
		return nil, fmt.Errorf("command %q timed out: %w", argv[0], ctx.Err())
	default:
		return nil, fmt.Errorf("failed to run %q: %w", argv[0], err)
	}
}

// OpenTunnel is the identity for local execution: the service is already
// reachable on the remote port.
func (e *LocalExecutor) OpenTunnel(remotePort int) (int, error) {
	return remotePort, nil
}

func (e *LocalExecutor) Close() error { return nil }
