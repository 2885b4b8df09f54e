package command

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
)

// Piper is implemented by runners that can stream a command's stdout, so
// large payloads (such as image archives) never need to be buffered whole.
type Piper interface {
	// Pipe starts the command and returns its stdout stream and a wait
	// function that must be called after the stream is consumed.
	Pipe(ctx context.Context, command string) (io.ReadCloser, func() error, error)
}

// Pipe starts the command locally and streams its stdout.
func (r *LocalRunner) Pipe(ctx context.Context, command string) (io.ReadCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.Dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, &ConnectError{Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, &ConnectError{Err: err}
	}

	wait := func() error {
		if err := cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return &CommandError{
					Command:  command,
					ExitCode: exitErr.ExitCode(),
					Stderr:   stderr.String(),
				}
			}
			return &ConnectError{Err: err}
		}
		return nil
	}
	return stdout, wait, nil
}

// StaticPiper serves a fixed payload as a command's stdout. It exists for
// tests that need a Piper without spawning processes.
type StaticPiper struct {
	Payload string
	Err     error
}

// Pipe returns the static payload.
func (p *StaticPiper) Pipe(ctx context.Context, command string) (io.ReadCloser, func() error, error) {
	if p.Err != nil {
		return nil, nil, p.Err
	}
	return io.NopCloser(strings.NewReader(p.Payload)), func() error { return nil }, nil
}
