package command

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
)

// LocalRunner executes commands on the controller host through sh -c. It is
// used for the checkout and build steps, which run where the service runs.
type LocalRunner struct {
	// Dir is the working directory for commands. Empty means the process
	// working directory.
	Dir    string
	logger *slog.Logger
}

// NewLocalRunner creates a local runner rooted at dir.
func NewLocalRunner(dir string, logger *slog.Logger) *LocalRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalRunner{Dir: dir, logger: logger}
}

// Run executes the command locally.
func (r *LocalRunner) Run(ctx context.Context, command string) (*Result, error) {
	return r.RunWithInput(ctx, command, nil)
}

// RunWithInput executes the command locally with input as stdin.
func (r *LocalRunner) RunWithInput(ctx context.Context, command string, input io.Reader) (*Result, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.Dir
	if input != nil {
		cmd.Stdin = input
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &Result{
		Command: command,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, &CommandError{
				Command:  command,
				ExitCode: result.ExitCode,
				Stderr:   result.Stderr,
			}
		}
		// The command never ran: treat like a broken channel so callers
		// see the same two failure kinds for every runner.
		return nil, &ConnectError{Err: err}
	}
	return result, nil
}
