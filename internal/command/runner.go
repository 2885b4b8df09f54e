// Package command executes shell commands locally and on the deployment
// host over SSH behind a single Runner interface.
package command

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Result holds the outcome of an executed command.
type Result struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

// Combined returns stdout followed by stderr, trimmed.
func (r *Result) Combined() string {
	return strings.TrimSpace(strings.TrimSpace(r.Stdout) + "\n" + strings.TrimSpace(r.Stderr))
}

// Runner executes a shell command and returns its exit status and captured
// output. Implementations never retry; retry policy, if any, belongs to the
// caller. A non-zero exit returns both the Result and a *CommandError; a
// broken or unreachable channel returns a *ConnectError.
type Runner interface {
	// Run executes the command.
	Run(ctx context.Context, command string) (*Result, error)
	// RunWithInput executes the command with the given reader as stdin.
	RunWithInput(ctx context.Context, command string, input io.Reader) (*Result, error)
}

// ConnectError reports that the execution channel could not be established
// or was lost.
type ConnectError struct {
	Addr string
	Err  error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("connecting to %s: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("execution channel failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// CommandError reports that the channel worked but the command returned a
// non-zero exit status.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		return fmt.Sprintf("command failed (exit %d): %s", e.ExitCode, stderr)
	}
	return fmt.Sprintf("command failed with exit code %d: %s", e.ExitCode, e.Command)
}
