package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig holds the client side of the remote-shell channel.
type SSHConfig struct {
	// KeyPath is the path to the private key for the deployment host.
	KeyPath string
	// KnownHostsPath enables host key verification when set. Empty disables
	// verification (development only).
	KnownHostsPath string
	// DialTimeout bounds establishing the TCP connection.
	DialTimeout time.Duration
}

// SSHRunner executes commands on a fixed remote host over SSH. The
// connection is established lazily on first use and reused across commands;
// each command runs in its own session.
type SSHRunner struct {
	addr   string
	config *ssh.ClientConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHRunner creates a runner for user@addr. addr is host:port.
func NewSSHRunner(addr, user string, cfg SSHConfig, logger *slog.Logger) (*SSHRunner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading SSH key %s: %w", cfg.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing SSH key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("loading known_hosts %s: %w", cfg.KnownHostsPath, err)
		}
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &SSHRunner{
		addr: addr,
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         timeout,
		},
		logger: logger,
	}, nil
}

// Run executes the command on the remote host.
func (r *SSHRunner) Run(ctx context.Context, command string) (*Result, error) {
	return r.RunWithInput(ctx, command, nil)
}

// RunWithInput executes the command on the remote host with input as stdin.
func (r *SSHRunner) RunWithInput(ctx context.Context, command string, input io.Reader) (*Result, error) {
	session, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if input != nil {
		session.Stdin = input
	}

	result := &Result{Command: command}

	// Honor cancellation: SSH sessions have no native context support, so
	// a cancelled context tears the session down.
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		session.Close()
		<-done
		return nil, &ConnectError{Addr: r.addr, Err: ctx.Err()}
	case err = <-done:
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, &CommandError{
				Command:  command,
				ExitCode: result.ExitCode,
				Stderr:   result.Stderr,
			}
		}
		// Session-level failure: the channel broke mid-command.
		r.reset()
		return nil, &ConnectError{Addr: r.addr, Err: err}
	}
	return result, nil
}

// Close closes the underlying SSH connection if one was established.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// session returns a new session on the shared connection, dialing first if
// needed.
func (r *SSHRunner) session(ctx context.Context) (*ssh.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		client, err := r.dial(ctx)
		if err != nil {
			return nil, &ConnectError{Addr: r.addr, Err: err}
		}
		r.client = client
		r.logger.Debug("SSH connection established", "addr", r.addr)
	}

	session, err := r.client.NewSession()
	if err != nil {
		// Stale connection; drop it so the next call re-dials.
		r.client.Close()
		r.client = nil
		return nil, &ConnectError{Addr: r.addr, Err: err}
	}
	return session, nil
}

func (r *SSHRunner) dial(ctx context.Context) (*ssh.Client, error) {
	dialer := &net.Dialer{Timeout: r.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return nil, err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, r.addr, r.config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (r *SSHRunner) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
}
