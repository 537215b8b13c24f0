// Package transport abstracts file transfer and remote command execution
// against a deployment target, so the provisioning pipeline has no
// provider-specific branching and can be tested with a fake.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/user"
	"strconv"
)

// Provider identifies how a target is reached and managed.
type Provider int

// Provider constants.
const (
	ProviderSSH Provider = iota
	ProviderRunPod
	ProviderModal
)

func (p Provider) String() string {
	switch p {
	case ProviderSSH:
		return "ssh"
	case ProviderRunPod:
		return "runpod"
	case ProviderModal:
		return "modal"
	default:
		return "unknown"
	}
}

// Target identifies a deployment target. Immutable after construction.
type Target struct {
	Host     string
	User     string
	Port     int
	Provider Provider
}

// NewTarget validates and constructs a Target. The user defaults to the
// current OS user and the port defaults to 22.
func NewTarget(host, username string, port int, provider Provider) (Target, error) {
	if host == "" && (provider == ProviderSSH || provider == ProviderRunPod) {
		return Target{}, fmt.Errorf("%s target: host must not be empty", provider)
	}

	if port == 0 {
		port = 22
	}
	if port < 0 || port > 65535 {
		return Target{}, fmt.Errorf("%s target: port %d out of range", provider, port)
	}

	if username == "" {
		u, err := user.Current()
		if err != nil {
			return Target{}, fmt.Errorf("failed to detect current user: %w", err)
		}
		username = u.Username
	}

	return Target{
		Host:     host,
		User:     username,
		Port:     port,
		Provider: provider,
	}, nil
}

// Addr returns the host:port address of the target.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string {
	return fmt.Sprintf("%s@%s (%s)", t.User, t.Addr(), t.Provider)
}

// Result of a remote command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Transport performs file transfer and remote command execution against a target.
type Transport interface {
	// Sync copies localPath to remotePath on the target, overwriting in place.
	// It is idempotent: syncing an unchanged tree transfers nothing.
	Sync(ctx context.Context, localPath, remotePath string) error

	// Run executes a command on the target and blocks until it completes.
	// A non-zero exit status is returned as an *ExitError.
	Run(ctx context.Context, command string) (Result, error)

	// TryRun is like Run but a non-zero exit status is not an error.
	// Useful for probe commands whose failure is expected.
	TryRun(ctx context.Context, command string) (Result, error)

	Close() error
}

// Transport failure categories.
var (
	ErrConnect = errors.New("transport: connection failed")
	ErrAuth    = errors.New("transport: authentication failed")
)

// ExitError reports a remote command that exited non-zero.
type ExitError struct {
	Cmd    string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("remote command %q exited with status %d", e.Cmd, e.Code)
	}
	return fmt.Sprintf("remote command %q exited with status %d: %s", e.Cmd, e.Code, e.Stderr)
}
