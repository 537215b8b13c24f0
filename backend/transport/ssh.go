package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig configures the SSH transport.
type SSHConfig struct {
	// KeyPath is an optional path to a private key file.
	// When empty, the ambient SSH agent is used.
	KeyPath string

	// KnownHostsPath is the file used for host key verification.
	KnownHostsPath string

	// InsecureIgnoreHostKey disables host key verification.
	InsecureIgnoreHostKey bool

	// ConnectTimeout bounds the TCP + handshake phase.
	ConnectTimeout time.Duration

	// RsyncExcludes are passed to rsync as --exclude patterns.
	RsyncExcludes []string
}

// DefaultRsyncExcludes are the patterns excluded from project sync.
var DefaultRsyncExcludes = []string{".git", "ext", "bin", "*.gguf"}

// SSH is a Transport that executes commands over an SSH connection and
// transfers files with the local rsync binary.
type SSH struct {
	target Target
	cfg    SSHConfig
	log    *zap.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// DialSSH connects to the target and returns an SSH transport.
func DialSSH(target Target, cfg SSHConfig, log *zap.Logger) (*SSH, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.RsyncExcludes == nil {
		cfg.RsyncExcludes = DefaultRsyncExcludes
	}

	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	hostKeys, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         cfg.ConnectTimeout,
	}

	client, err := ssh.Dial("tcp", target.Addr(), clientCfg)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %s: %s", ErrAuth, target.Addr(), err)
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrConnect, target.Addr(), err)
	}

	log.Debug("SSHConnected", zap.String("target", target.String()))

	return &SSH{
		target: target,
		cfg:    cfg,
		log:    log,
		client: client,
	}, nil
}

func authMethods(cfg SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.KeyPath != "" {
		data, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading SSH key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parsing SSH key %s: %w", cfg.KeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no SSH key configured and no agent available", ErrAuth)
	}

	return methods, nil
}

func hostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicit operator opt-in
	}

	cb, err := knownhosts.New(cfg.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts %s: %w", cfg.KnownHostsPath, err)
	}
	return cb, nil
}

// Run executes a command on the target. A non-zero exit status is returned
// as an *ExitError with the captured stderr.
func (t *SSH) Run(ctx context.Context, command string) (Result, error) {
	res, err := t.run(ctx, command)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, &ExitError{Cmd: command, Code: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	return res, nil
}

// TryRun executes a command on the target without treating a non-zero exit
// status as an error.
func (t *SSH) TryRun(ctx context.Context, command string) (Result, error) {
	return t.run(ctx, command)
}

func (t *SSH) run(ctx context.Context, command string) (Result, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		return Result{}, fmt.Errorf("%w: transport is closed", ErrConnect)
	}

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("%w: opening session: %s", ErrConnect, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	t.log.Debug("RemoteCommand", zap.String("cmd", command))

	if err := session.Start(command); err != nil {
		return Result{}, fmt.Errorf("%w: starting command: %s", ErrConnect, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		// Best-effort termination of the in-flight remote command.
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return Result{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	case err := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, fmt.Errorf("%w: %s", ErrConnect, err)
	}
}

// Sync copies localPath to remotePath using the local rsync binary over ssh,
// matching rsync's own idempotence guarantees.
func (t *SSH) Sync(ctx context.Context, localPath, remotePath string) error {
	args := []string{"-azhP", "--no-owner", "--no-group"}
	for _, pattern := range t.cfg.RsyncExcludes {
		args = append(args, "--exclude", pattern)
	}
	args = append(args, "-e", t.rsyncShell())
	args = append(args,
		strings.TrimSuffix(localPath, "/")+"/",
		fmt.Sprintf("%s@%s:%s/", t.target.User, t.target.Host, strings.TrimSuffix(remotePath, "/")),
	)

	t.log.Debug("Rsync", zap.Strings("args", args))

	cmd := exec.CommandContext(ctx, "rsync", args...)
	var stderr bytes.Buffer
	cmd.Stdout = os.Stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &ExitError{
				Cmd:    "rsync " + strings.Join(args, " "),
				Code:   exitErr.ExitCode(),
				Stderr: strings.TrimSpace(stderr.String()),
			}
		}
		return fmt.Errorf("%w: rsync: %s", ErrConnect, err)
	}

	return nil
}

func (t *SSH) rsyncShell() string {
	shell := "ssh"
	if t.target.Port != 22 {
		shell = fmt.Sprintf("ssh -p %d", t.target.Port)
	}
	if t.cfg.InsecureIgnoreHostKey {
		shell += " -o StrictHostKeyChecking=no"
	}
	return shell
}

// Close terminates the SSH connection.
func (t *SSH) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}
