package llamaswap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// BinaryName is the llama-swap binary produced by its `make linux` target.
const BinaryName = "llama-swap-linux-amd64"

// Server is a running llama-swap process.
type Server struct {
	cmd        *exec.Cmd
	port       int
	configPath string
	log        *zap.Logger
}

// Start writes the config file and starts the llama-swap server.
// The caller owns the returned Server and must Close it.
func Start(ctx context.Context, binDir string, cfg *Config, log *zap.Logger) (*Server, error) {
	data, err := cfg.YAML()
	if err != nil {
		return nil, fmt.Errorf("rendering llama-swap config: %w", err)
	}

	f, err := os.CreateTemp("", "llama-swap-*.yaml")
	if err != nil {
		return nil, fmt.Errorf("creating llama-swap config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("writing llama-swap config file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	log.Info("LlamaSwapConfig", zap.String("path", f.Name()), zap.ByteString("config", data))

	cmd := exec.CommandContext(ctx, filepath.Join(binDir, BinaryName),
		"-config", f.Name(),
		"-listen", fmt.Sprintf("0.0.0.0:%d", cfg.ListenPort),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting llama-swap: %w", err)
	}

	return &Server{
		cmd:        cmd,
		port:       cfg.ListenPort,
		configPath: f.Name(),
		log:        log,
	}, nil
}

// WaitHealthy polls the llama-swap health endpoint until it responds or the
// timeout elapses.
func (s *Server) WaitHealthy(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", s.port)

	return retry.Exponential(ctx, 100*time.Millisecond, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("llama-swap not ready: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return retry.RetryableError(fmt.Errorf("llama-swap health: status %d", resp.StatusCode))
		}
		return nil
	})
}

// Close terminates the server process and removes its config file.
func (s *Server) Close() error {
	defer os.Remove(s.configPath)

	if s.cmd.Process == nil {
		return nil
	}

	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}

	err := s.cmd.Wait()
	if err != nil && isTerminated(err) {
		return nil
	}
	return err
}

func isTerminated(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled()
}
