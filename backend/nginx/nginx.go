// Package nginx renders and supervises the nginx reverse proxy fronting the
// llama-swap server.
package nginx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"text/template"

	"go.uber.org/zap"
)

// Config for the reverse proxy.
type Config struct {
	// APIToken, when set, enables Bearer token authentication.
	// Requests without the token are rejected with 403.
	APIToken string

	// LlamaSwapPort is the upstream llama-swap port on localhost.
	LlamaSwapPort int

	// ListenPort is the externally reachable port.
	ListenPort int
}

var configTemplate = template.Must(template.New("nginx").Parse(`events {
    worker_connections 32;
}

http {
    # Long-lived connections: model load plus generation can take a while.
    proxy_read_timeout 24h;
    proxy_send_timeout 24h;

    server {
        listen {{.ListenPort}};
        server_name 0.0.0.0;

        location / {
{{- if .APIToken}}
            if ($http_authorization != "Bearer {{.APIToken}}") {
                return 403;
            }
{{- end}}
            proxy_pass http://localhost:{{.LlamaSwapPort}};
            proxy_set_header Host $host;
            proxy_set_header X-Real-IP $remote_addr;
        }

        # SSE streams must not be buffered.
        location ~* (/logs/streamSSE/|/api/modelsSSE) {
{{- if .APIToken}}
            if ($http_authorization != "Bearer {{.APIToken}}") {
                return 403;
            }
{{- end}}
            proxy_pass http://localhost:{{.LlamaSwapPort}};
            proxy_set_header Host $host;
            proxy_set_header X-Real-IP $remote_addr;

            proxy_buffering off;
            proxy_cache off;

            proxy_read_timeout 24h;
            proxy_send_timeout 24h;
        }
    }
}
`))

// Render returns the nginx configuration file content.
func Render(cfg Config) (string, error) {
	var sb strings.Builder
	if err := configTemplate.Execute(&sb, cfg); err != nil {
		return "", fmt.Errorf("rendering nginx config: %w", err)
	}
	return sb.String(), nil
}

// Server is a running nginx process.
type Server struct {
	cmd        *exec.Cmd
	configPath string
	log        *zap.Logger
}

// Start writes the rendered config to a temp file and starts nginx in the
// foreground. The caller owns the returned Server and must Close it.
func Start(ctx context.Context, cfg Config, log *zap.Logger) (*Server, error) {
	content, err := Render(cfg)
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp("", "llamadeploy-nginx-*.conf")
	if err != nil {
		return nil, fmt.Errorf("creating nginx config file: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("writing nginx config file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	log.Info("NginxConfig", zap.String("path", f.Name()), zap.Int("listenPort", cfg.ListenPort))

	cmd := exec.CommandContext(ctx, "nginx", "-c", f.Name(), "-g", "daemon off;")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting nginx: %w", err)
	}

	return &Server{cmd: cmd, configPath: f.Name(), log: log}, nil
}

// Close terminates the nginx process and removes its config file.
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
