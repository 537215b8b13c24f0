package deploy

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"llamadeploy/backend/transport"
)

// Upstream sources built on the target.
const (
	llamaCppRepo   = "https://github.com/ggml-org/llama.cpp"
	ikLlamaCppRepo = "https://github.com/ikawrakow/ik_llama.cpp"
	llamaSwapRepo  = "https://github.com/mostlygeek/llama-swap"

	goDownloadURL = "https://go.dev/dl/go1.24.6.linux-amd64.tar.gz"

	// tmuxSession is the detached session the serving process runs in.
	tmuxSession = "llamadeploy"
)

const maxBuildJobs = 16

func syncSource(ctx context.Context, env *Env) error {
	if _, err := env.Transport.Run(ctx, fmt.Sprintf("mkdir -p %s %s",
		shellescape.Quote(env.RemoteDir),
		shellescape.Quote(env.ModelsDir),
	)); err != nil {
		return err
	}

	return env.Transport.Sync(ctx, env.ProjectDir, env.RemoteDir)
}

func installPackages(ctx context.Context, env *Env) error {
	// Fresh pods miss most of these; a machine that already has them
	// gets a no-op apt run.
	res, err := env.Transport.TryRun(ctx, "command -v cmake git curl rsync tmux nginx ccache >/dev/null")
	if err != nil {
		return err
	}
	if res.ExitCode == 0 {
		env.Log.Debug("PackagesAlreadyInstalled")
		return nil
	}

	_, err = env.Transport.Run(ctx,
		"apt-get update -q && DEBIAN_FRONTEND=noninteractive apt-get install -yq build-essential cmake ccache git curl rsync tmux nginx libcurl4-openssl-dev")
	return err
}

func installToolchain(ctx context.Context, env *Env) error {
	res, err := env.Transport.TryRun(ctx, "PATH=$PATH:/usr/local/go/bin go version")
	if err != nil {
		return err
	}

	if res.ExitCode != 0 || !goVersionOK(res.Stdout) {
		env.Log.Info("InstallingGo", zap.String("url", goDownloadURL))
		if _, err := env.Transport.Run(ctx, fmt.Sprintf(
			"curl -fsSL %s -o /tmp/go.tgz && rm -rf /usr/local/go && tar -C /usr/local -xzf /tmp/go.tgz && rm /tmp/go.tgz",
			shellescape.Quote(goDownloadURL),
		)); err != nil {
			return err
		}
	}

	// The target runs the same tool for the serving side, so it builds
	// its own copy from the synced source.
	_, err = env.Transport.Run(ctx, fmt.Sprintf(
		"cd %s && PATH=$PATH:/usr/local/go/bin go build -o bin/llamadeploy ./backend/cmd/llamadeploy",
		shellescape.Quote(env.RemoteDir),
	))
	return err
}

var goVersionRE = regexp.MustCompile(`go(\d+)\.(\d+)`)

// goVersionOK reports whether `go version` output names a toolchain
// recent enough to build the project (1.24+).
func goVersionOK(out string) bool {
	m := goVersionRE.FindStringSubmatch(out)
	if len(m) < 3 {
		return false
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	return major > 1 || (major == 1 && minor >= 24)
}

func buildServers(ctx context.Context, env *Env) error {
	jobs, err := buildJobs(ctx, env.Transport)
	if err != nil {
		return err
	}
	env.Log.Debug("BuildConcurrency", zap.Int("jobs", jobs))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := buildLlamaCpp(ctx, env, jobs); err != nil {
			return &BuildError{Component: "llama.cpp", Err: err}
		}
		return nil
	})
	g.Go(func() error {
		if err := buildIkLlamaCpp(ctx, env, jobs); err != nil {
			return &BuildError{Component: "ik_llama.cpp", Err: err}
		}
		return nil
	})
	g.Go(func() error {
		if err := buildLlamaSwap(ctx, env); err != nil {
			return &BuildError{Component: "llama-swap", Err: err}
		}
		return nil
	})

	return g.Wait()
}

// buildJobs derives the make/cmake concurrency from the target's CPU count.
func buildJobs(ctx context.Context, tr transport.Transport) (int, error) {
	res, err := tr.TryRun(ctx, "nproc")
	if err != nil {
		return 0, err
	}

	n, convErr := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if res.ExitCode != 0 || convErr != nil || n < 1 {
		return 8, nil
	}
	if n > maxBuildJobs {
		return maxBuildJobs, nil
	}
	return n, nil
}

func buildLlamaCpp(ctx context.Context, env *Env, jobs int) error {
	dir := path.Join(env.RemoteDir, "ext", "llama-cpp")
	if _, err := env.Transport.Run(ctx, cloneOrPull(llamaCppRepo, dir)); err != nil {
		return err
	}

	_, err := env.Transport.Run(ctx, fmt.Sprintf(
		"cd %s && cmake -B build -DGGML_CUDA=ON && cmake --build build --config Release -j %d",
		shellescape.Quote(dir), jobs,
	))
	return err
}

func buildIkLlamaCpp(ctx context.Context, env *Env, jobs int) error {
	dir := path.Join(env.RemoteDir, "ext", "ik-llama-cpp")
	if _, err := env.Transport.Run(ctx, cloneOrPull(ikLlamaCppRepo, dir)); err != nil {
		return err
	}

	_, err := env.Transport.Run(ctx, fmt.Sprintf(
		"cd %s && cmake -B build -DGGML_CUDA=ON && cmake --build build --config Release --target llama-server -j %d",
		shellescape.Quote(dir), jobs,
	))
	return err
}

func buildLlamaSwap(ctx context.Context, env *Env) error {
	if err := ensureNode(ctx, env); err != nil {
		return err
	}

	dir := path.Join(env.RemoteDir, "ext", "llama-swap")
	if _, err := env.Transport.Run(ctx, cloneOrPull(llamaSwapRepo, dir)); err != nil {
		return err
	}

	_, err := env.Transport.Run(ctx, fmt.Sprintf("cd %s && make linux", shellescape.Quote(dir)))
	return err
}

// ensureNode installs Node.js if missing. The llama-swap UI build needs it.
func ensureNode(ctx context.Context, env *Env) error {
	res, err := env.Transport.TryRun(ctx, "node --version")
	if err != nil {
		return err
	}
	if res.ExitCode == 0 && nodeVersionOK(res.Stdout) {
		return nil
	}

	env.Log.Info("InstallingNode")
	_, err = env.Transport.Run(ctx,
		"curl -fsSL https://deb.nodesource.com/setup_22.x | bash - && DEBIAN_FRONTEND=noninteractive apt-get install -yq nodejs")
	return err
}

var nodeVersionRE = regexp.MustCompile(`v(\d+)\.`)

func nodeVersionOK(out string) bool {
	m := nodeVersionRE.FindStringSubmatch(out)
	if len(m) < 2 {
		return false
	}
	major, _ := strconv.Atoi(m[1])
	return major >= 18
}

// cloneOrPull returns a shell command that makes dir a checkout of repo,
// whether it exists already or not.
func cloneOrPull(repo, dir string) string {
	qdir := shellescape.Quote(dir)
	return fmt.Sprintf("if [ -d %s/.git ]; then git -C %s pull --ff-only; else git clone --depth 1 %s %s; fi",
		qdir, qdir, shellescape.Quote(repo), qdir)
}

func downloadModels(ctx context.Context, env *Env) error {
	cmd := prepCommand(env)
	if env.HFToken != "" {
		cmd = fmt.Sprintf("LLAMADEPLOY_HF_TOKEN=%s %s", shellescape.Quote(env.HFToken), cmd)
	}

	_, err := env.Transport.Run(ctx, fmt.Sprintf("cd %s && %s", shellescape.Quote(env.RemoteDir), cmd))
	return err
}

func prepCommand(env *Env) string {
	cmd := fmt.Sprintf("bin/llamadeploy prep -models-dir %s", shellescape.Quote(env.ModelsDir))
	if env.CatalogPath != "" {
		cmd += " -catalog " + shellescape.Quote(env.CatalogPath)
	}
	return cmd
}

func startServices(ctx context.Context, env *Env) error {
	// A previous run may have left a session behind; re-deploys replace it.
	if _, err := env.Transport.TryRun(ctx, fmt.Sprintf("tmux kill-session -t %s 2>/dev/null", tmuxSession)); err != nil {
		return err
	}

	serveCmd := fmt.Sprintf("cd %s && %s", shellescape.Quote(env.RemoteDir), serveCommand(env))

	if _, err := env.Transport.Run(ctx, fmt.Sprintf("tmux new-session -d -s %s %s",
		tmuxSession, shellescape.Quote(serveCmd),
	)); err != nil {
		return err
	}

	return waitRemoteHealthy(ctx, env)
}

func serveCommand(env *Env) string {
	var b strings.Builder
	if env.APIToken != "" {
		fmt.Fprintf(&b, "API_TOKEN=%s ", shellescape.Quote(env.APIToken))
	}
	fmt.Fprintf(&b, "bin/llamadeploy serve -models-dir %s -nginx-port %d -llama-swap-port %d",
		shellescape.Quote(env.ModelsDir), env.NginxPort, env.LlamaSwapPort)
	if env.CatalogPath != "" {
		b.WriteString(" -catalog " + shellescape.Quote(env.CatalogPath))
	}
	return b.String()
}

// waitRemoteHealthy polls the proxy through the transport until it answers.
// Weights are already on disk at this point, so readiness is quick; a dead
// tmux session is reported here instead of at first client request.
func waitRemoteHealthy(ctx context.Context, env *Env) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	probe := fmt.Sprintf("curl -fsS -m 2 http://127.0.0.1:%d/health >/dev/null", env.NginxPort)

	return retry.Exponential(ctx, time.Second, func(ctx context.Context) error {
		res, err := env.Transport.TryRun(ctx, probe)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return retry.RetryableError(errors.Errorf("proxy not ready (curl exit %d)", res.ExitCode))
		}
		return nil
	})
}

func resolveURL(ctx context.Context, env *Env) error {
	if env.IngressHost != "" {
		env.URL = fmt.Sprintf("https://%s/", env.IngressHost)
		return nil
	}

	host := env.Target.Host

	res, err := env.Transport.TryRun(ctx, "curl -fsS -m 5 ifconfig.me")
	if err != nil {
		return err
	}
	if res.ExitCode == 0 && strings.TrimSpace(res.Stdout) != "" {
		host = strings.TrimSpace(res.Stdout)
	}

	env.URL = fmt.Sprintf("http://%s:%d/", host, env.NginxPort)
	return nil
}
