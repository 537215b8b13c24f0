// Command llamadeploy provisions remote GPU machines to serve LLMs with
// llama.cpp, ik_llama.cpp and llama-swap behind an nginx reverse proxy.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/burdiyan/go/mainutil"
	"github.com/getsentry/sentry-go"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/peterbourgon/ff/v4"
	"go.uber.org/zap"

	"llamadeploy/backend/config"
	"llamadeploy/backend/deploy"
	"llamadeploy/backend/logging"
	"llamadeploy/backend/runpod"
	"llamadeploy/backend/serve"
	"llamadeploy/backend/transport"
)

const envVarPrefix = "LLAMADEPLOY"

const usageText = `Usage: llamadeploy <command> [flags] [args]

Commands:
  deploy <[user@]host>    Provision an SSH-reachable machine and start serving.
  runpod deploy <pod-id>  Provision a RunPod pod by its ID.
  runpod list-gpus        List GPU types available on RunPod.
  prep                    Download model weights into the models directory.
  serve                   Start llama-swap and nginx on this machine.

Run 'llamadeploy <command> -help' to see command flags.
`

func main() {
	mainutil.Run(run)
}

func run() error {
	ctx := mainutil.TrapSignals()

	args := slices.Clone(os.Args[1:])
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		return errors.New("missing command")
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "deploy":
		return runDeploy(ctx, rest)
	case "runpod":
		return runRunPod(ctx, rest)
	case "prep":
		return runPrep(ctx, rest)
	case "serve":
		return runServe(ctx, rest)
	case "help", "-h", "-help", "--help":
		fmt.Print(usageText)
		return nil
	default:
		fmt.Fprint(os.Stderr, usageText)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// parseConfig parses flags and environment variables for one subcommand.
// A help request is returned as ff.ErrHelp after printing the usage.
func parseConfig(name string, args []string) (config.Config, []string, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)

	cfg := config.Default()
	cfg.BindFlags(fs)

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix(envVarPrefix)); err != nil {
		if errors.Is(err, ff.ErrHelp) {
			fs.Usage()
		}
		return cfg, nil, err
	}

	if err := cfg.ExpandDirs(); err != nil {
		return cfg, nil, err
	}

	return cfg, fs.Args(), nil
}

func newLogger(cfg config.Config, subsystem string) (*zap.Logger, func()) {
	log := logging.New(subsystem, cfg.LogLevel)

	if err := sentry.Init(sentry.ClientOptions{}); err != nil {
		log.Debug("SentryInitError", zap.Error(err))
		return log, func() {}
	}
	return log, func() { sentry.Flush(2 * time.Second) }
}

func runDeploy(ctx context.Context, args []string) error {
	cfg, rest, err := parseConfig("llamadeploy deploy", args)
	if err != nil {
		if errors.Is(err, ff.ErrHelp) {
			return nil
		}
		return err
	}
	if len(rest) != 1 {
		return errors.New("usage: llamadeploy deploy [flags] <[user@]host>")
	}

	host := rest[0]
	username := cfg.Deploy.User
	if u, h, ok := strings.Cut(host, "@"); ok {
		username, host = u, h
	}

	target, err := transport.NewTarget(host, username, cfg.Deploy.Port, transport.ProviderSSH)
	if err != nil {
		return err
	}

	log, flush := newLogger(cfg, "deploy")
	defer flush()

	return deployTo(ctx, cfg, target, "", log)
}

func runRunPod(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: llamadeploy runpod <deploy|list-gpus> [flags] [args]")
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "deploy":
		return runRunPodDeploy(ctx, rest)
	case "list-gpus":
		return runRunPodListGPUs(ctx, rest)
	default:
		return fmt.Errorf("unknown runpod command %q", cmd)
	}
}

func runRunPodDeploy(ctx context.Context, args []string) error {
	cfg, rest, err := parseConfig("llamadeploy runpod deploy", args)
	if err != nil {
		if errors.Is(err, ff.ErrHelp) {
			return nil
		}
		return err
	}
	if len(rest) != 1 {
		return errors.New("usage: llamadeploy runpod deploy [flags] <pod-id>")
	}
	if cfg.RunPod.APIKey == "" {
		return errors.New("RunPod API key is required (-runpod-api-key or LLAMADEPLOY_RUNPOD_API_KEY)")
	}

	log, flush := newLogger(cfg, "runpod")
	defer flush()

	podID := rest[0]
	client := runpod.NewClient(cfg.RunPod.APIKey, log, runpod.WithBaseURL(cfg.RunPod.BaseURL))

	target, err := client.ResolvePod(ctx, podID)
	if err != nil {
		return err
	}

	// Freshly created pods are never in known_hosts.
	cfg.Deploy.InsecureHostKey = true

	ingress := fmt.Sprintf("%s-%d.proxy.runpod.net", podID, cfg.Serve.NginxPort)
	return deployTo(ctx, cfg, target, ingress, log)
}

func runRunPodListGPUs(ctx context.Context, args []string) error {
	cfg, _, err := parseConfig("llamadeploy runpod list-gpus", args)
	if err != nil {
		if errors.Is(err, ff.ErrHelp) {
			return nil
		}
		return err
	}
	if cfg.RunPod.APIKey == "" {
		return errors.New("RunPod API key is required (-runpod-api-key or LLAMADEPLOY_RUNPOD_API_KEY)")
	}

	log, flush := newLogger(cfg, "runpod")
	defer flush()

	client := runpod.NewClient(cfg.RunPod.APIKey, log, runpod.WithBaseURL(cfg.RunPod.BaseURL))

	gpus, err := client.ListGPUTypes(ctx)
	if err != nil {
		return err
	}

	slices.SortFunc(gpus, func(a, b runpod.GPUType) int {
		return strings.Compare(a.DisplayName, b.DisplayName)
	})

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Name", "VRAM", "Secure $/hr", "Community $/hr"})
	for _, g := range gpus {
		t.AppendRow(table.Row{
			g.ID,
			g.DisplayName,
			fmt.Sprintf("%d GB", g.MemoryInGB),
			price(g.SecureCloud, g.SecurePrice),
			price(g.CommunityCloud, g.CommunityPrice),
		})
	}
	t.Render()

	return nil
}

func price(available bool, hourly float64) string {
	if !available {
		return "-"
	}
	return fmt.Sprintf("%.2f", hourly)
}

func runPrep(ctx context.Context, args []string) error {
	cfg, _, err := parseConfig("llamadeploy prep", args)
	if err != nil {
		if errors.Is(err, ff.ErrHelp) {
			return nil
		}
		return err
	}

	log, flush := newLogger(cfg, "prep")
	defer flush()

	return serve.Prep(ctx, cfg, log)
}

func runServe(ctx context.Context, args []string) error {
	cfg, _, err := parseConfig("llamadeploy serve", args)
	if err != nil {
		if errors.Is(err, ff.ErrHelp) {
			return nil
		}
		return err
	}

	log, flush := newLogger(cfg, "serve")
	defer flush()

	err = serve.Serve(ctx, cfg, log)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func deployTo(ctx context.Context, cfg config.Config, target transport.Target, ingressHost string, log *zap.Logger) error {
	tr, err := transport.DialSSH(target, transport.SSHConfig{
		KeyPath:               cfg.Deploy.SSHKeyPath,
		KnownHostsPath:        cfg.Deploy.KnownHostsPath,
		InsecureIgnoreHostKey: cfg.Deploy.InsecureHostKey,
		ConnectTimeout:        cfg.Deploy.ConnectTimeout,
	}, log)
	if err != nil {
		return err
	}
	defer tr.Close()

	env := &deploy.Env{
		Target:        target,
		Transport:     tr,
		ProjectDir:    cfg.Deploy.ProjectDir,
		RemoteDir:     cfg.Deploy.RemoteDir,
		ModelsDir:     cfg.Models.Dir,
		CatalogPath:   cfg.Models.CatalogPath,
		LlamaSwapPort: cfg.Serve.LlamaSwapPort,
		NginxPort:     cfg.Serve.NginxPort,
		HFToken:       cfg.Models.HFToken,
		APIToken:      os.Getenv("API_TOKEN"),
		IngressHost:   ingressHost,
		Log:           log,
	}

	run, err := deploy.Execute(ctx, env, deploy.Steps())
	if err != nil {
		return err
	}

	for _, step := range run.Completed {
		log.Info("StepDuration",
			zap.String("step", step.Name),
			zap.Duration("elapsed", step.Duration))
	}

	fmt.Println(env.URL)
	fmt.Fprintf(os.Stderr, "Direct llama-swap access: ssh -N -L %d:127.0.0.1:%d %s@%s\n",
		cfg.Serve.LlamaSwapPort, cfg.Serve.LlamaSwapPort, target.User, target.Host)

	return nil
}
