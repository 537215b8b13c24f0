// Package serve runs the inference-serving side on the target machine:
// downloading model weights, generating the llama-swap configuration, and
// supervising the llama-swap and nginx processes.
package serve

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"llamadeploy/backend/config"
	"llamadeploy/backend/hfhub"
	"llamadeploy/backend/llamacpp"
	"llamadeploy/backend/llamaswap"
	"llamadeploy/backend/models"
	"llamadeploy/backend/nginx"
	"llamadeploy/backend/util/cleanup"
)

// minFreeBytes is the free disk space below which Prep warns. Quantized
// weights for a single large model can exceed 50 GiB on their own.
const minFreeBytes = 50 << 30

// Prep downloads all catalog model weights into the models directory and
// verifies each snapshot has a loadable GGUF entrypoint. It is idempotent:
// weights already on disk are not transferred again.
func Prep(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	catalog, err := loadCatalog(cfg.Models)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Models.Dir, 0o755); err != nil {
		return fmt.Errorf("creating models dir: %w", err)
	}

	if usage, err := disk.Usage(cfg.Models.Dir); err == nil {
		log.Info("DiskSpace",
			zap.String("dir", cfg.Models.Dir),
			zap.Uint64("freeBytes", usage.Free))
		if usage.Free < minFreeBytes {
			log.Warn("LowDiskSpace",
				zap.String("dir", cfg.Models.Dir),
				zap.Uint64("freeBytes", usage.Free))
		}
	}

	render, stop := renderProgress(os.Stderr)
	defer stop()

	client := hfhub.NewClient(log, hfhub.WithToken(cfg.Models.HFToken))

	for _, spec := range catalog {
		dir, err := client.Snapshot(ctx, spec.Repo, hfhub.SnapshotOptions{
			Include: spec.Include,
			Dir:     cfg.Models.Dir,
			Tasks:   render,
		})
		if err != nil {
			return err
		}

		if _, err := models.FindGGUFEntrypoint(dir, spec.Include); err != nil {
			return err
		}
	}

	return nil
}

// Serve brings up the serving stack and blocks until the context is
// canceled (or returns right after readiness when Detach is set).
//
// Missing weights are downloaded first, so a target that skipped Prep, or a
// serverless container with an empty volume, still comes up on its own.
func Serve(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	logSystemInfo(log)

	catalog, err := loadCatalog(cfg.Models)
	if err != nil {
		return err
	}

	if err := ensureWeights(ctx, cfg, catalog, log); err != nil {
		return err
	}

	swapCfg, err := SwapConfig(cfg.Serve, cfg.Models.Dir, catalog)
	if err != nil {
		return err
	}

	apiToken := os.Getenv("API_TOKEN")
	if apiToken == "" {
		log.Warn("ProxyAuthDisabled", zap.String("hint", "set API_TOKEN to require bearer authentication"))
	}

	// In detach mode the processes must outlive this invocation.
	procCtx := ctx
	if cfg.Serve.Detach {
		procCtx = context.WithoutCancel(ctx)
	}

	clean := &cleanup.Stack{IgnoreContextCanceled: true}

	proxy, err := nginx.Start(procCtx, nginx.Config{
		APIToken:      apiToken,
		LlamaSwapPort: cfg.Serve.LlamaSwapPort,
		ListenPort:    cfg.Serve.NginxPort,
	}, log)
	if err != nil {
		return err
	}
	clean.Add(proxy)

	swap, err := llamaswap.Start(procCtx, cfg.Serve.LlamaSwapBinDir, swapCfg, log)
	if err != nil {
		return multierr.Append(err, clean.Close())
	}
	clean.Add(swap)

	if err := swap.WaitHealthy(ctx, cfg.Serve.HealthCheckTimeout); err != nil {
		return multierr.Append(err, clean.Close())
	}

	log.Info("ServingReady",
		zap.Int("nginxPort", cfg.Serve.NginxPort),
		zap.Int("llamaSwapPort", cfg.Serve.LlamaSwapPort),
		zap.Int("models", len(swapCfg.Models())))

	if cfg.Serve.Detach {
		return nil
	}

	<-ctx.Done()
	log.Info("ShuttingDown")
	return clean.Close()
}

// SwapConfig builds the llama-swap configuration from the catalog, resolving
// each model's GGUF entrypoint inside the models directory.
func SwapConfig(cfg config.Serve, modelsDir string, catalog []models.Spec) (*llamaswap.Config, error) {
	out := llamaswap.NewConfig(cfg.LlamaSwapPort)
	out.HealthCheckTimeout = cfg.HealthCheckTimeout

	for _, spec := range catalog {
		snapshotDir := filepath.Join(modelsDir, filepath.FromSlash(spec.Repo))

		entry, err := models.FindGGUFEntrypoint(snapshotDir, spec.Include)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", spec.Repo, err)
		}

		binary := cfg.LlamaCppBin
		if spec.Backend == models.BackendIkLlamaCpp {
			binary = cfg.IkLlamaCppBin
		}

		server := llamacpp.NewServerConfig(models.EntrypointName(entry), binary, entry).
			WithParams(
				llamacpp.Param{Key: "host", Value: "127.0.0.1"},
				llamacpp.Param{Key: "port", Value: llamacpp.PortPlaceholder},
			)
		for _, p := range spec.SortedParams() {
			server = server.WithParams(llamacpp.Param{Key: p.Key, Value: p.Value})
		}

		model, err := server.Build()
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", spec.Repo, err)
		}
		out.AddModel(model)
	}

	return out, nil
}

func loadCatalog(cfg config.Models) ([]models.Spec, error) {
	if cfg.CatalogPath != "" {
		return models.LoadCatalog(cfg.CatalogPath)
	}
	return models.DefaultCatalog(), nil
}

// ensureWeights downloads any catalog model whose snapshot is missing or has
// no loadable entrypoint.
func ensureWeights(ctx context.Context, cfg config.Config, catalog []models.Spec, log *zap.Logger) error {
	var client *hfhub.Client

	for _, spec := range catalog {
		dir := filepath.Join(cfg.Models.Dir, filepath.FromSlash(spec.Repo))
		if _, err := models.FindGGUFEntrypoint(dir, spec.Include); err == nil {
			continue
		}

		log.Info("DownloadingWeights", zap.String("repo", spec.Repo))
		if client == nil {
			client = hfhub.NewClient(log, hfhub.WithToken(cfg.Models.HFToken))
		}

		if _, err := client.Snapshot(ctx, spec.Repo, hfhub.SnapshotOptions{
			Include: spec.Include,
			Dir:     cfg.Models.Dir,
		}); err != nil {
			return err
		}
	}

	return nil
}

func logSystemInfo(log *zap.Logger) {
	if info, err := host.Info(); err == nil {
		log.Info("SystemInfo",
			zap.String("hostname", info.Hostname),
			zap.String("platform", info.Platform+" "+info.PlatformVersion),
			zap.String("kernel", info.KernelVersion))
	}
	if cpus, err := cpu.Counts(true); err == nil {
		log.Info("CPUInfo", zap.Int("logicalCores", cpus))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		log.Info("MemoryInfo",
			zap.Uint64("totalBytes", vm.Total),
			zap.Uint64("availableBytes", vm.Available))
	}
}
