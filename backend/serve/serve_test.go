package serve

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"llamadeploy/backend/config"
	"llamadeploy/backend/models"
)

// fakeWeights lays out a models directory with stub GGUF snapshots and
// backend binaries, returning the serve config pointing at them.
func fakeWeights(t *testing.T, catalog []models.Spec) (config.Serve, string) {
	t.Helper()
	root := t.TempDir()

	modelsDir := filepath.Join(root, "models")
	for _, spec := range catalog {
		dir := filepath.Join(modelsDir, filepath.FromSlash(spec.Repo))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "weights-Q4_K_M.gguf"), []byte("GGUF"), 0o644))
	}

	cfg := config.Serve{}.Default()
	cfg.LlamaCppBin = filepath.Join(root, "llama-server")
	cfg.IkLlamaCppBin = filepath.Join(root, "ik-llama-server")
	require.NoError(t, os.WriteFile(cfg.LlamaCppBin, []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(cfg.IkLlamaCppBin, []byte("#!/bin/sh\n"), 0o755))

	return cfg, modelsDir
}

func TestSwapConfig(t *testing.T) {
	catalog := []models.Spec{
		{
			Repo: "org/model-GGUF",
			Params: map[string]any{
				"ctx_size": 32768,
				"jinja":    true,
			},
		},
		{
			Repo:    "org/ik-model-GGUF",
			Backend: models.BackendIkLlamaCpp,
		},
	}
	cfg, modelsDir := fakeWeights(t, catalog)

	swapCfg, err := SwapConfig(cfg, modelsDir, catalog)
	require.NoError(t, err)

	entries := swapCfg.Models()
	require.Len(t, entries, 2)

	require.Equal(t, "weights-Q4-K-M", entries[0].Name)
	require.Contains(t, entries[0].Cmd, cfg.LlamaCppBin)
	require.Contains(t, entries[0].Cmd, "--host 127.0.0.1")
	require.Contains(t, entries[0].Cmd, "--port ${PORT}")
	require.Contains(t, entries[0].Cmd, "--ctx-size 32768")
	require.Contains(t, entries[0].Cmd, "--jinja")

	require.Contains(t, entries[1].Cmd, cfg.IkLlamaCppBin, "ik backend must use the ik binary")
}

func TestSwapConfigYAMLShape(t *testing.T) {
	catalog := []models.Spec{{Repo: "org/model-GGUF"}}
	cfg, modelsDir := fakeWeights(t, catalog)

	swapCfg, err := SwapConfig(cfg, modelsDir, catalog)
	require.NoError(t, err)

	data, err := swapCfg.YAML()
	require.NoError(t, err)

	var doc struct {
		HealthCheckTimeout int                       `yaml:"healthCheckTimeout"`
		Models             map[string]map[string]any `yaml:"models"`
	}
	require.NoError(t, yaml.Unmarshal(data, &doc))
	require.Equal(t, 300, doc.HealthCheckTimeout)
	require.Contains(t, doc.Models, "weights-Q4-K-M")
}

func TestSwapConfigMissingWeights(t *testing.T) {
	catalog := []models.Spec{{Repo: "org/missing-GGUF"}}
	cfg, _ := fakeWeights(t, nil)

	_, err := SwapConfig(cfg, t.TempDir(), catalog)
	require.Error(t, err)
	require.Contains(t, err.Error(), "org/missing-GGUF")
}

func TestSwapConfigMissingBinary(t *testing.T) {
	catalog := []models.Spec{{Repo: "org/model-GGUF"}}
	cfg, modelsDir := fakeWeights(t, catalog)
	cfg.LlamaCppBin = filepath.Join(t.TempDir(), "nonexistent")

	_, err := SwapConfig(cfg, modelsDir, catalog)
	require.Error(t, err)
}

func TestLoadCatalogPrefersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models:\n  - repo: org/custom-GGUF\n"), 0o644))

	catalog, err := loadCatalog(config.Models{CatalogPath: path})
	require.NoError(t, err)
	require.Len(t, catalog, 1)
	require.Equal(t, "org/custom-GGUF", catalog[0].Repo)

	builtin, err := loadCatalog(config.Models{})
	require.NoError(t, err)
	require.Equal(t, models.DefaultCatalog(), builtin)
}

func TestRenderProgress(t *testing.T) {
	var buf bytes.Buffer
	tm, stop := renderProgress(&buf)

	_, err := tm.AddTask("dl", "org/model-GGUF", 100)
	require.NoError(t, err)
	_, err = tm.UpdateProgress("dl", 100, 50)
	require.NoError(t, err)
	_, err = tm.CompleteTask("dl")
	require.NoError(t, err)

	stop()

	require.True(t, strings.Contains(buf.String(), "org/model-GGUF"))
}
