package llamaswap

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigYAML(t *testing.T) {
	cfg := NewConfig(8080)
	cfg.AddModel(Model{
		Name: "qwen3-8b-q4-k-m",
		Cmd:  "/opt/bin/llama-server -m /models/qwen.gguf --port ${PORT}",
	})
	cfg.AddModel(Model{
		Name:          "kimi-dev-72b",
		Cmd:           "/opt/bin/llama-server -m /models/kimi.gguf --port ${PORT}",
		Aliases:       []string{"kimi"},
		TTL:           90 * time.Second,
		CheckEndpoint: "/health",
		Env:           map[string]string{"CUDA_VISIBLE_DEVICES": "0", "B": "1"},
		Unlisted:      true,
	})

	data, err := cfg.YAML()
	require.NoError(t, err)

	var parsed struct {
		HealthCheckTimeout int    `yaml:"healthCheckTimeout"`
		LogLevel           string `yaml:"logLevel"`
		Models             map[string]struct {
			Cmd           string   `yaml:"cmd"`
			Aliases       []string `yaml:"aliases"`
			TTL           int      `yaml:"ttl"`
			CheckEndpoint string   `yaml:"checkEndpoint"`
			Env           []string `yaml:"env"`
			Unlisted      bool     `yaml:"unlisted"`
		} `yaml:"models"`
	}
	require.NoError(t, yaml.Unmarshal(data, &parsed))

	require.Equal(t, 300, parsed.HealthCheckTimeout)
	require.Equal(t, "debug", parsed.LogLevel)
	require.Len(t, parsed.Models, 2)

	plain := parsed.Models["qwen3-8b-q4-k-m"]
	require.Contains(t, plain.Cmd, "--port ${PORT}")
	require.Zero(t, plain.TTL, "ttl must be omitted when unset")
	require.Empty(t, plain.Env)
	require.False(t, plain.Unlisted)

	full := parsed.Models["kimi-dev-72b"]
	require.Equal(t, []string{"kimi"}, full.Aliases)
	require.Equal(t, 90, full.TTL)
	require.Equal(t, "/health", full.CheckEndpoint)
	require.Equal(t, []string{"B=1", "CUDA_VISIBLE_DEVICES=0"}, full.Env, "env must be rendered as sorted k=v pairs")
	require.True(t, full.Unlisted)
}

func TestConfigAddModelReplaces(t *testing.T) {
	cfg := NewConfig(8080)
	cfg.AddModel(Model{Name: "m", Cmd: "old"})
	cfg.AddModel(Model{Name: "m", Cmd: "new"})

	models := cfg.Models()
	require.Len(t, models, 1)
	require.Equal(t, "new", models[0].Cmd)
}

func TestConfigModelOrder(t *testing.T) {
	cfg := NewConfig(8080)

	want := []Model{
		{Name: "c", Cmd: "c"},
		{Name: "a", Cmd: "a"},
		{Name: "b", Cmd: "b"},
	}
	for _, m := range want {
		cfg.AddModel(m)
	}

	// Insertion order must survive the internal map.
	diff := cmp.Diff(want, cfg.Models(), cmpopts.EquateEmpty())
	require.Empty(t, diff)
}
