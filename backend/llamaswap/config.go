// Package llamaswap renders llama-swap configuration and supervises the
// llama-swap server process.
package llamaswap

import (
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Model is one entry in the llama-swap model table.
type Model struct {
	Name          string
	Cmd           string
	Aliases       []string
	TTL           time.Duration
	CheckEndpoint string
	Env           map[string]string
	Unlisted      bool
}

// asMap renders the model into the shape llama-swap expects:
// camelCase keys, ttl as integer seconds, env as a k=v list.
func (m Model) asMap() map[string]any {
	d := map[string]any{
		"cmd": m.Cmd,
	}
	if len(m.Aliases) > 0 {
		d["aliases"] = m.Aliases
	}
	if m.TTL > 0 {
		d["ttl"] = int(m.TTL.Seconds())
	}
	if m.CheckEndpoint != "" {
		d["checkEndpoint"] = m.CheckEndpoint
	}
	if len(m.Env) > 0 {
		keys := make([]string, 0, len(m.Env))
		for k := range m.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		env := make([]string, 0, len(keys))
		for _, k := range keys {
			env = append(env, fmt.Sprintf("%s=%s", k, m.Env[k]))
		}
		d["env"] = env
	}
	if m.Unlisted {
		d["unlisted"] = true
	}
	return d
}

// Config is the llama-swap server configuration.
type Config struct {
	ListenPort         int
	HealthCheckTimeout time.Duration
	LogLevel           string

	models map[string]Model
	order  []string
}

// NewConfig creates a config with the given listen port and the defaults
// llama-swap itself documents.
func NewConfig(listenPort int) *Config {
	return &Config{
		ListenPort:         listenPort,
		HealthCheckTimeout: 5 * time.Minute,
		LogLevel:           "debug",
		models:             make(map[string]Model),
	}
}

// AddModel registers a model, replacing any previous model with the same name.
func (c *Config) AddModel(m Model) *Config {
	if _, exists := c.models[m.Name]; !exists {
		c.order = append(c.order, m.Name)
	}
	c.models[m.Name] = m
	return c
}

// Models returns registered models in insertion order.
func (c *Config) Models() []Model {
	out := make([]Model, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.models[name])
	}
	return out
}

// YAML renders the configuration file content.
func (c *Config) YAML() ([]byte, error) {
	models := make(map[string]any, len(c.models))
	for name, m := range c.models {
		models[name] = m.asMap()
	}

	payload := map[string]any{
		"healthCheckTimeout": int(c.HealthCheckTimeout.Seconds()),
		"logLevel":           c.LogLevel,
		"models":             models,
	}

	return yaml.Marshal(payload)
}
