// Package llamacpp builds llama-server command lines for llama.cpp and
// ik_llama.cpp backends.
package llamacpp

import (
	"fmt"
	"os"
	"strings"

	"github.com/alessio/shellescape"

	"llamadeploy/backend/llamaswap"
)

// PortPlaceholder is substituted by llama-swap with the per-model port.
const PortPlaceholder = "${PORT}"

// Param is a single llama-server command-line parameter.
// A nil Value renders as a bare flag. A bool Value renders as a bare flag
// when true and is dropped when false.
type Param struct {
	Key   string
	Value any
}

// ServerConfig describes one llama-server invocation. The zero value is not
// usable; construct with NewServerConfig. Values are immutable: With/Without
// return copies.
type ServerConfig struct {
	Name   string
	Binary string
	Model  string

	params []Param
}

// NewServerConfig creates a server config for the given backend binary and
// model file.
func NewServerConfig(name, binary, model string) ServerConfig {
	return ServerConfig{
		Name:   name,
		Binary: binary,
		Model:  model,
	}
}

// WithParams returns a copy with the given parameters appended.
// A parameter with a key that was set before overrides the earlier value.
func (c ServerConfig) WithParams(params ...Param) ServerConfig {
	out := c
	out.params = make([]Param, 0, len(c.params)+len(params))

	for _, p := range c.params {
		if !containsKey(params, p.Key) {
			out.params = append(out.params, p)
		}
	}
	out.params = append(out.params, params...)

	return out
}

// WithoutParams returns a copy with the given parameters removed.
func (c ServerConfig) WithoutParams(names ...string) ServerConfig {
	out := c
	out.params = make([]Param, 0, len(c.params))

	for _, p := range c.params {
		if !containsName(names, p.Key) {
			out.params = append(out.params, p)
		}
	}

	return out
}

func containsKey(params []Param, key string) bool {
	for _, p := range params {
		if p.Key == key {
			return true
		}
	}
	return false
}

func containsName(names []string, key string) bool {
	for _, n := range names {
		if n == key {
			return true
		}
	}
	return false
}

// Command renders the full quoted llama-server command line.
func (c ServerConfig) Command() string {
	var sb strings.Builder
	sb.WriteString(shellescape.Quote(c.Binary))
	sb.WriteString(" -m ")
	sb.WriteString(shellescape.Quote(c.Model))

	for _, p := range c.params {
		// Underscores become hyphens in command-line flags.
		flag := "--" + strings.ReplaceAll(p.Key, "_", "-")

		switch v := p.Value.(type) {
		case nil:
			sb.WriteString(" " + flag)
		case bool:
			if v {
				sb.WriteString(" " + flag)
			}
		case string:
			sb.WriteString(" " + flag + " " + quoteValue(v))
		default:
			sb.WriteString(" " + flag + " " + fmt.Sprint(v))
		}
	}

	return sb.String()
}

func quoteValue(v string) string {
	// The ${PORT} placeholder must survive unquoted for llama-swap to expand it.
	if strings.Contains(v, "${") {
		return v
	}
	return shellescape.Quote(v)
}

// Build validates the config and turns it into a llama-swap model entry.
func (c ServerConfig) Build() (llamaswap.Model, error) {
	if _, err := os.Stat(c.Binary); err != nil {
		return llamaswap.Model{}, fmt.Errorf("backend binary %s: %w", c.Binary, err)
	}
	if _, err := os.Stat(c.Model); err != nil {
		return llamaswap.Model{}, fmt.Errorf("model %s: %w", c.Model, err)
	}

	return llamaswap.Model{
		Name: c.Name,
		Cmd:  c.Command(),
	}, nil
}
