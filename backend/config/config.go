// Package config provides global configuration.
package config

import (
	"flag"
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"
)

// Base configuration.
type Base struct {
	LogLevel string
}

func (c Base) Default() Base {
	return Base{
		LogLevel: "info",
	}
}

// BindFlags binds the flags to the given FlagSet.
func (c *Base) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log verbosity debug | info | warning | error")
}

// Config for the llamadeploy program. When adding or removing fields,
// adjust the Default() and BindFlags() accordingly.
type Config struct {
	Base

	Deploy Deploy
	Serve  Serve
	Models Models
	RunPod RunPod
}

// BindFlags configures the given FlagSet with the existing values from the given Config
// and prepares the FlagSet to parse the flags into the Config.
//
// This function is assumed to be called after some default values were set on the given config.
// These values will be used as default values in flags.
// See Default() for the default config values.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	c.Base.BindFlags(fs)
	c.Deploy.BindFlags(fs)
	c.Serve.BindFlags(fs)
	c.Models.BindFlags(fs)
	c.RunPod.BindFlags(fs)
}

// Default creates a new default config.
func Default() Config {
	return Config{
		Base:   Base{}.Default(),
		Deploy: Deploy{}.Default(),
		Serve:  Serve{}.Default(),
		Models: Models{}.Default(),
		RunPod: RunPod{}.Default(),
	}
}

// ExpandDirs expands the home directory in all configured paths.
func (c *Config) ExpandDirs() error {
	for _, p := range []*string{&c.Models.Dir, &c.Deploy.SSHKeyPath, &c.Deploy.KnownHostsPath} {
		expanded, err := expandHome(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to detect home directory: %w", err)
	}
	return strings.Replace(path, "~", homedir, 1), nil
}

// Deploy configuration for provisioning remote targets.
type Deploy struct {
	User            string
	Port            int
	RemoteDir       string
	ProjectDir      string
	SSHKeyPath      string
	KnownHostsPath  string
	InsecureHostKey bool
	ConnectTimeout  time.Duration
}

func (c Deploy) Default() Deploy {
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}

	return Deploy{
		User:           username,
		Port:           22,
		RemoteDir:      "/tmp/llamadeploy",
		ProjectDir:     ".",
		KnownHostsPath: "~/.ssh/known_hosts",
		ConnectTimeout: time.Second * 30,
	}
}

// BindFlags binds the flags to the given FlagSet.
func (c *Deploy) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.User, "user", c.User, "SSH username (defaults to the current user)")
	fs.IntVar(&c.Port, "port", c.Port, "SSH port on the target")
	fs.StringVar(&c.RemoteDir, "remote-dir", c.RemoteDir, "Directory on the target to deploy the project to")
	fs.StringVar(&c.ProjectDir, "project-dir", c.ProjectDir, "Local project directory to sync to the target")
	fs.StringVar(&c.SSHKeyPath, "ssh-key", c.SSHKeyPath, "Path to an SSH private key (agent is used when empty)")
	fs.StringVar(&c.KnownHostsPath, "known-hosts", c.KnownHostsPath, "Path to the known_hosts file for host key verification")
	fs.BoolVar(&c.InsecureHostKey, "insecure-host-key", c.InsecureHostKey, "Skip host key verification (useful for freshly provisioned pods)")
	fs.DurationVar(&c.ConnectTimeout, "connect-timeout", c.ConnectTimeout, "Timeout for establishing the SSH connection")
}

// Serve configuration for the inference-serving side.
type Serve struct {
	LlamaSwapPort      int
	NginxPort          int
	LlamaCppBin        string
	IkLlamaCppBin      string
	LlamaSwapBinDir    string
	HealthCheckTimeout time.Duration
	Detach             bool
}

func (c Serve) Default() Serve {
	return Serve{
		LlamaSwapPort:      8080,
		NginxPort:          8000,
		LlamaCppBin:        "ext/llama-cpp/build/bin/llama-server",
		IkLlamaCppBin:      "ext/ik-llama-cpp/build/bin/llama-server",
		LlamaSwapBinDir:    "ext/llama-swap/build",
		HealthCheckTimeout: time.Minute * 5,
	}
}

// BindFlags binds the flags to the given FlagSet.
func (c *Serve) BindFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.LlamaSwapPort, "llama-swap-port", c.LlamaSwapPort, "Port for the llama-swap server")
	fs.IntVar(&c.NginxPort, "nginx-port", c.NginxPort, "Port for the nginx reverse proxy (must be open in the firewall for external access)")
	fs.StringVar(&c.LlamaCppBin, "llama-cpp-bin", c.LlamaCppBin, "Path to the llama.cpp server binary")
	fs.StringVar(&c.IkLlamaCppBin, "ik-llama-cpp-bin", c.IkLlamaCppBin, "Path to the ik_llama.cpp server binary")
	fs.StringVar(&c.LlamaSwapBinDir, "llama-swap-bin-dir", c.LlamaSwapBinDir, "Directory containing the llama-swap binary")
	fs.DurationVar(&c.HealthCheckTimeout, "health-check-timeout", c.HealthCheckTimeout, "How long to wait for llama-swap to become healthy")
	fs.BoolVar(&c.Detach, "detach", c.Detach, "Return immediately after the servers start (needed for serverless deployments)")
}

// Models configuration for weight downloads.
type Models struct {
	Dir         string
	CatalogPath string
	HFToken     string
}

func (c Models) Default() Models {
	return Models{
		Dir: "/models",
	}
}

// BindFlags binds the flags to the given FlagSet.
func (c *Models) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Dir, "models-dir", c.Dir, "Directory where model weights are stored")
	fs.StringVar(&c.CatalogPath, "catalog", c.CatalogPath, "Path to a YAML model catalog (built-in catalog is used when empty)")
	fs.StringVar(&c.HFToken, "hf-token", c.HFToken, "Hugging Face access token for gated repositories")
}

// RunPod provider configuration.
type RunPod struct {
	APIKey  string
	BaseURL string
}

func (c RunPod) Default() RunPod {
	return RunPod{
		BaseURL: "https://rest.runpod.io/v1",
	}
}

// BindFlags binds the flags to the given FlagSet.
func (c *RunPod) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.APIKey, "runpod-api-key", c.APIKey, "RunPod API key")
	fs.StringVar(&c.BaseURL, "runpod-base-url", c.BaseURL, "RunPod REST API base URL")
}
