// Package models defines the model catalog: which Hugging Face repositories
// are served, which backend serves them, and how to locate the GGUF
// entrypoint inside a downloaded snapshot.
package models

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Backend selects which server binary runs a model.
type Backend string

// Supported backends.
const (
	BackendLlamaCpp   Backend = "llama-cpp"
	BackendIkLlamaCpp Backend = "ik-llama-cpp"
)

// Spec describes one model to download and serve.
type Spec struct {
	// Repo is the Hugging Face repository, e.g. "unsloth/dots.llm1.inst-GGUF".
	Repo string `yaml:"repo"`

	// Include restricts the snapshot download to matching files.
	Include []string `yaml:"include,omitempty"`

	// Backend selects the serving binary. Defaults to llama-cpp.
	Backend Backend `yaml:"backend,omitempty"`

	// Params are extra llama-server parameters, applied in sorted key order.
	Params map[string]any `yaml:"params,omitempty"`
}

// SortedParams returns the spec's params as a deterministic key-ordered list.
func (s Spec) SortedParams() []ParamKV {
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]ParamKV, 0, len(keys))
	for _, k := range keys {
		out = append(out, ParamKV{Key: k, Value: s.Params[k]})
	}
	return out
}

// ParamKV is one serving parameter.
type ParamKV struct {
	Key   string
	Value any
}

// DefaultCatalog is the built-in model list.
func DefaultCatalog() []Spec {
	return []Spec{
		{
			Repo:    "lmstudio-community/DeepSeek-R1-0528-Qwen3-8B-GGUF",
			Include: []string{"*Q4_K_M*"},
			Params: map[string]any{
				"jinja":        true,
				"n_gpu_layers": 100,
				"ctx_size":     131072,
			},
		},
		{
			Repo:    "unsloth/dots.llm1.inst-GGUF",
			Include: []string{"UD-Q6_K_XL/*.gguf"},
			Params: map[string]any{
				"jinja":        true,
				"n_gpu_layers": 100,
				"ctx_size":     32768,
			},
		},
		{
			Repo:    "bullerwins/Kimi-Dev-72B-GGUF",
			Include: []string{"Kimi-Dev-72B-Q6_K-*.gguf"},
			Params: map[string]any{
				"jinja":        true,
				"n_gpu_layers": 100,
				"ctx_size":     131072,
			},
		},
		{
			Repo:    "unsloth/Mistral-Small-3.2-24B-Instruct-2506-GGUF",
			Include: []string{"*-UD-Q6_K_XL.gguf"},
			Params: map[string]any{
				"jinja":          true,
				"n_gpu_layers":   100,
				"ctx_size":       131072,
				"temp":           0.15,
				"top_p":          1.0,
				"min_p":          0.0,
				"repeat_penalty": 1.0,
			},
		},
	}
}

// LoadCatalog reads a model catalog from a YAML file.
func LoadCatalog(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}

	var doc struct {
		Models []Spec `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}

	if len(doc.Models) == 0 {
		return nil, fmt.Errorf("catalog %s: no models defined", path)
	}

	for i := range doc.Models {
		if doc.Models[i].Repo == "" {
			return nil, fmt.Errorf("catalog %s: model %d has no repo", path, i)
		}
		if doc.Models[i].Backend == "" {
			doc.Models[i].Backend = BackendLlamaCpp
		}
	}

	return doc.Models, nil
}

var multiPartRE = regexp.MustCompile(`(\d+)-of-\d+\.gguf$`)

// FindGGUFEntrypoint locates the GGUF file that llama-server should load
// inside a downloaded snapshot directory.
//
// Single-file models have exactly one candidate. Multi-part models
// ("...-00001-of-00005.gguf") load from the lowest-numbered part.
func FindGGUFEntrypoint(dir string, include []string) (string, error) {
	if len(include) == 0 {
		include = []string{"*.gguf"}
	}

	var candidates []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		if strings.HasSuffix(path, ".gguf") && matchAny(include, filepath.ToSlash(rel)) {
			candidates = append(candidates, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if len(candidates) == 0 {
		return "", fmt.Errorf("no entrypoint found in %s matching %v", dir, include)
	}

	var multiPart []string
	for _, p := range candidates {
		if multiPartRE.MatchString(filepath.Base(p)) {
			multiPart = append(multiPart, p)
		}
	}

	if len(multiPart) > 0 {
		sort.Slice(multiPart, func(i, j int) bool {
			return partNumber(multiPart[i]) < partNumber(multiPart[j])
		})
		return multiPart[0], nil
	}

	if len(candidates) > 1 {
		sort.Strings(candidates)
		return "", fmt.Errorf("ambiguous entrypoint in %s: %v", dir, candidates)
	}

	return candidates[0], nil
}

func partNumber(path string) int {
	m := multiPartRE.FindStringSubmatch(filepath.Base(path))
	if len(m) < 2 {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func matchAny(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, path); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(path)); ok {
			return true
		}
	}
	return false
}

// EntrypointName derives the llama-swap model name from the entrypoint file:
// the file stem with underscores replaced by hyphens.
func EntrypointName(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.ReplaceAll(stem, "_", "-")
}
