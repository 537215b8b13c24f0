package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("GGUF"), 0o644))
	}
}

func TestFindGGUFEntrypointSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "qwen2.5-coder-32b-instruct-q6_k.gguf", "README.md")

	got, err := FindGGUFEntrypoint(dir, nil)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "qwen2.5-coder-32b-instruct-q6_k.gguf"), got)
}

func TestFindGGUFEntrypointMultiPart(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir,
		"model-q8_0-00003-of-00005.gguf",
		"model-q8_0-00001-of-00005.gguf",
		"model-q8_0-00002-of-00005.gguf",
	)

	got, err := FindGGUFEntrypoint(dir, nil)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "model-q8_0-00001-of-00005.gguf"), got, "must pick the lowest-numbered part")
}

func TestFindGGUFEntrypointSubdirInclude(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir,
		"UD-Q6_K_XL/model.gguf",
		"Q4_K_M/model.gguf",
	)

	got, err := FindGGUFEntrypoint(dir, []string{"UD-Q6_K_XL/*.gguf"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "UD-Q6_K_XL", "model.gguf"), got)
}

func TestFindGGUFEntrypointNoMatch(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "README.md")

	_, err := FindGGUFEntrypoint(dir, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no entrypoint found")
}

func TestFindGGUFEntrypointAmbiguous(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.gguf", "b.gguf")

	_, err := FindGGUFEntrypoint(dir, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ambiguous")
}

func TestEntrypointName(t *testing.T) {
	require.Equal(t,
		"qwen2.5-coder-32b-instruct-q6-k",
		EntrypointName("/models/org/repo/qwen2.5-coder-32b-instruct-q6_k.gguf"))
}

func TestDefaultCatalog(t *testing.T) {
	catalog := DefaultCatalog()
	require.NotEmpty(t, catalog)

	for _, spec := range catalog {
		require.NotEmpty(t, spec.Repo)
		require.NotEmpty(t, spec.Include)
	}
}

func TestSortedParams(t *testing.T) {
	spec := Spec{Params: map[string]any{"z": 1, "a": 2, "m": 3}}

	params := spec.SortedParams()
	require.Len(t, params, 3)
	require.Equal(t, "a", params[0].Key)
	require.Equal(t, "m", params[1].Key)
	require.Equal(t, "z", params[2].Key)
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
models:
  - repo: org/model-GGUF
    include: ["*Q4_K_M*"]
    params:
      ctx_size: 32768
      jinja: true
  - repo: org/other-GGUF
    backend: ik-llama-cpp
`), 0o644))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, catalog, 2)

	require.Equal(t, "org/model-GGUF", catalog[0].Repo)
	require.Equal(t, BackendLlamaCpp, catalog[0].Backend, "backend defaults to llama-cpp")
	require.Equal(t, 32768, catalog[0].Params["ctx_size"])
	require.Equal(t, BackendIkLlamaCpp, catalog[1].Backend)
}

func TestLoadCatalogErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadCatalog(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("models: []"), 0o644))
	_, err = LoadCatalog(empty)
	require.Error(t, err)

	noRepo := filepath.Join(dir, "norepo.yaml")
	require.NoError(t, os.WriteFile(noRepo, []byte("models:\n  - include: ['*.gguf']"), 0o644))
	_, err = LoadCatalog(noRepo)
	require.Error(t, err)
}
