package hfhub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"llamadeploy/backend/util/taskmanager"
)

type fakeHub struct {
	files map[string][]byte // repo-relative path -> content

	// rejectRanges makes every Range request fail with 416, as the hub does
	// when the file changed since the partial was written.
	rejectRanges bool

	downloads     atomic.Int64
	rangeRequests atomic.Int64
}

func (h *fakeHub) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/models/"):
			var listing []FileInfo
			for path, content := range h.files {
				listing = append(listing, FileInfo{Type: "file", Path: path, Size: int64(len(content))})
			}
			listing = append(listing, FileInfo{Type: "directory", Path: "subdir"})
			_ = json.NewEncoder(w).Encode(listing)

		case strings.Contains(r.URL.Path, "/resolve/main/"):
			path := r.URL.Path[strings.Index(r.URL.Path, "/resolve/main/")+len("/resolve/main/"):]
			content, ok := h.files[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}

			if rng := r.Header.Get("Range"); rng != "" {
				h.rangeRequests.Add(1)

				offset, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"), 10, 64)
				if h.rejectRanges || err != nil || offset >= int64(len(content)) {
					w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
					return
				}

				h.downloads.Add(1)
				w.WriteHeader(http.StatusPartialContent)
				_, _ = w.Write(content[offset:])
				return
			}

			h.downloads.Add(1)
			_, _ = w.Write(content)

		default:
			t.Errorf("unexpected request: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestClient(t *testing.T, hub *fakeHub) *Client {
	t.Helper()
	srv := httptest.NewServer(hub.handler(t))
	t.Cleanup(srv.Close)
	return NewClient(zap.NewNop(), WithBaseURL(srv.URL))
}

func TestSnapshotDownloadsMatchingFiles(t *testing.T) {
	hub := &fakeHub{files: map[string][]byte{
		"model-Q4_K_M.gguf": []byte("gguf-data-q4"),
		"model-Q8_0.gguf":   []byte("gguf-data-q8"),
		"README.md":         []byte("readme"),
	}}
	client := newTestClient(t, hub)

	dir := t.TempDir()
	snapshotDir, err := client.Snapshot(context.Background(), "org/model", SnapshotOptions{
		Include: []string{"*Q4_K_M*"},
		Dir:     dir,
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "org", "model"), snapshotDir)

	data, err := os.ReadFile(filepath.Join(snapshotDir, "model-Q4_K_M.gguf"))
	require.NoError(t, err)
	require.Equal(t, "gguf-data-q4", string(data))

	_, err = os.Stat(filepath.Join(snapshotDir, "README.md"))
	require.True(t, os.IsNotExist(err), "non-matching files must not be downloaded")
}

func TestSnapshotSkipsPresentFiles(t *testing.T) {
	hub := &fakeHub{files: map[string][]byte{
		"model.gguf": []byte("gguf-data"),
	}}
	client := newTestClient(t, hub)

	dir := t.TempDir()
	_, err := client.Snapshot(context.Background(), "org/model", SnapshotOptions{Dir: dir})
	require.NoError(t, err)
	require.Equal(t, int64(1), hub.downloads.Load())

	// Re-running must not transfer the unchanged file again.
	_, err = client.Snapshot(context.Background(), "org/model", SnapshotOptions{Dir: dir})
	require.NoError(t, err)
	require.Equal(t, int64(1), hub.downloads.Load())
}

func TestSnapshotRedownloadsOnSizeMismatch(t *testing.T) {
	hub := &fakeHub{files: map[string][]byte{
		"model.gguf": []byte("gguf-data"),
	}}
	client := newTestClient(t, hub)

	dir := t.TempDir()
	dest := filepath.Join(dir, "org", "model", "model.gguf")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, []byte("truncated"), 0o644))

	_, err := client.Snapshot(context.Background(), "org/model", SnapshotOptions{Dir: dir})
	require.NoError(t, err)
	require.Equal(t, int64(1), hub.downloads.Load())

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "gguf-data", string(data))
}

func TestSnapshotResumesPartialDownload(t *testing.T) {
	hub := &fakeHub{files: map[string][]byte{
		"model.gguf": []byte("gguf-data"),
	}}
	client := newTestClient(t, hub)

	dir := t.TempDir()
	dest := filepath.Join(dir, "org", "model", "model.gguf")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest+".part", []byte("gguf"), 0o644))

	_, err := client.Snapshot(context.Background(), "org/model", SnapshotOptions{Dir: dir})
	require.NoError(t, err)
	require.Equal(t, int64(1), hub.rangeRequests.Load(), "an incomplete partial must be resumed with a range request")

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "gguf-data", string(data))
}

func TestSnapshotRestartsStalePartial(t *testing.T) {
	hub := &fakeHub{files: map[string][]byte{
		"model.gguf": []byte("gguf-data"),
	}}
	client := newTestClient(t, hub)

	dir := t.TempDir()
	dest := filepath.Join(dir, "org", "model", "model.gguf")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))

	// A leftover from a run that died between the copy and the rename.
	require.NoError(t, os.WriteFile(dest+".part", []byte("gguf-data-and-then-some"), 0o644))

	_, err := client.Snapshot(context.Background(), "org/model", SnapshotOptions{Dir: dir})
	require.NoError(t, err)
	require.Zero(t, hub.rangeRequests.Load(), "a full-size partial must restart from zero, not resume past EOF")

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "gguf-data", string(data))

	// The snapshot must also stay re-runnable.
	_, err = client.Snapshot(context.Background(), "org/model", SnapshotOptions{Dir: dir})
	require.NoError(t, err)
}

func TestSnapshotRestartsOnRangeNotSatisfiable(t *testing.T) {
	hub := &fakeHub{
		files:        map[string][]byte{"model.gguf": []byte("gguf-data")},
		rejectRanges: true,
	}
	client := newTestClient(t, hub)

	dir := t.TempDir()
	dest := filepath.Join(dir, "org", "model", "model.gguf")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest+".part", []byte("gguf"), 0o644))

	_, err := client.Snapshot(context.Background(), "org/model", SnapshotOptions{Dir: dir})
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "gguf-data", string(data))
}

func TestSnapshotNoMatches(t *testing.T) {
	hub := &fakeHub{files: map[string][]byte{
		"model.gguf": []byte("gguf-data"),
	}}
	client := newTestClient(t, hub)

	_, err := client.Snapshot(context.Background(), "org/model", SnapshotOptions{
		Include: []string{"*.safetensors"},
		Dir:     t.TempDir(),
	})

	var dlErr *DownloadError
	require.ErrorAs(t, err, &dlErr)
	require.Equal(t, "org/model", dlErr.Repo)
}

func TestSnapshotReportsProgress(t *testing.T) {
	hub := &fakeHub{files: map[string][]byte{
		"model.gguf": []byte("gguf-data"),
	}}
	client := newTestClient(t, hub)

	tm := taskmanager.New()
	var final taskmanager.Task
	tm.SetNotify(func(task taskmanager.Task) { final = task })

	_, err := client.Snapshot(context.Background(), "org/model", SnapshotOptions{
		Dir:   t.TempDir(),
		Tasks: tm,
	})
	require.NoError(t, err)

	require.True(t, final.Done)
	require.Equal(t, int64(len("gguf-data")), final.Total)
	require.Equal(t, final.Total, final.Completed)
}

func TestMatchAny(t *testing.T) {
	cases := []struct {
		patterns []string
		path     string
		want     bool
	}{
		{nil, "anything.gguf", true},
		{[]string{"*.gguf"}, "model.gguf", true},
		{[]string{"*.gguf"}, "sub/model.gguf", true}, // matches the base name
		{[]string{"UD-Q6_K_XL/*.gguf"}, "UD-Q6_K_XL/model.gguf", true},
		{[]string{"UD-Q6_K_XL/*.gguf"}, "other/model.gguf", false},
		{[]string{"*Q4_K_M*"}, "model-Q4_K_M-00001-of-00002.gguf", true},
		{[]string{"*Q4_K_M*"}, "model-Q8_0.gguf", false},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, matchAny(tc.patterns, tc.path), "patterns %v path %s", tc.patterns, tc.path)
	}
}

func TestNextPageLink(t *testing.T) {
	require.Equal(t,
		"https://huggingface.co/api/models/x/tree/main?cursor=abc",
		nextPageLink(`<https://huggingface.co/api/models/x/tree/main?cursor=abc>; rel="next"`))

	require.Empty(t, nextPageLink(`<https://example.com>; rel="prev"`))
	require.Empty(t, nextPageLink(""))
}
