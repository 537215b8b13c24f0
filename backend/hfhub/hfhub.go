// Package hfhub downloads model snapshots from the Hugging Face Hub.
//
// Downloads are idempotent: files already present with the expected size are
// skipped, and partial downloads are resumed with HTTP range requests. This
// is the guarantee the provisioning pipeline's model step relies on when it
// re-runs against an already-deployed target.
package hfhub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"llamadeploy/backend/util/taskmanager"
)

// DefaultBaseURL is the Hugging Face Hub endpoint.
const DefaultBaseURL = "https://huggingface.co"

// DownloadError reports a failed weight fetch.
type DownloadError struct {
	Repo string
	Path string
	Err  error
}

func (e *DownloadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("downloading %s: %v", e.Repo, e.Err)
	}
	return fmt.Sprintf("downloading %s/%s: %v", e.Repo, e.Path, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// FileInfo describes one file in a model repository.
type FileInfo struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Client downloads from the Hugging Face Hub.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger
}

// Option configures the Client.
type Option func(*Client)

// WithBaseURL overrides the hub endpoint. Used in tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithToken sets an access token for gated repositories.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates a hub client.
func NewClient(log *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		// No overall timeout: weight files are tens of gigabytes.
		http: &http.Client{},
		log:  log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// fetch issues a GET, with a Range header when resuming from an offset.
func (c *Client) fetch(ctx context.Context, url string, offset int64) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}
	return c.http.Do(req)
}

// ListFiles lists all files in the repository's main revision, following
// pagination links.
func (c *Client) ListFiles(ctx context.Context, repo string) ([]FileInfo, error) {
	next := fmt.Sprintf("%s/api/models/%s/tree/main?recursive=true", c.baseURL, repo)

	var files []FileInfo
	for next != "" {
		req, err := c.newRequest(ctx, http.MethodGet, next)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", repo, err)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", repo, err)
		}

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("listing %s: status %d: %s", repo, resp.StatusCode, string(body))
		}

		var page []FileInfo
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("listing %s: decoding response: %w", repo, err)
		}

		for _, f := range page {
			if f.Type == "file" {
				files = append(files, f)
			}
		}

		next = nextPageLink(resp.Header.Get("Link"))
	}

	return files, nil
}

// nextPageLink extracts the rel="next" URL from a Link header.
func nextPageLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		if !strings.Contains(part, `rel="next"`) {
			continue
		}
		start := strings.Index(part, "<")
		end := strings.Index(part, ">")
		if start >= 0 && end > start {
			return part[start+1 : end]
		}
	}
	return ""
}

// SnapshotOptions configure a snapshot download.
type SnapshotOptions struct {
	// Include restricts the download to files matching any of the patterns.
	// A pattern matches against the full repo-relative path or its base name.
	// An empty list downloads everything.
	Include []string

	// Dir is the local cache directory. The snapshot lands in Dir/<repo>.
	Dir string

	// Tasks, when set, receives per-file download progress.
	Tasks *taskmanager.TaskManager
}

// Snapshot downloads all matching files of the repository and returns the
// local snapshot directory.
func (c *Client) Snapshot(ctx context.Context, repo string, opts SnapshotOptions) (string, error) {
	files, err := c.ListFiles(ctx, repo)
	if err != nil {
		return "", &DownloadError{Repo: repo, Err: err}
	}

	matched := files[:0:0]
	for _, f := range files {
		if matchAny(opts.Include, f.Path) {
			matched = append(matched, f)
		}
	}

	if len(matched) == 0 {
		return "", &DownloadError{Repo: repo, Err: fmt.Errorf("no files matching %v", opts.Include)}
	}

	snapshotDir := filepath.Join(opts.Dir, filepath.FromSlash(repo))

	for _, f := range matched {
		if err := c.downloadFile(ctx, repo, f, snapshotDir, opts.Tasks); err != nil {
			return "", &DownloadError{Repo: repo, Path: f.Path, Err: err}
		}
	}

	return snapshotDir, nil
}

// matchAny reports whether path matches any of the glob patterns,
// checking both the full path and the base name. Wildcards in patterns do
// not cross path separators, same as fnmatch.
func matchAny(patterns []string, path string) bool {
	if len(patterns) == 0 {
		return true
	}
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

func (c *Client) downloadFile(ctx context.Context, repo string, f FileInfo, snapshotDir string, tasks *taskmanager.TaskManager) error {
	dest := filepath.Join(snapshotDir, filepath.FromSlash(f.Path))

	if info, err := os.Stat(dest); err == nil && info.Size() == f.Size {
		c.log.Debug("FileAlreadyPresent", zap.String("repo", repo), zap.String("path", f.Path))
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	var taskID string
	if tasks != nil {
		taskID = repo + "/" + f.Path
		if _, err := tasks.AddTask(taskID, fmt.Sprintf("downloading %s", f.Path), f.Size); err != nil {
			return err
		}
	}

	part := dest + ".part"
	var offset int64
	if info, err := os.Stat(part); err == nil {
		offset = info.Size()
	}
	// A partial at or past the target size cannot be resumed: the previous
	// run died before the rename, or the remote file changed. Start over.
	if offset >= f.Size {
		offset = 0
	}

	srcURL := fmt.Sprintf("%s/%s/resolve/main/%s", c.baseURL, repo, (&url.URL{Path: f.Path}).EscapedPath())

	start := time.Now()
	resp, err := c.fetch(ctx, srcURL, offset)
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// Server ignored the range request, start over.
		offset = 0
	case http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		// The partial no longer lines up with the remote file.
		resp.Body.Close()
		offset = 0
		if resp, err = c.fetch(ctx, srcURL, 0); err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("status %d", resp.StatusCode)
		}
	default:
		resp.Body.Close()
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	out, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return err
	}

	written, err := io.Copy(out, &progressReader{
		r:      resp.Body,
		tasks:  tasks,
		taskID: taskID,
		total:  f.Size,
		done:   offset,
	})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if offset+written != f.Size {
		return fmt.Errorf("size mismatch: got %d bytes, want %d", offset+written, f.Size)
	}

	if err := os.Rename(part, dest); err != nil {
		return err
	}

	if tasks != nil {
		_, _ = tasks.CompleteTask(taskID)
	}

	c.log.Info("FileDownloaded",
		zap.String("repo", repo),
		zap.String("path", f.Path),
		zap.Int64("bytes", written),
		zap.Duration("elapsed", time.Since(start)))

	return nil
}

// progressReader reports read progress to the task manager.
type progressReader struct {
	r      io.Reader
	tasks  *taskmanager.TaskManager
	taskID string
	total  int64
	done   int64
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	pr.done += int64(n)
	if pr.tasks != nil && n > 0 {
		_, _ = pr.tasks.UpdateProgress(pr.taskID, pr.total, pr.done)
	}
	return n, err
}
