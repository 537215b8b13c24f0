// Package runpod is a minimal client for the RunPod REST API, covering pod
// resolution and GPU type listing.
package runpod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"llamadeploy/backend/transport"
)

// DefaultBaseURL is the RunPod REST API endpoint.
const DefaultBaseURL = "https://rest.runpod.io/v1"

// Resolution failure causes.
var (
	ErrNotRunning    = errors.New("pod is not running")
	ErrNoSSHEndpoint = errors.New("pod has no public SSH endpoint")
)

// ResolutionError reports that a pod could not be resolved into a
// connectable target.
type ResolutionError struct {
	PodID string
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving pod %s: %v", e.PodID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Pod is the subset of the RunPod pod object this tool cares about.
type Pod struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	DesiredStatus string         `json:"desiredStatus"`
	PublicIP      string         `json:"publicIp"`
	PortMappings  map[string]int `json:"portMappings"`
	CostPerHr     float64        `json:"costPerHr"`
}

// GPUType describes an available GPU offering.
type GPUType struct {
	ID             string  `json:"id"`
	DisplayName    string  `json:"displayName"`
	MemoryInGB     int     `json:"memoryInGb"`
	SecureCloud    bool    `json:"secureCloud"`
	CommunityCloud bool    `json:"communityCloud"`
	SecurePrice    float64 `json:"securePrice"`
	CommunityPrice float64 `json:"communityPrice"`
}

// Client calls the RunPod REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
}

// Option configures the Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint. Used in tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates a RunPod API client.
func NewClient(apiKey string, log *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("runpod API request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("runpod API response %s: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runpod API %s: status %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("runpod API %s: decoding response: %w", path, err)
	}

	return nil
}

// GetPod fetches a single pod by ID.
func (c *Client) GetPod(ctx context.Context, id string) (*Pod, error) {
	var pod Pod
	if err := c.get(ctx, "/pods/"+id, &pod); err != nil {
		return nil, err
	}
	return &pod, nil
}

// ListGPUTypes lists the GPU offerings available in the RunPod ecosystem.
func (c *Client) ListGPUTypes(ctx context.Context) ([]GPUType, error) {
	var gpus []GPUType
	if err := c.get(ctx, "/gputypes", &gpus); err != nil {
		return nil, err
	}
	return gpus, nil
}

// ResolvePod translates a pod ID into a connectable SSH target.
// Resolution is deterministic: the same pod state yields the same target.
func (c *Client) ResolvePod(ctx context.Context, id string) (transport.Target, error) {
	pod, err := c.GetPod(ctx, id)
	if err != nil {
		return transport.Target{}, &ResolutionError{PodID: id, Err: err}
	}

	if pod.DesiredStatus != "RUNNING" {
		return transport.Target{}, &ResolutionError{
			PodID: id,
			Err:   fmt.Errorf("%w: status %s", ErrNotRunning, pod.DesiredStatus),
		}
	}

	sshPort := pod.PortMappings[strconv.Itoa(sshPrivatePort)]
	if pod.PublicIP == "" || sshPort == 0 {
		return transport.Target{}, &ResolutionError{PodID: id, Err: ErrNoSSHEndpoint}
	}

	target, err := transport.NewTarget(pod.PublicIP, "root", sshPort, transport.ProviderRunPod)
	if err != nil {
		return transport.Target{}, &ResolutionError{PodID: id, Err: err}
	}

	c.log.Debug("PodResolved",
		zap.String("pod", id),
		zap.String("target", target.String()))

	return target, nil
}

// RunPod exposes SSH on the pod's private port 22, mapped to a public port.
const sshPrivatePort = 22
