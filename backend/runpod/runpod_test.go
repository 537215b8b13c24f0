package runpod

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"llamadeploy/backend/transport"
)

func newTestServer(t *testing.T, pods map[string]Pod) (*httptest.Server, *Client) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		switch {
		case r.URL.Path == "/gputypes":
			_ = json.NewEncoder(w).Encode([]GPUType{
				{ID: "NVIDIA H200", DisplayName: "H200", MemoryInGB: 141, SecurePrice: 3.99},
				{ID: "NVIDIA A40", DisplayName: "A40", MemoryInGB: 48, CommunityCloud: true, CommunityPrice: 0.39},
			})
		default:
			id := r.URL.Path[len("/pods/"):]
			pod, ok := pods[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(pod)
		}
	}))
	t.Cleanup(srv.Close)

	client := NewClient("test-key", zap.NewNop(), WithBaseURL(srv.URL))
	return srv, client
}

func TestResolvePod(t *testing.T) {
	_, client := newTestServer(t, map[string]Pod{
		"abc123": {
			ID:            "abc123",
			DesiredStatus: "RUNNING",
			PublicIP:      "203.0.113.7",
			PortMappings:  map[string]int{"22": 10341, "8000": 10342},
		},
	})

	target, err := client.ResolvePod(context.Background(), "abc123")
	require.NoError(t, err)

	require.Equal(t, "203.0.113.7", target.Host)
	require.Equal(t, 10341, target.Port)
	require.Equal(t, "root", target.User)
	require.Equal(t, transport.ProviderRunPod, target.Provider)
}

func TestResolvePodDeterministic(t *testing.T) {
	_, client := newTestServer(t, map[string]Pod{
		"abc123": {
			ID:            "abc123",
			DesiredStatus: "RUNNING",
			PublicIP:      "203.0.113.7",
			PortMappings:  map[string]int{"22": 10341},
		},
	})

	first, err := client.ResolvePod(context.Background(), "abc123")
	require.NoError(t, err)
	second, err := client.ResolvePod(context.Background(), "abc123")
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestResolvePodNotRunning(t *testing.T) {
	_, client := newTestServer(t, map[string]Pod{
		"stopped": {
			ID:            "stopped",
			DesiredStatus: "EXITED",
			PublicIP:      "203.0.113.7",
			PortMappings:  map[string]int{"22": 10341},
		},
	})

	_, err := client.ResolvePod(context.Background(), "stopped")

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestResolvePodNoSSHEndpoint(t *testing.T) {
	_, client := newTestServer(t, map[string]Pod{
		"nossh": {
			ID:            "nossh",
			DesiredStatus: "RUNNING",
			PublicIP:      "203.0.113.7",
			PortMappings:  map[string]int{"8000": 10342},
		},
	})

	_, err := client.ResolvePod(context.Background(), "nossh")

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	require.ErrorIs(t, err, ErrNoSSHEndpoint)
	require.Equal(t, "nossh", resErr.PodID)
}

func TestResolvePodNotFound(t *testing.T) {
	_, client := newTestServer(t, nil)

	_, err := client.ResolvePod(context.Background(), "missing")

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
}

func TestResolvePodAuthFailure(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	client := NewClient("wrong-key", zap.NewNop(), WithBaseURL(srv.URL))
	_, err := client.ResolvePod(context.Background(), "abc123")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNoSSHEndpoint))
}

func TestListGPUTypes(t *testing.T) {
	_, client := newTestServer(t, nil)

	gpus, err := client.ListGPUTypes(context.Background())
	require.NoError(t, err)
	require.Len(t, gpus, 2)
	require.Equal(t, "H200", gpus[0].DisplayName)
	require.Equal(t, 141, gpus[0].MemoryInGB)
}
