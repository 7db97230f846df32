package scanapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reconx/resilientd/internal/domain"
)

func TestClientPauseSendsReason(t *testing.T) {
	var gotPath, gotReason, gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Reason string `json:"reason"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		gotReason = req.Reason
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, zap.NewNop())
	require.NoError(t, client.Pause(context.Background(), "low_battery"))

	assert.Equal(t, "/system/pause", gotPath)
	assert.Equal(t, "low_battery", gotReason)
	assert.Equal(t, "application/json", gotContentType)
}

func TestClientResumeHitsResumeEndpoint(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, zap.NewNop())
	require.NoError(t, client.Resume(context.Background(), "network_outage"))
	assert.Equal(t, "/system/resume", gotPath)
}

func TestClientNon2xxIsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, zap.NewNop())
	err := client.Pause(context.Background(), "overheat")
	assert.ErrorIs(t, err, domain.ErrAPIUnreachable)
}

func TestClientConnectionRefusedIsUnreachable(t *testing.T) {
	// Port reserved then closed so nothing is listening.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(url, zap.NewNop())
	assert.ErrorIs(t, client.Pause(context.Background(), "overheat"), domain.ErrAPIUnreachable)

	_, err := client.Status(context.Background())
	assert.ErrorIs(t, err, domain.ErrAPIUnreachable)
}

func TestClientStatusParsesRunning(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/system/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"running": true, "targets": 14}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, zap.NewNop())
	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Running)
}

func TestClientStatusNotRunning(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"running": false}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, zap.NewNop())
	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Running)
}

func TestClientStatusGarbageBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>nope</html>"))
	}))
	defer server.Close()

	client := NewClient(server.URL, zap.NewNop())
	_, err := client.Status(context.Background())
	assert.Error(t, err)
}
