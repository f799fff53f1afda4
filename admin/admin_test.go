package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/maxpert/oplogtail/cfg"
	"github.com/maxpert/oplogtail/checkpoint"
	"github.com/maxpert/oplogtail/tailer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	mu          sync.Mutex
	statuses    []tailer.Status
	known       map[checkpoint.Identity]bool
	allRequests int
	requested   []checkpoint.Identity
	stopped     bool
}

func (f *fakeController) Statuses() []tailer.Status { return f.statuses }

func (f *fakeController) CheckpointNow() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allRequests++
}

func (f *fakeController) CheckpointTailer(id checkpoint.Identity) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[id] {
		return false
	}
	f.requested = append(f.requested, id)
	return true
}

func (f *fakeController) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeController) snapshot() (int, []checkpoint.Identity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allRequests, append([]checkpoint.Identity(nil), f.requested...), f.stopped
}

func newTestServer(t *testing.T, secret string) (*httptest.Server, *fakeController) {
	t.Helper()

	previous := cfg.Config.Admin.Secret
	cfg.Config.Admin.Secret = secret
	t.Cleanup(func() { cfg.Config.Admin.Secret = previous })

	ctrl := &fakeController{
		statuses: []tailer.Status{
			{Identity: "prod:rs0", State: "tailing", Position: 6765427042935635969, Endpoint: "db1:27017"},
		},
		known: map[checkpoint.Identity]bool{
			{Cluster: "prod", ReplicaSet: "rs0"}: true,
		},
	}
	mux := http.NewServeMux()
	RegisterRoutes(mux, NewAdminHandlers(ctrl))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, ctrl
}

func doRequest(t *testing.T, method, url string, header http.Header) (*http.Response, map[string]interface{}) {
	t.Helper()

	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t, "")

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/admin/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	data, ok := body["data"].([]interface{})
	require.True(t, ok)
	require.Len(t, data, 1)

	status := data[0].(map[string]interface{})
	assert.Equal(t, "prod:rs0", status["identity"])
	assert.Equal(t, "tailing", status["state"])
	assert.Equal(t, "db1:27017", status["endpoint"])
}

func TestCheckpointAll(t *testing.T) {
	srv, ctrl := newTestServer(t, "")

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/admin/checkpoint", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["accepted"])
	all, _, _ := ctrl.snapshot()
	assert.Equal(t, 1, all)
}

func TestCheckpointTailer(t *testing.T) {
	srv, ctrl := newTestServer(t, "")

	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/admin/tailers/prod/rs0/checkpoint", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	_, requested, _ := ctrl.snapshot()
	assert.Equal(t, []checkpoint.Identity{{Cluster: "prod", ReplicaSet: "rs0"}}, requested)

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/admin/tailers/prod/rs9/checkpoint", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["error"], "prod:rs9")
	_, requested, _ = ctrl.snapshot()
	assert.Len(t, requested, 1)
}

func TestStop(t *testing.T) {
	srv, ctrl := newTestServer(t, "")

	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/admin/stop", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	_, _, stopped := ctrl.snapshot()
	assert.True(t, stopped)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, ctrl := newTestServer(t, "")

	resp, err := http.Get(srv.URL + "/admin/stop")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	_, _, stopped := ctrl.snapshot()
	assert.False(t, stopped)
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")

	tests := []struct {
		name   string
		header http.Header
		want   int
	}{
		{name: "missing", header: nil, want: http.StatusUnauthorized},
		{name: "wrong secret header", header: http.Header{SecretHeader: {"nope"}}, want: http.StatusUnauthorized},
		{name: "secret header", header: http.Header{SecretHeader: {"s3cret"}}, want: http.StatusOK},
		{name: "bearer", header: http.Header{"Authorization": {"Bearer s3cret"}}, want: http.StatusOK},
		{name: "basic scheme", header: http.Header{"Authorization": {"Basic s3cret"}}, want: http.StatusUnauthorized},
		{name: "wrong bearer", header: http.Header{"Authorization": {"Bearer other"}}, want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doRequest(t, http.MethodGet, srv.URL+"/admin/status", tt.header)
			assert.Equal(t, tt.want, resp.StatusCode)
			if tt.want == http.StatusUnauthorized {
				assert.NotEmpty(t, body["error"])
			}
		})
	}
}

func TestStartStop(t *testing.T) {
	previous := cfg.Config.Admin.Secret
	cfg.Config.Admin.Secret = ""
	defer func() { cfg.Config.Admin.Secret = previous }()

	s, err := Start(cfg.AdminConfiguration{BindAddress: "127.0.0.1", Port: 0}, NewAdminHandlers(&fakeController{}))
	require.NoError(t, err)

	resp, err := http.Get("http://" + s.Addr() + "/admin/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop(context.Background()))
}
