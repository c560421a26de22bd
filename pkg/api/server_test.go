package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormstack/controlplane/pkg/auth"
	"github.com/stormstack/controlplane/pkg/autoscaler"
	"github.com/stormstack/controlplane/pkg/config"
	"github.com/stormstack/controlplane/pkg/distributor"
	"github.com/stormstack/controlplane/pkg/engine"
	"github.com/stormstack/controlplane/pkg/events"
	"github.com/stormstack/controlplane/pkg/matches"
	"github.com/stormstack/controlplane/pkg/modules"
	"github.com/stormstack/controlplane/pkg/nodes"
	"github.com/stormstack/controlplane/pkg/router"
	"github.com/stormstack/controlplane/pkg/scheduler"
	"github.com/stormstack/controlplane/pkg/security"
	"github.com/stormstack/controlplane/pkg/store"
	"github.com/stormstack/controlplane/pkg/types"
	"github.com/stormstack/controlplane/pkg/view"
)

// fakeEngine answers the engine endpoints the control plane calls during
// match creation and module distribution.
func newFakeEngine(t *testing.T) *httptest.Server {
	t.Helper()
	hashes := map[string]bool{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/engine/matches":
			var req engine.CreateMatchRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(engine.CreateMatchResponse{
				LocalMatchID: req.LocalMatchID,
				Endpoints:    types.MatchEndpoints{HTTP: "http://game/" + req.ContainerID},
			})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/finish"):
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/engine/modules/"):
			if hashes[strings.TrimPrefix(r.URL.Path, "/engine/modules/")] {
				w.WriteHeader(http.StatusOK)
				return
			}
			http.NotFound(w, r)
		case r.Method == http.MethodPut:
			_, _ = io.Copy(io.Discard, r.Body)
			hashes[r.Header.Get("X-Module-Hash")] = true
			w.WriteHeader(http.StatusCreated)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.ControlPlaneToken = ""
	cfg.APITokenSecret = ""
	if mutate != nil {
		mutate(&cfg)
	}

	mini := miniredis.RunT(t)
	st, err := store.Open(context.Background(), mini.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	nodeReg := nodes.NewRegistry(st, broker, cfg.Nodes)
	matchReg := matches.NewRegistry(st)
	moduleReg := modules.NewRegistry(st)
	sched := scheduler.New(nodeReg, matchReg, cfg.Scheduler, cfg.Nodes.MaxContainers)
	client := engine.NewClient(cfg.ControlPlaneToken, time.Second, 2*time.Second)
	authBroker := auth.NewBroker(cfg.Auth, cfg.HTTP)

	dist, err := distributor.New(nodeReg, moduleReg, client, broker, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dist.Close() })

	rt := router.New(nodeReg, matchReg, moduleReg, sched, client, authBroker, dist, broker, cfg.Nodes)
	scaler := autoscaler.New(nodeReg, sched, st, broker, cfg.Autoscaler)
	v := view.New(nodeReg, matchReg, scaler)

	srv := NewServer(nil, cfg, st, nodeReg, moduleReg, rt, dist, v, scaler)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, payload
}

func uploadModule(t *testing.T, base, name, version string, artifact []byte) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", name+".wasm")
	require.NoError(t, err)
	_, err = part.Write(artifact)
	require.NoError(t, err)
	require.NoError(t, form.WriteField("name", name))
	require.NoError(t, form.WriteField("version", version))
	require.NoError(t, form.WriteField("description", "test module"))
	require.NoError(t, form.Close())

	req, err := http.NewRequest(http.MethodPost, base+"/api/modules", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", form.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, payload
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestNodeLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/nodes", registerNodeRequest{
		ID:       "node1",
		Address:  "http://node1:7000",
		Capacity: 8,
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/api/nodes/node1", resp.Header.Get("Location"))

	var registered registerNodeResponse
	require.NoError(t, json.Unmarshal(body, &registered))
	assert.Equal(t, "node1", registered.Node.ID)
	assert.Equal(t, types.NodeStatusHealthy, registered.Node.Status)
	assert.Equal(t, 10, registered.HeartbeatIntervalSeconds)

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/nodes/node1/heartbeat", types.NodeMetrics{
		MatchCount: 2,
		CPUUsage:   0.4,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var node types.Node
	require.NoError(t, json.Unmarshal(body, &node))
	assert.Equal(t, 2, node.Metrics.MatchCount)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/nodes", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fleet []*types.Node
	require.NoError(t, json.Unmarshal(body, &fleet))
	assert.Len(t, fleet, 1)

	draining := true
	resp, body = doJSON(t, http.MethodPatch, ts.URL+"/api/nodes/node1", patchNodeRequest{Draining: &draining}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &node))
	assert.Equal(t, types.NodeStatusDraining, node.Status)

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/nodes/node1", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/nodes/node1", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var fail errorBody
	require.NoError(t, json.Unmarshal(body, &fail))
	assert.Equal(t, "NOT_FOUND", fail.ErrorCode)
	assert.NotEmpty(t, fail.Message)
}

func TestPatchNodeRequiresDrainingField(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/nodes", registerNodeRequest{
		ID: "node1", Address: "http://node1:7000", Capacity: 8,
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPatch, ts.URL+"/api/nodes/node1", map[string]any{}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var fail errorBody
	require.NoError(t, json.Unmarshal(body, &fail))
	assert.Equal(t, "VALIDATION", fail.ErrorCode)
}

func TestMatchLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	fe := newFakeEngine(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/nodes", registerNodeRequest{
		ID: "node1", Address: fe.URL, Capacity: 8,
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = uploadModule(t, ts.URL, "arena", "1.0.0", []byte("wasm bytes"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/matches", router.CreateRequest{
		Modules:     []string{"arena@1.0.0"},
		PlayerLimit: 16,
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created router.CreateResult
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotNil(t, created.Match)
	assert.Equal(t, types.MatchStatusRunning, created.Match.Status)
	assert.Equal(t, "node1", created.Match.NodeID)
	assert.NotEmpty(t, created.Match.Endpoints.HTTP)
	id := created.Match.ID.String()
	assert.Equal(t, "/api/matches/"+id, resp.Header.Get("Location"))

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/matches/"+id, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var match types.Match
	require.NoError(t, json.Unmarshal(body, &match))
	assert.Equal(t, id, match.ID.String())

	resp, body = doJSON(t, http.MethodPatch, ts.URL+"/api/matches/"+id+"/playerCount", playerCountRequest{PlayerCount: 5}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &match))
	assert.Equal(t, 5, match.PlayerCount)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/matches?status=running", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var running []*types.Match
	require.NoError(t, json.Unmarshal(body, &running))
	assert.Len(t, running, 1)

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/matches/"+id+"/finish", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &match))
	assert.Equal(t, types.MatchStatusFinished, match.Status)

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/matches/"+id, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/matches/"+id, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var fail errorBody
	require.NoError(t, json.Unmarshal(body, &fail))
	assert.Equal(t, "NOT_FOUND", fail.ErrorCode)
}

func TestCreateMatchErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	// The referenced module was never uploaded.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/matches", router.CreateRequest{
		Modules: []string{"arena@1.0.0"},
	}, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var fail errorBody
	require.NoError(t, json.Unmarshal(body, &fail))
	assert.Equal(t, "NOT_FOUND", fail.ErrorCode)

	// Malformed body.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/matches", map[string]any{"bogus": true}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &fail))
	assert.Equal(t, "VALIDATION", fail.ErrorCode)

	// Malformed match id in the path.
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/matches/bogus", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &fail))
	assert.Equal(t, "VALIDATION", fail.ErrorCode)
}

func TestCreateMatchCapacityConflicts(t *testing.T) {
	ts := newTestServer(t, nil)
	fe := newFakeEngine(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/nodes", registerNodeRequest{
		ID: "node1", Address: fe.URL, Capacity: 1,
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = uploadModule(t, ts.URL, "arena", "1.0.0", []byte("wasm"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	create := router.CreateRequest{Modules: []string{"arena@1.0.0"}}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/matches", create, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// The only slot is taken: a full fleet is a conflict, not an outage.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/matches", create, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var fail errorBody
	require.NoError(t, json.Unmarshal(body, &fail))
	assert.Equal(t, "NO_CAPACITY", fail.ErrorCode)

	// Draining the only node leaves no candidates at all.
	draining := true
	resp, _ = doJSON(t, http.MethodPatch, ts.URL+"/api/nodes/node1", patchNodeRequest{Draining: &draining}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/matches", create, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &fail))
	assert.Equal(t, "NO_HEALTHY_NODES", fail.ErrorCode)
}

func TestModuleUploadDownloadDistribute(t *testing.T) {
	ts := newTestServer(t, nil)
	fe := newFakeEngine(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/nodes", registerNodeRequest{
		ID: "node1", Address: fe.URL, Capacity: 8,
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	artifact := []byte("wasm bytes")
	resp, body := uploadModule(t, ts.URL, "arena", "1.0.0", artifact)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/api/modules/arena/1.0.0", resp.Header.Get("Location"))

	var meta types.Module
	require.NoError(t, json.Unmarshal(body, &meta))
	assert.Equal(t, "arena", meta.Name)
	assert.Equal(t, int64(len(artifact)), meta.FileSize)
	assert.NotEmpty(t, meta.Hash)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/modules/arena/1.0.0/download", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, artifact, body)
	assert.Equal(t, meta.Hash, resp.Header.Get("X-Module-Hash"))
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/modules/arena/1.0.0/distribute", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dist distributeResponse
	require.NoError(t, json.Unmarshal(body, &dist))
	assert.Equal(t, 1, dist.Succeeded)

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/modules/arena/1.0.0", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/modules/arena/1.0.0", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDistributeModuleToSingleNode(t *testing.T) {
	ts := newTestServer(t, nil)
	fe := newFakeEngine(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/nodes", registerNodeRequest{
		ID: "node1", Address: fe.URL, Capacity: 8,
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = uploadModule(t, ts.URL, "arena", "1.0.0", []byte("wasm"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/modules/arena/1.0.0/distribute/node1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dist distributeResponse
	require.NoError(t, json.Unmarshal(body, &dist))
	assert.Equal(t, "node1", dist.Node)
	assert.Equal(t, 1, dist.Succeeded)

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/modules/arena/1.0.0/distribute/ghost", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var fail errorBody
	require.NoError(t, json.Unmarshal(body, &fail))
	assert.Equal(t, "NOT_FOUND", fail.ErrorCode)
}

func TestUploadRejectsNonMultipart(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/modules", map[string]string{"name": "arena"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var fail errorBody
	require.NoError(t, json.Unmarshal(body, &fail))
	assert.Equal(t, "VALIDATION", fail.ErrorCode)
}

func TestDashboard(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, id := range []string{"node1", "node2", "node3"} {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/nodes", registerNodeRequest{
			ID: id, Address: "http://" + id + ":7000", Capacity: 4,
		}, "")
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/dashboard/overview", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var overview types.Overview
	require.NoError(t, json.Unmarshal(body, &overview))
	assert.Equal(t, 3, overview.Cluster.TotalNodes)
	assert.Equal(t, 12, overview.Cluster.TotalCapacity)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/dashboard/nodes?offset=0&pageSize=2", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page view.NodePage
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Len(t, page.Nodes, 2)
	assert.True(t, page.Page.HasNext)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/dashboard/nodes?pageSize=nope", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// No autoscaler tick has run.
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/dashboard/scaling", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAuthMiddleware(t *testing.T) {
	const secret = "operator-secret"
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.ControlPlaneToken = "static-token"
		cfg.APITokenSecret = secret
	})

	// Health stays open.
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/nodes", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var fail errorBody
	require.NoError(t, json.Unmarshal(body, &fail))
	assert.Equal(t, "UNAUTHORIZED", fail.ErrorCode)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/nodes", nil, "wrong-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/nodes", nil, "static-token")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	signed, err := security.Sign(security.Claims{
		User:      "ops",
		Roles:     []string{"admin"},
		ExpiresAt: time.Now().Add(time.Hour),
	}, secret)
	require.NoError(t, err)
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/nodes", nil, signed)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Token signed with a different secret is rejected.
	forged, err := security.Sign(security.Claims{User: "ops"}, "other-secret")
	require.NoError(t, err)
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/nodes", nil, forged)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
