package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormstack/controlplane/pkg/cperr"
	"github.com/stormstack/controlplane/pkg/types"
)

func newTestClient() *Client {
	return NewClient("cp-token", time.Second, 2*time.Second)
}

func TestCreateMatch(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/engine/matches", r.URL.Path)

		var req CreateMatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"arena@1.0.0"}, req.Modules)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(CreateMatchResponse{
			LocalMatchID: req.LocalMatchID,
			Endpoints: types.MatchEndpoints{
				HTTP:      "http://node:7001/" + req.ContainerID,
				WebSocket: "ws://node:7001/" + req.ContainerID,
			},
		})
	}))
	defer server.Close()

	resp, err := newTestClient().CreateMatch(context.Background(), server.URL, CreateMatchRequest{
		ContainerID:  "abc",
		LocalMatchID: "42",
		Modules:      []string{"arena@1.0.0"},
	})
	require.NoError(t, err)
	assert.Equal(t, "42", resp.LocalMatchID)
	assert.Equal(t, "http://node:7001/abc", resp.Endpoints.HTTP)
	assert.Equal(t, "Bearer cp-token", gotAuth)
}

func TestCreateMatchRejectsLocalIDMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(CreateMatchResponse{LocalMatchID: "other"})
	}))
	defer server.Close()

	_, err := newTestClient().CreateMatch(context.Background(), server.URL, CreateMatchRequest{
		ContainerID:  "abc",
		LocalMatchID: "42",
	})
	assert.True(t, cperr.Upstream.Has(err))
}

func TestCreateMatchUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine on fire", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newTestClient().CreateMatch(context.Background(), server.URL, CreateMatchRequest{
		ContainerID:  "abc",
		LocalMatchID: "42",
	})
	require.Error(t, err)
	assert.True(t, cperr.Upstream.Has(err))
}

func TestCreateMatchUnreachableEngine(t *testing.T) {
	_, err := newTestClient().CreateMatch(context.Background(), "http://127.0.0.1:1", CreateMatchRequest{
		ContainerID:  "abc",
		LocalMatchID: "42",
	})
	assert.True(t, cperr.Upstream.Has(err))
}

func TestFinishAndDeleteMatch(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestClient()
	require.NoError(t, client.FinishMatch(context.Background(), server.URL, "abc", "42"))
	require.NoError(t, client.DeleteMatch(context.Background(), server.URL, "abc", "42"))

	assert.Equal(t, []string{
		"POST /engine/matches/abc/42/finish",
		"DELETE /engine/matches/abc/42",
	}, paths)
}

func TestDeleteMatchNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	err := newTestClient().DeleteMatch(context.Background(), server.URL, "abc", "42")
	assert.True(t, cperr.NotFound.Has(err))
}

func TestHasModule(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/engine/modules/present" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := newTestClient()

	has, err := client.HasModule(context.Background(), server.URL, "present")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = client.HasModule(context.Background(), server.URL, "absent")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestDistributeModule(t *testing.T) {
	artifact := []byte("wasm bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/engine/modules/arena/1.0.0", r.URL.Path)
		assert.Equal(t, "deadbeef", r.Header.Get("X-Module-Hash"))
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	status, err := newTestClient().DistributeModule(context.Background(), server.URL,
		&types.Module{Name: "arena", Version: "1.0.0", Hash: "deadbeef"}, artifact)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
}

func TestDistributeModuleFailureCarriesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "disk full", http.StatusInsufficientStorage)
	}))
	defer server.Close()

	status, err := newTestClient().DistributeModule(context.Background(), server.URL,
		&types.Module{Name: "arena", Version: "1.0.0", Hash: "deadbeef"}, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, http.StatusInsufficientStorage, status)
}
