package matches

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormstack/controlplane/pkg/cperr"
	"github.com/stormstack/controlplane/pkg/store"
	"github.com/stormstack/controlplane/pkg/types"
)

func newTestRegistry(t *testing.T) (*Registry, store.Store) {
	t.Helper()
	mini := miniredis.RunT(t)
	st, err := store.Open(context.Background(), mini.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewRegistry(st), st
}

func testMatch(node, container, local string) *types.Match {
	return &types.Match{
		ID:        types.ClusterMatchID{NodeID: node, ContainerID: container, LocalID: local},
		Status:    types.MatchStatusCreating,
		Modules:   []string{"arena@1.0.0"},
		NodeID:    node,
		CreatedAt: time.Now().UTC(),
	}
}

func TestNextLocalID(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	first, err := reg.NextLocalID(ctx)
	require.NoError(t, err)
	second, err := reg.NextLocalID(ctx)
	require.NoError(t, err)

	assert.Equal(t, "1", first)
	assert.Equal(t, "2", second)
}

func TestCreateAndFind(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	match := testMatch("node1", "abc", "1")
	require.NoError(t, reg.Create(ctx, match))

	got, err := reg.FindByID(ctx, match.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MatchStatusCreating, got.Status)
	assert.Equal(t, "node1", got.NodeID)

	_, err = reg.FindByID(ctx, types.ClusterMatchID{NodeID: "x", ContainerID: "y", LocalID: "0"})
	assert.True(t, cperr.NotFound.Has(err))
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	match := testMatch("node1", "abc", "1")
	require.NoError(t, reg.Create(ctx, match))

	err := reg.Create(ctx, testMatch("node1", "abc", "1"))
	assert.True(t, cperr.Conflict.Has(err))
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	err := reg.Create(ctx, &types.Match{NodeID: "node1"})
	assert.True(t, cperr.Validation.Has(err))

	err = reg.Create(ctx, &types.Match{
		ID: types.ClusterMatchID{NodeID: "node1", ContainerID: "abc", LocalID: "1"},
	})
	assert.True(t, cperr.Validation.Has(err))
}

func TestFindByNodeID(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	require.NoError(t, reg.Create(ctx, testMatch("node1", "aaa", "1")))
	require.NoError(t, reg.Create(ctx, testMatch("node1", "bbb", "2")))
	require.NoError(t, reg.Create(ctx, testMatch("node2", "ccc", "3")))

	found, err := reg.FindByNodeID(ctx, "node1")
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = reg.FindByNodeID(ctx, "node3")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestFindByNodeIDHealsStaleIndex(t *testing.T) {
	ctx := context.Background()
	reg, st := newTestRegistry(t)

	match := testMatch("node1", "aaa", "1")
	require.NoError(t, reg.Create(ctx, match))

	// Remove the row but leave the index entry behind.
	require.NoError(t, st.Delete(ctx, "match:"+match.ID.String()))

	found, err := reg.FindByNodeID(ctx, "node1")
	require.NoError(t, err)
	assert.Empty(t, found)

	// The stale index entry was pruned.
	items, err := st.ListPrefix(ctx, "match-by-node:node1:")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestTransitionStateMachine(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	match := testMatch("node1", "abc", "1")
	require.NoError(t, reg.Create(ctx, match))

	// creating -> running
	running, err := reg.Transition(ctx, match.ID, types.MatchStatusRunning, func(m *types.Match) {
		m.Endpoints = types.MatchEndpoints{HTTP: "http://node1:7001/m/1"}
	})
	require.NoError(t, err)
	assert.Equal(t, types.MatchStatusRunning, running.Status)
	assert.Equal(t, "http://node1:7001/m/1", running.Endpoints.HTTP)

	// running -> creating is a conflict
	_, err = reg.Transition(ctx, match.ID, types.MatchStatusCreating, nil)
	assert.True(t, cperr.Conflict.Has(err))

	// same-state transition is a no-op
	same, err := reg.Transition(ctx, match.ID, types.MatchStatusRunning, nil)
	require.NoError(t, err)
	assert.Equal(t, types.MatchStatusRunning, same.Status)

	// running -> finished
	finished, err := reg.Transition(ctx, match.ID, types.MatchStatusFinished, func(m *types.Match) {
		m.FinishedAt = time.Now().UTC()
	})
	require.NoError(t, err)
	assert.Equal(t, types.MatchStatusFinished, finished.Status)

	// terminal states are frozen, even toward error
	_, err = reg.Transition(ctx, match.ID, types.MatchStatusError, nil)
	assert.True(t, cperr.Conflict.Has(err))
}

func TestTransitionToErrorFromAnyActive(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	creating := testMatch("node1", "abc", "1")
	require.NoError(t, reg.Create(ctx, creating))
	errored, err := reg.Transition(ctx, creating.ID, types.MatchStatusError, func(m *types.Match) {
		m.Error = "engine create failed"
	})
	require.NoError(t, err)
	assert.Equal(t, types.MatchStatusError, errored.Status)
	assert.Equal(t, "engine create failed", errored.Error)

	running := testMatch("node1", "def", "2")
	require.NoError(t, reg.Create(ctx, running))
	_, err = reg.Transition(ctx, running.ID, types.MatchStatusRunning, nil)
	require.NoError(t, err)
	_, err = reg.Transition(ctx, running.ID, types.MatchStatusError, nil)
	require.NoError(t, err)
}

func TestUpdateMutates(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	match := testMatch("node1", "abc", "1")
	match.PlayerLimit = 10
	require.NoError(t, reg.Create(ctx, match))

	updated, err := reg.Update(ctx, match.ID, func(m *types.Match) error {
		m.PlayerCount = 7
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, updated.PlayerCount)

	_, err = reg.Update(ctx, types.ClusterMatchID{NodeID: "x", ContainerID: "y", LocalID: "9"},
		func(m *types.Match) error { return nil })
	assert.True(t, cperr.NotFound.Has(err))
}

func TestDeleteByID(t *testing.T) {
	ctx := context.Background()
	reg, st := newTestRegistry(t)

	match := testMatch("node1", "abc", "1")
	require.NoError(t, reg.Create(ctx, match))
	require.NoError(t, reg.DeleteByID(ctx, match.ID))

	_, err := reg.FindByID(ctx, match.ID)
	assert.True(t, cperr.NotFound.Has(err))

	items, err := st.ListPrefix(ctx, "match-by-node:node1:")
	require.NoError(t, err)
	assert.Empty(t, items)

	// Deleting an unknown match converges silently.
	require.NoError(t, reg.DeleteByID(ctx, match.ID))
}

func TestDeleteByNodeID(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	require.NoError(t, reg.Create(ctx, testMatch("node1", "aaa", "1")))
	require.NoError(t, reg.Create(ctx, testMatch("node1", "bbb", "2")))
	require.NoError(t, reg.Create(ctx, testMatch("node2", "ccc", "3")))

	require.NoError(t, reg.DeleteByNodeID(ctx, "node1"))

	all, err := reg.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "node2", all[0].NodeID)
}

func TestCountActive(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	require.NoError(t, reg.Create(ctx, testMatch("node1", "aaa", "1")))
	running := testMatch("node1", "bbb", "2")
	require.NoError(t, reg.Create(ctx, running))
	_, err := reg.Transition(ctx, running.ID, types.MatchStatusRunning, nil)
	require.NoError(t, err)

	done := testMatch("node2", "ccc", "3")
	require.NoError(t, reg.Create(ctx, done))
	_, err = reg.Transition(ctx, done.ID, types.MatchStatusError, nil)
	require.NoError(t, err)

	total, err := reg.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	onNode1, err := reg.CountActiveByNodeID(ctx, "node1")
	require.NoError(t, err)
	assert.Equal(t, 2, onNode1)

	onNode2, err := reg.CountActiveByNodeID(ctx, "node2")
	require.NoError(t, err)
	assert.Equal(t, 0, onNode2)
}

func TestFindByStatus(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	require.NoError(t, reg.Create(ctx, testMatch("node1", "aaa", "1")))
	running := testMatch("node1", "bbb", "2")
	require.NoError(t, reg.Create(ctx, running))
	_, err := reg.Transition(ctx, running.ID, types.MatchStatusRunning, nil)
	require.NoError(t, err)

	found, err := reg.FindByStatus(ctx, types.MatchStatusRunning)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, running.ID, found[0].ID)
}
