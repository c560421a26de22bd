// Package matches implements the match registry: CRUD over match rows in
// the shared state store plus the by-node index and the active-count queries
// the scheduler and sweeper depend on.
package matches

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/stormstack/controlplane/pkg/cperr"
	"github.com/stormstack/controlplane/pkg/log"
	"github.com/stormstack/controlplane/pkg/store"
	"github.com/stormstack/controlplane/pkg/types"
)

const (
	keyPrefix   = "match:"
	nodeIndex   = "match-by-node:"
	sequenceKey = "match-seq"
	casAttempts = 5
)

// Registry stores match rows at match:{clusterMatchId} with a secondary
// index at match-by-node:{nodeId}:{clusterMatchId}. The index is maintained
// best-effort but idempotently, so retries converge.
type Registry struct {
	store  store.Store
	logger zerolog.Logger
}

// NewRegistry creates a match registry over the given store.
func NewRegistry(st store.Store) *Registry {
	return &Registry{
		store:  st,
		logger: log.WithComponent("matches"),
	}
}

// NextLocalID mints the next value of the cluster-wide match sequence.
func (r *Registry) NextLocalID(ctx context.Context) (string, error) {
	var seq int64
	err := store.Retry(ctx, func() error {
		var err error
		seq, err = r.store.Incr(ctx, sequenceKey)
		return err
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(seq, 10), nil
}

// Save writes the match row and its by-node index entry.
func (r *Registry) Save(ctx context.Context, match *types.Match) error {
	if match.ID.IsZero() {
		return cperr.Validation.New("match id must not be empty")
	}
	if match.NodeID == "" {
		return cperr.Validation.New("match %s has no owner node", match.ID)
	}

	data, err := json.Marshal(match)
	if err != nil {
		return cperr.Internal.Wrap(err)
	}

	id := match.ID.String()
	if err := store.Retry(ctx, func() error {
		return r.store.Put(ctx, keyPrefix+id, data)
	}); err != nil {
		return err
	}
	return store.Retry(ctx, func() error {
		return r.store.Put(ctx, indexKey(match.NodeID, id), []byte(id))
	})
}

// Create claims the match id atomically so two creators can never share a
// ClusterMatchID, then writes the index entry.
func (r *Registry) Create(ctx context.Context, match *types.Match) error {
	if match.ID.IsZero() {
		return cperr.Validation.New("match id must not be empty")
	}
	if match.NodeID == "" {
		return cperr.Validation.New("match %s has no owner node", match.ID)
	}

	data, err := json.Marshal(match)
	if err != nil {
		return cperr.Internal.Wrap(err)
	}

	id := match.ID.String()
	err = store.Retry(ctx, func() error {
		return r.store.PutIfAbsent(ctx, keyPrefix+id, data, 0)
	})
	if store.ErrKeyExists.Has(err) {
		return cperr.Conflict.New("match %s already exists", id)
	}
	if err != nil {
		return err
	}
	return store.Retry(ctx, func() error {
		return r.store.Put(ctx, indexKey(match.NodeID, id), []byte(id))
	})
}

// FindByID returns a single match row.
func (r *Registry) FindByID(ctx context.Context, id types.ClusterMatchID) (*types.Match, error) {
	var data []byte
	err := store.Retry(ctx, func() error {
		var err error
		data, err = r.store.Get(ctx, keyPrefix+id.String())
		return err
	})
	if store.ErrKeyNotFound.Has(err) {
		return nil, cperr.NotFound.New("match %s", id)
	}
	if err != nil {
		return nil, err
	}

	var match types.Match
	if err := json.Unmarshal(data, &match); err != nil {
		return nil, cperr.Internal.Wrap(err)
	}
	return &match, nil
}

// FindAll returns every match row, sorted by id.
func (r *Registry) FindAll(ctx context.Context) ([]*types.Match, error) {
	var items []store.Item
	err := store.Retry(ctx, func() error {
		var err error
		items, err = r.store.ListPrefix(ctx, keyPrefix)
		return err
	})
	if err != nil {
		return nil, err
	}

	result := make([]*types.Match, 0, len(items))
	for _, item := range items {
		var match types.Match
		if err := json.Unmarshal(item.Value, &match); err != nil {
			r.logger.Error().Err(err).Str("key", item.Key).Msg("skipping corrupt match entry")
			continue
		}
		result = append(result, &match)
	}
	return result, nil
}

// FindByNodeID returns all matches owned by the node, via the by-node index.
func (r *Registry) FindByNodeID(ctx context.Context, nodeID string) ([]*types.Match, error) {
	var items []store.Item
	err := store.Retry(ctx, func() error {
		var err error
		items, err = r.store.ListPrefix(ctx, nodeIndex+nodeID+":")
		return err
	})
	if err != nil {
		return nil, err
	}

	result := make([]*types.Match, 0, len(items))
	for _, item := range items {
		id, err := types.ParseClusterMatchID(string(item.Value))
		if err != nil {
			continue
		}
		match, err := r.FindByID(ctx, id)
		if cperr.NotFound.Has(err) {
			// Stale index entry; the row was already deleted.
			_ = r.removeIndex(ctx, nodeID, id.String())
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, match)
	}
	return result, nil
}

// FindByStatus returns all matches currently in the given status.
func (r *Registry) FindByStatus(ctx context.Context, status types.MatchStatus) ([]*types.Match, error) {
	all, err := r.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]*types.Match, 0, len(all))
	for _, match := range all {
		if match.Status == status {
			result = append(result, match)
		}
	}
	return result, nil
}

// DeleteByID removes a match row and its index entry. Deleting an unknown
// match is a no-op so retries converge.
func (r *Registry) DeleteByID(ctx context.Context, id types.ClusterMatchID) error {
	match, err := r.FindByID(ctx, id)
	if cperr.NotFound.Has(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := store.Retry(ctx, func() error {
		return r.store.Delete(ctx, keyPrefix+id.String())
	}); err != nil {
		return err
	}
	return r.removeIndex(ctx, match.NodeID, id.String())
}

// DeleteByNodeID removes all matches owned by the node. Best-effort
// iteration: a partial failure leaves entries a retry will remove.
func (r *Registry) DeleteByNodeID(ctx context.Context, nodeID string) error {
	found, err := r.FindByNodeID(ctx, nodeID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, match := range found {
		if err := r.DeleteByID(ctx, match.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CountActive counts matches in creating or running state across the cluster.
func (r *Registry) CountActive(ctx context.Context) (int, error) {
	all, err := r.FindAll(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, match := range all {
		if match.Status.Active() {
			count++
		}
	}
	return count, nil
}

// CountActiveByNodeID counts creating and running matches on one node.
func (r *Registry) CountActiveByNodeID(ctx context.Context, nodeID string) (int, error) {
	found, err := r.FindByNodeID(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, match := range found {
		if match.Status.Active() {
			count++
		}
	}
	return count, nil
}

// Update applies mutate under a CAS loop so concurrent writers (creator,
// sweeper, player-count updates) never lose updates. mutate runs on a fresh
// copy each attempt and may return an error to abort.
func (r *Registry) Update(ctx context.Context, id types.ClusterMatchID, mutate func(*types.Match) error) (*types.Match, error) {
	key := keyPrefix + id.String()
	for attempt := 0; attempt < casAttempts; attempt++ {
		var old []byte
		err := store.Retry(ctx, func() error {
			var err error
			old, err = r.store.Get(ctx, key)
			return err
		})
		if store.ErrKeyNotFound.Has(err) {
			return nil, cperr.NotFound.New("match %s", id)
		}
		if err != nil {
			return nil, err
		}

		var match types.Match
		if err := json.Unmarshal(old, &match); err != nil {
			return nil, cperr.Internal.Wrap(err)
		}
		if err := mutate(&match); err != nil {
			return nil, err
		}

		next, err := json.Marshal(&match)
		if err != nil {
			return nil, cperr.Internal.Wrap(err)
		}

		err = store.Retry(ctx, func() error {
			return r.store.CompareAndSwap(ctx, key, old, next)
		})
		if store.ErrValueChanged.Has(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &match, nil
	}
	return nil, cperr.Internal.New("update of match %s lost %d CAS races", id, casAttempts)
}

// Transition moves a match to the target status, enforcing the monotone
// state machine: creating -> running -> finished, any non-terminal -> error.
// A match already in the target state is returned unchanged; a backward or
// terminal transition is a conflict.
func (r *Registry) Transition(ctx context.Context, id types.ClusterMatchID, to types.MatchStatus, apply func(*types.Match)) (*types.Match, error) {
	return r.Update(ctx, id, func(match *types.Match) error {
		if match.Status == to {
			return nil
		}
		if !allowed(match.Status, to) {
			return cperr.Conflict.New("match %s cannot transition %s -> %s", id, match.Status, to)
		}
		match.Status = to
		if apply != nil {
			apply(match)
		}
		return nil
	})
}

func allowed(from, to types.MatchStatus) bool {
	switch {
	case from.Terminal():
		return false
	case to == types.MatchStatusError:
		return true
	case from == types.MatchStatusCreating && to == types.MatchStatusRunning:
		return true
	case from == types.MatchStatusRunning && to == types.MatchStatusFinished:
		return true
	default:
		return false
	}
}

func (r *Registry) removeIndex(ctx context.Context, nodeID, id string) error {
	return store.Retry(ctx, func() error {
		return r.store.Delete(ctx, indexKey(nodeID, id))
	})
}

func indexKey(nodeID, id string) string {
	return nodeIndex + nodeID + ":" + id
}
