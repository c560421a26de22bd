// Package nodes implements the node registry: registration, heartbeats,
// drain control, and per-read status derivation for the engine fleet.
package nodes

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/stormstack/controlplane/pkg/config"
	"github.com/stormstack/controlplane/pkg/cperr"
	"github.com/stormstack/controlplane/pkg/events"
	"github.com/stormstack/controlplane/pkg/log"
	"github.com/stormstack/controlplane/pkg/store"
	"github.com/stormstack/controlplane/pkg/types"
)

const keyPrefix = "node:"

// casAttempts bounds the drain/undrain CAS loop.
const casAttempts = 5

// Registry tracks the engine fleet in the shared state store. Node entries
// carry a store TTL of nodeTTL x graceFactor: a node that misses heartbeats
// is reported unhealthy after nodeTTL and disappears entirely at the grace
// deadline.
type Registry struct {
	store  store.Store
	broker *events.Broker
	cfg    config.NodesConfig
	logger zerolog.Logger
}

// NewRegistry creates a node registry over the given store.
func NewRegistry(st store.Store, broker *events.Broker, cfg config.NodesConfig) *Registry {
	return &Registry{
		store:  st,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("nodes"),
	}
}

// Register adds a node to the fleet. Registration is idempotent for a node
// re-registering with its existing address; an id claimed by a different
// address is rejected to prevent identity theft.
func (r *Registry) Register(ctx context.Context, id, address string, capacity int) (*types.Node, error) {
	if id == "" {
		return nil, cperr.Validation.New("node id must not be empty")
	}
	if capacity <= 0 {
		return nil, cperr.Validation.New("node capacity must be positive, got %d", capacity)
	}
	if _, err := url.ParseRequestURI(address); err != nil {
		return nil, cperr.Validation.New("node address %q is not a valid URL", address)
	}

	now := time.Now().UTC()
	node := &types.Node{
		ID:            id,
		Address:       address,
		Capacity:      capacity,
		Status:        types.NodeStatusHealthy,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	data, err := json.Marshal(node)
	if err != nil {
		return nil, cperr.Internal.Wrap(err)
	}

	err = store.Retry(ctx, func() error {
		return r.store.PutIfAbsent(ctx, keyPrefix+id, data, r.cfg.RemovalTTL())
	})
	if store.ErrKeyExists.Has(err) {
		existing, getErr := r.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if existing.Address != address {
			return nil, cperr.AlreadyExists.New("node %q is registered with a different address", id)
		}
		// Same identity re-registering: reset the entry and TTL.
		node.RegisteredAt = existing.RegisteredAt
		if err := r.put(ctx, node); err != nil {
			return nil, err
		}
		r.logger.Info().Str("node_id", id).Msg("node re-registered")
		return node, nil
	}
	if err != nil {
		return nil, err
	}

	r.broker.Publish(&events.Event{Type: events.EventNodeRegistered, NodeID: id})
	r.logger.Info().Str("node_id", id).Str("address", address).Int("capacity", capacity).
		Msg("node registered")
	return node, nil
}

// Heartbeat refreshes a node's TTL and records the reported metrics.
// Metrics are last-writer-wins; the TTL write is monotone (refresh only).
func (r *Registry) Heartbeat(ctx context.Context, id string, metrics types.NodeMetrics) (*types.Node, error) {
	node, err := r.load(ctx, id)
	if store.ErrKeyNotFound.Has(err) {
		return nil, cperr.NotRegistered.New("node %q is not registered", id)
	}
	if err != nil {
		return nil, err
	}

	node.Metrics = metrics
	node.LastHeartbeat = time.Now().UTC()
	if err := r.put(ctx, node); err != nil {
		return nil, err
	}
	r.derive(node)
	return node, nil
}

// Get returns a single node with its derived status.
func (r *Registry) Get(ctx context.Context, id string) (*types.Node, error) {
	node, err := r.load(ctx, id)
	if store.ErrKeyNotFound.Has(err) {
		return nil, cperr.NotFound.New("node %q", id)
	}
	if err != nil {
		return nil, err
	}
	r.derive(node)
	return node, nil
}

// List returns all nodes in the fleet with derived statuses. Entries past
// their heartbeat TTL but inside the grace window report unhealthy.
func (r *Registry) List(ctx context.Context) ([]*types.Node, error) {
	var items []store.Item
	err := store.Retry(ctx, func() error {
		var err error
		items, err = r.store.ListPrefix(ctx, keyPrefix)
		return err
	})
	if err != nil {
		return nil, err
	}

	nodes := make([]*types.Node, 0, len(items))
	for _, item := range items {
		var node types.Node
		if err := json.Unmarshal(item.Value, &node); err != nil {
			r.logger.Error().Err(err).Str("key", item.Key).Msg("skipping corrupt node entry")
			continue
		}
		r.derive(&node)
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

// Drain excludes a node from scheduling while its existing matches keep
// running. Draining an unhealthy node is a no-op.
func (r *Registry) Drain(ctx context.Context, id string) (*types.Node, error) {
	return r.setDraining(ctx, id, true)
}

// Undrain returns a drained node to the scheduling pool.
func (r *Registry) Undrain(ctx context.Context, id string) (*types.Node, error) {
	return r.setDraining(ctx, id, false)
}

// Delete removes a node from the registry and announces the removal so the
// orphan sweeper can clean up its matches.
func (r *Registry) Delete(ctx context.Context, id string) error {
	err := store.Retry(ctx, func() error {
		return r.store.Delete(ctx, keyPrefix+id)
	})
	if err != nil {
		return err
	}
	r.broker.Publish(&events.Event{Type: events.EventNodeRemoved, NodeID: id})
	r.logger.Info().Str("node_id", id).Msg("node deleted")
	return nil
}

func (r *Registry) setDraining(ctx context.Context, id string, draining bool) (*types.Node, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		node, err := r.load(ctx, id)
		if store.ErrKeyNotFound.Has(err) {
			return nil, cperr.NotFound.New("node %q", id)
		}
		if err != nil {
			return nil, err
		}

		old, err := json.Marshal(node)
		if err != nil {
			return nil, cperr.Internal.Wrap(err)
		}

		r.derive(node)
		if node.Status == types.NodeStatusUnhealthy {
			// Terminal transition, nothing to flip.
			return node, nil
		}
		if node.Draining == draining {
			return node, nil
		}

		updated := *node
		updated.Draining = draining
		updated.Status = ""
		next, err := json.Marshal(&updated)
		if err != nil {
			return nil, cperr.Internal.Wrap(err)
		}

		err = store.Retry(ctx, func() error {
			return r.store.CompareAndSwap(ctx, keyPrefix+id, old, next)
		})
		if store.ErrValueChanged.Has(err) || store.ErrKeyNotFound.Has(err) {
			continue
		}
		if err != nil {
			return nil, err
		}

		r.derive(&updated)
		if draining {
			r.broker.Publish(&events.Event{Type: events.EventNodeDrained, NodeID: id})
		}
		return &updated, nil
	}
	return nil, cperr.Internal.New("drain flip on node %q lost %d CAS races", id, casAttempts)
}

// load fetches the raw node record without status derivation so writers can
// round-trip it through CAS.
func (r *Registry) load(ctx context.Context, id string) (*types.Node, error) {
	var data []byte
	err := store.Retry(ctx, func() error {
		var err error
		data, err = r.store.Get(ctx, keyPrefix+id)
		return err
	})
	if err != nil {
		return nil, err
	}
	var node types.Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, cperr.Internal.Wrap(err)
	}
	return &node, nil
}

func (r *Registry) put(ctx context.Context, node *types.Node) error {
	stored := *node
	stored.Status = ""
	data, err := json.Marshal(&stored)
	if err != nil {
		return cperr.Internal.Wrap(err)
	}
	return store.Retry(ctx, func() error {
		return r.store.PutTTL(ctx, keyPrefix+node.ID, data, r.cfg.RemovalTTL())
	})
}

// derive computes the node status per read. The rule is pure: a heartbeat
// older than the node TTL means unhealthy, the drain flag means draining,
// anything else is healthy.
func (r *Registry) derive(node *types.Node) {
	switch {
	case time.Since(node.LastHeartbeat) > r.cfg.NodeTTL():
		node.Status = types.NodeStatusUnhealthy
	case node.Draining:
		node.Status = types.NodeStatusDraining
	default:
		node.Status = types.NodeStatusHealthy
	}
}
