// Package router orchestrates the match lifecycle: placement, the creating
// to running handshake with the node engine, teardown, player counts, and
// sweeping of matches orphaned by node removal.
//
// The router owns the only writes to match status. All transitions go
// through the registry's CAS so a concurrent sweeper and creator converge on
// exactly one terminal outcome per match.
package router

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stormstack/controlplane/pkg/auth"
	"github.com/stormstack/controlplane/pkg/config"
	"github.com/stormstack/controlplane/pkg/cperr"
	"github.com/stormstack/controlplane/pkg/distributor"
	"github.com/stormstack/controlplane/pkg/engine"
	"github.com/stormstack/controlplane/pkg/events"
	"github.com/stormstack/controlplane/pkg/log"
	"github.com/stormstack/controlplane/pkg/matches"
	"github.com/stormstack/controlplane/pkg/metrics"
	"github.com/stormstack/controlplane/pkg/modules"
	"github.com/stormstack/controlplane/pkg/nodes"
	"github.com/stormstack/controlplane/pkg/scheduler"
	"github.com/stormstack/controlplane/pkg/types"
)

// bookkeepingTimeout bounds the status writes and compensation that must
// finish after the CREATING row exists, independent of the caller's context.
const bookkeepingTimeout = 15 * time.Second

// CreateRequest describes one match creation.
type CreateRequest struct {
	// Modules are "name@version" references; every one must be uploaded.
	Modules       []string `json:"modules"`
	PlayerLimit   int      `json:"playerLimit"`
	PreferredNode string   `json:"preferredNode,omitempty"`
	// PlayerID, when set and remote validation is enabled, requests a match
	// token for that player alongside the match. PlayerName and Scopes are
	// forwarded to the auth service as-is.
	PlayerID   string   `json:"playerId,omitempty"`
	PlayerName string   `json:"playerName,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
}

// CreateResult is the outcome of a successful creation. TokenFailure is set
// when the match started but the auth service could not mint a token; it
// never fails the creation itself.
type CreateResult struct {
	Match        *types.Match     `json:"match"`
	Token        *auth.MatchToken `json:"token,omitempty"`
	TokenFailure *auth.Failure    `json:"tokenFailure,omitempty"`
}

// Router coordinates registries, scheduler, engine client, and auth broker.
type Router struct {
	nodes       *nodes.Registry
	matches     *matches.Registry
	modules     *modules.Registry
	scheduler   *scheduler.Scheduler
	engine      *engine.Client
	auth        *auth.Broker
	distributor *distributor.Distributor
	broker      *events.Broker
	orphanGrace time.Duration
	logger      zerolog.Logger
}

// New wires the router.
func New(
	nodeReg *nodes.Registry,
	matchReg *matches.Registry,
	moduleReg *modules.Registry,
	sched *scheduler.Scheduler,
	client *engine.Client,
	broker *auth.Broker,
	dist *distributor.Distributor,
	eventBroker *events.Broker,
	cfg config.NodesConfig,
) *Router {
	return &Router{
		nodes:       nodeReg,
		matches:     matchReg,
		modules:     moduleReg,
		scheduler:   sched,
		engine:      client,
		auth:        broker,
		distributor: dist,
		broker:      eventBroker,
		orphanGrace: time.Duration(cfg.OrphanGraceSeconds) * time.Second,
		logger:      log.WithComponent("router"),
	}
}

// CreateMatch places and starts a match. The row is written as CREATING
// before the engine is called, and flips to RUNNING only after the engine
// acknowledged; any engine failure flips it to ERROR instead and tears the
// container down best-effort.
func (r *Router) CreateMatch(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	timer := metrics.NewTimer()

	if len(req.Modules) == 0 {
		return nil, cperr.Validation.New("a match needs at least one module")
	}
	if req.PlayerLimit < 0 {
		return nil, cperr.Validation.New("player limit must not be negative, got %d", req.PlayerLimit)
	}
	refs, err := parseModuleRefs(req.Modules)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		ok, err := r.modules.Exists(ctx, ref.name, ref.version)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, cperr.NotFound.New("module %s@%s is not uploaded", ref.name, ref.version)
		}
	}

	node, err := r.scheduler.Select(ctx, scheduler.Request{
		Modules:       req.Modules,
		PreferredNode: req.PreferredNode,
	})
	if err != nil {
		return nil, err
	}

	localID, err := r.matches.NextLocalID(ctx)
	if err != nil {
		return nil, err
	}
	id := types.ClusterMatchID{
		NodeID: node.ID,
		// Container ids must stay hyphen-free so the wire format parses.
		ContainerID: strings.ReplaceAll(uuid.NewString(), "-", ""),
		LocalID:     localID,
	}

	match := &types.Match{
		ID:          id,
		Status:      types.MatchStatusCreating,
		Modules:     req.Modules,
		NodeID:      node.ID,
		PlayerLimit: req.PlayerLimit,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.matches.Create(ctx, match); err != nil {
		return nil, err
	}

	// Once the CREATING row exists, every outcome must be recorded even if
	// the caller goes away mid-flight: a cancelled inbound context must not
	// strand the row or leak the engine-side match. Bookkeeping writes and
	// compensation run on their own detached deadline from here on.
	bookCtx, cancelBook := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancelBook()

	for _, ref := range refs {
		if err := r.distributor.DistributeToNode(ctx, node, ref.name, ref.version); err != nil {
			return nil, r.fail(bookCtx, node, id, "module distribution failed: "+err.Error(), false)
		}
	}

	created, err := r.engine.CreateMatch(ctx, node.Address, engine.CreateMatchRequest{
		ContainerID:  id.ContainerID,
		LocalMatchID: id.LocalID,
		Modules:      req.Modules,
	})
	if err != nil {
		return nil, r.fail(bookCtx, node, id, "engine create failed: "+err.Error(), true)
	}

	running, err := r.matches.Transition(bookCtx, id, types.MatchStatusRunning, func(m *types.Match) {
		m.Endpoints = created.Endpoints
	})
	if err != nil {
		// A sweeper won the race and errored the row; the engine-side match
		// must not outlive it.
		r.teardown(bookCtx, node.Address, id)
		return nil, err
	}

	r.broker.Publish(&events.Event{
		Type:    events.EventMatchCreated,
		NodeID:  node.ID,
		MatchID: id.String(),
	})
	timer.ObserveDuration(metrics.PlacementLatency)
	r.logger.Info().Str("match_id", id.String()).Str("node_id", node.ID).
		Strs("modules", req.Modules).Msg("match created")

	result := &CreateResult{Match: running}
	if r.auth.Enabled() && req.PlayerID != "" {
		token := r.auth.IssueMatchToken(ctx, auth.MatchTokenRequest{
			MatchID:     id.String(),
			ContainerID: id.ContainerID,
			PlayerID:    req.PlayerID,
			PlayerName:  req.PlayerName,
			Scopes:      req.Scopes,
		})
		result.Token = token.Token
		result.TokenFailure = token.Failure
	}
	return result, nil
}

// FindByID returns one match.
func (r *Router) FindByID(ctx context.Context, id types.ClusterMatchID) (*types.Match, error) {
	return r.matches.FindByID(ctx, id)
}

// FindAll returns every match.
func (r *Router) FindAll(ctx context.Context) ([]*types.Match, error) {
	return r.matches.FindAll(ctx)
}

// FindByStatus returns every match in the given state.
func (r *Router) FindByStatus(ctx context.Context, status types.MatchStatus) ([]*types.Match, error) {
	return r.matches.FindByStatus(ctx, status)
}

// FinishMatch ends a running match gracefully: the engine is told first,
// then the row flips to FINISHED. Finishing a finished match is a no-op.
func (r *Router) FinishMatch(ctx context.Context, id types.ClusterMatchID) (*types.Match, error) {
	match, err := r.matches.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if match.Status.Terminal() {
		return match, nil
	}

	if node, err := r.nodes.Get(ctx, match.NodeID); err == nil {
		if err := r.engine.FinishMatch(ctx, node.Address, id.ContainerID, id.LocalID); err != nil && !cperr.NotFound.Has(err) {
			return nil, err
		}
	}
	// Node gone from the registry: nothing to tell, the row still finishes.

	finished, err := r.matches.Transition(ctx, id, types.MatchStatusFinished, func(m *types.Match) {
		m.FinishedAt = time.Now().UTC()
	})
	if err != nil {
		return nil, err
	}
	r.broker.Publish(&events.Event{
		Type:    events.EventMatchFinished,
		NodeID:  match.NodeID,
		MatchID: id.String(),
	})
	return finished, nil
}

// DeleteMatch tears a match down and removes its row. Unknown ids surface
// NOT_FOUND to the caller.
func (r *Router) DeleteMatch(ctx context.Context, id types.ClusterMatchID) error {
	match, err := r.matches.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if match.Status.Active() {
		if node, err := r.nodes.Get(ctx, match.NodeID); err == nil {
			r.teardown(ctx, node.Address, id)
		}
	}
	return r.matches.DeleteByID(ctx, id)
}

// UpdatePlayerCount records the current player count on a running match.
func (r *Router) UpdatePlayerCount(ctx context.Context, id types.ClusterMatchID, count int) (*types.Match, error) {
	if count < 0 {
		return nil, cperr.Validation.New("player count must not be negative, got %d", count)
	}
	return r.matches.Update(ctx, id, func(m *types.Match) error {
		if m.Status.Terminal() {
			return cperr.Conflict.New("match %s is %s, player count is frozen", id, m.Status)
		}
		if m.PlayerLimit > 0 && count > m.PlayerLimit {
			return cperr.Validation.New("player count %d exceeds limit %d", count, m.PlayerLimit)
		}
		m.PlayerCount = count
		return nil
	})
}

// SweepNode errors every active match owned by a removed node and prunes
// terminal rows that aged past the orphan grace window. Idempotent: a second
// sweep of the same node finds nothing active.
func (r *Router) SweepNode(ctx context.Context, nodeID string) error {
	owned, err := r.matches.FindByNodeID(ctx, nodeID)
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-r.orphanGrace)
	for _, match := range owned {
		if match.Status.Active() {
			swept, err := r.matches.Transition(ctx, match.ID, types.MatchStatusError, func(m *types.Match) {
				m.Error = "node " + nodeID + " was removed"
				m.FinishedAt = time.Now().UTC()
			})
			if cperr.Conflict.Has(err) || cperr.NotFound.Has(err) {
				continue
			}
			if err != nil {
				return err
			}
			metrics.MatchesSweptTotal.Inc()
			r.broker.Publish(&events.Event{
				Type:    events.EventMatchSwept,
				NodeID:  nodeID,
				MatchID: swept.ID.String(),
			})
			r.logger.Warn().Str("match_id", swept.ID.String()).Str("node_id", nodeID).
				Msg("match swept after node removal")
			continue
		}
		if match.Status.Terminal() && !match.FinishedAt.IsZero() && match.FinishedAt.Before(cutoff) {
			if err := r.matches.DeleteByID(ctx, match.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// fail flips the row to ERROR and optionally tears the engine container
// down. The returned error carries the upstream failure to the caller.
func (r *Router) fail(ctx context.Context, node *types.Node, id types.ClusterMatchID, reason string, engineStarted bool) error {
	_, err := r.matches.Transition(ctx, id, types.MatchStatusError, func(m *types.Match) {
		m.Error = reason
		m.FinishedAt = time.Now().UTC()
	})
	if err != nil && !cperr.Conflict.Has(err) && !cperr.NotFound.Has(err) {
		r.logger.Error().Err(err).Str("match_id", id.String()).
			Msg("failed to record match error state")
	}
	if engineStarted {
		r.teardown(ctx, node.Address, id)
	}
	r.logger.Error().Str("match_id", id.String()).Str("node_id", node.ID).
		Str("reason", reason).Msg("match creation failed")
	return cperr.Upstream.New("match %s failed: %s", id, reason)
}

// teardown removes the engine-side container best-effort. NOT_FOUND means it
// was never started or already gone, which is the desired end state.
func (r *Router) teardown(ctx context.Context, address string, id types.ClusterMatchID) {
	err := r.engine.DeleteMatch(ctx, address, id.ContainerID, id.LocalID)
	if err != nil && !cperr.NotFound.Has(err) {
		r.logger.Warn().Err(err).Str("match_id", id.String()).
			Msg("engine teardown failed, container may linger")
	}
}

type moduleRef struct {
	name    string
	version string
}

// parseModuleRefs splits "name@version" references. The version is required
// so placements are reproducible.
func parseModuleRefs(refs []string) ([]moduleRef, error) {
	parsed := make([]moduleRef, 0, len(refs))
	for _, ref := range refs {
		at := strings.LastIndex(ref, "@")
		if at <= 0 || at == len(ref)-1 {
			return nil, cperr.Validation.New("module reference %q is not name@version", ref)
		}
		parsed = append(parsed, moduleRef{name: ref[:at], version: ref[at+1:]})
	}
	return parsed, nil
}
