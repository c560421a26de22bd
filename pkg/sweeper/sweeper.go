// Package sweeper runs the background hygiene loops: a periodic node sweep
// that detects vanished and unhealthy nodes, and an orphan worker that
// errors the matches a removed node left behind.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stormstack/controlplane/pkg/config"
	"github.com/stormstack/controlplane/pkg/events"
	"github.com/stormstack/controlplane/pkg/log"
	"github.com/stormstack/controlplane/pkg/metrics"
	"github.com/stormstack/controlplane/pkg/nodes"
	"github.com/stormstack/controlplane/pkg/router"
	"github.com/stormstack/controlplane/pkg/types"
)

// Sweeper owns the node and orphan sweep loops.
type Sweeper struct {
	nodes    *nodes.Registry
	router   *router.Router
	broker   *events.Broker
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   zerolog.Logger

	// known is the fleet snapshot of the previous tick; a node present there
	// but absent from the store has passed its removal deadline.
	known map[string]types.NodeStatus
}

// New creates a sweeper; Start launches its loops.
func New(nodeReg *nodes.Registry, rt *router.Router, broker *events.Broker, cfg config.NodesConfig) *Sweeper {
	return &Sweeper{
		nodes:    nodeReg,
		router:   rt,
		broker:   broker,
		interval: time.Duration(cfg.SweepIntervalSeconds) * time.Second,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("sweeper"),
		known:    make(map[string]types.NodeStatus),
	}
}

// Start launches the node sweep ticker and the orphan worker.
func (s *Sweeper) Start() {
	s.wg.Add(2)
	go s.runNodeSweep()
	go s.runOrphanWorker()
}

// Stop terminates both loops and waits for them to exit.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) runNodeSweep() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepNodes()
		case <-s.stopCh:
			return
		}
	}
}

// sweepNodes diffs the fleet against the previous snapshot. Nodes whose
// store entry expired are announced as removed; health transitions are
// announced once per flip.
func (s *Sweeper) sweepNodes() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	fleet, err := s.nodes.List(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("node sweep failed to list fleet")
		return
	}

	current := make(map[string]types.NodeStatus, len(fleet))
	counts := map[types.NodeStatus]int{}
	for _, node := range fleet {
		current[node.ID] = node.Status
		counts[node.Status]++

		if node.Status == types.NodeStatusUnhealthy && s.known[node.ID] != types.NodeStatusUnhealthy {
			s.logger.Warn().Str("node_id", node.ID).
				Time("last_heartbeat", node.LastHeartbeat).Msg("node became unhealthy")
			s.broker.Publish(&events.Event{Type: events.EventNodeUnhealthy, NodeID: node.ID})
		}
	}

	for id := range s.known {
		if _, alive := current[id]; !alive {
			s.logger.Warn().Str("node_id", id).Msg("node entry expired, sweeping its matches")
			s.broker.Publish(&events.Event{Type: events.EventNodeRemoved, NodeID: id})
		}
	}

	// Matches can reference nodes that vanished before this process started;
	// the snapshot diff never sees those, so look for them directly.
	all, err := s.router.FindAll(ctx)
	if err == nil {
		matchCounts := map[types.MatchStatus]int{}
		strays := map[string]bool{}
		for _, match := range all {
			matchCounts[match.Status]++
			if !match.Status.Active() {
				continue
			}
			_, alive := current[match.NodeID]
			_, seen := s.known[match.NodeID]
			if !alive && !seen {
				strays[match.NodeID] = true
			}
		}
		for id := range strays {
			s.broker.Publish(&events.Event{Type: events.EventNodeRemoved, NodeID: id})
		}
		for _, status := range []types.MatchStatus{types.MatchStatusCreating, types.MatchStatusRunning, types.MatchStatusFinished, types.MatchStatusError} {
			metrics.MatchesTotal.WithLabelValues(string(status)).Set(float64(matchCounts[status]))
		}
	}

	for _, status := range []types.NodeStatus{types.NodeStatusHealthy, types.NodeStatusDraining, types.NodeStatusUnhealthy} {
		metrics.NodesTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	s.known = current
}

func (s *Sweeper) runOrphanWorker() {
	defer s.wg.Done()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			if event.Type != events.EventNodeRemoved {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if err := s.router.SweepNode(ctx, event.NodeID); err != nil {
				s.logger.Error().Err(err).Str("node_id", event.NodeID).
					Msg("orphan sweep failed, will retry on next removal event")
			}
			cancel()
		case <-s.stopCh:
			return
		}
	}
}
