// Package scheduler selects target nodes for new matches using a
// least-loaded policy with preferred-node affinity and a deterministic
// tie-break, and exposes the cluster saturation signal the autoscaler
// consumes.
package scheduler

import (
	"context"
	"hash/fnv"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/stormstack/controlplane/pkg/config"
	"github.com/stormstack/controlplane/pkg/cperr"
	"github.com/stormstack/controlplane/pkg/log"
	"github.com/stormstack/controlplane/pkg/matches"
	"github.com/stormstack/controlplane/pkg/metrics"
	"github.com/stormstack/controlplane/pkg/nodes"
	"github.com/stormstack/controlplane/pkg/types"
)

// Request describes one placement.
type Request struct {
	Modules       []string
	PreferredNode string
	// ReservedSlots is the number of capacity slots to reserve; zero means
	// one (the match itself).
	ReservedSlots int
}

// Scheduler picks nodes for new matches.
type Scheduler struct {
	nodes         *nodes.Registry
	matches       *matches.Registry
	maxContainers int
	tieBreakSeed  int64
	logger        zerolog.Logger
}

// New creates a scheduler reading fleet state from the two registries.
func New(nodeReg *nodes.Registry, matchReg *matches.Registry, cfg config.SchedulerConfig, maxContainers int) *Scheduler {
	return &Scheduler{
		nodes:         nodeReg,
		matches:       matchReg,
		maxContainers: maxContainers,
		tieBreakSeed:  cfg.TieBreakSeed,
		logger:        log.WithComponent("scheduler"),
	}
}

// Select returns the node a new match should be placed on.
//
// Candidates are healthy nodes whose active matches plus the requested slots
// fit the capacity. A preferred node that is itself a candidate wins;
// otherwise the candidate with the lowest saturation does, ties broken by
// lexicographic node id so placements are reproducible.
func (s *Scheduler) Select(ctx context.Context, req Request) (*types.Node, error) {
	fleet, err := s.nodes.List(ctx)
	if err != nil {
		return nil, err
	}
	active, err := s.activeByNode(ctx)
	if err != nil {
		return nil, err
	}

	slots := req.ReservedSlots
	if slots <= 0 {
		slots = 1
	}

	healthy := 0
	var candidates []*types.Node
	for _, node := range fleet {
		if node.Status != types.NodeStatusHealthy {
			continue
		}
		healthy++
		if active[node.ID]+slots > node.Capacity {
			continue
		}
		if s.maxContainers > 0 && node.Metrics.ContainerCount >= s.maxContainers {
			continue
		}
		candidates = append(candidates, node)
	}

	if healthy == 0 {
		metrics.PlacementsTotal.WithLabelValues("no_healthy_nodes").Inc()
		return nil, cperr.NoHealthyNodes.New("cluster has no healthy nodes")
	}
	if len(candidates) == 0 {
		metrics.PlacementsTotal.WithLabelValues("no_capacity").Inc()
		return nil, cperr.NoCapacity.New("no healthy node has %d free slots", slots)
	}

	if req.PreferredNode != "" {
		for _, node := range candidates {
			if node.ID == req.PreferredNode {
				metrics.PlacementsTotal.WithLabelValues("placed").Inc()
				return node, nil
			}
		}
		// Preferred node absent or ineligible: fall through to least-loaded.
	}

	sort.Slice(candidates, func(i, j int) bool {
		si := saturation(active[candidates[i].ID], candidates[i].Capacity)
		sj := saturation(active[candidates[j].ID], candidates[j].Capacity)
		if si != sj {
			return si < sj
		}
		return s.tieBreak(candidates[i].ID) < s.tieBreak(candidates[j].ID)
	})

	metrics.PlacementsTotal.WithLabelValues("placed").Inc()
	return candidates[0], nil
}

// ClusterSaturation reports total active matches over total capacity across
// healthy nodes. With no healthy nodes the cluster is saturated by
// definition.
func (s *Scheduler) ClusterSaturation(ctx context.Context) (float64, error) {
	fleet, err := s.nodes.List(ctx)
	if err != nil {
		return 0, err
	}
	active, err := s.activeByNode(ctx)
	if err != nil {
		return 0, err
	}

	totalActive, totalCapacity := 0, 0
	for _, node := range fleet {
		if node.Status != types.NodeStatusHealthy {
			continue
		}
		totalActive += active[node.ID]
		totalCapacity += node.Capacity
	}
	if totalCapacity == 0 {
		metrics.ClusterSaturation.Set(1.0)
		return 1.0, nil
	}

	sat := float64(totalActive) / float64(totalCapacity)
	if sat > 1.0 {
		sat = 1.0
	}
	metrics.ClusterSaturation.Set(sat)
	return sat, nil
}

func (s *Scheduler) activeByNode(ctx context.Context) (map[string]int, error) {
	all, err := s.matches.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	active := make(map[string]int, len(all))
	for _, match := range all {
		if match.Status.Active() {
			active[match.NodeID]++
		}
	}
	return active, nil
}

// tieBreak returns the ordering key for nodes with equal saturation. With a
// zero seed it is the node id itself; a seed mixes the id through FNV so
// operators can de-correlate tie-breaks across control plane instances.
func (s *Scheduler) tieBreak(nodeID string) string {
	if s.tieBreakSeed == 0 {
		return nodeID
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(strconv.FormatInt(s.tieBreakSeed, 10)))
	_, _ = h.Write([]byte(nodeID))
	return strconv.FormatUint(h.Sum64(), 16) + nodeID
}

func saturation(active, capacity int) float64 {
	if capacity <= 0 {
		return 1.0
	}
	return float64(active) / float64(capacity)
}
