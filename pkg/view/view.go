// Package view computes the read-only aggregates behind the dashboard:
// cluster status, the overview, and paged node and match listings. It never
// writes to the store.
package view

import (
	"context"
	"sort"

	"github.com/stormstack/controlplane/pkg/autoscaler"
	"github.com/stormstack/controlplane/pkg/cperr"
	"github.com/stormstack/controlplane/pkg/matches"
	"github.com/stormstack/controlplane/pkg/nodes"
	"github.com/stormstack/controlplane/pkg/types"
)

// defaultPageSize applies when the caller passes zero.
const defaultPageSize = 20

// View aggregates fleet and match state for readers.
type View struct {
	nodes      *nodes.Registry
	matches    *matches.Registry
	autoscaler *autoscaler.Autoscaler
}

// NodePage is one window of the node listing.
type NodePage struct {
	Nodes []*types.Node `json:"nodes"`
	Page  types.Page    `json:"page"`
}

// MatchPage is one window of the match listing.
type MatchPage struct {
	Matches []*types.Match `json:"matches"`
	Page    types.Page     `json:"page"`
}

// New creates the cluster view.
func New(nodeReg *nodes.Registry, matchReg *matches.Registry, scaler *autoscaler.Autoscaler) *View {
	return &View{
		nodes:      nodeReg,
		matches:    matchReg,
		autoscaler: scaler,
	}
}

// ClusterStatus computes the fleet aggregate. Available capacity counts only
// healthy nodes; draining and unhealthy nodes take no new matches.
func (v *View) ClusterStatus(ctx context.Context) (*types.ClusterStatus, error) {
	fleet, err := v.nodes.List(ctx)
	if err != nil {
		return nil, err
	}
	all, err := v.matches.FindAll(ctx)
	if err != nil {
		return nil, err
	}

	status := &types.ClusterStatus{TotalNodes: len(fleet), TotalMatches: len(all)}

	activeByNode := map[string]int{}
	for _, match := range all {
		if match.Status == types.MatchStatusRunning {
			status.RunningMatches++
		}
		if match.Status.Active() {
			activeByNode[match.NodeID]++
		}
	}

	for _, node := range fleet {
		switch node.Status {
		case types.NodeStatusHealthy:
			status.HealthyNodes++
			status.TotalCapacity += node.Capacity
			if free := node.Capacity - activeByNode[node.ID]; free > 0 {
				status.AvailableCapacity += free
			}
		case types.NodeStatusDraining:
			status.DrainingNodes++
		}
	}
	return status, nil
}

// Overview combines cluster status, per-state match counts, and the latest
// scaling recommendation.
func (v *View) Overview(ctx context.Context) (*types.Overview, error) {
	cluster, err := v.ClusterStatus(ctx)
	if err != nil {
		return nil, err
	}
	all, err := v.matches.FindAll(ctx)
	if err != nil {
		return nil, err
	}

	byState := map[types.MatchStatus]int{
		types.MatchStatusCreating: 0,
		types.MatchStatusRunning:  0,
		types.MatchStatusFinished: 0,
		types.MatchStatusError:    0,
	}
	for _, match := range all {
		byState[match.Status]++
	}

	return &types.Overview{
		Cluster:        *cluster,
		MatchesByState: byState,
		LastScaling:    v.autoscaler.Latest(),
	}, nil
}

// ListNodes returns one page of the fleet, ordered by node id.
func (v *View) ListNodes(ctx context.Context, offset, pageSize int) (*NodePage, error) {
	fleet, err := v.nodes.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(fleet, func(i, j int) bool { return fleet[i].ID < fleet[j].ID })

	page, lo, hi, err := paginate(len(fleet), offset, pageSize)
	if err != nil {
		return nil, err
	}
	return &NodePage{Nodes: fleet[lo:hi], Page: page}, nil
}

// ListMatches returns one page of matches, ordered by id, optionally
// filtered by status.
func (v *View) ListMatches(ctx context.Context, status types.MatchStatus, offset, pageSize int) (*MatchPage, error) {
	var all []*types.Match
	var err error
	if status == "" {
		all, err = v.matches.FindAll(ctx)
	} else {
		all, err = v.matches.FindByStatus(ctx, status)
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID.String() < all[j].ID.String() })

	page, lo, hi, err := paginate(len(all), offset, pageSize)
	if err != nil {
		return nil, err
	}
	return &MatchPage{Matches: all[lo:hi], Page: page}, nil
}

// paginate validates the window and returns the page descriptor plus the
// slice bounds. An offset past the end yields an empty page, not an error.
func paginate(total, offset, pageSize int) (types.Page, int, int, error) {
	if offset < 0 {
		return types.Page{}, 0, 0, cperr.Validation.New("offset must not be negative, got %d", offset)
	}
	if pageSize < 0 {
		return types.Page{}, 0, 0, cperr.Validation.New("page size must not be negative, got %d", pageSize)
	}
	if pageSize == 0 {
		pageSize = defaultPageSize
	}

	lo := offset
	if lo > total {
		lo = total
	}
	hi := lo + pageSize
	if hi > total {
		hi = total
	}

	return types.Page{
		Offset:      offset,
		PageSize:    pageSize,
		Total:       total,
		HasNext:     offset+pageSize < total,
		HasPrevious: offset > 0,
	}, lo, hi, nil
}
