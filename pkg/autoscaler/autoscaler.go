// Package autoscaler runs the scaling control loop. Each tick it reads the
// fleet size and cluster saturation and emits a recommendation; applying the
// recommendation is the job of an external executor, never this process.
package autoscaler

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stormstack/controlplane/pkg/config"
	"github.com/stormstack/controlplane/pkg/events"
	"github.com/stormstack/controlplane/pkg/log"
	"github.com/stormstack/controlplane/pkg/metrics"
	"github.com/stormstack/controlplane/pkg/nodes"
	"github.com/stormstack/controlplane/pkg/scheduler"
	"github.com/stormstack/controlplane/pkg/store"
	"github.com/stormstack/controlplane/pkg/types"
)

// lastActionKey persists the cooldown marker so restarts do not flap.
const lastActionKey = "autoscaler:last-action"

type lastAction struct {
	Action types.ScalingAction `json:"action"`
	At     time.Time           `json:"at"`
}

// Autoscaler produces scaling recommendations on a fixed interval.
type Autoscaler struct {
	nodes     *nodes.Registry
	scheduler *scheduler.Scheduler
	store     store.Store
	broker    *events.Broker
	cfg       config.AutoscalerConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   zerolog.Logger

	mu     sync.RWMutex
	latest *types.Recommendation
}

// New creates an autoscaler; Start launches its loop.
func New(nodeReg *nodes.Registry, sched *scheduler.Scheduler, st store.Store, broker *events.Broker, cfg config.AutoscalerConfig) *Autoscaler {
	return &Autoscaler{
		nodes:     nodeReg,
		scheduler: sched,
		store:     st,
		broker:    broker,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		logger:    log.WithComponent("autoscaler"),
	}
}

// Start launches the tick loop.
func (a *Autoscaler) Start() {
	a.wg.Add(1)
	go a.run()
}

// Stop terminates the loop and waits for it to exit.
func (a *Autoscaler) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

// Latest returns the most recent recommendation, nil before the first tick.
func (a *Autoscaler) Latest() *types.Recommendation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.latest == nil {
		return nil
	}
	rec := *a.latest
	return &rec
}

func (a *Autoscaler) run() {
	defer a.wg.Done()

	interval := time.Duration(a.cfg.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			rec, err := a.Evaluate(ctx)
			cancel()
			if err != nil {
				a.logger.Error().Err(err).Msg("scaling evaluation failed")
				continue
			}
			a.record(rec)
		case <-a.stopCh:
			return
		}
	}
}

// Evaluate computes the recommendation for the current fleet state. Exposed
// so the dashboard can trigger an on-demand evaluation and tests can drive
// the loop synchronously.
func (a *Autoscaler) Evaluate(ctx context.Context) (*types.Recommendation, error) {
	fleet, err := a.nodes.List(ctx)
	if err != nil {
		return nil, err
	}
	saturation, err := a.scheduler.ClusterSaturation(ctx)
	if err != nil {
		return nil, err
	}

	// Sizing decisions count healthy nodes only: a fleet of registered but
	// unhealthy nodes serves nothing and must still trigger the minimum.
	n := 0
	for _, node := range fleet {
		if node.Status == types.NodeStatusHealthy {
			n++
		}
	}
	rec := &types.Recommendation{
		Action:      types.ScalingActionNone,
		CurrentSize: n,
		TargetSize:  n,
		Saturation:  saturation,
		ProducedAt:  time.Now().UTC(),
	}

	switch {
	case n < a.cfg.MinNodes:
		// Below the floor the recommendation ignores thresholds and cooldown.
		rec.Action = types.ScalingActionScaleUp
		rec.TargetSize = a.cfg.MinNodes
		rec.Reason = "fleet below configured minimum"
	case saturation >= a.cfg.ScaleUpThreshold:
		target := ceilScale(n, 1.5)
		if target > a.cfg.MaxNodes {
			target = a.cfg.MaxNodes
		}
		if target > n {
			rec.Action = types.ScalingActionScaleUp
			rec.TargetSize = target
			rec.Reason = "saturation above scale-up threshold"
		} else {
			rec.Reason = "saturated but already at maximum"
		}
	case saturation <= a.cfg.ScaleDownThreshold && n > a.cfg.MinNodes:
		target := ceilScale(n, 0.75)
		if target < a.cfg.MinNodes {
			target = a.cfg.MinNodes
		}
		if target < n {
			rec.Action = types.ScalingActionScaleDown
			rec.TargetSize = target
			rec.Reason = "saturation below scale-down threshold"
		}
	default:
		rec.Reason = "saturation within bounds"
	}

	if rec.Action != types.ScalingActionNone && rec.Reason != "fleet below configured minimum" {
		cooled, err := a.cooledDown(ctx, rec.ProducedAt)
		if err != nil {
			return nil, err
		}
		if !cooled {
			rec.Action = types.ScalingActionNone
			rec.TargetSize = n
			rec.Reason = "in cooldown after previous action"
		}
	}

	if rec.Action != types.ScalingActionNone {
		if err := a.markAction(ctx, rec); err != nil {
			a.logger.Warn().Err(err).Msg("failed to persist cooldown marker")
		}
	}
	return rec, nil
}

func (a *Autoscaler) record(rec *types.Recommendation) {
	a.mu.Lock()
	a.latest = rec
	a.mu.Unlock()

	metrics.ScalingRecommendations.WithLabelValues(string(rec.Action)).Inc()
	if rec.Action != types.ScalingActionNone {
		a.broker.Publish(&events.Event{
			Type:    events.EventScaleRecommend,
			Message: rec.Reason,
			Metadata: map[string]string{
				"action": string(rec.Action),
			},
		})
		a.logger.Info().
			Str("action", string(rec.Action)).
			Int("current", rec.CurrentSize).
			Int("target", rec.TargetSize).
			Float64("saturation", rec.Saturation).
			Msg("scaling recommended")
	}
}

// cooledDown reports whether enough time passed since the last non-none
// action. The marker lives in the shared store so restarts keep the clock.
func (a *Autoscaler) cooledDown(ctx context.Context, now time.Time) (bool, error) {
	var data []byte
	err := store.Retry(ctx, func() error {
		var err error
		data, err = a.store.Get(ctx, lastActionKey)
		return err
	})
	if store.ErrKeyNotFound.Has(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	var last lastAction
	if err := json.Unmarshal(data, &last); err != nil {
		return true, nil
	}
	cooldown := time.Duration(a.cfg.CooldownSeconds) * time.Second
	return now.Sub(last.At) >= cooldown, nil
}

func (a *Autoscaler) markAction(ctx context.Context, rec *types.Recommendation) error {
	data, err := json.Marshal(lastAction{Action: rec.Action, At: rec.ProducedAt})
	if err != nil {
		return err
	}
	return store.Retry(ctx, func() error {
		return a.store.Put(ctx, lastActionKey, data)
	})
}

func ceilScale(n int, factor float64) int {
	return int(math.Ceil(float64(n) * factor))
}
