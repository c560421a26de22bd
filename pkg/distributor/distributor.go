// Package distributor pushes module artifacts to node engines. Distribution
// is read-only with respect to match state: it probes each engine for the
// content hash, pushes on a miss, and reports how many nodes ended up
// holding the artifact.
package distributor

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/stormstack/controlplane/pkg/cperr"
	"github.com/stormstack/controlplane/pkg/engine"
	"github.com/stormstack/controlplane/pkg/events"
	"github.com/stormstack/controlplane/pkg/log"
	"github.com/stormstack/controlplane/pkg/metrics"
	"github.com/stormstack/controlplane/pkg/modules"
	"github.com/stormstack/controlplane/pkg/nodes"
	"github.com/stormstack/controlplane/pkg/types"
)

// Distributor fans module artifacts out to the fleet.
type Distributor struct {
	nodes   *nodes.Registry
	modules *modules.Registry
	engine  *engine.Client
	broker  *events.Broker
	cache   *artifactCache
	logger  zerolog.Logger
}

// New creates a distributor with a local artifact cache under dataDir.
func New(nodeReg *nodes.Registry, moduleReg *modules.Registry, client *engine.Client, broker *events.Broker, dataDir string) (*Distributor, error) {
	cache, err := openCache(dataDir)
	if err != nil {
		return nil, err
	}
	return &Distributor{
		nodes:   nodeReg,
		modules: moduleReg,
		engine:  client,
		broker:  broker,
		cache:   cache,
		logger:  log.WithComponent("distributor"),
	}, nil
}

// Close releases the local artifact cache.
func (d *Distributor) Close() error {
	return d.cache.close()
}

// DistributeToNode ensures one node's engine holds the artifact. The engine
// is probed by content hash first so repeated distribution is cheap.
func (d *Distributor) DistributeToNode(ctx context.Context, node *types.Node, name, version string) error {
	meta, artifact, err := d.load(ctx, name, version)
	if err != nil {
		return err
	}
	return d.push(ctx, node, meta, artifact)
}

// DistributeToAllNodes pushes the artifact to every healthy node. Draining
// nodes take no new matches, so they are skipped. Individual node failures
// are logged and counted, never fatal; the success count is returned.
func (d *Distributor) DistributeToAllNodes(ctx context.Context, name, version string) (int, error) {
	meta, artifact, err := d.load(ctx, name, version)
	if err != nil {
		return 0, err
	}

	fleet, err := d.nodes.List(ctx)
	if err != nil {
		return 0, err
	}

	succeeded := 0
	for _, node := range fleet {
		if node.Status != types.NodeStatusHealthy {
			continue
		}
		if err := d.push(ctx, node, meta, artifact); err != nil {
			continue
		}
		succeeded++
	}

	d.broker.Publish(&events.Event{
		Type:    events.EventModulePushed,
		Message: meta.Name + "@" + meta.Version,
		Metadata: map[string]string{
			"hash": meta.Hash,
		},
	})
	return succeeded, nil
}

func (d *Distributor) push(ctx context.Context, node *types.Node, meta *types.Module, artifact []byte) error {
	has, err := d.engine.HasModule(ctx, node.Address, meta.Hash)
	if err != nil {
		metrics.ModulePushesTotal.WithLabelValues("probe_failed").Inc()
		d.logger.Warn().Err(err).
			Str("node_id", node.ID).
			Str("module", meta.Name).
			Str("version", meta.Version).
			Msg("module probe failed")
		return err
	}
	if has {
		metrics.ModulePushesTotal.WithLabelValues("already_present").Inc()
		return nil
	}

	status, err := d.engine.DistributeModule(ctx, node.Address, meta, artifact)
	if err != nil {
		metrics.ModulePushesTotal.WithLabelValues("push_failed").Inc()
		d.logger.Warn().Err(err).
			Str("node_id", node.ID).
			Str("module", meta.Name).
			Str("version", meta.Version).
			Int("status", status).
			Msg("module push failed")
		return err
	}

	metrics.ModulePushesTotal.WithLabelValues("pushed").Inc()
	d.logger.Info().
		Str("node_id", node.ID).
		Str("module", meta.Name).
		Str("version", meta.Version).
		Msg("module pushed")
	return nil
}

// load resolves metadata and artifact bytes, serving the bytes from the
// local cache when the hash is already present.
func (d *Distributor) load(ctx context.Context, name, version string) (*types.Module, []byte, error) {
	meta, err := d.modules.FindByNameAndVersion(ctx, name, version)
	if err != nil {
		return nil, nil, err
	}

	if artifact := d.cache.get(meta.Hash); artifact != nil {
		return meta, artifact, nil
	}

	artifact, meta, err := d.modules.Bytes(ctx, name, version)
	if err != nil {
		return nil, nil, err
	}
	if err := d.cache.put(meta.Hash, artifact); err != nil {
		// Cache writes are best-effort; distribution proceeds from memory.
		d.logger.Warn().Err(cperr.Internal.Wrap(err)).
			Str("module", name).Str("version", version).
			Msg("artifact cache write failed")
	}
	return meta, artifact, nil
}
