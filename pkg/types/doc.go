/*
Package types defines the core data structures of the StormStack control plane.

It contains the domain model shared by every other package: nodes, matches,
modules, scaling recommendations, and the aggregates served to the dashboard.

# Core Types

Fleet:
  - Node: a registered engine process with capacity and heartbeat metrics
  - NodeStatus: healthy, draining, unhealthy (derived per read, never stored)

Matches:
  - Match: a stateful workload placed on a node
  - MatchStatus: creating, running, finished, error
  - ClusterMatchID: (nodeId, containerId, localId) tuple with a stable
    hyphen-separated wire format

Modules:
  - Module: versioned artifact metadata, content-addressed by SHA-256

Scaling:
  - Recommendation: the autoscaler's periodic output value

# State Machine

Matches follow a monotone state machine:

	creating -> running -> finished
	    \----------\-----> error

Terminal states (finished, error) are immutable except for deletion.

All types serialize to JSON; entities live exclusively in the shared state
store, so round-tripping through JSON must be lossless.
*/
package types
