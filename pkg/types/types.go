package types

import (
	"time"
)

// Node represents a game engine process registered with the control plane.
type Node struct {
	ID            string      `json:"id"`
	Address       string      `json:"address"` // URL used to reach the engine
	Capacity      int         `json:"capacity"`
	Metrics       NodeMetrics `json:"metrics"`
	Draining      bool        `json:"draining"`
	Status        NodeStatus  `json:"status"`
	LastHeartbeat time.Time   `json:"lastHeartbeat"`
	RegisteredAt  time.Time   `json:"registeredAt"`
}

// NodeStatus represents the derived state of a node.
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDraining  NodeStatus = "draining"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// NodeMetrics carries the load figures a node reports with each heartbeat.
// Heartbeats are last-writer-wins on these fields.
type NodeMetrics struct {
	MatchCount     int     `json:"matchCount"`
	ContainerCount int     `json:"containerCount"`
	CPUUsage       float64 `json:"cpuUsage"`    // 0..1
	MemoryUsage    float64 `json:"memoryUsage"` // 0..1
}

// Match represents a stateful workload instance running on a node.
type Match struct {
	ID          ClusterMatchID `json:"id"`
	Status      MatchStatus    `json:"status"`
	Modules     []string       `json:"modules"`
	NodeID      string         `json:"nodeId"`
	PlayerCount int            `json:"playerCount"`
	PlayerLimit int            `json:"playerLimit"`
	Endpoints   MatchEndpoints `json:"endpoints"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	FinishedAt  time.Time      `json:"finishedAt,omitzero"`
}

// MatchStatus represents the lifecycle state of a match.
// Transitions are monotone: creating -> running -> finished, or any -> error.
type MatchStatus string

const (
	MatchStatusCreating MatchStatus = "creating"
	MatchStatusRunning  MatchStatus = "running"
	MatchStatusFinished MatchStatus = "finished"
	MatchStatusError    MatchStatus = "error"
)

// Active reports whether the status counts toward node and cluster load.
func (s MatchStatus) Active() bool {
	return s == MatchStatusCreating || s == MatchStatusRunning
}

// Terminal reports whether the status is immutable (except for deletion).
func (s MatchStatus) Terminal() bool {
	return s == MatchStatusFinished || s == MatchStatusError
}

// MatchEndpoints are the advertise addresses clients use to reach a match.
type MatchEndpoints struct {
	HTTP      string `json:"http,omitempty"`
	WebSocket string `json:"webSocket,omitempty"`
}

// Module is the metadata of a versioned artifact bundle. Artifact bytes are
// content-addressed by Hash and stored separately.
type Module struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description,omitempty"`
	FileName    string    `json:"fileName"`
	FileSize    int64     `json:"fileSize"`
	Hash        string    `json:"hash"` // hex SHA-256 of the artifact bytes
	UploadedBy  string    `json:"uploadedBy,omitempty"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// ScalingAction is the verb of an autoscaler recommendation.
type ScalingAction string

const (
	ScalingActionNone      ScalingAction = "none"
	ScalingActionScaleUp   ScalingAction = "scale_up"
	ScalingActionScaleDown ScalingAction = "scale_down"
)

// Recommendation is the value the autoscaler emits each tick. Applying it is
// the job of an external executor.
type Recommendation struct {
	Action      ScalingAction `json:"action"`
	CurrentSize int           `json:"currentSize"`
	TargetSize  int           `json:"targetSize"`
	Saturation  float64       `json:"saturation"` // 0..1
	Reason      string        `json:"reason"`
	ProducedAt  time.Time     `json:"producedAt"`
}

// ClusterStatus is the read-only aggregate computed by the cluster view.
type ClusterStatus struct {
	TotalNodes        int `json:"totalNodes"`
	HealthyNodes      int `json:"healthyNodes"`
	DrainingNodes     int `json:"drainingNodes"`
	TotalMatches      int `json:"totalMatches"`
	RunningMatches    int `json:"runningMatches"`
	TotalCapacity     int `json:"totalCapacity"`
	AvailableCapacity int `json:"availableCapacity"`
}

// Overview combines cluster status with autoscaler state and per-status
// match counts for the dashboard.
type Overview struct {
	Cluster        ClusterStatus       `json:"cluster"`
	MatchesByState map[MatchStatus]int `json:"matchesByState"`
	LastScaling    *Recommendation     `json:"lastScaling,omitempty"`
}

// Page describes an offset/page-size window over a listing.
type Page struct {
	Offset      int  `json:"offset"`
	PageSize    int  `json:"pageSize"`
	Total       int  `json:"total"`
	HasNext     bool `json:"hasNext"`
	HasPrevious bool `json:"hasPrevious"`
}
