// Package metrics declares the prometheus instruments exported by the
// control plane and the HTTP handler that serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stormstack_nodes_total",
			Help: "Total number of registered nodes by status",
		},
		[]string{"status"},
	)

	MatchesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stormstack_matches_total",
			Help: "Total number of matches by status",
		},
		[]string{"status"},
	)

	ClusterSaturation = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stormstack_cluster_saturation",
			Help: "Ratio of active matches to total healthy capacity (0-1)",
		},
	)

	// Scheduler metrics
	PlacementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormstack_placements_total",
			Help: "Total number of placement decisions by outcome",
		},
		[]string{"outcome"},
	)

	PlacementLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stormstack_placement_latency_seconds",
			Help:    "Time taken to place a match in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Distributor metrics
	ModulePushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormstack_module_pushes_total",
			Help: "Total number of module artifact pushes by outcome",
		},
		[]string{"outcome"},
	)

	// Autoscaler metrics
	ScalingRecommendations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormstack_scaling_recommendations_total",
			Help: "Total number of autoscaler recommendations by action",
		},
		[]string{"action"},
	)

	// Sweeper metrics
	MatchesSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stormstack_matches_swept_total",
			Help: "Total number of orphaned matches transitioned to error",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormstack_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stormstack_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Auth broker metrics
	MatchTokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormstack_match_tokens_total",
			Help: "Total number of match token requests by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(MatchesTotal)
	prometheus.MustRegister(ClusterSaturation)
	prometheus.MustRegister(PlacementsTotal)
	prometheus.MustRegister(PlacementLatency)
	prometheus.MustRegister(ModulePushesTotal)
	prometheus.MustRegister(ScalingRecommendations)
	prometheus.MustRegister(MatchesSweptTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(MatchTokensIssued)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
