// Package metrics registers the process's prometheus collectors. Each
// component takes the handles it needs from here rather than importing
// prometheus directly, mirroring the package-level var block the teacher
// registers from in its own metrics package.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TickQueueDepth is the number of tasks currently queued on the tick
	// loop (C2).
	TickQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetwright_tick_queue_depth",
		Help: "Number of tasks queued on the tick loop",
	})

	// ClusterIsHead reports whether this node currently holds the head
	// tie-breaker role (C6).
	ClusterIsHead = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetwright_cluster_is_head",
		Help: "Whether this node is the cluster head (1 = head, 0 = not)",
	})

	// ClusterPeersByState reports peer NodeServer counts by state (C6).
	ClusterPeersByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetwright_cluster_peers",
		Help: "Number of known peers by NodeServer state",
	}, []string{"state"})

	// BusMessagesTotal counts outbound channel messages by target kind (C5).
	BusMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwright_bus_messages_total",
		Help: "Total channel messages sent, by target kind",
	}, []string{"target_kind"})

	// BusQueriesTotal counts completed bus queries by outcome (C5).
	BusQueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwright_bus_queries_total",
		Help: "Total bus queries completed, by outcome",
	}, []string{"outcome"})

	// ServicesTotal reports managed services by lifecycle state (C8).
	ServicesTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetwright_services_total",
		Help: "Total number of services by lifecycle state",
	}, []string{"lifecycle"})

	// NodeMemoryUsedMiB reports this node's current committed service
	// memory (C8 placement).
	NodeMemoryUsedMiB = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetwright_node_memory_used_mib",
		Help: "Memory in MiB committed to local services",
	})

	// ChunkSessionsTotal counts chunked-transfer sessions by outcome (C4).
	ChunkSessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwright_chunk_sessions_total",
		Help: "Total chunked transfer sessions, by outcome",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		TickQueueDepth,
		ClusterIsHead,
		ClusterPeersByState,
		BusMessagesTotal,
		BusQueriesTotal,
		ServicesTotal,
		NodeMemoryUsedMiB,
		ChunkSessionsTotal,
	)
}

// Handler returns the prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
