// Package metrics holds the Prometheus collectors exported by streamwatch.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Consumption
	EventsHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamwatch_events_handled_total",
		Help: "Events handled successfully, by operation type",
	}, []string{"stream", "operation"})

	EventsFiltered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamwatch_events_filtered_total",
		Help: "Events skipped by the filter expression",
	}, []string{"stream"})

	HandlerFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamwatch_handler_faults_total",
		Help: "Events the handler failed to apply",
	}, []string{"stream"})

	HandleLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamwatch_handle_latency_seconds",
		Help:    "Time spent in the event handler",
		Buckets: prometheus.DefBuckets,
	}, []string{"stream"})

	// Positions
	PositionsSaved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamwatch_positions_saved_total",
		Help: "Resume positions persisted",
	}, []string{"stream"})

	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamwatch_store_errors_total",
		Help: "Failed resume position loads and saves",
	}, []string{"stream", "op"})

	LastPositionTime = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamwatch_last_position_cluster_time_seconds",
		Help: "Cluster time of the last saved position",
	}, []string{"stream"})

	StreamGaps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamwatch_stream_gaps_total",
		Help: "Consecutive events further apart in cluster time than the gap threshold",
	}, []string{"stream"})

	// Connection lifecycle
	Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamwatch_reconnects_total",
		Help: "Reconnection attempts after a fault",
	}, []string{"stream"})

	WatcherState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamwatch_watcher_state",
		Help: "Current watcher state (0 idle, 1 connecting, 2 subscribed, 3 consuming, 4 faulted, 5 stopped)",
	}, []string{"stream"})
)

func init() {
	prometheus.MustRegister(EventsHandled)
	prometheus.MustRegister(EventsFiltered)
	prometheus.MustRegister(HandlerFaults)
	prometheus.MustRegister(HandleLatency)
	prometheus.MustRegister(PositionsSaved)
	prometheus.MustRegister(StoreErrors)
	prometheus.MustRegister(LastPositionTime)
	prometheus.MustRegister(StreamGaps)
	prometheus.MustRegister(Reconnects)
	prometheus.MustRegister(WatcherState)
}
