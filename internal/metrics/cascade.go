// Package metrics exposes the engine's prometheus collectors. Everything
// registers once at init; importers just increment.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// EventsProcessed counts committed activation events partitioned by
	// program and operation (join, upgrade, auto, recycle).
	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_events_processed_total",
			Help: "count of committed activation events partitioned by program and operation",
		},
		[]string{"program", "op"},
	)
	// EventErrors counts rejected events partitioned by program and the
	// wire error code.
	EventErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_event_errors_total",
			Help: "count of rejected activation events partitioned by program and error code",
		},
		[]string{"program", "code"},
	)
	// AutoUpgrades counts auto-activated slots partitioned by program.
	AutoUpgrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_auto_upgrades_total",
			Help: "count of reserve-funded slot activations partitioned by program",
		},
		[]string{"program"},
	)
	// Recycles counts completed matrix generations.
	Recycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cascade_matrix_recycles_total",
			Help: "count of matrix generations that reached 39 members and recycled",
		})
	// FundPayouts counts ledger entries written by fund sweeps,
	// partitioned by pool.
	FundPayouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_fund_payout_entries_total",
			Help: "count of ledger entries written by fund distribution sweeps partitioned by pool",
		},
		[]string{"pool"},
	)
	// QueueDepth tracks pending auto-upgrade queue items.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cascade_upgrade_queue_depth",
			Help: "pending auto-upgrade queue items awaiting the worker",
		})
	// StreamClients tracks connected websocket subscribers.
	StreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cascade_stream_clients",
			Help: "connected websocket outcome stream subscribers",
		})
)

func init() {
	prometheus.MustRegister(EventsProcessed)
	prometheus.MustRegister(EventErrors)
	prometheus.MustRegister(AutoUpgrades)
	prometheus.MustRegister(Recycles)
	prometheus.MustRegister(FundPayouts)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(StreamClients)
}
