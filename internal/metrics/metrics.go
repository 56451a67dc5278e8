// Package metrics exposes Prometheus instruments for the coordinator and
// nodes. Each Metrics owns its registry; nothing touches the global
// default.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument.
type Metrics struct {
	reg *prometheus.Registry

	// Blocks approximates the number of registered blocks.
	Blocks prometheus.Gauge
	// Queries counts coordinator queries by outcome (ok, invalid).
	Queries *prometheus.CounterVec
	// QueryDuration is coordinator query latency.
	QueryDuration prometheus.Histogram
	// NodeFailures counts per-node query failures by reason (timeout, error).
	NodeFailures *prometheus.CounterVec
	// Specs is the number of specs per state.
	Specs *prometheus.GaugeVec
	// Tasks counts task dispatches by type and resulting state.
	Tasks *prometheus.CounterVec
	// Polls counts node polls by outcome.
	Polls *prometheus.CounterVec
	// TaskQueue is the number of tasks waiting on a node.
	TaskQueue prometheus.Gauge
}

// New creates and registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		Blocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nebula_blocks",
			Help: "Approximate number of registered blocks",
		}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nebula_queries_total",
			Help: "Total number of queries",
		}, []string{"status"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nebula_query_duration_seconds",
			Help:    "Query latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		NodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nebula_query_node_failures_total",
			Help: "Per-node query failures degraded to empty results",
		}, []string{"reason"}),
		Specs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nebula_specs",
			Help: "Number of ingestion specs by state",
		}, []string{"state"}),
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nebula_tasks_total",
			Help: "Task dispatches by type and state",
		}, []string{"type", "state"}),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nebula_polls_total",
			Help: "Node inventory polls by outcome",
		}, []string{"status"}),
		TaskQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nebula_task_queue",
			Help: "Tasks waiting in the node queue",
		}),
	}
	reg.MustRegister(
		m.Blocks, m.Queries, m.QueryDuration, m.NodeFailures,
		m.Specs, m.Tasks, m.Polls, m.TaskQueue,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
