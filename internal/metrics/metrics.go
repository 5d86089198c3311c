// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "netfusion"

// Metrics bundles every collector the services update.
type Metrics struct {
	registry *prometheus.Registry

	FlowsReceived   prometheus.Counter
	FlowsAccepted   prometheus.Counter
	SchemaChanges   prometheus.Counter
	WindowsExported prometheus.Counter
	ExportDuration  prometheus.Histogram
	Alerts          *prometheus.CounterVec
	Reloads         *prometheus.CounterVec
	Decisions       *prometheus.CounterVec
	Enriched        *prometheus.CounterVec
	WriterErrors    *prometheus.CounterVec

	refs *referenceCollector
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		FlowsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "flows_received_total",
			Help: "Flow records read from the input stream.",
		}),
		FlowsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "flows_accepted_total",
			Help: "Flow records touching an observed range.",
		}),
		SchemaChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "schema_changes_total",
			Help: "Upstream schema changes handled.",
		}),
		WindowsExported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "windows_exported_total",
			Help: "Time windows evaluated and reset.",
		}),
		ExportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "export_duration_seconds",
			Help:    "Time spent evaluating rules over the whole entity space.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_total",
			Help: "Alerts emitted per rule.",
		}, []string{"rule"}),
		Reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reference_reloads_total",
			Help: "Reference list reload attempts by outcome.",
		}, []string{"list", "outcome"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pipeline_decisions_total",
			Help: "Per-flow classifier decisions by path and prediction.",
		}, []string{"path", "prediction"}),
		Enriched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "enriched_flows_total",
			Help: "Flows tagged by the relay enricher by direction.",
		}, []string{"direction"}),
		WriterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "writer_errors_total",
			Help: "Failed alert writes per sink.",
		}, []string{"writer"}),
		refs: &referenceCollector{
			desc: prometheus.NewDesc(
				prometheus.BuildFQName(namespace, "", "reference_entries"),
				"Entries in a reloadable reference list.",
				[]string{"list"}, nil,
			),
			sources: make(map[string]func() int),
		},
	}
	reg.MustRegister(
		m.FlowsReceived, m.FlowsAccepted, m.SchemaChanges, m.WindowsExported, m.ExportDuration,
		m.Alerts, m.Reloads, m.Decisions, m.Enriched, m.WriterErrors, m.refs,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ReloadHook returns a callback suitable for reloader.WithHook.
func (m *Metrics) ReloadHook() func(name string, err error) {
	return func(name string, err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		m.Reloads.WithLabelValues(name, outcome).Inc()
	}
}

// TrackReference reports the size of a reference list at scrape time.
func (m *Metrics) TrackReference(name string, size func() int) {
	m.refs.mu.Lock()
	m.refs.sources[name] = size
	m.refs.mu.Unlock()
}

type referenceCollector struct {
	desc    *prometheus.Desc
	mu      sync.Mutex
	sources map[string]func() int
}

func (c *referenceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *referenceCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, size := range c.sources {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(size()), name)
	}
}
