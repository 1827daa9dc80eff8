// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "plugrun"

// Metrics holds the host collectors. A nil *Metrics is valid and records
// nothing, so components can take one unconditionally.
type Metrics struct {
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	PluginsLoaded     prometheus.Gauge
	TriggersTotal     *prometheus.CounterVec
	ScheduleRunsTotal *prometheus.CounterVec
}

// NewMetrics creates the host collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_executions_total",
			Help:      "Plugin executions by plugin and final status.",
		}, []string{"plugin", "status"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plugin_execution_seconds",
			Help:      "Wall time of one plugin execution including lifecycle hooks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plugin"}),
		PluginsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugins_loaded",
			Help:      "Plugins currently in the descriptor table.",
		}),
		TriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Trigger messages received by source.",
		}, []string{"source"}),
		ScheduleRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_runs_total",
			Help:      "Schedule firings by schedule kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.ExecutionsTotal, m.ExecutionDuration, m.PluginsLoaded, m.TriggersTotal, m.ScheduleRunsTotal)
	return m
}

// RecordExecution counts one execution and observes its duration.
func (m *Metrics) RecordExecution(plugin, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(plugin, status).Inc()
	m.ExecutionDuration.WithLabelValues(plugin).Observe(d.Seconds())
}

// SetPluginsLoaded sets the loaded plugin gauge.
func (m *Metrics) SetPluginsLoaded(n int) {
	if m == nil {
		return
	}
	m.PluginsLoaded.Set(float64(n))
}

// RecordTrigger counts one trigger message from source.
func (m *Metrics) RecordTrigger(source string) {
	if m == nil {
		return
	}
	m.TriggersTotal.WithLabelValues(source).Inc()
}

// RecordScheduleRun counts one schedule firing.
func (m *Metrics) RecordScheduleRun(kind string) {
	if m == nil {
		return
	}
	m.ScheduleRunsTotal.WithLabelValues(kind).Inc()
}
