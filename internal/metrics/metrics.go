// Package metrics exposes Prometheus metrics for the dispatch engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for outreachd. A nil *Metrics is
// valid and records nothing, so components can run without observability.
type Metrics struct {
	MessagesSentTotal     prometheus.Counter
	MessagesFailedTotal   *prometheus.CounterVec
	MessagesRetriedTotal  prometheus.Counter
	RepliesTotal          prometheus.Counter
	FloodWaitSecondsTotal prometheus.Counter

	CampaignsCompletedTotal prometheus.Counter
	CampaignsActive         prometheus.Gauge
	DispatchQueueDepth      *prometheus.GaugeVec

	UptimeSeconds prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outreachd_messages_sent_total",
			Help: "Total number of successfully delivered messages",
		}),
		MessagesFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outreachd_messages_failed_total",
			Help: "Total number of permanently failed messages",
		}, []string{"error_type"}),
		MessagesRetriedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outreachd_messages_retried_total",
			Help: "Total number of retried send attempts",
		}),
		RepliesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outreachd_replies_total",
			Help: "Total number of inbound replies correlated to sent messages",
		}),
		FloodWaitSecondsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outreachd_flood_wait_seconds_total",
			Help: "Total seconds spent waiting on provider flood-wait signals",
		}),
		CampaignsCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outreachd_campaigns_completed_total",
			Help: "Total number of campaigns that ran to completion",
		}),
		CampaignsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outreachd_campaigns_active",
			Help: "Number of campaigns currently dispatching",
		}),
		DispatchQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outreachd_dispatch_queue_depth",
			Help: "Messages queued in the dispatcher per campaign",
		}, []string{"campaign_id"}),
		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outreachd_uptime_seconds",
			Help: "Seconds since the process started",
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesRetriedTotal,
		m.RepliesTotal,
		m.FloodWaitSecondsTotal,
		m.CampaignsCompletedTotal,
		m.CampaignsActive,
		m.DispatchQueueDepth,
		m.UptimeSeconds,
	)
	return m
}

// Handler returns the HTTP handler serving the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MessageSent records one delivered message
func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.MessagesSentTotal.Inc()
}

// MessageFailed records one permanently failed message
func (m *Metrics) MessageFailed(errorType string) {
	if m == nil {
		return
	}
	m.MessagesFailedTotal.WithLabelValues(errorType).Inc()
}

// MessageRetried records one retried attempt
func (m *Metrics) MessageRetried() {
	if m == nil {
		return
	}
	m.MessagesRetriedTotal.Inc()
}

// ReplyRecorded records one correlated reply
func (m *Metrics) ReplyRecorded() {
	if m == nil {
		return
	}
	m.RepliesTotal.Inc()
}

// FloodWait records time spent honoring a flood-wait signal
func (m *Metrics) FloodWait(wait time.Duration) {
	if m == nil {
		return
	}
	m.FloodWaitSecondsTotal.Add(wait.Seconds())
}

// CampaignCompleted records one completed campaign
func (m *Metrics) CampaignCompleted() {
	if m == nil {
		return
	}
	m.CampaignsCompletedTotal.Inc()
}
