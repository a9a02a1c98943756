// Package relaymetrics exposes relayd's Prometheus instrumentation.
package relaymetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "relayd"
)

// Label names for forwarder metrics.
const (
	labelProtocol  = "protocol"
	labelTarget    = "target"
	labelDirection = "direction"
	labelOutcome   = "outcome"
)

// Direction label values for byte counters.
const (
	DirectionIn  = "client_to_backend"
	DirectionOut = "backend_to_client"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Forwarder Metrics
// -------------------------------------------------------------------------

// Collector holds all relayd Prometheus metrics.
type Collector struct {
	// ActiveConns tracks currently open TCP connections and live UDP
	// pseudo-sessions per (protocol, target).
	ActiveConns *prometheus.GaugeVec

	// ConnsTotal counts accepted TCP connections and created UDP
	// pseudo-sessions per (protocol, target).
	ConnsTotal *prometheus.CounterVec

	// BytesForwarded counts relayed bytes per (protocol, target,
	// direction).
	BytesForwarded *prometheus.CounterVec

	// HeadersEmitted counts PROXY protocol v2 headers written toward
	// backends per protocol.
	HeadersEmitted *prometheus.CounterVec

	// HeadersParsed counts inbound PROXY protocol v2 headers decoded
	// from clients per protocol.
	HeadersParsed *prometheus.CounterVec

	// WebhooksDispatched counts webhook POSTs per outcome ("ok",
	// "error", "dropped").
	WebhooksDispatched *prometheus.CounterVec

	// PendingFlows counts pending-buffer outcomes per outcome
	// ("matched", "expired").
	PendingFlows *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "relayd_" prefix to avoid collisions with
// other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ActiveConns,
		c.ConnsTotal,
		c.BytesForwarded,
		c.HeadersEmitted,
		c.HeadersParsed,
		c.WebhooksDispatched,
		c.PendingFlows,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	flowLabels := []string{labelProtocol, labelTarget}

	return &Collector{
		ActiveConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Currently open TCP connections and live UDP pseudo-sessions.",
		}, flowLabels),

		ConnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total accepted TCP connections and created UDP pseudo-sessions.",
		}, flowLabels),

		BytesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total bytes relayed between clients and backends.",
		}, []string{labelProtocol, labelTarget, labelDirection}),

		HeadersEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ppv2_headers_emitted_total",
			Help:      "Total PROXY protocol v2 headers written toward backends.",
		}, []string{labelProtocol}),

		HeadersParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ppv2_headers_parsed_total",
			Help:      "Total inbound PROXY protocol v2 headers decoded from clients.",
		}, []string{labelProtocol}),

		WebhooksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_dispatched_total",
			Help:      "Total webhook dispatch attempts by outcome.",
		}, []string{labelOutcome}),

		PendingFlows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_flows_total",
			Help:      "Total pending-buffer flows by correlation outcome.",
		}, []string{labelOutcome}),
	}
}

// -------------------------------------------------------------------------
// Connection Lifecycle
// -------------------------------------------------------------------------

// ConnOpened increments the per-target active gauge and total counter.
// Called on TCP accept and UDP pseudo-session creation.
func (c *Collector) ConnOpened(protocol, target string) {
	c.ActiveConns.WithLabelValues(protocol, target).Inc()
	c.ConnsTotal.WithLabelValues(protocol, target).Inc()
}

// ConnClosed decrements the per-target active gauge. Called on TCP
// teardown and UDP idle eviction.
func (c *Collector) ConnClosed(protocol, target string) {
	c.ActiveConns.WithLabelValues(protocol, target).Dec()
}

// AddBytes adds n relayed bytes for the given direction.
func (c *Collector) AddBytes(protocol, target, direction string, n int64) {
	if n <= 0 {
		return
	}
	c.BytesForwarded.WithLabelValues(protocol, target, direction).Add(float64(n))
}

// -------------------------------------------------------------------------
// PROXY Protocol
// -------------------------------------------------------------------------

// HeaderEmitted increments the emitted headers counter.
func (c *Collector) HeaderEmitted(protocol string) {
	c.HeadersEmitted.WithLabelValues(protocol).Inc()
}

// HeaderParsed increments the parsed headers counter.
func (c *Collector) HeaderParsed(protocol string) {
	c.HeadersParsed.WithLabelValues(protocol).Inc()
}

// -------------------------------------------------------------------------
// Webhooks and Correlation
// -------------------------------------------------------------------------

// WebhookOutcome increments the webhook dispatch counter for the given
// outcome: "ok", "error", or "dropped".
func (c *Collector) WebhookOutcome(outcome string) {
	c.WebhooksDispatched.WithLabelValues(outcome).Inc()
}

// PendingOutcome increments the pending-flow counter for the given
// outcome: "matched" or "expired".
func (c *Collector) PendingOutcome(outcome string) {
	c.PendingFlows.WithLabelValues(outcome).Inc()
}
