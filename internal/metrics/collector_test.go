package relaymetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	relaymetrics "github.com/nettap/relayd/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := relaymetrics.NewCollector(reg)

	if c.ActiveConns == nil {
		t.Error("ActiveConns is nil")
	}
	if c.ConnsTotal == nil {
		t.Error("ConnsTotal is nil")
	}
	if c.BytesForwarded == nil {
		t.Error("BytesForwarded is nil")
	}
	if c.HeadersEmitted == nil {
		t.Error("HeadersEmitted is nil")
	}
	if c.HeadersParsed == nil {
		t.Error("HeadersParsed is nil")
	}
	if c.WebhooksDispatched == nil {
		t.Error("WebhooksDispatched is nil")
	}
	if c.PendingFlows == nil {
		t.Error("PendingFlows is nil")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestConnLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := relaymetrics.NewCollector(reg)

	c.ConnOpened("tcp", "127.0.0.1:9000")
	c.ConnOpened("tcp", "127.0.0.1:9000")

	if val := gaugeValue(t, c.ActiveConns, "tcp", "127.0.0.1:9000"); val != 2 {
		t.Errorf("active gauge = %v, want 2", val)
	}
	if val := counterValue(t, c.ConnsTotal, "tcp", "127.0.0.1:9000"); val != 2 {
		t.Errorf("total counter = %v, want 2", val)
	}

	c.ConnClosed("tcp", "127.0.0.1:9000")

	if val := gaugeValue(t, c.ActiveConns, "tcp", "127.0.0.1:9000"); val != 1 {
		t.Errorf("active gauge after close = %v, want 1", val)
	}
	// Totals never decrement.
	if val := counterValue(t, c.ConnsTotal, "tcp", "127.0.0.1:9000"); val != 2 {
		t.Errorf("total counter after close = %v, want 2", val)
	}
}

func TestAddBytes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := relaymetrics.NewCollector(reg)

	c.AddBytes("udp", "t", relaymetrics.DirectionIn, 100)
	c.AddBytes("udp", "t", relaymetrics.DirectionIn, 50)
	c.AddBytes("udp", "t", relaymetrics.DirectionOut, 7)
	c.AddBytes("udp", "t", relaymetrics.DirectionIn, 0)
	c.AddBytes("udp", "t", relaymetrics.DirectionIn, -5)

	if val := counterValue(t, c.BytesForwarded, "udp", "t", relaymetrics.DirectionIn); val != 150 {
		t.Errorf("bytes in = %v, want 150", val)
	}
	if val := counterValue(t, c.BytesForwarded, "udp", "t", relaymetrics.DirectionOut); val != 7 {
		t.Errorf("bytes out = %v, want 7", val)
	}
}

func TestOutcomeCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := relaymetrics.NewCollector(reg)

	c.WebhookOutcome("ok")
	c.WebhookOutcome("ok")
	c.WebhookOutcome("error")
	c.PendingOutcome("matched")
	c.PendingOutcome("expired")
	c.HeaderEmitted("tcp")
	c.HeaderParsed("udp")

	if val := counterValue(t, c.WebhooksDispatched, "ok"); val != 2 {
		t.Errorf("webhooks ok = %v, want 2", val)
	}
	if val := counterValue(t, c.WebhooksDispatched, "error"); val != 1 {
		t.Errorf("webhooks error = %v, want 1", val)
	}
	if val := counterValue(t, c.PendingFlows, "matched"); val != 1 {
		t.Errorf("pending matched = %v, want 1", val)
	}
	if val := counterValue(t, c.HeadersEmitted, "tcp"); val != 1 {
		t.Errorf("headers emitted = %v, want 1", val)
	}
	if val := counterValue(t, c.HeadersParsed, "udp"); val != 1 {
		t.Errorf("headers parsed = %v, want 1", val)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// gaugeValue reads the current value of a GaugeVec with the given labels.
func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
