package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alitto/pond/v2"

	relaymetrics "github.com/nettap/relayd/internal/metrics"
)

// -------------------------------------------------------------------------
// Sender Errors
// -------------------------------------------------------------------------

var (
	// ErrWebhookStatus indicates the webhook endpoint answered with a
	// non-2xx status.
	ErrWebhookStatus = errors.New("webhook returned non-2xx status")
)

// Default HTTP timeout for a single webhook POST.
const defaultSendTimeout = 10 * time.Second

// Bounded concurrency for in-flight webhook POSTs.
const dispatchWorkers = 4

// -------------------------------------------------------------------------
// Sender — Webhook HTTP Transport
// -------------------------------------------------------------------------

// Sender delivers a single webhook message to a URL.
type Sender interface {
	Send(ctx context.Context, url string, msg Message) error
}

// HTTPSender posts messages as {"embeds":[...]} JSON documents.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender creates an HTTPSender. If client is nil, a default
// client with a 10 second timeout is used.
func NewHTTPSender(client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: defaultSendTimeout}
	}
	return &HTTPSender{client: client}
}

// Send posts msg to url and drains the response body so the
// underlying connection can be reused.
func (s *HTTPSender) Send(ctx context.Context, url string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %d", ErrWebhookStatus, resp.StatusCode)
	}

	return nil
}

// -------------------------------------------------------------------------
// Dispatcher — Fire-and-Forget Delivery
// -------------------------------------------------------------------------

// Dispatcher hands messages to a bounded worker pool and never blocks
// the caller on network I/O. Failures are logged and dropped.
type Dispatcher struct {
	sender  Sender
	pool    pond.Pool
	logger  *slog.Logger
	metrics *relaymetrics.Collector
}

// NewDispatcher creates a Dispatcher backed by sender. metrics may be
// nil when instrumentation is disabled.
func NewDispatcher(sender Sender, logger *slog.Logger, metrics *relaymetrics.Collector) *Dispatcher {
	return &Dispatcher{
		sender:  sender,
		pool:    pond.NewPool(dispatchWorkers),
		logger:  logger.With(slog.String("component", "webhook")),
		metrics: metrics,
	}
}

// Dispatch queues msg for delivery to url. Empty or whitespace-only
// URLs are skipped silently.
func (d *Dispatcher) Dispatch(url string, msg Message) {
	url = strings.TrimSpace(url)
	if url == "" {
		return
	}

	d.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
		defer cancel()

		if err := d.sender.Send(ctx, url, msg); err != nil {
			d.logger.Warn("Webhook delivery failed",
				slog.String("url", url),
				slog.String("error", err.Error()),
			)
			d.outcome("error")
			return
		}

		d.outcome("ok")
	})
}

// Stop waits for queued deliveries to finish and releases the pool.
func (d *Dispatcher) Stop() {
	d.pool.StopAndWait()
}

func (d *Dispatcher) outcome(outcome string) {
	if d.metrics != nil {
		d.metrics.WebhookOutcome(outcome)
	}
}
