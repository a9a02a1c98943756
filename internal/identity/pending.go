package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultPendingTimeout is how long an observed flow waits for an
// identity declaration before its one-shot fires with no identity.
const DefaultPendingTimeout = 30 * time.Second

// Flow is one observed connection awaiting identity correlation.
//
// The resolver is a one-shot: exactly one of the correlation path and
// the timeout path delivers a result, whichever fires first.
type Flow struct {
	// Addr is the derived original client address.
	Addr netip.Addr

	// Port is the derived original client port.
	Port uint16

	// Protocol is "tcp" or "udp".
	Protocol string

	// Arrival is the flow observation time in ms since epoch.
	Arrival int64

	// Target describes the backend the flow was forwarded to, for
	// notification text.
	Target string

	resolve func(username string, ok bool)
	once    sync.Once
}

// Key returns the buffer key, ip:port:protocol. Identity is not part
// of the key: correlation is purely temporal.
func (f *Flow) Key() string {
	return fmt.Sprintf("%s:%d:%s", f.Addr, f.Port, f.Protocol)
}

// Resolve delivers the correlation result exactly once. ok=false means
// the flow timed out with no identity.
func (f *Flow) Resolve(username string, ok bool) {
	f.once.Do(func() {
		if f.resolve != nil {
			f.resolve(username, ok)
		}
	})
}

// PendingBuffer holds flows observed by the forwarders while the
// system runs in correlation mode. Each entry carries an individual
// timeout; at expiry the entry is removed and its one-shot fires with
// no identity.
type PendingBuffer struct {
	cache   *ttlcache.Cache[string, *Flow]
	logger  *slog.Logger
	timeout time.Duration
}

// PendingOption configures a PendingBuffer.
type PendingOption func(*PendingBuffer)

// WithPendingTimeout overrides the per-entry timeout. Used by tests to
// exercise the expiry path without waiting the full window.
func WithPendingTimeout(d time.Duration) PendingOption {
	return func(p *PendingBuffer) { p.timeout = d }
}

// NewPendingBuffer creates an empty pending buffer. Callers must run
// Start (usually in a goroutine) for per-entry timeouts to fire, and
// Stop on shutdown.
func NewPendingBuffer(logger *slog.Logger, opts ...PendingOption) *PendingBuffer {
	p := &PendingBuffer{
		logger:  logger.With(slog.String("component", "identity.pending")),
		timeout: DefaultPendingTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.cache = ttlcache.New(
		ttlcache.WithTTL[string, *Flow](p.timeout),
		ttlcache.WithDisableTouchOnHit[string, *Flow](),
	)

	// The eviction reason separates the two consumers of an entry:
	// expiry is the timeout path, deletion is the correlation path
	// (which resolves the flow itself before deleting).
	p.cache.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *Flow]) {
		flow := item.Value()
		flow.Resolve("", false)
	})

	return p
}

// Start runs the expiry loop. Blocks until Stop is called.
func (p *PendingBuffer) Start() {
	p.cache.Start()
}

// Stop terminates the expiry loop.
func (p *PendingBuffer) Stop() {
	p.cache.Stop()
}

// Add inserts a flow observed at arrival (ms since epoch). The caller
// supplies the observation time so the correlation window is anchored
// to when the flow was accepted, not when its first payload showed up.
// resolve is the one-shot completion: called with (username, true)
// when a login correlates the flow, or ("", false) when the individual
// timeout fires first.
func (p *PendingBuffer) Add(addr netip.Addr, port uint16, protocol, target string, arrival int64, resolve func(username string, ok bool)) *Flow {
	flow := &Flow{
		Addr:     addr,
		Port:     port,
		Protocol: protocol,
		Arrival:  arrival,
		Target:   target,
		resolve:  resolve,
	}

	p.cache.Set(flow.Key(), flow, ttlcache.DefaultTTL)

	p.logger.Debug("pending flow enqueued",
		slog.String("key", flow.Key()),
		slog.String("target", target),
	)
	return flow
}

// Len returns the number of flows currently awaiting identity.
func (p *PendingBuffer) Len() int {
	return p.cache.Len()
}

// ProcessForPlayer correlates a login event with pending flows.
//
// matched holds every entry whose arrival is within +-Tolerance ms of
// ts; these are resolved with the username and removed. unmatched
// holds the entries left in the buffer at that moment. Two logins
// racing for one flow resolve in arrival order: the first call wins.
func (p *PendingBuffer) ProcessForPlayer(username string, ts int64) (matched, unmatched []*Flow) {
	for _, item := range p.cache.Items() {
		flow := item.Value()
		if absDiff(flow.Arrival, ts) <= Tolerance {
			matched = append(matched, flow)
		} else {
			unmatched = append(unmatched, flow)
		}
	}

	// Resolve before delete: the eviction hook only fires the no-identity
	// path, and the one-shot guarantees the first result wins even if
	// the entry expires concurrently.
	for _, flow := range matched {
		flow.Resolve(username, true)
		p.cache.Delete(flow.Key())
	}

	if len(matched) > 0 {
		p.logger.Debug("pending flows correlated",
			slog.String("username", username),
			slog.Int("matched", len(matched)),
			slog.Int("unmatched", len(unmatched)),
		)
	}
	return matched, unmatched
}
