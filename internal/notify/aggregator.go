package notify

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// -------------------------------------------------------------------------
// Aggregation Constants
// -------------------------------------------------------------------------

// DefaultFlushWindow is the debounce window for grouped notifications.
// All events inserted into one bucket within the window are flushed as
// a single webhook message.
const DefaultFlushWindow = 3 * time.Second

// eventKind selects the connect or disconnect bucket family.
type eventKind int

const (
	kindConnect eventKind = iota
	kindDisconnect
)

func (k eventKind) String() string {
	if k == kindConnect {
		return "connect"
	}
	return "disconnect"
}

// -------------------------------------------------------------------------
// Aggregator — Debounced Grouping
// -------------------------------------------------------------------------

// bucketKey identifies one aggregation bucket.
type bucketKey struct {
	webhook  string
	protocol string
	target   string
}

// bucket accumulates ports per source IP until flushed.
type bucket struct {
	ports map[string]map[uint16]struct{}
}

// Aggregator groups anonymous connect/disconnect events by
// (webhook, protocol, target) and flushes each bucket once per
// debounce window. A flush observes every insert that completed
// before its timer fired; later inserts open a fresh bucket with a
// fresh timer.
type Aggregator struct {
	mu          sync.Mutex
	connects    map[bucketKey]*bucket
	disconnects map[bucketKey]*bucket

	clock      clockwork.Clock
	dispatcher *Dispatcher
	logger     *slog.Logger
	window     time.Duration
}

// AggregatorOption customizes Aggregator construction.
type AggregatorOption func(*Aggregator)

// WithFlushWindow overrides the debounce window.
func WithFlushWindow(d time.Duration) AggregatorOption {
	return func(a *Aggregator) { a.window = d }
}

// NewAggregator creates an Aggregator that delivers flushed buckets
// through dispatcher.
func NewAggregator(clock clockwork.Clock, dispatcher *Dispatcher, logger *slog.Logger, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		connects:    make(map[bucketKey]*bucket),
		disconnects: make(map[bucketKey]*bucket),
		clock:       clock,
		dispatcher:  dispatcher,
		logger:      logger.With(slog.String("component", "aggregator")),
		window:      DefaultFlushWindow,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AddConnect records an anonymous connection from ip:port toward
// target. The first insert into an empty bucket arms its flush timer.
func (a *Aggregator) AddConnect(webhook, target, ip string, port uint16, protocol string) {
	a.add(kindConnect, webhook, target, ip, port, protocol)
}

// AddDisconnect records an anonymous disconnection from ip:port.
func (a *Aggregator) AddDisconnect(webhook, target, ip string, port uint16, protocol string) {
	a.add(kindDisconnect, webhook, target, ip, port, protocol)
}

func (a *Aggregator) add(kind eventKind, webhook, target, ip string, port uint16, protocol string) {
	if strings.TrimSpace(webhook) == "" {
		return
	}

	key := bucketKey{webhook: webhook, protocol: protocol, target: target}

	a.mu.Lock()
	defer a.mu.Unlock()

	family := a.family(kind)
	b, ok := family[key]
	if !ok {
		b = &bucket{ports: make(map[string]map[uint16]struct{})}
		family[key] = b

		// Bucket timer: fires once, then the bucket is gone.
		a.clock.AfterFunc(a.window, func() { a.flush(kind, key) })
	}

	set, ok := b.ports[ip]
	if !ok {
		set = make(map[uint16]struct{})
		b.ports[ip] = set
	}
	set[port] = struct{}{}
}

// flush removes the bucket snapshot and dispatches one grouped
// message for it.
func (a *Aggregator) flush(kind eventKind, key bucketKey) {
	a.mu.Lock()
	family := a.family(kind)
	b, ok := family[key]
	if ok {
		delete(family, key)
	}
	a.mu.Unlock()

	if !ok || len(b.ports) == 0 {
		return
	}

	msg := a.buildMessage(kind, key, b)

	a.logger.Debug("Flushing aggregation bucket",
		slog.String("kind", kind.String()),
		slog.String("protocol", key.protocol),
		slog.String("target", key.target),
		slog.Int("sources", len(b.ports)),
	)

	a.dispatcher.Dispatch(key.webhook, msg)
}

func (a *Aggregator) family(kind eventKind) map[bucketKey]*bucket {
	if kind == kindConnect {
		return a.connects
	}
	return a.disconnects
}

// buildMessage renders a bucket as a single embed with one field per
// source IP, ports sorted ascending.
func (a *Aggregator) buildMessage(kind eventKind, key bucketKey, b *bucket) Message {
	title := "Connections opened"
	color := ColorJoin
	if kind == kindDisconnect {
		title = "Connections closed"
		color = ColorLeave
	}

	ips := make([]string, 0, len(b.ports))
	for ip := range b.ports {
		ips = append(ips, ip)
	}
	slices.Sort(ips)

	fields := make([]Field, 0, len(ips))
	for _, ip := range ips {
		fields = append(fields, Field{
			Name:   ip,
			Value:  FormatPorts(portSlice(b.ports[ip])),
			Inline: true,
		})
	}

	return Message{Embeds: []Embed{{
		Title:       title,
		Description: fmt.Sprintf("%s/%s", key.target, key.protocol),
		Color:       color,
		Timestamp:   a.clock.Now().UTC().Format(time.RFC3339),
		Fields:      fields,
		Footer:      &Footer{Text: "relayd"},
	}}}
}

// portSlice flattens a port set into a sorted slice.
func portSlice(set map[uint16]struct{}) []uint16 {
	ports := make([]uint16, 0, len(set))
	for p := range set {
		ports = append(ports, p)
	}
	slices.Sort(ports)
	return ports
}

// FormatPorts renders ports as a comma separated list.
func FormatPorts(ports []uint16) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(int(p))
	}
	return strings.Join(parts, ", ")
}
