package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	relaymetrics "github.com/nettap/relayd/internal/metrics"
	"github.com/nettap/relayd/internal/notify"
	"github.com/nettap/relayd/internal/proxyproto"
)

// -------------------------------------------------------------------------
// UDP Forwarder Constants
// -------------------------------------------------------------------------

// DefaultIdleTimeout evicts a pseudo-session after this long without a
// client datagram.
const DefaultIdleTimeout = 60 * time.Second

// maxDatagramSize bounds a single received datagram.
const maxDatagramSize = 64 * 1024

// sessionQueueDepth bounds per-session datagrams awaiting forwarding.
// Overflow datagrams are dropped, matching UDP semantics.
const sessionQueueDepth = 128

// ErrUnexpectedConnType indicates net.ListenPacket returned something
// other than *net.UDPConn.
var ErrUnexpectedConnType = errors.New("unexpected connection type from ListenPacket")

// -------------------------------------------------------------------------
// UDP Forwarder
// -------------------------------------------------------------------------

// UDPForwarder relays datagrams between clients and the backend
// target. Each client (ip, port) owns a pseudo-session with a private
// egress socket, so backend responses find their way back to the
// right client.
type UDPForwarder struct {
	rule        Rule
	deps        Deps
	logger      *slog.Logger
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[netip.AddrPort]*udpSession
	listen   *net.UDPConn
}

// UDPOption customizes UDPForwarder construction.
type UDPOption func(*UDPForwarder)

// WithIdleTimeout overrides the session idle timeout.
func WithIdleTimeout(d time.Duration) UDPOption {
	return func(f *UDPForwarder) { f.idleTimeout = d }
}

// NewUDPForwarder creates a UDPForwarder for one rule.
func NewUDPForwarder(rule Rule, deps Deps, opts ...UDPOption) *UDPForwarder {
	f := &UDPForwarder{
		rule:        rule,
		deps:        deps,
		idleTimeout: DefaultIdleTimeout,
		sessions:    make(map[netip.AddrPort]*udpSession),
		logger: deps.Logger.With(
			slog.String("component", "udp-forwarder"),
			slog.String("listen", rule.ListenAddr()),
			slog.String("target", rule.TargetAddr()),
		),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// listenNetwork picks the socket family from the bind address. IPv6
// literals get a v6 socket; anything else defaults to v4.
func (f *UDPForwarder) listenNetwork() string {
	addr, err := netip.ParseAddr(f.rule.Bind)
	if err != nil {
		return "udp"
	}
	if addr.Is6() && !addr.Is4In6() {
		return "udp6"
	}
	return "udp4"
}

// Run receives datagrams until ctx is canceled. Session state is torn
// down before returning.
func (f *UDPForwarder) Run(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddrControl}

	pc, err := lc.ListenPacket(ctx, f.listenNetwork(), f.rule.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", f.rule.ListenAddr(), err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return errors.Join(
			fmt.Errorf("listen on %s: %w", f.rule.ListenAddr(), ErrUnexpectedConnType),
			closeErr,
		)
	}

	f.mu.Lock()
	f.listen = conn
	f.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer f.closeAll()

	f.logger.Info("UDP forwarder listening")

	buf := make([]byte, maxDatagramSize)
	for {
		n, raddr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read on %s: %w", f.rule.ListenAddr(), err)
		}

		client := netip.AddrPortFrom(raddr.Addr().Unmap(), raddr.Port())
		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		f.deliver(ctx, client, pkt)
	}
}

// Addr reports the bound listen address, or nil before Run has
// opened the socket. Useful with a zero listen port.
func (f *UDPForwarder) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listen == nil {
		return nil
	}
	return f.listen.LocalAddr()
}

// deliver routes one datagram into its pseudo-session, creating the
// session on first contact. The datagram is dropped when the session
// queue is full.
func (f *UDPForwarder) deliver(ctx context.Context, client netip.AddrPort, pkt []byte) {
	f.mu.Lock()
	s, ok := f.sessions[client]
	if !ok {
		var err error
		s, err = f.newSession(ctx, client)
		if err != nil {
			f.mu.Unlock()
			f.logger.Warn("Session setup failed",
				slog.String("client", client.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		f.sessions[client] = s
	}
	f.mu.Unlock()

	s.idle.Reset(f.idleTimeout)

	select {
	case s.queue <- pkt:
	default:
		// Queue overflow: drop, as the network would.
	}
}

// -------------------------------------------------------------------------
// Pseudo-Sessions
// -------------------------------------------------------------------------

// udpSession is the per-client forwarding state.
type udpSession struct {
	client  netip.AddrPort
	egress  *net.UDPConn
	rawAddr string
	arrival int64
	queue   chan []byte
	done    chan struct{}
	idle    clockwork.Timer

	mu       sync.Mutex
	backend  *net.UDPAddr
	orig     netip.AddrPort
	player   string
	ppv2Sent bool
	logged   bool
	notified bool
	closed   bool
}

// newSession allocates the egress socket and starts the session
// goroutines. Backend name resolution runs on its own goroutine: the
// shared receive loop must never wait on DNS, so datagrams sent before
// the lookup completes dial the raw configured address instead.
// Caller holds f.mu.
func (f *UDPForwarder) newSession(ctx context.Context, client netip.AddrPort) (*udpSession, error) {
	egress, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("open egress socket: %w", err)
	}

	s := &udpSession{
		client:  client,
		egress:  egress,
		rawAddr: f.rule.TargetAddr(),
		arrival: f.deps.Clock.Now().UnixMilli(),
		queue:   make(chan []byte, sessionQueueDepth),
		done:    make(chan struct{}),
		orig:    client,
	}
	s.idle = f.deps.Clock.AfterFunc(f.idleTimeout, func() { f.evict(client, true) })

	go f.resolveBackend(ctx, s)
	go f.forwardLoop(ctx, s)
	go f.backendLoop(s)

	f.connOpened()
	f.logger.Debug("Session created", slog.String("client", client.String()))

	return s, nil
}

// resolveBackend resolves the configured target host and installs the
// numeric address on the session once the lookup returns.
func (f *UDPForwarder) resolveBackend(ctx context.Context, s *udpSession) {
	host := f.deps.Resolver.ResolveHost(ctx, f.rule.TargetHost)
	backend, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(f.rule.TargetPort)))
	if err != nil {
		f.logger.Warn("Backend resolution failed",
			slog.String("client", s.client.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	s.backend = backend
	s.mu.Unlock()
}

// backendAddr returns the session's backend address: the resolved one
// when the lookup has landed, otherwise a lookup of the raw configured
// address on the session's own goroutine.
func (f *UDPForwarder) backendAddr(s *udpSession) *net.UDPAddr {
	s.mu.Lock()
	backend := s.backend
	s.mu.Unlock()
	if backend != nil {
		return backend
	}

	backend, err := net.ResolveUDPAddr("udp", s.rawAddr)
	if err != nil {
		f.logger.Warn("Backend address unavailable",
			slog.String("client", s.client.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return backend
}

// forwardLoop sends queued client datagrams toward the backend.
func (f *UDPForwarder) forwardLoop(ctx context.Context, s *udpSession) {
	for {
		select {
		case <-s.done:
			return
		case pkt := <-s.queue:
			f.forward(ctx, s, pkt)
		}
	}
}

// forward relays one datagram. An inbound PROXY protocol v2 chain is
// stripped and its innermost source adopted as the original client;
// at most one outbound preamble is emitted, on the session's first
// datagram.
func (f *UDPForwarder) forward(_ context.Context, s *udpSession, pkt []byte) {
	orig := s.client
	if headers, rest := proxyproto.DecodeChain(pkt); len(headers) > 0 {
		for range headers {
			f.headerParsed()
		}
		if addr, port, ok := proxyproto.OriginalClient(headers); ok {
			orig = netip.AddrPortFrom(addr.Unmap(), port)
		}
		pkt = rest
	}

	backend := f.backendAddr(s)
	if backend == nil {
		return
	}

	s.mu.Lock()
	s.orig = orig

	out := pkt
	if f.rule.EmitPPv2 && !s.ppv2Sent {
		header := proxyproto.Encode(orig.Addr().String(), orig.Port(),
			backend.IP.String(), uint16(f.rule.TargetPort), true)
		out = append(header, pkt...)
		s.ppv2Sent = true
		f.headerEmitted()
	}
	s.mu.Unlock()

	n, err := s.egress.WriteTo(out, backend)
	if err != nil {
		f.logger.Warn("Backend send failed",
			slog.String("client", s.client.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	f.addBytes(relaymetrics.DirectionIn, int64(n))

	s.mu.Lock()
	firstSend := !s.logged
	s.logged = true
	needNotify := !s.notified && f.rule.Webhook != ""
	s.notified = s.notified || needNotify
	s.mu.Unlock()

	if firstSend {
		f.logger.Info("Forwarding session",
			slog.String("client", s.client.String()),
			slog.String("original", orig.String()),
		)
	}

	if needNotify {
		f.notifyConnect(s, orig)
	}
}

// backendLoop returns backend responses to the client through the
// listen socket.
func (f *UDPForwarder) backendLoop(s *udpSession) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := s.egress.ReadFromUDP(buf)
		if err != nil {
			return
		}

		written, err := f.listen.WriteToUDPAddrPort(buf[:n], s.client)
		if err != nil {
			return
		}
		f.addBytes(relaymetrics.DirectionOut, int64(written))
	}
}

// notifyConnect fires the single per-session notification event.
func (f *UDPForwarder) notifyConnect(s *udpSession, orig netip.AddrPort) {
	if f.deps.Correlate && f.deps.Pending != nil {
		f.deps.Pending.Add(orig.Addr(), orig.Port(), "udp", f.rule.TargetAddr(), s.arrival, f.pendingResolved(s, orig))
		return
	}

	f.deps.Aggregator.AddConnect(f.rule.Webhook, f.rule.TargetAddr(), orig.Addr().String(), orig.Port(), "udp")
}

// pendingResolved records the correlated identity on the session so
// idle eviction can name the player in its leave event. Expired flows
// fall back to anonymous aggregation.
func (f *UDPForwarder) pendingResolved(s *udpSession, orig netip.AddrPort) func(string, bool) {
	return func(username string, ok bool) {
		if ok {
			f.pendingOutcome("matched")
			s.mu.Lock()
			s.player = username
			s.mu.Unlock()
			return
		}
		f.pendingOutcome("expired")
		f.deps.Aggregator.AddConnect(f.rule.Webhook, f.rule.TargetAddr(), orig.Addr().String(), orig.Port(), "udp")
	}
}

// -------------------------------------------------------------------------
// Eviction and Teardown
// -------------------------------------------------------------------------

// evict removes a session. With notifyLeave set (idle expiry), the
// configured webhook receives a leave event: identity-bearing when the
// session has a player name, anonymous aggregation otherwise.
func (f *UDPForwarder) evict(client netip.AddrPort, notifyLeave bool) {
	f.mu.Lock()
	s, ok := f.sessions[client]
	if ok {
		delete(f.sessions, client)
	}
	f.mu.Unlock()

	if !ok {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	player := s.player
	orig := s.orig
	s.mu.Unlock()

	s.idle.Stop()
	close(s.done)
	_ = s.egress.Close()

	f.connClosed()
	f.logger.Debug("Session evicted", slog.String("client", client.String()))

	if !notifyLeave || f.rule.Webhook == "" {
		return
	}

	if player != "" {
		f.deps.Dispatcher.Dispatch(f.rule.Webhook,
			notify.PlayerLeave(player, orig.Addr().String(), "udp", f.deps.Clock.Now()))
		return
	}

	if !f.deps.Correlate {
		f.deps.Aggregator.AddDisconnect(f.rule.Webhook, f.rule.TargetAddr(), orig.Addr().String(), orig.Port(), "udp")
	}
}

// closeAll tears down every session without leave notifications.
// Used on shutdown.
func (f *UDPForwarder) closeAll() {
	f.mu.Lock()
	clients := make([]netip.AddrPort, 0, len(f.sessions))
	for client := range f.sessions {
		clients = append(clients, client)
	}
	f.mu.Unlock()

	for _, client := range clients {
		f.evict(client, false)
	}
}

// SessionCount reports the number of live pseudo-sessions.
func (f *UDPForwarder) SessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// -------------------------------------------------------------------------
// Metrics helpers (nil-safe)
// -------------------------------------------------------------------------

func (f *UDPForwarder) connOpened() {
	if f.deps.Metrics != nil {
		f.deps.Metrics.ConnOpened("udp", f.rule.TargetAddr())
	}
}

func (f *UDPForwarder) connClosed() {
	if f.deps.Metrics != nil {
		f.deps.Metrics.ConnClosed("udp", f.rule.TargetAddr())
	}
}

func (f *UDPForwarder) addBytes(direction string, n int64) {
	if f.deps.Metrics != nil {
		f.deps.Metrics.AddBytes("udp", f.rule.TargetAddr(), direction, n)
	}
}

func (f *UDPForwarder) headerEmitted() {
	if f.deps.Metrics != nil {
		f.deps.Metrics.HeaderEmitted("udp")
	}
}

func (f *UDPForwarder) headerParsed() {
	if f.deps.Metrics != nil {
		f.deps.Metrics.HeaderParsed("udp")
	}
}

func (f *UDPForwarder) pendingOutcome(outcome string) {
	if f.deps.Metrics != nil {
		f.deps.Metrics.PendingOutcome(outcome)
	}
}
