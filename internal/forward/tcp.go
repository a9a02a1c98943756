package forward

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/nettap/relayd/internal/identity"
	relaymetrics "github.com/nettap/relayd/internal/metrics"
	"github.com/nettap/relayd/internal/notify"
	"github.com/nettap/relayd/internal/proxyproto"
)

// firstChunkSize bounds the captured first client chunk. Large enough
// for any PROXY protocol v2 chain plus initial payload.
const firstChunkSize = 64 * 1024

// -------------------------------------------------------------------------
// Shared Forwarder Dependencies
// -------------------------------------------------------------------------

// Deps bundles the collaborators a forwarder needs. Pending is only
// consulted when Correlate is true. Metrics may be nil when
// instrumentation is disabled.
type Deps struct {
	Resolver   Resolver
	Pending    *identity.PendingBuffer
	Aggregator *notify.Aggregator
	Dispatcher *notify.Dispatcher
	Metrics    *relaymetrics.Collector
	Logger     *slog.Logger
	Clock      clockwork.Clock

	// Correlate selects correlation mode: observed flows wait in the
	// pending buffer for an identity declaration instead of being
	// notified immediately.
	Correlate bool
}

// -------------------------------------------------------------------------
// TCP Forwarder
// -------------------------------------------------------------------------

// TCPForwarder accepts TCP connections on one listen address and
// splices each to the backend target.
type TCPForwarder struct {
	rule   Rule
	deps   Deps
	logger *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

// NewTCPForwarder creates a TCPForwarder for one rule.
func NewTCPForwarder(rule Rule, deps Deps) *TCPForwarder {
	return &TCPForwarder{
		rule: rule,
		deps: deps,
		logger: deps.Logger.With(
			slog.String("component", "tcp-forwarder"),
			slog.String("listen", rule.ListenAddr()),
			slog.String("target", rule.TargetAddr()),
		),
	}
}

// Run listens and accepts until ctx is canceled. Each accepted
// connection is handled on its own goroutine.
func (f *TCPForwarder) Run(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddrControl}

	ln, err := lc.Listen(ctx, "tcp", f.rule.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", f.rule.ListenAddr(), err)
	}

	f.mu.Lock()
	f.ln = ln
	f.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	f.logger.Info("TCP forwarder listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", f.rule.ListenAddr(), err)
		}

		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			_ = conn.Close()
			continue
		}

		go f.handle(ctx, tcpConn)
	}
}

// Addr reports the bound listen address, or nil before Run has
// opened the listener. Useful with a zero listen port.
func (f *TCPForwarder) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ln == nil {
		return nil
	}
	return f.ln.Addr()
}

// handle relays one accepted connection. The first client chunk is
// captured before splicing so an inbound PROXY protocol v2 chain can
// be inspected and, when configured, a fresh preamble emitted toward
// the backend.
func (f *TCPForwarder) handle(ctx context.Context, client *net.TCPConn) {
	// Accept time anchors the correlation window. The first chunk may
	// arrive much later; a stalling client must not shift the window.
	accepted := f.deps.Clock.Now().UnixMilli()

	peer := client.RemoteAddr().(*net.TCPAddr).AddrPort()
	peer = netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port())

	f.connOpened()
	defer f.connClosed()

	var dialer net.Dialer
	backendConn, err := dialer.DialContext(ctx, "tcp", f.rule.TargetAddr())
	if err != nil {
		f.logger.Warn("Backend connection failed",
			slog.String("client", peer.String()),
			slog.String("error", err.Error()),
		)
		_ = client.Close()
		return
	}
	backend := backendConn.(*net.TCPConn)

	defer func() {
		_ = client.Close()
		_ = backend.Close()
	}()

	// Backend-to-client flows immediately; the client-to-backend
	// direction waits for the first chunk inspection below.
	var fromBackend int64
	backendDone := make(chan struct{})
	go func() {
		defer close(backendDone)
		n, _ := io.Copy(client, backend)
		fromBackend = n
		_ = client.CloseWrite()
	}()

	buf := make([]byte, firstChunkSize)
	n, readErr := client.Read(buf)
	first := buf[:n]

	orig := peer
	if len(first) > 0 {
		if headers, _ := proxyproto.DecodeChain(first); len(headers) > 0 {
			for range headers {
				f.headerParsed()
			}
			if addr, port, ok := proxyproto.OriginalClient(headers); ok {
				orig = netip.AddrPortFrom(addr.Unmap(), port)
			}
		}
	}

	f.logger.Info("Forwarding connection",
		slog.String("client", peer.String()),
		slog.String("original", orig.String()),
	)

	var toBackend int64

	if f.rule.EmitPPv2 {
		dst := f.deps.Resolver.ResolveHost(ctx, f.rule.TargetHost)
		header := proxyproto.Encode(orig.Addr().String(), orig.Port(), dst, uint16(f.rule.TargetPort), false)
		if _, err := backend.Write(header); err != nil {
			f.logger.Warn("Preamble write failed", slog.String("error", err.Error()))
			_ = backend.Close()
			<-backendDone
			return
		}
		f.headerEmitted()
	}

	if len(first) > 0 {
		written, err := backend.Write(first)
		toBackend += int64(written)
		if err != nil {
			f.logger.Warn("First chunk write failed", slog.String("error", err.Error()))
			_ = backend.Close()
			<-backendDone
			return
		}
	}

	f.notifyConnect(orig, accepted)

	// A zero-byte client that closed before sending anything still
	// drains the backend side.
	if readErr == nil {
		n, _ := io.Copy(backend, client)
		toBackend += n
	}
	_ = backend.CloseWrite()

	<-backendDone

	f.addBytes(relaymetrics.DirectionIn, toBackend)
	f.addBytes(relaymetrics.DirectionOut, fromBackend)

	f.logger.Info("Connection closed",
		slog.String("client", peer.String()),
		slog.Int64("bytes_in", toBackend),
		slog.Int64("bytes_out", fromBackend),
	)
}

// notifyConnect fires the single per-connection notification event:
// a pending-flow record in correlation mode, an aggregated connect
// otherwise.
func (f *TCPForwarder) notifyConnect(orig netip.AddrPort, accepted int64) {
	if f.rule.Webhook == "" {
		return
	}

	if f.deps.Correlate && f.deps.Pending != nil {
		f.deps.Pending.Add(orig.Addr(), orig.Port(), "tcp", f.rule.TargetAddr(), accepted, f.pendingResolved(orig))
		return
	}

	f.deps.Aggregator.AddConnect(f.rule.Webhook, f.rule.TargetAddr(), orig.Addr().String(), orig.Port(), "tcp")
}

// pendingResolved handles the outcome of a pending flow. A matched
// flow needs nothing here: the login path dispatches the join with
// identity attached. An expired flow falls back to the anonymous
// aggregation path.
func (f *TCPForwarder) pendingResolved(orig netip.AddrPort) func(string, bool) {
	return func(_ string, ok bool) {
		if ok {
			f.pendingOutcome("matched")
			return
		}
		f.pendingOutcome("expired")
		f.deps.Aggregator.AddConnect(f.rule.Webhook, f.rule.TargetAddr(), orig.Addr().String(), orig.Port(), "tcp")
	}
}

// -------------------------------------------------------------------------
// Metrics helpers (nil-safe)
// -------------------------------------------------------------------------

func (f *TCPForwarder) connOpened() {
	if f.deps.Metrics != nil {
		f.deps.Metrics.ConnOpened("tcp", f.rule.TargetAddr())
	}
}

func (f *TCPForwarder) connClosed() {
	if f.deps.Metrics != nil {
		f.deps.Metrics.ConnClosed("tcp", f.rule.TargetAddr())
	}
}

func (f *TCPForwarder) addBytes(direction string, n int64) {
	if f.deps.Metrics != nil {
		f.deps.Metrics.AddBytes("tcp", f.rule.TargetAddr(), direction, n)
	}
}

func (f *TCPForwarder) headerEmitted() {
	if f.deps.Metrics != nil {
		f.deps.Metrics.HeaderEmitted("tcp")
	}
}

func (f *TCPForwarder) headerParsed() {
	if f.deps.Metrics != nil {
		f.deps.Metrics.HeaderParsed("tcp")
	}
}

func (f *TCPForwarder) pendingOutcome(outcome string) {
	if f.deps.Metrics != nil {
		f.deps.Metrics.PendingOutcome(outcome)
	}
}
