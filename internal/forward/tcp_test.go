package forward_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nettap/relayd/internal/forward"
	"github.com/nettap/relayd/internal/identity"
	"github.com/nettap/relayd/internal/proxyproto"
)

// waitAddr polls until the forwarder has bound its listen socket.
func waitAddr(t *testing.T, addr func() net.Addr) net.Addr {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a := addr(); a != nil {
			return a
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("forwarder never bound its listen socket")
	return nil
}

func baseDeps() forward.Deps {
	return forward.Deps{
		Resolver: forward.NewNetResolver(nil),
		Logger:   testLogger(),
		Clock:    clockwork.NewRealClock(),
	}
}

func TestTCPForwarderEmitsPreamble(t *testing.T) {
	t.Parallel()

	backend, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}
	defer backend.Close()

	type backendResult struct {
		header  *proxyproto.Header
		payload []byte
	}
	results := make(chan backendResult, 1)

	go func() {
		conn, err := backend.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		// IPv4 STREAM preamble is 28 bytes, then the client payload.
		raw := make([]byte, proxyproto.FixedLen+proxyproto.AddrLenInet)
		if _, err := io.ReadFull(conn, raw); err != nil {
			results <- backendResult{}
			return
		}
		header := proxyproto.Decode(raw)

		payload := make([]byte, 4)
		if _, err := io.ReadFull(conn, payload); err != nil {
			results <- backendResult{header: header}
			return
		}

		results <- backendResult{header: header, payload: payload}
		_, _ = conn.Write([]byte("PONG"))
	}()

	backendPort := backend.Addr().(*net.TCPAddr).Port
	f := forward.NewTCPForwarder(forward.Rule{
		Bind:       "127.0.0.1",
		ListenPort: 0,
		Protocol:   "tcp",
		EmitPPv2:   true,
		TargetHost: "127.0.0.1",
		TargetPort: backendPort,
	}, baseDeps())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()

	addr := waitAddr(t, f.Addr)

	client, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("PING")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	var res backendResult
	select {
	case res = <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("backend never observed the connection")
	}

	if res.header == nil {
		t.Fatal("backend did not receive a decodable preamble")
	}
	clientAddr := client.LocalAddr().(*net.TCPAddr)
	if got := res.header.SrcAddr.String(); got != clientAddr.IP.String() {
		t.Errorf("preamble source = %s, want %s", got, clientAddr.IP)
	}
	if int(res.header.SrcPort) != clientAddr.Port {
		t.Errorf("preamble source port = %d, want %d", res.header.SrcPort, clientAddr.Port)
	}
	if string(res.payload) != "PING" {
		t.Errorf("payload = %q, want PING", res.payload)
	}

	// The response path flows untouched.
	reply := make([]byte, 4)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(reply) != "PONG" {
		t.Errorf("reply = %q, want PONG", reply)
	}
}

func TestTCPForwarderPassesChainThrough(t *testing.T) {
	t.Parallel()

	backend, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}
	defer backend.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := backend.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		raw, _ := io.ReadAll(conn)
		received <- raw
	}()

	backendPort := backend.Addr().(*net.TCPAddr).Port

	// Correlation mode: the derived original client lands in the
	// pending buffer instead of an immediate notification.
	pending := identity.NewPendingBuffer(testLogger())
	deps := baseDeps()
	deps.Correlate = true
	deps.Pending = pending

	f := forward.NewTCPForwarder(forward.Rule{
		Bind:       "127.0.0.1",
		ListenPort: 0,
		Protocol:   "tcp",
		EmitPPv2:   false,
		Webhook:    "http://hook",
		TargetHost: "127.0.0.1",
		TargetPort: backendPort,
	}, deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()

	addr := waitAddr(t, f.Addr)

	client, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}

	chain := proxyproto.Encode("198.51.100.7", 40001, "10.0.0.1", 9000, false)
	sent := append(append([]byte{}, chain...), []byte("DATA")...)
	if _, err := client.Write(sent); err != nil {
		t.Fatalf("client write: %v", err)
	}
	_ = client.(*net.TCPConn).CloseWrite()

	var raw []byte
	select {
	case raw = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("backend never received the stream")
	}

	// Without emission the captured chunk is forwarded verbatim,
	// inbound chain included.
	if !bytes.Equal(raw, sent) {
		t.Errorf("backend received %d bytes, want the original %d unchanged", len(raw), len(sent))
	}

	// The pending flow is keyed on the chain's original client, not
	// the loopback peer.
	deadline := time.Now().Add(2 * time.Second)
	for pending.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pending.Len() != 1 {
		t.Fatalf("pending flows = %d, want 1", pending.Len())
	}

	matched, _ := pending.ProcessForPlayer("Steve", time.Now().UnixMilli())
	if len(matched) != 1 {
		t.Fatalf("matched flows = %d, want 1", len(matched))
	}
	if matched[0].Addr.String() != "198.51.100.7" || matched[0].Port != 40001 {
		t.Errorf("pending flow = %s:%d, want chain original 198.51.100.7:40001",
			matched[0].Addr, matched[0].Port)
	}

	client.Close()
}

func TestTCPForwarderPendingArrivalIsAcceptTime(t *testing.T) {
	t.Parallel()

	backend, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}
	defer backend.Close()

	go func() {
		conn, err := backend.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(io.Discard, conn)
	}()

	start := time.UnixMilli(9_000_000)
	fclock := clockwork.NewFakeClockAt(start)
	pending := identity.NewPendingBuffer(testLogger())
	deps := baseDeps()
	deps.Clock = fclock
	deps.Correlate = true
	deps.Pending = pending

	backendPort := backend.Addr().(*net.TCPAddr).Port
	f := forward.NewTCPForwarder(forward.Rule{
		Bind:       "127.0.0.1",
		ListenPort: 0,
		Protocol:   "tcp",
		Webhook:    "http://hook",
		TargetHost: "127.0.0.1",
		TargetPort: backendPort,
	}, deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()

	addr := waitAddr(t, f.Addr)

	client, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer client.Close()

	// Let the handler record the accept before the clock moves, then
	// stall well past the correlation tolerance before the first byte.
	time.Sleep(300 * time.Millisecond)
	fclock.Advance(2 * time.Minute)

	if _, err := client.Write([]byte("LATE")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for pending.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pending.Len() != 1 {
		t.Fatal("no pending flow was enqueued")
	}

	// A login near the accept time correlates; had the arrival been
	// stamped at the first byte, the two-minute gap would miss it.
	matched, _ := pending.ProcessForPlayer("Steve", start.UnixMilli()+1_000)
	if len(matched) != 1 {
		t.Fatalf("matched flows = %d, want 1: arrival not anchored to accept time", len(matched))
	}
	if matched[0].Arrival != start.UnixMilli() {
		t.Errorf("Arrival = %d, want accept time %d", matched[0].Arrival, start.UnixMilli())
	}
}
