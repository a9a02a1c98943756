package control_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nettap/relayd/internal/control"
	"github.com/nettap/relayd/internal/identity"
	"github.com/nettap/relayd/internal/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordSender captures dispatched webhook messages.
type recordSender struct {
	mu   sync.Mutex
	urls []string
	msgs []notify.Message
}

func (r *recordSender) Send(_ context.Context, url string, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, url)
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordSender) sent() ([]string, []notify.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...), append([]notify.Message(nil), r.msgs...)
}

// harness wires a Server with fake collaborators.
type harness struct {
	server   *control.Server
	handler  http.Handler
	registry *identity.Registry
	pending  *identity.PendingBuffer
	store    *identity.Store
	rec      *recordSender
	disp     *notify.Dispatcher
	clock    *clockwork.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_000_000))
	rec := &recordSender{}
	disp := notify.NewDispatcher(rec, testLogger(), nil)

	registry := identity.NewRegistry(clock, testLogger())
	pending := identity.NewPendingBuffer(testLogger())
	store := identity.NewStore(filepath.Join(t.TempDir(), "playerIP.json"), true, clock, testLogger())

	srv := control.NewServer(registry, pending, store, disp,
		[]string{"http://hook-a", "http://hook-b"}, clock, testLogger())

	return &harness{
		server:   srv,
		handler:  srv.Handler(),
		registry: registry,
		pending:  pending,
		store:    store,
		rec:      rec,
		disp:     disp,
		clock:    clock,
	}
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func TestCORSHeadersOnEveryResponse(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for _, tc := range []struct {
		method string
		path   string
		status int
	}{
		{http.MethodOptions, "/api/login", http.StatusOK},
		{http.MethodGet, "/api/players", http.StatusOK},
		{http.MethodGet, "/nope", http.StatusNotFound},
		{http.MethodPost, "/api/login", http.StatusBadRequest},
	} {
		w := h.do(tc.method, tc.path, "")
		if w.Code != tc.status {
			t.Errorf("%s %s: status = %d, want %d", tc.method, tc.path, w.Code, tc.status)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("%s %s: allow-origin = %q, want *", tc.method, tc.path, got)
		}
		if got := w.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
			t.Errorf("%s %s: allow-methods = %q", tc.method, tc.path, got)
		}
	}
}

func TestLoginValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for name, body := range map[string]string{
		"not json":         "{oops",
		"string timestamp": `{"timestamp":"12345","username":"Steve"}`,
		"numeric username": `{"timestamp":12345,"username":7}`,
		"empty username":   `{"timestamp":12345,"username":""}`,
		"missing fields":   `{}`,
	} {
		w := h.do(http.MethodPost, "/api/login", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, w.Code)
		}
		var resp map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Errorf("%s: error body is not JSON: %v", name, err)
		} else if resp["error"] == "" {
			t.Errorf("%s: error body missing explanation", name)
		}
	}
}

func TestLoginContentType(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	body := `{"timestamp":12345,"username":"Steve"}`

	// A valid JSON body under the wrong media type is still a 400.
	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("text/plain: status = %d, want 400", w.Code)
	}

	// Media type parameters are fine.
	req = httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	w = httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("application/json with charset: status = %d, want 200: %s", w.Code, w.Body)
	}
}

func TestLoginWithoutPendingDispatchesGenericLogin(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	w := h.do(http.MethodPost, "/api/login", `{"timestamp":1000000,"username":"Steve"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body)
	}

	h.disp.Stop()
	urls, msgs := h.rec.sent()
	if len(msgs) != 2 {
		t.Fatalf("dispatched = %d messages, want one per webhook URL", len(msgs))
	}
	for _, m := range msgs {
		if m.Embeds[0].Title != "Player logged in" {
			t.Errorf("title = %q", m.Embeds[0].Title)
		}
	}
	gotURLs := map[string]bool{}
	for _, u := range urls {
		gotURLs[u] = true
	}
	if !gotURLs["http://hook-a"] || !gotURLs["http://hook-b"] {
		t.Errorf("urls = %v", urls)
	}
}

func TestLoginCorrelatesPendingFlows(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// Two flows from the same client IP and protocol, one from another
	// protocol: two groups expected.
	now := h.clock.Now().UnixMilli()
	h.pending.Add(netip.MustParseAddr("198.51.100.7"), 40001, "udp", "127.0.0.1:19132", now, nil)
	h.pending.Add(netip.MustParseAddr("198.51.100.7"), 40002, "udp", "127.0.0.1:19132", now, nil)
	h.pending.Add(netip.MustParseAddr("198.51.100.7"), 50000, "tcp", "127.0.0.1:9000", now, nil)

	ts := h.clock.Now().UnixMilli() + 2_000
	w := h.do(http.MethodPost, "/api/login",
		`{"timestamp":`+jsonInt(ts)+`,"username":"Steve"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}

	h.disp.Stop()
	_, msgs := h.rec.sent()

	// Two groups, two webhook URLs each.
	if len(msgs) != 4 {
		t.Fatalf("dispatched = %d messages, want 4", len(msgs))
	}

	var sawPortList bool
	for _, m := range msgs {
		e := m.Embeds[0]
		if e.Title != "Player joined" {
			t.Errorf("title = %q", e.Title)
		}
		for _, f := range e.Fields {
			if f.Name == "Ports" && f.Value == "40001, 40002" {
				sawPortList = true
			}
		}
	}
	if !sawPortList {
		t.Error("no embed carried the collapsed UDP port list")
	}

	// The identity store learned the player's address.
	entries := h.store.Lookup("Steve")
	if len(entries) != 1 || entries[0].IP != "198.51.100.7" {
		t.Errorf("store entries = %+v", entries)
	}

	if h.pending.Len() != 0 {
		t.Errorf("pending flows left = %d, want 0", h.pending.Len())
	}
}

func TestLogout(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.store.Register("Steve", "198.51.100.7", 0, "udp")

	w := h.do(http.MethodPost, "/api/logout", `{"timestamp":1000500,"username":"Steve"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}

	// Unknown players still get a leave event, without an address.
	w = h.do(http.MethodPost, "/api/logout", `{"timestamp":1000600,"username":"Ghost"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}

	h.disp.Stop()
	_, msgs := h.rec.sent()
	if len(msgs) != 4 {
		t.Fatalf("dispatched = %d messages, want 4", len(msgs))
	}

	var withIP, withoutIP int
	for _, m := range msgs {
		e := m.Embeds[0]
		if e.Title != "Player left" {
			t.Errorf("title = %q", e.Title)
		}
		if strings.Contains(e.Description, "198.51.100.7") {
			withIP++
		} else {
			withoutIP++
		}
	}
	if withIP != 2 || withoutIP != 2 {
		t.Errorf("leave messages with ip = %d, without = %d, want 2 and 2", withIP, withoutIP)
	}
}

func TestPlayersDump(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.do(http.MethodPost, "/api/login", `{"timestamp":1000200,"username":"Alex"}`)
	h.do(http.MethodPost, "/api/login", `{"timestamp":1000100,"username":"Steve"}`)

	w := h.do(http.MethodGet, "/api/players", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var players []identity.Login
	if err := json.Unmarshal(w.Body.Bytes(), &players); err != nil {
		t.Fatalf("players body: %v", err)
	}
	if len(players) != 2 {
		t.Fatalf("players = %d, want 2", len(players))
	}
	// Sorted by timestamp.
	if players[0].Username != "Steve" || players[1].Username != "Alex" {
		t.Errorf("players = %+v", players)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for _, path := range []string{"/", "/api", "/api/unknown"} {
		w := h.do(http.MethodGet, path, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("GET %s: status = %d, want 404", path, w.Code)
		}
	}

	// Wrong method on a known route.
	w := h.do(http.MethodGet, "/api/login", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("GET /api/login: status = %d, want 404", w.Code)
	}
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
