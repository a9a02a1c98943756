// Package control serves relayd's HTTP control endpoint: out-of-band
// login/logout declarations and a dump of currently known players.
package control

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/net/netutil"

	"github.com/nettap/relayd/internal/identity"
	"github.com/nettap/relayd/internal/notify"
)

// -------------------------------------------------------------------------
// Server Constants
// -------------------------------------------------------------------------

const (
	// maxConcurrentConns bounds simultaneous control connections.
	maxConcurrentConns = 64

	// maxBodyBytes bounds a request body. Login payloads are tiny.
	maxBodyBytes = 4 * 1024

	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// -------------------------------------------------------------------------
// Control Server
// -------------------------------------------------------------------------

// Server handles identity declarations and correlates them with
// pending flows.
type Server struct {
	registry   *identity.Registry
	pending    *identity.PendingBuffer
	store      *identity.Store
	dispatcher *notify.Dispatcher
	webhooks   []string
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewServer creates a control Server. webhooks is the set of distinct
// notification URLs configured across all forwarding rules; join and
// leave events fan out to each of them.
func NewServer(
	registry *identity.Registry,
	pending *identity.PendingBuffer,
	store *identity.Store,
	dispatcher *notify.Dispatcher,
	webhooks []string,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Server {
	return &Server{
		registry:   registry,
		pending:    pending,
		store:      store,
		dispatcher: dispatcher,
		webhooks:   webhooks,
		clock:      clock,
		logger:     logger.With(slog.String("component", "control")),
	}
}

// Handler builds the route table wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/logout", s.handleLogout)
	mux.HandleFunc("/api/players", s.handlePlayers)
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	return corsMiddleware(mux)
}

// Run serves the control endpoint on the given port until ctx is
// canceled. The listener is capped to a fixed number of concurrent
// connections.
func (s *Server) Run(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, maxConcurrentConns)

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	s.logger.Info("Control endpoint listening", slog.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown control endpoint: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve control endpoint: %w", err)
	}
}

// -------------------------------------------------------------------------
// Middleware
// -------------------------------------------------------------------------

// corsMiddleware sets allow-all CORS headers on every response and
// short-circuits OPTIONS preflights.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// -------------------------------------------------------------------------
// Request Decoding
// -------------------------------------------------------------------------

// identityRequest is the login/logout payload after type validation.
type identityRequest struct {
	Username  string
	Timestamp int64
}

// decodeIdentity validates the {timestamp, username} body shape.
// Field types are checked explicitly: a wrong content type, a string
// timestamp, or a numeric username is a client bug worth a 400, not a
// silent coercion.
func decodeIdentity(r *http.Request) (identityRequest, error) {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		return identityRequest{}, errors.New("Content-Type must be application/json")
	}

	var raw struct {
		Timestamp any `json:"timestamp"`
		Username  any `json:"username"`
	}

	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(&raw); err != nil {
		return identityRequest{}, fmt.Errorf("invalid JSON body: %w", err)
	}

	ts, ok := raw.Timestamp.(float64)
	if !ok {
		return identityRequest{}, errors.New("timestamp must be a number")
	}

	username, ok := raw.Username.(string)
	if !ok || username == "" {
		return identityRequest{}, errors.New("username must be a non-empty string")
	}

	return identityRequest{Username: username, Timestamp: int64(ts)}, nil
}

// -------------------------------------------------------------------------
// Handlers
// -------------------------------------------------------------------------

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	req, err := decodeIdentity(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.registry.RegisterLogin(req.Timestamp, req.Username)

	matched, _ := s.pending.ProcessForPlayer(req.Username, req.Timestamp)

	s.logger.Info("Login registered",
		slog.String("username", req.Username),
		slog.Int64("timestamp", req.Timestamp),
		slog.Int("matched_flows", len(matched)),
	)

	if len(matched) == 0 {
		s.fanOut(notify.GenericLogin(req.Username, s.clock.Now()))
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "matched": 0})
		return
	}

	for _, group := range groupFlows(matched) {
		s.store.Register(req.Username, group.ip, 0, group.protocol)
		s.fanOut(notify.PlayerJoin(req.Username, group.ip, group.ports, group.protocol, group.target, s.clock.Now()))
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "matched": len(matched)})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	req, err := decodeIdentity(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.registry.RegisterLogout(req.Timestamp, req.Username)

	s.logger.Info("Logout registered",
		slog.String("username", req.Username),
		slog.Int64("timestamp", req.Timestamp),
	)

	entries := s.store.Lookup(req.Username)
	if len(entries) == 0 {
		s.fanOut(notify.PlayerLeaveNoIP(req.Username, s.clock.Now()))
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}

	for _, entry := range entries {
		s.fanOut(notify.PlayerLeave(req.Username, entry.IP, entry.Protocol, s.clock.Now()))
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	players := s.registry.Snapshot()
	slices.SortFunc(players, func(a, b identity.Login) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})

	writeJSON(w, http.StatusOK, players)
}

// fanOut dispatches one message to every configured webhook URL.
func (s *Server) fanOut(msg notify.Message) {
	for _, url := range s.webhooks {
		s.dispatcher.Dispatch(url, msg)
	}
}

// -------------------------------------------------------------------------
// Flow Grouping
// -------------------------------------------------------------------------

// flowGroup collapses matched pending flows sharing (ip, protocol)
// into one port list.
type flowGroup struct {
	ip       string
	protocol string
	target   string
	ports    []uint16
}

// groupFlows buckets matched flows by (ip, protocol). Groups come
// back in a stable order.
func groupFlows(flows []*identity.Flow) []flowGroup {
	type key struct {
		ip       string
		protocol string
	}

	index := make(map[key]int)
	groups := make([]flowGroup, 0, len(flows))

	for _, f := range flows {
		ip := normalizeIP(f.Addr)
		k := key{ip: ip, protocol: f.Protocol}

		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, flowGroup{ip: ip, protocol: f.Protocol, target: f.Target})
		}
		groups[i].ports = append(groups[i].ports, f.Port)
	}

	for i := range groups {
		slices.Sort(groups[i].ports)
	}

	return groups
}

func normalizeIP(addr netip.Addr) string {
	return addr.Unmap().String()
}

// -------------------------------------------------------------------------
// Response Helpers
// -------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
