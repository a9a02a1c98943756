// Package identity correlates human-readable player identities with
// observed network flows.
//
// Three cooperating pieces: the Registry (short-lived login-timestamp
// map fed by the control endpoint), the PendingBuffer (recently
// observed flows awaiting an identity declaration), and the Store
// (durable username -> last-known address record).
package identity

import (
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
)

// Tolerance is the maximum distance, in milliseconds, between a login
// timestamp and a connection timestamp for the two to correlate.
const Tolerance = 30_000

// registryTTL is how long a login entry survives without a matching
// logout before the periodic sweep evicts it, in milliseconds.
const registryTTL = 5 * 60 * 1000

// Login is one registered login event.
type Login struct {
	// Username is the declared player identity.
	Username string `json:"username"`

	// Timestamp is the login time in milliseconds since epoch.
	Timestamp int64 `json:"timestamp"`
}

// Registry maps login timestamps to usernames. Multiple timestamps may
// coexist for the same username (the same player on several devices).
//
// All operations are O(n) over current entries; the entry count is
// bounded by logins within the TTL window and stays small.
type Registry struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	logger *slog.Logger

	// logins keyed by login timestamp (ms since epoch).
	logins map[int64]Login
}

// NewRegistry creates an empty login registry.
func NewRegistry(clock clockwork.Clock, logger *slog.Logger) *Registry {
	return &Registry{
		clock:  clock,
		logger: logger.With(slog.String("component", "identity.registry")),
		logins: make(map[int64]Login),
	}
}

// RegisterLogin records a login event. A second login with an
// identical timestamp overwrites the first.
func (r *Registry) RegisterLogin(ts int64, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logins[ts] = Login{Username: username, Timestamp: ts}

	r.logger.Debug("login registered",
		slog.String("username", username),
		slog.Int64("timestamp", ts),
	)
}

// RegisterLogout removes the first entry whose username matches and
// whose stored timestamp is within +-Tolerance of ts. No-op when none
// qualifies.
func (r *Registry) RegisterLogout(ts int64, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, login := range r.logins {
		if login.Username != username {
			continue
		}
		if absDiff(login.Timestamp, ts) > Tolerance {
			continue
		}
		delete(r.logins, key)

		r.logger.Debug("logout registered",
			slog.String("username", username),
			slog.Int64("timestamp", ts),
		)
		return
	}
}

// Find returns the username of the entry minimizing |stored - connTS|,
// subject to that distance being strictly below Tolerance. Returns
// ok=false when no entry qualifies.
func (r *Registry) Find(connTS int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		best     string
		bestDist int64 = Tolerance
		found    bool
	)
	for _, login := range r.logins {
		d := absDiff(login.Timestamp, connTS)
		if d < bestDist {
			best, bestDist, found = login.Username, d, true
		}
	}
	return best, found
}

// Cleanup evicts entries older than five minutes relative to now.
// Returns the number of evicted entries.
func (r *Registry) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock.Now().UnixMilli() - registryTTL

	evicted := 0
	for key, login := range r.logins {
		if login.Timestamp < cutoff {
			delete(r.logins, key)
			evicted++
		}
	}

	if evicted > 0 {
		r.logger.Debug("stale logins evicted", slog.Int("count", evicted))
	}
	return evicted
}

// Snapshot returns a copy of the currently registered logins.
func (r *Registry) Snapshot() []Login {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Login, 0, len(r.logins))
	for _, login := range r.logins {
		out = append(out, login)
	}
	return out
}

// absDiff returns |a - b| without overflow for timestamps in the
// epoch-milliseconds range.
func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
