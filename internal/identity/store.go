package identity

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultStorePath is the persistence file looked up in the working
// directory.
const DefaultStorePath = "playerIP.json"

// storeFileMode is the permission set for the persistence file.
const storeFileMode = 0o644

// Record is one persisted username entry. The IPs list holds at most
// one entry: the most recently seen (address, protocol) pair.
type Record struct {
	// Username is the player identity.
	Username string `json:"username"`

	// IPs is the retained address list (length 0 or 1).
	IPs []IPEntry `json:"ips"`
}

// IPEntry is a last-known client address for a username.
type IPEntry struct {
	// IP is the client address text.
	IP string `json:"ip"`

	// Protocol is "tcp" or "udp".
	Protocol string `json:"protocol"`

	// LastSeen is the last observation time in ms since epoch.
	LastSeen int64 `json:"lastSeen"`
}

// legacyRecord tolerates the historical on-disk shape, where each IP
// entry carried a ports array. Ports are dropped on load.
type legacyRecord struct {
	Username string `json:"username"`
	IPs      []struct {
		IP       string  `json:"ip"`
		Protocol string  `json:"protocol"`
		LastSeen int64   `json:"lastSeen"`
		Ports    []int   `json:"ports"`
		Port     float64 `json:"port"`
	} `json:"ips"`
}

// Store is the durable username -> last-known address record.
//
// The whole document is rewritten after every mutation. I/O and decode
// failures are logged and leave the in-memory state intact; the store
// never terminates the process.
type Store struct {
	mu      sync.Mutex
	path    string
	enabled bool
	clock   clockwork.Clock
	logger  *slog.Logger

	// records keyed by username.
	records map[string]*Record
}

// NewStore loads the persistence document at path. When enabled is
// false all mutators are no-ops and the loader is skipped.
//
// Legacy documents are normalized on load (only the most recent IP
// entry by lastSeen is retained, ports are dropped) and the normalized
// form is rewritten immediately.
func NewStore(path string, enabled bool, clock clockwork.Clock, logger *slog.Logger) *Store {
	s := &Store{
		path:    path,
		enabled: enabled,
		clock:   clock,
		logger:  logger.With(slog.String("component", "identity.store")),
		records: make(map[string]*Record),
	}

	if !enabled {
		s.logger.Debug("identity persistence disabled")
		return s
	}

	s.load()
	return s
}

// load reads and normalizes the on-disk document. Failures are logged
// and the store continues empty.
func (s *Store) load() {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		s.logger.Warn("failed to read persistence file, starting empty",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return
	}

	var legacy []legacyRecord
	if err := json.Unmarshal(raw, &legacy); err != nil {
		s.logger.Warn("failed to decode persistence file, starting empty",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, lr := range legacy {
		rec := normalize(lr)
		if rec != nil {
			s.records[rec.Username] = rec
		}
	}

	// Rewrite immediately so legacy shapes do not survive on disk.
	s.save()

	s.logger.Info("identity persistence loaded",
		slog.String("path", s.path),
		slog.Int("records", len(s.records)),
	)
}

// normalize retains only the most recent IP entry by lastSeen.
// Usernames with no entries are dropped.
func normalize(lr legacyRecord) *Record {
	if lr.Username == "" {
		return nil
	}

	rec := &Record{Username: lr.Username}

	var best *IPEntry
	for _, e := range lr.IPs {
		if best == nil || e.LastSeen > best.LastSeen {
			best = &IPEntry{IP: e.IP, Protocol: e.Protocol, LastSeen: e.LastSeen}
		}
	}
	if best == nil {
		return nil
	}

	rec.IPs = []IPEntry{*best}
	return rec
}

// Register records that username was last seen at (ip, protocol). The
// single retained entry is replaced when the address or protocol
// differs; lastSeen always advances to now. The port argument is
// accepted for interface symmetry but not persisted.
func (s *Store) Register(username, ip string, _ uint16, protocol string) {
	if !s.enabled {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UnixMilli()

	rec, ok := s.records[username]
	if !ok {
		rec = &Record{Username: username}
		s.records[username] = rec
	}

	if len(rec.IPs) == 1 && rec.IPs[0].IP == ip && rec.IPs[0].Protocol == protocol {
		rec.IPs[0].LastSeen = now
	} else {
		rec.IPs = []IPEntry{{IP: ip, Protocol: protocol, LastSeen: now}}
	}

	s.save()
}

// Lookup returns the retained IP entries for username, or nil when the
// username is unknown.
func (s *Store) Lookup(username string) []IPEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[username]
	if !ok {
		return nil
	}
	out := make([]IPEntry, len(rec.IPs))
	copy(out, rec.IPs)
	return out
}

// Cleanup drops IP entries older than the given number of days and
// removes usernames left with no entries. No-op when disabled.
func (s *Store) Cleanup(olderThanDays int) {
	if !s.enabled {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour).UnixMilli()

	changed := false
	for username, rec := range s.records {
		kept := rec.IPs[:0]
		for _, e := range rec.IPs {
			if e.LastSeen >= cutoff {
				kept = append(kept, e)
			}
		}
		rec.IPs = kept
		if len(rec.IPs) == 0 {
			delete(s.records, username)
			changed = true
		}
	}

	if changed {
		s.save()
	}
}

// save rewrites the whole document atomically: pretty JSON into a
// temporary file, then rename over the target. Caller holds the lock.
func (s *Store) save() {
	records := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	slices.SortFunc(records, func(a, b *Record) int {
		return strings.Compare(a.Username, b.Username)
	})

	out, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		s.logger.Warn("failed to encode persistence document",
			slog.String("error", err.Error()),
		)
		return
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, storeFileMode); err != nil {
		s.logger.Warn("failed to write persistence file",
			slog.String("path", tmp),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Warn("failed to replace persistence file",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
	}
}
