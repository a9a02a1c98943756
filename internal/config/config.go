// Package config manages relayd configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides. When the
// configuration file does not exist, the default document is written
// in its place and startup continues.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file looked up in the working
// directory when no explicit path is given.
const DefaultPath = "config.yml"

// defaultFileMode is the permission set for a freshly written default
// configuration file.
const defaultFileMode = 0o644

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete relayd configuration.
type Config struct {
	// Endpoint is the control endpoint listen port (identity
	// login/logout ingestion). Only served when UseRestAPI is true.
	Endpoint int `koanf:"endpoint" yaml:"endpoint"`

	// UseRestAPI enables correlation mode: observed flows wait in the
	// pending buffer for an out-of-band identity declaration instead of
	// being notified immediately.
	UseRestAPI bool `koanf:"useRestApi" yaml:"useRestApi"`

	// SavePlayerIP enables the durable username -> last-known address
	// record on disk.
	SavePlayerIP bool `koanf:"savePlayerIP" yaml:"savePlayerIP"`

	// Log holds the logging configuration.
	Log LogConfig `koanf:"log" yaml:"log"`

	// Metrics holds the Prometheus endpoint configuration.
	Metrics MetricsConfig `koanf:"metrics" yaml:"metrics"`

	// Listeners is the set of forwarding rules. Required and non-empty.
	Listeners []Listener `koanf:"listeners" yaml:"listeners"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level" yaml:"level"`

	// Format is the log output format: "json" or "text".
	Format string `koanf:"format" yaml:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
// An empty Addr disables the endpoint.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr" yaml:"addr"`

	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path" yaml:"path"`
}

// Listener describes one forwarding rule: a bind address with optional
// TCP and UDP listen ports and a single backend target.
type Listener struct {
	// Bind is the local address to listen on (e.g., "0.0.0.0").
	Bind string `koanf:"bind" yaml:"bind"`

	// TCP is the TCP listen port. Zero means no TCP listener.
	TCP int `koanf:"tcp" yaml:"tcp,omitempty"`

	// UDP is the UDP listen port. Zero means no UDP listener.
	UDP int `koanf:"udp" yaml:"udp,omitempty"`

	// HAProxy enables emitting a PROXY protocol v2 preamble toward the
	// backend so it learns the true client address.
	HAProxy bool `koanf:"haproxy" yaml:"haproxy"`

	// Webhook is the notification webhook URL for this rule. Empty or
	// whitespace-only disables notifications.
	Webhook string `koanf:"webhook" yaml:"webhook,omitempty"`

	// Target is the backend this rule forwards to.
	Target Target `koanf:"target" yaml:"target"`
}

// Target is the backend side of a forwarding rule.
type Target struct {
	// Host is the backend host: a name or a numeric address.
	Host string `koanf:"host" yaml:"host"`

	// TCP is the backend TCP port. Zero deactivates the TCP half.
	TCP int `koanf:"tcp" yaml:"tcp,omitempty"`

	// UDP is the backend UDP port. Zero deactivates the UDP half.
	UDP int `koanf:"udp" yaml:"udp,omitempty"`
}

// TCPActive reports whether the TCP half of the rule is live: both a
// listen port and a matching target port are set. An incomplete half
// is silently inactive.
func (l Listener) TCPActive() bool {
	return l.TCP != 0 && l.Target.TCP != 0
}

// UDPActive reports whether the UDP half of the rule is live.
func (l Listener) UDPActive() bool {
	return l.UDP != 0 && l.Target.UDP != 0
}

// WebhookURL returns the trimmed webhook URL, or "" when notifications
// are disabled for this rule.
func (l Listener) WebhookURL() string {
	return strings.TrimSpace(l.Webhook)
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the documented
// defaults and a single example forwarding rule.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:     6000,
		UseRestAPI:   false,
		SavePlayerIP: true,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: "",
			Path: "/metrics",
		},
		Listeners: []Listener{
			{
				Bind:    "0.0.0.0",
				TCP:     8000,
				HAProxy: false,
				Target: Target{
					Host: "127.0.0.1",
					TCP:  9000,
				},
			},
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for relayd configuration.
// Variables are named RELAYD_<section>_<key>, e.g., RELAYD_LOG_LEVEL.
const envPrefix = "RELAYD_"

// Load reads configuration from the YAML file at path, overlays
// environment variable overrides (RELAYD_ prefix), and merges on top
// of DefaultConfig(). Missing scalar fields inherit defaults.
//
// When the file does not exist it is created from DefaultConfig() and
// loading continues with the defaults.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Warn("configuration file missing, writing defaults",
			slog.String("path", path),
		)
		if err := WriteDefault(path); err != nil {
			return nil, fmt.Errorf("write default config to %s: %w", path, err)
		}
	}

	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// RELAYD_LOG_LEVEL -> log.level (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// WriteDefault serializes DefaultConfig() to path as YAML.
func WriteDefault(path string) error {
	out, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, out, defaultFileMode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// envKeyMapper transforms RELAYD_LOG_LEVEL -> log.level.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults seeds koanf with the default scalar values as the base
// layer. Listeners are deliberately absent: the file must provide them.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"endpoint":     defaults.Endpoint,
		"useRestApi":   defaults.UseRestAPI,
		"savePlayerIP": defaults.SavePlayerIP,
		"log.level":    defaults.Log.Level,
		"log.format":   defaults.Log.Format,
		"metrics.addr": defaults.Metrics.Addr,
		"metrics.path": defaults.Metrics.Path,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrNoListeners indicates the listeners array is missing or empty.
	ErrNoListeners = errors.New("listeners must be a non-empty array")

	// ErrEmptyBind indicates a listener has no bind address.
	ErrEmptyBind = errors.New("listener bind address must not be empty")

	// ErrEmptyTargetHost indicates a listener target has no host.
	ErrEmptyTargetHost = errors.New("listener target host must not be empty")

	// ErrInvalidPort indicates a port is outside the 1-65535 range.
	ErrInvalidPort = errors.New("port out of range")

	// ErrInvalidEndpoint indicates the control endpoint port is invalid.
	ErrInvalidEndpoint = errors.New("endpoint port out of range")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Endpoint < 1 || cfg.Endpoint > 65535 {
		return fmt.Errorf("endpoint %d: %w", cfg.Endpoint, ErrInvalidEndpoint)
	}

	if len(cfg.Listeners) == 0 {
		return ErrNoListeners
	}

	for i, l := range cfg.Listeners {
		if err := validateListener(l); err != nil {
			return fmt.Errorf("listeners[%d]: %w", i, err)
		}
	}

	return nil
}

// validateListener checks one forwarding rule. Port zero means "not
// configured" and is allowed; a present port must be in range.
func validateListener(l Listener) error {
	if strings.TrimSpace(l.Bind) == "" {
		return ErrEmptyBind
	}
	if strings.TrimSpace(l.Target.Host) == "" {
		return ErrEmptyTargetHost
	}

	ports := []struct {
		name string
		val  int
	}{
		{"tcp", l.TCP},
		{"udp", l.UDP},
		{"target.tcp", l.Target.TCP},
		{"target.udp", l.Target.UDP},
	}
	for _, p := range ports {
		if p.val != 0 && (p.val < 1 || p.val > 65535) {
			return fmt.Errorf("%s port %d: %w", p.name, p.val, ErrInvalidPort)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
