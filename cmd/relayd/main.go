// relayd -- configurable TCP/UDP port forwarder with PROXY protocol v2
// support, identity correlation, and webhook notifications.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nettap/relayd/internal/config"
	"github.com/nettap/relayd/internal/control"
	"github.com/nettap/relayd/internal/forward"
	"github.com/nettap/relayd/internal/identity"
	relaymetrics "github.com/nettap/relayd/internal/metrics"
	"github.com/nettap/relayd/internal/notify"
	appversion "github.com/nettap/relayd/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP
// server to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// cleanupInterval drives the periodic identity map sweep.
const cleanupInterval = 60 * time.Second

// storeCleanupDays is the age cutoff for persisted player addresses,
// applied on the same periodic sweep.
const storeCleanupDays = 30

// probeTimeout bounds the startup reachability probe per TCP target.
const probeTimeout = 2 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", config.DefaultPath, "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("relayd"))
		return 0
	}

	// 2. Load config. Logger is not set up yet; use a temporary
	// stderr logger for loader warnings.
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := config.Load(*configPath, bootstrapLogger)
	if err != nil {
		bootstrapLogger.Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("relayd starting",
		slog.String("version", appversion.Version),
		slog.Int("listeners", len(cfg.Listeners)),
		slog.Bool("correlation", cfg.UseRestAPI),
	)

	// 4. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := relaymetrics.NewCollector(reg)

	// 5. Run the forwarding planes and auxiliary servers.
	if err := runServers(cfg, reg, collector, logger, logLevel); err != nil {
		logger.Error("relayd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("relayd stopped")
	return 0
}

// runServers wires the singletons, starts every forwarder plus the
// optional control and metrics servers, and blocks until shutdown.
func runServers(
	cfg *config.Config,
	reg *prometheus.Registry,
	collector *relaymetrics.Collector,
	logger *slog.Logger,
	logLevel *slog.LevelVar,
) error {
	clock := clockwork.NewRealClock()

	sender := notify.NewHTTPSender(nil)
	dispatcher := notify.NewDispatcher(sender, logger, collector)
	defer dispatcher.Stop()

	aggregator := notify.NewAggregator(clock, dispatcher, logger)
	registry := identity.NewRegistry(clock, logger)
	store := identity.NewStore(identity.DefaultStorePath, cfg.SavePlayerIP, clock, logger)

	pending := identity.NewPendingBuffer(logger)
	go pending.Start()
	defer pending.Stop()

	deps := forward.Deps{
		Resolver:   forward.NewNetResolver(nil),
		Pending:    pending,
		Aggregator: aggregator,
		Dispatcher: dispatcher,
		Metrics:    collector,
		Logger:     logger,
		Clock:      clock,
		Correlate:  cfg.UseRestAPI,
	}

	// errgroup with signal-aware context.
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	startForwarders(gCtx, g, cfg, deps, logger)
	probeTargets(gCtx, cfg, logger)

	if cfg.UseRestAPI {
		ctrl := control.NewServer(registry, pending, store, dispatcher,
			webhookURLs(cfg), clock, logger)
		g.Go(func() error {
			return ctrl.Run(gCtx, cfg.Endpoint)
		})
	} else {
		logger.Info("control endpoint disabled")
	}

	metricsSrv := startMetricsServer(gCtx, g, cfg.Metrics, reg, logger)

	g.Go(func() error {
		return runCleanup(gCtx, registry, store, cfg.SavePlayerIP, logger)
	})
	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})
	startSIGHUPHandler(gCtx, g, logLevel, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		notifyStopping(logger)
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown metrics server: %w", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startForwarders launches one forwarder per active protocol half of
// each configured rule.
func startForwarders(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	deps forward.Deps,
	logger *slog.Logger,
) {
	for _, l := range cfg.Listeners {
		if l.TCPActive() {
			f := forward.NewTCPForwarder(forward.TCPRule(l), deps)
			g.Go(func() error {
				return f.Run(ctx)
			})
		}
		if l.UDPActive() {
			f := forward.NewUDPForwarder(forward.UDPRule(l), deps)
			g.Go(func() error {
				return f.Run(ctx)
			})
		}
		if !l.TCPActive() && !l.UDPActive() {
			logger.Warn("listener has no active protocol half",
				slog.String("bind", l.Bind),
			)
		}
	}
}

// probeTargets attempts a short TCP connection to each TCP backend at
// startup. An unreachable backend is worth a warning but never fatal:
// it may simply not be up yet.
func probeTargets(ctx context.Context, cfg *config.Config, logger *slog.Logger) {
	var dialer net.Dialer

	for _, l := range cfg.Listeners {
		if !l.TCPActive() {
			continue
		}

		target := forward.TCPRule(l).TargetAddr()
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		conn, err := dialer.DialContext(probeCtx, "tcp", target)
		cancel()
		if err != nil {
			logger.Warn("backend target unreachable at startup",
				slog.String("target", target),
				slog.String("error", err.Error()),
			)
			continue
		}
		_ = conn.Close()
	}
}

// webhookURLs collects the distinct non-empty webhook URLs across all
// rules, in stable order.
func webhookURLs(cfg *config.Config) []string {
	seen := make(map[string]struct{})
	var urls []string
	for _, l := range cfg.Listeners {
		url := l.WebhookURL()
		if url == "" {
			continue
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		urls = append(urls, url)
	}
	slices.Sort(urls)
	return urls
}

// runCleanup sweeps stale identity map entries and aged persisted
// addresses once per minute.
func runCleanup(
	ctx context.Context,
	registry *identity.Registry,
	store *identity.Store,
	storeEnabled bool,
	logger *slog.Logger,
) error {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := registry.Cleanup(); removed > 0 {
				logger.Debug("identity map cleanup",
					slog.Int("removed", removed),
				)
			}
			if storeEnabled {
				store.Cleanup(storeCleanupDays)
			}
		}
	}
}

// -------------------------------------------------------------------------
// Metrics Server
// -------------------------------------------------------------------------

// startMetricsServer registers the Prometheus endpoint goroutine when
// an address is configured. Returns nil when metrics are disabled.
func startMetricsServer(
	ctx context.Context,
	g *errgroup.Group,
	cfg config.MetricsConfig,
	reg *prometheus.Registry,
	logger *slog.Logger,
) *http.Server {
	if cfg.Addr == "" {
		logger.Debug("metrics endpoint disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Addr),
			slog.String("path", cfg.Path),
		)
		return listenAndServe(ctx, &lc, srv, cfg.Addr)
	})

	return srv
}

// listenAndServe opens the TCP listener through the context-aware
// ListenConfig and serves HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd
// documentation. If watchdog is not configured, the goroutine exits
// immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	// Send keepalive at half the watchdog interval.
	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — dynamic log level
// -------------------------------------------------------------------------

// startSIGHUPHandler registers the reload goroutine. A SIGHUP re-reads
// the configuration file and applies the log level without restart.
// Listener topology changes still require a restart.
func startSIGHUPHandler(
	ctx context.Context,
	g *errgroup.Group,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)

	g.Go(func() error {
		defer signal.Stop(sigHUP)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigHUP:
				cfg, err := config.Load(flag.Lookup("config").Value.String(), logger)
				if err != nil {
					logger.Warn("reload failed, keeping previous configuration",
						slog.String("error", err.Error()),
					)
					continue
				}
				logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
				logger.Info("configuration reloaded",
					slog.String("log_level", cfg.Log.Level),
				)
			}
		}
	})
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
