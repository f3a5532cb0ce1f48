package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"geogram/internal/config"
	"geogram/internal/devices"
	"geogram/internal/logging"
	"geogram/internal/router"
	"geogram/internal/routing"
	"geogram/internal/session"
	"geogram/internal/transport"
)

const (
	stationSnapshotInterval = 5 * time.Minute
	stationRetention        = 30 * 24 * time.Hour
)

func main() {
	if err := run(); err != nil {
		slog.Error("run geogramd", "error", err)
		os.Exit(1)
	}
}

func run() error {
	dataDir := flag.String("data", "", "data directory (default: user config dir)")
	callsign := flag.String("callsign", "", "station callsign")
	serialPort := flag.String("serial-port", "", "serial port for the radio link")
	relayURL := flag.String("relay-url", "", "relay server websocket url")
	strategy := flag.String("strategy", "", "routing strategy (priority, quality, failover)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir, err := resolveDataDir(*dataDir)
	if err != nil {
		return err
	}

	cfg, err := config.Load(config.DefaultPath(dir))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if v := strings.TrimSpace(*callsign); v != "" {
		cfg.Callsign = v
	}
	if v := strings.TrimSpace(*serialPort); v != "" {
		cfg.Serial.Port = v
	}
	if v := strings.TrimSpace(*relayURL); v != "" {
		cfg.Relay.URL = v
	}
	if v := strings.TrimSpace(*strategy); v != "" {
		cfg.Router.Strategy = v
	}
	if cfg.Callsign == "" {
		return fmt.Errorf("station callsign is required (flag -callsign or config)")
	}

	logManager := logging.NewManager()
	if err := logManager.Configure(cfg.Logging, filepath.Join(dir, "geogram.log")); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() { _ = logManager.Close() }()
	logger := logManager.Logger("geogramd")
	logger.Info("starting", "callsign", transport.CanonicalCallsign(cfg.Callsign), "data_dir", dir)

	db, err := devices.Open(ctx, filepath.Join(dir, "stations.db"))
	if err != nil {
		return fmt.Errorf("open station db: %w", err)
	}
	defer func() { _ = db.Close() }()
	store := devices.NewStore(db)
	if _, err := store.Prune(ctx, time.Now().Add(-stationRetention)); err != nil {
		logger.Warn("station prune failed", "error", err)
	}

	sessions := session.NewRegistry(logManager.Logger("session"), cfg.Session.UpgradeThresholdBytes, nil)

	localNet := transport.NewLocalNetTransport(cfg.Callsign, cfg.LocalNet.Port, sessions)
	sessions.SetUpgrader(localNet)
	channels := []transport.Transport{localNet}
	if cfg.Serial.Port != "" {
		channels = append(channels, transport.NewRadioTransport(cfg.Callsign, cfg.Serial.Port, cfg.Serial.Baud))
	}
	if cfg.Relay.URL != "" {
		channels = append(channels, transport.NewRelayTransport(cfg.Callsign, cfg.Relay.URL))
	}

	strat, err := buildStrategy(cfg)
	if err != nil {
		return err
	}

	mgr := router.NewManager(router.Options{
		Logger:        logManager.Logger("router"),
		Strategy:      strat,
		Loopback:      router.NewLoopback(cfg.Router.LocalAPIPort, logManager.Logger("loopback")),
		QueueCapacity: cfg.Router.QueueCapacity,
		FlushInterval: cfg.Router.QueueFlushInterval(),
		ProbeTimeout:  cfg.Router.ProbeTimeout(),
		SendTimeout:   cfg.Router.SendTimeout(),
	})
	if err := mgr.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize router: %w", err)
	}
	defer func() { _ = mgr.Close() }()

	for _, ch := range channels {
		if !ch.Available() {
			logger.Info("channel unavailable, skipping", "transport", ch.ID())
			continue
		}
		if err := store.Hydrate(ctx, ch); err != nil {
			logger.Warn("station hydrate failed", "transport", ch.ID(), "error", err)
		}
		mgr.RegisterTransport(ctx, ch)
	}

	go snapshotLoop(ctx, logger, store, channels)

	logger.Info("router online", "strategy", strat.Name(), "local_api_port", cfg.Router.LocalAPIPort)
	<-ctx.Done()
	logger.Info("shutting down")

	snapshotAll(context.Background(), logger, store, channels)

	return nil
}

func resolveDataDir(flagValue string) (string, error) {
	dir := strings.TrimSpace(flagValue)
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("resolve user config dir: %w", err)
		}
		dir = filepath.Join(base, "geogram")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}

	return dir, nil
}

func buildStrategy(cfg config.AppConfig) (routing.Strategy, error) {
	switch cfg.Router.Strategy {
	case "", "priority":
		return routing.NewPriority(), nil
	case "quality":
		s := routing.NewQuality()
		s.LatencyWeight = cfg.Weights.Latency
		s.SuccessWeight = cfg.Weights.Success
		s.QualityWeight = cfg.Weights.Quality
		return s, nil
	case "failover":
		return routing.NewFailover(cfg.Router.FailoverOrder...), nil
	default:
		return nil, fmt.Errorf("unknown routing strategy: %q", cfg.Router.Strategy)
	}
}

func snapshotLoop(ctx context.Context, logger *slog.Logger, store *devices.Store, channels []transport.Transport) {
	ticker := time.NewTicker(stationSnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshotAll(ctx, logger, store, channels)
		}
	}
}

func snapshotAll(ctx context.Context, logger *slog.Logger, store *devices.Store, channels []transport.Transport) {
	for _, ch := range channels {
		if err := store.Snapshot(ctx, ch); err != nil {
			logger.Warn("station snapshot failed", "transport", ch.ID(), "error", err)
		}
	}
}
