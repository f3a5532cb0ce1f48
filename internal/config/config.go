package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultLocalAPIPort   = 5150
	DefaultQueueCapacity  = 1000
	DefaultSerialBaud     = 115200
	DefaultUpgradeBytes   = 256 * 1024
	defaultConfigFileName = "geogram.json"
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// RouterConfig tunes the connection manager.
type RouterConfig struct {
	QueueCapacity      int      `json:"queue_capacity"`
	QueueFlushSeconds  int      `json:"queue_flush_seconds"`
	ProbeTimeoutMillis int      `json:"probe_timeout_millis"`
	SendTimeoutSeconds int      `json:"send_timeout_seconds"`
	LocalAPIPort       int      `json:"local_api_port"`
	Strategy           string   `json:"strategy"`
	FailoverOrder      []string `json:"failover_order"`
}

// QualityWeights tune the quality-based routing strategy.
type QualityWeights struct {
	Latency float64 `json:"latency"`
	Success float64 `json:"success"`
	Quality float64 `json:"quality"`
}

// SessionConfig tunes transfer-session upgrades.
type SessionConfig struct {
	UpgradeThresholdBytes int64 `json:"upgrade_threshold_bytes"`
}

// SerialConfig holds the short-range radio link parameters.
type SerialConfig struct {
	Port string `json:"port"`
	Baud int    `json:"baud"`
}

// RelayConfig holds the relay server connection parameters.
type RelayConfig struct {
	URL string `json:"url"`
}

// LocalNetConfig holds the local-network channel parameters.
type LocalNetConfig struct {
	Port int `json:"port"`
}

// AppConfig is the root persisted configuration.
type AppConfig struct {
	Callsign string         `json:"callsign"`
	Router   RouterConfig   `json:"router"`
	Weights  QualityWeights `json:"quality_weights"`
	Session  SessionConfig  `json:"session"`
	Serial   SerialConfig   `json:"serial"`
	Relay    RelayConfig    `json:"relay"`
	LocalNet LocalNetConfig `json:"local_net"`
	Logging  LoggingConfig  `json:"logging"`
}

func Default() AppConfig {
	return AppConfig{
		Router: RouterConfig{
			QueueCapacity:      DefaultQueueCapacity,
			QueueFlushSeconds:  30,
			ProbeTimeoutMillis: 2000,
			SendTimeoutSeconds: 30,
			LocalAPIPort:       DefaultLocalAPIPort,
			Strategy:           "priority",
		},
		Weights: QualityWeights{
			Latency: 0.3,
			Success: 0.4,
			Quality: 0.3,
		},
		Session: SessionConfig{
			UpgradeThresholdBytes: DefaultUpgradeBytes,
		},
		Serial: SerialConfig{
			Baud: DefaultSerialBaud,
		},
		LocalNet: LocalNetConfig{
			Port: DefaultLocalAPIPort,
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
	}
}

// ProbeTimeout returns the per-transport reachability probe bound.
func (c RouterConfig) ProbeTimeout() time.Duration {
	if c.ProbeTimeoutMillis <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.ProbeTimeoutMillis) * time.Millisecond
}

// QueueFlushInterval returns the store-and-forward retry tick period.
func (c RouterConfig) QueueFlushInterval() time.Duration {
	if c.QueueFlushSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.QueueFlushSeconds) * time.Second
}

// SendTimeout returns the per-transport send attempt bound.
func (c RouterConfig) SendTimeout() time.Duration {
	if c.SendTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, defaultConfigFileName)
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Default(), fmt.Errorf("parse config: %w", err)
	}
	if cfg.Router.QueueCapacity <= 0 {
		cfg.Router.QueueCapacity = DefaultQueueCapacity
	}

	return cfg, nil
}

func Save(path string, cfg AppConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}

	return nil
}
