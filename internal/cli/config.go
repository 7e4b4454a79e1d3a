package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/trackprobe/internal/agent"
	"github.com/ChuLiYu/trackprobe/internal/calibration"
	"github.com/ChuLiYu/trackprobe/internal/messenger"
	"github.com/ChuLiYu/trackprobe/internal/orchestrator"
	"github.com/ChuLiYu/trackprobe/internal/pluginclient"
	"github.com/ChuLiYu/trackprobe/pkg/types"
)

// DefaultConfigPath 預設設定檔路徑；不存在時使用內建預設值
const DefaultConfigPath = "configs/trackprobe.yaml"

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Orchestrator struct {
		Listen           string        `yaml:"listen"`
		MinPort          uint16        `yaml:"min_port"`
		MaxPort          uint16        `yaml:"max_port"`
		StaleLeaseMaxAge time.Duration `yaml:"stale_lease_max_age"`
		CleanupInterval  time.Duration `yaml:"cleanup_interval"`
		StatsInterval    time.Duration `yaml:"stats_interval"`
		PluginHost       string        `yaml:"plugin_host"`
		MixerBridge      string        `yaml:"mixer_bridge"`
	} `yaml:"orchestrator"`

	Messenger struct {
		Attempts     int           `yaml:"attempts"`
		Interval     time.Duration `yaml:"interval"`
		Workers      int           `yaml:"workers"`
		QueueSize    int           `yaml:"queue_size"`
		DedupeWindow time.Duration `yaml:"dedupe_window"`
	} `yaml:"messenger"`

	Calibration struct {
		ToneFrequency   float32       `yaml:"tone_frequency"`
		ToneAmplitudeDB float32       `yaml:"tone_amplitude_db"`
		StabilizeDelay  time.Duration `yaml:"stabilize_delay"`
		SettleDelay     time.Duration `yaml:"settle_delay"`
		CollectWindow   time.Duration `yaml:"collect_window"`
		RemutePause     time.Duration `yaml:"remute_pause"`
		ThresholdDBFS   float64       `yaml:"threshold_dbfs"`
		BroadcastRate   float64       `yaml:"broadcast_rate"`
		BroadcastBurst  int           `yaml:"broadcast_burst"`
	} `yaml:"calibration"`

	Plugin struct {
		Orchestrator   string                     `yaml:"orchestrator"`
		BindHost       string                     `yaml:"bind_host"`
		RequestTimeout time.Duration              `yaml:"request_timeout"`
		MaxRetries     int                        `yaml:"max_retries"`
		AutoRetry      bool                       `yaml:"auto_retry"`
		Backoff        pluginclient.BackoffConfig `yaml:"backoff"`
		TelemetryRate  float64                    `yaml:"telemetry_rate"`
	} `yaml:"plugin"`

	Tracks []types.Track `yaml:"tracks"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	} `yaml:"metrics"`

	Control struct {
		Listen string `yaml:"listen"`
	} `yaml:"control"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig 回傳內建預設設定
func DefaultConfig() *Config {
	cfg := &Config{}

	orch := orchestrator.DefaultConfig()
	cfg.Orchestrator.Listen = orch.ListenAddr
	cfg.Orchestrator.MinPort = orch.MinPort
	cfg.Orchestrator.MaxPort = orch.MaxPort
	cfg.Orchestrator.StaleLeaseMaxAge = orch.StaleLeaseMaxAge
	cfg.Orchestrator.CleanupInterval = orch.CleanupInterval
	cfg.Orchestrator.StatsInterval = orch.StatsInterval
	cfg.Orchestrator.PluginHost = orch.PluginHost.String()
	cfg.Orchestrator.MixerBridge = "127.0.0.1:8998"

	msg := messenger.DefaultConfig()
	cfg.Messenger.Attempts = msg.Attempts
	cfg.Messenger.Interval = msg.Interval
	cfg.Messenger.Workers = msg.Workers
	cfg.Messenger.QueueSize = msg.QueueSize
	cfg.Messenger.DedupeWindow = messenger.DefaultDedupeTTL

	cal := calibration.DefaultConfig()
	cfg.Calibration.ToneFrequency = cal.ToneFrequency
	cfg.Calibration.ToneAmplitudeDB = cal.ToneAmplitudeDB
	cfg.Calibration.StabilizeDelay = cal.StabilizeDelay
	cfg.Calibration.SettleDelay = cal.SettleDelay
	cfg.Calibration.CollectWindow = cal.CollectWindow
	cfg.Calibration.RemutePause = cal.RemutePause
	cfg.Calibration.ThresholdDBFS = cal.ThresholdDBFS
	cfg.Calibration.BroadcastRate = cal.BroadcastRate
	cfg.Calibration.BroadcastBurst = cal.BroadcastBurst

	cfg.Plugin.Orchestrator = orch.ListenAddr
	cfg.Plugin.BindHost = "127.0.0.1"
	cfg.Plugin.RequestTimeout = 2 * time.Second
	cfg.Plugin.MaxRetries = 5
	cfg.Plugin.AutoRetry = true
	cfg.Plugin.Backoff = pluginclient.DefaultBackoff()
	cfg.Plugin.TelemetryRate = agent.DefaultTelemetryRate

	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = "127.0.0.1:9090"
	cfg.Control.Listen = "127.0.0.1:50051"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// loadConfig 讀取 YAML 設定並覆蓋在預設值之上
//
// 預設路徑的檔案不存在時回傳預設設定；其他路徑不存在時回傳錯誤。
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == DefaultConfigPath {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate 檢查設定的一致性
func (c *Config) Validate() error {
	var errs []error

	if c.Orchestrator.MinPort == 0 || c.Orchestrator.MinPort > c.Orchestrator.MaxPort {
		errs = append(errs, fmt.Errorf("orchestrator port range [%d,%d] is invalid", c.Orchestrator.MinPort, c.Orchestrator.MaxPort))
	}
	if _, err := netip.ParseAddrPort(c.Orchestrator.Listen); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator.listen: %w", err))
	}
	if _, err := netip.ParseAddr(c.Orchestrator.PluginHost); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator.plugin_host: %w", err))
	}
	if c.Orchestrator.MixerBridge != "" {
		if _, err := netip.ParseAddrPort(c.Orchestrator.MixerBridge); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator.mixer_bridge: %w", err))
		}
	}
	if c.Orchestrator.StaleLeaseMaxAge <= 0 || c.Orchestrator.CleanupInterval <= 0 {
		errs = append(errs, errors.New("orchestrator stale lease age and cleanup interval must be positive"))
	}

	if c.Messenger.Attempts < 1 {
		errs = append(errs, fmt.Errorf("messenger.attempts must be at least 1, got %d", c.Messenger.Attempts))
	}
	if c.Messenger.Interval <= 0 {
		errs = append(errs, errors.New("messenger.interval must be positive"))
	}

	if c.Calibration.StabilizeDelay < 0 || c.Calibration.SettleDelay < 0 ||
		c.Calibration.CollectWindow < 0 || c.Calibration.RemutePause < 0 {
		errs = append(errs, errors.New("calibration delays must not be negative"))
	}
	if c.Calibration.ThresholdDBFS >= 0 {
		errs = append(errs, fmt.Errorf("calibration.threshold_dbfs must be below 0, got %g", c.Calibration.ThresholdDBFS))
	}

	if _, err := netip.ParseAddrPort(c.Plugin.Orchestrator); err != nil {
		errs = append(errs, fmt.Errorf("plugin.orchestrator: %w", err))
	}
	if _, err := netip.ParseAddr(c.Plugin.BindHost); err != nil {
		errs = append(errs, fmt.Errorf("plugin.bind_host: %w", err))
	}
	if c.Plugin.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("plugin.max_retries must be at least 1, got %d", c.Plugin.MaxRetries))
	}
	if c.Plugin.TelemetryRate < 0 {
		errs = append(errs, fmt.Errorf("plugin.telemetry_rate must not be negative, got %g", c.Plugin.TelemetryRate))
	}

	names := make(map[string]bool, len(c.Tracks))
	ids := make(map[types.TrackID]bool, len(c.Tracks))
	for i, tr := range c.Tracks {
		if tr.Name == "" || tr.ID == "" {
			errs = append(errs, fmt.Errorf("tracks[%d]: name and id are required", i))
			continue
		}
		if names[tr.Name] {
			errs = append(errs, fmt.Errorf("tracks[%d]: duplicate name %q", i, tr.Name))
		}
		if ids[tr.ID] {
			errs = append(errs, fmt.Errorf("tracks[%d]: duplicate id %q", i, tr.ID))
		}
		names[tr.Name] = true
		ids[tr.ID] = true
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// orchestratorConfig 轉成 orchestrator.Config（Validate 之後呼叫）
func (c *Config) orchestratorConfig() orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.ListenAddr = c.Orchestrator.Listen
	oc.MinPort = c.Orchestrator.MinPort
	oc.MaxPort = c.Orchestrator.MaxPort
	oc.StaleLeaseMaxAge = c.Orchestrator.StaleLeaseMaxAge
	oc.CleanupInterval = c.Orchestrator.CleanupInterval
	oc.StatsInterval = c.Orchestrator.StatsInterval
	oc.DedupeWindow = c.Messenger.DedupeWindow
	oc.PluginHost = netip.MustParseAddr(c.Orchestrator.PluginHost)
	if c.Orchestrator.MixerBridge != "" {
		oc.MixerBridge = netip.MustParseAddrPort(c.Orchestrator.MixerBridge)
	}
	oc.Tracks = append([]types.Track(nil), c.Tracks...)
	oc.Messenger = c.messengerConfig()

	oc.Calibration = calibration.Config{
		ToneFrequency:   c.Calibration.ToneFrequency,
		ToneAmplitudeDB: c.Calibration.ToneAmplitudeDB,
		StabilizeDelay:  c.Calibration.StabilizeDelay,
		SettleDelay:     c.Calibration.SettleDelay,
		CollectWindow:   c.Calibration.CollectWindow,
		RemutePause:     c.Calibration.RemutePause,
		ThresholdDBFS:   c.Calibration.ThresholdDBFS,
		BroadcastRate:   c.Calibration.BroadcastRate,
		BroadcastBurst:  c.Calibration.BroadcastBurst,
	}
	return oc
}

// agentConfig 轉成 agent.Config（Validate 之後呼叫）
func (c *Config) agentConfig() agent.Config {
	return agent.Config{
		Orchestrator:   netip.MustParseAddrPort(c.Plugin.Orchestrator),
		RequestTimeout: c.Plugin.RequestTimeout,
		MaxRetries:     c.Plugin.MaxRetries,
		AutoRetry:      c.Plugin.AutoRetry,
		Backoff:        c.Plugin.Backoff,
		Messenger:      c.messengerConfig(),
		TelemetryRate:  c.Plugin.TelemetryRate,
	}
}

func (c *Config) messengerConfig() messenger.Config {
	return messenger.Config{
		Attempts:  c.Messenger.Attempts,
		Interval:  c.Messenger.Interval,
		Workers:   c.Messenger.Workers,
		QueueSize: c.Messenger.QueueSize,
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// setupLogging 依設定安裝預設 slog handler
//
// 在套件初始化時取得的 logger 會經由 log 套件轉送到新的 handler，
// 因此也受等級控制。
func setupLogging(c *Config) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	slog.SetLogLoggerLevel(level)

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
