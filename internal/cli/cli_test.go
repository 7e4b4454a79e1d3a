package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/trackprobe/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644), "Failed to write test config file")
	return path
}

// execute runs the root command with args and returns its stdout
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := BuildCLI()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// testNodeConfig listens on ephemeral addresses with fast calibration
func testNodeConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Orchestrator.Listen = "127.0.0.1:0"
	cfg.Orchestrator.MinPort = 47100
	cfg.Orchestrator.MaxPort = 47119
	cfg.Control.Listen = "127.0.0.1:0"
	cfg.Metrics.Enabled = false
	cfg.Messenger.Interval = 5 * time.Millisecond
	cfg.Calibration.StabilizeDelay = 10 * time.Millisecond
	cfg.Calibration.SettleDelay = 10 * time.Millisecond
	cfg.Calibration.CollectWindow = 50 * time.Millisecond
	cfg.Calibration.RemutePause = 5 * time.Millisecond
	cfg.Plugin.RequestTimeout = 200 * time.Millisecond
	cfg.Plugin.MaxRetries = 10
	cfg.Tracks = []types.Track{{Name: "Kick", ID: "TR1"}, {Name: "Snare", ID: "TR2"}}
	require.NoError(t, cfg.Validate())
	return cfg
}

func startTestNode(t *testing.T, cfg *Config) *node {
	t.Helper()
	n, err := startNode(cfg)
	require.NoError(t, err)
	t.Cleanup(n.shutdown)
	return n
}

// ============================================================================
// Command Tree Tests
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "trackprobe", cmd.Use, "Root command should be 'trackprobe'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	// 檢查子命令
	commands := cmd.Commands()
	assert.Len(t, commands, 7, "Should have 7 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
		assert.NotNil(t, c.RunE, "RunE should be set for %s", c.Use)
	}
	for _, name := range []string{"run", "plugin", "calibrate", "status", "lease", "config", "simulate"} {
		assert.True(t, commandNames[name], "Should have '%s' command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, DefaultConfigPath, configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("control"), "Should have --control flag")
}

func TestBuildPluginCommand(t *testing.T) {
	cmd := buildPluginCommand()

	assert.Equal(t, "plugin", cmd.Use)
	countFlag := cmd.Flags().Lookup("count")
	require.NotNil(t, countFlag, "Should have --count flag")
	assert.Equal(t, "n", countFlag.Shorthand)
	assert.Equal(t, "1", countFlag.DefValue)
	assert.NotNil(t, cmd.Flags().Lookup("rms"))
	assert.NotNil(t, cmd.Flags().Lookup("temp-id"))
}

func TestPluginCommand_RejectsTempIDWithCount(t *testing.T) {
	_, err := execute(t, "plugin", "--count", "2", "--temp-id", "kick")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--temp-id")
}

func TestLeaseCommand_RejectsBothSelectors(t *testing.T) {
	_, err := execute(t, "--control", "127.0.0.1:1", "lease", "--temp-id", "a", "--port", "9000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "either")
}

func TestStatusCommand_Unreachable(t *testing.T) {
	_, err := execute(t, "--control", "127.0.0.1:1", "status", "--timeout", "500ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orchestrator not reachable")
}

// ============================================================================
// Config Tests
// ============================================================================

func TestLoadConfig_ValidYAML(t *testing.T) {
	configPath := writeConfig(t, "test_config.yaml", `
orchestrator:
  listen: "127.0.0.1:7999"
  min_port: 20000
  max_port: 20099
  stale_lease_max_age: 45s
  plugin_host: "127.0.0.1"
  mixer_bridge: "127.0.0.1:7998"

messenger:
  attempts: 5
  interval: 50ms
  dedupe_window: 3s

calibration:
  tone_frequency: 1000
  stabilize_delay: 1s
  collect_window: 250ms
  threshold_dbfs: -50

plugin:
  orchestrator: "127.0.0.1:7999"
  max_retries: 8
  auto_retry: false
  backoff:
    initial_delay: 2s
    multiplier: 1.5
    max_delay: 10s
    jitter: false

tracks:
  - name: Kick
    id: TR1
  - name: Snare
    id: TR2

metrics:
  enabled: true
  listen: "127.0.0.1:9191"

control:
  listen: "127.0.0.1:50052"

log:
  level: debug
  format: json
`)

	// 加載配置
	cfg, err := loadConfig(configPath)
	require.NoError(t, err, "loadConfig should not return an error")
	require.NotNil(t, cfg, "Config should not be nil")

	assert.Equal(t, "127.0.0.1:7999", cfg.Orchestrator.Listen)
	assert.Equal(t, uint16(20000), cfg.Orchestrator.MinPort)
	assert.Equal(t, uint16(20099), cfg.Orchestrator.MaxPort)
	assert.Equal(t, 45*time.Second, cfg.Orchestrator.StaleLeaseMaxAge)
	assert.Equal(t, "127.0.0.1:7998", cfg.Orchestrator.MixerBridge)

	assert.Equal(t, 5, cfg.Messenger.Attempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Messenger.Interval)
	assert.Equal(t, 3*time.Second, cfg.Messenger.DedupeWindow)

	assert.Equal(t, float32(1000), cfg.Calibration.ToneFrequency)
	assert.Equal(t, time.Second, cfg.Calibration.StabilizeDelay)
	assert.Equal(t, 250*time.Millisecond, cfg.Calibration.CollectWindow)
	assert.Equal(t, -50.0, cfg.Calibration.ThresholdDBFS)

	assert.Equal(t, 8, cfg.Plugin.MaxRetries)
	assert.False(t, cfg.Plugin.AutoRetry)
	assert.Equal(t, 2*time.Second, cfg.Plugin.Backoff.InitialDelay)
	assert.Equal(t, 1.5, cfg.Plugin.Backoff.Multiplier)
	assert.False(t, cfg.Plugin.Backoff.Jitter)

	assert.Equal(t, []types.Track{{Name: "Kick", ID: "TR1"}, {Name: "Snare", ID: "TR2"}}, cfg.Tracks)

	assert.True(t, cfg.Metrics.Enabled, "Metrics should be enabled")
	assert.Equal(t, "127.0.0.1:9191", cfg.Metrics.Listen)
	assert.Equal(t, "127.0.0.1:50052", cfg.Control.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err, "loadConfig should return an error for nonexistent file")
	assert.Nil(t, cfg, "Config should be nil on error")
	assert.Contains(t, err.Error(), "failed to read config file", "Error should mention file reading failure")
}

func TestLoadConfig_DefaultPathMissing(t *testing.T) {
	// 測試目錄下沒有 configs/trackprobe.yaml
	cfg, err := loadConfig(DefaultConfigPath)
	require.NoError(t, err, "Missing default config should fall back to defaults")
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid.yaml", `
messenger:
  attempts: "not a number"
  invalid yaml structure
    broken indentation
`)

	cfg, err := loadConfig(configPath)

	assert.Error(t, err, "loadConfig should return an error for invalid YAML")
	assert.Nil(t, cfg, "Config should be nil on parse error")
	assert.Contains(t, err.Error(), "failed to parse config YAML", "Error should mention YAML parsing failure")
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	configPath := writeConfig(t, "empty.yaml", "")

	// 空文件應該能解析，並保留預設值
	cfg, err := loadConfig(configPath)
	require.NoError(t, err, "Empty YAML file should parse without error")
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_PartialConfig(t *testing.T) {
	configPath := writeConfig(t, "partial.yaml", `
messenger:
  attempts: 7
`)

	cfg, err := loadConfig(configPath)
	require.NoError(t, err, "Partial config should parse successfully")
	assert.Equal(t, 7, cfg.Messenger.Attempts, "Attempts should be set")

	defaults := DefaultConfig()
	assert.Equal(t, defaults.Messenger.Interval, cfg.Messenger.Interval, "Unset fields should keep defaults")
	assert.Equal(t, defaults.Orchestrator.MinPort, cfg.Orchestrator.MinPort)
	assert.Equal(t, defaults.Control.Listen, cfg.Control.Listen)
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	configPath := writeConfig(t, "inverted.yaml", `
orchestrator:
  min_port: 9100
  max_port: 9000
`)

	cfg, err := loadConfig(configPath)
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "port range")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"zero min port", func(c *Config) { c.Orchestrator.MinPort = 0 }, "port range"},
		{"inverted range", func(c *Config) { c.Orchestrator.MinPort, c.Orchestrator.MaxPort = 9500, 9400 }, "port range"},
		{"single port range", func(c *Config) { c.Orchestrator.MinPort, c.Orchestrator.MaxPort = 9400, 9400 }, ""},
		{"bad listen", func(c *Config) { c.Orchestrator.Listen = "localhost" }, "orchestrator.listen"},
		{"bad plugin host", func(c *Config) { c.Orchestrator.PluginHost = "studio" }, "plugin_host"},
		{"no mixer bridge", func(c *Config) { c.Orchestrator.MixerBridge = "" }, ""},
		{"bad mixer bridge", func(c *Config) { c.Orchestrator.MixerBridge = "127.0.0.1" }, "mixer_bridge"},
		{"zero attempts", func(c *Config) { c.Messenger.Attempts = 0 }, "messenger.attempts"},
		{"zero interval", func(c *Config) { c.Messenger.Interval = 0 }, "messenger.interval"},
		{"negative delay", func(c *Config) { c.Calibration.SettleDelay = -time.Second }, "calibration delays"},
		{"positive threshold", func(c *Config) { c.Calibration.ThresholdDBFS = 3 }, "threshold_dbfs"},
		{"zero threshold", func(c *Config) { c.Calibration.ThresholdDBFS = 0 }, "threshold_dbfs"},
		{"negative telemetry rate", func(c *Config) { c.Plugin.TelemetryRate = -1 }, "plugin.telemetry_rate"},
		{"telemetry disabled", func(c *Config) { c.Plugin.TelemetryRate = 0 }, ""},
		{"zero retries", func(c *Config) { c.Plugin.MaxRetries = 0 }, "plugin.max_retries"},
		{"track without id", func(c *Config) { c.Tracks = []types.Track{{Name: "Kick"}} }, "name and id are required"},
		{"duplicate track id", func(c *Config) {
			c.Tracks = []types.Track{{Name: "Kick", ID: "TR1"}, {Name: "Snare", ID: "TR1"}}
		}, "duplicate id"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfigValidate_ReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Messenger.Attempts = 0
	cfg.Plugin.MaxRetries = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "messenger.attempts")
	assert.Contains(t, err.Error(), "plugin.max_retries")
}

func TestOrchestratorConfigConversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Orchestrator.MinPort = 20000
	cfg.Orchestrator.MaxPort = 20010
	cfg.Messenger.Attempts = 4
	cfg.Messenger.DedupeWindow = 7 * time.Second
	cfg.Calibration.CollectWindow = 123 * time.Millisecond
	cfg.Tracks = []types.Track{{Name: "Kick", ID: "TR1"}}
	require.NoError(t, cfg.Validate())

	oc := cfg.orchestratorConfig()
	assert.Equal(t, uint16(20000), oc.MinPort)
	assert.Equal(t, uint16(20010), oc.MaxPort)
	assert.Equal(t, 4, oc.Messenger.Attempts)
	assert.Equal(t, 7*time.Second, oc.DedupeWindow)
	assert.Equal(t, 123*time.Millisecond, oc.Calibration.CollectWindow)
	assert.Equal(t, "127.0.0.1:8998", oc.MixerBridge.String())
	assert.Equal(t, cfg.Tracks, oc.Tracks)

	// 轉換結果不共用 slice
	oc.Tracks[0].Name = "changed"
	assert.Equal(t, "Kick", cfg.Tracks[0].Name)

	ac := cfg.agentConfig()
	assert.Equal(t, cfg.Plugin.Orchestrator, ac.Orchestrator.String())
	assert.Equal(t, cfg.Plugin.MaxRetries, ac.MaxRetries)
	assert.Equal(t, 4, ac.Messenger.Attempts)
	assert.Empty(t, ac.TempID, "TempID is generated by the agent")
}

func TestSetupLogging(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		slog.SetLogLoggerLevel(slog.LevelInfo)
	})

	cfg := DefaultConfig()
	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"
	setupLogging(cfg)

	ctx := context.Background()
	assert.False(t, slog.Default().Enabled(ctx, slog.LevelInfo))
	assert.True(t, slog.Default().Enabled(ctx, slog.LevelWarn))
	_, isJSON := slog.Default().Handler().(*slog.JSONHandler)
	assert.True(t, isJSON)
}

func TestConfigCommand_PrintsEffectiveConfig(t *testing.T) {
	configPath := writeConfig(t, "partial.yaml", `
messenger:
  attempts: 6
tracks:
  - name: Kick
    id: TR1
`)

	out, err := execute(t, "-c", configPath, "config")
	require.NoError(t, err)

	var printed Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &printed))
	assert.Equal(t, 6, printed.Messenger.Attempts)
	assert.Equal(t, DefaultConfig().Messenger.Interval, printed.Messenger.Interval)
	assert.Equal(t, []types.Track{{Name: "Kick", ID: "TR1"}}, printed.Tracks)
}

// ============================================================================
// Node Tests
// ============================================================================

func TestStartNode_ServesControlAndMetrics(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	cfg := testNodeConfig(t)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = "127.0.0.1:0"
	n := startTestNode(t, cfg)

	resp, err := http.Get("http://" + n.httpAddr.String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	out, err := execute(t, "--control", n.grpcAddr.String(), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Trackprobe Orchestrator Status")
	assert.Contains(t, out, "idle")

	out, err = execute(t, "--control", n.grpcAddr.String(), "lease")
	require.NoError(t, err)
	assert.Contains(t, out, "Leases (0)")
}

func TestStartNode_RequiresMixerBridge(t *testing.T) {
	cfg := testNodeConfig(t)
	cfg.Orchestrator.MixerBridge = ""

	_, err := startNode(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no mixer configured")
}

func TestAgentsCalibrateOverUDP(t *testing.T) {
	cfg := testNodeConfig(t)
	n := startTestNode(t, cfg)
	cfg.Plugin.Orchestrator = n.orch.LocalAddr().String()

	ctx, cancel := context.WithCancel(context.Background())
	var agentOut bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- runAgents(ctx, cfg, agentOptions{Count: 2, RMS: 0.5, NoiseFloor: 0.00001}, &agentOut)
	}()

	require.Eventually(t, func() bool {
		return n.orch.Allocator().Stats()["confirmed"] == 2
	}, 10*time.Second, 20*time.Millisecond, "both agents should bind")

	leases, err := execute(t, "--control", n.grpcAddr.String(), "lease")
	require.NoError(t, err)
	assert.Contains(t, leases, "Leases (2)")
	assert.Equal(t, 2, strings.Count(leases, "bound"))

	out, err := execute(t, "--control", n.grpcAddr.String(), "calibrate", "--poll", "20ms", "--timeout", "20s")
	require.NoError(t, err)
	assert.Contains(t, out, "Calibration started")
	assert.Contains(t, out, "completed(2/2)")
	assert.Contains(t, out, "TR1")
	assert.Contains(t, out, "TR2")

	require.Eventually(t, func() bool {
		return len(n.orch.Engine().Confirmed()) == 2
	}, 5*time.Second, 20*time.Millisecond, "agents should confirm their identities")

	// identified agents report telemetry under their track
	require.Eventually(t, func() bool {
		levels := n.orch.Levels()
		for _, lvl := range levels {
			if lvl.TrackID == "" {
				return false
			}
		}
		return len(levels) == 2
	}, 5*time.Second, 20*time.Millisecond, "agents should send telemetry")
	status, err := execute(t, "--control", n.grpcAddr.String(), "status")
	require.NoError(t, err)
	assert.Contains(t, status, "Levels (2 plugins)")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agents did not stop")
	}
	assert.Contains(t, agentOut.String(), "Plugin Agents")
	assert.Equal(t, 2, strings.Count(agentOut.String(), "Bound"))
}

// ============================================================================
// Simulation Tests
// ============================================================================

func simConfig(t *testing.T) *Config {
	t.Helper()
	cfg := testNodeConfig(t)
	cfg.Orchestrator.MinPort = 9000
	cfg.Orchestrator.MaxPort = 9009
	cfg.Tracks = []types.Track{
		{Name: "Kick", ID: "TR1"},
		{Name: "Snare", ID: "TR2"},
		{Name: "Hat", ID: "TR3"},
	}
	return cfg
}

func TestRunSimulation_MapsEveryPlugin(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var out bytes.Buffer
	res, err := runSimulation(ctx, simConfig(t), simOptions{Plugins: 4, Seed: 3}, &out)
	require.NoError(t, err, out.String())

	assert.Equal(t, 3, res.Mapped)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, map[types.TempID]types.TrackID{
		"sim-01": "TR1",
		"sim-02": "TR2",
		"sim-03": "TR3",
	}, res.Mappings)
	assert.Contains(t, out.String(), "Accuracy: 4/4 plugins")
}

func TestRunSimulation_BindsUnderLoss(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var out bytes.Buffer
	_, err := runSimulation(ctx, simConfig(t), simOptions{Plugins: 5, Loss: 0.3, Seed: 11}, &out)

	// RMS 回應是 fire-and-forget，遺失時該軌可能留空；綁定則必須全部完成
	if err != nil {
		assert.NotContains(t, err.Error(), "did not bind")
	}
	assert.Contains(t, out.String(), "All 5 plugins bound")
	assert.Contains(t, out.String(), "Network:")
}

func TestRunSimulation_InvalidOptions(t *testing.T) {
	_, err := runSimulation(context.Background(), simConfig(t), simOptions{Plugins: 0}, io.Discard)
	assert.ErrorContains(t, err, "plugins must be at least 1")

	_, err = runSimulation(context.Background(), simConfig(t), simOptions{Plugins: 1, Loss: 1}, io.Discard)
	assert.ErrorContains(t, err, "loss must be in [0,1)")
}
