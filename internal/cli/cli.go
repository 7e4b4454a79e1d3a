// ============================================================================
// Trackprobe CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra based command line for the orchestrator and plugin agents
//
// Command Structure:
//   trackprobe                     # Root command
//   ├── run                        # Start the orchestrator
//   ├── plugin                     # Start one or more plugin agents
//   ├── calibrate                  # Trigger a calibration run
//   ├── status                     # Show orchestrator status
//   ├── lease                      # Query port leases
//   ├── config                     # Print the effective configuration
//   ├── simulate                   # In-process calibration over a lossy network
//   ├── --config, -c               # Config file (default: configs/trackprobe.yaml)
//   └── --control                  # Control API address override
//
// run Command:
//   1. Load config file and install the log handler
//   2. Create the metrics collector (if enabled)
//   3. Create and start the Orchestrator on its UDP address
//   4. Serve the gRPC control API and the HTTP metrics/websocket endpoints
//   5. Wait for SIGINT/SIGTERM and shut down in reverse order
//
//   Examples:
//     ./trackprobe run
//     ./trackprobe run -c studio.yaml --calibrate-after 10s
//
// plugin Command:
//   Starts simulated plugin instances that negotiate a port over UDP and
//   answer calibration queries. --rms sets the level reported while the
//   calibration tone is on; otherwise only background noise is reported.
//
//   Examples:
//     ./trackprobe plugin --count 4
//     ./trackprobe plugin --temp-id kick --rms 0.5
//
// simulate Command:
//   Runs the orchestrator, a simulated console and plugins in one process on
//   an in-memory network with random packet loss, then reports accuracy.
//
//   Examples:
//     ./trackprobe simulate --plugins 8 --loss 0.3
//
// calibrate / status / lease Commands:
//   Talk to a running orchestrator over the gRPC control API.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/trackprobe/internal/agent"
	"github.com/ChuLiYu/trackprobe/internal/calibration"
	"github.com/ChuLiYu/trackprobe/internal/metrics"
	"github.com/ChuLiYu/trackprobe/internal/orchestrator"
	"github.com/ChuLiYu/trackprobe/internal/pluginclient"
	"github.com/ChuLiYu/trackprobe/internal/server"
	"github.com/ChuLiYu/trackprobe/internal/transport"
	"github.com/ChuLiYu/trackprobe/pkg/types"
)

var (
	configFile  string
	controlAddr string
)

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trackprobe",
		Short: "Trackprobe: plugin port leasing and track calibration",
		Long: `Trackprobe coordinates audio plugin instances with:
- Port leasing over a lossy UDP control channel
- Redundant delivery for critical messages
- Active calibration that maps every plugin to its mixer track
- Prometheus metrics and a live calibration stream`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&controlAddr, "control", "", "control API address (default: control.listen from config)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildPluginCommand())
	rootCmd.AddCommand(buildCalibrateCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildLeaseCommand())
	rootCmd.AddCommand(buildConfigCommand())
	rootCmd.AddCommand(buildSimulateCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var calibrateAfter time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator",
		Long:  "Start the orchestrator with its UDP endpoint, gRPC control API and HTTP endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			setupLogging(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOrchestrator(ctx, cfg, calibrateAfter)
		},
	}

	cmd.Flags().DurationVar(&calibrateAfter, "calibrate-after", 0, "start a calibration run after this delay (0 disables)")
	return cmd
}

// node 一個執行中的協調器與其對外服務
type node struct {
	orch     *orchestrator.Orchestrator
	grpcSrv  *grpc.Server
	grpcAddr net.Addr
	httpSrv  *http.Server
	httpAddr net.Addr
	wg       sync.WaitGroup
}

// startNode 依設定啟動協調器、gRPC 控制服務與 HTTP 端點
func startNode(cfg *Config) (*node, error) {
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	orch, err := orchestrator.New(cfg.orchestratorConfig(), orchestrator.Deps{Metrics: collector})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	if err := orch.Start(); err != nil {
		orch.Stop()
		return nil, fmt.Errorf("failed to start orchestrator: %w", err)
	}

	n := &node{orch: orch}

	lis, err := net.Listen("tcp", cfg.Control.Listen)
	if err != nil {
		orch.Stop()
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Control.Listen, err)
	}
	n.grpcSrv = grpc.NewServer()
	server.RegisterOrchestratorServer(n.grpcSrv, server.NewServer(orch))
	n.grpcAddr = lis.Addr()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.grpcSrv.Serve(lis); err != nil {
			slog.Error("gRPC server failed", "error", err)
		}
	}()
	slog.Info("gRPC control API listening", "addr", n.grpcAddr.String())

	if cfg.Metrics.Enabled {
		hl, err := net.Listen("tcp", cfg.Metrics.Listen)
		if err != nil {
			n.shutdown()
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Metrics.Listen, err)
		}
		n.httpSrv = &http.Server{
			Handler:           server.NewHTTPHandler(orch.Engine()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		n.httpAddr = hl.Addr()

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.httpSrv.Serve(hl); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
		slog.Info("Metrics server listening", "addr", n.httpAddr.String())
	}

	return n, nil
}

// shutdown 以啟動的相反順序關閉
func (n *node) shutdown() {
	if n.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = n.httpSrv.Shutdown(ctx)
		cancel()
	}
	if n.grpcSrv != nil {
		n.grpcSrv.GracefulStop()
	}
	n.orch.Stop()
	n.wg.Wait()
}

func runOrchestrator(ctx context.Context, cfg *Config, calibrateAfter time.Duration) error {
	slog.Info("Starting orchestrator",
		"config", configFile,
		"listen", cfg.Orchestrator.Listen,
		"ports", fmt.Sprintf("%d-%d", cfg.Orchestrator.MinPort, cfg.Orchestrator.MaxPort),
		"tracks", len(cfg.Tracks))

	n, err := startNode(cfg)
	if err != nil {
		return err
	}

	if calibrateAfter > 0 {
		timer := time.AfterFunc(calibrateAfter, func() {
			if err := n.orch.StartCalibration(); err != nil {
				slog.Warn("Scheduled calibration not started", "error", err)
			}
		})
		defer timer.Stop()
	}

	slog.Info("System started successfully")
	<-ctx.Done()
	slog.Info("Received shutdown signal, stopping gracefully...")

	n.shutdown()
	slog.Info("System stopped. Goodbye!")
	return nil
}

// ============================================================================
// plugin
// ============================================================================

func buildPluginCommand() *cobra.Command {
	var (
		count      int
		tempID     string
		rms        float32
		noiseFloor float32
	)

	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Start simulated plugin agents",
		Long:  "Start plugin agents that lease a port from the orchestrator and answer calibration queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("count must be at least 1, got %d", count)
			}
			if tempID != "" && count > 1 {
				return errors.New("--temp-id can only be used with --count 1")
			}

			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			setupLogging(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgents(ctx, cfg, agentOptions{
				Count:      count,
				TempID:     types.TempID(tempID),
				RMS:        rms,
				NoiseFloor: noiseFloor,
			}, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of plugin agents")
	cmd.Flags().StringVar(&tempID, "temp-id", "", "temporary ID (default: random uuid)")
	cmd.Flags().Float32Var(&rms, "rms", 0, "linear RMS reported while the calibration tone is on (0 reports noise only)")
	cmd.Flags().Float32Var(&noiseFloor, "noise-floor", 0.0001, "maximum linear RMS of the background noise")
	return cmd
}

type agentOptions struct {
	Count      int
	TempID     types.TempID
	RMS        float32
	NoiseFloor float32
}

// runAgents 啟動 opts.Count 個 agent，直到 ctx 結束後列出各自的身分
func runAgents(ctx context.Context, cfg *Config, opts agentOptions, out io.Writer) error {
	host := netip.MustParseAddr(cfg.Plugin.BindHost)
	binder := pluginclient.UDPBinder{Host: host}

	agents := make([]*agent.Agent, 0, opts.Count)
	ctrls := make([]transport.Transport, 0, opts.Count)
	defer func() {
		for _, c := range ctrls {
			_ = c.Close()
		}
	}()

	for i := 0; i < opts.Count; i++ {
		ctrl, err := transport.ListenUDP(transport.UDPConfig{
			ListenAddr: netip.AddrPortFrom(host, 0).String(),
		})
		if err != nil {
			return fmt.Errorf("failed to open control socket: %w", err)
		}
		ctrls = append(ctrls, ctrl)

		acfg := cfg.agentConfig()
		acfg.TempID = opts.TempID

		noise := &agent.NoiseSource{Floor: opts.NoiseFloor}
		var a *agent.Agent
		source := agent.ActivityFunc(func() float32 {
			if opts.RMS > 0 && a.ToneActive() {
				return opts.RMS
			}
			return noise.RMS()
		})
		a = agent.New(acfg, ctrl, binder, source)
		agents = append(agents, a)
	}

	errs := make([]error, len(agents))
	var wg sync.WaitGroup
	for i, a := range agents {
		wg.Add(1)
		go func(i int, a *agent.Agent) {
			defer wg.Done()
			slog.Info("Starting plugin agent", "temp_id", a.TempID(), "orchestrator", cfg.Plugin.Orchestrator)
			if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs[i] = fmt.Errorf("agent %s: %w", a.TempID(), err)
			}
		}(i, a)
	}
	wg.Wait()

	printAgents(out, agents)
	return errors.Join(errs...)
}

func printAgents(out io.Writer, agents []*agent.Agent) {
	fmt.Fprintln(out, "\n📡 Plugin Agents:")
	for i, a := range agents {
		branch := "├─"
		if i == len(agents)-1 {
			branch = "└─"
		}
		st := a.State()
		identity := "unmapped"
		if id, ok := a.Identity(); ok {
			identity = string(id)
		}
		fmt.Fprintf(out, "  %s %-36s  %-8s port=%-5d track=%s\n", branch, a.TempID(), st.State, st.AssignedPort, identity)
	}
}

// ============================================================================
// calibrate
// ============================================================================

func buildCalibrateCommand() *cobra.Command {
	var (
		wait    bool
		poll    time.Duration
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Start a calibration run",
		Long:  "Ask the orchestrator to map every plugin to its track, optionally waiting for the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialControl()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return calibrate(ctx, client, wait, poll, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the run to finish")
	cmd.Flags().DurationVar(&poll, "poll", 500*time.Millisecond, "status poll interval")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall timeout")
	return cmd
}

func calibrate(ctx context.Context, client *server.Client, wait bool, poll time.Duration, out io.Writer) error {
	if err := client.StartCalibration(ctx); err != nil {
		return fmt.Errorf("failed to start calibration: %w", err)
	}
	fmt.Fprintln(out, "Calibration started")
	if !wait {
		return nil
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for calibration: %w", ctx.Err())
		case <-ticker.C:
		}

		st, err := client.CalibrationStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to query calibration status: %w", err)
		}
		if s, _ := st["state"].(string); s != last {
			fmt.Fprintf(out, "  %s (%.0f%%)\n", s, number(st["progress"])*100)
			last = s
		}
		if active, _ := st["active"].(bool); active {
			continue
		}

		printMappings(out, st)
		if phase, _ := st["phase"].(string); phase == string(types.PhaseFailed) {
			reason, _ := st["reason"].(string)
			return fmt.Errorf("calibration failed: %s", reason)
		}
		return nil
	}
}

func printMappings(out io.Writer, st map[string]interface{}) {
	mappings, _ := st["mappings"].(map[string]interface{})
	confirmed, _ := st["confirmed"].(map[string]interface{})

	fmt.Fprintf(out, "\n🎚  Mappings (%.0f/%.0f tracks):\n", number(st["mapped"]), number(st["total"]))
	if len(mappings) == 0 {
		fmt.Fprintln(out, "  └─ none")
		return
	}

	ids := make([]string, 0, len(mappings))
	for id := range mappings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for i, id := range ids {
		branch := "├─"
		if i == len(ids)-1 {
			branch = "└─"
		}
		mark := "⏳"
		if _, ok := confirmed[id]; ok {
			mark = "✅"
		}
		fmt.Fprintf(out, "  %s %s %-36s → %v\n", branch, mark, id, mappings[id])
	}
}

// printLevels 列出每個外掛最近一次遙測的音量
func printLevels(out io.Writer, st map[string]interface{}) {
	levels, _ := st["levels"].(map[string]interface{})

	fmt.Fprintf(out, "📊 Levels (%d plugins):\n", len(levels))
	if len(levels) == 0 {
		fmt.Fprintln(out, "  └─ none")
		return
	}

	ids := make([]string, 0, len(levels))
	for id := range levels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for i, id := range ids {
		branch := "├─"
		if i == len(ids)-1 {
			branch = "└─"
		}
		rms := number(levels[id])
		fmt.Fprintf(out, "  %s %-36s %.4f (%.1f dBFS)\n", branch, id, rms, calibration.ToDBFS(float32(rms)))
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator status",
		Long:  "Display port pool statistics and calibration progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialControl()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return showStatus(ctx, client, cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func showStatus(ctx context.Context, client *server.Client, out io.Writer) error {
	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator not reachable: %w", err)
	}
	cal, err := client.CalibrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to query calibration status: %w", err)
	}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Trackprobe Orchestrator Status                  ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Orchestrator:")
	fmt.Fprintf(out, "  ├─ Listen:          %v\n", st["listen"])
	fmt.Fprintf(out, "  └─ Uptime:          %v\n", st["uptime"])
	fmt.Fprintln(out)

	fmt.Fprintln(out, "🔌 Port Pool:")
	fmt.Fprintf(out, "  ├─ Pool Size:       %.0f\n", number(st["pool_size"]))
	fmt.Fprintf(out, "  ├─ Leased:          %.0f\n", number(st["leased"]))
	fmt.Fprintf(out, "  │  └─ Confirmed:    %.0f\n", number(st["confirmed"]))
	fmt.Fprintf(out, "  └─ Available:       %.0f\n", number(st["available"]))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "🎯 Calibration:")
	fmt.Fprintf(out, "  ├─ State:           %v\n", cal["state"])
	fmt.Fprintf(out, "  └─ Progress:        %.1f%%\n", number(cal["progress"])*100)
	printMappings(out, cal)
	fmt.Fprintln(out)

	printLevels(out, st)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

// ============================================================================
// lease
// ============================================================================

func buildLeaseCommand() *cobra.Command {
	var (
		tempID  string
		port    uint16
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Query port leases",
		Long:  "Look up the port of a plugin (--temp-id), the plugin on a port (--port), or list every lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tempID != "" && port != 0 {
				return errors.New("use either --temp-id or --port")
			}

			client, err := dialControl()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			out := cmd.OutOrStdout()

			switch {
			case tempID != "":
				p, err := client.GetPort(ctx, types.TempID(tempID))
				if err != nil {
					return fmt.Errorf("failed to look up %s: %w", tempID, err)
				}
				fmt.Fprintf(out, "%s → %d\n", tempID, p)
			case port != 0:
				id, err := client.GetPluginAt(ctx, port)
				if err != nil {
					return fmt.Errorf("failed to look up port %d: %w", port, err)
				}
				fmt.Fprintf(out, "%d → %s\n", port, id)
			default:
				leases, err := client.ListLeases(ctx)
				if err != nil {
					return fmt.Errorf("failed to list leases: %w", err)
				}
				printLeases(out, leases)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tempID, "temp-id", "", "plugin temporary ID")
	cmd.Flags().Uint16Var(&port, "port", 0, "leased port")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func printLeases(out io.Writer, leases []map[string]interface{}) {
	fmt.Fprintf(out, "🔌 Leases (%d):\n", len(leases))
	for i, l := range leases {
		branch := "├─"
		if i == len(leases)-1 {
			branch = "└─"
		}
		state := "pending"
		if confirmed, _ := l["confirmed"].(bool); confirmed {
			state = "bound"
		}
		fmt.Fprintf(out, "  %s %5.0f  %-36v  %-7s  %v\n", branch, number(l["port"]), l["temp_id"], state, l["leased_at"])
	}
}

// ============================================================================
// config
// ============================================================================

func buildConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Load the config file over the built-in defaults, validate it and print the result as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// ============================================================================
// Helpers
// ============================================================================

// dialControl 連線到 --control 或設定中的控制位址
func dialControl() (*server.Client, error) {
	addr := controlAddr
	if addr == "" {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		addr = cfg.Control.Listen
	}
	return server.Dial(addr)
}

func number(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}
