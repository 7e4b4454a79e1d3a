package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/trackprobe/internal/agent"
	"github.com/ChuLiYu/trackprobe/internal/calibration"
	"github.com/ChuLiYu/trackprobe/internal/orchestrator"
	"github.com/ChuLiYu/trackprobe/internal/pluginclient"
	"github.com/ChuLiYu/trackprobe/internal/transport"
	"github.com/ChuLiYu/trackprobe/pkg/types"
)

// simulatedCtrlBase 模擬外掛控制 socket 的起始埠（避開租用範圍）
const simulatedCtrlBase = 20000

type simOptions struct {
	Plugins     int
	Loss        float64
	Seed        int64
	BindTimeout time.Duration
}

func buildSimulateCommand() *cobra.Command {
	var opts simOptions

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an in-process calibration over a lossy network",
		Long: `Start an orchestrator, a simulated mixing console and plugin agents in one
process, connected by an in-memory network that drops packets at random.
Plugin N sits on the N-th configured track; plugins beyond the track list stay silent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			setupLogging(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			_, err = runSimulation(ctx, cfg, opts, cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().IntVarP(&opts.Plugins, "plugins", "n", 4, "number of simulated plugins")
	cmd.Flags().Float64Var(&opts.Loss, "loss", 0.1, "packet loss probability in [0,1)")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 1, "random seed for packet loss")
	cmd.Flags().DurationVar(&opts.BindTimeout, "bind-timeout", 30*time.Second, "time allowed for every plugin to bind")
	return cmd
}

// console 模擬混音台：記錄每軌是否靜音
type console struct {
	mu      sync.RWMutex
	unmuted map[string]bool
}

func newConsole() *console {
	return &console{unmuted: make(map[string]bool)}
}

func (c *console) Mute(ctx context.Context, trackName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unmuted[trackName] = false
	return nil
}

func (c *console) Unmute(ctx context.Context, trackName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unmuted[trackName] = true
	return nil
}

func (c *console) audible(trackName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unmuted[trackName]
}

// simPlugin 一個模擬外掛與它實際所在的音軌
type simPlugin struct {
	agent *agent.Agent
	track *types.Track
}

// runSimulation 在單一行程內跑完綁定與校準，並列出配對正確率
func runSimulation(ctx context.Context, cfg *Config, opts simOptions, out io.Writer) (calibration.Result, error) {
	if opts.Plugins < 1 {
		return calibration.Result{}, fmt.Errorf("plugins must be at least 1, got %d", opts.Plugins)
	}
	if opts.Loss < 0 || opts.Loss >= 1 {
		return calibration.Result{}, fmt.Errorf("loss must be in [0,1), got %g", opts.Loss)
	}
	if opts.BindTimeout <= 0 {
		opts.BindTimeout = 30 * time.Second
	}

	net := transport.NewMemNetwork(transport.WithLoss(opts.Loss), transport.WithSeed(opts.Seed))
	desk := newConsole()

	// 1. 協調器
	orchAddr := netip.MustParseAddrPort(cfg.Orchestrator.Listen)
	orchPort := orchAddr.Port()
	if orchPort == 0 {
		orchPort = netip.MustParseAddrPort(orchestrator.DefaultConfig().ListenAddr).Port()
	}
	orchEP, err := net.Listen(orchPort)
	if err != nil {
		return calibration.Result{}, fmt.Errorf("failed to open orchestrator endpoint: %w", err)
	}

	orch, err := orchestrator.New(cfg.orchestratorConfig(), orchestrator.Deps{Transport: orchEP, Mixer: desk})
	if err != nil {
		_ = orchEP.Close()
		return calibration.Result{}, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	if err := orch.Start(); err != nil {
		orch.Stop()
		return calibration.Result{}, fmt.Errorf("failed to start orchestrator: %w", err)
	}
	defer orch.Stop()

	// 2. 外掛
	agentCtx, cancelAgents := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancelAgents()
		wg.Wait()
	}()

	plugins := make([]simPlugin, 0, opts.Plugins)
	for i := 0; i < opts.Plugins; i++ {
		ctrl, err := net.Listen(uint16(simulatedCtrlBase + i))
		if err != nil {
			return calibration.Result{}, fmt.Errorf("failed to open plugin endpoint: %w", err)
		}

		p := simPlugin{}
		if i < len(cfg.Tracks) {
			tr := cfg.Tracks[i]
			p.track = &tr
		}

		acfg := cfg.agentConfig()
		acfg.TempID = types.TempID(fmt.Sprintf("sim-%02d", i+1))
		acfg.Orchestrator = orchEP.LocalAddr()

		noise := &agent.NoiseSource{Floor: 0.0001}
		var a *agent.Agent
		source := agent.ActivityFunc(func() float32 {
			if p.track != nil && a.ToneActive() && desk.audible(p.track.Name) {
				return 0.5
			}
			return noise.RMS()
		})
		a = agent.New(acfg, ctrl, pluginclient.MemBinder{Net: net}, source)
		p.agent = a
		plugins = append(plugins, p)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer ctrl.Close()
			if err := a.Run(agentCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("Simulated plugin stopped", "temp_id", a.TempID(), "error", err)
			}
		}()
	}

	fmt.Fprintf(out, "✓ Started %d plugins on a network with %.0f%% packet loss\n", opts.Plugins, opts.Loss*100)

	// 3. 等待全部綁定
	bindCtx, cancelBind := context.WithTimeout(ctx, opts.BindTimeout)
	defer cancelBind()
	if err := waitFor(bindCtx, func() bool {
		return orch.Allocator().Stats()["confirmed"] >= opts.Plugins
	}); err != nil {
		return calibration.Result{}, fmt.Errorf("plugins did not bind: %d/%d confirmed: %w",
			orch.Allocator().Stats()["confirmed"], opts.Plugins, err)
	}
	fmt.Fprintf(out, "✓ All %d plugins bound\n", opts.Plugins)

	// 4. 校準
	res, runErr := orch.RunCalibration(ctx)

	// 身分確認以關鍵通道送回，給它們一點時間抵達
	settleCtx, cancelSettle := context.WithTimeout(ctx, time.Second)
	defer cancelSettle()
	_ = waitFor(settleCtx, func() bool {
		return len(orch.Engine().Confirmed()) >= len(res.Mappings)
	})

	printSimulation(out, plugins, res, orch.Engine().Confirmed())

	sent, delivered, dropped := net.Stats()
	fmt.Fprintf(out, "\n📶 Network: sent=%d delivered=%d dropped=%d\n", sent, delivered, dropped)

	if runErr != nil {
		return res, fmt.Errorf("calibration failed: %w", runErr)
	}
	return res, nil
}

func printSimulation(out io.Writer, plugins []simPlugin, res calibration.Result, confirmed map[types.TempID]types.TrackID) {
	fmt.Fprintf(out, "\n🎚  Calibration: %d/%d tracks mapped\n", res.Mapped, res.Total)

	correct := 0
	for i, p := range plugins {
		branch := "├─"
		if i == len(plugins)-1 {
			branch = "└─"
		}

		expected := types.TrackID("")
		actual := "silent"
		if p.track != nil {
			expected = p.track.ID
			actual = fmt.Sprintf("%s (%s)", p.track.ID, p.track.Name)
		}
		got, mapped := res.Mappings[p.agent.TempID()]

		mark := "❌"
		if got == expected {
			mark = "✅"
			correct++
		}
		ack := ""
		if _, ok := confirmed[p.agent.TempID()]; ok {
			ack = " (confirmed)"
		}
		if !mapped {
			got = "-"
		}
		fmt.Fprintf(out, "  %s %s %s  on %-20s → %s%s\n", branch, mark, p.agent.TempID(), actual, got, ack)
	}
	fmt.Fprintf(out, "\n📈 Accuracy: %d/%d plugins\n", correct, len(plugins))
}

// waitFor 週期檢查 cond，直到成立或 ctx 結束
func waitFor(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
