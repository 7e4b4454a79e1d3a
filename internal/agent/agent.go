// ============================================================================
// Trackprobe Plugin Agent - 外掛實例的執行環境
// ============================================================================
//
// Package: internal/agent
// 文件: agent.go
// 功能: 一個外掛實例的完整生命週期：協商連接埠，Bound 後回應校準訊息
//
// 流程:
//   1. 以 uuid 產生 tempID（或使用設定值）
//   2. 在控制 socket 上執行 PluginPortClient，直到 Bound
//   3. 在指派埠上服務：
//      - query_rms       -> rms_response（fire-and-forget，回到發送者）
//      - start/stop_tone -> tone_started / tone_stopped
//      - assign_identity -> 記錄 trackID，回覆關鍵 identity_confirmed
//   4. 以 TelemetryRate 週期送出 rms / rms_unidentified 遙測（fire-and-forget）
//
// 冗餘副本由 Dedupe 過濾；不同 seq 的重複 assign_identity 仍會回覆，
// 讓協調器在副本遺失時也能收到確認。
//
// ============================================================================

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/trackprobe/internal/message"
	"github.com/ChuLiYu/trackprobe/internal/messenger"
	"github.com/ChuLiYu/trackprobe/internal/pluginclient"
	"github.com/ChuLiYu/trackprobe/internal/transport"
	"github.com/ChuLiYu/trackprobe/pkg/types"
)

// ActivitySource 外掛所在音軌目前的音訊活動
type ActivitySource interface {
	// RMS 回傳最近一個區塊的線性 RMS（0..1）
	RMS() float32
}

// ActivityFunc 讓普通函式實作 ActivitySource
type ActivityFunc func() float32

// RMS 呼叫 f
func (f ActivityFunc) RMS() float32 { return f() }

// NoiseSource 模擬模式：只有低於門檻的底噪
type NoiseSource struct {
	Floor float32

	mu  sync.Mutex
	rng *rand.Rand
}

// RMS 回傳 [0, Floor) 的隨機值
func (n *NoiseSource) RMS() float32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.rng == nil {
		n.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return n.rng.Float32() * n.Floor
}

// DefaultTelemetryRate 遙測頻率（Hz）
const DefaultTelemetryRate = 24

// Config Agent 設定
type Config struct {
	TempID         types.TempID // 空值時產生 uuid
	Orchestrator   netip.AddrPort
	RequestTimeout time.Duration
	MaxRetries     int
	AutoRetry      bool
	Backoff        pluginclient.BackoffConfig
	Messenger      messenger.Config
	TelemetryRate  float64 // Hz；0 關閉遙測
	Recorder       pluginclient.Recorder
}

// Agent 一個外掛實例
type Agent struct {
	cfg    Config
	ctrl   transport.Transport
	binder pluginclient.Binder
	source ActivitySource
	client *pluginclient.Client
	logger *slog.Logger

	mu       sync.RWMutex
	tone     bool
	toneFreq float32
	identity types.TrackID
}

// New 建立 Agent
//
// 參數：
//   - cfg: 協調器位址與重試設定
//   - ctrl: 控制 socket（呼叫端負責關閉）
//   - binder: 綁定指派埠
//   - source: 音訊活動來源
func New(cfg Config, ctrl transport.Transport, binder pluginclient.Binder, source ActivitySource) *Agent {
	if cfg.TempID == "" {
		cfg.TempID = types.TempID(uuid.NewString())
	}
	return &Agent{
		cfg:    cfg,
		ctrl:   ctrl,
		binder: binder,
		source: source,
		logger: slog.With("component", "agent", "temp_id", cfg.TempID),
	}
}

// TempID 回傳本實例的臨時識別碼
func (a *Agent) TempID() types.TempID { return a.cfg.TempID }

// Client 回傳連接埠協商者；Run 之前為 nil
func (a *Agent) Client() *pluginclient.Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client
}

// State 回傳目前的連線狀態
func (a *Agent) State() types.PluginConnectionState {
	if c := a.Client(); c != nil {
		return c.State()
	}
	return types.PluginConnectionState{TempID: a.cfg.TempID, State: types.StateUnassigned, AssignedPort: -1}
}

// ToneActive 回報校準音是否開啟
func (a *Agent) ToneActive() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tone
}

// Identity 回傳已指派的 trackID
func (a *Agent) Identity() (types.TrackID, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.identity, a.identity != ""
}

// Run 協商連接埠後服務校準訊息，直到 ctx 結束
//
// 返回值：
//   - ctx.Err(): 正常結束
//   - 其他: 協商或綁定的傳輸層提前關閉
func (a *Agent) Run(ctx context.Context) error {
	ctrlMsgr := messenger.New(a.ctrl, a.cfg.Messenger)
	defer ctrlMsgr.Close()

	client := pluginclient.New(pluginclient.Config{
		TempID:         a.cfg.TempID,
		Orchestrator:   a.cfg.Orchestrator,
		RequestTimeout: a.cfg.RequestTimeout,
		MaxRetries:     a.cfg.MaxRetries,
		AutoRetry:      a.cfg.AutoRetry,
		Backoff:        a.cfg.Backoff,
		Recorder:       a.cfg.Recorder,
	}, a.ctrl, ctrlMsgr, a.binder)

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()

	if err := client.Run(ctx); err != nil {
		return err
	}

	bound := client.Transport()
	if bound == nil {
		return errors.New("agent: bound without transport")
	}
	defer bound.Close()

	// 冗餘的 port_assignment 副本在 Bound 後仍會抵達
	go drain(ctx, a.ctrl)

	m := messenger.New(bound, a.cfg.Messenger)
	defer m.Close()

	a.logger.Info("Serving calibration messages", "addr", bound.LocalAddr().String())
	return a.serve(ctx, bound, m)
}

func (a *Agent) serve(ctx context.Context, bound transport.Transport, m *messenger.Messenger) error {
	dedupe := messenger.NewDedupe(0)

	var telemetry <-chan time.Time
	if a.cfg.TelemetryRate > 0 {
		ticker := time.NewTicker(time.Duration(float64(time.Second) / a.cfg.TelemetryRate))
		defer ticker.Stop()
		telemetry = ticker.C
	}

	for {
		select {
		case <-telemetry:
			a.sendTelemetry(m)

		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = m.Flush(flushCtx)
			cancel()
			return ctx.Err()

		case in, ok := <-bound.Inbound():
			if !ok {
				return transport.ErrClosed
			}
			if dedupe.Duplicate(in) {
				continue
			}
			ev, err := message.DecodeEvent(in.Message)
			if err != nil {
				a.logger.Debug("Ignoring undecodable message", "address", in.Message.Address, "error", err)
				continue
			}
			if err := a.handle(ev, in.From, m); err != nil {
				a.logger.Warn("Reply not sent", "address", ev.Address(), "error", err)
			}
		}
	}
}

// handle 處理一則校準訊息
func (a *Agent) handle(ev message.Event, from netip.AddrPort, m *messenger.Messenger) error {
	switch ev := ev.(type) {
	case message.RMSQuery:
		rms := a.source.RMS()
		return m.SendEvent(message.RMSResponse{QueryID: ev.QueryID, TempID: a.cfg.TempID, RMS: rms}, from)

	case message.ToneCommand:
		a.mu.Lock()
		a.tone = ev.Start
		if ev.Start {
			a.toneFreq = ev.Frequency
		}
		freq := a.toneFreq
		a.mu.Unlock()

		a.logger.Info("Calibration tone", "started", ev.Start, "frequency", ev.Frequency, "amplitude_db", ev.AmplitudeDB)
		return m.SendEvent(message.ToneStatus{TempID: a.cfg.TempID, Started: ev.Start, Frequency: freq}, from)

	case message.IdentityAssignment:
		if ev.TempID != a.cfg.TempID {
			return nil
		}
		a.mu.Lock()
		prev := a.identity
		a.identity = ev.TrackID
		a.mu.Unlock()

		if prev != ev.TrackID {
			a.logger.Info("Identity assigned", "track_id", ev.TrackID, "previous", prev)
		}
		conf := message.IdentityConfirmation{TempID: a.cfg.TempID, TrackID: ev.TrackID, Status: message.StatusConfirmed}
		if _, err := m.SendCriticalEvent(conf, from); err != nil {
			return fmt.Errorf("identity confirmation: %w", err)
		}
		return nil
	}
	return nil
}

// sendTelemetry 送出一次目前音量；遺失沒有關係，下一個 tick 會再送
func (a *Agent) sendTelemetry(m *messenger.Messenger) {
	trackID, _ := a.Identity()
	ev := message.RMSTelemetry{TempID: a.cfg.TempID, TrackID: trackID, RMS: a.source.RMS()}
	if err := m.SendEvent(ev, a.cfg.Orchestrator); err != nil {
		a.logger.Debug("Telemetry not sent", "error", err)
	}
}

func drain(ctx context.Context, tr transport.Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-tr.Inbound():
			if !ok {
				return
			}
		}
	}
}
