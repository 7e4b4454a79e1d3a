// ============================================================================
// Trackprobe Orchestrator - 系統核心協調器
// ============================================================================
//
// Package: internal/orchestrator
// 文件: orchestrator.go
// 功能: 協調連接埠分配、冗餘訊息通道與校準引擎，處理所有外掛的入站訊息
//
// 架構設計:
//   這是整個系統的"大腦"，負責協調以下組件：
//   - Allocator: 連接埠租約（唯一性、idempotent 分配、過期清理）
//   - Messenger: 冗餘傳送（關鍵訊息送出 k 份副本）
//   - Engine: 主動探測校準（一次只允許一個執行）
//   - Transport: 單一 UDP socket，所有外掛都送到這裡
//
// 核心循環 (3 個並發 Goroutine):
//   1. Dispatch Loop - 從單一入站 channel 取訊息，去重、解碼後分派
//   2. Cleanup Loop - 定期回收未確認的過期租約
//   3. Stats Loop - 定期記錄連接埠池與校準狀態
//
// 訊息分派:
//   request_port     -> AssignPort -> 關鍵 port_assignment（送到 sender 主機的 responsePort）
//   port_confirmed   -> "bound" 確認租約；"failed" 釋放租約
//   rms / rms_unidentified -> 記錄每個外掛最新的音量（GetStatus 的 levels）
//   rms_response / identity_confirmed / tone_* -> Engine.HandleEvent
//
// 關閉順序:
//   1. cancel(ctx)        → 通知所有循環與進行中的校準
//   2. engine.Wait()      → 等校準送出 stop_tone 後結束（有逾時）
//   3. messenger.Flush()  → 盡量送完排程中的副本（有逾時）
//   4. messenger.Close()  → 停止背景傳送池
//   5. transport.Close()  → 關閉 Inbound channel，dispatch loop 退出
//   6. loopWg.Wait()      → 等待所有循環退出
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/ChuLiYu/trackprobe/internal/calibration"
	"github.com/ChuLiYu/trackprobe/internal/message"
	"github.com/ChuLiYu/trackprobe/internal/messenger"
	"github.com/ChuLiYu/trackprobe/internal/metrics"
	"github.com/ChuLiYu/trackprobe/internal/portalloc"
	"github.com/ChuLiYu/trackprobe/internal/transport"
	"github.com/ChuLiYu/trackprobe/pkg/types"
)

var log = slog.Default().With("component", "orchestrator")

// ============================================================================
// 資料結構定義
// ============================================================================

var (
	// ErrAlreadyStarted Start 被呼叫兩次
	ErrAlreadyStarted = errors.New("orchestrator already started")
	// ErrStopped 已停止的 Orchestrator 不能再啟動
	ErrStopped = errors.New("orchestrator stopped")
	// ErrNoMixer 沒有 Mixer 也沒有混音台橋接位址
	ErrNoMixer = errors.New("no mixer configured")
)

// Config Orchestrator 配置
type Config struct {
	ListenAddr       string             // UDP 監聽位址
	MinPort          uint16             // 租用範圍下限
	MaxPort          uint16             // 租用範圍上限
	StaleLeaseMaxAge time.Duration      // 未確認租約的最長存活時間
	CleanupInterval  time.Duration      // 過期清理間隔
	StatsInterval    time.Duration      // 狀態記錄間隔
	DedupeWindow     time.Duration      // 重複副本的判定視窗
	ShutdownTimeout  time.Duration      // 關閉時等待副本送完的上限
	PluginHost       netip.Addr         // 外掛所在主機
	MixerBridge      netip.AddrPort     // mixer/mute 訊息的目的地
	Tracks           []types.Track      // 靜態音軌清單（沒有外部 TrackDiscovery 時使用）
	Messenger        messenger.Config   // 冗餘傳送設定
	Calibration      calibration.Config // 校準設定
}

// DefaultConfig 回傳預設配置
func DefaultConfig() Config {
	return Config{
		ListenAddr:       "127.0.0.1:8999",
		MinPort:          portalloc.DefaultMinPort,
		MaxPort:          portalloc.DefaultMaxPort,
		StaleLeaseMaxAge: 30 * time.Second,
		CleanupInterval:  10 * time.Second,
		StatsInterval:    30 * time.Second,
		DedupeWindow:     messenger.DefaultDedupeTTL,
		ShutdownTimeout:  2 * time.Second,
		PluginHost:       netip.MustParseAddr("127.0.0.1"),
		Messenger:        messenger.DefaultConfig(),
		Calibration:      calibration.DefaultConfig(),
	}
}

// Deps 外部協作者；nil 欄位由 Orchestrator 自行建立
type Deps struct {
	Transport transport.Transport        // nil: 在 ListenAddr 上開 UDP
	Discovery calibration.TrackDiscovery // nil: StaticDiscovery{cfg.Tracks}
	Mixer     calibration.Mixer          // nil: MessageMixer 送往 MixerBridge
	Metrics   *metrics.Collector         // nil: 不記錄指標
}

// PluginLevel 外掛最近一次遙測
type PluginLevel struct {
	TrackID types.TrackID // 未識別時為空
	RMS     float32
	At      time.Time
}

// Orchestrator 核心協調器
type Orchestrator struct {
	config    Config
	tr        transport.Transport
	allocator *portalloc.Allocator
	messenger *messenger.Messenger
	engine    *calibration.Engine
	dedupe    *messenger.Dedupe
	metrics   *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	loopWg    sync.WaitGroup

	levelsMu sync.RWMutex
	levels   map[types.TempID]PluginLevel
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的 Orchestrator 實例
//
// 參數：
//   - config: Orchestrator 配置
//   - deps: 可替換的協作者（測試時注入 MemNetwork 端點與假混音台）
//
// 返回值：
//   - *Orchestrator: Orchestrator 實例
//   - error: 初始化錯誤
func New(config Config, deps Deps) (*Orchestrator, error) {
	if !config.PluginHost.IsValid() {
		config.PluginHost = netip.MustParseAddr("127.0.0.1")
	}
	d := DefaultConfig()
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = d.ShutdownTimeout
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = d.CleanupInterval
	}
	if config.StaleLeaseMaxAge <= 0 {
		config.StaleLeaseMaxAge = d.StaleLeaseMaxAge
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = d.StatsInterval
	}

	// 1. 建立 Allocator
	allocCfg := portalloc.Config{MinPort: config.MinPort, MaxPort: config.MaxPort}
	if deps.Metrics != nil {
		allocCfg.Recorder = deps.Metrics
	}
	allocator, err := portalloc.New(allocCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create port allocator: %w", err)
	}

	// 2. 開啟 Transport
	tr := deps.Transport
	if tr == nil {
		udpCfg := transport.UDPConfig{ListenAddr: config.ListenAddr}
		if deps.Metrics != nil {
			udpCfg.OnDrop = deps.Metrics.RecordDrop
		}
		udp, err := transport.ListenUDP(udpCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open transport: %w", err)
		}
		tr = udp
	}

	// 3. 建立 Messenger
	msgCfg := config.Messenger
	if deps.Metrics != nil {
		msgCfg.Recorder = deps.Metrics
	}
	msgr := messenger.New(tr, msgCfg)

	// 4. 建立校準協作者與 Engine
	discovery := deps.Discovery
	if discovery == nil {
		discovery = calibration.StaticDiscovery{Tracks: config.Tracks}
	}
	mixer := deps.Mixer
	if mixer == nil {
		if !config.MixerBridge.IsValid() {
			_ = msgr.Close()
			_ = tr.Close()
			return nil, ErrNoMixer
		}
		mixer = calibration.MessageMixer{Sender: msgr, Bridge: config.MixerBridge}
	}

	calCfg := config.Calibration
	calCfg.PluginHost = config.PluginHost
	if deps.Metrics != nil {
		calCfg.Recorder = deps.Metrics
	}
	engine := calibration.New(calCfg, discovery, mixer, allocator, msgr)

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		config:    config,
		tr:        tr,
		allocator: allocator,
		messenger: msgr,
		engine:    engine,
		dedupe:    messenger.NewDedupe(config.DedupeWindow),
		metrics:   deps.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		levels:    make(map[types.TempID]PluginLevel),
	}, nil
}

// Start 啟動 Orchestrator 的三個核心循環
//
// 返回值：
//   - error: 重複啟動或已停止
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return ErrStopped
	}
	if o.started {
		return ErrAlreadyStarted
	}
	o.started = true
	o.startTime = time.Now()

	o.loopWg.Add(3)
	go o.dispatchLoop()
	go o.cleanupLoop()
	go o.statsLoop()

	log.Info("Orchestrator started",
		"listen", o.tr.LocalAddr().String(),
		"port_range", fmt.Sprintf("%d-%d", o.config.MinPort, o.config.MaxPort),
		"attempts", o.messenger.Attempts())
	return nil
}

// ============================================================================
// 三個核心循環
// ============================================================================

// dispatchLoop 從單一入站 channel 分派訊息
//
// 所有狀態變更都在各組件內部加鎖；這裡只負責路由。
func (o *Orchestrator) dispatchLoop() {
	defer o.loopWg.Done()

	inbound := o.tr.Inbound()
	for {
		select {
		case <-o.ctx.Done():
			log.Info("Dispatch loop stopped")
			return

		case in, ok := <-inbound:
			if !ok {
				log.Info("Dispatch loop stopped: transport closed")
				return
			}
			o.handleInbound(in)
		}
	}
}

// handleInbound 處理單一入站訊息
func (o *Orchestrator) handleInbound(in transport.Inbound) {
	if o.dedupe.Duplicate(in) {
		return
	}

	ev, err := message.DecodeEvent(in.Message)
	if err != nil {
		log.Warn("Dropping undecodable message", "from", in.From.String(), "address", in.Message.Address, "error", err)
		if o.metrics != nil {
			o.metrics.RecordDrop("malformed", err)
		}
		return
	}

	switch ev := ev.(type) {
	case message.PortRequest:
		o.handlePortRequest(ev, in.From)
	case message.PortConfirmation:
		o.handlePortConfirmation(ev)
	case message.RMSTelemetry:
		o.levelsMu.Lock()
		o.levels[ev.TempID] = PluginLevel{TrackID: ev.TrackID, RMS: ev.RMS, At: time.Now()}
		o.levelsMu.Unlock()
	default:
		if !o.engine.HandleEvent(ev) {
			log.Debug("Ignoring message", "address", in.Message.Address, "from", in.From.String())
		}
	}
}

// handlePortRequest 分配連接埠並回覆關鍵 port_assignment
//
// 重複的請求（重送或冗餘副本）會得到同一個埠。
func (o *Orchestrator) handlePortRequest(req message.PortRequest, from netip.AddrPort) {
	reply := message.PortAssignment{TempID: req.TempID, Status: message.StatusAssigned}

	port, err := o.allocator.AssignPort(req.TempID, int(req.PreferredPort))
	switch {
	case errors.Is(err, portalloc.ErrPortExhausted):
		reply.Status = message.StatusExhausted
		reply.Port = -1
	case err != nil:
		log.Warn("Rejecting port request", "temp_id", req.TempID, "error", err)
		return
	default:
		reply.Port = int32(port)
	}

	dest := from
	if req.ResponsePort > 0 && req.ResponsePort <= 65535 {
		dest = netip.AddrPortFrom(from.Addr(), uint16(req.ResponsePort))
	}
	if _, err := o.messenger.SendCriticalEvent(reply, dest); err != nil {
		log.Error("Failed to send port assignment", "temp_id", req.TempID, "dest", dest.String(), "error", err)
	}
}

// handlePortConfirmation 依外掛回報確認或釋放租約
func (o *Orchestrator) handlePortConfirmation(c message.PortConfirmation) {
	switch c.Status {
	case message.StatusBound:
		if c.Port <= 0 || c.Port > 65535 || !o.allocator.ConfirmBinding(c.TempID, uint16(c.Port)) {
			log.Warn("Ignoring mismatched binding confirmation", "temp_id", c.TempID, "port", c.Port)
		}
	case message.StatusFailed:
		if o.allocator.ReleasePortForPlugin(c.TempID) {
			log.Info("Plugin failed to bind, lease released", "temp_id", c.TempID, "port", c.Port)
		}
	default:
		log.Warn("Unknown confirmation status", "temp_id", c.TempID, "status", c.Status)
	}
}

// cleanupLoop 定期回收過期租約
func (o *Orchestrator) cleanupLoop() {
	defer o.loopWg.Done()
	o.allocator.RunCleanup(o.ctx, o.config.CleanupInterval, o.config.StaleLeaseMaxAge)
	log.Info("Cleanup loop stopped")
}

// statsLoop 定期記錄系統狀態
func (o *Orchestrator) statsLoop() {
	defer o.loopWg.Done()
	ticker := time.NewTicker(o.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			log.Info("Stats loop stopped")
			return

		case <-ticker.C:
			o.pruneLevels(time.Now().Add(-o.config.StaleLeaseMaxAge))
			stats := o.allocator.Stats()
			log.Info("Orchestrator status",
				"leased", stats["leased"],
				"confirmed", stats["confirmed"],
				"available", stats["available"],
				"calibration", o.engine.State().String())
		}
	}
}

// ============================================================================
// 公開方法
// ============================================================================

// StartCalibration 在背景開始一次校準；已有執行時回傳 calibration.ErrRunActive
//
// 校準會在 Stop 時被取消。
func (o *Orchestrator) StartCalibration() error {
	return o.engine.Start(o.ctx, func(res calibration.Result, err error) {
		if err != nil {
			log.Warn("Background calibration ended with error", "mapped", res.Mapped, "error", err)
		}
	})
}

// RunCalibration 同步執行一次校準
func (o *Orchestrator) RunCalibration(ctx context.Context) (calibration.Result, error) {
	ctx, cancel := mergeCancel(ctx, o.ctx)
	defer cancel()
	return o.engine.Run(ctx)
}

// Allocator 回傳連接埠分配器
func (o *Orchestrator) Allocator() *portalloc.Allocator { return o.allocator }

// Engine 回傳校準引擎
func (o *Orchestrator) Engine() *calibration.Engine { return o.engine }

// LocalAddr 回傳外掛應送往的位址
func (o *Orchestrator) LocalAddr() netip.AddrPort { return o.tr.LocalAddr() }

// Levels 回傳每個外掛最近一次遙測的副本
func (o *Orchestrator) Levels() map[types.TempID]PluginLevel {
	o.levelsMu.RLock()
	defer o.levelsMu.RUnlock()
	out := make(map[types.TempID]PluginLevel, len(o.levels))
	for k, v := range o.levels {
		out[k] = v
	}
	return out
}

// pruneLevels 移除 before 之前就不再回報的外掛
func (o *Orchestrator) pruneLevels(before time.Time) {
	o.levelsMu.Lock()
	defer o.levelsMu.Unlock()
	for tempID, lvl := range o.levels {
		if lvl.At.Before(before) {
			delete(o.levels, tempID)
		}
	}
}

// GetStatus 取得系統狀態
//
// 返回值：
//   - map[string]interface{}: 系統狀態資訊
func (o *Orchestrator) GetStatus() map[string]interface{} {
	o.mu.Lock()
	uptime := time.Duration(0)
	if o.started {
		uptime = time.Since(o.startTime)
	}
	o.mu.Unlock()

	stats := o.allocator.Stats()
	cal := o.engine.State()

	levels := make(map[string]interface{})
	for tempID, lvl := range o.Levels() {
		levels[string(tempID)] = float64(lvl.RMS)
	}

	return map[string]interface{}{
		"uptime":      uptime.String(),
		"listen":      o.tr.LocalAddr().String(),
		"leased":      stats["leased"],
		"confirmed":   stats["confirmed"],
		"available":   stats["available"],
		"pool_size":   stats["pool_size"],
		"calibration": cal.String(),
		"progress":    cal.Progress,
		"levels":      levels,
	}
}

// Stop 優雅關閉 Orchestrator；可重複呼叫
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		log.Info("Orchestrator already stopped")
		return
	}
	o.stopped = true
	o.mu.Unlock()

	log.Info("Stopping orchestrator...")

	// 1. 通知所有循環與進行中的校準
	o.cancel()

	// 2. 進行中的校準在退出前會廣播 stop_tone，傳輸層必須還開著
	waitCtx, cancel := context.WithTimeout(context.Background(), o.config.ShutdownTimeout)
	if err := o.engine.Wait(waitCtx); err != nil {
		log.Warn("Calibration still running at shutdown", "error", err)
	}
	cancel()

	// 3. 盡量送完排程中的副本
	flushCtx, cancel := context.WithTimeout(context.Background(), o.config.ShutdownTimeout)
	if err := o.messenger.Flush(flushCtx); err != nil {
		log.Warn("Pending sends not flushed before shutdown", "error", err)
	}
	cancel()

	// 4. 停止傳送池
	if err := o.messenger.Close(); err != nil {
		log.Error("Failed to close messenger", "error", err)
	}

	// 5. 關閉 socket（dispatch loop 會看到 channel 關閉）
	if err := o.tr.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		log.Error("Failed to close transport", "error", err)
	}

	// 6. 等待所有循環退出
	o.loopWg.Wait()

	log.Info("Orchestrator stopped")
}

// mergeCancel 回傳在 a 或 b 任一個結束時取消的 context
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
