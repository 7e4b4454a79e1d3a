// ============================================================================
// Trackprobe Calibration Engine - 主動探測的音軌識別
// ============================================================================
//
// Package: internal/calibration
// 文件: engine.go
// 功能: 只靠觀察音訊活動，找出每個外掛實例插在哪一條具名音軌上
//
// 狀態機:
//   Idle -> FetchingTracks -> Probing(track) -> ProcessingProbe(track) -> ...
//        -> Assigning -> Completed(mapped, total) | Failed(reason)
//
// 演算法:
//   1. FetchingTracks: 向 TrackDiscovery 取得 {trackName -> trackID}；空結果或
//      重複的 trackID = Failed
//   2. 靜音所有音軌
//   3. 廣播校準音到所有已租用的埠，等待穩定（預設 2s）
//   4. 依 trackID 排序逐一探測：
//      a. 只解除這一軌的靜音
//      b. 等待 settle（0.5s）
//      c. 以新的 queryID 廣播 query_rms，收集視窗（0.5s）內的回應後關閉收集器
//      d. 排除已配對的外掛，套用 SelectPolicy（預設：超過 -60 dBFS 中 RMS 最高者）
//      e. 有結果時記錄 mappings[tempID] = trackID 並加入 excluded（保證單射）
//      f. 重新靜音、暫停 0.25s
//   5. 停止校準音：無論第 4 步如何結束都會執行（defer + WithoutCancel）
//   6. Assigning: 以 GetPort 找出每個外掛目前的埠，送出關鍵的 assign_identity；
//      找不到埠時略過並記錄，不讓整次執行失敗
//   7. Completed(mapped, total)
//
// 並發模型:
//   - 一次只允許一個執行（isWorking CAS）；第二個請求直接拒絕，不排隊
//   - Wait 等到目前的執行結束（含 stop_tone），供關閉時在傳輸層關閉前呼叫
//   - 每個等待都是可取消的 select，而不是阻塞的 sleep
//   - RMS 回應由 dispatch 迴圈呼叫 HandleEvent 寫入 RMSCollector
//
// 失敗處理:
//   TrackDiscovery 或 Mixer 錯誤會中止執行並進入 Failed(reason)，已得到的
//   mappings 保留供檢查；探測沒有合格回應不是錯誤。
//
// ============================================================================

package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/trackprobe/internal/message"
	"github.com/ChuLiYu/trackprobe/pkg/types"
)

var log = slog.Default().With("component", "calibration")

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrRunActive 已有校準在執行
	ErrRunActive = errors.New("calibration run already active")
	// ErrTrackDiscovery 音軌探索失敗
	ErrTrackDiscovery = errors.New("track discovery failed")
	// ErrNoTracks 沒有可探測的音軌
	ErrNoTracks = errors.New("no tracks")
	// ErrMixer 靜音或解除靜音失敗
	ErrMixer = errors.New("mixer command failed")
)

// FailureError 帶有原因的校準失敗；保留部分 mappings
type FailureError struct {
	Reason string
	Cause  error
}

func (e *FailureError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("calibration failed: %s: %v", e.Reason, e.Cause)
	}
	return "calibration failed: " + e.Reason
}

func (e *FailureError) Unwrap() error { return e.Cause }

// ============================================================================
// 協作者介面
// ============================================================================

// TrackDiscovery 外部音軌探索
type TrackDiscovery interface {
	DiscoverTracks(ctx context.Context) (map[string]types.TrackID, error)
}

// Mixer 外部混音台控制
type Mixer interface {
	Mute(ctx context.Context, trackName string) error
	Unmute(ctx context.Context, trackName string) error
}

// PortDirectory 外掛的連接埠查詢（*portalloc.Allocator 實作）
type PortDirectory interface {
	GetPort(tempID types.TempID) (uint16, bool)
	LeasedPorts() []uint16
}

// Sender 訊息通道（*messenger.Messenger 實作）
type Sender interface {
	SendCriticalEvent(ev message.Event, dest netip.AddrPort) (uint32, error)
	SendEvent(ev message.Event, dest netip.AddrPort) error
}

// Recorder 校準指標（可為 nil）
type Recorder interface {
	RecordCalibrationRun(result string, duration time.Duration)
	RecordProbe(respondents int, matched bool)
	SetCalibrationProgress(progress float64)
}

// ============================================================================
// 設定
// ============================================================================

// Config 校準設定
type Config struct {
	ToneFrequency   float32       // Hz
	ToneAmplitudeDB float32       // dB
	StabilizeDelay  time.Duration // 校準音開始後的穩定等待
	SettleDelay     time.Duration // 解除靜音後的等待
	CollectWindow   time.Duration // RMS 回應收集視窗
	RemutePause     time.Duration // 重新靜音後的暫停
	ThresholdDBFS   float64       // 活動門檻
	BroadcastRate   float64       // 每秒廣播封包上限；0 為不限
	BroadcastBurst  int
	PluginHost      netip.Addr // 外掛所在主機
	Policy          SelectPolicy
	Recorder        Recorder
}

// DefaultConfig 回傳預設設定
func DefaultConfig() Config {
	return Config{
		ToneFrequency:   440,
		ToneAmplitudeDB: -20,
		StabilizeDelay:  2 * time.Second,
		SettleDelay:     500 * time.Millisecond,
		CollectWindow:   500 * time.Millisecond,
		RemutePause:     250 * time.Millisecond,
		ThresholdDBFS:   DefaultThresholdDBFS,
		BroadcastRate:   2000,
		BroadcastBurst:  64,
		PluginHost:      netip.MustParseAddr("127.0.0.1"),
		Policy:          HighestRMS,
	}
}

// Result 一次完成的校準結果
type Result struct {
	Mappings map[types.TempID]types.TrackID
	Mapped   int
	Total    int
	Assigned int
	Unmapped []types.Track
}

// ============================================================================
// Engine
// ============================================================================

// Engine 主動探測校準引擎
type Engine struct {
	cfg       Config
	discovery TrackDiscovery
	mixer     Mixer
	ports     PortDirectory
	sender    Sender
	collector *RMSCollector
	limiter   *rate.Limiter

	working atomic.Bool

	mu        sync.RWMutex
	done      chan struct{} // 目前（或最近一次）執行結束時關閉
	state     types.CalibrationState
	mappings  map[types.TempID]types.TrackID
	confirmed map[types.TempID]types.TrackID
	subs      map[int]chan types.CalibrationState
	nextSub   int
}

// New 建立引擎
//
// 參數：
//   - cfg: 延遲、門檻與選擇策略；零值欄位使用預設
//   - discovery / mixer: 外部協作者
//   - ports: 連接埠查詢（通常是 *portalloc.Allocator）
//   - sender: 訊息通道（通常是 *messenger.Messenger）
func New(cfg Config, discovery TrackDiscovery, mixer Mixer, ports PortDirectory, sender Sender) *Engine {
	cfg = cfg.withDefaults()

	limit := rate.Inf
	if cfg.BroadcastRate > 0 {
		limit = rate.Limit(cfg.BroadcastRate)
	}

	return &Engine{
		cfg:       cfg,
		discovery: discovery,
		mixer:     mixer,
		ports:     ports,
		sender:    sender,
		collector: NewRMSCollector(),
		limiter:   rate.NewLimiter(limit, cfg.BroadcastBurst),
		state:     types.CalibrationState{Phase: types.PhaseIdle, UpdatedAt: time.Now()},
		mappings:  make(map[types.TempID]types.TrackID),
		confirmed: make(map[types.TempID]types.TrackID),
		subs:      make(map[int]chan types.CalibrationState),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ToneFrequency == 0 {
		c.ToneFrequency = d.ToneFrequency
	}
	if c.ToneAmplitudeDB == 0 {
		c.ToneAmplitudeDB = d.ToneAmplitudeDB
	}
	if c.StabilizeDelay == 0 {
		c.StabilizeDelay = d.StabilizeDelay
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = d.SettleDelay
	}
	if c.CollectWindow == 0 {
		c.CollectWindow = d.CollectWindow
	}
	if c.RemutePause == 0 {
		c.RemutePause = d.RemutePause
	}
	if c.ThresholdDBFS == 0 {
		c.ThresholdDBFS = d.ThresholdDBFS
	}
	if c.BroadcastBurst <= 0 {
		c.BroadcastBurst = d.BroadcastBurst
	}
	if !c.PluginHost.IsValid() {
		c.PluginHost = d.PluginHost
	}
	if c.Policy == nil {
		c.Policy = d.Policy
	}
	return c
}

// Active 回報是否有校準正在執行
func (e *Engine) Active() bool { return e.working.Load() }

// Start 在背景執行 Run；已有執行時回傳 ErrRunActive
//
// done 可為 nil；否則在執行結束後以結果呼叫。
func (e *Engine) Start(ctx context.Context, done func(Result, error)) error {
	finished, ok := e.begin()
	if !ok {
		return ErrRunActive
	}
	go func() {
		res, err := e.runGuarded(ctx, finished)
		if done != nil {
			done(res, err)
		}
	}()
	return nil
}

// Run 同步執行一次完整校準
//
// 返回值：
//   - Result: 完成時的配對結果；失敗時含部分 mappings
//   - error: ErrRunActive / *FailureError
func (e *Engine) Run(ctx context.Context) (Result, error) {
	finished, ok := e.begin()
	if !ok {
		return Result{}, ErrRunActive
	}
	return e.runGuarded(ctx, finished)
}

// Wait 等待進行中的執行結束，包含 stop_tone 的廣播；沒有執行時立即返回
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.RLock()
	done := e.done
	e.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin 取得 isWorking 並建立這次執行的結束 channel
func (e *Engine) begin() (chan struct{}, bool) {
	if !e.working.CompareAndSwap(false, true) {
		e.recordRun("rejected", 0)
		return nil, false
	}
	finished := make(chan struct{})
	e.mu.Lock()
	e.done = finished
	e.mu.Unlock()
	return finished, true
}

// runGuarded 在已取得 isWorking 的前提下執行
func (e *Engine) runGuarded(ctx context.Context, finished chan struct{}) (Result, error) {
	defer close(finished)
	defer e.working.Store(false)

	start := time.Now()
	e.resetRun()

	res, err := e.run(ctx)
	if err != nil {
		var fe *FailureError
		if !errors.As(err, &fe) {
			fe = &FailureError{Reason: err.Error(), Cause: err}
			err = fe
		}
		e.publish(func(s *types.CalibrationState) {
			s.Phase = types.PhaseFailed
			s.Track = nil
			s.Reason = fe.Reason
		})
		log.Error("Calibration failed", "reason", fe.Reason, "mapped", res.Mapped, "total", res.Total)
		e.recordRun("failed", time.Since(start))
		return res, err
	}

	e.publish(func(s *types.CalibrationState) {
		s.Phase = types.PhaseCompleted
		s.Track = nil
	})
	log.Info("Calibration completed",
		"mapped", res.Mapped,
		"total", res.Total,
		"assigned", res.Assigned,
		"duration", time.Since(start))
	e.recordRun("completed", time.Since(start))
	return res, nil
}

func (e *Engine) run(ctx context.Context) (Result, error) {
	// 1. FetchingTracks
	e.publish(func(s *types.CalibrationState) { s.Phase = types.PhaseFetchingTracks })

	discovered, err := e.discovery.DiscoverTracks(ctx)
	if err != nil {
		e.stopTone(ctx)
		return Result{}, &FailureError{Reason: "track discovery", Cause: fmt.Errorf("%w: %v", ErrTrackDiscovery, err)}
	}
	if len(discovered) == 0 {
		return Result{}, &FailureError{Reason: "no tracks", Cause: ErrNoTracks}
	}

	tracks := make([]types.Track, 0, len(discovered))
	for name, id := range discovered {
		tracks = append(tracks, types.Track{Name: name, ID: id})
	}
	sort.Slice(tracks, func(i, j int) bool {
		if tracks[i].ID != tracks[j].ID {
			return tracks[i].ID < tracks[j].ID
		}
		return tracks[i].Name < tracks[j].Name
	})
	// 同一個 trackID 只能配給一個外掛
	for i := 1; i < len(tracks); i++ {
		if tracks[i].ID == tracks[i-1].ID {
			return Result{}, &FailureError{
				Reason: fmt.Sprintf("duplicate track id %q", tracks[i].ID),
				Cause:  fmt.Errorf("%w: track id %q shared by %q and %q", ErrTrackDiscovery, tracks[i].ID, tracks[i-1].Name, tracks[i].Name),
			}
		}
	}

	res := Result{Total: len(tracks), Mappings: make(map[types.TempID]types.TrackID)}
	e.publish(func(s *types.CalibrationState) { s.Total = res.Total })
	log.Info("Tracks discovered", "count", res.Total)

	// 2-5. 探測（校準音的停止在 probe 內以 defer 保證）
	if err := e.probe(ctx, tracks, &res); err != nil {
		return res, err
	}

	// 6. Assigning
	e.publish(func(s *types.CalibrationState) {
		s.Phase = types.PhaseAssigning
		s.Track = nil
	})
	res.Assigned = e.assign(res.Mappings)
	e.publish(func(s *types.CalibrationState) { s.Assigned = res.Assigned })

	return res, nil
}

// probe 執行步驟 2-5；無論如何結束都會廣播 stop_tone
func (e *Engine) probe(ctx context.Context, tracks []types.Track, res *Result) error {
	defer e.stopTone(ctx)

	for _, tr := range tracks {
		if err := e.mixer.Mute(ctx, tr.Name); err != nil {
			return e.mixerFailure("mute", tr, err)
		}
	}

	e.broadcast(ctx, message.ToneCommand{
		Start:       true,
		Frequency:   e.cfg.ToneFrequency,
		AmplitudeDB: e.cfg.ToneAmplitudeDB,
	})
	if err := sleep(ctx, e.cfg.StabilizeDelay); err != nil {
		return err
	}

	excluded := make(map[types.TempID]bool)
	for i := range tracks {
		tr := tracks[i]

		e.publish(func(s *types.CalibrationState) {
			s.Phase = types.PhaseProbing
			s.Track = &tr
		})
		if err := e.mixer.Unmute(ctx, tr.Name); err != nil {
			return e.mixerFailure("unmute", tr, err)
		}
		if err := sleep(ctx, e.cfg.SettleDelay); err != nil {
			return err
		}

		e.publish(func(s *types.CalibrationState) { s.Phase = types.PhaseProcessingProbe })
		responses, err := e.query(ctx)
		if err != nil {
			return err
		}

		eligible := responses[:0]
		for _, r := range responses {
			if !excluded[r.TempID] {
				eligible = append(eligible, r)
			}
		}

		tempID, ok := e.cfg.Policy.Select(eligible, e.cfg.ThresholdDBFS)
		e.recordProbe(len(responses), ok)
		if ok {
			excluded[tempID] = true
			res.Mappings[tempID] = tr.ID
			res.Mapped++

			progress := float64(res.Mapped) / float64(res.Total)
			e.mu.Lock()
			e.mappings[tempID] = tr.ID
			e.mu.Unlock()
			e.publish(func(s *types.CalibrationState) {
				s.Mapped = res.Mapped
				s.Progress = progress
			})
			log.Info("Track mapped", "track", tr.Name, "track_id", tr.ID, "temp_id", tempID, "respondents", len(responses))
		} else {
			res.Unmapped = append(res.Unmapped, tr)
			log.Info("Track left unmapped", "track", tr.Name, "track_id", tr.ID, "respondents", len(responses))
		}

		if err := e.mixer.Mute(ctx, tr.Name); err != nil {
			return e.mixerFailure("mute", tr, err)
		}
		if err := sleep(ctx, e.cfg.RemutePause); err != nil {
			return err
		}
	}
	return nil
}

// query 以新的 queryID 廣播 query_rms 並收集一個視窗內的回應
func (e *Engine) query(ctx context.Context) ([]Response, error) {
	queryID := uuid.NewString()
	e.collector.Open(queryID)

	e.broadcast(ctx, message.RMSQuery{QueryID: queryID})
	err := sleep(ctx, e.cfg.CollectWindow)

	responses := e.collector.Close(queryID)
	return responses, err
}

// assign 對每個配對送出 assign_identity；回傳成功送出的數量
func (e *Engine) assign(mappings map[types.TempID]types.TrackID) int {
	tempIDs := make([]types.TempID, 0, len(mappings))
	for tempID := range mappings {
		tempIDs = append(tempIDs, tempID)
	}
	sort.Slice(tempIDs, func(i, j int) bool { return tempIDs[i] < tempIDs[j] })

	assigned := 0
	for _, tempID := range tempIDs {
		port, ok := e.ports.GetPort(tempID)
		if !ok {
			log.Warn("Skipping identity assignment: plugin has no port", "temp_id", tempID)
			continue
		}
		ev := message.IdentityAssignment{TempID: tempID, TrackID: mappings[tempID]}
		if _, err := e.sender.SendCriticalEvent(ev, e.dest(port)); err != nil {
			log.Warn("Identity assignment not sent", "temp_id", tempID, "port", port, "error", err)
			continue
		}
		assigned++
	}
	return assigned
}

// broadcast 以 fire-and-forget 送到所有已租用的埠，依速率限制
func (e *Engine) broadcast(ctx context.Context, ev message.Event) {
	ports := e.ports.LeasedPorts()
	for _, port := range ports {
		if err := e.limiter.Wait(ctx); err != nil {
			log.Warn("Broadcast interrupted", "address", ev.Address(), "error", err)
			return
		}
		if err := e.sender.SendEvent(ev, e.dest(port)); err != nil {
			log.Warn("Broadcast send failed", "address", ev.Address(), "port", port, "error", err)
		}
	}
	log.Debug("Broadcast sent", "address", ev.Address(), "ports", len(ports))
}

// stopTone 在原 ctx 取消後仍能送出
func (e *Engine) stopTone(ctx context.Context) {
	e.broadcast(context.WithoutCancel(ctx), message.ToneCommand{Start: false})
}

func (e *Engine) dest(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(e.cfg.PluginHost, port)
}

func (e *Engine) mixerFailure(op string, tr types.Track, err error) error {
	return &FailureError{
		Reason: fmt.Sprintf("%s %q", op, tr.Name),
		Cause:  fmt.Errorf("%w: %v", ErrMixer, err),
	}
}

// ============================================================================
// 入站事件
// ============================================================================

// HandleEvent 處理 dispatch 迴圈轉交的事件；回傳是否已處理
func (e *Engine) HandleEvent(ev message.Event) bool {
	switch ev := ev.(type) {
	case message.RMSResponse:
		if !e.collector.Add(ev.QueryID, ev.TempID, ev.RMS) {
			log.Debug("Dropping RMS response for closed query", "query_id", ev.QueryID, "temp_id", ev.TempID)
		}
		return true
	case message.IdentityConfirmation:
		e.mu.Lock()
		e.confirmed[ev.TempID] = ev.TrackID
		e.mu.Unlock()
		log.Info("Identity confirmed", "temp_id", ev.TempID, "track_id", ev.TrackID, "status", ev.Status)
		return true
	case message.ToneStatus:
		log.Debug("Tone status", "temp_id", ev.TempID, "started", ev.Started, "frequency", ev.Frequency)
		return true
	}
	return false
}

// ============================================================================
// 查詢與訂閱
// ============================================================================

// State 回傳目前狀態
func (e *Engine) State() types.CalibrationState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Mappings 回傳最近一次（或目前）執行的配對副本
func (e *Engine) Mappings() map[types.TempID]types.TrackID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[types.TempID]types.TrackID, len(e.mappings))
	for k, v := range e.mappings {
		out[k] = v
	}
	return out
}

// Confirmed 回傳已回覆 identity_confirmed 的外掛
func (e *Engine) Confirmed() map[types.TempID]types.TrackID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[types.TempID]types.TrackID, len(e.confirmed))
	for k, v := range e.confirmed {
		out[k] = v
	}
	return out
}

// Subscribe 訂閱狀態變化
//
// channel 只保留最新狀態：觀察者跟不上時舊狀態會被覆蓋。呼叫 cancel 取消訂閱。
func (e *Engine) Subscribe() (<-chan types.CalibrationState, func()) {
	ch := make(chan types.CalibrationState, 1)

	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	ch <- e.state
	e.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
	return ch, cancel
}

// resetRun 清除上一次執行的狀態
func (e *Engine) resetRun() {
	e.mu.Lock()
	e.mappings = make(map[types.TempID]types.TrackID)
	e.confirmed = make(map[types.TempID]types.TrackID)
	e.mu.Unlock()

	e.publish(func(s *types.CalibrationState) {
		*s = types.CalibrationState{Phase: types.PhaseIdle}
	})
}

// publish 修改狀態並推送給所有訂閱者
func (e *Engine) publish(mutate func(s *types.CalibrationState)) {
	e.mu.Lock()
	prev := e.state.Phase
	mutate(&e.state)
	e.state.UpdatedAt = time.Now()
	st := e.state
	for _, ch := range e.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- st
		}
	}
	e.mu.Unlock()

	if prev != st.Phase {
		log.Info("Calibration state changed", "from", prev, "to", st.String())
	}
	if e.cfg.Recorder != nil {
		e.cfg.Recorder.SetCalibrationProgress(st.Progress)
	}
}

func (e *Engine) recordRun(result string, d time.Duration) {
	if e.cfg.Recorder != nil {
		e.cfg.Recorder.RecordCalibrationRun(result, d)
	}
}

func (e *Engine) recordProbe(respondents int, matched bool) {
	if e.cfg.Recorder != nil {
		e.cfg.Recorder.RecordProbe(respondents, matched)
	}
}

// sleep 可取消的等待
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
