// ============================================================================
// Trackprobe Reliable Messenger - 冗餘傳送的控制平面通道
// ============================================================================
//
// Package: internal/messenger
// 文件: messenger.go
// 功能: 把盡力傳送的 UDP 變成「大概率送達」的控制平面通道
//
// 兩種傳送方式:
//   - SendCritical: 配發 (address, destination) 的下一個序號，然後在背景
//     以固定間隔傳送 k 份相同副本（預設 3 份、間隔 100ms）
//   - SendFireAndForget: 只傳送一次，沒有序號（高頻遙測用）
//
// 送達保證（機率性，不是絕對保證）:
//   在獨立的單封包遺失率 p 下，k 份副本至少一份送達的機率為 1 - p^k。
//   例如 p=0.5、k=3 時約 87.5%；要達到 99% 需 k >= 7。
//   沒有確認機制：接收端必須以冪等方式處理重複的副本（見 Dedupe）。
//
// 序號:
//   - 每個 (address, destination) 一個計數器，程序啟動時從 0 開始
//   - 配發與排程在同一把鎖下完成，排程失敗不消耗序號（無缺號、無重複）
//
// 失敗升級:
//   單一副本失敗不會通知呼叫者；只有全部 k 份都失敗時才記錄日誌、
//   計數並呼叫 OnExhausted（NetworkSendFailure）。
//
// ============================================================================

package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/trackprobe/internal/message"
	"github.com/ChuLiYu/trackprobe/internal/transport"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrClosed Messenger 已關閉
	ErrClosed = errors.New("messenger closed")
	// ErrQueueFull 背景傳送佇列已滿，無法排程
	ErrQueueFull = errors.New("messenger send queue full")
	// ErrSendFailed 所有冗餘副本都傳送失敗
	ErrSendFailed = errors.New("all redundant send attempts failed")
)

// 傳送種類（指標標籤）
const (
	KindCritical      = "critical"
	KindFireAndForget = "fire_and_forget"
)

// Recorder Messenger 的指標介面（可為 nil）
type Recorder interface {
	RecordSend(kind string, err error)
	RecordSendExhausted()
}

// ExhaustedFunc 全部副本失敗時的回呼
type ExhaustedFunc func(msg message.Message, dest netip.AddrPort, err error)

// Config Messenger 設定
type Config struct {
	Attempts    int           // 每則關鍵訊息的副本數
	Interval    time.Duration // 副本間隔
	Workers     int           // 背景 sender 數量
	QueueSize   int           // 背景佇列大小
	Recorder    Recorder      // 可選
	OnExhausted ExhaustedFunc // 可選
}

// DefaultConfig 回傳預設設定
func DefaultConfig() Config {
	return Config{
		Attempts:  3,
		Interval:  100 * time.Millisecond,
		Workers:   4,
		QueueSize: 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

type seqKey struct {
	address string
	dest    netip.AddrPort
}

// Messenger 在 Transport 之上提供冗餘傳送
type Messenger struct {
	tr     transport.Transport
	cfg    Config
	pool   *sendPool
	logger *slog.Logger
	closed atomic.Bool

	seqMu sync.Mutex
	seqs  map[seqKey]uint32

	pendingMu sync.Mutex
	pending   int
	idle      chan struct{} // pending 歸零時關閉
}

// New 建立 Messenger 並啟動背景傳送池
//
// 參數：
//   - tr: 底層傳輸層（不負責關閉）
//   - cfg: 副本數、間隔、工作池大小
func New(tr transport.Transport, cfg Config) *Messenger {
	cfg = cfg.withDefaults()
	idle := make(chan struct{})
	close(idle)
	return &Messenger{
		tr:     tr,
		cfg:    cfg,
		pool:   newSendPool(cfg.Workers, cfg.QueueSize),
		logger: slog.With("component", "messenger", "local", tr.LocalAddr().String()),
		seqs:   make(map[seqKey]uint32),
		idle:   idle,
	}
}

// Attempts 回傳每則關鍵訊息的副本數
func (m *Messenger) Attempts() int { return m.cfg.Attempts }

// SendCritical 以冗餘副本傳送關鍵訊息
//
// 參數說明：
//   - address: 訊息位址
//   - args: 訊息參數
//   - dest: 目的地
//
// 返回值：
//   - uint32: 配發給此訊息的序號
//   - error: ErrClosed / ErrQueueFull（只在無法排程時）
//
// 行為：
//   第一份副本立即排入背景佇列，其餘副本由計時器依間隔排入；
//   呼叫者不會等待任何副本實際送出。
func (m *Messenger) SendCritical(address string, args []message.TypedValue, dest netip.AddrPort) (uint32, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}

	job := &criticalJob{m: m, dest: dest, remaining: m.cfg.Attempts}
	m.addPending(m.cfg.Attempts)

	key := seqKey{address: address, dest: dest}
	m.seqMu.Lock()
	seq := m.seqs[key]
	job.msg = message.New(address, args...).WithSequence(seq)
	if err := m.pool.submit(job.task()); err != nil {
		m.seqMu.Unlock()
		m.donePending(m.cfg.Attempts)
		m.logger.Warn("Critical send not scheduled", "address", address, "dest", dest, "error", err)
		return 0, err
	}
	m.seqs[key] = seq + 1
	m.seqMu.Unlock()

	for i := 1; i < m.cfg.Attempts; i++ {
		time.AfterFunc(time.Duration(i)*m.cfg.Interval, func() {
			if err := m.pool.submit(job.task()); err != nil {
				job.copyDone(err)
			}
		})
	}
	return seq, nil
}

// SendCriticalEvent 以冗餘副本傳送型別化事件
func (m *Messenger) SendCriticalEvent(ev message.Event, dest netip.AddrPort) (uint32, error) {
	return m.SendCritical(ev.Address(), ev.Args(), dest)
}

// SendFireAndForget 傳送一次，沒有序號也不重試
//
// 失敗只記錄日誌與計數；錯誤仍回傳給呼叫者，由呼叫者決定是否忽略。
func (m *Messenger) SendFireAndForget(address string, args []message.TypedValue, dest netip.AddrPort) error {
	if m.closed.Load() {
		return ErrClosed
	}
	msg := message.New(address, args...)
	err := m.tr.Send(context.Background(), msg, dest)
	m.record(KindFireAndForget, err)
	if err != nil {
		m.logger.Debug("Fire-and-forget send failed", "address", address, "dest", dest, "error", err)
	}
	return err
}

// SendEvent 以 fire-and-forget 傳送型別化事件
func (m *Messenger) SendEvent(ev message.Event, dest netip.AddrPort) error {
	return m.SendFireAndForget(ev.Address(), ev.Args(), dest)
}

// Flush 等待所有已排程的副本完成（成功或失敗）
func (m *Messenger) Flush(ctx context.Context) error {
	m.pendingMu.Lock()
	idle := m.idle
	m.pendingMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止背景傳送池；尚未送出的副本以 ErrClosed 結束
func (m *Messenger) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.pool.stop()
	return nil
}

// ============================================================================
// 內部輔助
// ============================================================================

func (m *Messenger) addPending(n int) {
	m.pendingMu.Lock()
	if m.pending == 0 {
		m.idle = make(chan struct{})
	}
	m.pending += n
	m.pendingMu.Unlock()
}

func (m *Messenger) donePending(n int) {
	m.pendingMu.Lock()
	m.pending -= n
	if m.pending == 0 {
		close(m.idle)
	}
	m.pendingMu.Unlock()
}

func (m *Messenger) record(kind string, err error) {
	if m.cfg.Recorder != nil {
		m.cfg.Recorder.RecordSend(kind, err)
	}
}

// criticalJob 一則關鍵訊息的所有副本
type criticalJob struct {
	m    *Messenger
	msg  message.Message
	dest netip.AddrPort

	mu        sync.Mutex
	remaining int
	delivered int
	lastErr   error
}

func (j *criticalJob) task() sendTask {
	return sendTask{
		send: func(ctx context.Context) error { return j.m.tr.Send(ctx, j.msg, j.dest) },
		done: j.copyDone,
	}
}

func (j *criticalJob) copyDone(err error) {
	j.m.record(KindCritical, err)

	j.mu.Lock()
	j.remaining--
	if err == nil {
		j.delivered++
	} else {
		j.lastErr = err
	}
	finished := j.remaining == 0
	failed := finished && j.delivered == 0
	lastErr := j.lastErr
	j.mu.Unlock()

	if failed {
		j.exhausted(lastErr)
	}
	j.m.donePending(1)
}

func (j *criticalJob) exhausted(lastErr error) {
	seq, _ := j.msg.Seq()
	err := fmt.Errorf("%w: %s seq=%d to %s: %v", ErrSendFailed, j.msg.Name(), seq, j.dest, lastErr)
	j.m.logger.Error("Critical send exhausted",
		"address", j.msg.Address,
		"seq", seq,
		"dest", j.dest,
		"retry_count", j.m.cfg.Attempts,
		"reason", lastErr)
	if j.m.cfg.Recorder != nil {
		j.m.cfg.Recorder.RecordSendExhausted()
	}
	if j.m.cfg.OnExhausted != nil {
		j.m.cfg.OnExhausted(j.msg, j.dest, err)
	}
}
