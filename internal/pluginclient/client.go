// ============================================================================
// Trackprobe Plugin Port Client - 單一外掛實例的連接埠協商狀態機
// ============================================================================
//
// Package: internal/pluginclient
// 文件: client.go
// 功能: 向協調器租用獨佔連接埠、綁定、驗證並回報確認
//
// 狀態轉換:
//   Unassigned --送出請求--> Requesting
//   Requesting --收到 status="assigned"--> Assigned
//   Assigned   --綁定並驗證成功--> Bound（終態）
//   Assigned   --綁定失敗--> Failed
//   Requesting --逾時且仍有重試額度--> Requesting（重送）
//   Requesting --重試用盡--> Failed
//   Failed     --自動退避重試 / Retry()--> Requesting（重新開始整個協商）
//
// Actor 模型:
//   - 狀態只由 Run 的 goroutine 修改，沒有跨回呼共享的旗標
//   - 每個待回應的請求對應一個可取消的逾時計時器
//   - 計時器觸發時 actor 一次只處理一件事，不會出現並發的第二個請求
//   - State() 讀取的是 actor 發佈的快照
//
// 訊息:
//   request_port(tempID, -1, responsePort)      關鍵通道
//   port_assignment(tempID, port, status)       從協調器回到 responsePort
//   port_confirmed(tempID, port, bound|failed)  關鍵通道
//
// ============================================================================

package pluginclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/ChuLiYu/trackprobe/internal/message"
	"github.com/ChuLiYu/trackprobe/internal/messenger"
	"github.com/ChuLiYu/trackprobe/internal/transport"
	"github.com/ChuLiYu/trackprobe/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrRequestTimeout 重試用盡仍未收到指派
	ErrRequestTimeout = errors.New("port request timed out")
	// ErrAssignmentRejected 協調器拒絕指派（例如連接埠池耗盡）
	ErrAssignmentRejected = errors.New("port assignment rejected")
	// ErrBindFailed 無法綁定指派的連接埠
	ErrBindFailed = errors.New("bind failed")
	// ErrBindUnverified 綁定後驗證未通過
	ErrBindUnverified = errors.New("bind could not be verified")
	// ErrNotFailed 只有 Failed 狀態可以手動重試
	ErrNotFailed = errors.New("client is not in failed state")
)

// Sender 關鍵通道（*messenger.Messenger 實作）
type Sender interface {
	SendCriticalEvent(ev message.Event, dest netip.AddrPort) (uint32, error)
}

// Recorder 狀態轉換指標（可為 nil）
type Recorder interface {
	RecordPluginTransition(from, to types.ConnectionState)
}

// Config 客戶端設定
type Config struct {
	TempID         types.TempID
	Orchestrator   netip.AddrPort
	RequestTimeout time.Duration // T_req
	MaxRetries     int           // 每輪協商的最大請求次數
	AutoRetry      bool          // Failed 後依退避自動重試
	Backoff        BackoffConfig
	Recorder       Recorder
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = DefaultBackoff()
	}
	return c
}

// Client 一個外掛實例的連接埠協商者
type Client struct {
	cfg    Config
	ctrl   transport.Transport
	sender Sender
	binder Binder
	dedupe *messenger.Dedupe
	logger *slog.Logger
	rng    *rand.Rand

	retryCh chan struct{}
	boundCh chan struct{}

	// 以下欄位只由 actor goroutine 存取
	st           types.PluginConnectionState
	timeout      *time.Timer
	timeoutC     <-chan time.Time
	retryTimer   *time.Timer
	retryC       <-chan time.Time
	failedRounds int

	mu      sync.RWMutex
	snap    types.PluginConnectionState
	boundTr transport.Transport
}

// New 建立客戶端
//
// 參數：
//   - cfg: tempID、協調器位址、逾時與重試設定
//   - ctrl: 接收 port_assignment 的控制 socket；其埠號即 responsePort
//   - sender: 關鍵通道（通常是建立在 ctrl 之上的 Messenger）
//   - binder: 綁定與驗證指派埠
func New(cfg Config, ctrl transport.Transport, sender Sender, binder Binder) *Client {
	cfg = cfg.withDefaults()
	st := types.PluginConnectionState{TempID: cfg.TempID, State: types.StateUnassigned, AssignedPort: -1}
	return &Client{
		cfg:     cfg,
		ctrl:    ctrl,
		sender:  sender,
		binder:  binder,
		dedupe:  messenger.NewDedupe(0),
		logger:  slog.With("component", "plugin_client", "temp_id", cfg.TempID),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		retryCh: make(chan struct{}, 1),
		boundCh: make(chan struct{}),
		st:      st,
		snap:    st,
	}
}

// State 回傳最新的狀態快照
func (c *Client) State() types.PluginConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Bound 回傳在進入 Bound 時關閉的 channel
func (c *Client) Bound() <-chan struct{} { return c.boundCh }

// Transport 回傳綁定在指派埠上的傳輸層；尚未 Bound 時為 nil
func (c *Client) Transport() transport.Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.boundTr
}

// Retry 要求從 Failed 重新開始協商
func (c *Client) Retry() error {
	if c.State().State != types.StateFailed {
		return ErrNotFailed
	}
	select {
	case c.retryCh <- struct{}{}:
	default:
	}
	return nil
}

// Run 執行協商直到 Bound、ctx 結束或控制 socket 關閉
//
// 返回值：
//   - nil: 已 Bound
//   - ctx.Err() / transport.ErrClosed: 提前結束
func (c *Client) Run(ctx context.Context) error {
	defer c.stopTimers()

	c.startNegotiation()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case in, ok := <-c.ctrl.Inbound():
			if !ok {
				return transport.ErrClosed
			}
			if c.handleInbound(in) {
				return nil
			}

		case <-c.timeoutC:
			c.timeoutC = nil
			c.handleTimeout()

		case <-c.retryC:
			c.retryC = nil
			c.logger.Info("Automatic retry after failure", "round", c.failedRounds)
			c.startNegotiation()

		case <-c.retryCh:
			if c.st.State == types.StateFailed {
				c.logger.Info("Operator retry")
				c.stopRetryTimer()
				c.startNegotiation()
			}
		}
	}
}

// ============================================================================
// 狀態處理（只在 actor goroutine 中呼叫）
// ============================================================================

// startNegotiation 重置重試計數並送出第一個請求
func (c *Client) startNegotiation() {
	c.st.RetryCount = 0
	c.st.AssignedPort = -1
	c.st.LastError = ""
	c.sendRequest()
}

// sendRequest 送出 request_port 並設定逾時
func (c *Client) sendRequest() {
	if c.st.RetryCount >= c.cfg.MaxRetries {
		c.fail(fmt.Errorf("%w after %d attempts", ErrRequestTimeout, c.st.RetryCount))
		return
	}

	req := message.PortRequest{
		TempID:        c.cfg.TempID,
		PreferredPort: message.NoPreferredPort,
		ResponsePort:  int32(c.ctrl.LocalAddr().Port()),
	}
	c.st.RetryCount++
	c.st.LastRequestAt = time.Now()

	c.logger.Info("Requesting port assignment",
		"attempt", c.st.RetryCount,
		"max_retries", c.cfg.MaxRetries)

	c.transition(types.StateRequesting)
	if _, err := c.sender.SendCriticalEvent(req, c.cfg.Orchestrator); err != nil {
		c.logger.Warn("Port request not sent", "attempt", c.st.RetryCount, "error", err)
	}
	c.armTimeout()
}

func (c *Client) handleTimeout() {
	if c.st.State != types.StateRequesting {
		return
	}
	c.logger.Warn("Port request timed out",
		"retry_count", c.st.RetryCount,
		"timeout", c.cfg.RequestTimeout)
	c.sendRequest()
}

// handleInbound 處理控制 socket 上的訊息；進入 Bound 時回傳 true
func (c *Client) handleInbound(in transport.Inbound) bool {
	if c.dedupe.Duplicate(in) {
		return false
	}
	ev, err := message.DecodeEvent(in.Message)
	if err != nil {
		c.logger.Debug("Ignoring undecodable message", "address", in.Message.Address, "error", err)
		return false
	}
	assignment, ok := ev.(message.PortAssignment)
	if !ok {
		return false
	}
	if assignment.TempID != c.cfg.TempID {
		c.logger.Debug("Ignoring assignment for another plugin", "other", assignment.TempID)
		return false
	}
	if c.st.State != types.StateRequesting {
		// 冗餘副本或過期回應
		return false
	}
	return c.handleAssignment(assignment)
}

func (c *Client) handleAssignment(a message.PortAssignment) bool {
	c.stopTimeout()

	if a.Status != message.StatusAssigned || a.Port <= 0 || a.Port > 65535 {
		c.fail(fmt.Errorf("%w: status=%q port=%d", ErrAssignmentRejected, a.Status, a.Port))
		return false
	}

	port := uint16(a.Port)
	c.st.AssignedPort = int(a.Port)
	c.transition(types.StateAssigned)

	tr, err := c.binder.Bind(port)
	if err != nil {
		c.confirm(port, message.StatusFailed)
		c.fail(err)
		return false
	}

	c.mu.Lock()
	c.boundTr = tr
	c.mu.Unlock()

	c.confirm(port, message.StatusBound)
	c.failedRounds = 0
	c.transition(types.StateBound)
	close(c.boundCh)
	return true
}

func (c *Client) confirm(port uint16, status string) {
	conf := message.PortConfirmation{TempID: c.cfg.TempID, Port: int32(port), Status: status}
	if _, err := c.sender.SendCriticalEvent(conf, c.cfg.Orchestrator); err != nil {
		c.logger.Warn("Port confirmation not sent", "port", port, "status", status, "error", err)
	}
}

// fail 進入 Failed，必要時排程自動重試
func (c *Client) fail(err error) {
	c.stopTimeout()
	c.st.LastError = err.Error()
	c.failedRounds++

	c.logger.Error("Port negotiation failed",
		"retry_count", c.st.RetryCount,
		"reason", err)
	c.transition(types.StateFailed)

	if c.cfg.AutoRetry {
		delay := NextBackoffDelay(c.cfg.Backoff, c.failedRounds, c.rng)
		c.logger.Info("Scheduling automatic retry", "delay", delay, "round", c.failedRounds)
		c.stopRetryTimer()
		c.retryTimer = time.NewTimer(delay)
		c.retryC = c.retryTimer.C
	}
}

func (c *Client) transition(to types.ConnectionState) {
	from := c.st.State
	c.st.State = to

	c.mu.Lock()
	c.snap = c.st
	c.mu.Unlock()

	if from != to {
		c.logger.Info("Connection state changed", "from", from, "to", to, "port", c.st.AssignedPort)
	}
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.RecordPluginTransition(from, to)
	}
}

func (c *Client) armTimeout() {
	c.stopTimeout()
	c.timeout = time.NewTimer(c.cfg.RequestTimeout)
	c.timeoutC = c.timeout.C
}

func (c *Client) stopTimeout() {
	if c.timeout != nil {
		c.timeout.Stop()
		c.timeout = nil
	}
	c.timeoutC = nil
}

func (c *Client) stopRetryTimer() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.retryC = nil
}

func (c *Client) stopTimers() {
	c.stopTimeout()
	c.stopRetryTimer()
}
