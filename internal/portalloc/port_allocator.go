// ============================================================================
// Trackprobe 連接埠分配器 - 連接埠池的租約狀態機
// ============================================================================
//
// Package: internal/portalloc
// 文件: port_allocator.go
// 功能: 獨佔管理固定範圍的連接埠池；租用、確認、釋放與回收過期租約
//
// 設計理念:
//   與任務管理器相同的混合式設計：
//   1. leases map - 以 tempID 為鍵的租約，作為單一真實來源
//   2. byPort map - 以連接埠為鍵的反向索引，O(1) 查詢租用者
//   3. free 位元表 - 可用連接埠集合，分配時取最小可用埠（可重現、可測試）
//
// 租約生命週期:
//   (無) --AssignPort--> 未確認 --ConfirmBinding--> 已確認
//     ↑                     │                         │
//     └── ReleasePort / ReleasePortForPlugin / CleanupStale(僅未確認)
//
// 不變量:
//   - 一個連接埠最多出現在一個有效租約中
//   - 一個 tempID 最多持有一個有效租約
//   - len(leases) + AvailableCount() == 池大小
//
// 並發安全:
//   - 所有方法在同一把 sync.Mutex 下執行
//   - 任何方法都不會觀察到其他方法的中間狀態
//
// ============================================================================

package portalloc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/trackprobe/pkg/types"
)

var log = slog.Default().With("component", "port_allocator")

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPortExhausted 連接埠池已無可用埠
	ErrPortExhausted = errors.New("port pool exhausted")
	// ErrAssignmentMismatch 確認的連接埠與租約不符
	ErrAssignmentMismatch = errors.New("port confirmation does not match lease")
	// ErrLeaseNotFound tempID 沒有有效租約
	ErrLeaseNotFound = errors.New("lease not found")
	// ErrInvalidTempID tempID 為空
	ErrInvalidTempID = errors.New("temp id must not be empty")
	// ErrInvalidRange 連接埠範圍設定錯誤
	ErrInvalidRange = errors.New("invalid port range")
)

// 預設連接埠範圍
const (
	DefaultMinPort uint16 = 9000
	DefaultMaxPort uint16 = 9999
)

// Recorder 分配器的指標介面（可為 nil）
type Recorder interface {
	RecordLease()
	RecordRelease(reason string)
	RecordExhausted()
	SetPoolStats(leased, available int)
}

// Config 分配器設定
type Config struct {
	MinPort  uint16           // 含
	MaxPort  uint16           // 含
	Recorder Recorder         // 可選
	Now      func() time.Time // 可選，測試用時鐘
}

// Allocator 連接埠池的唯一擁有者
type Allocator struct {
	mu        sync.Mutex
	minPort   uint16
	maxPort   uint16
	free      []bool                            // free[port-minPort] 為 true 代表可用
	available int                               // 可用埠數量
	leases    map[types.TempID]*types.PortLease // 以 tempID 為鍵的租約
	byPort    map[uint16]types.TempID           // 反向索引
	recorder  Recorder
	now       func() time.Time
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立分配器實例
//
// 參數：
//   - cfg: 連接埠範圍與可選的指標、時鐘
//
// 返回值：
//   - *Allocator: 初始化完成、所有埠皆可用的分配器
//   - error: 範圍無效時回傳 ErrInvalidRange
//
// 使用範例：
//
//	alloc, err := portalloc.New(portalloc.Config{MinPort: 9000, MaxPort: 9999})
//	port, err := alloc.AssignPort("plugin-a", portalloc.NoPreference)
func New(cfg Config) (*Allocator, error) {
	if cfg.MinPort == 0 && cfg.MaxPort == 0 {
		cfg.MinPort, cfg.MaxPort = DefaultMinPort, DefaultMaxPort
	}
	if cfg.MinPort == 0 || cfg.MaxPort < cfg.MinPort {
		return nil, fmt.Errorf("%w: [%d,%d]", ErrInvalidRange, cfg.MinPort, cfg.MaxPort)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	size := int(cfg.MaxPort-cfg.MinPort) + 1
	free := make([]bool, size)
	for i := range free {
		free[i] = true
	}

	a := &Allocator{
		minPort:   cfg.MinPort,
		maxPort:   cfg.MaxPort,
		free:      free,
		available: size,
		leases:    make(map[types.TempID]*types.PortLease),
		byPort:    make(map[uint16]types.TempID),
		recorder:  cfg.Recorder,
		now:       cfg.Now,
	}
	a.publishStats()
	return a, nil
}

// NoPreference AssignPort 不指定偏好埠
const NoPreference = -1

// AssignPort 為 tempID 租用一個連接埠
//
// 參數說明：
//   - tempID: 外掛實例的臨時識別碼
//   - preferredPort: 偏好埠；NoPreference 或超出範圍、已被佔用時忽略
//
// 返回值：
//   - uint16: 租用的連接埠
//   - error: ErrPortExhausted / ErrInvalidTempID
//
// 冪等性：
//   tempID 已持有租約時回傳同一個埠，不消耗新的名額
//
// 併發安全：使用互斥鎖保護
func (a *Allocator) AssignPort(tempID types.TempID, preferredPort int) (uint16, error) {
	if tempID == "" {
		return 0, ErrInvalidTempID
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// 已有租約：直接回傳
	if lease, ok := a.leases[tempID]; ok {
		return lease.Port, nil
	}

	if a.available == 0 {
		if a.recorder != nil {
			a.recorder.RecordExhausted()
		}
		log.Warn("Port pool exhausted", "temp_id", tempID, "pool_size", len(a.free))
		return 0, ErrPortExhausted
	}

	port, ok := a.takePreferred(preferredPort)
	if !ok {
		port = a.takeLowest()
	}

	a.leases[tempID] = &types.PortLease{
		TempID:   tempID,
		Port:     port,
		LeasedAt: a.now(),
	}
	a.byPort[port] = tempID

	if a.recorder != nil {
		a.recorder.RecordLease()
	}
	a.publishStats()

	log.Debug("Port leased", "temp_id", tempID, "port", port, "available", a.available)
	return port, nil
}

// ConfirmBinding 外掛回報綁定成功時確認租約
//
// 只有租約的埠與 port 完全相同時才成功；否則不改變任何狀態並回傳 false。
//
// 併發安全：使用互斥鎖保護
func (a *Allocator) ConfirmBinding(tempID types.TempID, port uint16) bool {
	return a.Confirm(tempID, port) == nil
}

// Confirm 與 ConfirmBinding 相同，但回傳失敗原因
//
// 錯誤處理：
//   - ErrLeaseNotFound: tempID 沒有租約
//   - ErrAssignmentMismatch: 租約的埠不是 port
func (a *Allocator) Confirm(tempID types.TempID, port uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	lease, ok := a.leases[tempID]
	if !ok {
		return ErrLeaseNotFound
	}
	if lease.Port != port {
		return fmt.Errorf("%w: temp_id=%s leased=%d confirmed=%d",
			ErrAssignmentMismatch, tempID, lease.Port, port)
	}
	lease.Confirmed = true
	return nil
}

// ReleasePort 釋放指定埠；埠未被租用時為 no-op（記錄日誌）
//
// 返回值：
//   - bool: 是否真的釋放了租約
//
// 併發安全：使用互斥鎖保護
func (a *Allocator) ReleasePort(port uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	tempID, ok := a.byPort[port]
	if !ok {
		log.Debug("Release ignored: port not leased", "port", port)
		return false
	}
	a.releaseLocked(tempID, "explicit")
	return true
}

// ReleasePortForPlugin 釋放 tempID 持有的埠；沒有租約時為 no-op（記錄日誌）
//
// 併發安全：使用互斥鎖保護
func (a *Allocator) ReleasePortForPlugin(tempID types.TempID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.leases[tempID]; !ok {
		log.Debug("Release ignored: no lease for plugin", "temp_id", tempID)
		return false
	}
	a.releaseLocked(tempID, "explicit")
	return true
}

// CleanupStale 回收所有超過 maxAge 且從未確認的租約
//
// 參數說明：
//   - maxAge: 未確認租約的最長存活時間
//
// 返回值：
//   - int: 回收的租約數量
//
// 用途：由背景 ticker 週期性呼叫（見 RunCleanup），不在每次請求時執行
//
// 併發安全：使用互斥鎖保護
func (a *Allocator) CleanupStale(maxAge time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	var stale []types.TempID
	for tempID, lease := range a.leases {
		if !lease.Confirmed && lease.Age(now) > maxAge {
			stale = append(stale, tempID)
		}
	}

	for _, tempID := range stale {
		log.Info("Reclaiming stale lease",
			"temp_id", tempID,
			"port", a.leases[tempID].Port,
			"age", a.leases[tempID].Age(now))
		a.releaseLocked(tempID, "stale")
	}
	return len(stale)
}

// RunCleanup 以固定間隔執行 CleanupStale，直到 ctx 結束
func (a *Allocator) RunCleanup(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.CleanupStale(maxAge); n > 0 {
				log.Info("Stale leases reclaimed", "count", n)
			}
		}
	}
}

// ============================================================================
// 查詢方法
// ============================================================================

// GetPort 查詢 tempID 租用的埠
func (a *Allocator) GetPort(tempID types.TempID) (uint16, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	lease, ok := a.leases[tempID]
	if !ok {
		return 0, false
	}
	return lease.Port, true
}

// GetPluginAt 查詢租用 port 的 tempID
func (a *Allocator) GetPluginAt(port uint16) (types.TempID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tempID, ok := a.byPort[port]
	return tempID, ok
}

// AvailableCount 回傳可用埠數量
func (a *Allocator) AvailableCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available
}

// LeasedPorts 回傳所有已租用的埠（遞增排序），用於廣播
func (a *Allocator) LeasedPorts() []uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()

	ports := make([]uint16, 0, len(a.byPort))
	for port := range a.byPort {
		ports = append(ports, port)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// Leases 回傳所有租約的副本（依埠排序），用於診斷
func (a *Allocator) Leases() []types.PortLease {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]types.PortLease, 0, len(a.leases))
	for _, lease := range a.leases {
		out = append(out, *lease)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Stats 取得分配器統計
//
// 返回值：
//   - map[string]int: leased / confirmed / available / pool_size
func (a *Allocator) Stats() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	confirmed := 0
	for _, lease := range a.leases {
		if lease.Confirmed {
			confirmed++
		}
	}
	return map[string]int{
		"leased":    len(a.leases),
		"confirmed": confirmed,
		"available": a.available,
		"pool_size": len(a.free),
	}
}

// ============================================================================
// 內部輔助方法（呼叫者需持有鎖）
// ============================================================================

func (a *Allocator) takePreferred(preferred int) (uint16, bool) {
	if preferred < int(a.minPort) || preferred > int(a.maxPort) {
		return 0, false
	}
	idx := preferred - int(a.minPort)
	if !a.free[idx] {
		return 0, false
	}
	a.free[idx] = false
	a.available--
	return uint16(preferred), true
}

func (a *Allocator) takeLowest() uint16 {
	for i, ok := range a.free {
		if ok {
			a.free[i] = false
			a.available--
			return a.minPort + uint16(i)
		}
	}
	// available > 0 時不會到達這裡
	panic("portalloc: available count out of sync with free set")
}

func (a *Allocator) releaseLocked(tempID types.TempID, reason string) {
	lease := a.leases[tempID]
	delete(a.leases, tempID)
	delete(a.byPort, lease.Port)
	a.free[lease.Port-a.minPort] = true
	a.available++

	if a.recorder != nil {
		a.recorder.RecordRelease(reason)
	}
	a.publishStats()

	log.Debug("Port released", "temp_id", tempID, "port", lease.Port, "reason", reason)
}

func (a *Allocator) publishStats() {
	if a.recorder != nil {
		a.recorder.SetPoolStats(len(a.leases), a.available)
	}
}
