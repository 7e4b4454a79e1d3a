// Package types 定義了 trackprobe 系統中使用的核心領域模型
package types

import (
	"fmt"
	"time"
)

// TempID 外掛實例在取得穩定身分前自行產生的臨時識別碼
type TempID string

// TrackID 混音台中具名音軌的穩定識別碼（例如 "TR1"）
type TrackID string

// Track 音軌名稱與識別碼的組合
type Track struct {
	Name string  `json:"name" yaml:"name"` // 音軌顯示名稱（例如 "Kick"）
	ID   TrackID `json:"id" yaml:"id"`     // 音軌穩定識別碼
}

// ============================================================================
// 連接埠租約
// ============================================================================

// PortLease 一個 tempID 對連接埠池中單一連接埠的獨佔租約
type PortLease struct {
	TempID    TempID    `json:"temp_id"`   // 租用者
	Port      uint16    `json:"port"`      // 租用的連接埠
	LeasedAt  time.Time `json:"leased_at"` // 租約建立時間
	Confirmed bool      `json:"confirmed"` // 外掛是否已回報綁定成功
}

// Age 回傳租約從建立到 now 經過的時間
func (l PortLease) Age(now time.Time) time.Duration {
	return now.Sub(l.LeasedAt)
}

// ============================================================================
// 外掛連線狀態機
// ============================================================================

// ConnectionState 外掛實例的連接埠協商狀態
type ConnectionState int

// 定義連線狀態常數
const (
	StateUnassigned ConnectionState = iota // 尚未送出請求
	StateRequesting                        // 已送出請求，等待回應
	StateAssigned                          // 已取得分配，尚未綁定
	StateBound                             // 綁定並確認成功（終態）
	StateFailed                            // 綁定失敗或重試耗盡
)

func (s ConnectionState) String() string {
	switch s {
	case StateUnassigned:
		return "Unassigned"
	case StateRequesting:
		return "Requesting"
	case StateAssigned:
		return "Assigned"
	case StateBound:
		return "Bound"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// PluginConnectionState 單一外掛實例的協商狀態快照
type PluginConnectionState struct {
	TempID        TempID          `json:"temp_id"`
	State         ConnectionState `json:"state"`
	AssignedPort  int             `json:"assigned_port"` // 未分配時為 -1
	RetryCount    int             `json:"retry_count"`
	LastRequestAt time.Time       `json:"last_request_at"`
	LastError     string          `json:"last_error,omitempty"`
}

// ============================================================================
// 校準狀態
// ============================================================================

// CalibrationPhase 校準流程所處的階段
type CalibrationPhase string

// 定義校準階段常數
const (
	PhaseIdle            CalibrationPhase = "idle"
	PhaseFetchingTracks  CalibrationPhase = "fetching_tracks"
	PhaseProbing         CalibrationPhase = "probing"
	PhaseProcessingProbe CalibrationPhase = "processing_probe"
	PhaseAssigning       CalibrationPhase = "assigning"
	PhaseCompleted       CalibrationPhase = "completed"
	PhaseFailed          CalibrationPhase = "failed"
)

// IsTerminal 判斷階段是否為終態
func (p CalibrationPhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// CalibrationState 提供給 UI 觀察者的校準狀態
type CalibrationState struct {
	Phase     CalibrationPhase `json:"phase"`
	Track     *Track           `json:"track,omitempty"`  // Probing / ProcessingProbe 時的目標音軌
	Mapped    int              `json:"mapped"`           // 已配對的音軌數
	Total     int              `json:"total"`            // 音軌總數
	Assigned  int              `json:"assigned"`         // 已送出身分指派的外掛數
	Progress  float64          `json:"progress"`         // Mapped / Total
	Reason    string           `json:"reason,omitempty"` // Failed 時的原因
	UpdatedAt time.Time        `json:"updated_at"`
}

func (s CalibrationState) String() string {
	switch s.Phase {
	case PhaseProbing, PhaseProcessingProbe:
		if s.Track != nil {
			return fmt.Sprintf("%s(%s)", s.Phase, s.Track.ID)
		}
	case PhaseCompleted:
		return fmt.Sprintf("%s(%d/%d)", s.Phase, s.Mapped, s.Total)
	case PhaseFailed:
		return fmt.Sprintf("%s(%s)", s.Phase, s.Reason)
	}
	return string(s.Phase)
}
