// ============================================================================
// Trackprobe 訊息模型 - 位址路由的型別化訊息
// ============================================================================
//
// Package: internal/message
// 文件: message.go
// 功能: 定義訊息結構、位址目錄與狀態字串
//
// 訊息格式:
//   Message = 位址字串 + 可選序號 + 有序的型別化參數
//   - 只有關鍵（critical）訊息帶序號
//   - 序號在線路上以開頭的 'u' 參數表示
//
// 位址目錄:
//   外掛 → 協調器: request_port, port_confirmed, rms_response,
//                   identity_confirmed, tone_started, tone_stopped,
//                   rms, rms_unidentified（週期遙測）
//   協調器 → 外掛: port_assignment, start_tone, stop_tone, query_rms,
//                   assign_identity
//   協調器 → 混音台橋接: mixer/mute, mixer/unmute
//
// ============================================================================

package message

import (
	"strings"
)

// 位址目錄
const (
	AddressPrefix = "/trackprobe/"

	AddrRequestPort       = AddressPrefix + "request_port"
	AddrPortAssignment    = AddressPrefix + "port_assignment"
	AddrPortConfirmed     = AddressPrefix + "port_confirmed"
	AddrStartTone         = AddressPrefix + "start_tone"
	AddrStopTone          = AddressPrefix + "stop_tone"
	AddrToneStarted       = AddressPrefix + "tone_started"
	AddrToneStopped       = AddressPrefix + "tone_stopped"
	AddrQueryRMS          = AddressPrefix + "query_rms"
	AddrRMSResponse       = AddressPrefix + "rms_response"
	AddrAssignIdentity    = AddressPrefix + "assign_identity"
	AddrIdentityConfirmed = AddressPrefix + "identity_confirmed"
	AddrMixerMute         = AddressPrefix + "mixer/mute"
	AddrMixerUnmute       = AddressPrefix + "mixer/unmute"
	AddrRMSTelemetry      = AddressPrefix + "rms"
	AddrRMSUnidentified   = AddressPrefix + "rms_unidentified"
)

// 狀態字串
const (
	StatusAssigned  = "assigned"
	StatusExhausted = "exhausted"
	StatusBound     = "bound"
	StatusFailed    = "failed"
	StatusConfirmed = "confirmed"
)

// NoPreferredPort request_port 中表示「不指定」的偏好連接埠
const NoPreferredPort int32 = -1

// Message 位址路由的型別化訊息
type Message struct {
	Address  string       // 位址樣式，例如 /trackprobe/request_port
	Sequence *uint32      // 只有關鍵訊息才有
	Args     []TypedValue // 有序參數
}

// New 建立不帶序號的訊息
func New(address string, args ...TypedValue) Message {
	return Message{Address: address, Args: args}
}

// WithSequence 回傳帶有序號的副本
func (m Message) WithSequence(seq uint32) Message {
	s := seq
	m.Sequence = &s
	return m
}

// IsCritical 訊息是否帶有序號
func (m Message) IsCritical() bool {
	return m.Sequence != nil
}

// Seq 回傳序號；不帶序號時 ok 為 false
func (m Message) Seq() (uint32, bool) {
	if m.Sequence == nil {
		return 0, false
	}
	return *m.Sequence, true
}

// Name 回傳去掉前綴的位址，用於日誌與指標標籤
func (m Message) Name() string {
	return strings.TrimPrefix(m.Address, AddressPrefix)
}

func (m Message) String() string {
	var b strings.Builder
	b.WriteString(m.Address)
	if m.Sequence != nil {
		b.WriteString("#")
		b.WriteString(Uint32(*m.Sequence).String())
	}
	b.WriteString("(")
	for i, a := range m.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.String())
	}
	b.WriteString(")")
	return b.String()
}
