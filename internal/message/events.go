package message

// ============================================================================
// 職責說明：
// 1. 以位址為鍵的型別化事件，取代鴨子型別的參數陣列
// 2. DecodeEvent 在邊界上驗證參數數量與型別
// 3. 每個事件可用 ToMessage 轉回可送出的訊息
// ============================================================================

import (
	"github.com/ChuLiYu/trackprobe/pkg/types"
)

// Event 已解碼的領域事件
type Event interface {
	// Address 事件對應的訊息位址
	Address() string
	// Args 事件的線路參數（不含序號）
	Args() []TypedValue
}

// ToMessage 將事件轉為不帶序號的訊息
func ToMessage(ev Event) Message {
	return New(ev.Address(), ev.Args()...)
}

// PortRequest 外掛請求連接埠
type PortRequest struct {
	TempID        types.TempID
	PreferredPort int32 // NoPreferredPort 表示不指定
	ResponsePort  int32 // 接收回應的臨時連接埠
}

// Address 回傳 request_port
func (PortRequest) Address() string { return AddrRequestPort }

// Args 回傳 (tempID, preferredPort, responsePort)
func (e PortRequest) Args() []TypedValue {
	return []TypedValue{String(string(e.TempID)), Int32(e.PreferredPort), Int32(e.ResponsePort)}
}

// PortAssignment 協調器回覆分配結果
type PortAssignment struct {
	TempID types.TempID
	Port   int32
	Status string // StatusAssigned 或 StatusExhausted
}

// Address 回傳 port_assignment
func (PortAssignment) Address() string { return AddrPortAssignment }

// Args 回傳 (tempID, port, status)
func (e PortAssignment) Args() []TypedValue {
	return []TypedValue{String(string(e.TempID)), Int32(e.Port), String(e.Status)}
}

// PortConfirmation 外掛回報綁定結果
type PortConfirmation struct {
	TempID types.TempID
	Port   int32
	Status string // StatusBound 或 StatusFailed
}

// Address 回傳 port_confirmed
func (PortConfirmation) Address() string { return AddrPortConfirmed }

// Args 回傳 (tempID, port, status)
func (e PortConfirmation) Args() []TypedValue {
	return []TypedValue{String(string(e.TempID)), Int32(e.Port), String(e.Status)}
}

// ToneCommand 開始或停止校準音
type ToneCommand struct {
	Start       bool
	Frequency   float32
	AmplitudeDB float32
}

// Address 依 Start 回傳 start_tone 或 stop_tone
func (e ToneCommand) Address() string {
	if e.Start {
		return AddrStartTone
	}
	return AddrStopTone
}

// Args start_tone 帶 (frequency, amplitudeDB)；stop_tone 沒有參數
func (e ToneCommand) Args() []TypedValue {
	if !e.Start {
		return nil
	}
	return []TypedValue{Float32(e.Frequency), Float32(e.AmplitudeDB)}
}

// ToneStatus 外掛回報校準音已開始或已停止
type ToneStatus struct {
	TempID    types.TempID
	Started   bool
	Frequency float32 // 只有 Started 時有意義
}

// Address 依 Started 回傳 tone_started 或 tone_stopped
func (e ToneStatus) Address() string {
	if e.Started {
		return AddrToneStarted
	}
	return AddrToneStopped
}

// Args tone_started 帶 (tempID, frequency)；tone_stopped 只有 tempID
func (e ToneStatus) Args() []TypedValue {
	if !e.Started {
		return []TypedValue{String(string(e.TempID))}
	}
	return []TypedValue{String(string(e.TempID)), Float32(e.Frequency)}
}

// RMSQuery 廣播的 RMS 查詢
type RMSQuery struct {
	QueryID string
}

// Address 回傳 query_rms
func (RMSQuery) Address() string { return AddrQueryRMS }

// Args 回傳 (queryID)
func (e RMSQuery) Args() []TypedValue { return []TypedValue{String(e.QueryID)} }

// RMSResponse 外掛回報的線性 RMS 值
type RMSResponse struct {
	QueryID string
	TempID  types.TempID
	RMS     float32
}

// Address 回傳 rms_response
func (RMSResponse) Address() string { return AddrRMSResponse }

// Args 回傳 (queryID, tempID, rms)
func (e RMSResponse) Args() []TypedValue {
	return []TypedValue{String(e.QueryID), String(string(e.TempID)), Float32(e.RMS)}
}

// IdentityAssignment 協調器指派音軌身分
type IdentityAssignment struct {
	TempID  types.TempID
	TrackID types.TrackID
}

// Address 回傳 assign_identity
func (IdentityAssignment) Address() string { return AddrAssignIdentity }

// Args 回傳 (tempID, trackID)
func (e IdentityAssignment) Args() []TypedValue {
	return []TypedValue{String(string(e.TempID)), String(string(e.TrackID))}
}

// IdentityConfirmation 外掛確認已套用身分
type IdentityConfirmation struct {
	TempID  types.TempID
	TrackID types.TrackID
	Status  string
}

// Address 回傳 identity_confirmed
func (IdentityConfirmation) Address() string { return AddrIdentityConfirmed }

// Args 回傳 (tempID, trackID, status)
func (e IdentityConfirmation) Args() []TypedValue {
	return []TypedValue{String(string(e.TempID)), String(string(e.TrackID)), String(e.Status)}
}

// MixerCommand 靜音或取消靜音指定音軌
type MixerCommand struct {
	Mute      bool
	TrackName string
}

// Address 依 Mute 回傳 mixer/mute 或 mixer/unmute
func (e MixerCommand) Address() string {
	if e.Mute {
		return AddrMixerMute
	}
	return AddrMixerUnmute
}

// Args 回傳音軌名稱
func (e MixerCommand) Args() []TypedValue { return []TypedValue{String(e.TrackName)} }

// RMSTelemetry 外掛週期回報的音量；尚未指派身分時 TrackID 為空
type RMSTelemetry struct {
	TempID  types.TempID
	TrackID types.TrackID
	RMS     float32
}

// Address 已識別時為 rms，否則為 rms_unidentified
func (e RMSTelemetry) Address() string {
	if e.TrackID != "" {
		return AddrRMSTelemetry
	}
	return AddrRMSUnidentified
}

// Args 回傳 (tempID, [trackID,] rms)
func (e RMSTelemetry) Args() []TypedValue {
	if e.TrackID == "" {
		return []TypedValue{String(string(e.TempID)), Float32(e.RMS)}
	}
	return []TypedValue{String(string(e.TempID)), String(string(e.TrackID)), Float32(e.RMS)}
}

// ============================================================================
// 解碼
// ============================================================================

// DecodeEvent 依位址將訊息轉為型別化事件
//
// 錯誤處理：
//   - *ParseError: 參數數量或型別不符
//   - ErrUnknownAddress: 位址不在目錄中
func DecodeEvent(m Message) (Event, error) {
	r := argReader{msg: m}

	var ev Event
	switch m.Address {
	case AddrRequestPort:
		r.expect(3)
		ev = PortRequest{TempID: types.TempID(r.str(0)), PreferredPort: r.i32(1), ResponsePort: r.i32(2)}
	case AddrPortAssignment:
		r.expect(3)
		ev = PortAssignment{TempID: types.TempID(r.str(0)), Port: r.i32(1), Status: r.str(2)}
	case AddrPortConfirmed:
		r.expect(3)
		ev = PortConfirmation{TempID: types.TempID(r.str(0)), Port: r.i32(1), Status: r.str(2)}
	case AddrStartTone:
		r.expect(2)
		ev = ToneCommand{Start: true, Frequency: r.f32(0), AmplitudeDB: r.f32(1)}
	case AddrStopTone:
		r.expect(0)
		ev = ToneCommand{Start: false}
	case AddrToneStarted:
		r.expect(2)
		ev = ToneStatus{TempID: types.TempID(r.str(0)), Started: true, Frequency: r.f32(1)}
	case AddrToneStopped:
		r.expect(1)
		ev = ToneStatus{TempID: types.TempID(r.str(0))}
	case AddrQueryRMS:
		r.expect(1)
		ev = RMSQuery{QueryID: r.str(0)}
	case AddrRMSResponse:
		r.expect(3)
		ev = RMSResponse{QueryID: r.str(0), TempID: types.TempID(r.str(1)), RMS: r.f32(2)}
	case AddrAssignIdentity:
		r.expect(2)
		ev = IdentityAssignment{TempID: types.TempID(r.str(0)), TrackID: types.TrackID(r.str(1))}
	case AddrIdentityConfirmed:
		r.expect(3)
		ev = IdentityConfirmation{TempID: types.TempID(r.str(0)), TrackID: types.TrackID(r.str(1)), Status: r.str(2)}
	case AddrMixerMute, AddrMixerUnmute:
		r.expect(1)
		ev = MixerCommand{Mute: m.Address == AddrMixerMute, TrackName: r.str(0)}
	case AddrRMSTelemetry:
		r.expect(3)
		ev = RMSTelemetry{TempID: types.TempID(r.str(0)), TrackID: types.TrackID(r.str(1)), RMS: r.f32(2)}
	case AddrRMSUnidentified:
		r.expect(2)
		ev = RMSTelemetry{TempID: types.TempID(r.str(0)), RMS: r.f32(1)}
	default:
		return nil, ErrUnknownAddress
	}

	if r.err != nil {
		return nil, r.err
	}
	return ev, nil
}

// argReader 累積第一個錯誤，讓 DecodeEvent 保持線性
type argReader struct {
	msg Message
	err error
}

func (r *argReader) expect(n int) {
	if r.err == nil && len(r.msg.Args) != n {
		r.err = packetError(r.msg.Address, "expected %d args, got %d", n, len(r.msg.Args))
	}
}

func (r *argReader) arg(i int, want Kind) (TypedValue, bool) {
	if r.err != nil {
		return TypedValue{}, false
	}
	if i >= len(r.msg.Args) {
		r.err = argError(r.msg.Address, i, "missing %s", want)
		return TypedValue{}, false
	}
	a := r.msg.Args[i]
	if a.kind != want {
		r.err = argError(r.msg.Address, i, "expected %s, got %s", want, a.kind)
		return TypedValue{}, false
	}
	return a, true
}

func (r *argReader) str(i int) string {
	a, _ := r.arg(i, KindString)
	return a.s
}

func (r *argReader) i32(i int) int32 {
	a, _ := r.arg(i, KindInt32)
	return a.i
}

func (r *argReader) f32(i int) float32 {
	a, _ := r.arg(i, KindFloat32)
	return a.f
}
