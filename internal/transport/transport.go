// ============================================================================
// Trackprobe Transport - 位址路由訊息的 UDP 傳輸層
// ============================================================================
//
// Package: internal/transport
// 文件: transport.go
// 功能: 送出與接收已解碼的訊息；不提供任何可靠性保證
//
// 實作:
//   - UDPTransport: 真實 UDP socket，讀取迴圈使用 100ms 讀取期限檢查關閉
//   - MemNetwork:   行程內網路，可設定獨立的封包遺失率（測試與模擬用）
//
// 入站模型:
//   每個 Transport 只有一條入站 channel，由擁有它的元件以單一 dispatch
//   迴圈消費；解碼失敗的封包在邊界上丟棄並計數。
//
// ============================================================================

package transport

import (
	"context"
	"errors"
	"net/netip"

	"github.com/ChuLiYu/trackprobe/internal/message"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrClosed 傳輸層已關閉
	ErrClosed = errors.New("transport: closed")
	// ErrAddrInUse 位址已被佔用（MemNetwork 綁定衝突）
	ErrAddrInUse = errors.New("transport: address already in use")
)

// Inbound 一則已解碼的入站訊息及其來源位址
type Inbound struct {
	Message message.Message
	From    netip.AddrPort
}

// Transport 位址路由訊息的盡力傳送介面
type Transport interface {
	// Send 嘗試送出一次；不重試
	Send(ctx context.Context, msg message.Message, dest netip.AddrPort) error
	// Inbound 回傳入站訊息 channel；Close 後會被關閉
	Inbound() <-chan Inbound
	// LocalAddr 回傳本地綁定位址
	LocalAddr() netip.AddrPort
	// Close 關閉傳輸層
	Close() error
}

// DropHook 封包在邊界被丟棄時的回呼（解碼失敗或入站佇列已滿）
type DropHook func(reason string, err error)
