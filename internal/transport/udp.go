package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/trackprobe/internal/message"
)

// UDPConfig UDP 傳輸層設定
type UDPConfig struct {
	ListenAddr    string        // 例如 "127.0.0.1:8999"；埠號 0 代表臨時埠
	InboundBuffer int           // 入站 channel 緩衝大小
	ReadDeadline  time.Duration // 讀取期限，用於週期性檢查關閉
	OnDrop        DropHook      // 可選
}

func (c UDPConfig) withDefaults() UDPConfig {
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 1024
	}
	if c.ReadDeadline <= 0 {
		c.ReadDeadline = 100 * time.Millisecond
	}
	return c
}

// UDPTransport 以單一 UDP socket 實作 Transport
type UDPTransport struct {
	conn    *net.UDPConn
	cfg     UDPConfig
	inbound chan Inbound
	logger  *slog.Logger

	shutdown  chan struct{}
	running   atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenUDP 綁定位址並啟動讀取迴圈
func ListenUDP(cfg UDPConfig) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", cfg.ListenAddr, err)
	}
	return NewUDP(conn, cfg), nil
}

// NewUDP 包裝已綁定的 socket（外掛綁定指派埠後使用）
func NewUDP(conn *net.UDPConn, cfg UDPConfig) *UDPTransport {
	cfg = cfg.withDefaults()
	t := &UDPTransport{
		conn:     conn,
		cfg:      cfg,
		inbound:  make(chan Inbound, cfg.InboundBuffer),
		shutdown: make(chan struct{}),
		logger:   slog.With("component", "udp_transport", "local", conn.LocalAddr().String()),
	}
	t.running.Store(true)
	t.wg.Add(1)
	go t.readLoop()
	return t
}

// Send 編碼並送出一次
func (t *UDPTransport) Send(ctx context.Context, msg message.Message, dest netip.AddrPort) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.running.Load() {
		return ErrClosed
	}
	data, err := message.Encode(msg)
	if err != nil {
		return err
	}
	if _, err := t.conn.WriteToUDPAddrPort(data, dest); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Name(), dest, err)
	}
	return nil
}

// Inbound 回傳入站 channel
func (t *UDPTransport) Inbound() <-chan Inbound {
	return t.inbound
}

// LocalAddr 回傳本地綁定位址
func (t *UDPTransport) LocalAddr() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Close 停止讀取迴圈並關閉 socket
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.running.Store(false)
		close(t.shutdown)
		err = t.conn.Close()
		t.wg.Wait()
		close(t.inbound)
	})
	return err
}

// readLoop 讀取封包、解碼並推入入站 channel
func (t *UDPTransport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, 65536)

	for t.running.Load() {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.cfg.ReadDeadline))

		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-t.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn("UDP read failed", "error", err)
			continue
		}

		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		msg, err := message.Decode(buf[:n])
		if err != nil {
			t.drop("decode", err)
			continue
		}

		select {
		case t.inbound <- Inbound{Message: msg, From: from}:
		case <-t.shutdown:
			return
		default:
			t.drop("inbound_full", nil)
		}
	}
}

func (t *UDPTransport) drop(reason string, err error) {
	t.logger.Debug("Dropped inbound packet", "reason", reason, "error", err)
	if t.cfg.OnDrop != nil {
		t.cfg.OnDrop(reason, err)
	}
}
