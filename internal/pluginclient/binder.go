package pluginclient

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/ChuLiYu/trackprobe/internal/transport"
)

// Binder 綁定指派的連接埠並驗證確實取得獨佔
//
// 驗證方式：取得 socket 後再嘗試一次相同位址的綁定，第二次必須失敗。
// 若第二次成功，代表埠被共享（或綁定訊號不可靠），視為綁定失敗。
type Binder interface {
	Bind(port uint16) (transport.Transport, error)
}

// UDPBinder 在真實 UDP socket 上綁定
type UDPBinder struct {
	Host   netip.Addr
	Config transport.UDPConfig
}

// Bind 綁定 Host:port 並驗證獨佔
func (b UDPBinder) Bind(port uint16) (transport.Transport, error) {
	host := b.Host
	if !host.IsValid() {
		host = netip.MustParseAddr("127.0.0.1")
	}
	addr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(host, port))

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	probe, err := net.ListenUDP("udp", addr)
	if err == nil {
		_ = probe.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("%w: port %d accepted a second bind", ErrBindUnverified, port)
	}

	cfg := b.Config
	cfg.ListenAddr = addr.String()
	return transport.NewUDP(conn, cfg), nil
}

// MemBinder 在 MemNetwork 上綁定（模擬模式與測試用）
type MemBinder struct {
	Net *transport.MemNetwork
}

// Bind 綁定 port 並驗證第二次綁定回傳 ErrAddrInUse
func (b MemBinder) Bind(port uint16) (transport.Transport, error) {
	ep, err := b.Net.Listen(port)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	probe, err := b.Net.Listen(port)
	if !errors.Is(err, transport.ErrAddrInUse) {
		if probe != nil {
			_ = probe.Close()
		}
		_ = ep.Close()
		return nil, fmt.Errorf("%w: port %d", ErrBindUnverified, port)
	}
	return ep, nil
}
