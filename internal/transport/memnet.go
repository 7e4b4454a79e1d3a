package transport

import (
	"context"
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/trackprobe/internal/message"
)

// MemNetwork 行程內的模擬 UDP 網路
//
// 每個封包以獨立機率 loss 遺失；封包仍經過完整的編碼與解碼，
// 因此線路格式錯誤在測試中也會被發現。
type MemNetwork struct {
	mu        sync.Mutex
	host      netip.Addr
	endpoints map[uint16]*MemEndpoint
	nextPort  uint16
	loss      float64
	rng       *rand.Rand

	sent      atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// MemOption MemNetwork 選項
type MemOption func(*MemNetwork)

// WithLoss 設定獨立的封包遺失機率（0..1）
func WithLoss(p float64) MemOption {
	return func(n *MemNetwork) { n.loss = p }
}

// WithSeed 設定遺失判定用的亂數種子
func WithSeed(seed int64) MemOption {
	return func(n *MemNetwork) { n.rng = rand.New(rand.NewSource(seed)) }
}

// NewMemNetwork 建立模擬網路；所有端點位於 127.0.0.1
func NewMemNetwork(opts ...MemOption) *MemNetwork {
	n := &MemNetwork{
		host:      netip.MustParseAddr("127.0.0.1"),
		endpoints: make(map[uint16]*MemEndpoint),
		nextPort:  40000,
		rng:       rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// SetLoss 動態調整遺失率
func (n *MemNetwork) SetLoss(p float64) {
	n.mu.Lock()
	n.loss = p
	n.mu.Unlock()
}

// Listen 綁定指定埠；port 為 0 時分配臨時埠
func (n *MemNetwork) Listen(port uint16) (*MemEndpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if port == 0 {
		for {
			port = n.nextPort
			n.nextPort++
			if _, used := n.endpoints[port]; !used {
				break
			}
		}
	} else if _, used := n.endpoints[port]; used {
		return nil, fmt.Errorf("listen :%d: %w", port, ErrAddrInUse)
	}

	ep := &MemEndpoint{
		net:     n,
		addr:    netip.AddrPortFrom(n.host, port),
		inbound: make(chan Inbound, 1024),
	}
	n.endpoints[port] = ep
	return ep, nil
}

// Stats 回傳送出、送達、遺失的封包數
func (n *MemNetwork) Stats() (sent, delivered, dropped int64) {
	return n.sent.Load(), n.delivered.Load(), n.dropped.Load()
}

func (n *MemNetwork) release(port uint16, ep *MemEndpoint) {
	n.mu.Lock()
	if n.endpoints[port] == ep {
		delete(n.endpoints, port)
	}
	n.mu.Unlock()
}

func (n *MemNetwork) deliver(data []byte, from, dest netip.AddrPort) {
	n.sent.Add(1)

	n.mu.Lock()
	lost := n.loss > 0 && n.rng.Float64() < n.loss
	ep := n.endpoints[dest.Port()]
	n.mu.Unlock()

	if lost || ep == nil {
		n.dropped.Add(1)
		return
	}

	msg, err := message.Decode(data)
	if err != nil {
		n.dropped.Add(1)
		return
	}
	if ep.push(Inbound{Message: msg, From: from}) {
		n.delivered.Add(1)
	} else {
		n.dropped.Add(1)
	}
}

// MemEndpoint MemNetwork 上的一個綁定端點，實作 Transport
type MemEndpoint struct {
	net     *MemNetwork
	addr    netip.AddrPort
	inbound chan Inbound

	mu     sync.RWMutex
	closed bool
}

var _ Transport = (*MemEndpoint)(nil)

// Send 送出一次；遺失或目的地不存在時與 UDP 一樣靜默丟棄
func (e *MemEndpoint) Send(ctx context.Context, msg message.Message, dest netip.AddrPort) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	data, err := message.Encode(msg)
	if err != nil {
		return err
	}
	e.net.deliver(data, e.addr, dest)
	return nil
}

// Inbound 回傳入站 channel
func (e *MemEndpoint) Inbound() <-chan Inbound { return e.inbound }

// LocalAddr 回傳端點位址
func (e *MemEndpoint) LocalAddr() netip.AddrPort { return e.addr }

// Close 釋放埠並關閉入站 channel
func (e *MemEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.net.release(e.addr.Port(), e)
	close(e.inbound)
	return nil
}

func (e *MemEndpoint) push(in Inbound) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	select {
	case e.inbound <- in:
		return true
	default:
		return false
	}
}
