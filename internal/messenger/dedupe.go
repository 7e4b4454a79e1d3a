package messenger

import (
	"net/netip"
	"sync"
	"time"

	"github.com/ChuLiYu/trackprobe/internal/transport"
)

// DefaultDedupeTTL 重複副本的記憶時間
const DefaultDedupeTTL = 5 * time.Second

type dedupeKey struct {
	address string
	from    netip.AddrPort
	seq     uint32
}

// Dedupe 接收端的重複副本過濾器
//
// 記住 (address, sender, seq) 一段 TTL，讓同一則關鍵訊息的冗餘副本只被
// 處理一次。沒有序號的訊息一律放行。接收端的處理仍需冪等：TTL 過期後
// 的遲到副本或重啟後重新從 0 開始的序號都可能再次通過。
type Dedupe struct {
	mu        sync.Mutex
	ttl       time.Duration
	seen      map[dedupeKey]time.Time
	now       func() time.Time
	lastPrune time.Time
}

// NewDedupe 建立過濾器；ttl <= 0 時使用 DefaultDedupeTTL
func NewDedupe(ttl time.Duration) *Dedupe {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &Dedupe{
		ttl:  ttl,
		seen: make(map[dedupeKey]time.Time),
		now:  time.Now,
	}
}

// Duplicate 回報 in 是否為 TTL 內已見過的副本；第一次見到時記錄並回傳 false
func (d *Dedupe) Duplicate(in transport.Inbound) bool {
	seq, ok := in.Message.Seq()
	if !ok {
		return false
	}
	key := dedupeKey{address: in.Message.Address, from: in.From, seq: seq}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.pruneLocked(now)

	if at, ok := d.seen[key]; ok && now.Sub(at) <= d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Len 回傳目前記住的鍵數量
func (d *Dedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Dedupe) pruneLocked(now time.Time) {
	if now.Sub(d.lastPrune) < d.ttl/2 {
		return
	}
	d.lastPrune = now
	for k, at := range d.seen {
		if now.Sub(at) > d.ttl {
			delete(d.seen, k)
		}
	}
}
