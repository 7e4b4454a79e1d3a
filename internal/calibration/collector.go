package calibration

import (
	"sort"
	"sync"

	"github.com/ChuLiYu/trackprobe/pkg/types"
)

// Response 一個外掛對某次查詢的 RMS 回應
type Response struct {
	TempID types.TempID
	RMS    float32
}

// RMSCollector 依 queryID 分開收集 rms_response
//
// 只有已 Open 且尚未 Close 的 queryID 會接受回應；過期查詢的遲到回應
// 直接丟棄，不會污染目前的查詢。
type RMSCollector struct {
	mu   sync.Mutex
	open map[string]map[types.TempID]float32
}

// NewRMSCollector 建立收集器
func NewRMSCollector() *RMSCollector {
	return &RMSCollector{open: make(map[string]map[types.TempID]float32)}
}

// Open 開始收集 queryID 的回應
func (c *RMSCollector) Open(queryID string) {
	c.mu.Lock()
	c.open[queryID] = make(map[types.TempID]float32)
	c.mu.Unlock()
}

// Add 記錄一筆回應；queryID 未開啟時回傳 false
//
// 同一外掛重複回應時保留最後一筆。
func (c *RMSCollector) Add(queryID string, tempID types.TempID, rms float32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.open[queryID]
	if !ok {
		return false
	}
	buf[tempID] = rms
	return true
}

// Close 結束收集並回傳依 tempID 排序的回應
func (c *RMSCollector) Close(queryID string) []Response {
	c.mu.Lock()
	buf := c.open[queryID]
	delete(c.open, queryID)
	c.mu.Unlock()

	out := make([]Response, 0, len(buf))
	for tempID, rms := range buf {
		out = append(out, Response{TempID: tempID, RMS: rms})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TempID < out[j].TempID })
	return out
}

// Pending 回傳仍開啟的查詢數
func (c *RMSCollector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}
