package calibration

import (
	"math"

	"github.com/ChuLiYu/trackprobe/pkg/types"
)

// DefaultThresholdDBFS 活動門檻
const DefaultThresholdDBFS = -60.0

// silenceFloor 避免 log10(0)
const silenceFloor = 1e-10

// ToDBFS 將線性 RMS 轉為 dBFS
func ToDBFS(rms float32) float64 {
	v := float64(rms)
	if v < silenceFloor {
		v = silenceFloor
	}
	return 20 * math.Log10(v)
}

// SelectPolicy 從一次探測的回應中挑出對應的外掛
//
// responses 已排除 excludedPlugins 且依 tempID 排序。
type SelectPolicy interface {
	Select(responses []Response, thresholdDBFS float64) (types.TempID, bool)
}

// SelectFunc 讓普通函式實作 SelectPolicy
type SelectFunc func(responses []Response, thresholdDBFS float64) (types.TempID, bool)

// Select 呼叫 f
func (f SelectFunc) Select(responses []Response, thresholdDBFS float64) (types.TempID, bool) {
	return f(responses, thresholdDBFS)
}

// HighestRMS 在超過門檻的回應中選 RMS 最高者
//
// 用來對抗相鄰音軌的聲學洩漏，這是啟發式規則，不保證正確。
// 相同 RMS 時選 tempID 較小者，讓結果可重現。
var HighestRMS SelectPolicy = SelectFunc(func(responses []Response, thresholdDBFS float64) (types.TempID, bool) {
	var (
		best  types.TempID
		bestV float32
		found bool
	)
	for _, r := range responses {
		if ToDBFS(r.RMS) <= thresholdDBFS {
			continue
		}
		if !found || r.RMS > bestV {
			best, bestV, found = r.TempID, r.RMS, true
		}
	}
	return best, found
})
