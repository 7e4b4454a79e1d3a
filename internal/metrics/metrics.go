// ============================================================================
// Trackprobe Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露協調器運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 連接埠池:
//      - trackprobe_port_leases_total: 租約建立總數
//      - trackprobe_port_releases_total{reason}: 釋放總數（explicit / stale）
//      - trackprobe_port_exhausted_total: 連接埠池耗盡次數
//      - trackprobe_ports_leased / trackprobe_ports_available: 目前池狀態
//
//   2. 訊息通道:
//      - trackprobe_messages_sent_total{kind,result}: 每份副本的傳送結果
//      - trackprobe_critical_exhausted_total: 全部冗餘副本都失敗的關鍵訊息
//      - trackprobe_messages_dropped_total{reason}: 入站丟棄（decode / inbound_full）
//
//   3. 外掛協商:
//      - trackprobe_plugin_transitions_total{to}: 連線狀態轉換
//
//   4. 校準:
//      - trackprobe_calibration_runs_total{result}: completed / failed / rejected
//      - trackprobe_calibration_duration_seconds: 每次執行耗時
//      - trackprobe_calibration_progress: 目前進度（0..1）
//      - trackprobe_probe_respondents: 每次探測的回應數分佈
//      - trackprobe_probes_total{result}: matched / unmapped
//
// Prometheus 查詢示例:
//
//   # 關鍵訊息失敗率
//   rate(trackprobe_critical_exhausted_total[5m])
//
//   # 池使用率
//   trackprobe_ports_leased / (trackprobe_ports_leased + trackprobe_ports_available)
//
//   # 未對應的探測比例
//   rate(trackprobe_probes_total{result="unmapped"}[1h]) / rate(trackprobe_probes_total[1h])
//
// HTTP 端點:
//   Handler() 回傳 /metrics 處理器，由 internal/server 掛載
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/trackprobe/pkg/types"
)

// Collector Prometheus 指標收集器
//
// 同時實作 portalloc.Recorder、messenger.Recorder、pluginclient.Recorder
// 與 calibration.Recorder；也可作為 transport.DropHook 使用（RecordDrop）。
type Collector struct {
	// 連接埠池
	leases    prometheus.Counter
	releases  *prometheus.CounterVec
	exhausted prometheus.Counter
	leased    prometheus.Gauge
	available prometheus.Gauge

	// 訊息
	sent          *prometheus.CounterVec
	sendExhausted prometheus.Counter
	dropped       *prometheus.CounterVec

	// 外掛
	transitions *prometheus.CounterVec

	// 校準
	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
	progress    prometheus.Gauge
	respondents prometheus.Histogram
	probes      *prometheus.CounterVec
}

// NewCollector 創建新的指標收集器並註冊到 DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		leases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trackprobe_port_leases_total",
			Help: "Total number of port leases granted",
		}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trackprobe_port_releases_total",
			Help: "Total number of port leases released, by reason",
		}, []string{"reason"}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trackprobe_port_exhausted_total",
			Help: "Total number of port requests rejected because the pool was empty",
		}),
		leased: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trackprobe_ports_leased",
			Help: "Current number of leased ports",
		}),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trackprobe_ports_available",
			Help: "Current number of available ports",
		}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trackprobe_messages_sent_total",
			Help: "Total number of message transmissions, by kind and result",
		}, []string{"kind", "result"}),
		sendExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trackprobe_critical_exhausted_total",
			Help: "Total number of critical messages whose every redundant copy failed",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trackprobe_messages_dropped_total",
			Help: "Total number of inbound packets dropped at the transport boundary",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trackprobe_plugin_transitions_total",
			Help: "Total number of plugin connection state transitions, by target state",
		}, []string{"to"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trackprobe_calibration_runs_total",
			Help: "Total number of calibration runs, by result",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trackprobe_calibration_duration_seconds",
			Help:    "Calibration run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trackprobe_calibration_progress",
			Help: "Progress of the current calibration run (mapped/total)",
		}),
		respondents: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trackprobe_probe_respondents",
			Help:    "Number of RMS responses collected per probe",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trackprobe_probes_total",
			Help: "Total number of track probes, by result",
		}, []string{"result"}),
	}

	// 註冊所有指標
	prometheus.MustRegister(c.leases)
	prometheus.MustRegister(c.releases)
	prometheus.MustRegister(c.exhausted)
	prometheus.MustRegister(c.leased)
	prometheus.MustRegister(c.available)
	prometheus.MustRegister(c.sent)
	prometheus.MustRegister(c.sendExhausted)
	prometheus.MustRegister(c.dropped)
	prometheus.MustRegister(c.transitions)
	prometheus.MustRegister(c.runs)
	prometheus.MustRegister(c.runDuration)
	prometheus.MustRegister(c.progress)
	prometheus.MustRegister(c.respondents)
	prometheus.MustRegister(c.probes)

	return c
}

// ============================================================================
// 連接埠池
// ============================================================================

// RecordLease 記錄租約建立
func (c *Collector) RecordLease() {
	c.leases.Inc()
}

// RecordRelease 記錄租約釋放
func (c *Collector) RecordRelease(reason string) {
	c.releases.WithLabelValues(reason).Inc()
}

// RecordExhausted 記錄連接埠池耗盡
func (c *Collector) RecordExhausted() {
	c.exhausted.Inc()
}

// SetPoolStats 更新池狀態
func (c *Collector) SetPoolStats(leased, available int) {
	c.leased.Set(float64(leased))
	c.available.Set(float64(available))
}

// ============================================================================
// 訊息
// ============================================================================

// RecordSend 記錄一次傳送
func (c *Collector) RecordSend(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.sent.WithLabelValues(kind, result).Inc()
}

// RecordSendExhausted 記錄關鍵訊息全部副本失敗
func (c *Collector) RecordSendExhausted() {
	c.sendExhausted.Inc()
}

// RecordDrop 記錄入站丟棄；簽名與 transport.DropHook 相同
func (c *Collector) RecordDrop(reason string, _ error) {
	c.dropped.WithLabelValues(reason).Inc()
}

// ============================================================================
// 外掛協商
// ============================================================================

// RecordPluginTransition 記錄連線狀態轉換
func (c *Collector) RecordPluginTransition(_, to types.ConnectionState) {
	c.transitions.WithLabelValues(to.String()).Inc()
}

// ============================================================================
// 校準
// ============================================================================

// RecordCalibrationRun 記錄一次校準結果
func (c *Collector) RecordCalibrationRun(result string, duration time.Duration) {
	c.runs.WithLabelValues(result).Inc()
	if duration > 0 {
		c.runDuration.Observe(duration.Seconds())
	}
}

// RecordProbe 記錄一次探測
func (c *Collector) RecordProbe(respondents int, matched bool) {
	c.respondents.Observe(float64(respondents))
	if matched {
		c.probes.WithLabelValues("matched").Inc()
	} else {
		c.probes.WithLabelValues("unmapped").Inc()
	}
}

// SetCalibrationProgress 更新校準進度
func (c *Collector) SetCalibrationProgress(progress float64) {
	c.progress.Set(progress)
}

// Handler 回傳 Prometheus /metrics 處理器
func Handler() http.Handler {
	return promhttp.Handler()
}
