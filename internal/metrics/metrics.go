// ============================================================================
// Cycle Monitor Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露週期記錄器的運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter) - 累計值，只增不減：
//      - cycle_events_recorded_total: 已記錄的週期事件
//      - cycle_events_spooled_total: 因日誌不可用而暫存的事件
//      - cycle_state_save_failures_total{store}: 狀態寫入失敗（store / sidecar）
//      - cycle_callback_failures_total: 通知回呼失敗
//
//   2. 狀態指標 (Gauge) - 瞬時值：
//      - cycle_pending_rows: 目前 spool 中等待補寫的列數
//      - cycle_last_number: 最後一個週期編號
//      - cycle_recovery_time_seconds: 最近一次啟動時狀態協調所花的時間
//      - cycle_last_interval_seconds: 最近兩次週期之間的間隔
//
//   3. 分布 (Histogram)：
//      - cycle_interval_seconds: 相鄰週期的間隔分布
//
// 使用場景:
//   - cycle_pending_rows 持續 > 0 → 日誌所在磁碟可能離線
//   - cycle_state_save_failures_total 增長 → 檢查設定目錄權限
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//
// ============================================================================

package metrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Store labels for state save failures.
const (
	StoreShared  = "store"
	StoreSidecar = "sidecar"
)

// Collector Prometheus 指標收集器
type Collector struct {
	eventsRecorded   prometheus.Counter
	eventsSpooled    prometheus.Counter
	stateFailures    *prometheus.CounterVec
	callbackFailures prometheus.Counter

	pendingRows  prometheus.Gauge
	lastCycle    prometheus.Gauge
	recoveryTime prometheus.Gauge
	lastInterval prometheus.Gauge

	cycleInterval prometheus.Histogram
}

// NewCollector creates the collector and registers it with reg, or with the
// default registerer when reg is nil. Metrics carry a constant machine label.
func NewCollector(reg prometheus.Registerer, machineID string) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"machine": machineID}

	c := &Collector{
		eventsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cycle_events_recorded_total",
			Help:        "Total number of cycle events recorded",
			ConstLabels: labels,
		}),
		eventsSpooled: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cycle_events_spooled_total",
			Help:        "Total number of cycle events queued because the log was unavailable",
			ConstLabels: labels,
		}),
		stateFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "cycle_state_save_failures_total",
			Help:        "Total number of failed state writes by store",
			ConstLabels: labels,
		}, []string{"store"}),
		callbackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cycle_callback_failures_total",
			Help:        "Total number of event notification callbacks that failed",
			ConstLabels: labels,
		}),
		pendingRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "cycle_pending_rows",
			Help:        "Rows waiting in the spool for the next successful append",
			ConstLabels: labels,
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "cycle_last_number",
			Help:        "Cycle number of the most recent event",
			ConstLabels: labels,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "cycle_recovery_time_seconds",
			Help:        "Time taken to reconcile persisted state on start in seconds",
			ConstLabels: labels,
		}),
		lastInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "cycle_last_interval_seconds",
			Help:        "Seconds between the two most recent cycles",
			ConstLabels: labels,
		}),
		cycleInterval: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "cycle_interval_seconds",
			Help:        "Seconds between consecutive cycles",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 13), // 1s ~ 68m
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.eventsRecorded,
		c.eventsSpooled,
		c.stateFailures,
		c.callbackFailures,
		c.pendingRows,
		c.lastCycle,
		c.recoveryTime,
		c.lastInterval,
		c.cycleInterval,
	)
	return c
}

// RecordEvent 記錄一次週期事件
func (c *Collector) RecordEvent(cycle int, pending int) {
	if c == nil {
		return
	}
	c.eventsRecorded.Inc()
	c.lastCycle.Set(float64(cycle))
	c.pendingRows.Set(float64(pending))
}

// RecordInterval observes the time since the previous cycle.
func (c *Collector) RecordInterval(seconds float64) {
	if c == nil {
		return
	}
	c.cycleInterval.Observe(seconds)
	c.lastInterval.Set(seconds)
}

// RecordSpooled 記錄事件被暫存
func (c *Collector) RecordSpooled() {
	if c == nil {
		return
	}
	c.eventsSpooled.Inc()
}

// RecordStateFailure counts a failed write to the named store.
func (c *Collector) RecordStateFailure(store string) {
	if c == nil {
		return
	}
	c.stateFailures.WithLabelValues(store).Inc()
}

// RecordCallbackFailure 記錄回呼失敗
func (c *Collector) RecordCallbackFailure() {
	if c == nil {
		return
	}
	c.callbackFailures.Inc()
}

// SetPending sets the pending row gauge.
func (c *Collector) SetPending(n int) {
	if c == nil {
		return
	}
	c.pendingRows.Set(float64(n))
}

// SetLastCycle sets the last cycle gauge.
func (c *Collector) SetLastCycle(n int) {
	if c == nil {
		return
	}
	c.lastCycle.Set(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// NewServer returns an HTTP server exposing /metrics for gatherer on port.
func NewServer(port int, gatherer prometheus.Gatherer) *http.Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
}

// Serve runs srv until it is shut down. http.ErrServerClosed is not an error.
func Serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
