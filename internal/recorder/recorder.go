// ============================================================================
// Cycle Recorder - 週期事件記錄協調器
// ============================================================================
//
// Package: internal/recorder
// 文件: recorder.go
// 功能: 協調計數器、事件日誌與兩份狀態副本，確保重啟後週期編號正確延續
//
// 組件:
//   - Counter: 記憶體中的週期計數（每日重置）
//   - EventLog: CSV 追加日誌 + spool（暫存寫入失敗的列）
//   - Store: 全機共用的狀態檔（JSON 或 SQLite）
//   - Sidecar: 與日誌同目錄的狀態檔
//   - Detector: 訊號來源（GPIO 或手動觸發）
//
// 啟動流程 (Start):
//   1. reconcile - 讀取 Store 與 Sidecar，時間較新者為準，並回寫另一份
//   2. prepare - 初始化日誌（含舊格式遷移），載入 spool
//   3. arm - 啟用訊號偵測（失敗時清除後立即重試一次）
//
// 記錄流程 (RecordEvent)，持有鎖：
//   1. 確保儲存已初始化（允許未呼叫 Start 直接記錄）
//   2. Counter.Record 取得週期編號
//   3. Append（pending 列在前）；失敗則加入 pending 並寫入 spool
//   4. 分別寫入 Store 與 Sidecar，彼此獨立
//
// 鎖外：更新統計並呼叫通知回呼；回呼失敗不影響記錄。
//
// ============================================================================

package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/cycle-monitor/internal/counter"
	"github.com/ChuLiYu/cycle-monitor/internal/metrics"
	"github.com/ChuLiYu/cycle-monitor/internal/signal"
	"github.com/ChuLiYu/cycle-monitor/internal/state"
	"github.com/ChuLiYu/cycle-monitor/internal/storage/eventlog"
	"github.com/ChuLiYu/cycle-monitor/pkg/types"
)

// ErrStorageUnavailable is returned by RecordEvent when the log directory
// cannot be prepared, so the event could not even be spooled.
var ErrStorageUnavailable = eventlog.ErrStorageUnavailable

// ============================================================================
// 資料結構定義
// ============================================================================

// Status is the recorder lifecycle state.
type Status int

const (
	StatusUninitialized Status = iota
	StatusReady
	StatusRecording
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRecording:
		return "recording"
	case StatusStopped:
		return "stopped"
	default:
		return "uninitialized"
	}
}

// Config Recorder 配置
type Config struct {
	MachineID string // 機台識別碼（會被正規化）
	LogPath   string // CSV 日誌路徑
	ResetHour int    // 每日重置時刻 [0,23]
}

// Event is passed to the notification callback after each recorded cycle.
type Event struct {
	MachineID types.MachineID
	Cycle     int
	Timestamp time.Time
}

// EventFunc is the notification callback. Errors and panics are logged.
type EventFunc func(Event) error

// Option configures a Recorder.
type Option func(*Recorder)

// WithStore sets the shared state store. Without one only the sidecar is used.
func WithStore(store state.Store) Option {
	return func(r *Recorder) { r.store = store }
}

// WithDetector sets the signal source armed by Start.
func WithDetector(d signal.Detector) Option {
	return func(r *Recorder) { r.detector = d }
}

// OnEvent registers the notification callback.
func OnEvent(fn EventFunc) Option {
	return func(r *Recorder) { r.onEvent = fn }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Recorder) { r.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// WithLogOptions passes options through to the event log.
func WithLogOptions(opts ...eventlog.Option) Option {
	return func(r *Recorder) { r.logOpts = append(r.logOpts, opts...) }
}

// WithLocation sets the zone whose wall clock defines the reset hour.
// The default is time.Local.
func WithLocation(loc *time.Location) Option {
	return func(r *Recorder) { r.loc = loc }
}

// Recorder 週期事件記錄器
type Recorder struct {
	mu       sync.Mutex // 保護 counter、pending、status
	machine  types.MachineID
	counter  *counter.Counter
	log      *eventlog.Log
	store    state.Store
	sidecar  *state.Sidecar
	detector signal.Detector
	pending  []types.CycleRecord
	status   Status
	interval intervalTracker
	restored bool // 已從持久化狀態恢復（或已手動重置）
	prepared bool // 日誌已初始化、spool 已載入

	statsMu sync.Mutex
	stats   types.Stats

	onEvent EventFunc
	metrics *metrics.Collector
	logger  *slog.Logger
	logOpts []eventlog.Option
	loc     *time.Location
	now     func() time.Time
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Recorder；不進行任何 I/O
func New(cfg Config, opts ...Option) *Recorder {
	r := &Recorder{
		machine: types.NormalizeMachineID(cfg.MachineID),
		counter: counter.New(cfg.ResetHour),
		loc:     time.Local,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("machine", r.machine.String(), "instance", uuid.NewString()[:8])

	r.log = eventlog.New(cfg.LogPath, append([]eventlog.Option{eventlog.WithLogger(r.logger)}, r.logOpts...)...)
	r.sidecar = state.NewSidecar(cfg.LogPath, r.machine, r.logger)
	return r
}

// Start 恢復狀態並啟用訊號偵測
//
// 已啟動時為 no-op。只有訊號來源完全無法使用時才會回傳錯誤
// (signal.ErrHardwareUnavailable)；儲存問題僅記錄警告，下次記錄時重試。
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusReady || r.status == StatusRecording {
		return nil
	}

	began := time.Now()
	r.restoreLocked()
	if err := r.prepareLocked(); err != nil {
		r.logger.Warn("Event log not ready, will retry on next event", "path", r.log.Path(), "error", err)
	}
	r.metrics.SetRecoveryTime(time.Since(began).Seconds())

	if err := r.armLocked(); err != nil {
		return err
	}

	r.status = StatusReady
	r.logger.Info("Recorder started",
		"path", r.log.Path(),
		"count", r.counter.Count(),
		"next_reset", r.counter.NextReset(),
		"pending", len(r.pending),
		"recovery_time", time.Since(began))
	return nil
}

// Stop disarms the detector. It is idempotent.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusStopped {
		return nil
	}
	wasRunning := r.status == StatusReady || r.status == StatusRecording
	r.status = StatusStopped
	if wasRunning && r.detector != nil {
		if err := r.detector.Disarm(); err != nil {
			r.logger.Warn("Failed to disarm signal detector", "error", err)
			return err
		}
	}
	r.logger.Info("Recorder stopped")
	return nil
}

// RecordEvent 記錄一次週期事件並回傳週期編號
//
// 可在任何 goroutine 呼叫，也可在未呼叫 Start 時使用。日誌暫時無法寫入時，
// 事件會進入 spool 並照常回傳編號；只有日誌目錄完全無法建立時才回傳
// ErrStorageUnavailable。
func (r *Recorder) RecordEvent(ts time.Time) (int, error) {
	r.mu.Lock()
	rec, err := r.recordLocked(ts)
	r.mu.Unlock()
	if err != nil {
		return 0, err
	}

	r.statsMu.Lock()
	r.stats.LastEventTime = rec.Timestamp
	r.stats.EventsLogged++
	r.statsMu.Unlock()

	r.notify(Event{MachineID: r.machine, Cycle: rec.CycleNumber, Timestamp: rec.Timestamp})
	return rec.CycleNumber, nil
}

func (r *Recorder) recordLocked(ts time.Time) (types.CycleRecord, error) {
	if !r.restored {
		r.restoreLocked()
	}
	if err := r.prepareLocked(); err != nil {
		r.logger.Error("Cannot record event, storage unavailable", "path", r.log.Path(), "error", err)
		return types.CycleRecord{}, err
	}

	ts = ts.In(r.loc)
	rec := types.CycleRecord{
		CycleNumber: r.counter.Record(ts),
		MachineID:   r.machine,
		Timestamp:   ts,
	}
	if d, ok := r.interval.observe(ts); ok {
		r.metrics.RecordInterval(d.Seconds())
	}

	if err := r.log.Append(rec, r.pending); err != nil {
		r.pending = append(r.pending, rec)
		if perr := r.log.PersistPending(r.pending); perr != nil {
			r.logger.Error("Failed to persist spool", "path", r.log.SpoolPath(), "error", perr)
		}
		r.metrics.RecordSpooled()
		r.logger.Warn("Event log unavailable, queued cycle for retry",
			"cycle", rec.CycleNumber, "pending", len(r.pending), "error", err)
	} else if len(r.pending) > 0 {
		r.logger.Info("Flushed queued cycles", "count", len(r.pending))
		r.pending = nil
		if err := r.log.PersistPending(nil); err != nil {
			r.logger.Warn("Failed to clear spool", "path", r.log.SpoolPath(), "error", err)
		}
	}

	r.saveLocked(rec.CycleNumber, rec.Timestamp)
	r.metrics.RecordEvent(rec.CycleNumber, len(r.pending))

	if r.status == StatusReady {
		r.status = StatusRecording
	}
	return rec, nil
}

// ResetCounter makes the next event cycle 1 and persists {0, ref} to both
// stores. A zero ref means now.
func (r *Recorder) ResetCounter(ref time.Time) {
	if ref.IsZero() {
		ref = time.Now()
	}
	ref = ref.In(r.loc)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.counter.Configure(ref, 0)
	r.restored = true
	r.saveLocked(0, ref)
	r.metrics.SetLastCycle(0)
	r.logger.Info("Counter reset", "reference", types.FormatTimestamp(ref), "next_reset", r.counter.NextReset())
}

// ============================================================================
// 查詢
// ============================================================================

// Stats returns in-memory statistics for this process.
func (r *Recorder) Stats() types.Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// Status returns the lifecycle state.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Count returns the current in-memory cycle count.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counter.Count()
}

// Pending returns the number of rows waiting in the spool.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// CycleTimes returns the most recent interval between cycles and the mean
// interval over each of AverageWindows, measured back from now.
func (r *Recorder) CycleTimes() types.CycleTimes {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval.snapshot(r.now())
}

// ResetHour returns the hour of day at which the count restarts.
func (r *Recorder) ResetHour() int { return r.counter.ResetHour() }

// MachineID returns the normalized machine identifier.
func (r *Recorder) MachineID() types.MachineID { return r.machine }

// LogPath returns the event log path.
func (r *Recorder) LogPath() string { return r.log.Path() }

// ============================================================================
// 內部方法
// ============================================================================

// restoreLocked 協調兩份狀態副本並設定計數器
func (r *Recorder) restoreLocked() {
	r.restored = true

	var stored types.MachineState
	var storeOK bool
	if r.store != nil {
		stored, storeOK = r.store.Load(r.machine)
	}
	side, sideOK := r.sidecar.Load()

	rc := Reconcile(stored, storeOK, side, sideOK)
	if !rc.Found() {
		r.logger.Info("No persisted state found")
		return
	}

	st := rc.State
	r.counter.Configure(st.LastTimestamp.In(r.loc), st.LastCycle)
	if st.LastCycle > 0 {
		// 週期 0 是重置標記，不是事件
		r.interval.seed(st.LastTimestamp)
	}
	r.metrics.SetLastCycle(st.LastCycle)
	r.logger.Info("Restored state",
		"source", rc.Source.String(),
		"cycle", st.LastCycle,
		"timestamp", types.FormatTimestamp(st.LastTimestamp))

	if rc.SyncStore && r.store != nil {
		if err := r.store.Save(r.machine, st.LastCycle, st.LastTimestamp); err != nil {
			r.logger.Warn("Failed to sync state store", "error", err)
			r.metrics.RecordStateFailure(metrics.StoreShared)
		}
	}
	if rc.SyncSidecar {
		if err := r.sidecar.Save(st.LastCycle, st.LastTimestamp); err != nil {
			r.metrics.RecordStateFailure(metrics.StoreSidecar)
		}
	}
}

// prepareLocked 初始化日誌並載入 spool；成功後不再重複
func (r *Recorder) prepareLocked() error {
	if r.prepared {
		return nil
	}

	seed, ok, err := r.log.Initialize()
	if err != nil {
		return err
	}
	r.pending = r.log.LoadPending()
	r.prepared = true

	if r.counter.Configured() {
		return nil
	}

	// 狀態檔都不存在：以日誌尾端（或 spool 中更新的列）作為種子
	if n := len(r.pending); n > 0 {
		last := r.pending[n-1]
		if !ok || !last.Timestamp.Before(seed.Timestamp) {
			seed = eventlog.Seed{Timestamp: last.Timestamp, Cycle: last.CycleNumber}
			ok = true
		}
	}
	if ok {
		r.counter.Configure(seed.Timestamp.In(r.loc), seed.Cycle)
		r.interval.seed(seed.Timestamp)
		r.metrics.SetLastCycle(seed.Cycle)
		r.logger.Info("Seeded counter from event log",
			"cycle", seed.Cycle,
			"timestamp", types.FormatTimestamp(seed.Timestamp),
			"migrated", seed.Migrated)
	}
	if len(r.pending) > 0 {
		r.logger.Warn("Found queued cycles from an earlier run", "count", len(r.pending), "path", r.log.SpoolPath())
		r.metrics.SetPending(len(r.pending))
	}
	return nil
}

// saveLocked 分別寫入兩份狀態，任一失敗不影響另一份
func (r *Recorder) saveLocked(cycle int, ts time.Time) {
	if r.store != nil {
		if err := r.store.Save(r.machine, cycle, ts); err != nil {
			r.logger.Warn("Failed to save state store", "cycle", cycle, "error", err)
			r.metrics.RecordStateFailure(metrics.StoreShared)
		}
	}
	if err := r.sidecar.Save(cycle, ts); err != nil {
		r.metrics.RecordStateFailure(metrics.StoreSidecar)
	}
}

// armLocked arms the detector, clearing it and retrying once on failure.
func (r *Recorder) armLocked() error {
	if r.detector == nil {
		return nil
	}
	err := r.detector.Arm(r.handleEdge)
	if err == nil {
		return nil
	}

	r.logger.Warn("Failed to arm signal detector, retrying", "error", err)
	if derr := r.detector.Disarm(); derr != nil {
		r.logger.Debug("Disarm before retry failed", "error", derr)
	}
	if err = r.detector.Arm(r.handleEdge); err == nil {
		return nil
	}
	if errors.Is(err, signal.ErrHardwareUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", signal.ErrHardwareUnavailable, err)
}

func (r *Recorder) handleEdge(ts time.Time) {
	if _, err := r.RecordEvent(ts); err != nil {
		r.logger.Error("Failed to record detected cycle", "error", err)
	}
}

// notify 呼叫通知回呼，隔離錯誤與 panic
func (r *Recorder) notify(ev Event) {
	if r.onEvent == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Event callback panicked", "cycle", ev.Cycle, "panic", p)
			r.metrics.RecordCallbackFailure()
		}
	}()
	if err := r.onEvent(ev); err != nil {
		r.logger.Warn("Event callback failed", "cycle", ev.Cycle, "error", err)
		r.metrics.RecordCallbackFailure()
	}
}
