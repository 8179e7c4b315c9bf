package eventlog

// ============================================================================
// 事件日誌核心實作
// 職責：
// 1. 追加週期事件到 CSV 檔案（append-only，多行程安全）
// 2. 舊版兩欄格式遷移到三欄格式，並回傳計數器種子
// 3. 讀取檔尾以取得最後一筆 (timestamp, cycle)
// 4. 暫存（spool）無法寫入的列，等待下次追加時補寫
// ============================================================================

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/cycle-monitor/internal/counter"
	"github.com/ChuLiYu/cycle-monitor/internal/storage/fsutil"
	"github.com/ChuLiYu/cycle-monitor/pkg/types"
)

// Header is the current three-column schema.
var Header = []string{"cycle_number", "machine_id", "timestamp"}

// SpoolSuffix is appended to the log path to name the spool file.
const SpoolSuffix = ".pending"

// File 定義追加寫入所需的方法
// 這允許在測試中對檔案操作進行模擬
type File interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Opener opens path for appending, positioned at end of file.
type Opener func(path string) (File, error)

// Log is one machine's CSV event log plus its spool file.
type Log struct {
	path         string
	open         Opener
	syncOnAppend bool
	logger       *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithOpener replaces the file opener used by Append.
func WithOpener(open Opener) Option {
	return func(l *Log) { l.open = open }
}

// WithSync makes Append fsync after every write.
func WithSync(sync bool) Option {
	return func(l *Log) { l.syncOnAppend = sync }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New returns the log stored at path. Nothing is touched on disk until
// Initialize or Append.
func New(path string, opts ...Option) *Log {
	l := &Log{
		path:   path,
		open:   openForAppend,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the CSV path.
func (l *Log) Path() string { return l.path }

// SpoolPath returns the spool file path.
func (l *Log) SpoolPath() string { return l.path + SpoolSuffix }

// Seed is the last (timestamp, cycle) found in an existing log.
type Seed struct {
	Timestamp time.Time
	Cycle     int
	Migrated  bool // true when the seed was synthesized by a legacy migration
}

// ============================================================================
// 初始化與遷移
// ============================================================================

// Initialize prepares the log and is safe to call repeatedly.
//
// 行為：
//   - 目錄不存在時建立
//   - 檔案不存在或為空時寫入標頭
//   - 舊版兩欄格式：重新編號並改寫，回傳遷移種子
//   - 標頭完全不符（損壞）：改寫為只有標頭的新檔，資料捨棄並記錄警告
//   - 已是目前格式：檔案不變，回傳檔尾種子（若有資料列）
//
// An error is returned only when the directory or file cannot be prepared.
func (l *Log) Initialize() (Seed, bool, error) {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, fsutil.DirMode); err != nil {
		return Seed{}, false, fmt.Errorf("%w: create %s: %v", ErrStorageUnavailable, dir, err)
	}
	fsutil.EnsureMode(l.logger, dir, fsutil.DirMode)

	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		if err := l.createFresh(); err != nil {
			return Seed{}, false, err
		}
		return Seed{}, false, nil
	}
	if err != nil {
		return Seed{}, false, fmt.Errorf("%w: read %s: %v", ErrStorageUnavailable, l.path, err)
	}

	records := readRecords(bytes.NewReader(data))
	if len(records) == 0 {
		if err := l.rewrite(nil); err != nil {
			return Seed{}, false, err
		}
		return Seed{}, false, nil
	}

	header, rows := records[0], records[1:]
	switch {
	case equalHeader(header):
		fsutil.EnsureMode(l.logger, l.path, fsutil.LogFileMode)
		ts, cycle, ok := tailOf(rows)
		if !ok {
			return Seed{}, false, nil
		}
		return Seed{Timestamp: ts, Cycle: cycle}, true, nil

	case isLegacyHeader(header):
		return l.migrate(rows)

	default:
		l.logger.Warn("Unexpected CSV header; reinitializing file", "path", l.path, "header", strings.Join(header, ","))
		if err := l.rewrite(nil); err != nil {
			return Seed{}, false, err
		}
		return Seed{}, false, nil
	}
}

// migrate renumbers legacy (machine_id, timestamp) rows with a fresh counter
// using the default reset hour, in file order.
func (l *Log) migrate(rows [][]string) (Seed, bool, error) {
	l.logger.Info("Migrating CSV file to include cycle numbers", "path", l.path)

	c := counter.New(counter.DefaultResetHour)
	migrated := make([]types.CycleRecord, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		if len(row) < 2 {
			skipped++
			continue
		}
		ts, err := types.ParseTimestamp(row[len(row)-1])
		if err != nil {
			skipped++
			continue
		}
		migrated = append(migrated, types.CycleRecord{
			CycleNumber: c.Record(ts),
			MachineID:   types.MachineID(row[0]),
			Timestamp:   ts,
		})
	}

	if skipped > 0 {
		l.logger.Warn("Dropped unreadable legacy rows during migration", "path", l.path, "dropped", skipped, "kept", len(migrated))
	}
	if err := l.rewrite(migrated); err != nil {
		return Seed{}, false, err
	}
	if len(migrated) == 0 {
		return Seed{}, false, nil
	}
	last := migrated[len(migrated)-1]
	return Seed{Timestamp: last.Timestamp, Cycle: last.CycleNumber, Migrated: true}, true, nil
}

func (l *Log) createFresh() error {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fsutil.LogFileMode)
	if errors.Is(err, os.ErrExist) {
		// 另一個行程剛建立了檔案
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrStorageUnavailable, l.path, err)
	}
	defer f.Close()

	if _, err := f.Write(encode(nil, true)); err != nil {
		return fmt.Errorf("%w: write header to %s: %v", ErrStorageUnavailable, l.path, err)
	}
	fsutil.EnsureMode(l.logger, l.path, fsutil.LogFileMode)
	return nil
}

// rewrite atomically replaces the log with the header followed by records.
func (l *Log) rewrite(records []types.CycleRecord) error {
	if err := fsutil.AtomicWrite(l.path, encode(records, true), fsutil.LogFileMode); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	fsutil.EnsureMode(l.logger, l.path, fsutil.LogFileMode)
	return nil
}

// ============================================================================
// 讀取
// ============================================================================

// ReadTail scans the log once and returns the last row's timestamp and cycle
// number. Rows with fewer than three fields or an unparsable timestamp are
// skipped. ok is false when the log is missing or has no usable rows.
func (l *Log) ReadTail() (ts time.Time, cycle int, ok bool) {
	f, err := os.Open(l.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to read event log", "path", l.path, "error", err)
		}
		return time.Time{}, 0, false
	}
	defer f.Close()

	records := readRecords(f)
	if len(records) > 0 && equalHeader(records[0]) {
		records = records[1:]
	}
	return tailOf(records)
}

func tailOf(rows [][]string) (time.Time, int, bool) {
	var (
		lastTS    time.Time
		lastCycle int
		found     bool
	)
	for _, row := range rows {
		if len(row) < 3 {
			continue
		}
		ts, err := types.ParseTimestamp(row[2])
		if err != nil {
			continue
		}
		lastTS = ts
		lastCycle, err = strconv.Atoi(strings.TrimSpace(row[0]))
		if err != nil {
			lastCycle = 0
		}
		found = true
	}
	return lastTS, lastCycle, found
}

// ============================================================================
// 追加
// ============================================================================

// Append writes pending (oldest first) followed by rec in a single write to
// the end of the log. Another process may be appending to the same file at
// the same time. Any failure is returned as an *AppendError so the caller can
// spool the rows.
func (l *Log) Append(rec types.CycleRecord, pending []types.CycleRecord) error {
	rows := make([]types.CycleRecord, 0, len(pending)+1)
	rows = append(rows, pending...)
	rows = append(rows, rec)

	fail := func(err error) error {
		return &AppendError{Path: l.path, Cycle: rec.CycleNumber, Cause: err}
	}

	f, err := l.open(l.path)
	if err != nil {
		return fail(err)
	}
	if _, err := f.Write(encode(rows, false)); err != nil {
		f.Close()
		return fail(err)
	}
	if l.syncOnAppend {
		if err := f.Sync(); err != nil {
			// 資料已寫入，只是未確認落盤；不重送以免重複
			l.logger.Warn("Failed to sync event log", "path", l.path, "error", err)
		}
	}
	if err := f.Close(); err != nil {
		l.logger.Warn("Failed to close event log", "path", l.path, "error", err)
	}

	fsutil.EnsureMode(l.logger, l.path, fsutil.LogFileMode)
	l.logger.Debug("Logged cycle", "cycle", rec.CycleNumber, "timestamp", types.FormatTimestamp(rec.Timestamp),
		"path", l.path, "flushed_pending", len(pending))
	return nil
}

// openForAppend opens with O_APPEND so that every write lands at the current
// end of file even when other processes append concurrently.
func openForAppend(path string) (File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, fsutil.LogFileMode)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// ============================================================================
// Spool
// ============================================================================

// LoadPending returns rows left in the spool by an earlier failed append.
// Short or malformed rows are skipped.
func (l *Log) LoadPending() []types.CycleRecord {
	f, err := os.Open(l.SpoolPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.logger.Error("Failed to read pending events", "path", l.SpoolPath(), "error", err)
		}
		return nil
	}
	defer f.Close()

	var pending []types.CycleRecord
	for _, row := range readRecords(f) {
		rec, ok := parseRow(row)
		if !ok {
			continue
		}
		pending = append(pending, rec)
	}
	return pending
}

// PersistPending mirrors rows to the spool file, or removes the spool when
// rows is empty.
func (l *Log) PersistPending(rows []types.CycleRecord) error {
	spool := l.SpoolPath()
	if len(rows) == 0 {
		if err := os.Remove(spool); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.logger.Debug("Unable to remove empty spool file", "path", spool, "error", err)
			return err
		}
		return nil
	}
	if err := fsutil.AtomicWrite(spool, encode(rows, false), fsutil.PrivateMode); err != nil {
		l.logger.Error("Failed to persist pending events", "path", spool, "error", err)
		return err
	}
	fsutil.EnsureMode(l.logger, spool, fsutil.PrivateMode)
	return nil
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

func encode(records []types.CycleRecord, withHeader bool) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if withHeader {
		w.Write(Header)
	}
	for _, rec := range records {
		w.Write(rec.Fields())
	}
	w.Flush()
	return buf.Bytes()
}

// readRecords reads every CSV record, skipping records that fail to parse
// (e.g. a partially written trailing row).
func readRecords(r io.Reader) [][]string {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var records [][]string
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			return records
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				continue
			}
			return records
		}
		records = append(records, rec)
	}
}

func parseRow(row []string) (types.CycleRecord, bool) {
	if len(row) < 3 {
		return types.CycleRecord{}, false
	}
	cycle, err := strconv.Atoi(strings.TrimSpace(row[0]))
	if err != nil {
		return types.CycleRecord{}, false
	}
	ts, err := types.ParseTimestamp(row[2])
	if err != nil {
		return types.CycleRecord{}, false
	}
	return types.CycleRecord{CycleNumber: cycle, MachineID: types.MachineID(row[1]), Timestamp: ts}, true
}

func equalHeader(header []string) bool {
	if len(header) != len(Header) {
		return false
	}
	for i := range Header {
		if header[i] != Header[i] {
			return false
		}
	}
	return true
}

// isLegacyHeader matches the original (machine_id, timestamp) layout.
func isLegacyHeader(header []string) bool {
	return len(header) == 2 && strings.EqualFold(strings.TrimSpace(header[1]), "timestamp")
}
