// Package types 定義了 cycle-monitor 系統中使用的核心領域模型
package types

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// MachineID 機台識別碼（已正規化：去除空白、轉大寫）
type MachineID string

// NormalizeMachineID trims, NFC-normalizes and upper-cases a raw identifier.
// The result is used as the reconciliation key and as part of the log file name.
func NormalizeMachineID(raw string) MachineID {
	return MachineID(strings.ToUpper(norm.NFC.String(strings.TrimSpace(raw))))
}

func (id MachineID) String() string { return string(id) }

// CycleRecord 事件日誌中的一列，寫入後不可變
type CycleRecord struct {
	CycleNumber int       `json:"cycle_number"` // 週期編號（從 1 開始）
	MachineID   MachineID `json:"machine_id"`   // 機台識別碼
	Timestamp   time.Time `json:"timestamp"`    // 事件時間（含時區）
}

// Fields returns the CSV representation in column order.
func (r CycleRecord) Fields() []string {
	return []string{fmt.Sprintf("%d", r.CycleNumber), string(r.MachineID), FormatTimestamp(r.Timestamp)}
}

// MachineState 某台機器最後一次成功記錄的事件
type MachineState struct {
	MachineID     MachineID `json:"machine_id"`
	LastCycle     int       `json:"last_cycle"`
	LastTimestamp time.Time `json:"last_timestamp"`
}

// Stats 執行期間的統計資訊（僅存在記憶體中）
type Stats struct {
	LastEventTime time.Time `json:"last_event_time"` // zero when nothing was recorded
	EventsLogged  int       `json:"events_logged"`
}

// CycleTimes 最近幾次週期之間的間隔
type CycleTimes struct {
	Last     time.Duration         // zero until two cycles were seen
	Averages map[int]time.Duration // by window length in minutes; absent when the window holds no interval
}

// ============================================================================
// 時間戳格式
// ============================================================================

// TimestampLayout is ISO-8601 with a numeric UTC offset, e.g.
// 2024-03-01T08:15:30.123456-05:00. Trailing zero fractions are dropped.
const TimestampLayout = "2006-01-02T15:04:05.999999-07:00"

// offsetLayouts cover ISO-8601 variants RFC 3339 parsing rejects, such as
// the space separator written by str(datetime).
var offsetLayouts = []string{
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999Z07:00",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// FormatTimestamp renders t in TimestampLayout, keeping t's own offset.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// ParseTimestamp accepts RFC 3339 timestamps with an offset or "Z", with
// either "T" or a space between date and time. Timestamps without any zone
// are interpreted as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
