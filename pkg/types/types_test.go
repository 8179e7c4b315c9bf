package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMachineID(t *testing.T) {
	assert.Equal(t, MachineID("M201"), NormalizeMachineID("  m201\n"))
	// 組合字元與預組字元正規化後相同
	assert.Equal(t, MachineID("CAF\u00c9"), NormalizeMachineID("cafe\u0301"))
	assert.Equal(t, MachineID(""), NormalizeMachineID("   "))
}

func TestCycleRecordFields(t *testing.T) {
	est := time.FixedZone("", -5*3600)
	rec := CycleRecord{CycleNumber: 7, MachineID: "M201", Timestamp: time.Date(2024, 3, 1, 8, 15, 30, 123456000, est)}
	assert.Equal(t, []string{"7", "M201", "2024-03-01T08:15:30.123456-05:00"}, rec.Fields())
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-01T08:15:30.123456-05:00", time.Date(2024, 3, 1, 13, 15, 30, 123456000, time.UTC)},
		{"2024-03-01T08:15:30Z", time.Date(2024, 3, 1, 8, 15, 30, 0, time.UTC)},
		{"2024-03-01T08:15:30", time.Date(2024, 3, 1, 8, 15, 30, 0, time.UTC)},
		{"2024-03-01 08:15:30.5", time.Date(2024, 3, 1, 8, 15, 30, 500000000, time.UTC)},
		// str(datetime) 的空白分隔格式也帶時區
		{"2024-03-01 08:15:30-05:00", time.Date(2024, 3, 1, 13, 15, 30, 0, time.UTC)},
		{"2024-03-01 08:15:30.123456+00:00", time.Date(2024, 3, 1, 8, 15, 30, 123456000, time.UTC)},
		{"2024-03-01 08:15:30Z", time.Date(2024, 3, 1, 8, 15, 30, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s", got)
		})
	}

	_, err := ParseTimestamp("2024-03-01T08:0")
	assert.Error(t, err)
}

func TestParseTimestamp_SpaceSeparatorKeepsOffset(t *testing.T) {
	got, err := ParseTimestamp("2024-03-01 08:15:30-05:00")
	require.NoError(t, err)
	_, offset := got.Zone()
	assert.Equal(t, -5*3600, offset, "the offset must not be discarded as a naive UTC time")
}

func TestFormatTimestamp_KeepsOffset(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-01-02T03:00:00+00:00", FormatTimestamp(ts))

	parsed, err := ParseTimestamp(FormatTimestamp(ts))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(ts))
}
