package eventlog

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cycle-monitor/pkg/types"
)

var est = time.FixedZone("", -5*3600)

func record(cycle int, ts time.Time) types.CycleRecord {
	return types.CycleRecord{CycleNumber: cycle, MachineID: "M201", Timestamp: ts}
}

func newTestLog(t *testing.T, opts ...Option) *Log {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "data", "CM_M201.csv"), opts...)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// failingOpener 模擬檔案暫時無法使用（例如網路磁碟中斷）
func failingOpener(string) (File, error) {
	return nil, errors.New("device not configured")
}

// ============================================================================
// Initialize
// ============================================================================

func TestInitialize_CreatesHeaderOnlyFile(t *testing.T) {
	log := newTestLog(t)

	seed, ok, err := log.Initialize()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, seed)

	assert.Equal(t, "cycle_number,machine_id,timestamp\n", readFile(t, log.Path()))

	info, err := os.Stat(filepath.Dir(log.Path()))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o775), info.Mode().Perm())
}

func TestInitialize_EmptyFileGetsHeader(t *testing.T) {
	log := newTestLog(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(log.Path()), 0o755))
	require.NoError(t, os.WriteFile(log.Path(), nil, 0o644))

	_, ok, err := log.Initialize()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "cycle_number,machine_id,timestamp\n", readFile(t, log.Path()))
}

func TestInitialize_CurrentSchemaIsUntouched(t *testing.T) {
	log := newTestLog(t)
	_, _, err := log.Initialize()
	require.NoError(t, err)
	require.NoError(t, log.Append(record(1, time.Date(2024, 3, 1, 8, 0, 0, 0, est)), nil))
	require.NoError(t, log.Append(record(2, time.Date(2024, 3, 1, 8, 5, 0, 0, est)), nil))

	before := readFile(t, log.Path())
	seed, ok, err := log.Initialize()
	require.NoError(t, err)
	after := readFile(t, log.Path())

	assert.Equal(t, before, after, "initialize must be a no-op on a current log")
	require.True(t, ok)
	assert.False(t, seed.Migrated)
	assert.Equal(t, 2, seed.Cycle)
	assert.True(t, seed.Timestamp.Equal(time.Date(2024, 3, 1, 8, 5, 0, 0, est)))
}

func TestInitialize_MigratesLegacyLog(t *testing.T) {
	log := newTestLog(t)
	legacy, err := os.ReadFile(filepath.Join("testdata", "legacy.csv"))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(log.Path()), 0o755))
	require.NoError(t, os.WriteFile(log.Path(), legacy, 0o644))

	seed, ok, err := log.Initialize()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, seed.Migrated)
	assert.Equal(t, 1, seed.Cycle)
	assert.True(t, seed.Timestamp.Equal(time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "legacy_migration", []byte(readFile(t, log.Path())))

	// 第二次初始化不應再遷移
	migrated := readFile(t, log.Path())
	seed, ok, err = log.Initialize()
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, seed.Migrated)
	assert.Equal(t, migrated, readFile(t, log.Path()))
}

func TestInitialize_MigratesSpaceSeparatedOffsets(t *testing.T) {
	log := newTestLog(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(log.Path()), 0o755))
	legacy := "machine_id,timestamp\nM201,2024-03-01 08:15:30-05:00\nM201,2024-03-01 08:20:30-05:00\n"
	require.NoError(t, os.WriteFile(log.Path(), []byte(legacy), 0o644))

	seed, ok, err := log.Initialize()
	require.NoError(t, err)
	require.True(t, ok, "rows written by str(datetime) must survive migration")
	assert.True(t, seed.Migrated)
	assert.Equal(t, 2, seed.Cycle)
	assert.True(t, seed.Timestamp.Equal(time.Date(2024, 3, 1, 8, 20, 30, 0, est)))

	assert.Equal(t, "cycle_number,machine_id,timestamp\n"+
		"1,M201,2024-03-01T08:15:30-05:00\n"+
		"2,M201,2024-03-01T08:20:30-05:00\n", readFile(t, log.Path()))
}

func TestInitialize_LegacyWithoutRows(t *testing.T) {
	log := newTestLog(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(log.Path()), 0o755))
	require.NoError(t, os.WriteFile(log.Path(), []byte("machine_id,timestamp\n"), 0o644))

	_, ok, err := log.Initialize()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "cycle_number,machine_id,timestamp\n", readFile(t, log.Path()))
}

func TestInitialize_CorruptHeaderResetsFile(t *testing.T) {
	log := newTestLog(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(log.Path()), 0o755))
	require.NoError(t, os.WriteFile(log.Path(), []byte("garbage,header,here,x\n1,2,3,4\n"), 0o644))

	_, ok, err := log.Initialize()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "cycle_number,machine_id,timestamp\n", readFile(t, log.Path()))
}

func TestInitialize_DirectoryUnavailable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	log := New(filepath.Join(blocker, "CM_M201.csv"))
	_, _, err := log.Initialize()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

// ============================================================================
// ReadTail / Append
// ============================================================================

func TestAppendAndReadTail_RoundTrip(t *testing.T) {
	log := newTestLog(t)
	_, _, err := log.Initialize()
	require.NoError(t, err)

	ts := time.Date(2024, 3, 1, 8, 15, 30, 123456000, est)
	require.NoError(t, log.Append(record(17, ts), nil))

	lastTS, lastCycle, ok := log.ReadTail()
	require.True(t, ok)
	assert.Equal(t, 17, lastCycle)
	assert.True(t, lastTS.Equal(ts))
	assert.Contains(t, readFile(t, log.Path()), "17,M201,2024-03-01T08:15:30.123456-05:00\n")
}

func TestReadTail_SkipsMalformedTrailingRows(t *testing.T) {
	log := newTestLog(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(log.Path()), 0o755))
	content := strings.Join([]string{
		"cycle_number,machine_id,timestamp",
		"4,M201,2024-03-01T08:00:00-05:00",
		"5,M201,2024-03-01T08:01:00-05:00",
		"6,M201",
		"7,M201,2024-03-01T08:0",
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(log.Path(), []byte(content), 0o644))

	lastTS, lastCycle, ok := log.ReadTail()
	require.True(t, ok)
	assert.Equal(t, 5, lastCycle)
	assert.True(t, lastTS.Equal(time.Date(2024, 3, 1, 8, 1, 0, 0, est)))
}

func TestReadTail_MissingOrEmpty(t *testing.T) {
	log := newTestLog(t)
	_, _, ok := log.ReadTail()
	assert.False(t, ok)

	_, _, err := log.Initialize()
	require.NoError(t, err)
	_, _, ok = log.ReadTail()
	assert.False(t, ok)
}

func TestAppend_WritesPendingAheadOfRow(t *testing.T) {
	log := newTestLog(t)
	_, _, err := log.Initialize()
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, est)
	pending := []types.CycleRecord{record(1, base), record(2, base.Add(time.Minute))}
	require.NoError(t, log.Append(record(3, base.Add(2*time.Minute)), pending))

	lines := strings.Split(strings.TrimSpace(readFile(t, log.Path())), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[1], "1,"))
	assert.True(t, strings.HasPrefix(lines[2], "2,"))
	assert.True(t, strings.HasPrefix(lines[3], "3,"))
}

func TestAppend_FailureReportsCycle(t *testing.T) {
	log := newTestLog(t, WithOpener(failingOpener))

	err := log.Append(record(12, time.Now()), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAppendFailed)

	var appendErr *AppendError
	require.ErrorAs(t, err, &appendErr)
	assert.Equal(t, 12, appendErr.Cycle)
}

func TestAppend_SetsSharedPermissions(t *testing.T) {
	log := newTestLog(t, WithSync(true))
	_, _, err := log.Initialize()
	require.NoError(t, err)
	require.NoError(t, os.Chmod(log.Path(), 0o600))

	require.NoError(t, log.Append(record(1, time.Now()), nil))

	info, err := os.Stat(log.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o664), info.Mode().Perm())
}

func TestAppend_ConcurrentWritersKeepRowsWhole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "CM_M201.csv")
	// 兩個獨立的 Log（模擬兩個行程）共用同一個檔案
	writers := []*Log{New(path), New(path)}
	for _, w := range writers {
		_, _, err := w.Initialize()
		require.NoError(t, err)
	}

	const perWriter = 200
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, est)
	var wg sync.WaitGroup
	for i, w := range writers {
		wg.Add(1)
		go func(id int, w *Log) {
			defer wg.Done()
			for n := 1; n <= perWriter; n++ {
				var pending []types.CycleRecord
				if n%10 == 0 {
					pending = []types.CycleRecord{record(n*100+id, base)}
				}
				if err := w.Append(record(n, base.Add(time.Duration(n)*time.Second)), pending); err != nil {
					t.Errorf("writer %d append %d: %v", id, n, err)
					return
				}
			}
		}(i, w)
	}
	wg.Wait()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	require.NoError(t, err)

	require.NotEmpty(t, rows)
	assert.Equal(t, Header, rows[0])
	rows = rows[1:]
	assert.Len(t, rows, len(writers)*(perWriter+perWriter/10))
	for i, row := range rows {
		require.Len(t, row, 3, "row %d is torn: %q", i+1, row)
		_, err := types.ParseTimestamp(row[2])
		assert.NoError(t, err, "row %d", i+1)
	}
}

// ============================================================================
// Spool
// ============================================================================

func TestSpool_PersistLoadAndClear(t *testing.T) {
	log := newTestLog(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(log.Path()), 0o755))
	assert.Equal(t, log.Path()+".pending", log.SpoolPath())
	assert.Empty(t, log.LoadPending())

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, est)
	rows := []types.CycleRecord{record(4, base), record(5, base.Add(time.Second))}
	require.NoError(t, log.PersistPending(rows))

	assert.Equal(t,
		"4,M201,2024-03-01T09:00:00-05:00\n5,M201,2024-03-01T09:00:01-05:00\n",
		readFile(t, log.SpoolPath()))

	loaded := log.LoadPending()
	require.Len(t, loaded, 2)
	assert.Equal(t, 4, loaded[0].CycleNumber)
	assert.True(t, loaded[1].Timestamp.Equal(base.Add(time.Second)))

	require.NoError(t, log.PersistPending(nil))
	_, err := os.Stat(log.SpoolPath())
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, log.PersistPending(nil), "clearing an absent spool is a no-op")
}

func TestSpool_SkipsMalformedRows(t *testing.T) {
	log := newTestLog(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(log.Path()), 0o755))
	content := "1,M201,2024-03-01T09:00:00-05:00\nshort,row\nx,M201,2024-03-01T09:00:00-05:00\n2,M201,bad\n3,M201,2024-03-01T09:02:00-05:00\n"
	require.NoError(t, os.WriteFile(log.SpoolPath(), []byte(content), 0o660))

	loaded := log.LoadPending()
	require.Len(t, loaded, 2)
	assert.Equal(t, 1, loaded[0].CycleNumber)
	assert.Equal(t, 3, loaded[1].CycleNumber)
}
