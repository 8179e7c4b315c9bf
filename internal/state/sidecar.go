package state

// ============================================================================
// Sidecar 狀態檔
// 職責：
// 1. 與事件日誌放在同一目錄（可攜式媒體時會跟著日誌走）
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 身分由檔名決定，內容不含 machine_id
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/cycle-monitor/internal/storage/fsutil"
	"github.com/ChuLiYu/cycle-monitor/pkg/types"
)

// SidecarSuffix is appended to the event log path to name the sidecar.
const SidecarSuffix = ".state.json"

// SidecarPath returns the sidecar path for an event log.
func SidecarPath(logPath string) string { return logPath + SidecarSuffix }

// Sidecar is the log-adjacent copy of one machine's state.
type Sidecar struct {
	path      string
	machineID types.MachineID
	mu        sync.Mutex
	logger    *slog.Logger
}

// NewSidecar returns the sidecar belonging to the event log at logPath.
func NewSidecar(logPath string, machineID types.MachineID, logger *slog.Logger) *Sidecar {
	return &Sidecar{
		path:      SidecarPath(logPath),
		machineID: machineID,
		logger:    loggerOrDefault(logger),
	}
}

// Path returns the sidecar file path.
func (s *Sidecar) Path() string { return s.path }

// Load reads the sidecar. ok is false when the file is missing or invalid.
// Timestamps without a zone are read as UTC.
func (s *Sidecar) Load() (types.MachineState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Failed to read sidecar state", "path", s.path, "error", err)
		}
		return types.MachineState{}, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		s.logger.Warn("Failed to read sidecar state", "path", s.path, "error", err)
		return types.MachineState{}, false
	}
	st, err := e.toState(s.machineID)
	if err != nil {
		s.logger.Warn("Sidecar state is invalid", "path", s.path, "error", err)
		return types.MachineState{}, false
	}
	return st, true
}

// Save atomically replaces the sidecar. Failures are logged and returned;
// the temporary file never outlives a failed call.
func (s *Sidecar) Save(lastCycle int, lastTimestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(newEntry(lastCycle, lastTimestamp))
	if err != nil {
		return fmt.Errorf("failed to marshal sidecar state: %w", err)
	}
	if err := fsutil.AtomicWrite(s.path, data, fsutil.PrivateMode); err != nil {
		s.logger.Error("Failed to persist sidecar state", "path", s.path, "error", err)
		return err
	}
	fsutil.EnsureMode(s.logger, s.path, fsutil.PrivateMode)
	return nil
}
