// Package fsutil holds the file-system helpers shared by the event log and the
// state stores: atomic replacement and permission normalization.
package fsutil

// ============================================================================
// 職責說明：
// 1. 原子性寫入（temp file + rename），讀取者永遠不會看到寫到一半的檔案
// 2. 權限正規化，讓同一台機器上的多個使用者/服務都能追加寫入
// ============================================================================

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Shared modes. Directories and the event log are group-writable so that the
// service account and interactive users can both append.
const (
	DirMode     fs.FileMode = 0o775
	LogFileMode fs.FileMode = 0o664
	PrivateMode fs.FileMode = 0o660
)

// AtomicWrite writes data to a uniquely named temporary file in the same
// directory as path and renames it over path. The temporary file is removed
// if any step fails.
func AtomicWrite(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// 每個行程使用獨立的暫存檔名，避免兩個寫入者互相覆蓋暫存檔
	tmpPath := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())

	// 1. 寫入臨時檔案
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	// 2. 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", tmpPath, err)
	}
	return nil
}

// EnsureMode chmods path to mode when its permission bits differ. Missing
// paths and chmod failures are logged at debug level and otherwise ignored.
func EnsureMode(logger *slog.Logger, path string, mode fs.FileMode) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm() == mode {
		return
	}
	if err := os.Chmod(path, mode); err != nil {
		logger.Debug("Unable to adjust permissions", "path", path, "mode", fmt.Sprintf("%#o", mode), "error", err)
	}
}
