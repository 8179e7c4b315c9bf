package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/cycle-monitor/internal/storage/fsutil"
	"github.com/ChuLiYu/cycle-monitor/pkg/types"
)

const machinesKey = "machines"

// JSONStore keeps every machine's state in one JSON document:
//
//	{"machines": {"M201": {"last_cycle": 5, "last_timestamp": "..."}}}
//
// Unknown top-level keys and other machines' entries are preserved on Save.
// Writes are read-modify-write of the whole file; concurrent writers from
// different processes may lose an update.
type JSONStore struct {
	path   string
	mu     sync.Mutex // 保護同一行程內的讀-改-寫
	logger *slog.Logger
}

// NewJSONStore returns a store backed by the file at path.
func NewJSONStore(path string, logger *slog.Logger) *JSONStore {
	return &JSONStore{path: path, logger: loggerOrDefault(logger)}
}

// Path returns the backing file path.
func (s *JSONStore) Path() string { return s.path }

// Load implements Store.
func (s *JSONStore) Load(id types.MachineID) (types.MachineState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, machines := s.readBlob()
	key, ok := lookupKey(machines, id)
	if !ok {
		return types.MachineState{}, false
	}
	raw := machines[key]

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		s.logger.Warn("State entry is invalid; ignoring", "machine", id, "path", s.path, "error", err)
		return types.MachineState{}, false
	}
	st, err := e.toState(id)
	if err != nil {
		s.logger.Warn("State entry is invalid; ignoring", "machine", id, "path", s.path, "error", err)
		return types.MachineState{}, false
	}
	return st, true
}

// Save implements Store.
func (s *JSONStore) Save(id types.MachineID, lastCycle int, lastTimestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, machines := s.readBlob()
	raw, err := json.Marshal(newEntry(lastCycle, lastTimestamp))
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	// 舊版以原始大小寫寫入的鍵改由正規化後的鍵取代
	for _, key := range matchingKeys(machines, id) {
		delete(machines, key)
	}
	machines[string(id)] = raw
	return s.writeBlob(blob, machines)
}

// Delete implements Store.
func (s *JSONStore) Delete(id types.MachineID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, machines := s.readBlob()
	keys := matchingKeys(machines, id)
	if len(keys) == 0 {
		return nil
	}
	for _, key := range keys {
		delete(machines, key)
	}
	return s.writeBlob(blob, machines)
}

// lookupKey finds id's entry. An exact key wins; otherwise a key written
// before identifiers were normalized (e.g. "m201") matches when it
// normalizes to id.
func lookupKey(machines map[string]json.RawMessage, id types.MachineID) (string, bool) {
	if _, ok := machines[string(id)]; ok {
		return string(id), true
	}
	keys := matchingKeys(machines, id)
	if len(keys) == 0 {
		return "", false
	}
	return keys[0], true
}

// matchingKeys returns every key that normalizes to id, sorted.
func matchingKeys(machines map[string]json.RawMessage, id types.MachineID) []string {
	var keys []string
	for key := range machines {
		if types.NormalizeMachineID(key) == id {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// readBlob returns the top-level document and its machines map. Both are
// non-nil; a missing or malformed file reads as empty.
func (s *JSONStore) readBlob() (map[string]json.RawMessage, map[string]json.RawMessage) {
	blob := make(map[string]json.RawMessage)
	machines := make(map[string]json.RawMessage)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Failed to load state file", "path", s.path, "error", err)
		}
		return blob, machines
	}
	if err := json.Unmarshal(data, &blob); err != nil {
		s.logger.Warn("Failed to load state file", "path", s.path, "error", err)
		return make(map[string]json.RawMessage), machines
	}
	if raw, ok := blob[machinesKey]; ok {
		if err := json.Unmarshal(raw, &machines); err != nil {
			// "machines" 不是物件：視為空，下次寫入時覆蓋
			machines = make(map[string]json.RawMessage)
		}
	}
	return blob, machines
}

func (s *JSONStore) writeBlob(blob, machines map[string]json.RawMessage) error {
	rawMachines, err := json.Marshal(machines)
	if err != nil {
		return fmt.Errorf("failed to marshal machines: %w", err)
	}
	blob[machinesKey] = rawMachines

	data, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state file: %w", err)
	}
	if err := fsutil.AtomicWrite(s.path, data, 0o644); err != nil {
		return fmt.Errorf("unable to persist cycle state to %s: %w", s.path, err)
	}
	return nil
}
