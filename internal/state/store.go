// Package state persists the last recorded cycle for each machine.
//
// Two independent copies exist: a Store shared by all machines on the host
// (JSON file or SQLite) and a Sidecar file that sits next to one machine's
// event log. Loads fail soft: missing or malformed data reads as "absent".
package state

import (
	"log/slog"
	"time"

	"github.com/ChuLiYu/cycle-monitor/pkg/types"
)

// Store is keyed persistence of MachineState.
type Store interface {
	// Load returns the stored state for id. ok is false when nothing usable
	// is stored; problems are logged, never returned.
	Load(id types.MachineID) (st types.MachineState, ok bool)

	// Save replaces the stored state for id.
	Save(id types.MachineID, lastCycle int, lastTimestamp time.Time) error

	// Delete removes the stored state for id. Absent entries are a no-op.
	Delete(id types.MachineID) error
}

// entry is the on-disk shape shared by the JSON store and the sidecar.
type entry struct {
	LastCycle     int    `json:"last_cycle"`
	LastTimestamp string `json:"last_timestamp"`
}

func newEntry(lastCycle int, ts time.Time) entry {
	return entry{LastCycle: lastCycle, LastTimestamp: types.FormatTimestamp(ts)}
}

func (e entry) toState(id types.MachineID) (types.MachineState, error) {
	ts, err := types.ParseTimestamp(e.LastTimestamp)
	if err != nil {
		return types.MachineState{}, err
	}
	return types.MachineState{MachineID: id, LastCycle: e.LastCycle, LastTimestamp: ts}, nil
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
