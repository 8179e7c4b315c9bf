package recorder

import "github.com/ChuLiYu/cycle-monitor/pkg/types"

// Source names the persisted copy a reconciliation adopted.
type Source int

const (
	SourceNone Source = iota
	SourceStore
	SourceSidecar
)

func (s Source) String() string {
	switch s {
	case SourceStore:
		return "store"
	case SourceSidecar:
		return "sidecar"
	default:
		return "none"
	}
}

// Reconciliation is the outcome of merging the two persisted state copies.
type Reconciliation struct {
	State  types.MachineState
	Source Source

	// SyncStore and SyncSidecar say which copy must be rewritten to match State.
	SyncStore   bool
	SyncSidecar bool
}

// Found reports whether any persisted state was adopted.
func (r Reconciliation) Found() bool { return r.Source != SourceNone }

// Reconcile picks the authoritative state. The sidecar wins only when its
// timestamp is strictly later than the store's; ties go to the store.
func Reconcile(store types.MachineState, storeOK bool, sidecar types.MachineState, sidecarOK bool) Reconciliation {
	switch {
	case storeOK && sidecarOK:
		if sidecar.LastTimestamp.After(store.LastTimestamp) {
			return Reconciliation{State: sidecar, Source: SourceSidecar, SyncStore: true}
		}
		return Reconciliation{State: store, Source: SourceStore, SyncSidecar: true}
	case storeOK:
		return Reconciliation{State: store, Source: SourceStore}
	case sidecarOK:
		return Reconciliation{State: sidecar, Source: SourceSidecar}
	default:
		return Reconciliation{}
	}
}
