package engine

import (
	"time"

	"github.com/jmadden91/tablesync/go/internal/store"
)

// ConflictKind selects the policy ResolveConflict applies.
type ConflictKind string

const (
	// ConflictField merges shallowly, server fields overwriting local.
	ConflictField ConflictKind = "FIELD"
	// ConflictVersion keeps the snapshot with the higher version; ties
	// favor the server.
	ConflictVersion ConflictKind = "VERSION"
	// ConflictOutOfOrder always keeps the server snapshot.
	ConflictOutOfOrder ConflictKind = "OUT_OF_ORDER"
)

// ActionClaim identifies a timestamped action for concurrency arbitration.
type ActionClaim struct {
	Action    string
	PlayerID  string
	Timestamp time.Time
}

// ResolveConflict decides how an incoming server snapshot merges with the
// local one. The result is always a new snapshot; neither input is mutated.
func ResolveConflict(local, server store.Snapshot, kind ConflictKind) store.Snapshot {
	switch kind {
	case ConflictField:
		merged := server
		merged.State = local.State.Merge(server.State)
		return merged
	case ConflictVersion:
		if local.Version > server.Version {
			out := local
			out.State = local.State.Clone()
			return out
		}
		out := server
		out.State = server.State.Clone()
		return out
	default:
		// Out-of-order and unknown kinds defer to authoritative ordering.
		out := server
		out.State = server.State.Clone()
		return out
	}
}

// HandleConcurrentActions arbitrates between a local action and a concurrent
// server-observed action. The local action is accepted only when it is
// strictly newer than the server's.
func HandleConcurrentActions(local, server ActionClaim) (accepted bool, reason string) {
	if !server.Timestamp.Before(local.Timestamp) {
		return false, "server action newer"
	}
	return true, ""
}

// ValidateTransition enforces monotonicity between successive authoritative
// snapshots of the same session: the session id must not change, the round
// must never decrease, and within an unchanged round the turn index must
// never decrease. A false result is an anomaly for the caller to flag and
// resolve.
func ValidateTransition(from, to store.Snapshot) bool {
	if from.SessionID != to.SessionID {
		return false
	}
	if to.Round < from.Round {
		return false
	}
	if to.Round == from.Round && to.Turn < from.Turn {
		return false
	}
	return true
}

// MergeStates folds fragments left to right, later fragments' fields
// overwriting earlier ones. Used to combine snapshots buffered during a
// temporary disconnect.
func MergeStates(fragments []store.Fragment) store.Fragment {
	merged := make(store.Fragment)
	for _, f := range fragments {
		for k, v := range f {
			merged[k] = v
		}
	}
	return merged
}
