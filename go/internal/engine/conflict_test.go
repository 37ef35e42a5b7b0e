package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jmadden91/tablesync/go/internal/store"
)

func TestValidateTransition(t *testing.T) {
	base := store.Snapshot{SessionID: "s1", Round: 2, Turn: 3}

	tests := []struct {
		name string
		to   store.Snapshot
		want bool
	}{
		{"round advances", store.Snapshot{SessionID: "s1", Round: 3, Turn: 0}, true},
		{"turn advances within round", store.Snapshot{SessionID: "s1", Round: 2, Turn: 4}, true},
		{"identical counters", store.Snapshot{SessionID: "s1", Round: 2, Turn: 3}, true},
		{"round decreases", store.Snapshot{SessionID: "s1", Round: 1, Turn: 9}, false},
		{"turn decreases within round", store.Snapshot{SessionID: "s1", Round: 2, Turn: 2}, false},
		{"turn resets on new round", store.Snapshot{SessionID: "s1", Round: 3, Turn: 0}, true},
		{"session id changes", store.Snapshot{SessionID: "s2", Round: 5, Turn: 9}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateTransition(base, tt.to))
		})
	}
}

func TestResolveConflictField(t *testing.T) {
	local := store.Snapshot{SessionID: "s1", Round: 1, State: store.Fragment{"a": 1, "b": "local"}}
	server := store.Snapshot{SessionID: "s1", Round: 1, State: store.Fragment{"b": "server", "c": true}}

	merged := ResolveConflict(local, server, ConflictField)

	assert.Equal(t, 1, merged.State["a"], "local-only field survives")
	assert.Equal(t, "server", merged.State["b"], "server wins on conflict")
	assert.Equal(t, true, merged.State["c"])
}

func TestResolveConflictVersion(t *testing.T) {
	local := store.Snapshot{Version: 7, State: store.Fragment{"who": "local"}}
	server := store.Snapshot{Version: 5, State: store.Fragment{"who": "server"}}

	assert.Equal(t, "local", ResolveConflict(local, server, ConflictVersion).State["who"])

	server.Version = 9
	assert.Equal(t, "server", ResolveConflict(local, server, ConflictVersion).State["who"])

	server.Version = 7
	assert.Equal(t, "server", ResolveConflict(local, server, ConflictVersion).State["who"], "ties favor server")
}

func TestResolveConflictOutOfOrder(t *testing.T) {
	local := store.Snapshot{Version: 100, State: store.Fragment{"who": "local"}}
	server := store.Snapshot{Version: 1, State: store.Fragment{"who": "server"}}

	assert.Equal(t, "server", ResolveConflict(local, server, ConflictOutOfOrder).State["who"])
}

func TestHandleConcurrentActions(t *testing.T) {
	now := time.Now()

	accepted, reason := HandleConcurrentActions(
		ActionClaim{Action: "vote", Timestamp: now},
		ActionClaim{Action: "vote", Timestamp: now.Add(time.Second)},
	)
	assert.False(t, accepted)
	assert.Equal(t, "server action newer", reason)

	accepted, reason = HandleConcurrentActions(
		ActionClaim{Action: "vote", Timestamp: now},
		ActionClaim{Action: "vote", Timestamp: now},
	)
	assert.False(t, accepted, "equal timestamps reject the local action")
	assert.Equal(t, "server action newer", reason)

	accepted, reason = HandleConcurrentActions(
		ActionClaim{Action: "vote", Timestamp: now.Add(time.Second)},
		ActionClaim{Action: "vote", Timestamp: now},
	)
	assert.True(t, accepted)
	assert.Empty(t, reason)
}

func TestMergeStatesFoldsLeftToRight(t *testing.T) {
	merged := MergeStates([]store.Fragment{
		{"a": 1, "b": 1},
		{"b": 2, "c": 2},
		{"c": 3},
	})

	assert.Equal(t, store.Fragment{"a": 1, "b": 2, "c": 3}, merged)
}

func TestMergeStatesEmpty(t *testing.T) {
	assert.Equal(t, store.Fragment{}, MergeStates(nil))
}
