package engine

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmadden91/tablesync/go/internal/store"
)

func TestOptimisticRollbackReturnsOriginal(t *testing.T) {
	m := NewOptimisticUpdateManager(clockwork.NewFakeClock())

	id := m.Apply("vote", store.Fragment{"voted_for": "p2"}, store.Fragment{"voted_for": nil})

	original, ok := m.Rollback(id)
	require.True(t, ok)
	assert.Equal(t, store.Fragment{"voted_for": nil}, original)

	update, ok := m.Get(id)
	require.True(t, ok)
	assert.True(t, update.RolledBack)
	assert.False(t, update.Confirmed)
}

func TestOptimisticResolutionIsExactlyOnce(t *testing.T) {
	m := NewOptimisticUpdateManager(clockwork.NewFakeClock())

	confirmed := m.Apply("vote", store.Fragment{"voted_for": "p2"}, store.Fragment{"voted_for": nil})
	require.True(t, m.Confirm(confirmed, nil))
	assert.False(t, m.Confirm(confirmed, nil), "second confirm is a no-op")
	_, ok := m.Rollback(confirmed)
	assert.False(t, ok, "rollback after confirm is a no-op")

	rolled := m.Apply("vote", store.Fragment{"voted_for": "p3"}, store.Fragment{"voted_for": nil})
	_, ok = m.Rollback(rolled)
	require.True(t, ok)
	assert.False(t, m.Confirm(rolled, nil), "confirm after rollback is a no-op")

	for _, id := range []string{confirmed, rolled} {
		update, ok := m.Get(id)
		require.True(t, ok)
		assert.NotEqual(t, update.Confirmed, update.RolledBack, "exactly one of confirmed/rolled-back")
	}
}

func TestOptimisticUnknownIDsAreNoops(t *testing.T) {
	m := NewOptimisticUpdateManager(clockwork.NewFakeClock())

	assert.False(t, m.Confirm("ghost", nil))
	_, ok := m.Rollback("ghost")
	assert.False(t, ok)
}

func TestOptimisticConfirmMergesServerState(t *testing.T) {
	m := NewOptimisticUpdateManager(clockwork.NewFakeClock())

	id := m.Apply("score", store.Fragment{"score": 10, "streak": 2}, store.Fragment{"score": 5})
	require.True(t, m.Confirm(id, store.Fragment{"score": 12}))

	update, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, 12, update.Applied["score"], "server field wins")
	assert.Equal(t, 2, update.Applied["streak"], "optimistic-only field survives")
}

func TestMergeServerStateReappliesPendingOverlays(t *testing.T) {
	m := NewOptimisticUpdateManager(clockwork.NewFakeClock())

	older := m.Apply("vote", store.Fragment{"voted_for": "p1"}, nil)
	m.Apply("phase", store.Fragment{"phase": "voting"}, nil)
	resolved := m.Apply("score", store.Fragment{"score": 99}, nil)
	require.True(t, m.Confirm(resolved, nil))

	merged := m.MergeServerState(store.Fragment{
		"voted_for": "server",
		"round":     4,
		"score":     1,
	})

	assert.Equal(t, "p1", merged["voted_for"], "pending overlay wins over snapshot")
	assert.Equal(t, "voting", merged["phase"])
	assert.Equal(t, 4, merged["round"], "untouched snapshot field survives")
	assert.Equal(t, 1, merged["score"], "resolved update no longer overlays")

	_, ok := m.Rollback(older)
	assert.True(t, ok, "pending update stays reversible")
}

func TestMergeServerStateAppliesOverlaysOldestFirst(t *testing.T) {
	m := NewOptimisticUpdateManager(clockwork.NewFakeClock())

	m.Apply("vote", store.Fragment{"voted_for": "p1"}, nil)
	m.Apply("vote", store.Fragment{"voted_for": "p2"}, nil)

	merged := m.MergeServerState(store.Fragment{"voted_for": "server"})
	assert.Equal(t, "p2", merged["voted_for"], "newest speculation wins")
}

func TestPruneResolved(t *testing.T) {
	m := NewOptimisticUpdateManager(clockwork.NewFakeClock())

	pending := m.Apply("vote", store.Fragment{"voted_for": "p1"}, nil)
	done := m.Apply("chat", store.Fragment{"chat": "hi"}, nil)
	require.True(t, m.Confirm(done, nil))

	m.PruneResolved()

	_, ok := m.Get(done)
	assert.False(t, ok)
	_, ok = m.Get(pending)
	assert.True(t, ok)
	assert.Equal(t, []string{pending}, m.PendingIDs())

	// Resolving a pruned id behaves like any unknown id.
	assert.False(t, m.Confirm(done, nil))
}
