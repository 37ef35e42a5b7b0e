package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/jmadden91/tablesync/go/internal/store"
)

// OptimisticUpdate is a speculative local mutation awaiting server
// confirmation. Confirmed and RolledBack are mutually exclusive and each is
// set at most once; until one is set the update is pending and reversible.
type OptimisticUpdate struct {
	ID         string
	Action     string
	Applied    store.Fragment
	Original   store.Fragment
	CreatedAt  time.Time
	Confirmed  bool
	RolledBack bool
}

// Pending reports whether the update is still unresolved.
func (u *OptimisticUpdate) Pending() bool {
	return !u.Confirmed && !u.RolledBack
}

// OptimisticUpdateManager tracks speculative local mutations so they can be
// confirmed against server truth or rolled back to their pre-mutation
// snapshot. It only tracks reversibility: the caller performs the actual
// domain store writes.
type OptimisticUpdateManager struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	updates map[string]*OptimisticUpdate
	order   []string // creation order of all tracked ids
}

// NewOptimisticUpdateManager creates an empty ledger.
func NewOptimisticUpdateManager(clock clockwork.Clock) *OptimisticUpdateManager {
	return &OptimisticUpdateManager{
		clock:   clock,
		updates: make(map[string]*OptimisticUpdate),
	}
}

// Apply records a speculative mutation and returns its id. original must be
// the pre-mutation snapshot of the state slice the caller is about to
// overwrite; it is captured here so rollback stays possible.
func (m *OptimisticUpdateManager) Apply(action string, optimistic, original store.Fragment) string {
	update := &OptimisticUpdate{
		ID:        uuid.New().String(),
		Action:    action,
		Applied:   optimistic.Clone(),
		Original:  original.Clone(),
		CreatedAt: m.clock.Now(),
	}

	m.mu.Lock()
	m.updates[update.ID] = update
	m.order = append(m.order, update.ID)
	m.mu.Unlock()

	log.Debug().
		Str("update_id", update.ID).
		Str("action", action).
		Msg("optimistic update recorded")
	return update.ID
}

// Confirm marks an update confirmed. If a server state fragment is supplied
// it is merged over the optimistic fragment, server fields winning. Unknown
// or already-resolved ids are silent no-ops; a delivery ack can race a
// snapshot-driven implicit confirm and only the first resolution counts.
func (m *OptimisticUpdateManager) Confirm(id string, server store.Fragment) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	update, ok := m.updates[id]
	if !ok || !update.Pending() {
		return false
	}
	update.Confirmed = true
	if server != nil {
		update.Applied = update.Applied.Merge(server)
	}
	return true
}

// Rollback marks a pending update rolled back and returns the original state
// fragment the caller must restore into the domain store. Unknown or
// already-resolved ids are silent no-ops.
func (m *OptimisticUpdateManager) Rollback(id string) (store.Fragment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	update, ok := m.updates[id]
	if !ok || !update.Pending() {
		return nil, false
	}
	update.RolledBack = true
	log.Debug().
		Str("update_id", id).
		Str("action", update.Action).
		Msg("optimistic update rolled back")
	return update.Original.Clone(), true
}

// MergeServerState returns the server snapshot with every still-pending
// optimistic fragment re-applied on top, oldest first. Used when a fresh
// authoritative snapshot arrives while local speculation is outstanding.
func (m *OptimisticUpdateManager) MergeServerState(snapshot store.Fragment) store.Fragment {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := snapshot.Clone()
	if merged == nil {
		merged = make(store.Fragment)
	}
	for _, id := range m.order {
		update, ok := m.updates[id]
		if !ok || !update.Pending() {
			continue
		}
		for k, v := range update.Applied {
			merged[k] = v
		}
	}
	return merged
}

// Get returns a copy of the tracked update.
func (m *OptimisticUpdateManager) Get(id string) (OptimisticUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	update, ok := m.updates[id]
	if !ok {
		return OptimisticUpdate{}, false
	}
	return *update, true
}

// PendingIDs returns the ids of unresolved updates in creation order.
func (m *OptimisticUpdateManager) PendingIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, id := range m.order {
		if update, ok := m.updates[id]; ok && update.Pending() {
			out = append(out, id)
		}
	}
	return out
}

// PendingByAction returns unresolved updates for a given action name.
func (m *OptimisticUpdateManager) PendingByAction(action string) []OptimisticUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OptimisticUpdate
	for _, id := range m.order {
		if update, ok := m.updates[id]; ok && update.Pending() && update.Action == action {
			out = append(out, *update)
		}
	}
	return out
}

// PruneResolved discards bookkeeping for resolved updates. Later confirm or
// rollback calls on a pruned id behave like any unknown id: silent no-ops.
func (m *OptimisticUpdateManager) PruneResolved() {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.order[:0]
	for _, id := range m.order {
		update, ok := m.updates[id]
		if !ok {
			continue
		}
		if update.Pending() {
			kept = append(kept, id)
		} else {
			delete(m.updates, id)
		}
	}
	m.order = kept
}
