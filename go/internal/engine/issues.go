package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/jmadden91/tablesync/go/internal/metrics"
)

// IssueCategory classifies a recorded synchronization anomaly.
type IssueCategory string

const (
	// IssueValidationError covers delivery failures and snapshot
	// merge-validation failures.
	IssueValidationError IssueCategory = "VALIDATION_ERROR"
	// IssueOutOfOrder covers stale queued messages dropped before sending
	// and snapshot ordering anomalies.
	IssueOutOfOrder IssueCategory = "OUT_OF_ORDER"
)

// SyncIssue is a non-fatal anomaly surfaced for diagnostics and UI. Issues
// never propagate as errors.
type SyncIssue struct {
	ID          string         `json:"id"`
	Category    IssueCategory  `json:"category"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// IssueRecorder keeps a capped, append-only list of sync issues. When the cap
// is exceeded the oldest issues are pruned.
type IssueRecorder struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	capacity int
	issues   []SyncIssue
	metrics  metrics.Collector
	onIssue  []func(SyncIssue)
}

// NewIssueRecorder creates a recorder holding at most capacity issues.
func NewIssueRecorder(capacity int, clock clockwork.Clock, collector metrics.Collector) *IssueRecorder {
	if capacity <= 0 {
		capacity = 100
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &IssueRecorder{
		clock:    clock,
		capacity: capacity,
		metrics:  collector,
	}
}

// OnIssue registers a listener invoked for every recorded issue.
func (r *IssueRecorder) OnIssue(fn func(SyncIssue)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onIssue = append(r.onIssue, fn)
}

// Record appends a new issue and returns it.
func (r *IssueRecorder) Record(category IssueCategory, description string, data map[string]any) SyncIssue {
	issue := SyncIssue{
		ID:          uuid.New().String(),
		Category:    category,
		Description: description,
		Data:        data,
		Timestamp:   r.clock.Now(),
	}

	r.mu.Lock()
	r.issues = append(r.issues, issue)
	if len(r.issues) > r.capacity {
		r.issues = r.issues[len(r.issues)-r.capacity:]
	}
	listeners := make([]func(SyncIssue), len(r.onIssue))
	copy(listeners, r.onIssue)
	r.mu.Unlock()

	log.Warn().
		Str("issue_id", issue.ID).
		Str("category", string(category)).
		Str("description", description).
		Msg("sync issue recorded")
	r.metrics.RecordSyncIssue(string(category))

	for _, fn := range listeners {
		fn(issue)
	}
	return issue
}

// Issues returns a copy of the recorded issues, oldest first.
func (r *IssueRecorder) Issues() []SyncIssue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SyncIssue, len(r.issues))
	copy(out, r.issues)
	return out
}

// Len returns the number of retained issues.
func (r *IssueRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.issues)
}

// Prune drops all but the newest keep issues.
func (r *IssueRecorder) Prune(keep int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if keep < 0 {
		keep = 0
	}
	if len(r.issues) > keep {
		r.issues = r.issues[len(r.issues)-keep:]
	}
}
