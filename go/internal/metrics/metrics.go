package metrics

import (
	"time"
)

// Collector receives observability signals from the sync engine.
type Collector interface {
	RecordConnectionState(state string)
	RecordReconnectAttempt()
	RecordMessageQueued(destination string)
	RecordMessageExpired(destination string)
	RecordMessageDropped(destination string)
	RecordDelivery(success bool)
	RecordSyncIssue(category string)
	RecordRollback()
	RecordLatency(rtt time.Duration)
	RecordQueueDepth(depth int)
}

// Nop is a Collector that discards everything. Used when no metrics backend
// is wired in.
type Nop struct{}

func (Nop) RecordConnectionState(string) {}
func (Nop) RecordReconnectAttempt()      {}
func (Nop) RecordMessageQueued(string)   {}
func (Nop) RecordMessageExpired(string)  {}
func (Nop) RecordMessageDropped(string)  {}
func (Nop) RecordDelivery(bool)          {}
func (Nop) RecordSyncIssue(string)       {}
func (Nop) RecordRollback()              {}
func (Nop) RecordLatency(time.Duration)  {}
func (Nop) RecordQueueDepth(int)         {}
