package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/jmadden91/tablesync/go/internal/metrics"
	"github.com/jmadden91/tablesync/go/internal/transport"
)

// ConnState is the connection lifecycle position.
type ConnState string

const (
	StateIdle         ConnState = "idle"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateError        ConnState = "error"
)

// validTransitions encodes the state machine: only idle, disconnected and
// error may move to connecting; only connecting may move to connected.
var validTransitions = map[ConnState][]ConnState{
	StateIdle:         {StateConnecting},
	StateConnecting:   {StateConnected, StateDisconnected, StateError},
	StateConnected:    {StateDisconnected, StateError},
	StateDisconnected: {StateConnecting},
	StateError:        {StateConnecting, StateDisconnected},
}

// ConnectionStatus is an observer-facing snapshot of the connection state.
type ConnectionStatus struct {
	State              ConnState     `json:"state"`
	LastConnectedAt    time.Time     `json:"last_connected_at,omitzero"`
	LastDisconnectedAt time.Time     `json:"last_disconnected_at,omitzero"`
	ReconnectAttempts  int           `json:"reconnect_attempts"`
	LastError          string        `json:"last_error,omitempty"`
	AverageLatency     time.Duration `json:"average_latency_ns"`
	LatencySamples     int           `json:"latency_samples"`
}

// ConnectionManager owns the connection state machine. It registers for
// transport connectivity callbacks, drives reconnection with capped
// exponential backoff, and triggers queue draining when a session comes up.
// Once the attempt cap is reached it stops retrying; resuming requires an
// explicit Connect call.
type ConnectionManager struct {
	transport transport.Transport
	strategy  ReconnectStrategy
	clock     clockwork.Clock
	issues    *IssueRecorder
	metrics   metrics.Collector

	mu                 sync.Mutex
	state              ConnState
	lastConnectedAt    time.Time
	lastDisconnectedAt time.Time
	lastError          string
	attempts           int
	userClosed         bool
	exhausted          bool
	channels           map[string]struct{}
	latency            *latencyWindow
	probes             map[string]time.Time
	onConnected        []func()
	reconnectTimer     clockwork.Timer
	connSub            transport.Subscription
	ctx                context.Context
}

// NewConnectionManager creates a manager in the idle state and registers for
// the transport's connectivity callbacks.
func NewConnectionManager(t transport.Transport, strategy ReconnectStrategy, clock clockwork.Clock, issues *IssueRecorder, collector metrics.Collector) *ConnectionManager {
	if collector == nil {
		collector = metrics.Nop{}
	}
	cm := &ConnectionManager{
		transport: t,
		strategy:  strategy,
		clock:     clock,
		issues:    issues,
		metrics:   collector,
		state:     StateIdle,
		channels:  make(map[string]struct{}),
		latency:   newLatencyWindow(defaultLatencyWindowSize),
		probes:    make(map[string]time.Time),
		ctx:       context.Background(),
	}
	cm.connSub = t.OnConnectionChange(cm.handleConnectivity)
	return cm
}

// OnConnected registers a hook fired each time a session is established,
// including recoveries. The orchestrator uses this to drain the queue.
func (cm *ConnectionManager) OnConnected(fn func()) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onConnected = append(cm.onConnected, fn)
}

// Connect establishes a session. It is a no-op when already connecting or
// connected. A failed attempt moves to the error state and is not retried
// from this call; retries are scheduled only by the disconnect path.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.state == StateConnecting || cm.state == StateConnected {
		cm.mu.Unlock()
		return nil
	}
	cm.transition(StateConnecting)
	cm.userClosed = false
	cm.exhausted = false
	cm.attempts = 0
	cm.ctx = ctx
	cm.mu.Unlock()

	if err := cm.transport.Connect(ctx); err != nil {
		cm.mu.Lock()
		cm.transition(StateError)
		cm.lastError = err.Error()
		cm.mu.Unlock()
		return fmt.Errorf("establish session: %w", err)
	}

	// The transport reports success through the connectivity callback,
	// which completes the transition to connected. Guard against adapters
	// that connect silently.
	cm.mu.Lock()
	if cm.state == StateConnecting {
		cm.mu.Unlock()
		cm.markConnected()
		return nil
	}
	cm.mu.Unlock()
	return nil
}

// Disconnect tears the session down explicitly. No reconnect is scheduled.
func (cm *ConnectionManager) Disconnect() {
	cm.mu.Lock()
	cm.userClosed = true
	cm.cancelReconnectLocked()
	cm.mu.Unlock()

	cm.transport.Disconnect()

	cm.mu.Lock()
	if cm.state != StateDisconnected {
		cm.transition(StateDisconnected)
		cm.lastDisconnectedAt = cm.clock.Now()
	}
	cm.mu.Unlock()
}

// Close disposes the connectivity subscription and any pending timer.
func (cm *ConnectionManager) Close() {
	cm.mu.Lock()
	cm.cancelReconnectLocked()
	sub := cm.connSub
	cm.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// handleConnectivity reacts to asynchronous transport session changes.
func (cm *ConnectionManager) handleConnectivity(connected bool) {
	if connected {
		cm.markConnected()
		return
	}

	cm.mu.Lock()
	if cm.state == StateDisconnected {
		cm.mu.Unlock()
		return
	}
	cm.transition(StateDisconnected)
	cm.lastDisconnectedAt = cm.clock.Now()
	userClosed := cm.userClosed
	cm.mu.Unlock()

	if userClosed {
		return
	}
	cm.scheduleReconnect()
}

// markConnected completes a session establishment or recovery.
func (cm *ConnectionManager) markConnected() {
	cm.mu.Lock()
	if cm.state == StateConnected {
		cm.mu.Unlock()
		return
	}
	cm.transition(StateConnected)
	cm.lastConnectedAt = cm.clock.Now()
	cm.attempts = 0
	cm.exhausted = false
	cm.lastError = ""
	cm.cancelReconnectLocked()
	hooks := make([]func(), len(cm.onConnected))
	copy(hooks, cm.onConnected)
	channels := make([]string, 0, len(cm.channels))
	for ch := range cm.channels {
		channels = append(channels, ch)
	}
	cm.mu.Unlock()

	for _, ch := range channels {
		if err := cm.transport.Subscribe(ch); err != nil {
			log.Warn().Err(err).Str("destination", ch).Msg("failed to re-subscribe channel")
		}
	}
	for _, fn := range hooks {
		fn()
	}
}

// scheduleReconnect arms a one-shot backoff timer for the next attempt, or
// records a terminal issue when attempts are exhausted.
func (cm *ConnectionManager) scheduleReconnect() {
	cm.mu.Lock()
	if cm.strategy.Exhausted(cm.attempts) {
		cm.exhausted = true
		cm.mu.Unlock()
		cm.issues.Record(IssueValidationError, "reconnect attempts exhausted", map[string]any{
			"attempts": cm.strategy.MaxAttempts,
		})
		log.Error().Int("attempts", cm.strategy.MaxAttempts).Msg("reconnect attempts exhausted, explicit connect required")
		return
	}
	cm.attempts++
	attempt := cm.attempts
	delay := cm.strategy.Delay(attempt)
	timer := cm.clock.NewTimer(delay)
	cm.reconnectTimer = timer
	ctx := cm.ctx
	cm.mu.Unlock()

	cm.metrics.RecordReconnectAttempt()
	log.Info().
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("reconnect scheduled")

	go func() {
		select {
		case <-timer.Chan():
			cm.attemptReconnect()
		case <-ctx.Done():
			stopAndDrainTimer(timer)
		}
	}()
}

// attemptReconnect performs one scheduled reconnection attempt.
func (cm *ConnectionManager) attemptReconnect() {
	cm.mu.Lock()
	if cm.userClosed || cm.state == StateConnected {
		cm.mu.Unlock()
		return
	}
	cm.transition(StateConnecting)
	ctx := cm.ctx
	cm.mu.Unlock()

	if err := cm.transport.Connect(ctx); err != nil {
		cm.mu.Lock()
		cm.transition(StateError)
		cm.lastError = err.Error()
		cm.mu.Unlock()
		log.Warn().Err(err).Msg("reconnect attempt failed")
		cm.scheduleReconnect()
		return
	}

	cm.markConnected()
}

// transition moves the state machine, logging any invalid move. Callers hold
// the mutex.
func (cm *ConnectionManager) transition(to ConnState) {
	if cm.state == to {
		return
	}
	allowed := false
	for _, next := range validTransitions[cm.state] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		log.Error().
			Str("from", string(cm.state)).
			Str("to", string(to)).
			Msg("invalid connection state transition")
		return
	}
	log.Debug().Str("from", string(cm.state)).Str("to", string(to)).Msg("connection state changed")
	cm.state = to
	cm.metrics.RecordConnectionState(string(to))
}

func (cm *ConnectionManager) cancelReconnectLocked() {
	if cm.reconnectTimer != nil {
		stopAndDrainTimer(cm.reconnectTimer)
		cm.reconnectTimer = nil
	}
}

// stopAndDrainTimer stops a timer and drains its channel so a fired timer
// does not leak its tick.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

// TrackChannel remembers a destination to re-subscribe after a recovery.
func (cm *ConnectionManager) TrackChannel(destination string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.channels[destination] = struct{}{}
}

// UntrackChannel forgets a destination.
func (cm *ConnectionManager) UntrackChannel(destination string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.channels, destination)
}

// MarkProbeSent records the send time of a latency probe.
func (cm *ConnectionManager) MarkProbeSent(probeID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.probes[probeID] = cm.clock.Now()
}

// ObserveProbe resolves an outstanding probe into a latency sample.
func (cm *ConnectionManager) ObserveProbe(probeID string) {
	cm.mu.Lock()
	sentAt, ok := cm.probes[probeID]
	if !ok {
		cm.mu.Unlock()
		return
	}
	delete(cm.probes, probeID)
	now := cm.clock.Now()
	sample := LatencySample{
		ID:         probeID,
		SentAt:     sentAt,
		ReceivedAt: now,
		RTT:        now.Sub(sentAt),
	}
	cm.latency.add(sample)
	cm.mu.Unlock()

	cm.metrics.RecordLatency(sample.RTT)
}

// ObserveFrameTimestamp folds an event frame's wall-clock delta into the
// latency window for frames with no explicit probe.
func (cm *ConnectionManager) ObserveFrameTimestamp(id string, sentAt time.Time) {
	if sentAt.IsZero() {
		return
	}
	cm.mu.Lock()
	now := cm.clock.Now()
	rtt := now.Sub(sentAt)
	if rtt < 0 {
		rtt = 0
	}
	sample := LatencySample{ID: id, SentAt: sentAt, ReceivedAt: now, RTT: rtt}
	cm.latency.add(sample)
	cm.mu.Unlock()

	cm.metrics.RecordLatency(sample.RTT)
}

// State returns the current connection state.
func (cm *ConnectionManager) State() ConnState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// Connected reports whether a session is currently established.
func (cm *ConnectionManager) Connected() bool {
	return cm.State() == StateConnected
}

// Status returns an observer-facing snapshot.
func (cm *ConnectionManager) Status() ConnectionStatus {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return ConnectionStatus{
		State:              cm.state,
		LastConnectedAt:    cm.lastConnectedAt,
		LastDisconnectedAt: cm.lastDisconnectedAt,
		ReconnectAttempts:  cm.attempts,
		LastError:          cm.lastError,
		AverageLatency:     cm.latency.average(),
		LatencySamples:     cm.latency.count(),
	}
}
