package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/jmadden91/tablesync/go/internal/metrics"
	"github.com/jmadden91/tablesync/go/internal/store"
	"github.com/jmadden91/tablesync/go/internal/transport"
)

// FrameHandler consumes one inbound frame. Handlers are failure-isolated: an
// error or panic in one handler never blocks delivery to the others.
type FrameHandler func(frame transport.Frame) error

// Config holds the orchestrator's policies.
type Config struct {
	SessionID     string
	Queue         QueueConfig
	Reconnect     ReconnectStrategy
	IssueCapacity int
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig(sessionID string) Config {
	return Config{
		SessionID:     sessionID,
		Queue:         DefaultQueueConfig(),
		Reconnect:     DefaultReconnectStrategy(),
		IssueCapacity: 200,
	}
}

// Orchestrator wires the sync engine together: it routes inbound frames,
// feeds authoritative snapshots through conflict resolution, resolves
// optimistic updates on delivery outcomes, and surfaces anomalies as sync
// issues. It is an explicitly constructed service object; tests build a
// fresh instance per case.
type Orchestrator struct {
	transport transport.Transport
	store     *store.Store
	clock     clockwork.Clock
	metrics   metrics.Collector
	config    Config

	conn    *ConnectionManager
	queue   *MessageQueue
	updates *OptimisticUpdateManager
	issues  *IssueRecorder

	mu           sync.Mutex
	handlers     map[transport.FrameType]map[int]FrameHandler
	nextHandler  int
	lastSnapshot *store.Snapshot
	inFlight     map[string]deliveryTrack
	buffered     []store.Snapshot
	frameSub     transport.Subscription
	started      bool
}

// deliveryTrack is the bookkeeping for one published message awaiting its
// delivery receipt.
type deliveryTrack struct {
	updateID string
	sub      transport.Subscription
	expiry   clockwork.Timer
}

// actionForFrame maps server event frames onto the local action names they
// supersede, for concurrent-action arbitration.
var actionForFrame = map[transport.FrameType]string{
	FrameTypeVoteCast:    "vote",
	FrameTypeChatMessage: "chat",
}

// New creates an orchestrator and its owned sub-components.
func New(t transport.Transport, st *store.Store, config Config, clock clockwork.Clock, collector metrics.Collector) *Orchestrator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if collector == nil {
		collector = metrics.Nop{}
	}

	issues := NewIssueRecorder(config.IssueCapacity, clock, collector)
	conn := NewConnectionManager(t, config.Reconnect, clock, issues, collector)

	o := &Orchestrator{
		transport: t,
		store:     st,
		clock:     clock,
		metrics:   collector,
		config:    config,
		conn:      conn,
		updates:   NewOptimisticUpdateManager(clock),
		issues:    issues,
		handlers:  make(map[transport.FrameType]map[int]FrameHandler),
		inFlight:  make(map[string]deliveryTrack),
	}
	o.queue = NewMessageQueue(config.Queue, clock, issues, conn.Connected, collector)
	o.queue.OnDrop(o.handleQueueDrop)
	return o
}

// Start subscribes to the raw frame stream and arms queue draining on every
// recovery, then establishes the session.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true
	o.mu.Unlock()

	o.frameSub = o.transport.OnFrame(o.handleFrame)
	o.conn.OnConnected(o.drainQueue)
	o.conn.OnConnected(o.flushBufferedSnapshots)

	if err := o.conn.Connect(ctx); err != nil {
		return fmt.Errorf("start sync engine: %w", err)
	}
	return nil
}

// Stop tears down the session and disposes all frame subscriptions.
func (o *Orchestrator) Stop() {
	o.conn.Disconnect()
	o.conn.Close()
	if o.frameSub != nil {
		o.frameSub.Unsubscribe()
	}
	o.mu.Lock()
	tracks := make([]deliveryTrack, 0, len(o.inFlight))
	for _, track := range o.inFlight {
		tracks = append(tracks, track)
	}
	o.inFlight = make(map[string]deliveryTrack)
	o.mu.Unlock()
	for _, track := range tracks {
		if track.expiry != nil {
			stopAndDrainTimer(track.expiry)
		}
		track.sub.Unsubscribe()
	}
}

// Connection returns the connection manager.
func (o *Orchestrator) Connection() *ConnectionManager { return o.conn }

// Queue returns the outbound message queue.
func (o *Orchestrator) Queue() *MessageQueue { return o.queue }

// Updates returns the optimistic update ledger.
func (o *Orchestrator) Updates() *OptimisticUpdateManager { return o.updates }

// Issues returns the sync issue recorder.
func (o *Orchestrator) Issues() *IssueRecorder { return o.issues }

// Subscribe opens a destination channel and remembers it for re-subscription
// after recoveries.
func (o *Orchestrator) Subscribe(destination string) error {
	o.conn.TrackChannel(destination)
	if !o.conn.Connected() {
		return nil
	}
	if err := o.transport.Subscribe(destination); err != nil {
		return fmt.Errorf("subscribe %s: %w", destination, err)
	}
	return nil
}

// On registers a handler for a frame type and returns its dispose handle.
func (o *Orchestrator) On(frameType transport.FrameType, handler FrameHandler) transport.Subscription {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextHandler++
	id := o.nextHandler
	if o.handlers[frameType] == nil {
		o.handlers[frameType] = make(map[int]FrameHandler)
	}
	o.handlers[frameType][id] = handler
	return subscriptionFunc(func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.handlers[frameType], id)
	})
}

// SendMessage applies an optimistic local overlay and publishes the intent.
// original must be the pre-mutation slice of the store the overlay replaces;
// it is what a rollback restores. The returned id identifies the outbound
// message for delivery tracking.
func (o *Orchestrator) SendMessage(destination, action string, body any, optimistic, original store.Fragment) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		o.issues.Record(IssueValidationError, "failed to encode outbound message", map[string]any{
			"destination": destination,
			"action":      action,
		})
		return "", fmt.Errorf("encode message for %s: %w", destination, err)
	}

	updateID := ""
	if optimistic != nil {
		updateID = o.updates.Apply(action, optimistic, original)
		o.store.Apply(optimistic)
	}

	messageID := uuid.New().String()

	if !o.conn.Connected() {
		o.queue.Enqueue(destination, payload, messageID, updateID)
		return messageID, nil
	}

	o.trackDelivery(messageID, updateID, destination)
	if err := o.transport.Publish(destination, messageID, payload); err != nil {
		// Immediate send failed; hold the message for the next drain.
		o.untrackDelivery(messageID)
		o.queue.Enqueue(destination, payload, messageID, updateID)
		log.Debug().Err(err).Str("message_id", messageID).Msg("publish failed, message queued")
	}
	return messageID, nil
}

// SendProbe publishes a latency probe frame.
func (o *Orchestrator) SendProbe(destination string) (string, error) {
	probeID := uuid.New().String()
	o.conn.MarkProbeSent(probeID)
	body, err := json.Marshal(map[string]any{
		"probe_id": probeID,
		"sent_at":  o.clock.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("encode probe: %w", err)
	}
	if err := o.transport.Publish(destination, probeID, body); err != nil {
		return "", fmt.Errorf("send probe: %w", err)
	}
	return probeID, nil
}

// drainQueue is the on-connected hook that flushes held messages.
func (o *Orchestrator) drainQueue() {
	o.queue.Process(o.publishPending)
}

// publishPending delivers one queued message, arming delivery tracking first
// so a fast receipt is not missed.
func (o *Orchestrator) publishPending(msg *PendingMessage) error {
	o.trackDelivery(msg.ID, msg.UpdateID, msg.Destination)
	if err := o.transport.Publish(msg.Destination, msg.ID, msg.Body); err != nil {
		o.untrackDelivery(msg.ID)
		return err
	}
	return nil
}

// handleQueueDrop resolves the optimistic update linked to a permanently
// dropped message; the queue has already recorded the issue.
func (o *Orchestrator) handleQueueDrop(msg *PendingMessage) {
	if msg.UpdateID == "" {
		return
	}
	o.rollback(msg.UpdateID)
}

// trackDelivery listens for one message's receipt. A receipt that never
// arrives must not pin the listener forever, so the tracking window matches
// the destination's queue TTL; after it lapses the update is left for the
// next authoritative snapshot to resolve.
func (o *Orchestrator) trackDelivery(messageID, updateID, destination string) {
	sub := o.transport.OnDelivery(messageID, func(result transport.DeliveryResult) {
		o.handleDelivery(result)
	})
	expiry := o.clock.AfterFunc(o.queue.TTLFor(destination), func() {
		o.untrackDelivery(messageID)
	})
	o.mu.Lock()
	o.inFlight[messageID] = deliveryTrack{updateID: updateID, sub: sub, expiry: expiry}
	o.mu.Unlock()
}

func (o *Orchestrator) untrackDelivery(messageID string) (updateID string, tracked bool) {
	o.mu.Lock()
	track, tracked := o.inFlight[messageID]
	delete(o.inFlight, messageID)
	o.mu.Unlock()
	if !tracked {
		return "", false
	}
	if track.expiry != nil {
		stopAndDrainTimer(track.expiry)
	}
	track.sub.Unsubscribe()
	return track.updateID, true
}

// handleDelivery resolves a delivery receipt: success confirms the linked
// optimistic update, failure rolls it back and records an issue.
func (o *Orchestrator) handleDelivery(result transport.DeliveryResult) {
	updateID, _ := o.untrackDelivery(result.MessageID)
	removed, _ := o.queue.Remove(result.MessageID)
	if updateID == "" && removed != nil {
		updateID = removed.UpdateID
	}

	o.metrics.RecordDelivery(result.Success)

	if result.Success {
		if updateID != "" {
			o.updates.Confirm(updateID, nil)
		}
		return
	}

	if updateID != "" {
		o.rollback(updateID)
	}
	o.issues.Record(IssueValidationError, "message delivery failed", map[string]any{
		"message_id": result.MessageID,
		"reason":     result.Reason,
	})
}

// rollback restores an update's pre-mutation slice into the store.
func (o *Orchestrator) rollback(updateID string) {
	original, ok := o.updates.Rollback(updateID)
	if !ok {
		return
	}
	o.store.Apply(original)
	o.metrics.RecordRollback()
}

// handleFrame is the single entry point for the raw inbound frame stream.
func (o *Orchestrator) handleFrame(frame transport.Frame) {
	switch frame.Type {
	case FrameTypeSessionState:
		o.handleStateFrame(frame)
	case FrameTypeProbeEcho:
		o.handleProbeEcho(frame)
	default:
		o.conn.ObserveFrameTimestamp(frame.ID, frame.Timestamp)
		o.arbitrateConcurrentAction(frame)
		o.dispatch(frame)
	}
}

// handleStateFrame applies a full authoritative snapshot. The snapshot is
// validated against the previous one; an ordering anomaly is flagged, and a
// stale replay of an older round or turn is discarded in favor of the newest
// authoritative state already applied. Receipt of an applied snapshot
// implicitly confirms every pending optimistic update.
func (o *Orchestrator) handleStateFrame(frame transport.Frame) {
	var payload SessionStatePayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		o.issues.Record(IssueValidationError, "undecodable state frame", map[string]any{
			"frame_id": frame.ID,
		})
		return
	}
	snapshot := payload.Snapshot

	if !o.conn.Connected() {
		// Keep snapshots that raced a drop; they are folded together and
		// applied as one once the session recovers.
		o.mu.Lock()
		o.buffered = append(o.buffered, snapshot)
		o.mu.Unlock()
		return
	}

	o.applySnapshot(snapshot)
}

func (o *Orchestrator) applySnapshot(snapshot store.Snapshot) {
	o.mu.Lock()
	last := o.lastSnapshot
	o.mu.Unlock()

	if last != nil && !ValidateTransition(*last, snapshot) {
		o.issues.Record(IssueValidationError, "snapshot failed monotonicity validation", map[string]any{
			"session_id": snapshot.SessionID,
			"from_round": last.Round,
			"from_turn":  last.Turn,
			"to_round":   snapshot.Round,
			"to_turn":    snapshot.Turn,
		})
		if last.SessionID == snapshot.SessionID {
			// A regressed round or turn within the same session is a
			// stale replay; authoritative ordering keeps the newest
			// snapshot in the store.
			resolved := ResolveConflict(snapshot, *last, ConflictOutOfOrder)
			o.store.Apply(resolved.State.Clone())
			return
		}
	}

	o.store.Apply(snapshot.State.Clone())

	o.mu.Lock()
	o.lastSnapshot = &snapshot
	o.mu.Unlock()

	// The snapshot proves the server observed all prior local intent, so
	// the entire pending ledger is confirmed wholesale.
	confirmed := 0
	for _, id := range o.updates.PendingIDs() {
		if o.updates.Confirm(id, nil) {
			confirmed++
		}
	}
	if confirmed > 0 {
		log.Debug().Int("confirmed", confirmed).Msg("pending updates confirmed by authoritative snapshot")
	}
	o.updates.PruneResolved()
}

// flushBufferedSnapshots folds snapshots that arrived during a drop into one
// state and applies it, keeping the ordering metadata of the newest.
func (o *Orchestrator) flushBufferedSnapshots() {
	o.mu.Lock()
	buffered := o.buffered
	o.buffered = nil
	o.mu.Unlock()
	if len(buffered) == 0 {
		return
	}

	fragments := make([]store.Fragment, len(buffered))
	for i, snap := range buffered {
		fragments[i] = snap.State
	}
	merged := buffered[len(buffered)-1]
	merged.State = MergeStates(fragments)
	o.applySnapshot(merged)
}

func (o *Orchestrator) handleProbeEcho(frame transport.Frame) {
	var payload ProbeEchoPayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		log.Warn().Err(err).Str("frame_id", frame.ID).Msg("undecodable probe echo")
		return
	}
	o.conn.ObserveProbe(payload.ProbeID)
}

// arbitrateConcurrentAction rejects pending local speculation that a server
// event of the same action supersedes.
func (o *Orchestrator) arbitrateConcurrentAction(frame transport.Frame) {
	action, ok := actionForFrame[frame.Type]
	if !ok {
		return
	}
	for _, update := range o.updates.PendingByAction(action) {
		accepted, reason := HandleConcurrentActions(
			ActionClaim{Action: action, Timestamp: update.CreatedAt},
			ActionClaim{Action: action, Timestamp: frame.Timestamp},
		)
		if accepted {
			continue
		}
		o.rollback(update.ID)
		o.issues.Record(IssueOutOfOrder, "local action superseded by server action", map[string]any{
			"update_id": update.ID,
			"action":    action,
			"reason":    reason,
		})
	}
}

// dispatch routes a frame to every registered handler for its type. Each
// handler runs isolated: a panic or error is logged and does not stop the
// remaining handlers.
func (o *Orchestrator) dispatch(frame transport.Frame) {
	o.mu.Lock()
	registered := o.handlers[frame.Type]
	handlers := make([]FrameHandler, 0, len(registered))
	for _, h := range registered {
		handlers = append(handlers, h)
	}
	o.mu.Unlock()

	if len(handlers) == 0 {
		log.Debug().Str("type", string(frame.Type)).Str("frame_id", frame.ID).Msg("no handler for frame")
		return
	}

	for _, handler := range handlers {
		o.invoke(handler, frame)
	}
}

func (o *Orchestrator) invoke(handler FrameHandler, frame transport.Frame) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("type", string(frame.Type)).
				Str("frame_id", frame.ID).
				Msg("frame handler panicked")
		}
	}()
	if err := handler(frame); err != nil {
		log.Error().
			Err(err).
			Str("type", string(frame.Type)).
			Str("frame_id", frame.ID).
			Msg("frame handler failed")
	}
}

// subscriptionFunc adapts a dispose func to the Subscription interface.
type subscriptionFunc func()

func (f subscriptionFunc) Unsubscribe() { f() }
