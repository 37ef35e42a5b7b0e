package engine

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/jmadden91/tablesync/go/internal/metrics"
)

// MessageStatus is the lifecycle position of a pending message.
type MessageStatus string

const (
	MessageQueued    MessageStatus = "queued"
	MessageSending   MessageStatus = "sending"
	MessageDelivered MessageStatus = "delivered"
	MessageFailed    MessageStatus = "failed"
)

// PendingMessage is an outbound message that could not be delivered
// immediately and is held for a later drain.
type PendingMessage struct {
	ID            string
	Destination   string
	Body          []byte
	UpdateID      string // linked optimistic update, if any
	EnqueuedAt    time.Time
	Attempts      int
	Status        MessageStatus
	LastAttemptAt time.Time
}

// QueueConfig holds the per-destination-class expiry windows and the retry
// cap. Destinations whose path contains GameChannelMarker use the longer
// game-action TTL; replaying a stale game action is worse than replaying
// stale chat, so game actions get more time rather than less tolerance.
type QueueConfig struct {
	GameActionTTL     time.Duration
	ChatTTL           time.Duration
	MaxAttempts       int
	GameChannelMarker string
}

// DefaultQueueConfig returns the standard queue policy.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		GameActionTTL:     30 * time.Second,
		ChatTTL:           10 * time.Second,
		MaxAttempts:       3,
		GameChannelMarker: "/game/",
	}
}

// PublishFunc attempts immediate delivery of one pending message.
type PublishFunc func(msg *PendingMessage) error

// DropFunc is notified when a message is permanently dropped, whether by TTL
// expiry or by exhausting its delivery attempts.
type DropFunc func(msg *PendingMessage)

// MessageQueue holds outbound messages awaiting delivery. Enqueue order is
// preserved: a single drain attempts fresh messages in FIFO order, and a
// retried message keeps its position relative to other retained messages.
type MessageQueue struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	config     QueueConfig
	issues     *IssueRecorder
	metrics    metrics.Collector
	connected  func() bool
	onDrop     DropFunc
	pending    []*PendingMessage
	processing bool
}

// NewMessageQueue creates a queue. The connected callback gates draining;
// Process is a no-op while it reports false.
func NewMessageQueue(config QueueConfig, clock clockwork.Clock, issues *IssueRecorder, connected func() bool, collector metrics.Collector) *MessageQueue {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultQueueConfig().MaxAttempts
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &MessageQueue{
		clock:     clock,
		config:    config,
		issues:    issues,
		metrics:   collector,
		connected: connected,
	}
}

// OnDrop registers the callback invoked for every permanently dropped
// message, so the caller can resolve any optimistic update linked to it.
func (q *MessageQueue) OnDrop(fn DropFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrop = fn
}

// Enqueue appends a message to the tail of the queue and returns its id. An
// empty id is replaced with a fresh one. updateID links the message to an
// optimistic update for confirm/rollback on delivery outcome.
func (q *MessageQueue) Enqueue(destination string, body []byte, id, updateID string) string {
	if id == "" {
		id = uuid.New().String()
	}
	msg := &PendingMessage{
		ID:          id,
		Destination: destination,
		Body:        body,
		UpdateID:    updateID,
		EnqueuedAt:  q.clock.Now(),
		Status:      MessageQueued,
	}

	q.mu.Lock()
	q.pending = append(q.pending, msg)
	depth := len(q.pending)
	q.mu.Unlock()

	log.Debug().
		Str("message_id", id).
		Str("destination", destination).
		Int("queue_depth", depth).
		Msg("message queued")
	q.metrics.RecordMessageQueued(destination)
	q.metrics.RecordQueueDepth(depth)
	return id
}

// Process drains the queue once. It is a no-op when a drain is already in
// flight or when the connection is down. Messages past their class TTL are
// dropped and recorded as out-of-order issues; fresh messages are attempted
// in enqueue order, and a failed attempt re-queues the message unless its
// attempt count has reached the cap. Every permanent drop is reported through
// the OnDrop callback.
func (q *MessageQueue) Process(publish PublishFunc) {
	q.mu.Lock()
	if q.processing || !q.connected() {
		q.mu.Unlock()
		return
	}
	q.processing = true
	batch := make([]*PendingMessage, len(q.pending))
	copy(batch, q.pending)
	onDrop := q.onDrop
	q.mu.Unlock()

	now := q.clock.Now()
	resolved := make(map[string]bool, len(batch))

	for _, msg := range batch {
		if now.Sub(msg.EnqueuedAt) > q.TTLFor(msg.Destination) {
			msg.Status = MessageFailed
			resolved[msg.ID] = true
			q.issues.Record(IssueOutOfOrder, "queued message expired before delivery", map[string]any{
				"message_id":  msg.ID,
				"destination": msg.Destination,
				"enqueued_at": msg.EnqueuedAt,
			})
			q.metrics.RecordMessageExpired(msg.Destination)
			if onDrop != nil {
				onDrop(msg)
			}
			continue
		}

		msg.Status = MessageSending
		msg.Attempts++
		msg.LastAttemptAt = now

		if err := publish(msg); err != nil {
			if msg.Attempts >= q.config.MaxAttempts {
				msg.Status = MessageFailed
				resolved[msg.ID] = true
				log.Warn().
					Err(err).
					Str("message_id", msg.ID).
					Str("destination", msg.Destination).
					Int("attempts", msg.Attempts).
					Msg("message dropped after exhausting delivery attempts")
				q.issues.Record(IssueValidationError, "message dropped after failed delivery attempts", map[string]any{
					"message_id":  msg.ID,
					"destination": msg.Destination,
					"attempts":    msg.Attempts,
				})
				q.metrics.RecordMessageDropped(msg.Destination)
				if onDrop != nil {
					onDrop(msg)
				}
			} else {
				msg.Status = MessageQueued
				log.Debug().
					Err(err).
					Str("message_id", msg.ID).
					Int("attempts", msg.Attempts).
					Msg("delivery attempt failed, message retained")
			}
			continue
		}

		msg.Status = MessageDelivered
		resolved[msg.ID] = true
	}

	q.mu.Lock()
	retained := q.pending[:0]
	for _, msg := range q.pending {
		if !resolved[msg.ID] {
			retained = append(retained, msg)
		}
	}
	q.pending = retained
	q.processing = false
	depth := len(q.pending)
	q.mu.Unlock()

	q.metrics.RecordQueueDepth(depth)
}

// Remove deletes a message from the queue bookkeeping, typically on receipt
// of a delivery acknowledgment. It returns the removed message.
func (q *MessageQueue) Remove(id string) (*PendingMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, msg := range q.pending {
		if msg.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.metrics.RecordQueueDepth(len(q.pending))
			return msg, true
		}
	}
	return nil, false
}

// Len returns the number of queued messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Messages returns a copy of the queued messages in enqueue order.
func (q *MessageQueue) Messages() []PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingMessage, len(q.pending))
	for i, msg := range q.pending {
		out[i] = *msg
	}
	return out
}

// TTLFor classifies a destination by path: game-action channels tolerate a
// longer wait than chat channels.
func (q *MessageQueue) TTLFor(destination string) time.Duration {
	if strings.Contains(destination, q.config.GameChannelMarker) {
		return q.config.GameActionTTL
	}
	return q.config.ChatTTL
}
