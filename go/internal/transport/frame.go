package transport

import (
	"encoding/json"
	"time"
)

// FrameType is the discriminator embedded in every inbound frame.
type FrameType string

// FrameTypeDeliveryAck marks server receipts for published messages. The
// transport intercepts these and surfaces them through OnDelivery instead of
// the raw-frame stream.
const FrameTypeDeliveryAck FrameType = "DeliveryAck"

// Frame is the wire envelope for every message received from the server.
type Frame struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Type      FrameType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// DeliveryResult reports the outcome of a published message.
type DeliveryResult struct {
	MessageID string `json:"message_id"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
}

// outboundEnvelope is the wire shape for messages published to the server.
type outboundEnvelope struct {
	MessageID   string          `json:"message_id"`
	Destination string          `json:"destination"`
	SentAt      time.Time       `json:"sent_at"`
	Body        json.RawMessage `json:"body"`
}
