package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmadden91/tablesync/go/internal/store"
	"github.com/jmadden91/tablesync/go/internal/transport"
)

// Known inbound frame types. The set is closed: unrecognized discriminators
// are dropped with a warning rather than dispatched.
const (
	FrameTypeSessionState transport.FrameType = "SessionState"
	FrameTypeProbeEcho    transport.FrameType = "ProbeEcho"
	FrameTypePlayerJoined transport.FrameType = "PlayerJoined"
	FrameTypePlayerLeft   transport.FrameType = "PlayerLeft"
	FrameTypeVoteCast     transport.FrameType = "VoteCast"
	FrameTypeTurnAdvanced transport.FrameType = "TurnAdvanced"
	FrameTypeChatMessage  transport.FrameType = "ChatMessage"
)

// SessionStatePayload carries a full authoritative snapshot.
type SessionStatePayload struct {
	Snapshot store.Snapshot `json:"snapshot"`
}

// ProbeEchoPayload answers a latency probe.
type ProbeEchoPayload struct {
	ProbeID  string    `json:"probe_id"`
	EchoedAt time.Time `json:"echoed_at"`
}

// PlayerJoinedPayload announces a player entering the session.
type PlayerJoinedPayload struct {
	Player store.Player `json:"player"`
}

// PlayerLeftPayload announces a player leaving the session.
type PlayerLeftPayload struct {
	PlayerID string `json:"player_id"`
}

// VoteCastPayload announces a server-accepted vote.
type VoteCastPayload struct {
	PlayerID string    `json:"player_id"`
	VotedFor string    `json:"voted_for"`
	CastAt   time.Time `json:"cast_at"`
}

// TurnAdvancedPayload announces round/turn progression.
type TurnAdvancedPayload struct {
	Round int `json:"round"`
	Turn  int `json:"turn"`
}

// ChatMessagePayload carries one chat line.
type ChatMessagePayload struct {
	Entry store.ChatEntry `json:"entry"`
}

// ParseFramePayload decodes a frame's data into its typed payload.
func ParseFramePayload(frame transport.Frame) (any, error) {
	switch frame.Type {
	case FrameTypeSessionState:
		var payload SessionStatePayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", frame.Type, err)
		}
		return payload, nil

	case FrameTypeProbeEcho:
		var payload ProbeEchoPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", frame.Type, err)
		}
		return payload, nil

	case FrameTypePlayerJoined:
		var payload PlayerJoinedPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", frame.Type, err)
		}
		return payload, nil

	case FrameTypePlayerLeft:
		var payload PlayerLeftPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", frame.Type, err)
		}
		return payload, nil

	case FrameTypeVoteCast:
		var payload VoteCastPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", frame.Type, err)
		}
		return payload, nil

	case FrameTypeTurnAdvanced:
		var payload TurnAdvancedPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", frame.Type, err)
		}
		return payload, nil

	case FrameTypeChatMessage:
		var payload ChatMessagePayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", frame.Type, err)
		}
		return payload, nil

	default:
		return nil, fmt.Errorf("unknown frame type: %s", frame.Type)
	}
}
