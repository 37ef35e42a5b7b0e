package store

import (
	"encoding/json"
	"fmt"
)

// Well-known session state fields.
const (
	FieldPlayers  = "players"
	FieldScores   = "scores"
	FieldVotedFor = "voted_for"
	FieldChat     = "chat"
	FieldPhase    = "phase"
)

// Player is one participant in the session.
type Player struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}

// ChatEntry is one chat line in the session log.
type ChatEntry struct {
	ID       string `json:"id"`
	PlayerID string `json:"player_id"`
	Text     string `json:"text"`
}

// SessionView is a typed decoding of the session fields of a state fragment.
type SessionView struct {
	Players  []Player          `json:"players"`
	Scores   map[string]int    `json:"scores"`
	VotedFor map[string]string `json:"voted_for"`
	Chat     []ChatEntry       `json:"chat"`
	Phase    string            `json:"phase"`
}

// DecodeSession converts a fragment's session fields into a typed view. Fields
// missing from the fragment decode to their zero values.
func DecodeSession(f Fragment) (SessionView, error) {
	var view SessionView
	raw, err := json.Marshal(map[string]any{
		FieldPlayers:  f[FieldPlayers],
		FieldScores:   f[FieldScores],
		FieldVotedFor: f[FieldVotedFor],
		FieldChat:     f[FieldChat],
		FieldPhase:    f[FieldPhase],
	})
	if err != nil {
		return view, fmt.Errorf("encode session fields: %w", err)
	}
	if err := json.Unmarshal(raw, &view); err != nil {
		return view, fmt.Errorf("decode session fields: %w", err)
	}
	return view, nil
}
