package models

import "encoding/json"

// MessageType tags ephemeral bus messages.
type MessageType string

const (
	MessageTypeAnswer       MessageType = "answer"
	MessageTypeSpeedCorrect MessageType = "speed_correct"
	MessageTypePowerup      MessageType = "powerup"
	MessageTypeJoined       MessageType = "joined"
)

// Message is an ephemeral bus record stored at messages/{code}/{id}.
type Message struct {
	ID        string          `json:"-"`
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"ts"` // sender clock, ms since epoch
	From      string          `json:"from,omitempty"`
}

// SpeedCorrectPayload announces the team that answered correctly first.
type SpeedCorrectPayload struct {
	Code     string `json:"code"`
	Team     Team   `json:"team"`
	PlayerID string `json:"pid,omitempty"`
	Question int    `json:"qIdx"`
	Round    int    `json:"round"`
}

// Lock is the advisory claim stored at locks/{code}.
type Lock struct {
	Claimant  string `json:"claimant"`
	Timestamp int64  `json:"ts"` // ms since epoch
	Nonce     string `json:"nonce"`
}

// Presence is stored at presence/{code}/{participantId}.
type Presence struct {
	Name      string `json:"name"`
	Team      Team   `json:"team"`
	Online    bool   `json:"online"`
	Timestamp int64  `json:"ts"`
}
