package gateway

import (
	"encoding/json"
	"time"
)

// Event is what the gateway pushes to a browser over the websocket.
type Event struct {
	ID        string          `json:"id"`
	Code      string          `json:"code"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventType names a pushed event.
type EventType string

const (
	EventTypeRoomChanged    EventType = "room_changed"
	EventTypeRoomDeleted    EventType = "room_deleted"
	EventTypeAnswerResolved EventType = "answer_resolved"
	EventTypeSpeedCorrect   EventType = "speed_correct"
	EventTypePowerup        EventType = "powerup"
	EventTypeAnswerAccepted EventType = "answer_accepted"
	EventTypeError          EventType = "error"
)

// ClientMessage is a command sent by the browser over the websocket.
type ClientMessage struct {
	Type string `json:"type"` // "answer" or "powerup"
	Idx  int    `json:"idx"`
	Key  string `json:"key,omitempty"`
}

// ErrorPayload carries a rejected command back to the browser.
type ErrorPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}
