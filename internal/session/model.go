package session

import (
	"time"

	"github.com/google/uuid"
)

// Direction tells whether a message was sent by the local user or
// received from the counterpart.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// Message is a single entry in the session log. Immutable once created.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Direction Direction `json:"direction"`
	SentAt    time.Time `json:"sent_at"`
}

// NewMessage creates a message with a fresh local ID. The ID is
// bookkeeping only; log ordering is always insertion order.
func NewMessage(text string, dir Direction) Message {
	return Message{
		ID:        uuid.NewString(),
		Text:      text,
		Direction: dir,
		SentAt:    time.Now(),
	}
}
