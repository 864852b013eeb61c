package domain

import (
	"encoding/json"
	"time"
)

// EventType classifies a delivery event.
type EventType string

const (
	EventSent  EventType = "sent"
	EventError EventType = "error"
)

// DeliveryEvent is an immutable audit record of a dispatch-level outcome
// tied to a send. Events are append-only; nothing in the pipeline mutates
// or deletes them.
type DeliveryEvent struct {
	ID        string          `json:"id" db:"id"`
	SendID    string          `json:"send_id" db:"send_id"`
	Type      EventType       `json:"type" db:"event_type"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
