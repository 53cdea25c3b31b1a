package models

import (
	"time"
)

// WebhookEvent is one received delivery from the external platform.
// (Provider, EventID) is unique; a second insert with the same pair is a
// duplicate delivery, not an error. Handled flips to true only after the
// dispatcher completed without error, so handled=false rows can be replayed.
type WebhookEvent struct {
	ID            int64      `json:"id"`
	Provider      string     `json:"provider"`
	EventID       string     `json:"event_id"`
	Type          string     `json:"type"`
	ObjectType    *string    `json:"object_type,omitempty"`
	ObjectID      *string    `json:"object_id,omitempty"`
	PayloadSHA256 string     `json:"payload_sha256"`
	Handled       bool       `json:"handled"`
	ReceivedAt    time.Time  `json:"received_at"`
	HandledAt     *time.Time `json:"handled_at,omitempty"`
	Notes         *string    `json:"notes,omitempty"`
}
