package events

import (
	"context"
	"time"
)

// Kind identifies a session lifecycle or capacity event.
type Kind string

const (
	KindCreated       Kind = "created"
	KindJoined        Kind = "joined"
	KindLeft          Kind = "left"
	KindStatusChanged Kind = "statusChanged"
	KindEnded         Kind = "ended"
	KindCancelled     Kind = "cancelled"
	KindCompleted     Kind = "completed"
)

// Event is a committed state change notification.
type Event struct {
	SessionID string         `json:"session_id"`
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// Publisher receives transition notifications for real-time fan-out.
// Publishing is fire-and-forget: a failure is never allowed to roll back or
// fail the committed state change that produced the event.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, kind Kind, payload map[string]any)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, sessionID string, kind Kind, payload map[string]any) {
}
