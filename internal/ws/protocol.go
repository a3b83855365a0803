package ws

import (
	"github.com/safewatch/backend/internal/session"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgDelta    MessageType = "delta"
	MsgAlert    MessageType = "alert"
	MsgStatus   MessageType = "status"
	MsgError    MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// SnapshotPayload carries the full authoritative state. Session is nil
// when nothing is being monitored.
type SnapshotPayload struct {
	Running bool             `json:"running"`
	Session *session.Session `json:"session"`
}

// AlertPayload highlights an alert-class event. Sent right after the
// delta that carried it; purely informational for dashboards.
type AlertPayload struct {
	Event   session.Event    `json:"event"`
	Session *session.Session `json:"session"`
}

// StatusPayload announces lifecycle changes (start, stop, resolve).
type StatusPayload struct {
	Running  bool   `json:"running"`
	Status   string `json:"status"`
	Degraded int    `json:"degraded,omitempty"` // observers behind on frames
}
