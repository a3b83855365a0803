package notify

import (
	"context"
	"time"

	"github.com/safewatch/backend/internal/session"
)

// Alert is the outbound payload handed to notifiers.
type Alert struct {
	SessionID string            `json:"sessionId"`
	EventID   string            `json:"eventId"`
	Reason    string            `json:"reason"`            // triggering event kind
	Keyword   string            `json:"keyword,omitempty"` // for keyword detections
	Position  *session.Position `json:"position,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier delivers an alert to one external channel. Send returns nil on
// acknowledged delivery; any error counts as a failed attempt.
type Notifier interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Noop is the null notifier used when nothing is configured. Absence of a
// real notifier is a no-op, never an error.
type Noop struct{}

func (Noop) Name() string { return "noop" }

func (Noop) Send(context.Context, Alert) error { return nil }
