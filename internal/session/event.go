package session

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies incoming events.
type EventKind int

const (
	LocationUpdate EventKind = iota
	KeywordDetected
	ManualSOS
	Heartbeat
)

var kindNames = map[EventKind]string{
	LocationUpdate:  "location_update",
	KeywordDetected: "keyword_detected",
	ManualSOS:       "manual_sos",
	Heartbeat:       "heartbeat",
}

var kindFromName = map[string]EventKind{
	"location_update":  LocationUpdate,
	"keyword_detected": KeywordDetected,
	"manual_sos":       ManualSOS,
	"heartbeat":        Heartbeat,
}

func (k EventKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *EventKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := kindFromName[name]; ok {
		*k = v
	}
	return nil
}

// IsAlert reports whether events of this kind trigger the alert pipeline.
func (k EventKind) IsAlert() bool {
	return k == KeywordDetected || k == ManualSOS
}

// Event is a discrete occurrence applied to a session. Immutable once
// applied; Seq is assigned by the store.
type Event struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Seq       uint64    `json:"seq"`
	Position  *Position `json:"position,omitempty"`
	Keyword   string    `json:"keyword,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrInvalidEvent is returned for malformed events. No state is mutated.
var ErrInvalidEvent = errors.New("invalid event")

// NewEvent builds an event with a fresh ID and the current time.
func NewEvent(kind EventKind) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now(),
	}
}

// Validate checks kind and required payload fields.
func (e *Event) Validate() error {
	if _, ok := kindNames[e.Kind]; !ok {
		return ErrInvalidEvent
	}
	switch e.Kind {
	case LocationUpdate:
		if e.Position == nil {
			return ErrInvalidEvent
		}
	case KeywordDetected:
		if e.Keyword == "" {
			return ErrInvalidEvent
		}
	}
	if e.Position != nil {
		if e.Position.Lat < -90 || e.Position.Lat > 90 ||
			e.Position.Lon < -180 || e.Position.Lon > 180 {
			return ErrInvalidEvent
		}
	}
	return nil
}

// Delta is the immutable result of one store mutation: the applied event
// plus a snapshot of the session after it. Safe to fan out concurrently.
type Delta struct {
	Seq     uint64   `json:"seq"`
	Event   Event    `json:"event"`
	Session *Session `json:"session"`
}
