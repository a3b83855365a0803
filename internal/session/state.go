package session

import (
	"encoding/json"
	"time"
)

type Status int

const (
	Idle Status = iota
	Monitoring
	Alert
)

var statusNames = map[Status]string{
	Idle:       "idle",
	Monitoring: "monitoring",
	Alert:      "alert",
}

var statusFromName = map[string]Status{
	"idle":       Idle,
	"monitoring": Monitoring,
	"alert":      Alert,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := statusFromName[name]; ok {
		*s = v
	}
	return nil
}

// Position is a single GPS sample.
type Position struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy,omitempty"` // meters
	Timestamp time.Time `json:"timestamp"`
}

// Session is the tracking state for one monitored device. The store hands
// out copies only; a Session held by a caller never aliases store memory.
type Session struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Position  *Position `json:"position,omitempty"` // last known, nil before first fix
	LastSeq   uint64    `json:"lastSeq"`
	StartedAt time.Time `json:"startedAt"`
	History   []Event   `json:"history"`
}

// Clone returns a deep copy of the Session, duplicating pointer and slice
// fields so the copy can be mutated independently of the original.
func (s *Session) Clone() *Session {
	c := *s
	if s.Position != nil {
		p := *s.Position
		c.Position = &p
	}
	if len(s.History) > 0 {
		c.History = make([]Event, len(s.History))
		copy(c.History, s.History)
	}
	return &c
}
