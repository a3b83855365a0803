package alert

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/safewatch/backend/internal/notify"
)

// Outcome is the delivery state for one notifier within a task.
type Outcome int

const (
	Pending Outcome = iota
	Delivered
	Exhausted
	Cancelled
)

var outcomeNames = map[Outcome]string{
	Pending:   "pending",
	Delivered: "delivered",
	Exhausted: "exhausted",
	Cancelled: "cancelled",
}

func (o Outcome) String() string {
	if n, ok := outcomeNames[o]; ok {
		return n
	}
	return "unknown"
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// Terminal reports whether no further attempts will be made.
func (o Outcome) Terminal() bool {
	return o != Pending
}

// Delivery tracks attempts against a single notifier.
type Delivery struct {
	Notifier    string     `json:"notifier"`
	Attempts    int        `json:"attempts"`
	Outcome     Outcome    `json:"outcome"`
	LastError   string     `json:"lastError,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Task is one unit of outbound alert work: a single alert-class event
// fanned out to every registered notifier, each tracked independently to
// a terminal outcome.
type Task struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"sessionId"`
	EventID    string       `json:"eventId"`
	Alert      notify.Alert `json:"alert"`
	CreatedAt  time.Time    `json:"createdAt"`
	Deliveries []Delivery   `json:"deliveries"`
}

func newTask(a notify.Alert, notifiers []notify.Notifier) *Task {
	t := &Task{
		ID:        uuid.NewString(),
		SessionID: a.SessionID,
		EventID:   a.EventID,
		Alert:     a,
		CreatedAt: time.Now(),
	}
	t.Deliveries = make([]Delivery, len(notifiers))
	for i, n := range notifiers {
		t.Deliveries[i] = Delivery{Notifier: n.Name()}
	}
	return t
}

// clone deep-copies the task so callers never alias dispatcher memory.
func (t *Task) clone() *Task {
	c := *t
	c.Deliveries = make([]Delivery, len(t.Deliveries))
	for i, d := range t.Deliveries {
		if d.CompletedAt != nil {
			ts := *d.CompletedAt
			d.CompletedAt = &ts
		}
		c.Deliveries[i] = d
	}
	return &c
}

// Done reports whether every delivery reached a terminal outcome.
func (t *Task) Done() bool {
	for _, d := range t.Deliveries {
		if !d.Outcome.Terminal() {
			return false
		}
	}
	return true
}
