package ingress

import (
	"github.com/safewatch/backend/internal/session"
)

// Broadcaster receives every applied delta. Publish must not block the
// mutation pipeline; the ws hub enqueues onto per-observer queues.
type Broadcaster interface {
	Publish(d session.Delta)
}

// Dispatcher receives alert-class deltas only. Dispatch must not block.
type Dispatcher interface {
	Dispatch(d session.Delta)
}

// Ack confirms a successfully ingested event.
type Ack struct {
	Seq uint64 `json:"seq"`
}

// Ingress is the single entry point for events: it validates, applies to
// the store, and fans the resulting delta out to the broadcast hub and,
// for alert-class events, the alert dispatcher. All errors surface here,
// synchronously; nothing downstream ever propagates back.
type Ingress struct {
	store       *session.Store
	broadcaster Broadcaster
	dispatcher  Dispatcher
}

func New(store *session.Store, b Broadcaster, d Dispatcher) *Ingress {
	return &Ingress{store: store, broadcaster: b, dispatcher: d}
}

// Submit ingests one event. Malformed events are rejected with
// session.ErrInvalidEvent before any state changes; Apply on an idle
// store returns session.ErrNoSession.
func (in *Ingress) Submit(ev session.Event) (Ack, error) {
	if err := ev.Validate(); err != nil {
		return Ack{}, err
	}

	delta, err := in.store.Apply(ev)
	if err != nil {
		return Ack{}, err
	}

	if in.broadcaster != nil {
		in.broadcaster.Publish(delta)
	}
	if delta.Event.Kind.IsAlert() && in.dispatcher != nil {
		in.dispatcher.Dispatch(delta)
	}

	return Ack{Seq: delta.Seq}, nil
}
