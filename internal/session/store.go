package session

import (
	"errors"
	"sync"
	"time"
)

// ErrNoSession is returned by Apply when no session is being monitored.
// The event is rejected; existing state is untouched.
var ErrNoSession = errors.New("no active session")

const DefaultHistoryCapacity = 100

// Store holds the single active tracking session. Apply is the only
// mutation point: all writes serialize on one mutex and every applied
// event gets the next sequence number, so observers can rely on a
// strictly increasing, gap-free order.
type Store struct {
	mu       sync.Mutex
	current  *Session
	capacity int
}

func NewStore(historyCapacity int) *Store {
	if historyCapacity <= 0 {
		historyCapacity = DefaultHistoryCapacity
	}
	return &Store{capacity: historyCapacity}
}

// Start begins a monitoring session. If one is already active it is
// left untouched and false is returned.
func (s *Store) Start(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return false
	}
	s.current = &Session{
		ID:        id,
		Status:    Monitoring,
		StartedAt: time.Now(),
	}
	return true
}

// Stop ends the active session and returns its final snapshot.
func (s *Store) Stop() (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, false
	}
	final := s.current.Clone()
	s.current = nil
	return final, true
}

// Resolve reverts Alert to Monitoring. This is the only way out of the
// Alert status; it never happens automatically.
func (s *Store) Resolve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Status != Alert {
		return false
	}
	s.current.Status = Monitoring
	return true
}

// Apply validates nothing (the ingress does) and folds one event into the
// session: assigns the next sequence number, updates position and status,
// appends to the bounded history (oldest evicted first), and returns an
// immutable Delta for fan-out.
func (s *Store) Apply(ev Event) (Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Delta{}, ErrNoSession
	}

	s.current.LastSeq++
	ev.Seq = s.current.LastSeq

	if ev.Position != nil {
		p := *ev.Position
		s.current.Position = &p
	}

	// Alert-class events latch the Alert status (idempotent if already
	// alerting). Nothing else changes it; Resolve() clears it.
	if ev.Kind.IsAlert() {
		s.current.Status = Alert
	}

	s.current.History = append(s.current.History, ev)
	if len(s.current.History) > s.capacity {
		s.current.History = s.current.History[len(s.current.History)-s.capacity:]
	}

	return Delta{
		Seq:     ev.Seq,
		Event:   ev,
		Session: s.current.Clone(),
	}, nil
}

// Snapshot returns a copy of the current session, or false when idle.
func (s *Store) Snapshot() (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, false
	}
	return s.current.Clone(), true
}

// Active reports whether a session is being monitored.
func (s *Store) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Events returns up to limit most recent history entries, newest first.
// limit <= 0 means all retained events.
func (s *Store) Events(limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	h := s.current.History
	if limit <= 0 || limit > len(h) {
		limit = len(h)
	}
	out := make([]Event, limit)
	for i := 0; i < limit; i++ {
		out[i] = h[len(h)-1-i]
	}
	return out
}
