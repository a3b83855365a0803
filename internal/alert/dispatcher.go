package alert

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/safewatch/backend/internal/notify"
	"github.com/safewatch/backend/internal/session"
)

const defaultTaskHistory = 100

// Dispatcher fans alert-class events out to registered notifiers. Every
// (task, notifier) pair runs in its own goroutine with independent retry,
// so one failing notifier never delays another and nothing here ever
// blocks ingress or broadcast.
type Dispatcher struct {
	notifiers      []notify.Notifier
	policy         RetryPolicy
	attemptTimeout time.Duration

	mu       sync.Mutex
	seen     map[string]bool // eventID + "\x00" + notifier name
	tasks    []*Task         // bounded, oldest first
	sessions map[string]*sessionScope
	base     context.Context
	wg       sync.WaitGroup
}

// sessionScope carries the cancellation context shared by every task of
// one session.
type sessionScope struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewDispatcher(notifiers []notify.Notifier, policy RetryPolicy, attemptTimeout time.Duration) *Dispatcher {
	if attemptTimeout <= 0 {
		attemptTimeout = 5 * time.Second
	}
	return &Dispatcher{
		notifiers:      notifiers,
		policy:         policy,
		attemptTimeout: attemptTimeout,
		seen:           make(map[string]bool),
		sessions:       make(map[string]*sessionScope),
		base:           context.Background(),
	}
}

// Dispatch creates an AlertTask for the delta and starts delivery to every
// notifier concurrently. Returns immediately. A (event, notifier) pair is
// only ever attempted once, regardless of repeated dispatches.
func (d *Dispatcher) Dispatch(delta session.Delta) {
	if len(d.notifiers) == 0 {
		return
	}

	a := notify.Alert{
		SessionID: delta.Session.ID,
		EventID:   delta.Event.ID,
		Reason:    delta.Event.Kind.String(),
		Keyword:   delta.Event.Keyword,
		Position:  delta.Session.Position,
		Timestamp: delta.Event.Timestamp,
	}

	d.mu.Lock()
	task := newTask(a, d.notifiers)
	d.tasks = append(d.tasks, task)
	if len(d.tasks) > defaultTaskHistory {
		// Dedup entries leave with their task, keeping the map bounded
		// over a long run.
		for _, old := range d.tasks[:len(d.tasks)-defaultTaskHistory] {
			for _, dv := range old.Deliveries {
				delete(d.seen, old.EventID+"\x00"+dv.Notifier)
			}
		}
		d.tasks = d.tasks[len(d.tasks)-defaultTaskHistory:]
	}
	ctx := d.sessionContextLocked(a.SessionID)

	for i, n := range d.notifiers {
		key := a.EventID + "\x00" + n.Name()
		if d.seen[key] {
			task.Deliveries[i].Outcome = Cancelled
			task.Deliveries[i].LastError = "duplicate dispatch suppressed"
			continue
		}
		d.seen[key] = true
		d.wg.Add(1)
		go d.deliver(ctx, task, i, n)
	}
	d.mu.Unlock()
}

// sessionContextLocked returns the cancellation context for a session,
// creating it on first use. Caller must hold d.mu.
func (d *Dispatcher) sessionContextLocked(sessionID string) context.Context {
	if sc, ok := d.sessions[sessionID]; ok {
		return sc.ctx
	}
	ctx, cancel := context.WithCancel(d.base)
	d.sessions[sessionID] = &sessionScope{ctx: ctx, cancel: cancel}
	return ctx
}

// CancelSession aborts pending deliveries for the session. Tasks already
// delivered or exhausted stay in the history untouched.
func (d *Dispatcher) CancelSession(sessionID string) {
	d.mu.Lock()
	sc, ok := d.sessions[sessionID]
	delete(d.sessions, sessionID)
	d.mu.Unlock()
	if ok {
		sc.cancel()
	}
}

// Tasks returns a snapshot of the retained task history, oldest first.
func (d *Dispatcher) Tasks() []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Task, len(d.tasks))
	for i, t := range d.tasks {
		out[i] = t.clone()
	}
	return out
}

// PendingCount returns the number of deliveries not yet terminal.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	for _, t := range d.tasks {
		for _, dv := range t.Deliveries {
			if !dv.Outcome.Terminal() {
				count++
			}
		}
	}
	return count
}

// Wait blocks until all in-flight deliveries finish. Test hook.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, task *Task, idx int, n notify.Notifier) {
	defer d.wg.Done()

	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			d.finish(task, idx, Cancelled, ctx.Err())
			return
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
		err := n.Send(attemptCtx, task.Alert)
		cancel()

		d.mu.Lock()
		task.Deliveries[idx].Attempts = attempt
		if err != nil {
			task.Deliveries[idx].LastError = err.Error()
		}
		d.mu.Unlock()

		if err == nil {
			d.finish(task, idx, Delivered, nil)
			return
		}
		log.Printf("alert %s: notifier %s attempt %d/%d failed: %v",
			task.ID, n.Name(), attempt, d.policy.MaxAttempts, err)

		if attempt < d.policy.MaxAttempts {
			select {
			case <-ctx.Done():
				d.finish(task, idx, Cancelled, ctx.Err())
				return
			case <-time.After(d.policy.NextDelay(attempt)):
			}
		}
	}

	d.finish(task, idx, Exhausted, nil)
}

func (d *Dispatcher) finish(task *Task, idx int, outcome Outcome, err error) {
	now := time.Now()
	d.mu.Lock()
	task.Deliveries[idx].Outcome = outcome
	task.Deliveries[idx].CompletedAt = &now
	if err != nil {
		task.Deliveries[idx].LastError = err.Error()
	}
	d.mu.Unlock()

	if outcome == Exhausted {
		log.Printf("alert %s: notifier %s exhausted after %d attempts",
			task.ID, task.Deliveries[idx].Notifier, d.policy.MaxAttempts)
	}
}
