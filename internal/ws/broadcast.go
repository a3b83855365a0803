package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/safewatch/backend/internal/session"
)

const DefaultQueueCapacity = 64

// observer is one connected dashboard. It owns a bounded outbound queue;
// when the queue overflows the oldest queued frame is dropped for this
// observer only and it is marked degraded. The authoritative state in the
// store is never affected, and the next snapshot restores full state.
type observer struct {
	conn *websocket.Conn
	hub  *Hub

	mu          sync.Mutex
	queue       [][]byte
	capacity    int
	degraded    bool
	dropped     int
	snapshotSeq uint64 // deltas at or below this are already covered by a snapshot

	wake chan struct{} // buffered(1), pokes the write pump
	done chan struct{}
	once sync.Once
}

func newObserver(conn *websocket.Conn, hub *Hub, capacity int) *observer {
	return &observer{
		conn:     conn,
		hub:      hub,
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// enqueueDelta queues a delta frame. Frames superseded by the last
// snapshot are suppressed so a fresh observer sees no duplicates.
func (o *observer) enqueueDelta(seq uint64, data []byte) {
	o.mu.Lock()
	if seq <= o.snapshotSeq {
		o.mu.Unlock()
		return
	}
	o.pushLocked(data)
	o.mu.Unlock()
	o.poke()
}

// enqueueSnapshot replaces everything queued: a snapshot supersedes any
// pending deltas and clears the degraded mark.
func (o *observer) enqueueSnapshot(snapSeq uint64, data []byte) {
	o.mu.Lock()
	o.queue = o.queue[:0]
	o.snapshotSeq = snapSeq
	o.degraded = false
	o.pushLocked(data)
	o.mu.Unlock()
	o.poke()
}

// enqueueRaw queues a frame with no sequencing semantics (status frames).
func (o *observer) enqueueRaw(data []byte) {
	o.mu.Lock()
	o.pushLocked(data)
	o.mu.Unlock()
	o.poke()
}

// pushLocked appends to the queue, dropping the oldest frame on overflow.
// Caller must hold o.mu.
func (o *observer) pushLocked(data []byte) {
	if len(o.queue) >= o.capacity {
		o.queue = o.queue[1:]
		o.dropped++
		if !o.degraded {
			o.degraded = true
			log.Printf("ws observer degraded: queue overflow, dropping oldest")
		}
	}
	o.queue = append(o.queue, data)
}

func (o *observer) poke() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *observer) isDegraded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.degraded
}

func (o *observer) close() {
	o.once.Do(func() { close(o.done) })
}

// writePump drains the queue to the connection. A slow connection only
// backs up this observer's own queue; delivery to others is untouched.
func (o *observer) writePump() {
	defer o.conn.Close()
	for {
		select {
		case <-o.done:
			return
		case <-o.wake:
		}
		for {
			o.mu.Lock()
			if len(o.queue) == 0 {
				o.mu.Unlock()
				break
			}
			data := o.queue[0]
			o.queue = o.queue[1:]
			o.mu.Unlock()

			if err := o.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				o.hub.remove(o)
				return
			}
		}
	}
}

// Hub fans session state out to all connected observers. Every observer
// sees deltas in apply order; a new observer gets a full snapshot first
// and then every later delta, with no gap and no duplicate.
type Hub struct {
	mu        sync.RWMutex
	observers map[*observer]bool
	store     *session.Store
	queueCap  int

	snapshotTicker *time.Ticker
	stop           chan struct{}
	stopOnce       sync.Once
}

func NewHub(store *session.Store, queueCapacity int, snapshotInterval time.Duration) *Hub {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	h := &Hub{
		observers: make(map[*observer]bool),
		store:     store,
		queueCap:  queueCapacity,
		stop:      make(chan struct{}),
	}
	if snapshotInterval > 0 {
		h.snapshotTicker = time.NewTicker(snapshotInterval)
		go h.snapshotLoop()
	}
	return h
}

// Add registers a connection. The snapshot is taken and queued while
// holding the hub lock, so no delta published afterwards can be missed
// and none covered by the snapshot is repeated.
func (h *Hub) Add(conn *websocket.Conn) *observer {
	h.mu.Lock()
	defer h.mu.Unlock()

	o := newObserver(conn, h, h.queueCap)
	snapSeq, data := h.snapshotFrame()
	o.enqueueSnapshot(snapSeq, data)
	h.observers[o] = true
	go o.writePump()
	return o
}

func (h *Hub) remove(o *observer) {
	h.mu.Lock()
	if _, ok := h.observers[o]; ok {
		delete(h.observers, o)
		o.close()
	}
	h.mu.Unlock()
}

// Publish fans one applied delta out to every observer. Non-blocking:
// enqueueDelta only touches per-observer queues. Alert-class events get
// an extra highlight frame right behind the delta.
func (h *Hub) Publish(d session.Delta) {
	data, err := json.Marshal(WSMessage{Type: MsgDelta, Payload: d})
	if err != nil {
		log.Printf("ws marshal delta: %v", err)
		return
	}

	var alertData []byte
	if d.Event.Kind.IsAlert() {
		alertData, err = json.Marshal(WSMessage{Type: MsgAlert, Payload: AlertPayload{
			Event:   d.Event,
			Session: d.Session,
		}})
		if err != nil {
			log.Printf("ws marshal alert: %v", err)
			alertData = nil
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for o := range h.observers {
		o.enqueueDelta(d.Seq, data)
		if alertData != nil {
			o.enqueueRaw(alertData)
		}
	}
}

// PublishStatus broadcasts a lifecycle change to all observers.
func (h *Hub) PublishStatus(running bool, status string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	degraded := 0
	for o := range h.observers {
		if o.isDegraded() {
			degraded++
		}
	}

	data, err := json.Marshal(WSMessage{Type: MsgStatus, Payload: StatusPayload{
		Running:  running,
		Status:   status,
		Degraded: degraded,
	}})
	if err != nil {
		log.Printf("ws marshal status: %v", err)
		return
	}

	for o := range h.observers {
		o.enqueueRaw(data)
	}
}

// BroadcastSnapshot pushes the full authoritative state to every
// observer, superseding queued deltas. Called on session lifecycle
// changes and periodically to heal degraded observers.
//
// Holds the write lock, like Add: the snapshot must be taken and queued
// with Publish excluded, otherwise a delta newer than the snapshot could
// already sit in an observer queue and be cleared without being covered.
func (h *Hub) BroadcastSnapshot() {
	h.mu.Lock()
	defer h.mu.Unlock()

	snapSeq, data := h.snapshotFrame()
	for o := range h.observers {
		o.enqueueSnapshot(snapSeq, data)
	}
}

// snapshotFrame builds the snapshot message and returns the sequence
// number it covers.
func (h *Hub) snapshotFrame() (uint64, []byte) {
	var snapSeq uint64
	payload := SnapshotPayload{}
	if snap, ok := h.store.Snapshot(); ok {
		payload.Running = true
		payload.Session = snap
		snapSeq = snap.LastSeq
	}
	data, err := json.Marshal(WSMessage{Type: MsgSnapshot, Payload: payload})
	if err != nil {
		log.Printf("ws marshal snapshot: %v", err)
		return snapSeq, []byte(`{"type":"error"}`)
	}
	return snapSeq, data
}

func (h *Hub) snapshotLoop() {
	for {
		select {
		case <-h.stop:
			return
		case <-h.snapshotTicker.C:
			h.BroadcastSnapshot()
		}
	}
}

func (h *Hub) ObserverCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

func (h *Hub) DegradedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for o := range h.observers {
		if o.isDegraded() {
			count++
		}
	}
	return count
}

// Stop shuts the hub down and disconnects all observers.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
		if h.snapshotTicker != nil {
			h.snapshotTicker.Stop()
		}
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	for o := range h.observers {
		o.close()
		delete(h.observers, o)
	}
}
