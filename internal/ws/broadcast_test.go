package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/safewatch/backend/internal/session"
)

// newQueuedObserver builds an observer without a connection or write pump
// so queue behavior can be inspected directly.
func newQueuedObserver(hub *Hub, capacity int) *observer {
	return newObserver(nil, hub, capacity)
}

func (o *observer) queuedFrames() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][]byte, len(o.queue))
	copy(out, o.queue)
	return out
}

func decodeFrame(t *testing.T, data []byte) (MessageType, json.RawMessage) {
	t.Helper()
	var msg struct {
		Type    MessageType     `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return msg.Type, msg.Payload
}

func decodeDelta(t *testing.T, data []byte) session.Delta {
	t.Helper()
	typ, payload := decodeFrame(t, data)
	if typ != MsgDelta {
		t.Fatalf("frame type = %q, want delta", typ)
	}
	var d session.Delta
	if err := json.Unmarshal(payload, &d); err != nil {
		t.Fatal(err)
	}
	return d
}

func newHubWithSession(t *testing.T) (*Hub, *session.Store) {
	t.Helper()
	store := session.NewStore(100)
	if !store.Start("device-1") {
		t.Fatal("store.Start failed")
	}
	h := NewHub(store, 8, 0) // no periodic snapshots in tests
	t.Cleanup(h.Stop)
	return h, store
}

func applyLocation(t *testing.T, store *session.Store, lat float64) session.Delta {
	t.Helper()
	ev := session.NewEvent(session.LocationUpdate)
	ev.Position = &session.Position{Lat: lat, Lon: 77.6, Timestamp: time.Now()}
	d, err := store.Apply(ev)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestQueueDropOldestOnOverflow(t *testing.T) {
	o := newQueuedObserver(nil, 3)

	for i := 1; i <= 5; i++ {
		o.enqueueDelta(uint64(i), []byte(fmt.Sprintf("f%d", i)))
	}

	frames := o.queuedFrames()
	if len(frames) != 3 {
		t.Fatalf("queue length = %d, want 3", len(frames))
	}
	// f1 and f2 dropped; newest three retained in order.
	for i, want := range []string{"f3", "f4", "f5"} {
		if string(frames[i]) != want {
			t.Errorf("queue[%d] = %s, want %s", i, frames[i], want)
		}
	}
	if !o.isDegraded() {
		t.Error("observer not marked degraded after overflow")
	}
	if o.dropped != 2 {
		t.Errorf("dropped = %d, want 2", o.dropped)
	}
}

func TestQueueNoOverflowNoDegrade(t *testing.T) {
	o := newQueuedObserver(nil, 3)
	o.enqueueDelta(1, []byte("f1"))
	o.enqueueDelta(2, []byte("f2"))
	if o.isDegraded() {
		t.Error("observer degraded without overflow")
	}
}

func TestEnqueueDeltaSuppressesCoveredSeqs(t *testing.T) {
	o := newQueuedObserver(nil, 8)
	o.enqueueSnapshot(5, []byte("snap"))

	o.enqueueDelta(4, []byte("old"))
	o.enqueueDelta(5, []byte("boundary"))
	o.enqueueDelta(6, []byte("new"))

	frames := o.queuedFrames()
	if len(frames) != 2 {
		t.Fatalf("queue length = %d, want 2 (snapshot + one delta)", len(frames))
	}
	if string(frames[0]) != "snap" || string(frames[1]) != "new" {
		t.Errorf("queue = [%s %s], want [snap new]", frames[0], frames[1])
	}
}

func TestEnqueueSnapshotSupersedesQueue(t *testing.T) {
	o := newQueuedObserver(nil, 3)
	for i := 1; i <= 5; i++ {
		o.enqueueDelta(uint64(i), []byte("d"))
	}
	if !o.isDegraded() {
		t.Fatal("precondition: observer should be degraded")
	}

	o.enqueueSnapshot(5, []byte("snap"))

	frames := o.queuedFrames()
	if len(frames) != 1 || string(frames[0]) != "snap" {
		t.Errorf("queue after snapshot = %v, want [snap]", frames)
	}
	if o.isDegraded() {
		t.Error("snapshot did not clear degraded mark")
	}
}

func TestHubAddSendsSnapshot(t *testing.T) {
	h, store := newHubWithSession(t)
	applyLocation(t, store, 12.9)

	o := newQueuedObserver(h, 8)
	h.mu.Lock()
	snapSeq, data := h.snapshotFrame()
	o.enqueueSnapshot(snapSeq, data)
	h.observers[o] = true
	h.mu.Unlock()

	frames := o.queuedFrames()
	if len(frames) != 1 {
		t.Fatalf("queue length = %d, want 1", len(frames))
	}
	typ, payload := decodeFrame(t, frames[0])
	if typ != MsgSnapshot {
		t.Fatalf("frame type = %q, want snapshot", typ)
	}
	var snap SnapshotPayload
	if err := json.Unmarshal(payload, &snap); err != nil {
		t.Fatal(err)
	}
	if !snap.Running || snap.Session == nil {
		t.Fatalf("snapshot payload = %+v", snap)
	}
	if snap.Session.LastSeq != 1 {
		t.Errorf("snapshot LastSeq = %d, want 1", snap.Session.LastSeq)
	}
	if o.snapshotSeq != 1 {
		t.Errorf("observer snapshotSeq = %d, want 1", o.snapshotSeq)
	}
}

func TestHubPublishInOrder(t *testing.T) {
	h, store := newHubWithSession(t)

	o := newQueuedObserver(h, 16)
	h.mu.Lock()
	h.observers[o] = true
	h.mu.Unlock()

	for i := 0; i < 5; i++ {
		h.Publish(applyLocation(t, store, float64(i)))
	}

	frames := o.queuedFrames()
	if len(frames) != 5 {
		t.Fatalf("queue length = %d, want 5", len(frames))
	}
	for i, f := range frames {
		d := decodeDelta(t, f)
		if d.Seq != uint64(i+1) {
			t.Errorf("frame %d has seq %d, want %d", i, d.Seq, i+1)
		}
	}
}

func TestPublishAlertClassAddsHighlightFrame(t *testing.T) {
	h, store := newHubWithSession(t)

	o := newQueuedObserver(h, 16)
	h.mu.Lock()
	h.observers[o] = true
	h.mu.Unlock()

	ev := session.NewEvent(session.KeywordDetected)
	ev.Keyword = "help"
	d, err := store.Apply(ev)
	if err != nil {
		t.Fatal(err)
	}
	h.Publish(d)

	frames := o.queuedFrames()
	if len(frames) != 2 {
		t.Fatalf("queue = %d frames, want delta + alert", len(frames))
	}
	if typ, _ := decodeFrame(t, frames[0]); typ != MsgDelta {
		t.Errorf("first frame type = %q, want delta", typ)
	}
	typ, payload := decodeFrame(t, frames[1])
	if typ != MsgAlert {
		t.Fatalf("second frame type = %q, want alert", typ)
	}
	var ap AlertPayload
	if err := json.Unmarshal(payload, &ap); err != nil {
		t.Fatal(err)
	}
	if ap.Event.Keyword != "help" {
		t.Errorf("alert payload keyword = %q, want %q", ap.Event.Keyword, "help")
	}
	if ap.Session == nil || ap.Session.Status != session.Alert {
		t.Errorf("alert payload session = %+v, want Alert status", ap.Session)
	}
}

func TestSlowObserverDoesNotAffectOthers(t *testing.T) {
	h, store := newHubWithSession(t)

	slow := newQueuedObserver(h, 2)
	fast := newQueuedObserver(h, 64)
	h.mu.Lock()
	h.observers[slow] = true
	h.observers[fast] = true
	h.mu.Unlock()

	for i := 0; i < 6; i++ {
		h.Publish(applyLocation(t, store, float64(i)))
	}

	if got := len(fast.queuedFrames()); got != 6 {
		t.Errorf("fast observer has %d frames, want all 6", got)
	}
	fastFrames := fast.queuedFrames()
	for i, f := range fastFrames {
		if d := decodeDelta(t, f); d.Seq != uint64(i+1) {
			t.Errorf("fast frame %d seq = %d, want %d", i, d.Seq, i+1)
		}
	}

	slowFrames := slow.queuedFrames()
	if len(slowFrames) != 2 {
		t.Fatalf("slow observer has %d frames, want 2", len(slowFrames))
	}
	// Oldest dropped for the slow observer only; retained frames in order.
	if d := decodeDelta(t, slowFrames[0]); d.Seq != 5 {
		t.Errorf("slow first retained seq = %d, want 5", d.Seq)
	}
	if !slow.isDegraded() {
		t.Error("slow observer not degraded")
	}
	if fast.isDegraded() {
		t.Error("fast observer incorrectly degraded")
	}
	if h.DegradedCount() != 1 {
		t.Errorf("DegradedCount = %d, want 1", h.DegradedCount())
	}
}

func TestBroadcastSnapshotHealsDegraded(t *testing.T) {
	h, store := newHubWithSession(t)

	o := newQueuedObserver(h, 2)
	h.mu.Lock()
	h.observers[o] = true
	h.mu.Unlock()

	for i := 0; i < 5; i++ {
		h.Publish(applyLocation(t, store, float64(i)))
	}
	if !o.isDegraded() {
		t.Fatal("precondition: observer should be degraded")
	}

	h.BroadcastSnapshot()

	frames := o.queuedFrames()
	if len(frames) != 1 {
		t.Fatalf("queue after snapshot = %d frames, want 1", len(frames))
	}
	typ, _ := decodeFrame(t, frames[0])
	if typ != MsgSnapshot {
		t.Errorf("frame type = %q, want snapshot", typ)
	}
	if o.isDegraded() {
		t.Error("degraded mark not cleared by snapshot")
	}

	// Deltas after the snapshot flow again.
	h.Publish(applyLocation(t, store, 9))
	if got := len(o.queuedFrames()); got != 2 {
		t.Errorf("queue = %d frames after new delta, want 2", got)
	}
}

// Snapshots broadcast concurrently with publishes must never clear a
// queued delta they do not cover: replaying the observer queue, every
// delta follows its predecessor (or the covering snapshot) with no gap.
func TestConcurrentSnapshotsLeaveNoGap(t *testing.T) {
	h, store := newHubWithSession(t)

	o := newQueuedObserver(h, 1024)
	h.mu.Lock()
	h.observers[o] = true
	h.mu.Unlock()

	const total = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			ev := session.NewEvent(session.LocationUpdate)
			ev.Position = &session.Position{Lat: float64(i), Lon: 77.6, Timestamp: time.Now()}
			d, err := store.Apply(ev)
			if err == nil {
				h.Publish(d)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			h.BroadcastSnapshot()
		}
	}()
	wg.Wait()

	last := uint64(0)
	for i, f := range o.queuedFrames() {
		typ, payload := decodeFrame(t, f)
		switch typ {
		case MsgSnapshot:
			var snap SnapshotPayload
			if err := json.Unmarshal(payload, &snap); err != nil {
				t.Fatal(err)
			}
			if snap.Session == nil {
				t.Fatalf("frame %d: snapshot without session", i)
			}
			last = snap.Session.LastSeq
		case MsgDelta:
			var d session.Delta
			if err := json.Unmarshal(payload, &d); err != nil {
				t.Fatal(err)
			}
			if d.Seq != last+1 {
				t.Fatalf("frame %d: delta seq %d after %d, gap", i, d.Seq, last)
			}
			last = d.Seq
		}
	}
	if last != total {
		t.Errorf("replayed state ends at seq %d, want %d", last, total)
	}
}

func TestSnapshotFrameIdleStore(t *testing.T) {
	store := session.NewStore(10)
	h := NewHub(store, 8, 0)
	defer h.Stop()

	snapSeq, data := h.snapshotFrame()
	if snapSeq != 0 {
		t.Errorf("snapSeq = %d, want 0 for idle store", snapSeq)
	}
	typ, payload := decodeFrame(t, data)
	if typ != MsgSnapshot {
		t.Fatalf("type = %q", typ)
	}
	var snap SnapshotPayload
	if err := json.Unmarshal(payload, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Running || snap.Session != nil {
		t.Errorf("idle snapshot = %+v, want not running, nil session", snap)
	}
}

func TestPublishStatus(t *testing.T) {
	h, _ := newHubWithSession(t)

	o := newQueuedObserver(h, 8)
	h.mu.Lock()
	h.observers[o] = true
	h.mu.Unlock()

	h.PublishStatus(true, "monitoring")

	frames := o.queuedFrames()
	if len(frames) != 1 {
		t.Fatalf("queue = %d frames, want 1", len(frames))
	}
	typ, payload := decodeFrame(t, frames[0])
	if typ != MsgStatus {
		t.Fatalf("type = %q, want status", typ)
	}
	var st StatusPayload
	if err := json.Unmarshal(payload, &st); err != nil {
		t.Fatal(err)
	}
	if !st.Running || st.Status != "monitoring" {
		t.Errorf("status payload = %+v", st)
	}
}

func TestObserverCount(t *testing.T) {
	h, _ := newHubWithSession(t)

	o1 := newQueuedObserver(h, 8)
	o2 := newQueuedObserver(h, 8)
	h.mu.Lock()
	h.observers[o1] = true
	h.observers[o2] = true
	h.mu.Unlock()

	if h.ObserverCount() != 2 {
		t.Errorf("ObserverCount = %d, want 2", h.ObserverCount())
	}

	h.remove(o1)
	if h.ObserverCount() != 1 {
		t.Errorf("ObserverCount after remove = %d, want 1", h.ObserverCount())
	}

	h.remove(o1) // double remove is harmless
	if h.ObserverCount() != 1 {
		t.Errorf("ObserverCount after double remove = %d, want 1", h.ObserverCount())
	}
}
