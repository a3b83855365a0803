package sim

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/safewatch/backend/internal/ingress"
	"github.com/safewatch/backend/internal/session"
)

// Feed is where the simulator submits events; satisfied by ingress.Ingress.
type Feed interface {
	Submit(ev session.Event) (ingress.Ack, error)
}

// Options controls the simulated GPS walk and voice detection.
type Options struct {
	UpdateInterval     time.Duration
	AlertInterval      time.Duration // faster cadence while an alert window is open
	AlertWindow        time.Duration
	CenterLat          float64
	CenterLon          float64
	Radius             float64 // degrees
	TriggerProbability float64
	Keywords           []string
	HeartbeatEvery     int // emit a heartbeat every N ticks
}

func DefaultOptions() Options {
	return Options{
		UpdateInterval:     2 * time.Second,
		AlertInterval:      500 * time.Millisecond,
		AlertWindow:        30 * time.Second,
		CenterLat:          28.6139,
		CenterLon:          77.2090,
		Radius:             0.01,
		TriggerProbability: 0.15,
		Keywords:           []string{"help", "save me", "emergency", "danger", "police"},
		HeartbeatEvery:     10,
	}
}

// Simulator is a synthetic GPS/voice feed: a random walk clamped to a
// radius around a center point, with probabilistic distress keyword
// detections. It only emits while a session is being monitored.
type Simulator struct {
	feed  Feed
	store *session.Store
	opts  Options
	rng   *rand.Rand

	lat        float64
	lon        float64
	angle      float64
	tickCount  int
	alertUntil time.Time
}

func New(feed Feed, store *session.Store, opts Options, rng *rand.Rand) *Simulator {
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = 2 * time.Second
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = 10
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Simulator{
		feed:  feed,
		store: store,
		opts:  opts,
		rng:   rng,
		lat:   opts.CenterLat,
		lon:   opts.CenterLon,
	}
}

// Start runs the feed until ctx is cancelled.
func (s *Simulator) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Simulator) run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.UpdateInterval)
	defer ticker.Stop()

	fast := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()

			// Tighten the cadence while an alert window is open.
			if s.alertActive() != fast {
				fast = !fast
				if fast && s.opts.AlertInterval > 0 {
					ticker.Reset(s.opts.AlertInterval)
				} else {
					ticker.Reset(s.opts.UpdateInterval)
				}
			}
		}
	}
}

// tick emits one round of events: a location sample, possibly a keyword
// detection, and a periodic heartbeat.
func (s *Simulator) tick() {
	if !s.store.Active() {
		return
	}
	s.tickCount++

	pos := s.nextPosition()
	ev := session.NewEvent(session.LocationUpdate)
	ev.Position = &pos
	if _, err := s.feed.Submit(ev); err != nil {
		log.Printf("sim: submit location: %v", err)
		return
	}

	if keyword, ok := s.detectKeyword(); ok {
		log.Printf("sim: distress keyword detected: %q", keyword)
		kw := session.NewEvent(session.KeywordDetected)
		kw.Keyword = keyword
		kw.Position = &pos
		if _, err := s.feed.Submit(kw); err != nil {
			log.Printf("sim: submit keyword: %v", err)
		}
		s.alertUntil = time.Now().Add(s.opts.AlertWindow)
	}

	if s.tickCount%s.opts.HeartbeatEvery == 0 {
		if _, err := s.feed.Submit(session.NewEvent(session.Heartbeat)); err != nil {
			log.Printf("sim: submit heartbeat: %v", err)
		}
	}
}

func (s *Simulator) alertActive() bool {
	return time.Now().Before(s.alertUntil)
}

// nextPosition advances the random walk: jitter the heading, step a
// fraction of the radius, clamp to the configured bounding box.
func (s *Simulator) nextPosition() session.Position {
	s.angle += s.rng.Float64()*60 - 30
	distance := s.rng.Float64() * s.opts.Radius * 0.1

	s.lat += distance * math.Cos(s.angle*math.Pi/180)
	s.lon += distance * math.Sin(s.angle*math.Pi/180)

	if s.lat > s.opts.CenterLat+s.opts.Radius {
		s.lat = s.opts.CenterLat + s.opts.Radius
	}
	if s.lat < s.opts.CenterLat-s.opts.Radius {
		s.lat = s.opts.CenterLat - s.opts.Radius
	}
	if s.lon > s.opts.CenterLon+s.opts.Radius {
		s.lon = s.opts.CenterLon + s.opts.Radius
	}
	if s.lon < s.opts.CenterLon-s.opts.Radius {
		s.lon = s.opts.CenterLon - s.opts.Radius
	}

	return session.Position{
		Lat:       s.lat,
		Lon:       s.lon,
		Accuracy:  5 + s.rng.Float64()*10,
		Timestamp: time.Now(),
	}
}

func (s *Simulator) detectKeyword() (string, bool) {
	if len(s.opts.Keywords) == 0 {
		return "", false
	}
	if s.rng.Float64() < s.opts.TriggerProbability {
		return s.opts.Keywords[s.rng.Intn(len(s.opts.Keywords))], true
	}
	return "", false
}
