package progress

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/metrics"
	"github.com/clipforge/clipforge-api/store"
)

var Clock = clock.New()

const (
	// minPublishInterval is the floor between coalesced deliveries on a lane.
	minPublishInterval = 5 * time.Second

	// subscriberBuffer is the per-client queue depth. Sends never block; a
	// full queue drops the frame.
	subscriberBuffer = 16
)

// Delta is a single progress observation for one video, emitted by the state
// manager after each committed task update.
type Delta struct {
	UserID           int64                   `json:"user_id"`
	VideoID          int64                   `json:"video_id"`
	TaskType         store.TaskType          `json:"task_type,omitempty"`
	TaskStatus       store.TaskStatus        `json:"task_status,omitempty"`
	Stage            store.Stage             `json:"stage,omitempty"`
	StageDescription string                  `json:"stage_description,omitempty"`
	Rollup           *store.ProcessingStatus `json:"rollup,omitempty"`
	Message          string                  `json:"message,omitempty"`
	Completed        bool                    `json:"completed,omitempty"`

	// Immediate bypasses coalescing. The producer sets it on status changes,
	// on completion and on integer percent crossings.
	Immediate bool `json:"-"`
}

type laneKey struct {
	userID  int64
	videoID int64
}

// lane holds the coalescing state for one (user, video) pair. Only the
// latest pending delta survives a coalescing window.
type lane struct {
	key      laneKey
	lastSent time.Time
	pending  *Delta
	timer    *clock.Timer
}

// Subscription is one client's view of the bus. Receive from C until it is
// closed; Close drops the subscription and discards anything queued for it.
type Subscription struct {
	bus  *Bus
	key  laneKey
	ch   chan Delta
	once sync.Once
}

func (s *Subscription) C() <-chan Delta { return s.ch }

func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

// Bus fans progress deltas out to subscribed clients, one delivery lane per
// (user, video) pair. Publishing never blocks the caller.
type Bus struct {
	mu     sync.Mutex
	lanes  map[laneKey]*lane
	subs   map[laneKey]map[*Subscription]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{
		lanes: map[laneKey]*lane{},
		subs:  map[laneKey]map[*Subscription]struct{}{},
	}
}

// Subscribe registers a client for deltas about videoID owned by userID.
// A zero videoID subscribes to every video owned by the user.
func (b *Bus) Subscribe(userID, videoID int64) *Subscription {
	sub := &Subscription{
		bus: b,
		key: laneKey{userID: userID, videoID: videoID},
		ch:  make(chan Delta, subscriberBuffer),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	set, ok := b.subs[sub.key]
	if !ok {
		set = map[*Subscription]struct{}{}
		b.subs[sub.key] = set
	}
	set[sub] = struct{}{}
	metrics.Metrics.ProgressClientsGauge.Inc()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.key]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.key)
	}
	metrics.Metrics.ProgressClientsGauge.Dec()
	close(sub.ch)
	for key, ln := range b.lanes {
		if b.hasSubscribersLocked(key) {
			continue
		}
		if ln.timer != nil {
			ln.timer.Stop()
		}
		delete(b.lanes, key)
	}
}

// Publish enqueues a delta for delivery. Immediate deltas go out right away
// and supersede anything pending on the lane; the rest are coalesced to at
// most one delivery per window with only the latest kept.
func (b *Bus) Publish(d Delta) {
	key := laneKey{userID: d.UserID, videoID: d.VideoID}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || !b.hasSubscribersLocked(key) {
		return
	}
	ln, ok := b.lanes[key]
	if !ok {
		ln = &lane{key: key}
		b.lanes[key] = ln
	}
	if d.Immediate {
		ln.pending = nil
		if ln.timer != nil {
			ln.timer.Stop()
			ln.timer = nil
		}
		b.deliverLocked(ln, d)
		return
	}
	if ln.timer == nil && Clock.Since(ln.lastSent) >= minPublishInterval {
		b.deliverLocked(ln, d)
		return
	}
	ln.pending = &d
	if ln.timer == nil {
		wait := minPublishInterval - Clock.Since(ln.lastSent)
		if wait < 0 {
			wait = 0
		}
		ln.timer = Clock.AfterFunc(wait, func() { b.flush(key) })
	}
}

func (b *Bus) flush(key laneKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ln, ok := b.lanes[key]
	if !ok {
		return
	}
	ln.timer = nil
	if ln.pending == nil || b.closed {
		return
	}
	d := *ln.pending
	ln.pending = nil
	if !b.hasSubscribersLocked(key) {
		return
	}
	b.deliverLocked(ln, d)
}

func (b *Bus) deliverLocked(ln *lane, d Delta) {
	ln.lastSent = Clock.Now()
	b.sendLocked(b.subs[ln.key], d)
	if ln.key.videoID != 0 {
		b.sendLocked(b.subs[laneKey{userID: ln.key.userID}], d)
	}
}

func (b *Bus) sendLocked(set map[*Subscription]struct{}, d Delta) {
	for sub := range set {
		select {
		case sub.ch <- d:
			metrics.Metrics.ProgressFramesSent.Inc()
		default:
			log.LogNoRequestID("Dropping progress frame for slow subscriber", "user_id", d.UserID, "video_id", d.VideoID)
		}
	}
}

func (b *Bus) hasSubscribersLocked(key laneKey) bool {
	if len(b.subs[key]) > 0 {
		return true
	}
	return key.videoID != 0 && len(b.subs[laneKey{userID: key.userID}]) > 0
}

// Close drops every subscriber and discards all pending deltas.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ln := range b.lanes {
		if ln.timer != nil {
			ln.timer.Stop()
		}
	}
	b.lanes = map[laneKey]*lane{}
	for key, set := range b.subs {
		for sub := range set {
			close(sub.ch)
			metrics.Metrics.ProgressClientsGauge.Dec()
		}
		delete(b.subs, key)
	}
}

// CrossedPercent reports whether moving from prev to next reaches a new
// integer percent. Crossing deltas are delivered immediately.
func CrossedPercent(prev, next float64) bool {
	if next < prev {
		prev, next = next, prev
	}
	return math.Floor(next) > math.Floor(prev)
}

// maxRunningProgress keeps uncompleted roll-ups visibly short of done.
const maxRunningProgress = 99.9

// Overall combines the three root stage percentages with equal weight,
// rounded to one decimal. The result reaches 100 only on completion.
func Overall(download, extract, srt float64, completed bool) float64 {
	if completed {
		return 100
	}
	v := (clampPercent(download) + clampPercent(extract) + clampPercent(srt)) / 3
	v = math.Round(v*10) / 10
	return math.Min(v, maxRunningProgress)
}

func clampPercent(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return math.Min(v, 100)
}
