// Package progress carries worker progress events from the core to whatever
// renders them. Publishing never blocks a worker.
package progress

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Event is one progress update from a worker.
type Event struct {
	Worker   string    `json:"worker"`
	Position uint64    `json:"position"`
	Length   uint64    `json:"length"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

// Reporter receives progress events.
type Reporter interface {
	Report(Event)
}

// Nop discards events.
type Nop struct{}

// Report implements Reporter.
func (Nop) Report(Event) {}

// Tracker holds one worker's position, length and message and reports every
// change.
type Tracker struct {
	mu    sync.Mutex
	r     Reporter
	state Event
	nowFn func() time.Time
}

// NewTracker creates a tracker for worker. A nil reporter discards events.
func NewTracker(r Reporter, worker string) *Tracker {
	if r == nil {
		r = Nop{}
	}
	return &Tracker{r: r, state: Event{Worker: worker}, nowFn: time.Now}
}

// Messagef sets the status message.
func (t *Tracker) Messagef(format string, args ...any) {
	t.update(func(e *Event) { e.Message = fmt.Sprintf(format, args...) })
}

// Advance moves the position forward by n and sets the message. The length
// is kept.
func (t *Tracker) Advance(n uint64, format string, args ...any) {
	t.update(func(e *Event) {
		e.Position += n
		e.Message = fmt.Sprintf(format, args...)
	})
}

// Update sets position, length and message in a single event.
func (t *Tracker) Update(pos, length uint64, format string, args ...any) {
	t.update(func(e *Event) {
		e.Position = pos
		e.Length = length
		e.Message = fmt.Sprintf(format, args...)
	})
}

// Current returns the last reported state.
func (t *Tracker) Current() Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// update reports under the lock so concurrent writers reach the reporter in
// the order their changes were applied.
func (t *Tracker) update(fn func(*Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.state)
	t.state.Time = t.nowFn()
	t.r.Report(t.state)
}

// Hub fans events out to subscribers and remembers the latest event per
// worker. Slow subscribers lose events.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	latest  map[string]Event
	bufSize int
}

// NewHub creates a hub whose subscriber channels buffer bufSize events.
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Hub{
		subs:    make(map[int]chan Event),
		latest:  make(map[string]Event),
		bufSize: bufSize,
	}
}

// Report implements Reporter.
func (h *Hub) Report(e Event) {
	h.mu.Lock()
	h.latest[e.Worker] = e
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of future events and a function that ends the
// subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.bufSize)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Snapshot returns the latest event of every worker, ordered by worker name.
func (h *Hub) Snapshot() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	events := make([]Event, 0, len(h.latest))
	for _, e := range h.latest {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Worker < events[j].Worker })
	return events
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
