// Package bus provides the ordered, filterable fan-out of unified agent
// events to any number of subscribers.
package bus

import (
	"log"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/google/uuid"
)

// subscriberBuffer is the per-subscriber live channel capacity. A subscriber
// that lets this fill up is considered lagged and gets disconnected, the
// same way a slow websocket client is dropped rather than buffered forever.
const subscriberBuffer = 64

// Filter selects which events a subscription receives. Zero values match
// everything; AfterSequence replays retained events past that cursor.
type Filter struct {
	SessionID     string
	RunID         string
	Kinds         []models.EventKind
	AfterSequence uint64
}

func (f Filter) matches(e models.Event) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if e.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Subscription is one live, filtered view of the event stream. Its channel
// is closed when the subscriber lags past the retention window, when it is
// closed explicitly, or when the bus shuts down.
type Subscription struct {
	filter Filter
	ch     chan models.Event
	bus    *Bus
	closed bool // guarded by bus.mu
	lagged bool // guarded by bus.mu
}

// Events returns the subscription's event channel.
func (s *Subscription) Events() <-chan models.Event {
	return s.ch
}

// Lagged reports whether the subscription was closed because it fell
// behind. The subscriber should resubscribe with a fresh cursor.
func (s *Subscription) Lagged() bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.lagged
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	s.bus.dropLocked(s, false)
	s.bus.mu.Unlock()
}

// Bus is a bounded ring buffer of events with fan-out. Writers hold the
// lock only for the append and the non-blocking sends; a slow subscriber
// never blocks a publisher.
type Bus struct {
	mu       sync.Mutex
	ring     []models.Event
	capacity int
	seq      uint64
	subs     map[*Subscription]struct{}
	closed   bool
}

// New creates a bus retaining the most recent capacity events.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Bus{
		ring:     make([]models.Event, 0, capacity),
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Publish stamps the event with the next bus-wide sequence number, appends
// it to the ring and fans it out. The stamped event is returned. Events
// sharing a session reach every non-lagged subscriber in publish order.
func (b *Bus) Publish(e models.Event) models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return e
	}

	b.seq++
	e.Sequence = b.seq
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if len(b.ring) == b.capacity {
		// Evict the oldest entry; it is already durable via history
		// where that applies.
		copy(b.ring, b.ring[1:])
		b.ring = b.ring[:b.capacity-1]
	}
	b.ring = append(b.ring, e)

	for s := range b.subs {
		if !s.filter.matches(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			log.Printf("bus_event=subscriber_lagged session_id=%s seq=%d", e.SessionID, e.Sequence)
			b.dropLocked(s, true)
		}
	}

	return e
}

// Subscribe registers a filtered view. Retained events newer than the
// filter's cursor are replayed first, then live events follow. A cursor
// older than the retention window resumes from the oldest retained event.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var replay []models.Event
	for _, e := range b.ring {
		if e.Sequence > filter.AfterSequence && filter.matches(e) {
			replay = append(replay, e)
		}
	}

	s := &Subscription{
		filter: filter,
		ch:     make(chan models.Event, len(replay)+subscriberBuffer),
		bus:    b,
	}
	for _, e := range replay {
		s.ch <- e
	}

	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}

	b.subs[s] = struct{}{}
	return s
}

func (b *Bus) dropLocked(s *Subscription, lagged bool) {
	if s.closed {
		return
	}
	s.closed = true
	s.lagged = lagged
	delete(b.subs, s)
	close(s.ch)
}

// Sequence returns the sequence number of the most recent event.
func (b *Bus) Sequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// SubscriberCount returns the number of attached subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close shuts the bus down and closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.closed = true
		delete(b.subs, s)
		close(s.ch)
	}
}
