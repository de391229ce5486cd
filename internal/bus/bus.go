package bus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/Lokch777/EE3070-Design-Project/internal/event"
	"github.com/Lokch777/EE3070-Design-Project/internal/log"
	"github.com/Lokch777/EE3070-Design-Project/internal/metrics"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing events rather than stalling publishers.
const subscriberBuffer = 64

// Bus is an in-memory pub/sub hub with a bounded ring of recent events.
// Publish never blocks on a slow subscriber.
type Bus struct {
	mu       sync.Mutex
	capacity int
	ring     []event.Event
	start    int // index of oldest entry
	count    int
	subs     map[event.Kind]map[*Subscription]struct{}
	dropped  uint64
	logger   zerolog.Logger
}

// Subscription is a live event stream for one consumer. Close it when done.
type Subscription struct {
	kind event.Kind
	ch   chan event.Event
	bus  *Bus

	mu     sync.Mutex
	closed bool
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan event.Event { return s.ch }

// Close unregisters the subscription and closes its channel. Sends hold the
// same lock, so a publish racing Close can never hit a closed channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// deliver hands the event to the subscriber without blocking. It reports
// false only when the buffer is full; a closed subscription swallows the
// event silently.
func (s *Subscription) deliver(ev event.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// New creates a bus with the given history capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 100
	}
	return &Bus{
		capacity: capacity,
		ring:     make([]event.Event, capacity),
		subs:     make(map[event.Kind]map[*Subscription]struct{}),
		logger:   log.WithComponent("bus"),
	}
}

// Publish appends the event to history, evicting the oldest entry when full,
// then delivers it to every matching subscriber. Delivery to a full
// subscriber drops the event for that subscriber only.
func (b *Bus) Publish(ev event.Event) {
	metrics.EventsPublishedTotal.WithLabelValues(string(ev.Kind)).Inc()
	b.mu.Lock()
	if b.count < b.capacity {
		b.ring[(b.start+b.count)%b.capacity] = ev
		b.count++
	} else {
		b.ring[b.start] = ev
		b.start = (b.start + 1) % b.capacity
	}

	targets := make([]*Subscription, 0, 4)
	for _, s := range []map[*Subscription]struct{}{b.subs[ev.Kind], b.subs[event.KindWildcard]} {
		for sub := range s {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if !sub.deliver(ev) {
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
			metrics.EventsDroppedTotal.Inc()
			b.logger.Warn().Str("kind", string(ev.Kind)).Msg("subscriber full, event dropped")
		}
	}
}

// Subscribe registers a consumer for one event kind, or event.KindWildcard
// for all kinds. Events published before the call are not replayed.
func (b *Bus) Subscribe(kind event.Kind) *Subscription {
	sub := &Subscription{kind: kind, ch: make(chan event.Event, subscriberBuffer), bus: b}
	b.mu.Lock()
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[*Subscription]struct{})
	}
	b.subs[kind][sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.kind]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.kind)
		}
	}
}

// History returns at most limit matching events, newest first. It does not
// consume from the buffer. A zero kind (or wildcard) matches everything;
// limit <= 0 means no limit.
func (b *Bus) History(limit int, kind event.Kind) []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]event.Event, 0, b.count)
	for i := b.count - 1; i >= 0; i-- {
		ev := b.ring[(b.start+i)%b.capacity]
		if kind != "" && kind != event.KindWildcard && ev.Kind != kind {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Stats summarises bus state for the health endpoint.
type Stats struct {
	HistorySize   int    `json:"history_size"`
	Capacity      int    `json:"capacity"`
	Subscribers   int    `json:"subscriber_count"`
	DroppedEvents uint64 `json:"dropped_events"`
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return Stats{HistorySize: b.count, Capacity: b.capacity, Subscribers: n, DroppedEvents: b.dropped}
}
