// Package broadcaster implements per-environment SSE subscriber lists,
// resume-from-event-id connect semantics, and the keepalive loop.
package broadcaster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flagedge/edge/internal/delta"
	"github.com/flagedge/edge/internal/domain"
)

// subscriberChanCapacity is the per-subscriber FIFO capacity. Publish never
// blocks on a subscriber: one whose buffer is full is evicted.
const subscriberChanCapacity = 16

// Event is one outbound SSE frame.
type Event struct {
	ID    string
	Name  string
	Data  []byte
}

type subscriber struct {
	ch     chan Event
	filter delta.Filter
}

// Broadcaster fans out delta events to connected SSE subscribers.
type Broadcaster struct {
	deltaEn *delta.Engine

	mu          sync.Mutex
	subscribers map[domain.EnvironmentKey]map[int]*subscriber
	nextID      int
}

// New returns a Broadcaster backed by the given delta engine.
func New(deltaEn *delta.Engine) *Broadcaster {
	return &Broadcaster{
		deltaEn:     deltaEn,
		subscribers: make(map[domain.EnvironmentKey]map[int]*subscriber),
	}
}

// Connect registers a new subscriber, replays catch-up events (or a fresh
// hydration) as the first frame named "unleash-connected", and returns a
// channel of subsequent events plus a release function the caller must
// invoke on disconnect.
func (b *Broadcaster) Connect(key domain.EnvironmentKey, lastEventID uint32, filter delta.Filter) (<-chan Event, Event, func()) {
	catchUp := b.deltaEn.EventsSince(key, lastEventID, filter)
	initial := encodeConnected(catchUp)

	sub := &subscriber{ch: make(chan Event, subscriberChanCapacity), filter: filter}

	b.mu.Lock()
	if b.subscribers[key] == nil {
		b.subscribers[key] = make(map[int]*subscriber)
	}
	id := b.nextID
	b.nextID++
	b.subscribers[key][id] = sub
	b.mu.Unlock()

	// Safe to call after an eviction already removed the slot.
	release := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subscribers[key]; ok {
			if _, present := subs[id]; present {
				delete(subs, id)
				close(sub.ch)
			}
		}
	}
	return sub.ch, initial, release
}

func encodeConnected(events []domain.DeltaEvent) Event {
	return Event{Name: "unleash-connected", Data: encodeEventsJSON(events)}
}

// Publish forwards the events appended for key to every subscriber whose
// filter matches, in append order. A subscriber whose channel is full is
// evicted rather than allowed to block the publisher.
func (b *Broadcaster) Publish(key domain.EnvironmentKey, events []domain.DeltaEvent) {
	b.mu.Lock()
	subs := b.subscribers[key]
	// Copy so we can evict without mutating the map under iteration.
	targets := make(map[int]*subscriber, len(subs))
	for id, s := range subs {
		targets[id] = s
	}
	b.mu.Unlock()

	for _, ev := range events {
		frame := Event{ID: fmt.Sprintf("%d", ev.EventID), Data: encodeEventJSON(ev)}
		for id, sub := range targets {
			if !sub.filter.Matches(ev) {
				continue
			}
			select {
			case sub.ch <- frame:
			default:
				// Eviction closes the channel; drop the slot from this
				// batch's snapshot too, or the next event would send on it.
				b.evict(key, id)
				delete(targets, id)
			}
		}
	}
}

func (b *Broadcaster) evict(key domain.EnvironmentKey, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[key]; ok {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			close(sub.ch)
		}
	}
}

// SubscriberCount reports how many subscribers are connected for key, for
// the metrics exposition.
func (b *Broadcaster) SubscriberCount(key domain.EnvironmentKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[key])
}

// RunKeepalive sends a comment-line keepalive to every subscriber every
// interval; a send failure (channel full, meaning the consumer is stuck)
// evicts that subscriber, matching the cancellation rule.
func (b *Broadcaster) RunKeepalive(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.sendKeepalives()
		}
	}
}

func (b *Broadcaster) sendKeepalives() {
	b.mu.Lock()
	type target struct {
		key domain.EnvironmentKey
		id  int
		sub *subscriber
	}
	var targets []target
	for key, subs := range b.subscribers {
		for id, s := range subs {
			targets = append(targets, target{key, id, s})
		}
	}
	b.mu.Unlock()

	keepalive := Event{Name: "", Data: nil} // comment frame; handler renders ": keep-alive"
	for _, t := range targets {
		select {
		case t.sub.ch <- keepalive:
		default:
			b.evict(t.key, t.id)
		}
	}
}

// IsKeepalive reports whether an Event is the synthetic keepalive comment
// frame rather than a real delta/connect event.
func IsKeepalive(e Event) bool {
	return e.Name == "" && e.Data == nil && e.ID == ""
}
