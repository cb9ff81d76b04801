package stream

import (
	"sync"

	"github.com/rs/zerolog"
)

const subscriptionBuffer = 256

// Broadcaster fans events out from one producer to many independently
// cancelable subscriptions. Each consumer observes events from the point it
// attaches; closing the broadcaster closes every subscription channel.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	logger zerolog.Logger
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[uint64]*Subscription),
		logger: logger.With().Str("component", "broadcaster").Logger(),
	}
}

// Subscribe registers a new consumer. On an already-closed broadcaster the
// returned subscription's channel is closed immediately.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		ch:     make(chan Event, subscriptionBuffer),
		parent: b,
	}

	if b.closed {
		close(sub.ch)
		return sub
	}

	b.subs[sub.id] = sub
	return sub
}

// Publish delivers an event to every live subscription. A consumer that has
// fallen behind its buffer loses the event rather than blocking the producer.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn().
				Uint64("subscription", sub.id).
				Str("kind", string(ev.Kind)).
				Uint64("seq", ev.Seq).
				Msg("Subscriber buffer full, dropping event")
		}
	}
}

// Close terminates delivery and closes all subscription channels. Safe to
// call multiple times.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Subscription is one consumer's lazy, closable view of the event sequence.
type Subscription struct {
	id     uint64
	ch     chan Event
	parent *Broadcaster
}

// Events returns the channel events are delivered on. The channel is closed
// when the subscription is canceled or the producer closes.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Cancel detaches this subscription without affecting other consumers.
func (s *Subscription) Cancel() {
	s.parent.remove(s.id)
}
