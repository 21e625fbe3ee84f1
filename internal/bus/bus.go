// Package bus is an in-process pub/sub channel for connection and session
// lifecycle events. Publishers never block on ordinary subscribers; lossless
// subscribers apply backpressure instead.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 128

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives events whose topic starts with its prefix.
type Subscription struct {
	id       uint64
	prefix   string
	ch       chan Event
	lossless bool
	done     chan struct{}
	stop     sync.Once
}

// Ch returns the channel to receive events on. It is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus fans published events out to matching subscriptions.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	dropped atomic.Uint64
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers interest in topics starting with topicPrefix; an empty
// prefix matches everything. The subscription buffers defaultBufferSize
// events and drops the rest while full.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.subscribe(topicPrefix, defaultBufferSize, false)
}

// SubscribeLossless is like Subscribe, but Publish waits for buffer space
// instead of dropping. The consumer must keep reading until it calls
// Unsubscribe, which releases any publisher still waiting.
func (b *Bus) SubscribeLossless(topicPrefix string, size int) *Subscription {
	if size <= 0 {
		size = defaultBufferSize
	}
	return b.subscribe(topicPrefix, size, true)
}

func (b *Bus) subscribe(topicPrefix string, size int, lossless bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		prefix:   topicPrefix,
		ch:       make(chan Event, size),
		lossless: lossless,
		done:     make(chan struct{}),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	// Wake blocked publishers first; they hold the read lock.
	sub.stop.Do(func() { close(sub.done) })
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers an event to every matching subscription. It blocks only
// on a full lossless subscription. A nil Bus discards the event.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		if sub.lossless {
			select {
			case sub.ch <- ev:
			case <-sub.done:
				b.dropped.Add(1)
			}
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
