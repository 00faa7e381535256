package events

import (
	"sync"
	"time"
)

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan Envelope
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Envelope)}
}

// Subscribe registers a listener for an event (or All) and returns the
// channel and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	b.subs[e] = append(b.subs[e], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[e]
			for i, c := range subs {
				if c == ch {
					close(c)
					b.subs[e] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		})
	}
	return ch, unsub
}

// Emit publishes payload for an account. A nil Bus is a no-op so components
// can run without one.
func (b *Bus) Emit(e Event, account, exchange string, payload any) {
	if b == nil {
		return
	}
	b.Publish(Envelope{Topic: e, Account: account, Exchange: exchange, Time: time.Now(), Payload: payload})
}

// Publish fans the envelope out without blocking; slow subscribers miss
// messages.
func (b *Bus) Publish(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[env.Topic] {
		select {
		case ch <- env:
		default:
		}
	}
	for _, ch := range b.subs[All] {
		select {
		case ch <- env:
		default:
		}
	}
}
