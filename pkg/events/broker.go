package events

import (
	"log/slog"
	"sync"
)

// Broker fans received notifications out to in-process subscribers
// (WebSocket connections). Slow subscribers drop messages rather than
// block the receive loop.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe returns a channel receiving broadcasts for the given NOTIFY
// channel and a cancel function that must be called when done.
func (b *Broker) Subscribe(channel string) (<-chan []byte, func()) {
	ch := make(chan []byte, 64)

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[channel]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, channel)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Broadcast delivers a payload to every subscriber of a channel.
func (b *Broker) Broadcast(channel string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
			slog.Warn("Dropping event for slow subscriber", "channel", channel)
		}
	}
}

// SubscriberCount reports live subscribers for a channel.
func (b *Broker) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}
