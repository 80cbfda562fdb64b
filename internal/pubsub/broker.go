package pubsub

import (
	"context"
	"sync"
	"time"
)

// subscriberBuffer is each subscriber's channel capacity. A subscriber that
// falls this far behind starts losing events instead of blocking publishers.
const subscriberBuffer = 64

// Broker delivers events to any number of subscribers. Publishing never
// blocks; a session PATCH must not wait on a stalled SSE client.
type Broker[T any] struct {
	mu          sync.RWMutex
	subscribers map[chan Event[T]]struct{}
	closed      chan struct{}
}

// NewBroker creates an open broker with no subscribers.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subscribers: make(map[chan Event[T]]struct{}),
		closed:      make(chan struct{}),
	}
}

// Subscribe registers a new subscriber. The returned channel closes when
// ctx is cancelled or the broker shuts down; on a closed broker it comes
// back already closed.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isClosed() {
		ch := make(chan Event[T])
		close(ch)
		return ch
	}

	ch := make(chan Event[T], subscriberBuffer)
	b.subscribers[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.isClosed() {
			return
		}
		delete(b.subscribers, ch)
		close(ch)
	}()

	return ch
}

// Publish stamps the event and offers it to every subscriber. Full
// subscriber buffers drop the event for that subscriber only.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.isClosed() {
		return
	}

	event := Event[T]{Type: eventType, Payload: payload, Timestamp: time.Now()}
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close shuts the broker down and closes every subscriber channel. Publish
// and Subscribe on a closed broker are no-ops.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isClosed() {
		return
	}
	close(b.closed)
	for ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}

// SubscriberCount reports how many subscribers are attached.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// isClosed must be called with mu held.
func (b *Broker[T]) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}
