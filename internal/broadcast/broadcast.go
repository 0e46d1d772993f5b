// Package broadcast provides a generic "latest value plus fan-out"
// publisher: every new subscriber immediately receives the current
// value, then receives every subsequent update. The ring is published
// through one of these, so consumers always observe a consistent
// snapshot without holding any lock.
package broadcast

import "sync"

// subscriberBuffer is the depth of each subscriber's channel. A
// subscriber that falls this far behind drops older values rather than
// blocking the publisher, since only the latest Ring snapshot matters.
const subscriberBuffer = 1

// Publisher holds the latest value of T and fans it out to subscribers.
type Publisher[T any] struct {
	mu          sync.Mutex
	value       T
	hasValue    bool
	subscribers map[chan T]struct{}
}

// New returns a Publisher with no initial value. The first call to
// Publish establishes the value handed to subscribers that join later.
func New[T any]() *Publisher[T] {
	return &Publisher[T]{
		subscribers: make(map[chan T]struct{}),
	}
}

// Publish sets the latest value and pushes it to every current
// subscriber. A subscriber whose buffer is full has its stale value
// drained and replaced, so it always sees the most recent value rather
// than blocking the publisher.
func (p *Publisher[T]) Publish(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = v
	p.hasValue = true
	for ch := range p.subscribers {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// Subscribe returns a channel that immediately receives the current
// value (if one has been published) and every subsequent update.
// Call the returned cancel function to stop receiving and release the
// channel.
func (p *Publisher[T]) Subscribe() (ch <-chan T, cancel func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := make(chan T, subscriberBuffer)
	if p.hasValue {
		c <- p.value
	}
	p.subscribers[c] = struct{}{}

	return c, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.subscribers[c]; ok {
			delete(p.subscribers, c)
			close(c)
		}
	}
}

// Latest returns the most recently published value and whether one
// has ever been published.
func (p *Publisher[T]) Latest() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.hasValue
}
