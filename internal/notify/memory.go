package notify

import (
	"context"
	"slices"
	"sync"
)

const memoryBuffer = 64

// MemoryBus delivers events inside one process. A subscriber that falls a
// full buffer behind is dropped as lost, so it reconciles like a remote one.
type MemoryBus struct {
	mu        sync.Mutex
	subs      map[*memorySubscription]struct{}
	duplicate int
	closed    bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySubscription]struct{})}
}

// SetDuplicates makes every delivery happen 1+n times.
func (b *MemoryBus) SetDuplicates(n int) {
	b.mu.Lock()
	b.duplicate = n
	b.mu.Unlock()
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	for sub := range b.subs {
		if !slices.Contains(sub.topics, topic) {
			continue
		}
		for i := 0; i <= b.duplicate; i++ {
			if !sub.deliver(event) {
				b.dropLocked(sub, ErrSubscriptionLost)
				break
			}
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	sub := &memorySubscription{
		bus:    b,
		topics: slices.Clone(topics),
		events: make(chan Event, memoryBuffer),
		done:   make(chan struct{}),
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Disconnect drops every live subscription as lost.
func (b *MemoryBus) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		b.dropLocked(sub, ErrSubscriptionLost)
	}
}

// Subscribers reports how many subscriptions are live.
func (b *MemoryBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		b.dropLocked(sub, ErrBusClosed)
	}
	return nil
}

func (b *MemoryBus) dropLocked(sub *memorySubscription, err error) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	sub.err = err
	close(sub.done)
}

type memorySubscription struct {
	bus    *MemoryBus
	topics []string
	events chan Event
	done   chan struct{}
	// err is written under bus.mu before done closes.
	err error
}

func (s *memorySubscription) deliver(event Event) bool {
	select {
	case s.events <- event:
		return true
	default:
		return false
	}
}

func (s *memorySubscription) Events() <-chan Event  { return s.events }
func (s *memorySubscription) Done() <-chan struct{} { return s.done }

func (s *memorySubscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.dropLocked(s, nil)
	return nil
}
