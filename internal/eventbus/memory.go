package eventbus

import (
	"context"
	"sync"
)

var _ EventBus = (*MemoryBus)(nil)

// MemoryBus is an in-process EventBus used when Redis is not configured.
// Slow subscribers drop events rather than block publishers.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	buffer int
}

type memorySub struct {
	ch   chan Event
	once sync.Once
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySub]struct{}), buffer: 64}
}

func (b *MemoryBus) Publish(_ context.Context, session string, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[session] {
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, session string) (<-chan Event, error) {
	sub := &memorySub{ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	if b.subs[session] == nil {
		b.subs[session] = make(map[*memorySub]struct{})
	}
	b.subs[session][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[session], sub)
		if len(b.subs[session]) == 0 {
			delete(b.subs, session)
		}
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
	}()

	return sub.ch, nil
}

// Subscribers reports the live subscriber count for session.
func (b *MemoryBus) Subscribers(session string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[session])
}
