// Package busmem is an in-memory bus.Bus used by unit tests to drive state
// machine transitions deterministically, without a broker process.
package busmem

import (
	"context"
	"sync"

	"github.com/benchkit/meister/internal/bus"
)

// Bus is a process-local bus.Bus. Publish delivers to every live subscriber
// of the channel; Disconnect forces every subscription to report
// bus.ErrDisconnected, simulating broker loss.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*sub
	keys   map[string][]byte
	closed bool
}

type sub struct {
	bus     *Bus
	channel string
	msgs    chan []byte
	done    chan struct{}
	once    sync.Once
}

// New constructs an empty in-memory bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string][]*sub),
		keys: make(map[string][]byte),
	}
}

func (b *Bus) Subscribe(ctx context.Context, channel string) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrDisconnected
	}
	s := &sub{
		bus:     b,
		channel: channel,
		msgs:    make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	b.subs[channel] = append(b.subs[channel], s)
	return s, nil
}

func (s *sub) Next(ctx context.Context) ([]byte, error) {
	select {
	case payload, ok := <-s.msgs:
		if !ok {
			return nil, bus.ErrDisconnected
		}
		return payload, nil
	case <-s.done:
		return nil, bus.ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *sub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.remove(s)
	s.once.Do(func() { close(s.done) })
	return nil
}

// remove drops s from the subscriber list; callers hold b.mu.
func (b *Bus) remove(s *sub) {
	lst := b.subs[s.channel]
	for i, cur := range lst {
		if cur == s {
			b.subs[s.channel] = append(lst[:i], lst[i+1:]...)
			return
		}
	}
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, bus.ErrDisconnected
	}
	var n int64
	for _, s := range b.subs[channel] {
		select {
		case s.msgs <- payload:
			n++
		case <-s.done:
		}
	}
	return n, nil
}

func (b *Bus) Set(ctx context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrDisconnected
	}
	b.keys[key] = append([]byte(nil), value...)
	return nil
}

func (b *Bus) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrDisconnected
	}
	val, ok := b.keys[key]
	if !ok {
		return nil, bus.ErrNoKey
	}
	return append([]byte(nil), val...), nil
}

// Disconnect simulates losing the broker: every subscription, present and
// future, fails with bus.ErrDisconnected.
func (b *Bus) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, lst := range b.subs {
		for _, s := range lst {
			s.once.Do(func() { close(s.done) })
		}
	}
}

// SubscriberCount reports the number of live subscriptions on a channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

func (b *Bus) Close() error {
	b.Disconnect()
	return nil
}
