// Package eventbus is the in-process channel between the checker and the
// notification dispatcher.
//
// Contract:
//   - Delivery is at-most-once; nothing is persisted.
//   - Publish never blocks; a full subscriber drops the event.
//   - PublishWait blocks per subscriber until delivered or ctx ends.
//   - There is no ordering guarantee across subscribers.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
)

type Bus[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]chan T
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// New returns a fanout bus. It owns no goroutines.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: map[uint64]chan T{}}
}

func (b *Bus[T]) snapshot() []chan T {
	b.mu.RLock()
	chs := make([]chan T, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()
	return chs
}

// Publish offers v to every subscriber and returns how many accepted it.
func (b *Bus[T]) Publish(v T) int {
	n := 0
	for _, ch := range b.snapshot() {
		// The channel may be closed by a concurrent unsubscribe.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- v:
				n++
			default:
				b.dropped.Add(1)
			}
		}()
	}
	return n
}

// PublishWait delivers v to every subscriber, waiting for buffer space.
// It returns ctx.Err() if ctx ends before all subscribers accepted v.
func (b *Bus[T]) PublishWait(ctx context.Context, v T) error {
	for _, ch := range b.snapshot() {
		var err error
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- v:
			case <-ctx.Done():
				b.dropped.Add(1)
				err = ctx.Err()
			}
		}()
		if err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a buffered receiver. unsubscribe closes the channel.
func (b *Bus[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan T, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Dropped counts events that did not reach a subscriber.
func (b *Bus[T]) Dropped() uint64 { return b.dropped.Load() }
