// Typed in-process publish/subscribe for change notifications (task outcomes, policy updates, alert triggers).
//
// Delivery is at-least-once to every subscriber registered at publish time: Publish blocks on a full subscriber buffer rather than dropping events. Subscribers leave by calling the cleanup func returned from Subscribe, which also closes their channel.
package eventbus

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("event bus shut down")

const DefaultBufferSize = 1024

type subscriber[T any] struct {
	outgoing chan T
	filter   func(T) bool
	done     chan struct{}
	once     sync.Once
}

type Bus[T any] struct {
	lk         sync.RWMutex
	subs       []*subscriber[T]
	bufferSize int
	closed     bool
}

func New[T any](bufferSize int) *Bus[T] {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus[T]{bufferSize: bufferSize}
}

// A nil filter receives every event.
func (b *Bus[T]) Subscribe(filter func(T) bool) (<-chan T, func()) {
	if filter == nil {
		filter = func(T) bool { return true }
	}
	sub := &subscriber[T]{
		outgoing: make(chan T, b.bufferSize),
		filter:   filter,
		done:     make(chan struct{}),
	}

	b.lk.Lock()
	if b.closed {
		close(sub.outgoing)
	} else {
		b.subs = append(b.subs, sub)
	}
	b.lk.Unlock()

	cleanup := func() {
		sub.once.Do(func() {
			// unblocks any publisher waiting on this subscriber before we take the write lock
			close(sub.done)
			b.lk.Lock()
			defer b.lk.Unlock()
			for i, s := range b.subs {
				if s == sub {
					b.subs[i] = b.subs[len(b.subs)-1]
					b.subs = b.subs[:len(b.subs)-1]
					close(sub.outgoing)
					break
				}
			}
		})
	}
	return sub.outgoing, cleanup
}

func (b *Bus[T]) Publish(ctx context.Context, ev T) error {
	b.lk.RLock()
	defer b.lk.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, s := range b.subs {
		if !s.filter(ev) {
			continue
		}
		select {
		case s.outgoing <- ev:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Bus[T]) Subscribers() int {
	b.lk.RLock()
	defer b.lk.RUnlock()
	return len(b.subs)
}

// Closes every subscriber channel. Later publishes fail with ErrClosed.
func (b *Bus[T]) Close() {
	b.lk.Lock()
	defer b.lk.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.outgoing)
	}
	b.subs = nil
}
