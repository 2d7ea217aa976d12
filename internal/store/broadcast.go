package store

import (
	"context"
	"sync"

	"github.com/mschirtzinger/usersync/internal/model"
)

// Broadcaster fans store snapshots out to subscribers.
//
// Delivery is latest-value: each subscriber has a one-slot buffer, and a
// snapshot that has not been received yet is replaced by the newer one. A slow
// reader therefore skips intermediate states but always ends on the current
// one, and a writer never blocks on a reader.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch   chan []model.User
	// done is closed together with ch and releases the context watcher.
	done chan struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a subscriber whose first value is initial. The returned
// channel is closed when ctx ends or the broadcaster is closed, and at no
// other time.
//
// Callers must hold whatever lock orders initial against concurrent Publish
// calls, so that no write can slip between the snapshot and the registration.
func (b *Broadcaster) Subscribe(ctx context.Context, initial []model.User) <-chan []model.User {
	return b.subscribe(ctx, model.CloneUsers(initial), true)
}

// SubscribePending registers a subscriber that receives nothing until the
// next Publish. Used when the current snapshot could not be loaded.
func (b *Broadcaster) SubscribePending(ctx context.Context) <-chan []model.User {
	return b.subscribe(ctx, nil, false)
}

func (b *Broadcaster) subscribe(ctx context.Context, initial []model.User, send bool) <-chan []model.User {
	sub := &subscriber{
		ch:   make(chan []model.User, 1),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	b.subs[sub] = struct{}{}
	if send {
		sub.offer(initial)
	}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.remove(sub)
		case <-sub.done:
		}
	}()

	return sub.ch
}

// Publish delivers users to every subscriber.
func (b *Broadcaster) Publish(users []model.User) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		sub.offer(model.CloneUsers(users))
	}
}

// Len returns the number of active subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later subscriptions receive an
// already closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		sub.close()
	}
}

func (b *Broadcaster) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	sub.close()
}

// close ends the subscription. Only called with b.mu held, after sub has
// left b.subs, so it runs once per subscriber.
func (s *subscriber) close() {
	close(s.ch)
	close(s.done)
}

// offer replaces any pending value with users. Only called with b.mu held,
// so there is a single sender and the final send cannot block.
func (s *subscriber) offer(users []model.User) {
	select {
	case s.ch <- users:
		return
	default:
	}

	select {
	case <-s.ch:
	default:
	}
	s.ch <- users
}
