// Package broker fans relayed batches out to every relay instance serving a
// document. A single relay uses the in-process broker; several relays behind
// a load balancer share a Redis broker.
package broker

import (
	"context"
	"errors"
	"sync"

	"textsync/internal/models"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("broker closed")

// Broker delivers every published message to every subscriber, including the
// publisher's own subscription, in publish order per document.
type Broker interface {
	Publish(ctx context.Context, msg *models.RelayMessage) error

	// Subscribe returns a channel that is closed when ctx is done or the
	// broker is closed.
	Subscribe(ctx context.Context) (<-chan *models.RelayMessage, error)

	Close() error
}

// LocalBroker is an in-process Broker
type LocalBroker struct {
	mu     sync.RWMutex
	subs   map[*localSub]struct{}
	closed bool
	done   chan struct{}
}

type localSub struct {
	ch  chan *models.RelayMessage
	ctx context.Context
}

// NewLocalBroker creates an in-process broker
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{
		subs: make(map[*localSub]struct{}),
		done: make(chan struct{}),
	}
}

// Publish blocks until every live subscriber accepted msg or ctx is done
func (b *LocalBroker) Publish(ctx context.Context, msg *models.RelayMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	for sub := range b.subs {
		select {
		case sub.ch <- msg:
		case <-sub.ctx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a new subscriber
func (b *LocalBroker) Subscribe(ctx context.Context) (<-chan *models.RelayMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &localSub{ch: make(chan *models.RelayMessage, 256), ctx: ctx}
	b.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		b.mu.Lock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	}()

	return sub.ch, nil
}

// Close closes every subscription
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
	return nil
}
