package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"textsync/internal/models"

	"github.com/redis/go-redis/v9"
)

/*
LEARNING: REDIS PUB/SUB FAN-OUT

Each document gets its own channel, "<prefix><docId>". Every relay instance
pattern-subscribes to "<prefix>*", so a batch published by any instance reaches
all of them, including the publisher. Pub/sub is fire-and-forget: a relay that
is down misses messages, and its clients recover through the SYNC handshake.
*/

// DefaultChannelPrefix namespaces document channels
const DefaultChannelPrefix = "textsync:doc:"

// RedisBroker is a Broker backed by Redis pub/sub
type RedisBroker struct {
	client *redis.Client
	prefix string
	logger *log.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedisBroker connects to addr and checks the connection
func NewRedisBroker(ctx context.Context, addr, prefix string, logger *log.Logger) (*RedisBroker, error) {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = log.Default()
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	logger.Printf("✓ Connected to Redis at %s (channels %s*)", addr, prefix)
	return &RedisBroker{client: client, prefix: prefix, logger: logger}, nil
}

// Channel is the pub/sub channel of docID
func (b *RedisBroker) Channel(docID string) string {
	return b.prefix + docID
}

// Publish sends msg on its document channel
func (b *RedisBroker) Publish(ctx context.Context, msg *models.RelayMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode relay message: %w", err)
	}
	if err := b.client.Publish(ctx, b.Channel(msg.DocID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", b.Channel(msg.DocID), err)
	}
	return nil
}

// Subscribe pattern-subscribes to every document channel
func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan *models.RelayMessage, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	b.subs = append(b.subs, pubsub)
	b.mu.Unlock()

	// Wait for the subscription to be confirmed so nothing published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s*: %w", b.prefix, err)
	}

	out := make(chan *models.RelayMessage, 256)
	go func() {
		defer close(out)
		defer pubsub.Close()

		redisChan := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-redisChan:
				if !ok {
					return
				}
				msg, err := b.decode(m)
				if err != nil {
					b.logger.Printf("⚠️  Dropping message on %s: %v", m.Channel, err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (b *RedisBroker) decode(m *redis.Message) (*models.RelayMessage, error) {
	var msg models.RelayMessage
	if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedMessage, err)
	}
	if docID := strings.TrimPrefix(m.Channel, b.prefix); msg.DocID != docID {
		return nil, fmt.Errorf("%w: docId %q on channel of %q", models.ErrMalformedMessage, msg.DocID, docID)
	}
	for i, op := range msg.Changes {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("%w: change %d: %v", models.ErrMalformedMessage, i, err)
		}
	}
	return &msg, nil
}

// Close ends all subscriptions and the client
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.Close()
	}
	return b.client.Close()
}
