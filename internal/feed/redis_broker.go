package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

type redisPubSub interface {
	FeedChannel(ledgerID string) string
	Publish(ctx context.Context, channel string, message any) error
	SubscribeChannel(ctx context.Context, channel string) (<-chan *goredis.Message, func() error, error)
}

// RedisBroker relays change signals through Redis pub/sub so every API
// instance streaming a ledger sees writes made by the others.
type RedisBroker struct {
	client redisPubSub
}

func NewRedisBroker(client redisPubSub) (*RedisBroker, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisBroker{client: client}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, ledgerID uuid.UUID) error {
	return b.client.Publish(ctx, b.client.FeedChannel(ledgerID.String()), "changed")
}

func (b *RedisBroker) Subscribe(ctx context.Context, ledgerID uuid.UUID) (<-chan struct{}, func(), error) {
	msgs, closeSub, err := b.client.SubscribeChannel(ctx, b.client.FeedChannel(ledgerID.String()))
	if err != nil {
		return nil, nil, err
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = closeSub()
		})
	}
	return out, cancel, nil
}
