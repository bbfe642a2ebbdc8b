package feed

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Broker carries "this ledger changed" signals to feed subscribers. Signals
// carry no payload; subscribers reload the feed.
type Broker interface {
	Publish(ctx context.Context, ledgerID uuid.UUID) error
	Subscribe(ctx context.Context, ledgerID uuid.UUID) (<-chan struct{}, func(), error)
}

// LocalBroker fans signals out inside one process. Each subscriber channel
// holds at most one pending signal; bursts coalesce.
type LocalBroker struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[*localSub]struct{}
}

type localSub struct {
	ch   chan struct{}
	once sync.Once
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: map[uuid.UUID]map[*localSub]struct{}{}}
}

func (b *LocalBroker) Publish(_ context.Context, ledgerID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[ledgerID] {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *LocalBroker) Subscribe(_ context.Context, ledgerID uuid.UUID) (<-chan struct{}, func(), error) {
	sub := &localSub{ch: make(chan struct{}, 1)}

	b.mu.Lock()
	if b.subs[ledgerID] == nil {
		b.subs[ledgerID] = map[*localSub]struct{}{}
	}
	b.subs[ledgerID][sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			b.mu.Lock()
			delete(b.subs[ledgerID], sub)
			if len(b.subs[ledgerID]) == 0 {
				delete(b.subs, ledgerID)
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// Subscribers reports how many listeners a ledger has.
func (b *LocalBroker) Subscribers(ledgerID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[ledgerID])
}
