// Package idempotency keeps the publisher from pushing one envelope twice.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/splitledger-backend/pkg/redis"
)

const (
	markPending   = "pending"
	markDelivered = "delivered"
)

// State is what Claim found for an envelope.
type State int

const (
	// Claimed means the caller holds the lease and must Confirm or Release.
	Claimed State = iota
	// Delivered means an earlier attempt was acknowledged by the broker.
	Delivered
	// InFlight means another attempt holds the lease. It lapses after the
	// pending TTL if that attempt died.
	InFlight
)

func (s State) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case Delivered:
		return "delivered"
	case InFlight:
		return "in_flight"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Manager tracks envelopes in two steps under
// `sl:idempotency:evt:published:<publisher>:<event_id>`. Claim takes a short
// pending lease; Confirm replaces it with a long-lived delivered mark once the
// broker acknowledged the message.
type Manager struct {
	store      redis.IdempotencyStore
	ttl        time.Duration
	pendingTTL time.Duration
}

// NewManager keeps delivered marks for ttl and pending leases for pendingTTL.
func NewManager(store redis.IdempotencyStore, ttl, pendingTTL time.Duration) (*Manager, error) {
	switch {
	case store == nil:
		return nil, errors.New("idempotency store is required")
	case ttl < 0:
		return nil, errors.New("ttl must be non-negative")
	case pendingTTL <= 0:
		return nil, errors.New("pending ttl must be positive")
	}
	return &Manager{store: store, ttl: ttl, pendingTTL: pendingTTL}, nil
}

func (m *Manager) Claim(ctx context.Context, publisher string, eventID uuid.UUID) (State, error) {
	key, err := m.publishedKey(publisher, eventID)
	if err != nil {
		return Claimed, err
	}
	set, err := m.store.SetNX(ctx, key, markPending, m.pendingTTL)
	if err != nil {
		return Claimed, err
	}
	if set {
		return Claimed, nil
	}
	mark, err := m.store.Get(ctx, key)
	switch {
	case errors.Is(err, goredis.Nil):
		// The lease lapsed between the two calls.
		return InFlight, nil
	case err != nil:
		return Claimed, err
	case mark == markDelivered:
		return Delivered, nil
	}
	return InFlight, nil
}

// Confirm records a broker acknowledgement for a claimed envelope.
func (m *Manager) Confirm(ctx context.Context, publisher string, eventID uuid.UUID) error {
	key, err := m.publishedKey(publisher, eventID)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, key, markDelivered, m.ttl)
}

// Release drops a claim so a failed delivery can be retried.
func (m *Manager) Release(ctx context.Context, publisher string, eventID uuid.UUID) error {
	key, err := m.publishedKey(publisher, eventID)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

func (m *Manager) publishedKey(publisher string, eventID uuid.UUID) (string, error) {
	if publisher == "" {
		return "", errors.New("publisher name is required")
	}
	if eventID == uuid.Nil {
		return "", errors.New("event id is required")
	}
	return m.store.IdempotencyKey("evt:published:"+publisher, eventID.String()), nil
}
