// Package registry maps outbox rows to the topic they publish on and the
// typed payload their envelope carries.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/splitledger-backend/pkg/config"
	"github.com/angelmondragon/splitledger-backend/pkg/db/models"
	"github.com/angelmondragon/splitledger-backend/pkg/enums"
	"github.com/angelmondragon/splitledger-backend/pkg/outbox"
	"github.com/angelmondragon/splitledger-backend/pkg/outbox/payloads"
)

// EventDescriptor is how one event type is routed.
type EventDescriptor struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	Topic         string

	decode func(json.RawMessage) (payloads.Routable, error)
}

// ResolvedEvent is a decoded, validated outbox row ready to publish.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    payloads.Routable
	// Attributes are merged into the Pub/Sub message attributes.
	Attributes map[string]string
}

// NonRetryableError marks a row that will fail the same way on every retry.
// The publisher dead-letters it at once.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error { return e.Err }

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

func nonRetryablef(format string, args ...any) error {
	return NewNonRetryableError(fmt.Errorf(format, args...))
}

type EventRegistry struct {
	byType map[enums.OutboxEventType]EventDescriptor
}

// NewEventRegistry routes every counterparty notification to the configured
// notification topic.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	if cfg.NotificationTopic == "" {
		return nil, errors.New("notification topic is required")
	}
	descriptors := []EventDescriptor{
		describe[payloads.ExpenseAddedEvent](enums.EventExpenseAdded, enums.AggregateFeedEvent, cfg.NotificationTopic),
		describe[payloads.MessagePostedEvent](enums.EventMessagePosted, enums.AggregateFeedEvent, cfg.NotificationTopic),
	}
	reg := &EventRegistry{byType: make(map[enums.OutboxEventType]EventDescriptor, len(descriptors))}
	for _, desc := range descriptors {
		if _, dup := reg.byType[desc.EventType]; dup {
			return nil, fmt.Errorf("event type %s registered twice", desc.EventType)
		}
		reg.byType[desc.EventType] = desc
	}
	return reg, nil
}

// describe binds an event type to payload type T.
func describe[T any, PT interface {
	*T
	payloads.Routable
}](eventType enums.OutboxEventType, aggregate enums.OutboxAggregateType, topic string) EventDescriptor {
	return EventDescriptor{
		EventType:     eventType,
		AggregateType: aggregate,
		Topic:         topic,
		decode: func(data json.RawMessage) (payloads.Routable, error) {
			payload := PT(new(T))
			if err := json.Unmarshal(data, payload); err != nil {
				return nil, err
			}
			return payload, nil
		},
	}
}

// Resolve checks the row against its descriptor and decodes the payload. Every
// error it returns is a NonRetryableError.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.byType[event.EventType]
	switch {
	case !ok:
		return nil, nonRetryablef("unsupported event type %s", event.EventType)
	case desc.AggregateType != event.AggregateType:
		return nil, nonRetryablef("aggregate mismatch: expected %s got %s", desc.AggregateType, event.AggregateType)
	case event.AggregateID == uuid.Nil:
		return nil, nonRetryablef("missing aggregate_id")
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, nonRetryablef("decode envelope: %w", err)
	}
	if data := bytes.TrimSpace(envelope.Data); len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nonRetryablef("payload missing for %s", event.EventType)
	}
	payload, err := desc.decode(envelope.Data)
	if err != nil {
		return nil, nonRetryablef("decode %s payload: %w", event.EventType, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, nonRetryablef("invalid %s payload: %w", event.EventType, err)
	}

	return &ResolvedEvent{
		Descriptor: desc,
		Envelope:   envelope,
		Payload:    payload,
		Attributes: payload.Attributes(),
	}, nil
}

// Topics lists each distinct topic once, for startup checks.
func (r *EventRegistry) Topics() []string {
	seen := make(map[string]struct{}, len(r.byType))
	var topics []string
	for _, desc := range r.byType {
		if _, ok := seen[desc.Topic]; ok {
			continue
		}
		seen[desc.Topic] = struct{}{}
		topics = append(topics, desc.Topic)
	}
	return topics
}
