package registry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/splitledger-backend/pkg/config"
	"github.com/angelmondragon/splitledger-backend/pkg/db/models"
	"github.com/angelmondragon/splitledger-backend/pkg/enums"
	"github.com/angelmondragon/splitledger-backend/pkg/outbox"
	"github.com/angelmondragon/splitledger-backend/pkg/outbox/payloads"
)

func TestEventRegistryResolveSuccess(t *testing.T) {
	reg := newTestEventRegistry(t)

	eventID := uuid.New()
	ledgerID := uuid.New()
	payloadBytes := mustMarshal(t, payloads.ExpenseAddedEvent{
		OwnerID:     uuid.New(),
		LedgerID:    ledgerID,
		EventID:     eventID,
		Payer:       "Alex",
		Description: "Dinner",
		Amount:      decimal.RequireFromString("42.5"),
	})

	event := models.OutboxEvent{
		EventType:     enums.EventExpenseAdded,
		AggregateType: enums.AggregateFeedEvent,
		AggregateID:   eventID,
		Payload:       mustEnvelope(t, payloadBytes),
	}

	resolved, err := reg.Resolve(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Descriptor.Topic != "notification-topic" {
		t.Fatalf("unexpected topic %q", resolved.Descriptor.Topic)
	}
	payload, ok := resolved.Payload.(*payloads.ExpenseAddedEvent)
	if !ok {
		t.Fatalf("unexpected payload type %T", resolved.Payload)
	}
	if payload.EventID != eventID || !payload.Amount.Equal(decimal.RequireFromString("42.5")) {
		t.Fatalf("payload mismatch %+v", payload)
	}
	if resolved.Envelope.EventID == "" {
		t.Fatalf("envelope missing event id")
	}
	if resolved.Envelope.OccurredAt.IsZero() {
		t.Fatalf("envelope missing occurred_at")
	}
	if resolved.Attributes["ledger_id"] != ledgerID.String() {
		t.Fatalf("expected ledger_id attribute, got %v", resolved.Attributes)
	}
}

func TestEventRegistryRequiresTopic(t *testing.T) {
	if _, err := NewEventRegistry(config.PubSubConfig{}); err == nil {
		t.Fatalf("expected error for missing topic")
	}
}

func TestEventRegistryTopicsAreDistinct(t *testing.T) {
	reg := newTestEventRegistry(t)
	topics := reg.Topics()
	if len(topics) != 1 || topics[0] != "notification-topic" {
		t.Fatalf("unexpected topics %v", topics)
	}
}

func TestEventRegistryResolveMessage(t *testing.T) {
	reg := newTestEventRegistry(t)
	owner, ledgerID := uuid.New(), uuid.New()
	payloadBytes := mustMarshal(t, payloads.MessagePostedEvent{
		OwnerID:  owner,
		LedgerID: ledgerID,
		EventID:  uuid.New(),
		Text:     "see you friday",
	})

	resolved, err := reg.Resolve(models.OutboxEvent{
		EventType:     enums.EventMessagePosted,
		AggregateType: enums.AggregateFeedEvent,
		AggregateID:   uuid.New(),
		Payload:       mustEnvelope(t, payloadBytes),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, ok := resolved.Payload.(*payloads.MessagePostedEvent)
	if !ok || msg.Text != "see you friday" {
		t.Fatalf("unexpected payload %#v", resolved.Payload)
	}
	if resolved.Attributes["owner_id"] != owner.String() {
		t.Fatalf("expected owner_id attribute, got %v", resolved.Attributes)
	}
}

func TestEventRegistryResolveRejectsBadRows(t *testing.T) {
	reg := newTestEventRegistry(t)

	cases := map[string]models.OutboxEvent{
		"unknown event": {
			EventType:     enums.OutboxEventType("ledger_renamed"),
			AggregateType: enums.AggregateLedger,
			AggregateID:   uuid.New(),
			Payload:       mustEnvelope(t, []byte(`{"name":"x"}`)),
		},
		"aggregate mismatch": {
			EventType:     enums.EventMessagePosted,
			AggregateType: enums.AggregateLedger,
			AggregateID:   uuid.New(),
			Payload:       mustEnvelope(t, []byte(`{"text":"hi"}`)),
		},
		"missing aggregate id": {
			EventType:     enums.EventMessagePosted,
			AggregateType: enums.AggregateFeedEvent,
			AggregateID:   uuid.Nil,
			Payload:       mustEnvelope(t, []byte(`{}`)),
		},
		"null payload": {
			EventType:     enums.EventMessagePosted,
			AggregateType: enums.AggregateFeedEvent,
			AggregateID:   uuid.New(),
			Payload:       mustEnvelope(t, []byte("null")),
		},
		"message without text": {
			EventType:     enums.EventMessagePosted,
			AggregateType: enums.AggregateFeedEvent,
			AggregateID:   uuid.New(),
			Payload: mustEnvelope(t, []byte(`{"ownerId":"`+uuid.NewString()+`","ledgerId":"`+uuid.NewString()+`","eventId":"`+uuid.NewString()+`","text":"  "}`)),
		},
		"expense without owner": {
			EventType:     enums.EventExpenseAdded,
			AggregateType: enums.AggregateFeedEvent,
			AggregateID:   uuid.New(),
			Payload:       mustEnvelope(t, []byte(`{"ledgerId":"`+uuid.NewString()+`","eventId":"`+uuid.NewString()+`","payer":"Alex","amount":"5"}`)),
		},
		"broken envelope": {
			EventType:     enums.EventMessagePosted,
			AggregateType: enums.AggregateFeedEvent,
			AggregateID:   uuid.New(),
			Payload:       json.RawMessage(`{"data":`),
		},
	}
	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Resolve(event)
			if err == nil {
				t.Fatalf("expected error")
			}
			var nonRetry NonRetryableError
			if !errors.As(err, &nonRetry) {
				t.Fatalf("expected non-retryable error, got %T", err)
			}
		})
	}
}

func newTestEventRegistry(t *testing.T) *EventRegistry {
	t.Helper()
	reg, err := NewEventRegistry(config.PubSubConfig{NotificationTopic: "notification-topic"})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func mustEnvelope(t *testing.T, payload []byte) json.RawMessage {
	t.Helper()
	envelope := outbox.PayloadEnvelope{
		Version:    1,
		EventID:    uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Data:       payload,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}
