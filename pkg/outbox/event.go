package outbox

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/splitledger-backend/pkg/enums"
)

// envelopeNamespace seeds envelope ids; changing it re-keys every envelope.
var envelopeNamespace = uuid.MustParse("5b7f5a8e-3c1d-4c8e-9a53-2f0d4b8c6e11")

type DomainEvent struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   uuid.UUID
	Actor         *ActorRef
	Data          any
	Version       int
	OccurredAt    time.Time
	// DedupeKey separates repeated events of one type on one aggregate.
	// Leave empty for events that happen at most once per aggregate.
	DedupeKey string
}

// EnvelopeID is derived from the event identity rather than drawn at random.
// A deferred write that is retried after an ambiguous commit emits the same
// envelope id again, and the publisher's delivery guard drops the repeat.
func (e DomainEvent) EnvelopeID() uuid.UUID {
	name := strings.Join([]string{
		string(e.EventType),
		string(e.AggregateType),
		e.AggregateID.String(),
		e.DedupeKey,
	}, "|")
	return uuid.NewSHA1(envelopeNamespace, []byte(name))
}

// ActorRef is the user whose action produced the event.
type ActorRef struct {
	UserID uuid.UUID `json:"userId"`
}

// PayloadEnvelope is what outbox_events.payload holds. Data is the event's
// own payload, decoded by the publisher's registry.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}
