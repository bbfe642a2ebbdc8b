package enums

import "slices"

// OutboxAggregateType maps to the aggregate_type enum in Postgres.
type OutboxAggregateType string

const (
	AggregateLedger    OutboxAggregateType = "ledger"
	AggregateFeedEvent OutboxAggregateType = "feed_event"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateLedger,
	AggregateFeedEvent,
}

// IsValid reports whether the value matches the canonical aggregate_type enum.
func (a OutboxAggregateType) IsValid() bool {
	return slices.Contains(validAggregateTypes, a)
}

// OutboxEventType maps to the event_type enum in Postgres.
type OutboxEventType string

const (
	EventExpenseAdded  OutboxEventType = "expense_added"
	EventMessagePosted OutboxEventType = "message_posted"
)

var validOutboxEventTypes = []OutboxEventType{
	EventExpenseAdded,
	EventMessagePosted,
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	return slices.Contains(validOutboxEventTypes, e)
}

// OutboxDLQErrorReason records why the publisher stopped retrying an event.
type OutboxDLQErrorReason string

const (
	OutboxDLQReasonMaxAttempts  OutboxDLQErrorReason = "max_attempts"
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
)

func (r OutboxDLQErrorReason) IsValid() bool {
	return r == OutboxDLQReasonMaxAttempts || r == OutboxDLQReasonNonRetryable
}
