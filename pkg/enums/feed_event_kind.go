package enums

import "slices"

// FeedEventKind maps to the feed_event_kind_enum enum in Postgres.
type FeedEventKind string

const (
	FeedEventKindMessage    FeedEventKind = "message"
	FeedEventKindExpense    FeedEventKind = "expense"
	FeedEventKindSettlement FeedEventKind = "settlement"
)

var validFeedEventKinds = []FeedEventKind{
	FeedEventKindMessage,
	FeedEventKindExpense,
	FeedEventKindSettlement,
}

// IsValid reports whether the value matches the canonical feed event kind enum.
func (k FeedEventKind) IsValid() bool {
	return slices.Contains(validFeedEventKinds, k)
}

// AffectsBalance reports whether events of this kind carry a balance impact.
func (k FeedEventKind) AffectsBalance() bool {
	return k == FeedEventKindExpense || k == FeedEventKindSettlement
}
