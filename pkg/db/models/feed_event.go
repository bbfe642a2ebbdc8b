package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	dbtypes "github.com/angelmondragon/splitledger-backend/pkg/db/types"
	"github.com/angelmondragon/splitledger-backend/pkg/enums"
)

// FeedEvent is one entry in a ledger's history. Which columns are populated
// depends on Kind: messages carry Text and Sender, expenses carry the split
// fields, settlements carry Amount and Payer. BalanceImpact is stamped when a
// version of the event is written and is what deletion reverses.
type FeedEvent struct {
	ID       uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	LedgerID uuid.UUID           `gorm:"column:ledger_id;type:uuid;not null"`
	Kind     enums.FeedEventKind `gorm:"column:kind;type:feed_event_kind_enum;not null"`

	Text   *string              `gorm:"column:text;type:text"`
	Sender *enums.MessageSender `gorm:"column:sender;type:text"`

	Description  *string            `gorm:"column:description;type:text"`
	Amount       decimal.Decimal    `gorm:"column:amount;type:numeric(20,6);not null"`
	Payer        *string            `gorm:"column:payer;type:text"`
	SplitMode    *enums.SplitMode   `gorm:"column:split_mode;type:text"`
	SplitSummary *string            `gorm:"column:split_summary;type:text"`
	Allocation   dbtypes.Allocation `gorm:"column:allocation;type:jsonb"`

	BalanceImpact decimal.Decimal `gorm:"column:balance_impact;type:numeric(20,6);not null"`
	CreatedAt     time.Time       `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (FeedEvent) TableName() string { return "feed_events" }

func (e *FeedEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return nil
}

// PayerName returns the payer or an empty string for messages.
func (e FeedEvent) PayerName() string {
	if e.Payer == nil {
		return ""
	}
	return *e.Payer
}

// DescriptionText returns the expense description or an empty string.
func (e FeedEvent) DescriptionText() string {
	if e.Description == nil {
		return ""
	}
	return *e.Description
}
