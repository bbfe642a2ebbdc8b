package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	dbtypes "github.com/angelmondragon/splitledger-backend/pkg/db/types"
	"github.com/angelmondragon/splitledger-backend/pkg/enums"
)

// Ledger tracks the running balance against one counterparty or group.
// Positive balances mean the counterparty owes the owner.
type Ledger struct {
	ID             uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	OwnerID        uuid.UUID        `gorm:"column:owner_id;type:uuid;not null"`
	Name           string           `gorm:"column:name;type:text;not null"`
	Kind           enums.LedgerKind `gorm:"column:kind;type:ledger_kind_enum;not null"`
	Members        dbtypes.NameList `gorm:"column:members;type:jsonb;not null"`
	Balance        decimal.Decimal  `gorm:"column:balance;type:numeric(20,6);not null"`
	LastActivityAt time.Time        `gorm:"column:last_activity_at;not null"`
	CreatedAt      time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (Ledger) TableName() string { return "ledgers" }

func (l *Ledger) BeforeCreate(*gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Members == nil {
		l.Members = dbtypes.NameList{}
	}
	return nil
}
