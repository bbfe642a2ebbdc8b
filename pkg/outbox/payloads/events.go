package payloads

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Notification is the push content shared by every counterparty event.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// ExpenseAddedEvent tells the owner that a counterparty paid for something.
type ExpenseAddedEvent struct {
	OwnerID       uuid.UUID       `json:"ownerId"`
	LedgerID      uuid.UUID       `json:"ledgerId"`
	LedgerName    string          `json:"ledgerName"`
	EventID       uuid.UUID       `json:"eventId"`
	Payer         string          `json:"payer"`
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"`
	AmountDisplay string          `json:"amountDisplay"`
	BalanceImpact decimal.Decimal `json:"balanceImpact"`
	Notification  Notification    `json:"notification"`
}

// MessagePostedEvent carries a message written by the counterparty.
type MessagePostedEvent struct {
	OwnerID      uuid.UUID    `json:"ownerId"`
	LedgerID     uuid.UUID    `json:"ledgerId"`
	LedgerName   string       `json:"ledgerName"`
	EventID      uuid.UUID    `json:"eventId"`
	Text         string       `json:"text"`
	Notification Notification `json:"notification"`
}

// Routable payloads expose the attributes a push consumer filters on without
// decoding the body.
type Routable interface {
	Validate() error
	Attributes() map[string]string
}

func (e ExpenseAddedEvent) Validate() error {
	if err := requireIDs(e.OwnerID, e.LedgerID, e.EventID); err != nil {
		return err
	}
	if !e.Amount.IsPositive() {
		return errors.New("amount must be positive")
	}
	if strings.TrimSpace(e.Payer) == "" {
		return errors.New("payer is required")
	}
	return nil
}

func (e ExpenseAddedEvent) Attributes() map[string]string {
	return routeAttributes(e.OwnerID, e.LedgerID)
}

func (e MessagePostedEvent) Validate() error {
	if err := requireIDs(e.OwnerID, e.LedgerID, e.EventID); err != nil {
		return err
	}
	if strings.TrimSpace(e.Text) == "" {
		return errors.New("text is required")
	}
	return nil
}

func (e MessagePostedEvent) Attributes() map[string]string {
	return routeAttributes(e.OwnerID, e.LedgerID)
}

func requireIDs(owner, ledger, event uuid.UUID) error {
	switch uuid.Nil {
	case owner:
		return errors.New("ownerId is required")
	case ledger:
		return errors.New("ledgerId is required")
	case event:
		return errors.New("eventId is required")
	}
	return nil
}

func routeAttributes(owner, ledger uuid.UUID) map[string]string {
	return map[string]string{
		"owner_id":  owner.String(),
		"ledger_id": ledger.String(),
	}
}
