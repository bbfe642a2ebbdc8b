package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/splitledger-backend/pkg/db"
	"github.com/angelmondragon/splitledger-backend/pkg/db/models"
	"github.com/angelmondragon/splitledger-backend/pkg/enums"
)

// Settle zeroes the ledger balance with a settlement event whose impact is the
// exact negation of the balance read under the row lock. A zero balance is a
// no-op and writes nothing, so settling twice in a row changes nothing.
func (s *service) Settle(ctx context.Context, ownerID, ledgerID uuid.UUID) (*WriteResult, error) {
	start := time.Now()
	result, err := s.settle(ctx, ownerID, ledgerID)
	return s.observe("settle", start, result, err)
}

func (s *service) settle(ctx context.Context, ownerID, ledgerID uuid.UUID) (*WriteResult, error) {
	ledger, err := s.ownedLedger(ctx, ownerID, ledgerID)
	if err != nil {
		return nil, err
	}
	if ledger.Balance.IsZero() {
		return s.settledNoop(ctx, ledger), nil
	}

	eventID := uuid.New()
	createdAt := s.now()
	var (
		updated *models.Ledger
		event   *models.FeedEvent
		noop    bool
	)
	pending, err := s.submit(ctx, ownerID, ledgerID, db.Job{
		Name: "settle",
		Run: func(tx *gorm.DB) error {
			txCtx := txContext(tx, ctx)
			repo := s.ledgers.WithTx(tx)
			current, err := s.lockLedger(txCtx, repo, ledgerID)
			if err != nil {
				return err
			}
			updated, event, noop = current, nil, current.Balance.IsZero()
			if noop {
				return nil
			}

			settlement := s.settlementEvent(current, eventID, createdAt)
			row := *settlement
			if _, err := s.feed.WithTx(tx).Append(txCtx, &row); err != nil {
				return err
			}
			next, err := s.moveBalance(txCtx, repo, current, settlement.BalanceImpact)
			if err != nil {
				return err
			}
			updated, event = next, settlement
			return nil
		},
		Applied: func(tx *gorm.DB) (bool, error) {
			current, stored, err := s.lockedWithEvent(ctx, tx, ledgerID, eventID)
			if err != nil || stored == nil {
				return false, err
			}
			updated, event, noop = current, stored, false
			return true, nil
		},
		OnCommit:  s.afterCommit(ctx, ledgerID, nil),
		OnFailure: s.conflictOnFailure("settle", "settlement"),
	})
	if err != nil {
		return nil, err
	}

	if pending.Status() != db.WriteCommitted {
		result := &WriteResult{Event: s.settlementEvent(ledger, eventID, createdAt), Write: pending, Delta: decimal.Zero}
		s.logWrite(ctx, "settle", result)
		return result, nil
	}
	if noop {
		return s.settledNoop(ctx, updated), nil
	}
	result := &WriteResult{Ledger: updated, Event: event, Write: pending, Delta: event.BalanceImpact}
	s.logWrite(ctx, "settle", result)
	return result, nil
}

// settlementEvent builds the event that settles current. The side in debt
// pays: the user when the balance is negative, the counterparty otherwise.
func (s *service) settlementEvent(current *models.Ledger, id uuid.UUID, createdAt time.Time) *models.FeedEvent {
	balance := current.Balance
	payer := current.Name
	if balance.IsNegative() {
		payer = s.self
	}
	return &models.FeedEvent{
		ID:            id,
		LedgerID:      current.ID,
		Kind:          enums.FeedEventKindSettlement,
		Amount:        balance.Abs(),
		Payer:         &payer,
		BalanceImpact: balance.Neg(),
		CreatedAt:     createdAt,
	}
}

func (s *service) settledNoop(ctx context.Context, ledger *models.Ledger) *WriteResult {
	s.logg.Info(s.logg.WithLedgerID(ctx, ledger.ID.String()), "ledger already settled")
	return &WriteResult{Ledger: ledger, Write: db.CommittedWrite(), Delta: decimal.Zero, Noop: true}
}
