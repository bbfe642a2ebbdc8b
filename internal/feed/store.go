package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/splitledger-backend/pkg/db/models"
	dbtypes "github.com/angelmondragon/splitledger-backend/pkg/db/types"
	"github.com/angelmondragon/splitledger-backend/pkg/enums"
)

// ErrNotFound is returned when an event no longer exists.
var ErrNotFound = errors.New("feed event not found")

// Patch lists the expense fields an edit replaces. Nil fields are untouched.
type Patch struct {
	Description   *string
	Amount        *decimal.Decimal
	Payer         *string
	SplitMode     *enums.SplitMode
	SplitSummary  *string
	Allocation    dbtypes.Allocation
	BalanceImpact *decimal.Decimal
}

func (p Patch) columns() map[string]any {
	cols := map[string]any{}
	if p.Description != nil {
		cols["description"] = *p.Description
	}
	if p.Amount != nil {
		cols["amount"] = *p.Amount
	}
	if p.Payer != nil {
		cols["payer"] = *p.Payer
	}
	if p.SplitMode != nil {
		cols["split_mode"] = *p.SplitMode
	}
	if p.SplitSummary != nil {
		cols["split_summary"] = *p.SplitSummary
	}
	if p.Allocation != nil {
		cols["allocation"] = p.Allocation
	}
	if p.BalanceImpact != nil {
		cols["balance_impact"] = *p.BalanceImpact
	}
	return cols
}

// Store is the ordered event collection behind every ledger.
type Store interface {
	WithTx(tx *gorm.DB) Store
	Append(ctx context.Context, event *models.FeedEvent) (uuid.UUID, error)
	Update(ctx context.Context, id uuid.UUID, patch Patch) error
	Remove(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*models.FeedEvent, error)
	List(ctx context.Context, ledgerID uuid.UUID) ([]models.FeedEvent, error)
	RemoveByLedger(ctx context.Context, ledgerID uuid.UUID) (int64, error)
	// Subscribe delivers the full ordered feed once and again after every
	// change notification until ctx ends. Deliveries may repeat.
	Subscribe(ctx context.Context, ledgerID uuid.UUID, onChange func([]models.FeedEvent)) error
	// Notify announces a committed change to subscribers of ledgerID.
	Notify(ctx context.Context, ledgerID uuid.UUID) error
}

type store struct {
	db     *gorm.DB
	broker Broker
}

// NewStore returns a gorm-backed feed store that fans changes out through broker.
func NewStore(db *gorm.DB, broker Broker) Store {
	if broker == nil {
		broker = NewLocalBroker()
	}
	return &store{db: db, broker: broker}
}

func (s *store) WithTx(tx *gorm.DB) Store {
	if tx == nil {
		return s
	}
	return &store{db: tx, broker: s.broker}
}

func (s *store) Append(ctx context.Context, event *models.FeedEvent) (uuid.UUID, error) {
	if event == nil {
		return uuid.Nil, errors.New("event is required")
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return uuid.Nil, err
	}
	return event.ID, nil
}

func (s *store) Update(ctx context.Context, id uuid.UUID, patch Patch) error {
	cols := patch.columns()
	if len(cols) == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return nil
	}
	result := s.db.WithContext(ctx).
		Model(&models.FeedEvent{}).
		Where("id = ?", id).
		Updates(cols)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *store) Remove(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.FeedEvent{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *store) Get(ctx context.Context, id uuid.UUID) (*models.FeedEvent, error) {
	var event models.FeedEvent
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &event, nil
}

func (s *store) List(ctx context.Context, ledgerID uuid.UUID) ([]models.FeedEvent, error) {
	var events []models.FeedEvent
	if err := s.db.WithContext(ctx).
		Where("ledger_id = ?", ledgerID).
		Order("created_at ASC, id ASC").
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (s *store) RemoveByLedger(ctx context.Context, ledgerID uuid.UUID) (int64, error) {
	result := s.db.WithContext(ctx).Where("ledger_id = ?", ledgerID).Delete(&models.FeedEvent{})
	return result.RowsAffected, result.Error
}

func (s *store) Subscribe(ctx context.Context, ledgerID uuid.UUID, onChange func([]models.FeedEvent)) error {
	if onChange == nil {
		return errors.New("onChange is required")
	}
	changes, cancel, err := s.broker.Subscribe(ctx, ledgerID)
	if err != nil {
		return fmt.Errorf("subscribe ledger %s: %w", ledgerID, err)
	}
	defer cancel()

	// Subscribe before the first load so no change slips between them.
	if err := s.deliver(ctx, ledgerID, onChange); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			if err := s.deliver(ctx, ledgerID, onChange); err != nil {
				return err
			}
		}
	}
}

func (s *store) deliver(ctx context.Context, ledgerID uuid.UUID, onChange func([]models.FeedEvent)) error {
	events, err := s.List(ctx, ledgerID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("load feed %s: %w", ledgerID, err)
	}
	onChange(events)
	return nil
}

func (s *store) Notify(ctx context.Context, ledgerID uuid.UUID) error {
	return s.broker.Publish(ctx, ledgerID)
}
