package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/splitledger-backend/pkg/db/models"
	dbtypes "github.com/angelmondragon/splitledger-backend/pkg/db/types"
	"github.com/angelmondragon/splitledger-backend/pkg/pagination"
)

// ErrLedgerNotFound is returned when a ledger row does not exist.
var ErrLedgerNotFound = errors.New("ledger not found")

// Repository manages persistence for ledgers.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, ledger *models.Ledger) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Ledger, error)
	// FindForUpdate loads the ledger and, on Postgres, holds a row lock for
	// the rest of the transaction so writers on one ledger serialise.
	FindForUpdate(ctx context.Context, id uuid.UUID) (*models.Ledger, error)
	ListByOwner(ctx context.Context, params listLedgersParams) ([]models.Ledger, *pagination.Cursor, error)
	ListAllByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Ledger, error)
	// Scan walks every ledger in id order, limit rows after the given id.
	Scan(ctx context.Context, after uuid.UUID, limit int) ([]models.Ledger, error)
	UpdateBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal, activityAt time.Time) error
	UpdateMembers(ctx context.Context, id uuid.UUID, members dbtypes.NameList, activityAt time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type listLedgersParams struct {
	OwnerID uuid.UUID
	Limit   int
	Cursor  *pagination.Cursor
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, ledger *models.Ledger) error {
	return r.db.WithContext(ctx).Create(ledger).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Ledger, error) {
	return r.find(r.db.WithContext(ctx), id)
}

func (r *repository) FindForUpdate(ctx context.Context, id uuid.UUID) (*models.Ledger, error) {
	query := r.db.WithContext(ctx)
	if query.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return r.find(query, id)
}

func (r *repository) find(query *gorm.DB, id uuid.UUID) (*models.Ledger, error) {
	var ledger models.Ledger
	if err := query.Where("id = ?", id).First(&ledger).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLedgerNotFound
		}
		return nil, err
	}
	return &ledger, nil
}

func (r *repository) ListByOwner(ctx context.Context, params listLedgersParams) ([]models.Ledger, *pagination.Cursor, error) {
	query := r.db.WithContext(ctx).Model(&models.Ledger{}).Where("owner_id = ?", params.OwnerID)
	if params.Cursor != nil {
		query = query.Where("(last_activity_at, id) <= (?, ?)", params.Cursor.At, params.Cursor.ID)
	}

	var ledgers []models.Ledger
	if err := query.Order("last_activity_at DESC, id DESC").Limit(pagination.LimitWithBuffer(params.Limit)).Find(&ledgers).Error; err != nil {
		return nil, nil, err
	}
	page, next := pagination.Split(ledgers, params.Limit, func(l models.Ledger) pagination.Cursor {
		return pagination.Cursor{At: l.LastActivityAt, ID: l.ID}
	})
	return page, next, nil
}

func (r *repository) ListAllByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Ledger, error) {
	var ledgers []models.Ledger
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("last_activity_at DESC, id DESC").
		Find(&ledgers).Error; err != nil {
		return nil, err
	}
	return ledgers, nil
}

func (r *repository) Scan(ctx context.Context, after uuid.UUID, limit int) ([]models.Ledger, error) {
	query := r.db.WithContext(ctx).Model(&models.Ledger{})
	if after != uuid.Nil {
		query = query.Where("id > ?", after)
	}
	var ledgers []models.Ledger
	if err := query.Order("id ASC").Limit(limit).Find(&ledgers).Error; err != nil {
		return nil, err
	}
	return ledgers, nil
}

func (r *repository) UpdateBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal, activityAt time.Time) error {
	return r.update(ctx, id, map[string]any{
		"balance":          balance,
		"last_activity_at": activityAt,
	})
}

func (r *repository) UpdateMembers(ctx context.Context, id uuid.UUID, members dbtypes.NameList, activityAt time.Time) error {
	return r.update(ctx, id, map[string]any{
		"members":          members,
		"last_activity_at": activityAt,
	})
}

func (r *repository) update(ctx context.Context, id uuid.UUID, cols map[string]any) error {
	result := r.db.WithContext(ctx).Model(&models.Ledger{}).Where("id = ?", id).Updates(cols)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLedgerNotFound
	}
	return nil
}

func (r *repository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Ledger{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLedgerNotFound
	}
	return nil
}
