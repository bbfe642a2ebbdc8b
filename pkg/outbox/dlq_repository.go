package outbox

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/splitledger-backend/pkg/db/models"
)

const maxDLQErrorLen = 1024

// DLQRepository stores outbox rows the publisher gave up on, one per event.
type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

func (r *DLQRepository) InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if !entry.ErrorReason.IsValid() {
		return fmt.Errorf("unknown dlq reason %q", entry.ErrorReason)
	}
	if entry.ErrorMessage != nil {
		msg := truncateDLQError(*entry.ErrorMessage)
		entry.ErrorMessage = &msg
	}
	// A replayed event that fails again refreshes its existing entry.
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"error_reason", "error_message", "attempt_count", "failed_at", "payload_json"}),
	}).Create(&entry).Error
}

func (r *DLQRepository) FindByEventID(ctx context.Context, eventID uuid.UUID) (*models.OutboxDLQ, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var dlq models.OutboxDLQ
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&dlq).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dlq, nil
}

// truncateDLQError caps the message at maxDLQErrorLen bytes without splitting
// a multi-byte rune; publisher errors often quote participant names.
func truncateDLQError(message string) string {
	if len(message) <= maxDLQErrorLen {
		return message
	}
	cut := maxDLQErrorLen
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
