package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/splitledger-backend/pkg/logger"
)

const (
	outboxRetentionDays  = 30
	outboxMinAttempts    = 10
	outboxRetentionBatch = 500
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPruner interface {
	DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, minAttemptCount, limit int) (int64, error)
}

type OutboxRetentionJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Repository outboxPruner
	Retention  int
	// MinAttempts should match the publisher's max attempts.
	MinAttempts int
	BatchSize   int
}

// NewOutboxRetentionJob prunes delivered and dead-lettered outbox rows older
// than the retention window, one bounded transaction at a time.
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	switch {
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case params.DB == nil:
		return nil, fmt.Errorf("db runner required")
	case params.Repository == nil:
		return nil, fmt.Errorf("outbox repository required")
	}
	job := &outboxRetentionJob{
		logg:        params.Logger,
		db:          params.DB,
		repo:        params.Repository,
		retention:   orDefault(params.Retention, outboxRetentionDays),
		minAttempts: orDefault(params.MinAttempts, outboxMinAttempts),
		batch:       orDefault(params.BatchSize, outboxRetentionBatch),
		now:         time.Now,
	}
	return job, nil
}

type outboxRetentionJob struct {
	logg        *logger.Logger
	db          txRunner
	repo        outboxPruner
	retention   int
	minAttempts int
	batch       int
	now         func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().AddDate(0, 0, -j.retention)
	var (
		deleted int64
		batches int
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rows int64
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			var err error
			rows, err = j.repo.DeletePublishedBefore(ctx, tx, cutoff, j.minAttempts, j.batch)
			return err
		})
		if err != nil {
			return fmt.Errorf("outbox retention after %d rows: %w", deleted, err)
		}
		batches++
		deleted += rows
		if rows < int64(j.batch) {
			break
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"retention_days": j.retention,
		"min_attempts":   j.minAttempts,
		"batches":        batches,
		"rows_deleted":   deleted,
	}), "outbox retention cleanup complete")
	return nil
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
