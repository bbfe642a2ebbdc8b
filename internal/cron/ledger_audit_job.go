package cron

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/splitledger-backend/internal/ledger"
	"github.com/angelmondragon/splitledger-backend/pkg/db/models"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
)

const defaultAuditBatchSize = 200

type ledgerScanner interface {
	Scan(ctx context.Context, after uuid.UUID, limit int) ([]models.Ledger, error)
}

type ledgerAuditor interface {
	Audit(ctx context.Context, ownerID, ledgerID uuid.UUID) (*ledger.AuditReport, error)
}

type LedgerAuditJobParams struct {
	Logger    *logger.Logger
	Ledgers   ledgerScanner
	Auditor   ledgerAuditor
	BatchSize int
}

// NewLedgerAuditJob checks every ledger's balance against its history. It
// only reports drift; repairs are a manual decision.
func NewLedgerAuditJob(params LedgerAuditJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Ledgers == nil {
		return nil, fmt.Errorf("ledger scanner required")
	}
	if params.Auditor == nil {
		return nil, fmt.Errorf("ledger auditor required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultAuditBatchSize
	}
	return &ledgerAuditJob{
		logg:    params.Logger,
		ledgers: params.Ledgers,
		auditor: params.Auditor,
		batch:   batch,
	}, nil
}

type ledgerAuditJob struct {
	logg    *logger.Logger
	ledgers ledgerScanner
	auditor ledgerAuditor
	batch   int
}

func (j *ledgerAuditJob) Name() string { return "ledger-audit" }

func (j *ledgerAuditJob) Run(ctx context.Context) error {
	var (
		after   uuid.UUID
		checked int
		drifted []string
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := j.ledgers.Scan(ctx, after, j.batch)
		if err != nil {
			return fmt.Errorf("scan ledgers: %w", err)
		}
		for _, l := range page {
			report, err := j.auditor.Audit(ctx, l.OwnerID, l.ID)
			if err != nil {
				// A ledger deleted after the scan is not drift.
				j.logg.Warn(j.logg.WithField(j.logg.WithLedgerID(ctx, l.ID.String()), "error", err.Error()), "ledger audit skipped")
				continue
			}
			checked++
			if !report.Consistent() {
				drifted = append(drifted, l.ID.String())
			}
		}
		if len(page) < j.batch {
			break
		}
		after = page[len(page)-1].ID
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"ledgers_checked": checked,
		"ledgers_drifted": len(drifted),
	})
	if len(drifted) > 0 {
		j.logg.Warn(j.logg.WithField(logCtx, "drifted_ids", drifted), "ledger audit found drift")
		return fmt.Errorf("%d of %d ledgers drifted", len(drifted), checked)
	}
	j.logg.Info(logCtx, "ledger audit complete")
	return nil
}
