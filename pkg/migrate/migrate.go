package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"github.com/angelmondragon/splitledger-backend/pkg/logger"
)

// DefaultDir is where `-cmd=create` writes new files. Binaries run the copy
// embedded below, so they do not depend on the working directory.
const DefaultDir = "pkg/migrate/migrations"

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the embedded migration set rooted at its directory.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(fmt.Sprintf("embedded migrations: %v", err))
	}
	return sub
}

// Runner applies the embedded Postgres migrations through a goose provider.
type Runner struct {
	provider *goose.Provider
	logg     *logger.Logger
}

func NewRunner(db *sql.DB, logg *logger.Logger) (*Runner, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, Migrations())
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	return &Runner{provider: provider, logg: logg}, nil
}

func (r *Runner) Up(ctx context.Context) error {
	results, err := r.provider.Up(ctx)
	r.report(ctx, results...)
	if err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Down rolls back the most recent migration only.
func (r *Runner) Down(ctx context.Context) error {
	result, err := r.provider.Down(ctx)
	if result != nil {
		r.report(ctx, result)
	}
	if err != nil {
		return fmt.Errorf("goose down: %w", err)
	}
	return nil
}

// ToVersion moves up or down until the database sits at target.
func (r *Runner) ToVersion(ctx context.Context, target int64) error {
	current, err := r.provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("get db version: %w", err)
	}
	var results []*goose.MigrationResult
	switch {
	case current == target:
		return nil
	case current < target:
		results, err = r.provider.UpTo(ctx, target)
	default:
		results, err = r.provider.DownTo(ctx, target)
	}
	r.report(ctx, results...)
	if err != nil {
		return fmt.Errorf("goose migrate %d -> %d: %w", current, target, err)
	}
	return nil
}

func (r *Runner) Status(ctx context.Context) ([]*goose.MigrationStatus, error) {
	return r.provider.Status(ctx)
}

func (r *Runner) Version(ctx context.Context) (int64, error) {
	return r.provider.GetDBVersion(ctx)
}

func (r *Runner) report(ctx context.Context, results ...*goose.MigrationResult) {
	if r.logg == nil {
		return
	}
	for _, res := range results {
		if res == nil || res.Source == nil {
			continue
		}
		logCtx := r.logg.WithFields(ctx, map[string]any{
			"version":     res.Source.Version,
			"direction":   res.Direction,
			"duration_ms": res.Duration.Milliseconds(),
		})
		if res.Error != nil {
			r.logg.Error(logCtx, "migration failed", res.Error)
			continue
		}
		r.logg.Info(logCtx, "migration applied")
	}
}
