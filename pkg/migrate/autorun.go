package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/splitledger-backend/pkg/config"
	"github.com/angelmondragon/splitledger-backend/pkg/db"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
)

// MaybeRunDev brings the schema up at startup. SQLite always gets its schema;
// Postgres only in dev with AutoMigrate on.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if cfg.FeatureFlags.UseSQLite {
		logg.Info(logg.WithField(ctx, "path", cfg.DB.SQLitePath), "applying sqlite schema")
		return ApplySQLiteSchema(ctx, client.DB())
	}
	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}
	runner, err := NewRunner(sqlDB, logg)
	if err != nil {
		return err
	}
	ctx = logg.WithField(ctx, "env", cfg.App.Env)
	logg.Info(ctx, "auto-migrating dev database")
	if err := runner.Up(ctx); err != nil {
		return err
	}
	version, err := runner.Version(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	logg.Info(logg.WithField(ctx, "version", version), "dev database migrated")
	return nil
}
