package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/splitledger-backend/pkg/config"
	"github.com/angelmondragon/splitledger-backend/pkg/db"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
	"github.com/angelmondragon/splitledger-backend/pkg/migrate"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "migrate"})

	_ = godotenv.Load()

	cmd := flag.String("cmd", "up", "migration command: up|down|status|version|create|validate")
	dir := flag.String("dir", migrate.DefaultDir, "migrations directory for create and validate")
	name := flag.String("name", "", "migration name (for create)")
	version := flag.String("version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	// create and validate work on files only.
	switch *cmd {
	case "create":
		if *name == "" {
			fail("missing -name for create")
		}
		path, err := migrate.CreateSQLMigration(*dir, *name)
		if err != nil {
			fail("failed to create migration: %v", err)
		}
		fmt.Println("created migration:", path)
		return
	case "validate":
		if err := migrate.ValidateDir(*dir); err != nil {
			fail("migration validation failed: %v", err)
		}
		if err := migrate.Validate(migrate.Migrations()); err != nil {
			fail("embedded migrations are stale or invalid: %v", err)
		}
		fmt.Println("migration validation passed")
		return
	}

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "cmd": *cmd})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer dbClient.Close()

	if cfg.FeatureFlags.UseSQLite {
		if *cmd != "up" {
			fail("-cmd=%s is not supported for sqlite databases", *cmd)
		}
		if err := migrate.ApplySQLiteSchema(ctx, dbClient.DB()); err != nil {
			fail("sqlite schema failed: %v", err)
		}
		logg.Info(ctx, "sqlite schema applied")
		return
	}

	sqlDB, err := dbClient.DB().DB()
	requireResource(ctx, logg, "sql database", err)
	runner, err := migrate.NewRunner(sqlDB, logg)
	requireResource(ctx, logg, "migration runner", err)

	switch *cmd {
	case "up":
		err = runner.Up(ctx)
	case "down":
		err = runner.Down(ctx)
	case "status":
		err = printStatus(ctx, runner)
	case "version":
		if *version == "" {
			fail("missing -version for version command")
		}
		target, perr := strconv.ParseInt(*version, 10, 64)
		if perr != nil {
			fail("invalid version %q (expected YYYYMMDDHHMMSS)", *version)
		}
		err = runner.ToVersion(ctx, target)
	default:
		fail("unknown -cmd value: %s", *cmd)
	}
	if err != nil {
		logg.Error(ctx, "migration command failed", err)
		os.Exit(1)
	}
}

func printStatus(ctx context.Context, runner *migrate.Runner) error {
	statuses, err := runner.Status(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSTATE\tAPPLIED AT\tFILE")
	for _, st := range statuses {
		applied := "-"
		if !st.AppliedAt.IsZero() {
			applied = st.AppliedAt.UTC().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", st.Source.Version, st.State, applied, st.Source.Path)
	}
	return w.Flush()
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
