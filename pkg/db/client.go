package db

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/splitledger-backend/pkg/config"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
)

const (
	// txAttempts covers the first try plus retries after a serialization
	// failure or a busy sqlite file.
	txAttempts     = 3
	txRetryBackoff = 20 * time.Millisecond

	defaultSQLitePath = "splitledger.db"
)

// Client owns the GORM connection shared by the ledger, feed and outbox
// repositories.
type Client struct {
	conn *gorm.DB
}

// New opens the configured driver. sqlite serves local single-user mode;
// anything else goes to Postgres.
func New(ctx context.Context, cfg config.DBConfig, logg *logger.Logger) (*Client, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 newGormLogger(logg, cfg.SlowQueryThreshold),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening db connection: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql db handle: %w", err)
	}

	switch dialector.Name() {
	case "sqlite":
		// One writer at a time; a single connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	default:
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if logg != nil {
		logg.Info(logg.WithField(ctx, "driver", dialector.Name()), "database connection established")
	}
	return &Client{conn: conn}, nil
}

// NewFromConn wraps an already opened connection.
func NewFromConn(conn *gorm.DB) *Client {
	return &Client{conn: conn}
}

func dialectorFor(cfg config.DBConfig) (gorm.Dialector, error) {
	if cfg.Driver == "sqlite" {
		return sqlite.Open(sqliteDSN(cfg.SQLitePath)), nil
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	return postgres.New(postgres.Config{DSN: cfg.DSN, PreferSimpleProtocol: true}), nil
}

// sqliteDSN turns on foreign keys and WAL and gives writers a busy timeout.
// A path that already carries a query string is used as given.
func sqliteDSN(path string) string {
	if path == "" {
		path = defaultSQLitePath
	}
	if strings.Contains(path, "?") {
		return path
	}
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", "5000")
	return "file:" + path + "?" + q.Encode()
}

func (c *Client) DB() *gorm.DB {
	return c.conn
}

func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (c *Client) Close() error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn in a transaction. GORM rolls back on error or panic. A
// serialization failure reruns fn from scratch, so fn must not have side
// effects outside tx.
func (c *Client) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		err = c.conn.WithContext(ctx).Transaction(fn)
		if err == nil || !IsRetryableTxError(err) || attempt == txAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * txRetryBackoff):
		}
	}
	return err
}
