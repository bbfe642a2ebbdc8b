package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Ledger       LedgerConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	RateLimit    RateLimitConfig
	Maintenance  MaintenanceConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Ledger.SelfName) == "" {
		return nil, fmt.Errorf("%s must not be blank", EnvSelfName)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"SPLITLEDGER_APP_ENV" required:"true"`
	Port         string `envconfig:"SPLITLEDGER_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"SPLITLEDGER_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"SPLITLEDGER_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"SPLITLEDGER_LOG_FORMAT" default:"json"`
	// CORSOrigins lists the browser origins allowed to call the API.
	CORSOrigins []string `envconfig:"SPLITLEDGER_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"SPLITLEDGER_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"SPLITLEDGER_DB_DSN"`
	Driver string `envconfig:"SPLITLEDGER_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"SPLITLEDGER_DB_HOST"`
	LegacyPort     int    `envconfig:"SPLITLEDGER_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"SPLITLEDGER_DB_USER"`
	LegacyPassword string `envconfig:"SPLITLEDGER_DB_PASSWORD"`
	LegacyName     string `envconfig:"SPLITLEDGER_DB_NAME"`
	LegacySSLMode  string `envconfig:"SPLITLEDGER_DB_SSLMODE" default:"disable"`

	SQLitePath string `envconfig:"SPLITLEDGER_DB_SQLITE_PATH" default:"splitledger.db"`

	MaxOpenConns    int           `envconfig:"SPLITLEDGER_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"SPLITLEDGER_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"SPLITLEDGER_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"SPLITLEDGER_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	// SlowQueryThreshold logs statements slower than this at warn.
	SlowQueryThreshold time.Duration `envconfig:"SPLITLEDGER_DB_SLOW_QUERY" default:"500ms"`

	// Deferred writes retry units of work that failed on connectivity.
	DeferQueueSize   int           `envconfig:"SPLITLEDGER_DB_DEFER_QUEUE_SIZE" default:"256"`
	DeferMaxAttempts int           `envconfig:"SPLITLEDGER_DB_DEFER_MAX_ATTEMPTS" default:"8"`
	DeferBaseBackoff time.Duration `envconfig:"SPLITLEDGER_DB_DEFER_BASE_BACKOFF" default:"500ms"`
	DeferMaxBackoff  time.Duration `envconfig:"SPLITLEDGER_DB_DEFER_MAX_BACKOFF" default:"30s"`
}

type RedisConfig struct {
	URL          string        `envconfig:"SPLITLEDGER_REDIS_URL"`
	Address      string        `envconfig:"SPLITLEDGER_REDIS_ADDR"`
	Password     string        `envconfig:"SPLITLEDGER_REDIS_PASSWORD"`
	DB           int           `envconfig:"SPLITLEDGER_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"SPLITLEDGER_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"SPLITLEDGER_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"SPLITLEDGER_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"SPLITLEDGER_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"SPLITLEDGER_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether any redis endpoint has been configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type FeatureFlagsConfig struct {
	UseSQLite       bool `envconfig:"SPLITLEDGER_USE_SQLITE" default:"false"`
	AutoMigrate     bool `envconfig:"SPLITLEDGER_AUTO_MIGRATE" default:"false"`
	DeferWrites     bool `envconfig:"SPLITLEDGER_DEFER_WRITES" default:"false"`
	RedisFeedBroker bool `envconfig:"SPLITLEDGER_REDIS_FEED_BROKER" default:"false"`
	Notifications   bool `envconfig:"SPLITLEDGER_NOTIFICATIONS" default:"true"`
}

type LedgerConfig struct {
	// SelfName is the allocation key that identifies the current user.
	SelfName     string `envconfig:"SPLITLEDGER_SELF_NAME" default:"self"`
	CurrencyCode string `envconfig:"SPLITLEDGER_CURRENCY_CODE" default:"USD"`
	// StreamHeartbeat keeps idle SSE feed streams open through proxies.
	StreamHeartbeat time.Duration `envconfig:"SPLITLEDGER_STREAM_HEARTBEAT" default:"25s"`
}

type EventingConfig struct {
	OutboxIdempotencyTTL time.Duration `envconfig:"SPLITLEDGER_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"SPLITLEDGER_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"SPLITLEDGER_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"SPLITLEDGER_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	NotificationTopic string `envconfig:"SPLITLEDGER_PUBSUB_NOTIFICATION_TOPIC" default:"sl-ledger-notifications"`
	// Batching knobs for the outbox publisher; zero keeps the client defaults.
	PublishDelay          time.Duration `envconfig:"SPLITLEDGER_PUBSUB_PUBLISH_DELAY" default:"10ms"`
	PublishCountThreshold int           `envconfig:"SPLITLEDGER_PUBSUB_PUBLISH_COUNT" default:"100"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"SPLITLEDGER_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"SPLITLEDGER_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"SPLITLEDGER_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

// RateLimitConfig throttles per-user traffic on chatty endpoints such as the
// live split preview. A zero window or limit disables the policy.
type RateLimitConfig struct {
	PreviewWindow time.Duration `envconfig:"SPLITLEDGER_RATE_LIMIT_PREVIEW_WINDOW" default:"1m"`
	PreviewLimit  int           `envconfig:"SPLITLEDGER_RATE_LIMIT_PREVIEW_LIMIT" default:"120"`
}

// MaintenanceConfig drives the cron worker.
type MaintenanceConfig struct {
	Interval            time.Duration `envconfig:"SPLITLEDGER_MAINTENANCE_INTERVAL" default:"24h"`
	OutboxRetentionDays int           `envconfig:"SPLITLEDGER_OUTBOX_RETENTION_DAYS" default:"30"`
	OutboxPruneBatch    int           `envconfig:"SPLITLEDGER_OUTBOX_PRUNE_BATCH" default:"500"`
	AuditBatchSize      int           `envconfig:"SPLITLEDGER_AUDIT_BATCH_SIZE" default:"200"`
	JobTimeout          time.Duration `envconfig:"SPLITLEDGER_MAINTENANCE_JOB_TIMEOUT" default:"30m"`
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if useSQLite {
		db.Driver = "sqlite"
		return nil
	}
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
