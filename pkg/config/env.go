package config

const (
	EnvPrefix = "SPLITLEDGER"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "SPLITLEDGER_APP_ENV"
	EnvPort     = "SPLITLEDGER_APP_PORT"
	EnvLogLevel = "SPLITLEDGER_LOG_LEVEL"

	EnvDBDSN  = "SPLITLEDGER_DB_DSN"
	EnvDBHost = "SPLITLEDGER_DB_HOST"
	EnvDBUser = "SPLITLEDGER_DB_USER"
	EnvDBName = "SPLITLEDGER_DB_NAME"

	EnvRedisURL = "SPLITLEDGER_REDIS_URL"

	EnvUseSQLite   = "SPLITLEDGER_USE_SQLITE"
	EnvDeferWrites = "SPLITLEDGER_DEFER_WRITES"

	EnvSelfName     = "SPLITLEDGER_SELF_NAME"
	EnvCurrencyCode = "SPLITLEDGER_CURRENCY_CODE"

	EnvGCPProjectID        = "SPLITLEDGER_GCP_PROJECT_ID"
	EnvPubSubNotifications = "SPLITLEDGER_PUBSUB_NOTIFICATION_TOPIC"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
