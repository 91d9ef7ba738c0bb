package config

const (
	// BackendRedis selects the Redis list transport.
	BackendRedis = "redis"
	// BackendSQLite selects the shared SQLite file transport.
	BackendSQLite = "sqlite"

	// ReplyModeDedicated gives every request its own reply channel.
	ReplyModeDedicated = "dedicated"
	// ReplyModeShared sends every reply to the single result channel.
	ReplyModeShared = "shared"

	// HandlerEcho answers each payload with itself.
	HandlerEcho = "echo"
	// HandlerExec pipes each payload through an external command.
	HandlerExec = "exec"
)

const (
	defaultBackend           = BackendRedis
	defaultWorkChannel       = "relay:requests"
	defaultResultChannel     = "relay:responses"
	defaultReplyMode         = ReplyModeDedicated
	defaultReplyTTL          = 300
	defaultPollIntervalMS    = 1000
	defaultRedisHost         = "localhost"
	defaultRedisPort         = 6379
	defaultSocketTimeout     = 5
	defaultSQLitePath        = "~/.local/share/relay/queue.db"
	defaultCompressThreshold = 4096
	defaultMaxRetries        = 5
	defaultRetryDelay        = 5
	defaultBrokerTimeout     = 30
	defaultHandler           = HandlerEcho
	defaultErrorBackoff      = 5
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
	defaultLogRetentionDays  = 30
	defaultExportInterval    = 60
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Queue: Queue{
			Backend:        defaultBackend,
			WorkChannel:    defaultWorkChannel,
			ResultChannel:  defaultResultChannel,
			ReplyMode:      defaultReplyMode,
			ReplyTTL:       defaultReplyTTL,
			PollIntervalMS: defaultPollIntervalMS,
		},
		Redis: Redis{
			Host:          defaultRedisHost,
			Port:          defaultRedisPort,
			SocketTimeout: defaultSocketTimeout,
		},
		SQLite: SQLite{
			Path:              defaultSQLitePath,
			CompressThreshold: defaultCompressThreshold,
		},
		Connection: Connection{
			MaxRetries: defaultMaxRetries,
			RetryDelay: defaultRetryDelay,
		},
		Broker: Broker{
			Timeout: defaultBrokerTimeout,
		},
		Worker: Worker{
			Handler:      defaultHandler,
			ErrorBackoff: defaultErrorBackoff,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Telemetry: Telemetry{
			ExportInterval: defaultExportInterval,
		},
	}
}
