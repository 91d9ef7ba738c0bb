package testsupport

import (
	"path/filepath"
	"testing"

	"relay/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with a unique temp directory per test.
// It selects the SQLite backend inside that directory, shortens the poll
// interval, and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Queue.Backend = config.BackendSQLite
	cfgVal.Queue.PollIntervalMS = 50
	cfgVal.SQLite.Path = filepath.Join(base, "queue.db")
	cfgVal.Connection.MaxRetries = 2
	cfgVal.Connection.RetryDelay = 0
	cfgVal.Broker.Timeout = 5
	cfgVal.Worker.ErrorBackoff = 0

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithRedis points the test config at a Redis server listening on addr.
func WithRedis(addr string) ConfigOption {
	return func(b *configBuilder) {
		host, port := splitHostPort(b.t, addr)
		b.cfg.Queue.Backend = config.BackendRedis
		b.cfg.Redis.Host = host
		b.cfg.Redis.Port = port
	}
}

// WithReplyMode overrides the reply mode on the test config.
func WithReplyMode(mode string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.ReplyMode = mode
	}
}

// WithChannels overrides the work and result channel names.
func WithChannels(work, result string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.WorkChannel = work
		b.cfg.Queue.ResultChannel = result
	}
}

// WithLogDir enables run log files under the test's temp directory.
func WithLogDir() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Logging.Dir = filepath.Join(b.baseDir, "logs")
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.SQLite.Path)
}
