package config

import (
	_ "embed"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Queue contains channel naming and polling configuration shared by the
// broker and the worker.
type Queue struct {
	Backend        string `toml:"backend"`
	WorkChannel    string `toml:"work_channel"`
	ResultChannel  string `toml:"result_channel"`
	ReplyMode      string `toml:"reply_mode"`
	ReplyTTL       int    `toml:"reply_ttl"`
	PollIntervalMS int    `toml:"poll_interval_ms"`
}

// Redis contains connection settings for the Redis transport.
type Redis struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	DB            int    `toml:"db"`
	Password      string `toml:"password"`
	SocketTimeout int    `toml:"socket_timeout"`
}

// SQLite contains settings for the SQLite transport.
type SQLite struct {
	Path              string `toml:"path"`
	CompressThreshold int    `toml:"compress_threshold"`
}

// Connection contains retry settings used when establishing a transport.
type Connection struct {
	MaxRetries int `toml:"max_retries"`
	RetryDelay int `toml:"retry_delay"`
}

// Broker contains client-side request settings.
type Broker struct {
	Timeout int `toml:"timeout"`
}

// Worker contains worker loop settings.
type Worker struct {
	Handler        string   `toml:"handler"`
	HandlerCommand []string `toml:"handler_command"`
	HandlerTimeout int      `toml:"handler_timeout"`
	ErrorBackoff   int      `toml:"error_backoff"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	Dir           string `toml:"dir"`
	RetentionDays int    `toml:"retention_days"`
}

// Telemetry contains OpenTelemetry export settings.
type Telemetry struct {
	Enabled        bool `toml:"enabled"`
	ExportInterval int  `toml:"export_interval"`
}

// Config encapsulates all configuration values for relay.
//
// Configuration sections by subsystem:
//   - Queue: transport backend, channel names, reply mode, poll interval
//   - Redis / SQLite: backend connection settings
//   - Connection: connect retry budget
//   - Broker: client request timeout
//   - Worker: handler selection and error backoff
//   - Logging: log format, level, optional file directory and its retention
//   - Telemetry: OpenTelemetry stdout export
type Config struct {
	Queue      Queue      `toml:"queue"`
	Redis      Redis      `toml:"redis"`
	SQLite     SQLite     `toml:"sqlite"`
	Connection Connection `toml:"connection"`
	Broker     Broker     `toml:"broker"`
	Worker     Worker     `toml:"worker"`
	Logging    Logging    `toml:"logging"`
	Telemetry  Telemetry  `toml:"telemetry"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/relay/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		info, err := os.Stat(expanded)
		if err != nil {
			if os.IsNotExist(err) {
				return "", false, fmt.Errorf("config file %s not found", expanded)
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config path %s is a directory", expanded)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("relay.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates directories the configured backend and log
// output write into.
func (c *Config) EnsureDirectories() error {
	dirs := make([]string, 0, 2)
	if c.Queue.Backend == BackendSQLite && strings.TrimSpace(c.SQLite.Path) != "" {
		dirs = append(dirs, filepath.Dir(c.SQLite.Path))
	}
	if strings.TrimSpace(c.Logging.Dir) != "" {
		dirs = append(dirs, c.Logging.Dir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// RedisAddr returns the host:port pair for the Redis transport.
func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.Redis.Host, strconv.Itoa(c.Redis.Port))
}

// PollInterval returns the slice length of a single blocking dequeue.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Queue.PollIntervalMS) * time.Millisecond
}

// ReplyTTL returns the expiry applied to dedicated reply channels.
func (c *Config) ReplyTTL() time.Duration {
	return time.Duration(c.Queue.ReplyTTL) * time.Second
}

// RetryDelay returns the pause between connection attempts.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Connection.RetryDelay) * time.Second
}

// BrokerTimeout returns the default deadline for a submitted request.
func (c *Config) BrokerTimeout() time.Duration {
	return time.Duration(c.Broker.Timeout) * time.Second
}

// HandlerTimeout returns the per-item handler deadline, zero when unbounded.
func (c *Config) HandlerTimeout() time.Duration {
	return time.Duration(c.Worker.HandlerTimeout) * time.Second
}

// ErrorBackoff returns the worker's pause after a failed reconnect.
func (c *Config) ErrorBackoff() time.Duration {
	return time.Duration(c.Worker.ErrorBackoff) * time.Second
}

// SocketTimeout returns the Redis socket read/write timeout.
func (c *Config) SocketTimeout() time.Duration {
	return time.Duration(c.Redis.SocketTimeout) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
