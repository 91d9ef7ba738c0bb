package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateRedis(); err != nil {
		return err
	}
	if err := c.validateSQLite(); err != nil {
		return err
	}
	if err := c.validateConnection(); err != nil {
		return err
	}
	if err := c.validateBroker(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateTelemetry(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case BackendRedis, BackendSQLite:
	default:
		return fmt.Errorf("queue.backend: unsupported value %q (expected %q or %q)", c.Queue.Backend, BackendRedis, BackendSQLite)
	}
	switch c.Queue.ReplyMode {
	case ReplyModeDedicated, ReplyModeShared:
	default:
		return fmt.Errorf("queue.reply_mode: unsupported value %q (expected %q or %q)", c.Queue.ReplyMode, ReplyModeDedicated, ReplyModeShared)
	}
	if c.Queue.WorkChannel == c.Queue.ResultChannel {
		return errors.New("queue.work_channel and queue.result_channel must differ")
	}
	if strings.HasPrefix(c.Queue.WorkChannel, c.Queue.ResultChannel+":") {
		return errors.New("queue.work_channel must not live under queue.result_channel")
	}
	if c.Queue.PollIntervalMS < 0 {
		return errors.New("queue.poll_interval_ms must be positive")
	}
	if c.Queue.ReplyTTL < 0 {
		return errors.New("queue.reply_ttl must be >= 0")
	}
	return nil
}

func (c *Config) validateRedis() error {
	if c.Queue.Backend != BackendRedis {
		return nil
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		return fmt.Errorf("redis.port: %d is out of range", c.Redis.Port)
	}
	if c.Redis.DB < 0 {
		return errors.New("redis.db must be >= 0")
	}
	return nil
}

func (c *Config) validateSQLite() error {
	if c.Queue.Backend != BackendSQLite {
		return nil
	}
	if strings.TrimSpace(c.SQLite.Path) == "" {
		return errors.New("sqlite.path must be set when queue.backend is sqlite")
	}
	if c.SQLite.CompressThreshold < 0 {
		return errors.New("sqlite.compress_threshold must be >= 0")
	}
	return nil
}

func (c *Config) validateConnection() error {
	if c.Connection.MaxRetries < 1 {
		return errors.New("connection.max_retries must be at least 1")
	}
	if c.Connection.RetryDelay < 0 {
		return errors.New("connection.retry_delay must be >= 0")
	}
	return nil
}

func (c *Config) validateBroker() error {
	if c.Broker.Timeout <= 0 {
		return errors.New("broker.timeout must be positive")
	}
	return nil
}

func (c *Config) validateWorker() error {
	switch c.Worker.Handler {
	case HandlerEcho:
	case HandlerExec:
		if len(c.Worker.HandlerCommand) == 0 {
			return errors.New("worker.handler_command must be set when worker.handler is exec")
		}
	default:
		return fmt.Errorf("worker.handler: unsupported value %q", c.Worker.Handler)
	}
	if c.Worker.HandlerTimeout < 0 {
		return errors.New("worker.handler_timeout must be >= 0")
	}
	if c.Worker.ErrorBackoff < 0 {
		return errors.New("worker.error_backoff must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must be >= 0")
	}
	return nil
}

func (c *Config) validateTelemetry() error {
	if c.Telemetry.Enabled && c.Telemetry.ExportInterval <= 0 {
		return errors.New("telemetry.export_interval must be positive when telemetry.enabled is true")
	}
	return nil
}
