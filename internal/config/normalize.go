package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

func (c *Config) normalize() error {
	c.normalizeQueue()
	if err := c.normalizeRedis(); err != nil {
		return err
	}
	if err := c.normalizeSQLite(); err != nil {
		return err
	}
	c.normalizeWorker()
	if err := c.normalizeLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) normalizeQueue() {
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	if c.Queue.Backend == "" {
		c.Queue.Backend = defaultBackend
	}
	c.Queue.WorkChannel = strings.TrimSpace(c.Queue.WorkChannel)
	if c.Queue.WorkChannel == "" {
		c.Queue.WorkChannel = defaultWorkChannel
	}
	c.Queue.ResultChannel = strings.TrimSpace(c.Queue.ResultChannel)
	if c.Queue.ResultChannel == "" {
		c.Queue.ResultChannel = defaultResultChannel
	}
	c.Queue.ReplyMode = strings.ToLower(strings.TrimSpace(c.Queue.ReplyMode))
	if c.Queue.ReplyMode == "" {
		c.Queue.ReplyMode = defaultReplyMode
	}
	if c.Queue.PollIntervalMS == 0 {
		c.Queue.PollIntervalMS = defaultPollIntervalMS
	}
}

func (c *Config) normalizeRedis() error {
	if value, ok := os.LookupEnv("REDIS_HOST"); ok && strings.TrimSpace(value) != "" {
		c.Redis.Host = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv("REDIS_PORT"); ok && strings.TrimSpace(value) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("REDIS_PORT: %w", err)
		}
		c.Redis.Port = port
	}
	if c.Redis.Password == "" {
		if value, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
			c.Redis.Password = value
		}
	}
	c.Redis.Host = strings.TrimSpace(c.Redis.Host)
	if c.Redis.Host == "" {
		c.Redis.Host = defaultRedisHost
	}
	if c.Redis.SocketTimeout <= 0 {
		c.Redis.SocketTimeout = defaultSocketTimeout
	}
	return nil
}

func (c *Config) normalizeSQLite() error {
	if strings.TrimSpace(c.SQLite.Path) == "" {
		c.SQLite.Path = defaultSQLitePath
	}
	var err error
	if c.SQLite.Path, err = expandPath(c.SQLite.Path); err != nil {
		return fmt.Errorf("sqlite.path: %w", err)
	}
	return nil
}

func (c *Config) normalizeWorker() {
	c.Worker.Handler = strings.ToLower(strings.TrimSpace(c.Worker.Handler))
	if c.Worker.Handler == "" {
		c.Worker.Handler = defaultHandler
	}
	args := make([]string, 0, len(c.Worker.HandlerCommand))
	for _, arg := range c.Worker.HandlerCommand {
		if trimmed := strings.TrimSpace(arg); trimmed != "" {
			args = append(args, trimmed)
		}
	}
	c.Worker.HandlerCommand = args
}

func (c *Config) normalizeLogging() error {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if strings.TrimSpace(c.Logging.Dir) == "" {
		c.Logging.Dir = ""
		return nil
	}
	var err error
	if c.Logging.Dir, err = expandPath(c.Logging.Dir); err != nil {
		return fmt.Errorf("logging.dir: %w", err)
	}
	return nil
}
