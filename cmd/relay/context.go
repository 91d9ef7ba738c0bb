package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"relay/internal/broker"
	"relay/internal/config"
	"relay/internal/connection"
	"relay/internal/logging"
	"relay/internal/transport"
)

type commandContext struct {
	configFlag *string
	verbose    *bool

	configOnce   sync.Once
	config       *config.Config
	configPath   string
	configExists bool
	configErr    error
}

func newCommandContext(configFlag *string, verbose *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		verbose:    verbose,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
		c.configExists = exists
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

// logger returns a stderr logger for client-side commands. It stays quiet
// below warnings unless --verbose is set.
func (c *commandContext) logger(cmd *cobra.Command) *slog.Logger {
	level := "warn"
	if c.verbose != nil && *c.verbose {
		level = "debug"
	}
	format := "console"
	if cfg := c.configValue(); cfg != nil {
		format = cfg.Logging.Format
	}
	logger, err := logging.New(logging.Options{Level: level, Format: format, OutputPaths: []string{"stderr"}})
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warn: unable to initialize logger: %v\n", err)
		return logging.NewNop()
	}
	return logger
}

func (c *commandContext) withConnection(cmd *cobra.Command, fn func(*connection.Manager, *slog.Logger) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger := c.logger(cmd)
	mgr, err := connection.NewFromConfig(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer mgr.Close()
	return fn(mgr, logger)
}

func (c *commandContext) withBroker(cmd *cobra.Command, fn func(*broker.Client) error) error {
	return c.withConnection(cmd, func(mgr *connection.Manager, logger *slog.Logger) error {
		return fn(broker.NewFromConfig(c.configValue(), mgr, logger, nil))
	})
}

func (c *commandContext) withInspector(cmd *cobra.Command, fn func(transport.Inspector) error) error {
	return c.withConnection(cmd, func(mgr *connection.Manager, _ *slog.Logger) error {
		tr, err := mgr.Connect(commandCtx(cmd))
		if err != nil {
			return unavailable(fmt.Errorf("connect to queue: %w", err))
		}
		inspector, ok := tr.(transport.Inspector)
		if !ok {
			return fmt.Errorf("backend %q does not support inspection", c.configValue().Queue.Backend)
		}
		return fn(inspector)
	})
}

func commandCtx(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
