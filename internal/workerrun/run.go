// Package workerrun wires configuration, logging, telemetry, and the
// transport into a worker process that runs until it is told to stop.
package workerrun

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"relay/internal/config"
	"relay/internal/connection"
	"relay/internal/handler"
	"relay/internal/logging"
	"relay/internal/preflight"
	"relay/internal/shutdown"
	"relay/internal/telemetry"
	"relay/internal/worker"
)

const telemetryFlushTimeout = 5 * time.Second

// Options configures worker process runtime behavior.
type Options struct {
	// LogLevel overrides cfg.Logging.Level when set.
	LogLevel string
	// Handler replaces the handler selected by cfg.Worker.Handler.
	Handler worker.Handler
	// TelemetryOutput receives exported spans and metrics. Defaults to stdout.
	TelemetryOutput io.Writer
	// Logger replaces the logger built from cfg.
	Logger *slog.Logger
}

// Run starts a worker and blocks until SIGINT or SIGTERM is received, ctx
// ends, or the first connection attempt fails. A signal-driven stop lets
// the in-flight item finish and returns nil.
func Run(ctx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if opts.LogLevel != "" {
		copied := *cfg
		copied.Logging.Level = opts.LogLevel
		cfg = &copied
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.NewFromConfig(cfg, "relayd")
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
	}

	out := opts.TelemetryOutput
	if out == nil {
		out = os.Stdout
	}
	providers, err := telemetry.Setup(ctx, cfg, "relayd", out)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryFlushTimeout)
		defer cancel()
		if err := providers.Shutdown(flushCtx); err != nil {
			logger.Warn("telemetry flush failed", logging.Error(err))
		}
	}()

	h := opts.Handler
	if h == nil {
		h, err = handler.FromConfig(cfg, logger)
		if err != nil {
			return fmt.Errorf("build handler: %w", err)
		}
	}

	conn, err := connection.NewFromConfig(cfg, logger, providers.Instruments)
	if err != nil {
		return fmt.Errorf("create connection manager: %w", err)
	}
	defer conn.Close()

	if cfg.Logging.Dir != "" {
		pidPath := filepath.Join(cfg.Logging.Dir, "relayd.pid")
		if err := writePIDFile(pidPath); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer os.Remove(pidPath)
	}

	stop := shutdown.New(logger)
	stop.Listen(ctx)
	defer stop.Stop()

	logConfigSnapshot(logger, cfg)
	logging.PruneRunLogs(logger, cfg.Logging.Dir, "relayd-*.log", cfg.Logging.RetentionDays)
	for _, check := range preflight.Failed(preflight.RunAll(ctx, cfg, preflight.Options{SkipBackend: true})) {
		logger.Warn("preflight check failed",
			logging.EventType("preflight_failed"),
			logging.String("check", check.Name),
			logging.String("detail", check.Detail),
			logging.String(logging.FieldImpact, "requests may fail until this is fixed"),
		)
	}

	w := worker.NewFromConfig(cfg, conn, h, stop, logger, providers.Instruments)
	return w.Run(ctx)
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config) {
	attrs := []logging.Attr{
		logging.EventType("config_snapshot"),
		logging.String("backend", cfg.Queue.Backend),
		logging.String("work_channel", cfg.Queue.WorkChannel),
		logging.String("result_channel", cfg.Queue.ResultChannel),
		logging.String("reply_mode", cfg.Queue.ReplyMode),
		logging.String("handler", cfg.Worker.Handler),
		logging.Int("pid", os.Getpid()),
		logging.Bool("telemetry", cfg.Telemetry.Enabled),
	}
	switch cfg.Queue.Backend {
	case config.BackendRedis:
		attrs = append(attrs, logging.String("redis_addr", cfg.RedisAddr()))
	case config.BackendSQLite:
		attrs = append(attrs, logging.String("sqlite_path", cfg.SQLite.Path))
	}
	logger.Info("relay worker starting", logging.Args(attrs...)...)
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
