package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"relay/internal/config"
	"relay/internal/transport"
)

// backendCheckTimeout bounds a single dial and ping. No retries are made.
const backendCheckTimeout = 5 * time.Second

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckHandlerCommand verifies that the exec handler's program resolves on PATH.
func CheckHandlerCommand(argv []string) Result {
	const name = "Handler command"
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return Result{Name: name, Detail: "worker.handler_command is empty"}
	}
	resolved, err := exec.LookPath(argv[0])
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", argv[0], err)}
	}
	return Result{Name: name, Passed: true, Detail: resolved}
}

// CheckBackend dials the configured backend once and pings it.
func CheckBackend(ctx context.Context, cfg *config.Config) Result {
	const name = "Queue backend"
	target := backendTarget(cfg)

	dial, err := transport.NewDialer(cfg, nil)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, backendCheckTimeout)
	defer cancel()

	tr, err := dial(ctx)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %s)", target, summarizeBackendError(err))}
	}
	defer tr.Close()

	if err := tr.Ping(ctx); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %s)", target, summarizeBackendError(err))}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (reachable)", target)}
}

func backendTarget(cfg *config.Config) string {
	switch cfg.Queue.Backend {
	case config.BackendRedis:
		return "redis " + cfg.RedisAddr()
	case config.BackendSQLite:
		return "sqlite " + cfg.SQLite.Path
	default:
		return cfg.Queue.Backend
	}
}

// summarizeBackendError produces a human-readable summary for backend failures.
func summarizeBackendError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out (backend unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timed out (backend unreachable)"
	}
	if errors.Is(err, unix.ECONNREFUSED) {
		return "connection refused"
	}
	return err.Error()
}
