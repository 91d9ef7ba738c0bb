// Package handler provides the request handlers relayd can run without
// custom code: echo, which answers every payload with itself, and exec, which
// pipes each payload through an external command as JSON.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"relay/internal/config"
	"relay/internal/worker"
)

// FromConfig returns the handler selected by worker.handler.
func FromConfig(cfg *config.Config, logger *slog.Logger) (worker.Handler, error) {
	switch cfg.Worker.Handler {
	case config.HandlerEcho:
		return Echo{}, nil
	case config.HandlerExec:
		return NewExec(cfg.Worker.HandlerCommand, WithLogger(logger))
	default:
		return nil, fmt.Errorf("unsupported handler %q", cfg.Worker.Handler)
	}
}

// Echo returns a copy of the payload it receives.
type Echo struct{}

func (Echo) Handle(_ context.Context, payload map[string]any) (map[string]any, error) {
	return maps.Clone(payload), nil
}
