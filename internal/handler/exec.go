package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"relay/internal/logging"
)

var commandContext = exec.CommandContext

const maxStderrInError = 512

// Option configures an Exec handler.
type Option func(*Exec)

// WithLogger sets the logger used for command diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Exec) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEnv appends KEY=VALUE entries to the command environment.
func WithEnv(env ...string) Option {
	return func(e *Exec) {
		e.env = append(e.env, env...)
	}
}

// Exec runs a command once per request. The payload is written to the
// command's stdin as a JSON object and the command must print a JSON object
// on stdout. A non-zero exit becomes an error reply carrying the tail of
// stderr.
type Exec struct {
	binary string
	args   []string
	env    []string
	logger *slog.Logger
}

// NewExec constructs an Exec handler for argv.
func NewExec(argv []string, opts ...Option) (*Exec, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, errors.New("exec handler: command is required")
	}
	e := &Exec{
		binary: argv[0],
		args:   append([]string(nil), argv[1:]...),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.NewComponentLogger(e.logger, "exec-handler")
	return e, nil
}

func (e *Exec) Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	input, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	cmd := commandContext(ctx, e.binary, e.args...) //nolint:gosec
	cmd.Stdin = bytes.NewReader(input)
	if len(e.env) > 0 {
		cmd.Env = append(cmd.Environ(), e.env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		e.logger.Debug("handler command failed",
			logging.String("command", e.binary),
			logging.Error(err),
			logging.String("stderr", stderr.String()),
		)
		if detail := tail(stderr.String(), maxStderrInError); detail != "" {
			return nil, fmt.Errorf("%s: %s", e.binary, detail)
		}
		return nil, fmt.Errorf("%s: %w", e.binary, err)
	}

	var result map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &result); err != nil {
		return nil, fmt.Errorf("%s: output is not a JSON object: %w", e.binary, err)
	}
	if result == nil {
		return nil, fmt.Errorf("%s: output is not a JSON object", e.binary)
	}
	return result, nil
}

func tail(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}
