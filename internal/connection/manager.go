// Package connection owns the transport handle shared by a process.
//
// A Manager dials and pings the configured backend with a bounded number of
// attempts, hands the live handle to callers, and replaces it when a caller
// reports that it stopped working. There is no package-level handle: every
// broker or worker is given the Manager it should use.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relay/internal/config"
	"relay/internal/logging"
	"relay/internal/telemetry"
	"relay/internal/transport"
)

// ErrClosed reports a connect attempted on, or interrupted by, a closed Manager.
var ErrClosed = errors.New("connection manager closed")

// ConnectionError reports that every connection attempt failed.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Options controls retry behaviour and instrumentation.
type Options struct {
	MaxRetries int
	RetryDelay time.Duration
	Logger     *slog.Logger
	Telemetry  *telemetry.Instruments
}

// Manager holds at most one live transport handle.
type Manager struct {
	dial       transport.Dialer
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
	telemetry  *telemetry.Instruments

	// sem serializes connects; a buffered channel lets waiters give up on
	// context cancellation, which sync.Mutex cannot.
	sem     chan struct{}
	current transport.Transport

	closing   chan struct{}
	closeOnce sync.Once
}

// NewManager creates a manager around dial.
func NewManager(dial transport.Dialer, opts Options) *Manager {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	return &Manager{
		dial:       dial,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		logger:     logging.NewComponentLogger(opts.Logger, "connection"),
		telemetry:  telemetry.OrNop(opts.Telemetry),
		sem:        make(chan struct{}, 1),
		closing:    make(chan struct{}),
	}
}

// NewFromConfig creates a manager for the backend and retry budget in cfg.
func NewFromConfig(cfg *config.Config, logger *slog.Logger, ins *telemetry.Instruments) (*Manager, error) {
	dial, err := transport.NewDialer(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewManager(dial, Options{
		MaxRetries: cfg.Connection.MaxRetries,
		RetryDelay: cfg.RetryDelay(),
		Logger:     logger,
		Telemetry:  ins,
	}), nil
}

// Connect establishes a fresh handle, discarding any existing one.
func (m *Manager) Connect(ctx context.Context) (transport.Transport, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()

	m.discardLocked()
	return m.connectLocked(ctx)
}

// Current returns the live handle, connecting first if there is none.
func (m *Manager) Current(ctx context.Context) (transport.Transport, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()

	if m.current != nil {
		return m.current, nil
	}
	return m.connectLocked(ctx)
}

// Reconnect replaces stale with a fresh handle. When another caller already
// replaced it, the newer handle is returned without dialing again.
func (m *Manager) Reconnect(ctx context.Context, stale transport.Transport) (transport.Transport, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()

	if m.current != nil && m.current != stale {
		return m.current, nil
	}

	m.logger.Info("re-establishing transport connection", logging.EventType("reconnect_started"))
	m.discardLocked()
	tr, err := m.connectLocked(ctx)
	m.telemetry.RecordReconnect(ctx, err)
	return tr, err
}

// Discard drops stale so the next Current dials again. It does not dial
// itself, but it does wait for a connect already in progress on another
// goroutine to finish.
func (m *Manager) Discard(stale transport.Transport) {
	m.sem <- struct{}{}
	defer m.unlock()

	if m.current != nil && m.current == stale {
		m.discardLocked()
	}
}

// Close releases the current handle, if any. A connect in progress on
// another goroutine stops retrying, so Close waits for at most one dial.
// Later connects fail with ErrClosed.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.closing) })
	m.sem <- struct{}{}
	defer m.unlock()

	if m.current == nil {
		return nil
	}
	err := m.current.Close()
	m.current = nil
	return err
}

func (m *Manager) connectLocked(ctx context.Context) (transport.Transport, error) {
	if m.closed() {
		return nil, ErrClosed
	}
	var lastErr error
	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		tr, err := m.dialAndPing(ctx)
		if err == nil {
			m.current = tr
			m.logger.Info("transport connected",
				logging.Int(logging.FieldAttempt, attempt),
				logging.EventType("connected"),
			)
			return tr, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err

		m.logger.Warn("transport connection attempt failed",
			logging.Int(logging.FieldAttempt, attempt),
			logging.Int("max_attempts", m.maxRetries),
			logging.Error(err),
			logging.EventType("connect_failed"),
			logging.String(logging.FieldErrorHint, "check queue backend settings and that the server is reachable"),
		)

		if attempt == m.maxRetries {
			break
		}
		if err := m.sleep(ctx, m.retryDelay); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil, &ConnectionError{Attempts: attempt, Err: ErrClosed}
			}
			return nil, err
		}
	}

	m.logger.Error("transport connection failed",
		logging.Int(logging.FieldAttempt, m.maxRetries),
		logging.Error(lastErr),
		logging.EventType("connect_exhausted"),
		logging.String(logging.FieldImpact, "queue operations are unavailable"),
	)
	return nil, &ConnectionError{Attempts: m.maxRetries, Err: lastErr}
}

func (m *Manager) dialAndPing(ctx context.Context) (transport.Transport, error) {
	tr, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := tr.Ping(ctx); err != nil {
		_ = tr.Close()
		return nil, err
	}
	return tr, nil
}

func (m *Manager) discardLocked() {
	if m.current == nil {
		return
	}
	if err := m.current.Close(); err != nil {
		m.logger.Debug("close stale transport", logging.Error(err))
	}
	m.current = nil
}

func (m *Manager) lock(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) unlock() { <-m.sem }

func (m *Manager) closed() bool {
	select {
	case <-m.closing:
		return true
	default:
		return false
	}
}

// sleep waits d between attempts, returning early on cancellation or Close.
func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if m.closed() {
			return ErrClosed
		}
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closing:
		return ErrClosed
	case <-timer.C:
		return nil
	}
}
