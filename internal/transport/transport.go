package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relay/internal/config"
)

// ErrUnavailable matches every backend I/O failure returned by a Transport.
// Callers use it to tell a dropped connection from a bad message.
var ErrUnavailable = errors.New("transport unavailable")

// Error wraps a backend failure with the operation that hit it.
type Error struct {
	Backend string
	Op      string
	Channel string
	Err     error
}

func (e *Error) Error() string {
	if e.Channel != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Backend, e.Op, e.Channel, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports every transport Error as ErrUnavailable.
func (e *Error) Is(target error) bool { return target == ErrUnavailable }

// DecodeError reports a message that was removed from its channel but whose
// stored body could not be decoded. It does not match ErrUnavailable: the
// backend is healthy and the message is gone.
type DecodeError struct {
	Channel string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message from %s: %v", e.Channel, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Transport is a set of named FIFO channels shared by every process that
// connects to the same backend.
type Transport interface {
	// Enqueue appends body to channel. A positive ttl lets the backend drop
	// the message if nobody reads it in time.
	Enqueue(ctx context.Context, channel string, body []byte, ttl time.Duration) error
	// Dequeue removes and returns the oldest message on channel, waiting at
	// most wait for one to arrive. It returns (nil, nil) when the wait
	// elapses with the channel still empty.
	Dequeue(ctx context.Context, channel string, wait time.Duration) ([]byte, error)
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// ChannelStats describes the backlog of a single channel.
type ChannelStats struct {
	Channel string        `json:"channel"`
	Depth   int64         `json:"depth"`
	TTL     time.Duration `json:"ttl,omitempty"`
}

// Inspector is implemented by transports that can report and drop backlogs.
type Inspector interface {
	Stats(ctx context.Context, prefix string) ([]ChannelStats, error)
	Purge(ctx context.Context, channel string) (int64, error)
}

// Dialer opens a fresh, unverified transport handle.
type Dialer func(ctx context.Context) (Transport, error)

// NewDialer returns the dialer for the backend selected in cfg. logger may
// be nil.
func NewDialer(cfg *config.Config, logger *slog.Logger) (Dialer, error) {
	if cfg == nil {
		return nil, errors.New("transport: config is required")
	}
	switch cfg.Queue.Backend {
	case config.BackendRedis:
		opts := RedisOptions{
			Addr:          cfg.RedisAddr(),
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			SocketTimeout: cfg.SocketTimeout(),
		}
		return func(ctx context.Context) (Transport, error) {
			return DialRedis(ctx, opts)
		}, nil
	case config.BackendSQLite:
		opts := SQLiteOptions{
			Path:              cfg.SQLite.Path,
			CompressThreshold: cfg.SQLite.CompressThreshold,
			Logger:            logger,
		}
		return func(ctx context.Context) (Transport, error) {
			return OpenSQLite(ctx, opts)
		}, nil
	default:
		return nil, fmt.Errorf("transport: unsupported backend %q", cfg.Queue.Backend)
	}
}

// wrapContext returns ctx.Err() when the failure was caused by the caller
// giving up, so cancellation is never mistaken for a dropped connection.
func wrapContext(ctx context.Context, err *Error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
