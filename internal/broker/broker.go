// Package broker implements the client side of relay: it places a request on
// the work channel and blocks until the worker's correlated reply arrives or
// the caller's deadline passes.
//
// A Client is safe for concurrent use. In the default dedicated reply mode
// every request waits on its own reply channel, so concurrent callers never
// consume each other's replies. Shared mode makes every caller wait on the
// single result channel; a caller that pops a reply for another request
// discards it, and that other caller will time out.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"relay/internal/config"
	"relay/internal/connection"
	"relay/internal/logging"
	"relay/internal/message"
	"relay/internal/telemetry"
	"relay/internal/transport"
)

// Options configures a Client.
type Options struct {
	WorkChannel    string
	ResultChannel  string
	ReplyMode      string
	ReplyTTL       time.Duration
	PollInterval   time.Duration
	DefaultTimeout time.Duration
	Logger         *slog.Logger
	Telemetry      *telemetry.Instruments
}

// Client submits requests and waits for their replies.
type Client struct {
	conn      *connection.Manager
	opts      Options
	logger    *slog.Logger
	telemetry *telemetry.Instruments
	newID     func() string
}

// New creates a Client that draws transport handles from conn.
func New(conn *connection.Manager, opts Options) *Client {
	if opts.ReplyMode == "" {
		opts.ReplyMode = config.ReplyModeDedicated
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	return &Client{
		conn:      conn,
		opts:      opts,
		logger:    logging.NewComponentLogger(opts.Logger, "broker"),
		telemetry: telemetry.OrNop(opts.Telemetry),
		newID:     uuid.NewString,
	}
}

// NewFromConfig creates a Client using the queue and broker sections of cfg.
func NewFromConfig(cfg *config.Config, conn *connection.Manager, logger *slog.Logger, ins *telemetry.Instruments) *Client {
	return New(conn, Options{
		WorkChannel:    cfg.Queue.WorkChannel,
		ResultChannel:  cfg.Queue.ResultChannel,
		ReplyMode:      cfg.Queue.ReplyMode,
		ReplyTTL:       cfg.ReplyTTL(),
		PollInterval:   cfg.PollInterval(),
		DefaultTimeout: cfg.BrokerTimeout(),
		Logger:         logger,
		Telemetry:      ins,
	})
}

// Submit sends payload to a worker and returns the worker's result. A
// non-positive timeout uses the configured default.
//
// Errors are *SubmissionError when the request could not be queued,
// *TimeoutError when no reply arrived in time, *RemoteError when the handler
// failed, *connection.ConnectionError when the transport could not be
// re-established while waiting, or the context's error on cancellation.
func (c *Client) Submit(ctx context.Context, payload map[string]any, timeout time.Duration) (result map[string]any, err error) {
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	if payload == nil {
		payload = map[string]any{}
	}

	id := c.newID()
	replyTo, replyChannel := c.replyChannel(id)
	body, err := message.EncodeWork(message.WorkItem{
		CorrelationID: id,
		ReplyTo:       replyTo,
		Payload:       payload,
	})
	if err != nil {
		return nil, err
	}

	started := time.Now()
	ctx, span := c.telemetry.StartSubmit(ctx, id, c.opts.WorkChannel)
	defer func() {
		c.telemetry.EndSubmit(ctx, span, started, outcomeOf(err), err)
	}()

	logger := c.logger.With(logging.CorrelationID(id))

	tr, err := c.conn.Current(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &SubmissionError{Err: err}
	}
	if err := tr.Enqueue(ctx, c.opts.WorkChannel, body, 0); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.conn.Discard(tr)
		logger.Warn("request enqueue failed",
			logging.Channel(c.opts.WorkChannel),
			logging.Error(err),
			logging.EventType("submit_failed"),
			logging.String(logging.FieldImpact, "request was not delivered"),
		)
		return nil, &SubmissionError{Err: err}
	}
	logger.Debug("request submitted",
		logging.Channel(c.opts.WorkChannel),
		logging.String("reply_channel", replyChannel),
	)

	return c.await(ctx, logger, tr, id, replyChannel, started.Add(timeout), timeout)
}

func (c *Client) await(ctx context.Context, logger *slog.Logger, tr transport.Transport, id, replyChannel string, deadline time.Time, timeout time.Duration) (map[string]any, error) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			logger.Warn("request timed out",
				logging.Duration("timeout", timeout),
				logging.EventType("submit_timeout"),
				logging.String(logging.FieldErrorHint, "check that a worker is running and consuming "+c.opts.WorkChannel),
			)
			return nil, &TimeoutError{CorrelationID: id, Timeout: timeout}
		}

		body, err := tr.Dequeue(ctx, replyChannel, min(c.opts.PollInterval, remaining))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if !errors.Is(err, transport.ErrUnavailable) {
				return nil, err
			}
			logger.Warn("reply wait interrupted; reconnecting", logging.Error(err))
			if tr, err = c.conn.Reconnect(ctx, tr); err != nil {
				return nil, err
			}
			continue
		}
		if body == nil {
			continue
		}

		reply, err := message.DecodeResult(body)
		if err != nil {
			logger.Warn("discarding undecodable reply",
				logging.Channel(replyChannel),
				logging.Error(err),
				logging.EventType("reply_malformed"),
			)
			c.telemetry.RecordDiscardedReply(ctx, replyChannel)
			continue
		}
		if reply.CorrelationID != id {
			logger.Debug("discarding reply for another request",
				logging.Channel(replyChannel),
				logging.String("reply_correlation_id", reply.CorrelationID),
			)
			c.telemetry.RecordDiscardedReply(ctx, replyChannel)
			continue
		}
		if reply.Failed {
			logger.Debug("request failed remotely", logging.String("remote_error", reply.Error))
			return nil, &RemoteError{CorrelationID: id, Message: reply.Error}
		}
		logger.Debug("reply received", logging.Duration("elapsed", timeout-time.Until(deadline)))
		return reply.Payload, nil
	}
}

// replyChannel returns the reply_to value to send and the channel to wait on.
func (c *Client) replyChannel(id string) (string, string) {
	if c.opts.ReplyMode == config.ReplyModeShared {
		return "", c.opts.ResultChannel
	}
	channel := DedicatedChannel(c.opts.ResultChannel, id)
	return channel, channel
}

// DedicatedChannel names the per-request reply channel for correlationID.
func DedicatedChannel(resultChannel, correlationID string) string {
	return resultChannel + ":" + correlationID
}

func outcomeOf(err error) string {
	var (
		timeoutErr *TimeoutError
		submitErr  *SubmissionError
		connErr    *connection.ConnectionError
	)
	switch {
	case err == nil:
		return telemetry.OutcomeOK
	case errors.As(err, &timeoutErr):
		return telemetry.OutcomeTimeout
	case errors.As(err, &submitErr), errors.As(err, &connErr):
		return telemetry.OutcomeUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return telemetry.OutcomeCanceled
	default:
		return telemetry.OutcomeError
	}
}
