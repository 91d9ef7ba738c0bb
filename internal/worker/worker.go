// Package worker runs the consumer side of relay: it takes requests off the
// work channel one at a time, hands each to a Handler, and answers on the
// reply channel the request names.
//
// Every dequeued item is answered exactly once, with the handler's result or
// an error, unless the process dies while handling it. Transport failures
// trigger a reconnect followed by error_backoff pauses until the backend
// returns or shutdown is requested. Shutdown is cooperative: the item in
// flight finishes and its reply is sent, then the loop stops without taking
// another item.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"relay/internal/config"
	"relay/internal/connection"
	"relay/internal/logging"
	"relay/internal/message"
	"relay/internal/telemetry"
	"relay/internal/transport"
)

// StopSignal is the cooperative stop flag the loop polls between items.
type StopSignal interface {
	Requested() bool
	Done() <-chan struct{}
}

// Options configures a Worker.
type Options struct {
	WorkChannel    string
	ResultChannel  string
	ReplyTTL       time.Duration
	PollInterval   time.Duration
	HandlerTimeout time.Duration
	ErrorBackoff   time.Duration
	Logger         *slog.Logger
	Telemetry      *telemetry.Instruments
}

// Stats is a point-in-time snapshot of worker counters.
type Stats struct {
	State       State     `json:"state"`
	Processed   int64     `json:"processed"`
	Failed      int64     `json:"failed"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitzero"`
}

// Worker is a single sequential consumer. Run more Workers, in this process
// or others, to scale out.
type Worker struct {
	conn      *connection.Manager
	handler   Handler
	stop      StopSignal
	opts      Options
	logger    *slog.Logger
	telemetry *telemetry.Instruments

	state     atomic.Int32
	processed atomic.Int64
	failed    atomic.Int64

	mu          sync.Mutex
	lastErr     string
	lastErrorAt time.Time
}

// New creates a worker. It does not connect until Run.
func New(conn *connection.Manager, handler Handler, stop StopSignal, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Worker{
		conn:      conn,
		handler:   handler,
		stop:      stop,
		opts:      opts,
		logger:    logging.NewComponentLogger(opts.Logger, "worker"),
		telemetry: telemetry.OrNop(opts.Telemetry),
	}
}

// NewFromConfig creates a worker using the queue and worker sections of cfg.
func NewFromConfig(cfg *config.Config, conn *connection.Manager, handler Handler, stop StopSignal, logger *slog.Logger, ins *telemetry.Instruments) *Worker {
	return New(conn, handler, stop, Options{
		WorkChannel:    cfg.Queue.WorkChannel,
		ResultChannel:  cfg.Queue.ResultChannel,
		ReplyTTL:       cfg.ReplyTTL(),
		PollInterval:   cfg.PollInterval(),
		HandlerTimeout: cfg.HandlerTimeout(),
		ErrorBackoff:   cfg.ErrorBackoff(),
		Logger:         logger,
		Telemetry:      ins,
	})
}

// State returns the loop's current phase.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		State:       w.State(),
		Processed:   w.processed.Load(),
		Failed:      w.failed.Load(),
		LastError:   w.lastErr,
		LastErrorAt: w.lastErrorAt,
	}
}

// Run consumes the work channel until shutdown is requested or ctx ends. It
// returns a *connection.ConnectionError when the initial connection cannot be
// established, ctx.Err() when ctx ended the loop, and nil after a requested
// shutdown.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateStarting)
	defer w.setState(StateStopped)

	tr, err := w.conn.Connect(ctx)
	if err != nil {
		w.setLastError(err)
		w.logger.Error("worker could not connect to queue",
			logging.Error(err),
			logging.EventType("worker_start_failed"),
			logging.String(logging.FieldErrorHint, "check queue backend settings"),
		)
		return err
	}
	defer func() {
		if err := w.conn.Close(); err != nil {
			w.logger.Debug("close transport", logging.Error(err))
		}
	}()

	w.logger.Info("worker listening",
		logging.Channel(w.opts.WorkChannel),
		logging.EventType("worker_started"),
	)

	for !w.stop.Requested() && ctx.Err() == nil {
		w.setState(StateListening)
		body, err := tr.Dequeue(ctx, w.opts.WorkChannel, w.opts.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.setLastError(err)
			var decodeErr *transport.DecodeError
			if errors.As(err, &decodeErr) {
				w.failed.Add(1)
				w.logger.Warn("dropping unreadable work item",
					logging.Error(err),
					logging.EventType("work_malformed"),
					logging.String(logging.FieldImpact, "sender cannot be answered and will time out"),
				)
				continue
			}
			next, ok := w.recoverTransport(ctx, tr, "dequeue", err)
			if !ok {
				break
			}
			tr = next
			continue
		}
		if body == nil {
			continue
		}

		w.setState(StateHandling)
		tr = w.process(ctx, tr, body)
	}

	w.setState(StateDraining)
	stats := w.Stats()
	w.logger.Info("worker stopped",
		logging.Int64("processed", stats.Processed),
		logging.Int64("failed", stats.Failed),
		logging.EventType("worker_stopped"),
	)
	if !w.stop.Requested() {
		return ctx.Err()
	}
	return nil
}

// process answers one dequeued body and returns the transport to continue
// with, which differs from tr when a reconnect happened while replying.
func (w *Worker) process(ctx context.Context, tr transport.Transport, body []byte) transport.Transport {
	item, err := message.DecodeWork(body)
	if err != nil {
		w.failed.Add(1)
		w.setLastError(err)
		if item.CorrelationID == "" {
			w.logger.Warn("dropping undecodable work item",
				logging.Error(err),
				logging.Int("bytes", len(body)),
				logging.EventType("work_malformed"),
				logging.String(logging.FieldImpact, "sender cannot be answered and will time out"),
			)
			return tr
		}
		w.logger.Warn("rejecting malformed work item",
			logging.CorrelationID(item.CorrelationID),
			logging.Error(err),
			logging.EventType("work_malformed"),
		)
		return w.reply(ctx, tr, item, message.NewFailure(item.CorrelationID, err.Error()))
	}

	return w.reply(ctx, tr, item, w.invoke(ctx, item))
}

func (w *Worker) invoke(ctx context.Context, item message.WorkItem) message.ResultItem {
	logger := w.logger.With(logging.CorrelationID(item.CorrelationID))
	started := time.Now()
	hctx, span := w.telemetry.StartHandle(ctx, item.CorrelationID)

	out, err := w.callHandler(hctx, logger, item.Payload)
	if err == nil {
		var result message.ResultItem
		if result, err = message.NewSuccess(item.CorrelationID, out); err == nil {
			w.processed.Add(1)
			w.telemetry.EndHandle(hctx, span, started, telemetry.OutcomeOK, nil)
			logger.Debug("work item handled", logging.Duration("duration", time.Since(started)))
			return result
		}
	}

	w.failed.Add(1)
	w.setLastError(err)
	w.telemetry.EndHandle(hctx, span, started, telemetry.OutcomeError, err)
	logger.Warn("handler failed",
		logging.Error(err),
		logging.Duration("duration", time.Since(started)),
		logging.EventType("handler_failed"),
		logging.String(logging.FieldImpact, "caller receives an error reply"),
	)
	return message.NewFailure(item.CorrelationID, err.Error())
}

type handlerOutcome struct {
	out map[string]any
	err error
}

// callHandler runs the handler with panic recovery. With a handler timeout
// the handler runs on its own goroutine so a handler that ignores its
// context cannot stall the loop.
func (w *Worker) callHandler(ctx context.Context, logger *slog.Logger, payload map[string]any) (map[string]any, error) {
	if w.opts.HandlerTimeout <= 0 {
		return w.safeHandle(ctx, logger, payload)
	}

	hctx, cancel := context.WithTimeout(ctx, w.opts.HandlerTimeout)
	defer cancel()

	done := make(chan handlerOutcome, 1)
	go func() {
		out, err := w.safeHandle(hctx, logger, payload)
		done <- handlerOutcome{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && hctx.Err() != nil {
			return nil, fmt.Errorf("handler timed out after %s", w.opts.HandlerTimeout)
		}
		return res.out, res.err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("handler timed out after %s", w.opts.HandlerTimeout)
	}
}

func (w *Worker) safeHandle(ctx context.Context, logger *slog.Logger, payload map[string]any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
				logging.EventType("handler_panic"),
			)
			out, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()

	out, err = w.handler.Handle(ctx, payload)
	if err == nil && out == nil {
		out = map[string]any{}
	}
	return out, err
}

// reply enqueues result. A failed enqueue is retried once on a fresh handle;
// if that also fails the reply is dropped and the caller times out.
func (w *Worker) reply(ctx context.Context, tr transport.Transport, item message.WorkItem, result message.ResultItem) transport.Transport {
	channel, ttl := w.replyChannel(item)
	logger := w.logger.With(logging.CorrelationID(item.CorrelationID), logging.Channel(channel))

	body, err := message.EncodeResult(result)
	if err != nil {
		logger.Warn("result not encodable; sending error reply", logging.Error(err))
		result = message.NewFailure(item.CorrelationID, "encode result: "+err.Error())
		if body, err = message.EncodeResult(result); err != nil {
			logger.Error("dropping reply", logging.Error(err))
			return tr
		}
	}

	err = tr.Enqueue(ctx, channel, body, ttl)
	if err == nil {
		return tr
	}
	w.setLastError(err)
	if ctx.Err() != nil {
		logger.Error("reply dropped; worker context ended", logging.Error(err), logging.EventType("reply_dropped"))
		return tr
	}

	next, ok := w.recoverTransport(ctx, tr, "enqueue", err)
	if !ok {
		logger.Error("reply dropped; transport unavailable during shutdown",
			logging.Error(err),
			logging.EventType("reply_dropped"),
		)
		return tr
	}
	if err := next.Enqueue(ctx, channel, body, ttl); err != nil {
		w.setLastError(err)
		logger.Error("reply dropped after reconnect",
			logging.Error(err),
			logging.EventType("reply_dropped"),
			logging.String(logging.FieldImpact, "caller will time out"),
		)
	}
	return next
}

// replyChannel honours reply_to only under the result channel prefix so a
// request cannot make the worker write to arbitrary channels.
func (w *Worker) replyChannel(item message.WorkItem) (string, time.Duration) {
	if item.ReplyTo == "" {
		return w.opts.ResultChannel, 0
	}
	if strings.HasPrefix(item.ReplyTo, w.opts.ResultChannel+":") {
		return item.ReplyTo, w.opts.ReplyTTL
	}
	w.logger.Warn("ignoring reply_to outside the result channel",
		logging.CorrelationID(item.CorrelationID),
		logging.String("reply_to", item.ReplyTo),
	)
	return w.opts.ResultChannel, 0
}

// recoverTransport reconnects after a transport failure, pausing
// error_backoff between failed reconnects. It gives up only when shutdown is
// requested or ctx ends.
func (w *Worker) recoverTransport(ctx context.Context, stale transport.Transport, op string, cause error) (transport.Transport, bool) {
	w.logger.Warn("transport failed; reconnecting",
		logging.String("op", op),
		logging.Error(cause),
		logging.EventType("transport_failed"),
	)
	for {
		next, err := w.conn.Reconnect(ctx, stale)
		if err == nil {
			w.logger.Info("transport re-established", logging.EventType("transport_recovered"))
			return next, true
		}
		w.setLastError(err)
		if w.stop.Requested() || ctx.Err() != nil {
			return nil, false
		}
		w.logger.Warn("reconnect failed; backing off",
			logging.Error(err),
			logging.Duration("backoff", w.opts.ErrorBackoff),
			logging.EventType("reconnect_failed"),
			logging.String(logging.FieldErrorHint, "check that the queue backend is running"),
		)
		select {
		case <-ctx.Done():
			return nil, false
		case <-w.stop.Done():
			return nil, false
		case <-time.After(w.opts.ErrorBackoff):
		}
	}
}

func (w *Worker) setState(s State) {
	if State(w.state.Swap(int32(s))) != s {
		w.logger.Debug("worker state changed", logging.String(logging.FieldState, s.String()))
	}
}

func (w *Worker) setLastError(err error) {
	if err == nil {
		return
	}
	w.mu.Lock()
	w.lastErr = err.Error()
	w.lastErrorAt = time.Now()
	w.mu.Unlock()
}
