package worker_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"relay/internal/broker"
	"relay/internal/config"
	"relay/internal/connection"
	"relay/internal/logging"
	"relay/internal/message"
	"relay/internal/shutdown"
	"relay/internal/testsupport"
	"relay/internal/transport"
	"relay/internal/worker"
)

type harness struct {
	cfg    *config.Config
	mgr    *connection.Manager
	stop   *shutdown.Coordinator
	worker *worker.Worker
	done   chan error
}

func startWorker(t *testing.T, cfg *config.Config, handler worker.Handler) *harness {
	t.Helper()
	mgr, err := connection.NewFromConfig(cfg, logging.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	h := &harness{
		cfg:  cfg,
		mgr:  mgr,
		stop: shutdown.New(logging.NewNop()),
		done: make(chan error, 1),
	}
	h.worker = worker.New(mgr, handler, h.stop, worker.Options{
		WorkChannel:   cfg.Queue.WorkChannel,
		ResultChannel: cfg.Queue.ResultChannel,
		ReplyTTL:      cfg.ReplyTTL(),
		PollInterval:  cfg.PollInterval(),
		ErrorBackoff:  20 * time.Millisecond,
		Logger:        logging.NewNop(),
	})
	go func() { h.done <- h.worker.Run(context.Background()) }()
	t.Cleanup(func() {
		h.stop.Request()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
		return nil
	}
}

func newClient(t *testing.T, cfg *config.Config) *broker.Client {
	t.Helper()
	mgr, err := connection.NewFromConfig(cfg, logging.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	return broker.NewFromConfig(cfg, mgr, logging.NewNop(), nil)
}

func openTransport(t *testing.T, cfg *config.Config) transport.Transport {
	t.Helper()
	dial, err := transport.NewDialer(cfg, nil)
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	tr, err := dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func fareHandler() worker.Handler {
	return worker.HandlerFunc(func(_ context.Context, payload map[string]any) (map[string]any, error) {
		if _, ok := payload["trip_distance"]; !ok {
			return nil, errors.New("trip_distance is required")
		}
		return map[string]any{"fare": 12.3}, nil
	})
}

func TestWorkerAnswersRequest(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := startWorker(t, cfg, fareHandler())
	client := newClient(t, cfg)

	result, err := client.Submit(context.Background(), map[string]any{"trip_distance": 3.5}, 5*time.Second)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result["fare"] != 12.3 {
		t.Fatalf("unexpected result: %#v", result)
	}
	if stats := h.worker.Stats(); stats.Processed != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
}

func TestWorkerAnswersRequestOverRedis(t *testing.T) {
	srv := testsupport.StartRedis(t)
	cfg := testsupport.NewConfig(t, testsupport.WithRedis(srv.Addr()))
	startWorker(t, cfg, fareHandler())
	client := newClient(t, cfg)

	result, err := client.Submit(context.Background(), map[string]any{"trip_distance": 3.5}, 5*time.Second)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result["fare"] != 12.3 {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestWorkerReportsHandlerError(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := startWorker(t, cfg, fareHandler())
	client := newClient(t, cfg)

	result, err := client.Submit(context.Background(), map[string]any{"other": 1}, 5*time.Second)
	var remote *broker.RemoteError
	if !errors.As(err, &remote) || remote.Message != "trip_distance is required" {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if result != nil {
		t.Fatalf("expected no payload, got %#v", result)
	}
	stats := h.worker.Stats()
	if stats.Failed != 1 || stats.LastError != "trip_distance is required" {
		t.Fatalf("unexpected stats: %#v", stats)
	}
}

func TestWorkerSurvivesHandlerPanic(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	calls := 0
	startWorker(t, cfg, worker.HandlerFunc(func(context.Context, map[string]any) (map[string]any, error) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return map[string]any{"ok": true}, nil
	}))
	client := newClient(t, cfg)

	_, err := client.Submit(context.Background(), map[string]any{}, 5*time.Second)
	var remote *broker.RemoteError
	if !errors.As(err, &remote) || remote.Message != "handler panic: boom" {
		t.Fatalf("expected panic to become RemoteError, got %v", err)
	}

	result, err := client.Submit(context.Background(), map[string]any{}, 5*time.Second)
	if err != nil || result["ok"] != true {
		t.Fatalf("expected worker to keep serving, got %#v err=%v", result, err)
	}
}

func TestWorkerRejectsReservedResultField(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	startWorker(t, cfg, worker.HandlerFunc(func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"error": "looks like a failure"}, nil
	}))
	client := newClient(t, cfg)

	_, err := client.Submit(context.Background(), map[string]any{}, 5*time.Second)
	var remote *broker.RemoteError
	if !errors.As(err, &remote) || remote.Message != `result uses reserved field "error"` {
		t.Fatalf("expected reserved field rejection, got %v", err)
	}
}

func TestWorkerEnforcesHandlerTimeout(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr, err := connection.NewFromConfig(cfg, logging.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	stop := shutdown.New(logging.NewNop())
	w := worker.New(mgr, worker.HandlerFunc(func(context.Context, map[string]any) (map[string]any, error) {
		time.Sleep(time.Second)
		return map[string]any{}, nil
	}), stop, worker.Options{
		WorkChannel:    cfg.Queue.WorkChannel,
		ResultChannel:  cfg.Queue.ResultChannel,
		PollInterval:   cfg.PollInterval(),
		HandlerTimeout: 50 * time.Millisecond,
	})
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	t.Cleanup(func() {
		stop.Request()
		<-done
	})

	client := newClient(t, cfg)
	_, err = client.Submit(context.Background(), map[string]any{}, 5*time.Second)
	var remote *broker.RemoteError
	if !errors.As(err, &remote) || !strings.Contains(remote.Message, "timed out") {
		t.Fatalf("expected handler timeout, got %v", err)
	}
}

func TestWorkerAnswersMalformedItemWhenIDRecoverable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := startWorker(t, cfg, fareHandler())
	tr := openTransport(t, cfg)
	ctx := context.Background()

	if err := tr.Enqueue(ctx, cfg.Queue.WorkChannel, []byte("not json"), 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := tr.Enqueue(ctx, cfg.Queue.WorkChannel, []byte(`{"correlation_id":"abc","reply_to":5}`), 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	body, err := tr.Dequeue(ctx, cfg.Queue.ResultChannel, 5*time.Second)
	if err != nil || body == nil {
		t.Fatalf("expected error reply, got %q err=%v", body, err)
	}
	result, err := message.DecodeResult(body)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if result.CorrelationID != "abc" || !result.Failed || !strings.Contains(result.Error, "reply_to") {
		t.Fatalf("unexpected reply: %#v", result)
	}
	if stats := h.worker.Stats(); stats.Failed != 2 {
		t.Fatalf("expected both malformed items counted, got %#v", stats)
	}
}

func TestWorkerRejectsWorkCarryingErrorKey(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	var calls atomic.Int32
	h := startWorker(t, cfg, worker.HandlerFunc(func(_ context.Context, payload map[string]any) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{"echo": payload}, nil
	}))
	tr := openTransport(t, cfg)
	ctx := context.Background()

	if err := tr.Enqueue(ctx, cfg.Queue.WorkChannel, []byte(`{"correlation_id":"abc","error":"margin","x":1}`), 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	body, err := tr.Dequeue(ctx, cfg.Queue.ResultChannel, 5*time.Second)
	if err != nil || body == nil {
		t.Fatalf("expected error reply, got %q err=%v", body, err)
	}
	result, err := message.DecodeResult(body)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if result.CorrelationID != "abc" || !result.Failed || !strings.Contains(result.Error, `"error"`) {
		t.Fatalf("unexpected reply: %#v", result)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected handler not to run, ran %d time(s)", calls.Load())
	}
	if stats := h.worker.Stats(); stats.Failed != 1 {
		t.Fatalf("expected rejected item counted as failed, got %#v", stats)
	}
}

func TestWorkerIgnoresReplyToOutsideResultChannel(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	startWorker(t, cfg, fareHandler())
	tr := openTransport(t, cfg)
	ctx := context.Background()

	body, err := message.EncodeWork(message.WorkItem{
		CorrelationID: "abc",
		ReplyTo:       "somewhere:else",
		Payload:       map[string]any{"trip_distance": 1.0},
	})
	if err != nil {
		t.Fatalf("EncodeWork: %v", err)
	}
	if err := tr.Enqueue(ctx, cfg.Queue.WorkChannel, body, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	reply, err := tr.Dequeue(ctx, cfg.Queue.ResultChannel, 5*time.Second)
	if err != nil || reply == nil {
		t.Fatalf("expected reply on shared channel, got %q err=%v", reply, err)
	}
	if got, _ := tr.Dequeue(ctx, "somewhere:else", 10*time.Millisecond); got != nil {
		t.Fatal("expected nothing written to foreign channel")
	}
}

func TestWorkerSkipsUnreadableStoredItem(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	openTransport(t, cfg)

	db, err := sql.Open("sqlite", "file:"+cfg.SQLite.Path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`INSERT INTO messages (channel, body, encoding, enqueued_at)
        VALUES (?, x'deadbeef', 'zstd', '2020-01-01T00:00:00Z')`, cfg.Queue.WorkChannel); err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	h := startWorker(t, cfg, fareHandler())
	client := newClient(t, cfg)

	result, err := client.Submit(context.Background(), map[string]any{"trip_distance": 1.0}, 5*time.Second)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result["fare"] != 12.3 {
		t.Fatalf("unexpected result: %#v", result)
	}
	if stats := h.worker.Stats(); stats.Processed != 1 || stats.Failed != 1 {
		t.Fatalf("expected one unreadable and one handled item, got %#v", stats)
	}
}

func TestConcurrentCallersReceiveOwnReplies(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	startWorker(t, cfg, worker.HandlerFunc(func(_ context.Context, payload map[string]any) (map[string]any, error) {
		return map[string]any{"echo": payload["n"]}, nil
	}))
	startWorker(t, cfg, worker.HandlerFunc(func(_ context.Context, payload map[string]any) (map[string]any, error) {
		return map[string]any{"echo": payload["n"]}, nil
	}))
	client := newClient(t, cfg)

	var wg sync.WaitGroup
	for i := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := client.Submit(context.Background(), map[string]any{"n": float64(i)}, 10*time.Second)
			if err != nil {
				t.Errorf("Submit %d: %v", i, err)
				return
			}
			if result["echo"] != float64(i) {
				t.Errorf("caller %d received %#v", i, result)
			}
		}()
	}
	wg.Wait()
}

func TestWorkerReconnectsAfterTransportDrop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := startWorker(t, cfg, fareHandler())
	client := newClient(t, cfg)
	ctx := context.Background()

	if _, err := client.Submit(ctx, map[string]any{"trip_distance": 1.0}, 5*time.Second); err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	tr, err := h.mgr.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	_ = tr.Close()

	result, err := client.Submit(ctx, map[string]any{"trip_distance": 2.0}, 5*time.Second)
	if err != nil {
		t.Fatalf("Submit after drop: %v", err)
	}
	if result["fare"] != 12.3 {
		t.Fatalf("unexpected result: %#v", result)
	}
	if !strings.Contains(h.worker.Stats().LastError, "closed") {
		t.Fatalf("expected dropped connection to be recorded, got %#v", h.worker.Stats())
	}
}

func TestWorkerReconnectsAfterRedisRestart(t *testing.T) {
	srv := testsupport.StartRedis(t)
	cfg := testsupport.NewConfig(t, testsupport.WithRedis(srv.Addr()))
	startWorker(t, cfg, fareHandler())
	client := newClient(t, cfg)
	ctx := context.Background()

	if _, err := client.Submit(ctx, map[string]any{"trip_distance": 1.0}, 5*time.Second); err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	srv.Close()
	time.Sleep(100 * time.Millisecond)
	if err := srv.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	result, err := client.Submit(ctx, map[string]any{"trip_distance": 2.0}, 10*time.Second)
	if err != nil {
		t.Fatalf("Submit after restart: %v", err)
	}
	if result["fare"] != 12.3 {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestGracefulShutdownFinishesInFlightItem(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	started := make(chan struct{})
	release := make(chan struct{})
	h := startWorker(t, cfg, worker.HandlerFunc(func(context.Context, map[string]any) (map[string]any, error) {
		close(started)
		<-release
		return map[string]any{"done": true}, nil
	}))
	client := newClient(t, cfg)
	ctx := context.Background()

	type outcome struct {
		result map[string]any
		err    error
	}
	inFlight := make(chan outcome, 1)
	go func() {
		result, err := client.Submit(ctx, map[string]any{"n": 1.0}, 10*time.Second)
		inFlight <- outcome{result, err}
	}()

	<-started
	if state := h.worker.State(); state != worker.StateHandling {
		t.Fatalf("expected handling state, got %s", state)
	}

	tr := openTransport(t, cfg)
	backlog, err := message.EncodeWork(message.WorkItem{CorrelationID: "queued", Payload: map[string]any{}})
	if err != nil {
		t.Fatalf("EncodeWork: %v", err)
	}
	if err := tr.Enqueue(ctx, cfg.Queue.WorkChannel, backlog, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	h.stop.Request()
	close(release)

	if err := h.wait(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if state := h.worker.State(); state != worker.StateStopped {
		t.Fatalf("expected stopped state, got %s", state)
	}

	got := <-inFlight
	if got.err != nil || got.result["done"] != true {
		t.Fatalf("expected in-flight reply, got %#v err=%v", got.result, got.err)
	}

	body, err := tr.Dequeue(ctx, cfg.Queue.WorkChannel, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if string(body) != string(backlog) {
		t.Fatalf("expected backlog to remain queued, got %q", body)
	}
}

func TestRunFailsWhenQueueUnreachable(t *testing.T) {
	srv := testsupport.StartRedis(t)
	addr := srv.Addr()
	srv.Close()

	cfg := testsupport.NewConfig(t, testsupport.WithRedis(addr))
	mgr, err := connection.NewFromConfig(cfg, logging.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	w := worker.NewFromConfig(cfg, mgr, fareHandler(), shutdown.New(logging.NewNop()), logging.NewNop(), nil)

	err = w.Run(context.Background())
	var connErr *connection.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if connErr.Attempts != cfg.Connection.MaxRetries {
		t.Fatalf("expected %d attempts, got %d", cfg.Connection.MaxRetries, connErr.Attempts)
	}
	if w.State() != worker.StateStopped {
		t.Fatalf("expected stopped state, got %s", w.State())
	}
}

func TestRunReturnsContextErrorWhenCancelled(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr, err := connection.NewFromConfig(cfg, logging.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	w := worker.NewFromConfig(cfg, mgr, fareHandler(), shutdown.New(logging.NewNop()), logging.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStateStrings(t *testing.T) {
	want := map[worker.State]string{
		worker.StateStarting:  "starting",
		worker.StateListening: "listening",
		worker.StateHandling:  "handling",
		worker.StateDraining:  "draining",
		worker.StateStopped:   "stopped",
		worker.State(99):      "unknown",
	}
	for state, name := range want {
		if state.String() != name {
			t.Fatalf("expected %q, got %q", name, state.String())
		}
	}
}
