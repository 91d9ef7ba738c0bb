package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"relay/internal/testsupport"
	"relay/internal/transport"
)

func TestRedisDeliversInFIFOOrder(t *testing.T) {
	srv := testsupport.StartRedis(t)
	tr := testsupport.MustDialRedis(t, srv)
	ctx := context.Background()

	for _, body := range []string{"first", "second"} {
		if err := tr.Enqueue(ctx, "relay:requests", []byte(body), 0); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	for _, want := range []string{"first", "second"} {
		got, err := tr.Dequeue(ctx, "relay:requests", time.Second)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if string(got) != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestRedisDequeueReturnsNilOnTimeout(t *testing.T) {
	srv := testsupport.StartRedis(t)
	tr := testsupport.MustDialRedis(t, srv)

	// Sub-second waits are raised to one second, never to "block forever".
	got, err := tr.Dequeue(context.Background(), "relay:requests", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil body, got %q", got)
	}
}

func TestRedisEnqueueWithTTLSetsExpiry(t *testing.T) {
	srv := testsupport.StartRedis(t)
	tr := testsupport.MustDialRedis(t, srv)

	if err := tr.Enqueue(context.Background(), "relay:responses:abc", []byte("x"), time.Minute); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if ttl := srv.TTL("relay:responses:abc"); ttl != time.Minute {
		t.Fatalf("expected one minute TTL, got %s", ttl)
	}

	srv.FastForward(2 * time.Minute)
	if srv.Exists("relay:responses:abc") {
		t.Fatal("expected reply channel to expire")
	}
}

func TestRedisStatsSkipsNonListKeys(t *testing.T) {
	srv := testsupport.StartRedis(t)
	tr := testsupport.MustDialRedis(t, srv)
	ctx := context.Background()

	if err := tr.Enqueue(ctx, "relay:requests", []byte("a"), 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := tr.Enqueue(ctx, "relay:requests", []byte("b"), 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := srv.Set("relay:lock", "held"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	stats, err := tr.Stats(ctx, "relay:")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected one list, got %#v", stats)
	}
	if stats[0].Channel != "relay:requests" || stats[0].Depth != 2 || stats[0].TTL != 0 {
		t.Fatalf("unexpected stats: %#v", stats[0])
	}
}

func TestRedisPurgeReportsRemovedCount(t *testing.T) {
	srv := testsupport.StartRedis(t)
	tr := testsupport.MustDialRedis(t, srv)
	ctx := context.Background()

	for range 4 {
		if err := tr.Enqueue(ctx, "relay:requests", []byte("x"), 0); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	removed, err := tr.Purge(ctx, "relay:requests")
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if removed != 4 {
		t.Fatalf("expected 4 removed, got %d", removed)
	}
	if srv.Exists("relay:requests") {
		t.Fatal("expected channel to be deleted")
	}
}

func TestRedisUnreachableServerReportsUnavailable(t *testing.T) {
	srv := testsupport.StartRedis(t)
	tr := testsupport.MustDialRedis(t, srv)
	srv.Close()

	err := tr.Ping(context.Background())
	if !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	err = tr.Enqueue(context.Background(), "relay:requests", []byte("x"), 0)
	var terr *transport.Error
	if !errors.As(err, &terr) || terr.Backend != "redis" || terr.Channel != "relay:requests" {
		t.Fatalf("expected redis enqueue error, got %#v", err)
	}
}

func TestNewDialerSelectsBackend(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	dial, err := transport.NewDialer(cfg, nil)
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	tr, err := dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tr.Close()
	if _, ok := tr.(*transport.SQLite); !ok {
		t.Fatalf("expected SQLite transport, got %T", tr)
	}

	srv := testsupport.StartRedis(t)
	cfg = testsupport.NewConfig(t, testsupport.WithRedis(srv.Addr()))
	dial, err = transport.NewDialer(cfg, nil)
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	tr, err = dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tr.Close()
	if _, ok := tr.(transport.Inspector); !ok {
		t.Fatalf("expected Redis transport to implement Inspector, got %T", tr)
	}
	if err := tr.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	cfg.Queue.Backend = "kafka"
	if _, err := transport.NewDialer(cfg, nil); err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}
