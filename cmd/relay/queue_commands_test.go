package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"relay/internal/broker"
	"relay/internal/testsupport"
)

func TestQueueStatsAndPurge(t *testing.T) {
	env := setupCLITestEnv(t)
	cfg := env.cfg

	tr := testsupport.MustOpenSQLiteAt(t, cfg.SQLite.Path, 0)
	ctx := context.Background()
	for range 2 {
		if err := tr.Enqueue(ctx, cfg.Queue.WorkChannel, []byte(`{"correlation_id":"x"}`), 0); err != nil {
			t.Fatalf("enqueue work: %v", err)
		}
	}
	reply := broker.DedicatedChannel(cfg.Queue.ResultChannel, "abc")
	if err := tr.Enqueue(ctx, reply, []byte(`{"correlation_id":"abc"}`), time.Minute); err != nil {
		t.Fatalf("enqueue reply: %v", err)
	}

	out, _, err := runCLI(t, []string{"queue", "stats", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("queue stats --json: %v", err)
	}
	var view queueStatsView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode stats %q: %v", out, err)
	}
	if view.Backend != "sqlite" {
		t.Fatalf("backend = %q", view.Backend)
	}
	if len(view.Channels) != 3 {
		t.Fatalf("expected 3 channels, got %+v", view.Channels)
	}
	if view.Channels[0].Channel != cfg.Queue.WorkChannel || view.Channels[0].Depth != 2 {
		t.Fatalf("work channel row = %+v", view.Channels[0])
	}
	if view.Channels[1].Channel != cfg.Queue.ResultChannel || view.Channels[1].Depth != 0 {
		t.Fatalf("result channel row = %+v", view.Channels[1])
	}
	if view.Channels[2].Channel != reply || view.Channels[2].TTLSeconds <= 0 {
		t.Fatalf("reply channel row = %+v", view.Channels[2])
	}

	out, _, err = runCLI(t, []string{"queue", "stats"}, env.configPath)
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	requireContains(t, out, "Channel")
	requireContains(t, out, cfg.Queue.WorkChannel)

	out, _, err = runCLI(t, []string{"queue", "purge"}, env.configPath)
	if err != nil {
		t.Fatalf("queue purge: %v", err)
	}
	requireContains(t, out, "Purged 2 message(s) from "+cfg.Queue.WorkChannel)

	out, _, err = runCLI(t, []string{"queue", "purge", reply}, env.configPath)
	if err != nil {
		t.Fatalf("queue purge reply: %v", err)
	}
	requireContains(t, out, "Purged 1 message(s) from "+reply)
}

func TestQueueStatsOnRedis(t *testing.T) {
	srv := testsupport.StartRedis(t)
	env := setupCLITestEnv(t, testsupport.WithRedis(srv.Addr()))
	if _, err := srv.Lpush(env.cfg.Queue.WorkChannel, "{}"); err != nil {
		t.Fatalf("lpush: %v", err)
	}

	out, _, err := runCLI(t, []string{"queue", "stats", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	var view queueStatsView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if view.Channels[0].Depth != 1 {
		t.Fatalf("work depth = %d, want 1", view.Channels[0].Depth)
	}
}

func TestQueueHealth(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLI(t, []string{"queue", "health"}, env.configPath)
	if err != nil {
		t.Fatalf("queue health: %v", err)
	}
	requireContains(t, out, "[OK]")

	srv := testsupport.StartRedis(t)
	addr := srv.Addr()
	srv.Close()
	down := setupCLITestEnv(t, testsupport.WithRedis(addr))
	out, _, err = runCLI(t, []string{"queue", "health"}, down.configPath)
	if err == nil {
		t.Fatal("expected error for unreachable backend")
	}
	if code := exitCode(err); code != exitUnavailable {
		t.Fatalf("exit code = %d, want %d", code, exitUnavailable)
	}
	requireContains(t, out, "[ERROR]")
}
