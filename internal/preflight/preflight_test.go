package preflight

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"relay/internal/config"
	"relay/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckHandlerCommand(t *testing.T) {
	if r := CheckHandlerCommand(nil); r.Passed {
		t.Fatal("expected failure for empty command")
	}
	if r := CheckHandlerCommand([]string{"relay-no-such-binary-xyz"}); r.Passed {
		t.Fatal("expected failure for unknown binary")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	if r := CheckHandlerCommand([]string{exe, "-test.run=x"}); !r.Passed {
		t.Fatalf("expected pass for test binary, got: %s", r.Detail)
	}
}

func TestCheckBackend_SQLite(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	result := CheckBackend(context.Background(), cfg)
	if !result.Passed {
		t.Fatalf("expected sqlite backend to pass, got: %s", result.Detail)
	}
	if !strings.Contains(result.Detail, "sqlite") {
		t.Fatalf("detail should name the backend, got %q", result.Detail)
	}
}

func TestCheckBackend_RedisUp(t *testing.T) {
	srv := testsupport.StartRedis(t)
	cfg := testsupport.NewConfig(t, testsupport.WithRedis(srv.Addr()))
	result := CheckBackend(context.Background(), cfg)
	if !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
}

func TestCheckBackend_RedisDown(t *testing.T) {
	srv := testsupport.StartRedis(t)
	addr := srv.Addr()
	srv.Close()
	cfg := testsupport.NewConfig(t, testsupport.WithRedis(addr))
	result := CheckBackend(context.Background(), cfg)
	if result.Passed {
		t.Fatal("expected failure for stopped server")
	}
	if !strings.Contains(result.Detail, addr) {
		t.Fatalf("detail should include the address, got %q", result.Detail)
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil, Options{}); results != nil {
		t.Fatalf("expected nil, got %v", results)
	}
}

func TestRunAll_MinimalConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	results := RunAll(context.Background(), cfg, Options{SkipBackend: true})
	if len(results) != 1 {
		t.Fatalf("expected only the queue directory check, got %d: %v", len(results), results)
	}
	if results[0].Name != "Queue directory" || !results[0].Passed {
		t.Fatalf("unexpected result: %+v", results[0])
	}
}

func TestRunAll_IncludesOptionalChecks(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithLogDir())
	cfg.Worker.Handler = config.HandlerExec
	cfg.Worker.HandlerCommand = []string{"relay-no-such-binary-xyz"}

	results := RunAll(context.Background(), cfg, Options{})
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Name)
	}
	want := []string{"Queue directory", "Log directory", "Handler command", "Queue backend"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("checks = %v, want %v", names, want)
	}

	failed := Failed(results)
	// The log directory is not created until a logger is built.
	if len(failed) != 2 {
		t.Fatalf("expected log dir and handler checks to fail, got %+v", failed)
	}
}
