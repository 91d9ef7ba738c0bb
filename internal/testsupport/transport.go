package testsupport

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"relay/internal/transport"
)

// StartRedis runs an in-process Redis server for the duration of the test.
func StartRedis(t testing.TB) *miniredis.Miniredis {
	t.Helper()
	return miniredis.RunT(t)
}

// MustDialRedis connects a Redis transport to srv and registers cleanup.
func MustDialRedis(t testing.TB, srv *miniredis.Miniredis) *transport.Redis {
	t.Helper()

	tr, err := transport.DialRedis(context.Background(), transport.RedisOptions{
		Addr:          srv.Addr(),
		SocketTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("transport.DialRedis: %v", err)
	}
	t.Cleanup(func() {
		_ = tr.Close()
	})
	return tr
}

// MustOpenSQLite opens a SQLite transport in a fresh temp directory and
// registers cleanup. A zero threshold disables compression.
func MustOpenSQLite(t testing.TB, compressThreshold int) *transport.SQLite {
	t.Helper()
	return MustOpenSQLiteAt(t, filepath.Join(t.TempDir(), "queue.db"), compressThreshold)
}

// MustOpenSQLiteAt opens a SQLite transport on path and registers cleanup.
func MustOpenSQLiteAt(t testing.TB, path string, compressThreshold int) *transport.SQLite {
	t.Helper()

	tr, err := transport.OpenSQLite(context.Background(), transport.SQLiteOptions{
		Path:              path,
		CompressThreshold: compressThreshold,
		PollStep:          10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("transport.OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		_ = tr.Close()
	})
	return tr
}

func splitHostPort(t testing.TB, addr string) (string, int) {
	t.Helper()

	host, portText, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		t.Fatalf("parse port %q: %v", portText, err)
	}
	return host, port
}
