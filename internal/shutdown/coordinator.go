// Package shutdown turns termination signals into a cooperative stop flag.
//
// The Coordinator never cancels work on its own. Long-running loops poll
// Requested between units of work, or select on Done, and wind down at a
// point of their choosing.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"relay/internal/logging"
)

// Coordinator holds a flag that flips from false to true exactly once.
type Coordinator struct {
	requested atomic.Bool
	done      chan struct{}
	logger    *slog.Logger

	mu      sync.Mutex
	signals chan os.Signal
	stopped chan struct{}
}

// New creates a coordinator with the flag cleared.
func New(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		done:   make(chan struct{}),
		logger: logging.NewComponentLogger(logger, "shutdown"),
	}
}

// Requested reports whether shutdown has been requested.
func (c *Coordinator) Requested() bool {
	return c.requested.Load()
}

// Done is closed when shutdown is requested.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Request sets the flag. Calls after the first are no-ops.
func (c *Coordinator) Request() {
	c.request("request")
}

// Listen sets the flag on SIGINT or SIGTERM until ctx ends or Stop is
// called. Calling Listen twice is a no-op.
func (c *Coordinator) Listen(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signals != nil {
		return
	}

	signals := make(chan os.Signal, 2)
	stopped := make(chan struct{})
	signal.Notify(signals, unix.SIGINT, unix.SIGTERM)
	c.signals = signals
	c.stopped = stopped

	go func() {
		for {
			select {
			case sig := <-signals:
				c.request(sig.String())
			case <-ctx.Done():
				c.Stop()
				return
			case <-stopped:
				return
			}
		}
	}()
}

// Stop unregisters the signal handlers installed by Listen. The flag keeps
// its value.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signals == nil {
		return
	}
	signal.Stop(c.signals)
	close(c.stopped)
	c.signals = nil
	c.stopped = nil
}

func (c *Coordinator) request(source string) {
	if !c.requested.CompareAndSwap(false, true) {
		c.logger.Info("shutdown already in progress", logging.String("source", source))
		return
	}
	close(c.done)
	c.logger.Info("shutdown requested",
		logging.String("source", source),
		logging.EventType("shutdown_requested"),
	)
}
