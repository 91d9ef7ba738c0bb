package preflight

import (
	"context"
	"path/filepath"

	"relay/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// Options selects optional checks.
type Options struct {
	// SkipBackend disables the backend reachability check.
	SkipBackend bool
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config, opts Options) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	if cfg.Queue.Backend == config.BackendSQLite {
		results = append(results, CheckDirectoryAccess("Queue directory", filepath.Dir(cfg.SQLite.Path)))
	}

	if cfg.Logging.Dir != "" {
		results = append(results, CheckDirectoryAccess("Log directory", cfg.Logging.Dir))
	}

	if cfg.Worker.Handler == config.HandlerExec {
		results = append(results, CheckHandlerCommand(cfg.Worker.HandlerCommand))
	}

	if !opts.SkipBackend {
		results = append(results, CheckBackend(ctx, cfg))
	}

	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
