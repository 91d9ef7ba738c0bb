// Command relayd runs a single relay worker using the default configuration
// file. It exits once SIGINT or SIGTERM has let the in-flight item finish.
package main

import (
	"context"
	"errors"
	"log"

	"relay/internal/config"
	"relay/internal/workerrun"
)

func main() {
	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	if err := workerrun.Run(context.Background(), cfg, workerrun.Options{}); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("relayd: %v", err)
	}
}
