package main

import (
	"errors"

	"github.com/spf13/cobra"

	"relay/internal/config"
	"relay/internal/connection"
	"relay/internal/workerrun"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "worker [-- command [args...]]",
		Short: "Run a worker that answers requests from the work channel",
		Long: `Run a single worker in the foreground until SIGINT or SIGTERM.

Without arguments the worker uses the handler from the configuration file.
Arguments after -- select the exec handler and name the command to run for
each request; it receives the payload as JSON on stdin and must print a JSON
object on stdout.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if len(args) > 0 {
				copied := *cfg
				copied.Worker.Handler = config.HandlerExec
				copied.Worker.HandlerCommand = args
				cfg = &copied
			}
			err = workerrun.Run(commandCtx(cmd), cfg, workerrun.Options{
				LogLevel:        logLevel,
				TelemetryOutput: cmd.OutOrStdout(),
			})
			var connErr *connection.ConnectionError
			if errors.As(err, &connErr) {
				return unavailable(err)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	return cmd
}
