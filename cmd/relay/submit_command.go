package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"relay/internal/broker"
	"relay/internal/connection"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		timeout  time.Duration
		data     string
		fromFile string
	)

	cmd := &cobra.Command{
		Use:   "submit [json]",
		Short: "Send a request to a worker and print the reply",
		Long: `Send one JSON object to the work channel and wait for the matching reply.

The payload comes from the positional argument, --data, or --file (use "-"
for stdin). With none of them an empty object is sent.

Exit status is 3 when the queue is unavailable, 4 when no reply arrives in
time, and 5 when the worker's handler reported an error.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := submitPayload(cmd, args, data, fromFile)
			if err != nil {
				return err
			}
			return ctx.withBroker(cmd, func(client *broker.Client) error {
				result, err := client.Submit(commandCtx(cmd), payload, timeout)
				if err != nil {
					return describeSubmitError(err)
				}
				return writeJSON(cmd, result)
			})
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "How long to wait for a reply (default from broker.timeout)")
	cmd.Flags().StringVarP(&data, "data", "d", "", "Request payload as a JSON object")
	cmd.Flags().StringVarP(&fromFile, "file", "f", "", "Read the request payload from a file (\"-\" for stdin)")
	return cmd
}

func submitPayload(cmd *cobra.Command, args []string, data, fromFile string) (map[string]any, error) {
	sources := 0
	for _, set := range []bool{len(args) > 0, data != "", fromFile != ""} {
		if set {
			sources++
		}
	}
	if sources > 1 {
		return nil, errors.New("use only one of the positional payload, --data, or --file")
	}

	switch {
	case len(args) > 0:
		return readJSONObject(strings.NewReader(args[0]))
	case data != "":
		return readJSONObject(strings.NewReader(data))
	case fromFile == "-":
		return readJSONObject(cmd.InOrStdin())
	case fromFile != "":
		f, err := os.Open(fromFile)
		if err != nil {
			return nil, fmt.Errorf("open payload file: %w", err)
		}
		defer f.Close()
		return readJSONObject(io.Reader(f))
	default:
		return map[string]any{}, nil
	}
}

func describeSubmitError(err error) error {
	var (
		timeoutErr *broker.TimeoutError
		remoteErr  *broker.RemoteError
		submitErr  *broker.SubmissionError
		connErr    *connection.ConnectionError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return withExitCode(exitTimeout, fmt.Errorf("%w; check that a worker is running (relay worker)", err))
	case errors.As(err, &remoteErr):
		return withExitCode(exitRemote, fmt.Errorf("worker reported an error: %s", remoteErr.Message))
	case errors.As(err, &submitErr), errors.As(err, &connErr):
		return unavailable(err)
	default:
		return err
	}
}
