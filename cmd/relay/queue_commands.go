package main

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"relay/internal/config"
	"relay/internal/preflight"
	"relay/internal/transport"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage relay channels",
	}

	queueCmd.AddCommand(newQueueStatsCommand(ctx))
	queueCmd.AddCommand(newQueuePurgeCommand(ctx))
	queueCmd.AddCommand(newQueueHealthCommand(ctx))

	return queueCmd
}

type channelRow struct {
	Channel    string  `json:"channel"`
	Depth      int64   `json:"depth"`
	TTLSeconds float64 `json:"ttl_seconds,omitempty"`
}

type queueStatsView struct {
	Backend  string       `json:"backend"`
	Channels []channelRow `json:"channels"`
}

func newQueueStatsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the backlog of the work and result channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			return ctx.withInspector(cmd, func(inspector transport.Inspector) error {
				rows, err := collectChannelStats(cmd, inspector, cfg)
				if err != nil {
					return unavailable(err)
				}
				if asJSON {
					return writeJSON(cmd, queueStatsView{Backend: cfg.Queue.Backend, Channels: rows})
				}

				out := cmd.OutOrStdout()
				tableRows := make([][]string, 0, len(rows))
				for _, row := range rows {
					ttl := "-"
					if row.TTLSeconds > 0 {
						ttl = (time.Duration(row.TTLSeconds * float64(time.Second))).Round(time.Second).String()
					}
					tableRows = append(tableRows, []string{row.Channel, strconv.FormatInt(row.Depth, 10), ttl})
				}
				fmt.Fprintln(out, renderTable([]column{
					{title: "Channel"},
					{title: "Messages", alignRight: true},
					{title: "Expires In", alignRight: true},
				}, tableRows))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

// collectChannelStats always reports the work channel and the shared result
// channel, even when empty, followed by any dedicated reply channels.
func collectChannelStats(cmd *cobra.Command, inspector transport.Inspector, cfg *config.Config) ([]channelRow, error) {
	byChannel := map[string]channelRow{
		cfg.Queue.WorkChannel:   {Channel: cfg.Queue.WorkChannel},
		cfg.Queue.ResultChannel: {Channel: cfg.Queue.ResultChannel},
	}
	for _, prefix := range []string{cfg.Queue.WorkChannel, cfg.Queue.ResultChannel} {
		stats, err := inspector.Stats(commandCtx(cmd), prefix)
		if err != nil {
			return nil, err
		}
		for _, s := range stats {
			byChannel[s.Channel] = channelRow{Channel: s.Channel, Depth: s.Depth, TTLSeconds: s.TTL.Seconds()}
		}
	}

	rows := make([]channelRow, 0, len(byChannel))
	for _, row := range byChannel {
		rows = append(rows, row)
	}
	slices.SortFunc(rows, func(a, b channelRow) int {
		if d := channelOrder(cfg, a.Channel) - channelOrder(cfg, b.Channel); d != 0 {
			return d
		}
		return strings.Compare(a.Channel, b.Channel)
	})
	return rows, nil
}

func channelOrder(cfg *config.Config, channel string) int {
	switch channel {
	case cfg.Queue.WorkChannel:
		return -2
	case cfg.Queue.ResultChannel:
		return -1
	default:
		return 0
	}
}

func newQueuePurgeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "purge [channel]",
		Short: "Drop every message on a channel (defaults to the work channel)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			channel := cfg.Queue.WorkChannel
			if len(args) == 1 {
				channel = args[0]
			}
			return ctx.withInspector(cmd, func(inspector transport.Inspector) error {
				removed, err := inspector.Purge(commandCtx(cmd), channel)
				if err != nil {
					return unavailable(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d message(s) from %s\n", removed, channel)
				return nil
			})
		},
	}
}

func newQueueHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the configured backend is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			result := preflight.CheckBackend(commandCtx(cmd), cfg)
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderCheck(result, shouldColorize(out)))
			if !result.Passed {
				return unavailable(fmt.Errorf("queue backend unavailable"))
			}
			return nil
		},
	}
}
