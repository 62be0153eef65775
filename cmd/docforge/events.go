package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"

	"docforge/pkg/events"
	pktNats "docforge/pkg/nats"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newEventsCmd() *cobra.Command {
	var durable string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail generation lifecycle events from NATS",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Events.NatsURL == "" {
				return fmt.Errorf("NATS_URL is not set")
			}

			sub, err := pktNats.NewSubscriber(cfg.Events.NatsURL)
			if err != nil {
				return err
			}
			defer sub.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			out := cmd.OutOrStdout()
			return sub.Subscribe(ctx, pktNats.SubjectPrefix+".>", durable, func(_ context.Context, e events.Event) error {
				printEvent(out, e)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&durable, "durable", "", "durable consumer name (empty for ephemeral)")
	return cmd
}

var eventColors = map[string]*color.Color{
	events.TypeGenerationStarted:   color.New(color.FgCyan),
	events.TypeGenerationCompleted: color.New(color.FgGreen),
	events.TypeArtifactReady:       color.New(color.FgGreen, color.Bold),
	events.TypeSessionReset:        color.New(color.FgYellow),
}

func printEvent(out io.Writer, e events.Event) {
	c, ok := eventColors[e.EventType()]
	if !ok {
		c = color.New(color.Reset)
	}

	payload := e.Payload()
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]string, len(keys))
	for i, k := range keys {
		fields[i] = fmt.Sprintf("%s=%v", k, payload[k])
	}
	fmt.Fprintf(out, "%s %s %s\n", e.Timestamp().Format("15:04:05"), c.Sprint(e.EventType()), strings.Join(fields, " "))
}
