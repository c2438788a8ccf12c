package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/cepbridge/bridge"
)

// RoleSubscriber is the connection role of an alert subscriber.
const RoleSubscriber bridge.Role = "subscriber"

type receivedAlert struct {
	ReceivedAt time.Time `json:"received_at"`
	Payload    string    `json:"payload"`
}

func subscribeCmd(g *globals, d *deps) *cobra.Command {
	var (
		count   int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Print alerts published on the alert exchange",
		Long: `Bind to the alert exchange and print every alert as it arrives. Every
subscriber sees every alert. Runs until interrupted, until --count alerts
were printed or until --timeout elapses.

Examples:
  # Follow alerts
  cepctl subscribe

  # Wait up to 30s for the first alert, as JSON
  cepctl subscribe --count 1 --timeout 30s -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.validateOutput(); err != nil {
				return err
			}
			cfg, err := d.loadConfig(g.configPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if timeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			conn, err := connect(ctx, d, cfg, g.logger(cmd), RoleSubscriber)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close(context.Background()) }()

			if err := conn.DeclareExchange(ctx, cfg.Broker.Exchange); err != nil {
				return err
			}

			var (
				mu   sync.Mutex
				seen int
			)
			out := cmd.OutOrStdout()
			err = conn.Subscribe(ctx, cfg.Broker.Exchange, func(_ context.Context, data []byte) {
				mu.Lock()
				defer mu.Unlock()
				if count > 0 && seen >= count {
					return
				}
				seen++
				if g.output == "json" {
					_ = writeJSON(out, receivedAlert{ReceivedAt: time.Now().UTC(), Payload: string(data)})
				} else {
					fmt.Fprintln(out, string(data))
				}
				if count > 0 && seen >= count {
					cancel()
				}
			})
			if err != nil {
				return err
			}

			<-ctx.Done()
			mu.Lock()
			defer mu.Unlock()
			if count > 0 && seen < count && timeout > 0 {
				return fmt.Errorf("received %d of %d alerts before timeout", seen, count)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 0, "Exit after this many alerts (0: no limit)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Exit after this long (0: no limit)")
	return cmd
}
