package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/c360/cepbridge/bridge"
	"github.com/c360/cepbridge/natsclient"
	"github.com/c360/cepbridge/router"
)

// RoleSensor is the connection role of a publishing sensor.
const RoleSensor bridge.Role = "sensor"

type publishOptions struct {
	sensorID  string
	value     float64
	timestamp string
	count     int
	interval  time.Duration
}

type wireReading struct {
	SensorID  string  `json:"sensorId"`
	Value     float64 `json:"value"`
	Timestamp string  `json:"timestamp"`
}

func publishCmd(g *globals, d *deps) *cobra.Command {
	opts := &publishOptions{}
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish sensor readings to the bridge queue",
		Long: `Publish readings the way a provisioned sensor does: over the broker's
mutual-TLS connection, authenticated only by the configured client
certificate. The queue is declared first, so publishing works before the
bridge has started.

Examples:
  # One reading
  cepctl publish --sensor temp1 --value 35

  # Ten readings, one per second
  cepctl publish --sensor temp1 --value 31 --count 10 --interval 1s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			cfg, err := d.loadConfig(g.configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			conn, err := connect(ctx, d, cfg, g.logger(cmd), RoleSensor)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close(ctx) }()

			if client, ok := conn.(*natsclient.Client); ok {
				if _, err := client.DeclareQueue(ctx, cfg.Broker.Queue, cfg.Broker.Durable); err != nil {
					return err
				}
			}

			pace := rate.NewLimiter(rate.Inf, 1)
			if opts.interval > 0 {
				pace = rate.NewLimiter(rate.Every(opts.interval), 1)
			}
			for i := 0; i < opts.count; i++ {
				if err := pace.Wait(ctx); err != nil {
					return err
				}
				ts := opts.timestamp
				if ts == "" {
					ts = time.Now().UTC().Format(time.RFC3339)
				}
				r := wireReading{SensorID: opts.sensorID, Value: opts.value, Timestamp: ts}
				data, err := json.Marshal(r)
				if err != nil {
					return err
				}
				// Validate exactly as the bridge will.
				if _, err := router.ParseReading(data); err != nil {
					return err
				}
				if err := conn.Publish(ctx, cfg.Broker.Queue, data, uuid.NewString()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", data)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.sensorID, "sensor", "", "Sensor id claimed by the reading (required)")
	cmd.Flags().Float64Var(&opts.value, "value", 0, "Reading value")
	cmd.Flags().StringVar(&opts.timestamp, "timestamp", "", "Reading timestamp (default: now, RFC 3339)")
	cmd.Flags().IntVar(&opts.count, "count", 1, "Number of readings to publish")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "Pause between readings")
	_ = cmd.MarkFlagRequired("sensor")
	return cmd
}
