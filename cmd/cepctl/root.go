package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/c360/cepbridge/bridge"
	"github.com/c360/cepbridge/config"
	"github.com/c360/cepbridge/natsclient"
)

// deps are the external collaborators of every command, replaced in tests.
type deps struct {
	loadConfig func(path string) (*config.Config, error)
	dialer     func(cfg *config.Config, logger *slog.Logger) bridge.Dialer
}

func defaultDeps() *deps {
	return &deps{
		loadConfig: config.Load,
		dialer: func(cfg *config.Config, logger *slog.Logger) bridge.Dialer {
			return bridge.NATSDialer(cfg, logger, nil)
		},
	}
}

// globals are the persistent flags.
type globals struct {
	configPath string
	output     string
	verbose    bool
}

func newRootCmd(d *deps) *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:   "cepctl",
		Short: "Operate the cepbridge alerting bridge",
		Long: `cepctl works against the same configuration file as the cepbridge daemon.

It can dry-run the tenant rule deployment, publish test readings over the
broker's mutual-TLS connection, follow the alert exchange and provision
sensor identities in the configured identity store.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c",
		envOr("CEPBRIDGE_CONFIG", "cepbridge.yaml"), "Path to configuration file (env: CEPBRIDGE_CONFIG)")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", "text", "Output format: text, json")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Log progress to stderr")

	root.AddCommand(compileCmd(g, d))
	root.AddCommand(publishCmd(g, d))
	root.AddCommand(subscribeCmd(g, d))
	root.AddCommand(identityCmd(g, d))
	root.AddCommand(statsCmd(g, d))
	return root
}

func (g *globals) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func (g *globals) validateOutput() error {
	if g.output != "text" && g.output != "json" {
		return fmt.Errorf("invalid output format %q: use text or json", g.output)
	}
	return nil
}

// connect dials and connects one broker connection for role.
func connect(ctx context.Context, d *deps, cfg *config.Config, logger *slog.Logger, role bridge.Role) (natsclient.Conn, error) {
	conn, err := d.dialer(cfg, logger)(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker.URL(), err)
	}
	return conn, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
