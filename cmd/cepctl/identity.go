package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/c360/cepbridge/bridge"
	"github.com/c360/cepbridge/config"
	"github.com/c360/cepbridge/identity"
	"github.com/c360/cepbridge/natsclient"
)

// RoleAdmin is the connection role used for identity administration.
const RoleAdmin bridge.Role = "admin"

func identityCmd(g *globals, d *deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Provision and check sensor identities",
	}
	cmd.AddCommand(identityImportCmd(g, d))
	cmd.AddCommand(identityCheckCmd(g, d))
	return cmd
}

// openStore opens the configured identity store, dialling the broker only
// for the kv backend.
func openStore(ctx context.Context, d *deps, cfg *config.Config, logger *slog.Logger) (identity.WritableStore, func(), error) {
	var conn natsclient.Conn
	if cfg.Identity.Backend == config.BackendKV {
		c, err := connect(ctx, d, cfg, logger, RoleAdmin)
		if err != nil {
			return nil, nil, err
		}
		conn = c
	}

	store, closeFn, err := bridge.OpenStore(ctx, cfg.Identity, conn)
	if err != nil {
		if conn != nil {
			_ = conn.Close(ctx)
		}
		return nil, nil, err
	}
	return store, func() {
		closeFn()
		if conn != nil {
			_ = conn.Close(context.Background())
		}
	}, nil
}

func identityImportCmd(g *globals, d *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "import <sensor-id> <wallet-file>",
		Short: "Store a wallet identity record for a sensor",
		Long: `Read an enrollment wallet record and store it in the configured identity
backend under the given sensor id.

Examples:
  cepctl identity import temp1 ./wallet/temp1.id`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sensorID, path := args[0], args[1]
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read wallet record: %w", err)
			}
			rec, err := identity.ParseRecord(data)
			if err != nil {
				return err
			}
			cert, err := identity.ParseCertificate([]byte(rec.Credentials.Certificate))
			if err != nil {
				return err
			}

			cfg, err := d.loadConfig(g.configPath)
			if err != nil {
				return err
			}
			store, closeFn, err := openStore(cmd.Context(), d, cfg, g.logger(cmd))
			if err != nil {
				return err
			}
			defer closeFn()

			if err := store.Put(cmd.Context(), sensorID, rec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s (%s) in %s backend\n",
				sensorID, identity.SubjectDN(cert), cfg.Identity.Backend)
			return nil
		},
	}
}

type checkResult struct {
	SensorID string `json:"sensor_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
	Binding  string `json:"binding_mode"`
}

func identityCheckCmd(g *globals, d *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "check <sensor-id>",
		Short: "Run the identity gate for a sensor id",
		Long: `Run the same registration and certificate binding checks the bridge applies
to every reading, and report the decision. Exits non-zero when rejected.

Examples:
  cepctl identity check temp1 -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.validateOutput(); err != nil {
				return err
			}
			cfg, err := d.loadConfig(g.configPath)
			if err != nil {
				return err
			}
			logger := g.logger(cmd)
			store, closeFn, err := openStore(cmd.Context(), d, cfg, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			gate := identity.NewGate(store,
				identity.WithBindingMode(identity.BindingMode(cfg.Identity.BindingMode)),
				identity.WithLogger(logger))
			decision := gate.Authenticate(cmd.Context(), args[0])

			res := checkResult{SensorID: args[0], Accepted: decision.Accepted, Binding: string(gate.Mode())}
			if !decision.Accepted {
				res.Reason = decision.Reason.String()
			}
			if decision.Err != nil {
				res.Error = decision.Err.Error()
			}

			out := cmd.OutOrStdout()
			if g.output == "json" {
				if err := writeJSON(out, res); err != nil {
					return err
				}
			} else if res.Accepted {
				fmt.Fprintf(out, "%s accepted (%s binding)\n", res.SensorID, res.Binding)
			} else {
				fmt.Fprintf(out, "%s rejected: %s\n", res.SensorID, res.Reason)
			}
			return decision.AsError()
		},
	}
}
