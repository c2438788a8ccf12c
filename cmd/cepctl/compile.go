package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360/cepbridge/alert"
	"github.com/c360/cepbridge/cep"
	"github.com/c360/cepbridge/router"
	"github.com/c360/cepbridge/tenant"
)

// discard satisfies tenant.ListenerFactory for dry runs.
type discard struct{}

func (discard) Listener(alert.MatchContext) cep.Listener {
	return func(_, _ []cep.Row) {}
}

type compiledRule struct {
	ID        string `json:"id"`
	Statement int    `json:"statement"`
	Query     string `json:"query"`
}

type compiledTenant struct {
	ID    string         `json:"id"`
	Rules []compiledRule `json:"rules"`
}

type compileReport struct {
	Tenants []compiledTenant `json:"tenants"`
	Skipped []string         `json:"skipped"`
}

func compileCmd(g *globals, d *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "compile",
		Short: "Deploy every tenant's rules onto a scratch engine and print the queries",
		Long: `Run the deployment pass the daemon runs at startup, without connecting to
the broker. Rules that fail validation, compilation or deployment are logged
and left out of the report, exactly as the daemon would skip them.

Examples:
  # Show generated queries per tenant
  cepctl compile -c cepbridge.yaml

  # Machine-readable report with skip warnings
  cepctl compile -c cepbridge.yaml -o json -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.validateOutput(); err != nil {
				return err
			}
			cfg, err := d.loadConfig(g.configPath)
			if err != nil {
				return err
			}
			logger := g.logger(cmd)

			engine := cep.NewEngine(cep.WithLogger(logger))
			if _, err := router.New(engine, cfg.Tenants.EventType); err != nil {
				return err
			}
			reg, err := tenant.Deploy(cmd.Context(), engine, cfg.Tenants, discard{}, tenant.WithLogger(logger))
			if err != nil {
				return err
			}

			report := compileReport{Skipped: reg.Skipped()}
			for _, t := range reg.Tenants() {
				ct := compiledTenant{ID: t.InstanceID, Rules: []compiledRule{}}
				for i, stmt := range t.Statements {
					ct.Rules = append(ct.Rules, compiledRule{ID: t.Rules[i].ID, Statement: stmt.ID(), Query: stmt.Text()})
				}
				report.Tenants = append(report.Tenants, ct)
			}

			out := cmd.OutOrStdout()
			if g.output == "json" {
				return writeJSON(out, report)
			}
			for _, t := range report.Tenants {
				fmt.Fprintf(out, "tenant %s (%d rules)\n", t.ID, len(t.Rules))
				for _, r := range t.Rules {
					fmt.Fprintf(out, "  %s: %s\n", r.ID, r.Query)
				}
			}
			for _, id := range report.Skipped {
				fmt.Fprintf(out, "tenant %s skipped\n", id)
			}
			return nil
		},
	}
}
