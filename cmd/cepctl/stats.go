package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
	"github.com/spf13/cobra"
)

const scrapeTimeout = 10 * time.Second

// pipelineStats is the counter summary scraped from a running bridge.
type pipelineStats struct {
	Received   float64            `json:"received"`
	Injected   float64            `json:"injected"`
	Rejected   map[string]float64 `json:"rejected"`
	Dropped    map[string]float64 `json:"dropped"`
	Published  float64            `json:"alerts_published"`
	Failed     float64            `json:"alerts_failed"`
	Discarded  float64            `json:"alerts_dropped"`
	Statements float64            `json:"statements_deployed"`
}

func statsCmd(g *globals, d *deps) *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise the pipeline counters of a running bridge",
		Long: `Scrapes the bridge's /metrics endpoint and prints what was received,
rejected by the identity gate, dropped and published as alerts. The address
defaults to metrics.addr from the configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.validateOutput(); err != nil {
				return err
			}
			if url == "" {
				cfg, err := d.loadConfig(g.configPath)
				if err != nil {
					return err
				}
				url = metricsURL(cfg.Metrics.Addr)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), scrapeTimeout)
			defer cancel()
			families, err := scrape(ctx, url)
			if err != nil {
				return fmt.Errorf("scrape %s: %w", url, err)
			}
			st := summarise(families)

			if g.output == "json" {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			printStats(cmd.OutOrStdout(), st)
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Metrics endpoint URL (default from metrics.addr)")
	return cmd
}

func metricsURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr + "/metrics"
}

func scrape(ctx context.Context, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil && len(families) == 0 {
		return nil, fmt.Errorf("parse exposition: %w", err)
	}
	return families, nil
}

func summarise(families map[string]*dto.MetricFamily) pipelineStats {
	return pipelineStats{
		Received:   sum(families["cepbridge_messages_received_total"]),
		Injected:   sum(families["cepbridge_engine_events_injected_total"]),
		Rejected:   byLabel(families["cepbridge_messages_rejected_total"], "reason"),
		Dropped:    byLabel(families["cepbridge_messages_dropped_total"], "reason"),
		Published:  sum(families["cepbridge_alerts_published_total"]),
		Failed:     sum(families["cepbridge_alerts_failed_total"]),
		Discarded:  sum(families["cepbridge_alerts_dropped_total"]),
		Statements: sum(families["cepbridge_tenants_statements_deployed"]),
	}
}

func value(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	}
	return 0
}

func sum(mf *dto.MetricFamily) float64 {
	var total float64
	for _, m := range mf.GetMetric() {
		total += value(m)
	}
	return total
}

func byLabel(mf *dto.MetricFamily, label string) map[string]float64 {
	out := make(map[string]float64)
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label {
				out[lp.GetValue()] += value(m)
			}
		}
	}
	return out
}

func printStats(w io.Writer, st pipelineStats) {
	fmt.Fprintf(w, "received            %.0f\n", st.Received)
	fmt.Fprintf(w, "injected            %.0f\n", st.Injected)
	printBreakdown(w, "rejected", st.Rejected)
	printBreakdown(w, "dropped", st.Dropped)
	fmt.Fprintf(w, "alerts published    %.0f\n", st.Published)
	fmt.Fprintf(w, "alerts failed       %.0f\n", st.Failed)
	fmt.Fprintf(w, "alerts dropped      %.0f\n", st.Discarded)
	fmt.Fprintf(w, "statements deployed %.0f\n", st.Statements)
}

func printBreakdown(w io.Writer, name string, counts map[string]float64) {
	var total float64
	reasons := make([]string, 0, len(counts))
	for r, n := range counts {
		reasons = append(reasons, r)
		total += n
	}
	sort.Strings(reasons)
	fmt.Fprintf(w, "%-19s %.0f\n", name, total)
	for _, r := range reasons {
		fmt.Fprintf(w, "  %-17s %.0f\n", r, counts[r])
	}
}
