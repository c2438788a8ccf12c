// Package tenant deploys every configured tenant's rules onto the shared
// engine and keeps the resulting statements for the life of the process.
//
// Deployment is a single closed pass run before the consumer starts. A
// tenant whose rule file cannot be read is skipped; a rule that fails
// validation, compilation or deployment is skipped while the rest of its
// tenant carries on. After Deploy returns the Registry is read-only.
package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/c360/cepbridge/alert"
	"github.com/c360/cepbridge/cep"
	"github.com/c360/cepbridge/config"
	"github.com/c360/cepbridge/errors"
	"github.com/c360/cepbridge/metric"
	"github.com/c360/cepbridge/rule"
)

// Skip reasons recorded per rule
const (
	SkipInvalid   = "invalid"
	SkipDuplicate = "duplicate"
	SkipCompile   = "compile"
	SkipDeploy    = "deploy"
)

// Tenant is one deployed contract instance.
type Tenant struct {
	InstanceID string
	Rules      []rule.Descriptor
	Statements []*cep.Statement
}

// Summary is the JSON view of a tenant served on /tenants.
type Summary struct {
	ID         string   `json:"id"`
	Rules      int      `json:"rules"`
	Statements int      `json:"statements"`
	RuleIDs    []string `json:"rule_ids"`
}

// Engine is the deployment side of the evaluation engine.
type Engine interface {
	Deploy(text string) (*cep.Statement, error)
}

// ListenerFactory builds the match callback for a deployed statement.
// *alert.Dispatcher satisfies it.
type ListenerFactory interface {
	Listener(mc alert.MatchContext) cep.Listener
}

// Registry holds the deployed tenants.
type Registry struct {
	order   []string
	tenants map[string]*Tenant
	skipped []string
}

// Option configures Deploy.
type Option func(*deployer)

// WithLogger sets the deployment logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *deployer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records deployed statements and skipped rules.
func WithMetrics(m *metric.Metrics) Option {
	return func(d *deployer) { d.metrics = m }
}

type deployer struct {
	engine   Engine
	cfg      config.TenantsConfig
	listener ListenerFactory
	logger   *slog.Logger
	metrics  *metric.Metrics
}

// Deploy compiles and deploys the rules of every tenant in cfg. Only a
// tenant list that cannot be read, or a cancelled ctx, is an error.
func Deploy(ctx context.Context, engine Engine, cfg config.TenantsConfig, listener ListenerFactory, opts ...Option) (*Registry, error) {
	if engine == nil || listener == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("engine and listener factory are required"),
			"Registry", "Deploy", "validate arguments")
	}

	d := &deployer{engine: engine, cfg: cfg, listener: listener, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "tenant")

	ids, err := cfg.TenantIDs()
	if err != nil {
		return nil, err
	}

	reg := &Registry{tenants: make(map[string]*Tenant, len(ids))}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "Registry", "Deploy", "deploy tenants")
		}

		t, err := d.deployTenant(id)
		if err != nil {
			d.logger.Warn("Skipping tenant", "tenant", id, "error", err)
			reg.skipped = append(reg.skipped, id)
			if d.metrics != nil {
				d.metrics.TenantsSkipped.Inc()
			}
			continue
		}
		reg.order = append(reg.order, id)
		reg.tenants[id] = t
		if d.metrics != nil {
			d.metrics.RecordStatements(id, len(t.Statements))
		}
	}

	d.logger.Info("All tenant rules deployed",
		"tenants", len(reg.order), "skipped", len(reg.skipped), "statements", reg.StatementCount())
	return reg, nil
}

func (d *deployer) deployTenant(id string) (*Tenant, error) {
	path, err := d.cfg.RulesPath(id)
	if err != nil {
		return nil, err
	}
	rules, err := rule.LoadFile(path)
	if err != nil {
		return nil, err
	}

	t := &Tenant{InstanceID: id}
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		log := d.logger.With("tenant", id, "rule", r.ID)

		if err := r.Validate(); err != nil {
			d.skip(log, id, SkipInvalid, err)
			continue
		}
		if _, dup := seen[r.ID]; dup {
			d.skip(log, id, SkipDuplicate, fmt.Errorf("rule id %q repeated", r.ID))
			continue
		}
		seen[r.ID] = struct{}{}

		query, err := rule.Compile(r, d.cfg.EventType)
		if err != nil {
			d.skip(log, id, SkipCompile, err)
			continue
		}
		if !r.IsScoped() {
			log.Warn("Rule has no sensorId and matches every sensor", "query", query)
		}

		stmt, err := d.engine.Deploy(query)
		if err != nil {
			d.skip(log, id, SkipDeploy, err)
			continue
		}
		stmt.AddListener(d.listener.Listener(alert.MatchContext{
			TenantID:    id,
			RuleID:      r.ID,
			Query:       query,
			StatementID: stmt.ID(),
		}))

		log.Info("Rule deployed", "statement", stmt.ID(), "query", query)
		t.Rules = append(t.Rules, r)
		t.Statements = append(t.Statements, stmt)
	}
	return t, nil
}

func (d *deployer) skip(log *slog.Logger, tenantID, reason string, err error) {
	log.Warn("Skipping rule", "reason", reason, "error", err)
	if d.metrics != nil {
		d.metrics.RecordRuleSkipped(tenantID, reason)
	}
}

// Tenants returns the deployed tenants in configuration order.
func (r *Registry) Tenants() []*Tenant {
	out := make([]*Tenant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tenants[id])
	}
	return out
}

// Tenant returns one deployed tenant.
func (r *Registry) Tenant(id string) (*Tenant, bool) {
	t, ok := r.tenants[id]
	return t, ok
}

// Skipped returns the ids of tenants whose rules could not be loaded.
func (r *Registry) Skipped() []string {
	return append([]string(nil), r.skipped...)
}

// StatementCount returns the number of deployed statements over all tenants.
func (r *Registry) StatementCount() int {
	n := 0
	for _, t := range r.tenants {
		n += len(t.Statements)
	}
	return n
}

// Summaries describes the deployed tenants, sorted by id.
func (r *Registry) Summaries() []Summary {
	out := make([]Summary, 0, len(r.tenants))
	for _, t := range r.tenants {
		ids := make([]string, len(t.Rules))
		for i, rd := range t.Rules {
			ids[i] = rd.ID
		}
		out = append(out, Summary{ID: t.InstanceID, Rules: len(t.Rules), Statements: len(t.Statements), RuleIDs: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
