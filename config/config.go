// Package config loads and validates the bridge configuration.
//
// Configuration is read from a single YAML or JSON file, filled in with
// defaults for anything omitted, then overridden by CEPBRIDGE_* environment
// variables. Tenant lists and rule files are separate documents referenced
// from the [TenantsConfig] section.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/cepbridge/errors"
	"github.com/c360/cepbridge/pkg/security"
)

// Identity backends
const (
	BackendFile     = "file"
	BackendKV       = "kv"
	BackendPostgres = "postgres"
)

// Binding modes
const (
	BindingSubstring = "substring"
	BindingStrict    = "strict"
)

// Overflow policies for the ingest queue
const (
	OverflowBlock = "block"
	OverflowDrop  = "drop"
	OverflowNak   = "nak"
)

// Alert publishing modes
const (
	AlertModePooled   = "pooled"
	AlertModePerAlert = "per_alert"
)

// Config is the complete bridge configuration.
type Config struct {
	Broker   BrokerConfig   `json:"broker" yaml:"broker"`
	Identity IdentityConfig `json:"identity" yaml:"identity"`
	Tenants  TenantsConfig  `json:"tenants" yaml:"tenants"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Alerts   AlertsConfig   `json:"alerts" yaml:"alerts"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

// BrokerConfig holds NATS connection settings and the names of the inbound
// queue and the outbound alert exchange.
type BrokerConfig struct {
	URLs     []string `json:"urls" yaml:"urls"`
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	Queue    string   `json:"queue" yaml:"queue"`
	Exchange string   `json:"exchange" yaml:"exchange"`
	Durable  string   `json:"durable" yaml:"durable"`

	TLS security.ClientTLSConfig `json:"tls" yaml:"tls"`

	ConnectTimeout  Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	ConnectAttempts int      `json:"connect_attempts,omitempty" yaml:"connect_attempts,omitempty"`
	MaxReconnects   int      `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait   Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
}

// URL returns the broker URLs joined the way nats.Connect accepts them.
func (b BrokerConfig) URL() string {
	return strings.Join(b.URLs, ",")
}

// IdentityConfig selects and configures the sensor identity store.
type IdentityConfig struct {
	Backend     string `json:"backend" yaml:"backend"`
	BindingMode string `json:"binding_mode" yaml:"binding_mode"`

	WalletDir string `json:"wallet_dir,omitempty" yaml:"wallet_dir,omitempty"`
	Watch     bool   `json:"watch,omitempty" yaml:"watch,omitempty"`

	KVBucket string `json:"kv_bucket,omitempty" yaml:"kv_bucket,omitempty"`

	PostgresDSN   string `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
	PostgresTable string `json:"postgres_table,omitempty" yaml:"postgres_table,omitempty"`

	// CacheTTL caches kv and postgres lookups for this long. Zero disables it.
	CacheTTL Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
}

// TenantsConfig locates the tenant list and the per-tenant rule files.
type TenantsConfig struct {
	// IDs lists tenants inline. When empty, InstancesFile is read instead.
	IDs           []string `json:"ids,omitempty" yaml:"ids,omitempty"`
	InstancesFile string   `json:"instances_file" yaml:"instances_file"`
	RulesDir      string   `json:"rules_dir,omitempty" yaml:"rules_dir,omitempty"`
	RulesPattern  string   `json:"rules_pattern" yaml:"rules_pattern"` // {id} is replaced by the tenant id
	EventType     string   `json:"event_type" yaml:"event_type"`
}

// PipelineConfig sizes the work queue between the consumer and the gate.
type PipelineConfig struct {
	Workers   int    `json:"workers" yaml:"workers"`
	QueueSize int    `json:"queue_size" yaml:"queue_size"`
	Overflow  string `json:"overflow" yaml:"overflow"`
}

// AlertsConfig controls how alerts reach the exchange.
type AlertsConfig struct {
	Mode           string   `json:"mode" yaml:"mode"`
	QueueSize      int      `json:"queue_size" yaml:"queue_size"`
	PublishTimeout Duration `json:"publish_timeout" yaml:"publish_timeout"`
}

// MetricsConfig controls the ops HTTP server.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			URLs:            []string{"tls://localhost:4222"},
			Name:            "cepbridge",
			Queue:           "sensor_data",
			Exchange:        "alerts",
			Durable:         "cepbridge",
			ConnectTimeout:  Duration(5 * time.Second),
			ConnectAttempts: 5,
			MaxReconnects:   -1,
			ReconnectWait:   Duration(2 * time.Second),
		},
		Identity: IdentityConfig{
			Backend:       BackendFile,
			BindingMode:   BindingSubstring,
			WalletDir:     "wallet",
			KVBucket:      "sensor_identities",
			PostgresTable: "sensor_identities",
		},
		Tenants: TenantsConfig{
			InstancesFile: "instances.json",
			RulesPattern:  "rules{id}.json",
			EventType:     "SensorEvent",
		},
		Pipeline: PipelineConfig{
			Workers:   4,
			QueueSize: 1024,
			Overflow:  OverflowBlock,
		},
		Alerts: AlertsConfig{
			Mode:           AlertModePooled,
			QueueSize:      256,
			PublishTimeout: Duration(5 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := readConfigFile(path)
		if err != nil {
			return nil, errors.Kind(errors.ErrConfig, errors.WrapInvalid(err, "Config", "Load", "read config"))
		}
		if err := Decode(data, cfg); err != nil {
			return nil, errors.Kind(errors.ErrConfig, errors.WrapInvalid(err, "Config", "Load", "parse config"))
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, errors.Kind(errors.ErrConfig, errors.WrapInvalid(err, "Config", "Load", "apply environment"))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode unmarshals a JSON or YAML document into v. Input whose first
// non-blank byte opens a JSON object or array is decoded as JSON.
func Decode(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty document")
	}

	if trimmed[0] == '{' || trimmed[0] == '[' {
		if err := validateJSONDepth(trimmed); err != nil {
			return err
		}
		return json.Unmarshal(trimmed, v)
	}
	return yaml.Unmarshal(trimmed, v)
}

// Validate checks the configuration for values the bridge cannot run with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(c.Broker.URLs) == 0 {
		add("broker.urls is required")
	}
	if c.Broker.Queue == "" {
		add("broker.queue is required")
	}
	if c.Broker.Exchange == "" {
		add("broker.exchange is required")
	}
	if c.Broker.Durable == "" {
		add("broker.durable is required")
	}
	if c.Broker.TLS.Enabled {
		if c.Broker.TLS.CAFile == "" {
			add("broker.tls.ca_file is required when TLS is enabled")
		}
		if !c.Broker.TLS.HasIdentity() {
			add("broker.tls needs keystore_file or cert_file and key_file")
		}
		if v := c.Broker.TLS.MinVersion; v != "" && v != "1.2" && v != "1.3" {
			add("broker.tls.min_version %q must be \"1.2\" or \"1.3\"", v)
		}
	}

	switch c.Identity.Backend {
	case BackendFile:
		if c.Identity.WalletDir == "" {
			add("identity.wallet_dir is required for the file backend")
		}
	case BackendKV:
		if c.Identity.KVBucket == "" {
			add("identity.kv_bucket is required for the kv backend")
		}
	case BackendPostgres:
		if c.Identity.PostgresDSN == "" {
			add("identity.postgres_dsn is required for the postgres backend")
		}
		if !isSQLIdentifier(c.Identity.PostgresTable) {
			add("identity.postgres_table %q is not a valid table name", c.Identity.PostgresTable)
		}
	default:
		add("identity.backend %q is not one of file, kv, postgres", c.Identity.Backend)
	}
	if c.Identity.CacheTTL < 0 {
		add("identity.cache_ttl must not be negative")
	}
	if c.Identity.CacheTTL > 0 && c.Identity.Backend == BackendFile {
		add("identity.cache_ttl is not supported for the file backend, use identity.watch")
	}
	if c.Identity.Watch && c.Identity.Backend != BackendFile {
		add("identity.watch is only supported for the file backend")
	}

	switch c.Identity.BindingMode {
	case BindingSubstring, BindingStrict:
	default:
		add("identity.binding_mode %q is not one of substring, strict", c.Identity.BindingMode)
	}

	if len(c.Tenants.IDs) == 0 && c.Tenants.InstancesFile == "" {
		add("tenants.ids or tenants.instances_file is required")
	}
	if !strings.Contains(c.Tenants.RulesPattern, idPlaceholder) {
		add("tenants.rules_pattern %q must contain %s", c.Tenants.RulesPattern, idPlaceholder)
	}
	if c.Tenants.EventType == "" {
		add("tenants.event_type is required")
	}

	if c.Pipeline.Workers <= 0 {
		add("pipeline.workers must be positive")
	}
	if c.Pipeline.QueueSize <= 0 {
		add("pipeline.queue_size must be positive")
	}
	switch c.Pipeline.Overflow {
	case OverflowBlock, OverflowDrop, OverflowNak:
	default:
		add("pipeline.overflow %q is not one of block, drop, nak", c.Pipeline.Overflow)
	}

	switch c.Alerts.Mode {
	case AlertModePooled, AlertModePerAlert:
	default:
		add("alerts.mode %q is not one of pooled, per_alert", c.Alerts.Mode)
	}
	if c.Alerts.Mode == AlertModePooled && c.Alerts.QueueSize <= 0 {
		add("alerts.queue_size must be positive in pooled mode")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		add("metrics.addr is required when metrics are enabled")
	}

	if len(problems) > 0 {
		return errors.Kind(errors.ErrConfig, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Config", "Validate", "validate configuration"))
	}
	return nil
}

func isSQLIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// Duration is a time.Duration that reads from strings such as "5s" in both
// JSON and YAML documents.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String formats the duration.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler. Bare numbers are nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string or integer: %s", b)
		}
		*d = Duration(n)
		return nil
	}
	return d.parse(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
