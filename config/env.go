package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CEPBRIDGE"

type envOverride struct {
	name  string
	apply func(cfg *Config, value string) error
}

func setString(dst func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		*dst(cfg) = value
		return nil
	}
}

func setInt(dst func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*dst(cfg) = n
		return nil
	}
}

func setBool(dst func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*dst(cfg) = b
		return nil
	}
}

var envOverrides = []envOverride{
	{"BROKER_URLS", func(cfg *Config, value string) error {
		var urls []string
		for _, u := range strings.Split(value, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		cfg.Broker.URLs = urls
		return nil
	}},
	{"BROKER_QUEUE", setString(func(c *Config) *string { return &c.Broker.Queue })},
	{"BROKER_EXCHANGE", setString(func(c *Config) *string { return &c.Broker.Exchange })},
	{"TLS_ENABLED", setBool(func(c *Config) *bool { return &c.Broker.TLS.Enabled })},
	{"TLS_CA_FILE", setString(func(c *Config) *string { return &c.Broker.TLS.CAFile })},
	{"TLS_KEYSTORE_FILE", setString(func(c *Config) *string { return &c.Broker.TLS.KeystoreFile })},
	{"TLS_KEYSTORE_PASSWORD", setString(func(c *Config) *string { return &c.Broker.TLS.KeystorePassword })},
	{"TLS_CERT_FILE", setString(func(c *Config) *string { return &c.Broker.TLS.CertFile })},
	{"TLS_KEY_FILE", setString(func(c *Config) *string { return &c.Broker.TLS.KeyFile })},
	{"TLS_SERVER_NAME", setString(func(c *Config) *string { return &c.Broker.TLS.ServerName })},
	{"IDENTITY_BACKEND", setString(func(c *Config) *string { return &c.Identity.Backend })},
	{"BINDING_MODE", setString(func(c *Config) *string { return &c.Identity.BindingMode })},
	{"WALLET_DIR", setString(func(c *Config) *string { return &c.Identity.WalletDir })},
	{"POSTGRES_DSN", setString(func(c *Config) *string { return &c.Identity.PostgresDSN })},
	{"INSTANCES_FILE", setString(func(c *Config) *string { return &c.Tenants.InstancesFile })},
	{"RULES_DIR", setString(func(c *Config) *string { return &c.Tenants.RulesDir })},
	{"PIPELINE_WORKERS", setInt(func(c *Config) *int { return &c.Pipeline.Workers })},
	{"PIPELINE_OVERFLOW", setString(func(c *Config) *string { return &c.Pipeline.Overflow })},
	{"ALERT_MODE", setString(func(c *Config) *string { return &c.Alerts.Mode })},
	{"METRICS_ADDR", setString(func(c *Config) *string { return &c.Metrics.Addr })},
}

// applyEnvOverrides applies CEPBRIDGE_* environment variables on top of cfg.
func applyEnvOverrides(cfg *Config) error {
	for _, o := range envOverrides {
		key := EnvPrefix + "_" + o.name
		value, ok := os.LookupEnv(key)
		if !ok || value == "" {
			continue
		}
		if err := validateEnvVar(key, value); err != nil {
			return err
		}
		if err := o.apply(cfg, value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}
