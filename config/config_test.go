package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cepbridge/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sensor_data", cfg.Broker.Queue)
	assert.Equal(t, "alerts", cfg.Broker.Exchange)
	assert.Equal(t, BackendFile, cfg.Identity.Backend)
	assert.Equal(t, BindingSubstring, cfg.Identity.BindingMode)
	assert.Equal(t, "rules{id}.json", cfg.Tenants.RulesPattern)
	assert.Equal(t, AlertModePooled, cfg.Alerts.Mode)
	assert.Equal(t, OverflowBlock, cfg.Pipeline.Overflow)
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bridge.yaml", `
broker:
  urls: ["tls://broker.example.com:4222"]
  connect_timeout: 3s
  tls:
    enabled: true
    ca_file: /etc/cepbridge/ca.pem
    keystore_file: /etc/cepbridge/client.p12
    keystore_password: changeit
identity:
  backend: file
  wallet_dir: /var/lib/cepbridge/wallet
  binding_mode: strict
pipeline:
  workers: 8
  overflow: nak
alerts:
  mode: per_alert
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"tls://broker.example.com:4222"}, cfg.Broker.URLs)
	assert.Equal(t, 3*time.Second, cfg.Broker.ConnectTimeout.Std())
	assert.True(t, cfg.Broker.TLS.Enabled)
	assert.Equal(t, "changeit", cfg.Broker.TLS.KeystorePassword)
	assert.Equal(t, BindingStrict, cfg.Identity.BindingMode)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, OverflowNak, cfg.Pipeline.Overflow)
	assert.Equal(t, AlertModePerAlert, cfg.Alerts.Mode)

	// Untouched sections keep their defaults
	assert.Equal(t, "sensor_data", cfg.Broker.Queue)
	assert.Equal(t, 1024, cfg.Pipeline.QueueSize)
}

func TestLoad_JSONWithTabs(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bridge.json", "{\n\t\"broker\": {\n\t\t\"queue\": \"readings\",\n\t\t\"reconnect_wait\": \"500ms\"\n\t}\n}")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "readings", cfg.Broker.Queue)
	assert.Equal(t, 500*time.Millisecond, cfg.Broker.ReconnectWait.Std())
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "absent.yaml")},
		{"wrong extension", writeFile(t, dir, "bridge.toml", "x = 1")},
		{"parent reference", dir + "/../bridge.yaml"},
		{"malformed", writeFile(t, dir, "bad.json", `{"broker": `)},
		{"invalid values", writeFile(t, dir, "invalid.yaml", "alerts:\n  mode: carrier_pigeon\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.path)
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.ErrorIs(t, err, errors.ErrConfig)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CEPBRIDGE_BROKER_URLS", "tls://a:4222, tls://b:4222")
	t.Setenv("CEPBRIDGE_WALLET_DIR", "/srv/wallet")
	t.Setenv("CEPBRIDGE_PIPELINE_WORKERS", "2")
	t.Setenv("CEPBRIDGE_BINDING_MODE", "strict")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"tls://a:4222", "tls://b:4222"}, cfg.Broker.URLs)
	assert.Equal(t, "tls://a:4222,tls://b:4222", cfg.Broker.URL())
	assert.Equal(t, "/srv/wallet", cfg.Identity.WalletDir)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.Equal(t, BindingStrict, cfg.Identity.BindingMode)
}

func TestLoad_EnvOverrideBadInt(t *testing.T) {
	t.Setenv("CEPBRIDGE_PIPELINE_WORKERS", "many")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CEPBRIDGE_PIPELINE_WORKERS")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"no broker urls", func(c *Config) { c.Broker.URLs = nil }, "broker.urls"},
		{"tls without ca", func(c *Config) {
			c.Broker.TLS.Enabled = true
			c.Broker.TLS.CertFile, c.Broker.TLS.KeyFile = "c.pem", "k.pem"
		}, "ca_file"},
		{"tls without identity", func(c *Config) {
			c.Broker.TLS.Enabled = true
			c.Broker.TLS.CAFile = "ca.pem"
		}, "keystore_file"},
		{"bad tls version", func(c *Config) {
			c.Broker.TLS.Enabled = true
			c.Broker.TLS.CAFile = "ca.pem"
			c.Broker.TLS.KeystoreFile = "id.p12"
			c.Broker.TLS.MinVersion = "1.0"
		}, "min_version"},
		{"unknown backend", func(c *Config) { c.Identity.Backend = "ldap" }, "identity.backend"},
		{"postgres without dsn", func(c *Config) { c.Identity.Backend = BackendPostgres }, "postgres_dsn"},
		{"postgres bad table", func(c *Config) {
			c.Identity.Backend = BackendPostgres
			c.Identity.PostgresDSN = "postgres://localhost/db"
			c.Identity.PostgresTable = "ids; drop table x"
		}, "postgres_table"},
		{"cache on file", func(c *Config) { c.Identity.CacheTTL = Duration(time.Minute) }, "identity.cache_ttl"},
		{"negative cache", func(c *Config) {
			c.Identity.Backend = BackendKV
			c.Identity.CacheTTL = Duration(-time.Second)
		}, "identity.cache_ttl"},
		{"watch on kv", func(c *Config) {
			c.Identity.Backend = BackendKV
			c.Identity.Watch = true
		}, "identity.watch"},
		{"unknown binding", func(c *Config) { c.Identity.BindingMode = "fuzzy" }, "binding_mode"},
		{"pattern without placeholder", func(c *Config) { c.Tenants.RulesPattern = "rules.json" }, "rules_pattern"},
		{"no workers", func(c *Config) { c.Pipeline.Workers = 0 }, "pipeline.workers"},
		{"unknown overflow", func(c *Config) { c.Pipeline.Overflow = "spill" }, "pipeline.overflow"},
		{"pooled without queue", func(c *Config) { c.Alerts.QueueSize = 0 }, "alerts.queue_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrConfig)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDecode(t *testing.T) {
	var v struct {
		Name string `json:"name" yaml:"name"`
	}

	require.NoError(t, Decode([]byte(`  {"name": "json"}`), &v))
	assert.Equal(t, "json", v.Name)

	require.NoError(t, Decode([]byte("name: yaml\n"), &v))
	assert.Equal(t, "yaml", v.Name)

	assert.Error(t, Decode([]byte("   \n"), &v))
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": "}}}", "b": [1, {"c": "\"["}]}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": [}`)))
	assert.Error(t, validateJSONDepth([]byte(`]`)))

	deep := make([]byte, 0, 2*(maxJSONDepth+1))
	for i := 0; i <= maxJSONDepth; i++ {
		deep = append(deep, '[')
	}
	for i := 0; i <= maxJSONDepth; i++ {
		deep = append(deep, ']')
	}
	assert.Error(t, validateJSONDepth(deep))
}

func TestReadDocument(t *testing.T) {
	dir := t.TempDir()

	data, err := ReadDocument(writeFile(t, dir, "rules.yml", "rules: []\n"))
	require.NoError(t, err)
	assert.Equal(t, "rules: []\n", string(data))

	data, err = ReadDocument(writeFile(t, dir, "empty.json", ""))
	require.NoError(t, err)
	assert.Empty(t, data)

	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.json"), 0o755))
	big := make([]byte, MaxDocumentSize+1)
	for name, path := range map[string]string{
		"no path":        "",
		"extension":      writeFile(t, dir, "rules.txt", "{}"),
		"directory":      filepath.Join(dir, "sub.json"),
		"missing":        filepath.Join(dir, "nope.json"),
		"over the limit": writeFile(t, dir, "big.json", string(big)),
	} {
		_, err := ReadDocument(path)
		assert.Error(t, err, name)
	}
}
