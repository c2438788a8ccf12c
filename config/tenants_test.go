package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cepbridge/errors"
)

func TestLoadInstances(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "instances.json", `{"contractIds": ["tenantA", " tenantB ", "", "tenantA"]}`)

	ids, err := LoadInstances(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenantA", "tenantB"}, ids)
}

func TestLoadInstances_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadInstances(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, errors.ErrConfig)

	path := writeFile(t, dir, "broken.json", `{"contractIds": [`)
	_, err = LoadInstances(path)
	assert.ErrorIs(t, err, errors.ErrConfig)
}

func TestTenantIDs_PrefersInline(t *testing.T) {
	cfg := TenantsConfig{IDs: []string{"t1", "t1", "t2"}, InstancesFile: "/does/not/exist.json"}

	ids, err := cfg.TenantIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, ids)
}

func TestRulesPath(t *testing.T) {
	cfg := TenantsConfig{RulesDir: "/etc/cepbridge/rules", RulesPattern: "rules{id}.json"}

	path, err := cfg.RulesPath("tenantA")
	require.NoError(t, err)
	assert.Equal(t, "/etc/cepbridge/rules/rulestenantA.json", path)

	for _, bad := range []string{"", "..", "../etc", "a/b", `a\b`, "x\x00"} {
		_, err := cfg.RulesPath(bad)
		assert.ErrorIs(t, err, errors.ErrConfig, "id %q", bad)
	}
}
