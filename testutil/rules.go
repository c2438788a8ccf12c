package testutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// Rule is the wire shape of one rule in a tenant rule file.
type Rule struct {
	ID        string `json:"id"`
	Select    string `json:"select"`
	Condition string `json:"condition"`
	Window    string `json:"window"`
	Having    string `json:"having"`
	SensorID  string `json:"sensorId,omitempty"`
}

// WriteTenantList writes {"contractIds": [...]} to dir/name.
func WriteTenantList(t testing.TB, dir, name string, ids ...string) string {
	t.Helper()
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(map[string][]string{"contractIds": ids})
	require.NoError(t, err)
	return WriteFile(t, dir, name, data)
}

// WriteRules writes {"rules": [...]} to dir/name.
func WriteRules(t testing.TB, dir, name string, rules ...Rule) string {
	t.Helper()
	if rules == nil {
		rules = []Rule{}
	}
	data, err := json.MarshalIndent(map[string][]Rule{"rules": rules}, "", "  ")
	require.NoError(t, err)
	return WriteFile(t, dir, name, data)
}
