package rule

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cepbridge/errors"
)

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rulestenantA.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
	"rules": [
		{"id": "hot", "select": "sensorId, value", "condition": "value > 30", "window": "5 events", "having": "", "sensorId": "temp1"},
		{"id": "avg", "select": "sensorId, avg(value) AS a", "condition": "value > 0", "window": "10 sec", "having": "a > 20", "sensorId": "temp2"}
	]
}`), 0o600))

	rules, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, Descriptor{ID: "hot", Select: "sensorId, value", Condition: "value > 30", Window: "5 events", SensorID: "temp1"}, rules[0])
	assert.Equal(t, "a > 20", rules[1].Having)
}

func TestLoadFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: cold
    select: sensorId, value
    condition: value < -5
    sensorId: freezer
`), 0o600))

	rules, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "freezer", rules[0].SensorID)
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"rules": []}`), 0o600))
	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`{"rules": [`), 0o600))

	for _, path := range []string{filepath.Join(dir, "missing.json"), empty, broken} {
		_, err := LoadFile(path)
		require.Error(t, err, path)
		assert.ErrorIs(t, err, errors.ErrConfig)
	}
}
