package rule

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cepbridge/errors"
)

const eventType = "SensorEvent"

func TestCompile_DecisionTable(t *testing.T) {
	tests := []struct {
		name string
		rule Descriptor
		want string
	}{
		{
			name: "window with aggregate groups by sensor",
			rule: Descriptor{ID: "r1", Select: "sensorId, avg(value) AS avgValue", Condition: "value > 0",
				Window: "10 sec", SensorID: "temp1"},
			want: "SELECT sensorId, avg(value) AS avgValue FROM SensorEvent.window(10 sec) " +
				"WHERE sensorId = 'temp1' AND (value > 0) GROUP BY sensorId",
		},
		{
			name: "window without aggregate",
			rule: Descriptor{ID: "r2", Select: "sensorId, value", Condition: "value > 30",
				Window: "5 events", SensorID: "temp1"},
			want: "SELECT sensorId, value FROM SensorEvent.window(5 events) WHERE sensorId = 'temp1' AND (value > 30)",
		},
		{
			name: "no window",
			rule: Descriptor{ID: "r3", Select: "*", Condition: "value < 0", SensorID: "temp2"},
			want: "SELECT * FROM SensorEvent WHERE sensorId = 'temp2' AND (value < 0)",
		},
		{
			name: "aggregate without window is not grouped",
			rule: Descriptor{ID: "r4", Select: "count(*)", Condition: "value > 1", SensorID: "s"},
			want: "SELECT count(*) FROM SensorEvent WHERE sensorId = 's' AND (value > 1)",
		},
		{
			name: "having appended on grouped branch",
			rule: Descriptor{ID: "r5", Select: "sensorId, max(value) AS peak", Condition: "value > 0",
				Window: "1 min", Having: " peak > 50 ", SensorID: "s"},
			want: "SELECT sensorId, max(value) AS peak FROM SensorEvent.window(1 min) " +
				"WHERE sensorId = 's' AND (value > 0) GROUP BY sensorId HAVING peak > 50",
		},
		{
			name: "having appended without window",
			rule: Descriptor{ID: "r6", Select: "sensorId, value", Condition: "value > 0", Having: "value > 5", SensorID: "s"},
			want: "SELECT sensorId, value FROM SensorEvent WHERE sensorId = 's' AND (value > 0) HAVING value > 5",
		},
		{
			name: "unscoped rule keeps parenthesised condition",
			rule: Descriptor{ID: "r7", Select: "sensorId, value", Condition: "value > 100"},
			want: "SELECT sensorId, value FROM SensorEvent WHERE (value > 100)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compile(tt.rule, eventType)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompile_EscapesSensorID(t *testing.T) {
	ids := []string{"o'brien", "'", "a''b", "x' OR '1'='1"}

	for _, id := range ids {
		got, err := Compile(Descriptor{ID: "r", Select: "sensorId", Condition: "value > 1", SensorID: id}, eventType)
		require.NoError(t, err)

		assert.Contains(t, got, "sensorId = '"+EscapeLiteral(id)+"'")

		// Between the opening and closing quote every quote must be doubled.
		start := strings.Index(got, "'") + 1
		end := strings.Index(got, "' AND (")
		require.Greater(t, end, start)
		literal := got[start:end]
		assert.Equal(t, id, strings.ReplaceAll(literal, "''", "'"))
		assert.NotContains(t, strings.ReplaceAll(literal, "''", ""), "'")
	}
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name      string
		rule      Descriptor
		eventType string
	}{
		{"empty select", Descriptor{ID: "r", Condition: "value > 1"}, eventType},
		{"blank condition", Descriptor{ID: "r", Select: "*", Condition: "   "}, eventType},
		{"empty event type", Descriptor{ID: "r", Select: "*", Condition: "value > 1"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.rule, tt.eventType)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrCompile)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestHasAggregate(t *testing.T) {
	assert.True(t, HasAggregate("count(*)"))
	assert.True(t, HasAggregate("sensorId, avg(value)"))
	assert.True(t, HasAggregate("sum(value), min(value), max(value)"))
	assert.False(t, HasAggregate("sensorId, value"))
	assert.False(t, HasAggregate("average")) // no call
}

func TestDescriptor_Validate(t *testing.T) {
	assert.NoError(t, Descriptor{ID: "r", Select: "*", Condition: "value > 1"}.Validate())

	err := Descriptor{Select: "*"}.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConfig)
	assert.Contains(t, err.Error(), "id")
	assert.Contains(t, err.Error(), "condition")
}
