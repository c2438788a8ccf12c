package rule

import (
	"fmt"
	"strings"

	"github.com/c360/cepbridge/errors"
)

// aggregateMarkers are the call prefixes that make a projection aggregating.
// Detection is a plain substring test.
var aggregateMarkers = []string{"count(", "avg(", "sum(", "max(", "min("}

// GroupField is the event field aggregating windowed rules are grouped by.
const GroupField = "sensorId"

// HasAggregate reports whether the select expression calls an aggregate function.
func HasAggregate(selectExpr string) bool {
	for _, marker := range aggregateMarkers {
		if strings.Contains(selectExpr, marker) {
			return true
		}
	}
	return false
}

// EscapeLiteral doubles every single quote so s can be embedded in a
// single-quoted query literal.
func EscapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// ScopedCondition returns the WHERE expression for d. When the rule names a
// sensor the condition is pinned to it, so the statement can never match
// another sensor's events.
func ScopedCondition(d Descriptor) string {
	condition := strings.TrimSpace(d.Condition)
	if !d.IsScoped() {
		return "(" + condition + ")"
	}
	return fmt.Sprintf("%s = '%s' AND (%s)", GroupField, EscapeLiteral(d.SensorID), condition)
}

// Compile renders d as query text against eventType.
//
//	window + aggregate: SELECT s FROM T.window(w) WHERE c GROUP BY sensorId
//	window only:        SELECT s FROM T.window(w) WHERE c
//	no window:          SELECT s FROM T WHERE c
//
// A non-empty having clause is appended as HAVING h on every form.
func Compile(d Descriptor, eventType string) (string, error) {
	selectExpr := strings.TrimSpace(d.Select)
	if selectExpr == "" || strings.TrimSpace(d.Condition) == "" {
		return "", errors.Kind(errors.ErrCompile, errors.WrapInvalid(
			fmt.Errorf("select and condition are required"),
			"Compiler", "Compile", fmt.Sprintf("compile rule %q", d.ID)))
	}
	if strings.TrimSpace(eventType) == "" {
		return "", errors.Kind(errors.ErrCompile, errors.WrapInvalid(
			fmt.Errorf("event type is empty"),
			"Compiler", "Compile", fmt.Sprintf("compile rule %q", d.ID)))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(selectExpr)
	b.WriteString(" FROM ")
	b.WriteString(eventType)

	if d.HasWindow() {
		b.WriteString(".window(")
		b.WriteString(strings.TrimSpace(d.Window))
		b.WriteString(")")
	}

	b.WriteString(" WHERE ")
	b.WriteString(ScopedCondition(d))

	if d.HasWindow() && HasAggregate(selectExpr) {
		b.WriteString(" GROUP BY ")
		b.WriteString(GroupField)
	}

	if d.HasHaving() {
		b.WriteString(" HAVING ")
		b.WriteString(strings.TrimSpace(d.Having))
	}

	return b.String(), nil
}
