package cep

import (
	"strconv"
	"strings"
)

// Event is one record sent into the engine, keyed by field name.
type Event map[string]any

// EventType names a record shape and the fields statements may reference.
type EventType struct {
	Name   string
	Fields []string
}

func (t *EventType) hasField(name string) bool {
	for _, f := range t.Fields {
		if f == name {
			return true
		}
	}
	return false
}

// Row is one output record of a statement, with columns in select order.
type Row struct {
	names  []string
	values []any
}

// NewRow builds a row from parallel name and value slices.
func NewRow(names []string, values []any) Row {
	return Row{names: append([]string(nil), names...), values: append([]any(nil), values...)}
}

// Len returns the number of columns.
func (r Row) Len() int { return len(r.names) }

// Names returns the column names in order.
func (r Row) Names() []string { return append([]string(nil), r.names...) }

// Get returns the value of the named column.
func (r Row) Get(name string) (any, bool) {
	for i, n := range r.names {
		if n == name {
			return r.values[i], true
		}
	}
	return nil, false
}

// Map returns the row as a map. Later duplicate column names win.
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r.names))
	for i, n := range r.names {
		m[n] = r.values[i]
	}
	return m
}

// String renders the row as {name=value, ...}.
func (r Row) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, n := range r.names {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(n)
		b.WriteByte('=')
		b.WriteString(FormatValue(r.values[i]))
	}
	b.WriteByte('}')
	return b.String()
}

// FormatValue renders a value the way rows print it. Whole numbers print
// without a fractional part.
func FormatValue(v any) string {
	switch x := normalize(v).(type) {
	case nil:
		return "null"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	}
	return "null"
}
