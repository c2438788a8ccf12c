package cep

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type windowKind int

const (
	lengthWindow windowKind = iota
	timeWindow
)

// retention is a parsed retention policy.
//
//	5 events, 1 event, length(5)        keep the last N events
//	30 sec, 1.5 min, 2 hours, time(10 s) keep events younger than the span
type retention struct {
	kind windowKind
	size int
	span time.Duration
	text string
}

func (w retention) String() string { return w.text }

var timeUnits = map[string]time.Duration{
	"ms": time.Millisecond, "msec": time.Millisecond, "millisecond": time.Millisecond, "milliseconds": time.Millisecond,
	"s": time.Second, "sec": time.Second, "second": time.Second, "seconds": time.Second,
	"min": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hour": time.Hour, "hours": time.Hour,
}

func parseRetention(text string) (*retention, error) {
	policy := strings.ToLower(strings.TrimSpace(text))
	original := strings.TrimSpace(text)

	if inner, ok := unwrapCall(policy, "length"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(inner))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid length window %q", original)
		}
		return &retention{kind: lengthWindow, size: n, text: original}, nil
	}
	if inner, ok := unwrapCall(policy, "time"); ok {
		policy = strings.TrimSpace(inner)
	}

	amount, unit := splitAmount(policy)
	if amount == "" || unit == "" {
		return nil, fmt.Errorf("invalid window %q", original)
	}

	if unit == "event" || unit == "events" {
		n, err := strconv.Atoi(amount)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid length window %q", original)
		}
		return &retention{kind: lengthWindow, size: n, text: original}, nil
	}

	base, ok := timeUnits[unit]
	if !ok {
		return nil, fmt.Errorf("unknown window unit %q", unit)
	}
	f, err := strconv.ParseFloat(amount, 64)
	if err != nil || f <= 0 {
		return nil, fmt.Errorf("invalid time window %q", original)
	}
	return &retention{kind: timeWindow, span: time.Duration(f * float64(base)), text: original}, nil
}

func unwrapCall(s, name string) (string, bool) {
	if !strings.HasPrefix(s, name) {
		return "", false
	}
	rest := strings.TrimSpace(s[len(name):])
	if !strings.HasPrefix(rest, "(") || !strings.HasSuffix(rest, ")") {
		return "", false
	}
	return rest[1 : len(rest)-1], true
}

// splitAmount separates "10 sec" or "10sec" into its number and unit.
func splitAmount(s string) (string, string) {
	i := 0
	for i < len(s) && (isDigit(s[i]) || s[i] == '.') {
		i++
	}
	return s[:i], strings.TrimSpace(s[i:])
}

type entry struct {
	event Event
	group string
	at    time.Time
}

// window holds the events currently retained by a statement. Time-based
// eviction is lazy: expired events leave when the next event arrives.
type window struct {
	policy  retention
	entries []entry
}

// insert evicts what the new arrival pushes out, appends it, and returns the
// evicted entries oldest first.
func (w *window) insert(e entry) []entry {
	var evicted []entry

	switch w.policy.kind {
	case timeWindow:
		cutoff := e.at.Add(-w.policy.span)
		i := 0
		for i < len(w.entries) && !w.entries[i].at.After(cutoff) {
			i++
		}
		if i > 0 {
			evicted = append(evicted, w.entries[:i]...)
			w.entries = append(w.entries[:0:0], w.entries[i:]...)
		}
		w.entries = append(w.entries, e)

	case lengthWindow:
		w.entries = append(w.entries, e)
		if over := len(w.entries) - w.policy.size; over > 0 {
			evicted = append(evicted, w.entries[:over]...)
			w.entries = append(w.entries[:0:0], w.entries[over:]...)
		}
	}
	return evicted
}

func (w *window) len() int { return len(w.entries) }
