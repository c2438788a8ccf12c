package cep

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Listener receives the rows a statement produced for one incoming event.
// newRows holds matches; oldRows holds rows leaving a non-aggregating window.
type Listener func(newRows, oldRows []Row)

// Statement is a deployed query. Event processing for one statement is
// serialised; listeners run after the statement lock is released.
type Statement struct {
	id     int
	text   string
	q      *query
	fields []string
	clock  func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	win    *window
	groups map[string][]*accumulator // running aggregates when no window is set

	listenersMu sync.RWMutex
	listeners   []Listener
}

// ID returns the engine-assigned statement number.
func (s *Statement) ID() int { return s.id }

// Text returns the statement text as deployed.
func (s *Statement) Text() string { return s.text }

// EventType returns the event type the statement reads.
func (s *Statement) EventType() string { return s.q.from }

// AddListener registers l for every future match.
func (s *Statement) AddListener(l Listener) {
	if l == nil {
		return
	}
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, l)
	s.listenersMu.Unlock()
}

func (s *Statement) process(ev Event) {
	if s.q.where != nil && !truthy(s.q.where.eval(&evalContext{event: ev})) {
		return
	}

	s.mu.Lock()
	newRows, oldRows := s.apply(ev)
	s.mu.Unlock()

	if len(newRows) == 0 && len(oldRows) == 0 {
		return
	}

	s.listenersMu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		s.notify(l, newRows, oldRows)
	}
}

func (s *Statement) notify(l Listener, newRows, oldRows []Row) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Statement listener panicked", "statement", s.id, "panic", r)
		}
	}()
	l(newRows, oldRows)
}

// apply updates window and aggregate state for ev and returns the output.
// Callers hold s.mu.
func (s *Statement) apply(ev Event) (newRows, oldRows []Row) {
	key := s.groupKey(ev)

	var aggs []any
	if s.win != nil {
		evicted := s.win.insert(entry{event: ev, group: key, at: s.clock()})
		if s.q.aggregating() {
			aggs = s.windowAggregates(key)
		} else {
			for _, e := range evicted {
				if row, ok := s.project(e.event, nil); ok {
					oldRows = append(oldRows, row)
				}
			}
		}
	} else if s.q.aggregating() {
		aggs = s.runningAggregates(key, ev)
	}

	if row, ok := s.project(ev, aggs); ok {
		newRows = append(newRows, row)
	}
	return newRows, oldRows
}

func (s *Statement) windowAggregates(key string) []any {
	accs := make([]accumulator, len(s.q.aggs))
	for _, e := range s.win.entries {
		if e.group != key {
			continue
		}
		for i, agg := range s.q.aggs {
			accs[i].add(agg, e.event)
		}
	}
	results := make([]any, len(s.q.aggs))
	for i, agg := range s.q.aggs {
		results[i] = accs[i].result(agg.fn)
	}
	return results
}

func (s *Statement) runningAggregates(key string, ev Event) []any {
	accs, ok := s.groups[key]
	if !ok {
		accs = make([]*accumulator, len(s.q.aggs))
		for i := range accs {
			accs[i] = &accumulator{}
		}
		s.groups[key] = accs
	}
	results := make([]any, len(s.q.aggs))
	for i, agg := range s.q.aggs {
		accs[i].add(agg, ev)
		results[i] = accs[i].result(agg.fn)
	}
	return results
}

// project evaluates the select list for ev and applies HAVING. The second
// result is false when HAVING rejects the row.
func (s *Statement) project(ev Event, aggs []any) (Row, bool) {
	ctx := &evalContext{event: ev, aggs: aggs}

	var row Row
	for _, item := range s.q.items {
		if item.wildcard {
			for _, f := range s.fields {
				row.names = append(row.names, f)
				row.values = append(row.values, normalize(ev[f]))
			}
			continue
		}
		row.names = append(row.names, item.name)
		row.values = append(row.values, item.expr.eval(ctx))
	}

	if s.q.having != nil {
		ctx.aliases = row.Map()
		if !truthy(s.q.having.eval(ctx)) {
			return Row{}, false
		}
	}
	return row, true
}

func (s *Statement) groupKey(ev Event) string {
	if len(s.q.groupBy) == 0 {
		return ""
	}
	parts := make([]string, len(s.q.groupBy))
	for i, f := range s.q.groupBy {
		parts[i] = FormatValue(ev[f])
	}
	return strings.Join(parts, "\x00")
}
