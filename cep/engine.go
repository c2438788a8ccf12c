// Package cep is a small in-process event processing engine. It executes
// continuous queries of the form
//
//	SELECT <items> FROM <type>[.window(<retention>)] [WHERE <cond>] [GROUP BY <fields>] [HAVING <cond>]
//
// against events sent to a single ingestion point. WHERE filters an event
// before it enters the statement's window, so a scoped statement only ever
// retains events it matches. Aggregates (count, avg, sum, max, min) are
// computed per group over the window, or over every matching event when the
// statement has no window.
//
// Conditions support AND, OR, NOT, the comparisons = != <> < <= > >=,
// arithmetic + - * / %, [NOT] BETWEEN lo AND hi (inclusive) and
// [NOT] IN (list). Anything else is a syntax error at deploy.
package cep

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/cepbridge/errors"
)

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source used for time windows.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.clock = now
		}
	}
}

// WithLogger sets the logger used for listener failures.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine holds registered event types and deployed statements. It is safe
// for concurrent use.
type Engine struct {
	clock  func() time.Time
	logger *slog.Logger

	mu         sync.RWMutex
	types      map[string]*EventType
	statements map[string][]*Statement // by event type
	nextID     int
}

// NewEngine creates an empty engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		clock:      time.Now,
		logger:     slog.Default(),
		types:      make(map[string]*EventType),
		statements: make(map[string][]*Statement),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterEventType declares an event type and its fields. Registering the
// same name twice is an error.
func (e *Engine) RegisterEventType(name string, fields ...string) error {
	if name == "" || len(fields) == 0 {
		return errors.WrapInvalid(fmt.Errorf("event type needs a name and fields"),
			"Engine", "RegisterEventType", "register event type")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.types[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("event type %q already registered", name),
			"Engine", "RegisterEventType", "register event type")
	}
	e.types[name] = &EventType{Name: name, Fields: append([]string(nil), fields...)}
	return nil
}

// EventType returns a registered event type.
func (e *Engine) EventType(name string) (*EventType, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.types[name]
	return t, ok
}

// Deploy compiles text and starts the statement. Errors wrap
// errors.ErrCompile.
func (e *Engine) Deploy(text string) (*Statement, error) {
	q, err := parse(text)
	if err != nil {
		return nil, errors.Kind(errors.ErrCompile, errors.WrapInvalid(err, "Engine", "Deploy", "parse statement"))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	et, ok := e.types[q.from]
	if !ok {
		return nil, errors.Kind(errors.ErrCompile, errors.WrapInvalid(
			fmt.Errorf("unknown event type %q", q.from), "Engine", "Deploy", "resolve event type"))
	}
	if err := validate(q, et); err != nil {
		return nil, errors.Kind(errors.ErrCompile, errors.WrapInvalid(err, "Engine", "Deploy", "validate statement"))
	}

	e.nextID++
	s := &Statement{
		id:     e.nextID,
		text:   text,
		q:      q,
		fields: et.Fields,
		clock:  e.clock,
		logger: e.logger,
	}
	if q.window != nil {
		s.win = &window{policy: *q.window}
	} else if q.aggregating() {
		s.groups = make(map[string][]*accumulator)
	}

	e.statements[q.from] = append(e.statements[q.from], s)
	return s, nil
}

// SendEvent evaluates ev against every statement reading typeName.
// Statements are independent: each sees the event regardless of what the
// others matched.
func (e *Engine) SendEvent(typeName string, ev Event) error {
	e.mu.RLock()
	_, known := e.types[typeName]
	statements := e.statements[typeName]
	e.mu.RUnlock()

	if !known {
		return errors.WrapInvalid(fmt.Errorf("%w: unknown event type %q", errors.ErrInvalidData, typeName),
			"Engine", "SendEvent", "route event")
	}

	for _, s := range statements {
		s.process(ev)
	}
	return nil
}

// Statements returns every deployed statement ordered by id.
func (e *Engine) Statements() []*Statement {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var all []*Statement
	for _, list := range e.statements {
		all = append(all, list...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].id < all[j].id })
	return all
}

// validate checks every field reference against the event type. HAVING may
// additionally reference select aliases.
func validate(q *query, et *EventType) error {
	aliases := make(map[string]bool)
	for _, item := range q.items {
		if !item.wildcard {
			aliases[item.name] = true
		}
	}

	var bad []string
	check := func(allowAliases bool) func(expr) {
		return func(n expr) {
			id, ok := n.(*identExpr)
			if !ok || et.hasField(id.name) || (allowAliases && aliases[id.name]) {
				return
			}
			bad = append(bad, id.name)
		}
	}

	for _, item := range q.items {
		walk(item.expr, check(false))
	}
	walk(q.where, check(false))
	walk(q.having, check(true))
	for _, f := range q.groupBy {
		if !et.hasField(f) {
			bad = append(bad, f)
		}
	}

	if len(bad) > 0 {
		return fmt.Errorf("unknown field %q on event type %s", bad[0], et.Name)
	}
	return nil
}
