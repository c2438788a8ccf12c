package cep

import (
	"math"
	"strings"
)

// expr is a node of a parsed expression. Values flowing through evaluation are
// nil, float64, string or bool.
type expr interface {
	eval(ctx *evalContext) any
}

type evalContext struct {
	event   Event
	aggs    []any          // results indexed by aggExpr.slot
	aliases map[string]any // select aliases, visible to HAVING only
}

type literalExpr struct {
	value any
}

func (e *literalExpr) eval(*evalContext) any { return e.value }

type identExpr struct {
	name string
}

func (e *identExpr) eval(ctx *evalContext) any {
	if ctx.aliases != nil {
		if v, ok := ctx.aliases[e.name]; ok {
			return v
		}
	}
	return normalize(ctx.event[e.name])
}

type unaryExpr struct {
	op string // "-" or "NOT"
	x  expr
}

func (e *unaryExpr) eval(ctx *evalContext) any {
	v := e.x.eval(ctx)
	if e.op == "NOT" {
		b, ok := v.(bool)
		if !ok {
			return nil
		}
		return !b
	}
	if n, ok := v.(float64); ok {
		return -n
	}
	return nil
}

type binaryExpr struct {
	op   string
	l, r expr
}

func (e *binaryExpr) eval(ctx *evalContext) any {
	switch e.op {
	case "AND":
		return truthy(e.l.eval(ctx)) && truthy(e.r.eval(ctx))
	case "OR":
		return truthy(e.l.eval(ctx)) || truthy(e.r.eval(ctx))
	}

	l, r := e.l.eval(ctx), e.r.eval(ctx)
	switch e.op {
	case "=", "!=", "<>", "<", "<=", ">", ">=":
		return compareOp(e.op, l, r)
	}

	a, aok := l.(float64)
	b, bok := r.(float64)
	if !aok || !bok {
		return nil
	}
	switch e.op {
	case "+":
		return a + b
	case "-":
		return a - b
	case "*":
		return a * b
	case "/":
		if b == 0 {
			return nil
		}
		return a / b
	case "%":
		if b == 0 {
			return nil
		}
		return math.Mod(a, b)
	}
	return nil
}

// betweenExpr is x [NOT] BETWEEN lo AND hi, bounds inclusive. A null
// operand makes the result null.
type betweenExpr struct {
	x, lo, hi expr
	negated   bool
}

func (e *betweenExpr) eval(ctx *evalContext) any {
	v, lo, hi := e.x.eval(ctx), e.lo.eval(ctx), e.hi.eval(ctx)
	if v == nil || lo == nil || hi == nil {
		return nil
	}
	in := compareOp(">=", v, lo) && compareOp("<=", v, hi)
	return in != e.negated
}

// inExpr is x [NOT] IN (list). A null x makes the result null.
type inExpr struct {
	x       expr
	list    []expr
	negated bool
}

func (e *inExpr) eval(ctx *evalContext) any {
	v := e.x.eval(ctx)
	if v == nil {
		return nil
	}
	found := false
	for _, item := range e.list {
		if compareOp("=", v, item.eval(ctx)) {
			found = true
			break
		}
	}
	return found != e.negated
}

// aggExpr is an aggregate call. Its result is precomputed per evaluation and
// looked up by slot.
type aggExpr struct {
	fn   string // count, avg, sum, max, min
	arg  expr   // nil for count(*)
	slot int
}

func (e *aggExpr) eval(ctx *evalContext) any {
	if e.slot < len(ctx.aggs) {
		return ctx.aggs[e.slot]
	}
	return nil
}

var aggregateFuncs = map[string]bool{"count": true, "avg": true, "sum": true, "max": true, "min": true}

// accumulator folds events into one aggregate result.
type accumulator struct {
	count    int
	n        int
	sum      float64
	min, max float64
}

func (a *accumulator) add(agg *aggExpr, ev Event) {
	if agg.arg == nil {
		a.count++
		return
	}
	v := agg.arg.eval(&evalContext{event: ev})
	if v == nil {
		return
	}
	a.count++
	n, ok := v.(float64)
	if !ok {
		return
	}
	if a.n == 0 || n < a.min {
		a.min = n
	}
	if a.n == 0 || n > a.max {
		a.max = n
	}
	a.n++
	a.sum += n
}

func (a *accumulator) result(fn string) any {
	switch fn {
	case "count":
		return float64(a.count)
	}
	if a.n == 0 {
		return nil
	}
	switch fn {
	case "avg":
		return a.sum / float64(a.n)
	case "sum":
		return a.sum
	case "max":
		return a.max
	case "min":
		return a.min
	}
	return nil
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// compareOp applies a comparison. Numbers compare numerically, strings
// lexically, booleans only for equality. Mismatched or null operands never
// compare true.
func compareOp(op string, l, r any) bool {
	if l == nil || r == nil {
		return false
	}

	var c int
	switch a := l.(type) {
	case float64:
		b, ok := r.(float64)
		if !ok {
			return false
		}
		switch {
		case a < b:
			c = -1
		case a > b:
			c = 1
		}
	case string:
		b, ok := r.(string)
		if !ok {
			return false
		}
		c = strings.Compare(a, b)
	case bool:
		b, ok := r.(bool)
		if !ok {
			return false
		}
		switch op {
		case "=":
			return a == b
		case "!=", "<>":
			return a != b
		}
		return false
	default:
		return false
	}

	switch op {
	case "=":
		return c == 0
	case "!=", "<>":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

// normalize maps event field values onto the evaluation value set.
func normalize(v any) any {
	switch n := v.(type) {
	case nil, float64, string, bool:
		return v
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case interface{ String() string }:
		return n.String()
	default:
		return nil
	}
}

// walk visits every node of e depth first.
func walk(e expr, fn func(expr)) {
	if e == nil {
		return
	}
	fn(e)
	switch n := e.(type) {
	case *unaryExpr:
		walk(n.x, fn)
	case *binaryExpr:
		walk(n.l, fn)
		walk(n.r, fn)
	case *betweenExpr:
		walk(n.x, fn)
		walk(n.lo, fn)
		walk(n.hi, fn)
	case *inExpr:
		walk(n.x, fn)
		for _, item := range n.list {
			walk(item, fn)
		}
	case *aggExpr:
		walk(n.arg, fn)
	}
}
