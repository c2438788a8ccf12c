package cep

import (
	"fmt"
	"strconv"
	"strings"
)

// SyntaxError reports malformed statement text.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s", e.Pos, e.Msg)
}

type selectItem struct {
	expr     expr
	name     string
	wildcard bool
}

// query is a parsed statement:
//
//	SELECT items FROM type[.window(retention)] [WHERE expr] [GROUP BY f, ...] [HAVING expr]
type query struct {
	items   []selectItem
	from    string
	window  *retention
	where   expr
	groupBy []string
	having  expr
	aggs    []*aggExpr
}

func (q *query) aggregating() bool { return len(q.aggs) > 0 }

type parser struct {
	src    string
	tokens []token
	pos    int

	aggs     []*aggExpr
	allowAgg bool
	inAgg    bool
}

func parse(src string) (*query, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, tokens: tokens}
	q, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	q.aggs = p.aggs
	return q, nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expectKeyword(kw string) error {
	t := p.next()
	if !t.keyword(kw) {
		return p.errorf(t, "expected %s, found %s", kw, describe(t))
	}
	return nil
}

func (p *parser) expectPunct(s string) (token, error) {
	t := p.next()
	if !t.is(tokPunct, s) {
		return t, p.errorf(t, "expected %q, found %s", s, describe(t))
	}
	return t, nil
}

func (p *parser) parseQuery() (*query, error) {
	q := &query{}

	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	items, err := p.parseSelectList()
	if err != nil {
		return nil, err
	}
	q.items = items

	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	from := p.next()
	if from.kind != tokIdent || isReserved(from.text) {
		return nil, p.errorf(from, "expected event type, found %s", describe(from))
	}
	q.from = from.text

	if p.peek().is(tokPunct, ".") {
		ret, err := p.parseWindow()
		if err != nil {
			return nil, err
		}
		q.window = ret
	}

	if p.peek().keyword("WHERE") {
		p.next()
		p.allowAgg = false
		if q.where, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}

	if p.peek().keyword("GROUP") {
		p.next()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			t := p.next()
			if t.kind != tokIdent || isReserved(t.text) {
				return nil, p.errorf(t, "expected group field, found %s", describe(t))
			}
			q.groupBy = append(q.groupBy, t.text)
			if !p.peek().is(tokPunct, ",") {
				break
			}
			p.next()
		}
	}

	if p.peek().keyword("HAVING") {
		p.next()
		p.allowAgg = true
		if q.having, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}

	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %s", describe(t))
	}
	return q, nil
}

func (p *parser) parseSelectList() ([]selectItem, error) {
	p.allowAgg = true
	var items []selectItem
	for {
		if p.peek().is(tokOp, "*") {
			p.next()
			items = append(items, selectItem{wildcard: true})
		} else {
			start := p.peek()
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			last := p.tokens[p.pos-1]
			item := selectItem{expr: e, name: strings.TrimSpace(p.src[start.pos:last.end])}
			if id, ok := e.(*identExpr); ok {
				item.name = id.name
			}

			if p.peek().keyword("AS") {
				p.next()
				alias := p.next()
				if alias.kind != tokIdent || isReserved(alias.text) {
					return nil, p.errorf(alias, "expected alias, found %s", describe(alias))
				}
				item.name = alias.text
			}
			items = append(items, item)
		}

		if !p.peek().is(tokPunct, ",") {
			return items, nil
		}
		p.next()
	}
}

// parseWindow reads .window(<retention>) and hands the raw text to
// parseRetention. The text may itself contain parentheses.
func (p *parser) parseWindow() (*retention, error) {
	p.next() // "."
	name := p.next()
	if !name.keyword("window") {
		return nil, p.errorf(name, "expected window, found %s", describe(name))
	}
	open, err := p.expectPunct("(")
	if err != nil {
		return nil, err
	}

	depth := 1
	for depth > 0 {
		t := p.next()
		switch {
		case t.kind == tokEOF:
			return nil, p.errorf(t, "unterminated window specification")
		case t.is(tokPunct, "("):
			depth++
		case t.is(tokPunct, ")"):
			depth--
			if depth == 0 {
				ret, err := parseRetention(p.src[open.end:t.pos])
				if err != nil {
					return nil, &SyntaxError{Pos: open.end, Msg: err.Error()}
				}
				return ret, nil
			}
		}
	}
	return nil, p.errorf(open, "unterminated window specification")
}

func (p *parser) parseExpr() (expr, error) { return p.parseOr() }

func (p *parser) parseOr() (expr, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().keyword("OR") {
		p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = &binaryExpr{op: "OR", l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseAnd() (expr, error) {
	l, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().keyword("AND") {
		p.next()
		r, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		l = &binaryExpr{op: "AND", l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseNot() (expr, error) {
	if p.peek().keyword("NOT") {
		p.next()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unaryExpr{op: "NOT", x: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (expr, error) {
	l, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	negated := false
	if p.peek().keyword("NOT") {
		if after := p.tokens[p.pos+1]; after.keyword("BETWEEN") || after.keyword("IN") {
			p.next()
			negated = true
		}
	}
	switch {
	case p.peek().keyword("BETWEEN"):
		p.next()
		return p.parseBetween(l, negated)
	case p.peek().keyword("IN"):
		p.next()
		return p.parseIn(l, negated)
	}

	t := p.peek()
	if t.kind == tokOp {
		switch t.text {
		case "=", "!=", "<>", "<", "<=", ">", ">=":
			p.next()
			r, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			return &binaryExpr{op: t.text, l: l, r: r}, nil
		}
	}
	return l, nil
}

// parseBetween reads the bounds of x BETWEEN lo AND hi. The bounds are
// additive expressions so the AND is never taken as a conjunction.
func (p *parser) parseBetween(x expr, negated bool) (expr, error) {
	lo, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("AND"); err != nil {
		return nil, err
	}
	hi, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	return &betweenExpr{x: x, lo: lo, hi: hi, negated: negated}, nil
}

// parseIn reads the parenthesised list of x IN (a, b, ...).
func (p *parser) parseIn(x expr, negated bool) (expr, error) {
	if _, err := p.expectPunct("("); err != nil {
		return nil, err
	}
	in := &inExpr{x: x, negated: negated}
	for {
		e, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		in.list = append(in.list, e)
		t := p.next()
		if t.is(tokPunct, ")") {
			return in, nil
		}
		if !t.is(tokPunct, ",") {
			return nil, p.errorf(t, "expected \",\" or \")\", found %s", describe(t))
		}
	}
}

func (p *parser) parseAdditive() (expr, error) {
	l, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t.is(tokOp, "+") || t.is(tokOp, "-"); t = p.peek() {
		p.next()
		r, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		l = &binaryExpr{op: t.text, l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseMultiplicative() (expr, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t.is(tokOp, "*") || t.is(tokOp, "/") || t.is(tokOp, "%"); t = p.peek() {
		p.next()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = &binaryExpr{op: t.text, l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseUnary() (expr, error) {
	if p.peek().is(tokOp, "-") {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if lit, ok := x.(*literalExpr); ok {
			if n, ok := lit.value.(float64); ok {
				return &literalExpr{value: -n}, nil
			}
		}
		return &unaryExpr{op: "-", x: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (expr, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.errorf(t, "invalid number %q", t.text)
		}
		return &literalExpr{value: n}, nil

	case tokString:
		return &literalExpr{value: t.text}, nil

	case tokPunct:
		if t.text == "(" {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return e, nil
		}

	case tokIdent:
		switch strings.ToUpper(t.text) {
		case "TRUE":
			return &literalExpr{value: true}, nil
		case "FALSE":
			return &literalExpr{value: false}, nil
		case "NULL":
			return &literalExpr{value: nil}, nil
		}
		if isReserved(t.text) {
			return nil, p.errorf(t, "unexpected keyword %s", strings.ToUpper(t.text))
		}
		if p.peek().is(tokPunct, "(") {
			return p.parseCall(t)
		}
		return &identExpr{name: t.text}, nil
	}
	return nil, p.errorf(t, "unexpected %s", describe(t))
}

func (p *parser) parseCall(name token) (expr, error) {
	fn := strings.ToLower(name.text)
	if !aggregateFuncs[fn] {
		return nil, p.errorf(name, "unknown function %s", name.text)
	}
	if !p.allowAgg {
		return nil, p.errorf(name, "aggregate %s not allowed here", fn)
	}
	if p.inAgg {
		return nil, p.errorf(name, "nested aggregate %s", fn)
	}
	p.next() // "("

	agg := &aggExpr{fn: fn}
	if p.peek().is(tokOp, "*") {
		if fn != "count" {
			return nil, p.errorf(p.peek(), "%s(*) is not supported", fn)
		}
		p.next()
	} else {
		p.inAgg = true
		arg, err := p.parseExpr()
		p.inAgg = false
		if err != nil {
			return nil, err
		}
		agg.arg = arg
	}
	if _, err := p.expectPunct(")"); err != nil {
		return nil, err
	}

	agg.slot = len(p.aggs)
	p.aggs = append(p.aggs, agg)
	return agg, nil
}

func describe(t token) string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokString:
		return fmt.Sprintf("string '%s'", t.text)
	default:
		return fmt.Sprintf("%q", t.text)
	}
}
