package cep

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp    // = != <> < <= > >= + - * / %
	tokPunct // ( ) , .
)

type token struct {
	kind tokenKind
	text string // identifier, operator or literal text with quotes removed
	pos  int    // byte offset of the first character
	end  int    // byte offset one past the last character
}

// keyword reports whether t is the identifier kw, ignoring case.
func (t token) keyword(kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (t token) is(kind tokenKind, text string) bool {
	return t.kind == kind && t.text == text
}

var reserved = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "GROUP": true, "BY": true,
	"HAVING": true, "AND": true, "OR": true, "NOT": true, "AS": true,
	"TRUE": true, "FALSE": true, "NULL": true, "BETWEEN": true, "IN": true,
}

func isReserved(word string) bool {
	return reserved[strings.ToUpper(word)]
}

// lex splits query text into tokens. String literals may use single or double
// quotes; a doubled quote inside a literal stands for one quote character.
func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			tokens = append(tokens, token{kind: tokIdent, text: src[start:i], pos: start, end: i})

		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			start := i
			i = scanNumber(src, i)
			tokens = append(tokens, token{kind: tokNumber, text: src[start:i], pos: start, end: i})

		case c == '\'' || c == '"':
			text, next, err := scanString(src, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokString, text: text, pos: i, end: next})
			i = next

		case c == '(' || c == ')' || c == ',' || c == '.':
			tokens = append(tokens, token{kind: tokPunct, text: string(c), pos: i, end: i + 1})
			i++

		case c == '<' || c == '>' || c == '!':
			if i+1 < len(src) && (src[i+1] == '=' || (c == '<' && src[i+1] == '>')) {
				tokens = append(tokens, token{kind: tokOp, text: src[i : i+2], pos: i, end: i + 2})
				i += 2
				continue
			}
			if c == '!' {
				return nil, &SyntaxError{Pos: i, Msg: "unexpected '!'"}
			}
			tokens = append(tokens, token{kind: tokOp, text: string(c), pos: i, end: i + 1})
			i++

		case strings.IndexByte("=+-*/%", c) >= 0:
			tokens = append(tokens, token{kind: tokOp, text: string(c), pos: i, end: i + 1})
			i++

		default:
			return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", rune(c))}
		}
	}
	tokens = append(tokens, token{kind: tokEOF, pos: len(src), end: len(src)})
	return tokens, nil
}

func scanNumber(src string, i int) int {
	for i < len(src) && isDigit(src[i]) {
		i++
	}
	if i < len(src) && src[i] == '.' && i+1 < len(src) && isDigit(src[i+1]) {
		i++
		for i < len(src) && isDigit(src[i]) {
			i++
		}
	}
	if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
		j := i + 1
		if j < len(src) && (src[j] == '+' || src[j] == '-') {
			j++
		}
		if j < len(src) && isDigit(src[j]) {
			i = j
			for i < len(src) && isDigit(src[i]) {
				i++
			}
		}
	}
	return i
}

func scanString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		if src[i] == quote {
			if i+1 < len(src) && src[i+1] == quote {
				b.WriteByte(quote)
				i += 2
				continue
			}
			return b.String(), i + 1, nil
		}
		b.WriteByte(src[i])
		i++
	}
	return "", 0, &SyntaxError{Pos: start, Msg: "unterminated string literal"}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
