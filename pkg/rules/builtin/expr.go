package builtin

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// The compute rule evaluates a restricted arithmetic dialect: numbers,
// + - * /, parentheses, the functions min(...), max(...) and
// round(value, n), and identifiers resolved against the document's field
// values. There is no dynamically constructed code; expressions run through
// a hand-written tokenizer and recursive-descent evaluator, and anything
// outside the dialect (unknown identifiers, stray characters) rejects the
// whole expression.

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

type exprError struct{ msg string }

func (e *exprError) Error() string { return e.msg }

func rejectf(format string, args ...any) error {
	return &exprError{msg: fmt.Sprintf(format, args...)}
}

// tokenize splits an expression into tokens. Identifiers follow Go-like
// word boundaries, so a field named "rate" never matches inside "pro_rated".
func tokenize(expr string) ([]token, error) {
	var tokens []token
	runes := []rune(expr)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{kind: tokLParen})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRParen})
			i++
		case r == ',':
			tokens = append(tokens, token{kind: tokComma})
			i++
		case r == '+' || r == '-' || r == '*' || r == '/':
			tokens = append(tokens, token{kind: tokOp, text: string(r)})
			i++
		case unicode.IsDigit(r) || r == '.':
			start := i
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			num, err := strconv.ParseFloat(string(runes[start:i]), 64)
			if err != nil {
				return nil, rejectf("invalid number %q", string(runes[start:i]))
			}
			tokens = append(tokens, token{kind: tokNumber, num: num})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			tokens = append(tokens, token{kind: tokIdent, text: string(runes[start:i])})
		default:
			return nil, rejectf("unexpected character %q", string(r))
		}
	}
	tokens = append(tokens, token{kind: tokEOF})
	return tokens, nil
}

// evaluator is a recursive-descent evaluator over the token stream.
// Grammar:
//
//	expr   = term (('+'|'-') term)*
//	term   = factor (('*'|'/') factor)*
//	factor = number | ident | func '(' args ')' | '(' expr ')' | '-' factor
type evaluator struct {
	tokens []token
	pos    int
	fields map[string]float64
}

func (ev *evaluator) peek() token  { return ev.tokens[ev.pos] }
func (ev *evaluator) next() token  { t := ev.tokens[ev.pos]; ev.pos++; return t }
func (ev *evaluator) expect(k tokenKind) error {
	if ev.peek().kind != k {
		return rejectf("unexpected token at position %d", ev.pos)
	}
	ev.pos++
	return nil
}

func (ev *evaluator) parseExpr() (float64, error) {
	left, err := ev.parseTerm()
	if err != nil {
		return 0, err
	}
	for ev.peek().kind == tokOp && (ev.peek().text == "+" || ev.peek().text == "-") {
		op := ev.next().text
		right, err := ev.parseTerm()
		if err != nil {
			return 0, err
		}
		if op == "+" {
			left += right
		} else {
			left -= right
		}
	}
	return left, nil
}

func (ev *evaluator) parseTerm() (float64, error) {
	left, err := ev.parseFactor()
	if err != nil {
		return 0, err
	}
	for ev.peek().kind == tokOp && (ev.peek().text == "*" || ev.peek().text == "/") {
		op := ev.next().text
		right, err := ev.parseFactor()
		if err != nil {
			return 0, err
		}
		if op == "*" {
			left *= right
		} else {
			if right == 0 {
				return 0, rejectf("division by zero")
			}
			left /= right
		}
	}
	return left, nil
}

func (ev *evaluator) parseFactor() (float64, error) {
	t := ev.peek()
	switch t.kind {
	case tokNumber:
		ev.pos++
		return t.num, nil
	case tokOp:
		if t.text == "-" {
			ev.pos++
			v, err := ev.parseFactor()
			return -v, err
		}
		return 0, rejectf("unexpected operator %q", t.text)
	case tokLParen:
		ev.pos++
		v, err := ev.parseExpr()
		if err != nil {
			return 0, err
		}
		return v, ev.expect(tokRParen)
	case tokIdent:
		return ev.parseIdent()
	default:
		return 0, rejectf("unexpected token at position %d", ev.pos)
	}
}

func (ev *evaluator) parseIdent() (float64, error) {
	name := ev.next().text
	if ev.peek().kind == tokLParen {
		return ev.parseCall(name)
	}
	// Field reference, substituted by value.
	if v, ok := ev.fields[strings.ToLower(name)]; ok {
		return v, nil
	}
	return 0, rejectf("unknown field %q", name)
}

func (ev *evaluator) parseCall(name string) (float64, error) {
	ev.pos++ // consume '('
	var args []float64
	if ev.peek().kind != tokRParen {
		for {
			arg, err := ev.parseExpr()
			if err != nil {
				return 0, err
			}
			args = append(args, arg)
			if ev.peek().kind != tokComma {
				break
			}
			ev.pos++
		}
	}
	if err := ev.expect(tokRParen); err != nil {
		return 0, err
	}

	switch strings.ToLower(name) {
	case "min":
		if len(args) == 0 {
			return 0, rejectf("min requires at least one argument")
		}
		v := args[0]
		for _, a := range args[1:] {
			v = math.Min(v, a)
		}
		return v, nil
	case "max":
		if len(args) == 0 {
			return 0, rejectf("max requires at least one argument")
		}
		v := args[0]
		for _, a := range args[1:] {
			v = math.Max(v, a)
		}
		return v, nil
	case "round":
		switch len(args) {
		case 1:
			return math.Round(args[0]), nil
		case 2:
			return roundTo(args[0], int(args[1])), nil
		default:
			return 0, rejectf("round takes one or two arguments")
		}
	default:
		return 0, rejectf("unknown function %q", name)
	}
}

// evalExpression evaluates the expression against a field-value map with
// case-insensitive keys. Any rejection yields an error; callers map it to 0.
func evalExpression(expr string, fields map[string]float64) (float64, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return 0, err
	}
	lowered := make(map[string]float64, len(fields))
	for k, v := range fields {
		lowered[strings.ToLower(k)] = v
	}
	ev := &evaluator{tokens: tokens, fields: lowered}
	v, err := ev.parseExpr()
	if err != nil {
		return 0, err
	}
	if ev.peek().kind != tokEOF {
		return 0, rejectf("trailing input at position %d", ev.pos)
	}
	return v, nil
}

// roundTo rounds to n decimal places, half away from zero.
func roundTo(v float64, n int) float64 {
	pow := math.Pow(10, float64(n))
	return math.Round(v*pow) / pow
}
