package tool

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

type CalculatorParams struct {
	Expression string `json:"expression" jsonschema:"description=Arithmetic expression to evaluate (supports + - * / and parentheses)"`
}

// CalculatorTool evaluates basic arithmetic expressions.
func CalculatorTool() Tool {
	return Func(
		"calculator",
		"Evaluate an arithmetic expression and return the numeric result",
		func(ctx context.Context, p CalculatorParams) Result {
			expr := strings.TrimSpace(p.Expression)
			if expr == "" {
				return Errorf("expression is required")
			}
			value, err := evalExpression(expr)
			if err != nil {
				return Error(err)
			}
			return Success(map[string]any{
				"expression": expr,
				"result":     strconv.FormatFloat(value, 'f', -1, 64),
			})
		},
	)
}

type ClockParams struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name (defaults to UTC)"`
}

// ClockTool reports the current time. Independent: it never depends on other
// tool results in the same batch.
func ClockTool() Tool {
	return IndependentFunc(
		"clock",
		"Return the current date and time",
		func(ctx context.Context, p ClockParams) Result {
			loc := time.UTC
			if tz := strings.TrimSpace(p.Timezone); tz != "" {
				parsed, err := time.LoadLocation(tz)
				if err != nil {
					return Errorf("unknown timezone %q", tz)
				}
				loc = parsed
			}
			return Success(map[string]any{
				"time":     time.Now().In(loc).Format(time.RFC3339),
				"timezone": loc.String(),
			})
		},
	)
}

// Recursive descent parser:
//
//	expr   = term (('+'|'-') term)*
//	term   = factor (('*'|'/') factor)*
//	factor = number | '-' factor | '(' expr ')'
type exprParser struct {
	input []rune
	pos   int
}

func evalExpression(input string) (float64, error) {
	p := &exprParser{input: []rune(input)}
	value, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	return value, nil
}

func (p *exprParser) parseExpr() (float64, error) {
	value, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '+':
			p.pos++
			rhs, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			value += rhs
		case '-':
			p.pos++
			rhs, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			value -= rhs
		default:
			return value, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	value, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '*':
			p.pos++
			rhs, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			value *= rhs
		case '/':
			p.pos++
			rhs, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			value /= rhs
		default:
			return value, nil
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	p.skipSpace()
	switch {
	case p.peek() == '-':
		p.pos++
		value, err := p.parseFactor()
		return -value, err
	case p.peek() == '(':
		p.pos++
		value, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return value, nil
	default:
		return p.parseNumber()
	}
}

func (p *exprParser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) && (unicode.IsDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		if p.pos >= len(p.input) {
			return 0, fmt.Errorf("unexpected end of expression")
		}
		return 0, fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	value, err := strconv.ParseFloat(string(p.input[start:p.pos]), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", string(p.input[start:p.pos]))
	}
	return value, nil
}

func (p *exprParser) peek() rune {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(p.input[p.pos]) {
		p.pos++
	}
}
