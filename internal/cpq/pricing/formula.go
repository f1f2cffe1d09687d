package pricing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
)

// Vars is the fixed variable set a stored formula may reference. Unknown
// identifiers fail the line deterministically; there is no fallback value.
type Vars map[string]decimal.Decimal

// VarNames lists the variables in sorted order for error reporting.
func (v Vars) VarNames() []string {
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EvalFormula evaluates a stored arithmetic expression against vars using
// exact decimal arithmetic. Supported syntax: + - * /, unary minus,
// parentheses, decimal literals, and variable identifiers. Anything else is
// a deterministic failure naming the formula.
func EvalFormula(formulaID, expression string, vars Vars) (decimal.Decimal, error) {
	tokens, err := tokenize(expression)
	if err != nil {
		return decimal.Zero, formulaError(formulaID, expression, err)
	}
	parser := &exprParser{tokens: tokens, vars: vars}
	value, err := parser.parseExpr()
	if err != nil {
		return decimal.Zero, formulaError(formulaID, expression, err)
	}
	if parser.pos != len(parser.tokens) {
		return decimal.Zero, formulaError(formulaID, expression, fmt.Errorf("unexpected token %q", parser.tokens[parser.pos].text))
	}
	return value, nil
}

func formulaError(formulaID, expression string, cause error) error {
	code := apperrors.CodeFormulaInvalid
	if _, ok := cause.(missingVarError); ok {
		code = apperrors.CodeFormulaVariableMissing
	}
	return apperrors.WrapWithMetadata(
		code,
		fmt.Sprintf("formula %s is not evaluable: %v", formulaID, cause),
		map[string]string{"FormulaID": formulaID, "Expression": expression},
		cause,
	)
}

type missingVarError struct{ name string }

func (e missingVarError) Error() string {
	return fmt.Sprintf("unknown variable %q", e.name)
}

type tokenKind int

const (
	tokenNumber tokenKind = iota
	tokenIdent
	tokenOp
	tokenLParen
	tokenRParen
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(expression string) ([]token, error) {
	var tokens []token
	runes := []rune(expression)
	for i := 0; i < len(runes); {
		c := runes[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokenLParen, text: "("})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokenRParen, text: ")"})
			i++
		case c == '+' || c == '-' || c == '*' || c == '/':
			tokens = append(tokens, token{kind: tokenOp, text: string(c)})
			i++
		case c >= '0' && c <= '9' || c == '.':
			start := i
			for i < len(runes) && (runes[i] >= '0' && runes[i] <= '9' || runes[i] == '.') {
				i++
			}
			tokens = append(tokens, token{kind: tokenNumber, text: string(runes[start:i])})
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
			start := i
			for i < len(runes) && (runes[i] == '_' || runes[i] >= 'a' && runes[i] <= 'z' || runes[i] >= 'A' && runes[i] <= 'Z' || runes[i] >= '0' && runes[i] <= '9') {
				i++
			}
			tokens = append(tokens, token{kind: tokenIdent, text: string(runes[start:i])})
		default:
			return nil, fmt.Errorf("unsupported character %q", string(c))
		}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("expression is empty")
	}
	return tokens, nil
}

// exprParser is a recursive-descent parser over decimal values.
//
//	expr   = term (('+' | '-') term)*
//	term   = factor (('*' | '/') factor)*
//	factor = '-' factor | number | ident | '(' expr ')'
type exprParser struct {
	tokens []token
	pos    int
	vars   Vars
}

func (p *exprParser) parseExpr() (decimal.Decimal, error) {
	value, err := p.parseTerm()
	if err != nil {
		return decimal.Zero, err
	}
	for p.pos < len(p.tokens) && p.tokens[p.pos].kind == tokenOp {
		op := p.tokens[p.pos].text
		if op != "+" && op != "-" {
			break
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return decimal.Zero, err
		}
		if op == "+" {
			value = value.Add(right)
		} else {
			value = value.Sub(right)
		}
	}
	return value, nil
}

func (p *exprParser) parseTerm() (decimal.Decimal, error) {
	value, err := p.parseFactor()
	if err != nil {
		return decimal.Zero, err
	}
	for p.pos < len(p.tokens) && p.tokens[p.pos].kind == tokenOp {
		op := p.tokens[p.pos].text
		if op != "*" && op != "/" {
			break
		}
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return decimal.Zero, err
		}
		if op == "*" {
			value = value.Mul(right)
		} else {
			if right.IsZero() {
				return decimal.Zero, fmt.Errorf("division by zero")
			}
			value = value.Div(right)
		}
	}
	return value, nil
}

func (p *exprParser) parseFactor() (decimal.Decimal, error) {
	if p.pos >= len(p.tokens) {
		return decimal.Zero, fmt.Errorf("expression ends unexpectedly")
	}
	tok := p.tokens[p.pos]
	switch tok.kind {
	case tokenOp:
		if tok.text != "-" {
			return decimal.Zero, fmt.Errorf("unexpected operator %q", tok.text)
		}
		p.pos++
		value, err := p.parseFactor()
		if err != nil {
			return decimal.Zero, err
		}
		return value.Neg(), nil
	case tokenNumber:
		p.pos++
		value, err := decimal.NewFromString(tok.text)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid number %q", tok.text)
		}
		return value, nil
	case tokenIdent:
		p.pos++
		name := strings.ToLower(tok.text)
		value, ok := p.vars[name]
		if !ok {
			return decimal.Zero, missingVarError{name: name}
		}
		return value, nil
	case tokenLParen:
		p.pos++
		value, err := p.parseExpr()
		if err != nil {
			return decimal.Zero, err
		}
		if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tokenRParen {
			return decimal.Zero, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return value, nil
	default:
		return decimal.Zero, fmt.Errorf("unexpected token %q", tok.text)
	}
}
