// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package mapping

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// The formula transform accepts a deliberately tiny grammar: numeric
// literals, one named variable, + - * / and parentheses. Anything else is
// rejected when the rule is loaded, never at sample time.
//
//	expr   := term (('+'|'-') term)*
//	term   := factor (('*'|'/') factor)*
//	factor := number | variable | '-' factor | '(' expr ')'

type formulaNode interface {
	eval(x float64) (float64, error)
}

type litNode struct{ v float64 }

func (n litNode) eval(float64) (float64, error) { return n.v, nil }

type varNode struct{}

func (varNode) eval(x float64) (float64, error) { return x, nil }

type negNode struct{ inner formulaNode }

func (n negNode) eval(x float64) (float64, error) {
	v, err := n.inner.eval(x)
	return -v, err
}

type binNode struct {
	op          byte
	left, right formulaNode
}

func (n binNode) eval(x float64) (float64, error) {
	l, err := n.left.eval(x)
	if err != nil {
		return 0, err
	}
	r, err := n.right.eval(x)
	if err != nil {
		return 0, err
	}
	switch n.op {
	case '+':
		return l + r, nil
	case '-':
		return l - r, nil
	case '*':
		return l * r, nil
	case '/':
		if r == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return l / r, nil
	}
	return 0, fmt.Errorf("unknown operator %q", n.op)
}

type formulaParser struct {
	tokens   []string
	pos      int
	variable string
}

func parseFormula(expr, variable string) (formulaNode, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	tokens, err := tokenizeFormula(expr)
	if err != nil {
		return nil, err
	}
	p := &formulaParser{tokens: tokens, variable: variable}
	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected token %q", p.tokens[p.pos])
	}
	return node, nil
}

func tokenizeFormula(expr string) ([]string, error) {
	var tokens []string
	i := 0
	runes := []rune(expr)
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case strings.ContainsRune("+-*/()", r):
			tokens = append(tokens, string(r))
			i++
		case unicode.IsDigit(r) || r == '.':
			j := i
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}
			tokens = append(tokens, string(runes[i:j]))
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			tokens = append(tokens, string(runes[i:j]))
			i = j
		default:
			return nil, fmt.Errorf("illegal character %q", r)
		}
	}
	return tokens, nil
}

func (p *formulaParser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *formulaParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *formulaParser) parseExpr() (formulaNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		if op != "+" && op != "-" {
			return left, nil
		}
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binNode{op: op[0], left: left, right: right}
	}
}

func (p *formulaParser) parseTerm() (formulaNode, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		if op != "*" && op != "/" {
			return left, nil
		}
		p.next()
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = binNode{op: op[0], left: left, right: right}
	}
}

func (p *formulaParser) parseFactor() (formulaNode, error) {
	tok := p.next()
	switch {
	case tok == "":
		return nil, fmt.Errorf("unexpected end of expression")
	case tok == "-":
		inner, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return negNode{inner: inner}, nil
	case tok == "(":
		node, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return node, nil
	case tok == p.variable:
		return varNode{}, nil
	case unicode.IsDigit(rune(tok[0])) || tok[0] == '.':
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", tok)
		}
		return litNode{v: f}, nil
	default:
		// the variable is the only identifier the grammar admits
		return nil, fmt.Errorf("unknown identifier %q", tok)
	}
}
