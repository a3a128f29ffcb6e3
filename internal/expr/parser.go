package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse compiles an expression into a tree that can be evaluated repeatedly
// against different variable bindings.
func Parse(input string) (Node, error) {
	lex := &lexer{input: input}
	tokens, err := lex.scan()
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", input, err)
	}
	p := &parser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", input, err)
	}
	if p.peek().kind != tokenEOF {
		return nil, fmt.Errorf("parse %q: unexpected %s", input, p.peek())
	}
	return node, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) error {
	if p.peek().kind != kind {
		return fmt.Errorf("expected %s, got %s", what, p.peek())
	}
	p.next()
	return nil
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryNode{Op: tokenOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryNode{Op: tokenAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.peek().kind == tokenNot {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryNode{Op: tokenNot, Operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	switch op := p.peek().kind; op {
	case tokenEq, tokenNeq, tokenLt, tokenLte, tokenGt, tokenGte:
		p.next()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &BinaryNode{Op: op, Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *parser) parseAdditive() (Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek().kind
		if op != tokenPlus && op != tokenMinus {
			return left, nil
		}
		p.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinaryNode{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseMultiplicative() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek().kind
		if op != tokenStar && op != tokenSlash && op != tokenPercent {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryNode{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseUnary() (Node, error) {
	if p.peek().kind == tokenMinus {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryNode{Op: tokenMinus, Operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	switch t := p.peek(); t.kind {
	case tokenNumber:
		p.next()
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %s", t)
			}
			return &NumberNode{Float: f, IsFloat: true}, nil
		}
		i, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %s", t)
		}
		return &NumberNode{Int: i}, nil
	case tokenString:
		p.next()
		return &StringNode{Value: t.text}, nil
	case tokenIdent:
		p.next()
		if p.peek().kind == tokenLParen {
			return p.parseCall(t.text)
		}
		return &VarNode{Name: t.text}, nil
	case tokenLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokenRParen, `")"`); err != nil {
			return nil, err
		}
		return &GroupNode{Inner: inner}, nil
	}
	return nil, fmt.Errorf("unexpected %s", p.peek())
}

func (p *parser) parseCall(name string) (Node, error) {
	p.next() // '('
	call := &CallNode{Name: name}
	if p.peek().kind == tokenRParen {
		p.next()
		return call, nil
	}
	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)
		if p.peek().kind == tokenComma {
			p.next()
			continue
		}
		if err := p.expect(tokenRParen, `")"`); err != nil {
			return nil, err
		}
		return call, nil
	}
}
