package where

import (
	"fmt"
	"strconv"
)

// ParseError reports a syntax error at a byte offset of the input.
type ParseError struct {
	Message  string
	Position int
	Token    Token
}

func (e *ParseError) Error() string {
	got := fmt.Sprintf("%q", e.Token.Literal)
	if e.Token.Type == TokenEOF {
		got = "end of input"
	}
	return fmt.Sprintf("parse error at position %d: %s (got %s)", e.Position, e.Message, got)
}

// Parse parses a boolean WHERE clause. Blank input yields a nil Node.
//
// Grammar, loosest binding first:
//
//	or        = and { OR and }
//	and       = not { AND not }
//	not       = NOT not | predicate
//	predicate = operand [ cmp operand | IS [NOT] NULL
//	            | [NOT] IN ( operand {, operand} )
//	            | [NOT] BETWEEN operand AND operand
//	            | [NOT] LIKE operand ]
//	operand   = column | call | literal | - operand | ( or )
func Parse(input string) (Node, error) {
	p := &parser{toks: NewLexer(input).Tokenize()}
	if p.at(TokenEOF) {
		return nil, nil
	}
	n, err := p.or()
	if err != nil {
		return nil, err
	}
	if !p.at(TokenEOF) {
		return nil, p.fail("unexpected token after expression")
	}
	return n, nil
}

type parser struct {
	toks []Token
	i    int
}

// peek returns the token k places ahead; the final EOF or error token
// repeats forever.
func (p *parser) peek(k int) Token {
	if j := p.i + k; j < len(p.toks) {
		return p.toks[j]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) at(t TokenType) bool { return p.peek(0).Type == t }

func (p *parser) next() Token {
	tok := p.peek(0)
	if p.i < len(p.toks)-1 {
		p.i++
	}
	return tok
}

func (p *parser) accept(t TokenType) bool {
	if p.at(t) {
		p.next()
		return true
	}
	return false
}

func (p *parser) want(t TokenType, where string) error {
	if !p.accept(t) {
		return p.fail("expected %s %s", t, where)
	}
	return nil
}

func (p *parser) fail(format string, args ...interface{}) *ParseError {
	tok := p.peek(0)
	return &ParseError{Message: fmt.Sprintf(format, args...), Position: tok.Pos, Token: tok}
}

// chain parses operand { sep operand } into a Logic node.
func (p *parser) chain(sep TokenType, op string, operand func() (Node, error)) (Node, error) {
	first, err := operand()
	if err != nil {
		return nil, err
	}
	terms := []Node{first}
	for p.accept(sep) {
		n, err := operand()
		if err != nil {
			return nil, err
		}
		terms = append(terms, n)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return &Logic{Op: op, Terms: terms}, nil
}

func (p *parser) or() (Node, error)  { return p.chain(TokenOr, "OR", p.and) }
func (p *parser) and() (Node, error) { return p.chain(TokenAnd, "AND", p.not) }

func (p *parser) not() (Node, error) {
	if !p.accept(TokenNot) {
		return p.predicate()
	}
	x, err := p.not()
	if err != nil {
		return nil, err
	}
	return &Not{X: x}, nil
}

func (p *parser) predicate() (Node, error) {
	left, err := p.operand()
	if err != nil {
		return nil, err
	}

	switch tok := p.peek(0); tok.Type {
	case TokenEq, TokenNe, TokenLt, TokenLe, TokenGt, TokenGe:
		p.next()
		right, err := p.operand()
		if err != nil {
			return nil, err
		}
		return &Compare{Op: tok.Literal, L: left, R: right}, nil
	case TokenIs:
		p.next()
		negated := p.accept(TokenNot)
		if err := p.want(TokenNull, "after IS"); err != nil {
			return nil, err
		}
		return &NullTest{X: left, Negated: negated}, nil
	case TokenNot:
		switch p.peek(1).Type {
		case TokenIn, TokenBetween, TokenLike:
			p.next()
			return p.postfix(left, true)
		}
		p.next()
		return nil, p.fail("expected IN, BETWEEN or LIKE after NOT")
	case TokenIn, TokenBetween, TokenLike:
		return p.postfix(left, false)
	}
	return left, nil
}

// postfix parses the IN, BETWEEN or LIKE tail of a predicate.
func (p *parser) postfix(x Node, negated bool) (Node, error) {
	switch p.next().Type {
	case TokenIn:
		if err := p.want(TokenLParen, "after IN"); err != nil {
			return nil, err
		}
		list, err := p.list(p.operand)
		if err != nil {
			return nil, err
		}
		if err := p.want(TokenRParen, "to close IN list"); err != nil {
			return nil, err
		}
		return &InList{X: x, List: list, Negated: negated}, nil

	case TokenBetween:
		lo, err := p.operand()
		if err != nil {
			return nil, err
		}
		if err := p.want(TokenAnd, "between BETWEEN bounds"); err != nil {
			return nil, err
		}
		hi, err := p.operand()
		if err != nil {
			return nil, err
		}
		return &Between{X: x, Lo: lo, Hi: hi, Negated: negated}, nil

	default:
		pattern, err := p.operand()
		if err != nil {
			return nil, err
		}
		return &Like{X: x, Pattern: pattern, Negated: negated}, nil
	}
}

func (p *parser) list(item func() (Node, error)) ([]Node, error) {
	var out []Node
	for {
		n, err := item()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
		if !p.accept(TokenComma) {
			return out, nil
		}
	}
}

func (p *parser) operand() (Node, error) {
	tok := p.peek(0)
	switch tok.Type {
	case TokenIdent:
		p.next()
		return p.columnOrCall(tok.Literal)
	case TokenNumber:
		p.next()
		return number(tok)
	case TokenString:
		p.next()
		return &Value{V: tok.Literal}, nil
	case TokenNull:
		p.next()
		return &Value{}, nil
	case TokenTrue, TokenFalse:
		p.next()
		return &Value{V: tok.Type == TokenTrue}, nil
	case TokenMinus:
		p.next()
		x, err := p.operand()
		if err != nil {
			return nil, err
		}
		return &Neg{X: x}, nil
	case TokenLParen:
		p.next()
		x, err := p.or()
		if err != nil {
			return nil, err
		}
		if err := p.want(TokenRParen, "to close group"); err != nil {
			return nil, err
		}
		return &Group{X: x}, nil
	case TokenError:
		return nil, p.fail("invalid input")
	}
	return nil, p.fail("expected an operand")
}

func (p *parser) columnOrCall(name string) (Node, error) {
	switch {
	case p.accept(TokenDot):
		col := p.peek(0)
		if err := p.want(TokenIdent, "after "+name+"."); err != nil {
			return nil, err
		}
		return &Column{Qualifier: name, Name: col.Literal}, nil

	case p.accept(TokenLParen):
		call := &Call{Func: name}
		if !p.at(TokenRParen) {
			args, err := p.list(p.or)
			if err != nil {
				return nil, err
			}
			call.Args = args
		}
		if err := p.want(TokenRParen, "to close "+name+"("); err != nil {
			return nil, err
		}
		return call, nil
	}
	return &Column{Name: name}, nil
}

func number(tok Token) (Node, error) {
	if v, err := strconv.ParseInt(tok.Literal, 10, 64); err == nil {
		return &Value{V: v}, nil
	}
	v, err := strconv.ParseFloat(tok.Literal, 64)
	if err != nil {
		return nil, &ParseError{Message: "invalid number", Position: tok.Pos, Token: tok}
	}
	return &Value{V: v}, nil
}
