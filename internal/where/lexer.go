// Package where parses SQL WHERE clauses and derives the key range a
// planner can prune on. Conjuncts that do not bound the partition key are
// kept as the predicate's residual filter.
package where

import (
	"fmt"
	"strings"
)

// TokenType is the kind of a lexical token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenError
	TokenIdent
	TokenNumber
	TokenString

	TokenAnd
	TokenOr
	TokenNot
	TokenIn
	TokenBetween
	TokenIs
	TokenNull
	TokenLike
	TokenTrue
	TokenFalse

	TokenEq     // =
	TokenNe     // <> or !=
	TokenLt     // <
	TokenGt     // >
	TokenLe     // <=
	TokenGe     // >=
	TokenMinus  // -
	TokenComma  // ,
	TokenLParen // (
	TokenRParen // )
	TokenDot    // .
)

var tokenNames = map[TokenType]string{
	TokenEOF:     "EOF",
	TokenError:   "ERROR",
	TokenIdent:   "IDENT",
	TokenNumber:  "NUMBER",
	TokenString:  "STRING",
	TokenAnd:     "AND",
	TokenOr:      "OR",
	TokenNot:     "NOT",
	TokenIn:      "IN",
	TokenBetween: "BETWEEN",
	TokenIs:      "IS",
	TokenNull:    "NULL",
	TokenLike:    "LIKE",
	TokenTrue:    "TRUE",
	TokenFalse:   "FALSE",
	TokenEq:      "=",
	TokenNe:      "<>",
	TokenLt:      "<",
	TokenGt:      ">",
	TokenLe:      "<=",
	TokenGe:      ">=",
	TokenMinus:   "-",
	TokenComma:   ",",
	TokenLParen:  "(",
	TokenRParen:  ")",
	TokenDot:     ".",
}

func (t TokenType) String() string {
	if s, ok := tokenNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

var keywords = map[string]TokenType{
	"AND":     TokenAnd,
	"OR":      TokenOr,
	"NOT":     TokenNot,
	"IN":      TokenIn,
	"BETWEEN": TokenBetween,
	"IS":      TokenIs,
	"NULL":    TokenNull,
	"LIKE":    TokenLike,
	"TRUE":    TokenTrue,
	"FALSE":   TokenFalse,
}

// Token is one lexical token. Pos is its byte offset in the input.
type Token struct {
	Type    TokenType
	Literal string
	Pos     int
}

func (t Token) String() string {
	return fmt.Sprintf("Token{%s, %q, %d}", t.Type, t.Literal, t.Pos)
}

// operators lists punctuation, longest spelling first.
var operators = []struct {
	text string
	typ  TokenType
}{
	{"<=", TokenLe}, {">=", TokenGe}, {"<>", TokenNe}, {"!=", TokenNe},
	{"=", TokenEq}, {"<", TokenLt}, {">", TokenGt}, {"-", TokenMinus},
	{",", TokenComma}, {"(", TokenLParen}, {")", TokenRParen}, {".", TokenDot},
}

// Lexer tokenizes a WHERE clause. Input is treated as bytes; identifiers
// are ASCII.
type Lexer struct {
	src string
	off int
}

func NewLexer(input string) *Lexer {
	return &Lexer{src: input}
}

// NextToken returns the next token, TokenEOF at the end of input.
func (l *Lexer) NextToken() Token {
	for l.off < len(l.src) && isSpace(l.src[l.off]) {
		l.off++
	}
	start := l.off
	if start == len(l.src) {
		return Token{Type: TokenEOF, Pos: start}
	}

	rest := l.src[start:]
	switch c := rest[0]; {
	case c == '\'':
		return l.quoted('\'', TokenString, "unterminated string")
	case c == '"':
		return l.quoted('"', TokenIdent, "unterminated identifier")
	case isIdentStart(c):
		l.off += spanOf(rest, isIdentPart)
		word := l.src[start:l.off]
		if t, ok := keywords[strings.ToUpper(word)]; ok {
			return Token{Type: t, Literal: strings.ToUpper(word), Pos: start}
		}
		return Token{Type: TokenIdent, Literal: word, Pos: start}
	case isDigit(c):
		return l.number()
	}

	for _, op := range operators {
		if strings.HasPrefix(rest, op.text) {
			l.off += len(op.text)
			return Token{Type: op.typ, Literal: op.text, Pos: start}
		}
	}
	l.off++
	return Token{Type: TokenError, Literal: rest[:1], Pos: start}
}

// number scans digits with at most one decimal point.
func (l *Lexer) number() Token {
	start := l.off
	l.off += spanOf(l.src[start:], isDigit)
	if l.off+1 < len(l.src) && l.src[l.off] == '.' && isDigit(l.src[l.off+1]) {
		l.off++
		l.off += spanOf(l.src[l.off:], isDigit)
	}
	return Token{Type: TokenNumber, Literal: l.src[start:l.off], Pos: start}
}

// quoted scans a literal delimited by q, where a doubled q stands for one
// q. The token carries the unescaped text.
func (l *Lexer) quoted(q byte, typ TokenType, unterminated string) Token {
	start := l.off
	var b strings.Builder
	for i := start + 1; i < len(l.src); i++ {
		if l.src[i] != q {
			b.WriteByte(l.src[i])
			continue
		}
		if i+1 < len(l.src) && l.src[i+1] == q {
			b.WriteByte(q)
			i++
			continue
		}
		l.off = i + 1
		return Token{Type: typ, Literal: b.String(), Pos: start}
	}
	l.off = len(l.src)
	return Token{Type: TokenError, Literal: unterminated, Pos: start}
}

// Tokenize returns every token up to and including EOF or the first error.
func (l *Lexer) Tokenize() []Token {
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF || tok.Type == TokenError {
			return tokens
		}
	}
}

func spanOf(s string, ok func(byte) bool) int {
	n := 0
	for n < len(s) && ok(s[n]) {
		n++
	}
	return n
}

func isSpace(c byte) bool      { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
func isDigit(c byte) bool      { return '0' <= c && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || ('a' <= c|0x20 && c|0x20 <= 'z') }
func isIdentPart(c byte) bool  { return isIdentStart(c) || isDigit(c) }
