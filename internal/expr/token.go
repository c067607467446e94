package expr

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tkNumber tokenKind = iota
	tkString
	tkIdent
	tkOp
	tkLParen
	tkRParen
	tkComma
	tkDot
)

type token struct {
	kind  tokenKind
	value string
	pos   int
}

func tokenize(src string) ([]token, error) {
	var tokens []token
	runes := []rune(src)
	i := 0

	for i < len(runes) {
		ch := runes[i]

		switch {
		case unicode.IsSpace(ch):
			i++
			continue
		case ch == '(':
			tokens = append(tokens, token{tkLParen, "(", i})
			i++
			continue
		case ch == ')':
			tokens = append(tokens, token{tkRParen, ")", i})
			i++
			continue
		case ch == ',':
			tokens = append(tokens, token{tkComma, ",", i})
			i++
			continue
		case ch == '.':
			tokens = append(tokens, token{tkDot, ".", i})
			i++
			continue
		case ch == '"' || ch == '\'':
			s, n, err := readString(src, runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, s, i})
			i = n
			continue
		}

		if i+1 < len(runes) {
			two := string(runes[i : i+2])
			switch two {
			case "==", "!=", ">=", "<=", "&&", "||":
				tokens = append(tokens, token{tkOp, two, i})
				i += 2
				continue
			}
		}

		if ch == '>' || ch == '<' || ch == '!' {
			tokens = append(tokens, token{tkOp, string(ch), i})
			i++
			continue
		}

		if isDigit(ch) || (ch == '-' && i+1 < len(runes) && isDigit(runes[i+1]) && negativeAllowed(tokens)) {
			start := i
			i++
			for i < len(runes) && (isDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			tokens = append(tokens, token{tkNumber, string(runes[start:i]), start})
			continue
		}

		if unicode.IsLetter(ch) || ch == '_' {
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			tokens = append(tokens, token{tkIdent, string(runes[start:i]), start})
			continue
		}

		return nil, &InvalidExpressionError{Expr: src, Pos: i, Msg: "unexpected character " + quoteRune(ch)}
	}

	return tokens, nil
}

func readString(src string, runes []rune, start int) (string, int, error) {
	quote := runes[start]
	var sb strings.Builder
	i := start + 1
	for i < len(runes) {
		switch runes[i] {
		case '\\':
			if i+1 < len(runes) {
				sb.WriteRune(unescape(runes[i+1]))
				i += 2
				continue
			}
		case quote:
			return sb.String(), i + 1, nil
		}
		sb.WriteRune(runes[i])
		i++
	}
	return "", 0, &InvalidExpressionError{Expr: src, Pos: start, Msg: "unterminated string"}
}

func unescape(r rune) rune {
	switch r {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	default:
		return r
	}
}

func isDigit(ch rune) bool { return ch >= '0' && ch <= '9' }

// negativeAllowed reports whether a '-' starts a negative literal: at the
// start of the expression, after an operator, an opening paren or a comma.
func negativeAllowed(preceding []token) bool {
	if len(preceding) == 0 {
		return true
	}
	last := preceding[len(preceding)-1]
	switch last.kind {
	case tkOp, tkLParen, tkComma:
		return true
	case tkIdent:
		return isKeywordOp(last.value)
	}
	return false
}

func isKeywordOp(s string) bool {
	switch s {
	case "and", "or", "not", "in":
		return true
	}
	return false
}

func quoteRune(r rune) string {
	return "'" + string(r) + "'"
}
