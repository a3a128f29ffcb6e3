package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type lexer struct {
	input string
	pos   int
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// scanTag scans a HXL hashtag identifier such as #affected+infected+f.
// A '+' is only consumed when it glues on another attribute, so that
// "#affected+f + #affected+m" splits at the operator.
func (l *lexer) scanTag() string {
	start := l.pos
	l.pos++ // '#'
	for l.pos < len(l.input) {
		r := rune(l.input[l.pos])
		if isIdentPart(r) {
			l.pos++
			continue
		}
		if r == '+' && l.pos+1 < len(l.input) && isIdentPart(rune(l.input[l.pos+1])) {
			l.pos += 2
			continue
		}
		break
	}
	return l.input[start:l.pos]
}

func (l *lexer) scan() ([]token, error) {
	var tokens []token
	for l.pos < len(l.input) {
		start := l.pos
		c := l.input[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c == '#':
			tokens = append(tokens, token{tokenIdent, l.scanTag(), start})
		case c == '{' && strings.HasPrefix(l.input[l.pos:], "{{"):
			end := strings.Index(l.input[l.pos:], "}}")
			if end < 0 {
				return nil, fmt.Errorf("unterminated column reference at offset %d", start)
			}
			name := l.input[l.pos+2 : l.pos+end]
			l.pos += end + 2
			tokens = append(tokens, token{tokenIdent, name, start})
		case c == '\'' || c == '"':
			quote := c
			l.pos++
			end := strings.IndexByte(l.input[l.pos:], quote)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string at offset %d", start)
			}
			tokens = append(tokens, token{tokenString, l.input[l.pos : l.pos+end], start})
			l.pos += end + 1
		case c >= '0' && c <= '9' || c == '.' && l.pos+1 < len(l.input) && l.input[l.pos+1] >= '0' && l.input[l.pos+1] <= '9':
			for l.pos < len(l.input) && (l.input[l.pos] >= '0' && l.input[l.pos] <= '9' || l.input[l.pos] == '.') {
				l.pos++
			}
			tokens = append(tokens, token{tokenNumber, l.input[start:l.pos], start})
		case isIdentStart(rune(c)):
			for l.pos < len(l.input) && isIdentPart(rune(l.input[l.pos])) {
				l.pos++
			}
			word := l.input[start:l.pos]
			switch word {
			case "and":
				tokens = append(tokens, token{tokenAnd, word, start})
			case "or":
				tokens = append(tokens, token{tokenOr, word, start})
			case "not":
				tokens = append(tokens, token{tokenNot, word, start})
			default:
				tokens = append(tokens, token{tokenIdent, word, start})
			}
		default:
			kind, width, err := l.scanOperator()
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind, l.input[start : start+width], start})
			l.pos += width
		}
	}
	tokens = append(tokens, token{tokenEOF, "", len(l.input)})
	return tokens, nil
}

func (l *lexer) scanOperator() (tokenKind, int, error) {
	rest := l.input[l.pos:]
	two := ""
	if len(rest) >= 2 {
		two = rest[:2]
	}
	switch two {
	case "==":
		return tokenEq, 2, nil
	case "!=":
		return tokenNeq, 2, nil
	case "<=":
		return tokenLte, 2, nil
	case ">=":
		return tokenGte, 2, nil
	case "&&":
		return tokenAnd, 2, nil
	case "||":
		return tokenOr, 2, nil
	}
	switch rest[0] {
	case '+':
		return tokenPlus, 1, nil
	case '-':
		return tokenMinus, 1, nil
	case '*':
		return tokenStar, 1, nil
	case '/':
		return tokenSlash, 1, nil
	case '%':
		return tokenPercent, 1, nil
	case '(':
		return tokenLParen, 1, nil
	case ')':
		return tokenRParen, 1, nil
	case ',':
		return tokenComma, 1, nil
	case '<':
		return tokenLt, 1, nil
	case '>':
		return tokenGt, 1, nil
	case '!':
		return tokenNot, 1, nil
	}
	return tokenEOF, 0, fmt.Errorf("unexpected character %q at offset %d", rest[0], l.pos)
}
