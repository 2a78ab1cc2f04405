package expression

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenNumber
	tokenString
	tokenIdent
	tokenOp
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// 按长度从长到短匹配
var operators = []string{
	"===", "!==",
	"==", "!=", "<=", ">=", "&&", "||",
	"<", ">", "+", "-", "*", "/", "%", "^", "!",
	"(", ")", "[", "]", ",", ".", "?", ":",
}

func tokenize(src string) ([]token, error) {
	tokens := make([]token, 0, len(src)/2+1)
	afterDot := false
	i := 0
	for i < len(src) {
		c := src[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			i++
			continue
		}
		start := i
		switch {
		case afterDot && isIdentPart(c):
			// 属性名允许数字开头,关键字也按普通名字处理
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			tokens = append(tokens, token{kind: tokenIdent, text: src[start:i], pos: start})
		case isDigit(c):
			end := scanNumber(src, i)
			f, err := strconv.ParseFloat(src[i:end], 64)
			if err != nil {
				return nil, errors.WithMessagef(ErrSyntax, "invalid number %q at %d", src[i:end], i)
			}
			tokens = append(tokens, token{kind: tokenNumber, text: src[i:end], num: f, pos: start})
			i = end
		case isIdentStart(c):
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			tokens = append(tokens, token{kind: tokenIdent, text: src[start:i], pos: start})
		case c == '\'' || c == '"':
			s, end, err := scanString(src, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokenString, text: s, pos: start})
			i = end
		default:
			op := ""
			for _, candidate := range operators {
				if strings.HasPrefix(src[i:], candidate) {
					op = candidate
					break
				}
			}
			if op == "" {
				return nil, errors.WithMessagef(ErrSyntax, "unexpected character %q at %d", c, i)
			}
			tokens = append(tokens, token{kind: tokenOp, text: op, pos: start})
			i += len(op)
		}
		last := tokens[len(tokens)-1]
		afterDot = last.kind == tokenOp && last.text == "."
	}
	tokens = append(tokens, token{kind: tokenEOF, pos: len(src)})
	return tokens, nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func scanNumber(src string, i int) int {
	for i < len(src) && isDigit(src[i]) {
		i++
	}
	if i+1 < len(src) && src[i] == '.' && isDigit(src[i+1]) {
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
			for j < len(src) && isDigit(src[j]) {
				j++
			}
			i = j
		}
	}
	return i
}

func scanString(src string, i int) (string, int, error) {
	quote := src[i]
	var b strings.Builder
	for j := i + 1; j < len(src); j++ {
		c := src[j]
		switch {
		case c == quote:
			return b.String(), j + 1, nil
		case c == '\\' && j+1 < len(src):
			j++
			switch src[j] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte(src[j])
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, errors.WithMessagef(ErrSyntax, "unterminated string at %d", i)
}
