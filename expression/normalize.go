package expression

import (
	"regexp"
	"strings"
)

// 作为属性访问时需要转义的保留字,函数调用时保持原样
var reservedWords = map[string]bool{
	"round": true, "floor": true, "ceil": true, "abs": true, "log": true,
	"length": true, "min": true, "max": true, "sqrt": true, "exp": true,
	"random": true, "trunc": true, "sign": true,
	"and": true, "or": true, "not": true, "in": true,
}

const pathPattern = `([A-Za-z_$][\w$]*(?:\.[A-Za-z_$][\w$]*)*)`

var (
	bracketRefRegexp = regexp.MustCompile(`\b(outputs|variables|nodeStates)\[\s*(?:'([^']*)'|"([^"]*)")\s*\]`)
	dateNowRegexp    = regexp.MustCompile(`\bDate\.now\(\s*\)`)
	mathCallRegexp   = regexp.MustCompile(`\bMath\.(floor|ceil|round|min|max|abs)\s*\(`)
	caseChainRegexp  = regexp.MustCompile(pathPattern + `\.(toLowerCase|toUpperCase)\(\s*\)\.(includes|startsWith|endsWith)\(`)
	caseOnlyRegexp   = regexp.MustCompile(pathPattern + `\.(toLowerCase|toUpperCase)\(\s*\)`)
	methodCallRegexp = regexp.MustCompile(pathPattern + `\.(includes|startsWith|endsWith)\(`)
)

// Normalize 把 JS 风格的写法改写成求值器的语法
func Normalize(expr string) string {
	s := strings.TrimSpace(expr)
	if s == "" {
		return s
	}
	s = bracketRefRegexp.ReplaceAllStringFunc(s, func(m string) string {
		sub := bracketRefRegexp.FindStringSubmatch(m)
		name := sub[2]
		if name == "" {
			name = sub[3]
		}
		return sub[1] + "." + strings.ReplaceAll(name, "-", "_")
	})
	s = mapCode(s, func(code string) string {
		code = dateNowRegexp.ReplaceAllString(code, "now()")
		code = mathCallRegexp.ReplaceAllString(code, "$1(")
		code = caseChainRegexp.ReplaceAllStringFunc(code, func(m string) string {
			sub := caseChainRegexp.FindStringSubmatch(m)
			return sub[3] + "(" + caseFunc(sub[2]) + "(" + sub[1] + "), "
		})
		code = caseOnlyRegexp.ReplaceAllStringFunc(code, func(m string) string {
			sub := caseOnlyRegexp.FindStringSubmatch(m)
			return caseFunc(sub[2]) + "(" + sub[1] + ")"
		})
		code = methodCallRegexp.ReplaceAllString(code, "$2($1, ")
		return code
	})
	return rewriteOperators(s)
}

func caseFunc(method string) string {
	if method == "toUpperCase" {
		return "upper"
	}
	return "lower"
}

// mapCode 只对引号外的片段调用 f
func mapCode(s string, f func(string) string) string {
	var b strings.Builder
	start := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
				continue
			}
			if c == quote {
				b.WriteString(s[start : i+1])
				start = i + 1
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			b.WriteString(f(s[start:i]))
			start = i
			quote = c
		}
	}
	if quote != 0 {
		// 未闭合的字符串原样保留,交给解析器报错
		b.WriteString(s[start:])
	} else {
		b.WriteString(f(s[start:]))
	}
	return b.String()
}

// rewriteOperators 改写 && || ! 并转义属性访问里的保留字
func rewriteOperators(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			b.WriteByte(c)
			if c == '\\' && i+1 < len(s) {
				i++
				b.WriteByte(s[i])
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}
		next := byte(0)
		if i+1 < len(s) {
			next = s[i+1]
		}
		switch {
		case c == '\'' || c == '"':
			quote = c
			b.WriteByte(c)
		case c == '&' && next == '&':
			writeWord(&b, "and", s, i+2)
			i++
		case c == '|' && next == '|':
			writeWord(&b, "or", s, i+2)
			i++
		case c == '!' && next != '=':
			writeWord(&b, "not", s, i+1)
		case c == '.':
			b.WriteByte(c)
			if word, rest := identAt(s, i+1); word != "" && reservedWords[word] && !followedByCall(s, rest) {
				b.WriteString(s[i+1 : rest-len(word)])
				b.WriteString("__")
				b.WriteString(word)
				i = rest - 1
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func writeWord(b *strings.Builder, word string, s string, nextIdx int) {
	if out := b.String(); len(out) > 0 {
		if last := out[len(out)-1]; last != ' ' && last != '(' {
			b.WriteByte(' ')
		}
	}
	b.WriteString(word)
	if nextIdx < len(s) && s[nextIdx] != ' ' {
		b.WriteByte(' ')
	}
}

// identAt 跳过空格读取一个标识符,返回标识符和它结束的位置
func identAt(s string, i int) (string, int) {
	for i < len(s) && s[i] == ' ' {
		i++
	}
	start := i
	if i >= len(s) || !isIdentStart(s[i]) {
		return "", start
	}
	for i < len(s) && isIdentPart(s[i]) {
		i++
	}
	return s[start:i], i
}

func followedByCall(s string, i int) bool {
	for i < len(s) && s[i] == ' ' {
		i++
	}
	return i < len(s) && s[i] == '('
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
