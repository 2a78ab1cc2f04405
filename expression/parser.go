package expression

import (
	"github.com/pkg/errors"
)

type node interface{}

type literalNode struct {
	value any
}

type identNode struct {
	name string
}

// memberNode obj.prop 或 obj[expr]
type memberNode struct {
	object   node
	property string
	computed node
}

type callNode struct {
	name string
	args []node
}

type unaryNode struct {
	op      string
	operand node
}

type binaryNode struct {
	op          string
	left, right node
}

type conditionalNode struct {
	test, consequent, alternate node
}

type arrayNode struct {
	elements []node
}

const (
	precTernary        = 1
	precOr             = 2
	precAnd            = 3
	precComparison     = 5
	precAdditive       = 6
	precMultiplicative = 7
	precUnary          = 8
	precPower          = 9
	precPostfix        = 10

	maxNestingDepth = 128
)

type parser struct {
	tokens []token
	pos    int
	depth  int
}

func parse(src string) (node, error) {
	if src == "" {
		return nil, errors.WithMessage(ErrSyntax, "empty expression")
	}
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	n, err := p.parseExpression(0)
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokenEOF {
		return nil, p.unexpected(tok)
	}
	return n, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expectOp(op string) error {
	tok := p.next()
	if tok.kind != tokenOp || tok.text != op {
		return errors.WithMessagef(ErrSyntax, "expected %q at %d", op, tok.pos)
	}
	return nil
}

func (p *parser) unexpected(tok token) error {
	if tok.kind == tokenEOF {
		return errors.WithMessage(ErrSyntax, "unexpected end of expression")
	}
	return errors.WithMessagef(ErrSyntax, "unexpected token %q at %d", tok.text, tok.pos)
}

// infix 返回中缀/后缀运算符的优先级和是否右结合
func infix(tok token) (string, int, bool) {
	switch tok.kind {
	case tokenIdent:
		switch tok.text {
		case "or":
			return "or", precOr, false
		case "and":
			return "and", precAnd, false
		case "in":
			return "in", precComparison, false
		}
	case tokenOp:
		switch tok.text {
		case "?":
			return "?", precTernary, true
		case "||":
			return "or", precOr, false
		case "&&":
			return "and", precAnd, false
		case "==", "!=", "===", "!==", "<", "<=", ">", ">=":
			return tok.text, precComparison, false
		case "+", "-":
			return tok.text, precAdditive, false
		case "*", "/", "%":
			return tok.text, precMultiplicative, false
		case "^":
			return "^", precPower, true
		case ".", "[", "(":
			return tok.text, precPostfix, false
		}
	}
	return "", 0, false
}

func (p *parser) parseExpression(minPrec int) (node, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxNestingDepth {
		return nil, errors.WithMessage(ErrSyntax, "expression nested too deeply")
	}

	left, err := p.parsePrefix()
	if err != nil {
		return nil, err
	}
	for {
		op, prec, rightAssoc := infix(p.peek())
		if prec == 0 || prec < minPrec {
			return left, nil
		}
		tok := p.next()
		switch op {
		case "?":
			consequent, err := p.parseExpression(0)
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(":"); err != nil {
				return nil, err
			}
			alternate, err := p.parseExpression(precTernary)
			if err != nil {
				return nil, err
			}
			left = &conditionalNode{test: left, consequent: consequent, alternate: alternate}
		case ".":
			name := p.next()
			if name.kind != tokenIdent {
				return nil, p.unexpected(name)
			}
			left = &memberNode{object: left, property: name.text}
		case "[":
			index, err := p.parseExpression(0)
			if err != nil {
				return nil, err
			}
			if err := p.expectOp("]"); err != nil {
				return nil, err
			}
			left = &memberNode{object: left, computed: index}
		case "(":
			ident, ok := left.(*identNode)
			if !ok {
				return nil, errors.WithMessagef(ErrSyntax, "only built-in functions can be called, at %d", tok.pos)
			}
			call, err := p.parseCall(ident.name, tok.pos)
			if err != nil {
				return nil, err
			}
			left = call
		default:
			nextMin := prec + 1
			if rightAssoc {
				nextMin = prec
			}
			right, err := p.parseExpression(nextMin)
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: op, left: left, right: right}
		}
	}
}

func (p *parser) parsePrefix() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokenNumber:
		return &literalNode{value: tok.num}, nil
	case tokenString:
		return &literalNode{value: tok.text}, nil
	case tokenIdent:
		switch tok.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null", "undefined":
			return &literalNode{value: nil}, nil
		case "not":
			return p.parseUnary("not")
		case "and", "or", "in":
			return nil, p.unexpected(tok)
		}
		return &identNode{name: tok.text}, nil
	case tokenOp:
		switch tok.text {
		case "!":
			return p.parseUnary("not")
		case "-", "+":
			return p.parseUnary(tok.text)
		case "(":
			inner, err := p.parseExpression(0)
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return inner, nil
		case "[":
			return p.parseArray()
		}
	}
	return nil, p.unexpected(tok)
}

func (p *parser) parseUnary(op string) (node, error) {
	operand, err := p.parseExpression(precUnary)
	if err != nil {
		return nil, err
	}
	return &unaryNode{op: op, operand: operand}, nil
}

func (p *parser) parseArray() (node, error) {
	arr := &arrayNode{}
	if tok := p.peek(); tok.kind == tokenOp && tok.text == "]" {
		p.next()
		return arr, nil
	}
	for {
		el, err := p.parseExpression(precTernary)
		if err != nil {
			return nil, err
		}
		arr.elements = append(arr.elements, el)
		tok := p.next()
		if tok.kind == tokenOp && tok.text == "]" {
			return arr, nil
		}
		if tok.kind != tokenOp || tok.text != "," {
			return nil, p.unexpected(tok)
		}
	}
}

func (p *parser) parseCall(name string, pos int) (node, error) {
	fn, ok := builtins[name]
	if !ok {
		return nil, errors.WithMessagef(ErrSyntax, "unknown function %q at %d", name, pos)
	}
	call := &callNode{name: name}
	if tok := p.peek(); tok.kind == tokenOp && tok.text == ")" {
		p.next()
	} else {
		for {
			arg, err := p.parseExpression(precTernary)
			if err != nil {
				return nil, err
			}
			call.args = append(call.args, arg)
			tok := p.next()
			if tok.kind == tokenOp && tok.text == ")" {
				break
			}
			if tok.kind != tokenOp || tok.text != "," {
				return nil, p.unexpected(tok)
			}
		}
	}
	if len(call.args) < fn.minArgs || (fn.maxArgs >= 0 && len(call.args) > fn.maxArgs) {
		return nil, errors.WithMessagef(ErrSyntax, "function %s got %d arguments", name, len(call.args))
	}
	return call, nil
}
