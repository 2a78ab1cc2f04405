package expression

import (
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// scope 一次求值用到的根变量
type scope struct {
	outputs    map[string]any
	variables  map[string]any
	nodeStates map[string]any
	loopCount  int
	iteration  *Iteration
	now        func() time.Time
}

func newScope(ctx *Context) *scope {
	s := &scope{now: time.Now}
	if ctx == nil {
		return s
	}
	s.outputs = withAliases(ctx.Outputs)
	s.variables = withAliases(ctx.Variables)
	s.nodeStates = withAliases(ctx.NodeStates)
	s.loopCount = ctx.LoopCount
	s.iteration = ctx.Iteration
	if ctx.Now != nil {
		s.now = ctx.Now
	}
	return s
}

// withAliases 带连字符的 key 额外暴露一个下划线版本
func withAliases(m map[string]any) map[string]any {
	var out map[string]any
	for k, v := range m {
		if !strings.Contains(k, "-") {
			continue
		}
		alias := strings.ReplaceAll(k, "-", "_")
		if _, exists := m[alias]; exists {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(m)+1)
			for k2, v2 := range m {
				out[k2] = v2
			}
		}
		out[alias] = v
	}
	if out == nil {
		return m
	}
	return out
}

func (s *scope) resolve(name string) (any, error) {
	switch name {
	case "outputs":
		return s.outputs, nil
	case "variables":
		return s.variables, nil
	case "nodeStates":
		return s.nodeStates, nil
	case "loopCount":
		return float64(s.loopCount), nil
	case "index", "item", "total":
		if s.iteration == nil {
			break
		}
		switch name {
		case "index":
			return float64(s.iteration.Index), nil
		case "item":
			return s.iteration.Item, nil
		default:
			return float64(s.iteration.Total), nil
		}
	}
	return nil, errors.WithMessagef(ErrEvaluation, "undefined variable %s", name)
}

func (s *scope) eval(n node) (any, error) {
	switch n := n.(type) {
	case *literalNode:
		return n.value, nil
	case *identNode:
		return s.resolve(n.name)
	case *arrayNode:
		out := make([]any, 0, len(n.elements))
		for _, el := range n.elements {
			v, err := s.eval(el)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case *memberNode:
		return s.evalMember(n)
	case *callNode:
		args := make([]any, 0, len(n.args))
		for _, a := range n.args {
			v, err := s.eval(a)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
		return builtins[n.name].fn(s, args)
	case *unaryNode:
		v, err := s.eval(n.operand)
		if err != nil {
			return nil, err
		}
		switch n.op {
		case "not":
			return !truthy(v), nil
		case "-":
			f, ok := toNumber(v)
			if !ok {
				return nil, errors.WithMessagef(ErrEvaluation, "cannot negate %T", v)
			}
			return -f, nil
		default:
			f, ok := toNumber(v)
			if !ok {
				return nil, errors.WithMessagef(ErrEvaluation, "cannot convert %T to number", v)
			}
			return f, nil
		}
	case *conditionalNode:
		test, err := s.eval(n.test)
		if err != nil {
			return nil, err
		}
		if truthy(test) {
			return s.eval(n.consequent)
		}
		return s.eval(n.alternate)
	case *binaryNode:
		return s.evalBinary(n)
	}
	return nil, errors.WithMessagef(ErrEvaluation, "unknown node %T", n)
}

func (s *scope) evalMember(n *memberNode) (any, error) {
	obj, err := s.eval(n.object)
	if err != nil {
		return nil, err
	}
	var key any = n.property
	if n.computed != nil {
		key, err = s.eval(n.computed)
		if err != nil {
			return nil, err
		}
	}
	if root, ok := n.object.(*identNode); ok && root.name == "outputs" {
		// 节点还没有输出时包一层,保证 outputs.X.y 不报错
		v := property(obj, key)
		if v == nil {
			return map[string]any{"_raw": ""}, nil
		}
		return v, nil
	}
	if obj == nil {
		return nil, errors.WithMessagef(ErrEvaluation, "cannot read property %v of null", key)
	}
	return property(obj, key), nil
}

func (s *scope) evalBinary(n *binaryNode) (any, error) {
	left, err := s.eval(n.left)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "and":
		if !truthy(left) {
			return false, nil
		}
		right, err := s.eval(n.right)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case "or":
		if truthy(left) {
			return true, nil
		}
		right, err := s.eval(n.right)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	right, err := s.eval(n.right)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "===":
		return strictEqual(left, right), nil
	case "!==":
		return !strictEqual(left, right), nil
	case "<", "<=", ">", ">=":
		return compare(n.op, left, right), nil
	case "in":
		return contains(right, left), nil
	case "+":
		_, ls := left.(string)
		_, rs := right.(string)
		if ls || rs {
			return toString(left) + toString(right), nil
		}
	}

	lf, lok := toNumber(left)
	rf, rok := toNumber(right)
	if !lok || !rok {
		return nil, errors.WithMessagef(ErrEvaluation, "operator %s needs numbers, got %T and %T", n.op, left, right)
	}
	switch n.op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, errors.WithMessage(ErrEvaluation, "division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, errors.WithMessage(ErrEvaluation, "division by zero")
		}
		return math.Mod(lf, rf), nil
	case "^":
		return math.Pow(lf, rf), nil
	}
	return nil, errors.WithMessagef(ErrEvaluation, "unknown operator %s", n.op)
}

func compare(op string, left, right any) bool {
	ls, lok := left.(string)
	rs, rok := right.(string)
	var c int
	if lok && rok {
		c = strings.Compare(ls, rs)
	} else {
		lf, ok1 := toNumber(left)
		rf, ok2 := toNumber(right)
		if !ok1 || !ok2 || math.IsNaN(lf) || math.IsNaN(rf) {
			return false
		}
		switch {
		case lf < rf:
			c = -1
		case lf > rf:
			c = 1
		}
	}
	switch op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	default:
		return c >= 0
	}
}

// contains 数组包含元素、map 包含 key、字符串包含子串
func contains(container any, item any) bool {
	switch c := container.(type) {
	case nil:
		return false
	case string:
		return strings.Contains(c, toString(item))
	}
	if l, ok := asList(container); ok {
		for _, el := range l {
			if looseEqual(el, item) {
				return true
			}
		}
		return false
	}
	if rv := reflect.ValueOf(container); rv.Kind() == reflect.Map {
		_, ok := lookupKey(container, toString(item))
		return ok
	}
	return false
}
