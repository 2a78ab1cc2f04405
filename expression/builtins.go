package expression

import (
	"math"
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

type builtin struct {
	minArgs int
	maxArgs int // -1 不限
	fn      func(s *scope, args []any) (any, error)
}

var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"len":        {1, 1, builtinLen},
		"has":        {1, 2, builtinHas},
		"get":        {2, 3, builtinGet},
		"str":        {1, 1, func(_ *scope, args []any) (any, error) { return toString(args[0]), nil }},
		"num":        {1, 1, builtinNum},
		"floor":      {1, 1, mathFunc(math.Floor)},
		"ceil":       {1, 1, mathFunc(math.Ceil)},
		"abs":        {1, 1, mathFunc(math.Abs)},
		"round":      {1, 2, builtinRound},
		"min":        {1, -1, extremum(func(a, b float64) bool { return a < b })},
		"max":        {1, -1, extremum(func(a, b float64) bool { return a > b })},
		"now":        {0, 0, builtinNow},
		"includes":   {2, 2, builtinIncludes},
		"startsWith": {2, 2, stringPredicate(strings.HasPrefix)},
		"endsWith":   {2, 2, stringPredicate(strings.HasSuffix)},
		"lower":      {1, 1, func(_ *scope, args []any) (any, error) { return strings.ToLower(toString(args[0])), nil }},
		"upper":      {1, 1, func(_ *scope, args []any) (any, error) { return strings.ToUpper(toString(args[0])), nil }},
	}
}

func builtinLen(_ *scope, args []any) (any, error) {
	switch v := args[0].(type) {
	case nil:
		return float64(0), nil
	case string:
		return float64(len([]rune(v))), nil
	}
	if l, ok := asList(args[0]); ok {
		return float64(len(l)), nil
	}
	if rv := reflect.ValueOf(args[0]); rv.Kind() == reflect.Map {
		return float64(rv.Len()), nil
	}
	return nil, errors.WithMessagef(ErrEvaluation, "len: unsupported type %T", args[0])
}

func builtinHas(_ *scope, args []any) (any, error) {
	if len(args) == 1 {
		return args[0] != nil, nil
	}
	return contains(args[0], args[1]), nil
}

// builtinGet get(obj, 'a.b.0', default)
func builtinGet(_ *scope, args []any) (any, error) {
	var def any
	if len(args) == 3 {
		def = args[2]
	}
	current := args[0]
	path := toString(args[1])
	if path == "" {
		if current == nil {
			return def, nil
		}
		return current, nil
	}
	for _, part := range strings.Split(path, ".") {
		if current == nil {
			return def, nil
		}
		current = property(current, part)
	}
	if current == nil {
		return def, nil
	}
	return current, nil
}

func builtinNum(_ *scope, args []any) (any, error) {
	f, ok := toNumber(args[0])
	if !ok {
		return nil, errors.WithMessagef(ErrEvaluation, "num: cannot convert %v", args[0])
	}
	return f, nil
}

func mathFunc(f func(float64) float64) func(*scope, []any) (any, error) {
	return func(_ *scope, args []any) (any, error) {
		x, ok := toNumber(args[0])
		if !ok {
			return nil, errors.WithMessagef(ErrEvaluation, "expected number, got %T", args[0])
		}
		return f(x), nil
	}
}

// builtinRound 四舍五入,.5 向正无穷方向
func builtinRound(_ *scope, args []any) (any, error) {
	x, ok := toNumber(args[0])
	if !ok {
		return nil, errors.WithMessagef(ErrEvaluation, "round: expected number, got %T", args[0])
	}
	if len(args) == 1 {
		return math.Floor(x + 0.5), nil
	}
	digits, ok := toNumber(args[1])
	if !ok {
		return nil, errors.WithMessagef(ErrEvaluation, "round: expected number, got %T", args[1])
	}
	p := math.Pow(10, math.Trunc(digits))
	return math.Floor(x*p+0.5) / p, nil
}

func extremum(better func(a, b float64) bool) func(*scope, []any) (any, error) {
	return func(_ *scope, args []any) (any, error) {
		values := args
		if len(args) == 1 {
			if l, ok := asList(args[0]); ok {
				values = l
			}
		}
		if len(values) == 0 {
			return nil, errors.WithMessage(ErrEvaluation, "min/max of empty list")
		}
		var best float64
		for i, v := range values {
			f, ok := toNumber(v)
			if !ok {
				return nil, errors.WithMessagef(ErrEvaluation, "expected number, got %T", v)
			}
			if i == 0 || better(f, best) {
				best = f
			}
		}
		return best, nil
	}
}

func builtinNow(s *scope, _ []any) (any, error) {
	return float64(s.now().UnixMilli()), nil
}

func builtinIncludes(_ *scope, args []any) (any, error) {
	if s, ok := args[0].(string); ok {
		return strings.Contains(s, toString(args[1])), nil
	}
	if l, ok := asList(args[0]); ok {
		for _, el := range l {
			if strictEqual(el, args[1]) {
				return true, nil
			}
		}
		return false, nil
	}
	if args[0] == nil {
		return false, nil
	}
	return nil, errors.WithMessagef(ErrEvaluation, "includes: unsupported type %T", args[0])
}

func stringPredicate(f func(s, prefix string) bool) func(*scope, []any) (any, error) {
	return func(_ *scope, args []any) (any, error) {
		if args[0] == nil {
			return false, nil
		}
		return f(toString(args[0]), toString(args[1])), nil
	}
}
