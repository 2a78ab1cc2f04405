// Package expression 条件边使用的表达式求值。
//
// 表达式先经过 Normalize 改写(&& || ! 、outputs['a-b']、.toLowerCase().includes() 等
// JS 写法),再由一个封闭语法的解析器求值。语法只有字面量、成员访问、内置函数调用、
// 算术/比较/逻辑运算和三元表达式,不支持赋值、循环和自定义函数。
//
// 可以引用的根变量: outputs、variables、nodeStates、loopCount,
// 循环迭代中还可以引用 index、item、total。
package expression

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrSyntax     = errors.New("expression syntax error")
	ErrEvaluation = errors.New("expression evaluation error")
)

// Context 求值上下文,只读
type Context struct {
	Outputs    map[string]any
	Variables  map[string]any
	NodeStates map[string]any
	LoopCount  int
	Iteration  *Iteration
	// Now 为空时使用 time.Now
	Now func() time.Time
}

// Iteration 循环迭代上下文
type Iteration struct {
	Index int
	Item  any
	Total int
}

type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

const defaultCacheSize = 512

// Evaluator 带解析缓存的求值器,可以并发使用
type Evaluator struct {
	mu        sync.RWMutex
	cache     map[string]node
	cacheSize int
	logger    *slog.Logger
}

type Option func(*Evaluator)

// WithCacheSize 解析缓存的条目上限,0 表示不缓存
func WithCacheSize(n int) Option {
	return func(e *Evaluator) {
		e.cacheSize = n
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{cacheSize: defaultCacheSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	e.cache = make(map[string]node)
	return e
}

var defaultEvaluator = NewEvaluator()

func (e *Evaluator) compile(expr string) (node, error) {
	normalized := Normalize(expr)
	if e.cacheSize > 0 {
		e.mu.RLock()
		n, ok := e.cache[normalized]
		e.mu.RUnlock()
		if ok {
			return n, nil
		}
	}
	n, err := parse(normalized)
	if err != nil {
		return nil, errors.WithMessagef(err, "parse %q failed", normalized)
	}
	if e.cacheSize > 0 {
		e.mu.Lock()
		if len(e.cache) >= e.cacheSize {
			e.cache = make(map[string]node)
		}
		e.cache[normalized] = n
		e.mu.Unlock()
	}
	return n, nil
}

// Evaluate 求值,返回值的数字统一是 float64
func (e *Evaluator) Evaluate(expr string, ctx *Context) (any, error) {
	n, err := e.compile(expr)
	if err != nil {
		return nil, err
	}
	v, err := newScope(ctx).eval(n)
	if err != nil {
		return nil, errors.WithMessagef(err, "evaluate %q failed", expr)
	}
	return v, nil
}

// EvaluateCondition 条件求值。空表达式为 true,任何错误都按 false 处理。
func (e *Evaluator) EvaluateCondition(expr string, ctx *Context) (result bool) {
	if strings.TrimSpace(expr) == "" {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("[EvaluateCondition] panic", "expr", expr, "panic", r)
			result = false
		}
	}()
	v, err := e.Evaluate(expr, ctx)
	if err != nil {
		e.logger.Debug("[EvaluateCondition] evaluate failed, treated as false", "expr", expr, "err", err)
		return false
	}
	return truthy(v)
}

// Validate 只检查语法,不需要上下文
func (e *Evaluator) Validate(expr string) ValidationResult {
	if _, err := e.compile(expr); err != nil {
		return ValidationResult{Valid: false, Error: err.Error()}
	}
	return ValidationResult{Valid: true}
}

func Evaluate(expr string, ctx *Context) (any, error) {
	return defaultEvaluator.Evaluate(expr, ctx)
}

func EvaluateCondition(expr string, ctx *Context) bool {
	return defaultEvaluator.EvaluateCondition(expr, ctx)
}

func Validate(expr string) ValidationResult {
	return defaultEvaluator.Validate(expr)
}

// ToString 和表达式里字符串拼接的转换规则一致, nil 是空字符串
func ToString(v any) string {
	return toString(v)
}

var referenceRegexp = regexp.MustCompile(`\b(?:outputs|variables|nodeStates)\s*\.\s*([A-Za-z_$][\w$]*)`)

// ExtractVariables 返回表达式引用的节点/变量 id,去重并保持出现顺序
func ExtractVariables(expr string) []string {
	normalized := Normalize(expr)
	ids := make([]string, 0)
	seen := make(map[string]bool)
	add := func(id string) {
		id = strings.TrimPrefix(id, "__")
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	n, err := parse(normalized)
	if err != nil {
		// 语法错误时退化成正则扫描
		for _, m := range referenceRegexp.FindAllStringSubmatch(normalized, -1) {
			add(m[1])
		}
		return ids
	}
	walk(n, func(m *memberNode) {
		root, ok := m.object.(*identNode)
		if !ok {
			return
		}
		switch root.name {
		case "outputs", "variables", "nodeStates":
		default:
			return
		}
		if m.computed == nil {
			add(m.property)
		} else if lit, ok := m.computed.(*literalNode); ok {
			if s, ok := lit.value.(string); ok {
				add(s)
			}
		}
	})
	return ids
}

func walk(n node, visit func(*memberNode)) {
	switch n := n.(type) {
	case *memberNode:
		walk(n.object, visit)
		visit(n)
		if n.computed != nil {
			walk(n.computed, visit)
		}
	case *callNode:
		for _, a := range n.args {
			walk(a, visit)
		}
	case *arrayNode:
		for _, el := range n.elements {
			walk(el, visit)
		}
	case *unaryNode:
		walk(n.operand, visit)
	case *binaryNode:
		walk(n.left, visit)
		walk(n.right, visit)
	case *conditionalNode:
		walk(n.test, visit)
		walk(n.consequent, visit)
		walk(n.alternate, visit)
	}
}
