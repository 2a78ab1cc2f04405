package workflow

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/blingmoon/flowgraph/expression"
)

// HandlerResult 节点处理的结果。Success=false 或者返回 error 都算失败
type HandlerResult struct {
	Success bool
	Output  any
	Error   string
	Cost    float64
	// Variables 路径 -> 值,成功和失败都会写入实例变量
	Variables map[string]any
}

func Succeed(output any) *HandlerResult {
	return &HandlerResult{Success: true, Output: output}
}

// NodeHandler 节点处理器。
// def 和 inst 是调度时的快照,修改不会保存,需要修改变量时写在 HandlerResult.Variables 里。
// ctx 被取消表示超时或者停止,处理器应该尽快返回
type NodeHandler interface {
	Handle(ctx context.Context, node *Node, def *Definition, inst *Instance) (*HandlerResult, error)
}

type NodeHandlerFunc func(ctx context.Context, node *Node, def *Definition, inst *Instance) (*HandlerResult, error)

func (f NodeHandlerFunc) Handle(ctx context.Context, node *Node, def *Definition, inst *Instance) (*HandlerResult, error) {
	return f(ctx, node, def, inst)
}

// HandlerRegistry 按节点类型找处理器。
// 内置了 start/end/parallel/join/condition/switch/assign/loop/foreach/delay/schedule/schedule-wait,
// task/script/human/notify 需要外部注册,或者通过 SetDefault 设置兜底处理器
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[NodeType]NodeHandler
	builtin  map[NodeType]bool
	fallback NodeHandler
}

func NewHandlerRegistry(evaluator *expression.Evaluator) *HandlerRegistry {
	if evaluator == nil {
		evaluator = expression.NewEvaluator()
	}
	r := &HandlerRegistry{
		handlers: make(map[NodeType]NodeHandler),
		builtin:  make(map[NodeType]bool),
	}
	b := &builtinHandlers{evaluator: evaluator}
	for nodeType, h := range map[NodeType]NodeHandlerFunc{
		NodeTypeStart:        b.noop,
		NodeTypeEnd:          b.noop,
		NodeTypeParallel:     b.noop,
		NodeTypeJoin:         b.noop,
		NodeTypeCondition:    b.condition,
		NodeTypeSwitch:       b.switchValue,
		NodeTypeAssign:       b.assign,
		NodeTypeLoop:         b.loop,
		NodeTypeForeach:      b.foreach,
		NodeTypeDelay:        b.delay,
		NodeTypeSchedule:     b.schedule,
		NodeTypeScheduleWait: b.scheduleWait,
	} {
		r.handlers[nodeType] = h
		r.builtin[nodeType] = true
	}
	return r
}

// Register 可以覆盖内置处理器,同一类型重复注册返回 ErrNodeHandlerRegistered
func (r *HandlerRegistry) Register(nodeType NodeType, h NodeHandler) error {
	if h == nil {
		return errors.New("node handler is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[nodeType]; ok && !r.builtin[nodeType] {
		return errors.WithMessagef(ErrNodeHandlerRegistered, "nodeType: %s", nodeType)
	}
	r.handlers[nodeType] = h
	delete(r.builtin, nodeType)
	return nil
}

// SetDefault 没有注册处理器的节点类型使用 h
func (r *HandlerRegistry) SetDefault(h NodeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

func (r *HandlerRegistry) Get(nodeType NodeType) (NodeHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[nodeType]; ok {
		return h, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

func (r *HandlerRegistry) Handle(ctx context.Context, node *Node, def *Definition, inst *Instance) (*HandlerResult, error) {
	h, ok := r.Get(node.Type)
	if !ok {
		return nil, errors.WithMessagef(ErrNodeHandlerNotFound, "nodeType: %s, nodeID: %s", node.Type, node.ID)
	}
	return h.Handle(ctx, node, def, inst)
}
