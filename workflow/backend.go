package workflow

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/blingmoon/flowgraph/expression"
)

var (
	ErrBackendTimeout   = errors.New("backend invocation timed out")
	ErrBackendCancelled = errors.New("backend invocation cancelled")
	ErrBackendProcess   = errors.New("backend process error")
)

type InvokeOptions struct {
	SessionID string
	// Timeout 0 表示只受 ctx 控制
	Timeout  time.Duration
	Metadata map[string]any
}

type Invocation struct {
	Response  string
	SessionID string
	Cost      float64
}

// Backend 执行 task 节点的外部后端。
// 失败时返回 ErrBackendTimeout/ErrBackendCancelled/ErrBackendProcess 包装过的错误
type Backend interface {
	Invoke(ctx context.Context, prompt string, opts *InvokeOptions) (*Invocation, error)
}

type BackendFunc func(ctx context.Context, prompt string, opts *InvokeOptions) (*Invocation, error)

func (f BackendFunc) Invoke(ctx context.Context, prompt string, opts *InvokeOptions) (*Invocation, error) {
	return f(ctx, prompt, opts)
}

var templateRegexp = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)

// TaskHandler 把 task 节点交给 Backend。
// 节点配置: prompt(支持 {{ 表达式 }} 插值), timeout, sessionFrom(复用某个节点输出里的 sessionId)
type TaskHandler struct {
	backend   Backend
	evaluator *expression.Evaluator
}

func NewTaskHandler(backend Backend, evaluator *expression.Evaluator) *TaskHandler {
	if evaluator == nil {
		evaluator = expression.NewEvaluator()
	}
	return &TaskHandler{backend: backend, evaluator: evaluator}
}

func (h *TaskHandler) Handle(ctx context.Context, node *Node, def *Definition, inst *Instance) (*HandlerResult, error) {
	conf := node.Conf()
	prompt, ok := conf.GetString("prompt")
	if !ok || strings.TrimSpace(prompt) == "" {
		return nil, errors.WithMessagef(ErrNodeFailedWithTermination, "task node %s has no prompt", node.ID)
	}
	prompt, err := h.render(prompt, expressionContext(inst, node.ID, 0))
	if err != nil {
		return nil, errors.WithMessagef(err, "render prompt failed, nodeID: %s", node.ID)
	}

	opts := &InvokeOptions{Metadata: map[string]any{"instanceId": inst.ID, "nodeId": node.ID}}
	if d, ok := conf.GetDuration("timeout"); ok {
		opts.Timeout = d
	}
	if from, ok := conf.GetString("sessionFrom"); ok {
		if out, ok := inst.Outputs[from].(map[string]any); ok {
			opts.SessionID, _ = out["sessionId"].(string)
		}
	}

	invokeCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeoutCause(ctx, opts.Timeout, ErrBackendTimeout)
		defer cancel()
	}
	inv, err := h.backend.Invoke(invokeCtx, prompt, opts)
	if err != nil {
		return nil, classifyBackendError(invokeCtx, err)
	}
	return &HandlerResult{
		Success: true,
		Output: map[string]any{
			"response":  inv.Response,
			"sessionId": inv.SessionID,
		},
		Cost: inv.Cost,
	}, nil
}

// render 替换 {{ 表达式 }},求值失败直接返回错误
func (h *TaskHandler) render(tpl string, exprCtx *expression.Context) (string, error) {
	var renderErr error
	out := templateRegexp.ReplaceAllStringFunc(tpl, func(m string) string {
		if renderErr != nil {
			return m
		}
		expr := templateRegexp.FindStringSubmatch(m)[1]
		v, err := h.evaluator.Evaluate(expr, exprCtx)
		if err != nil {
			renderErr = errors.WithMessagef(err, "expression: %s", expr)
			return m
		}
		return expression.ToString(v)
	})
	return out, renderErr
}

// classifyBackendError 没有分类的错误按 ctx 的状态归类
func classifyBackendError(ctx context.Context, err error) error {
	if errors.Is(err, ErrBackendTimeout) || errors.Is(err, ErrBackendCancelled) || errors.Is(err, ErrBackendProcess) {
		return err
	}
	switch {
	case errors.Is(context.Cause(ctx), ErrBackendTimeout), errors.Is(err, context.DeadlineExceeded):
		return errors.WithMessage(ErrBackendTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		return errors.WithMessage(ErrBackendCancelled, err.Error())
	}
	return errors.WithMessage(ErrBackendProcess, err.Error())
}
