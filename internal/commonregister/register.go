// Package commonregister 命令行和示例共用的处理器和工作流注册
package commonregister

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/blingmoon/flowgraph/expression"
	"github.com/blingmoon/flowgraph/workflow"
)

// Register 注册 task/human/notify/script 四种外部节点的处理器。
// backend 为空时 task 节点使用 EchoBackend
func Register(registry *workflow.HandlerRegistry, evaluator *expression.Evaluator, backend workflow.Backend, logger *slog.Logger) error {
	if backend == nil {
		backend = EchoBackend()
	}
	if evaluator == nil {
		evaluator = expression.NewEvaluator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	handlers := map[workflow.NodeType]workflow.NodeHandler{
		workflow.NodeTypeTask:   workflow.NewTaskHandler(backend, evaluator),
		workflow.NodeTypeHuman:  workflow.NodeHandlerFunc(human),
		workflow.NodeTypeNotify: notify(logger),
		workflow.NodeTypeScript: script(evaluator),
	}
	for _, nodeType := range []workflow.NodeType{
		workflow.NodeTypeTask, workflow.NodeTypeHuman, workflow.NodeTypeNotify, workflow.NodeTypeScript,
	} {
		if err := registry.Register(nodeType, handlers[nodeType]); err != nil {
			return errors.WithMessagef(err, "register handler failed, type: %s", nodeType)
		}
	}
	return nil
}

// human 审批结果从变量读取。节点配置 decisionPath 指定点分隔的路径,
// 没有配置时读取 approvals.<节点id>,变量里没有时使用节点配置 default
func human(ctx context.Context, node *workflow.Node, def *workflow.Definition, inst *workflow.Instance) (*workflow.HandlerResult, error) {
	vars := workflow.NewJSONContextFromMap(inst.Variables)
	var decision any
	if path, _ := node.Conf().GetString("decisionPath"); path != "" {
		decision, _ = vars.GetPath(path)
	} else {
		decision, _ = vars.Get("approvals", node.ID)
	}
	approved, ok := decision.(bool)
	source := "variables"
	if !ok {
		approved, ok = node.Conf().GetBool("default")
		source = "default"
	}
	if !ok {
		return nil, errors.WithMessagef(workflow.ErrNodeFailedWithTermination, "human node %s has no decision", node.ID)
	}
	return workflow.Succeed(map[string]any{"approved": approved, "source": source}), nil
}

// notify 只写日志,配置 channel 和 message
func notify(logger *slog.Logger) workflow.NodeHandlerFunc {
	return func(ctx context.Context, node *workflow.Node, def *workflow.Definition, inst *workflow.Instance) (*workflow.HandlerResult, error) {
		conf := node.Conf()
		channel, _ := conf.GetString("channel")
		message, _ := conf.GetString("message")
		logger.InfoContext(ctx, "[notify] "+message, "instanceId", inst.ID, "nodeId", node.ID, "channel", channel)
		return workflow.Succeed(map[string]any{"channel": channel, "message": message}), nil
	}
}

// script 节点只能写表达式,输出 {result}
func script(evaluator *expression.Evaluator) workflow.NodeHandlerFunc {
	return func(ctx context.Context, node *workflow.Node, def *workflow.Definition, inst *workflow.Instance) (*workflow.HandlerResult, error) {
		expr, ok := node.Conf().GetString("expression")
		if !ok {
			return nil, errors.WithMessagef(workflow.ErrNodeFailedWithTermination, "script node %s requires expression", node.ID)
		}
		v, err := evaluator.Evaluate(expr, inst.ExpressionContext(node.ID))
		if err != nil {
			return nil, errors.WithMessagef(err, "script failed, nodeID: %s", node.ID)
		}
		return workflow.Succeed(map[string]any{"result": v}), nil
	}
}
