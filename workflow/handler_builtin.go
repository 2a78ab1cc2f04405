package workflow

import (
	"context"
	"reflect"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/blingmoon/flowgraph/expression"
)

const (
	defaultLoopMaxIterations    = 10
	defaultForeachMaxIterations = 1000
)

// cronParser 支持可选的秒字段和 @every 这样的描述符
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type builtinHandlers struct {
	evaluator *expression.Evaluator
}

func (b *builtinHandlers) noop(ctx context.Context, node *Node, def *Definition, inst *Instance) (*HandlerResult, error) {
	return Succeed(nil), nil
}

// condition 配置 expression, 输出 {result}
func (b *builtinHandlers) condition(ctx context.Context, node *Node, def *Definition, inst *Instance) (*HandlerResult, error) {
	expr, _ := node.Conf().GetString("expression")
	result := b.evaluator.EvaluateCondition(expr, expressionContext(inst, node.ID, 0))
	return Succeed(map[string]any{"result": result}), nil
}

// switchValue 配置 expression, 输出 {value},出边按 outputs.<id>.value 判断
func (b *builtinHandlers) switchValue(ctx context.Context, node *Node, def *Definition, inst *Instance) (*HandlerResult, error) {
	expr, ok := node.Conf().GetString("expression")
	if !ok || expr == "" {
		return nil, errors.Errorf("switch node %s has no expression", node.ID)
	}
	value, err := b.evaluator.Evaluate(expr, expressionContext(inst, node.ID, 0))
	if err != nil {
		return nil, errors.WithMessagef(err, "evaluate switch expression failed, nodeID: %s", node.ID)
	}
	return Succeed(map[string]any{"value": value}), nil
}

// assign 配置 assignments: 变量路径 -> 表达式。不是字符串的值原样写入
func (b *builtinHandlers) assign(ctx context.Context, node *Node, def *Definition, inst *Instance) (*HandlerResult, error) {
	assignments, ok := node.Conf().GetMap("assignments")
	if !ok {
		return nil, errors.Errorf("assign node %s has no assignments", node.ID)
	}
	paths := make([]string, 0, len(assignments))
	for p := range assignments {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	exprCtx := expressionContext(inst, node.ID, 0)
	vars := make(map[string]any, len(assignments))
	for _, p := range paths {
		expr, isExpr := assignments[p].(string)
		if !isExpr {
			vars[p] = assignments[p]
			continue
		}
		value, err := b.evaluator.Evaluate(expr, exprCtx)
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluate assignment failed, nodeID: %s, path: %s", node.ID, p)
		}
		vars[p] = value
	}
	res := Succeed(map[string]any{"assigned": vars})
	res.Variables = vars
	return res, nil
}

// loop 配置 bodyNodes, maxIterations, 可选的 condition(loopCount 是已经完成的迭代次数)
func (b *builtinHandlers) loop(ctx context.Context, node *Node, def *Definition, inst *Instance) (*HandlerResult, error) {
	conf := node.Conf()
	body, _ := conf.GetStringSlice("bodyNodes")
	maxIterations := defaultLoopMaxIterations
	if n, ok := conf.GetInt64("maxIterations"); ok && n > 0 {
		maxIterations = int(n)
	}
	iteration := inst.LoopCounts[loopCounterKey(node.ID)]
	shouldContinue := len(body) > 0 && iteration < maxIterations
	if cond, _ := conf.GetString("condition"); shouldContinue && cond != "" {
		shouldContinue = b.evaluator.EvaluateCondition(cond, expressionContext(inst, node.ID, iteration))
	}
	return Succeed(map[string]any{
		"shouldContinue": shouldContinue,
		"bodyNodes":      body,
		"iteration":      iteration,
	}), nil
}

// foreach 配置 collection(表达式), bodyNodes, itemVariable。
// 每次迭代输出 index/item/total,循环体里的表达式可以直接用
func (b *builtinHandlers) foreach(ctx context.Context, node *Node, def *Definition, inst *Instance) (*HandlerResult, error) {
	conf := node.Conf()
	body, _ := conf.GetStringSlice("bodyNodes")
	expr, ok := conf.GetString("collection")
	if !ok || expr == "" {
		return nil, errors.Errorf("foreach node %s has no collection", node.ID)
	}
	value, err := b.evaluator.Evaluate(expr, expressionContext(inst, node.ID, 0))
	if err != nil {
		return nil, errors.WithMessagef(err, "evaluate collection failed, nodeID: %s", node.ID)
	}
	items, err := toItems(value)
	if err != nil {
		return nil, errors.WithMessagef(err, "foreach node %s", node.ID)
	}
	maxIterations := defaultForeachMaxIterations
	if n, ok := conf.GetInt64("maxIterations"); ok && n > 0 {
		maxIterations = int(n)
	}

	index := inst.LoopCounts[loopCounterKey(node.ID)]
	if len(body) == 0 || index >= len(items) || index >= maxIterations {
		return Succeed(map[string]any{
			"shouldContinue": false,
			"bodyNodes":      body,
			"total":          len(items),
		}), nil
	}
	res := Succeed(map[string]any{
		"shouldContinue": true,
		"bodyNodes":      body,
		"index":          index,
		"item":           items[index],
		"total":          len(items),
	})
	if name, _ := conf.GetString("itemVariable"); name != "" {
		res.Variables = map[string]any{name: items[index]}
	}
	return res, nil
}

func toItems(value any) ([]any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, errors.Errorf("collection is %T, not a list", value)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}

// delay 配置 duration, 例如 "500ms"
func (b *builtinHandlers) delay(ctx context.Context, node *Node, def *Definition, inst *Instance) (*HandlerResult, error) {
	d, ok := node.Conf().GetDuration("duration")
	if !ok || d < 0 {
		return nil, errors.Errorf("delay node %s has invalid duration", node.ID)
	}
	if err := sleepContext(ctx, d); err != nil {
		return nil, err
	}
	return Succeed(map[string]any{"delayedMs": d.Milliseconds()}), nil
}

// schedule 配置 cron, 输出下一次触发时间
func (b *builtinHandlers) schedule(ctx context.Context, node *Node, def *Definition, inst *Instance) (*HandlerResult, error) {
	spec, sched, err := nodeCron(node)
	if err != nil {
		return nil, err
	}
	next := sched.Next(time.Now())
	return Succeed(map[string]any{
		"cron":    spec,
		"nextRun": next.Format(time.RFC3339Nano),
	}), nil
}

// scheduleWait 等到 cron 的下一次触发。配置了 maxWait 并且等待时间超过它时失败
func (b *builtinHandlers) scheduleWait(ctx context.Context, node *Node, def *Definition, inst *Instance) (*HandlerResult, error) {
	spec, sched, err := nodeCron(node)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	next := sched.Next(now)
	wait := next.Sub(now)
	if maxWait, ok := node.Conf().GetDuration("maxWait"); ok && maxWait > 0 && wait > maxWait {
		return nil, errors.Errorf("next fire of %q is in %s, exceeds max wait %s", spec, wait, maxWait)
	}
	if err := sleepContext(ctx, wait); err != nil {
		return nil, err
	}
	return Succeed(map[string]any{
		"cron":    spec,
		"firedAt": next.Format(time.RFC3339Nano),
	}), nil
}

func nodeCron(node *Node) (string, cron.Schedule, error) {
	spec, ok := node.Conf().GetString("cron")
	if !ok || spec == "" {
		return "", nil, errors.Errorf("node %s has no cron", node.ID)
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return "", nil, errors.WithMessagef(err, "invalid cron %q, nodeID: %s", spec, node.ID)
	}
	return spec, sched, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
