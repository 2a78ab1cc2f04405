package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/blingmoon/flowgraph/expression"
	"github.com/blingmoon/flowgraph/internal/metrics"
	"github.com/blingmoon/flowgraph/lock"
)

const (
	// DefaultMaxLoops 回环边没有设置 maxLoops 时最多走的次数
	DefaultMaxLoops = 5

	loopCounterPrefix = "loop:"
)

func loopCounterKey(nodeID string) string {
	return loopCounterPrefix + nodeID
}

func instanceLockKey(instanceID string) string {
	return fmt.Sprintf("flowgraph:instance:%s", instanceID)
}

type CompletionDecision int

const (
	// DecisionFail 实例失败
	DecisionFail CompletionDecision = iota
	// DecisionContinue 节点记为 failed,出边按输出 {error: ...} 继续求值
	DecisionContinue
)

// CompletionChecker 节点失败之后决定实例怎么走
type CompletionChecker interface {
	OnNodeFailure(node *Node, inst *Instance, result *NodeResult) CompletionDecision
}

type CompletionCheckerFunc func(node *Node, inst *Instance, result *NodeResult) CompletionDecision

func (f CompletionCheckerFunc) OnNodeFailure(node *Node, inst *Instance, result *NodeResult) CompletionDecision {
	return f(node, inst, result)
}

// DefaultCompletionChecker 节点配置 continueOnError: true 时继续,否则实例失败
var DefaultCompletionChecker CompletionChecker = CompletionCheckerFunc(
	func(node *Node, inst *Instance, result *NodeResult) CompletionDecision {
		switch result.ErrorKind {
		case ErrorKindTermination:
			return DecisionFail
		case ErrorKindContinue:
			return DecisionContinue
		}
		if v, _ := node.Conf().GetBool("continueOnError"); v {
			return DecisionContinue
		}
		return DecisionFail
	})

// Scheduler 负责实例状态的所有修改。同一个实例的修改在实例锁里串行执行,
// 不同实例之间互不影响
type Scheduler struct {
	store           Store
	evaluator       *expression.Evaluator
	completion      CompletionChecker
	locker          lock.Locker
	lockRetry       lock.RetryPolicy
	lockTTL         time.Duration
	defaultMaxLoops int
	logger          *slog.Logger
	metrics         *metrics.Collector
	now             func() time.Time
}

type SchedulerOption func(*Scheduler)

func WithEvaluator(e *expression.Evaluator) SchedulerOption {
	return func(s *Scheduler) {
		s.evaluator = e
	}
}

func WithCompletionChecker(c CompletionChecker) SchedulerOption {
	return func(s *Scheduler) {
		s.completion = c
	}
}

// WithLocker 多进程共享同一个存储时需要换成 redis 锁或者文件锁
func WithLocker(l lock.Locker) SchedulerOption {
	return func(s *Scheduler) {
		s.locker = l
	}
}

func WithLockRetry(p lock.RetryPolicy) SchedulerOption {
	return func(s *Scheduler) {
		s.lockRetry = p
	}
}

func WithDefaultMaxLoops(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.defaultMaxLoops = n
		}
	}
}

func WithLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithMetrics(c *metrics.Collector) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = c
	}
}

func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

func NewScheduler(store Store, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:           store,
		completion:      DefaultCompletionChecker,
		locker:          lock.NewLocalLock(),
		lockRetry:       lock.DefaultRetryPolicy(),
		lockTTL:         time.Minute,
		defaultMaxLoops: DefaultMaxLoops,
		logger:          slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.evaluator == nil {
		s.evaluator = expression.NewEvaluator(expression.WithLogger(s.logger))
	}
	return s
}

func (s *Scheduler) Store() Store {
	return s.store
}

func (s *Scheduler) Evaluator() *expression.Evaluator {
	return s.evaluator
}

// mutate 加实例锁,读出实例,fn 返回 true 时保存
func (s *Scheduler) mutate(ctx context.Context, instanceID string, fn func(ctx context.Context, g *graph, inst *Instance) (bool, error)) (*Instance, error) {
	var result *Instance
	err := lock.Synchronized(ctx, s.locker, instanceLockKey(instanceID), s.lockTTL, s.lockRetry, func(ctx context.Context) error {
		return s.transaction(ctx, func(ctx context.Context) error {
			inst, err := s.store.GetInstance(ctx, instanceID)
			if err != nil {
				return err
			}
			def, err := s.store.GetWorkflow(ctx, inst.WorkflowID)
			if err != nil {
				return errors.WithMessagef(err, "GetWorkflow failed, instanceID: %s", instanceID)
			}
			changed, err := fn(ctx, buildGraph(def), inst)
			if err != nil {
				return err
			}
			result = inst
			if !changed {
				return nil
			}
			inst.UpdatedAt = s.now()
			return errors.WithMessagef(s.store.SaveInstance(ctx, inst), "SaveInstance failed, instanceID: %s", instanceID)
		})
	})
	return result, err
}

func (s *Scheduler) transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := s.store.(Transactional); ok {
		return tx.Transaction(ctx, fn)
	}
	return fn(ctx)
}

// CreateInstance 所有节点 pending,start 节点 ready
func (s *Scheduler) CreateInstance(ctx context.Context, workflowID string, variables map[string]any) (*Instance, error) {
	def, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, errors.WithMessagef(err, "GetWorkflow failed, workflowID: %s", workflowID)
	}
	g := buildGraph(def)
	if g.start == "" {
		return nil, errors.WithMessagef(ErrInvalidDefinition, "workflow has no start node, workflowID: %s", workflowID)
	}
	now := s.now()
	inst := &Instance{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Status:     InstanceStatusRunning,
		Variables:  make(map[string]any, len(variables)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	inst.ensureMaps()
	for k, v := range variables {
		inst.Variables[k] = v
	}
	for _, id := range g.order {
		inst.NodeStates[id] = &NodeState{Status: NodeStatusPending}
	}
	inst.NodeStates[g.start].Status = NodeStatusReady

	if err := s.store.SaveInstance(ctx, inst); err != nil {
		return nil, errors.WithMessagef(err, "SaveInstance failed, workflowID: %s", workflowID)
	}
	s.metrics.RecordInstance(InstanceStatusRunning)
	s.logger.InfoContext(ctx, "[Scheduler.CreateInstance] instance created", "workflow_id", workflowID, "instance_id", inst.ID)
	return inst, nil
}

func (s *Scheduler) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	return s.store.GetInstance(ctx, instanceID)
}

// MarkDispatched 把当前可以执行的节点标记为 running,返回需要投递的任务
func (s *Scheduler) MarkDispatched(ctx context.Context, instanceID string) ([]*Dispatch, error) {
	dispatches := make([]*Dispatch, 0)
	_, err := s.mutate(ctx, instanceID, func(ctx context.Context, g *graph, inst *Instance) (bool, error) {
		now := s.now()
		for _, id := range readyNodes(g, inst) {
			st := inst.state(id)
			st.Status = NodeStatusRunning
			st.Runs++
			st.StartedAt = &now
			st.CompletedAt = nil
			st.Error = ""
			priority, _ := g.nodes[id].Conf().GetInt64("priority")
			dispatches = append(dispatches, &Dispatch{InstanceID: inst.ID, NodeID: id, Run: st.Runs, Priority: int(priority)})
			s.metrics.RecordNodeTransition(g.nodes[id].Type, NodeStatusRunning)
		}
		return len(dispatches) > 0, nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "MarkDispatched failed, instanceID: %s", instanceID)
	}
	return dispatches, nil
}

// UndoDispatch 投递失败时把节点放回 ready,已经有结果的不处理
func (s *Scheduler) UndoDispatch(ctx context.Context, instanceID string, dispatches []*Dispatch) error {
	_, err := s.mutate(ctx, instanceID, func(ctx context.Context, g *graph, inst *Instance) (bool, error) {
		changed := false
		for _, d := range dispatches {
			st, ok := inst.NodeStates[d.NodeID]
			if !ok || st.Status != NodeStatusRunning || st.Runs != d.Run {
				continue
			}
			st.Status = NodeStatusReady
			st.StartedAt = nil
			changed = true
		}
		return changed, nil
	})
	return errors.WithMessagef(err, "UndoDispatch failed, instanceID: %s", instanceID)
}

// HandleNodeResult 处理节点结果。实例已经结束、节点不存在、或者结果过期的都会被忽略,
// 同一个结果重复投递不会重复生效
func (s *Scheduler) HandleNodeResult(ctx context.Context, result *NodeResult) error {
	if result == nil || result.InstanceID == "" {
		return errors.New("node result has no instance id")
	}
	_, err := s.mutate(ctx, result.InstanceID, func(ctx context.Context, g *graph, inst *Instance) (bool, error) {
		if IsOverInstanceStatus(inst.Status) {
			s.logger.DebugContext(ctx, "[Scheduler.HandleNodeResult] instance finished, result ignored",
				"instance_id", inst.ID, "node_id", result.NodeID, "status", inst.Status)
			return false, nil
		}
		node, ok := g.nodes[result.NodeID]
		if !ok {
			s.logger.WarnContext(ctx, "[Scheduler.HandleNodeResult] node not found, result ignored",
				"instance_id", inst.ID, "node_id", result.NodeID)
			return false, nil
		}
		st := inst.state(node.ID)
		if st.Status != NodeStatusRunning || st.Runs != result.Run {
			s.logger.DebugContext(ctx, "[Scheduler.HandleNodeResult] stale result ignored",
				"instance_id", inst.ID, "node_id", node.ID, "run", result.Run, "current_run", st.Runs, "status", st.Status)
			return false, nil
		}

		now := s.now()
		st.Attempts += result.Attempts
		st.Cost += result.Cost
		st.CompletedAt = &now
		s.applyVariables(ctx, inst, result.Variables)

		if !result.Success {
			st.Status = NodeStatusFailed
			st.Error = result.Error
			s.metrics.RecordNodeTransition(node.Type, NodeStatusFailed)
			if s.completion.OnNodeFailure(node, inst, result) == DecisionFail {
				inst.Error = fmt.Sprintf("node %s failed: %s", node.ID, result.Error)
				s.finish(ctx, inst, InstanceStatusFailed, "node failed")
				return true, nil
			}
			s.logger.WarnContext(ctx, "[Scheduler.HandleNodeResult] node failed, continue",
				"instance_id", inst.ID, "node_id", node.ID, "err", result.Error)
			inst.Outputs[node.ID] = map[string]any{"error": result.Error}
			if isLoopNodeType(node.Type) {
				s.exitLoop(inst, node.ID)
				s.route(ctx, g, inst, node, s.staticBody(node))
			} else {
				s.route(ctx, g, inst, node, nil)
			}
		} else {
			st.Status = NodeStatusDone
			st.Output = result.Output
			st.Error = ""
			inst.Outputs[node.ID] = result.Output
			s.metrics.RecordNodeTransition(node.Type, NodeStatusDone)

			switch {
			case node.Type == NodeTypeEnd:
				s.finish(ctx, inst, InstanceStatusCompleted, "end node reached")
				return true, nil
			case isLoopNodeType(node.Type):
				s.handleLoopResult(ctx, g, inst, node, result.Output)
			default:
				s.route(ctx, g, inst, node, nil)
			}
		}
		s.checkStalled(ctx, g, inst)
		return true, nil
	})
	if err != nil {
		return errors.WithMessagef(err, "HandleNodeResult failed, instanceID: %s, nodeID: %s", result.InstanceID, result.NodeID)
	}
	return nil
}

// GetNextNodes 对节点的出边求值并生效(回环计数、重置、激活),返回被激活的节点
func (s *Scheduler) GetNextNodes(ctx context.Context, workflowID string, instanceID string, nodeID string) ([]string, error) {
	var next []string
	_, err := s.mutate(ctx, instanceID, func(ctx context.Context, g *graph, inst *Instance) (bool, error) {
		if inst.WorkflowID != workflowID {
			return false, errors.WithMessagef(ErrWorkflowInstanceNotFound, "instance %s does not belong to workflow %s", instanceID, workflowID)
		}
		node, ok := g.nodes[nodeID]
		if !ok || IsOverInstanceStatus(inst.Status) {
			return false, nil
		}
		next = s.route(ctx, g, inst, node, nil)
		s.checkStalled(ctx, g, inst)
		return true, nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "GetNextNodes failed, instanceID: %s, nodeID: %s", instanceID, nodeID)
	}
	return next, nil
}

// CancelInstance 已经结束的实例返回 ErrInstanceFinished
func (s *Scheduler) CancelInstance(ctx context.Context, instanceID string) error {
	_, err := s.mutate(ctx, instanceID, func(ctx context.Context, g *graph, inst *Instance) (bool, error) {
		if IsOverInstanceStatus(inst.Status) {
			return false, errors.WithMessagef(ErrInstanceFinished, "status: %s", inst.Status)
		}
		s.finish(ctx, inst, InstanceStatusCancelled, "cancelled")
		return true, nil
	})
	return errors.WithMessagef(err, "CancelInstance failed, instanceID: %s", instanceID)
}

// route 活动循环体里的节点按循环体顺序走,其他节点对出边求值
func (s *Scheduler) route(ctx context.Context, g *graph, inst *Instance, node *Node, exclude map[string]bool) []string {
	if owner, ok := activeBodyOwners(inst)[node.ID]; ok {
		return s.routeBody(inst, owner, node.ID)
	}
	return s.advance(ctx, g, inst, node, exclude)
}

// routeBody 下一个循环体节点,最后一个节点重新调度循环节点
func (s *Scheduler) routeBody(inst *Instance, loopID string, nodeID string) []string {
	body := inst.ActiveLoops[loopID]
	idx := indexOf(body, nodeID)
	if idx >= 0 && idx < len(body)-1 {
		s.activate(inst, body[idx+1])
		return []string{body[idx+1]}
	}
	inst.state(loopID).Status = NodeStatusReady
	return []string{loopID}
}

func (s *Scheduler) handleLoopResult(ctx context.Context, g *graph, inst *Instance, node *Node, output any) {
	out, _ := output.(map[string]any)
	conf := NewJSONContextFromMap(out)
	shouldContinue, _ := conf.GetBool("shouldContinue")
	bodyNodes, _ := conf.GetStringSlice("bodyNodes")
	body := make([]string, 0, len(bodyNodes))
	for _, id := range bodyNodes {
		if _, ok := g.nodes[id]; ok && id != node.ID {
			body = append(body, id)
		}
	}

	if shouldContinue && len(body) > 0 {
		inst.ActiveLoops[node.ID] = body
		inst.LoopCounts[loopCounterKey(node.ID)]++
		for _, id := range body {
			s.resetNode(g, inst, id)
		}
		s.logger.DebugContext(ctx, "[Scheduler.handleLoopResult] next iteration",
			"instance_id", inst.ID, "node_id", node.ID, "iteration", inst.LoopCounts[loopCounterKey(node.ID)])
		return
	}

	s.exitLoop(inst, node.ID)
	exclude := s.staticBody(node)
	for _, id := range body {
		exclude[id] = true
	}
	s.route(ctx, g, inst, node, exclude)
}

func (s *Scheduler) exitLoop(inst *Instance, loopID string) {
	delete(inst.ActiveLoops, loopID)
	delete(inst.LoopCounts, loopCounterKey(loopID))
}

func (s *Scheduler) staticBody(node *Node) map[string]bool {
	body, _ := node.Conf().GetStringSlice("bodyNodes")
	set := make(map[string]bool, len(body))
	for _, id := range body {
		set[id] = true
	}
	return set
}

// advance 对出边求值。返回被激活的节点,没有可走的边时强制完成实例
func (s *Scheduler) advance(ctx context.Context, g *graph, inst *Instance, node *Node, exclude map[string]bool) []string {
	edges := make([]*Edge, 0, len(g.out[node.ID]))
	for _, e := range g.out[node.ID] {
		if !exclude[e.To] {
			edges = append(edges, e)
		}
	}
	if len(edges) == 0 {
		// 没有出边,这个分支到此结束
		return nil
	}

	taken := s.selectEdges(ctx, g, inst, node, edges)
	if len(taken) == 0 {
		s.logger.WarnContext(ctx, "[Scheduler.advance] no usable outgoing edge, force completing instance",
			"instance_id", inst.ID, "node_id", node.ID)
		s.finish(ctx, inst, InstanceStatusCompleted, fmt.Sprintf("no usable outgoing edge from node %s", node.ID))
		return nil
	}

	takenSet := make(map[*Edge]bool, len(taken))
	for _, e := range taken {
		takenSet[e] = true
	}
	// 先标记跳过再激活,同一个目标既有命中又有没命中的边时以命中为准
	for _, e := range edges {
		if !takenSet[e] && inst.statusOf(e.To) == NodeStatusPending {
			inst.state(e.To).Status = NodeStatusSkipped
		}
	}
	next := make([]string, 0, len(taken))
	for _, e := range taken {
		if g.isLoopBack(e) {
			s.takeLoopBack(ctx, g, inst, node, e)
		} else {
			s.activate(inst, e.To)
		}
		next = append(next, e.To)
	}
	return next
}

// selectEdges 返回要走的边。
// 条件都不满足并且每条边都有条件时,最后一条边作为默认分支,回环规则同样适用
func (s *Scheduler) selectEdges(ctx context.Context, g *graph, inst *Instance, node *Node, edges []*Edge) []*Edge {
	taken := make([]*Edge, 0, len(edges))
	if node.Type == NodeTypeParallel {
		for _, e := range edges {
			if g.isLoopBack(e) && s.loopExhausted(g, inst, e) {
				continue
			}
			taken = append(taken, e)
		}
		return taken
	}

	allConditional := true
	for _, e := range edges {
		if strings.TrimSpace(e.Condition) == "" {
			allConditional = false
		}
		if !s.edgePasses(inst, node, e) {
			continue
		}
		if g.isLoopBack(e) && s.loopExhausted(g, inst, e) {
			s.logger.DebugContext(ctx, "[Scheduler.selectEdges] loop-back edge exhausted",
				"instance_id", inst.ID, "edge", e.Key(), "count", inst.LoopCounts[e.Key()])
			continue
		}
		taken = append(taken, e)
	}
	if len(taken) == 0 && allConditional {
		last := edges[len(edges)-1]
		if !(g.isLoopBack(last) && s.loopExhausted(g, inst, last)) {
			s.logger.InfoContext(ctx, "[Scheduler.selectEdges] no condition matched, fallback to last edge",
				"instance_id", inst.ID, "node_id", node.ID, "edge", last.Key())
			taken = append(taken, last)
		}
	}
	return taken
}

func (s *Scheduler) edgePasses(inst *Instance, node *Node, e *Edge) bool {
	if strings.TrimSpace(e.Condition) == "" {
		return true
	}
	return s.evaluator.EvaluateCondition(e.Condition, expressionContext(inst, node.ID, inst.LoopCounts[e.Key()]))
}

func (s *Scheduler) loopExhausted(g *graph, inst *Instance, e *Edge) bool {
	return inst.LoopCounts[e.Key()] >= g.maxLoops(e, s.defaultMaxLoops)
}

// takeLoopBack 计数加一,从 e.To 开始到当前节点之前的节点重置为 pending
func (s *Scheduler) takeLoopBack(ctx context.Context, g *graph, inst *Instance, node *Node, e *Edge) {
	inst.LoopCounts[e.Key()]++
	reset := g.downstream(e.To, node.ID)
	for _, id := range reset {
		s.resetNode(g, inst, id)
	}
	s.activate(inst, e.To)
	s.logger.DebugContext(ctx, "[Scheduler.takeLoopBack] loop-back taken",
		"instance_id", inst.ID, "edge", e.Key(), "count", inst.LoopCounts[e.Key()], "reset", reset)
}

// resetNode 节点回到 pending。loop/foreach 节点的迭代重新开始,回环边的计数不清零
func (s *Scheduler) resetNode(g *graph, inst *Instance, nodeID string) {
	st := inst.state(nodeID)
	st.Status = NodeStatusPending
	st.Error = ""
	st.StartedAt = nil
	st.CompletedAt = nil
	if n, ok := g.nodes[nodeID]; ok && isLoopNodeType(n.Type) {
		s.exitLoop(inst, nodeID)
	}
}

// activate 被命中的边激活,跳过的节点也会恢复
func (s *Scheduler) activate(inst *Instance, nodeID string) {
	st := inst.state(nodeID)
	switch st.Status {
	case NodeStatusPending, NodeStatusSkipped, NodeStatusDone, NodeStatusFailed:
		st.Status = NodeStatusReady
	}
}

// checkStalled 没有可以执行的节点也没有在执行的节点时完成实例
func (s *Scheduler) checkStalled(ctx context.Context, g *graph, inst *Instance) {
	if IsOverInstanceStatus(inst.Status) {
		return
	}
	if len(readyNodes(g, inst)) > 0 {
		return
	}
	for _, st := range inst.NodeStates {
		if st.Status == NodeStatusRunning {
			return
		}
	}
	s.logger.InfoContext(ctx, "[Scheduler.checkStalled] no runnable node left, completing instance", "instance_id", inst.ID)
	s.finish(ctx, inst, InstanceStatusCompleted, "no runnable node left")
}

// finish 实例进入终止状态,还没执行完的节点记为 skipped
func (s *Scheduler) finish(ctx context.Context, inst *Instance, status InstanceStatus, reason string) {
	now := s.now()
	inst.Status = status
	inst.Reason = reason
	inst.CompletedAt = &now
	for _, st := range inst.NodeStates {
		if isWaitingNodeStatus(st.Status) || st.Status == NodeStatusRunning {
			st.Status = NodeStatusSkipped
		}
	}
	s.metrics.RecordInstance(status)
	if status == InstanceStatusFailed {
		s.logger.WarnContext(ctx, "[Scheduler.finish] instance failed", "instance_id", inst.ID, "err", inst.Error)
		return
	}
	s.logger.InfoContext(ctx, "[Scheduler.finish] instance finished", "instance_id", inst.ID, "status", status, "reason", reason)
}

// applyVariables 按路径写入变量,路径按字典序处理
func (s *Scheduler) applyVariables(ctx context.Context, inst *Instance, vars map[string]any) {
	if len(vars) == 0 {
		return
	}
	paths := make([]string, 0, len(vars))
	for p := range vars {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	jc := NewJSONContextFromMap(inst.Variables)
	for _, p := range paths {
		if err := jc.SetPath(p, vars[p]); err != nil {
			s.logger.WarnContext(ctx, "[Scheduler.applyVariables] invalid variable path", "instance_id", inst.ID, "path", p, "err", err)
		}
	}
	inst.Variables = jc.ToMap()
}
