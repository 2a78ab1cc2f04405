package workflow

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/blingmoon/flowgraph/internal/metrics"
	"github.com/blingmoon/flowgraph/queue"
	"github.com/blingmoon/flowgraph/worker"
)

type EngineOptions struct {
	Worker worker.Config `yaml:"worker"`
	// PollInterval 队列为空时等待的时间,也是 Wait 查询实例的间隔
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	// StaleAfter 启动时把 active 超过这个时间的任务放回队列, 0 表示不回收
	StaleAfter time.Duration `yaml:"stale_after" validate:"gte=0"`
	// PurgeAfter 结束超过这个时间的任务从队列里清理, 0 表示不清理
	PurgeAfter time.Duration `yaml:"purge_after" validate:"gte=0"`
	// MaintenanceInterval 定时清理的间隔,不足一秒按一秒, 0 表示只在启动时清理
	MaintenanceInterval time.Duration      `yaml:"maintenance_interval" validate:"gte=0"`
	Logger              *slog.Logger       `yaml:"-"`
	Metrics             *metrics.Collector `yaml:"-"`
}

func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		Worker:       worker.DefaultConfig(),
		PollInterval:        50 * time.Millisecond,
		StaleAfter:          10 * time.Minute,
		PurgeAfter:          24 * time.Hour,
		MaintenanceInterval: 10 * time.Minute,
	}
}

// Engine 把 Scheduler、队列和 Worker 串起来:
// 可以执行的节点投递到队列,Run 里的循环取出任务交给 Worker 执行,结果交回 Scheduler,
// 然后投递新的可以执行的节点
type Engine struct {
	scheduler *Scheduler
	queue     *queue.Queue
	handlers  *HandlerRegistry
	worker    *worker.Worker[*Dispatch, *HandlerResult]
	opts      EngineOptions
	logger    *slog.Logger

	wake    chan struct{}
	running atomic.Bool
}

func NewEngine(scheduler *Scheduler, q *queue.Queue, handlers *HandlerRegistry, opts EngineOptions) (*Engine, error) {
	if scheduler == nil || q == nil {
		return nil, errors.New("scheduler and queue are required")
	}
	if err := validate.Struct(opts); err != nil {
		return nil, errors.WithMessage(err, "invalid engine options")
	}
	if handlers == nil {
		handlers = NewHandlerRegistry(scheduler.Evaluator())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{
		scheduler: scheduler,
		queue:     q,
		handlers:  handlers,
		opts:      opts,
		logger:    opts.Logger,
		wake:      make(chan struct{}, opts.Worker.Concurrency),
	}
	w, err := worker.New(opts.Worker, e.execute, worker.WithLogger(opts.Logger), worker.WithMetrics(opts.Metrics))
	if err != nil {
		return nil, errors.WithMessage(err, "create worker failed")
	}
	e.worker = w
	return e, nil
}

func (e *Engine) Scheduler() *Scheduler {
	return e.scheduler
}

func (e *Engine) Handlers() *HandlerRegistry {
	return e.handlers
}

// RegisterWorkflow 校验并保存定义
func (e *Engine) RegisterWorkflow(ctx context.Context, def *Definition) error {
	warnings, err := ValidateDefinition(def)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		e.logger.WarnContext(ctx, "[Engine.RegisterWorkflow] definition warning", "workflow_id", def.ID, "warning", w)
	}
	return errors.WithMessagef(e.scheduler.Store().SaveWorkflow(ctx, def), "SaveWorkflow failed, workflowID: %s", def.ID)
}

// Start 创建实例并投递 start 节点,Run 需要在别的 goroutine 里运行
func (e *Engine) Start(ctx context.Context, workflowID string, variables map[string]any) (*Instance, error) {
	inst, err := e.scheduler.CreateInstance(ctx, workflowID, variables)
	if err != nil {
		return nil, err
	}
	if err := e.dispatch(ctx, inst.ID); err != nil {
		return inst, err
	}
	return inst, nil
}

func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	return e.scheduler.CancelInstance(ctx, instanceID)
}

// Pause 暂停执行新的节点,已经在执行的不受影响
func (e *Engine) Pause() bool {
	return e.worker.Pause()
}

func (e *Engine) Resume() bool {
	return e.worker.Resume()
}

// Wait 等到实例结束
func (e *Engine) Wait(ctx context.Context, instanceID string) (*Instance, error) {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for {
		inst, err := e.scheduler.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if IsOverInstanceStatus(inst.Status) {
			return inst, nil
		}
		select {
		case <-ctx.Done():
			return inst, context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

// Run 阻塞到 ctx 结束。同一个 Engine 只能 Run 一次
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine is already running")
	}
	e.worker.Start()
	defer e.worker.Stop()

	if e.opts.StaleAfter > 0 {
		n, err := e.queue.RecoverStale(ctx, e.opts.StaleAfter)
		if err != nil {
			e.logger.WarnContext(ctx, "[Engine.Run] recover stale jobs failed", "err", err)
		} else if n > 0 {
			e.logger.InfoContext(ctx, "[Engine.Run] stale jobs requeued", "count", n)
		}
	}
	if e.opts.PurgeAfter > 0 {
		e.purge(ctx)
		if e.opts.MaintenanceInterval > 0 {
			c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
			c.Schedule(cron.Every(e.opts.MaintenanceInterval), cron.FuncJob(func() { e.purge(ctx) }))
			c.Start()
			defer func() { <-c.Stop().Done() }()
		}
	}

	wg := sync.WaitGroup{}
	for i := 0; i < e.opts.Worker.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.claimLoop(ctx)
		}()
	}
	e.logger.InfoContext(ctx, "[Engine.Run] engine started", "concurrency", e.opts.Worker.Concurrency)
	<-ctx.Done()
	wg.Wait()
	e.logger.InfoContext(context.WithoutCancel(ctx), "[Engine.Run] engine stopped")
	return nil
}

// purge 清理已经结束的任务
func (e *Engine) purge(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := e.queue.Purge(ctx, e.opts.PurgeAfter)
	if err != nil {
		e.logger.WarnContext(ctx, "[Engine.purge] purge queue failed", "err", err)
		return
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "[Engine.purge] finished jobs purged", "count", n)
	}
}

func (e *Engine) paused() bool {
	return e.worker.State() == worker.StatePaused
}

// claimLoop 暂停时不领取任务,领取的任务留在队列里给其他进程
func (e *Engine) claimLoop(ctx context.Context) {
	for ctx.Err() == nil {
		if e.paused() {
			e.idle(ctx)
			continue
		}
		job, err := e.queue.Claim(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrQueueEmpty) {
				e.logger.WarnContext(ctx, "[Engine.claimLoop] claim failed", "err", err)
			}
			e.idle(ctx)
			continue
		}
		if e.paused() {
			// 领取之后刚好被暂停
			e.failJob(context.WithoutCancel(ctx), job.ID, "engine paused", true)
			continue
		}
		e.process(ctx, job)
	}
}

func (e *Engine) idle(ctx context.Context) {
	timer := time.NewTimer(e.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-e.wake:
	case <-timer.C:
	}
}

// process 执行一个任务并把结果交给 Scheduler。
// 引擎停止导致的中断不算节点失败,任务放回队列,重启之后用同一个 Run 继续
func (e *Engine) process(ctx context.Context, job *queue.Job) {
	bg := context.WithoutCancel(ctx)
	d := &Dispatch{}
	if err := job.DecodePayload(d); err != nil {
		e.logger.ErrorContext(ctx, "[Engine.process] invalid job payload", "job_id", job.ID, "err", err)
		e.failJob(bg, job.ID, err.Error(), false)
		return
	}

	res := e.worker.Execute(ctx, d)
	if res.Kind == worker.KindStopped || (res.Kind == worker.KindCancelled && ctx.Err() != nil) {
		e.failJob(bg, job.ID, res.Message(), true)
		return
	}

	nr := &NodeResult{
		InstanceID: d.InstanceID,
		NodeID:     d.NodeID,
		Run:        d.Run,
		Success:    res.Success,
		Attempts:   res.Attempts,
	}
	if res.Success && res.Output != nil {
		nr.Output = res.Output.Output
		nr.Cost = res.Output.Cost
		nr.Variables = res.Output.Variables
	}
	if !res.Success {
		nr.Error = res.Message()
		nr.ErrorKind = errorKindOf(res)
	}

	if err := e.scheduler.HandleNodeResult(bg, nr); err != nil {
		if IsSeriousError(err) {
			e.logger.ErrorContext(ctx, "[Engine.process] handle node result failed", "instance_id", d.InstanceID, "node_id", d.NodeID, "err", err)
		} else {
			e.logger.WarnContext(ctx, "[Engine.process] handle node result failed", "instance_id", d.InstanceID, "node_id", d.NodeID, "err", err)
		}
		e.failJob(bg, job.ID, err.Error(), !errors.Is(err, ErrWorkflowInstanceNotFound))
		return
	}
	if _, err := e.queue.Complete(bg, job.ID, nr); err != nil {
		e.logger.WarnContext(ctx, "[Engine.process] complete job failed", "job_id", job.ID, "err", err)
	}
	if err := e.dispatch(bg, d.InstanceID); err != nil {
		e.logger.ErrorContext(ctx, "[Engine.process] dispatch failed", "instance_id", d.InstanceID, "err", err)
	}
}

func (e *Engine) failJob(ctx context.Context, jobID string, reason string, requeue bool) {
	if _, err := e.queue.Fail(ctx, jobID, reason, requeue); err != nil {
		e.logger.WarnContext(ctx, "[Engine.failJob] fail job failed", "job_id", jobID, "err", err)
	}
}

// dispatch 把可以执行的节点投递到队列,投递失败时节点放回 ready
func (e *Engine) dispatch(ctx context.Context, instanceID string) error {
	dispatches, err := e.scheduler.MarkDispatched(ctx, instanceID)
	if err != nil {
		return err
	}
	if len(dispatches) == 0 {
		return nil
	}
	reqs := make([]queue.EnqueueRequest, 0, len(dispatches))
	for _, d := range dispatches {
		reqs = append(reqs, queue.EnqueueRequest{Payload: d, Priority: d.Priority})
	}
	if _, err := e.queue.EnqueueBatch(ctx, reqs); err != nil {
		if undoErr := e.scheduler.UndoDispatch(ctx, instanceID, dispatches); undoErr != nil {
			e.logger.ErrorContext(ctx, "[Engine.dispatch] undo dispatch failed", "instance_id", instanceID, "err", undoErr)
		}
		return errors.WithMessagef(err, "enqueue failed, instanceID: %s", instanceID)
	}
	for range dispatches {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// execute Worker 的 handler。执行时读取实例快照,实例已经结束的节点不再执行
func (e *Engine) execute(ctx context.Context, job worker.Job[*Dispatch]) (*HandlerResult, error) {
	d := job.Task
	store := e.scheduler.Store()
	inst, err := store.GetInstance(ctx, d.InstanceID)
	if err != nil {
		return nil, err
	}
	if IsOverInstanceStatus(inst.Status) {
		return Succeed(nil), nil
	}
	def, err := store.GetWorkflow(ctx, inst.WorkflowID)
	if err != nil {
		return nil, err
	}
	node := def.Node(d.NodeID)
	if node == nil {
		return nil, worker.Permanent(errors.WithMessagef(ErrNodeFailedWithTermination, "node %s not found in workflow %s", d.NodeID, def.ID))
	}
	res, err := e.handlers.Handle(ctx, node, def, inst)
	if err != nil {
		if errors.Is(err, ErrNodeFailedWithTermination) || errors.Is(err, ErrNodeFailedWithContinue) || errors.Is(err, ErrNodeHandlerNotFound) {
			return nil, worker.Permanent(err)
		}
		return nil, err
	}
	if res == nil {
		return Succeed(nil), nil
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "node handler reported failure"
		}
		return nil, errors.New(msg)
	}
	return res, nil
}

func errorKindOf(res worker.Result[*HandlerResult]) ErrorKind {
	switch {
	case errors.Is(res.Err, ErrNodeFailedWithTermination), errors.Is(res.Err, ErrNodeHandlerNotFound):
		return ErrorKindTermination
	case errors.Is(res.Err, ErrNodeFailedWithContinue):
		return ErrorKindContinue
	case res.Kind == worker.KindTimeout:
		return ErrorKindTimeout
	case res.Kind == worker.KindCancelled:
		return ErrorKindCancelled
	}
	return ErrorKindHandler
}
