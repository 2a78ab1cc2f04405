package workflow

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blingmoon/flowgraph/internal/logging"
	"github.com/blingmoon/flowgraph/internal/metrics"
	"github.com/blingmoon/flowgraph/queue"
	"github.com/blingmoon/flowgraph/worker"
)

const reviewLoopYAML = `
id: review-loop
nodes:
  - {id: start, type: start}
  - {id: write, type: task, config: {prompt: "write {{ variables.feature }}"}}
  - {id: review, type: task, config: {prompt: "review {{ outputs.write.response }}", sessionFrom: write}}
  - {id: check, type: condition, config: {expression: "outputs.review.response.includes('approved')"}}
  - {id: end, type: end}
edges:
  - {from: start, to: write}
  - {from: write, to: review}
  - {from: review, to: check}
  - {id: rework, from: check, to: write, condition: "!outputs.check.result", maxLoops: 3}
  - {from: check, to: end, condition: "outputs.check.result"}
`

type engineHarness struct {
	t        *testing.T
	store    *MemoryStore
	queue    *queue.Queue
	registry *HandlerRegistry
	engine   *Engine
	metrics  *metrics.Collector
}

func newEngineHarness(t *testing.T, cfg worker.Config) *engineHarness {
	store := NewMemoryStore()
	collector := metrics.NewCollector("test", prometheus.NewRegistry())
	q, err := queue.Open(queue.Options{Dir: t.TempDir(), Logger: logging.NewNop(), Metrics: collector})
	require.NoError(t, err)
	scheduler := NewScheduler(store, WithLogger(logging.NewNop()), WithMetrics(collector))
	h := &engineHarness{
		t:        t,
		store:    store,
		queue:    q,
		registry: NewHandlerRegistry(scheduler.Evaluator()),
		metrics:  collector,
	}
	h.engine = h.newEngine(scheduler, cfg)
	return h
}

func (h *engineHarness) newEngine(scheduler *Scheduler, cfg worker.Config) *Engine {
	e, err := NewEngine(scheduler, h.queue, h.registry, EngineOptions{
		Worker:       cfg,
		PollInterval: 5 * time.Millisecond,
		StaleAfter:   time.Minute,
		Logger:       logging.NewNop(),
		Metrics:      h.metrics,
	})
	require.NoError(h.t, err)
	return e
}

// run 在后台运行引擎,返回的函数停止引擎并等待退出
func (h *engineHarness) run(e *Engine) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(h.t, e.Run(ctx))
	}()
	stop := sync.OnceFunc(func() {
		cancel()
		<-done
	})
	h.t.Cleanup(stop)
	return stop
}

func (h *engineHarness) register(yamlDef string) *Definition {
	def, err := ParseDefinition([]byte(yamlDef))
	require.NoError(h.t, err)
	require.NoError(h.t, h.engine.RegisterWorkflow(context.Background(), def))
	return def
}

func (h *engineHarness) wait(id string) *Instance {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	inst, err := h.engine.Wait(ctx, id)
	require.NoError(h.t, err)
	return inst
}

func testWorkerConfig() worker.Config {
	return worker.Config{Concurrency: 2, MaxRetries: 1, RetryDelay: time.Millisecond, Timeout: 5 * time.Second}
}

func TestEngine_ReviewLoop(t *testing.T) {
	h := newEngineHarness(t, testWorkerConfig())
	var reviews atomic.Int32
	prompts := make(chan string, 16)
	require.NoError(t, h.registry.Register(NodeTypeTask, NewTaskHandler(BackendFunc(
		func(ctx context.Context, prompt string, opts *InvokeOptions) (*Invocation, error) {
			prompts <- prompt
			if opts.Metadata["nodeId"] == "review" {
				if reviews.Add(1) == 1 {
					return &Invocation{Response: "needs work", SessionID: opts.SessionID, Cost: 0.1}, nil
				}
				return &Invocation{Response: "approved", SessionID: opts.SessionID, Cost: 0.1}, nil
			}
			return &Invocation{Response: "draft of " + prompt, SessionID: "sess-42", Cost: 0.2}, nil
		}), nil)))
	h.register(reviewLoopYAML)
	h.run(h.engine)

	inst, err := h.engine.Start(context.Background(), "review-loop", map[string]any{"feature": "login"})
	require.NoError(t, err)
	final := h.wait(inst.ID)

	assert.Equal(t, InstanceStatusCompleted, final.Status)
	assert.Equal(t, "end node reached", final.Reason)
	assert.Equal(t, 1, final.LoopCounts["rework"])
	assert.Equal(t, 2, final.NodeStates["write"].Runs)
	assert.Equal(t, 2, final.NodeStates["review"].Runs)
	assert.InDelta(t, 0.2, final.NodeStates["review"].Cost, 1e-9)
	assert.Equal(t, map[string]any{"response": "approved", "sessionId": "sess-42"}, final.Outputs["review"])

	close(prompts)
	all := make([]string, 0)
	for p := range prompts {
		all = append(all, p)
	}
	assert.Contains(t, all, "write login")
	assert.Contains(t, all, "review draft of write login")

	// end 节点的任务在实例结束之后才标记完成
	require.Eventually(t, func() bool {
		stats, err := h.queue.Stats(context.Background())
		return err == nil && stats.Completed == 8 && stats.Waiting+stats.Active == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEngine_Parallel(t *testing.T) {
	h := newEngineHarness(t, testWorkerConfig())
	var running, maxRunning atomic.Int32
	require.NoError(t, h.registry.Register(NodeTypeTask, NodeHandlerFunc(
		func(ctx context.Context, node *Node, def *Definition, inst *Instance) (*HandlerResult, error) {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				cur := maxRunning.Load()
				if n <= cur || maxRunning.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			return Succeed(node.ID), nil
		})))
	h.register(`
id: fan-out
nodes:
  - {id: start, type: start}
  - {id: split, type: parallel}
  - {id: a, type: task}
  - {id: b, type: task}
  - {id: merge, type: join}
  - {id: end, type: end}
edges:
  - {from: start, to: split}
  - {from: split, to: a}
  - {from: split, to: b}
  - {from: a, to: merge}
  - {from: b, to: merge}
  - {from: merge, to: end}
`)
	h.run(h.engine)

	inst, err := h.engine.Start(context.Background(), "fan-out", nil)
	require.NoError(t, err)
	final := h.wait(inst.ID)
	assert.Equal(t, InstanceStatusCompleted, final.Status)
	assert.Equal(t, "a", final.Outputs["a"])
	assert.Equal(t, "b", final.Outputs["b"])
	assert.Equal(t, NodeStatusDone, final.NodeStates["merge"].Status)
	assert.Equal(t, int32(2), maxRunning.Load(), "两个分支并发执行")
}

func TestEngine_Failures(t *testing.T) {
	const failingYAML = `
id: failing
nodes:
  - {id: start, type: start}
  - {id: call, type: task, config: {prompt: "call"}}
  - {id: end, type: end}
edges:
  - {from: start, to: call}
  - {from: call, to: end}
`

	t.Run("重试耗尽后实例失败", func(t *testing.T) {
		h := newEngineHarness(t, testWorkerConfig())
		var calls atomic.Int32
		require.NoError(t, h.registry.Register(NodeTypeTask, NewTaskHandler(BackendFunc(
			func(ctx context.Context, prompt string, opts *InvokeOptions) (*Invocation, error) {
				calls.Add(1)
				return nil, errors.New("exit status 2")
			}), nil)))
		h.register(failingYAML)
		h.run(h.engine)

		inst, err := h.engine.Start(context.Background(), "failing", nil)
		require.NoError(t, err)
		final := h.wait(inst.ID)
		assert.Equal(t, InstanceStatusFailed, final.Status)
		assert.Contains(t, final.Error, "exit status 2")
		assert.Equal(t, 2, final.NodeStates["call"].Attempts)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("第二次尝试成功", func(t *testing.T) {
		h := newEngineHarness(t, testWorkerConfig())
		var calls atomic.Int32
		require.NoError(t, h.registry.Register(NodeTypeTask, NewTaskHandler(BackendFunc(
			func(ctx context.Context, prompt string, opts *InvokeOptions) (*Invocation, error) {
				if calls.Add(1) == 1 {
					return nil, errors.New("flaky")
				}
				return &Invocation{Response: "ok"}, nil
			}), nil)))
		h.register(failingYAML)
		h.run(h.engine)

		inst, err := h.engine.Start(context.Background(), "failing", nil)
		require.NoError(t, err)
		final := h.wait(inst.ID)
		assert.Equal(t, InstanceStatusCompleted, final.Status)
		assert.Equal(t, 2, final.NodeStates["call"].Attempts)
	})

	t.Run("终止错误不重试", func(t *testing.T) {
		h := newEngineHarness(t, testWorkerConfig())
		var calls atomic.Int32
		require.NoError(t, h.registry.Register(NodeTypeTask, NodeHandlerFunc(
			func(ctx context.Context, node *Node, def *Definition, inst *Instance) (*HandlerResult, error) {
				calls.Add(1)
				return nil, errors.WithMessage(ErrNodeFailedWithTermination, "missing api key")
			})))
		def := h.register(failingYAML)
		def.Node("call").Config["continueOnError"] = true
		require.NoError(t, h.engine.RegisterWorkflow(context.Background(), def))
		h.run(h.engine)

		inst, err := h.engine.Start(context.Background(), "failing", nil)
		require.NoError(t, err)
		final := h.wait(inst.ID)
		assert.Equal(t, InstanceStatusFailed, final.Status)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("处理器返回Success=false", func(t *testing.T) {
		h := newEngineHarness(t, worker.Config{Concurrency: 1})
		require.NoError(t, h.registry.Register(NodeTypeTask, NodeHandlerFunc(
			func(ctx context.Context, node *Node, def *Definition, inst *Instance) (*HandlerResult, error) {
				return &HandlerResult{Success: false, Error: "quota exceeded"}, nil
			})))
		h.register(failingYAML)
		h.run(h.engine)

		inst, err := h.engine.Start(context.Background(), "failing", nil)
		require.NoError(t, err)
		final := h.wait(inst.ID)
		assert.Equal(t, InstanceStatusFailed, final.Status)
		assert.Equal(t, "quota exceeded", final.NodeStates["call"].Error)
	})
}

const waitingYAML = `
id: waiting
nodes:
  - {id: start, type: start}
  - {id: wait, type: delay, config: {duration: 300ms}}
  - {id: end, type: end}
edges:
  - {from: start, to: wait}
  - {from: wait, to: end}
`

func (h *engineHarness) waitNodeStatus(id string, nodeID string, status NodeStatus) {
	require.Eventually(h.t, func() bool {
		inst, err := h.store.GetInstance(context.Background(), id)
		return err == nil && inst.NodeStates[nodeID].Status == status
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEngine_Cancel(t *testing.T) {
	h := newEngineHarness(t, testWorkerConfig())
	h.register(strings.Replace(waitingYAML, "300ms", "1h", 1))
	h.run(h.engine)

	inst, err := h.engine.Start(context.Background(), "waiting", nil)
	require.NoError(t, err)
	h.waitNodeStatus(inst.ID, "wait", NodeStatusRunning)

	require.NoError(t, h.engine.Cancel(context.Background(), inst.ID))
	final := h.wait(inst.ID)
	assert.Equal(t, InstanceStatusCancelled, final.Status)
	assert.Equal(t, NodeStatusSkipped, final.NodeStates["wait"].Status)
	assert.True(t, errors.Is(h.engine.Cancel(context.Background(), inst.ID), ErrInstanceFinished))
}

func TestEngine_PauseResume(t *testing.T) {
	h := newEngineHarness(t, testWorkerConfig())
	h.register(strings.Replace(waitingYAML, "300ms", "1ms", 1))
	h.run(h.engine)
	require.Eventually(t, h.engine.Pause, time.Second, time.Millisecond)

	inst, err := h.engine.Start(context.Background(), "waiting", nil)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	got, err := h.engine.Scheduler().GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, InstanceStatusRunning, got.Status)
	assert.NotEqual(t, NodeStatusDone, got.NodeStates["start"].Status, "暂停时不执行")
	stats, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Waiting: 1}, stats, "暂停时不领取任务,任务留给其他进程")

	assert.True(t, h.engine.Resume())
	final := h.wait(inst.ID)
	assert.Equal(t, InstanceStatusCompleted, final.Status)
}

func TestEngine_ResumeAfterRestart(t *testing.T) {
	h := newEngineHarness(t, testWorkerConfig())
	h.register(waitingYAML)
	stop := h.run(h.engine)

	inst, err := h.engine.Start(context.Background(), "waiting", nil)
	require.NoError(t, err)
	h.waitNodeStatus(inst.ID, "wait", NodeStatusRunning)
	stop()

	stats, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Waiting, "停止时执行中的任务放回队列")
	got, err := h.store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, NodeStatusRunning, got.NodeStates["wait"].Status)

	restarted := h.newEngine(h.engine.Scheduler(), testWorkerConfig())
	h.engine = restarted
	h.run(restarted)
	final := h.wait(inst.ID)
	assert.Equal(t, InstanceStatusCompleted, final.Status)
	assert.Equal(t, 1, final.NodeStates["wait"].Runs)
}

func TestEngine_PurgeFinishedJobs(t *testing.T) {
	h := newEngineHarness(t, testWorkerConfig())
	h.register(strings.Replace(waitingYAML, "300ms", "1ms", 1))
	e, err := NewEngine(h.engine.Scheduler(), h.queue, h.registry, EngineOptions{
		Worker:              testWorkerConfig(),
		PollInterval:        5 * time.Millisecond,
		PurgeAfter:          time.Millisecond,
		MaintenanceInterval: time.Second,
		Logger:              logging.NewNop(),
	})
	require.NoError(t, err)
	h.engine = e
	h.run(e)

	inst, err := e.Start(context.Background(), "waiting", nil)
	require.NoError(t, err)
	final := h.wait(inst.ID)
	assert.Equal(t, InstanceStatusCompleted, final.Status)

	require.Eventually(t, func() bool {
		stats, err := h.queue.Stats(context.Background())
		return err == nil && stats.Total() == 0
	}, 5*time.Second, 50*time.Millisecond, "定时清理已经结束的任务")
}

func TestNewEngine_InvalidOptions(t *testing.T) {
	_, err := NewEngine(nil, nil, nil, DefaultEngineOptions())
	assert.Error(t, err)

	h := newEngineHarness(t, testWorkerConfig())
	opts := DefaultEngineOptions()
	opts.PollInterval = 0
	_, err = NewEngine(h.engine.Scheduler(), h.queue, nil, opts)
	assert.Error(t, err)
}
