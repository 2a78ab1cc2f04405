// Package worker 有并发上限的任务执行器,负责重试、单次超时、取消和暂停。
//
// Worker 不关心任务的含义,所有结果都以 Result 返回,公开方法不会 panic 也不会返回裸错误。
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/blingmoon/flowgraph/internal/metrics"
)

var (
	ErrStopped   = errors.New("worker is stopped")
	ErrTimeout   = errors.New("attempt timed out")
	ErrCancelled = errors.New("execution cancelled")
	ErrPanic     = errors.New("handler panicked")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent 包装之后的错误不再重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped" // 终止状态
)

// Kind 结果类型,调用方据此决定是否在更高层重试
type Kind string

const (
	KindSuccess   Kind = "success"
	KindHandler   Kind = "handler"   // handler 返回错误或 panic
	KindTimeout   Kind = "timeout"   // 单次尝试超时
	KindCancelled Kind = "cancelled" // 调用方取消
	KindStopped   Kind = "stopped"   // worker 已停止
)

type Config struct {
	Concurrency int           `yaml:"concurrency" validate:"gte=1"`
	MaxRetries  int           `yaml:"max_retries" validate:"gte=0"`
	RetryDelay  time.Duration `yaml:"retry_delay" validate:"gte=0"`
	// Timeout 单次尝试的超时时间,0 表示不限制
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		MaxRetries:  2,
		RetryDelay:  time.Second,
		Timeout:     10 * time.Minute,
	}
}

// Job handler 的入参,Attempt 从 1 开始
type Job[T any] struct {
	Task    T
	Attempt int
}

// Handler ctx 被取消表示超时或停止,handler 应该尽快返回
type Handler[T any, R any] func(ctx context.Context, job Job[T]) (R, error)

type Result[R any] struct {
	Success  bool
	Output   R
	Err      error
	Kind     Kind
	Attempts int
	Duration time.Duration
}

// Message 失败原因,成功时为空
func (r Result[R]) Message() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

type options struct {
	logger  *slog.Logger
	metrics *metrics.Collector
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = c
	}
}

type Worker[T any, R any] struct {
	cfg     Config
	handler Handler[T, R]
	sem     *semaphore.Weighted
	logger  *slog.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	state    State
	resumeCh chan struct{} // 暂停时创建,恢复或停止时关闭

	stopCtx    context.Context
	stopCancel context.CancelFunc
	running    atomic.Int64
}

var validate = validator.New()

func New[T any, R any](cfg Config, handler Handler[T, R], opts ...Option) (*Worker[T, R], error) {
	if handler == nil {
		return nil, errors.New("handler is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, errors.WithMessage(err, "invalid worker config")
	}
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	stopCtx, stopCancel := context.WithCancel(context.Background())
	return &Worker[T, R]{
		cfg:        cfg,
		handler:    handler,
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:     o.logger,
		metrics:    o.metrics,
		state:      StateIdle,
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
	}, nil
}

func (w *Worker[T, R]) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start idle -> running,其他状态不变
func (w *Worker[T, R]) Start() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateIdle {
		return false
	}
	w.state = StateRunning
	return true
}

// Pause 只在 running 时生效,已经在执行的任务不受影响
func (w *Worker[T, R]) Pause() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateRunning {
		return false
	}
	w.state = StatePaused
	w.resumeCh = make(chan struct{})
	return true
}

// Resume 只在 paused 时生效
func (w *Worker[T, R]) Resume() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StatePaused {
		return false
	}
	w.state = StateRunning
	close(w.resumeCh)
	w.resumeCh = nil
	return true
}

// Stop 进入终止状态,并取消所有正在执行的尝试
func (w *Worker[T, R]) Stop() bool {
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		return false
	}
	w.state = StateStopped
	if w.resumeCh != nil {
		close(w.resumeCh)
		w.resumeCh = nil
	}
	w.mu.Unlock()
	w.stopCancel()
	return true
}

func (w *Worker[T, R]) RunningCount() int {
	return int(w.running.Load())
}

// admit 等待到可以执行为止。idle 时自动进入 running。
func (w *Worker[T, R]) admit(ctx context.Context) error {
	for {
		w.mu.Lock()
		switch w.state {
		case StateStopped:
			w.mu.Unlock()
			return ErrStopped
		case StateIdle:
			w.state = StateRunning
			w.mu.Unlock()
			return nil
		case StateRunning:
			w.mu.Unlock()
			return nil
		}
		resumeCh := w.resumeCh
		w.mu.Unlock()
		select {
		case <-resumeCh:
		case <-ctx.Done():
			return errors.WithMessage(ErrCancelled, context.Cause(ctx).Error())
		}
	}
}

// Execute 执行任务,失败时按配置重试
func (w *Worker[T, R]) Execute(ctx context.Context, task T) (result Result[R]) {
	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
		w.metrics.RecordExecution(string(result.Kind))
	}()

	if err := w.admit(ctx); err != nil {
		return w.failure(err, 0)
	}

	// 调用方取消或者 worker 停止都会取消本次执行
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := context.AfterFunc(w.stopCtx, cancel)
	defer stopWatch()

	if err := w.sem.Acquire(execCtx, 1); err != nil {
		return w.failure(w.cancelCause(ctx), 0)
	}
	defer w.sem.Release(1)
	w.metrics.SetRunning(int(w.running.Add(1)))
	defer func() { w.metrics.SetRunning(int(w.running.Add(-1))) }()

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= w.cfg.MaxRetries+1; attempt++ {
		if attempt > 1 && w.cfg.RetryDelay > 0 {
			timer := time.NewTimer(w.cfg.RetryDelay)
			select {
			case <-timer.C:
			case <-execCtx.Done():
				timer.Stop()
				return w.failure(w.cancelCause(ctx), attempts)
			}
		}
		attempts = attempt
		output, err := w.runAttempt(execCtx, task, attempt)
		if err == nil {
			return Result[R]{Success: true, Output: output, Kind: KindSuccess, Attempts: attempts}
		}
		if execCtx.Err() != nil {
			return w.failure(w.cancelCause(ctx), attempts)
		}
		lastErr = err
		if isPermanent(err) {
			w.logger.WarnContext(ctx, "[Worker.Execute] attempt failed, not retryable", "attempt", attempt, "err", err)
			break
		}
		w.logger.WarnContext(ctx, "[Worker.Execute] attempt failed", "attempt", attempt, "max_retries", w.cfg.MaxRetries, "err", err)
	}
	return w.failure(lastErr, attempts)
}

// cancelCause 区分是 worker 停止还是调用方取消
func (w *Worker[T, R]) cancelCause(ctx context.Context) error {
	if w.stopCtx.Err() != nil && ctx.Err() == nil {
		return ErrStopped
	}
	if cause := context.Cause(ctx); cause != nil {
		return errors.WithMessage(ErrCancelled, cause.Error())
	}
	return ErrCancelled
}

func (w *Worker[T, R]) failure(err error, attempts int) Result[R] {
	kind := KindHandler
	switch {
	case errors.Is(err, ErrStopped):
		kind = KindStopped
	case errors.Is(err, ErrCancelled):
		kind = KindCancelled
	case errors.Is(err, ErrTimeout):
		kind = KindTimeout
	}
	return Result[R]{Success: false, Err: err, Kind: kind, Attempts: attempts}
}

type attemptResult[R any] struct {
	output R
	err    error
}

// runAttempt handler 在独立的 goroutine 里执行,不响应取消的 handler 也能按时超时
func (w *Worker[T, R]) runAttempt(ctx context.Context, task T, attempt int) (R, error) {
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if w.cfg.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeoutCause(ctx, w.cfg.Timeout, ErrTimeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan attemptResult[R], 1)
	go func() {
		var res attemptResult[R]
		defer func() {
			if r := recover(); r != nil {
				w.logger.ErrorContext(ctx, "[Worker.runAttempt] handler panic", "panic", r, "stack", string(debug.Stack()))
				res.err = errors.WithMessage(ErrPanic, fmt.Sprint(r))
			}
			done <- res
		}()
		res.output, res.err = w.handler(attemptCtx, Job[T]{Task: task, Attempt: attempt})
	}()

	select {
	case res := <-done:
		w.metrics.ObserveAttempt(time.Since(start))
		if res.err != nil && attemptCtx.Err() != nil && ctx.Err() == nil {
			// handler 响应了超时信号,返回的是 ctx 的错误
			return res.output, errors.WithMessagef(ErrTimeout, "timeout: %s, handler err: %v", w.cfg.Timeout, res.err)
		}
		return res.output, res.err
	case <-attemptCtx.Done():
		w.metrics.ObserveAttempt(time.Since(start))
		var zero R
		if ctx.Err() != nil {
			return zero, context.Cause(ctx)
		}
		return zero, errors.WithMessagef(ErrTimeout, "timeout: %s", w.cfg.Timeout)
	}
}
