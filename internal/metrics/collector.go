// Package metrics 队列、worker、调度器的 prometheus 指标。
// 所有方法都允许 nil 接收者,未配置指标时调用方不需要判断。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector 指标收集器
type Collector struct {
	// 队列指标
	queueOpDuration *prometheus.HistogramVec
	queueOpsTotal   *prometheus.CounterVec
	lockRetries     prometheus.Counter

	// worker 指标
	workerExecutions      *prometheus.CounterVec
	workerAttemptDuration prometheus.Histogram
	workerRunning         prometheus.Gauge

	// 调度器指标
	nodeTransitions *prometheus.CounterVec
	instancesTotal  *prometheus.CounterVec
}

// NewCollector 在reg上注册指标,reg 为 nil 时使用独立的注册表,避免重复注册默认注册表
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	c := &Collector{}

	c.queueOpDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "op_duration_seconds",
			Help:      "Queue critical section duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
		},
		[]string{"op"},
	)
	c.queueOpsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "ops_total",
			Help:      "Total number of queue operations",
		},
		[]string{"op", "result"},
	)
	c.lockRetries = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "lock_retries_total",
			Help:      "Total number of lock acquisition retries",
		},
	)

	c.workerExecutions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "executions_total",
			Help:      "Total number of worker executions by result kind",
		},
		[]string{"kind"},
	)
	c.workerAttemptDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "attempt_duration_seconds",
			Help:      "Worker attempt duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
	)
	c.workerRunning = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "running",
			Help:      "Number of in-flight executions",
		},
	)

	c.nodeTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "node_transitions_total",
			Help:      "Total number of node state transitions",
		},
		[]string{"node_type", "status"},
	)
	c.instancesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "instances_total",
			Help:      "Total number of workflow instances by status",
		},
		[]string{"status"},
	)
	return c
}

// RecordQueueOp 记录一次队列操作
func (c *Collector) RecordQueueOp(op string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.queueOpDuration.WithLabelValues(op).Observe(duration.Seconds())
	c.queueOpsTotal.WithLabelValues(op, result).Inc()
}

func (c *Collector) IncLockRetry() {
	if c == nil {
		return
	}
	c.lockRetries.Inc()
}

// RecordExecution 记录一次 worker 执行结果
func (c *Collector) RecordExecution(kind string) {
	if c == nil {
		return
	}
	c.workerExecutions.WithLabelValues(kind).Inc()
}

func (c *Collector) ObserveAttempt(duration time.Duration) {
	if c == nil {
		return
	}
	c.workerAttemptDuration.Observe(duration.Seconds())
}

func (c *Collector) SetRunning(n int) {
	if c == nil {
		return
	}
	c.workerRunning.Set(float64(n))
}

func (c *Collector) RecordNodeTransition(nodeType string, status string) {
	if c == nil {
		return
	}
	c.nodeTransitions.WithLabelValues(nodeType, status).Inc()
}

func (c *Collector) RecordInstance(status string) {
	if c == nil {
		return
	}
	c.instancesTotal.WithLabelValues(status).Inc()
}
