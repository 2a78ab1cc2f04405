package workflow

import "github.com/pkg/errors"

var (
	ErrWorkflowDefinitionNotFound = errors.New("workflow definition not found")
	ErrWorkflowInstanceNotFound   = errors.New("workflow instance not found")
	ErrInvalidDefinition          = errors.New("invalid workflow definition")
	ErrNodeHandlerNotFound        = errors.New("node handler not found")
	ErrNodeHandlerRegistered      = errors.New("node handler already registered")
	ErrInstanceFinished           = errors.New("workflow instance already finished")
	// 特殊的error 会影响流程的error
	// ErrNodeFailedWithContinue: 节点失败，但是可以继续执行，下游看到的输出是 {error: ...}
	// 场景&应用: 一些通知类的节点，对结果不关心，成功或者失败都行
	ErrNodeFailedWithContinue = errors.New("node failed with continue")
	// ErrNodeFailedWithTermination: 节点失败，整个工作流状态变成failed，即使节点配置了 continueOnError
	// 场景&应用: 一些关键参数丢失，无论重试多少次都不会成功
	ErrNodeFailedWithTermination = errors.New("node failed with termination")
)

type InstanceStatus = string

const (
	InstanceStatusRunning InstanceStatus = "running"
	// 完成, 终止状态. end 节点完成、没有可走的边被强制完成、或者没有可以继续执行的节点
	InstanceStatusCompleted InstanceStatus = "completed"
	// 失败, 终止状态. 某个节点失败并且完成策略要求终止
	InstanceStatusFailed InstanceStatus = "failed"
	// 取消, 终止状态. 手动取消
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

func IsOverInstanceStatus(status InstanceStatus) bool {
	return status == InstanceStatusFailed || status == InstanceStatusCancelled || status == InstanceStatusCompleted
}

func GetInstanceStatusText(status InstanceStatus) string {
	switch status {
	case InstanceStatusRunning:
		return "运行中"
	case InstanceStatusCompleted:
		return "完成"
	case InstanceStatusFailed:
		return "失败"
	case InstanceStatusCancelled:
		return "取消"
	}
	return "未知"
}

type NodeStatus = string

const (
	NodeStatusPending NodeStatus = "pending"
	NodeStatusReady   NodeStatus = "ready" // 被某条边激活,依赖满足后才会真正执行
	NodeStatusRunning NodeStatus = "running"
	NodeStatusDone    NodeStatus = "done"
	NodeStatusFailed  NodeStatus = "failed"
	// 跳过, 条件边没有命中. 之后被其他边激活还会恢复成 ready
	NodeStatusSkipped NodeStatus = "skipped"
)

func IsOverNodeStatus(status NodeStatus) bool {
	return status == NodeStatusDone || status == NodeStatusFailed || status == NodeStatusSkipped
}

// isWaitingNodeStatus 还没有执行,可以被调度
func isWaitingNodeStatus(status NodeStatus) bool {
	return status == NodeStatusPending || status == NodeStatusReady
}

func GetNodeStatusText(status NodeStatus) string {
	switch status {
	case NodeStatusPending:
		return "等待中"
	case NodeStatusReady:
		return "就绪"
	case NodeStatusRunning:
		return "运行中"
	case NodeStatusDone:
		return "完成"
	case NodeStatusFailed:
		return "失败"
	case NodeStatusSkipped:
		return "跳过"
	}
	return "未知"
}

// ErrorKind 节点失败的类型,写在 NodeResult 里面
type ErrorKind = string

const (
	ErrorKindHandler     ErrorKind = "handler"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindCancelled   ErrorKind = "cancelled"
	ErrorKindContinue    ErrorKind = "continue"
	ErrorKindTermination ErrorKind = "termination"
)

// IsSeriousError 用于判断是否是严重错误，如果是严重错误，则打error级别日志，
// 否则打warn级别日志
// 严重错误定义：需要人工介入处理处理，
// 1. 当前工作流实例不会重试，异常结束
// 2. 或者当前工作流实例没有办法正常运行，需要人工介入处理,如配置不正确
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	if errors.Is(causeErr, ErrWorkflowDefinitionNotFound) ||
		errors.Is(causeErr, ErrWorkflowInstanceNotFound) ||
		errors.Is(causeErr, ErrInvalidDefinition) ||
		errors.Is(causeErr, ErrNodeHandlerNotFound) ||
		errors.Is(causeErr, ErrNodeFailedWithTermination) {
		return true
	}
	return false
}
