package workflow

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type NodeType = string

const (
	NodeTypeStart        NodeType = "start"
	NodeTypeEnd          NodeType = "end"
	NodeTypeTask         NodeType = "task"
	NodeTypeCondition    NodeType = "condition"
	NodeTypeParallel     NodeType = "parallel"
	NodeTypeJoin         NodeType = "join"
	NodeTypeHuman        NodeType = "human"
	NodeTypeDelay        NodeType = "delay"
	NodeTypeSchedule     NodeType = "schedule"
	NodeTypeScheduleWait NodeType = "schedule-wait"
	NodeTypeLoop         NodeType = "loop"
	NodeTypeForeach      NodeType = "foreach"
	NodeTypeSwitch       NodeType = "switch"
	NodeTypeAssign       NodeType = "assign"
	NodeTypeScript       NodeType = "script"
	NodeTypeNotify       NodeType = "notify"
)

var knownNodeTypes = map[NodeType]bool{
	NodeTypeStart: true, NodeTypeEnd: true, NodeTypeTask: true, NodeTypeCondition: true,
	NodeTypeParallel: true, NodeTypeJoin: true, NodeTypeHuman: true, NodeTypeDelay: true,
	NodeTypeSchedule: true, NodeTypeScheduleWait: true, NodeTypeLoop: true, NodeTypeForeach: true,
	NodeTypeSwitch: true, NodeTypeAssign: true, NodeTypeScript: true, NodeTypeNotify: true,
}

func isLoopNodeType(t NodeType) bool {
	return t == NodeTypeLoop || t == NodeTypeForeach
}

// Definition 工作流定义,创建之后不再修改
type Definition struct {
	ID    string  `json:"id" yaml:"id" validate:"required"`
	Name  string  `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes []*Node `json:"nodes" yaml:"nodes" validate:"required,min=1,dive,required"`
	Edges []*Edge `json:"edges" yaml:"edges" validate:"dive,required"`
}

func (d *Definition) Node(id string) *Node {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

type Node struct {
	ID     string         `json:"id" yaml:"id" validate:"required"`
	Name   string         `json:"name,omitempty" yaml:"name,omitempty"`
	Type   NodeType       `json:"type" yaml:"type" validate:"required"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Conf 节点配置的只读视图
func (n *Node) Conf() *JSONContext {
	return NewJSONContextFromMap(n.Config)
}

type Edge struct {
	ID        string `json:"id,omitempty" yaml:"id,omitempty"`
	From      string `json:"from" yaml:"from" validate:"required"`
	To        string `json:"to" yaml:"to" validate:"required"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	// MaxLoops 设置了就一定是回环边
	MaxLoops *int `json:"maxLoops,omitempty" yaml:"maxLoops,omitempty" validate:"omitempty,gte=1"`
}

// Key 回环计数使用的 key,没有 ID 时是 from->to
func (e *Edge) Key() string {
	if e.ID != "" {
		return e.ID
	}
	return e.From + "->" + e.To
}

type NodeState struct {
	Status   NodeStatus `json:"status"`
	Attempts int        `json:"attempts"`
	// Runs 被调度的次数,结果里面带的 Run 不一致说明是过期的结果
	Runs        int        `json:"runs"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	Cost        float64    `json:"cost,omitempty"`
}

type Instance struct {
	ID          string                `json:"id"`
	WorkflowID  string                `json:"workflow_id"`
	Status      InstanceStatus        `json:"status"`
	NodeStates  map[string]*NodeState `json:"node_states"`
	LoopCounts  map[string]int        `json:"loop_counts"`
	ActiveLoops map[string][]string   `json:"active_loops"`
	Variables   map[string]any        `json:"variables"`
	Outputs     map[string]any        `json:"outputs"`
	Error       string                `json:"error,omitempty"`
	// Reason 实例结束的原因
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (inst *Instance) state(nodeID string) *NodeState {
	st, ok := inst.NodeStates[nodeID]
	if !ok {
		st = &NodeState{Status: NodeStatusPending}
		inst.NodeStates[nodeID] = st
	}
	return st
}

func (inst *Instance) statusOf(nodeID string) NodeStatus {
	if st, ok := inst.NodeStates[nodeID]; ok {
		return st.Status
	}
	return NodeStatusPending
}

// ensureMaps 反序列化之后 map 可能是 nil
func (inst *Instance) ensureMaps() {
	if inst.NodeStates == nil {
		inst.NodeStates = make(map[string]*NodeState)
	}
	if inst.LoopCounts == nil {
		inst.LoopCounts = make(map[string]int)
	}
	if inst.ActiveLoops == nil {
		inst.ActiveLoops = make(map[string][]string)
	}
	if inst.Variables == nil {
		inst.Variables = make(map[string]any)
	}
	if inst.Outputs == nil {
		inst.Outputs = make(map[string]any)
	}
}

// Clone 通过 JSON 深拷贝,输出和变量只保留 JSON 能表达的部分
func (inst *Instance) Clone() (*Instance, error) {
	b, err := json.Marshal(inst)
	if err != nil {
		return nil, errors.WithMessagef(err, "marshal instance failed, id: %s", inst.ID)
	}
	c := &Instance{}
	if err := json.Unmarshal(b, c); err != nil {
		return nil, errors.WithMessagef(err, "unmarshal instance failed, id: %s", inst.ID)
	}
	c.ensureMaps()
	return c, nil
}

// NodeResult 节点执行结果,由 Engine 交给 Scheduler.HandleNodeResult
type NodeResult struct {
	InstanceID string `json:"instance_id"`
	NodeID     string `json:"node_id"`
	// Run 调度时的 NodeState.Runs
	Run       int            `json:"run"`
	Success   bool           `json:"success"`
	Output    any            `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty"`
	Cost      float64        `json:"cost,omitempty"`
	Attempts  int            `json:"attempts"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Dispatch 一次节点调度,作为队列任务的 payload
type Dispatch struct {
	InstanceID string `json:"instance_id"`
	NodeID     string `json:"node_id"`
	Run        int    `json:"run"`
	// Priority 节点配置的 priority,越大越先执行
	Priority int `json:"priority,omitempty"`
}
