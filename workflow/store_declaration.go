package workflow

import (
	"context"
)

// Store 定义和实例的存储。Get 返回的都是副本,修改之后需要 Save
type Store interface {
	GetWorkflow(ctx context.Context, workflowID string) (*Definition, error)
	SaveWorkflow(ctx context.Context, def *Definition) error
	GetInstance(ctx context.Context, instanceID string) (*Instance, error)
	SaveInstance(ctx context.Context, inst *Instance) error
	ListInstances(ctx context.Context, params *QueryInstanceParams) ([]*Instance, error)
}

// Transactional 支持事务的存储, Scheduler 会把一次状态变更放在一个事务里
type Transactional interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type QueryInstanceParams struct {
	WorkflowID string
	StatusIn   []InstanceStatus
	// Limit <=0 不限制
	Limit int
}
