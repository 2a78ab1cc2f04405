package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WorkflowDefinitionPo struct {
	ID        string `gorm:"column:id;primaryKey;size:128"`
	Name      string `gorm:"column:name"`
	Document  []byte `gorm:"column:document"` // 完整的定义, json
	CreatedAt int64  `gorm:"column:created_at"`
	UpdatedAt int64  `gorm:"column:updated_at"`
}

func (WorkflowDefinitionPo) TableName() string {
	return "workflow_definition"
}

type WorkflowInstancePo struct {
	ID              string         `gorm:"column:id;primaryKey;size:64"`
	WorkflowID      string         `gorm:"column:workflow_id;index;size:128"`
	Status          InstanceStatus `gorm:"column:status;index;size:32"`
	WorkflowContext []byte         `gorm:"column:workflow_context"` // 变量、输出、回环计数、活动循环
	CreatedAt       int64          `gorm:"column:created_at"`       // 毫秒
	UpdatedAt       int64          `gorm:"column:updated_at"`
}

func (WorkflowInstancePo) TableName() string {
	return "workflow_instance"
}

type TaskInstancePo struct {
	ID                 int64      `gorm:"column:id;primaryKey;autoIncrement"`
	WorkflowInstanceID string     `gorm:"column:workflow_instance_id;size:64;uniqueIndex:uk_instance_node"`
	NodeID             string     `gorm:"column:node_id;size:128;uniqueIndex:uk_instance_node"`
	Status             NodeStatus `gorm:"column:status;size:32"`
	Attempts           int        `gorm:"column:attempts"`
	Runs               int        `gorm:"column:runs"`
	NodeContext        []byte     `gorm:"column:node_context"` // 节点输出、错误、耗时
	CreatedAt          int64      `gorm:"column:created_at"`
	UpdatedAt          int64      `gorm:"column:updated_at"`
}

func (TaskInstancePo) TableName() string {
	return "task_instance"
}

type instanceContext struct {
	LoopCounts  map[string]int      `json:"loop_counts,omitempty"`
	ActiveLoops map[string][]string `json:"active_loops,omitempty"`
	Variables   map[string]any      `json:"variables,omitempty"`
	Outputs     map[string]any      `json:"outputs,omitempty"`
	Error       string              `json:"error,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

type nodeContext struct {
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	Cost        float64    `json:"cost,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GormStore 基于 gorm 的存储,一个实例一行,每个节点状态一行
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate 创建或更新表结构
func (r *GormStore) AutoMigrate() error {
	return r.db.AutoMigrate(&WorkflowDefinitionPo{}, &WorkflowInstancePo{}, &TaskInstancePo{})
}

func (r *GormStore) GetWorkflow(ctx context.Context, workflowID string) (*Definition, error) {
	po := &WorkflowDefinitionPo{}
	err := r.GetDBWithContext(ctx).Where("id = ?", workflowID).Take(po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionNotFound, "workflowID: %s", workflowID)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "GetWorkflow failed, workflowID: %s", workflowID)
	}
	def := &Definition{}
	if err := json.Unmarshal(po.Document, def); err != nil {
		return nil, errors.WithMessagef(err, "unmarshal definition failed, workflowID: %s", workflowID)
	}
	return def, nil
}

func (r *GormStore) SaveWorkflow(ctx context.Context, def *Definition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return errors.WithMessagef(err, "marshal definition failed, workflowID: %s", def.ID)
	}
	now := time.Now().UnixMilli()
	po := &WorkflowDefinitionPo{ID: def.ID, Name: def.Name, Document: doc, CreatedAt: now, UpdatedAt: now}
	err = r.GetDBWithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "document", "updated_at"}),
	}).Create(po).Error
	return errors.WithMessagef(err, "SaveWorkflow failed, workflowID: %s", def.ID)
}

func (r *GormStore) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	po := &WorkflowInstancePo{}
	err := r.GetDBWithContext(ctx).Where("id = ?", instanceID).Take(po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.WithMessagef(ErrWorkflowInstanceNotFound, "instanceID: %s", instanceID)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "GetInstance failed, instanceID: %s", instanceID)
	}
	tasks := make([]*TaskInstancePo, 0)
	if err := r.GetDBWithContext(ctx).Where("workflow_instance_id = ?", instanceID).Find(&tasks).Error; err != nil {
		return nil, errors.WithMessagef(err, "query task instance failed, instanceID: %s", instanceID)
	}
	return assembleInstance(po, tasks)
}

// SaveInstance 实例和节点状态在同一个事务里写入
func (r *GormStore) SaveInstance(ctx context.Context, inst *Instance) error {
	wc, err := json.Marshal(&instanceContext{
		LoopCounts:  inst.LoopCounts,
		ActiveLoops: inst.ActiveLoops,
		Variables:   inst.Variables,
		Outputs:     inst.Outputs,
		Error:       inst.Error,
		Reason:      inst.Reason,
		CompletedAt: inst.CompletedAt,
	})
	if err != nil {
		return errors.WithMessagef(err, "marshal workflow context failed, instanceID: %s", inst.ID)
	}
	now := time.Now().UnixMilli()
	instancePo := &WorkflowInstancePo{
		ID:              inst.ID,
		WorkflowID:      inst.WorkflowID,
		Status:          inst.Status,
		WorkflowContext: wc,
		CreatedAt:       inst.CreatedAt.UnixMilli(),
		UpdatedAt:       now,
	}
	taskPos := make([]*TaskInstancePo, 0, len(inst.NodeStates))
	for nodeID, st := range inst.NodeStates {
		nc, err := json.Marshal(&nodeContext{
			Output:      st.Output,
			Error:       st.Error,
			Cost:        st.Cost,
			StartedAt:   st.StartedAt,
			CompletedAt: st.CompletedAt,
		})
		if err != nil {
			return errors.WithMessagef(err, "marshal node context failed, instanceID: %s, nodeID: %s", inst.ID, nodeID)
		}
		taskPos = append(taskPos, &TaskInstancePo{
			WorkflowInstanceID: inst.ID,
			NodeID:             nodeID,
			Status:             st.Status,
			Attempts:           st.Attempts,
			Runs:               st.Runs,
			NodeContext:        nc,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
	}

	return r.Transaction(ctx, func(ctx context.Context) error {
		db := r.GetDBWithContext(ctx)
		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "workflow_context", "updated_at"}),
		}).Create(instancePo).Error
		if err != nil {
			return errors.WithMessagef(err, "save workflow instance failed, instanceID: %s", inst.ID)
		}
		if len(taskPos) == 0 {
			return nil
		}
		err = db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workflow_instance_id"}, {Name: "node_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "attempts", "runs", "node_context", "updated_at"}),
		}).Create(&taskPos).Error
		return errors.WithMessagef(err, "save task instance failed, instanceID: %s", inst.ID)
	})
}

func (r *GormStore) ListInstances(ctx context.Context, params *QueryInstanceParams) ([]*Instance, error) {
	if params == nil {
		params = &QueryInstanceParams{}
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	if params.WorkflowID != "" {
		db = db.Where("workflow_id = ?", params.WorkflowID)
	}
	if len(params.StatusIn) > 0 {
		db = db.Where("status IN ?", params.StatusIn)
	}
	db = db.Order("created_at ASC").Order("id ASC")
	if params.Limit > 0 {
		db = db.Limit(params.Limit)
	}
	instancePos := make([]*WorkflowInstancePo, 0)
	if err := db.Find(&instancePos).Error; err != nil {
		return nil, errors.WithMessage(err, "ListInstances failed")
	}
	if len(instancePos) == 0 {
		return []*Instance{}, nil
	}

	ids := make([]string, 0, len(instancePos))
	for _, po := range instancePos {
		ids = append(ids, po.ID)
	}
	taskPos := make([]*TaskInstancePo, 0)
	if err := r.GetDBWithContext(ctx).Where("workflow_instance_id IN ?", ids).Find(&taskPos).Error; err != nil {
		return nil, errors.WithMessage(err, "query task instance failed")
	}
	tasksByInstance := make(map[string][]*TaskInstancePo, len(ids))
	for _, t := range taskPos {
		tasksByInstance[t.WorkflowInstanceID] = append(tasksByInstance[t.WorkflowInstanceID], t)
	}

	result := make([]*Instance, 0, len(instancePos))
	for _, po := range instancePos {
		inst, err := assembleInstance(po, tasksByInstance[po.ID])
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	return result, nil
}

func assembleInstance(po *WorkflowInstancePo, tasks []*TaskInstancePo) (*Instance, error) {
	wc := &instanceContext{}
	if len(po.WorkflowContext) > 0 {
		if err := json.Unmarshal(po.WorkflowContext, wc); err != nil {
			return nil, errors.WithMessagef(err, "unmarshal workflow context failed, instanceID: %s", po.ID)
		}
	}
	inst := &Instance{
		ID:          po.ID,
		WorkflowID:  po.WorkflowID,
		Status:      po.Status,
		NodeStates:  make(map[string]*NodeState, len(tasks)),
		LoopCounts:  wc.LoopCounts,
		ActiveLoops: wc.ActiveLoops,
		Variables:   wc.Variables,
		Outputs:     wc.Outputs,
		Error:       wc.Error,
		Reason:      wc.Reason,
		CreatedAt:   time.UnixMilli(po.CreatedAt),
		UpdatedAt:   time.UnixMilli(po.UpdatedAt),
		CompletedAt: wc.CompletedAt,
	}
	for _, t := range tasks {
		nc := &nodeContext{}
		if len(t.NodeContext) > 0 {
			if err := json.Unmarshal(t.NodeContext, nc); err != nil {
				return nil, errors.WithMessagef(err, "unmarshal node context failed, instanceID: %s, nodeID: %s", po.ID, t.NodeID)
			}
		}
		inst.NodeStates[t.NodeID] = &NodeState{
			Status:      t.Status,
			Attempts:    t.Attempts,
			Runs:        t.Runs,
			StartedAt:   nc.StartedAt,
			CompletedAt: nc.CompletedAt,
			Output:      nc.Output,
			Error:       nc.Error,
			Cost:        nc.Cost,
		}
	}
	inst.ensureMaps()
	return inst, nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *GormStore) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		// 没有事务，直接返回db即可
		return r.db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

// Transaction ctx 里已经有事务时直接复用
func (r *GormStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if ctx.Value(transactionContextKey) != nil {
		return fn(ctx)
	}
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return errors.WithMessage(tx.Error, "begin transaction failed")
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = errors.WithMessage(tx.Commit().Error, "commit transaction failed")
	}()
	return fn(context.WithValue(ctx, transactionContextKey, tx))
}
