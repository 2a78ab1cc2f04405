package workflow

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// MemoryStore 进程内存储,保存的是 JSON 序列化后的副本
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string][]byte
	instances map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string][]byte),
		instances: make(map[string][]byte),
	}
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, workflowID string) (*Definition, error) {
	s.mu.RLock()
	b, ok := s.workflows[workflowID]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionNotFound, "workflowID: %s", workflowID)
	}
	def := &Definition{}
	if err := json.Unmarshal(b, def); err != nil {
		return nil, errors.WithMessagef(err, "unmarshal definition failed, workflowID: %s", workflowID)
	}
	return def, nil
}

func (s *MemoryStore) SaveWorkflow(ctx context.Context, def *Definition) error {
	b, err := json.Marshal(def)
	if err != nil {
		return errors.WithMessagef(err, "marshal definition failed, workflowID: %s", def.ID)
	}
	s.mu.Lock()
	s.workflows[def.ID] = b
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	s.mu.RLock()
	b, ok := s.instances[instanceID]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.WithMessagef(ErrWorkflowInstanceNotFound, "instanceID: %s", instanceID)
	}
	return decodeInstance(b)
}

func (s *MemoryStore) SaveInstance(ctx context.Context, inst *Instance) error {
	b, err := json.Marshal(inst)
	if err != nil {
		return errors.WithMessagef(err, "marshal instance failed, instanceID: %s", inst.ID)
	}
	s.mu.Lock()
	s.instances[inst.ID] = b
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListInstances(ctx context.Context, params *QueryInstanceParams) ([]*Instance, error) {
	if params == nil {
		params = &QueryInstanceParams{}
	}
	s.mu.RLock()
	raws := make([][]byte, 0, len(s.instances))
	for _, b := range s.instances {
		raws = append(raws, b)
	}
	s.mu.RUnlock()

	result := make([]*Instance, 0)
	for _, b := range raws {
		inst, err := decodeInstance(b)
		if err != nil {
			return nil, err
		}
		if params.WorkflowID != "" && inst.WorkflowID != params.WorkflowID {
			continue
		}
		if len(params.StatusIn) > 0 && !slices.Contains(params.StatusIn, inst.Status) {
			continue
		}
		result = append(result, inst)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if params.Limit > 0 && len(result) > params.Limit {
		result = result[:params.Limit]
	}
	return result, nil
}

func decodeInstance(b []byte) (*Instance, error) {
	inst := &Instance{}
	if err := json.Unmarshal(b, inst); err != nil {
		return nil, errors.WithMessage(err, "unmarshal instance failed")
	}
	inst.ensureMaps()
	return inst, nil
}
