package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/blingmoon/flowgraph/internal/logging"
)

func newTestGormStore(t *testing.T) *GormStore {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "flowgraph.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := NewGormStore(db)
	require.NoError(t, store.AutoMigrate())
	return store
}

func testStores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"gorm":   newTestGormStore(t),
	}
}

func TestStore_Definition(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.GetWorkflow(ctx, "missing")
			assert.True(t, errors.Is(err, ErrWorkflowDefinitionNotFound))

			def := retryDefinition("wf", false, intPtr(2))
			def.Name = "retry"
			def.Nodes[1].Config = map[string]any{"prompt": "hello", "priority": 3}
			require.NoError(t, store.SaveWorkflow(ctx, def))

			got, err := store.GetWorkflow(ctx, "wf")
			require.NoError(t, err)
			assert.Equal(t, "retry", got.Name)
			assert.Len(t, got.Nodes, 4)
			require.NotNil(t, got.Edges[2].MaxLoops)
			assert.Equal(t, 2, *got.Edges[2].MaxLoops)
			prompt, _ := got.Node("A").Conf().GetString("prompt")
			assert.Equal(t, "hello", prompt)

			def.Name = "retry-v2"
			require.NoError(t, store.SaveWorkflow(ctx, def))
			got, err = store.GetWorkflow(ctx, "wf")
			require.NoError(t, err)
			assert.Equal(t, "retry-v2", got.Name)
		})
	}
}

func TestStore_Instance(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.GetInstance(ctx, "missing")
			assert.True(t, errors.Is(err, ErrWorkflowInstanceNotFound))

			created := time.UnixMilli(time.Now().UnixMilli())
			done := created.Add(time.Second)
			inst := &Instance{
				ID:         "i-1",
				WorkflowID: "wf",
				Status:     InstanceStatusRunning,
				NodeStates: map[string]*NodeState{
					"start": {Status: NodeStatusDone, Attempts: 1, Runs: 1, CompletedAt: &done, Output: map[string]any{"ok": true}},
					"A":     {Status: NodeStatusRunning, Runs: 2, Error: "previous error", Cost: 1.5},
				},
				LoopCounts:  map[string]int{"retry": 1},
				ActiveLoops: map[string][]string{"L": {"b1", "b2"}},
				Variables:   map[string]any{"topic": "go"},
				Outputs:     map[string]any{"start": map[string]any{"ok": true}},
				CreatedAt:   created,
			}
			require.NoError(t, store.SaveInstance(ctx, inst))

			got, err := store.GetInstance(ctx, "i-1")
			require.NoError(t, err)
			assert.Equal(t, InstanceStatusRunning, got.Status)
			assert.Equal(t, created.UnixMilli(), got.CreatedAt.UnixMilli())
			assert.Equal(t, map[string]int{"retry": 1}, got.LoopCounts)
			assert.Equal(t, map[string][]string{"L": {"b1", "b2"}}, got.ActiveLoops)
			assert.Equal(t, "go", got.Variables["topic"])
			assert.Equal(t, NodeStatusDone, got.NodeStates["start"].Status)
			assert.Equal(t, map[string]any{"ok": true}, got.NodeStates["start"].Output)
			assert.True(t, done.Equal(*got.NodeStates["start"].CompletedAt))
			assert.Equal(t, 2, got.NodeStates["A"].Runs)
			assert.Equal(t, 1.5, got.NodeStates["A"].Cost)

			t.Run("更新节点状态", func(t *testing.T) {
				got.Status = InstanceStatusCompleted
				got.Reason = "end node reached"
				got.NodeStates["A"].Status = NodeStatusDone
				got.NodeStates["A"].Error = ""
				got.NodeStates["end"] = &NodeState{Status: NodeStatusDone}
				require.NoError(t, store.SaveInstance(ctx, got))

				again, err := store.GetInstance(ctx, "i-1")
				require.NoError(t, err)
				assert.Equal(t, InstanceStatusCompleted, again.Status)
				assert.Equal(t, "end node reached", again.Reason)
				assert.Len(t, again.NodeStates, 3)
				assert.Equal(t, NodeStatusDone, again.NodeStates["A"].Status)
				assert.Empty(t, again.NodeStates["A"].Error)
			})

			t.Run("查询", func(t *testing.T) {
				for i, status := range []InstanceStatus{InstanceStatusRunning, InstanceStatusFailed} {
					other := &Instance{
						ID: fmt.Sprintf("i-%d", i+2), WorkflowID: "other", Status: status,
						CreatedAt: created.Add(time.Duration(i+1) * time.Millisecond),
					}
					other.ensureMaps()
					require.NoError(t, store.SaveInstance(ctx, other))
				}

				all, err := store.ListInstances(ctx, nil)
				require.NoError(t, err)
				require.Len(t, all, 3)
				assert.Equal(t, []string{"i-1", "i-2", "i-3"}, []string{all[0].ID, all[1].ID, all[2].ID})

				byWorkflow, err := store.ListInstances(ctx, &QueryInstanceParams{WorkflowID: "other"})
				require.NoError(t, err)
				assert.Len(t, byWorkflow, 2)

				byStatus, err := store.ListInstances(ctx, &QueryInstanceParams{StatusIn: []InstanceStatus{InstanceStatusFailed, InstanceStatusCompleted}})
				require.NoError(t, err)
				assert.Len(t, byStatus, 2)

				limited, err := store.ListInstances(ctx, &QueryInstanceParams{Limit: 1})
				require.NoError(t, err)
				require.Len(t, limited, 1)
				assert.Equal(t, "i-1", limited[0].ID)
				assert.Len(t, limited[0].NodeStates, 3)
			})
		})
	}
}

func TestGormStore_Transaction(t *testing.T) {
	ctx := context.Background()
	store := newTestGormStore(t)
	inst := &Instance{ID: "tx-1", WorkflowID: "wf", Status: InstanceStatusRunning, CreatedAt: time.Now()}
	inst.ensureMaps()

	errRollback := errors.New("rollback")
	err := store.Transaction(ctx, func(ctx context.Context) error {
		require.NoError(t, store.SaveInstance(ctx, inst))
		return errRollback
	})
	assert.True(t, errors.Is(err, errRollback))
	_, err = store.GetInstance(ctx, "tx-1")
	assert.True(t, errors.Is(err, ErrWorkflowInstanceNotFound), "事务回滚后不存在")

	require.NoError(t, store.Transaction(ctx, func(ctx context.Context) error {
		return store.SaveInstance(ctx, inst)
	}))
	_, err = store.GetInstance(ctx, "tx-1")
	assert.NoError(t, err)
}

// Scheduler 在 gorm 存储上完整跑一遍
func TestScheduler_WithGormStore(t *testing.T) {
	ctx := context.Background()
	store := newTestGormStore(t)
	def := retryDefinition("gorm-retry", false, intPtr(1))
	require.NoError(t, store.SaveWorkflow(ctx, def))

	h := &schedulerHarness{t: t, ctx: ctx, def: def}
	h.s = NewScheduler(store, WithLogger(logging.NewNop()))
	h.registry = NewHandlerRegistry(h.s.Evaluator())

	inst := h.start(nil)
	final, executed := h.run(inst.ID, func(nodeID string, inst *Instance) (*HandlerResult, error) {
		return Succeed(map[string]any{"retry": nodeID == "B"}), nil
	})
	assert.Equal(t, []string{"start", "A", "B", "A", "B", "end"}, executed)
	assert.Equal(t, InstanceStatusCompleted, final.Status)
	assert.Equal(t, 1, final.LoopCounts["retry"])
	assert.Equal(t, 2, final.NodeStates["A"].Runs)

	list, err := store.ListInstances(ctx, &QueryInstanceParams{WorkflowID: "gorm-retry", StatusIn: []InstanceStatus{InstanceStatusCompleted}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, inst.ID, list[0].ID)
}
