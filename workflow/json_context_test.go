package workflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestJSONContext_BasicOperations(t *testing.T) {
	ctx := NewJSONContextFromMap(nil)
	require.NoError(t, ctx.Set([]string{"user", "name"}, "张三"))
	require.NoError(t, ctx.SetPath("user.age", int64(25)))
	require.NoError(t, ctx.Set([]string{"user", "active"}, true))
	require.NoError(t, ctx.Set([]string{"score"}, 98.5))

	name, ok := ctx.GetString("user", "name")
	assert.True(t, ok)
	assert.Equal(t, "张三", name)

	age, ok := ctx.GetInt64("user", "age")
	assert.True(t, ok)
	assert.Equal(t, int64(25), age)

	active, ok := ctx.GetBool("user", "active")
	assert.True(t, ok)
	assert.True(t, active)

	score, ok := ctx.GetFloat64("score")
	assert.True(t, ok)
	assert.Equal(t, 98.5, score)

	v, ok := ctx.GetPath("user.name")
	assert.True(t, ok)
	assert.Equal(t, "张三", v)

	assert.Error(t, ctx.Set(nil, 1))
	assert.Error(t, ctx.SetPath("a..b", 1))
}

func TestJSONContext_FromJSON(t *testing.T) {
	// 实例变量从 json 列读出来,数字是 float64
	data := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(`{
		"workflow_id": 12345,
		"node_event": {
			"event_content": "审核通过",
			"event_ts": 1640000000
		}
	}`), &data))
	ctx := NewJSONContextFromMap(data)

	workflowID, ok := ctx.GetInt64("workflow_id")
	assert.True(t, ok)
	assert.Equal(t, int64(12345), workflowID)

	eventContent, ok := ctx.GetString("node_event", "event_content")
	assert.True(t, ok)
	assert.Equal(t, "审核通过", eventContent)

	_, ok = ctx.GetString("node_event", "event_ts")
	assert.False(t, ok, "类型不对")

	ts, ok := ctx.GetPath("node_event.event_ts")
	assert.True(t, ok)
	assert.Equal(t, float64(1640000000), ts)

	_, ok = ctx.GetPath("node_event..event_ts")
	assert.False(t, ok)
}

func TestJSONContext_NodeConfig(t *testing.T) {
	// 节点配置一般来自 yaml,数字是 int
	raw := `
bodyNodes: [a, b]
maxIterations: 3
duration: 1m30s
timeoutMs: 250
mixed: [a, 1]
`
	conf := map[string]any{}
	require.NoError(t, yaml.Unmarshal([]byte(raw), &conf))
	ctx := NewJSONContextFromMap(conf)

	body, ok := ctx.GetStringSlice("bodyNodes")
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, body)

	_, ok = ctx.GetStringSlice("mixed")
	assert.False(t, ok)

	n, ok := ctx.GetInt64("maxIterations")
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)

	d, ok := ctx.GetDuration("duration")
	assert.True(t, ok)
	assert.Equal(t, 90*time.Second, d)

	d, ok = ctx.GetDuration("timeoutMs")
	assert.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, d)
}

func BenchmarkJSONContext_Get(b *testing.B) {
	ctx := NewJSONContextFromMap(map[string]any{
		"level1": map[string]any{"level2": map[string]any{"level3": map[string]any{"value": "test"}}},
	})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ctx.GetString("level1", "level2", "level3", "value")
	}
}
