package workflow

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reviewWorkflowYAML = `
id: code-review
name: 代码评审
nodes:
  - id: start
    type: start
  - id: write
    type: task
    config:
      prompt: "Write {{ variables.feature }}"
      timeout: 30s
  - id: review
    type: task
    config:
      prompt: "Review {{ outputs.write.response }}"
      sessionFrom: write
  - id: check
    type: condition
    config:
      expression: "outputs.review.response.toLowerCase().includes('approved')"
  - id: files
    type: foreach
    config:
      collection: variables.files
      bodyNodes: [lint]
      itemVariable: file
  - id: lint
    type: task
    config:
      prompt: "Lint {{ item }}"
  - id: nightly
    type: schedule
    config:
      cron: "0 0 2 * * *"
  - id: end
    type: end
edges:
  - from: start
    to: write
  - from: write
    to: review
  - from: review
    to: check
  - id: rework
    from: check
    to: write
    condition: "!outputs.check.result"
    maxLoops: 3
  - from: check
    to: files
    condition: "outputs.check.result"
  - from: files
    to: nightly
  - from: nightly
    to: end
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(reviewWorkflowYAML))
	require.NoError(t, err)
	assert.Equal(t, "code-review", def.ID)
	assert.Len(t, def.Nodes, 8)
	assert.Len(t, def.Edges, 7)

	rework := def.Edges[3]
	assert.Equal(t, "rework", rework.Key())
	require.NotNil(t, rework.MaxLoops)
	assert.Equal(t, 3, *rework.MaxLoops)

	timeout, ok := def.Node("write").Conf().GetDuration("timeout")
	require.True(t, ok)
	assert.Equal(t, "30s", timeout.String())
	body, ok := def.Node("files").Conf().GetStringSlice("bodyNodes")
	require.True(t, ok)
	assert.Equal(t, []string{"lint"}, body)

	g := buildGraph(def)
	assert.Equal(t, []string{"rework"}, loopBackKeys(g))

	t.Run("json也可以解析", func(t *testing.T) {
		def, err := ParseDefinition([]byte(`{"id":"j","nodes":[{"id":"s","type":"start"}],"edges":[]}`))
		require.NoError(t, err)
		assert.Equal(t, "j", def.ID)
	})

	t.Run("格式错误", func(t *testing.T) {
		_, err := ParseDefinition([]byte("id: [unclosed"))
		assert.True(t, errors.Is(err, ErrInvalidDefinition))
	})
}

func TestValidateDefinition(t *testing.T) {
	valid := func() *Definition {
		return &Definition{
			ID: "v",
			Nodes: []*Node{
				testNode("start", NodeTypeStart, nil),
				testNode("end", NodeTypeEnd, nil),
			},
			Edges: []*Edge{testEdge("start", "end", "")},
		}
	}

	t.Run("合法定义", func(t *testing.T) {
		warnings, err := ValidateDefinition(valid())
		require.NoError(t, err)
		assert.Empty(t, warnings)
	})

	t.Run("引用不存在节点的边只是警告", func(t *testing.T) {
		def := valid()
		def.Edges = append(def.Edges, testEdge("start", "ghost", ""))
		warnings, err := ValidateDefinition(def)
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "ghost")
	})

	cases := []struct {
		name   string
		modify func(def *Definition)
		want   string
	}{
		{"nil", nil, "definition is nil"},
		{"缺少id", func(def *Definition) { def.ID = "" }, "Definition.ID"},
		{"没有start", func(def *Definition) { def.Nodes[0].Type = NodeTypeTask }, "exactly one start"},
		{"两个start", func(def *Definition) { def.Nodes[1].Type = NodeTypeStart }, "exactly one start"},
		{"重复id", func(def *Definition) { def.Nodes[1].ID = "start" }, "duplicate node id"},
		{"未知类型", func(def *Definition) { def.Nodes[1].Type = "robot" }, "unknown type"},
		{"maxLoops小于1", func(def *Definition) { def.Edges[0].MaxLoops = intPtr(0) }, "MaxLoops"},
		{"条件语法错误", func(def *Definition) { def.Edges[0].Condition = "outputs.a ===" }, "invalid condition"},
		{"condition缺少expression", func(def *Definition) {
			def.Nodes = append(def.Nodes, testNode("c", NodeTypeCondition, nil))
		}, "requires expression"},
		{"循环体引用不存在的节点", func(def *Definition) {
			def.Nodes = append(def.Nodes, testNode("l", NodeTypeLoop, map[string]any{"bodyNodes": []any{"nope"}}))
		}, "invalid body node"},
		{"foreach缺少collection", func(def *Definition) {
			def.Nodes = append(def.Nodes, testNode("f", NodeTypeForeach, map[string]any{"bodyNodes": []any{"end"}}))
		}, "requires collection"},
		{"cron错误", func(def *Definition) {
			def.Nodes = append(def.Nodes, testNode("s", NodeTypeSchedule, map[string]any{"cron": "every day"}))
		}, "invalid cron"},
		{"delay时长错误", func(def *Definition) {
			def.Nodes = append(def.Nodes, testNode("d", NodeTypeDelay, map[string]any{"duration": "soon"}))
		}, "invalid duration"},
		{"assign缺少assignments", func(def *Definition) {
			def.Nodes = append(def.Nodes, testNode("a", NodeTypeAssign, nil))
		}, "requires assignments"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var def *Definition
			if c.modify != nil {
				def = valid()
				c.modify(def)
			}
			_, err := ValidateDefinition(def)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDefinition))
			assert.Contains(t, err.Error(), c.want)
		})
	}
}
