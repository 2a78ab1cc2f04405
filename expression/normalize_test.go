package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_NotOperator(t *testing.T) {
	// != 不能被改写成 not=
	assert.Equal(t, "a != b", Normalize("a != b"))
	assert.NotContains(t, Normalize("a != b"), "not")
	assert.Contains(t, Normalize("!a"), "not")
	assert.Equal(t, "a !== b", Normalize("a !== b"))
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"去掉首尾空格", "  a == 1  ", "a == 1"},
		{"逻辑运算符", "a && b || c", "a and b or c"},
		{"紧凑写法补空格", "a&&b||!c", "a and b or not c"},
		{"括号里的取反", "(!a)", "(not a)"},
		{"双重取反", "!!a", "not not a"},
		{"单引号下标", "outputs['node-name'].result", "outputs.node_name.result"},
		{"双引号下标", `outputs["fetch-data"] == 1`, "outputs.fetch_data == 1"},
		{"变量下标", "variables['my-var']", "variables.my_var"},
		{"toLowerCase().includes", "outputs.A.text.toLowerCase().includes('ok')", "includes(lower(outputs.A.text), 'ok')"},
		{"toUpperCase().startsWith", "outputs.A.code.toUpperCase().startsWith('E')", "startsWith(upper(outputs.A.code), 'E')"},
		{"单独的toLowerCase", "outputs.A.text.toLowerCase() == 'x'", "lower(outputs.A.text) == 'x'"},
		{"includes方法", "variables.tags.includes('go')", "includes(variables.tags, 'go')"},
		{"Date.now", "Date.now() - variables.start > 1000", "now() - variables.start > 1000"},
		{"Math函数", "Math.floor(variables.x) + Math.max(1, 2)", "floor(variables.x) + max(1, 2)"},
		{"保留字属性转义", "variables.round > 1", "variables.__round > 1"},
		{"函数调用不转义", "round(3.5) == variables.round", "round(3.5) == variables.__round"},
		{"length转义", "outputs.A.items.length > 0", "outputs.A.items.__length > 0"},
		{"小数不受影响", "variables.x > 3.5", "variables.x > 3.5"},
		{"字符串里的运算符保持原样", "variables.s == 'a && !b'", "variables.s == 'a && !b'"},
		{"字符串里的方法调用保持原样", `variables.s == "x.includes("`, `variables.s == "x.includes("`},
		{"空字符串", "   ", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Normalize(c.in))
		})
	}
}
