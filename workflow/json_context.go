package workflow

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// JSONContext 封装 map[string]any，提供按路径读写的方法
// 节点配置和实例变量都通过它访问
type JSONContext struct {
	data map[string]any
}

// NewJSONContextFromMap 从 map 创建上下文（注意：共享同一个 map）
func NewJSONContextFromMap(m map[string]any) *JSONContext {
	if m == nil {
		m = make(map[string]any)
	}
	return &JSONContext{data: m}
}

// Get 获取值，支持嵌套路径
// 例如: Get("user", "name") 获取 user.name
func (c *JSONContext) Get(keys ...string) (any, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	current := any(c.data)
	for _, key := range keys {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := currentMap[key]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}

// GetPath 点分隔的路径, 例如 "user.name"
func (c *JSONContext) GetPath(path string) (any, bool) {
	return c.Get(splitPath(path)...)
}

func (c *JSONContext) GetString(keys ...string) (string, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetInt64 yaml 解析出来是 int，json 解析出来是 float64，都支持
func (c *JSONContext) GetInt64(keys ...string) (int64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

func (c *JSONContext) GetFloat64(keys ...string) (float64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func (c *JSONContext) GetBool(keys ...string) (bool, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// GetStringSlice 只接受全部是字符串的数组
func (c *JSONContext) GetStringSlice(keys ...string) ([]string, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return nil, false
	}
	switch v := val.(type) {
	case []string:
		return append([]string(nil), v...), true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// GetDuration 支持 "1m30s" 这样的字符串,数字按毫秒处理
func (c *JSONContext) GetDuration(keys ...string) (time.Duration, bool) {
	if s, ok := c.GetString(keys...); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, false
		}
		return d, true
	}
	if ms, ok := c.GetFloat64(keys...); ok {
		return time.Duration(ms * float64(time.Millisecond)), true
	}
	return 0, false
}

// GetMap 返回的是引用
func (c *JSONContext) GetMap(keys ...string) (map[string]any, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return nil, false
	}
	m, ok := val.(map[string]any)
	return m, ok
}

// Set 设置值，支持嵌套路径，中间不是 map 的会被覆盖
// 例如: Set([]string{"user", "name"}, "张三") 设置 user.name = "张三"
func (c *JSONContext) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return errors.New("keys cannot be empty")
	}
	current := c.data
	for _, key := range keys[:len(keys)-1] {
		nextMap, ok := current[key].(map[string]any)
		if !ok {
			nextMap = make(map[string]any)
			current[key] = nextMap
		}
		current = nextMap
	}
	current[keys[len(keys)-1]] = value
	return nil
}

// SetPath 点分隔的路径
func (c *JSONContext) SetPath(path string, value any) error {
	keys := splitPath(path)
	if len(keys) == 0 {
		return errors.Errorf("invalid path: %q", path)
	}
	return c.Set(keys, value)
}

// ToMap 返回底层 map（注意：返回的是引用）
func (c *JSONContext) ToMap() map[string]any {
	return c.data
}

func splitPath(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	keys := strings.Split(path, ".")
	for _, k := range keys {
		if k == "" {
			return nil
		}
	}
	return keys
}
