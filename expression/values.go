package expression

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// toNumber 数值转换,字符串按十进制解析,布尔值转成 0/1
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, true
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	case nil:
		return 0, true
	}
	return 0, false
}

// isNumeric 是否是数字类型,不含字符串和布尔
func isNumeric(v any) bool {
	switch v.(type) {
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return true
	}
	return false
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	}
	if f, ok := toNumber(v); ok && isNumeric(v) {
		return formatNumber(f)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func formatNumber(f float64) string {
	if math.IsInf(f, 1) {
		return "Infinity"
	}
	if math.IsInf(f, -1) {
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		return b != ""
	}
	if isNumeric(v) {
		f, _ := toNumber(v)
		return f != 0 && !math.IsNaN(f)
	}
	return true
}

// looseEqual 宽松相等:数字和数字字符串可以比较
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return as == bs
	}
	_, aBool := a.(bool)
	_, bBool := b.(bool)
	if (isNumeric(a) || aBool || aStr) && (isNumeric(b) || bBool || bStr) {
		af, aok := toNumber(a)
		bf, bok := toNumber(b)
		return aok && bok && af == bf
	}
	return reflect.DeepEqual(normalizeValue(a), normalizeValue(b))
}

// strictEqual 类型相同才比较值
func strictEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if isNumeric(a) && isNumeric(b) {
		af, _ := toNumber(a)
		bf, _ := toNumber(b)
		return af == bf
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	}
	return reflect.DeepEqual(normalizeValue(a), normalizeValue(b))
}

// normalizeValue 把数字统一成 float64,便于深比较
func normalizeValue(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = normalizeValue(el)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, el := range x {
			out[k] = normalizeValue(el)
		}
		return out
	}
	if isNumeric(v) {
		f, _ := toNumber(v)
		return f
	}
	return v
}

// asList 把各种切片转成 []any
func asList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// lookupKey 取 map 里的字段,支持转义过的保留字
func lookupKey(obj any, key string) (any, bool) {
	if m, ok := obj.(map[string]any); ok {
		if v, exists := m[key]; exists {
			return v, true
		}
		if strings.HasPrefix(key, "__") {
			v, exists := m[key[2:]]
			return v, exists
		}
		return nil, false
	}
	rv := reflect.ValueOf(obj)
	if !rv.IsValid() || rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	for _, k := range []string{key, strings.TrimPrefix(key, "__")} {
		v := rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key()))
		if v.IsValid() {
			return v.Interface(), true
		}
	}
	return nil, false
}

// property 属性访问,不存在返回 nil
func property(obj any, key any) any {
	name, isName := key.(string)
	if isName {
		if v, ok := lookupKey(obj, name); ok {
			return v
		}
		if name == "length" || name == "__length" {
			if s, ok := obj.(string); ok {
				return float64(len([]rune(s)))
			}
			if l, ok := asList(obj); ok {
				return float64(len(l))
			}
		}
	}
	idx, isIdx := toIndex(key)
	if !isIdx {
		return nil
	}
	if s, ok := obj.(string); ok {
		runes := []rune(s)
		if idx >= 0 && idx < len(runes) {
			return string(runes[idx])
		}
		return nil
	}
	if l, ok := asList(obj); ok {
		if idx >= 0 && idx < len(l) {
			return l[idx]
		}
		return nil
	}
	if !isName {
		// 数字下标访问 map
		if v, ok := lookupKey(obj, formatNumber(float64(idx))); ok {
			return v
		}
	}
	return nil
}

func toIndex(key any) (int, bool) {
	if isNumeric(key) {
		f, _ := toNumber(key)
		if f == math.Trunc(f) {
			return int(f), true
		}
		return 0, false
	}
	if s, ok := key.(string); ok {
		n, err := strconv.Atoi(s)
		return n, err == nil
	}
	return 0, false
}
