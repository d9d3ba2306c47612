package routing

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"gateway-service/service/models"

	"github.com/spf13/cast"
)

// 条件运算符（规范名）
const (
	OpEquals         = "equals"
	OpNotEquals      = "not_equals"
	OpContains       = "contains"
	OpNotContains    = "not_contains"
	OpGreaterThan    = "greater_than"
	OpLessThan       = "less_than"
	OpGreaterOrEqual = "greater_or_equal"
	OpLessOrEqual    = "less_or_equal"
	OpRegex          = "regex"
	OpExists         = "exists"
	OpNotExists      = "not_exists"
	OpIn             = "in"
	OpNotIn          = "not_in"
)

var operatorAliases = map[string]string{
	"==": OpEquals, "=": OpEquals, "eq": OpEquals, "equal": OpEquals, OpEquals: OpEquals,
	"!=": OpNotEquals, "<>": OpNotEquals, "ne": OpNotEquals, "not_equal": OpNotEquals, OpNotEquals: OpNotEquals,
	">": OpGreaterThan, "gt": OpGreaterThan, OpGreaterThan: OpGreaterThan,
	"<": OpLessThan, "lt": OpLessThan, OpLessThan: OpLessThan,
	">=": OpGreaterOrEqual, "gte": OpGreaterOrEqual, "greater_than_or_equal": OpGreaterOrEqual, OpGreaterOrEqual: OpGreaterOrEqual,
	"<=": OpLessOrEqual, "lte": OpLessOrEqual, "less_than_or_equal": OpLessOrEqual, OpLessOrEqual: OpLessOrEqual,
	OpContains: OpContains, OpNotContains: OpNotContains,
	OpRegex: OpRegex, "matches": OpRegex,
	OpExists: OpExists, OpNotExists: OpNotExists,
	OpIn: OpIn, OpNotIn: OpNotIn,
}

// NormalizeOperator 运算符归一化，未知运算符返回错误
func NormalizeOperator(op string) (string, error) {
	if canonical, ok := operatorAliases[strings.ToLower(strings.TrimSpace(op))]; ok {
		return canonical, nil
	}
	return "", fmt.Errorf("不支持的条件运算符: %s", op)
}

// patternCache 正则与通配符编译缓存
type patternCache struct {
	m sync.Map
}

func (c *patternCache) regex(expr string) (*regexp.Regexp, error) {
	if v, ok := c.m.Load("re:" + expr); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	c.m.Store("re:"+expr, re)
	return re, nil
}

// glob 通配符匹配：* 匹配任意序列(含 /)，? 匹配单个字符
func (c *patternCache) glob(pattern, value string) bool {
	key := "glob:" + pattern
	v, ok := c.m.Load(key)
	if !ok {
		quoted := regexp.QuoteMeta(pattern)
		quoted = strings.ReplaceAll(quoted, `\*`, ".*")
		quoted = strings.ReplaceAll(quoted, `\?`, ".")
		re, err := regexp.Compile("^" + quoted + "$")
		if err != nil {
			return false
		}
		c.m.Store(key, re)
		v = re
	}
	return v.(*regexp.Regexp).MatchString(value)
}

// LookupField 解析点分字段路径：parsed_data.x 或裸字段名优先在解析字段中查找，其次在消息视图中查找
func LookupField(fields map[string]interface{}, envelope map[string]interface{}, fieldPath string) (interface{}, bool) {
	fieldPath = strings.TrimSpace(fieldPath)
	if fieldPath == "" {
		return nil, false
	}
	if strings.HasPrefix(fieldPath, "parsed_data.") {
		return walk(fields, strings.TrimPrefix(fieldPath, "parsed_data."))
	}
	if v, ok := walk(fields, fieldPath); ok {
		return v, true
	}
	return walk(envelope, fieldPath)
}

func walk(root map[string]interface{}, fieldPath string) (interface{}, bool) {
	if root == nil {
		return nil, false
	}
	if v, ok := root[fieldPath]; ok {
		return v, v != nil
	}

	var current interface{} = root
	for _, part := range strings.Split(fieldPath, ".") {
		m, ok := models.ToMap(current)
		if !ok {
			return nil, false
		}
		next, ok := m[part]
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, current != nil
}

// evaluate 对单个条件求值；字段缺失时除 exists/not_exists 外一律为 false
func (c *patternCache) evaluate(cond models.Condition, fields, envelope map[string]interface{}) bool {
	op, err := NormalizeOperator(cond.Operator)
	if err != nil {
		return false
	}
	actual, found := LookupField(fields, envelope, cond.FieldPath)

	switch op {
	case OpExists:
		if cond.Value != nil && !cast.ToBool(cond.Value) {
			return !found
		}
		return found
	case OpNotExists:
		return !found
	}
	if !found {
		return false
	}

	switch op {
	case OpEquals:
		return valuesEqual(actual, cond.Value)
	case OpNotEquals:
		return !valuesEqual(actual, cond.Value)
	case OpGreaterThan:
		cmp, ok := compare(actual, cond.Value)
		return ok && cmp > 0
	case OpLessThan:
		cmp, ok := compare(actual, cond.Value)
		return ok && cmp < 0
	case OpGreaterOrEqual:
		cmp, ok := compare(actual, cond.Value)
		return ok && cmp >= 0
	case OpLessOrEqual:
		cmp, ok := compare(actual, cond.Value)
		return ok && cmp <= 0
	case OpContains:
		return contains(actual, cond.Value)
	case OpNotContains:
		return !contains(actual, cond.Value)
	case OpIn:
		return in(actual, cond.Value)
	case OpNotIn:
		return !in(actual, cond.Value)
	case OpRegex:
		re, err := c.regex(cast.ToString(cond.Value))
		if err != nil {
			return false
		}
		return re.MatchString(cast.ToString(actual))
	}
	return false
}

func isNumeric(v interface{}) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

func valuesEqual(actual, expected interface{}) bool {
	if isNumeric(actual) || isNumeric(expected) {
		a, errA := cast.ToFloat64E(actual)
		e, errE := cast.ToFloat64E(expected)
		if errA == nil && errE == nil {
			return a == e
		}
	}
	if b, ok := actual.(bool); ok {
		if e, err := cast.ToBoolE(expected); err == nil {
			return b == e
		}
	}
	return cast.ToString(actual) == cast.ToString(expected)
}

// compare 数值优先，其次时间，最后按字符串比较
func compare(actual, expected interface{}) (int, bool) {
	a, errA := cast.ToFloat64E(actual)
	e, errE := cast.ToFloat64E(expected)
	if errA == nil && errE == nil {
		switch {
		case a > e:
			return 1, true
		case a < e:
			return -1, true
		}
		return 0, true
	}
	if ta, ok := actual.(time.Time); ok {
		te, err := cast.ToTimeE(expected)
		if err != nil {
			return 0, false
		}
		return ta.Compare(te), true
	}
	sa, sok := actual.(string)
	se, eok := expected.(string)
	if sok && eok {
		return strings.Compare(sa, se), true
	}
	return 0, false
}

func contains(actual, expected interface{}) bool {
	switch v := actual.(type) {
	case string:
		return strings.Contains(v, cast.ToString(expected))
	case map[string]interface{}:
		_, ok := v[cast.ToString(expected)]
		return ok
	case models.JSONB:
		_, ok := v[cast.ToString(expected)]
		return ok
	}
	rv := reflect.ValueOf(actual)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if valuesEqual(rv.Index(i).Interface(), expected) {
				return true
			}
		}
		return false
	}
	return strings.Contains(cast.ToString(actual), cast.ToString(expected))
}

func in(actual, expected interface{}) bool {
	if s, ok := expected.(string); ok {
		for _, part := range strings.Split(s, ",") {
			if valuesEqual(actual, strings.TrimSpace(part)) {
				return true
			}
		}
		return false
	}
	rv := reflect.ValueOf(expected)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if valuesEqual(actual, rv.Index(i).Interface()) {
				return true
			}
		}
	}
	return false
}
