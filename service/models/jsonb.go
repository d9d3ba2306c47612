package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"

	"github.com/spf13/cast"
)

// 通用 JSON 类型
type JSONB map[string]interface{}

type JSONBArray []JSONB

// JSONBStringArray 用于存储字符串数组的 JSONB 类型
type JSONBStringArray []string

// JSONBGenericArray 用于存储任意类型数组的 JSONB 类型
type JSONBGenericArray []interface{}

// scanJSON 将数据库返回的 []byte/string 反序列化到目标
func scanJSON(value interface{}, dest interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("类型断言失败: 不是 []byte 或 string")
	}
	if len(bytes) == 0 {
		return nil
	}
	return json.Unmarshal(bytes, dest)
}

// 实现 Scanner 接口
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	return scanJSON(value, j)
}

// 实现 Valuer 接口
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// GetString 读取字符串配置项，不存在时返回默认值
func (j JSONB) GetString(key, defaultValue string) string {
	if v, ok := j[key]; ok && v != nil {
		if s := cast.ToString(v); s != "" {
			return s
		}
	}
	return defaultValue
}

// GetInt 读取整型配置项
func (j JSONB) GetInt(key string, defaultValue int) int {
	if v, ok := j[key]; ok && v != nil {
		if i, err := cast.ToIntE(v); err == nil {
			return i
		}
	}
	return defaultValue
}

// GetBool 读取布尔配置项
func (j JSONB) GetBool(key string, defaultValue bool) bool {
	if v, ok := j[key]; ok && v != nil {
		if b, err := cast.ToBoolE(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetMap 读取嵌套对象
func (j JSONB) GetMap(key string) JSONB {
	if v, ok := j[key]; ok && v != nil {
		if m, ok := ToMap(v); ok {
			return JSONB(m)
		}
	}
	return JSONB{}
}

// ToMap 将任意对象值转换为 map[string]interface{}
func ToMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case JSONB:
		return map[string]interface{}(m), true
	case map[string]string:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, true
	}
	m, err := cast.ToStringMapE(v)
	if err != nil {
		return nil, false
	}
	return m, true
}

func (j *JSONBArray) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	return scanJSON(value, j)
}

func (j JSONBArray) Value() (driver.Value, error) {
	return json.Marshal(j)
}

// JSONBStringArray 的 Scanner 接口实现
func (j *JSONBStringArray) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	return scanJSON(value, j)
}

// JSONBStringArray 的 Valuer 接口实现
func (j JSONBStringArray) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// JSONBGenericArray 的 Scanner 接口实现
func (j *JSONBGenericArray) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	return scanJSON(value, j)
}

// JSONBGenericArray 的 Valuer 接口实现
func (j JSONBGenericArray) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}
