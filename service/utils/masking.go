/*
 * @module service/utils/masking
 * @description 配置脱敏工具：管理接口返回数据源、目标系统配置时隐藏口令、令牌等敏感字段
 * @architecture 工具层 - 纯函数
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow 遍历配置 -> 识别敏感键 -> 按保留位数替换为*
 * @rules 只处理副本，不修改入参；嵌套 map 与数组递归处理
 * @dependencies strings, github.com/spf13/cast
 * @refs api/controllers/data_source_controller.go, api/controllers/target_system_controller.go
 */

package utils

import (
	"strings"

	"github.com/spf13/cast"
)

// sensitiveKeys 视为敏感的配置键（小写，包含匹配）
var sensitiveKeys = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"api-key",
	"private_key",
	"credential",
	"authorization",
}

// IsSensitiveKey 判断配置键是否敏感
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// MaskGeneral 通用脱敏，保留首尾若干字符
func MaskGeneral(data string, keepStart, keepEnd int) string {
	if data == "" {
		return ""
	}

	runes := []rune(data)
	length := len(runes)

	if length <= keepStart+keepEnd {
		return strings.Repeat("*", length)
	}

	start := string(runes[:keepStart])
	end := string(runes[length-keepEnd:])
	middle := strings.Repeat("*", length-keepStart-keepEnd)

	return start + middle + end
}

// MaskSecret 敏感值脱敏，短值全部隐藏
func MaskSecret(value string) string {
	if len([]rune(value)) <= 8 {
		return MaskGeneral(value, 0, 0)
	}
	return MaskGeneral(value, 2, 2)
}

// MaskSensitiveFields 返回脱敏后的配置副本
func MaskSensitiveFields(cfg map[string]interface{}) map[string]interface{} {
	if cfg == nil {
		return nil
	}
	out := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		if IsSensitiveKey(k) {
			switch v.(type) {
			case map[string]interface{}, []interface{}, nil:
			default:
				out[k] = MaskSecret(cast.ToString(v))
				continue
			}
		}
		out[k] = maskValue(v)
	}
	return out
}

func maskValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return MaskSensitiveFields(val)
	case []interface{}:
		items := make([]interface{}, len(val))
		for i, item := range val {
			items[i] = maskValue(item)
		}
		return items
	default:
		return v
	}
}

// MaskHeaders 请求头脱敏，仅处理 Authorization 一类的头
func MaskHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if IsSensitiveKey(k) || strings.EqualFold(k, "cookie") {
			out[k] = MaskSecret(v)
			continue
		}
		out[k] = v
	}
	return out
}
