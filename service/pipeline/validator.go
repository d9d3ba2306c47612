package pipeline

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"gateway-service/service/models"
	"gateway-service/service/routing"

	"github.com/spf13/cast"
)

// ErrValidationFailed 验证规则未通过
var ErrValidationFailed = errors.New("数据验证失败")

// ValidationError 汇总单条消息的全部违规项
type ValidationError struct {
	RuleID     string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("规则 %s 验证失败: %s", e.RuleID, strings.Join(e.Violations, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// Validator 字段验证器，正则按表达式缓存
type Validator struct {
	patterns sync.Map
}

// NewValidator 创建验证器
func NewValidator() *Validator {
	return &Validator{}
}

// Validate 按规则的 validator 配置检查字段，未启用时直接通过
func (v *Validator) Validate(rule *models.RoutingRule, fields, envelope map[string]interface{}) error {
	cfg := rule.Pipeline.Validator
	if !cfg.Enabled || len(cfg.Rules) == 0 {
		return nil
	}

	var violations []string
	for _, r := range cfg.Rules {
		if msg := v.check(r, fields, envelope); msg != "" {
			if r.Message != "" {
				msg = r.Message
			}
			violations = append(violations, msg)
		}
	}
	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{RuleID: rule.ID, Violations: violations}
}

func (v *Validator) check(r models.ValidationRule, fields, envelope map[string]interface{}) string {
	value, ok := routing.LookupField(fields, envelope, r.Field)
	kind := strings.ToLower(strings.TrimSpace(r.Type))

	if kind == "required" {
		if !ok || isBlank(value) {
			return fmt.Sprintf("字段 %s 不能为空", r.Field)
		}
		return ""
	}
	// 可选字段缺失时其余规则不生效
	if !ok {
		return ""
	}

	switch kind {
	case "type":
		if !matchesType(value, r.Expected) {
			return fmt.Sprintf("字段 %s 类型应为 %s", r.Field, r.Expected)
		}
	case "range":
		f, err := cast.ToFloat64E(value)
		if err != nil {
			return fmt.Sprintf("字段 %s 不是数值", r.Field)
		}
		if r.Min != nil && f < *r.Min {
			return fmt.Sprintf("字段 %s 小于最小值 %v", r.Field, *r.Min)
		}
		if r.Max != nil && f > *r.Max {
			return fmt.Sprintf("字段 %s 大于最大值 %v", r.Field, *r.Max)
		}
	case "pattern":
		re, err := v.regex(r.Pattern)
		if err != nil {
			return fmt.Sprintf("字段 %s 正则表达式无效: %v", r.Field, err)
		}
		if !re.MatchString(cast.ToString(value)) {
			return fmt.Sprintf("字段 %s 不匹配模式 %s", r.Field, r.Pattern)
		}
	case "enum":
		s := cast.ToString(value)
		for _, allowed := range r.Values {
			if cast.ToString(allowed) == s {
				return ""
			}
		}
		return fmt.Sprintf("字段 %s 取值不在允许范围内", r.Field)
	default:
		return fmt.Sprintf("不支持的验证类型: %s", r.Type)
	}
	return ""
}

func (v *Validator) regex(expr string) (*regexp.Regexp, error) {
	if cached, ok := v.patterns.Load(expr); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	v.patterns.Store(expr, re)
	return re, nil
}

func isBlank(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

func matchesType(v interface{}, expected string) bool {
	switch strings.ToLower(expected) {
	case "string":
		_, ok := v.(string)
		return ok
	case "number", "float":
		_, err := cast.ToFloat64E(v)
		_, isString := v.(string)
		_, isBool := v.(bool)
		return err == nil && !isString && !isBool
	case "integer", "int":
		switch t := v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64:
			return t == float64(int64(t))
		case float32:
			return t == float32(int64(t))
		}
		return false
	case "boolean", "bool":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := models.ToMap(v)
		_, isString := v.(string)
		return ok && !isString
	case "array":
		_, ok := v.([]interface{})
		return ok
	}
	return false
}
