package pipeline

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gateway-service/service/models"
	"gateway-service/service/routing"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/spf13/cast"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// 映射类型
const (
	MappingRename    = "rename"
	MappingFormat    = "format"
	MappingCalculate = "calculate"
	MappingConstant  = "constant"
)

type scriptFunc func(map[string]interface{}) (interface{}, error)

// Transformer 规则级字段转换：映射表达式与脚本均按内容缓存编译结果
type Transformer struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
	scripts  map[string]scriptFunc
}

// NewTransformer 创建转换器
func NewTransformer() *Transformer {
	return &Transformer{
		programs: make(map[string]*vm.Program),
		scripts:  make(map[string]scriptFunc),
	}
}

// Transform 对解析字段应用规则的转换配置，返回新的字段集合，输入不被修改。
// 未启用转换时原样透传解析字段的副本。
func (t *Transformer) Transform(rule *models.RoutingRule, fields, envelope map[string]interface{}) (map[string]interface{}, error) {
	out := deepCopyMap(fields)
	cfg := rule.Pipeline.Transformer
	if !cfg.Enabled {
		return out, nil
	}

	for src, dst := range cfg.Mappings {
		if v, ok := getPath(out, src); ok {
			removePath(out, src)
			setPath(out, dst, v)
		}
	}

	for _, m := range cfg.FieldMapping {
		if err := t.applyMapping(m, out, fields, envelope); err != nil {
			return nil, fmt.Errorf("规则 %s 字段映射 %s 失败: %w", rule.ID, m.Target, err)
		}
	}

	if strings.TrimSpace(cfg.Script) != "" {
		result, err := t.runScript(cfg.Script, out, envelope)
		if err != nil {
			return nil, fmt.Errorf("规则 %s 转换脚本执行失败: %w", rule.ID, err)
		}
		if result != nil {
			out = result
		}
	}
	return out, nil
}

func (t *Transformer) applyMapping(m models.FieldMapping, out, fields, envelope map[string]interface{}) error {
	if m.Target == "" {
		return fmt.Errorf("映射缺少 target")
	}
	kind := strings.ToLower(m.Type)
	if kind == "" {
		kind = MappingRename
	}

	switch kind {
	case MappingRename:
		v, ok := routing.LookupField(out, envelope, m.Source)
		if !ok {
			return nil
		}
		removePath(out, m.Source)
		setPath(out, m.Target, v)
	case MappingFormat:
		v, ok := routing.LookupField(out, envelope, m.Source)
		if !ok {
			return nil
		}
		setPath(out, m.Target, formatValue(m.Format, v))
	case MappingCalculate:
		program, err := t.program(m.Expression)
		if err != nil {
			return err
		}
		env := make(map[string]interface{}, len(fields)+2)
		for k, v := range out {
			env[k] = v
		}
		env["parsed_data"] = fields
		env["message"] = envelope
		v, err := expr.Run(program, env)
		if err != nil {
			return fmt.Errorf("表达式计算失败: %w", err)
		}
		setPath(out, m.Target, v)
	case MappingConstant:
		setPath(out, m.Target, m.Value)
	default:
		return fmt.Errorf("不支持的映射类型: %s", m.Type)
	}
	return nil
}

// formatValue 时间值按 Go 布局格式化，其余按 fmt 动词格式化
func formatValue(format string, v interface{}) interface{} {
	if format == "" {
		return cast.ToString(v)
	}
	if ts, ok := v.(time.Time); ok {
		return ts.Format(format)
	}
	if strings.Contains(format, "%") {
		return fmt.Sprintf(format, v)
	}
	if ts, err := cast.ToTimeE(v); err == nil {
		return ts.Format(format)
	}
	return cast.ToString(v)
}

func (t *Transformer) program(expression string) (*vm.Program, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("calculate 映射缺少 expression")
	}
	t.mu.RLock()
	p, ok := t.programs[expression]
	t.mu.RUnlock()
	if ok {
		return p, nil
	}
	p, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("表达式编译失败: %w", err)
	}
	t.mu.Lock()
	t.programs[expression] = p
	t.mu.Unlock()
	return p, nil
}

func (t *Transformer) runScript(script string, data, envelope map[string]interface{}) (map[string]interface{}, error) {
	sum := sha1.Sum([]byte(script))
	hash := hex.EncodeToString(sum[:])

	t.mu.RLock()
	fn, ok := t.scripts[hash]
	t.mu.RUnlock()
	if !ok {
		compiled, err := compileScript(script)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.scripts[hash] = compiled
		t.mu.Unlock()
		fn = compiled
	}

	result, err := fn(map[string]interface{}{"data": data, "message": envelope})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	m, ok := models.ToMap(result)
	if !ok {
		return nil, fmt.Errorf("脚本返回值必须是对象，实际为 %T", result)
	}
	return m, nil
}

// compileScript 脚本体被包装为 Run 函数，可访问 data 与 message
func compileScript(script string) (scriptFunc, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("加载标准库失败: %w", err)
	}

	wrapped := fmt.Sprintf(`
package main

import (
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	_ = fmt.Sprint
	_ = math.Abs
	_ = strings.TrimSpace
	_ = time.Now
)

func Run(params map[string]interface{}) (interface{}, error) {
	data, _ := params["data"].(map[string]interface{})
	message, _ := params["message"].(map[string]interface{})
	_, _ = data, message

%s
}
`, script)

	if _, err := i.Eval(wrapped); err != nil {
		return nil, fmt.Errorf("脚本编译失败: %w", err)
	}
	v, err := i.Eval("Run")
	if err != nil {
		return nil, fmt.Errorf("脚本缺少 Run 函数: %w", err)
	}
	fn, ok := v.Interface().(func(map[string]interface{}) (interface{}, error))
	if !ok {
		return nil, fmt.Errorf("Run 函数签名必须是 func(map[string]interface{}) (interface{}, error)")
	}
	slog.Debug("转换脚本编译完成", "size", len(script))
	return fn, nil
}

// TargetTransform 目标系统级转换配置
type TargetTransform struct {
	FieldMapping      map[string]string
	RemoveFields      []string
	AddFields         map[string]interface{}
	FlattenParsedData bool
}

// ParseTargetTransform 读取目标系统的 transform_config
func ParseTargetTransform(cfg models.JSONB) TargetTransform {
	tt := TargetTransform{
		FieldMapping:      cast.ToStringMapString(cfg["field_mapping"]),
		RemoveFields:      cast.ToStringSlice(cfg["remove_fields"]),
		FlattenParsedData: cfg.GetBool("flatten_parsed_data", false),
	}
	if add, ok := models.ToMap(cfg["add_fields"]); ok {
		tt.AddFields = add
	}
	return tt
}

// Apply 依次执行：去除原始字节、展平 parsed_data、字段映射、删除字段、添加字段
func (tt TargetTransform) Apply(payload map[string]interface{}) map[string]interface{} {
	out := deepCopyMap(payload)
	sanitize(out)

	if tt.FlattenParsedData {
		if parsed, ok := out["parsed_data"].(map[string]interface{}); ok {
			delete(out, "parsed_data")
			for k, v := range parsed {
				if _, exists := out[k]; !exists {
					out[k] = v
				}
			}
		}
	}

	if len(tt.FieldMapping) > 0 {
		source := deepCopyMap(out)
		for src, dst := range tt.FieldMapping {
			v, ok := getPath(source, src)
			if !ok || v == nil {
				continue
			}
			setPath(out, dst, v)
			removePath(out, src)
		}
	}

	for _, f := range tt.RemoveFields {
		removePath(out, f)
	}
	for k, v := range tt.AddFields {
		setPath(out, k, v)
	}
	return out
}

// sanitize 删除 raw_data 以及任意层级的字节值
func sanitize(m map[string]interface{}) {
	delete(m, "raw_data")
	for k, v := range m {
		switch t := v.(type) {
		case []byte:
			delete(m, k)
		case map[string]interface{}:
			sanitize(t)
		case []interface{}:
			for _, item := range t {
				if nested, ok := item.(map[string]interface{}); ok {
					sanitize(nested)
				}
			}
		}
	}
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case models.JSONB:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	case []byte:
		out := make([]byte, len(t))
		copy(out, t)
		return out
	}
	return v
}

func getPath(m map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = m
	for _, part := range strings.Split(path, ".") {
		node, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func setPath(m map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	current := m
	for _, part := range parts[:len(parts)-1] {
		next, exists := current[part]
		if !exists {
			child := map[string]interface{}{}
			current[part] = child
			current = child
			continue
		}
		child, ok := next.(map[string]interface{})
		if !ok {
			slog.Warn("无法设置嵌套字段，路径上的值不是对象", "path", path, "segment", part)
			return
		}
		current = child
	}
	current[parts[len(parts)-1]] = value
}

func removePath(m map[string]interface{}, path string) {
	parts := strings.Split(path, ".")
	current := m
	for _, part := range parts[:len(parts)-1] {
		child, ok := current[part].(map[string]interface{})
		if !ok {
			return
		}
		current = child
	}
	delete(current, parts[len(parts)-1])
}
