/*
 * @module service/models/routing_rule
 * @description 路由规则模型，嵌套结构(source_config/pipeline/target_systems)为权威表示
 * @architecture 数据模型层 - GORM
 * @documentReference dev_docs/gateway_model.md
 * @stateFlow 草稿(未发布) -> 发布 -> 重新加载 -> 取消发布
 * @rules 优先级范围[1,100]；仅 is_active 且 is_published 的规则参与匹配；旧版扁平字段只由迁移函数读取
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/routing, service/pipeline
 */

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"gorm.io/gorm"
)

const (
	MinRulePriority     = 1
	MaxRulePriority     = 100
	DefaultRulePriority = 50

	LogicalAnd = "AND"
	LogicalOr  = "OR"
)

// Condition 路由条件
type Condition struct {
	FieldPath string      `json:"field_path"`
	Operator  string      `json:"operator"`
	Value     interface{} `json:"value"`
}

// SourceConfig 数据源匹配配置
type SourceConfig struct {
	Protocols       []string    `json:"protocols,omitempty"`
	SourceIDs       []string    `json:"source_ids,omitempty"`
	Pattern         string      `json:"pattern,omitempty"`
	Conditions      []Condition `json:"conditions,omitempty"`
	LogicalOperator string      `json:"logical_operator,omitempty"`
}

// ParserConfig 解析器配置
type ParserConfig struct {
	Type    string `json:"type,omitempty"`
	Enabled bool   `json:"enabled"`
	Options JSONB  `json:"options,omitempty"`
}

// ValidationRule 验证规则
type ValidationRule struct {
	Field    string        `json:"field"`
	Type     string        `json:"type"` // required, type, range, pattern, enum
	Expected string        `json:"expected,omitempty"`
	Min      *float64      `json:"min,omitempty"`
	Max      *float64      `json:"max,omitempty"`
	Pattern  string        `json:"pattern,omitempty"`
	Values   []interface{} `json:"values,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// ValidatorConfig 验证器配置
type ValidatorConfig struct {
	Enabled bool             `json:"enabled"`
	Rules   []ValidationRule `json:"rules,omitempty"`
}

// FieldMapping 字段映射
type FieldMapping struct {
	Source     string      `json:"source,omitempty"`
	Target     string      `json:"target"`
	Type       string      `json:"type,omitempty"` // rename, format, calculate, constant
	Format     string      `json:"format,omitempty"`
	Expression string      `json:"expression,omitempty"`
	Value      interface{} `json:"value,omitempty"`
}

// TransformerConfig 转换器配置
type TransformerConfig struct {
	Enabled      bool              `json:"enabled"`
	Script       string            `json:"script,omitempty"`
	Mappings     map[string]string `json:"mappings,omitempty"`
	FieldMapping []FieldMapping    `json:"field_mappings,omitempty"`
}

// PipelineConfig 处理管道配置
type PipelineConfig struct {
	Parser      ParserConfig      `json:"parser"`
	Validator   ValidatorConfig   `json:"validator"`
	Transformer TransformerConfig `json:"transformer"`
}

// TargetRef 规则中引用的目标系统
type TargetRef struct {
	ID              string `json:"id"`
	Enabled         *bool  `json:"enabled,omitempty"`
	Timeout         int    `json:"timeout,omitempty"` // 毫秒
	Retry           *int   `json:"retry,omitempty"`
	ProtocolOptions JSONB  `json:"protocol_options,omitempty"`
}

// IsEnabled 未显式关闭即视为启用
func (t TargetRef) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// TargetRefs 目标系统引用列表
type TargetRefs []TargetRef

func (s *SourceConfig) Scan(value interface{}) error {
	if value == nil {
		*s = SourceConfig{}
		return nil
	}
	return scanJSON(value, s)
}

func (s SourceConfig) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (p *PipelineConfig) Scan(value interface{}) error {
	if value == nil {
		*p = PipelineConfig{}
		return nil
	}
	return scanJSON(value, p)
}

func (p PipelineConfig) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (t *TargetRefs) Scan(value interface{}) error {
	if value == nil {
		*t = nil
		return nil
	}
	return scanJSON(value, t)
}

func (t TargetRefs) Value() (driver.Value, error) {
	if t == nil {
		return json.Marshal([]TargetRef{})
	}
	return json.Marshal([]TargetRef(t))
}

// RoutingRule 路由规则
type RoutingRule struct {
	ID            string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name          string         `json:"name" gorm:"not null;size:100"`
	Description   string         `json:"description" gorm:"type:text"`
	Priority      int            `json:"priority" gorm:"default:50;index"`
	SourceConfig  SourceConfig   `json:"source_config" gorm:"type:jsonb"`
	Pipeline      PipelineConfig `json:"pipeline" gorm:"type:jsonb"`
	TargetSystems TargetRefs     `json:"target_systems" gorm:"type:jsonb"`

	// 旧版扁平字段，仅供 TranslateLegacyRule 读取
	Conditions         JSONBGenericArray `json:"-" gorm:"type:jsonb"`
	LogicalOperator    string            `json:"-" gorm:"size:10"`
	TargetSystemIDs    JSONBStringArray  `json:"-" gorm:"type:jsonb"`
	DataTransformation JSONB             `json:"-" gorm:"type:jsonb"`

	IsActive    bool       `json:"is_active" gorm:"index"`
	IsPublished bool       `json:"is_published" gorm:"index"`
	MatchCount  int64      `json:"match_count" gorm:"default:0"`
	LastMatchAt *time.Time `json:"last_match_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// BeforeCreate GORM钩子，创建前生成UUID
func (r *RoutingRule) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Priority == 0 {
		r.Priority = DefaultRulePriority
	}
	return nil
}

// Validate 规则创建/更新时的一致性检查
func (r *RoutingRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: 规则名称不能为空", ErrConfigurationInconsistency)
	}
	if r.Priority < MinRulePriority || r.Priority > MaxRulePriority {
		return fmt.Errorf("%w: 优先级必须在[%d,%d]之间: %d", ErrConfigurationInconsistency, MinRulePriority, MaxRulePriority, r.Priority)
	}
	op := r.LogicalOp()
	if op != LogicalAnd && op != LogicalOr {
		return fmt.Errorf("%w: 不支持的逻辑运算符: %s", ErrConfigurationInconsistency, r.SourceConfig.LogicalOperator)
	}
	for _, t := range r.TargetSystems {
		if t.ID == "" {
			return fmt.Errorf("%w: 目标系统ID不能为空", ErrConfigurationInconsistency)
		}
	}
	return nil
}

// IsEligible 是否参与匹配
func (r *RoutingRule) IsEligible() bool {
	return r.IsActive && r.IsPublished
}

// LogicalOp 规则级逻辑运算符，缺省为 AND
func (r *RoutingRule) LogicalOp() string {
	op := strings.ToUpper(strings.TrimSpace(r.SourceConfig.LogicalOperator))
	if op == "" {
		return LogicalAnd
	}
	return op
}

// EnabledTargetIDs 启用的目标系统ID（保持声明顺序）
func (r *RoutingRule) EnabledTargetIDs() []string {
	ids := make([]string, 0, len(r.TargetSystems))
	for _, t := range r.TargetSystems {
		if t.IsEnabled() && t.ID != "" {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// TargetRef 按ID查找目标引用
func (r *RoutingRule) TargetRef(id string) (TargetRef, bool) {
	for _, t := range r.TargetSystems {
		if t.ID == id {
			return t, true
		}
	}
	return TargetRef{}, false
}

// HasLegacyFields 是否仍有待迁移的旧版字段
func (r *RoutingRule) HasLegacyFields() bool {
	return len(r.Conditions) > 0 || len(r.TargetSystemIDs) > 0 || r.LogicalOperator != "" || len(r.DataTransformation) > 0
}

// TranslateLegacyRule 将旧版扁平字段一次性迁移到嵌套表示，并清空旧字段。
// 嵌套表示中已有的值不会被覆盖。返回是否发生了变更。
func TranslateLegacyRule(r *RoutingRule) bool {
	if !r.HasLegacyFields() {
		return false
	}

	if len(r.SourceConfig.Conditions) == 0 {
		for _, raw := range r.Conditions {
			m, err := cast.ToStringMapE(raw)
			if err != nil {
				continue
			}
			field := cast.ToString(m["field_path"])
			if field == "" {
				field = cast.ToString(m["field"])
			}
			if field == "" {
				continue
			}
			r.SourceConfig.Conditions = append(r.SourceConfig.Conditions, Condition{
				FieldPath: field,
				Operator:  cast.ToString(m["operator"]),
				Value:     m["value"],
			})
		}
	}

	if r.SourceConfig.LogicalOperator == "" && r.LogicalOperator != "" {
		r.SourceConfig.LogicalOperator = strings.ToUpper(r.LogicalOperator)
	}

	if len(r.TargetSystems) == 0 {
		enabled := true
		for _, id := range r.TargetSystemIDs {
			if id == "" {
				continue
			}
			e := enabled
			r.TargetSystems = append(r.TargetSystems, TargetRef{ID: id, Enabled: &e})
		}
	}

	if len(r.DataTransformation) > 0 && !r.Pipeline.Transformer.Enabled {
		mappings := r.DataTransformation.GetMap("field_mapping")
		if len(mappings) > 0 {
			r.Pipeline.Transformer.Enabled = true
			r.Pipeline.Transformer.Mappings = make(map[string]string, len(mappings))
			for k, v := range mappings {
				r.Pipeline.Transformer.Mappings[k] = cast.ToString(v)
			}
		}
	}

	r.Conditions = nil
	r.LogicalOperator = ""
	r.TargetSystemIDs = nil
	r.DataTransformation = nil
	return true
}
