/*
 * @module service/routing/engine
 * @description 路由引擎，按优先级评估已发布规则，确定消息的目标系统集合
 * @architecture 规则引擎 - 读多写少的规则快照 + 原子匹配计数
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow 加载规则 -> 排序(优先级降序, ID升序) -> 源过滤 -> 条件求值 -> 汇总目标
 * @rules 仅 is_active 且 is_published 的规则参与匹配；所有命中规则都贡献目标，不在首个命中时短路
 * @dependencies github.com/spf13/cast
 * @refs service/pipeline, service/eventbus
 */

package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gateway-service/service/eventbus"
	"gateway-service/service/models"
)

// ErrUnrouted 没有任何规则命中
var ErrUnrouted = errors.New("没有匹配的路由规则")

// MatchRecorder 匹配统计持久化（仓储层实现）
type MatchRecorder interface {
	RecordMatch(ctx context.Context, ruleID string, at time.Time) error
}

// Match 单条命中规则及其启用的目标系统
type Match struct {
	Rule            *models.RoutingRule
	TargetSystemIDs []string
}

// MatchedRule 路由结果中的规则摘要
type MatchedRule struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Priority int    `json:"priority"`
}

// RoutingResult 路由决策
type RoutingResult struct {
	MessageID       string        `json:"message_id"`
	Matched         bool          `json:"matched"`
	TargetSystemIDs []string      `json:"target_system_ids"`
	MatchedRules    []MatchedRule `json:"matched_rules"`
	Matches         []Match       `json:"-"`
}

type ruleEntry struct {
	rule    *models.RoutingRule
	matches atomic.Int64
}

// Engine 路由引擎
type Engine struct {
	mu       sync.RWMutex
	rules    map[string]*ruleEntry
	sorted   []*ruleEntry
	bus      *eventbus.EventBus
	recorder MatchRecorder
	patterns patternCache
	timeout  time.Duration
}

// NewEngine 创建路由引擎，bus 与 recorder 均可为 nil
func NewEngine(bus *eventbus.EventBus, recorder MatchRecorder) *Engine {
	return &Engine{
		rules:    make(map[string]*ruleEntry),
		bus:      bus,
		recorder: recorder,
		timeout:  5 * time.Second,
	}
}

// LoadRules 以给定规则集替换当前规则
func (e *Engine) LoadRules(rules []models.RoutingRule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.rules
	e.rules = make(map[string]*ruleEntry, len(rules))
	for i := range rules {
		rule := rules[i]
		entry := &ruleEntry{rule: &rule}
		if old, ok := previous[rule.ID]; ok {
			entry.matches.Store(old.matches.Load())
		}
		e.rules[rule.ID] = entry
	}
	e.resort()
	slog.Info("路由规则已加载", "count", len(rules))
}

// AddRule 添加规则，同ID规则将被替换
func (e *Engine) AddRule(rule *models.RoutingRule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("规则ID不能为空")
	}
	copied := *rule
	e.mu.Lock()
	defer e.mu.Unlock()

	entry := &ruleEntry{rule: &copied}
	if old, ok := e.rules[rule.ID]; ok {
		entry.matches.Store(old.matches.Load())
	}
	e.rules[rule.ID] = entry
	e.resort()
	return nil
}

// RemoveRule 移除规则
func (e *Engine) RemoveRule(ruleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[ruleID]; !ok {
		return false
	}
	delete(e.rules, ruleID)
	e.resort()
	return true
}

// ReloadRule 重新加载单条规则：先注销再注册，不满足参与条件的规则只注销
func (e *Engine) ReloadRule(rule *models.RoutingRule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("规则ID不能为空")
	}
	e.RemoveRule(rule.ID)
	if !rule.IsEligible() {
		slog.Info("规则未启用或未发布，已从路由引擎移除", "rule_id", rule.ID)
		return nil
	}
	return e.AddRule(rule)
}

// Rules 当前规则快照（已排序）
func (e *Engine) Rules() []models.RoutingRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.RoutingRule, 0, len(e.sorted))
	for _, entry := range e.sorted {
		out = append(out, *entry.rule)
	}
	return out
}

// MatchCount 规则在本进程内的命中次数
func (e *Engine) MatchCount(ruleID string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if entry, ok := e.rules[ruleID]; ok {
		return entry.matches.Load()
	}
	return 0
}

// resort 调用方需持有写锁
func (e *Engine) resort() {
	sorted := make([]*ruleEntry, 0, len(e.rules))
	for _, entry := range e.rules {
		sorted = append(sorted, entry)
	}
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].rule, sorted[j].rule
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
	e.sorted = sorted
}

func (e *Engine) snapshot() []*ruleEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sorted
}

// Candidates 通过源过滤的可用规则（不评估条件），管道据此选择解析器
func (e *Engine) Candidates(msg *models.UnifiedMessage) []*models.RoutingRule {
	var out []*models.RoutingRule
	for _, entry := range e.snapshot() {
		if entry.rule.IsEligible() && e.sourceMatches(entry.rule, msg) {
			out = append(out, entry.rule)
		}
	}
	return out
}

// Match 评估所有可用规则，返回按优先级排列的命中列表
func (e *Engine) Match(msg *models.UnifiedMessage, fields map[string]interface{}) []Match {
	envelope := msg.Envelope()
	now := time.Now()

	var matches []Match
	for _, entry := range e.snapshot() {
		rule := entry.rule
		if !rule.IsEligible() {
			continue
		}
		if !e.sourceMatches(rule, msg) {
			continue
		}
		if !e.conditionsMatch(rule, fields, envelope) {
			continue
		}
		entry.matches.Add(1)
		e.recordMatch(rule.ID, now)
		matches = append(matches, Match{Rule: rule, TargetSystemIDs: rule.EnabledTargetIDs()})
	}
	return matches
}

// Route 匹配并汇总去重后的目标系统，发布 ROUTING_DECIDED
func (e *Engine) Route(msg *models.UnifiedMessage, fields map[string]interface{}) *RoutingResult {
	matches := e.Match(msg, fields)
	result := &RoutingResult{
		MessageID:       msg.MessageID,
		Matched:         len(matches) > 0,
		TargetSystemIDs: []string{},
		MatchedRules:    []MatchedRule{},
		Matches:         matches,
	}

	seen := make(map[string]struct{})
	for _, m := range matches {
		result.MatchedRules = append(result.MatchedRules, MatchedRule{
			RuleID:   m.Rule.ID,
			RuleName: m.Rule.Name,
			Priority: m.Rule.Priority,
		})
		for _, id := range m.TargetSystemIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			result.TargetSystemIDs = append(result.TargetSystemIDs, id)
		}
	}

	if e.bus != nil {
		e.bus.Publish(eventbus.TopicRoutingDecided, result)
	}
	return result
}

func (e *Engine) sourceMatches(rule *models.RoutingRule, msg *models.UnifiedMessage) bool {
	src := rule.SourceConfig
	if len(src.Protocols) > 0 {
		found := false
		for _, p := range src.Protocols {
			if models.NormalizeProtocol(p) == msg.SourceProtocol {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(src.SourceIDs) > 0 {
		found := false
		for _, id := range src.SourceIDs {
			if id == msg.DataSourceID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	pattern := strings.TrimSpace(src.Pattern)
	if pattern == "" || pattern == "*" {
		return true
	}
	return e.patterns.glob(pattern, msg.LogicalAddress())
}

func (e *Engine) conditionsMatch(rule *models.RoutingRule, fields, envelope map[string]interface{}) bool {
	conditions := rule.SourceConfig.Conditions
	if len(conditions) == 0 {
		return true
	}
	if rule.LogicalOp() == models.LogicalOr {
		for _, c := range conditions {
			if e.patterns.evaluate(c, fields, envelope) {
				return true
			}
		}
		return false
	}
	for _, c := range conditions {
		if !e.patterns.evaluate(c, fields, envelope) {
			return false
		}
	}
	return true
}

// recordMatch 异步持久化匹配统计，失败只记录日志
func (e *Engine) recordMatch(ruleID string, at time.Time) {
	if e.recorder == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		if err := e.recorder.RecordMatch(ctx, ruleID, at); err != nil {
			slog.Warn("更新规则匹配统计失败", "rule_id", ruleID, "error", err)
		}
	}()
}
