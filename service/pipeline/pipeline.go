/*
 * @module service/pipeline
 * @description 数据处理管道：解析 -> 验证 -> 路由 -> 转换 -> 扇出转发，每条消息以唯一终态结束
 * @architecture 状态机 + 有界工作池 - 订阅 RAW_RECEIVED，按消息并发处理
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow received -> parsing -> validated -> routed -> transformed -> forwarded | failed
 * @rules 每条消息恰好一条 MessageLog（success/partial_success/failed）；每个目标一条 ForwardLog；目标之间互不影响
 * @dependencies service/frame, service/routing, service/forwarders, service/eventbus
 * @refs service/gateway, service/repository
 */

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"gateway-service/service/eventbus"
	"gateway-service/service/forwarders"
	"gateway-service/service/frame"
	"gateway-service/service/models"
	"gateway-service/service/routing"
)

// DefaultWorkers 默认并发处理上限
const DefaultWorkers = 64

// ConfigSource 运行时配置读取（配置服务实现，带缓存）
type ConfigSource interface {
	GetDataSource(ctx context.Context, id string) (*models.DataSource, error)
	GetFrameSchema(ctx context.Context, id string) (*models.FrameSchema, error)
}

// Dispatcher 目标查找与并发转发（转发器管理器实现）
type Dispatcher interface {
	Target(targetID string) (*models.TargetSystem, bool)
	ForwardToTargets(ctx context.Context, reqs []forwarders.ForwardRequest) []*forwarders.ForwardResult
}

// Decrypter 解开入站加密信封
type Decrypter interface {
	UnwrapPayload(ctx context.Context, wrapped []byte) (map[string]interface{}, error)
}

// Recorder 审计记录与统计累加（仓储层实现）
type Recorder interface {
	SaveMessageLog(ctx context.Context, log *models.MessageLog) error
	SaveForwardLogs(ctx context.Context, logs []*models.ForwardLog) error
	IncrementMessageCount(ctx context.Context, dataSourceID string, at time.Time) error
	IncrementForwardCount(ctx context.Context, targetID string, success bool, at time.Time) error
}

// Options 管道依赖
type Options struct {
	Workers   int
	Config    ConfigSource
	Router    *routing.Engine
	Forwarder Dispatcher
	Recorder  Recorder
	Decrypter Decrypter
}

// Result 单条消息的处理结果
type Result struct {
	MessageID      string                      `json:"message_id"`
	DataSourceID   string                      `json:"data_source_id,omitempty"`
	Status         string                      `json:"status"`
	FailureReason  string                      `json:"failure_reason,omitempty"`
	Error          string                      `json:"error,omitempty"`
	MatchedRules   []routing.MatchedRule       `json:"matched_rules,omitempty"`
	TargetIDs      []string                    `json:"target_ids,omitempty"`
	ForwardResults []*forwarders.ForwardResult `json:"forward_results,omitempty"`
	Duration       time.Duration               `json:"duration"`

	err error
}

// Err 失败原因对应的错误，可用 errors.Is 判断
func (r *Result) Err() error {
	return r.err
}

// Stats 管道统计
type Stats struct {
	Running        bool  `json:"running"`
	InFlight       int64 `json:"in_flight"`
	Processed      int64 `json:"processed"`
	Succeeded      int64 `json:"succeeded"`
	PartialSuccess int64 `json:"partial_success"`
	Failed         int64 `json:"failed"`
	Unrouted       int64 `json:"unrouted"`
}

// Pipeline 数据处理管道
type Pipeline struct {
	bus         *eventbus.EventBus
	opts        Options
	validator   *Validator
	transformer *Transformer
	sem         chan struct{}

	subID   eventbus.SubscriptionID
	running atomic.Bool

	inflight  atomic.Int64
	processed atomic.Int64
	succeeded atomic.Int64
	partial   atomic.Int64
	failed    atomic.Int64
	unrouted  atomic.Int64
}

// New 创建管道
func New(bus *eventbus.EventBus, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Pipeline{
		bus:         bus,
		opts:        opts,
		validator:   NewValidator(),
		transformer: NewTransformer(),
		sem:         make(chan struct{}, opts.Workers),
	}
}

// Start 订阅 RAW_RECEIVED
func (p *Pipeline) Start() error {
	if p.running.Load() {
		return nil
	}
	id, err := p.bus.Subscribe(eventbus.TopicRawReceived, p.handle)
	if err != nil {
		return fmt.Errorf("订阅原始消息失败: %w", err)
	}
	p.subID = id
	p.running.Store(true)
	slog.Info("数据处理管道已启动", "workers", p.opts.Workers)
	return nil
}

// Stop 取消订阅，进行中的消息由总线排空
func (p *Pipeline) Stop() {
	if !p.running.Swap(false) {
		return
	}
	p.bus.Unsubscribe(p.subID)
	slog.Info("数据处理管道已停止", "processed", p.processed.Load())
}

func (p *Pipeline) handle(_ string, payload interface{}) {
	msg, ok := payload.(*models.UnifiedMessage)
	if !ok || msg == nil {
		slog.Warn("忽略非统一消息载荷", "type", fmt.Sprintf("%T", payload))
		return
	}
	p.sem <- struct{}{}
	defer func() { <-p.sem }()
	p.Process(context.Background(), msg)
}

// Process 同步处理单条消息直至终态
func (p *Pipeline) Process(ctx context.Context, msg *models.UnifiedMessage) *Result {
	start := time.Now()
	p.inflight.Add(1)
	defer p.inflight.Add(-1)

	res := &Result{MessageID: msg.MessageID, DataSourceID: msg.DataSourceID}
	p.run(ctx, msg, res)

	res.Duration = time.Since(start)
	msg.Finish(res.Duration)
	p.finish(ctx, msg, res)
	return res
}

func (p *Pipeline) run(ctx context.Context, msg *models.UnifiedMessage, res *Result) {
	msg.SetStatus(models.MessageStatusParsing)

	var ds *models.DataSource
	if p.opts.Config != nil && msg.DataSourceID != "" {
		found, err := p.opts.Config.GetDataSource(ctx, msg.DataSourceID)
		if err != nil {
			slog.Debug("读取数据源配置失败，按默认解析", "data_source_id", msg.DataSourceID, "error", err)
		} else {
			ds = found
		}
	}

	var candidates []*models.RoutingRule
	if p.opts.Router != nil {
		candidates = p.opts.Router.Candidates(msg)
	}

	fields, parseErr, reason, err := p.parse(ctx, msg, ds, candidates)
	if err != nil {
		p.fail(msg, res, reason, err)
		return
	}
	msg.SetParsed(fields, parseErr)
	p.publish(eventbus.TopicDataParsed, msg, map[string]interface{}{
		"field_count": len(fields),
		"parse_error": parseErr,
	})

	if p.opts.Router == nil {
		p.fail(msg, res, models.FailureReasonUnrouted, routing.ErrUnrouted)
		return
	}
	route := p.opts.Router.Route(msg, fields)
	res.MatchedRules = route.MatchedRules
	res.TargetIDs = route.TargetSystemIDs
	if !route.Matched {
		p.fail(msg, res, models.FailureReasonUnrouted, routing.ErrUnrouted)
		return
	}

	envelope := msg.Envelope()
	for _, m := range route.Matches {
		if err := p.validator.Validate(m.Rule, fields, envelope); err != nil {
			p.fail(msg, res, models.FailureReasonValidationFailed, err)
			return
		}
	}
	msg.SetStatus(models.MessageStatusValidated)
	p.publish(eventbus.TopicDataValidated, msg, nil)

	ruleIDs := make([]string, 0, len(route.MatchedRules))
	for _, r := range route.MatchedRules {
		ruleIDs = append(ruleIDs, r.RuleID)
	}
	msg.SetRouting(ruleIDs, route.TargetSystemIDs)
	msg.SetStatus(models.MessageStatusRouted)

	if len(route.TargetSystemIDs) == 0 {
		p.fail(msg, res, models.FailureReasonUnrouted, fmt.Errorf("%w: 命中规则没有启用的目标系统", routing.ErrUnrouted))
		return
	}

	res.ForwardResults = p.fanOut(ctx, msg, route, fields, envelope)

	succeeded := 0
	for _, r := range res.ForwardResults {
		if r.Success() {
			succeeded++
		}
	}
	switch {
	case succeeded == len(res.ForwardResults):
		res.Status = models.LogStatusSuccess
		msg.SetStatus(models.MessageStatusForwarded)
	case succeeded > 0:
		res.Status = models.LogStatusPartialSuccess
		msg.SetStatus(models.MessageStatusForwarded)
	default:
		p.fail(msg, res, models.FailureReasonForwardFailed,
			fmt.Errorf("全部 %d 个目标转发失败", len(res.ForwardResults)))
	}
}

// parse 返回解析字段、校验错误标记（带标记继续转发）、失败原因与错误
func (p *Pipeline) parse(ctx context.Context, msg *models.UnifiedMessage, ds *models.DataSource, candidates []*models.RoutingRule) (map[string]interface{}, string, string, error) {
	raw := msg.RawData

	if p.opts.Decrypter != nil && bytes.Contains(raw, []byte(`"encrypted_payload"`)) {
		fields, err := p.opts.Decrypter.UnwrapPayload(ctx, raw)
		if err == nil {
			return fields, "", "", nil
		}
		slog.Error("解密消息失败", "message_id", msg.MessageID, "error", err)
		fields = fallbackFields(raw)
		fields["decryption_error"] = err.Error()
		return fields, "", "", nil
	}

	schemaID := msg.FrameSchemaID
	if ds != nil && schemaID == "" {
		schemaID = ds.SchemaID()
	}
	if ds != nil && ds.AutoParse() && schemaID != "" && p.opts.Config != nil {
		schema, err := p.opts.Config.GetFrameSchema(ctx, schemaID)
		if err != nil {
			return nil, "", models.FailureReasonParseError, fmt.Errorf("读取帧格式 %s 失败: %w", schemaID, err)
		}
		fields, err := frame.Parse(schema, raw)
		if err == nil {
			return fields, "", "", nil
		}
		if frame.IsChecksumError(err) && fields != nil {
			if ds.ParseOptions().GetBool("drop_on_checksum_error", true) {
				return nil, "", models.FailureReasonChecksumInvalid, err
			}
			slog.Warn("帧校验失败，标记后继续转发", "message_id", msg.MessageID, "schema", schema.Name, "error", err)
			return fields, err.Error(), "", nil
		}
		return nil, "", models.FailureReasonParseError, err
	}

	parserType := ""
	required := false
	var options models.JSONB
	for _, rule := range candidates {
		pc := rule.Pipeline.Parser
		if pc.Enabled {
			required = true
		}
		if parserType == "" && pc.Type != "" {
			parserType = pc.Type
			options = pc.Options
		}
	}
	if !required {
		return fallbackFields(raw), "", "", nil
	}
	fields, err := ParseStructured(parserType, raw, options)
	if err != nil {
		return nil, "", models.FailureReasonParseError, err
	}
	return fields, "", "", nil
}

type targetJob struct {
	rule     *models.RoutingRule
	targetID string
}

// fanOut 每个目标归属于首个（优先级最高）引用它的规则，转换失败的目标直接记为失败
func (p *Pipeline) fanOut(ctx context.Context, msg *models.UnifiedMessage, route *routing.RoutingResult, fields, envelope map[string]interface{}) []*forwarders.ForwardResult {
	owner := make(map[string]*models.RoutingRule, len(route.TargetSystemIDs))
	for _, m := range route.Matches {
		for _, id := range m.TargetSystemIDs {
			if _, ok := owner[id]; !ok {
				owner[id] = m.Rule
			}
		}
	}

	results := make([]*forwarders.ForwardResult, len(route.TargetSystemIDs))
	reqs := make([]forwarders.ForwardRequest, 0, len(route.TargetSystemIDs))
	slots := make([]int, 0, len(route.TargetSystemIDs))
	transformed := 0

	for i, targetID := range route.TargetSystemIDs {
		job := targetJob{rule: owner[targetID], targetID: targetID}
		payload, err := p.buildPayload(msg, job, fields, envelope)
		if err != nil {
			slog.Warn("目标数据转换失败", "message_id", msg.MessageID, "target_id", targetID, "rule_id", job.rule.ID, "error", err)
			results[i] = &forwarders.ForwardResult{
				MessageID: msg.MessageID,
				RuleID:    job.rule.ID,
				TargetID:  targetID,
				Status:    models.ForwardStatusFailed,
				Error:     err.Error(),
				Timestamp: time.Now(),
			}
			continue
		}
		transformed++
		ref, _ := job.rule.TargetRef(targetID)
		reqs = append(reqs, forwarders.ForwardRequest{
			MessageID: msg.MessageID,
			RuleID:    job.rule.ID,
			TargetID:  targetID,
			Ref:       ref,
			Payload:   payload,
		})
		slots = append(slots, i)
	}

	if transformed > 0 {
		msg.SetStatus(models.MessageStatusTransformed)
		p.publish(eventbus.TopicDataTransformed, msg, map[string]interface{}{"targets": transformed})
	}

	if len(reqs) > 0 && p.opts.Forwarder != nil {
		for j, r := range p.opts.Forwarder.ForwardToTargets(ctx, reqs) {
			results[slots[j]] = r
		}
	}
	for i, r := range results {
		if r == nil {
			results[i] = &forwarders.ForwardResult{
				MessageID: msg.MessageID,
				TargetID:  route.TargetSystemIDs[i],
				Status:    models.ForwardStatusFailed,
				Error:     "转发器管理器未配置",
				Timestamp: time.Now(),
			}
		}
	}
	return results
}

func (p *Pipeline) buildPayload(msg *models.UnifiedMessage, job targetJob, fields, envelope map[string]interface{}) (map[string]interface{}, error) {
	data, err := p.transformer.Transform(job.rule, fields, envelope)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"message_id":      msg.MessageID,
		"timestamp":       msg.Timestamp.Format(time.RFC3339Nano),
		"source_protocol": string(msg.SourceProtocol),
		"data_source_id":  msg.DataSourceID,
		"source_address":  msg.SourceAddress,
		"rule_id":         job.rule.ID,
		"parsed_data":     data,
		"raw_data":        msg.RawData,
	}
	if msg.SourcePort > 0 {
		payload["source_port"] = msg.SourcePort
	}
	if msg.Topic != "" {
		payload["topic"] = msg.Topic
	}
	if msg.ParseError != "" {
		payload["parse_error"] = msg.ParseError
	}

	var cfg models.JSONB
	if p.opts.Forwarder != nil {
		if target, ok := p.opts.Forwarder.Target(job.targetID); ok {
			cfg = target.TransformConfig
		}
	}
	return ParseTargetTransform(cfg).Apply(payload), nil
}

func (p *Pipeline) fail(msg *models.UnifiedMessage, res *Result, reason string, err error) {
	res.Status = models.LogStatusFailed
	res.FailureReason = reason
	res.Error = err.Error()
	res.err = err
	msg.Fail(reason, err.Error())
}

// finish 写入终态日志、累加统计并发布完成事件；持久化失败只记录日志
func (p *Pipeline) finish(ctx context.Context, msg *models.UnifiedMessage, res *Result) {
	p.processed.Add(1)
	switch res.Status {
	case models.LogStatusSuccess:
		p.succeeded.Add(1)
	case models.LogStatusPartialSuccess:
		p.partial.Add(1)
	default:
		p.failed.Add(1)
		if res.FailureReason == models.FailureReasonUnrouted {
			p.unrouted.Add(1)
		}
	}

	if rec := p.opts.Recorder; rec != nil {
		now := time.Now().UTC()
		if err := rec.SaveMessageLog(ctx, messageLog(msg, res)); err != nil {
			slog.Error("写入消息日志失败", "message_id", msg.MessageID, "error", err)
		}
		if len(res.ForwardResults) > 0 {
			if err := rec.SaveForwardLogs(ctx, forwardLogs(res)); err != nil {
				slog.Error("写入转发日志失败", "message_id", msg.MessageID, "error", err)
			}
		}
		if msg.DataSourceID != "" {
			if err := rec.IncrementMessageCount(ctx, msg.DataSourceID, now); err != nil {
				slog.Warn("更新数据源统计失败", "data_source_id", msg.DataSourceID, "error", err)
			}
		}
		for _, r := range res.ForwardResults {
			if err := rec.IncrementForwardCount(ctx, r.TargetID, r.Success(), now); err != nil {
				slog.Warn("更新目标系统统计失败", "target_id", r.TargetID, "error", err)
			}
		}
	}

	if res.Status == models.LogStatusFailed {
		slog.Warn("消息处理失败",
			"message_id", msg.MessageID,
			"data_source_id", msg.DataSourceID,
			"reason", res.FailureReason,
			"error", res.Error)
		p.bus.Publish(eventbus.TopicMessageFailed, res)
		return
	}
	slog.Debug("消息处理完成", "message_id", msg.MessageID, "status", res.Status, "duration", res.Duration)
	p.bus.Publish(eventbus.TopicMessageDone, res)
}

func (p *Pipeline) publish(topic string, msg *models.UnifiedMessage, extra map[string]interface{}) {
	event := map[string]interface{}{
		"message_id":     msg.MessageID,
		"data_source_id": msg.DataSourceID,
		"status":         string(msg.GetStatus()),
	}
	for k, v := range extra {
		event[k] = v
	}
	p.bus.Publish(topic, event)
}

// Stats 管道统计快照
func (p *Pipeline) Stats() Stats {
	return Stats{
		Running:        p.running.Load(),
		InFlight:       p.inflight.Load(),
		Processed:      p.processed.Load(),
		Succeeded:      p.succeeded.Load(),
		PartialSuccess: p.partial.Load(),
		Failed:         p.failed.Load(),
		Unrouted:       p.unrouted.Load(),
	}
}

// IsUnrouted 结果是否因无匹配规则而失败
func IsUnrouted(res *Result) bool {
	return res != nil && errors.Is(res.err, routing.ErrUnrouted)
}

func messageLog(msg *models.UnifiedMessage, res *Result) *models.MessageLog {
	rules := make(models.JSONBArray, 0, len(res.MatchedRules))
	for _, r := range res.MatchedRules {
		rules = append(rules, models.JSONB{"rule_id": r.RuleID, "rule_name": r.RuleName, "priority": r.Priority})
	}
	var parsed models.JSONB
	if msg.ParsedData != nil {
		parsed = models.JSONB(deepCopyMap(msg.ParsedData))
		sanitize(parsed)
	}
	return &models.MessageLog{
		Timestamp:        msg.Timestamp,
		MessageID:        msg.MessageID,
		TraceID:          msg.TraceID,
		SourceProtocol:   string(msg.SourceProtocol),
		SourceID:         msg.DataSourceID,
		SourceAddress:    msg.SourceAddress,
		RawData:          msg.RawData,
		RawDataSize:      msg.DataSize,
		ParsedData:       parsed,
		ProcessingStatus: res.Status,
		FailureReason:    res.FailureReason,
		MatchedRules:     rules,
		TargetSystems:    models.JSONBStringArray(res.TargetIDs),
		ErrorMessage:     res.Error,
		ProcessingTimeMs: res.Duration.Milliseconds(),
	}
}

func forwardLogs(res *Result) []*models.ForwardLog {
	logs := make([]*models.ForwardLog, 0, len(res.ForwardResults))
	for _, r := range res.ForwardResults {
		logs = append(logs, &models.ForwardLog{
			MessageID:    res.MessageID,
			TargetID:     r.TargetID,
			RuleID:       r.RuleID,
			Protocol:     r.Protocol,
			Status:       r.Status,
			StatusCode:   r.StatusCode,
			RetryCount:   r.RetryCount,
			DurationMs:   r.Duration.Milliseconds(),
			ErrorMessage: r.Error,
			CreatedAt:    r.Timestamp,
		})
	}
	return logs
}
