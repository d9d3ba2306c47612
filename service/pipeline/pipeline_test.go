package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"gateway-service/service/eventbus"
	"gateway-service/service/forwarders"
	"gateway-service/service/frame"
	"gateway-service/service/models"
	"gateway-service/service/routing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfig struct {
	sources map[string]*models.DataSource
	schemas map[string]*models.FrameSchema
}

func (c *fakeConfig) GetDataSource(_ context.Context, id string) (*models.DataSource, error) {
	if ds, ok := c.sources[id]; ok {
		return ds, nil
	}
	return nil, fmt.Errorf("数据源不存在: %s", id)
}

func (c *fakeConfig) GetFrameSchema(_ context.Context, id string) (*models.FrameSchema, error) {
	if s, ok := c.schemas[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("帧格式不存在: %s", id)
}

type fakeDispatcher struct {
	mu      sync.Mutex
	targets map[string]*models.TargetSystem
	failing map[string]bool
	reqs    []forwarders.ForwardRequest
}

func newDispatcher(targets ...*models.TargetSystem) *fakeDispatcher {
	d := &fakeDispatcher{targets: map[string]*models.TargetSystem{}, failing: map[string]bool{}}
	for _, t := range targets {
		d.targets[t.ID] = t
	}
	return d
}

func (d *fakeDispatcher) Target(id string) (*models.TargetSystem, bool) {
	t, ok := d.targets[id]
	return t, ok
}

func (d *fakeDispatcher) ForwardToTargets(_ context.Context, reqs []forwarders.ForwardRequest) []*forwarders.ForwardResult {
	d.mu.Lock()
	d.reqs = append(d.reqs, reqs...)
	d.mu.Unlock()

	out := make([]*forwarders.ForwardResult, len(reqs))
	for i, r := range reqs {
		status := models.ForwardStatusSuccess
		errMsg := ""
		if d.failing[r.TargetID] {
			status = models.ForwardStatusFailed
			errMsg = "connection refused"
		}
		out[i] = &forwarders.ForwardResult{
			MessageID:  r.MessageID,
			RuleID:     r.RuleID,
			TargetID:   r.TargetID,
			Protocol:   "HTTP",
			Status:     status,
			Error:      errMsg,
			RetryCount: 1,
			Timestamp:  time.Now(),
		}
	}
	return out
}

func (d *fakeDispatcher) payload(t *testing.T, targetID string) map[string]interface{} {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.reqs {
		if r.TargetID == targetID {
			m, ok := r.Payload.(map[string]interface{})
			require.True(t, ok)
			return m
		}
	}
	t.Fatalf("目标 %s 没有收到转发请求", targetID)
	return nil
}

type memRecorder struct {
	mu        sync.Mutex
	messages  []*models.MessageLog
	forwards  []*models.ForwardLog
	received  map[string]int
	forwarded map[string]int
	failed    map[string]int
}

func newRecorder() *memRecorder {
	return &memRecorder{received: map[string]int{}, forwarded: map[string]int{}, failed: map[string]int{}}
}

func (r *memRecorder) SaveMessageLog(_ context.Context, log *models.MessageLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, log)
	return nil
}

func (r *memRecorder) SaveForwardLogs(_ context.Context, logs []*models.ForwardLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwards = append(r.forwards, logs...)
	return nil
}

func (r *memRecorder) IncrementMessageCount(_ context.Context, id string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received[id]++
	return nil
}

func (r *memRecorder) IncrementForwardCount(_ context.Context, id string, success bool, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.forwarded[id]++
	} else {
		r.failed[id]++
	}
	return nil
}

func (r *memRecorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func target(id string) *models.TargetSystem {
	return &models.TargetSystem{ID: id, Name: id, ProtocolType: "HTTP", IsActive: true}
}

func rule(id string, priority int, targets ...string) models.RoutingRule {
	refs := make(models.TargetRefs, 0, len(targets))
	for _, t := range targets {
		refs = append(refs, models.TargetRef{ID: t})
	}
	return models.RoutingRule{
		ID:            id,
		Name:          id,
		Priority:      priority,
		IsActive:      true,
		IsPublished:   true,
		TargetSystems: refs,
	}
}

type fixture struct {
	bus        *eventbus.EventBus
	config     *fakeConfig
	dispatcher *fakeDispatcher
	recorder   *memRecorder
	engine     *routing.Engine
	pipeline   *Pipeline
}

func newFixture(t *testing.T, rules []models.RoutingRule, targets ...*models.TargetSystem) *fixture {
	t.Helper()
	bus := eventbus.New()
	t.Cleanup(bus.Close)

	f := &fixture{
		bus:        bus,
		config:     &fakeConfig{sources: map[string]*models.DataSource{}, schemas: map[string]*models.FrameSchema{}},
		dispatcher: newDispatcher(targets...),
		recorder:   newRecorder(),
		engine:     routing.NewEngine(bus, nil),
	}
	f.engine.LoadRules(rules)
	f.pipeline = New(bus, Options{
		Workers:   4,
		Config:    f.config,
		Router:    f.engine,
		Forwarder: f.dispatcher,
		Recorder:  f.recorder,
	})
	return f
}

func jsonMessage(body string) *models.UnifiedMessage {
	msg := models.NewUnifiedMessage(models.ProtocolUDP, "ds-1", []byte(body))
	msg.SourceAddress = "10.0.0.5"
	msg.SourcePort = 5000
	return msg
}

func TestProcess_UnroutedIsAccounted(t *testing.T) {
	f := newFixture(t, nil)

	res := f.pipeline.Process(context.Background(), jsonMessage(`{"temperature": 25}`))

	assert.Equal(t, models.LogStatusFailed, res.Status)
	assert.Equal(t, models.FailureReasonUnrouted, res.FailureReason)
	assert.ErrorIs(t, res.Err(), routing.ErrUnrouted)
	assert.True(t, IsUnrouted(res))
	assert.Empty(t, res.ForwardResults)

	require.Len(t, f.recorder.messages, 1)
	log := f.recorder.messages[0]
	assert.Equal(t, models.LogStatusFailed, log.ProcessingStatus)
	assert.Equal(t, models.FailureReasonUnrouted, log.FailureReason)
	assert.Equal(t, int64(25), log.ParsedData["temperature"])
	assert.Empty(t, f.recorder.forwards)
	assert.Equal(t, 1, f.recorder.received["ds-1"])

	stats := f.pipeline.Stats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(1), stats.Unrouted)
}

func TestProcess_FanOutIsolatesTargets(t *testing.T) {
	flat := target("t3")
	flat.TransformConfig = models.JSONB{
		"flatten_parsed_data": true,
		"add_fields":          map[string]interface{}{"site": "north"},
	}
	f := newFixture(t,
		[]models.RoutingRule{rule("r1", 80, "t1", "t2", "t3")},
		target("t1"), target("t2"), flat)
	f.dispatcher.failing["t2"] = true

	msg := jsonMessage(`{"temperature": 25, "unit": "C"}`)
	res := f.pipeline.Process(context.Background(), msg)

	assert.Equal(t, models.LogStatusPartialSuccess, res.Status)
	require.Len(t, res.ForwardResults, 3)
	assert.True(t, res.ForwardResults[0].Success())
	assert.False(t, res.ForwardResults[1].Success())
	assert.True(t, res.ForwardResults[2].Success())
	assert.Equal(t, models.MessageStatusForwarded, msg.GetStatus())

	p1 := f.dispatcher.payload(t, "t1")
	assert.NotContains(t, p1, "raw_data")
	assert.Equal(t, msg.MessageID, p1["message_id"])
	assert.Equal(t, "r1", p1["rule_id"])
	parsed, ok := p1["parsed_data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, int64(25), parsed["temperature"])

	p3 := f.dispatcher.payload(t, "t3")
	assert.NotContains(t, p3, "parsed_data")
	assert.Equal(t, int64(25), p3["temperature"])
	assert.Equal(t, "north", p3["site"])

	require.Len(t, f.recorder.messages, 1)
	assert.Equal(t, models.LogStatusPartialSuccess, f.recorder.messages[0].ProcessingStatus)
	require.Len(t, f.recorder.forwards, 3)
	assert.Equal(t, 1, f.recorder.forwarded["t1"])
	assert.Equal(t, 1, f.recorder.failed["t2"])
	assert.Equal(t, 1, f.recorder.forwarded["t3"])
}

func TestProcess_AllTargetsFailed(t *testing.T) {
	f := newFixture(t, []models.RoutingRule{rule("r1", 50, "t1")}, target("t1"))
	f.dispatcher.failing["t1"] = true

	res := f.pipeline.Process(context.Background(), jsonMessage(`{"v": 1}`))

	assert.Equal(t, models.LogStatusFailed, res.Status)
	assert.Equal(t, models.FailureReasonForwardFailed, res.FailureReason)
	require.Len(t, f.recorder.forwards, 1)
	assert.Equal(t, models.ForwardStatusFailed, f.recorder.forwards[0].Status)
	assert.Equal(t, 1, f.recorder.forwards[0].RetryCount)
}

func TestProcess_SharedTargetForwardedOnce(t *testing.T) {
	f := newFixture(t,
		[]models.RoutingRule{rule("low", 10, "t1", "t2"), rule("high", 90, "t1")},
		target("t1"), target("t2"))

	res := f.pipeline.Process(context.Background(), jsonMessage(`{"v": 1}`))

	assert.Equal(t, models.LogStatusSuccess, res.Status)
	assert.Equal(t, []string{"t1", "t2"}, res.TargetIDs)
	require.Len(t, f.dispatcher.reqs, 2)
	assert.Equal(t, "high", f.dispatcher.payload(t, "t1")["rule_id"])
	assert.Equal(t, "low", f.dispatcher.payload(t, "t2")["rule_id"])
}

func TestProcess_ValidationFailure(t *testing.T) {
	limit := 100.0
	r := rule("r1", 50, "t1")
	r.Pipeline.Validator = models.ValidatorConfig{
		Enabled: true,
		Rules: []models.ValidationRule{
			{Field: "device_id", Type: "required"},
			{Field: "temperature", Type: "range", Max: &limit},
		},
	}
	f := newFixture(t, []models.RoutingRule{r}, target("t1"))

	cases := []struct {
		name   string
		body   string
		status string
	}{
		{name: "valid", body: `{"device_id": "d1", "temperature": 42}`, status: models.LogStatusSuccess},
		{name: "out of range", body: `{"device_id": "d1", "temperature": 150}`, status: models.LogStatusFailed},
		{name: "missing required", body: `{"temperature": 42}`, status: models.LogStatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := f.pipeline.Process(context.Background(), jsonMessage(tc.body))
			assert.Equal(t, tc.status, res.Status)
			if tc.status == models.LogStatusFailed {
				assert.Equal(t, models.FailureReasonValidationFailed, res.FailureReason)
				assert.ErrorIs(t, res.Err(), ErrValidationFailed)
				assert.Empty(t, res.ForwardResults)
			}
		})
	}
	assert.Len(t, f.dispatcher.reqs, 1)
}

func TestProcess_ParserRequirement(t *testing.T) {
	strict := rule("strict", 50, "t1")
	strict.Pipeline.Parser = models.ParserConfig{Type: ParserJSON, Enabled: true}

	t.Run("required parser fails the message", func(t *testing.T) {
		f := newFixture(t, []models.RoutingRule{strict}, target("t1"))
		res := f.pipeline.Process(context.Background(), jsonMessage("not json"))
		assert.Equal(t, models.FailureReasonParseError, res.FailureReason)
		assert.ErrorIs(t, res.Err(), ErrParse)
	})

	t.Run("optional parser forwards text", func(t *testing.T) {
		f := newFixture(t, []models.RoutingRule{rule("loose", 50, "t1")}, target("t1"))
		res := f.pipeline.Process(context.Background(), jsonMessage("not json"))
		assert.Equal(t, models.LogStatusSuccess, res.Status)
		parsed := f.dispatcher.payload(t, "t1")["parsed_data"].(map[string]interface{})
		assert.Equal(t, "not json", parsed["text"])
	})
}

func checksumSchema() *models.FrameSchema {
	total := 8
	return &models.FrameSchema{
		ID:           "schema-1",
		Name:         "sensor",
		Version:      "1.0",
		ProtocolType: "UDP",
		FrameType:    models.FrameTypeFixed,
		TotalLength:  &total,
		Fields: models.FieldDefs{
			{Name: "device", DataType: models.DataTypeUint8, Offset: 0, Length: 1},
			{Name: "value", DataType: models.DataTypeUint16, Offset: 1, Length: 2, ByteOrder: models.BigEndian},
		},
		Checksum: &models.ChecksumDef{Type: models.ChecksumCRC16, Offset: 6, Length: 2},
	}
}

func TestProcess_ChecksumDropOrFlag(t *testing.T) {
	schema := checksumSchema()
	require.NoError(t, schema.Validate())
	good, err := frame.Encode(schema, map[string]interface{}{"device": 9, "value": 512})
	require.NoError(t, err)
	bad := append([]byte(nil), good...)
	bad[2] ^= 0xFF

	cases := []struct {
		name    string
		options models.JSONB
		raw     []byte
		status  string
		reason  string
		flagged bool
	}{
		{name: "valid frame", raw: good, status: models.LogStatusSuccess},
		{name: "dropped by default", raw: bad, status: models.LogStatusFailed, reason: models.FailureReasonChecksumInvalid},
		{name: "flagged and forwarded", options: models.JSONB{"drop_on_checksum_error": false}, raw: bad, status: models.LogStatusSuccess, flagged: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, []models.RoutingRule{rule("r1", 50, "t1")}, target("t1"))
			f.config.schemas[schema.ID] = schema
			f.config.sources["ds-1"] = &models.DataSource{
				ID:           "ds-1",
				ProtocolType: "UDP",
				ParseConfig: models.JSONB{
					"auto_parse":      true,
					"frame_schema_id": schema.ID,
					"parse_options":   map[string]interface{}(tc.options),
				},
			}

			msg := models.NewUnifiedMessage(models.ProtocolUDP, "ds-1", tc.raw)
			res := f.pipeline.Process(context.Background(), msg)

			assert.Equal(t, tc.status, res.Status)
			assert.Equal(t, tc.reason, res.FailureReason)
			if tc.status != models.LogStatusSuccess {
				assert.True(t, frame.IsChecksumError(res.Err()))
				return
			}
			payload := f.dispatcher.payload(t, "t1")
			parsed := payload["parsed_data"].(map[string]interface{})
			assert.Equal(t, int64(9), parsed["device"])
			if tc.flagged {
				assert.Contains(t, payload, "parse_error")
				assert.NotEmpty(t, msg.ParseError)
			} else {
				assert.Equal(t, int64(512), parsed["value"])
				assert.NotContains(t, payload, "parse_error")
			}
		})
	}
}

func TestPipeline_ConsumesRawReceived(t *testing.T) {
	f := newFixture(t, []models.RoutingRule{rule("r1", 50, "t1")}, target("t1"))
	require.NoError(t, f.pipeline.Start())

	done := make(chan interface{}, 4)
	_, err := f.bus.Subscribe(eventbus.TopicMessageDone, func(_ string, payload interface{}) {
		done <- payload
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.bus.Publish(eventbus.TopicRawReceived, jsonMessage(fmt.Sprintf(`{"seq": %d}`, i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.bus.Wait(ctx))

	assert.Equal(t, 3, f.recorder.messageCount())
	assert.Len(t, done, 3)

	f.pipeline.Stop()
	f.bus.Publish(eventbus.TopicRawReceived, jsonMessage(`{"seq": 9}`))
	require.NoError(t, f.bus.Wait(ctx))
	assert.Equal(t, 3, f.recorder.messageCount())
	assert.False(t, f.pipeline.Stats().Running)
}
