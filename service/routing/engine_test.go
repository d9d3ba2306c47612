package routing

import (
	"context"
	"sync"
	"testing"
	"time"

	"gateway-service/service/eventbus"
	"gateway-service/service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRecorder struct {
	mu    sync.Mutex
	calls map[string]int
	done  chan string
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{calls: make(map[string]int), done: make(chan string, 16)}
}

func (r *recordingRecorder) RecordMatch(_ context.Context, ruleID string, _ time.Time) error {
	r.mu.Lock()
	r.calls[ruleID]++
	r.mu.Unlock()
	r.done <- ruleID
	return nil
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

func message(protocol models.ProtocolType, sourceID string) *models.UnifiedMessage {
	return models.NewUnifiedMessage(protocol, sourceID, []byte(`{}`))
}

func ruleIDs(matches []Match) []string {
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.Rule.ID)
	}
	return ids
}

func TestEngine_PriorityOrderAndFanOut(t *testing.T) {
	alert := rule("rule-a", 10, "AlertSystem")
	alert.SourceConfig.Conditions = []models.Condition{{FieldPath: "temperature", Operator: ">", Value: 30}}
	normal := rule("rule-b", 5, "NormalSystem")

	engine := NewEngine(nil, nil)
	engine.LoadRules([]models.RoutingRule{normal, alert})

	result := engine.Route(message(models.ProtocolUDP, "ds-1"), map[string]interface{}{"temperature": 35})
	assert.True(t, result.Matched)
	assert.Equal(t, []string{"AlertSystem", "NormalSystem"}, result.TargetSystemIDs)
	require.Len(t, result.MatchedRules, 2)
	assert.Equal(t, "rule-a", result.MatchedRules[0].RuleID)

	result = engine.Route(message(models.ProtocolUDP, "ds-1"), map[string]interface{}{"temperature": 20})
	assert.Equal(t, []string{"NormalSystem"}, result.TargetSystemIDs)
}

func TestEngine_DeterministicTieBreak(t *testing.T) {
	rules := []models.RoutingRule{
		rule("c", 50, "t3"), rule("a", 50, "t1"), rule("b", 50, "t2"), rule("z", 90, "t0"),
	}
	engine := NewEngine(nil, nil)
	engine.LoadRules(rules)

	msg := message(models.ProtocolTCP, "ds")
	first := ruleIDs(engine.Match(msg, nil))
	assert.Equal(t, []string{"z", "a", "b", "c"}, first)

	for i := 0; i < 20; i++ {
		assert.Equal(t, first, ruleIDs(engine.Match(msg, nil)))
	}
}

func TestEngine_UnpublishedRuleBecomesVisibleAfterPublish(t *testing.T) {
	draft := rule("draft", 60, "target")
	draft.IsPublished = false
	draft.SourceConfig.Conditions = []models.Condition{{FieldPath: "level", Operator: "equals", Value: "high"}}

	engine := NewEngine(nil, nil)
	engine.LoadRules([]models.RoutingRule{draft})

	msg := message(models.ProtocolMQTT, "ds")
	fields := map[string]interface{}{"level": "high"}
	assert.Empty(t, engine.Match(msg, fields))

	draft.IsPublished = true
	require.NoError(t, engine.ReloadRule(&draft))
	assert.Equal(t, []string{"draft"}, ruleIDs(engine.Match(msg, fields)))

	draft.IsPublished = false
	require.NoError(t, engine.ReloadRule(&draft))
	assert.Empty(t, engine.Match(msg, fields))
	assert.Empty(t, engine.Rules())
}

func TestEngine_SourceFilter(t *testing.T) {
	tests := []struct {
		name    string
		source  models.SourceConfig
		msg     func() *models.UnifiedMessage
		matched bool
	}{
		{
			name:    "protocol listed",
			source:  models.SourceConfig{Protocols: []string{"udp", "tcp"}},
			msg:     func() *models.UnifiedMessage { return message(models.ProtocolTCP, "ds") },
			matched: true,
		},
		{
			name:   "protocol not listed",
			source: models.SourceConfig{Protocols: []string{"HTTP"}},
			msg:    func() *models.UnifiedMessage { return message(models.ProtocolTCP, "ds") },
		},
		{
			name:    "source id listed",
			source:  models.SourceConfig{SourceIDs: []string{"ds-2", "ds-1"}},
			msg:     func() *models.UnifiedMessage { return message(models.ProtocolUDP, "ds-1") },
			matched: true,
		},
		{
			name:   "source id not listed",
			source: models.SourceConfig{SourceIDs: []string{"ds-2"}},
			msg:    func() *models.UnifiedMessage { return message(models.ProtocolUDP, "ds-1") },
		},
		{
			name:   "topic pattern",
			source: models.SourceConfig{Pattern: "sensors/*/temperature"},
			msg: func() *models.UnifiedMessage {
				m := message(models.ProtocolMQTT, "ds")
				m.Topic = "sensors/room-1/temperature"
				return m
			},
			matched: true,
		},
		{
			name:   "topic pattern mismatch",
			source: models.SourceConfig{Pattern: "sensors/*/humidity"},
			msg: func() *models.UnifiedMessage {
				m := message(models.ProtocolMQTT, "ds")
				m.Topic = "sensors/room-1/temperature"
				return m
			},
		},
		{
			name:    "star matches anything",
			source:  models.SourceConfig{Pattern: "*"},
			msg:     func() *models.UnifiedMessage { return message(models.ProtocolHTTP, "ds") },
			matched: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rule("r", 50, "t")
			r.SourceConfig = tt.source
			engine := NewEngine(nil, nil)
			engine.LoadRules([]models.RoutingRule{r})
			assert.Equal(t, tt.matched, len(engine.Match(tt.msg(), nil)) == 1)
		})
	}
}

func TestEngine_Operators(t *testing.T) {
	fields := map[string]interface{}{
		"temperature": 35.5,
		"status":      "running",
		"device":      map[string]interface{}{"model": "X-100", "zone": "north"},
		"tags":        []interface{}{"a", "b"},
		"count":       "12",
	}

	tests := []struct {
		name  string
		cond  models.Condition
		match bool
	}{
		{"equals string", models.Condition{FieldPath: "status", Operator: "equals", Value: "running"}, true},
		{"equals numeric string", models.Condition{FieldPath: "count", Operator: "==", Value: 12}, true},
		{"not equals", models.Condition{FieldPath: "status", Operator: "!=", Value: "stopped"}, true},
		{"greater than", models.Condition{FieldPath: "temperature", Operator: "greater_than", Value: "30"}, true},
		{"less than", models.Condition{FieldPath: "temperature", Operator: "<", Value: 30}, false},
		{"greater or equal", models.Condition{FieldPath: "temperature", Operator: ">=", Value: 35.5}, true},
		{"less or equal", models.Condition{FieldPath: "count", Operator: "less_or_equal", Value: 11}, false},
		{"contains", models.Condition{FieldPath: "status", Operator: "contains", Value: "run"}, true},
		{"not contains slice", models.Condition{FieldPath: "tags", Operator: "not_contains", Value: "c"}, true},
		{"regex", models.Condition{FieldPath: "device.model", Operator: "regex", Value: `^X-\d+$`}, true},
		{"nested path", models.Condition{FieldPath: "parsed_data.device.zone", Operator: "equals", Value: "north"}, true},
		{"envelope field", models.Condition{FieldPath: "source_protocol", Operator: "equals", Value: "UDP"}, true},
		{"exists", models.Condition{FieldPath: "status", Operator: "exists"}, true},
		{"exists missing", models.Condition{FieldPath: "humidity", Operator: "exists"}, false},
		{"not exists", models.Condition{FieldPath: "humidity", Operator: "not_exists"}, true},
		{"in list", models.Condition{FieldPath: "status", Operator: "in", Value: []interface{}{"idle", "running"}}, true},
		{"in comma string", models.Condition{FieldPath: "status", Operator: "in", Value: "idle, stopped"}, false},
		{"not in", models.Condition{FieldPath: "status", Operator: "not_in", Value: []interface{}{"idle"}}, true},
		{"missing field compare", models.Condition{FieldPath: "humidity", Operator: ">", Value: 1}, false},
		{"unknown operator", models.Condition{FieldPath: "status", Operator: "~~", Value: "x"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rule("r", 50, "t")
			r.SourceConfig.Conditions = []models.Condition{tt.cond}
			engine := NewEngine(nil, nil)
			engine.LoadRules([]models.RoutingRule{r})
			assert.Equal(t, tt.match, len(engine.Match(message(models.ProtocolUDP, "ds"), fields)) == 1)
		})
	}
}

func TestEngine_LogicalOperators(t *testing.T) {
	conds := []models.Condition{
		{FieldPath: "a", Operator: "equals", Value: 1},
		{FieldPath: "b", Operator: "equals", Value: 2},
	}
	fields := map[string]interface{}{"a": 1, "b": 3}

	and := rule("and", 50, "t")
	and.SourceConfig.Conditions = conds
	or := rule("or", 40, "t")
	or.SourceConfig.Conditions = conds
	or.SourceConfig.LogicalOperator = "or"

	engine := NewEngine(nil, nil)
	engine.LoadRules([]models.RoutingRule{and, or})
	assert.Equal(t, []string{"or"}, ruleIDs(engine.Match(message(models.ProtocolUDP, "ds"), fields)))
}

func TestEngine_MatchCountersAndEvents(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()

	decided := make(chan *RoutingResult, 1)
	_, err := bus.Subscribe(eventbus.TopicRoutingDecided, func(_ string, payload interface{}) {
		decided <- payload.(*RoutingResult)
	})
	require.NoError(t, err)

	recorder := newRecordingRecorder()
	engine := NewEngine(bus, recorder)
	engine.LoadRules([]models.RoutingRule{rule("r1", 50, "t1", "t1")})

	result := engine.Route(message(models.ProtocolUDP, "ds"), nil)
	assert.Equal(t, []string{"t1"}, result.TargetSystemIDs, "duplicate targets are collapsed")

	select {
	case got := <-decided:
		assert.Equal(t, result.MessageID, got.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("ROUTING_DECIDED not published")
	}
	select {
	case id := <-recorder.done:
		assert.Equal(t, "r1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("match not recorded")
	}
	assert.Equal(t, int64(1), engine.MatchCount("r1"))

	// 重新加载保留进程内计数
	r := rule("r1", 70, "t2")
	require.NoError(t, engine.AddRule(&r))
	assert.Equal(t, int64(1), engine.MatchCount("r1"))
	assert.True(t, engine.RemoveRule("r1"))
	assert.False(t, engine.RemoveRule("r1"))
}
