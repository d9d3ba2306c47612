/*
 * @module api/controllers/controllers_test
 * @description 管理接口控制器测试：基于内存SQLite与真实网关管理器验证CRUD、脱敏、发布与运行控制
 * @architecture 测试层
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow 测试准备 -> 请求构建 -> 响应验证
 * @rules 每个用例使用独立数据库；不依赖外部服务
 * @dependencies testing, net/http/httptest, stretchr/testify, go-chi/chi
 */

package controllers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gateway-service/service/adapters"
	"gateway-service/service/config"
	"gateway-service/service/crypto"
	"gateway-service/service/event"
	"gateway-service/service/eventbus"
	"gateway-service/service/forwarders"
	"gateway-service/service/gateway"
	"gateway-service/service/models"
	"gateway-service/service/monitoring"
	"gateway-service/service/pipeline"
	"gateway-service/service/repository"
	"gateway-service/service/routing"
	"gateway-service/testutil"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ControllerTestSuite 控制器测试套件
type ControllerTestSuite struct {
	suite.Suite
	testDB  *testutil.TestDB
	factory *testutil.TestDataFactory
	http    *testutil.HTTPTestHelper
	store   *repository.Store
	bus     *eventbus.EventBus
	router  *routing.Engine
	gateway *gateway.Manager
	events  *event.EventService
	crypto  *crypto.Service
	mux     *chi.Mux
}

func (s *ControllerTestSuite) SetupTest() {
	s.testDB = testutil.NewTestDB()
	s.factory = testutil.NewTestDataFactory(s.testDB.DB)
	s.http = testutil.NewHTTPTestHelper()
	s.store = repository.NewStore(s.testDB.DB)
	s.bus = eventbus.New()

	cfg := config.NewGatewayConfigService(s.store, nil, 0, s.bus)
	fwd := forwarders.NewManager(forwarders.NewFactory(), forwarders.Dependencies{}, s.bus)
	s.router = routing.NewEngine(s.bus, s.store)
	pipe := pipeline.New(s.bus, pipeline.Options{
		Workers:   2,
		Config:    cfg,
		Router:    s.router,
		Forwarder: fwd,
		Recorder:  s.store,
	})
	s.gateway = gateway.NewManager(gateway.Deps{
		Bus:            s.bus,
		Config:         cfg,
		Rules:          s.store.Rules,
		Adapters:       adapters.NewFactory(adapters.Options{}),
		Forwarders:     fwd,
		Router:         s.router,
		Pipeline:       pipe,
		DrainTimeout:   time.Second,
		StatusInterval: time.Hour,
	})
	s.events = event.NewEventService(s.bus)

	cs, err := crypto.NewService("controller-test-master-key", cfg)
	s.Require().NoError(err)
	s.crypto = cs

	s.mux = chi.NewRouter()
	mountForTest(s.mux, testControllers{
		health:        NewHealthController(monitoring.NewHealthChecker(s.testDB.DB, nil, s.gateway), s.gateway),
		gateway:       NewGatewayController(s.gateway, monitoring.NewMonitorService(monitoring.DefaultWindow)),
		dataSources:   NewDataSourceController(s.store.DataSources, cfg, s.gateway),
		targetSystems: NewTargetSystemController(s.store.Targets, cfg, s.gateway),
		rules:         NewRoutingRuleController(s.store.Rules, cfg, s.gateway),
		schemas:       NewFrameSchemaController(s.store.Schemas, cfg, s.gateway),
		keys:          NewEncryptionKeyController(s.store.Keys, cfg, cs),
		logs:          NewLogController(s.store.Logs, nil),
		events:        NewEventController(s.events),
	})
}

func (s *ControllerTestSuite) TearDownTest() {
	_ = s.gateway.Stop(context.Background())
	s.testDB.Close()
}

type testControllers struct {
	health        *HealthController
	gateway       *GatewayController
	dataSources   *DataSourceController
	targetSystems *TargetSystemController
	rules         *RoutingRuleController
	schemas       *FrameSchemaController
	keys          *EncryptionKeyController
	logs          *LogController
	events        *EventController
}

// mountForTest 与 api.Mount 保持一致的路由表；api 包会触发服务初始化，测试中不能引用
func mountForTest(r chi.Router, c testControllers) {
	r.Get("/health", c.health.Health)
	r.Get("/ready", c.health.Ready)
	r.Get("/health/detailed", c.health.Detailed)

	r.Get("/gateway/status", c.gateway.Status)
	r.Get("/gateway/metrics", c.gateway.Metrics)
	r.Post("/gateway/start", c.gateway.Start)
	r.Post("/gateway/stop", c.gateway.Stop)

	r.Get("/data-sources", c.dataSources.List)
	r.Post("/data-sources", c.dataSources.Create)
	r.Get("/data-sources/{id}", c.dataSources.Get)
	r.Put("/data-sources/{id}", c.dataSources.Update)
	r.Delete("/data-sources/{id}", c.dataSources.Delete)

	r.Post("/target-systems", c.targetSystems.Create)
	r.Get("/target-systems/{id}", c.targetSystems.Get)
	r.Delete("/target-systems/{id}", c.targetSystems.Delete)

	r.Post("/routing-rules", c.rules.Create)
	r.Get("/routing-rules/{id}", c.rules.Get)
	r.Post("/routing-rules/{id}/publish", c.rules.Publish)
	r.Post("/routing-rules/{id}/unpublish", c.rules.Unpublish)

	r.Get("/frame-schemas", c.schemas.List)
	r.Post("/frame-schemas", c.schemas.Create)
	r.Put("/frame-schemas/{id}", c.schemas.Update)
	r.Post("/frame-schemas/{id}/publish", c.schemas.Publish)

	r.Get("/encryption-keys", c.keys.List)
	r.Post("/encryption-keys", c.keys.Create)
	r.Delete("/encryption-keys/{id}", c.keys.Delete)
	r.Post("/encryption-keys/{id}/activate", c.keys.Activate)
	r.Post("/encryption-keys/{id}/deactivate", c.keys.Deactivate)
	r.Post("/encryption-keys/rotate/{name}", c.keys.Rotate)

	r.Get("/logs/messages", c.logs.ListMessages)
	r.Get("/logs/messages/{message_id}", c.logs.GetMessage)
	r.Post("/logs/cleanup", c.logs.Cleanup)

	r.Get("/events/connections", c.events.Connections)
}

func (s *ControllerTestSuite) do(method, url string, body interface{}) *httptest.ResponseRecorder {
	req, err := s.http.CreateJSONRequest(method, url, body)
	s.Require().NoError(err)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	return w
}

// data 解析统一响应中的 data 对象
func (s *ControllerTestSuite) data(w *httptest.ResponseRecorder, status int) map[string]interface{} {
	body := s.http.DecodeAPIResponse(s.T(), w, status)
	data, ok := body["data"].(map[string]interface{})
	s.Require().True(ok, "data 应为对象: %s", w.Body.String())
	return data
}

func (s *ControllerTestSuite) TestDataSourceCRUDMasksSecrets() {
	w := s.do(http.MethodPost, "/data-sources", map[string]interface{}{
		"name":          "温度传感器",
		"protocol_type": "udp",
		"connection_config": map[string]interface{}{
			"listen_port": 9000,
			"password":    "supersecret123",
		},
		"is_active": true,
	})
	created := s.data(w, http.StatusCreated)
	id, _ := created["id"].(string)
	s.Require().NotEmpty(id)
	s.Equal("UDP", created["protocol_type"])
	conn := created["connection_config"].(map[string]interface{})
	s.NotEqual("supersecret123", conn["password"])
	s.Contains(conn["password"], "*")

	stored, err := s.store.DataSources.Get(context.Background(), id)
	s.Require().NoError(err)
	s.Equal("supersecret123", stored.ConnectionConfig["password"], "数据库中保存原值")

	detail := s.data(s.do(http.MethodGet, "/data-sources/"+id, nil), http.StatusOK)
	s.Contains(detail["connection_config"].(map[string]interface{})["password"], "*")

	body := s.http.DecodeAPIResponse(s.T(), s.do(http.MethodGet, "/data-sources?protocol=UDP", nil), http.StatusOK)
	s.EqualValues(1, body["total"])

	w = s.do(http.MethodDelete, "/data-sources/"+id, nil)
	s.http.DecodeAPIResponse(s.T(), w, http.StatusOK)
	s.http.DecodeAPIResponse(s.T(), s.do(http.MethodGet, "/data-sources/"+id, nil), http.StatusNotFound)
}

func (s *ControllerTestSuite) TestDataSourceCreateRejectsInvalid() {
	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{name: "名称为空", body: map[string]interface{}{"protocol_type": "UDP"}},
		{name: "不支持的协议", body: map[string]interface{}{"name": "ftp", "protocol_type": "FTP"}},
		{name: "出站协议", body: map[string]interface{}{"name": "kafka", "protocol_type": "KAFKA"}},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.http.DecodeAPIResponse(s.T(), s.do(http.MethodPost, "/data-sources", tt.body), http.StatusBadRequest)
		})
	}
}

func (s *ControllerTestSuite) TestDeleteReferencedEntitiesConflict() {
	ds := s.factory.CreateDataSource()
	ts := s.factory.CreateTargetSystem()
	s.factory.CreateRoutingRule([]string{ts.ID}, func(r *models.RoutingRule) {
		r.SourceConfig.SourceIDs = []string{ds.ID}
	})

	s.http.DecodeAPIResponse(s.T(), s.do(http.MethodDelete, "/data-sources/"+ds.ID, nil), http.StatusConflict)
	s.http.DecodeAPIResponse(s.T(), s.do(http.MethodDelete, "/target-systems/"+ts.ID, nil), http.StatusConflict)
}

func (s *ControllerTestSuite) TestTargetSystemMasksAuth() {
	w := s.do(http.MethodPost, "/target-systems", map[string]interface{}{
		"name":            "订单系统",
		"protocol_type":   "http",
		"endpoint_config": map[string]interface{}{"url": "http://127.0.0.1:1/in"},
		"auth_config":     map[string]interface{}{"type": "bearer", "token": "abcdefghijklmnop"},
	})
	created := s.data(w, http.StatusCreated)
	auth := created["auth_config"].(map[string]interface{})
	s.Equal("bearer", auth["type"])
	s.Equal("ab************op", auth["token"])
}

func (s *ControllerTestSuite) TestRoutingRulePublishLifecycle() {
	ts := s.factory.CreateTargetSystem()

	w := s.do(http.MethodPost, "/routing-rules", map[string]interface{}{
		"name":           "高温告警",
		"is_active":      true,
		"is_published":   true,
		"target_systems": []map[string]interface{}{{"id": ts.ID}},
		"source_config": map[string]interface{}{
			"protocols":  []string{"UDP"},
			"conditions": []map[string]interface{}{{"field_path": "temperature", "operator": "gt", "value": 30}},
		},
	})
	created := s.data(w, http.StatusCreated)
	id := created["id"].(string)
	s.Equal(false, created["is_published"], "新建规则不直接发布")
	s.EqualValues(models.DefaultRulePriority, created["priority"])
	s.Empty(s.router.Rules())

	published := s.data(s.do(http.MethodPost, "/routing-rules/"+id+"/publish", nil), http.StatusOK)
	s.Equal(true, published["is_published"])
	s.Require().Len(s.router.Rules(), 1)
	s.Equal(id, s.router.Rules()[0].ID)

	unpublished := s.data(s.do(http.MethodPost, "/routing-rules/"+id+"/unpublish", nil), http.StatusOK)
	s.Equal(false, unpublished["is_published"])
	s.Empty(s.router.Rules())

	s.http.DecodeAPIResponse(s.T(), s.do(http.MethodPost, "/routing-rules/missing/publish", nil), http.StatusNotFound)
}

func (s *ControllerTestSuite) TestRoutingRuleRejectsInvalidPriority() {
	w := s.do(http.MethodPost, "/routing-rules", map[string]interface{}{"name": "r", "priority": 500})
	s.http.DecodeAPIResponse(s.T(), w, http.StatusBadRequest)
}

func (s *ControllerTestSuite) TestFrameSchemaValidationAndPublish() {
	invalid := map[string]interface{}{
		"name":          "sensor",
		"version":       "v1",
		"protocol_type": "UDP",
		"frame_type":    "FIXED",
		"fields":        []map[string]interface{}{{"name": "temp", "data_type": "UINT16", "offset": 0, "length": 2}},
	}
	s.http.DecodeAPIResponse(s.T(), s.do(http.MethodPost, "/frame-schemas", invalid), http.StatusBadRequest)

	valid := map[string]interface{}{}
	for k, v := range invalid {
		valid[k] = v
	}
	valid["total_length"] = 4
	created := s.data(s.do(http.MethodPost, "/frame-schemas", valid), http.StatusCreated)
	id := created["id"].(string)

	body := s.http.DecodeAPIResponse(s.T(), s.do(http.MethodGet, "/frame-schemas?published=true", nil), http.StatusOK)
	s.Empty(body["data"])

	valid["description"] = "草稿修改"
	valid["is_published"] = true
	updated := s.data(s.do(http.MethodPut, "/frame-schemas/"+id, valid), http.StatusOK)
	s.Equal("草稿修改", updated["description"])
	s.Equal(false, updated["is_published"], "修改不能绕过发布")

	published := s.data(s.do(http.MethodPost, "/frame-schemas/"+id+"/publish", nil), http.StatusOK)
	s.Equal(true, published["is_published"])

	valid["total_length"] = 8
	valid["is_published"] = false
	s.http.DecodeAPIResponse(s.T(), s.do(http.MethodPut, "/frame-schemas/"+id, valid), http.StatusConflict)
	stored, err := s.store.Schemas.Get(context.Background(), id)
	s.Require().NoError(err)
	s.True(stored.IsPublished)
	s.Require().NotNil(stored.TotalLength)
	s.Equal(4, *stored.TotalLength)

	body = s.http.DecodeAPIResponse(s.T(), s.do(http.MethodGet, "/frame-schemas?published=true", nil), http.StatusOK)
	s.Len(body["data"], 1)
}

func (s *ControllerTestSuite) TestEncryptionKeyLifecycle() {
	material := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	w := s.do(http.MethodPost, "/encryption-keys", map[string]interface{}{
		"name":         "orders",
		"version":      "v1",
		"key_material": material,
		"activate":     true,
	})
	s.NotContains(w.Body.String(), "key_material")
	first := s.data(w, http.StatusCreated)
	firstID := first["id"].(string)
	s.Equal(true, first["is_active"])

	rotated := s.data(s.do(http.MethodPost, "/encryption-keys/rotate/orders", nil), http.StatusCreated)
	s.Equal(true, rotated["is_active"])
	s.True(strings.HasPrefix(rotated["version"].(string), "v"))

	old, err := s.store.Keys.Get(context.Background(), firstID)
	s.Require().NoError(err)
	s.False(old.IsActive, "轮换后旧版本停用")
	s.NotNil(old.RotatedAt)

	activated := s.data(s.do(http.MethodPost, "/encryption-keys/"+firstID+"/activate", nil), http.StatusOK)
	s.Equal(true, activated["is_active"])
	newer, err := s.store.Keys.Get(context.Background(), rotated["id"].(string))
	s.Require().NoError(err)
	s.False(newer.IsActive, "同名只保留一个启用版本")

	deactivated := s.data(s.do(http.MethodPost, "/encryption-keys/"+firstID+"/deactivate", nil), http.StatusOK)
	s.Equal(false, deactivated["is_active"])

	s.http.DecodeAPIResponse(s.T(), s.do(http.MethodDelete, "/encryption-keys/"+firstID, nil), http.StatusOK)
	s.http.DecodeAPIResponse(s.T(), s.do(http.MethodDelete, "/encryption-keys/"+firstID, nil), http.StatusNotFound)
}

func (s *ControllerTestSuite) TestDefaultKeyFollowsRotationAndRevocation() {
	ctx := context.Background()
	material := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	created := s.data(s.do(http.MethodPost, "/encryption-keys", map[string]interface{}{
		"name":         "k",
		"version":      "v1",
		"key_material": material,
		"default":      true,
	}), http.StatusCreated)
	s.Equal(true, created["is_active"], "默认密钥同时启用")

	before, err := s.crypto.EncryptMessage(ctx, []byte("before"), "")
	s.Require().NoError(err)
	s.Equal("k", before.KeyName)
	s.Equal("v1", before.KeyVersion)

	// 轮换时未再次指定 default，默认密钥仍随之切换到新版本
	s.data(s.do(http.MethodPost, "/encryption-keys/rotate/k", map[string]interface{}{"version": "v2"}), http.StatusCreated)
	after, err := s.crypto.EncryptMessage(ctx, []byte("after"), "")
	s.Require().NoError(err)
	s.Equal("v2", after.KeyVersion)

	plain, err := s.crypto.DecryptMessage(ctx, before)
	s.Require().NoError(err, "轮换前的信封按记录的版本解密")
	s.Equal("before", string(plain))

	active, err := s.store.Keys.GetActive(ctx, "k")
	s.Require().NoError(err)
	s.Equal("v2", active.Version)
	s.data(s.do(http.MethodPost, "/encryption-keys/"+active.ID+"/deactivate", nil), http.StatusOK)

	_, err = s.crypto.EncryptMessage(ctx, []byte("x"), "")
	s.ErrorIs(err, crypto.ErrKeyNotFound, "停用后不再用于加密")
	_, err = s.crypto.EncryptMessage(ctx, []byte("x"), "k")
	s.ErrorIs(err, crypto.ErrKeyNotFound)

	plain, err = s.crypto.DecryptMessage(ctx, after)
	s.Require().NoError(err)
	s.Equal("after", string(plain))

	s.http.DecodeAPIResponse(s.T(), s.do(http.MethodDelete, "/encryption-keys/"+active.ID, nil), http.StatusOK)
	_, err = s.crypto.DecryptMessage(ctx, after)
	s.ErrorIs(err, crypto.ErrKeyNotFound, "删除后的版本无法再解密")
}

func (s *ControllerTestSuite) TestEncryptionKeyRejectsShortMaterial() {
	w := s.do(http.MethodPost, "/encryption-keys", map[string]interface{}{
		"name":         "short",
		"key_material": base64.StdEncoding.EncodeToString([]byte("tiny")),
	})
	s.http.DecodeAPIResponse(s.T(), w, http.StatusBadRequest)

	w = s.do(http.MethodPost, "/encryption-keys", map[string]interface{}{"name": " "})
	s.http.DecodeAPIResponse(s.T(), w, http.StatusBadRequest)
}

func (s *ControllerTestSuite) TestLogQueries() {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(s.T(), s.store.SaveMessageLog(ctx, &models.MessageLog{
		MessageID: "m-1", Timestamp: now, SourceID: "ds-1", ProcessingStatus: models.LogStatusSuccess,
	}))
	require.NoError(s.T(), s.store.SaveMessageLog(ctx, &models.MessageLog{
		MessageID: "m-2", Timestamp: now, SourceID: "ds-2", ProcessingStatus: models.LogStatusFailed,
		FailureReason: models.FailureReasonUnrouted,
	}))

	body := s.http.DecodeAPIResponse(s.T(), s.do(http.MethodGet, "/logs/messages?status=failed", nil), http.StatusOK)
	s.EqualValues(1, body["total"])
	list := body["data"].([]interface{})
	s.Require().Len(list, 1)
	s.Equal("m-2", list[0].(map[string]interface{})["message_id"])

	s.http.DecodeAPIResponse(s.T(), s.do(http.MethodGet, "/logs/messages?since=not-a-time", nil), http.StatusBadRequest)

	detail := s.data(s.do(http.MethodGet, "/logs/messages/m-1", nil), http.StatusOK)
	s.Equal("m-1", detail["message"].(map[string]interface{})["message_id"])

	s.http.DecodeAPIResponse(s.T(), s.do(http.MethodGet, "/logs/messages/unknown", nil), http.StatusNotFound)
	s.http.DecodeAPIResponse(s.T(), s.do(http.MethodPost, "/logs/cleanup", nil), http.StatusServiceUnavailable)
}

func (s *ControllerTestSuite) TestGatewayStartStopAndReadiness() {
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	s.Equal(http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	s.Equal(http.StatusServiceUnavailable, w.Code)

	status := s.data(s.do(http.MethodGet, "/gateway/status", nil), http.StatusOK)
	s.Equal(false, status["running"])

	status = s.data(s.do(http.MethodPost, "/gateway/start", nil), http.StatusOK)
	s.Equal(true, status["running"])

	w = httptest.NewRecorder()
	s.mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	s.Equal(http.StatusOK, w.Code)
	var ready HealthResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &ready))
	s.Equal("ready", ready.Status)

	metrics := s.data(s.do(http.MethodGet, "/gateway/metrics", nil), http.StatusOK)
	s.Contains(metrics, "runtime")

	status = s.data(s.do(http.MethodPost, "/gateway/stop", nil), http.StatusOK)
	s.Equal(false, status["running"])
}

func (s *ControllerTestSuite) TestEventConnections() {
	body := s.http.DecodeAPIResponse(s.T(), s.do(http.MethodGet, "/events/connections", nil), http.StatusOK)
	s.Empty(body["data"])

	client := s.events.AddSSEConnection("127.0.0.1", []string{"GATEWAY_STATUS"})
	defer s.events.RemoveSSEConnection(client.ID)

	body = s.http.DecodeAPIResponse(s.T(), s.do(http.MethodGet, "/events/connections", nil), http.StatusOK)
	s.Len(body["data"], 1)
}

func TestParseTopics(t *testing.T) {
	require.Equal(t, []string{"GATEWAY_STATUS", "MESSAGE_FAILED"}, parseTopics("gateway_status, message_failed,"))
	require.Empty(t, parseTopics(""))
}

func TestControllerTestSuite(t *testing.T) {
	suite.Run(t, new(ControllerTestSuite))
}
