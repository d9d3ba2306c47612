/*
 * @module testutil/test_helper
 * @description 测试工具和辅助函数
 * @architecture 测试基础设施 - 提供测试通用工具和数据工厂
 * @documentReference .specify/memory/test_plan.md
 * @stateFlow 测试环境初始化 -> 测试数据创建 -> 测试执行 -> 清理资源
 * @rules 提供可重用的测试工具，确保测试环境的一致性
 * @dependencies gorm, sqlite, testify, time
 * @refs service/models, service/database
 */

package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"gateway-service/service/database"
	"gateway-service/service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestDB 测试数据库配置
type TestDB struct {
	DB *gorm.DB
}

// NewTestDB 创建测试数据库，迁移全部网关表
func NewTestDB() *TestDB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		panic(fmt.Sprintf("failed to connect test database: %v", err))
	}
	// :memory: 每个连接是独立的库
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := database.AutoMigrate(db); err != nil {
		panic(fmt.Sprintf("failed to migrate test database: %v", err))
	}

	return &TestDB{DB: db}
}

// CleanDB 清理数据库
func (tdb *TestDB) CleanDB() {
	tables := []string{
		"data_sources",
		"target_systems",
		"routing_rules",
		"frame_schemas",
		"message_logs",
		"forward_logs",
		"encryption_keys",
	}

	for _, table := range tables {
		tdb.DB.Exec(fmt.Sprintf("DELETE FROM %s", table))
	}
}

// Close 关闭数据库连接
func (tdb *TestDB) Close() {
	if db, err := tdb.DB.DB(); err == nil {
		db.Close()
	}
}

// TestDataFactory 测试数据工厂
type TestDataFactory struct {
	DB *gorm.DB
}

// NewTestDataFactory 创建测试数据工厂
func NewTestDataFactory(db *gorm.DB) *TestDataFactory {
	return &TestDataFactory{DB: db}
}

// DataSourceOption 数据源选项函数类型
type DataSourceOption func(*models.DataSource)

// CreateDataSource 创建测试数据源（默认 UDP，启用）
func (f *TestDataFactory) CreateDataSource(opts ...DataSourceOption) *models.DataSource {
	ds := &models.DataSource{
		Name:             "测试数据源",
		ProtocolType:     string(models.ProtocolUDP),
		ConnectionConfig: models.JSONB{"listen_address": "127.0.0.1", "listen_port": 0},
		IsActive:         true,
	}
	for _, opt := range opts {
		opt(ds)
	}
	if err := f.DB.Create(ds).Error; err != nil {
		panic(fmt.Sprintf("failed to create test data source: %v", err))
	}
	return ds
}

// TargetSystemOption 目标系统选项函数类型
type TargetSystemOption func(*models.TargetSystem)

// CreateTargetSystem 创建测试目标系统（默认 HTTP，启用）
func (f *TestDataFactory) CreateTargetSystem(opts ...TargetSystemOption) *models.TargetSystem {
	ts := &models.TargetSystem{
		Name:           "测试目标系统",
		ProtocolType:   string(models.ProtocolHTTP),
		EndpointConfig: models.JSONB{"url": "http://127.0.0.1:1/ingest"},
		IsActive:       true,
	}
	for _, opt := range opts {
		opt(ts)
	}
	if err := f.DB.Create(ts).Error; err != nil {
		panic(fmt.Sprintf("failed to create test target system: %v", err))
	}
	return ts
}

// RoutingRuleOption 路由规则选项函数类型
type RoutingRuleOption func(*models.RoutingRule)

// CreateRoutingRule 创建启用且已发布的测试规则，转发到给定目标
func (f *TestDataFactory) CreateRoutingRule(targetIDs []string, opts ...RoutingRuleOption) *models.RoutingRule {
	rule := &models.RoutingRule{
		Name:        "测试规则",
		Priority:    models.DefaultRulePriority,
		IsActive:    true,
		IsPublished: true,
	}
	for _, id := range targetIDs {
		rule.TargetSystems = append(rule.TargetSystems, models.TargetRef{ID: id})
	}
	for _, opt := range opts {
		opt(rule)
	}
	if err := f.DB.Create(rule).Error; err != nil {
		panic(fmt.Sprintf("failed to create test routing rule: %v", err))
	}
	return rule
}

// HTTPTestHelper HTTP测试辅助工具
type HTTPTestHelper struct{}

// NewHTTPTestHelper 创建HTTP测试辅助工具
func NewHTTPTestHelper() *HTTPTestHelper {
	return &HTTPTestHelper{}
}

// CreateJSONRequest 创建JSON请求
func (h *HTTPTestHelper) CreateJSONRequest(method, url string, body interface{}) (*http.Request, error) {
	var reqBody io.Reader

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// DecodeAPIResponse 解析统一响应体 {status,msg,data}
func (h *HTTPTestHelper) DecodeAPIResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int) map[string]interface{} {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, w.Body.String())
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}
