/*
 * @module service/monitoring/health_checker
 * @description 健康检查器：数据库、Redis、网关运行状态与各数据源状态，计算健康评分
 * @architecture 分层架构 - 业务服务层
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow 组件检测 -> 依赖检测 -> 数据源状态 -> 评分汇总
 * @rules 评分 >=80 healthy，>=60 warning，其余 critical；Redis 未配置时不计入依赖
 * @dependencies gorm.io/gorm, github.com/go-redis/redis/v8
 * @refs service/gateway
 */

package monitoring

import (
	"context"
	"sync"
	"time"

	"gateway-service/service/gateway"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// 健康状态
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// GatewayStatusSource 网关状态来源
type GatewayStatusSource interface {
	Status() gateway.Status
}

// HealthChecker 健康检查器
type HealthChecker struct {
	db      *gorm.DB
	redis   *redis.Client
	gateway GatewayStatusSource
	timeout time.Duration

	mutex sync.RWMutex
	last  *HealthStatus
}

// HealthStatus 整体健康状态
type HealthStatus struct {
	Overall      string                       `json:"overall"`
	Score        int                          `json:"score"`
	Timestamp    time.Time                    `json:"timestamp"`
	Components   map[string]*ComponentHealth  `json:"components"`
	Dependencies map[string]*DependencyHealth `json:"dependencies"`
	DataSources  map[string]*DataSourceHealth `json:"data_sources"`
	Summary      HealthSummary                `json:"summary"`
}

// ComponentHealth 组件健康状态
type ComponentHealth struct {
	Name         string                 `json:"name"`
	Status       string                 `json:"status"`
	Score        int                    `json:"score"`
	LastChecked  time.Time              `json:"last_checked"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metrics      map[string]interface{} `json:"metrics"`
}

// DependencyHealth 依赖服务健康状态
type DependencyHealth struct {
	Name         string        `json:"name"`
	Type         string        `json:"type"`
	Status       string        `json:"status"`
	Available    bool          `json:"available"`
	ResponseTime time.Duration `json:"response_time"`
	LastChecked  time.Time     `json:"last_checked"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// DataSourceHealth 数据源健康状态
type DataSourceHealth struct {
	DataSourceID  string     `json:"data_source_id"`
	Name          string     `json:"name"`
	Protocol      string     `json:"protocol"`
	Status        string     `json:"status"`
	Available     bool       `json:"available"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	HealthScore   int        `json:"health_score"`
}

// HealthSummary 健康摘要
type HealthSummary struct {
	TotalComponents       int `json:"total_components"`
	HealthyComponents     int `json:"healthy_components"`
	WarningComponents     int `json:"warning_components"`
	CriticalComponents    int `json:"critical_components"`
	TotalDataSources      int `json:"total_data_sources"`
	HealthyDataSources    int `json:"healthy_data_sources"`
	OfflineDataSources    int `json:"offline_data_sources"`
	TotalDependencies     int `json:"total_dependencies"`
	AvailableDependencies int `json:"available_dependencies"`
}

// NewHealthChecker 创建健康检查器，redis 与 gw 可为 nil
func NewHealthChecker(db *gorm.DB, redisClient *redis.Client, gw GatewayStatusSource) *HealthChecker {
	return &HealthChecker{
		db:      db,
		redis:   redisClient,
		gateway: gw,
		timeout: 5 * time.Second,
	}
}

// CheckOverallHealth 检查整体健康状态
func (h *HealthChecker) CheckOverallHealth(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Timestamp:    time.Now(),
		Components:   make(map[string]*ComponentHealth),
		Dependencies: make(map[string]*DependencyHealth),
		DataSources:  make(map[string]*DataSourceHealth),
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	status.Dependencies["database"] = h.checkDatabase(ctx)
	if h.redis != nil {
		status.Dependencies["redis"] = h.checkRedis(ctx)
	}
	if h.gateway != nil {
		gw := h.gateway.Status()
		status.Components["gateway"] = checkGateway(gw)
		status.Components["pipeline"] = checkPipeline(gw)
		for id, st := range gw.DataSources {
			status.DataSources[id] = dataSourceHealth(st, gw)
		}
	}

	calculateOverallHealth(status)
	generateHealthSummary(status)

	h.mutex.Lock()
	h.last = status
	h.mutex.Unlock()
	return status
}

// Last 最近一次检查结果
func (h *HealthChecker) Last() *HealthStatus {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.last
}

func (h *HealthChecker) checkDatabase(ctx context.Context) *DependencyHealth {
	start := time.Now()
	dep := &DependencyHealth{Name: "PostgreSQL", Type: "database", LastChecked: start}

	var err error
	if h.db == nil {
		err = gorm.ErrInvalidDB
	} else if sqlDB, dbErr := h.db.DB(); dbErr != nil {
		err = dbErr
	} else {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		dep.Status = StatusCritical
		dep.ErrorMessage = err.Error()
		return dep
	}
	dep.Status = StatusHealthy
	dep.Available = true
	dep.ResponseTime = time.Since(start)
	return dep
}

func (h *HealthChecker) checkRedis(ctx context.Context) *DependencyHealth {
	start := time.Now()
	dep := &DependencyHealth{Name: "Redis", Type: "cache", LastChecked: start}
	if err := h.redis.Ping(ctx).Err(); err != nil {
		dep.Status = StatusCritical
		dep.ErrorMessage = err.Error()
		return dep
	}
	dep.Status = StatusHealthy
	dep.Available = true
	dep.ResponseTime = time.Since(start)
	return dep
}

func checkGateway(gw gateway.Status) *ComponentHealth {
	health := &ComponentHealth{
		Name:        "gateway",
		LastChecked: time.Now(),
		Metrics: map[string]interface{}{
			"adapters_running":  gw.AdaptersRunning,
			"adapters_total":    gw.AdaptersTotal,
			"forwarders_active": gw.ForwardersActive,
			"rules_loaded":      gw.RulesLoaded,
		},
	}
	switch {
	case !gw.Running:
		health.Score = 0
		health.ErrorMessage = "网关未启动"
	case gw.AdaptersTotal == 0:
		health.Score = 100
	default:
		health.Score = 100 * gw.AdaptersRunning / gw.AdaptersTotal
	}
	health.Status = getStatusFromScore(health.Score)
	return health
}

func checkPipeline(gw gateway.Status) *ComponentHealth {
	health := &ComponentHealth{
		Name:        "pipeline",
		LastChecked: time.Now(),
		Metrics: map[string]interface{}{
			"in_flight":           gw.Pipeline.InFlight,
			"messages_per_second": gw.MessagesPerSecond,
			"error_rate":          gw.ErrorRate,
		},
	}
	score := 100
	switch {
	case gw.ErrorRate > 0.5:
		score -= 50
	case gw.ErrorRate > 0.2:
		score -= 30
	case gw.ErrorRate > 0.05:
		score -= 10
	}
	if !gw.Pipeline.Running {
		score = 0
		health.ErrorMessage = "管道未运行"
	}
	health.Score = score
	health.Status = getStatusFromScore(score)
	return health
}

func dataSourceHealth(st gateway.EntityStatus, gw gateway.Status) *DataSourceHealth {
	health := &DataSourceHealth{
		DataSourceID: st.ID,
		Name:         st.Name,
		Protocol:     st.Protocol,
		ErrorMessage: st.Error,
	}
	for _, a := range gw.Adapters {
		if a.ID == st.ID {
			health.LastMessageAt = a.LastMessageAt
			break
		}
	}
	if st.State != gateway.StateRunning {
		health.Status = StatusCritical
		return health
	}
	health.Available = true
	health.HealthScore = calculateDataSourceScore(health)
	health.Status = getStatusFromScore(health.HealthScore)
	return health
}

// calculateDataSourceScore 长时间没有收到数据时降低评分
func calculateDataSourceScore(health *DataSourceHealth) int {
	if !health.Available {
		return 0
	}
	score := 100
	if health.LastMessageAt != nil {
		idle := time.Since(*health.LastMessageAt)
		if idle > 24*time.Hour {
			score -= 20
		} else if idle > 6*time.Hour {
			score -= 10
		}
	}
	return score
}

func getStatusFromScore(score int) string {
	if score >= 80 {
		return StatusHealthy
	} else if score >= 60 {
		return StatusWarning
	}
	return StatusCritical
}

func calculateOverallHealth(status *HealthStatus) {
	totalScore := 0
	count := 0
	for _, component := range status.Components {
		totalScore += component.Score
		count++
	}
	for _, ds := range status.DataSources {
		totalScore += ds.HealthScore
		count++
	}
	for _, dep := range status.Dependencies {
		if dep.Available {
			totalScore += 100
		}
		count++
	}
	if count > 0 {
		status.Score = totalScore / count
	}
	status.Overall = getStatusFromScore(status.Score)
}

func generateHealthSummary(status *HealthStatus) {
	summary := HealthSummary{TotalComponents: len(status.Components)}
	for _, component := range status.Components {
		switch component.Status {
		case StatusHealthy:
			summary.HealthyComponents++
		case StatusWarning:
			summary.WarningComponents++
		case StatusCritical:
			summary.CriticalComponents++
		}
	}

	summary.TotalDataSources = len(status.DataSources)
	for _, ds := range status.DataSources {
		if ds.Status == StatusHealthy {
			summary.HealthyDataSources++
		} else {
			summary.OfflineDataSources++
		}
	}

	summary.TotalDependencies = len(status.Dependencies)
	for _, dep := range status.Dependencies {
		if dep.Available {
			summary.AvailableDependencies++
		}
	}
	status.Summary = summary
}
