/*
 * @module api/controllers/health_controller
 * @description 健康检查控制器，提供存活、就绪与详细健康检查
 * @architecture MVC架构 - 控制器层
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow HTTP请求处理流程
 * @rules /health 只表示进程存活；/ready 要求网关运行且数据库可用
 * @dependencies net/http, github.com/go-chi/render
 * @refs service/monitoring/health_checker.go
 */

package controllers

import (
	"net/http"
	"time"

	"gateway-service/service/monitoring"

	"github.com/go-chi/render"
)

// Version 服务版本
const Version = "1.0.0"

// GatewayRunning 网关运行状态来源
type GatewayRunning interface {
	IsRunning() bool
}

// HealthController 健康检查控制器
type HealthController struct {
	checker *monitoring.HealthChecker
	gateway GatewayRunning
}

// NewHealthController 创建健康检查控制器实例
func NewHealthController(checker *monitoring.HealthChecker, gw GatewayRunning) *HealthController {
	return &HealthController{checker: checker, gateway: gw}
}

// HealthResponse 健康检查响应结构
type HealthResponse struct {
	Status    string    `json:"status" example:"ok"`
	Timestamp time.Time `json:"timestamp" example:"2024-01-01T00:00:00Z"`
	Version   string    `json:"version" example:"1.0.0"`
	Service   string    `json:"service" example:"gateway-service"`
}

func newHealthResponse(status string) HealthResponse {
	return HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Version:   Version,
		Service:   "gateway-service",
	}
}

// Health 健康检查
// @Summary 健康检查
// @Description 检查服务健康状态
// @Tags 系统
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (c *HealthController) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, newHealthResponse("ok"))
}

// Ready 就绪检查
// @Summary 就绪检查
// @Description 网关未运行或数据库不可用时返回 503
// @Tags 系统
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /ready [get]
func (c *HealthController) Ready(w http.ResponseWriter, r *http.Request) {
	ready := c.gateway == nil || c.gateway.IsRunning()
	if ready && c.checker != nil {
		status := c.checker.CheckOverallHealth(r.Context())
		if db, ok := status.Dependencies["database"]; ok && !db.Available {
			ready = false
		}
	}
	if !ready {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, newHealthResponse("not_ready"))
		return
	}
	render.JSON(w, r, newHealthResponse("ready"))
}

// Detailed 详细健康检查
// @Summary 详细健康检查
// @Description 组件、依赖与数据源的健康评分
// @Tags 系统
// @Produce json
// @Success 200 {object} APIResponse{data=monitoring.HealthStatus}
// @Router /health/detailed [get]
func (c *HealthController) Detailed(w http.ResponseWriter, r *http.Request) {
	if c.checker == nil {
		render.Render(w, r, ErrorResponse(http.StatusServiceUnavailable, "健康检查未启用", nil))
		return
	}
	render.Render(w, r, SuccessResponse("查询成功", c.checker.CheckOverallHealth(r.Context())))
}
