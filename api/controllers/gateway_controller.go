/*
 * @module api/controllers/gateway_controller
 * @description 网关运行控制与运行时指标查询
 * @architecture MVC架构 - 控制器层
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow stopped -> start -> running -> stop -> stopped
 * @rules 重复启动/停止是幂等的；指标为滑动窗口统计，不落库
 * @dependencies github.com/go-chi/render
 * @refs service/gateway/manager.go, service/monitoring/monitor_service.go
 */

package controllers

import (
	"net/http"

	"gateway-service/service/gateway"
	"gateway-service/service/monitoring"

	"github.com/go-chi/render"
)

// GatewayController 网关控制器
type GatewayController struct {
	gateway *gateway.Manager
	monitor *monitoring.MonitorService
}

// NewGatewayController 创建网关控制器实例
func NewGatewayController(gw *gateway.Manager, monitor *monitoring.MonitorService) *GatewayController {
	return &GatewayController{gateway: gw, monitor: monitor}
}

// MetricsResponse 运行时指标
type MetricsResponse struct {
	Runtime monitoring.RuntimeMetrics `json:"runtime"`
	System  *monitoring.SystemMetrics `json:"system"`
}

// Status 网关状态
// @Summary 网关状态
// @Description 适配器、转发器、规则、流水线与事件总线的聚合快照
// @Tags 网关
// @Produce json
// @Success 200 {object} APIResponse{data=gateway.Status}
// @Router /gateway/status [get]
func (c *GatewayController) Status(w http.ResponseWriter, r *http.Request) {
	render.Render(w, r, SuccessResponse("查询成功", c.gateway.Status()))
}

// Start 启动网关
// @Summary 启动网关
// @Tags 网关
// @Produce json
// @Success 200 {object} APIResponse{data=gateway.Status}
// @Router /gateway/start [post]
func (c *GatewayController) Start(w http.ResponseWriter, r *http.Request) {
	if err := c.gateway.Start(r.Context()); err != nil {
		render.Render(w, r, FromError("启动网关失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("网关已启动", c.gateway.Status()))
}

// Stop 停止网关
// @Summary 停止网关
// @Tags 网关
// @Produce json
// @Success 200 {object} APIResponse{data=gateway.Status}
// @Router /gateway/stop [post]
func (c *GatewayController) Stop(w http.ResponseWriter, r *http.Request) {
	if err := c.gateway.Stop(r.Context()); err != nil {
		render.Render(w, r, FromError("停止网关失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("网关已停止", c.gateway.Status()))
}

// Metrics 运行时指标
// @Summary 运行时指标
// @Tags 网关
// @Produce json
// @Success 200 {object} APIResponse{data=MetricsResponse}
// @Router /gateway/metrics [get]
func (c *GatewayController) Metrics(w http.ResponseWriter, r *http.Request) {
	render.Render(w, r, SuccessResponse("查询成功", MetricsResponse{
		Runtime: c.monitor.Snapshot(),
		System:  c.monitor.GetSystemMetrics(),
	}))
}
