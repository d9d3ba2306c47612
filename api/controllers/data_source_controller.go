/*
 * @module api/controllers/data_source_controller
 * @description 数据源管理接口：增删改查与运行时启停、重载
 * @architecture MVC架构 - 控制器层
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow 请求 -> 仓储写入 -> 配置失效广播 -> 网关重载单个数据源 -> 响应
 * @rules 返回的连接配置中口令类字段一律脱敏；被路由规则引用的数据源拒绝删除
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/render
 * @refs service/repository/source_repository.go, service/gateway/manager.go
 */

package controllers

import (
	"log/slog"
	"net/http"

	"gateway-service/service/config"
	"gateway-service/service/gateway"
	"gateway-service/service/models"
	"gateway-service/service/repository"
	"gateway-service/service/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// DataSourceController 数据源控制器
type DataSourceController struct {
	repo    *repository.DataSourceRepository
	config  *config.GatewayConfigService
	gateway *gateway.Manager
}

// NewDataSourceController 创建数据源控制器实例
func NewDataSourceController(repo *repository.DataSourceRepository, cfg *config.GatewayConfigService, gw *gateway.Manager) *DataSourceController {
	return &DataSourceController{repo: repo, config: cfg, gateway: gw}
}

// DataSourceDetail 数据源详情，附带运行状态
type DataSourceDetail struct {
	models.DataSource
	Runtime *gateway.EntityStatus `json:"runtime,omitempty"`
	Stats   interface{}           `json:"stats,omitempty"`
}

func maskDataSource(ds models.DataSource) models.DataSource {
	ds.ConnectionConfig = utils.MaskSensitiveFields(ds.ConnectionConfig)
	return ds
}

// apply 配置写入后广播失效并重载运行时
func (c *DataSourceController) apply(r *http.Request, id string) {
	c.config.Invalidate(r.Context(), config.EntityDataSource, id)
	if !c.gateway.IsRunning() {
		return
	}
	if err := c.gateway.ReloadDataSource(r.Context(), id); err != nil {
		slog.Warn("数据源重载失败", "data_source_id", id, "error", err)
	}
}

// List 数据源列表
// @Summary 数据源列表
// @Description 分页查询数据源，可按协议过滤
// @Tags 数据源
// @Produce json
// @Param protocol query string false "协议类型"
// @Param page query int false "页码"
// @Param size query int false "每页条数"
// @Success 200 {object} PaginatedResponse{data=[]models.DataSource}
// @Router /data-sources [get]
func (c *DataSourceController) List(w http.ResponseWriter, r *http.Request) {
	page, size := pageParams(r)
	list, total, err := c.repo.List(r.Context(), r.URL.Query().Get("protocol"), page, size)
	if err != nil {
		render.Render(w, r, FromError("查询数据源失败", err))
		return
	}
	for i := range list {
		list[i] = maskDataSource(list[i])
	}
	render.Render(w, r, &PaginatedResponse{Msg: "查询成功", Data: list, Total: total, Page: page, Size: size})
}

// Create 创建数据源
// @Summary 创建数据源
// @Tags 数据源
// @Accept json
// @Produce json
// @Param body body models.DataSource true "数据源"
// @Success 201 {object} APIResponse{data=models.DataSource}
// @Failure 400 {object} APIResponse
// @Router /data-sources [post]
func (c *DataSourceController) Create(w http.ResponseWriter, r *http.Request) {
	var req models.DataSource
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, BadRequestResponse("请求参数格式错误", err))
		return
	}
	req.ID = ""
	if err := c.repo.Create(r.Context(), &req); err != nil {
		render.Render(w, r, FromError("创建数据源失败", err))
		return
	}
	c.apply(r, req.ID)
	render.Render(w, r, CreatedResponse("创建成功", maskDataSource(req)))
}

// Get 数据源详情
// @Summary 数据源详情
// @Tags 数据源
// @Produce json
// @Param id path string true "数据源ID"
// @Success 200 {object} APIResponse{data=DataSourceDetail}
// @Failure 404 {object} APIResponse
// @Router /data-sources/{id} [get]
func (c *DataSourceController) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ds, err := c.repo.Get(r.Context(), id)
	if err != nil {
		render.Render(w, r, FromError("数据源不存在", err))
		return
	}
	detail := DataSourceDetail{DataSource: maskDataSource(*ds)}
	if st, ok := c.gateway.DataSourceStatus(id); ok {
		detail.Runtime = &st
	}
	if stats, ok := c.gateway.AdapterStats(id); ok {
		detail.Stats = stats
	}
	render.Render(w, r, SuccessResponse("查询成功", detail))
}

// Update 更新数据源
// @Summary 更新数据源
// @Description 保存后立即按新配置重载该数据源，其他数据源不受影响
// @Tags 数据源
// @Accept json
// @Produce json
// @Param id path string true "数据源ID"
// @Param body body models.DataSource true "数据源"
// @Success 200 {object} APIResponse{data=models.DataSource}
// @Router /data-sources/{id} [put]
func (c *DataSourceController) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req models.DataSource
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, BadRequestResponse("请求参数格式错误", err))
		return
	}
	req.ID = id
	if err := c.repo.Update(r.Context(), &req); err != nil {
		render.Render(w, r, FromError("更新数据源失败", err))
		return
	}
	c.apply(r, id)
	render.Render(w, r, SuccessResponse("更新成功", maskDataSource(req)))
}

// Delete 删除数据源
// @Summary 删除数据源
// @Tags 数据源
// @Produce json
// @Param id path string true "数据源ID"
// @Success 200 {object} APIResponse
// @Failure 409 {object} APIResponse
// @Router /data-sources/{id} [delete]
func (c *DataSourceController) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.repo.Delete(r.Context(), id); err != nil {
		render.Render(w, r, FromError("删除数据源失败", err))
		return
	}
	c.apply(r, id)
	render.Render(w, r, SuccessResponse("删除成功", nil))
}

// Start 启动数据源
// @Summary 启动数据源
// @Tags 数据源
// @Produce json
// @Param id path string true "数据源ID"
// @Success 200 {object} APIResponse{data=gateway.EntityStatus}
// @Router /data-sources/{id}/start [post]
func (c *DataSourceController) Start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.gateway.StartDataSource(r.Context(), id); err != nil {
		render.Render(w, r, FromError("启动数据源失败", err))
		return
	}
	st, _ := c.gateway.DataSourceStatus(id)
	render.Render(w, r, SuccessResponse("启动成功", st))
}

// Stop 停止数据源
// @Summary 停止数据源
// @Description 只停止运行时接入，不修改 is_active
// @Tags 数据源
// @Produce json
// @Param id path string true "数据源ID"
// @Success 200 {object} APIResponse
// @Router /data-sources/{id}/stop [post]
func (c *DataSourceController) Stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.gateway.StopDataSource(r.Context(), id); err != nil {
		render.Render(w, r, FromError("停止数据源失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("停止成功", nil))
}

// Reload 重载数据源
// @Summary 重载数据源
// @Tags 数据源
// @Produce json
// @Param id path string true "数据源ID"
// @Success 200 {object} APIResponse
// @Router /data-sources/{id}/reload [post]
func (c *DataSourceController) Reload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.gateway.ReloadDataSource(r.Context(), id); err != nil {
		render.Render(w, r, FromError("重载数据源失败", err))
		return
	}
	st, _ := c.gateway.DataSourceStatus(id)
	render.Render(w, r, SuccessResponse("重载成功", st))
}
