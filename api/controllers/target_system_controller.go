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

// TargetSystemController 目标系统控制器
type TargetSystemController struct {
	repo    *repository.TargetSystemRepository
	config  *config.GatewayConfigService
	gateway *gateway.Manager
}

// NewTargetSystemController 创建目标系统控制器实例
func NewTargetSystemController(repo *repository.TargetSystemRepository, cfg *config.GatewayConfigService, gw *gateway.Manager) *TargetSystemController {
	return &TargetSystemController{repo: repo, config: cfg, gateway: gw}
}

// TargetSystemDetail 目标系统详情
type TargetSystemDetail struct {
	models.TargetSystem
	Runtime *gateway.EntityStatus `json:"runtime,omitempty"`
	Stats   interface{}           `json:"stats,omitempty"`
}

func maskTarget(ts models.TargetSystem) models.TargetSystem {
	ts.AuthConfig = utils.MaskSensitiveFields(ts.AuthConfig)
	ts.EndpointConfig = utils.MaskSensitiveFields(ts.EndpointConfig)
	return ts
}

func (c *TargetSystemController) apply(r *http.Request, id string) {
	c.config.Invalidate(r.Context(), config.EntityTargetSystem, id)
	if err := c.gateway.ReloadTargetSystem(r.Context(), id); err != nil {
		slog.Warn("目标系统重载失败", "target_id", id, "error", err)
	}
}

// List 目标系统列表
// @Summary 目标系统列表
// @Tags 目标系统
// @Produce json
// @Param protocol query string false "协议类型"
// @Param page query int false "页码"
// @Param size query int false "每页条数"
// @Success 200 {object} PaginatedResponse{data=[]models.TargetSystem}
// @Router /target-systems [get]
func (c *TargetSystemController) List(w http.ResponseWriter, r *http.Request) {
	page, size := pageParams(r)
	list, total, err := c.repo.List(r.Context(), r.URL.Query().Get("protocol"), page, size)
	if err != nil {
		render.Render(w, r, FromError("查询目标系统失败", err))
		return
	}
	for i := range list {
		list[i] = maskTarget(list[i])
	}
	render.Render(w, r, &PaginatedResponse{Msg: "查询成功", Data: list, Total: total, Page: page, Size: size})
}

// Create 创建目标系统
// @Summary 创建目标系统
// @Tags 目标系统
// @Accept json
// @Produce json
// @Param body body models.TargetSystem true "目标系统"
// @Success 201 {object} APIResponse{data=models.TargetSystem}
// @Router /target-systems [post]
func (c *TargetSystemController) Create(w http.ResponseWriter, r *http.Request) {
	var req models.TargetSystem
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, BadRequestResponse("请求参数格式错误", err))
		return
	}
	req.ID = ""
	if err := c.repo.Create(r.Context(), &req); err != nil {
		render.Render(w, r, FromError("创建目标系统失败", err))
		return
	}
	c.apply(r, req.ID)
	render.Render(w, r, CreatedResponse("创建成功", maskTarget(req)))
}

// Get 目标系统详情
// @Summary 目标系统详情
// @Tags 目标系统
// @Produce json
// @Param id path string true "目标系统ID"
// @Success 200 {object} APIResponse{data=TargetSystemDetail}
// @Router /target-systems/{id} [get]
func (c *TargetSystemController) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ts, err := c.repo.Get(r.Context(), id)
	if err != nil {
		render.Render(w, r, FromError("目标系统不存在", err))
		return
	}
	detail := TargetSystemDetail{TargetSystem: maskTarget(*ts)}
	if st, ok := c.gateway.TargetSystemStatus(id); ok {
		detail.Runtime = &st
	}
	if stats, ok := c.gateway.Status().Forwarders[id]; ok {
		detail.Stats = stats
	}
	render.Render(w, r, SuccessResponse("查询成功", detail))
}

// Update 更新目标系统
// @Summary 更新目标系统
// @Tags 目标系统
// @Accept json
// @Produce json
// @Param id path string true "目标系统ID"
// @Param body body models.TargetSystem true "目标系统"
// @Success 200 {object} APIResponse{data=models.TargetSystem}
// @Router /target-systems/{id} [put]
func (c *TargetSystemController) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req models.TargetSystem
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, BadRequestResponse("请求参数格式错误", err))
		return
	}
	req.ID = id
	if err := c.repo.Update(r.Context(), &req); err != nil {
		render.Render(w, r, FromError("更新目标系统失败", err))
		return
	}
	c.apply(r, id)
	render.Render(w, r, SuccessResponse("更新成功", maskTarget(req)))
}

// Delete 删除目标系统
// @Summary 删除目标系统
// @Tags 目标系统
// @Produce json
// @Param id path string true "目标系统ID"
// @Success 200 {object} APIResponse
// @Failure 409 {object} APIResponse
// @Router /target-systems/{id} [delete]
func (c *TargetSystemController) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.repo.Delete(r.Context(), id); err != nil {
		render.Render(w, r, FromError("删除目标系统失败", err))
		return
	}
	c.apply(r, id)
	render.Render(w, r, SuccessResponse("删除成功", nil))
}

// Reload 重建目标系统的转发器
// @Summary 重载目标系统
// @Tags 目标系统
// @Produce json
// @Param id path string true "目标系统ID"
// @Success 200 {object} APIResponse{data=gateway.EntityStatus}
// @Router /target-systems/{id}/reload [post]
func (c *TargetSystemController) Reload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.gateway.ReloadTargetSystem(r.Context(), id); err != nil {
		render.Render(w, r, FromError("重载目标系统失败", err))
		return
	}
	st, _ := c.gateway.TargetSystemStatus(id)
	render.Render(w, r, SuccessResponse("重载成功", st))
}
