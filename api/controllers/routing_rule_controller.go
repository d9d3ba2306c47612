/*
 * @module api/controllers/routing_rule_controller
 * @description 路由规则管理接口：增删改查、发布/取消发布与单条重载
 * @architecture MVC架构 - 控制器层
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow 创建(未发布) -> 发布(进入路由引擎) -> 修改后重载 -> 取消发布/删除(移出引擎)
 * @rules 新建规则默认未发布；旧版扁平字段在保存时转换为新结构
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/render
 * @refs service/repository/rule_repository.go, service/routing/engine.go
 */

package controllers

import (
	"log/slog"
	"net/http"

	"gateway-service/service/config"
	"gateway-service/service/gateway"
	"gateway-service/service/models"
	"gateway-service/service/repository"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// RoutingRuleController 路由规则控制器
type RoutingRuleController struct {
	repo    *repository.RoutingRuleRepository
	config  *config.GatewayConfigService
	gateway *gateway.Manager
}

// NewRoutingRuleController 创建路由规则控制器实例
func NewRoutingRuleController(repo *repository.RoutingRuleRepository, cfg *config.GatewayConfigService, gw *gateway.Manager) *RoutingRuleController {
	return &RoutingRuleController{repo: repo, config: cfg, gateway: gw}
}

func (c *RoutingRuleController) apply(r *http.Request, id string) {
	c.config.Invalidate(r.Context(), config.EntityRoutingRule, id)
	if err := c.gateway.ReloadRule(r.Context(), id); err != nil {
		slog.Warn("路由规则重载失败", "rule_id", id, "error", err)
	}
}

// List 规则列表
// @Summary 路由规则列表
// @Tags 路由规则
// @Produce json
// @Param page query int false "页码"
// @Param size query int false "每页条数"
// @Success 200 {object} PaginatedResponse{data=[]models.RoutingRule}
// @Router /routing-rules [get]
func (c *RoutingRuleController) List(w http.ResponseWriter, r *http.Request) {
	page, size := pageParams(r)
	list, total, err := c.repo.List(r.Context(), page, size)
	if err != nil {
		render.Render(w, r, FromError("查询路由规则失败", err))
		return
	}
	render.Render(w, r, &PaginatedResponse{Msg: "查询成功", Data: list, Total: total, Page: page, Size: size})
}

// Create 创建规则
// @Summary 创建路由规则
// @Description 新规则默认未发布，发布后才参与路由
// @Tags 路由规则
// @Accept json
// @Produce json
// @Param body body models.RoutingRule true "路由规则"
// @Success 201 {object} APIResponse{data=models.RoutingRule}
// @Failure 400 {object} APIResponse
// @Router /routing-rules [post]
func (c *RoutingRuleController) Create(w http.ResponseWriter, r *http.Request) {
	var req models.RoutingRule
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, BadRequestResponse("请求参数格式错误", err))
		return
	}
	req.ID = ""
	req.IsPublished = false
	if err := c.repo.Create(r.Context(), &req); err != nil {
		render.Render(w, r, FromError("创建路由规则失败", err))
		return
	}
	c.config.Invalidate(r.Context(), config.EntityRoutingRule, req.ID)
	render.Render(w, r, CreatedResponse("创建成功", req))
}

// Get 规则详情
// @Summary 路由规则详情
// @Tags 路由规则
// @Produce json
// @Param id path string true "规则ID"
// @Success 200 {object} APIResponse{data=models.RoutingRule}
// @Router /routing-rules/{id} [get]
func (c *RoutingRuleController) Get(w http.ResponseWriter, r *http.Request) {
	rule, err := c.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		render.Render(w, r, FromError("路由规则不存在", err))
		return
	}
	render.Render(w, r, SuccessResponse("查询成功", rule))
}

// Update 更新规则
// @Summary 更新路由规则
// @Description 已发布的规则保存后立即重载
// @Tags 路由规则
// @Accept json
// @Produce json
// @Param id path string true "规则ID"
// @Param body body models.RoutingRule true "路由规则"
// @Success 200 {object} APIResponse{data=models.RoutingRule}
// @Router /routing-rules/{id} [put]
func (c *RoutingRuleController) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req models.RoutingRule
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, BadRequestResponse("请求参数格式错误", err))
		return
	}
	req.ID = id
	if err := c.repo.Update(r.Context(), &req); err != nil {
		render.Render(w, r, FromError("更新路由规则失败", err))
		return
	}
	c.apply(r, id)
	rule, err := c.repo.Get(r.Context(), id)
	if err != nil {
		render.Render(w, r, FromError("读取路由规则失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("更新成功", rule))
}

// Delete 删除规则
// @Summary 删除路由规则
// @Tags 路由规则
// @Produce json
// @Param id path string true "规则ID"
// @Success 200 {object} APIResponse
// @Router /routing-rules/{id} [delete]
func (c *RoutingRuleController) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.repo.Delete(r.Context(), id); err != nil {
		render.Render(w, r, FromError("删除路由规则失败", err))
		return
	}
	c.apply(r, id)
	render.Render(w, r, SuccessResponse("删除成功", map[string]string{"id": id}))
}

// Publish 发布规则
// @Summary 发布路由规则
// @Tags 路由规则
// @Produce json
// @Param id path string true "规则ID"
// @Success 200 {object} APIResponse{data=models.RoutingRule}
// @Router /routing-rules/{id}/publish [post]
func (c *RoutingRuleController) Publish(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.gateway.PublishRule(r.Context(), id); err != nil {
		render.Render(w, r, FromError("发布路由规则失败", err))
		return
	}
	c.config.Invalidate(r.Context(), config.EntityRoutingRule, id)
	c.respondRule(w, r, id, "规则已发布")
}

// Unpublish 取消发布
// @Summary 取消发布路由规则
// @Tags 路由规则
// @Produce json
// @Param id path string true "规则ID"
// @Success 200 {object} APIResponse{data=models.RoutingRule}
// @Router /routing-rules/{id}/unpublish [post]
func (c *RoutingRuleController) Unpublish(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.gateway.UnpublishRule(r.Context(), id); err != nil {
		render.Render(w, r, FromError("取消发布路由规则失败", err))
		return
	}
	c.config.Invalidate(r.Context(), config.EntityRoutingRule, id)
	c.respondRule(w, r, id, "规则已取消发布")
}

// Reload 重新加载规则
// @Summary 重载路由规则
// @Tags 路由规则
// @Produce json
// @Param id path string true "规则ID"
// @Success 200 {object} APIResponse{data=models.RoutingRule}
// @Router /routing-rules/{id}/reload [post]
func (c *RoutingRuleController) Reload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.gateway.ReloadRule(r.Context(), id); err != nil {
		render.Render(w, r, FromError("重载路由规则失败", err))
		return
	}
	c.respondRule(w, r, id, "规则已重新加载")
}

func (c *RoutingRuleController) respondRule(w http.ResponseWriter, r *http.Request, id, msg string) {
	rule, err := c.repo.Get(r.Context(), id)
	if err != nil {
		render.Render(w, r, FromError("读取路由规则失败", err))
		return
	}
	render.Render(w, r, SuccessResponse(msg, rule))
}
