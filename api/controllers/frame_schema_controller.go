package controllers

import (
	"net/http"

	"gateway-service/service/config"
	"gateway-service/service/gateway"
	"gateway-service/service/models"
	"gateway-service/service/repository"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// FrameSchemaController 帧格式控制器
type FrameSchemaController struct {
	repo    *repository.FrameSchemaRepository
	config  *config.GatewayConfigService
	gateway *gateway.Manager
}

// NewFrameSchemaController 创建帧格式控制器实例
func NewFrameSchemaController(repo *repository.FrameSchemaRepository, cfg *config.GatewayConfigService, gw *gateway.Manager) *FrameSchemaController {
	return &FrameSchemaController{repo: repo, config: cfg, gateway: gw}
}

// apply 已发布的帧格式重新注册，其余从网关移除
func (c *FrameSchemaController) apply(r *http.Request, id string, published bool) {
	c.config.Invalidate(r.Context(), config.EntityFrameSchema, id)
	c.gateway.UnregisterFrameSchema(r.Context(), id)
	if published {
		_ = c.gateway.RegisterFrameSchema(r.Context(), id)
	}
}

// List 帧格式列表
// @Summary 帧格式列表
// @Tags 帧格式
// @Produce json
// @Param published query bool false "仅已发布"
// @Success 200 {object} APIResponse{data=[]models.FrameSchema}
// @Router /frame-schemas [get]
func (c *FrameSchemaController) List(w http.ResponseWriter, r *http.Request) {
	var (
		list []models.FrameSchema
		err  error
	)
	if r.URL.Query().Get("published") == "true" {
		list, err = c.repo.ListPublished(r.Context())
	} else {
		list, err = c.repo.List(r.Context())
	}
	if err != nil {
		render.Render(w, r, FromError("查询帧格式失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("查询成功", list))
}

// Create 创建帧格式
// @Summary 创建帧格式
// @Description 定义不一致（如 FIXED 帧缺少 total_length、字段越界）时拒绝创建
// @Tags 帧格式
// @Accept json
// @Produce json
// @Param body body models.FrameSchema true "帧格式"
// @Success 201 {object} APIResponse{data=models.FrameSchema}
// @Failure 400 {object} APIResponse
// @Router /frame-schemas [post]
func (c *FrameSchemaController) Create(w http.ResponseWriter, r *http.Request) {
	var req models.FrameSchema
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, BadRequestResponse("请求参数格式错误", err))
		return
	}
	req.ID = ""
	if err := c.repo.Create(r.Context(), &req); err != nil {
		render.Render(w, r, FromError("创建帧格式失败", err))
		return
	}
	c.apply(r, req.ID, req.IsPublished)
	render.Render(w, r, CreatedResponse("创建成功", req))
}

// Get 帧格式详情
// @Summary 帧格式详情
// @Tags 帧格式
// @Produce json
// @Param id path string true "帧格式ID"
// @Success 200 {object} APIResponse{data=models.FrameSchema}
// @Router /frame-schemas/{id} [get]
func (c *FrameSchemaController) Get(w http.ResponseWriter, r *http.Request) {
	schema, err := c.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		render.Render(w, r, FromError("帧格式不存在", err))
		return
	}
	render.Render(w, r, SuccessResponse("查询成功", schema))
}

// Update 更新帧格式
// @Summary 更新帧格式
// @Description 只能修改未发布的草稿；已发布的帧格式需以新版本创建
// @Tags 帧格式
// @Accept json
// @Produce json
// @Param id path string true "帧格式ID"
// @Param body body models.FrameSchema true "帧格式"
// @Success 200 {object} APIResponse{data=models.FrameSchema}
// @Failure 409 {object} APIResponse
// @Router /frame-schemas/{id} [put]
func (c *FrameSchemaController) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req models.FrameSchema
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, BadRequestResponse("请求参数格式错误", err))
		return
	}
	req.ID = id
	if err := c.repo.Update(r.Context(), &req); err != nil {
		render.Render(w, r, FromError("更新帧格式失败", err))
		return
	}
	c.apply(r, id, false)
	schema, err := c.repo.Get(r.Context(), id)
	if err != nil {
		render.Render(w, r, FromError("读取帧格式失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("帧格式更新成功", schema))
}

// Delete 删除帧格式
// @Summary 删除帧格式
// @Tags 帧格式
// @Produce json
// @Param id path string true "帧格式ID"
// @Success 200 {object} APIResponse
// @Failure 409 {object} APIResponse
// @Router /frame-schemas/{id} [delete]
func (c *FrameSchemaController) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.repo.Delete(r.Context(), id); err != nil {
		render.Render(w, r, FromError("删除帧格式失败", err))
		return
	}
	c.apply(r, id, false)
	render.Render(w, r, SuccessResponse("帧格式已删除", map[string]string{"id": id}))
}

// Publish 发布帧格式
// @Summary 发布帧格式
// @Tags 帧格式
// @Produce json
// @Param id path string true "帧格式ID"
// @Success 200 {object} APIResponse{data=models.FrameSchema}
// @Router /frame-schemas/{id}/publish [post]
func (c *FrameSchemaController) Publish(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.repo.Publish(r.Context(), id); err != nil {
		render.Render(w, r, FromError("发布帧格式失败", err))
		return
	}
	c.apply(r, id, true)
	schema, err := c.repo.Get(r.Context(), id)
	if err != nil {
		render.Render(w, r, FromError("读取帧格式失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("帧格式已发布", schema))
}
