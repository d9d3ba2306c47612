package controllers

import (
	"net/http"
	"time"

	"gateway-service/service/cleanup"
	"gateway-service/service/models"
	"gateway-service/service/repository"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/spf13/cast"
)

// LogController 消息日志控制器
type LogController struct {
	logs    *repository.LogRepository
	cleanup *cleanup.LogCleanupService
}

// NewLogController 创建日志控制器实例，cleanupSvc 可为 nil
func NewLogController(logs *repository.LogRepository, cleanupSvc *cleanup.LogCleanupService) *LogController {
	return &LogController{logs: logs, cleanup: cleanupSvc}
}

// MessageDetail 消息日志及其转发记录
type MessageDetail struct {
	Message  *models.MessageLog  `json:"message"`
	Forwards []models.ForwardLog `json:"forwards"`
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := cast.ToTimeE(v)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

// ListMessages 消息日志列表
// @Summary 消息日志列表
// @Tags 消息日志
// @Produce json
// @Param source_id query string false "数据源ID"
// @Param status query string false "处理状态" Enums(COMPLETED, FAILED, DROPPED)
// @Param since query string false "起始时间(RFC3339)"
// @Param until query string false "结束时间(RFC3339)"
// @Param page query int false "页码"
// @Param size query int false "每页条数"
// @Success 200 {object} PaginatedResponse{data=[]models.MessageLog}
// @Router /logs/messages [get]
func (c *LogController) ListMessages(w http.ResponseWriter, r *http.Request) {
	since, err := parseTimeParam(r, "since")
	if err != nil {
		render.Render(w, r, BadRequestResponse("since 参数格式错误", err))
		return
	}
	until, err := parseTimeParam(r, "until")
	if err != nil {
		render.Render(w, r, BadRequestResponse("until 参数格式错误", err))
		return
	}
	page, size := pageParams(r)
	q := r.URL.Query()
	list, total, err := c.logs.ListMessageLogs(r.Context(), repository.MessageLogFilter{
		SourceID: q.Get("source_id"),
		Status:   q.Get("status"),
		Since:    since,
		Until:    until,
		Page:     page,
		Size:     size,
	})
	if err != nil {
		render.Render(w, r, FromError("查询消息日志失败", err))
		return
	}
	render.Render(w, r, &PaginatedResponse{Msg: "查询成功", Data: list, Total: total, Page: page, Size: size})
}

// GetMessage 消息详情
// @Summary 消息日志详情
// @Description 返回消息日志与各目标的转发记录
// @Tags 消息日志
// @Produce json
// @Param message_id path string true "消息ID"
// @Success 200 {object} APIResponse{data=MessageDetail}
// @Failure 404 {object} APIResponse
// @Router /logs/messages/{message_id} [get]
func (c *LogController) GetMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "message_id")
	msg, err := c.logs.GetMessageLog(r.Context(), id)
	if err != nil {
		render.Render(w, r, FromError("消息日志不存在", err))
		return
	}
	forwards, err := c.logs.ListForwardLogs(r.Context(), id)
	if err != nil {
		render.Render(w, r, FromError("查询转发日志失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("查询成功", MessageDetail{Message: msg, Forwards: forwards}))
}

// Stats 按处理状态统计
// @Summary 消息状态统计
// @Tags 消息日志
// @Produce json
// @Param hours query int false "统计最近多少小时，默认24"
// @Success 200 {object} APIResponse{data=map[string]int64}
// @Router /logs/stats [get]
func (c *LogController) Stats(w http.ResponseWriter, r *http.Request) {
	hours := cast.ToInt(r.URL.Query().Get("hours"))
	if hours <= 0 {
		hours = 24
	}
	counts, err := c.logs.StatusCounts(r.Context(), time.Now().UTC().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		render.Render(w, r, FromError("统计消息状态失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("查询成功", counts))
}

// Cleanup 立即执行一次日志清理
// @Summary 清理过期日志
// @Description 其他实例正在清理时返回 skipped=true
// @Tags 消息日志
// @Produce json
// @Success 200 {object} APIResponse{data=cleanup.Result}
// @Router /logs/cleanup [post]
func (c *LogController) Cleanup(w http.ResponseWriter, r *http.Request) {
	if c.cleanup == nil {
		render.Render(w, r, ErrorResponse(http.StatusServiceUnavailable, "日志清理未启用", nil))
		return
	}
	result, err := c.cleanup.CleanupExpiredLogs(r.Context())
	if err != nil {
		render.Render(w, r, InternalErrorResponse("日志清理失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("清理完成", result))
}
