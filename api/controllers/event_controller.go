package controllers

import (
	"net/http"
	"strings"

	"gateway-service/service/event"
	"gateway-service/service/eventbus"

	"github.com/go-chi/render"
)

// EventController 事件推送控制器
type EventController struct {
	events *event.EventService
}

// NewEventController 创建事件控制器实例
func NewEventController(events *event.EventService) *EventController {
	return &EventController{events: events}
}

// parseTopics 逗号分隔的主题列表，统一大写
func parseTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, eventbus.NormalizeTopic(t))
		}
	}
	return topics
}

// Stream 建立SSE连接
// @Summary 实时事件流
// @Description 通过SSE推送网关状态、日志与消息处理事件；topics 为空时推送全部
// @Tags 事件
// @Produce text/event-stream
// @Param topics query string false "主题，逗号分隔，如 GATEWAY_STATUS,MESSAGE_FAILED"
// @Success 200 {string} string "SSE事件流"
// @Router /events/stream [get]
func (c *EventController) Stream(w http.ResponseWriter, r *http.Request) {
	c.events.ServeSSE(w, r, parseTopics(r.URL.Query().Get("topics")))
}

// Connections 当前SSE连接
// @Summary SSE连接列表
// @Tags 事件
// @Produce json
// @Success 200 {object} APIResponse{data=[]event.ConnectionInfo}
// @Router /events/connections [get]
func (c *EventController) Connections(w http.ResponseWriter, r *http.Request) {
	render.Render(w, r, SuccessResponse("查询成功", c.events.Connections()))
}
