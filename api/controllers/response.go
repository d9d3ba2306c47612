package controllers

import (
	"errors"
	"net/http"

	"gateway-service/service/gateway"
	"gateway-service/service/models"
	"gateway-service/service/repository"

	"github.com/go-chi/render"
	"github.com/spf13/cast"
)

// APIResponse 统一API响应结构
type APIResponse struct {
	Status int         `json:"status" example:"0"`
	Msg    string      `json:"msg" example:"操作成功"`
	Data   interface{} `json:"data,omitempty"`

	httpStatus int
}

// Render 设置HTTP状态码
func (a *APIResponse) Render(w http.ResponseWriter, r *http.Request) error {
	if a.httpStatus != 0 {
		render.Status(r, a.httpStatus)
	}
	return nil
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Status int         `json:"status" example:"0"`
	Msg    string      `json:"msg" example:"操作成功"`
	Data   interface{} `json:"data"`
	Total  int64       `json:"total" example:"100"`
	Page   int         `json:"page" example:"1"`
	Size   int         `json:"size" example:"10"`
}

// Render 实现 render.Renderer
func (p *PaginatedResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

// SuccessResponse 成功响应
func SuccessResponse(msg string, data interface{}) *APIResponse {
	return &APIResponse{Status: 0, Msg: msg, Data: data, httpStatus: http.StatusOK}
}

// CreatedResponse 创建成功
func CreatedResponse(msg string, data interface{}) *APIResponse {
	return &APIResponse{Status: 0, Msg: msg, Data: data, httpStatus: http.StatusCreated}
}

// ErrorResponse 错误响应，status 同时作为业务码
func ErrorResponse(status int, msg string, err error) *APIResponse {
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return &APIResponse{Status: status, Msg: msg, httpStatus: status}
}

// BadRequestResponse 参数错误
func BadRequestResponse(msg string, err error) *APIResponse {
	return ErrorResponse(http.StatusBadRequest, msg, err)
}

// NotFoundResponse 资源不存在
func NotFoundResponse(msg string, err error) *APIResponse {
	return ErrorResponse(http.StatusNotFound, msg, err)
}

// InternalErrorResponse 服务内部错误
func InternalErrorResponse(msg string, err error) *APIResponse {
	return ErrorResponse(http.StatusInternalServerError, msg, err)
}

// FromError 按错误类型选择响应码
func FromError(msg string, err error) *APIResponse {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return NotFoundResponse(msg, err)
	case errors.Is(err, repository.ErrInUse), errors.Is(err, repository.ErrImmutable), errors.Is(err, gateway.ErrNotRunning):
		return ErrorResponse(http.StatusConflict, msg, err)
	case errors.Is(err, models.ErrConfigurationInconsistency), errors.Is(err, models.ErrUnsupportedProtocol):
		return BadRequestResponse(msg, err)
	default:
		return InternalErrorResponse(msg, err)
	}
}

// pageParams 读取分页参数，默认第1页每页20条
func pageParams(r *http.Request) (int, int) {
	page := cast.ToInt(r.URL.Query().Get("page"))
	size := cast.ToInt(r.URL.Query().Get("size"))
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 200 {
		size = 20
	}
	return page, size
}
