package controllers

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gateway-service/service/config"
	"gateway-service/service/crypto"
	"gateway-service/service/models"
	"gateway-service/service/repository"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// EncryptionKeyController 密钥管理控制器，响应中不返回密钥材料
type EncryptionKeyController struct {
	repo   *repository.EncryptionKeyRepository
	config *config.GatewayConfigService
	crypto *crypto.Service
}

// NewEncryptionKeyController 创建密钥控制器实例
func NewEncryptionKeyController(repo *repository.EncryptionKeyRepository, cfg *config.GatewayConfigService, cs *crypto.Service) *EncryptionKeyController {
	return &EncryptionKeyController{repo: repo, config: cfg, crypto: cs}
}

// CreateKeyRequest 创建或轮换密钥请求
type CreateKeyRequest struct {
	Name string `json:"name" example:"default"`
	// Version 为空时按时间戳生成
	Version string `json:"version,omitempty" example:"v2"`
	// KeyMaterial base64 编码的密钥材料，为空时随机生成32字节
	KeyMaterial string       `json:"key_material,omitempty"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	Activate    bool         `json:"activate"`
	Default     bool         `json:"default"`
	Extra       models.JSONB `json:"extra,omitempty" swaggertype:"object"`
}

func (req *CreateKeyRequest) toKey() (*models.EncryptionKey, []byte, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, nil, fmt.Errorf("密钥名称不能为空")
	}
	var material []byte
	if req.KeyMaterial != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.KeyMaterial)
		if err != nil {
			return nil, nil, fmt.Errorf("密钥材料不是有效的base64: %w", err)
		}
		if len(decoded) < 16 {
			return nil, nil, fmt.Errorf("密钥材料长度不能少于16字节")
		}
		material = decoded
	} else {
		material = make([]byte, 32)
		if _, err := rand.Read(material); err != nil {
			return nil, nil, fmt.Errorf("生成密钥材料失败: %w", err)
		}
	}
	version := req.Version
	if version == "" {
		version = "v" + time.Now().UTC().Format("20060102150405")
	}
	return &models.EncryptionKey{
		Name:        req.Name,
		Version:     version,
		KeyMaterial: base64.StdEncoding.EncodeToString(material),
		IsActive:    req.Activate,
		ExpiresAt:   req.ExpiresAt,
		Extra:       req.Extra,
	}, material, nil
}

// refresh 清除本实例与其他实例的密钥缓存
func (c *EncryptionKeyController) refresh(r *http.Request, name string) {
	c.config.Invalidate(r.Context(), config.EntityEncryptionKey, name)
	c.crypto.InvalidateKey(name)
}

// List 密钥列表
// @Summary 密钥列表
// @Tags 密钥管理
// @Produce json
// @Success 200 {object} APIResponse{data=[]models.EncryptionKey}
// @Router /encryption-keys [get]
func (c *EncryptionKeyController) List(w http.ResponseWriter, r *http.Request) {
	list, err := c.repo.List(r.Context())
	if err != nil {
		render.Render(w, r, FromError("查询密钥失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("查询成功", list))
}

// Create 新增密钥
// @Summary 新增密钥
// @Description activate=true 时同名旧版本自动停用；default=true 时同时启用，并设为未指定密钥名称时使用的默认密钥
// @Tags 密钥管理
// @Accept json
// @Produce json
// @Param body body CreateKeyRequest true "密钥"
// @Success 201 {object} APIResponse{data=models.EncryptionKey}
// @Failure 400 {object} APIResponse
// @Router /encryption-keys [post]
func (c *EncryptionKeyController) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, BadRequestResponse("请求参数格式错误", err))
		return
	}
	// 默认密钥按名称从密钥库读取当前活动版本，必须处于启用状态
	if req.Default {
		req.Activate = true
	}
	key, material, err := req.toKey()
	if err != nil {
		render.Render(w, r, BadRequestResponse("密钥参数错误", err))
		return
	}
	if req.Activate {
		err = c.repo.Rotate(r.Context(), key)
	} else {
		err = c.repo.Create(r.Context(), key)
	}
	if err != nil {
		render.Render(w, r, FromError("保存密钥失败", err))
		return
	}
	c.refresh(r, key.Name)
	if req.Default {
		if err := c.crypto.UpdateActiveKey(key.Name, key.Version, material); err != nil {
			render.Render(w, r, InternalErrorResponse("设置默认密钥失败", err))
			return
		}
	}
	render.Render(w, r, CreatedResponse("创建成功", key))
}

// Rotate 轮换指定名称的密钥
// @Summary 轮换密钥
// @Description 生成同名新版本并立即启用，旧版本保留用于解密历史消息；该名称为默认密钥时新版本随即生效
// @Tags 密钥管理
// @Accept json
// @Produce json
// @Param name path string true "密钥名称"
// @Param body body CreateKeyRequest false "新版本参数"
// @Success 201 {object} APIResponse{data=models.EncryptionKey}
// @Router /encryption-keys/rotate/{name} [post]
func (c *EncryptionKeyController) Rotate(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyRequest
	if r.ContentLength > 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			render.Render(w, r, BadRequestResponse("请求参数格式错误", err))
			return
		}
	}
	req.Name = chi.URLParam(r, "name")
	req.Activate = true
	key, material, err := req.toKey()
	if err != nil {
		render.Render(w, r, BadRequestResponse("密钥参数错误", err))
		return
	}
	if err := c.repo.Rotate(r.Context(), key); err != nil {
		render.Render(w, r, FromError("轮换密钥失败", err))
		return
	}
	c.refresh(r, key.Name)
	if req.Default {
		if err := c.crypto.UpdateActiveKey(key.Name, key.Version, material); err != nil {
			render.Render(w, r, InternalErrorResponse("设置默认密钥失败", err))
			return
		}
	}
	render.Render(w, r, CreatedResponse("密钥已轮换", key))
}

// Activate 启用密钥
// @Summary 启用密钥
// @Tags 密钥管理
// @Produce json
// @Param id path string true "密钥ID"
// @Success 200 {object} APIResponse{data=models.EncryptionKey}
// @Router /encryption-keys/{id}/activate [post]
func (c *EncryptionKeyController) Activate(w http.ResponseWriter, r *http.Request) {
	c.setActive(w, r, true)
}

// Deactivate 停用密钥
// @Summary 停用密钥
// @Tags 密钥管理
// @Produce json
// @Param id path string true "密钥ID"
// @Success 200 {object} APIResponse{data=models.EncryptionKey}
// @Router /encryption-keys/{id}/deactivate [post]
func (c *EncryptionKeyController) Deactivate(w http.ResponseWriter, r *http.Request) {
	c.setActive(w, r, false)
}

func (c *EncryptionKeyController) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	key, err := c.repo.SetActive(r.Context(), chi.URLParam(r, "id"), active)
	if err != nil {
		render.Render(w, r, FromError("更新密钥状态失败", err))
		return
	}
	key.IsActive = active
	c.refresh(r, key.Name)
	render.Render(w, r, SuccessResponse("更新成功", key))
}

// Delete 删除密钥
// @Summary 删除密钥
// @Description 删除后使用该密钥加密的历史消息将无法解密
// @Tags 密钥管理
// @Produce json
// @Param id path string true "密钥ID"
// @Success 200 {object} APIResponse
// @Router /encryption-keys/{id} [delete]
func (c *EncryptionKeyController) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key, err := c.repo.Get(r.Context(), id)
	if err != nil {
		render.Render(w, r, FromError("密钥不存在", err))
		return
	}
	if err := c.repo.Delete(r.Context(), id); err != nil {
		render.Render(w, r, FromError("删除密钥失败", err))
		return
	}
	c.refresh(r, key.Name)
	render.Render(w, r, SuccessResponse("删除成功", map[string]string{"id": id}))
}
