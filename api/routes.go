/*
 * @module api/routes
 * @description API路由配置模块，负责初始化和配置所有HTTP路由
 * @architecture RESTful API架构
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow 无状态HTTP请求处理
 * @rules 遵循RESTful API设计规范，统一错误处理和响应格式
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/cors, github.com/go-chi/render
 * @refs api/controllers, api/middleware
 */

package api

import (
	"gateway-service/api/controllers"
	gwmiddleware "gateway-service/api/middleware"
	"gateway-service/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
)

// InitRoute 初始化所有API路由
func InitRoute(r *chi.Mux) {
	// 基础中间件
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	// CORS配置
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// 管理接口鉴权（未配置 GATEWAY_API_TOKEN 时放行）
	r.Use(gwmiddleware.NewTokenAuthMiddleware(service.Settings.APIToken, service.Settings.BaseContext).Middleware)

	Mount(r, Controllers{
		Health:         controllers.NewHealthController(service.GlobalHealthChecker, service.GlobalGateway),
		Gateway:        controllers.NewGatewayController(service.GlobalGateway, service.GlobalMonitorService),
		DataSources:    controllers.NewDataSourceController(service.Store.DataSources, service.GlobalConfigService, service.GlobalGateway),
		TargetSystems:  controllers.NewTargetSystemController(service.Store.Targets, service.GlobalConfigService, service.GlobalGateway),
		RoutingRules:   controllers.NewRoutingRuleController(service.Store.Rules, service.GlobalConfigService, service.GlobalGateway),
		FrameSchemas:   controllers.NewFrameSchemaController(service.Store.Schemas, service.GlobalConfigService, service.GlobalGateway),
		EncryptionKeys: newEncryptionKeyController(),
		Logs:           controllers.NewLogController(service.Store.Logs, service.GlobalCleanupService),
		Events:         controllers.NewEventController(service.GlobalEventService),
	})
}

// newEncryptionKeyController 未启用加密时不提供密钥管理接口
func newEncryptionKeyController() *controllers.EncryptionKeyController {
	if service.GlobalCryptoService == nil {
		return nil
	}
	return controllers.NewEncryptionKeyController(service.Store.Keys, service.GlobalConfigService, service.GlobalCryptoService)
}

// Controllers 路由使用的控制器集合，为 nil 的控制器不注册路由
type Controllers struct {
	Health         *controllers.HealthController
	Gateway        *controllers.GatewayController
	DataSources    *controllers.DataSourceController
	TargetSystems  *controllers.TargetSystemController
	RoutingRules   *controllers.RoutingRuleController
	FrameSchemas   *controllers.FrameSchemaController
	EncryptionKeys *controllers.EncryptionKeyController
	Logs           *controllers.LogController
	Events         *controllers.EventController
}

// Mount 注册业务路由
func Mount(r chi.Router, c Controllers) {
	// 健康检查
	if c.Health != nil {
		r.Get("/health", c.Health.Health)
		r.Get("/health/detailed", c.Health.Detailed)
		r.Get("/ready", c.Health.Ready)
	}

	// 网关运行控制
	if c.Gateway != nil {
		r.Route("/gateway", func(r chi.Router) {
			r.Get("/status", c.Gateway.Status)
			r.Get("/metrics", c.Gateway.Metrics)
			r.Post("/start", c.Gateway.Start)
			r.Post("/stop", c.Gateway.Stop)
		})
	}

	// 数据源管理
	if c.DataSources != nil {
		r.Route("/data-sources", func(r chi.Router) {
			r.Get("/", c.DataSources.List)
			r.Post("/", c.DataSources.Create)
			r.Get("/{id}", c.DataSources.Get)
			r.Put("/{id}", c.DataSources.Update)
			r.Delete("/{id}", c.DataSources.Delete)
			r.Post("/{id}/start", c.DataSources.Start)
			r.Post("/{id}/stop", c.DataSources.Stop)
			r.Post("/{id}/reload", c.DataSources.Reload)
		})
	}

	// 目标系统管理
	if c.TargetSystems != nil {
		r.Route("/target-systems", func(r chi.Router) {
			r.Get("/", c.TargetSystems.List)
			r.Post("/", c.TargetSystems.Create)
			r.Get("/{id}", c.TargetSystems.Get)
			r.Put("/{id}", c.TargetSystems.Update)
			r.Delete("/{id}", c.TargetSystems.Delete)
			r.Post("/{id}/reload", c.TargetSystems.Reload)
		})
	}

	// 路由规则管理
	if c.RoutingRules != nil {
		r.Route("/routing-rules", func(r chi.Router) {
			r.Get("/", c.RoutingRules.List)
			r.Post("/", c.RoutingRules.Create)
			r.Get("/{id}", c.RoutingRules.Get)
			r.Put("/{id}", c.RoutingRules.Update)
			r.Delete("/{id}", c.RoutingRules.Delete)
			r.Post("/{id}/publish", c.RoutingRules.Publish)
			r.Post("/{id}/unpublish", c.RoutingRules.Unpublish)
			r.Post("/{id}/reload", c.RoutingRules.Reload)
		})
	}

	// 帧格式管理
	if c.FrameSchemas != nil {
		r.Route("/frame-schemas", func(r chi.Router) {
			r.Get("/", c.FrameSchemas.List)
			r.Post("/", c.FrameSchemas.Create)
			r.Get("/{id}", c.FrameSchemas.Get)
			r.Put("/{id}", c.FrameSchemas.Update)
			r.Delete("/{id}", c.FrameSchemas.Delete)
			r.Post("/{id}/publish", c.FrameSchemas.Publish)
		})
	}

	// 密钥管理
	if c.EncryptionKeys != nil {
		r.Route("/encryption-keys", func(r chi.Router) {
			r.Get("/", c.EncryptionKeys.List)
			r.Post("/", c.EncryptionKeys.Create)
			r.Delete("/{id}", c.EncryptionKeys.Delete)
			r.Post("/{id}/activate", c.EncryptionKeys.Activate)
			r.Post("/{id}/deactivate", c.EncryptionKeys.Deactivate)
			r.Post("/rotate/{name}", c.EncryptionKeys.Rotate)
		})
	}

	// 消息日志
	if c.Logs != nil {
		r.Route("/logs", func(r chi.Router) {
			r.Get("/messages", c.Logs.ListMessages)
			r.Get("/messages/{message_id}", c.Logs.GetMessage)
			r.Get("/stats", c.Logs.Stats)
			r.Post("/cleanup", c.Logs.Cleanup)
		})
	}

	// 实时事件
	if c.Events != nil {
		r.Route("/events", func(r chi.Router) {
			r.Get("/stream", c.Events.Stream)
			r.Get("/connections", c.Events.Connections)
		})
	}
}
