package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gateway-service/api"
	_ "gateway-service/docs"
	"gateway-service/service"

	daprd "github.com/dapr/go-sdk/service/http"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title 多协议网关服务 API
// @version 1.0
// @description 多协议数据接入网关，负责UDP/TCP/HTTP/WebSocket/MQTT接入、帧解析、规则路由与多目标转发
// @BasePath /swagger/gateway-service
func main() {
	mux := chi.NewRouter()

	// 如果有BASE_CONTEXT，则在该路径下挂载所有路由
	if base := service.Settings.BaseContext; base != "" {
		mux.Route(base, func(r chi.Router) {
			subMux := r.(*chi.Mux)
			api.InitRoute(subMux)
			r.Handle("/metrics", promhttp.Handler())
			r.Handle("/swagger*", httpSwagger.WrapHandler)
		})
	} else {
		api.InitRoute(mux)
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/swagger*", httpSwagger.WrapHandler)
	}

	s := daprd.NewServiceWithMux(":"+service.Settings.ListenPort, mux)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		slog.Info("收到退出信号，开始关闭服务")

		ctx, cancel := context.WithTimeout(context.Background(), service.Settings.DrainTimeout+5*time.Second)
		defer cancel()
		if err := service.Shutdown(ctx); err != nil {
			slog.Error("关闭服务出错", "error", err)
		}
		if err := s.GracefulStop(); err != nil {
			slog.Error("停止HTTP服务出错", "error", err)
		}
	}()

	slog.Info("HTTP服务启动", "port", service.Settings.ListenPort, "base_context", service.Settings.BaseContext)
	if err := s.Start(); err != nil && err != http.ErrServerClosed {
		slog.Error("HTTP服务异常退出", "error", err)
		os.Exit(1)
	}
}
