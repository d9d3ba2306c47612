/*
 * @module service/init
 * @description 服务初始化模块，负责数据库连接、依赖装配与网关启动
 * @architecture 分层架构 - 服务层
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow 读取参数 -> 连接数据库/Redis -> 迁移 -> 装配配置/加密/路由/管道/转发/适配器 -> 启动网关
 * @rules Redis 不可用时退化为单实例模式（无共享缓存、无分布式锁、接入限流不生效）；未配置主密钥时不启用加密
 * @dependencies gorm.io/gorm, gorm.io/driver/postgres, github.com/go-redis/redis/v8
 * @refs service/gateway/manager.go, service/config/settings.go
 */

package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gateway-service/logger"
	"gateway-service/service/adapters"
	"gateway-service/service/cleanup"
	"gateway-service/service/config"
	"gateway-service/service/crypto"
	"gateway-service/service/database"
	"gateway-service/service/distributed_lock"
	"gateway-service/service/event"
	"gateway-service/service/eventbus"
	"gateway-service/service/forwarders"
	"gateway-service/service/gateway"
	"gateway-service/service/monitoring"
	"gateway-service/service/pipeline"
	"gateway-service/service/rate_limiter"
	"gateway-service/service/repository"
	"gateway-service/service/routing"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	Settings *config.Settings
	DB       *gorm.DB
	Redis    *redis.Client
	Store    *repository.Store
	Bus      *eventbus.EventBus

	GlobalConfigService  *config.GatewayConfigService
	GlobalCryptoService  *crypto.Service
	GlobalEventService   *event.EventService
	GlobalMonitorService *monitoring.MonitorService
	GlobalHealthChecker  *monitoring.HealthChecker
	GlobalGateway        *gateway.Manager
	GlobalCleanupService *cleanup.LogCleanupService
	GlobalConfigListener *event.ConfigChangeListener
)

var globalMetricsCollector *monitoring.MetricsCollector

func init() {
	var err error
	Settings, err = config.LoadSettings()
	if err != nil {
		slog.Error("读取运行参数失败", "error", err)
		os.Exit(1)
	}
	logger.InitLogger(Settings.LogLevel)

	initDatabase()
	runMigrations()
	initRedis()
	initServices()
	startGateway()
}

// initDatabase 初始化数据库连接
func initDatabase() {
	var err error
	DB, err = gorm.Open(postgres.Open(Settings.Database.DSN()), &gorm.Config{})
	if err != nil {
		slog.Error("数据库连接失败", "error", err)
		os.Exit(1)
	}
	slog.Info("数据库连接成功", "host", Settings.Database.Host, "schema", Settings.Database.Schema)
}

// runMigrations 运行数据库迁移
func runMigrations() {
	slog.Info("开始运行数据库迁移...")
	if err := database.EnsureSchema(DB, Settings.Database.Schema); err != nil {
		slog.Error("创建schema失败", "error", err)
		os.Exit(1)
	}
	if err := database.AutoMigrate(DB); err != nil {
		slog.Error("数据库迁移失败", "error", err)
		os.Exit(1)
	}

	Store = repository.NewStore(DB)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := database.InitializeData(ctx, Store.Rules); err != nil {
		slog.Error("基础数据初始化失败", "error", err)
		os.Exit(1)
	}
	now := time.Now().UTC()
	for _, t := range []time.Time{now, now.AddDate(0, 1, 0)} {
		if err := Store.Logs.EnsurePartition(ctx, t); err != nil {
			slog.Warn("创建消息日志分区失败", "month", repository.PartitionName(t), "error", err)
		}
	}
	slog.Info("所有数据库迁移任务完成")
}

// initRedis Redis 可选，连接失败时继续以单实例模式运行
func initRedis() {
	client, err := config.NewRedisClient(Settings.Redis)
	if err != nil {
		slog.Warn("Redis不可用，以单实例模式运行", "error", err)
		return
	}
	Redis = client
}

// initServices 按依赖顺序装配各组件
func initServices() {
	Bus = eventbus.New()

	var cache config.Cache
	if Redis != nil {
		cache = config.NewRedisCache(Redis)
	}
	GlobalConfigService = config.NewGatewayConfigService(Store, cache, Settings.CacheTTL, Bus)
	GlobalConfigService.SetNotifier(event.NewPgNotifier(DB))

	GlobalConfigListener = event.NewConfigChangeListener(Settings.Database.DSN(), GlobalConfigService)
	if err := GlobalConfigListener.Start(); err != nil {
		slog.Warn("配置变更监听启动失败，其他实例的修改需等待缓存过期", "error", err)
		GlobalConfigListener = nil
	}

	GlobalEventService = event.NewEventService(Bus)
	if err := GlobalEventService.Start(); err != nil {
		slog.Warn("事件推送服务启动失败", "error", err)
	}

	var (
		encrypter forwarders.Encrypter
		decrypter pipeline.Decrypter
	)
	if Settings.MasterKey != "" {
		svc, err := crypto.NewService(Settings.MasterKey, GlobalConfigService)
		if err != nil {
			slog.Error("加密服务初始化失败", "error", err)
			os.Exit(1)
		}
		GlobalCryptoService = svc
		encrypter, decrypter = svc, svc
		// 其他实例轮换或停用密钥后清除本实例的密钥缓存
		if _, err := Bus.Subscribe(eventbus.TopicConfigChanged, func(_ string, payload interface{}) {
			if change, ok := payload.(config.Change); ok && change.EntityType == config.EntityEncryptionKey {
				svc.InvalidateKey(change.ID)
			}
		}); err != nil {
			slog.Warn("订阅密钥变更失败", "error", err)
		}
	} else {
		slog.Warn("未配置 GATEWAY_MASTER_KEY，消息加密不可用")
	}

	forwarderManager := forwarders.NewManager(forwarders.NewFactory(), forwarders.Dependencies{Encrypter: encrypter}, Bus)
	router := routing.NewEngine(Bus, Store)
	pipe := pipeline.New(Bus, pipeline.Options{
		Workers:   Settings.PipelineWorkers,
		Config:    GlobalConfigService,
		Router:    router,
		Forwarder: forwarderManager,
		Recorder:  Store,
		Decrypter: decrypter,
	})

	var adapterOpts adapters.Options
	if Redis != nil {
		adapterOpts.RateLimiter = rate_limiter.NewRedisRateLimiter(Redis)
	}

	GlobalMonitorService = monitoring.NewMonitorService(monitoring.DefaultWindow)
	if err := GlobalMonitorService.Start(Bus); err != nil {
		slog.Warn("运行时监控启动失败", "error", err)
	}
	collector, err := monitoring.NewMetricsCollector(nil)
	if err != nil {
		slog.Warn("注册Prometheus指标失败", "error", err)
	} else if err := collector.Attach(Bus); err != nil {
		slog.Warn("订阅指标事件失败", "error", err)
	} else {
		globalMetricsCollector = collector
	}

	GlobalGateway = gateway.NewManager(gateway.Deps{
		Bus:            Bus,
		Config:         GlobalConfigService,
		Rules:          Store.Rules,
		Adapters:       adapters.NewFactory(adapterOpts),
		Forwarders:     forwarderManager,
		Router:         router,
		Pipeline:       pipe,
		Rates:          GlobalMonitorService,
		DrainTimeout:   Settings.DrainTimeout,
		StatusInterval: Settings.StatusInterval,
	})
	GlobalHealthChecker = monitoring.NewHealthChecker(DB, Redis, GlobalGateway)

	var locker *distributed_lock.LockExecutor
	if Redis != nil {
		locker = distributed_lock.NewLockExecutor(distributed_lock.NewRedisLock(Redis))
	}
	GlobalCleanupService = cleanup.NewLogCleanupService(Store.Logs, cleanup.Options{
		MessageRetentionDays: Settings.MessageLogRetentionDays,
		ForwardRetentionDays: Settings.ForwardLogRetentionDays,
		Schedule:             Settings.CleanupSchedule,
	}, locker)
	if err := GlobalCleanupService.StartScheduledCleanup(); err != nil {
		slog.Warn("启动日志清理调度失败", "error", err)
	}

	slog.Info("服务初始化完成", "redis", Redis != nil, "encryption", GlobalCryptoService != nil)
}

// startGateway 启动失败不退出进程，可通过 /gateway/start 重试
func startGateway() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := GlobalGateway.Start(ctx); err != nil {
		slog.Error("网关启动失败", "error", err)
	}
}

// Shutdown 按启动的逆序释放资源
func Shutdown(ctx context.Context) error {
	var firstErr error
	if GlobalGateway != nil {
		if err := GlobalGateway.Stop(ctx); err != nil {
			firstErr = fmt.Errorf("停止网关失败: %w", err)
		}
	}
	if GlobalCleanupService != nil {
		GlobalCleanupService.StopScheduledCleanup()
	}
	if GlobalEventService != nil {
		GlobalEventService.Stop()
	}
	if GlobalMonitorService != nil {
		GlobalMonitorService.Stop(Bus)
	}
	if globalMetricsCollector != nil {
		globalMetricsCollector.Detach(Bus)
	}
	if GlobalConfigListener != nil {
		GlobalConfigListener.Stop()
	}
	if Redis != nil {
		if err := Redis.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("关闭Redis失败: %w", err)
		}
	}
	if DB != nil {
		if sqlDB, err := DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("关闭数据库失败: %w", err)
			}
		}
	}
	slog.Info("服务已关闭")
	return firstErr
}
