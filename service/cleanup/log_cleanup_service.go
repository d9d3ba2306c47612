/*
 * @module service/cleanup/log_cleanup_service
 * @description 日志清理服务，定期删除超过保留期的消息日志与转发日志，并预建下月分区
 * @architecture 分层架构 - 业务服务层
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow 定时触发 -> 获取分布式锁 -> 预建分区 -> 删除过期日志 -> 释放锁
 * @rules 多实例部署时同一时刻只有一个实例执行清理；保留天数 <=0 表示不清理
 * @dependencies github.com/robfig/cron/v3, service/distributed_lock
 * @refs service/repository/log_repository.go, service/config/settings.go
 */

package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gateway-service/service/distributed_lock"

	"github.com/robfig/cron/v3"
)

const lockKey = "log_cleanup"

// LogStore 日志仓储中清理所需的操作
type LogStore interface {
	DeleteMessageLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteForwardLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	EnsurePartition(ctx context.Context, t time.Time) error
}

// Options 清理参数
type Options struct {
	MessageRetentionDays int
	ForwardRetentionDays int
	Schedule             string
}

// Result 单次清理结果
type Result struct {
	MessageLogsDeleted int64         `json:"message_logs_deleted"`
	ForwardLogsDeleted int64         `json:"forward_logs_deleted"`
	Duration           time.Duration `json:"duration"`
	Skipped            bool          `json:"skipped,omitempty"`
}

// LogCleanupService 日志清理服务
type LogCleanupService struct {
	logs   LogStore
	opts   Options
	locker *distributed_lock.LockExecutor
	now    func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewLogCleanupService 创建日志清理服务，locker 为 nil 时不加锁
func NewLogCleanupService(logs LogStore, opts Options, locker *distributed_lock.LockExecutor) *LogCleanupService {
	if opts.Schedule == "" {
		opts.Schedule = "0 30 3 * * *"
	}
	return &LogCleanupService{
		logs:   logs,
		opts:   opts,
		locker: locker,
		now:    time.Now,
	}
}

// CleanupExpiredLogs 执行一次清理
func (s *LogCleanupService) CleanupExpiredLogs(ctx context.Context) (*Result, error) {
	result := &Result{Skipped: true}
	run := func() error {
		result.Skipped = false
		return s.cleanup(ctx, result)
	}

	var err error
	if s.locker != nil {
		err = s.locker.ExecuteWithLockAndRefresh(ctx, lockKey, 10*time.Minute, time.Minute, run)
	} else {
		err = run()
	}
	if result.Skipped {
		slog.Info("其他实例正在执行日志清理，本次跳过")
	}
	return result, err
}

func (s *LogCleanupService) cleanup(ctx context.Context, result *Result) error {
	slog.Info("开始清理过期日志")
	start := time.Now()
	now := s.now().UTC()

	// 预建当月与下月分区，避免月初写入失败
	for _, t := range []time.Time{now, now.AddDate(0, 1, 0)} {
		if err := s.logs.EnsurePartition(ctx, t); err != nil {
			slog.Error("创建消息日志分区失败", "month", t.Format("2006-01"), "error", err)
		}
	}

	var firstErr error
	if days := s.opts.MessageRetentionDays; days > 0 {
		n, err := s.logs.DeleteMessageLogsBefore(ctx, now.AddDate(0, 0, -days))
		if err != nil {
			slog.Error("清理消息日志失败", "error", err)
			firstErr = err
		} else {
			result.MessageLogsDeleted = n
			slog.Info("清理消息日志完成", "deleted_count", n, "retention_days", days)
		}
	}
	if days := s.opts.ForwardRetentionDays; days > 0 {
		n, err := s.logs.DeleteForwardLogsBefore(ctx, now.AddDate(0, 0, -days))
		if err != nil {
			slog.Error("清理转发日志失败", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			result.ForwardLogsDeleted = n
			slog.Info("清理转发日志完成", "deleted_count", n, "retention_days", days)
		}
	}

	result.Duration = time.Since(start)
	slog.Info("日志清理完成",
		"message_deleted", result.MessageLogsDeleted,
		"forward_deleted", result.ForwardLogsDeleted,
		"duration_ms", result.Duration.Milliseconds())
	return firstErr
}

// StartScheduledCleanup 启动定时清理任务
func (s *LogCleanupService) StartScheduledCleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("日志清理调度器已经启动")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(cron.WithSeconds())
	_, err := s.cron.AddFunc(s.opts.Schedule, func() {
		if _, err := s.CleanupExpiredLogs(s.ctx); err != nil {
			slog.Error("定时日志清理任务失败", "error", err)
		}
	})
	if err != nil {
		s.cancel()
		return fmt.Errorf("添加定时任务失败: %w", err)
	}

	s.cron.Start()
	s.started = true
	slog.Info("日志清理调度器启动成功", "schedule", s.opts.Schedule)
	return nil
}

// StopScheduledCleanup 停止定时清理任务
func (s *LogCleanupService) StopScheduledCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.started = false
	slog.Info("日志清理调度器已停止")
}
