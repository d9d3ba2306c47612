package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gateway-service/service/config"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// ConfigChangeChannel 跨实例配置变更通知通道
const ConfigChangeChannel = "gateway_config_changes"

// ChangeApplier 处理来自其他实例的配置变更
type ChangeApplier interface {
	ApplyRemoteChange(ctx context.Context, change config.Change) bool
}

// PgNotifier 通过 pg_notify 向其他实例广播配置变更
type PgNotifier struct {
	db      *gorm.DB
	channel string
}

// NewPgNotifier 创建通知器
func NewPgNotifier(db *gorm.DB) *PgNotifier {
	return &PgNotifier{db: db, channel: ConfigChangeChannel}
}

// Notify 发送变更通知；非 Postgres 数据库时忽略
func (n *PgNotifier) Notify(ctx context.Context, change config.Change) error {
	if n.db.Dialector.Name() != "postgres" {
		return nil
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	if err := n.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", n.channel, string(payload)).Error; err != nil {
		return fmt.Errorf("发送配置变更通知失败: %w", err)
	}
	return nil
}

// ConfigChangeListener 监听其他实例发出的配置变更
type ConfigChangeListener struct {
	connStr  string
	applier  ChangeApplier
	listener *pq.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewConfigChangeListener 创建监听器，connStr 为 lib/pq 连接串
func NewConfigChangeListener(connStr string, applier ChangeApplier) *ConfigChangeListener {
	return &ConfigChangeListener{connStr: connStr, applier: applier}
}

// Start 建立 LISTEN 连接并在后台处理通知
func (l *ConfigChangeListener) Start() error {
	l.listener = pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			slog.Warn("PostgreSQL监听器事件", "event", ev, "error", err)
		}
	})
	if err := l.listener.Listen(ConfigChangeChannel); err != nil {
		l.listener.Close()
		return fmt.Errorf("监听配置变更通道失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.loop(ctx)

	slog.Info("配置变更监听器已启动", "channel", ConfigChangeChannel)
	return nil
}

func (l *ConfigChangeListener) loop(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case n := <-l.listener.Notify:
			// 重连后收到 nil，断线期间的通知已丢失
			if n == nil {
				if all, ok := l.applier.(interface{ InvalidateAll() }); ok {
					all.InvalidateAll()
					slog.Warn("监听器已重连，清空本地配置缓存")
				}
				continue
			}
			l.handleNotification(ctx, n)
		case <-time.After(90 * time.Second):
			if err := l.listener.Ping(); err != nil {
				slog.Warn("PostgreSQL监听器心跳失败", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (l *ConfigChangeListener) handleNotification(ctx context.Context, n *pq.Notification) {
	var change config.Change
	if err := json.Unmarshal([]byte(n.Extra), &change); err != nil {
		slog.Warn("解析配置变更通知失败", "payload", n.Extra, "error", err)
		return
	}
	if change.EntityType == "" || change.ID == "" {
		slog.Warn("配置变更通知缺少实体信息", "payload", n.Extra)
		return
	}
	if l.applier.ApplyRemoteChange(ctx, change) {
		slog.Info("收到其他实例的配置变更", "entity_type", change.EntityType, "id", change.ID, "origin", change.Origin)
	}
}

// Stop 关闭监听
func (l *ConfigChangeListener) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	l.listener.Close()
	l.cancel = nil
	slog.Info("配置变更监听器已停止")
}
