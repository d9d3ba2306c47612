/*
 * @module service/config/settings
 * @description 网关运行参数：环境变量优先，可选 YAML 文件补充默认值
 * @architecture 分层架构 - 配置层
 * @documentReference dev_docs/deployment.md
 * @stateFlow 默认值 -> YAML 文件(GATEWAY_CONFIG_FILE) -> 环境变量
 * @rules 环境变量始终覆盖文件中的值；非法数值回退到默认值
 * @dependencies gopkg.in/yaml.v3, github.com/spf13/cast
 * @refs service/init.go
 */

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// DatabaseSettings 数据库连接参数
type DatabaseSettings struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	Schema   string `yaml:"schema"`
}

// DSN 拼接 Postgres 连接串，URL 非空时直接使用
func (d DatabaseSettings) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s search_path=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode, d.Schema)
}

// RedisSettings Redis 连接参数，Host 为空时不启用
type RedisSettings struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Addr host:port
func (r RedisSettings) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// Settings 网关运行参数
type Settings struct {
	Database DatabaseSettings `yaml:"database"`
	Redis    RedisSettings    `yaml:"redis"`

	ListenPort  string `yaml:"listen_port"`
	BaseContext string `yaml:"base_context"`
	LogLevel    string `yaml:"log_level"`

	DrainTimeout    time.Duration `yaml:"drain_timeout"`
	PipelineWorkers int           `yaml:"pipeline_workers"`
	MasterKey       string        `yaml:"master_key"`
	APIToken        string        `yaml:"api_token"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	StatusInterval  time.Duration `yaml:"status_interval"`

	MessageLogRetentionDays int    `yaml:"message_log_retention_days"`
	ForwardLogRetentionDays int    `yaml:"forward_log_retention_days"`
	CleanupSchedule         string `yaml:"cleanup_schedule"`
}

// DefaultSettings 默认参数
func DefaultSettings() *Settings {
	return &Settings{
		Database: DatabaseSettings{
			Host:    "localhost",
			Port:    "5432",
			User:    "postgres",
			Name:    "postgres",
			SSLMode: "disable",
			Schema:  "gateway",
		},
		Redis:                   RedisSettings{Port: "6379"},
		ListenPort:              "8080",
		BaseContext:             "",
		LogLevel:                "info",
		DrainTimeout:            10 * time.Second,
		PipelineWorkers:         64,
		CacheTTL:                5 * time.Minute,
		StatusInterval:          5 * time.Second,
		MessageLogRetentionDays: 30,
		ForwardLogRetentionDays: 30,
		CleanupSchedule:         "0 30 3 * * *",
	}
}

// LoadSettings 读取运行参数
func LoadSettings() (*Settings, error) {
	s := DefaultSettings()
	if path := os.Getenv("GATEWAY_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}
	s.applyEnv()
	return s, nil
}

func (s *Settings) applyEnv() {
	s.Database.URL = getEnvWithDefault("DATABASE_URL", s.Database.URL)
	s.Database.Host = getEnvWithDefault("DB_HOST", s.Database.Host)
	s.Database.Port = getEnvWithDefault("DB_PORT", s.Database.Port)
	s.Database.User = getEnvWithDefault("DB_USER", s.Database.User)
	s.Database.Password = getEnvWithDefault("DB_PASSWORD", s.Database.Password)
	s.Database.Name = getEnvWithDefault("DB_NAME", s.Database.Name)
	s.Database.SSLMode = getEnvWithDefault("DB_SSLMODE", s.Database.SSLMode)
	s.Database.Schema = getEnvWithDefault("DB_SCHEMA", s.Database.Schema)

	s.Redis.Host = getEnvWithDefault("REDIS_HOST", s.Redis.Host)
	s.Redis.Port = getEnvWithDefault("REDIS_PORT", s.Redis.Port)
	s.Redis.Password = getEnvWithDefault("REDIS_PASSWORD", s.Redis.Password)
	s.Redis.DB = getIntEnv("REDIS_DB", s.Redis.DB)

	s.ListenPort = getEnvWithDefault("LISTEN_PORT", s.ListenPort)
	s.BaseContext = getEnvWithDefault("BASE_CONTEXT", s.BaseContext)
	s.LogLevel = getEnvWithDefault("LOG_LEVEL", s.LogLevel)

	s.DrainTimeout = getDurationEnv("GATEWAY_DRAIN_TIMEOUT", s.DrainTimeout)
	s.PipelineWorkers = getIntEnv("PIPELINE_WORKERS", s.PipelineWorkers)
	s.MasterKey = getEnvWithDefault("GATEWAY_MASTER_KEY", s.MasterKey)
	s.APIToken = getEnvWithDefault("GATEWAY_API_TOKEN", s.APIToken)
	s.CacheTTL = getDurationEnv("CONFIG_CACHE_TTL", s.CacheTTL)
	s.StatusInterval = getDurationEnv("GATEWAY_STATUS_INTERVAL", s.StatusInterval)

	s.MessageLogRetentionDays = getIntEnv("MESSAGE_LOG_RETENTION_DAYS", s.MessageLogRetentionDays)
	s.ForwardLogRetentionDays = getIntEnv("FORWARD_LOG_RETENTION_DAYS", s.ForwardLogRetentionDays)
	s.CleanupSchedule = getEnvWithDefault("LOG_CLEANUP_SCHEDULE", s.CleanupSchedule)
}

// getEnvWithDefault 获取环境变量，如果不存在则返回默认值
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := cast.ToIntE(value)
	if err != nil || n < 0 {
		return defaultValue
	}
	return n
}

// getDurationEnv 支持 "10s" 形式，纯数字按秒处理
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if n, err := cast.ToIntE(value); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}
