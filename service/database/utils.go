package database

import (
	"fmt"
	"log/slog"

	"gorm.io/gorm"
)

// CheckSchemaExists 检查 schema 是否存在
func CheckSchemaExists(db *gorm.DB, schemaName string) bool {
	var count int64
	db.Raw("SELECT COUNT(*) FROM information_schema.schemata WHERE schema_name = ?", schemaName).Scan(&count)
	return count > 0
}

// CreateSchema 创建网关 schema，已存在时不做处理
func CreateSchema(db *gorm.DB, schemaName string) error {
	// 使用双引号避免保留关键字问题
	createSchemaSQL := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS \"%s\";", schemaName)
	if err := db.Exec(createSchemaSQL).Error; err != nil {
		return fmt.Errorf("创建 schema %s 失败: %w", schemaName, err)
	}
	slog.Info("schema 已就绪", "schema", schemaName)
	return nil
}

// EnsureSchema 仅在 Postgres 上创建 schema
func EnsureSchema(db *gorm.DB, schemaName string) error {
	if db.Dialector.Name() != "postgres" || schemaName == "" || schemaName == "public" {
		return nil
	}
	if CheckSchemaExists(db, schemaName) {
		return nil
	}
	return CreateSchema(db, schemaName)
}
