package database

import (
	"context"
	"time"

	"nic-router/internal/config"
)

// Database 数据库接口，抽象统计快照与租约历史所需的存储操作
type Database interface {
	// 连接管理
	Connect(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error

	// 迁移管理
	Migrate(models ...interface{}) error

	// 写入
	Create(ctx context.Context, model interface{}) error
	CreateInBatches(ctx context.Context, models interface{}, batchSize int) error

	// 查询
	FindAllWithOrder(ctx context.Context, condition interface{}, models interface{}, orderBy string, limit int) error
	Count(ctx context.Context, condition interface{}, model interface{}) (int64, error)

	// DeleteBefore 删除 column 早于 before 的记录，返回删除条数
	DeleteBefore(ctx context.Context, model interface{}, column string, before time.Time) (int64, error)
}

// Config 数据库配置
type Config struct {
	Type     string `json:"type"`      // 数据库类型: sqlite
	FilePath string `json:"file_path"` // SQLite文件路径
	Debug    bool   `json:"debug"`     // 打印SQL

	// 连接池配置
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// FromRouterConfig 由路由器配置中的 database 段生成数据库配置
func FromRouterConfig(c config.DatabaseConfig) *Config {
	return &Config{
		Type:     "sqlite",
		FilePath: c.Path,
		Debug:    c.Debug,
	}
}

// DatabaseFactory 数据库工厂接口
type DatabaseFactory interface {
	CreateDatabase(config *Config) (Database, error)
	SupportedTypes() []string
}
