package database

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Manager 数据库管理器，负责创建、连接和关闭数据库
type Manager struct {
	config   *Config
	database Database
	factory  DatabaseFactory
	mu       sync.RWMutex
}

// NewManager 创建数据库管理器
func NewManager(config *Config) *Manager {
	return &Manager{
		config:  config,
		factory: GetFactory(),
	}
}

// Initialize 初始化数据库连接并迁移给定模型
func (m *Manager) Initialize(ctx context.Context, models ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.database != nil {
		return nil
	}

	db, err := m.factory.CreateDatabase(m.config)
	if err != nil {
		return errors.Wrap(err, "failed to create database")
	}
	if err := db.Connect(ctx); err != nil {
		return errors.Wrap(err, "failed to connect to database")
	}
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return errors.Wrap(err, "failed to ping database")
	}
	if len(models) > 0 {
		if err := db.Migrate(models...); err != nil {
			_ = db.Close()
			return errors.Wrap(err, "failed to migrate database")
		}
	}

	m.database = db
	return nil
}

// GetDatabase 获取数据库实例，未初始化时返回 nil
func (m *Manager) GetDatabase() Database {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.database
}

// IsInitialized 检查是否已初始化
func (m *Manager) IsInitialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.database != nil
}

// Close 关闭数据库连接
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.database == nil {
		return nil
	}
	err := m.database.Close()
	m.database = nil
	return err
}
