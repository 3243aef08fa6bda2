package dao

import (
	"github.com/pkg/errors"

	"nic-router/internal/database"
)

// DefaultDAOManager 默认DAO管理器实现
type DefaultDAOManager struct {
	db        database.Database
	leases    BaseDAO[LeaseRecord]
	snapshots BaseDAO[StatsSnapshot]
}

// NewDAOManager 创建DAO管理器，db 需已连接并完成迁移
func NewDAOManager(db database.Database) DAOManager {
	return &DefaultDAOManager{
		db:        db,
		leases:    NewBaseDAO[LeaseRecord](db, "at"),
		snapshots: NewBaseDAO[StatsSnapshot](db, "at"),
	}
}

// GetDatabase 获取数据库实例
func (m *DefaultDAOManager) GetDatabase() database.Database {
	return m.db
}

// Leases 租约事件DAO
func (m *DefaultDAOManager) Leases() BaseDAO[LeaseRecord] {
	return m.leases
}

// Snapshots 统计快照DAO
func (m *DefaultDAOManager) Snapshots() BaseDAO[StatsSnapshot] {
	return m.snapshots
}

// Close 关闭数据库
func (m *DefaultDAOManager) Close() error {
	if err := m.db.Close(); err != nil {
		return errors.Wrap(err, "failed to close database")
	}
	return nil
}
