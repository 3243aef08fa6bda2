package dao

import (
	"context"
	"time"

	"nic-router/internal/database"
)

// BaseDAO 基础DAO接口，定义通用的数据访问方法
type BaseDAO[T any] interface {
	Create(ctx context.Context, entity *T) error
	CreateBatch(ctx context.Context, entities []*T) error

	// FindRecent 按时间倒序返回最近 limit 条满足条件的记录
	FindRecent(ctx context.Context, condition interface{}, limit int) ([]*T, error)
	Count(ctx context.Context, condition interface{}) (int64, error)

	// Prune 删除 before 之前的记录
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// DAOManager DAO管理器接口
type DAOManager interface {
	GetDatabase() database.Database
	Leases() BaseDAO[LeaseRecord]
	Snapshots() BaseDAO[StatsSnapshot]
	Close() error
}
