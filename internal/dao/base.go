package dao

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"nic-router/internal/database"
)

// batchSize 批量写入的批次大小
const batchSize = 100

// BaseDAOImpl 基础DAO实现，记录按 timeColumn 排序和清理
type BaseDAOImpl[T any] struct {
	db         database.Database
	timeColumn string
}

// NewBaseDAO 创建基础DAO实例
func NewBaseDAO[T any](db database.Database, timeColumn string) BaseDAO[T] {
	return &BaseDAOImpl[T]{
		db:         db,
		timeColumn: timeColumn,
	}
}

// Create 创建实体
func (dao *BaseDAOImpl[T]) Create(ctx context.Context, entity *T) error {
	if entity == nil {
		return errors.New("entity cannot be nil")
	}
	return dao.db.Create(ctx, entity)
}

// CreateBatch 批量创建
func (dao *BaseDAOImpl[T]) CreateBatch(ctx context.Context, entities []*T) error {
	if len(entities) == 0 {
		return nil
	}
	return dao.db.CreateInBatches(ctx, entities, batchSize)
}

// FindRecent 按时间倒序查询
func (dao *BaseDAOImpl[T]) FindRecent(ctx context.Context, condition interface{}, limit int) ([]*T, error) {
	var entities []*T
	if err := dao.db.FindAllWithOrder(ctx, condition, &entities, dao.timeColumn+" desc, id desc", limit); err != nil {
		return nil, err
	}
	return entities, nil
}

// Count 统计记录数
func (dao *BaseDAOImpl[T]) Count(ctx context.Context, condition interface{}) (int64, error) {
	var zero T
	return dao.db.Count(ctx, condition, &zero)
}

// Prune 删除早于 before 的记录
func (dao *BaseDAOImpl[T]) Prune(ctx context.Context, before time.Time) (int64, error) {
	var zero T
	return dao.db.DeleteBefore(ctx, &zero, dao.timeColumn, before)
}
