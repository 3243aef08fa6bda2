package database

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var errNotConnected = errors.New("database not connected")

// SQLiteDatabase SQLite数据库实现
type SQLiteDatabase struct {
	db     *gorm.DB
	config *Config
}

// NewSQLiteDatabase 创建SQLite数据库实例
func NewSQLiteDatabase(config *Config) (Database, error) {
	if config.FilePath == "" {
		config.FilePath = "nic-router.db"
	}

	// 确保目录存在
	dir := filepath.Dir(config.FilePath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, errors.Wrapf(err, "create directory %s", dir)
		}
	}

	return &SQLiteDatabase{
		config: config,
	}, nil
}

// Connect 连接数据库
func (s *SQLiteDatabase) Connect(ctx context.Context) error {
	logLevel := logger.Silent
	if s.config.Debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(s.config.FilePath), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return errors.Wrap(err, "failed to connect to SQLite database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying sql.DB")
	}

	// 写入只来自记录器的单个 goroutine，连接数保持很小即可
	if s.config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(s.config.MaxOpenConns)
	} else {
		sqlDB.SetMaxOpenConns(2)
	}
	if s.config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(s.config.MaxIdleConns)
	} else {
		sqlDB.SetMaxIdleConns(1)
	}
	if s.config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(s.config.ConnMaxLifetime)
	} else {
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	s.db = db
	return nil
}

// Close 关闭数据库连接
func (s *SQLiteDatabase) Close() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	s.db = nil
	return sqlDB.Close()
}

// Ping 检查数据库连接
func (s *SQLiteDatabase) Ping(ctx context.Context) error {
	if s.db == nil {
		return errNotConnected
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Migrate 执行数据库迁移
func (s *SQLiteDatabase) Migrate(models ...interface{}) error {
	if s.db == nil {
		return errNotConnected
	}
	return s.db.AutoMigrate(models...)
}

// Create 创建记录
func (s *SQLiteDatabase) Create(ctx context.Context, model interface{}) error {
	if s.db == nil {
		return errNotConnected
	}
	return s.db.WithContext(ctx).Create(model).Error
}

// CreateInBatches 批量创建
func (s *SQLiteDatabase) CreateInBatches(ctx context.Context, models interface{}, batchSize int) error {
	if s.db == nil {
		return errNotConnected
	}
	return s.db.WithContext(ctx).CreateInBatches(models, batchSize).Error
}

// FindAllWithOrder 按条件和排序查询，limit 不大于 0 时不限制条数
func (s *SQLiteDatabase) FindAllWithOrder(ctx context.Context, condition interface{}, models interface{}, orderBy string, limit int) error {
	if s.db == nil {
		return errNotConnected
	}

	q := s.where(ctx, condition)
	if orderBy != "" {
		q = q.Order(orderBy)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return q.Find(models).Error
}

// Count 统计记录数
func (s *SQLiteDatabase) Count(ctx context.Context, condition interface{}, model interface{}) (int64, error) {
	if s.db == nil {
		return 0, errNotConnected
	}

	var count int64
	result := s.where(ctx, condition).Model(model).Count(&count)
	return count, result.Error
}

// DeleteBefore 删除 column 早于 before 的记录
func (s *SQLiteDatabase) DeleteBefore(ctx context.Context, model interface{}, column string, before time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNotConnected
	}

	result := s.db.WithContext(ctx).Where(column+" < ?", before).Delete(model)
	return result.RowsAffected, result.Error
}

// where 条件为 nil 时不附加 WHERE 子句
func (s *SQLiteDatabase) where(ctx context.Context, condition interface{}) *gorm.DB {
	q := s.db.WithContext(ctx)
	if condition != nil {
		q = q.Where(condition)
	}
	return q
}
