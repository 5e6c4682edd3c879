package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDatabase GORM 数据库实现
type GormDatabase struct {
	db *gorm.DB
}

// NewGormDatabase 创建 GORM 数据库实例
func NewGormDatabase(config *Config) (*GormDatabase, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		if dir := filepath.Dir(config.DSN); dir != "" && dir != "." && config.DSN != ":memory:" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("创建数据库目录失败: %w", err)
			}
		}
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("不支持的数据库类型: %s", config.Type)
	}

	logLevel := logger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取 sql.DB 失败: %w", err)
	}

	// 配置连接池
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(&CycleRecord{}, &OrderRecord{}, &LogRecord{}); err != nil {
		return nil, fmt.Errorf("自动迁移失败: %w", err)
	}

	return &GormDatabase{db: db}, nil
}

// SaveCycle 保存周期记录
func (g *GormDatabase) SaveCycle(ctx context.Context, cycle *CycleRecord) error {
	return g.db.WithContext(ctx).Create(cycle).Error
}

// SaveCycleWithOrder 在同一事务中保存周期与订单，订单关联周期 ID
func (g *GormDatabase) SaveCycleWithOrder(ctx context.Context, cycle *CycleRecord, order *OrderRecord) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(cycle).Error; err != nil {
			return err
		}
		if order == nil {
			return nil
		}
		order.CycleID = cycle.ID
		return tx.Create(order).Error
	})
}

// GetCycles 获取周期记录，最新的在前
func (g *GormDatabase) GetCycles(ctx context.Context, filter *CycleFilter) ([]*CycleRecord, error) {
	query := g.db.WithContext(ctx).Model(&CycleRecord{})

	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.StartTime != nil {
		query = query.Where("created_at >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("created_at <= ?", filter.EndTime)
	}

	query = query.Order("created_at DESC").Order("id DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var cycles []*CycleRecord
	if err := query.Find(&cycles).Error; err != nil {
		return nil, err
	}
	return cycles, nil
}

// GetActionCounts 按决策类型统计周期数量，symbol 为空表示全部
func (g *GormDatabase) GetActionCounts(ctx context.Context, symbol string, since time.Time) (map[string]int64, error) {
	query := g.db.WithContext(ctx).Model(&CycleRecord{}).Where("created_at >= ?", since)
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}

	var rows []struct {
		Action string
		Count  int64
	}
	if err := query.Select("action, COUNT(*) AS count").Group("action").Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Action] = r.Count
	}
	return counts, nil
}

// CleanupOldCycles 删除超过保留天数的周期记录
func (g *GormDatabase) CleanupOldCycles(ctx context.Context, keepDays int) (int64, error) {
	if keepDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -keepDays)
	res := g.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&CycleRecord{})
	return res.RowsAffected, res.Error
}

// SaveOrder 保存订单记录
func (g *GormDatabase) SaveOrder(ctx context.Context, order *OrderRecord) error {
	return g.db.WithContext(ctx).Create(order).Error
}

// GetOrders 获取订单记录
func (g *GormDatabase) GetOrders(ctx context.Context, filter *OrderFilter) ([]*OrderRecord, error) {
	query := g.db.WithContext(ctx).Model(&OrderRecord{})

	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.Outcome != "" {
		query = query.Where("outcome = ?", filter.Outcome)
	}

	query = query.Order("created_at DESC").Order("id DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var orders []*OrderRecord
	if err := query.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// SaveLogs 批量写入日志
func (g *GormDatabase) SaveLogs(ctx context.Context, logs []*LogRecord) error {
	if len(logs) == 0 {
		return nil
	}
	return g.db.WithContext(ctx).CreateInBatches(logs, 100).Error
}

// GetLogs 查询日志，最新的在前
func (g *GormDatabase) GetLogs(ctx context.Context, filter *LogFilter) ([]*LogRecord, error) {
	query := g.db.WithContext(ctx).Model(&LogRecord{})

	if filter.Level != "" {
		query = query.Where("level = ?", filter.Level)
	}
	if filter.Keyword != "" {
		query = query.Where("message LIKE ?", "%"+filter.Keyword+"%")
	}
	if filter.Since != nil {
		query = query.Where("created_at >= ?", filter.Since)
	}

	query = query.Order("created_at DESC").Order("id DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var logs []*LogRecord
	if err := query.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// CleanupOldLogs 删除超过保留天数的日志
func (g *GormDatabase) CleanupOldLogs(ctx context.Context, keepDays int) (int64, error) {
	if keepDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -keepDays)
	res := g.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&LogRecord{})
	return res.RowsAffected, res.Error
}

// Ping 健康检查
func (g *GormDatabase) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接
func (g *GormDatabase) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
