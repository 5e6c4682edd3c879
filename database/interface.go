package database

import (
	"context"
	"time"
)

// Database 实盘记录存储接口
type Database interface {
	// 周期记录
	SaveCycle(ctx context.Context, cycle *CycleRecord) error
	GetCycles(ctx context.Context, filter *CycleFilter) ([]*CycleRecord, error)
	// 周期记录连同下单记录在同一事务中保存
	SaveCycleWithOrder(ctx context.Context, cycle *CycleRecord, order *OrderRecord) error
	GetActionCounts(ctx context.Context, symbol string, since time.Time) (map[string]int64, error)
	CleanupOldCycles(ctx context.Context, keepDays int) (int64, error)

	// 订单记录
	SaveOrder(ctx context.Context, order *OrderRecord) error
	GetOrders(ctx context.Context, filter *OrderFilter) ([]*OrderRecord, error)

	// 告警日志（WARN 及以上）
	SaveLogs(ctx context.Context, logs []*LogRecord) error
	GetLogs(ctx context.Context, filter *LogFilter) ([]*LogRecord, error)
	CleanupOldLogs(ctx context.Context, keepDays int) (int64, error)

	// 健康检查
	Ping(ctx context.Context) error

	// 关闭连接
	Close() error
}

// 数据模型

// CycleRecord 单个交易对一次实盘周期的快照与结论
type CycleRecord struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol         string    `gorm:"index:idx_symbol_time;size:50" json:"symbol"`
	Side           string    `gorm:"size:10" json:"side"` // Long, Short
	Balance        float64   `json:"balance"`
	PositionSize   float64   `json:"position_size"`
	Margin         float64   `json:"margin"`
	UnrealizedPnl  float64   `json:"unrealized_pnl"`
	PnlPct         float64   `json:"pnl_pct"`
	MarginLevel    float64   `json:"margin_level"`
	EntryPrice     float64   `json:"entry_price"`
	Price          float64   `json:"price"`
	Leverage       int       `json:"leverage"`
	EMA50          float64   `gorm:"column:ema50" json:"ema50"`
	EMA200         float64   `gorm:"column:ema200" json:"ema200"`
	DipEMA         float64   `json:"dip_ema"`
	HighVolatility bool      `json:"high_volatility"`
	DeclineType    string    `gorm:"size:30" json:"decline_type"`
	Action         string    `gorm:"index;size:10" json:"action"` // OPEN, ADD, REDUCE, CLOSE, HOLD, SKIP
	Conclusion     string    `gorm:"size:500" json:"conclusion"`
	OrderOutcome   string    `gorm:"size:20" json:"order_outcome"` // placed, skipped, failed，无订单为空
	Error          string    `gorm:"size:500" json:"error,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	CreatedAt      time.Time `gorm:"index:idx_symbol_time" json:"created_at"`
}

// OrderRecord 下单记录
type OrderRecord struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CycleID       int64     `gorm:"index" json:"cycle_id"`
	Symbol        string    `gorm:"index:idx_order_symbol;size:50" json:"symbol"`
	OrderID       string    `gorm:"index;size:64" json:"order_id"`
	ClientOrderID string    `gorm:"uniqueIndex;size:64" json:"client_order_id"`
	Side          string    `gorm:"size:10" json:"side"`     // BUY, SELL
	PosSide       string    `gorm:"size:10" json:"pos_side"` // Long, Short
	Action        string    `gorm:"size:10" json:"action"`
	Price         float64   `json:"price"`
	Quantity      string    `gorm:"size:40" json:"quantity"` // 精确小数
	ReduceOnly    bool      `json:"reduce_only"`
	Outcome       string    `gorm:"index;size:20" json:"outcome"`
	Status        string    `gorm:"size:20" json:"status"`
	Reason        string    `gorm:"size:500" json:"reason"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

// CycleFilter 周期记录过滤条件
type CycleFilter struct {
	Symbol    string
	Action    string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// OrderFilter 订单记录过滤条件
type OrderFilter struct {
	Symbol  string
	Outcome string
	Limit   int
	Offset  int
}

// LogRecord 持久化的日志
type LogRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Level     string    `gorm:"index;size:10" json:"level"`
	Message   string    `gorm:"type:text" json:"message"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// LogFilter 日志查询条件
type LogFilter struct {
	Level   string
	Keyword string
	Since   *time.Time
	Limit   int
	Offset  int
}
