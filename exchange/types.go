package exchange

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"dcabot/indicators"
)

var (
	// ErrInsufficientMargin 可用保证金不足，订单被拒绝（正常结果，不是故障）
	ErrInsufficientMargin = errors.New("可用保证金不足")
	// ErrMarginCapExceeded 下单后保证金占用将超过配置上限
	ErrMarginCapExceeded = errors.New("超过保证金占用上限")
	// ErrNoData 交易所返回空数据
	ErrNoData = errors.New("交易所未返回数据")
)

// NoMarginLevel 未占用保证金时的保证金率哨兵值
const NoMarginLevel = 999.0

// PosSide 持仓方向
type PosSide string

const (
	Long  PosSide = "Long"
	Short PosSide = "Short"
)

// ParsePosSide 解析持仓方向（大小写不敏感）
func ParsePosSide(s string) (PosSide, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return Long, nil
	case "short", "sell":
		return Short, nil
	}
	return "", fmt.Errorf("无效的持仓方向: %q", s)
}

// Sign 多头为 +1，空头为 -1
func (p PosSide) Sign() float64 {
	if p == Short {
		return -1
	}
	return 1
}

// OpenSide 开仓/加仓的下单方向
func (p PosSide) OpenSide() Side {
	if p == Short {
		return SideSell
	}
	return SideBuy
}

// CloseSide 减仓/平仓的下单方向
func (p PosSide) CloseSide() Side {
	if p == Short {
		return SideBuy
	}
	return SideSell
}

// Side 订单方向
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Candle K线，与指标引擎共用
type Candle = indicators.Candle

// Balance 账户余额快照
type Balance struct {
	Total float64 `json:"total"` // 钱包余额
	Used  float64 `json:"used"`  // 已占用保证金
}

// Available 可用于新订单的保证金
func (b Balance) Available() float64 {
	return b.Total - b.Used
}

// Ticker 最优买卖价
type Ticker struct {
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
}

// PriceFor 多头取买一价，空头取卖一价
func (t Ticker) PriceFor(side PosSide) float64 {
	if side == Short {
		return t.Ask
	}
	return t.Bid
}

// Instrument 交易对下单数量限制
type Instrument struct {
	Symbol   string          `json:"symbol"`
	MinQty   decimal.Decimal `json:"min_qty"`
	MaxQty   decimal.Decimal `json:"max_qty"`
	QtyStep  decimal.Decimal `json:"qty_step"`
	TickSize decimal.Decimal `json:"tick_size"` // 为零表示不限制价格精度
}

// Position 持仓快照
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PosSide         `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    float64         `json:"entry_price"`
	Leverage      int             `json:"leverage"`
	MarginUsed    float64         `json:"margin_used"` // 开仓名义价值 / 杠杆
	UnrealizedPnl float64         `json:"unrealized_pnl"`
	MarginLevel   float64         `json:"margin_level"` // (余额+浮盈)/占用保证金
}

// PnlPct 浮盈相对占用保证金的比例
func (p *Position) PnlPct() float64 {
	if p == nil || p.MarginUsed <= 0 {
		return 0
	}
	return p.UnrealizedPnl / p.MarginUsed
}

// Mark 按给定价格和账户余额计算持仓的衍生字段
func Mark(symbol string, side PosSide, size decimal.Decimal, entry float64, leverage int, price, balance float64) *Position {
	qty := size.InexactFloat64()
	p := &Position{
		Symbol:        symbol,
		Side:          side,
		Size:          size,
		EntryPrice:    entry,
		Leverage:      leverage,
		UnrealizedPnl: (price - entry) * qty * side.Sign(),
		MarginLevel:   NoMarginLevel,
	}
	if leverage > 0 {
		p.MarginUsed = entry * qty / float64(leverage)
	}
	if p.MarginUsed > 0 {
		p.MarginLevel = (balance + p.UnrealizedPnl) / p.MarginUsed
	}
	return p
}

// OrderRequest 下单请求
type OrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	PosSide       PosSide         `json:"pos_side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         float64         `json:"price"`
	ReduceOnly    bool            `json:"reduce_only"`
	ClientOrderID string          `json:"client_order_id"`
}

// OrderResult 下单结果
type OrderResult struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Status        string `json:"status"`
}
