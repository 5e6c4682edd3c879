package exchange

import "context"

// Gateway 交易所网关。每个交易所一个实现，网络超时由实现方通过 ctx 控制。
type Gateway interface {
	// GetName 交易所名称
	GetName() string
	// GetBalance 账户余额与已占用保证金
	GetBalance(ctx context.Context) (Balance, error)
	// GetTicker 最优买卖价
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	// GetPosition 指定方向的持仓，无持仓时返回 nil, nil
	GetPosition(ctx context.Context, symbol string, side PosSide) (*Position, error)
	// GetKlines 最近 count 根 intervalMinutes 周期的K线（时间升序，最后一根可能未收盘）
	GetKlines(ctx context.Context, symbol string, intervalMinutes, count int) ([]Candle, error)
	// PlaceOrder 下限价单；保证金不足时返回包装了 ErrInsufficientMargin 的错误
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	// CancelAllOrders 撤销交易对在该方向上的全部挂单
	CancelAllOrders(ctx context.Context, symbol string, side PosSide) error
	// SetLeverage 设置杠杆
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	// GetInstrumentLimits 下单数量限制
	GetInstrumentLimits(ctx context.Context, symbol string) (Instrument, error)
}
