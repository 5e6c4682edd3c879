package backtest

import (
	"fmt"

	"github.com/shopspring/decimal"

	"dcabot/exchange"
	"dcabot/position"
)

// TradeAction 成交类型
type TradeAction string

const (
	TradeOpen       TradeAction = "OPEN"
	TradeAdd        TradeAction = "ADD"
	TradeReduce     TradeAction = "REDUCE"
	TradeClose      TradeAction = "CLOSE"
	TradeLiquidated TradeAction = "LIQUIDATED"
)

// Trade 成交记录
type Trade struct {
	Timestamp    int64            `json:"timestamp"`
	Symbol       string           `json:"symbol"`
	Side         exchange.Side    `json:"side"`
	PosSide      exchange.PosSide `json:"pos_side"`
	Action       TradeAction      `json:"action"`
	Quantity     decimal.Decimal  `json:"quantity"`
	Price        float64          `json:"price"`
	Notional     float64          `json:"notional"`
	Fee          float64          `json:"fee"`
	RealizedPnl  float64          `json:"realized_pnl"` // 仅减仓/平仓/强平，已扣除本笔手续费
	PositionSize decimal.Decimal  `json:"position_size"`
	Balance      float64          `json:"balance"`
	Reason       string           `json:"reason"`
}

// BalancePoint 资金曲线点
type BalancePoint struct {
	Timestamp     int64   `json:"timestamp"`
	Price         float64 `json:"price"`
	Balance       float64 `json:"balance"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
	Equity        float64 `json:"equity"` // balance + unrealized
	MarginLevel   float64 `json:"margin_level"`
	PositionSize  float64 `json:"position_size"`
}

// SimulatorConfig 模拟交易所参数
type SimulatorConfig struct {
	InitialBalance      float64
	Leverage            int
	FeeRate             float64 // 每笔成交按名义价值收取
	LiquidationSlippage float64 // 强平成交的不利滑点
	MaxMarginPct        float64 // 0 表示不限制
}

// DefaultSimulatorConfig 默认参数
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		InitialBalance:      10000,
		Leverage:            10,
		FeeRate:             0.00075,
		LiquidationSlippage: 0.005,
	}
}

// Simulator 单交易对、单方向的模拟账户。非并发安全，回测按K线顺序逐根驱动。
type Simulator struct {
	cfg    SimulatorConfig
	symbol string
	side   exchange.PosSide

	balance float64
	size    decimal.Decimal
	entry   float64

	peakEquity     float64
	maxDrawdownPct float64
	maxDrawdownAbs float64
	totalFees      float64

	trades       []Trade
	history      []BalancePoint
	liquidations int
	wins         int
	losses       int
	cyclePnl     float64   // 当前持仓周期累计盈亏（含手续费）
	closedPnls   []float64 // 每个已结束持仓周期的盈亏
}

// NewSimulator 创建模拟账户
func NewSimulator(symbol string, side exchange.PosSide, cfg SimulatorConfig) *Simulator {
	return &Simulator{
		cfg:        cfg,
		symbol:     symbol,
		side:       side,
		balance:    cfg.InitialBalance,
		peakEquity: cfg.InitialBalance,
	}
}

// HasPosition 是否持仓
func (s *Simulator) HasPosition() bool {
	return s.size.IsPositive()
}

// Position 按价格重建持仓快照，无持仓返回 nil
func (s *Simulator) Position(price float64) *exchange.Position {
	if !s.HasPosition() {
		return nil
	}
	return exchange.Mark(s.symbol, s.side, s.size, s.entry, s.cfg.Leverage, price, s.balance)
}

// Balance 账户快照
func (s *Simulator) Balance() exchange.Balance {
	b := exchange.Balance{Total: s.balance}
	if s.HasPosition() && s.cfg.Leverage > 0 {
		b.Used = s.entry * s.size.InexactFloat64() / float64(s.cfg.Leverage)
	}
	return b
}

// MarkToMarket 按当前价格估值、检查强平并记录资金曲线。返回是否发生强平。
func (s *Simulator) MarkToMarket(ts int64, price float64) bool {
	liquidated := false
	if pos := s.Position(price); pos != nil && pos.MarginLevel <= 1.0 {
		s.liquidate(ts, price)
		liquidated = true
	}

	point := BalancePoint{Timestamp: ts, Price: price, Balance: s.balance, MarginLevel: exchange.NoMarginLevel}
	if pos := s.Position(price); pos != nil {
		point.UnrealizedPnl = pos.UnrealizedPnl
		point.MarginLevel = pos.MarginLevel
		point.PositionSize = pos.Size.InexactFloat64()
	}
	point.Equity = point.Balance + point.UnrealizedPnl
	s.history = append(s.history, point)

	if point.Equity > s.peakEquity {
		s.peakEquity = point.Equity
	}
	if s.peakEquity > 0 {
		dd := s.peakEquity - point.Equity
		if pct := dd / s.peakEquity * 100; pct > s.maxDrawdownPct {
			s.maxDrawdownPct = pct
			s.maxDrawdownAbs = dd
		}
	}
	return liquidated
}

func (s *Simulator) liquidate(ts int64, price float64) {
	exit := price * (1 - s.cfg.LiquidationSlippage)
	if s.side == exchange.Short {
		exit = price * (1 + s.cfg.LiquidationSlippage)
	}
	qty := s.size
	pnl := (exit - s.entry) * qty.InexactFloat64() * s.side.Sign()
	s.balance += pnl
	s.cyclePnl += pnl
	s.liquidations++

	s.trades = append(s.trades, Trade{
		Timestamp:    ts,
		Symbol:       s.symbol,
		Side:         s.side.CloseSide(),
		PosSide:      s.side,
		Action:       TradeLiquidated,
		Quantity:     qty,
		Price:        exit,
		Notional:     exit * qty.InexactFloat64(),
		RealizedPnl:  pnl,
		PositionSize: decimal.Zero,
		Balance:      s.balance,
		Reason:       "保证金率 <= 1.0，强制平仓",
	})
	s.finishCycle()
}

// Execute 以 intent.Price 成交下单意图。保证金不足或超过上限时返回错误且不改变任何状态。
func (s *Simulator) Execute(ts int64, intent position.OrderIntent) (*Trade, error) {
	if !intent.Quantity.IsPositive() {
		return nil, fmt.Errorf("下单数量必须大于0: %s", intent.Quantity)
	}
	if intent.PosSide != s.side {
		return nil, fmt.Errorf("持仓方向不匹配: %s != %s", intent.PosSide, s.side)
	}
	if intent.Side == s.side.OpenSide() {
		return s.open(ts, intent)
	}
	return s.reduce(ts, intent)
}

// open 开仓或加仓，按加权平均更新开仓价
func (s *Simulator) open(ts int64, intent position.OrderIntent) (*Trade, error) {
	qty := intent.Quantity.InexactFloat64()
	notional := qty * intent.Price
	required := notional / float64(s.cfg.Leverage)
	used := s.Balance().Used

	if s.cfg.MaxMarginPct > 0 && (used+required)/s.balance > s.cfg.MaxMarginPct {
		return nil, fmt.Errorf("需要 %.4f，已用 %.4f，余额 %.4f: %w", required, used, s.balance, exchange.ErrMarginCapExceeded)
	}
	if required > s.balance-used {
		return nil, fmt.Errorf("需要 %.4f，可用 %.4f: %w", required, s.balance-used, exchange.ErrInsufficientMargin)
	}

	fee := notional * s.cfg.FeeRate
	action := TradeAdd
	if !s.HasPosition() {
		action = TradeOpen
		s.entry = intent.Price
		s.size = intent.Quantity
		s.cyclePnl = 0
	} else {
		oldQty := s.size.InexactFloat64()
		s.size = s.size.Add(intent.Quantity)
		s.entry = (s.entry*oldQty + notional) / s.size.InexactFloat64()
	}
	s.balance -= fee
	s.totalFees += fee
	s.cyclePnl -= fee

	trade := Trade{
		Timestamp:    ts,
		Symbol:       s.symbol,
		Side:         intent.Side,
		PosSide:      s.side,
		Action:       action,
		Quantity:     intent.Quantity,
		Price:        intent.Price,
		Notional:     notional,
		Fee:          fee,
		PositionSize: s.size,
		Balance:      s.balance,
		Reason:       intent.Reason,
	}
	s.trades = append(s.trades, trade)
	return &trade, nil
}

// reduce 减仓或平仓，数量超过持仓时按持仓数量成交
func (s *Simulator) reduce(ts int64, intent position.OrderIntent) (*Trade, error) {
	if !s.HasPosition() {
		return nil, fmt.Errorf("无持仓，无法减仓")
	}
	qtyDec := intent.Quantity
	if qtyDec.GreaterThan(s.size) {
		qtyDec = s.size
	}
	qty := qtyDec.InexactFloat64()
	notional := qty * intent.Price
	fee := notional * s.cfg.FeeRate
	pnl := (intent.Price-s.entry)*qty*s.side.Sign() - fee

	s.balance += pnl
	s.totalFees += fee
	s.cyclePnl += pnl
	s.size = s.size.Sub(qtyDec)

	action := TradeReduce
	if !s.size.IsPositive() {
		action = TradeClose
	}
	trade := Trade{
		Timestamp:    ts,
		Symbol:       s.symbol,
		Side:         intent.Side,
		PosSide:      s.side,
		Action:       action,
		Quantity:     qtyDec,
		Price:        intent.Price,
		Notional:     notional,
		Fee:          fee,
		RealizedPnl:  pnl,
		PositionSize: s.size,
		Balance:      s.balance,
		Reason:       intent.Reason,
	}
	s.trades = append(s.trades, trade)
	if action == TradeClose {
		s.finishCycle()
	}
	return &trade, nil
}

// CloseAll 按价格平掉全部持仓，无持仓时返回 nil
func (s *Simulator) CloseAll(ts int64, price float64, reason string) *Trade {
	if !s.HasPosition() {
		return nil
	}
	trade, err := s.reduce(ts, position.OrderIntent{
		Side:       s.side.CloseSide(),
		PosSide:    s.side,
		Quantity:   s.size,
		Price:      price,
		ReduceOnly: true,
		Reason:     reason,
	})
	if err != nil {
		return nil
	}
	return trade
}

func (s *Simulator) finishCycle() {
	if s.cyclePnl > 0 {
		s.wins++
	} else {
		s.losses++
	}
	s.closedPnls = append(s.closedPnls, s.cyclePnl)
	s.cyclePnl = 0
	s.size = decimal.Zero
	s.entry = 0
}

// Trades 成交记录
func (s *Simulator) Trades() []Trade { return s.trades }

// History 资金曲线
func (s *Simulator) History() []BalancePoint { return s.history }

// Liquidations 强平次数
func (s *Simulator) Liquidations() int { return s.liquidations }

// MaxDrawdown 最大回撤（百分比与金额）
func (s *Simulator) MaxDrawdown() (pct, abs float64) { return s.maxDrawdownPct, s.maxDrawdownAbs }

// TotalFees 累计手续费
func (s *Simulator) TotalFees() float64 { return s.totalFees }

// ClosedCycles 已结束的持仓周期盈亏以及胜负次数
func (s *Simulator) ClosedCycles() (pnls []float64, wins, losses int) {
	return s.closedPnls, s.wins, s.losses
}
