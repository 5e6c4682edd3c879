package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"dcabot/config"
	"dcabot/database"
	"dcabot/exchange"
	"dcabot/indicators"
	"dcabot/logger"
	"dcabot/metrics"
	"dcabot/order"
	"dcabot/position"
	"dcabot/safety"
)

// 周期失败的阶段
const (
	StagePrepare    = "prepare"
	StageSnapshot   = "snapshot"
	StageIndicators = "indicators"
	StageDecide     = "decide"
	StageExecute    = "execute"
	StageRecord     = "record"
	StagePanic      = "panic"
)

// CycleConfig 单个周期使用的不可变参数
type CycleConfig struct {
	Side            exchange.PosSide
	IntervalMinutes int // 趋势K线周期
	KlineLimit      int
	TrendFastSpan   int
	TrendSlowSpan   int
	DipSpan         int
	DipInterval     int // 抄底 EMA 的K线周期（分钟）
	Params          position.Params
	Gate            safety.GateConfig
}

// CycleConfigFrom 从配置快照生成周期参数
func CycleConfigFrom(cfg *config.Config) CycleConfig {
	return CycleConfig{
		Side:            cfg.Side(),
		IntervalMinutes: cfg.Trading.EMAInterval,
		KlineLimit:      cfg.Trading.KlineLimit,
		TrendFastSpan:   cfg.Strategy.TrendFastSpan,
		TrendSlowSpan:   cfg.Strategy.TrendSlowSpan,
		DipSpan:         cfg.Strategy.DipSpan,
		DipInterval:     cfg.Strategy.DipInterval,
		Params:          cfg.Params(),
		Gate:            cfg.GateConfig(),
	}
}

// dipKlineCount 高周期K线数量，留出 EMA 收敛的余量
func (c CycleConfig) dipKlineCount() int {
	n := c.DipSpan * 2
	if n > 1500 {
		n = 1500
	}
	return n
}

// CycleStore 周期记录的持久化
type CycleStore interface {
	SaveCycleWithOrder(ctx context.Context, cycle *database.CycleRecord, order *database.OrderRecord) error
}

// Snapshot 周期开始时读取的账户与行情
type Snapshot struct {
	Balance    exchange.Balance    `json:"balance"`
	Ticker     exchange.Ticker     `json:"ticker"`
	Position   *exchange.Position  `json:"position,omitempty"`
	Instrument exchange.Instrument `json:"instrument"`
	Candles    []indicators.Candle `json:"-"`
	DipCandles []indicators.Candle `json:"-"`
}

// Result 一次周期的结果
type Result struct {
	Symbol     string                `json:"symbol"`
	Side       exchange.PosSide      `json:"side"`
	Time       time.Time             `json:"time"`
	Duration   time.Duration         `json:"duration"`
	Balance    float64               `json:"balance"`
	Price      float64               `json:"price"`
	Position   *exchange.Position    `json:"position,omitempty"`
	Indicators TrendIndicators       `json:"indicators"`
	Trend      Trend                 `json:"trend"`
	Gate       safety.Assessment     `json:"gate"`
	Action     position.Action       `json:"action"`
	State      position.State        `json:"state"`
	Reason     string                `json:"reason"`
	Intent     *position.OrderIntent `json:"intent,omitempty"`
	Order      *order.Result         `json:"order,omitempty"`
	Stage      string                `json:"stage,omitempty"` // 失败阶段
	Error      string                `json:"error,omitempty"`
}

// Cycle 实盘单周期：准备 → 快照 → 指标 → 前置过滤 → 决策 → 执行 → 记录
type Cycle struct {
	gw     exchange.Gateway
	exec   *order.Executor
	store  CycleStore                 // 可为 nil
	pm     *metrics.PrometheusMetrics // 可为 nil
	status *StatusBoard               // 可为 nil
}

// NewCycle 创建周期执行器
func NewCycle(gw exchange.Gateway, exec *order.Executor, store CycleStore, pm *metrics.PrometheusMetrics, status *StatusBoard) *Cycle {
	return &Cycle{gw: gw, exec: exec, store: store, pm: pm, status: status}
}

// Run 对一个交易对执行一次完整周期。返回的错误表示周期异常中止；
// 保证金不足导致的跳过不是错误。
func (c *Cycle) Run(ctx context.Context, symbol string, cfg CycleConfig) (*Result, error) {
	start := time.Now()
	res := &Result{Symbol: symbol, Side: cfg.Side, Time: start}

	err := c.run(ctx, symbol, cfg, res)
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		logger.Error("❌ [%s] 周期失败 (%s): %v", symbol, res.Stage, err)
		if c.pm != nil {
			c.pm.RecordCycleError(symbol, res.Stage)
		}
	}

	if recErr := c.record(ctx, res); recErr != nil {
		logger.Warn("⚠️ [%s] 保存周期记录失败: %v", symbol, recErr)
		if c.pm != nil {
			c.pm.RecordCycleError(symbol, StageRecord)
		}
	}
	return res, err
}

func (c *Cycle) run(ctx context.Context, symbol string, cfg CycleConfig, res *Result) error {
	fail := func(stage string, err error) error {
		res.Stage = stage
		return err
	}

	if err := c.prepare(ctx, symbol, cfg); err != nil {
		return fail(StagePrepare, err)
	}

	snap, err := c.snapshot(ctx, symbol, cfg)
	if err != nil {
		return fail(StageSnapshot, err)
	}
	res.Balance = snap.Balance.Total
	res.Price = snap.Ticker.PriceFor(cfg.Side)
	res.Position = snap.Position

	ind, err := ComputeTrendIndicators(res.Price, snap.Candles, snap.DipCandles, cfg.TrendFastSpan, cfg.TrendSlowSpan, cfg.DipSpan)
	if err != nil {
		return fail(StageIndicators, fmt.Errorf("计算均线失败: %w", err))
	}
	gate, err := safety.NewVolatilityGate(cfg.Gate).Assess(snap.Candles)
	if err != nil {
		return fail(StageIndicators, fmt.Errorf("波动评估失败: %w", err))
	}
	res.Indicators = ind
	res.Trend = DetectTrend(ind)
	res.Gate = gate

	decision, err := position.Decide(position.Input{
		Symbol:     symbol,
		Side:       cfg.Side,
		Position:   snap.Position,
		Price:      res.Price,
		EMAFast:    ind.EMAFast,
		EMASlow:    ind.EMASlow,
		DipEMA:     ind.DipEMA,
		Gate:       gate,
		Balance:    snap.Balance.Total,
		Instrument: snap.Instrument,
	}, cfg.Params)
	if err != nil {
		return fail(StageDecide, fmt.Errorf("决策失败: %w", err))
	}
	res.Action = decision.Action
	res.State = decision.State
	res.Reason = decision.Reason
	res.Intent = decision.Intent

	if decision.Action == position.ActionSkip {
		logger.Debug("⏭️ [%s] %s", symbol, decision.Reason)
		return nil
	}
	logger.Info("📊 [%s] %s %s (%s): %s", symbol, cfg.Side, decision.Action, decision.State, decision.Reason)

	if decision.Intent == nil {
		return nil
	}
	ordRes, err := c.exec.Execute(ctx, symbol, *decision.Intent)
	res.Order = &ordRes
	if err != nil {
		return fail(StageExecute, err)
	}
	return nil
}

// prepare 撤销遗留挂单并设置杠杆
func (c *Cycle) prepare(ctx context.Context, symbol string, cfg CycleConfig) error {
	if err := c.gw.CancelAllOrders(ctx, symbol, cfg.Side); err != nil {
		return fmt.Errorf("撤销挂单失败: %w", err)
	}
	if err := c.gw.SetLeverage(ctx, symbol, cfg.Params.Leverage); err != nil {
		return fmt.Errorf("设置杠杆失败: %w", err)
	}
	return nil
}

// snapshot 并发读取账户与行情，任一失败即中止
func (c *Cycle) snapshot(ctx context.Context, symbol string, cfg CycleConfig) (*Snapshot, error) {
	snap := &Snapshot{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		snap.Balance, err = c.gw.GetBalance(gctx)
		if err != nil {
			return fmt.Errorf("查询余额失败: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		snap.Ticker, err = c.gw.GetTicker(gctx, symbol)
		if err != nil {
			return fmt.Errorf("查询盘口失败: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		snap.Position, err = c.gw.GetPosition(gctx, symbol, cfg.Side)
		if err != nil {
			return fmt.Errorf("查询持仓失败: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		snap.Instrument, err = c.gw.GetInstrumentLimits(gctx, symbol)
		if err != nil {
			return fmt.Errorf("查询下单限制失败: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		snap.Candles, err = c.gw.GetKlines(gctx, symbol, cfg.IntervalMinutes, cfg.KlineLimit)
		if err != nil {
			return fmt.Errorf("查询K线失败: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		snap.DipCandles, err = c.gw.GetKlines(gctx, symbol, cfg.DipInterval, cfg.dipKlineCount())
		if err != nil {
			return fmt.Errorf("查询 %d 分钟K线失败: %w", cfg.DipInterval, err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if snap.Ticker.PriceFor(cfg.Side) <= 0 {
		return nil, fmt.Errorf("盘口价格无效 %+v: %w", snap.Ticker, exchange.ErrNoData)
	}
	return snap, nil
}

// record 持久化、更新指标并发布状态
func (c *Cycle) record(ctx context.Context, res *Result) error {
	if c.pm != nil {
		side := string(res.Side)
		if res.Action != "" {
			c.pm.RecordDecision(res.Symbol, side, string(res.Action))
		}
		c.pm.RecordCycle(res.Symbol, res.Duration)
		if res.Balance > 0 {
			c.pm.SetBalance(res.Balance)
		}
		if res.Price > 0 {
			c.pm.SetPrice(res.Symbol, res.Price)
		}
		if p := res.Position; p != nil {
			exposure := 0.0
			if res.Balance > 0 {
				exposure = p.MarginUsed / res.Balance
			}
			c.pm.SetPosition(res.Symbol, side, p.Size.InexactFloat64(), p.UnrealizedPnl, p.MarginLevel, exposure)
		} else if res.Stage == "" || res.Stage == StageExecute {
			c.pm.SetPosition(res.Symbol, side, 0, 0, exchange.NoMarginLevel, 0)
		}
		if res.Action != "" {
			c.pm.SetGate(res.Symbol, string(res.Gate.Volatility.Trigger), res.Gate.Volatility.IsHighVolatility, res.Gate.Decline.Score)
		}
	}

	if c.status != nil {
		c.status.Publish(res)
	}

	if c.store == nil {
		return nil
	}
	// 取消的上下文不影响落库
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	cycle, ord := toRecords(res)
	return c.store.SaveCycleWithOrder(sctx, cycle, ord)
}

func toRecords(res *Result) (*database.CycleRecord, *database.OrderRecord) {
	rec := &database.CycleRecord{
		Symbol:         res.Symbol,
		Side:           string(res.Side),
		Balance:        res.Balance,
		Price:          res.Price,
		EMA50:          res.Indicators.EMAFast,
		EMA200:         res.Indicators.EMASlow,
		DipEMA:         res.Indicators.DipEMA,
		HighVolatility: res.Gate.Volatility.IsHighVolatility,
		DeclineType:    string(res.Gate.Decline.Type),
		Action:         string(res.Action),
		Conclusion:     conclusion(res),
		Error:          truncate(res.Error, 500),
		DurationMs:     res.Duration.Milliseconds(),
		CreatedAt:      res.Time,
	}
	if p := res.Position; p != nil {
		rec.PositionSize = p.Size.InexactFloat64()
		rec.Margin = p.MarginUsed
		rec.UnrealizedPnl = p.UnrealizedPnl
		rec.PnlPct = p.PnlPct() * 100
		rec.MarginLevel = p.MarginLevel
		rec.EntryPrice = p.EntryPrice
		rec.Leverage = p.Leverage
	} else {
		rec.MarginLevel = exchange.NoMarginLevel
	}

	if res.Order == nil || res.Intent == nil {
		return rec, nil
	}
	rec.OrderOutcome = string(res.Order.Outcome)
	return rec, &database.OrderRecord{
		Symbol:        res.Symbol,
		OrderID:       res.Order.OrderID,
		ClientOrderID: res.Order.ClientOrderID,
		Side:          string(res.Intent.Side),
		PosSide:       string(res.Intent.PosSide),
		Action:        string(res.Action),
		Price:         res.Intent.Price,
		Quantity:      res.Intent.Quantity.String(),
		ReduceOnly:    res.Intent.ReduceOnly,
		Outcome:       string(res.Order.Outcome),
		Status:        res.Order.Status,
		Reason:        truncate(res.Order.Reason, 500),
		CreatedAt:     res.Time,
	}
}

// conclusion 周期结论文本
func conclusion(res *Result) string {
	if res.Error != "" {
		return truncate(fmt.Sprintf("周期失败 (%s)", res.Stage), 500)
	}
	s := fmt.Sprintf("[%s] %s", res.Trend, res.Reason)
	if res.Order != nil {
		s += fmt.Sprintf("; 订单 %s", res.Order.Outcome)
		if res.Order.Reason != "" {
			s += ": " + res.Order.Reason
		}
	}
	return truncate(s, 500)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// IsInsufficientData 周期是否因数据不足失败
func IsInsufficientData(err error) bool {
	return errors.Is(err, indicators.ErrInsufficientData)
}
