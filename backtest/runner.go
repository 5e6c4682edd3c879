package backtest

import (
	"errors"
	"fmt"
	"time"

	"dcabot/exchange"
	"dcabot/indicators"
	"dcabot/logger"
	"dcabot/position"
	"dcabot/safety"
)

// RunnerConfig 回测参数
type RunnerConfig struct {
	Symbol          string
	Side            exchange.PosSide
	IntervalMinutes int // K线周期
	CheckEvery      int // 每隔多少根K线做一次决策
	TrendFastSpan   int // EMA50
	TrendSlowSpan   int // EMA200
	DipSpan         int // 1h EMA100
	DipInterval     int // 逢低均线周期（分钟）
	Params          position.Params
	Gate            safety.GateConfig
	Simulator       SimulatorConfig
	Instrument      exchange.Instrument
}

// Validate 填充默认值并校验
func (c *RunnerConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("交易对不能为空")
	}
	if c.Side != exchange.Long && c.Side != exchange.Short {
		return fmt.Errorf("无效的持仓方向: %q", c.Side)
	}
	if c.IntervalMinutes <= 0 {
		c.IntervalMinutes = 1
	}
	if c.CheckEvery <= 0 {
		c.CheckEvery = 1
	}
	if c.TrendFastSpan <= 0 {
		c.TrendFastSpan = 50
	}
	if c.TrendSlowSpan <= 0 {
		c.TrendSlowSpan = 200
	}
	if c.DipSpan <= 0 {
		c.DipSpan = 100
	}
	if c.DipInterval <= 0 {
		c.DipInterval = 60
	}
	if c.Simulator.Leverage <= 0 {
		c.Simulator.Leverage = c.Params.Leverage
	}
	if c.Simulator.Leverage != c.Params.Leverage {
		return fmt.Errorf("模拟账户杠杆 %d 与策略杠杆 %d 不一致", c.Simulator.Leverage, c.Params.Leverage)
	}
	if c.Simulator.InitialBalance <= 0 {
		return fmt.Errorf("初始资金必须大于0")
	}
	if !c.Instrument.MinQty.IsPositive() || !c.Instrument.QtyStep.IsPositive() {
		return fmt.Errorf("交易对 %s 缺少数量限制", c.Symbol)
	}
	return c.Params.Validate()
}

// Result 回测结果
type Result struct {
	Symbol         string                  `json:"symbol"`
	Side           exchange.PosSide        `json:"side"`
	StartTime      time.Time               `json:"start_time"`
	EndTime        time.Time               `json:"end_time"`
	Candles        int                     `json:"candles"`
	InitialBalance float64                 `json:"initial_balance"`
	FinalBalance   float64                 `json:"final_balance"`
	Metrics        Metrics                 `json:"metrics"`
	Decisions      map[position.Action]int `json:"decisions"`
	SkippedOrders  int                     `json:"skipped_orders"` // 保证金不足或超过上限被拒绝
	CycleErrors    int                     `json:"cycle_errors"`   // 指标无定义等导致的周期中止
	Trades         []Trade                 `json:"trades"`
	BalanceHistory []BalancePoint          `json:"balance_history"`
}

// Runner 回测驱动：逐根K线推进模拟账户，并在决策点调用与实盘相同的决策函数
type Runner struct {
	cfg  RunnerConfig
	gate *safety.VolatilityGate
}

// NewRunner 创建回测驱动
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("回测参数无效: %w", err)
	}
	return &Runner{cfg: cfg, gate: safety.NewVolatilityGate(cfg.Gate)}, nil
}

// WarmUp 开始决策前需要的K线数
func (r *Runner) WarmUp() int {
	n := r.cfg.TrendSlowSpan
	if n < 200 {
		n = 200
	}
	if m := r.gate.MinWindow(); m > n {
		n = m
	}
	return n
}

// Run 执行回测
func (r *Runner) Run(candles []indicators.Candle) (*Result, error) {
	cfg := r.cfg
	warmUp := r.WarmUp()
	if len(candles) <= warmUp {
		return nil, fmt.Errorf("K线数量 %d 不足，至少需要 %d 根: %w", len(candles), warmUp+1, indicators.ErrInsufficientData)
	}

	logger.Info("🚀 [%s] 开始回测 (%s, %d 根K线, 初始资金 %.2f)", cfg.Symbol, cfg.Side, len(candles), cfg.Simulator.InitialBalance)

	closes := indicators.ClosePrices(candles)
	emaFast := indicators.EMASeries(closes, cfg.TrendFastSpan)
	emaSlow := indicators.EMASeries(closes, cfg.TrendSlowSpan)
	dip, dipBuckets := indicators.ResampledEMASeries(candles, cfg.DipInterval, cfg.DipSpan)

	sim := NewSimulator(cfg.Symbol, cfg.Side, cfg.Simulator)
	result := &Result{
		Symbol:         cfg.Symbol,
		Side:           cfg.Side,
		StartTime:      time.UnixMilli(candles[0].Time),
		EndTime:        time.UnixMilli(candles[len(candles)-1].Time),
		Candles:        len(candles),
		InitialBalance: cfg.Simulator.InitialBalance,
		Decisions:      make(map[position.Action]int),
	}

	progressStep := len(candles) / 10
	for i, c := range candles {
		if sim.MarkToMarket(c.Time, c.Close) {
			logger.Debug("💥 [%s] 强制平仓 @ %.4f", cfg.Symbol, c.Close)
		}
		if progressStep > 0 && i > 0 && i%progressStep == 0 {
			logger.Debug("📊 [%s] 回测进度: %d%%", cfg.Symbol, i*100/len(candles))
		}
		if i < warmUp || (i-warmUp)%cfg.CheckEvery != 0 {
			continue
		}

		if dipBuckets[i] < cfg.DipSpan {
			result.CycleErrors++
			continue
		}

		gate, err := r.gate.Assess(candles[:i+1])
		if err != nil {
			result.CycleErrors++
			logger.Debug("⚠️ [%s] 周期中止: %v", cfg.Symbol, err)
			continue
		}

		in := position.Input{
			Symbol:     cfg.Symbol,
			Side:       cfg.Side,
			Position:   sim.Position(c.Close),
			Price:      c.Close,
			EMAFast:    emaFast[i],
			EMASlow:    emaSlow[i],
			DipEMA:     dip[i],
			Gate:       gate,
			Balance:    sim.Balance().Total,
			Instrument: cfg.Instrument,
		}
		dec, err := position.Decide(in, cfg.Params)
		if err != nil {
			result.CycleErrors++
			logger.Debug("⚠️ [%s] 决策失败: %v", cfg.Symbol, err)
			continue
		}
		result.Decisions[dec.Action]++
		if dec.Intent == nil {
			continue
		}

		if _, err := sim.Execute(c.Time, *dec.Intent); err != nil {
			if errors.Is(err, exchange.ErrInsufficientMargin) || errors.Is(err, exchange.ErrMarginCapExceeded) {
				result.SkippedOrders++
				continue
			}
			return nil, fmt.Errorf("模拟成交失败: %w", err)
		}
	}

	last := candles[len(candles)-1]
	if trade := sim.CloseAll(last.Time, last.Close, "回测结束平仓"); trade != nil {
		logger.Info("📊 [%s] 回测结束，平掉剩余持仓 %s @ %.4f", cfg.Symbol, trade.Quantity, trade.Price)
		sim.MarkToMarket(last.Time, last.Close)
	}

	result.FinalBalance = sim.balance
	result.Metrics = CalculateMetrics(sim, cfg.Simulator.InitialBalance)
	result.Trades = sim.Trades()
	result.BalanceHistory = sim.History()

	logger.Info("✅ [%s] 回测完成: 最终资金 %.2f, 收益率 %.2f%%, 最大回撤 %.2f%%, 强平 %d 次",
		cfg.Symbol, result.FinalBalance, result.Metrics.TotalReturn, result.Metrics.MaxDrawdown, result.Metrics.Liquidations)
	return result, nil
}
