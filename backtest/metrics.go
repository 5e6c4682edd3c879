package backtest

import (
	"math"
)

// Metrics 回测指标
type Metrics struct {
	// 收益
	TotalReturn float64 `json:"total_return"` // 总收益率 (%)

	// 风险
	MaxDrawdown    float64 `json:"max_drawdown"`     // 最大回撤 (%)，基于 余额+浮盈
	MaxDrawdownAbs float64 `json:"max_drawdown_abs"` // 最大回撤金额
	SharpeRatio    float64 `json:"sharpe_ratio"`     // 按资金曲线逐点收益计算，未年化

	// 持仓周期（从开仓到全部平仓或强平）
	TotalTrades  int     `json:"total_trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`      // (%)
	ProfitFactor float64 `json:"profit_factor"` // 无亏损周期时为 0
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"`
	LargestWin   float64 `json:"largest_win"`
	LargestLoss  float64 `json:"largest_loss"`
	Liquidations int     `json:"liquidations"`

	TotalFees float64 `json:"total_fees"`
}

// CalculateMetrics 根据模拟账户计算指标
func CalculateMetrics(sim *Simulator, initialBalance float64) Metrics {
	pnls, wins, losses := sim.ClosedCycles()
	ddPct, ddAbs := sim.MaxDrawdown()

	m := Metrics{
		TotalReturn:    totalReturn(sim.balance, initialBalance),
		MaxDrawdown:    ddPct,
		MaxDrawdownAbs: ddAbs,
		SharpeRatio:    sharpe(sim.History()),
		TotalTrades:    len(pnls),
		Wins:           wins,
		Losses:         losses,
		Liquidations:   sim.Liquidations(),
		TotalFees:      sim.TotalFees(),
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(wins) / float64(m.TotalTrades) * 100
	}

	var grossWin, grossLoss float64
	for _, p := range pnls {
		if p > 0 {
			grossWin += p
			m.LargestWin = math.Max(m.LargestWin, p)
		} else {
			grossLoss += -p
			m.LargestLoss = math.Min(m.LargestLoss, p)
		}
	}
	if wins > 0 {
		m.AvgWin = grossWin / float64(wins)
	}
	if losses > 0 {
		m.AvgLoss = -grossLoss / float64(losses)
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossWin / grossLoss
	}
	return m
}

func totalReturn(final, initial float64) float64 {
	if initial == 0 {
		return 0
	}
	return (final - initial) / initial * 100
}

// sharpe 逐点收益率的均值/标准差
func sharpe(history []BalancePoint) float64 {
	if len(history) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		prev := history[i-1].Equity
		if prev > 0 {
			returns = append(returns, (history[i].Equity-prev)/prev)
		}
	}
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	std := math.Sqrt(variance / float64(len(returns)-1))
	if std == 0 {
		return 0
	}
	return mean / std
}
