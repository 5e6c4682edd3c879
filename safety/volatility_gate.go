package safety

import (
	"fmt"

	"dcabot/indicators"
)

// Trigger 高波动触发源
type Trigger string

const (
	TriggerNone    Trigger = "none"
	TriggerATR     Trigger = "ATR"
	TriggerBBWidth Trigger = "BB_WIDTH"
	TriggerHistVol Trigger = "HIST_VOL"
)

// GateConfig 波动闸门参数
type GateConfig struct {
	Lookback         int     // 评估窗口K线数
	ATRPeriod        int     // ATR 周期
	ATRAverageWindow int     // 动态阈值使用的 ATR 均值窗口
	ATRMultiplier    float64 // 动态阈值倍数
	BBPeriod         int
	BBStdDev         float64
	BBWidthThreshold float64 // 布林带宽度阈值（%）
	HistVolPeriod    int
	HistVolThreshold float64 // 历史波动率阈值（%）
}

// DefaultGateConfig 默认参数
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Lookback:         100,
		ATRPeriod:        14,
		ATRAverageWindow: 50,
		ATRMultiplier:    1.5,
		BBPeriod:         20,
		BBStdDev:         2.0,
		BBWidthThreshold: 8.0,
		HistVolPeriod:    20,
		HistVolThreshold: 5.0,
	}
}

// VolatilityAssessment 波动率评估结果
type VolatilityAssessment struct {
	IsHighVolatility bool    `json:"is_high_volatility"`
	Trigger          Trigger `json:"trigger"`
	ATR              float64 `json:"atr"`
	ATRThreshold     float64 `json:"atr_threshold"` // 窗口不足 ATRAverageWindow 时为 0，不参与判断
	BBWidthPct       float64 `json:"bb_width_pct"`
	HistVol          float64 `json:"hist_vol"`
}

// Assessment 闸门输出：波动率 + 下跌速度
type Assessment struct {
	Volatility VolatilityAssessment       `json:"volatility"`
	Decline    indicators.DeclineVelocity `json:"decline"`
}

// VolatilityGate 根据价格窗口判断行情状态，不持有任何可变状态
type VolatilityGate struct {
	cfg GateConfig
}

// NewVolatilityGate 创建波动闸门，零值字段使用默认参数
func NewVolatilityGate(cfg GateConfig) *VolatilityGate {
	def := DefaultGateConfig()
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = def.ATRPeriod
	}
	if cfg.ATRAverageWindow <= 0 {
		cfg.ATRAverageWindow = def.ATRAverageWindow
	}
	if cfg.ATRMultiplier <= 0 {
		cfg.ATRMultiplier = def.ATRMultiplier
	}
	if cfg.BBPeriod <= 1 {
		cfg.BBPeriod = def.BBPeriod
	}
	if cfg.BBStdDev <= 0 {
		cfg.BBStdDev = def.BBStdDev
	}
	if cfg.BBWidthThreshold <= 0 {
		cfg.BBWidthThreshold = def.BBWidthThreshold
	}
	if cfg.HistVolPeriod <= 1 {
		cfg.HistVolPeriod = def.HistVolPeriod
	}
	if cfg.HistVolThreshold <= 0 {
		cfg.HistVolThreshold = def.HistVolThreshold
	}
	return &VolatilityGate{cfg: cfg}
}

// Config 返回生效的参数
func (g *VolatilityGate) Config() GateConfig {
	return g.cfg
}

// MinWindow 评估所需的最少K线数
func (g *VolatilityGate) MinWindow() int {
	n := indicators.MinDeclineWindow
	for _, v := range []int{g.cfg.ATRPeriod, g.cfg.BBPeriod, g.cfg.HistVolPeriod + 1} {
		if v > n {
			n = v
		}
	}
	return n
}

// Assess 对窗口末尾的 Lookback 根K线做完整评估
func (g *VolatilityGate) Assess(candles []indicators.Candle) (Assessment, error) {
	window := indicators.Tail(candles, g.cfg.Lookback)
	if len(window) < g.MinWindow() {
		return Assessment{}, fmt.Errorf("波动评估需要 %d 根K线, 实际 %d: %w",
			g.MinWindow(), len(window), indicators.ErrInsufficientData)
	}

	vol, err := g.assessVolatility(window)
	if err != nil {
		return Assessment{}, err
	}
	decline, err := indicators.CalculateDeclineVelocity(window)
	if err != nil {
		return Assessment{}, fmt.Errorf("计算下跌速度失败: %w", err)
	}
	return Assessment{Volatility: vol, Decline: decline}, nil
}

func (g *VolatilityGate) assessVolatility(window []indicators.Candle) (VolatilityAssessment, error) {
	var v VolatilityAssessment

	atrSeries := indicators.ATRSeries(window, g.cfg.ATRPeriod)
	v.ATR = atrSeries[len(atrSeries)-1]
	if len(atrSeries) >= g.cfg.ATRAverageWindow {
		avg := indicators.Mean(atrSeries[len(atrSeries)-g.cfg.ATRAverageWindow:])
		v.ATRThreshold = avg * g.cfg.ATRMultiplier
	}

	closes := indicators.ClosePrices(window)
	bands, err := indicators.Bollinger(closes, g.cfg.BBPeriod, g.cfg.BBStdDev)
	if err != nil {
		return v, fmt.Errorf("计算布林带失败: %w", err)
	}
	v.BBWidthPct = bands.WidthPct

	v.HistVol, err = indicators.HistoricalVolatility(closes, g.cfg.HistVolPeriod)
	if err != nil {
		return v, fmt.Errorf("计算历史波动率失败: %w", err)
	}

	// 按 ATR → 布林带 → 历史波动率 的顺序记录第一个触发源
	switch {
	case v.ATRThreshold > 0 && v.ATR > v.ATRThreshold:
		v.IsHighVolatility, v.Trigger = true, TriggerATR
	case v.BBWidthPct > g.cfg.BBWidthThreshold:
		v.IsHighVolatility, v.Trigger = true, TriggerBBWidth
	case v.HistVol > g.cfg.HistVolThreshold:
		v.IsHighVolatility, v.Trigger = true, TriggerHistVol
	default:
		v.Trigger = TriggerNone
	}
	return v, nil
}
