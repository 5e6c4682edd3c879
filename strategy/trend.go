package strategy

import "dcabot/indicators"

// Trend 趋势类型
type Trend string

const (
	TrendUp   Trend = "up"   // 上涨
	TrendDown Trend = "down" // 下跌
	TrendSide Trend = "side" // 震荡
)

// TrendIndicators 一个周期内使用的均线
type TrendIndicators struct {
	Price   float64 `json:"price"`
	EMAFast float64 `json:"ema_fast"` // EMA50
	EMASlow float64 `json:"ema_slow"` // EMA200
	DipEMA  float64 `json:"dip_ema"`  // 高周期 EMA100
}

// DetectTrend 快线在慢线上方且价格在快线上方为上涨，反之为下跌，其余为震荡
func DetectTrend(t TrendIndicators) Trend {
	if t.EMAFast == 0 || t.EMASlow == 0 {
		return TrendSide
	}
	switch {
	case t.EMAFast > t.EMASlow && t.Price > t.EMAFast:
		return TrendUp
	case t.EMAFast < t.EMASlow && t.Price < t.EMAFast:
		return TrendDown
	}
	return TrendSide
}

// ComputeTrendIndicators 根据交易周期K线和高周期K线计算均线
func ComputeTrendIndicators(price float64, candles, dipCandles []indicators.Candle, fastSpan, slowSpan, dipSpan int) (TrendIndicators, error) {
	closes := indicators.ClosePrices(candles)
	fast, err := indicators.EMA(closes, fastSpan)
	if err != nil {
		return TrendIndicators{}, err
	}
	slow, err := indicators.EMA(closes, slowSpan)
	if err != nil {
		return TrendIndicators{}, err
	}
	dip, err := indicators.EMA(indicators.ClosePrices(dipCandles), dipSpan)
	if err != nil {
		return TrendIndicators{}, err
	}
	return TrendIndicators{Price: price, EMAFast: fast, EMASlow: slow, DipEMA: dip}, nil
}
