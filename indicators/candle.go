package indicators

import "errors"

// ErrInsufficientData 数据窗口长度不足，指标无定义
var ErrInsufficientData = errors.New("数据不足，指标无定义")

// Candle K线数据（Time 为开盘时间，毫秒）
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// ClosePrices 提取收盘价
func ClosePrices(candles []Candle) []float64 {
	prices := make([]float64, len(candles))
	for i, c := range candles {
		prices[i] = c.Close
	}
	return prices
}

// Volumes 提取成交量
func Volumes(candles []Candle) []float64 {
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		volumes[i] = c.Volume
	}
	return volumes
}

// Tail 返回最后 n 根K线（不足 n 根时返回全部），不复制底层数组
func Tail(candles []Candle, n int) []Candle {
	if n <= 0 || len(candles) <= n {
		return candles
	}
	return candles[len(candles)-n:]
}
