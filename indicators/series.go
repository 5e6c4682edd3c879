package indicators

import "math"

// SMA 简单移动平均，返回长度为 len(values)-period+1 的序列
func SMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}

	result := make([]float64, len(values)-period+1)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	result[0] = sum / float64(period)

	for i := period; i < len(values); i++ {
		sum = sum - values[i-period] + values[i]
		result[i-period+1] = sum / float64(period)
	}
	return result
}

// EMASeries 逐点计算指数移动平均。
// α = 2/(span+1)，以第一个值作为种子，不做偏差修正。
// 返回序列与输入等长，result[i] 只依赖 values[:i+1]。
func EMASeries(values []float64, span int) []float64 {
	if span <= 0 || len(values) == 0 {
		return nil
	}
	alpha := 2.0 / (float64(span) + 1.0)
	result := make([]float64, len(values))
	result[0] = values[0]
	for i := 1; i < len(values); i++ {
		result[i] = result[i-1] + alpha*(values[i]-result[i-1])
	}
	return result
}

// EMA 返回序列最后一点的 EMA。样本数少于 span 时返回 ErrInsufficientData。
func EMA(values []float64, span int) (float64, error) {
	if span <= 0 || len(values) < span {
		return 0, ErrInsufficientData
	}
	series := EMASeries(values, span)
	return series[len(series)-1], nil
}

// Mean 平均值
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// SampleStdDev 样本标准差（除以 n-1），少于 2 个值时返回 0
func SampleStdDev(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	mean := Mean(values)
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(n-1))
}

// TrueRange 真实波幅
func TrueRange(high, low, prevClose float64) float64 {
	return math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
}

// TrueRangeSeries 真实波幅序列，与输入等长；第一根K线没有前收盘价，取 high-low
func TrueRangeSeries(candles []Candle) []float64 {
	if len(candles) == 0 {
		return nil
	}
	result := make([]float64, len(candles))
	result[0] = candles[0].High - candles[0].Low
	for i := 1; i < len(candles); i++ {
		result[i] = TrueRange(candles[i].High, candles[i].Low, candles[i-1].Close)
	}
	return result
}

// LogReturns 对数收益率序列，长度 len(values)-1
func LogReturns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	result := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] <= 0 || values[i] <= 0 {
			result[i-1] = 0
			continue
		}
		result[i-1] = math.Log(values[i] / values[i-1])
	}
	return result
}

// RateOfChange 最新值相对 n 个周期前的百分比变化
func RateOfChange(values []float64, n int) (float64, bool) {
	if n <= 0 || len(values) < n+1 {
		return 0, false
	}
	past := values[len(values)-1-n]
	if past == 0 {
		return 0, false
	}
	return (values[len(values)-1] - past) / past * 100, true
}
