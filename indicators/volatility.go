package indicators

// ATRSeries 平均真实波幅序列：TR 的 EMA，与输入等长
func ATRSeries(candles []Candle, period int) []float64 {
	return EMASeries(TrueRangeSeries(candles), period)
}

// ATR 最新的平均真实波幅
func ATR(candles []Candle, period int) (float64, error) {
	if period <= 0 || len(candles) < period {
		return 0, ErrInsufficientData
	}
	series := ATRSeries(candles, period)
	return series[len(series)-1], nil
}

// Bands 布林带
type Bands struct {
	Upper    float64 `json:"upper"`
	Middle   float64 `json:"middle"`
	Lower    float64 `json:"lower"`
	WidthPct float64 `json:"width_pct"` // (upper-lower)/middle*100
}

// Bollinger 计算最新布林带：middle = SMA(period)，上下轨 = middle ± k·样本标准差
func Bollinger(closes []float64, period int, k float64) (Bands, error) {
	if period < 2 || len(closes) < period {
		return Bands{}, ErrInsufficientData
	}
	sma := SMA(closes, period)
	middle := sma[len(sma)-1]
	std := SampleStdDev(closes[len(closes)-period:])

	b := Bands{
		Upper:  middle + k*std,
		Middle: middle,
		Lower:  middle - k*std,
	}
	if middle != 0 {
		b.WidthPct = (b.Upper - b.Lower) / middle * 100
	}
	return b, nil
}

// HistoricalVolatility 最近 period 个对数收益率的样本标准差（百分比，不年化）
func HistoricalVolatility(closes []float64, period int) (float64, error) {
	if period < 2 || len(closes) < period+1 {
		return 0, ErrInsufficientData
	}
	returns := LogReturns(closes[len(closes)-period-1:])
	return SampleStdDev(returns) * 100, nil
}
