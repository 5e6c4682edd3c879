package indicators

// ResampledEMASeries 将K线按 bucketMinutes 分桶后计算收盘价 EMA。
// 对每根K线 i，当前桶视为未完成的K线，其收盘价取 candles[i].Close，
// 因此结果不含未来数据。buckets[i] 为截至 i 已出现的桶数（含当前桶）。
func ResampledEMASeries(candles []Candle, bucketMinutes, span int) (values []float64, buckets []int) {
	if len(candles) == 0 || bucketMinutes <= 0 || span <= 0 {
		return nil, nil
	}
	alpha := 2.0 / (float64(span) + 1.0)
	bucketMs := int64(bucketMinutes) * 60_000

	values = make([]float64, len(candles))
	buckets = make([]int, len(candles))

	var (
		completed    int
		completedEMA float64
		curBucket    = candles[0].Time / bucketMs
	)
	for i, c := range candles {
		b := c.Time / bucketMs
		if b != curBucket {
			// 上一个桶收盘
			last := candles[i-1].Close
			if completed == 0 {
				completedEMA = last
			} else {
				completedEMA += alpha * (last - completedEMA)
			}
			completed++
			curBucket = b
		}
		if completed == 0 {
			values[i] = c.Close
		} else {
			values[i] = completedEMA + alpha*(c.Close-completedEMA)
		}
		buckets[i] = completed + 1
	}
	return values, buckets
}
