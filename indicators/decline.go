package indicators

// DeclineType 下跌类型
type DeclineType string

const (
	SlowDecline     DeclineType = "SLOW_DECLINE"
	ModerateDecline DeclineType = "MODERATE_DECLINE"
	FastDecline     DeclineType = "FAST_DECLINE"
	Crash           DeclineType = "CRASH"
)

// MinDeclineWindow 计算下跌速度所需的最少K线数
const MinDeclineWindow = 30

// DeclineVelocity 下跌速度评估
type DeclineVelocity struct {
	Roc5            float64     `json:"roc_5"`
	Roc15           float64     `json:"roc_15"`
	Roc30           float64     `json:"roc_30"` // 窗口不足 31 根时为 0
	SmoothnessRatio float64     `json:"smoothness_ratio"`
	VolumeRatio     float64     `json:"volume_ratio"` // 基准成交量为 0 时为 0
	Score           int         `json:"velocity_score"`
	Type            DeclineType `json:"decline_type"`
}

// Dangerous 快速下跌或崩盘
func (d DeclineVelocity) Dangerous() bool {
	return d.Type == FastDecline || d.Type == Crash
}

// Safe 缓慢或温和下跌，适合补仓
func (d DeclineVelocity) Safe() bool {
	return d.Type == SlowDecline || d.Type == ModerateDecline
}

// CalculateDeclineVelocity 根据窗口计算下跌速度评分，纯函数
func CalculateDeclineVelocity(candles []Candle) (DeclineVelocity, error) {
	if len(candles) < MinDeclineWindow {
		return DeclineVelocity{}, ErrInsufficientData
	}
	closes := ClosePrices(candles)

	var d DeclineVelocity
	d.Roc5, _ = RateOfChange(closes, 5)
	d.Roc15, _ = RateOfChange(closes, 15)
	d.Roc30, _ = RateOfChange(closes, 30)

	d.SmoothnessRatio = 1.0
	if d.Roc15 != 0 {
		d.SmoothnessRatio = abs(d.Roc5 / d.Roc15)
	}

	volumes := Volumes(candles)
	n := len(volumes)
	if base := Mean(volumes[n-21 : n-5]); base > 0 {
		d.VolumeRatio = Mean(volumes[n-5:]) / base
	}

	score := 0
	switch {
	case d.Roc5 < -5:
		score += 40
	case d.Roc5 < -3:
		score += 25
	case d.Roc5 < -1:
		score += 10
	}
	switch {
	case d.SmoothnessRatio > 2.5:
		score += 30
	case d.SmoothnessRatio > 1.5:
		score += 15
	}
	switch {
	case d.VolumeRatio > 3:
		score += 30
	case d.VolumeRatio > 2:
		score += 15
	}
	if score > 100 {
		score = 100
	}
	d.Score = score
	d.Type = classifyDecline(score)
	return d, nil
}

func classifyDecline(score int) DeclineType {
	switch {
	case score >= 70:
		return Crash
	case score >= 40:
		return FastDecline
	case score >= 20:
		return ModerateDecline
	default:
		return SlowDecline
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
