package position

import (
	"math"

	"github.com/shopspring/decimal"

	"dcabot/exchange"
)

// Quantize 向下取整到 step 的整数倍，再限制在 [min, max]。
// 最小值限制会把过小的数量抬高到 min，与交易所规则一致。
func Quantize(x, min, max, step decimal.Decimal) decimal.Decimal {
	q := x
	if step.IsPositive() {
		q = x.Div(step).Floor().Mul(step)
	}
	if max.IsPositive() && q.GreaterThan(max) {
		q = max
	}
	if q.LessThan(min) {
		q = min
	}
	return q
}

// QuantizeFor 按交易对限制取整
func QuantizeFor(x decimal.Decimal, inst exchange.Instrument) decimal.Decimal {
	return Quantize(x, inst.MinQty, inst.MaxQty, inst.QtyStep)
}

// Taper 保证金上限衰减系数：((cap-used)/cap)²，达到或超过上限时为 0。
// maxMarginPct <= 0 表示未启用，返回 1。
func Taper(usedPct, maxMarginPct float64) float64 {
	if maxMarginPct <= 0 {
		return 1
	}
	if usedPct >= maxMarginPct {
		return 0
	}
	if usedPct <= 0 {
		return 1
	}
	r := (maxMarginPct - usedPct) / maxMarginPct
	return r * r
}

// SizeOrder 计算未取整的下单数量。
// 无持仓时按余额比例开仓；有持仓时按浮亏比例加仓（亏得越多加得越多）。
func SizeOrder(balance, existingMargin, price, pnlPct float64, leverage int, proportionOfBalance float64) float64 {
	if price <= 0 {
		return 0
	}
	lev := float64(leverage)
	if existingMargin <= 0 {
		return balance * proportionOfBalance * lev / price
	}
	return existingMargin * lev * (-pnlPct) / price
}

// Sizer 仓位计算器
type Sizer struct {
	Leverage            int
	ProportionOfBalance float64
	MaxMarginPct        float64 // 0 表示不启用保证金上限衰减
}

// OpenQty 开仓数量（开仓不做衰减）
func (s Sizer) OpenQty(balance, price float64, inst exchange.Instrument) decimal.Decimal {
	raw := SizeOrder(balance, 0, price, 0, s.Leverage, s.ProportionOfBalance)
	return QuantizeFor(toDecimal(raw), inst)
}

// AddQty 加仓数量。返回的 taper 为 0 时表示已到保证金上限，数量为零，不应下单。
func (s Sizer) AddQty(balance, marginUsed, price, pnlPct float64, inst exchange.Instrument) (qty decimal.Decimal, taper float64) {
	raw := SizeOrder(balance, marginUsed, price, pnlPct, s.Leverage, s.ProportionOfBalance)

	taper = 1
	if s.MaxMarginPct > 0 && balance > 0 {
		taper = Taper(marginUsed/balance, s.MaxMarginPct)
		if taper == 0 {
			return decimal.Zero, 0
		}
		raw *= taper
	}
	return QuantizeFor(toDecimal(raw), inst), taper
}

func toDecimal(x float64) decimal.Decimal {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(x)
}
