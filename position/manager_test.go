package position

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"dcabot/exchange"
	"dcabot/indicators"
	"dcabot/safety"
)

func testInstrument() exchange.Instrument {
	return exchange.Instrument{Symbol: "BTCUSDT", MinQty: d("0.001"), MaxQty: d("1000"), QtyStep: d("0.001")}
}

func calmGate() safety.Assessment {
	return safety.Assessment{
		Volatility: safety.VolatilityAssessment{Trigger: safety.TriggerNone},
		Decline:    indicators.DeclineVelocity{Type: indicators.SlowDecline},
	}
}

func longPosition(size, entry, price, balance float64) *exchange.Position {
	return exchange.Mark("BTCUSDT", exchange.Long, decimal.NewFromFloat(size), entry, 10, price, balance)
}

func baseInput(pos *exchange.Position, price float64) Input {
	return Input{
		Symbol:     "BTCUSDT",
		Side:       exchange.Long,
		Position:   pos,
		Price:      price,
		EMAFast:    90,
		EMASlow:    80,
		DipEMA:     110,
		Gate:       calmGate(),
		Balance:    1000,
		Instrument: testInstrument(),
	}
}

func mustDecide(t *testing.T, in Input, p Params) Decision {
	t.Helper()
	dec, err := Decide(in, p)
	if err != nil {
		t.Fatalf("决策失败: %v", err)
	}
	return dec
}

func TestFlatSeriesNeverOpens(t *testing.T) {
	candles := make([]indicators.Candle, 250)
	for i := range candles {
		candles[i] = indicators.Candle{Time: int64(i) * 60_000, Open: 100, High: 100, Low: 100, Close: 100, Volume: 5}
	}
	closes := indicators.ClosePrices(candles)
	ema200, err := indicators.EMA(closes, 200)
	if err != nil {
		t.Fatalf("EMA200 计算失败: %v", err)
	}
	if math.Abs(ema200-100) > 1e-9 {
		t.Fatalf("EMA200 = %v, 期望 100", ema200)
	}
	ema50, _ := indicators.EMA(closes, 50)
	dip, _ := indicators.ResampledEMASeries(candles, 60, 100)

	gate, err := safety.NewVolatilityGate(safety.DefaultGateConfig()).Assess(candles)
	if err != nil {
		t.Fatalf("波动评估失败: %v", err)
	}
	if gate.Volatility.IsHighVolatility {
		t.Fatal("平稳行情不应为高波动")
	}

	in := baseInput(nil, 100)
	in.EMAFast, in.EMASlow, in.DipEMA, in.Gate = ema50, ema200, dip[len(dip)-1], gate
	dec := mustDecide(t, in, DefaultParams())
	if dec.Action == ActionOpen {
		t.Errorf("平稳行情不应开仓: %+v", dec)
	}

	// 即使通过 EMA200 过滤，价格等于 1h EMA100 也不算回调
	in.EMASlow = 99
	dec = mustDecide(t, in, DefaultParams())
	if dec.Action != ActionHold {
		t.Errorf("价格未低于 1h EMA100 应 HOLD, 实际 %s (%s)", dec.Action, dec.Reason)
	}
}

func TestOpenOnDip(t *testing.T) {
	dec := mustDecide(t, baseInput(nil, 95), DefaultParams())
	if dec.Action != ActionOpen {
		t.Fatalf("应开仓, 实际 %s (%s)", dec.Action, dec.Reason)
	}
	if dec.State != StateNoPosition {
		t.Errorf("状态 = %s, 期望 NO_POSITION", dec.State)
	}
	// 1000 * 0.006 * 10 / 95 = 0.6315... 向下取整到 0.631
	if !dec.Intent.Quantity.Equal(d("0.631")) {
		t.Errorf("开仓数量 = %s, 期望 0.631", dec.Intent.Quantity)
	}
	if dec.Intent.Side != exchange.SideBuy || dec.Intent.ReduceOnly {
		t.Errorf("开仓意图错误: %+v", dec.Intent)
	}
}

func TestOpenBlocked(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input, *Params)
		reason string
	}{
		{"高波动", func(in *Input, p *Params) {
			in.Gate.Volatility.IsHighVolatility = true
			in.Gate.Volatility.Trigger = safety.TriggerATR
		}, "高波动"},
		{"危险下跌", func(in *Input, p *Params) {
			in.Gate.Decline.Type = indicators.FastDecline
		}, "危险下跌"},
		{"未开启自动模式", func(in *Input, p *Params) {
			p.AutomaticMode = false
		}, "自动开仓"},
		{"价格高于 1h EMA100", func(in *Input, p *Params) {
			in.DipEMA = 90
		}, "等待回调"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, p := baseInput(nil, 95), DefaultParams()
			tt.mutate(&in, &p)
			dec := mustDecide(t, in, p)
			if dec.Action != ActionHold {
				t.Fatalf("应 HOLD, 实际 %s", dec.Action)
			}
			if !strings.Contains(dec.Reason, tt.reason) {
				t.Errorf("原因 %q 应包含 %q", dec.Reason, tt.reason)
			}
		})
	}
}

func crashWindow() []indicators.Candle {
	candles := make([]indicators.Candle, 35)
	for i := range candles {
		candles[i] = indicators.Candle{Time: int64(i) * 60_000, Open: 100, High: 100, Low: 100, Close: 100, Volume: 10}
	}
	for i, p := range []float64{98.4, 96.8, 95.2, 93.6, 92} {
		c := &candles[30+i]
		c.Open = candles[29+i].Close
		c.Close, c.High, c.Low, c.Volume = p, c.Open, p, 50
	}
	return candles
}

func TestCrashNeverAdds(t *testing.T) {
	gate, err := safety.NewVolatilityGate(safety.DefaultGateConfig()).Assess(crashWindow())
	if err != nil {
		t.Fatalf("波动评估失败: %v", err)
	}
	if gate.Decline.Type != indicators.Crash || gate.Decline.Score < 70 {
		t.Fatalf("应判定为 CRASH, 实际 %s/%d", gate.Decline.Type, gate.Decline.Score)
	}

	pos := longPosition(1, 100, 92, 1000)
	if pos.MarginLevel < 2 {
		t.Fatalf("测试前提: 保证金率应安全, 实际 %v", pos.MarginLevel)
	}
	in := baseInput(pos, 92)
	in.Gate = gate
	dec := mustDecide(t, in, DefaultParams())
	if dec.Action != ActionHold {
		t.Fatalf("崩盘时不应加仓, 实际 %s (%s)", dec.Action, dec.Reason)
	}
	if !strings.Contains(dec.Reason, "危险下跌") {
		t.Errorf("原因应说明危险下跌: %s", dec.Reason)
	}

	// 同样的持仓在缓慢下跌时会加仓
	in.Gate = calmGate()
	dec = mustDecide(t, in, DefaultParams())
	if dec.Action != ActionAdd {
		t.Fatalf("缓慢下跌且仓位较小时应加仓, 实际 %s (%s)", dec.Action, dec.Reason)
	}
	if !dec.Intent.Quantity.IsPositive() || !dec.Intent.Quantity.Mod(d("0.001")).IsZero() {
		t.Errorf("加仓数量无效: %s", dec.Intent.Quantity)
	}
}

func TestCriticalMarginAlwaysAdds(t *testing.T) {
	pos := longPosition(10, 100, 92, 100)
	if pos.MarginLevel >= 2 {
		t.Fatalf("测试前提: 保证金率应告急, 实际 %v", pos.MarginLevel)
	}
	in := baseInput(pos, 92)
	in.Balance = 100
	in.EMASlow = 120 // 价格位于 EMA200 不利一侧，仍需通过前置过滤
	in.Gate.Decline.Type = indicators.Crash
	in.Gate.Volatility.IsHighVolatility = true

	dec := mustDecide(t, in, DefaultParams())
	if dec.Action != ActionAdd {
		t.Fatalf("保证金率告急时应加仓, 实际 %s (%s)", dec.Action, dec.Reason)
	}
	if dec.State != StateAtRisk {
		t.Errorf("状态 = %s, 期望 POSITION_AT_RISK", dec.State)
	}
}

func TestTakeProfitTiers(t *testing.T) {
	tests := []struct {
		name   string
		size   float64
		price  float64
		action Action
		qty    string
	}{
		{"仓位 12% 平一半", 12, 101, ActionReduce, "6"},
		{"仓位 8% 平 33%", 8, 101, ActionReduce, "2.64"},
		{"仓位 5% 达到目标全平", 5, 102, ActionClose, "5"},
		{"仓位 5% 未达目标", 5, 100.7, ActionHold, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput(longPosition(tt.size, 100, tt.price, 1000), tt.price)
			dec := mustDecide(t, in, DefaultParams())
			if dec.State != StateProfitable {
				t.Fatalf("状态 = %s, 期望 POSITION_PROFITABLE", dec.State)
			}
			if dec.Action != tt.action {
				t.Fatalf("动作 = %s, 期望 %s (%s)", dec.Action, tt.action, dec.Reason)
			}
			if tt.qty == "" {
				return
			}
			if !dec.Intent.Quantity.Equal(d(tt.qty)) {
				t.Errorf("数量 = %s, 期望 %s", dec.Intent.Quantity, tt.qty)
			}
			if !dec.Intent.ReduceOnly || dec.Intent.Side != exchange.SideSell {
				t.Errorf("止盈意图应为只减仓卖出: %+v", dec.Intent)
			}
		})
	}
}

func TestTakeProfitRespectsMaxQty(t *testing.T) {
	inst := testInstrument()
	inst.MaxQty = d("5")
	tests := []struct {
		name   string
		size   float64
		price  float64
		action Action
		qty    string
	}{
		{"平一半超过上限", 12, 101, ActionReduce, "5"},
		{"全平超过上限改为分批", 5.5, 102, ActionReduce, "5"},
		{"全平未超过上限", 5, 102, ActionClose, "5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput(longPosition(tt.size, 100, tt.price, 1000), tt.price)
			in.Instrument = inst
			dec := mustDecide(t, in, DefaultParams())
			if dec.Action != tt.action {
				t.Fatalf("动作 = %s, 期望 %s (%s)", dec.Action, tt.action, dec.Reason)
			}
			if !dec.Intent.Quantity.Equal(d(tt.qty)) {
				t.Errorf("数量 = %s, 期望 %s", dec.Intent.Quantity, tt.qty)
			}
			if dec.Intent.Quantity.GreaterThan(inst.MaxQty) {
				t.Errorf("数量 %s 超过 maxQty %s", dec.Intent.Quantity, inst.MaxQty)
			}
			if !dec.Intent.ReduceOnly {
				t.Error("止盈意图应为只减仓")
			}
		})
	}
}

func TestHoldReasons(t *testing.T) {
	// 仓位 5%，浮亏 2%：超过常规上限，也未达到逢低加仓条件
	in := baseInput(longPosition(5, 100, 99.8, 1000), 99.8)
	dec := mustDecide(t, in, DefaultParams())
	if dec.Action != ActionHold || dec.Reason != "无变化" {
		t.Errorf("应 HOLD 无变化, 实际 %s (%s)", dec.Action, dec.Reason)
	}

	in.Gate.Volatility.IsHighVolatility = true
	in.Gate.Volatility.Trigger = safety.TriggerBBWidth
	in.Gate.Decline.Type = indicators.ModerateDecline
	dec = mustDecide(t, in, DefaultParams())
	if dec.Action != ActionHold || !strings.Contains(dec.Reason, "BB_WIDTH") {
		t.Errorf("高波动应 HOLD 并给出触发源, 实际 %s (%s)", dec.Action, dec.Reason)
	}
}

func TestDipBuyBelowLimitRequiresEMA50Side(t *testing.T) {
	// 仓位 5%，浮亏 10%
	pos := longPosition(5, 100, 99, 1000)
	in := baseInput(pos, 99)
	if dec := mustDecide(t, in, DefaultParams()); dec.Action != ActionAdd {
		t.Errorf("价格在 EMA50 上方且浮亏超过 5%% 应加仓, 实际 %s (%s)", dec.Action, dec.Reason)
	}
	in.EMAFast = 100
	if dec := mustDecide(t, in, DefaultParams()); dec.Action != ActionHold {
		t.Errorf("价格在 EMA50 下方不应加仓, 实际 %s (%s)", dec.Action, dec.Reason)
	}
}

func TestMarginCapHolds(t *testing.T) {
	p := DefaultParams()
	p.MaxMarginPct = 0.01
	in := baseInput(longPosition(1.5, 100, 99, 1000), 99)
	dec := mustDecide(t, in, p)
	if dec.Action != ActionHold || !strings.Contains(dec.Reason, "保证金上限") {
		t.Errorf("超过保证金上限应 HOLD, 实际 %s (%s)", dec.Action, dec.Reason)
	}
}

func TestShortSide(t *testing.T) {
	in := baseInput(nil, 105)
	in.Side = exchange.Short
	in.EMASlow, in.DipEMA = 120, 100
	dec := mustDecide(t, in, DefaultParams())
	if dec.Action != ActionOpen || dec.Intent.Side != exchange.SideSell {
		t.Fatalf("空头应在价格高于 1h EMA100 时卖出开仓, 实际 %s (%s)", dec.Action, dec.Reason)
	}

	in.EMASlow = 80
	if dec := mustDecide(t, in, DefaultParams()); dec.Action != ActionSkip {
		t.Errorf("空头价格高于 EMA200 应跳过, 实际 %s", dec.Action)
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	in := baseInput(longPosition(1, 100, 92, 1000), 92)
	first := mustDecide(t, in, DefaultParams())
	for i := 0; i < 10; i++ {
		again := mustDecide(t, in, DefaultParams())
		if again.Action != first.Action || again.Reason != first.Reason || !again.Intent.Quantity.Equal(first.Intent.Quantity) {
			t.Fatalf("第 %d 次决策不一致: %+v != %+v", i, again, first)
		}
	}
}

func TestDecideRejectsInvalidInput(t *testing.T) {
	in := baseInput(nil, 95)
	in.DipEMA = 0
	if _, err := Decide(in, DefaultParams()); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("均线缺失应返回 ErrInvalidInput, 实际 %v", err)
	}
	in = baseInput(nil, math.NaN())
	if _, err := Decide(in, DefaultParams()); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("价格为 NaN 应返回 ErrInvalidInput, 实际 %v", err)
	}
}
