package position

import (
	"math"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestQuantizeIsMultipleOfStepWithinBounds(t *testing.T) {
	min, max, step := d("0.001"), d("100"), d("0.001")
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		x := decimal.NewFromFloat((r.Float64() - 0.1) * 150)
		q := Quantize(x, min, max, step)
		if !q.Mod(step).IsZero() {
			t.Fatalf("Quantize(%s) = %s 不是步长 %s 的整数倍", x, q, step)
		}
		if q.LessThan(min) || q.GreaterThan(max) {
			t.Fatalf("Quantize(%s) = %s 超出范围 [%s, %s]", x, q, min, max)
		}
		if x.GreaterThanOrEqual(min) && x.LessThanOrEqual(max) && q.GreaterThan(x) {
			t.Fatalf("Quantize(%s) = %s 应向下取整", x, q)
		}
	}
}

func TestQuantizeCases(t *testing.T) {
	tests := []struct {
		name string
		x    string
		want string
	}{
		{"向下取整", "1.23456", "1.23"},
		{"精确值不变", "2.5", "2.5"},
		{"小于最小值抬到最小值", "0.004", "0.01"},
		{"负数抬到最小值", "-3", "0.01"},
		{"超过最大值", "12345", "1000"},
		{"浮点误差", "0.30000000000000004", "0.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Quantize(d(tt.x), d("0.01"), d("1000"), d("0.01"))
			if !got.Equal(d(tt.want)) {
				t.Errorf("Quantize(%s) = %s, 期望 %s", tt.x, got, tt.want)
			}
		})
	}
}

func TestTaperContinuous(t *testing.T) {
	const limit = 0.2
	const delta = 1e-4
	prev := Taper(0, limit)
	if prev != 1 {
		t.Fatalf("未占用保证金时衰减系数应为 1, 实际 %v", prev)
	}
	for u := delta; u < limit; u += delta {
		cur := Taper(u, limit)
		if cur <= 0 {
			t.Fatalf("上限之前衰减系数不应为 0: used=%v", u)
		}
		if cur > prev {
			t.Fatalf("衰减系数应单调递减: used=%v %v > %v", u, cur, prev)
		}
		if prev-cur > 2*delta/limit+1e-12 {
			t.Fatalf("衰减系数出现跳变: used=%v 差值 %v", u, prev-cur)
		}
		prev = cur
	}
	if prev > 1e-6 {
		t.Errorf("接近上限时衰减系数应趋近 0, 实际 %v", prev)
	}
	if Taper(limit, limit) != 0 || Taper(limit*2, limit) != 0 {
		t.Error("达到或超过上限时衰减系数应为 0")
	}
	if Taper(0.5, 0) != 1 {
		t.Error("未启用上限时衰减系数应为 1")
	}
}

func TestSizeOrder(t *testing.T) {
	open := SizeOrder(1000, 0, 100, 0, 10, 0.006)
	if math.Abs(open-0.6) > 1e-12 {
		t.Errorf("开仓数量 = %v, 期望 0.6", open)
	}
	add := SizeOrder(1000, 50, 100, -0.2, 10, 0.006)
	if math.Abs(add-1.0) > 1e-12 {
		t.Errorf("加仓数量 = %v, 期望 1.0", add)
	}
}

func TestSizerAddQtyTaper(t *testing.T) {
	inst := testInstrument()
	s := Sizer{Leverage: 10, ProportionOfBalance: 0.006, MaxMarginPct: 0.1}

	full, taper := s.AddQty(1000, 0.000001, 100, -0.5, inst)
	if taper <= 0.99 {
		t.Errorf("几乎未占用保证金时衰减系数应接近 1, 实际 %v (qty=%s)", taper, full)
	}

	qty, taper := s.AddQty(1000, 50, 100, -0.2, inst)
	// 原始数量 1.0，占用 5%，衰减 ((0.1-0.05)/0.1)² = 0.25
	if math.Abs(taper-0.25) > 1e-12 {
		t.Errorf("衰减系数 = %v, 期望 0.25", taper)
	}
	if !qty.Equal(d("0.25")) {
		t.Errorf("加仓数量 = %s, 期望 0.25", qty)
	}

	qty, taper = s.AddQty(1000, 100, 100, -0.2, inst)
	if taper != 0 || !qty.IsZero() {
		t.Errorf("达到上限时应返回零数量, 实际 qty=%s taper=%v", qty, taper)
	}
}
