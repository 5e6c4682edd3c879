package binance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"dcabot/exchange"
)

func TestNewAdapterRequiresKeys(t *testing.T) {
	if _, err := NewAdapter(Config{}); err == nil {
		t.Error("缺少密钥时应报错")
	}
	a, err := NewAdapter(Config{APIKey: "k", SecretKey: "s"})
	if err != nil {
		t.Fatalf("创建适配器失败: %v", err)
	}
	if a.GetName() != "Binance" {
		t.Errorf("交易所名称错误: 期望 Binance, 得到 %s", a.GetName())
	}
	if a.cfg.Retry.Attempts != 3 {
		t.Errorf("默认重试次数应为 3, 得到 %d", a.cfg.Retry.Attempts)
	}
}

func TestIntervalString(t *testing.T) {
	cases := map[int]string{1: "1m", 5: "5m", 60: "1h", 240: "4h", 1440: "1d"}
	for m, want := range cases {
		got, err := IntervalString(m)
		if err != nil || got != want {
			t.Errorf("IntervalString(%d) = %q, %v; 期望 %q", m, got, err, want)
		}
	}
	if _, err := IntervalString(7); err == nil {
		t.Error("不支持的周期应报错")
	}
}

func TestParseInstrument(t *testing.T) {
	inst, err := ParseInstrument("BTCUSDT", "0.001", "1000", "0.001", "0.10")
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if !inst.MinQty.Equal(decimal.RequireFromString("0.001")) || !inst.TickSize.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("解析结果错误: %+v", inst)
	}
	if _, err := ParseInstrument("BTCUSDT", "0.001", "1000", "0", ""); err == nil {
		t.Error("步长为 0 应报错")
	}
	if _, err := ParseInstrument("BTCUSDT", "abc", "1000", "0.001", ""); err == nil {
		t.Error("非法数字应报错")
	}
}

func TestFormatPrice(t *testing.T) {
	tick := decimal.RequireFromString("0.10")
	if got := FormatPrice(43251.37, tick); got != "43251.30" {
		t.Errorf("FormatPrice = %s, 期望 43251.30", got)
	}
	if got := FormatPrice(1.5, decimal.Zero); got != "1.5" {
		t.Errorf("无步长时 FormatPrice = %s", got)
	}
}

func TestParseKline(t *testing.T) {
	k := &futures.Kline{OpenTime: 1704067200000, Open: "100", High: "101.5", Low: "99", Close: "100.5", Volume: "12.3"}
	c, err := parseKline(k)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	want := exchange.Candle{Time: 1704067200000, Open: 100, High: 101.5, Low: 99, Close: 100.5, Volume: 12.3}
	if c != want {
		t.Errorf("解析结果 %+v, 期望 %+v", c, want)
	}
	k.Close = ""
	if _, err := parseKline(k); err == nil {
		t.Error("空字段应报错")
	}
	if _, err := toCandles(nil); !errors.Is(err, exchange.ErrNoData) {
		t.Errorf("空结果应返回 ErrNoData, 得到 %v", err)
	}
}

func TestSelectPosition(t *testing.T) {
	hedge := []*futures.PositionRisk{
		{Symbol: "BTCUSDT", PositionSide: "LONG", PositionAmt: "0.5", EntryPrice: "40000", MarkPrice: "41000", Leverage: "10"},
		{Symbol: "BTCUSDT", PositionSide: "SHORT", PositionAmt: "0", EntryPrice: "0", MarkPrice: "41000", Leverage: "10"},
	}
	long, err := selectPosition(hedge, "BTCUSDT", exchange.Long)
	if err != nil || long == nil || long.PositionAmt != "0.5" {
		t.Fatalf("应选中多头持仓: %+v %v", long, err)
	}
	if short, _ := selectPosition(hedge, "BTCUSDT", exchange.Short); short != nil {
		t.Error("数量为 0 的空头不应视为持仓")
	}

	oneWay := []*futures.PositionRisk{{Symbol: "ETHUSDT", PositionSide: "BOTH", PositionAmt: "-2", EntryPrice: "2000", MarkPrice: "1900", Leverage: "5"}}
	short, _ := selectPosition(oneWay, "ETHUSDT", exchange.Short)
	if short == nil {
		t.Fatal("单向持仓负数量应识别为空头")
	}
	pos, err := toPosition(short, exchange.Short, 1000)
	if err != nil {
		t.Fatalf("转换失败: %v", err)
	}
	// 保证金 2000*2/5 = 800，浮盈 (1900-2000)*2*-1 = 200
	if !pos.Size.Equal(decimal.NewFromInt(2)) || pos.MarginUsed != 800 || pos.UnrealizedPnl != 200 {
		t.Errorf("持仓字段错误: %+v", pos)
	}
	if pos.MarginLevel != 1.5 {
		t.Errorf("保证金率 = %v, 期望 1.5", pos.MarginLevel)
	}
}

func TestMapOrderError(t *testing.T) {
	err := mapOrderError(&common.APIError{Code: -2019, Message: "Margin is insufficient."})
	if !errors.Is(err, exchange.ErrInsufficientMargin) {
		t.Errorf("-2019 应映射为 ErrInsufficientMargin: %v", err)
	}
	err = mapOrderError(&common.APIError{Code: -1111, Message: "Precision is over the maximum defined for this asset."})
	if errors.Is(err, exchange.ErrInsufficientMargin) {
		t.Error("其他错误不应映射为保证金不足")
	}
}

func TestLeverageUnchanged(t *testing.T) {
	if !isLeverageUnchanged(errors.New("leverage not modified")) {
		t.Error("未修改应视为成功")
	}
	if isLeverageUnchanged(&common.APIError{Code: -4028, Message: "Leverage 200 is not valid"}) {
		t.Error("无效杠杆不应视为成功")
	}
}

func TestParseBanTime(t *testing.T) {
	ts, ok := parseBanTime("IP(1.2.3.4) banned until 1767288777555")
	if !ok || ts.UnixMilli() != 1767288777555 {
		t.Errorf("解析封禁时间失败: %v %v", ts, ok)
	}
	if _, ok := parseBanTime("some other error"); ok {
		t.Error("无封禁信息时不应解析成功")
	}

	p := DefaultRetryPolicy()
	now := time.UnixMilli(1767288770000)
	err := &common.APIError{Code: -1003, Message: "Way too many requests; IP banned until 1767288777555"}
	if d := p.waitDuration(err, 0, now); d != 7555*time.Millisecond+time.Second {
		t.Errorf("封禁等待时间 = %v", d)
	}
	if d := p.waitDuration(errors.New("timeout"), 2, now); d != 4*time.Second {
		t.Errorf("第 3 次退避应为 4s, 得到 %v", d)
	}
}

func TestWithRetry(t *testing.T) {
	p := RetryPolicy{Attempts: 3, BaseBackoff: time.Millisecond}

	calls := 0
	v, err := withRetry(context.Background(), p, "测试", func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset")
		}
		return 42, nil
	})
	if err != nil || v != 42 || calls != 3 {
		t.Errorf("应在第 3 次成功: v=%d calls=%d err=%v", v, calls, err)
	}

	calls = 0
	_, err = withRetry(context.Background(), p, "测试", func() (int, error) {
		calls++
		return 0, &common.APIError{Code: -1121, Message: "Invalid symbol."}
	})
	if err == nil || calls != 1 {
		t.Errorf("参数错误不应重试: calls=%d", calls)
	}

	calls = 0
	_, err = withRetry(context.Background(), p, "测试", func() (int, error) {
		calls++
		return 0, errors.New("timeout")
	})
	if err == nil || calls != 3 {
		t.Errorf("重试耗尽后应返回错误: calls=%d", calls)
	}
}
