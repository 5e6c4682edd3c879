package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"dcabot/database"
	"dcabot/exchange"
	"dcabot/indicators"
	"dcabot/lock"
	"dcabot/metrics"
	"dcabot/order"
	"dcabot/position"
	"dcabot/safety"
)

// fakeGateway 内存交易所：固定行情，记录下单
type fakeGateway struct {
	mu          sync.Mutex
	balance     exchange.Balance
	ticker      exchange.Ticker
	pos         *exchange.Position
	candles     map[int][]indicators.Candle // 按周期分钟
	klineErr    error
	leverageErr error
	placed      []exchange.OrderRequest
	cancels     int
}

func (f *fakeGateway) GetName() string { return "fake" }

func (f *fakeGateway) GetBalance(context.Context) (exchange.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeGateway) GetTicker(context.Context, string) (exchange.Ticker, error) {
	return f.ticker, nil
}

func (f *fakeGateway) GetPosition(context.Context, string, exchange.PosSide) (*exchange.Position, error) {
	return f.pos, nil
}

func (f *fakeGateway) GetKlines(_ context.Context, _ string, interval, count int) ([]exchange.Candle, error) {
	if f.klineErr != nil {
		return nil, f.klineErr
	}
	return indicators.Tail(f.candles[interval], count), nil
}

func (f *fakeGateway) PlaceOrder(_ context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	return &exchange.OrderResult{OrderID: "42", ClientOrderID: req.ClientOrderID, Status: "NEW"}, nil
}

func (f *fakeGateway) CancelAllOrders(context.Context, string, exchange.PosSide) error {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
	return nil
}

func (f *fakeGateway) SetLeverage(context.Context, string, int) error { return f.leverageErr }

func (f *fakeGateway) GetInstrumentLimits(_ context.Context, symbol string) (exchange.Instrument, error) {
	return exchange.Instrument{
		Symbol:   symbol,
		MinQty:   decimal.RequireFromString("0.001"),
		MaxQty:   decimal.RequireFromString("1000"),
		QtyStep:  decimal.RequireFromString("0.001"),
		TickSize: decimal.RequireFromString("0.01"),
	}, nil
}

// memoryStore 内存周期存储
type memoryStore struct {
	mu     sync.Mutex
	cycles []*database.CycleRecord
	orders []*database.OrderRecord
}

func (s *memoryStore) SaveCycleWithOrder(_ context.Context, c *database.CycleRecord, o *database.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles = append(s.cycles, c)
	if o != nil {
		s.orders = append(s.orders, o)
	}
	return nil
}

func flatCandles(n int, price float64, intervalMinutes int) []indicators.Candle {
	candles := make([]indicators.Candle, n)
	step := int64(intervalMinutes) * 60_000
	for i := range candles {
		candles[i] = indicators.Candle{
			Time:   1_700_000_000_000 + int64(i)*step,
			Open:   price,
			High:   price,
			Low:    price,
			Close:  price,
			Volume: 10,
		}
	}
	return candles
}

func testCycleConfig() CycleConfig {
	return CycleConfig{
		Side:            exchange.Long,
		IntervalMinutes: 1,
		KlineLimit:      250,
		TrendFastSpan:   50,
		TrendSlowSpan:   200,
		DipSpan:         100,
		DipInterval:     60,
		Params:          position.DefaultParams(),
		Gate:            safety.DefaultGateConfig(),
	}
}

func newTestCycle(gw *fakeGateway, store *memoryStore, status *StatusBoard) *Cycle {
	pm := metrics.NewPrometheusMetrics()
	exec := order.NewExecutor(gw, lock.NewLocalLock(), pm, order.Config{Leverage: 10})
	return NewCycle(gw, exec, store, pm, status)
}

// dipGateway 价格在 EMA200 上方、低于 1h EMA100：满足开仓条件
func dipGateway() *fakeGateway {
	return &fakeGateway{
		balance: exchange.Balance{Total: 10000},
		ticker:  exchange.Ticker{Bid: 101, Ask: 101.1},
		candles: map[int][]indicators.Candle{
			1:  flatCandles(300, 100, 1),
			60: flatCandles(250, 105, 60),
		},
	}
}

func TestCycleSkipsOnUnfavorableSide(t *testing.T) {
	gw := &fakeGateway{
		balance: exchange.Balance{Total: 10000},
		ticker:  exchange.Ticker{Bid: 100, Ask: 100},
		candles: map[int][]indicators.Candle{
			1:  flatCandles(250, 100, 1),
			60: flatCandles(200, 100, 60),
		},
	}
	store := &memoryStore{}
	status := NewStatusBoard()
	c := newTestCycle(gw, store, status)

	res, err := c.Run(context.Background(), "BTCUSDT", testCycleConfig())
	if err != nil {
		t.Fatalf("周期不应失败: %v", err)
	}
	if res.Action != position.ActionSkip {
		t.Errorf("价格等于 EMA200 时应跳过, 得到 %s", res.Action)
	}
	if res.Gate.Volatility.IsHighVolatility {
		t.Error("平稳行情不应判定为高波动")
	}
	if len(gw.placed) != 0 {
		t.Errorf("跳过时不应下单, 得到 %d 笔", len(gw.placed))
	}
	if gw.cancels != 1 {
		t.Errorf("周期开始时应撤单一次, 得到 %d", gw.cancels)
	}
	if len(store.cycles) != 1 || store.cycles[0].Action != "SKIP" {
		t.Fatalf("应保存一条 SKIP 记录: %+v", store.cycles)
	}
	if store.cycles[0].MarginLevel != exchange.NoMarginLevel {
		t.Errorf("无持仓时保证金率应为哨兵值, 得到 %v", store.cycles[0].MarginLevel)
	}
	if got, ok := status.Get("BTCUSDT"); !ok || got != res {
		t.Error("状态板应发布最新结果")
	}
}

func TestCycleOpensOnDip(t *testing.T) {
	gw := dipGateway()
	store := &memoryStore{}
	c := newTestCycle(gw, store, NewStatusBoard())

	res, err := c.Run(context.Background(), "BTCUSDT", testCycleConfig())
	if err != nil {
		t.Fatalf("周期失败: %v", err)
	}
	if res.Action != position.ActionOpen {
		t.Fatalf("期望 OPEN, 得到 %s (%s)", res.Action, res.Reason)
	}
	if res.Indicators.DipEMA != 105 || res.Indicators.EMASlow != 100 {
		t.Errorf("均线错误: %+v", res.Indicators)
	}
	if len(gw.placed) != 1 {
		t.Fatalf("应下单1笔, 得到 %d", len(gw.placed))
	}
	req := gw.placed[0]
	if req.Side != exchange.SideBuy || req.PosSide != exchange.Long || req.Price != 101 || req.ReduceOnly {
		t.Errorf("订单参数错误: %+v", req)
	}
	if !req.Quantity.IsPositive() {
		t.Errorf("下单数量应大于0: %s", req.Quantity)
	}
	if res.Order == nil || res.Order.Outcome != order.OutcomePlaced {
		t.Fatalf("订单应已下达: %+v", res.Order)
	}

	if len(store.orders) != 1 {
		t.Fatalf("应保存1条订单记录, 得到 %d", len(store.orders))
	}
	o := store.orders[0]
	if o.Action != "OPEN" || o.Outcome != "placed" || o.Quantity != req.Quantity.String() || o.OrderID != "42" {
		t.Errorf("订单记录错误: %+v", o)
	}
	if store.cycles[0].OrderOutcome != "placed" {
		t.Errorf("周期记录应包含订单结果, 得到 %q", store.cycles[0].OrderOutcome)
	}
}

func TestCycleInsufficientMarginIsSkipped(t *testing.T) {
	gw := dipGateway()
	gw.balance = exchange.Balance{Total: 10000, Used: 9995}
	store := &memoryStore{}
	c := newTestCycle(gw, store, nil)

	res, err := c.Run(context.Background(), "BTCUSDT", testCycleConfig())
	if err != nil {
		t.Fatalf("保证金不足不应视为失败: %v", err)
	}
	if res.Order == nil || res.Order.Outcome != order.OutcomeSkipped {
		t.Fatalf("期望订单被跳过: %+v", res.Order)
	}
	if len(gw.placed) != 0 {
		t.Error("保证金不足时不应调用交易所下单")
	}
	if len(store.orders) != 1 || store.orders[0].Outcome != "skipped" {
		t.Errorf("应记录被跳过的订单: %+v", store.orders)
	}
}

func TestCycleSnapshotFailure(t *testing.T) {
	gw := dipGateway()
	gw.klineErr = errors.New("timeout")
	store := &memoryStore{}
	c := newTestCycle(gw, store, nil)

	res, err := c.Run(context.Background(), "BTCUSDT", testCycleConfig())
	if err == nil {
		t.Fatal("K线查询失败应中止周期")
	}
	if res.Stage != StageSnapshot {
		t.Errorf("失败阶段应为 snapshot, 得到 %s", res.Stage)
	}
	if len(store.cycles) != 1 || store.cycles[0].Error == "" {
		t.Errorf("失败的周期也应记录: %+v", store.cycles)
	}
}

func TestCyclePrepareFailure(t *testing.T) {
	gw := dipGateway()
	gw.leverageErr = errors.New("invalid leverage")
	c := newTestCycle(gw, &memoryStore{}, nil)

	res, err := c.Run(context.Background(), "BTCUSDT", testCycleConfig())
	if err == nil || res.Stage != StagePrepare {
		t.Errorf("设置杠杆失败应在 prepare 阶段中止: stage=%s err=%v", res.Stage, err)
	}
}

func TestCycleInsufficientKlines(t *testing.T) {
	gw := dipGateway()
	gw.candles[1] = flatCandles(150, 100, 1)
	c := newTestCycle(gw, &memoryStore{}, nil)

	res, err := c.Run(context.Background(), "BTCUSDT", testCycleConfig())
	if !IsInsufficientData(err) {
		t.Fatalf("K线不足应返回数据不足错误, 得到 %v", err)
	}
	if res.Stage != StageIndicators {
		t.Errorf("失败阶段应为 indicators, 得到 %s", res.Stage)
	}
}

func TestDetectTrend(t *testing.T) {
	tests := []struct {
		name string
		in   TrendIndicators
		want Trend
	}{
		{"上涨", TrendIndicators{Price: 105, EMAFast: 103, EMASlow: 100}, TrendUp},
		{"下跌", TrendIndicators{Price: 95, EMAFast: 97, EMASlow: 100}, TrendDown},
		{"震荡", TrendIndicators{Price: 99, EMAFast: 101, EMASlow: 100}, TrendSide},
		{"无数据", TrendIndicators{Price: 99}, TrendSide},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectTrend(tt.in); got != tt.want {
				t.Errorf("期望 %s, 得到 %s", tt.want, got)
			}
		})
	}
}

func TestStatusBoardSnapshotSorted(t *testing.T) {
	b := NewStatusBoard()
	b.Publish(&Result{Symbol: "ETHUSDT"})
	b.Publish(&Result{Symbol: "BTCUSDT"})
	b.Publish(nil)

	snap := b.Snapshot()
	if len(snap) != 2 || snap[0].Symbol != "BTCUSDT" {
		t.Errorf("快照应按交易对排序: %+v", snap)
	}
}
