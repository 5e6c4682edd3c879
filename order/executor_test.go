package order

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"dcabot/exchange"
	"dcabot/lock"
	"dcabot/metrics"
	"dcabot/position"
)

// fakeGateway 只实现执行器用到的部分：余额随下单增加占用
type fakeGateway struct {
	mu       sync.Mutex
	balance  exchange.Balance
	leverage int
	placed   []exchange.OrderRequest
	placeErr error
}

func (f *fakeGateway) GetName() string { return "fake" }

func (f *fakeGateway) GetBalance(context.Context) (exchange.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeGateway) GetTicker(context.Context, string) (exchange.Ticker, error) {
	return exchange.Ticker{}, nil
}

func (f *fakeGateway) GetPosition(context.Context, string, exchange.PosSide) (*exchange.Position, error) {
	return nil, nil
}

func (f *fakeGateway) GetKlines(context.Context, string, int, int) ([]exchange.Candle, error) {
	return nil, nil
}

func (f *fakeGateway) PlaceOrder(_ context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.placed = append(f.placed, req)
	if !req.ReduceOnly {
		f.balance.Used += req.Quantity.InexactFloat64() * req.Price / float64(f.leverage)
	}
	return &exchange.OrderResult{OrderID: "1", ClientOrderID: req.ClientOrderID, Status: "NEW"}, nil
}

func (f *fakeGateway) CancelAllOrders(context.Context, string, exchange.PosSide) error { return nil }
func (f *fakeGateway) SetLeverage(context.Context, string, int) error                  { return nil }
func (f *fakeGateway) GetInstrumentLimits(context.Context, string) (exchange.Instrument, error) {
	return exchange.Instrument{}, nil
}

func buy(qty string, price float64) position.OrderIntent {
	return position.OrderIntent{
		Side:     exchange.SideBuy,
		PosSide:  exchange.Long,
		Quantity: decimal.RequireFromString(qty),
		Price:    price,
	}
}

func TestExecutePlacesOrder(t *testing.T) {
	gw := &fakeGateway{balance: exchange.Balance{Total: 1000}, leverage: 10}
	ex := NewExecutor(gw, lock.NewLocalLock(), metrics.NewPrometheusMetrics(), Config{Leverage: 10})

	res, err := ex.Execute(context.Background(), "BTCUSDT", buy("1", 100))
	if err != nil {
		t.Fatalf("下单失败: %v", err)
	}
	if res.Outcome != OutcomePlaced || res.OrderID != "1" {
		t.Errorf("结果错误: %+v", res)
	}
	if len(gw.placed) != 1 || gw.placed[0].ClientOrderID != res.ClientOrderID {
		t.Fatalf("交易所应收到 1 笔订单: %+v", gw.placed)
	}
	if n := len(res.ClientOrderID); n == 0 || n > 36 {
		t.Errorf("客户端订单号长度 %d 超出限制", n)
	}
}

func TestExecuteSkipsOnInsufficientMargin(t *testing.T) {
	gw := &fakeGateway{balance: exchange.Balance{Total: 1000, Used: 950}, leverage: 10}
	ex := NewExecutor(gw, nil, nil, Config{Leverage: 10})

	// 需要 100，可用 50
	res, err := ex.Execute(context.Background(), "BTCUSDT", buy("10", 100))
	if err != nil {
		t.Fatalf("保证金不足不应视为错误: %v", err)
	}
	if res.Outcome != OutcomeSkipped || len(gw.placed) != 0 {
		t.Errorf("应跳过且不下单: %+v, 已下单 %d", res, len(gw.placed))
	}
}

func TestExecuteSkipsOverCap(t *testing.T) {
	gw := &fakeGateway{balance: exchange.Balance{Total: 1000, Used: 40}, leverage: 10}
	ex := NewExecutor(gw, nil, nil, Config{Leverage: 10, MaxMarginPct: 0.05})

	// (40 + 20) / 1000 = 6% > 5%
	res, err := ex.Execute(context.Background(), "BTCUSDT", buy("2", 100))
	if err != nil || res.Outcome != OutcomeSkipped {
		t.Errorf("超过上限应跳过: %+v %v", res, err)
	}
}

func TestExecuteExchangeRejectsMargin(t *testing.T) {
	gw := &fakeGateway{
		balance:  exchange.Balance{Total: 1000},
		leverage: 10,
		placeErr: errors.Join(errors.New("code=-2019"), exchange.ErrInsufficientMargin),
	}
	ex := NewExecutor(gw, nil, nil, Config{Leverage: 10})
	res, err := ex.Execute(context.Background(), "BTCUSDT", buy("1", 100))
	if err != nil || res.Outcome != OutcomeSkipped {
		t.Errorf("交易所保证金不足应为 skipped: %+v %v", res, err)
	}

	gw.placeErr = errors.New("网络错误")
	res, err = ex.Execute(context.Background(), "BTCUSDT", buy("1", 100))
	if err == nil || res.Outcome != OutcomeFailed {
		t.Errorf("其他错误应为 failed: %+v %v", res, err)
	}
}

func TestReduceOnlyBypassesMarginCheck(t *testing.T) {
	gw := &fakeGateway{balance: exchange.Balance{Total: 1000, Used: 1000}, leverage: 10}
	ex := NewExecutor(gw, nil, nil, Config{Leverage: 10, MaxMarginPct: 0.01})
	intent := position.OrderIntent{
		Side:       exchange.SideSell,
		PosSide:    exchange.Long,
		Quantity:   decimal.RequireFromString("1"),
		Price:      100,
		ReduceOnly: true,
	}
	res, err := ex.Execute(context.Background(), "BTCUSDT", intent)
	if err != nil || res.Outcome != OutcomePlaced {
		t.Errorf("减仓单不受保证金限制: %+v %v", res, err)
	}
}

// 多个交易对并发加仓时，账户锁保证合计不超过上限
func TestConcurrentAddsRespectCap(t *testing.T) {
	gw := &fakeGateway{balance: exchange.Balance{Total: 1000}, leverage: 10}
	ex := NewExecutor(gw, lock.NewLocalLock(), nil, Config{Leverage: 10, MaxMarginPct: 0.05, OrdersPerSec: 1000, Burst: 100})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// 每笔占用 10，上限 50
			if _, err := ex.Execute(context.Background(), "BTCUSDT", buy("1", 100)); err != nil {
				t.Errorf("下单失败: %v", err)
			}
		}()
	}
	wg.Wait()
	if len(gw.placed) != 5 {
		t.Errorf("应恰好成交 5 笔, 实际 %d", len(gw.placed))
	}
	if gw.balance.Used > 50+1e-9 {
		t.Errorf("占用保证金 %v 超过上限", gw.balance.Used)
	}
}
