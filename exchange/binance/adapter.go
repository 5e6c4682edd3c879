package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"dcabot/exchange"
	"dcabot/logger"
)

// MaxKlinesPerRequest 合约K线接口单次最多返回条数
const MaxKlinesPerRequest = 1500

// Config 适配器配置
type Config struct {
	APIKey    string
	SecretKey string
	Testnet   bool
	HedgeMode bool          // 双向持仓模式，下单时带 positionSide
	Retry     RetryPolicy   // 只读请求的重试策略
	Timeout   time.Duration // 单次请求超时，0 表示只依赖调用方 ctx
}

// Adapter 币安 U 本位合约网关
type Adapter struct {
	client  *futures.Client
	cfg     Config
	limiter *rate.Limiter

	mu          sync.RWMutex
	instruments map[string]exchange.Instrument
}

var _ exchange.Gateway = (*Adapter)(nil)

// NewAdapter 创建币安适配器。futures.UseTestnet 是包级变量，必须在创建客户端之前设置。
func NewAdapter(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("Binance API 配置不完整")
	}
	if cfg.Testnet {
		logger.Info("🌐 [Binance] 使用测试网模式")
	}
	futures.UseTestnet = cfg.Testnet
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	return &Adapter{
		client:      futures.NewClient(cfg.APIKey, cfg.SecretKey),
		cfg:         cfg,
		limiter:     rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		instruments: make(map[string]exchange.Instrument),
	}, nil
}

// NewPublicAdapter 无需密钥的只读适配器，用于回测下载K线和合约信息
func NewPublicAdapter(testnet bool) *Adapter {
	futures.UseTestnet = testnet
	return &Adapter{
		client:      futures.NewClient("", ""),
		cfg:         Config{Testnet: testnet, Retry: DefaultRetryPolicy()},
		limiter:     rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		instruments: make(map[string]exchange.Instrument),
	}
}

// SyncTime 同步服务器时间，避免签名时间戳超出 recvWindow
func (b *Adapter) SyncTime(ctx context.Context) error {
	if _, err := b.client.NewSetServerTimeService().Do(ctx); err != nil {
		return fmt.Errorf("同步服务器时间失败: %w", err)
	}
	return nil
}

// GetName 获取交易所名称
func (b *Adapter) GetName() string {
	return "Binance"
}

func (b *Adapter) wait(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("等待限流许可失败: %w", err)
	}
	return nil
}

// callCtx 按配置给单次请求加超时
func (b *Adapter) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, b.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// read 带限流、超时和重试地执行只读请求
func read[T any](ctx context.Context, b *Adapter, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	return withRetry(ctx, b.cfg.Retry, op, func() (T, error) {
		if err := b.wait(ctx); err != nil {
			var zero T
			return zero, err
		}
		cctx, cancel := b.callCtx(ctx)
		defer cancel()
		return fn(cctx)
	})
}

// GetBalance 获取 U 本位合约账户余额与占用保证金
func (b *Adapter) GetBalance(ctx context.Context) (exchange.Balance, error) {
	account, err := read(ctx, b, "查询账户", func(ctx context.Context) (*futures.Account, error) {
		return b.client.NewGetAccountService().Do(ctx)
	})
	if err != nil {
		if strings.Contains(err.Error(), "restricted location") {
			return exchange.Balance{}, fmt.Errorf("你的网络连接在限制服务区域，请检查网络或使用代理: %w", err)
		}
		return exchange.Balance{}, fmt.Errorf("查询账户失败: %w", err)
	}

	total, err := parseFloat("totalWalletBalance", account.TotalWalletBalance)
	if err != nil {
		return exchange.Balance{}, err
	}
	used, err := parseFloat("totalInitialMargin", account.TotalInitialMargin)
	if err != nil {
		return exchange.Balance{}, err
	}
	return exchange.Balance{Total: total, Used: used}, nil
}

// GetTicker 获取最优买卖价
func (b *Adapter) GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	tickers, err := read(ctx, b, "查询盘口", func(ctx context.Context) ([]*futures.BookTicker, error) {
		return b.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return exchange.Ticker{}, fmt.Errorf("查询 %s 盘口失败: %w", symbol, err)
	}
	for _, t := range tickers {
		if t.Symbol != symbol {
			continue
		}
		bid, err := parseFloat("bidPrice", t.BidPrice)
		if err != nil {
			return exchange.Ticker{}, err
		}
		ask, err := parseFloat("askPrice", t.AskPrice)
		if err != nil {
			return exchange.Ticker{}, err
		}
		return exchange.Ticker{Bid: bid, Ask: ask}, nil
	}
	return exchange.Ticker{}, fmt.Errorf("%s 盘口: %w", symbol, exchange.ErrNoData)
}

// GetPosition 获取指定方向的持仓，保证金率按 (钱包余额+浮盈)/开仓保证金 计算
func (b *Adapter) GetPosition(ctx context.Context, symbol string, side exchange.PosSide) (*exchange.Position, error) {
	risks, err := read(ctx, b, "查询持仓", func(ctx context.Context) ([]*futures.PositionRisk, error) {
		return b.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("查询持仓失败: %w", err)
	}

	risk, err := selectPosition(risks, symbol, side)
	if err != nil || risk == nil {
		return nil, err
	}

	balance, err := b.GetBalance(ctx)
	if err != nil {
		return nil, err
	}
	return toPosition(risk, side, balance.Total)
}

// selectPosition 在双向持仓中按 positionSide 选择，单向持仓按数量符号选择
func selectPosition(risks []*futures.PositionRisk, symbol string, side exchange.PosSide) (*futures.PositionRisk, error) {
	for _, r := range risks {
		if r.Symbol != symbol {
			continue
		}
		amt, err := parseFloat("positionAmt", r.PositionAmt)
		if err != nil {
			return nil, err
		}
		if amt == 0 {
			continue
		}
		switch strings.ToUpper(r.PositionSide) {
		case "LONG":
			if side == exchange.Long {
				return r, nil
			}
		case "SHORT":
			if side == exchange.Short {
				return r, nil
			}
		default:
			if (amt > 0) == (side == exchange.Long) {
				return r, nil
			}
		}
	}
	return nil, nil
}

func toPosition(r *futures.PositionRisk, side exchange.PosSide, walletBalance float64) (*exchange.Position, error) {
	size, err := decimal.NewFromString(r.PositionAmt)
	if err != nil {
		return nil, fmt.Errorf("解析 positionAmt 失败: %w", err)
	}
	entry, err := parseFloat("entryPrice", r.EntryPrice)
	if err != nil {
		return nil, err
	}
	mark, err := parseFloat("markPrice", r.MarkPrice)
	if err != nil {
		return nil, err
	}
	leverage, err := strconv.Atoi(r.Leverage)
	if err != nil {
		return nil, fmt.Errorf("解析 leverage 失败: %w", err)
	}
	return exchange.Mark(r.Symbol, side, size.Abs(), entry, leverage, mark, walletBalance), nil
}

// GetKlines 获取最近 count 根K线
func (b *Adapter) GetKlines(ctx context.Context, symbol string, intervalMinutes, count int) ([]exchange.Candle, error) {
	interval, err := IntervalString(intervalMinutes)
	if err != nil {
		return nil, err
	}
	if count > MaxKlinesPerRequest {
		count = MaxKlinesPerRequest
	}
	klines, err := read(ctx, b, "查询K线", func(ctx context.Context) ([]*futures.Kline, error) {
		return b.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(count).Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("获取K线失败: %w", err)
	}
	return toCandles(klines)
}

// GetKlinesRange 按时间区间获取K线（闭区间，毫秒）
func (b *Adapter) GetKlinesRange(ctx context.Context, symbol string, intervalMinutes int, startMs, endMs int64, limit int) ([]exchange.Candle, error) {
	interval, err := IntervalString(intervalMinutes)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxKlinesPerRequest {
		limit = MaxKlinesPerRequest
	}
	klines, err := read(ctx, b, "查询历史K线", func(ctx context.Context) ([]*futures.Kline, error) {
		return b.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(startMs).
			EndTime(endMs).
			Limit(limit).
			Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("获取历史K线失败: %w", err)
	}
	return toCandles(klines)
}

func toCandles(klines []*futures.Kline) ([]exchange.Candle, error) {
	if len(klines) == 0 {
		return nil, exchange.ErrNoData
	}
	candles := make([]exchange.Candle, 0, len(klines))
	for _, k := range klines {
		c, err := parseKline(k)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func parseKline(k *futures.Kline) (exchange.Candle, error) {
	fields := [5]string{k.Open, k.High, k.Low, k.Close, k.Volume}
	names := [5]string{"open", "high", "low", "close", "volume"}
	var vals [5]float64
	for i, s := range fields {
		v, err := parseFloat(names[i], s)
		if err != nil {
			return exchange.Candle{}, err
		}
		vals[i] = v
	}
	return exchange.Candle{Time: k.OpenTime, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4]}, nil
}

// PlaceOrder 下 GTC 限价单。下单不重试，避免重复成交。
func (b *Adapter) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	if req.Price <= 0 {
		return nil, fmt.Errorf("无效的下单价格: %.8f（价格必须大于0）", req.Price)
	}
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("无效的下单数量: %s（数量必须大于0）", req.Quantity)
	}

	inst, err := b.GetInstrumentLimits(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	price := FormatPrice(req.Price, inst.TickSize)

	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(toSideType(req.Side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(req.Quantity.String()).
		Price(price)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	// 双向持仓模式下由 positionSide 决定开平，不能再带 reduceOnly
	if b.cfg.HedgeMode {
		svc = svc.PositionSide(toPositionSideType(req.PosSide))
	} else if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, mapOrderError(err)
	}
	logger.Info("📝 [Binance] 下单成功 %s %s %s %s @ %s (id=%d)",
		req.Symbol, req.PosSide, req.Side, req.Quantity, price, resp.OrderID)

	return &exchange.OrderResult{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Status:        string(resp.Status),
	}, nil
}

// CancelAllOrders 撤销该方向上的全部挂单；单向持仓模式下撤销整个交易对
func (b *Adapter) CancelAllOrders(ctx context.Context, symbol string, side exchange.PosSide) error {
	if !b.cfg.HedgeMode {
		if err := b.wait(ctx); err != nil {
			return err
		}
		if err := b.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
			return fmt.Errorf("撤销 %s 全部挂单失败: %w", symbol, err)
		}
		return nil
	}

	orders, err := read(ctx, b, "查询挂单", func(ctx context.Context) ([]*futures.Order, error) {
		return b.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return fmt.Errorf("查询挂单失败: %w", err)
	}
	want := toPositionSideType(side)
	var errs []error
	for _, o := range orders {
		if o.PositionSide != want {
			continue
		}
		if err := b.wait(ctx); err != nil {
			return err
		}
		if _, err := b.client.NewCancelOrderService().Symbol(symbol).OrderID(o.OrderID).Do(ctx); err != nil {
			if isAPICode(err, codeUnknownOrder) {
				continue // 已成交或已撤销
			}
			errs = append(errs, fmt.Errorf("撤销订单 %d 失败: %w", o.OrderID, err))
		}
	}
	return errors.Join(errs...)
}

// SetLeverage 设置杠杆，未变化时视为成功
func (b *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	_, err := b.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		if isLeverageUnchanged(err) {
			return nil
		}
		return fmt.Errorf("设置 %s 杠杆 %dx 失败: %w", symbol, leverage, err)
	}
	return nil
}

// GetInstrumentLimits 从 exchangeInfo 的 LOT_SIZE/PRICE_FILTER 读取下单限制，结果缓存
func (b *Adapter) GetInstrumentLimits(ctx context.Context, symbol string) (exchange.Instrument, error) {
	b.mu.RLock()
	inst, ok := b.instruments[symbol]
	b.mu.RUnlock()
	if ok {
		return inst, nil
	}

	info, err := read(ctx, b, "查询合约信息", func(ctx context.Context) (*futures.ExchangeInfo, error) {
		return b.client.NewExchangeInfoService().Do(ctx)
	})
	if err != nil {
		return exchange.Instrument{}, fmt.Errorf("获取交易所信息失败: %w", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		lot := s.LotSizeFilter()
		if lot == nil {
			return exchange.Instrument{}, fmt.Errorf("%s 缺少 LOT_SIZE 过滤器", symbol)
		}
		tick := ""
		if pf := s.PriceFilter(); pf != nil {
			tick = pf.TickSize
		}
		inst, err := ParseInstrument(symbol, lot.MinQuantity, lot.MaxQuantity, lot.StepSize, tick)
		if err != nil {
			return exchange.Instrument{}, err
		}
		logger.Info("ℹ️ [Binance 合约信息] %s - 最小数量:%s, 最大数量:%s, 数量步长:%s, 价格步长:%s",
			symbol, inst.MinQty, inst.MaxQty, inst.QtyStep, inst.TickSize)

		b.mu.Lock()
		b.instruments[symbol] = inst
		b.mu.Unlock()
		return inst, nil
	}
	return exchange.Instrument{}, fmt.Errorf("未找到合约信息: %s", symbol)
}

// ParseInstrument 解析交易所返回的数量/价格限制
func ParseInstrument(symbol, minQty, maxQty, stepSize, tickSize string) (exchange.Instrument, error) {
	inst := exchange.Instrument{Symbol: symbol}
	var err error
	if inst.MinQty, err = decimal.NewFromString(minQty); err != nil {
		return inst, fmt.Errorf("解析 minQty 失败: %w", err)
	}
	if inst.MaxQty, err = decimal.NewFromString(maxQty); err != nil {
		return inst, fmt.Errorf("解析 maxQty 失败: %w", err)
	}
	if inst.QtyStep, err = decimal.NewFromString(stepSize); err != nil {
		return inst, fmt.Errorf("解析 stepSize 失败: %w", err)
	}
	if tickSize != "" {
		if inst.TickSize, err = decimal.NewFromString(tickSize); err != nil {
			return inst, fmt.Errorf("解析 tickSize 失败: %w", err)
		}
	}
	if !inst.QtyStep.IsPositive() {
		return inst, fmt.Errorf("%s 数量步长无效: %s", symbol, stepSize)
	}
	return inst, nil
}

// FormatPrice 按价格步长向下取整后格式化
func FormatPrice(price float64, tick decimal.Decimal) string {
	p := decimal.NewFromFloat(price)
	if tick.IsPositive() {
		p = p.Div(tick).Floor().Mul(tick)
		return p.StringFixed(-tick.Exponent())
	}
	return p.String()
}

// IntervalString 分钟数转换为币安K线周期
func IntervalString(minutes int) (string, error) {
	switch minutes {
	case 1, 3, 5, 15, 30:
		return fmt.Sprintf("%dm", minutes), nil
	case 60, 120, 240, 360, 480, 720:
		return fmt.Sprintf("%dh", minutes/60), nil
	case 1440:
		return "1d", nil
	case 4320:
		return "3d", nil
	case 10080:
		return "1w", nil
	}
	return "", fmt.Errorf("币安不支持的K线周期: %d 分钟", minutes)
}

func toSideType(s exchange.Side) futures.SideType {
	if s == exchange.SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func toPositionSideType(s exchange.PosSide) futures.PositionSideType {
	if s == exchange.Short {
		return futures.PositionSideTypeShort
	}
	return futures.PositionSideTypeLong
}

func parseFloat(name, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败 (%q): %w", name, s, err)
	}
	return v, nil
}

const (
	codeTooManyRequests    = -1003
	codeUnknownOrder       = -2011
	codeMarginInsufficient = -2019
)

func apiError(err error) (*common.APIError, bool) {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func isAPICode(err error, code int64) bool {
	apiErr, ok := apiError(err)
	return ok && apiErr.Code == code
}

// mapOrderError 保证金不足映射为 exchange.ErrInsufficientMargin
func mapOrderError(err error) error {
	if isAPICode(err, codeMarginInsufficient) || strings.Contains(strings.ToLower(err.Error()), "margin is insufficient") {
		return fmt.Errorf("%v: %w", err, exchange.ErrInsufficientMargin)
	}
	return fmt.Errorf("下单失败: %w", err)
}

func isLeverageUnchanged(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not modified") || strings.Contains(msg, "no need to change")
}
