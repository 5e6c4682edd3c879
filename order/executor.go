package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"dcabot/exchange"
	"dcabot/lock"
	"dcabot/logger"
	"dcabot/metrics"
	"dcabot/position"
)

// Outcome 订单执行结果
type Outcome string

const (
	OutcomePlaced  Outcome = "placed"
	OutcomeSkipped Outcome = "skipped" // 保证金不足或超过上限，正常结果
	OutcomeFailed  Outcome = "failed"
)

// Result 一次下单意图的执行结果
type Result struct {
	Outcome       Outcome `json:"outcome"`
	ClientOrderID string  `json:"client_order_id"`
	OrderID       string  `json:"order_id,omitempty"`
	Status        string  `json:"status,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// Config 执行器配置
type Config struct {
	Account      string        // 账户标识，作为锁的 key
	Leverage     int           // 用于估算新订单占用保证金
	MaxMarginPct float64       // 0 表示不限制
	LockTTL      time.Duration // 持锁上限
	LockTimeout  time.Duration // 等锁上限
	OrdersPerSec float64
	Burst        int
}

// Executor 下单执行器。加仓类订单在账户锁内重新读取余额后再下单，
// 保证多个交易对并发时不会共同超出保证金。
type Executor struct {
	gw      exchange.Gateway
	locker  lock.Locker
	limiter *rate.Limiter
	pm      *metrics.PrometheusMetrics
	cfg     Config
}

// NewExecutor 创建执行器，pm 可以为 nil
func NewExecutor(gw exchange.Gateway, locker lock.Locker, pm *metrics.PrometheusMetrics, cfg Config) *Executor {
	if cfg.Account == "" {
		cfg.Account = gw.GetName()
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 10 * time.Second
	}
	if cfg.OrdersPerSec <= 0 {
		cfg.OrdersPerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if locker == nil {
		locker = lock.NewLocalLock()
	}
	return &Executor{
		gw:      gw,
		locker:  locker,
		limiter: rate.NewLimiter(rate.Limit(cfg.OrdersPerSec), cfg.Burst),
		pm:      pm,
		cfg:     cfg,
	}
}

// NewClientOrderID 生成客户端订单号（币安限制 36 个字符）
func NewClientOrderID() string {
	return "dca-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (e *Executor) lockKey() string {
	return "account:" + e.cfg.Account
}

// Execute 执行下单意图
func (e *Executor) Execute(ctx context.Context, symbol string, intent position.OrderIntent) (Result, error) {
	req := exchange.OrderRequest{
		Symbol:        symbol,
		Side:          intent.Side,
		PosSide:       intent.PosSide,
		Quantity:      intent.Quantity,
		Price:         intent.Price,
		ReduceOnly:    intent.ReduceOnly,
		ClientOrderID: NewClientOrderID(),
	}
	if !req.Quantity.IsPositive() {
		return Result{Outcome: OutcomeFailed, ClientOrderID: req.ClientOrderID}, fmt.Errorf("下单数量必须大于0: %s", req.Quantity)
	}

	// 减仓不增加保证金占用，无需串行
	if req.ReduceOnly {
		return e.place(ctx, req)
	}

	lctx, cancel := context.WithTimeout(ctx, e.cfg.LockTimeout)
	defer cancel()
	start := time.Now()
	if err := e.locker.Lock(lctx, e.lockKey(), e.cfg.LockTTL); err != nil {
		e.record(req, OutcomeFailed, 0)
		return Result{Outcome: OutcomeFailed, ClientOrderID: req.ClientOrderID}, fmt.Errorf("获取账户锁失败: %w", err)
	}
	if e.pm != nil {
		e.pm.RecordLockWait(time.Since(start))
	}
	defer func() {
		if err := e.locker.Unlock(context.WithoutCancel(ctx), e.lockKey()); err != nil {
			logger.Warn("⚠️ 释放账户锁失败: %v", err)
		}
	}()

	if err := e.admit(ctx, req); err != nil {
		if errors.Is(err, exchange.ErrInsufficientMargin) || errors.Is(err, exchange.ErrMarginCapExceeded) {
			logger.Warn("⚠️ [%s] 跳过下单: %v", symbol, err)
			e.record(req, OutcomeSkipped, 0)
			return Result{Outcome: OutcomeSkipped, ClientOrderID: req.ClientOrderID, Reason: err.Error()}, nil
		}
		e.record(req, OutcomeFailed, 0)
		return Result{Outcome: OutcomeFailed, ClientOrderID: req.ClientOrderID}, err
	}
	return e.place(ctx, req)
}

// admit 按最新余额检查保证金
func (e *Executor) admit(ctx context.Context, req exchange.OrderRequest) error {
	bal, err := e.gw.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("下单前查询余额失败: %w", err)
	}
	required := req.Quantity.InexactFloat64() * req.Price / float64(e.cfg.Leverage)
	if e.cfg.MaxMarginPct > 0 && bal.Total > 0 && (bal.Used+required)/bal.Total > e.cfg.MaxMarginPct {
		return fmt.Errorf("已用 %.2f + 需要 %.2f 超过余额 %.2f 的 %.2f%%: %w",
			bal.Used, required, bal.Total, e.cfg.MaxMarginPct*100, exchange.ErrMarginCapExceeded)
	}
	if required > bal.Available() {
		return fmt.Errorf("需要 %.2f，可用 %.2f: %w", required, bal.Available(), exchange.ErrInsufficientMargin)
	}
	return nil
}

func (e *Executor) place(ctx context.Context, req exchange.OrderRequest) (Result, error) {
	res := Result{ClientOrderID: req.ClientOrderID}
	if err := e.limiter.Wait(ctx); err != nil {
		res.Outcome = OutcomeFailed
		return res, fmt.Errorf("等待下单限流失败: %w", err)
	}

	start := time.Now()
	order, err := e.gw.PlaceOrder(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, exchange.ErrInsufficientMargin) {
			logger.Warn("⚠️ [%s] 交易所拒绝订单，保证金不足: %v", req.Symbol, err)
			e.record(req, OutcomeSkipped, elapsed)
			res.Outcome = OutcomeSkipped
			res.Reason = err.Error()
			return res, nil
		}
		e.record(req, OutcomeFailed, elapsed)
		res.Outcome = OutcomeFailed
		return res, fmt.Errorf("下单失败: %w", err)
	}

	e.record(req, OutcomePlaced, elapsed)
	res.Outcome = OutcomePlaced
	res.OrderID = order.OrderID
	res.Status = order.Status
	logger.Info("✅ [%s] %s %s %s @ %.4f 已下单 (%s)", req.Symbol, req.PosSide, req.Side, req.Quantity, req.Price, req.ClientOrderID)
	return res, nil
}

func (e *Executor) record(req exchange.OrderRequest, o Outcome, d time.Duration) {
	if e.pm != nil {
		e.pm.RecordOrder(req.Symbol, string(req.Side), string(o), d)
	}
}
