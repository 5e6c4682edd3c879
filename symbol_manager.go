package main

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dcabot/config"
	"dcabot/logger"
	"dcabot/metrics"
	"dcabot/notify"
	"dcabot/order"
	"dcabot/position"
	"dcabot/strategy"
)

// cycleRunner 单交易对周期执行
type cycleRunner interface {
	Run(ctx context.Context, symbol string, cfg strategy.CycleConfig) (*strategy.Result, error)
}

// RoundSummary 一轮调度的汇总
type RoundSummary struct {
	Started  time.Time
	Duration time.Duration
	Results  map[string]*strategy.Result
	Errors   map[string]error
}

// SymbolManager 按配置快照把每个交易对分派到独立 goroutine，
// 一轮内等待全部完成；单个交易对失败或 panic 不影响其他交易对。
type SymbolManager struct {
	runner   cycleRunner
	current  func() *config.Config
	pm       *metrics.PrometheusMetrics
	notifier *notify.NotificationService // 可为 nil
	parallel int

	mu   sync.Mutex
	last *RoundSummary
}

// NewSymbolManager 创建管理器。current 每轮调用一次，返回不可变的配置快照
func NewSymbolManager(runner cycleRunner, current func() *config.Config, pm *metrics.PrometheusMetrics) *SymbolManager {
	return &SymbolManager{
		runner:  runner,
		current: current,
		pm:      pm,
	}
}

// SetParallel 限制同时执行的交易对数量，<=0 表示不限制
func (sm *SymbolManager) SetParallel(n int) {
	sm.parallel = n
}

// SetNotifier 设置通知服务
func (sm *SymbolManager) SetNotifier(ns *notify.NotificationService) {
	sm.notifier = ns
}

// LastRound 最近一轮的汇总
func (sm *SymbolManager) LastRound() *RoundSummary {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.last
}

// RunCycle 对当前配置中的全部交易对执行一轮。
// 不使用 errgroup.WithContext：一个交易对出错不能取消其他交易对。
func (sm *SymbolManager) RunCycle(ctx context.Context) *RoundSummary {
	cfg := sm.current()
	cycleCfg := strategy.CycleConfigFrom(cfg)
	symbols := append([]string(nil), cfg.Trading.Symbols...)

	summary := &RoundSummary{
		Started: time.Now(),
		Results: make(map[string]*strategy.Result, len(symbols)),
		Errors:  make(map[string]error),
	}
	var mu sync.Mutex

	var g errgroup.Group
	if sm.parallel > 0 {
		g.SetLimit(sm.parallel)
	}
	for _, symbol := range symbols {
		g.Go(func() error {
			res, err := sm.runSymbol(ctx, symbol, cycleCfg)
			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				summary.Results[symbol] = res
			}
			if err != nil {
				summary.Errors[symbol] = err
			}
			return nil
		})
	}
	_ = g.Wait()
	summary.Duration = time.Since(summary.Started)

	sm.mu.Lock()
	sm.last = summary
	sm.mu.Unlock()
	sm.notify(summary)

	if len(summary.Errors) > 0 {
		logger.Warn("⚠️ 本轮完成: %d 个交易对, %d 个失败, 耗时 %v",
			len(symbols), len(summary.Errors), summary.Duration.Round(time.Millisecond))
	} else {
		logger.Info("✅ 本轮完成: %d 个交易对, 耗时 %v", len(symbols), summary.Duration.Round(time.Millisecond))
	}
	return summary
}

// notify 下单结果与失败推送到通知渠道
func (sm *SymbolManager) notify(summary *RoundSummary) {
	if !sm.notifier.Enabled() {
		return
	}
	for symbol, res := range summary.Results {
		if res.Order == nil || res.Intent == nil {
			continue
		}
		data := map[string]interface{}{
			"action":   string(res.Action),
			"side":     string(res.Intent.Side),
			"quantity": res.Intent.Quantity.String(),
			"price":    res.Intent.Price,
		}
		evt := &notify.Event{Symbol: symbol, Message: res.Reason, Data: data}
		switch res.Order.Outcome {
		case order.OutcomePlaced:
			evt.Type = notify.EventOrderPlaced
			if res.Action == position.ActionClose {
				evt.Type = notify.EventPositionClosed
			}
		case order.OutcomeSkipped:
			evt.Type = notify.EventOrderSkipped
			evt.Message = res.Order.Reason
		default:
			continue
		}
		sm.notifier.Send(evt)
	}
	for symbol, err := range summary.Errors {
		data := map[string]interface{}{}
		if res := summary.Results[symbol]; res != nil && res.Stage != "" {
			data["stage"] = res.Stage
		}
		sm.notifier.Send(&notify.Event{
			Type:    notify.EventCycleError,
			Symbol:  symbol,
			Message: err.Error(),
			Data:    data,
		})
	}
}

// runSymbol 单交易对的故障边界
func (sm *SymbolManager) runSymbol(ctx context.Context, symbol string, cfg strategy.CycleConfig) (res *strategy.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("[%s] 周期 panic: %v", symbol, r)
			logger.Error("🔥 %v\n%s", err, debug.Stack())
			if sm.pm != nil {
				sm.pm.RecordCycleError(symbol, strategy.StagePanic)
			}
		}
	}()

	res, err = sm.runner.Run(ctx, symbol, cfg)
	if err != nil && strategy.IsInsufficientData(err) {
		logger.Warn("⚠️ [%s] K线数据不足，等待下一轮", symbol)
	}
	return res, err
}

// Run 立即执行一轮，之后每隔 cycle_interval 执行一次，直到 ctx 结束。
// 间隔在每轮结束后按最新配置重新读取。
func (sm *SymbolManager) Run(ctx context.Context) {
	for {
		sm.RunCycle(ctx)

		interval := sm.current().CycleInterval()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("⏹️ 周期调度已停止")
			return
		case <-timer.C:
		}
	}
}
