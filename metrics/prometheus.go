package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics 运行指标。每个实例使用独立的 Registry。
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// 决策
	decisionTotal   *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec
	cycleErrorTotal *prometheus.CounterVec

	// 订单
	orderTotal    *prometheus.CounterVec
	orderDuration *prometheus.HistogramVec
	lockWait      prometheus.Histogram

	// 账户与持仓
	balance       prometheus.Gauge
	marginLevel   *prometheus.GaugeVec
	exposureRatio *prometheus.GaugeVec
	positionSize  *prometheus.GaugeVec
	unrealizedPnl *prometheus.GaugeVec
	currentPrice  *prometheus.GaugeVec

	// 波动闸门
	highVolatility *prometheus.GaugeVec
	declineScore   *prometheus.GaugeVec

	// 系统
	goroutineCount prometheus.Gauge
	memoryAlloc    prometheus.Gauge
	processCPU     prometheus.Gauge
	processRSS     prometheus.Gauge
}

// NewPrometheusMetrics 创建指标并注册到新的 Registry
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &PrometheusMetrics{
		registry: reg,

		decisionTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dcabot_decision_total",
			Help: "Number of decisions per action",
		}, []string{"symbol", "side", "action"}),
		cycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dcabot_cycle_duration_seconds",
			Help:    "Duration of one decision cycle",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"symbol"}),
		cycleErrorTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dcabot_cycle_error_total",
			Help: "Aborted cycles per stage",
		}, []string{"symbol", "stage"}),

		orderTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dcabot_order_total",
			Help: "Orders by outcome (placed, skipped, failed)",
		}, []string{"symbol", "side", "status"}),
		orderDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dcabot_order_duration_seconds",
			Help:    "Order placement round trip",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"symbol"}),
		lockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dcabot_lock_wait_seconds",
			Help:    "Time spent waiting for the account lock",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
		}),

		balance: f.NewGauge(prometheus.GaugeOpts{
			Name: "dcabot_balance",
			Help: "Wallet balance",
		}),
		marginLevel: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dcabot_margin_level",
			Help: "(balance + unrealized pnl) / margin used",
		}, []string{"symbol", "side"}),
		exposureRatio: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dcabot_exposure_ratio",
			Help: "Margin used / balance",
		}, []string{"symbol", "side"}),
		positionSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dcabot_position_size",
			Help: "Position size in contracts",
		}, []string{"symbol", "side"}),
		unrealizedPnl: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dcabot_unrealized_pnl",
			Help: "Unrealized profit and loss",
		}, []string{"symbol", "side"}),
		currentPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dcabot_current_price",
			Help: "Price used for the last decision",
		}, []string{"symbol"}),

		highVolatility: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dcabot_high_volatility",
			Help: "Volatility gate status (0=normal, 1=high)",
		}, []string{"symbol", "trigger"}),
		declineScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dcabot_decline_score",
			Help: "Decline velocity score (0-100)",
		}, []string{"symbol"}),

		goroutineCount: f.NewGauge(prometheus.GaugeOpts{
			Name: "dcabot_goroutine_count",
			Help: "Number of goroutines",
		}),
		memoryAlloc: f.NewGauge(prometheus.GaugeOpts{
			Name: "dcabot_memory_alloc_bytes",
			Help: "Heap bytes allocated",
		}),
		processCPU: f.NewGauge(prometheus.GaugeOpts{
			Name: "dcabot_process_cpu_percent",
			Help: "Process CPU usage percent",
		}),
		processRSS: f.NewGauge(prometheus.GaugeOpts{
			Name: "dcabot_process_rss_bytes",
			Help: "Process resident set size",
		}),
	}
}

var (
	once     sync.Once
	instance *PrometheusMetrics
)

// GetPrometheusMetrics 进程级单例
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		instance = NewPrometheusMetrics()
	})
	return instance
}

// Registry 指标注册表
func (pm *PrometheusMetrics) Registry() *prometheus.Registry { return pm.registry }

// Handler /metrics 处理器
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// RecordDecision 记录一次决策
func (pm *PrometheusMetrics) RecordDecision(symbol, side, action string) {
	pm.decisionTotal.WithLabelValues(symbol, side, action).Inc()
}

// RecordCycle 记录周期耗时
func (pm *PrometheusMetrics) RecordCycle(symbol string, d time.Duration) {
	pm.cycleDuration.WithLabelValues(symbol).Observe(d.Seconds())
}

// RecordCycleError 记录中止的周期
func (pm *PrometheusMetrics) RecordCycleError(symbol, stage string) {
	pm.cycleErrorTotal.WithLabelValues(symbol, stage).Inc()
}

// RecordOrder 记录订单结果
func (pm *PrometheusMetrics) RecordOrder(symbol, side, status string, d time.Duration) {
	pm.orderTotal.WithLabelValues(symbol, side, status).Inc()
	if d > 0 {
		pm.orderDuration.WithLabelValues(symbol).Observe(d.Seconds())
	}
}

// RecordLockWait 记录等待账户锁的时间
func (pm *PrometheusMetrics) RecordLockWait(d time.Duration) {
	pm.lockWait.Observe(d.Seconds())
}

// SetBalance 钱包余额
func (pm *PrometheusMetrics) SetBalance(v float64) { pm.balance.Set(v) }

// SetPosition 持仓相关指标；无持仓时数量和浮盈置 0
func (pm *PrometheusMetrics) SetPosition(symbol, side string, size, upnl, marginLevel, exposure float64) {
	pm.positionSize.WithLabelValues(symbol, side).Set(size)
	pm.unrealizedPnl.WithLabelValues(symbol, side).Set(upnl)
	pm.marginLevel.WithLabelValues(symbol, side).Set(marginLevel)
	pm.exposureRatio.WithLabelValues(symbol, side).Set(exposure)
}

// SetPrice 当前价格
func (pm *PrometheusMetrics) SetPrice(symbol string, price float64) {
	pm.currentPrice.WithLabelValues(symbol).Set(price)
}

// SetGate 波动闸门状态
func (pm *PrometheusMetrics) SetGate(symbol, trigger string, high bool, declineScore int) {
	pm.highVolatility.DeletePartialMatch(prometheus.Labels{"symbol": symbol})
	v := 0.0
	if high {
		v = 1
	}
	pm.highVolatility.WithLabelValues(symbol, trigger).Set(v)
	pm.declineScore.WithLabelValues(symbol).Set(float64(declineScore))
}
