package metrics

import (
	"context"
	"runtime"
	"time"

	"dcabot/logger"
	"dcabot/monitor"
)

// SystemMetricsCollector 定时把进程资源写入指标
type SystemMetricsCollector struct {
	pm         *PrometheusMetrics
	sampler    *monitor.Sampler
	interval   time.Duration
	thresholds monitor.Thresholds
}

// NewSystemMetricsCollector 创建系统指标采集器
func NewSystemMetricsCollector(pm *PrometheusMetrics, sampler *monitor.Sampler, interval time.Duration) *SystemMetricsCollector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SystemMetricsCollector{pm: pm, sampler: sampler, interval: interval}
}

// SetThresholds 设置资源告警阈值，超过时输出警告日志
func (c *SystemMetricsCollector) SetThresholds(t monitor.Thresholds) {
	c.thresholds = t
}

// Run 采集直到 ctx 结束
func (c *SystemMetricsCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *SystemMetricsCollector) collect() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	c.pm.goroutineCount.Set(float64(runtime.NumGoroutine()))
	c.pm.memoryAlloc.Set(float64(m.Alloc))

	if c.sampler == nil {
		return
	}
	s, err := c.sampler.Sample()
	if err != nil {
		logger.Debug("采集进程资源失败: %v", err)
		return
	}
	c.pm.processCPU.Set(s.CPUPercent)
	c.pm.processRSS.Set(float64(s.RSSBytes))

	if over := c.thresholds.Exceeded(s); len(over) > 0 {
		logger.Warn("⚠️ 进程资源超过阈值: %v", over)
	}
}
