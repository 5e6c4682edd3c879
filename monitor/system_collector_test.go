package monitor

import (
	"os"
	"testing"
)

func TestSamplerCurrentProcess(t *testing.T) {
	s, err := NewSampler()
	if err != nil {
		t.Fatalf("创建采集器失败: %v", err)
	}
	m, err := s.Sample()
	if err != nil {
		t.Skipf("当前环境无法采集进程信息: %v", err)
	}
	if m.ProcessID != os.Getpid() {
		t.Errorf("进程ID = %d, 期望 %d", m.ProcessID, os.Getpid())
	}
	if m.RSSBytes == 0 || m.Goroutines == 0 {
		t.Errorf("采集结果异常: %+v", m)
	}
	if s.Last().Timestamp != m.Timestamp {
		t.Error("Last 应返回最近一次结果")
	}
}

func TestThresholdsExceeded(t *testing.T) {
	th := Thresholds{CPUPercent: 80, MemoryMB: 512}
	if got := th.Exceeded(SystemMetrics{CPUPercent: 10, MemoryMB: 100}); len(got) != 0 {
		t.Errorf("未超阈值时不应告警: %v", got)
	}
	if got := th.Exceeded(SystemMetrics{CPUPercent: 95, MemoryMB: 600}); len(got) != 2 {
		t.Errorf("应有 2 项超限: %v", got)
	}
	if got := (Thresholds{}).Exceeded(SystemMetrics{CPUPercent: 100, MemoryMB: 1e6}); len(got) != 0 {
		t.Errorf("阈值为 0 时不检查: %v", got)
	}
}
