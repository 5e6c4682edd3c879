package monitor

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics 进程资源快照
type SystemMetrics struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	RSSBytes      uint64    `json:"rss_bytes"`
	MemoryMB      float64   `json:"memory_mb"`
	MemoryPercent float64   `json:"memory_percent"` // 占系统内存百分比
	Goroutines    int       `json:"goroutines"`
	HeapAllocMB   float64   `json:"heap_alloc_mb"`
	ProcessID     int       `json:"process_id"`
}

// Thresholds 资源告警阈值，0 表示不检查
type Thresholds struct {
	CPUPercent float64 `yaml:"cpu_percent"`
	MemoryMB   float64 `yaml:"memory_mb"`
}

// Exceeded 返回超过阈值的项
func (t Thresholds) Exceeded(m SystemMetrics) []string {
	var out []string
	if t.CPUPercent > 0 && m.CPUPercent >= t.CPUPercent {
		out = append(out, fmt.Sprintf("CPU %.1f%% >= %.1f%%", m.CPUPercent, t.CPUPercent))
	}
	if t.MemoryMB > 0 && m.MemoryMB >= t.MemoryMB {
		out = append(out, fmt.Sprintf("内存 %.1fMB >= %.1fMB", m.MemoryMB, t.MemoryMB))
	}
	return out
}

// Sampler 采集当前进程的资源占用，保留最近一次结果
type Sampler struct {
	proc *process.Process

	mu   sync.RWMutex
	last SystemMetrics
}

// NewSampler 创建采集器
func NewSampler() (*Sampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("获取进程失败: %w", err)
	}
	return &Sampler{proc: p}, nil
}

// Sample 采集一次
func (s *Sampler) Sample() (SystemMetrics, error) {
	cpuPercent, err := s.proc.CPUPercent()
	if err != nil {
		// 退回到系统 CPU 使用率
		cpuPercent, err = systemCPUPercent()
		if err != nil {
			return SystemMetrics{}, fmt.Errorf("获取CPU占用率失败: %w", err)
		}
	}

	memInfo, err := s.proc.MemoryInfo()
	if err != nil {
		return SystemMetrics{}, fmt.Errorf("获取内存信息失败: %w", err)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m := SystemMetrics{
		Timestamp:   time.Now(),
		CPUPercent:  cpuPercent,
		RSSBytes:    memInfo.RSS,
		MemoryMB:    float64(memInfo.RSS) / 1024 / 1024,
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(ms.Alloc) / 1024 / 1024,
		ProcessID:   int(s.proc.Pid),
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		m.MemoryPercent = float64(memInfo.RSS) / float64(vm.Total) * 100
	}

	s.mu.Lock()
	s.last = m
	s.mu.Unlock()
	return m, nil
}

// Last 最近一次采集结果
func (s *Sampler) Last() SystemMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func systemCPUPercent() (float64, error) {
	percentages, err := cpu.Percent(time.Second, false)
	if err != nil {
		return 0, err
	}
	if len(percentages) == 0 {
		return 0, fmt.Errorf("无法获取CPU使用率")
	}
	return percentages[0], nil
}
