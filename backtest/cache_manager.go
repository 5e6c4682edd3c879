package backtest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"dcabot/indicators"
)

const cacheIndexFile = "cache_index.json"

// CacheIndexEntry 缓存索引条目
type CacheIndexEntry struct {
	Symbol          string    `json:"symbol"`
	IntervalMinutes int       `json:"interval_minutes"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	Candles         int       `json:"candles"`
	SizeMB          float64   `json:"size_mb"`
	Created         time.Time `json:"created"`
}

// CacheInfo 缓存信息
type CacheInfo struct {
	Name string `json:"name"`
	CacheIndexEntry
}

// CacheStats 缓存统计
type CacheStats struct {
	FileCount int     `json:"file_count"`
	TotalSize int64   `json:"total_size"`
	SizeMB    float64 `json:"size_mb"`
}

// Cache 历史K线的 CSV 文件缓存，目录下每个键一个 CSV 文件，另有一个 JSON 索引
type Cache struct {
	mu  sync.Mutex
	dir string
}

// NewCache 创建缓存，dir 为空时使用 backtest/cache
func NewCache(dir string) *Cache {
	if dir == "" {
		dir = filepath.Join("backtest", "cache")
	}
	return &Cache{dir: dir}
}

// Dir 缓存目录
func (c *Cache) Dir() string { return c.dir }

// CacheKey 缓存键，格式: BTCUSDT_1m_20240101T0000_20240201T0000
func CacheKey(symbol string, intervalMinutes int, start, end time.Time) string {
	const layout = "20060102T1504"
	return fmt.Sprintf("%s_%dm_%s_%s", symbol, intervalMinutes, start.UTC().Format(layout), end.UTC().Format(layout))
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+".csv")
}

// Load 读取缓存，不存在时返回的错误满足 errors.Is(err, os.ErrNotExist)
func (c *Cache) Load(key string) ([]indicators.Candle, error) {
	f, err := os.Open(c.path(key))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCandlesCSV(f)
}

// Save 写入缓存并更新索引
func (c *Cache) Save(key, symbol string, intervalMinutes int, start, end time.Time, candles []indicators.Candle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("创建缓存目录失败: %w", err)
	}
	f, err := os.Create(c.path(key))
	if err != nil {
		return fmt.Errorf("创建缓存文件失败: %w", err)
	}
	if err := WriteCandlesCSV(f, candles); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("关闭缓存文件失败: %w", err)
	}

	index, err := c.readIndex()
	if err != nil {
		return err
	}
	var sizeMB float64
	if info, err := os.Stat(c.path(key)); err == nil {
		sizeMB = float64(info.Size()) / 1024 / 1024
	}
	index[key] = CacheIndexEntry{
		Symbol:          symbol,
		IntervalMinutes: intervalMinutes,
		Start:           start,
		End:             end,
		Candles:         len(candles),
		SizeMB:          sizeMB,
		Created:         time.Now(),
	}
	return c.writeIndex(index)
}

func (c *Cache) readIndex() (map[string]CacheIndexEntry, error) {
	index := make(map[string]CacheIndexEntry)
	data, err := os.ReadFile(filepath.Join(c.dir, cacheIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, fmt.Errorf("读取缓存索引失败: %w", err)
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("解析缓存索引失败: %w", err)
	}
	return index, nil
}

func (c *Cache) writeIndex(index map[string]CacheIndexEntry) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.dir, cacheIndexFile), data, 0644)
}

// List 列出所有缓存，按名称排序
func (c *Cache) List() ([]CacheInfo, error) {
	c.mu.Lock()
	index, err := c.readIndex()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	caches := make([]CacheInfo, 0, len(index))
	for name, entry := range index {
		caches = append(caches, CacheInfo{Name: name, CacheIndexEntry: entry})
	}
	sort.Slice(caches, func(i, j int) bool { return caches[i].Name < caches[j].Name })
	return caches, nil
}

// Delete 删除指定缓存
func (c *Cache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("删除缓存文件失败: %w", err)
	}
	index, err := c.readIndex()
	if err != nil {
		return err
	}
	if _, ok := index[key]; !ok {
		return nil
	}
	delete(index, key)
	return c.writeIndex(index)
}

// Clear 清理所有缓存
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("清理缓存失败: %w", err)
	}
	return nil
}

// Stats 缓存统计
func (c *Cache) Stats() (CacheStats, error) {
	files, err := filepath.Glob(filepath.Join(c.dir, "*.csv"))
	if err != nil {
		return CacheStats{}, fmt.Errorf("读取缓存目录失败: %w", err)
	}
	var total int64
	for _, file := range files {
		if info, err := os.Stat(file); err == nil {
			total += info.Size()
		}
	}
	return CacheStats{
		FileCount: len(files),
		TotalSize: total,
		SizeMB:    float64(total) / 1024 / 1024,
	}, nil
}

// CleanOld 删除创建时间早于 days 天前的缓存，返回删除数量
func (c *Cache) CleanOld(days int) (int, error) {
	caches, err := c.List()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	deleted := 0
	for _, info := range caches {
		if info.Created.Before(cutoff) {
			if err := c.Delete(info.Name); err != nil {
				return deleted, fmt.Errorf("删除过期缓存 %s 失败: %w", info.Name, err)
			}
			deleted++
		}
	}
	return deleted, nil
}
