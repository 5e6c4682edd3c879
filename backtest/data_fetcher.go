package backtest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"dcabot/indicators"
	"dcabot/logger"
)

// HistoryProvider 历史K线数据源
type HistoryProvider interface {
	Fetch(ctx context.Context, symbol string, intervalMinutes int, start, end time.Time) ([]indicators.Candle, error)
}

// KlineRangeSource 支持按时间区间分页拉取K线的交易所接口
type KlineRangeSource interface {
	GetKlinesRange(ctx context.Context, symbol string, intervalMinutes int, startMs, endMs int64, limit int) ([]indicators.Candle, error)
}

// ExchangeHistory 从交易所分页下载历史K线
type ExchangeHistory struct {
	Source   KlineRangeSource
	PageSize int           // 单次请求条数，Binance 合约最多 1500
	Pause    time.Duration // 两次请求之间的间隔，避免触发限流
}

// NewExchangeHistory 创建交易所数据源
func NewExchangeHistory(src KlineRangeSource) *ExchangeHistory {
	return &ExchangeHistory{Source: src, PageSize: 1500, Pause: 100 * time.Millisecond}
}

// Fetch 下载 [start, end) 区间内的K线，按时间升序返回
func (h *ExchangeHistory) Fetch(ctx context.Context, symbol string, intervalMinutes int, start, end time.Time) ([]indicators.Candle, error) {
	if intervalMinutes <= 0 {
		return nil, fmt.Errorf("无效的K线周期: %d", intervalMinutes)
	}
	pageSize := h.PageSize
	if pageSize <= 0 {
		pageSize = 1500
	}
	step := int64(intervalMinutes) * 60_000
	startMs, endMs := start.UnixMilli(), end.UnixMilli()
	totalPages := (endMs-startMs)/(step*int64(pageSize)) + 1

	logger.Info("⬇️ [%s] 下载历史K线: %dm (%s 至 %s)", symbol, intervalMinutes,
		start.Format("2006-01-02"), end.Format("2006-01-02"))

	var all []indicators.Candle
	cursor := startMs
	for page := int64(1); cursor < endMs; page++ {
		batch, err := h.Source.GetKlinesRange(ctx, symbol, intervalMinutes, cursor, endMs-1, pageSize)
		if err != nil {
			return nil, fmt.Errorf("获取第 %d 批数据失败: %w", page, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, c := range batch {
			if c.Time < cursor || c.Time >= endMs {
				continue
			}
			all = append(all, c)
		}
		next := batch[len(batch)-1].Time + step
		if next <= cursor {
			break
		}
		cursor = next

		progress := float64(page) / float64(totalPages) * 100
		if progress > 100 {
			progress = 100
		}
		logger.Debug("📊 [%s] 下载进度: %.1f%% (已获取 %d 根K线)", symbol, progress, len(all))

		if h.Pause > 0 && cursor < endMs {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(h.Pause):
			}
		}
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("%s 在指定区间内无K线数据", symbol)
	}
	logger.Info("✅ [%s] 下载完成: 共 %d 根K线", symbol, len(all))
	return all, nil
}

// CSVHistory 从本地 CSV 文件读取K线
// 列顺序: timestamp(ms),open,high,low,close,volume，允许有表头和多余列
type CSVHistory struct {
	Path string
}

// Fetch 读取文件，start/end 为零值时不做过滤
func (h *CSVHistory) Fetch(_ context.Context, symbol string, _ int, start, end time.Time) ([]indicators.Candle, error) {
	f, err := os.Open(h.Path)
	if err != nil {
		return nil, fmt.Errorf("打开K线文件失败: %w", err)
	}
	defer f.Close()

	candles, err := ReadCandlesCSV(f)
	if err != nil {
		return nil, fmt.Errorf("读取 %s 失败: %w", h.Path, err)
	}
	filtered := candles[:0]
	for _, c := range candles {
		if !start.IsZero() && c.Time < start.UnixMilli() {
			continue
		}
		if !end.IsZero() && c.Time >= end.UnixMilli() {
			continue
		}
		filtered = append(filtered, c)
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("%s 在指定区间内无K线数据", symbol)
	}
	logger.Info("✅ [%s] 从 CSV 加载 %d 根K线", symbol, len(filtered))
	return filtered, nil
}

// CachedHistory 带本地缓存的数据源
type CachedHistory struct {
	Inner HistoryProvider
	Cache *Cache
}

// Fetch 优先读取缓存，未命中时从下游获取并写入缓存
func (h *CachedHistory) Fetch(ctx context.Context, symbol string, intervalMinutes int, start, end time.Time) ([]indicators.Candle, error) {
	key := CacheKey(symbol, intervalMinutes, start, end)
	if candles, err := h.Cache.Load(key); err == nil {
		logger.Info("✅ 从缓存加载: %s (%d 根K线)", key, len(candles))
		return candles, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Warn("⚠️ 缓存 %s 不可用，重新下载: %v", key, err)
	}

	candles, err := h.Inner.Fetch(ctx, symbol, intervalMinutes, start, end)
	if err != nil {
		return nil, err
	}
	if err := h.Cache.Save(key, symbol, intervalMinutes, start, end, candles); err != nil {
		logger.Warn("⚠️ 缓存保存失败: %v", err)
	}
	return candles, nil
}

// ReadCandlesCSV 解析K线 CSV
func ReadCandlesCSV(r io.Reader) ([]indicators.Candle, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}

	candles := make([]indicators.Candle, 0, len(records))
	for i, rec := range records {
		if i == 0 && len(rec) > 0 {
			if _, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64); err != nil {
				continue // 表头
			}
		}
		c, err := parseCandleRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("解析第 %d 行失败: %w", i+1, err)
		}
		if n := len(candles); n > 0 && c.Time <= candles[n-1].Time {
			return nil, fmt.Errorf("第 %d 行时间戳未递增", i+1)
		}
		candles = append(candles, c)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("文件为空或格式错误")
	}
	return candles, nil
}

func parseCandleRecord(rec []string) (indicators.Candle, error) {
	if len(rec) < 6 {
		return indicators.Candle{}, fmt.Errorf("字段数量错误: 至少需要 6 个，实际 %d 个", len(rec))
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
	if err != nil {
		return indicators.Candle{}, fmt.Errorf("解析 timestamp 失败: %w", err)
	}
	var vals [5]float64
	names := [5]string{"open", "high", "low", "close", "volume"}
	for j := range vals {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[j+1]), 64)
		if err != nil {
			return indicators.Candle{}, fmt.Errorf("解析 %s 失败: %w", names[j], err)
		}
		vals[j] = v
	}
	return indicators.Candle{Time: ts, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4]}, nil
}

// WriteCandlesCSV 写出K线 CSV（带表头）
func WriteCandlesCSV(w io.Writer, candles []indicators.Candle) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"timestamp", "open", "high", "low", "close", "volume"}); err != nil {
		return fmt.Errorf("写入表头失败: %w", err)
	}
	for _, c := range candles {
		rec := []string{
			strconv.FormatInt(c.Time, 10),
			strconv.FormatFloat(c.Open, 'f', -1, 64),
			strconv.FormatFloat(c.High, 'f', -1, 64),
			strconv.FormatFloat(c.Low, 'f', -1, 64),
			strconv.FormatFloat(c.Close, 'f', -1, 64),
			strconv.FormatFloat(c.Volume, 'f', -1, 64),
		}
		if err := writer.Write(rec); err != nil {
			return fmt.Errorf("写入数据失败: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}
