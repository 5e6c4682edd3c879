package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"dcabot/database"
)

const maxPageSize = 500

type handlers struct {
	deps    Deps
	started time.Time
}

// health 健康检查：数据库不可用时返回 503
func (h *handlers) health(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	}
	if h.deps.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.DB.Ping(ctx); err != nil {
			resp["status"] = "degraded"
			resp["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp["database"] = "ok"
	}
	c.JSON(http.StatusOK, resp)
}

// getStatus 各交易对最近一次周期结果
func (h *handlers) getStatus(c *gin.Context) {
	resp := gin.H{
		"symbols": h.deps.Status.Snapshot(),
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	}
	if h.deps.Config != nil {
		if cfg := h.deps.Config(); cfg != nil {
			resp["config"] = gin.H{
				"symbols":        cfg.Trading.Symbols,
				"pos_side":       cfg.Trading.PosSide,
				"ema_interval":   cfg.Trading.EMAInterval,
				"cycle_interval": cfg.Trading.CycleInterval,
				"automatic_mode": cfg.Trading.AutomaticMode,
				"leverage":       cfg.Strategy.Leverage,
				"max_margin_pct": cfg.Strategy.MaxMarginPct,
			}
		}
	}
	if h.deps.Sampler != nil {
		resp["system"] = h.deps.Sampler.Last()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) getSymbolStatus(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	res, ok := h.deps.Status.Get(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("交易对 %s 暂无周期结果", symbol)})
		return
	}
	c.JSON(http.StatusOK, res)
}

// getCycles 周期记录：?symbol=&action=&limit=&offset=
func (h *handlers) getCycles(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}
	limit, offset, err := pagination(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cycles, err := h.deps.DB.GetCycles(c.Request.Context(), &database.CycleFilter{
		Symbol: strings.ToUpper(c.Query("symbol")),
		Action: strings.ToUpper(c.Query("action")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("查询周期记录失败: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": cycles, "count": len(cycles)})
}

// getCycleStats 最近 hours 小时内各决策的数量
func (h *handlers) getCycleStats(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hours 必须为正整数"})
		return
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	counts, err := h.deps.DB.GetActionCounts(c.Request.Context(), strings.ToUpper(c.Query("symbol")), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("统计失败: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"since": since, "actions": counts})
}

func (h *handlers) getOrders(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}
	limit, offset, err := pagination(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	orders, err := h.deps.DB.GetOrders(c.Request.Context(), &database.OrderFilter{
		Symbol:  strings.ToUpper(c.Query("symbol")),
		Outcome: c.Query("outcome"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("查询订单记录失败: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// getLogs 告警日志：?level=&keyword=&limit=&offset=
func (h *handlers) getLogs(c *gin.Context) {
	if !h.requireDB(c) {
		return
	}
	limit, offset, err := pagination(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logs, err := h.deps.DB.GetLogs(c.Request.Context(), &database.LogFilter{
		Level:   strings.ToUpper(c.Query("level")),
		Keyword: c.Query("keyword"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("查询日志失败: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

func (h *handlers) getSystemMetrics(c *gin.Context) {
	if h.deps.Sampler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "未启用资源监控"})
		return
	}
	c.JSON(http.StatusOK, h.deps.Sampler.Last())
}

func (h *handlers) requireDB(c *gin.Context) bool {
	if h.deps.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "未启用数据库"})
		return false
	}
	return true
}

func pagination(c *gin.Context) (limit, offset int, err error) {
	limit, err = strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		return 0, 0, fmt.Errorf("limit 必须为正整数")
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		return 0, 0, fmt.Errorf("offset 不能为负数")
	}
	return limit, offset, nil
}
