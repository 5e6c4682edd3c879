package web

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// listCache 列出历史K线缓存
func (h *handlers) listCache(c *gin.Context) {
	if !h.requireCache(c) {
		return
	}
	caches, err := h.deps.Cache.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": fmt.Sprintf("列出缓存失败: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "caches": caches})
}

// getCacheStats 缓存统计
func (h *handlers) getCacheStats(c *gin.Context) {
	if !h.requireCache(c) {
		return
	}
	stats, err := h.deps.Cache.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": fmt.Sprintf("获取缓存统计失败: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

// deleteCache 删除指定缓存
func (h *handlers) deleteCache(c *gin.Context) {
	if !h.requireCache(c) {
		return
	}
	key := c.Param("key")
	if err := h.deps.Cache.Delete(key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": fmt.Sprintf("删除缓存失败: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "缓存已删除"})
}

func (h *handlers) requireCache(c *gin.Context) bool {
	if h.deps.Cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "未配置回测缓存"})
		return false
	}
	return true
}
