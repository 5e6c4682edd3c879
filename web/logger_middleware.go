package web

import (
	"time"

	"github.com/gin-gonic/gin"

	"dcabot/logger"
)

// GinLoggerMiddleware 请求日志中间件。
// logAll=true 时全量输出；否则仅记录错误请求 (状态码 >= 400)
func GinLoggerMiddleware(logAll bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		if !logAll && status < 400 {
			return
		}

		latency := time.Since(start)
		errMsg := c.Errors.ByType(gin.ErrorTypePrivate).String()
		switch {
		case status >= 500:
			logger.Error("[GIN] %d | %v | %s | %-7s %s %s", status, latency, c.ClientIP(), c.Request.Method, path, errMsg)
		case status >= 400:
			logger.Warn("[GIN] %d | %v | %s | %-7s %s %s", status, latency, c.ClientIP(), c.Request.Method, path, errMsg)
		default:
			logger.Debug("[GIN] %d | %v | %s | %-7s %s", status, latency, c.ClientIP(), c.Request.Method, path)
		}
	}
}
