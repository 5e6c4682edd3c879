package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dcabot/backtest"
	"dcabot/config"
	"dcabot/database"
	"dcabot/logger"
	"dcabot/metrics"
	"dcabot/monitor"
	"dcabot/strategy"
)

// Deps 状态服务依赖，均可为 nil
type Deps struct {
	Status  *strategy.StatusBoard
	DB      database.Database
	Metrics *metrics.PrometheusMetrics
	Sampler *monitor.Sampler
	Cache   *backtest.Cache
	Config  func() *config.Config // 当前配置快照
}

// WebServer 状态服务
type WebServer struct {
	server *http.Server
	engine *gin.Engine
	addr   string
}

// NewWebServer 创建状态服务
func NewWebServer(host string, port int, debug bool, deps Deps) *WebServer {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if deps.Status == nil {
		deps.Status = strategy.NewStatusBoard()
	}

	r := gin.New()
	r.Use(gin.Recovery(), GinLoggerMiddleware(debug))
	setupRoutes(r, &handlers{deps: deps, started: time.Now()})

	addr := fmt.Sprintf("%s:%d", host, port)
	return &WebServer{
		engine: r,
		addr:   addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Handler 路由，测试时直接使用
func (ws *WebServer) Handler() http.Handler {
	return ws.engine
}

// Start 在后台启动，ctx 结束时优雅关闭
func (ws *WebServer) Start(ctx context.Context) {
	go func() {
		logger.Info("🌐 状态服务启动在 http://%s", ws.addr)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("❌ 状态服务启动失败: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		ws.Stop()
	}()
}

// Stop 关闭服务
func (ws *WebServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.server.Shutdown(ctx); err != nil {
		logger.Error("❌ 状态服务关闭失败: %v", err)
		return
	}
	logger.Info("✅ 状态服务已关闭")
}

// setupRoutes 设置路由
func setupRoutes(r *gin.Engine, h *handlers) {
	r.GET("/health", h.health)
	if h.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.deps.Metrics.Handler()))
	}

	api := r.Group("/api")
	{
		api.GET("/status", h.getStatus)
		api.GET("/status/:symbol", h.getSymbolStatus)
		api.GET("/cycles", h.getCycles)
		api.GET("/cycles/stats", h.getCycleStats)
		api.GET("/orders", h.getOrders)
		api.GET("/logs", h.getLogs)
		api.GET("/system/metrics", h.getSystemMetrics)

		cache := api.Group("/backtest/cache")
		{
			cache.GET("", h.listCache)
			cache.GET("/stats", h.getCacheStats)
			cache.DELETE("/:key", h.deleteCache)
		}
	}
}
