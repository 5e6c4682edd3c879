package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"dcabot/backtest"
	"dcabot/config"
	"dcabot/database"
	"dcabot/exchange"
	"dcabot/indicators"
	"dcabot/metrics"
	"dcabot/position"
	"dcabot/strategy"
)

func newTestServer(t *testing.T, withDB bool) (*WebServer, Deps) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	deps := Deps{
		Status:  strategy.NewStatusBoard(),
		Metrics: metrics.NewPrometheusMetrics(),
		Cache:   backtest.NewCache(filepath.Join(t.TempDir(), "cache")),
		Config:  config.DefaultConfig,
	}
	if withDB {
		db, err := database.NewDatabase(&database.Config{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "web.db")})
		if err != nil {
			t.Fatalf("创建数据库失败: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		deps.DB = db
	}
	return NewWebServer("127.0.0.1", 0, false, deps), deps
}

func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	ws, _ := newTestServer(t, true)
	w := doRequest(t, ws.Handler(), http.MethodGet, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("期望 200, 得到 %d: %s", w.Code, w.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["database"] != "ok" {
		t.Errorf("健康检查返回错误: %v", body)
	}
}

func TestStatusEndpoints(t *testing.T) {
	ws, deps := newTestServer(t, false)
	deps.Status.Publish(&strategy.Result{
		Symbol: "BTCUSDT",
		Side:   exchange.Long,
		Action: position.ActionHold,
		Reason: "无变化",
		Price:  100,
	})

	w := doRequest(t, ws.Handler(), http.MethodGet, "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("期望 200, 得到 %d", w.Code)
	}
	var body struct {
		Symbols []strategy.Result      `json:"symbols"`
		Config  map[string]interface{} `json:"config"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if len(body.Symbols) != 1 || body.Symbols[0].Action != position.ActionHold {
		t.Errorf("状态内容错误: %+v", body.Symbols)
	}
	if body.Config["pos_side"] != "Long" {
		t.Errorf("配置摘要错误: %v", body.Config)
	}

	w = doRequest(t, ws.Handler(), http.MethodGet, "/api/status/btcusdt")
	if w.Code != http.StatusOK {
		t.Errorf("单个交易对状态应返回 200, 得到 %d", w.Code)
	}
	w = doRequest(t, ws.Handler(), http.MethodGet, "/api/status/ETHUSDT")
	if w.Code != http.StatusNotFound {
		t.Errorf("未知交易对应返回 404, 得到 %d", w.Code)
	}
}

func TestCyclesEndpoints(t *testing.T) {
	ws, deps := newTestServer(t, true)
	ctx := context.Background()
	for _, action := range []string{"HOLD", "ADD", "HOLD"} {
		if err := deps.DB.SaveCycle(ctx, &database.CycleRecord{Symbol: "BTCUSDT", Action: action}); err != nil {
			t.Fatal(err)
		}
	}

	w := doRequest(t, ws.Handler(), http.MethodGet, "/api/cycles?symbol=btcusdt&action=hold")
	if w.Code != http.StatusOK {
		t.Fatalf("期望 200, 得到 %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Cycles []database.CycleRecord `json:"cycles"`
		Count  int                    `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 2 {
		t.Errorf("期望2条 HOLD 记录, 得到 %d", body.Count)
	}

	w = doRequest(t, ws.Handler(), http.MethodGet, "/api/cycles/stats?hours=1")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ADD":1`) {
		t.Errorf("决策统计错误: %d %s", w.Code, w.Body.String())
	}

	w = doRequest(t, ws.Handler(), http.MethodGet, "/api/cycles?limit=-1")
	if w.Code != http.StatusBadRequest {
		t.Errorf("非法 limit 应返回 400, 得到 %d", w.Code)
	}
	w = doRequest(t, ws.Handler(), http.MethodGet, "/api/orders")
	if w.Code != http.StatusOK {
		t.Errorf("订单接口应返回 200, 得到 %d", w.Code)
	}

	if err := deps.DB.SaveLogs(ctx, []*database.LogRecord{
		{Level: "WARN", Message: "跳过下单", CreatedAt: time.Now()},
		{Level: "ERROR", Message: "周期失败", CreatedAt: time.Now()},
	}); err != nil {
		t.Fatal(err)
	}
	w = doRequest(t, ws.Handler(), http.MethodGet, "/api/logs?level=error")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"count":1`) {
		t.Errorf("日志接口错误: %d %s", w.Code, w.Body.String())
	}
}

func TestCyclesWithoutDatabase(t *testing.T) {
	ws, _ := newTestServer(t, false)
	w := doRequest(t, ws.Handler(), http.MethodGet, "/api/cycles")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("未启用数据库应返回 503, 得到 %d", w.Code)
	}
	w = doRequest(t, ws.Handler(), http.MethodGet, "/api/system/metrics")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("未启用监控应返回 503, 得到 %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ws, deps := newTestServer(t, false)
	deps.Metrics.RecordDecision("BTCUSDT", "Long", "HOLD")

	w := doRequest(t, ws.Handler(), http.MethodGet, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("期望 200, 得到 %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "dcabot_decision_total") {
		t.Error("指标输出缺少 dcabot_decision_total")
	}
}

func TestBacktestCacheEndpoints(t *testing.T) {
	ws, deps := newTestServer(t, false)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	key := backtest.CacheKey("BTCUSDT", 1, start, end)
	candles := []indicators.Candle{{Time: start.UnixMilli(), Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}}
	if err := deps.Cache.Save(key, "BTCUSDT", 1, start, end, candles); err != nil {
		t.Fatalf("写入缓存失败: %v", err)
	}

	w := doRequest(t, ws.Handler(), http.MethodGet, "/api/backtest/cache")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), key) {
		t.Errorf("缓存列表错误: %d %s", w.Code, w.Body.String())
	}
	w = doRequest(t, ws.Handler(), http.MethodGet, "/api/backtest/cache/stats")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"file_count":1`) {
		t.Errorf("缓存统计错误: %d %s", w.Code, w.Body.String())
	}
	w = doRequest(t, ws.Handler(), http.MethodDelete, "/api/backtest/cache/"+key)
	if w.Code != http.StatusOK {
		t.Errorf("删除缓存应返回 200, 得到 %d", w.Code)
	}
	if list, _ := deps.Cache.List(); len(list) != 0 {
		t.Errorf("删除后缓存应为空, 得到 %d", len(list))
	}
}
