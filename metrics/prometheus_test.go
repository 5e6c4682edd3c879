package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, pm *PrometheusMetrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	pm.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("/metrics 返回 %d", rec.Code)
	}
	return rec.Body.String()
}

func TestRecordDecisionAndOrder(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.RecordDecision("BTCUSDT", "Long", "ADD")
	pm.RecordDecision("BTCUSDT", "Long", "ADD")
	pm.RecordOrder("BTCUSDT", "Buy", "skipped", 0)

	body := scrape(t, pm)
	want := []string{
		`dcabot_decision_total{action="ADD",side="Long",symbol="BTCUSDT"} 2`,
		`dcabot_order_total{side="Buy",status="skipped",symbol="BTCUSDT"} 1`,
	}
	for _, w := range want {
		if !strings.Contains(body, w) {
			t.Errorf("/metrics 缺少 %s", w)
		}
	}
	if strings.Contains(body, "dcabot_order_duration_seconds_count") {
		t.Error("未下单时不应记录下单耗时")
	}
}

func TestSetGateReplacesTrigger(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.SetGate("ETHUSDT", "ATR", true, 40)
	pm.SetGate("ETHUSDT", "none", false, 10)

	body := scrape(t, pm)
	if strings.Contains(body, `trigger="ATR"`) {
		t.Error("旧的触发源标签应被清除")
	}
	if !strings.Contains(body, `dcabot_high_volatility{symbol="ETHUSDT",trigger="none"} 0`) {
		t.Error("缺少当前闸门状态")
	}
	if !strings.Contains(body, `dcabot_decline_score{symbol="ETHUSDT"} 10`) {
		t.Error("下跌评分未更新")
	}
}

func TestHandlerExposesSystemMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.SetBalance(1000)
	pm.RecordCycle("BTCUSDT", 150*time.Millisecond)
	NewSystemMetricsCollector(pm, nil, 0).collect()

	body := scrape(t, pm)
	for _, name := range []string{"dcabot_balance 1000", "dcabot_cycle_duration_seconds_count", "dcabot_goroutine_count", "go_goroutines"} {
		if !strings.Contains(body, name) {
			t.Errorf("/metrics 缺少 %s", name)
		}
	}
}

func TestGetPrometheusMetricsSingleton(t *testing.T) {
	if GetPrometheusMetrics() != GetPrometheusMetrics() {
		t.Error("单例应返回同一实例")
	}
}
