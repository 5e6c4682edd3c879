package main

import (
	"path/filepath"
	"testing"

	"dcabot/exchange"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"默认参数", nil, false},
		{"CSV 数据源", []string{"--source", "csv", "--csv", "btc.csv"}, false},
		{"CSV 缺少文件", []string{"--source", "csv"}, true},
		{"未知数据源", []string{"--source", "okx"}, true},
		{"天数为0", []string{"--days", "0"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFlags(tt.args)
			if (err != nil) != tt.wantErr {
				t.Errorf("期望错误=%v, 得到 %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	o, err := parseFlags([]string{
		"--config", filepath.Join(t.TempDir(), "missing.yaml"),
		"--symbols", "ethusdt, btcusdt",
		"--side", "Short",
		"--balance", "5000",
		"--leverage", "5",
		"--profit-pnl", "0.02",
		"--max-margin-pct", "0.4",
	})
	if err != nil {
		t.Fatalf("解析参数失败: %v", err)
	}
	cfg, err := loadConfig(o)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if len(cfg.Trading.Symbols) != 2 || cfg.Trading.Symbols[0] != "ETHUSDT" || cfg.Trading.Symbols[1] != "BTCUSDT" {
		t.Errorf("交易对覆盖错误: %v", cfg.Trading.Symbols)
	}
	if cfg.Side() != exchange.Short {
		t.Errorf("期望方向 Short, 得到 %s", cfg.Side())
	}
	if cfg.Backtest.InitialBalance != 5000 || cfg.Strategy.Leverage != 5 ||
		cfg.Strategy.ProfitPnl != 0.02 || cfg.Strategy.MaxMarginPct != 0.4 {
		t.Errorf("数值覆盖错误: %+v %+v", cfg.Backtest, cfg.Strategy)
	}

	rc := runnerConfig(cfg, "ETHUSDT", 1, cfg.FallbackInstrument("ETHUSDT"))
	if rc.CheckEvery != 5 {
		t.Errorf("1分钟K线默认每5根决策一次, 得到 %d", rc.CheckEvery)
	}
	if rc.Simulator.Leverage != rc.Params.Leverage || rc.Simulator.MaxMarginPct != 0.4 {
		t.Errorf("模拟账户参数错误: %+v", rc.Simulator)
	}
	if err := rc.Validate(); err != nil {
		t.Errorf("回测参数应有效: %v", err)
	}

	if rc := runnerConfig(cfg, "ETHUSDT", 15, cfg.FallbackInstrument("ETHUSDT")); rc.CheckEvery != 1 {
		t.Errorf("K线周期大于决策间隔时每根都决策, 得到 %d", rc.CheckEvery)
	}
}
