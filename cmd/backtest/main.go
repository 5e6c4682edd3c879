package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dcabot/backtest"
	"dcabot/config"
	"dcabot/exchange"
	"dcabot/exchange/binance"
	"dcabot/logger"
)

// options 命令行参数
type options struct {
	Symbols      string
	Side         string
	Days         int
	Interval     int
	Balance      float64
	Leverage     int
	ProfitPnl    float64
	MaxMarginPct float64
	Source       string
	CSVPath      string
	ConfigPath   string
	OutputDir    string
	NoCache      bool
	Testnet      bool
}

func parseFlags(args []string) (*options, error) {
	fsFlags := flag.NewFlagSet("backtest", flag.ContinueOnError)
	o := &options{}
	fsFlags.StringVar(&o.Symbols, "symbols", "", "交易对，逗号分隔（默认取配置文件）")
	fsFlags.StringVar(&o.Side, "side", "", "持仓方向 Long|Short（默认取配置文件）")
	fsFlags.IntVar(&o.Days, "days", 30, "回测天数")
	fsFlags.IntVar(&o.Interval, "interval", 1, "K线周期（分钟）")
	fsFlags.Float64Var(&o.Balance, "balance", 0, "初始资金（默认取配置文件）")
	fsFlags.IntVar(&o.Leverage, "leverage", 0, "杠杆倍数（覆盖配置）")
	fsFlags.Float64Var(&o.ProfitPnl, "profit-pnl", 0, "止盈比例（覆盖配置）")
	fsFlags.Float64Var(&o.MaxMarginPct, "max-margin-pct", 0, "保证金占用上限，0 表示不限制")
	fsFlags.StringVar(&o.Source, "source", "binance", "数据来源 binance|csv")
	fsFlags.StringVar(&o.CSVPath, "csv", "", "CSV K线文件（source=csv 时必填）")
	fsFlags.StringVar(&o.ConfigPath, "config", "config.yaml", "配置文件，不存在时使用默认配置")
	fsFlags.StringVar(&o.OutputDir, "output", "", "输出目录（默认取配置文件）")
	fsFlags.BoolVar(&o.NoCache, "no-cache", false, "不使用本地K线缓存")
	fsFlags.BoolVar(&o.Testnet, "testnet", false, "从测试网下载数据")
	if err := fsFlags.Parse(args); err != nil {
		return nil, err
	}

	if o.Days <= 0 {
		return nil, fmt.Errorf("days 必须大于0")
	}
	if o.Interval <= 0 {
		return nil, fmt.Errorf("interval 必须大于0")
	}
	switch o.Source {
	case "binance":
	case "csv":
		if o.CSVPath == "" {
			return nil, fmt.Errorf("source=csv 时必须指定 --csv")
		}
	default:
		return nil, fmt.Errorf("不支持的数据来源: %s", o.Source)
	}
	return o, nil
}

// loadConfig 读取配置并应用命令行覆盖
func loadConfig(o *options) (*config.Config, error) {
	cfg, err := config.LoadConfig(o.ConfigPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		logger.Info("ℹ️ 配置文件 %s 不存在，使用默认配置", o.ConfigPath)
		cfg = config.DefaultConfig()
	}

	if o.Symbols != "" {
		cfg.Trading.Symbols = strings.Split(o.Symbols, ",")
	}
	if o.Side != "" {
		cfg.Trading.PosSide = o.Side
	}
	if o.Balance > 0 {
		cfg.Backtest.InitialBalance = o.Balance
	}
	if o.Leverage > 0 {
		cfg.Strategy.Leverage = o.Leverage
	}
	if o.ProfitPnl > 0 {
		cfg.Strategy.ProfitPnl = o.ProfitPnl
	}
	if o.MaxMarginPct > 0 {
		cfg.Strategy.MaxMarginPct = o.MaxMarginPct
	}
	if o.OutputDir != "" {
		cfg.Backtest.OutputDir = o.OutputDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return cfg, nil
}

// runnerConfig 由配置生成单个交易对的回测参数
func runnerConfig(cfg *config.Config, symbol string, intervalMinutes int, inst exchange.Instrument) backtest.RunnerConfig {
	checkEvery := cfg.Backtest.CheckIntervalMinutes / intervalMinutes
	if checkEvery < 1 {
		checkEvery = 1
	}
	return backtest.RunnerConfig{
		Symbol:          symbol,
		Side:            cfg.Side(),
		IntervalMinutes: intervalMinutes,
		CheckEvery:      checkEvery,
		TrendFastSpan:   cfg.Strategy.TrendFastSpan,
		TrendSlowSpan:   cfg.Strategy.TrendSlowSpan,
		DipSpan:         cfg.Strategy.DipSpan,
		DipInterval:     cfg.Strategy.DipInterval,
		Params:          cfg.Params(),
		Gate:            cfg.GateConfig(),
		Simulator: backtest.SimulatorConfig{
			InitialBalance:      cfg.Backtest.InitialBalance,
			Leverage:            cfg.Strategy.Leverage,
			FeeRate:             cfg.Backtest.FeeRate,
			LiquidationSlippage: cfg.Backtest.LiquidationSlippage,
			MaxMarginPct:        cfg.Strategy.MaxMarginPct,
		},
		Instrument: inst,
	}
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Printf("❌ %v\n", err)
		os.Exit(2)
	}
	if err := run(o); err != nil {
		logger.Fatalf("❌ 回测失败: %v", err)
	}
}

func run(o *options) error {
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLogLevel(cfg.System.LogLevel))
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	end := time.Now().UTC().Truncate(time.Duration(o.Interval) * time.Minute)
	start := end.AddDate(0, 0, -o.Days)

	var public *binance.Adapter
	var history backtest.HistoryProvider
	switch o.Source {
	case "csv":
		history = &backtest.CSVHistory{Path: o.CSVPath}
	default:
		public = binance.NewPublicAdapter(o.Testnet)
		history = backtest.NewExchangeHistory(public)
		if !o.NoCache {
			history = &backtest.CachedHistory{Inner: history, Cache: backtest.NewCache(cfg.Backtest.CacheDir)}
		}
	}

	logger.Info("🚀 开始回测: 交易对=%s, 方向=%s, %d 天, %d 分钟K线",
		strings.Join(cfg.Trading.Symbols, ","), cfg.Side(), o.Days, o.Interval)

	var results []*backtest.Result
	for _, symbol := range cfg.Trading.Symbols {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := runSymbol(ctx, cfg, o, public, history, symbol, start, end)
		if err != nil {
			logger.Error("❌ [%s] 回测失败: %v", symbol, err)
			continue
		}
		results = append(results, res)
	}
	if len(results) == 0 {
		return fmt.Errorf("没有成功完成的回测")
	}

	backtest.LogSummary(results)
	return nil
}

func runSymbol(ctx context.Context, cfg *config.Config, o *options, public *binance.Adapter,
	history backtest.HistoryProvider, symbol string, start, end time.Time) (*backtest.Result, error) {
	inst := cfg.FallbackInstrument(symbol)
	if public != nil {
		if limits, err := public.GetInstrumentLimits(ctx, symbol); err != nil {
			logger.Warn("⚠️ [%s] 获取交易规则失败，使用配置中的默认值: %v", symbol, err)
		} else {
			inst = limits
		}
	}

	candles, err := history.Fetch(ctx, symbol, o.Interval, start, end)
	if err != nil {
		return nil, fmt.Errorf("获取历史K线失败: %w", err)
	}

	runner, err := backtest.NewRunner(runnerConfig(cfg, symbol, o.Interval, inst))
	if err != nil {
		return nil, err
	}
	res, err := runner.Run(candles)
	if err != nil {
		return nil, err
	}

	files, err := backtest.ExportCSV(res, cfg.Backtest.OutputDir)
	if err != nil {
		return nil, err
	}
	report, err := backtest.GenerateReport(res, cfg.Backtest.OutputDir)
	if err != nil {
		return nil, err
	}
	logger.Info("✅ [%s] 结果已导出: %s, %s", symbol, strings.Join(files, ", "), report)
	return res, nil
}
