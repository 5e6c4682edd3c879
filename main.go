package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dcabot/backtest"
	"dcabot/config"
	"dcabot/database"
	"dcabot/exchange/binance"
	"dcabot/lock"
	"dcabot/logger"
	"dcabot/metrics"
	"dcabot/monitor"
	"dcabot/notify"
	"dcabot/order"
	"dcabot/strategy"
	"dcabot/web"
)

// Version 版本号
var Version = "1.0.0"

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-version" || os.Args[1] == "--version") {
		fmt.Printf("dcabot %s\n", Version)
		os.Exit(0)
	}

	// -debug / --debug 输出全量请求日志并把日志级别调到 DEBUG
	debugMode := false
	args := []string{os.Args[0]}
	for _, arg := range os.Args[1:] {
		switch arg {
		case "-debug", "--debug":
			debugMode = true
		default:
			args = append(args, arg)
		}
	}
	if debugMode {
		log.Printf("[INFO] Debug 模式已启用")
	}

	configPath := "config.yaml"
	if len(args) > 1 {
		configPath = args[1]
	}

	if err := run(configPath, debugMode); err != nil {
		logger.Fatalf("❌ %v", err)
	}
}

func run(configPath string, debugMode bool) error {
	logger.Info("🚀 dcabot 启动中... 版本: %s", Version)

	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return fmt.Errorf("应用环境变量失败: %w", err)
	}
	if err := cfg.ValidateLive(); err != nil {
		return err
	}

	if debugMode {
		cfg.System.LogLevel = "debug"
	}
	logLevel := logger.ParseLogLevel(cfg.System.LogLevel)
	logger.SetLevel(logLevel)
	logger.Info("日志级别设置为: %s", logLevel.String())
	if cfg.System.Timezone != "" {
		loc, err := time.LoadLocation(cfg.System.Timezone)
		if err != nil {
			logger.Warn("⚠️ 加载时区 %s 失败: %v，使用本地时区", cfg.System.Timezone, err)
		} else {
			logger.SetLocation(loc)
			logger.Info("✅ 系统时区设置为: %s", cfg.System.Timezone)
		}
	}
	logger.Info("✅ 配置加载成功: 交易对=%s, 方向=%s, 杠杆=%dx, 周期=%ds",
		strings.Join(cfg.Trading.Symbols, ","), cfg.Side(), cfg.Strategy.Leverage, cfg.Trading.CycleInterval)
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 交易所
	exCfg := cfg.Exchange()
	gw, err := binance.NewAdapter(binance.Config{
		APIKey:    exCfg.APIKey,
		SecretKey: exCfg.SecretKey,
		Testnet:   exCfg.Testnet,
		HedgeMode: exCfg.HedgeMode,
		Retry:     binance.DefaultRetryPolicy(),
		Timeout:   15 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("创建交易所实例失败: %w", err)
	}
	if err := gw.SyncTime(ctx); err != nil {
		logger.Warn("⚠️ 同步服务器时间失败: %v", err)
	}
	logger.Info("✅ [%s] 交易所实例已创建", gw.GetName())

	// 账户锁
	lockCfg := cfg.DistributedLock.Config
	if !cfg.DistributedLock.Enabled {
		lockCfg.Type = "local"
	}
	locker, err := lock.New(lockCfg)
	if err != nil {
		return fmt.Errorf("初始化账户锁失败: %w", err)
	}
	defer locker.Close()
	logger.Info("🔒 账户锁: %s", lockCfg.Type)

	pm := metrics.GetPrometheusMetrics()
	executor := order.NewExecutor(gw, locker, pm, order.Config{
		Account:      gw.GetName() + ":" + maskKey(exCfg.APIKey),
		Leverage:     cfg.Strategy.Leverage,
		MaxMarginPct: cfg.Strategy.MaxMarginPct,
		LockTTL:      lockCfg.TTL,
		LockTimeout:  lockCfg.Timeout,
	})

	// 数据库
	var db database.Database
	var store strategy.CycleStore
	if cfg.Database.Enabled {
		db, err = database.NewDatabase(&database.Config{
			Type:            cfg.Database.Type,
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
			LogLevel:        cfg.Database.LogLevel,
		})
		if err != nil {
			return fmt.Errorf("初始化数据库失败: %w", err)
		}
		defer db.Close()
		store = db
		logger.Info("✅ 数据库已初始化: %s", cfg.Database.Type)

		logStore := database.NewLogStore(db, 500)
		logger.SetWriter(logStore.Write)
		defer logStore.Close()
		go cleanupLoop(ctx, db, cfg.Database.RetentionDays)
	}

	// 进程资源监控
	var sampler *monitor.Sampler
	if cfg.Monitor.Enabled {
		sampler, err = monitor.NewSampler()
		if err != nil {
			logger.Warn("⚠️ 初始化资源监控失败: %v", err)
		} else {
			collector := metrics.NewSystemMetricsCollector(pm, sampler, time.Duration(cfg.Monitor.Interval)*time.Second)
			collector.SetThresholds(monitor.Thresholds{
				CPUPercent: cfg.Monitor.CPUThreshold,
				MemoryMB:   cfg.Monitor.MemoryThresholdM,
			})
			go collector.Run(ctx)
		}
	}

	status := strategy.NewStatusBoard()
	cycle := strategy.NewCycle(gw, executor, store, pm, status)

	// 配置热更新
	hotReloader := config.NewHotReloader(cfg)
	hotReloader.RegisterCallback(func(_, newConfig *config.Config, changes []config.ConfigChange) error {
		for _, ch := range changes {
			if ch.Path == "system.log_level" {
				logger.SetLevel(logger.ParseLogLevel(newConfig.System.LogLevel))
			}
		}
		return nil
	})
	watcher, err := config.NewConfigWatcher(configPath, hotReloader, config.NewBackupManager("", 0))
	if err != nil {
		logger.Warn("⚠️ 创建配置监视器失败: %v，配置热更新不可用", err)
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("⚠️ 启动配置监视器失败: %v", err)
	} else {
		defer watcher.Stop()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case diff := <-watcher.RestartRequired():
					logger.Warn("⚠️ 以下配置需要重启后生效: %s", strings.Join(diff.Paths(), ", "))
				case <-watcher.Errors():
				}
			}
		}()
	}

	if cfg.Web.Enabled {
		ws := web.NewWebServer(cfg.Web.Host, cfg.Web.Port, debugMode, web.Deps{
			Status:  status,
			DB:      db,
			Metrics: pm,
			Sampler: sampler,
			Cache:   backtest.NewCache(cfg.Backtest.CacheDir),
			Config:  hotReloader.Current,
		})
		ws.Start(ctx)
	}

	logger.Info("✅ 系统初始化完成，程序正在运行中...")
	logger.Info("💡 按 Ctrl+C 退出程序")

	notifier := newNotifier(cfg)
	notifier.Send(&notify.Event{
		Type:    notify.EventSystemStart,
		Message: fmt.Sprintf("交易对 %s, 方向 %s", strings.Join(cfg.Trading.Symbols, ","), cfg.Side()),
	})

	sm := NewSymbolManager(cycle, hotReloader.Current, pm)
	sm.SetNotifier(notifier)
	sm.Run(ctx)

	logger.Info("🛑 收到退出信号，已停止调度")
	notifier.Send(&notify.Event{Type: notify.EventSystemStop, Message: "收到退出信号"})
	notifier.Wait()
	return nil
}

// newNotifier 按配置创建通知渠道，未启用时返回 nil
func newNotifier(cfg *config.Config) *notify.NotificationService {
	n := cfg.Notifications
	if !n.Enabled {
		return nil
	}
	var notifiers []notify.Notifier
	if n.Webhook.Enabled {
		wn, err := notify.NewWebhookNotifier(n.Webhook.URL, time.Duration(n.Webhook.Timeout)*time.Second)
		if err != nil {
			logger.Warn("⚠️ 初始化 Webhook 通知失败: %v", err)
		} else {
			notifiers = append(notifiers, wn)
		}
	}
	if n.Telegram.Enabled {
		tn, err := notify.NewTelegramNotifier(n.Telegram.BotToken, n.Telegram.ChatID)
		if err != nil {
			logger.Warn("⚠️ 初始化 Telegram 通知失败: %v", err)
		} else {
			notifiers = append(notifiers, tn)
		}
	}
	return notify.NewNotificationService(n.Rules, notifiers...)
}

// cleanupLoop 每天清理过期的周期记录和日志
func cleanupLoop(ctx context.Context, db database.Database, keepDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("🧹 开始清理周期记录...")
			n, err := db.CleanupOldCycles(ctx, keepDays)
			if err != nil {
				logger.Warn("⚠️ 清理周期记录失败: %v", err)
				continue
			}
			logger.Info("✅ 已清理 %d 条周期记录（%d 天前）", n, keepDays)
			if n, err := db.CleanupOldLogs(ctx, keepDays); err != nil {
				logger.Warn("⚠️ 清理日志失败: %v", err)
			} else {
				logger.Info("✅ 已清理 %d 条日志", n)
			}
		}
	}
}

// maskKey 账户标识只保留密钥末尾几位
func maskKey(key string) string {
	if len(key) <= 6 {
		return key
	}
	return key[len(key)-6:]
}
