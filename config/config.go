package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"dcabot/exchange"
	"dcabot/lock"
	"dcabot/notify"
	"dcabot/position"
	"dcabot/safety"
)

// ExchangeConfig 交易所配置
type ExchangeConfig struct {
	APIKey    string `yaml:"api_key" json:"api_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	Testnet   bool   `yaml:"testnet" json:"testnet"`
	HedgeMode bool   `yaml:"hedge_mode" json:"hedge_mode"` // 双向持仓模式
}

// StrategyConfig 加仓/止盈参数
type StrategyConfig struct {
	Leverage            int     `yaml:"leverage" json:"leverage"`
	BuyUntilLimit       float64 `yaml:"buy_until_limit" json:"buy_until_limit"`             // 常规加仓的保证金占用上限
	ProfitThreshold     float64 `yaml:"profit_threshold" json:"profit_threshold"`           // 浮盈/余额 止盈门槛
	ProfitPnl           float64 `yaml:"profit_pnl" json:"profit_pnl"`                       // 全部平仓的浮盈比例
	BeginSizeOfBalance  float64 `yaml:"begin_size_of_balance" json:"begin_size_of_balance"` // 开仓使用的余额比例
	MaxMarginPct        float64 `yaml:"max_margin_pct" json:"max_margin_pct"`               // 0 表示不限制
	MarginLevelCritical float64 `yaml:"margin_level_critical" json:"margin_level_critical"`
	TrendFastSpan       int     `yaml:"trend_fast_span" json:"trend_fast_span"` // 默认 EMA50
	TrendSlowSpan       int     `yaml:"trend_slow_span" json:"trend_slow_span"` // 默认 EMA200
	DipSpan             int     `yaml:"dip_span" json:"dip_span"`               // 默认 EMA100
	DipInterval         int     `yaml:"dip_interval" json:"dip_interval"`       // 抄底 EMA 的K线周期（分钟），默认60
}

// VolatilityConfig 波动率闸门阈值
type VolatilityConfig struct {
	Lookback         int     `yaml:"lookback" json:"lookback"`
	ATRPeriod        int     `yaml:"atr_period" json:"atr_period"`
	ATRAverageWindow int     `yaml:"atr_average_window" json:"atr_average_window"`
	ATRMultiplier    float64 `yaml:"atr_multiplier" json:"atr_multiplier"`
	BBPeriod         int     `yaml:"bb_period" json:"bb_period"`
	BBStdDev         float64 `yaml:"bb_std_dev" json:"bb_std_dev"`
	BBWidthThreshold float64 `yaml:"bb_width_threshold" json:"bb_width_threshold"` // %
	HistVolPeriod    int     `yaml:"hist_vol_period" json:"hist_vol_period"`
	HistVolThreshold float64 `yaml:"hist_vol_threshold" json:"hist_vol_threshold"` // %
}

// InstrumentFallback 回测时无法从交易所获取下单限制时使用的默认值
type InstrumentFallback struct {
	MinQty   float64 `yaml:"min_qty" json:"min_qty"`
	MaxQty   float64 `yaml:"max_qty" json:"max_qty"`
	QtyStep  float64 `yaml:"qty_step" json:"qty_step"`
	TickSize float64 `yaml:"tick_size" json:"tick_size"`
}

// Config 定投抄底机器人配置
type Config struct {
	// 应用配置
	App struct {
		Name            string `yaml:"name"`
		CurrentExchange string `yaml:"current_exchange"` // 当前使用的交易所，目前仅支持 binance
	} `yaml:"app"`

	// 多交易所配置
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`

	Trading struct {
		Symbols       []string `yaml:"symbols"`
		PosSide       string   `yaml:"pos_side"`       // Long | Short
		EMAInterval   int      `yaml:"ema_interval"`   // 趋势判断的K线周期（分钟）
		CycleInterval int      `yaml:"cycle_interval"` // 每轮间隔（秒），默认300
		AutomaticMode bool     `yaml:"automatic_mode"` // 是否允许自动开仓
		KlineLimit    int      `yaml:"kline_limit"`    // 每轮拉取的K线数量
	} `yaml:"trading"`

	Strategy StrategyConfig `yaml:"strategy"`

	Volatility VolatilityConfig `yaml:"volatility"`

	// 回测配置
	Backtest struct {
		InitialBalance       float64            `yaml:"initial_balance"`
		FeeRate              float64            `yaml:"fee_rate"`
		LiquidationSlippage  float64            `yaml:"liquidation_slippage"`
		CheckIntervalMinutes int                `yaml:"check_interval_minutes"` // 决策间隔（分钟），默认5
		Instrument           InstrumentFallback `yaml:"instrument"`
		CacheDir             string             `yaml:"cache_dir"`
		OutputDir            string             `yaml:"output_dir"`
	} `yaml:"backtest"`

	// 账户锁配置，多进程共用一个账户时使用 redis
	DistributedLock struct {
		Enabled     bool `yaml:"enabled"`
		lock.Config `yaml:",inline"`
	} `yaml:"distributed_lock"`

	// 数据库配置（支持 SQLite、PostgreSQL、MySQL）
	Database struct {
		Enabled         bool   `yaml:"enabled"`
		Type            string `yaml:"type"`              // sqlite, postgres, mysql，默认 sqlite
		DSN             string `yaml:"dsn"`               // 默认 ./data/dcabot.db
		MaxOpenConns    int    `yaml:"max_open_conns"`    // 默认10
		MaxIdleConns    int    `yaml:"max_idle_conns"`    // 默认5
		ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 秒，默认3600
		LogLevel        string `yaml:"log_level"`         // silent, error, warn, info，默认 error
		RetentionDays   int    `yaml:"retention_days"`    // 周期记录保留天数，默认30
	} `yaml:"database"`

	// Web 服务配置
	Web struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"` // 默认 0.0.0.0
		Port    int    `yaml:"port"` // 默认 8080
	} `yaml:"web"`

	// 进程资源监控
	Monitor struct {
		Enabled          bool    `yaml:"enabled"`
		Interval         int     `yaml:"interval"` // 采样间隔（秒），默认15
		CPUThreshold     float64 `yaml:"cpu_threshold"`
		MemoryThresholdM float64 `yaml:"memory_threshold_mb"`
	} `yaml:"monitor"`

	// 通知配置
	Notifications struct {
		Enabled bool         `yaml:"enabled"`
		Rules   notify.Rules `yaml:"rules"`
		Webhook struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
			Timeout int    `yaml:"timeout"` // 秒，默认3
		} `yaml:"webhook"`
		Telegram struct {
			Enabled  bool   `yaml:"enabled"`
			BotToken string `yaml:"bot_token"`
			ChatID   string `yaml:"chat_id"`
		} `yaml:"telegram"`
	} `yaml:"notifications"`

	System struct {
		LogLevel string `yaml:"log_level"`
		Timezone string `yaml:"timezone"` // 如 "Asia/Shanghai"
	} `yaml:"system"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes 从字节数组加载配置（用于测试）
func LoadConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// SaveConfig 保存配置到文件
func SaveConfig(cfg *Config, configPath string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置验证失败: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	return nil
}

// DefaultConfig 全部使用默认值的配置
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Trading.Symbols = []string{"BTCUSDT"}
	cfg.Trading.AutomaticMode = true
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

// Validate 验证配置并补全默认值
func (c *Config) Validate() error {
	if c.App.Name == "" {
		c.App.Name = "dcabot"
	}
	if c.App.CurrentExchange == "" {
		c.App.CurrentExchange = "binance"
	}
	if c.App.CurrentExchange != "binance" {
		return fmt.Errorf("不支持的交易所: %s", c.App.CurrentExchange)
	}
	if c.Exchanges == nil {
		c.Exchanges = make(map[string]ExchangeConfig)
	}

	// 交易配置
	symbols := make([]string, 0, len(c.Trading.Symbols))
	seen := make(map[string]bool)
	for _, s := range c.Trading.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		symbols = append(symbols, s)
	}
	if len(symbols) == 0 {
		return fmt.Errorf("至少需要配置一个交易对 (trading.symbols)")
	}
	c.Trading.Symbols = symbols

	if c.Trading.PosSide == "" {
		c.Trading.PosSide = string(exchange.Long)
	}
	side, err := exchange.ParsePosSide(c.Trading.PosSide)
	if err != nil {
		return err
	}
	c.Trading.PosSide = string(side)

	if c.Trading.EMAInterval == 0 {
		c.Trading.EMAInterval = 1
	}
	if c.Trading.EMAInterval < 0 {
		return fmt.Errorf("ema_interval 必须大于0: %d", c.Trading.EMAInterval)
	}
	if c.Trading.CycleInterval <= 0 {
		c.Trading.CycleInterval = 300
	}
	if c.Trading.KlineLimit <= 0 {
		c.Trading.KlineLimit = 500
	}

	// 策略参数
	def := position.DefaultParams()
	s := &c.Strategy
	if s.Leverage == 0 {
		s.Leverage = def.Leverage
	}
	if s.BuyUntilLimit == 0 {
		s.BuyUntilLimit = def.BuyUntilLimit
	}
	if s.ProfitThreshold == 0 {
		s.ProfitThreshold = def.ProfitThreshold
	}
	if s.ProfitPnl == 0 {
		s.ProfitPnl = def.ProfitPnl
	}
	if s.BeginSizeOfBalance == 0 {
		s.BeginSizeOfBalance = def.ProportionOfBalance
	}
	if s.MarginLevelCritical == 0 {
		s.MarginLevelCritical = def.MarginLevelCritical
	}
	if s.TrendFastSpan <= 0 {
		s.TrendFastSpan = 50
	}
	if s.TrendSlowSpan <= 0 {
		s.TrendSlowSpan = 200
	}
	if s.TrendFastSpan >= s.TrendSlowSpan {
		return fmt.Errorf("trend_fast_span(%d) 必须小于 trend_slow_span(%d)", s.TrendFastSpan, s.TrendSlowSpan)
	}
	if s.DipSpan <= 0 {
		s.DipSpan = 100
	}
	if s.DipInterval <= 0 {
		s.DipInterval = 60
	}
	if err := c.Params().Validate(); err != nil {
		return err
	}
	if c.Trading.KlineLimit < s.TrendSlowSpan {
		return fmt.Errorf("kline_limit(%d) 不能小于 trend_slow_span(%d)", c.Trading.KlineLimit, s.TrendSlowSpan)
	}

	// 波动率闸门
	g := safety.DefaultGateConfig()
	v := &c.Volatility
	if v.Lookback <= 0 {
		v.Lookback = g.Lookback
	}
	if v.ATRPeriod <= 0 {
		v.ATRPeriod = g.ATRPeriod
	}
	if v.ATRAverageWindow <= 0 {
		v.ATRAverageWindow = g.ATRAverageWindow
	}
	if v.ATRMultiplier <= 0 {
		v.ATRMultiplier = g.ATRMultiplier
	}
	if v.BBPeriod <= 0 {
		v.BBPeriod = g.BBPeriod
	}
	if v.BBStdDev <= 0 {
		v.BBStdDev = g.BBStdDev
	}
	if v.BBWidthThreshold <= 0 {
		v.BBWidthThreshold = g.BBWidthThreshold
	}
	if v.HistVolPeriod <= 0 {
		v.HistVolPeriod = g.HistVolPeriod
	}
	if v.HistVolThreshold <= 0 {
		v.HistVolThreshold = g.HistVolThreshold
	}

	// 回测
	b := &c.Backtest
	if b.InitialBalance <= 0 {
		b.InitialBalance = 10000
	}
	if b.FeeRate < 0 {
		return fmt.Errorf("手续费率不能为负数: %v", b.FeeRate)
	}
	if b.FeeRate == 0 {
		b.FeeRate = 0.00075
	}
	if b.LiquidationSlippage < 0 {
		return fmt.Errorf("强平滑点不能为负数: %v", b.LiquidationSlippage)
	}
	if b.LiquidationSlippage == 0 {
		b.LiquidationSlippage = 0.005
	}
	if b.CheckIntervalMinutes <= 0 {
		b.CheckIntervalMinutes = 5
	}
	if b.Instrument.MinQty <= 0 {
		b.Instrument.MinQty = 0.001
	}
	if b.Instrument.QtyStep <= 0 {
		b.Instrument.QtyStep = b.Instrument.MinQty
	}
	if b.Instrument.MaxQty <= 0 {
		b.Instrument.MaxQty = 1000
	}
	if b.CacheDir == "" {
		b.CacheDir = "backtest/cache"
	}
	if b.OutputDir == "" {
		b.OutputDir = "backtest/output"
	}

	// 账户锁
	l := &c.DistributedLock
	if !l.Enabled || l.Type == "" {
		l.Type = "local"
	}
	if l.Type != "local" && l.Type != "redis" {
		return fmt.Errorf("不支持的锁类型: %s", l.Type)
	}
	if l.Prefix == "" {
		l.Prefix = "dcabot:lock:"
	}
	if l.TTL <= 0 {
		l.TTL = 30 * time.Second
	}
	if l.Timeout <= 0 {
		l.Timeout = 10 * time.Second
	}
	if l.Redis.Addr == "" {
		l.Redis.Addr = "localhost:6379"
	}
	if l.Redis.PoolSize <= 0 {
		l.Redis.PoolSize = 10
	}

	// 数据库
	d := &c.Database
	if d.Type == "" {
		d.Type = "sqlite"
	}
	switch d.Type {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("不支持的数据库类型: %s", d.Type)
	}
	if d.DSN == "" {
		if d.Type != "sqlite" && d.Enabled {
			return fmt.Errorf("数据库 %s 必须配置 dsn", d.Type)
		}
		d.DSN = "./data/dcabot.db"
	}
	if d.MaxOpenConns <= 0 {
		d.MaxOpenConns = 10
	}
	if d.MaxIdleConns <= 0 {
		d.MaxIdleConns = 5
	}
	if d.ConnMaxLifetime <= 0 {
		d.ConnMaxLifetime = 3600
	}
	if d.LogLevel == "" {
		d.LogLevel = "error"
	}
	if d.RetentionDays <= 0 {
		d.RetentionDays = 30
	}

	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web 端口无效: %d", c.Web.Port)
	}

	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = 15
	}
	if c.Monitor.CPUThreshold <= 0 {
		c.Monitor.CPUThreshold = 80
	}
	if c.Monitor.MemoryThresholdM <= 0 {
		c.Monitor.MemoryThresholdM = 1024
	}

	n := &c.Notifications
	if n.Enabled {
		if n.Webhook.Enabled && n.Webhook.URL == "" {
			return fmt.Errorf("已启用 Webhook 通知但未配置 url")
		}
		if n.Telegram.Enabled && (n.Telegram.BotToken == "" || n.Telegram.ChatID == "") {
			return fmt.Errorf("已启用 Telegram 通知但未配置 bot_token/chat_id")
		}
	}
	if n.Webhook.Timeout <= 0 {
		n.Webhook.Timeout = 3
	}

	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.System.Timezone != "" {
		if _, err := time.LoadLocation(c.System.Timezone); err != nil {
			return fmt.Errorf("无效的时区 %s: %w", c.System.Timezone, err)
		}
	}

	return nil
}

// ValidateLive 实盘额外校验：必须配置 API 密钥
func (c *Config) ValidateLive() error {
	ex, ok := c.Exchanges[c.App.CurrentExchange]
	if !ok {
		return fmt.Errorf("交易所 %s 的配置不存在", c.App.CurrentExchange)
	}
	if ex.APIKey == "" || ex.SecretKey == "" {
		return fmt.Errorf("交易所 %s 的 API 配置不完整", c.App.CurrentExchange)
	}
	return nil
}

// Exchange 当前交易所的配置
func (c *Config) Exchange() ExchangeConfig {
	return c.Exchanges[c.App.CurrentExchange]
}

// Side 持仓方向（Validate 之后必然合法）
func (c *Config) Side() exchange.PosSide {
	side, _ := exchange.ParsePosSide(c.Trading.PosSide)
	return side
}

// CycleInterval 每轮间隔
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Trading.CycleInterval) * time.Second
}

// Params 转换为决策使用的不可变参数
func (c *Config) Params() position.Params {
	return position.Params{
		Leverage:            c.Strategy.Leverage,
		BuyUntilLimit:       c.Strategy.BuyUntilLimit,
		ProfitThreshold:     c.Strategy.ProfitThreshold,
		ProfitPnl:           c.Strategy.ProfitPnl,
		ProportionOfBalance: c.Strategy.BeginSizeOfBalance,
		MaxMarginPct:        c.Strategy.MaxMarginPct,
		AutomaticMode:       c.Trading.AutomaticMode,
		MarginLevelCritical: c.Strategy.MarginLevelCritical,
	}
}

// GateConfig 转换为波动率闸门参数
func (c *Config) GateConfig() safety.GateConfig {
	v := c.Volatility
	return safety.GateConfig{
		Lookback:         v.Lookback,
		ATRPeriod:        v.ATRPeriod,
		ATRAverageWindow: v.ATRAverageWindow,
		ATRMultiplier:    v.ATRMultiplier,
		BBPeriod:         v.BBPeriod,
		BBStdDev:         v.BBStdDev,
		BBWidthThreshold: v.BBWidthThreshold,
		HistVolPeriod:    v.HistVolPeriod,
		HistVolThreshold: v.HistVolThreshold,
	}
}

// FallbackInstrument 回测使用的默认下单限制
func (c *Config) FallbackInstrument(symbol string) exchange.Instrument {
	f := c.Backtest.Instrument
	return exchange.Instrument{
		Symbol:   symbol,
		MinQty:   decimal.NewFromFloat(f.MinQty),
		MaxQty:   decimal.NewFromFloat(f.MaxQty),
		QtyStep:  decimal.NewFromFloat(f.QtyStep),
		TickSize: decimal.NewFromFloat(f.TickSize),
	}
}

// Clone 深拷贝，用于热更新时生成新快照
func (c *Config) Clone() *Config {
	cp := *c
	cp.Trading.Symbols = append([]string(nil), c.Trading.Symbols...)
	cp.Exchanges = make(map[string]ExchangeConfig, len(c.Exchanges))
	for k, v := range c.Exchanges {
		cp.Exchanges[k] = v
	}
	return &cp
}
