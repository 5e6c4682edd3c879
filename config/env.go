package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// 环境变量名
const (
	EnvAPIKey      = "API_KEY"
	EnvAPISecret   = "API_SECRET"
	EnvSymbol      = "SYMBOL" // 逗号分隔
	EnvEMAInterval = "EMA_INTERVAL"
	EnvPosSide     = "POS_SIDE"
	EnvTestnet     = "TESTNET"
)

// LoadDotEnv 加载 .env 文件，文件不存在时忽略。已存在的环境变量不会被覆盖。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("加载 %s 失败: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv 用环境变量覆盖配置，之后重新执行 Validate
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if c.Exchanges == nil {
		c.Exchanges = make(map[string]ExchangeConfig)
	}
	if c.App.CurrentExchange == "" {
		c.App.CurrentExchange = "binance"
	}
	ex := c.Exchanges[c.App.CurrentExchange]

	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		ex.APIKey = v
	}
	if v, ok := lookup(EnvAPISecret); ok && v != "" {
		ex.SecretKey = v
	}
	if v, ok := lookup(EnvTestnet); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s 无效: %w", EnvTestnet, err)
		}
		ex.Testnet = b
	}
	c.Exchanges[c.App.CurrentExchange] = ex

	if v, ok := lookup(EnvSymbol); ok && strings.TrimSpace(v) != "" {
		c.Trading.Symbols = strings.Split(v, ",")
	}
	if v, ok := lookup(EnvEMAInterval); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(v), "m"))
		if err != nil {
			return fmt.Errorf("%s 无效: %w", EnvEMAInterval, err)
		}
		c.Trading.EMAInterval = n
	}
	if v, ok := lookup(EnvPosSide); ok && v != "" {
		c.Trading.PosSide = v
	}

	return c.Validate()
}
