package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config 锁配置
type Config struct {
	Type    string        `yaml:"type"`   // local | redis
	Prefix  string        `yaml:"prefix"` // redis key 前缀
	TTL     time.Duration `yaml:"ttl"`    // 持锁上限，防止进程崩溃后死锁
	Timeout time.Duration `yaml:"timeout"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// New 根据配置创建锁，未指定类型时使用进程内锁
func New(cfg Config) (Locker, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalLock(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		l := NewRedisLock(client, cfg.Prefix)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.Ping(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("连接 Redis %s 失败: %w", cfg.Redis.Addr, err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("不支持的锁类型: %s", cfg.Type)
	}
}
