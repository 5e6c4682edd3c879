package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld 释放或续期一把未持有（或已过期）的锁
var ErrNotHeld = errors.New("锁未持有或已过期")

// Locker 账户级互斥锁。同一个 key 同时只能有一个持有者。
type Locker interface {
	// Lock 获取锁，阻塞直到成功或 ctx 结束
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// TryLock 尝试获取锁，立即返回
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock 释放锁
	Unlock(ctx context.Context, key string) error

	// Close 关闭连接
	Close() error
}

// WithLock 持有锁执行 fn，fn 返回后释放
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func() error) error {
	if err := l.Lock(ctx, key, ttl); err != nil {
		return err
	}
	defer l.Unlock(context.WithoutCancel(ctx), key)
	return fn()
}
