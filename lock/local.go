package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalLock 进程内锁，单实例部署时使用。ttl 被忽略。
type LocalLock struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocalLock 创建进程内锁
func NewLocalLock() *LocalLock {
	return &LocalLock{slots: make(map[string]chan struct{})}
}

func (l *LocalLock) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Lock 获取锁，阻塞直到成功或 ctx 结束
func (l *LocalLock) Lock(ctx context.Context, key string, _ time.Duration) error {
	select {
	case l.slot(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待锁 %s 超时: %w", key, ctx.Err())
	}
}

// TryLock 尝试获取锁
func (l *LocalLock) TryLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	select {
	case l.slot(key) <- struct{}{}:
		return true, nil
	default:
		return false, nil
	}
}

// Unlock 释放锁
func (l *LocalLock) Unlock(_ context.Context, key string) error {
	select {
	case <-l.slot(key):
		return nil
	default:
		return fmt.Errorf("%s: %w", key, ErrNotHeld)
	}
}

// Close 无资源需要释放
func (l *LocalLock) Close() error { return nil }
