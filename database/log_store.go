package database

import (
	"context"
	"sync"
	"time"
)

const (
	logBatchSize     = 100
	logFlushInterval = time.Second
)

// LogStore 异步日志写入器。Write 不阻塞，队列满时丢弃，
// 后台协程按批次或定时写入数据库。
type LogStore struct {
	db    Database
	logCh chan *LogRecord

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

// NewLogStore 创建日志写入器，buffer 为队列长度
func NewLogStore(db Database, buffer int) *LogStore {
	if buffer <= 0 {
		buffer = 500
	}
	ls := &LogStore{
		db:    db,
		logCh: make(chan *LogRecord, buffer),
		done:  make(chan struct{}),
	}
	go ls.processLogs()
	return ls
}

// Write 签名与 logger.SetWriter 一致
func (ls *LogStore) Write(level, message string) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if ls.closed {
		return
	}
	select {
	case ls.logCh <- &LogRecord{Level: level, Message: message, CreatedAt: time.Now()}:
	default:
	}
}

// Close 停止接收并写入剩余日志
func (ls *LogStore) Close() {
	ls.closeOnce.Do(func() {
		ls.mu.Lock()
		ls.closed = true
		close(ls.logCh)
		ls.mu.Unlock()
		<-ls.done
	})
}

func (ls *LogStore) processLogs() {
	defer close(ls.done)

	buffer := make([]*LogRecord, 0, logBatchSize)
	ticker := time.NewTicker(logFlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		// 写入失败只能丢弃，不能再走 logger 以免递归
		_ = ls.db.SaveLogs(ctx, buffer)
		cancel()
		buffer = make([]*LogRecord, 0, logBatchSize)
	}

	for {
		select {
		case rec, ok := <-ls.logCh:
			if !ok {
				flush()
				return
			}
			buffer = append(buffer, rec)
			if len(buffer) >= logBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
