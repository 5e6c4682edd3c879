package strategy

import (
	"sort"
	"sync"
)

// StatusBoard 每个交易对最近一次周期结果，供状态接口读取
type StatusBoard struct {
	mu      sync.RWMutex
	results map[string]*Result
}

// NewStatusBoard 创建状态板
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{results: make(map[string]*Result)}
}

// Publish 发布最新结果
func (b *StatusBoard) Publish(r *Result) {
	if r == nil {
		return
	}
	b.mu.Lock()
	b.results[r.Symbol] = r
	b.mu.Unlock()
}

// Get 指定交易对的最新结果
func (b *StatusBoard) Get(symbol string) (*Result, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.results[symbol]
	return r, ok
}

// Snapshot 全部交易对的最新结果，按交易对排序
func (b *StatusBoard) Snapshot() []*Result {
	b.mu.RLock()
	out := make([]*Result, 0, len(b.results))
	for _, r := range b.results {
		out = append(out, r)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
