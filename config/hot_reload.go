package config

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
)

// ConfigUpdateCallback 配置更新回调函数类型
type ConfigUpdateCallback func(oldConfig, newConfig *Config, changes []ConfigChange) error

// HotReloader 配置热更新器。
// 当前配置是不可变快照，更新时整体替换指针，读取方每轮取一次快照即可。
type HotReloader struct {
	mu              sync.Mutex // 串行化更新
	current         atomic.Pointer[Config]
	updateCallbacks []ConfigUpdateCallback
}

// NewHotReloader 创建热更新器
func NewHotReloader(initialConfig *Config) *HotReloader {
	hr := &HotReloader{}
	hr.current.Store(initialConfig)
	return hr
}

// RegisterCallback 注册配置更新回调
func (hr *HotReloader) RegisterCallback(callback ConfigUpdateCallback) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.updateCallbacks = append(hr.updateCallbacks, callback)
}

// Current 当前配置快照，调用方不得修改
func (hr *HotReloader) Current() *Config {
	return hr.current.Load()
}

// UpdateConfig 应用新配置。需要重启的变更不会生效，其余变更立即替换快照。
func (hr *HotReloader) UpdateConfig(newConfig *Config) (*ConfigDiff, error) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	old := hr.current.Load()
	diff := DiffConfig(old, newConfig)
	if len(diff.Changes) == 0 {
		return diff, nil
	}

	next := newConfig
	applied := diff.Changes
	if diff.RequiresRestart {
		next = old.Clone()
		applied = applied[:0:0]
		for _, change := range diff.Changes {
			if change.RequiresRestart {
				continue
			}
			if err := copyPath(next, newConfig, change.Path); err != nil {
				return nil, err
			}
			applied = append(applied, change)
		}
	}

	for _, callback := range hr.updateCallbacks {
		if err := callback(old, next, applied); err != nil {
			return nil, fmt.Errorf("配置更新回调执行失败: %w", err)
		}
	}

	hr.current.Store(next)
	return diff, nil
}

// copyPath 把 src 中 path 对应的字段复制到 dest
func copyPath(dest, src *Config, path string) error {
	if i := strings.Index(path, "["); i >= 0 {
		path = path[:i]
	}
	dv := reflect.ValueOf(dest).Elem()
	sv := reflect.ValueOf(src).Elem()
	for _, name := range strings.Split(path, ".") {
		if dv.Kind() != reflect.Struct {
			break
		}
		idx, ok := fieldIndex(dv.Type(), name)
		if !ok {
			return fmt.Errorf("未知的配置路径: %s", path)
		}
		dv = dv.FieldByIndex(idx)
		sv = sv.FieldByIndex(idx)
	}
	dv.Set(sv)
	return nil
}

// fieldIndex 按 yaml 名称查找字段，支持 inline 嵌入
func fieldIndex(t reflect.Type, name string) ([]int, bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		n, inline, skip := yamlName(f)
		if skip {
			continue
		}
		if inline && f.Type.Kind() == reflect.Struct {
			if sub, ok := fieldIndex(f.Type, name); ok {
				return append([]int{i}, sub...), true
			}
			continue
		}
		if n == name {
			return []int{i}, true
		}
	}
	return nil, false
}
