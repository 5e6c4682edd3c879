package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"dcabot/logger"
)

// ConfigWatcher 配置文件监控器。
// 监听配置文件所在目录（编辑器常以重命名方式保存），文件变化后重新加载、校验并交给 HotReloader。
type ConfigWatcher struct {
	configPath    string
	watcher       *fsnotify.Watcher
	hotReloader   *HotReloader
	backupManager *BackupManager // 可为 nil
	debounce      time.Duration

	mu          sync.Mutex
	isWatching  bool
	lastModTime time.Time
	lastSize    int64

	restartChan chan *ConfigDiff
	errorChan   chan error
}

// NewConfigWatcher 创建配置监控器
func NewConfigWatcher(configPath string, hotReloader *HotReloader, backupManager *BackupManager) (*ConfigWatcher, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("解析配置路径失败: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	cw := &ConfigWatcher{
		configPath:    absPath,
		watcher:       watcher,
		hotReloader:   hotReloader,
		backupManager: backupManager,
		debounce:      100 * time.Millisecond,
		restartChan:   make(chan *ConfigDiff, 1),
		errorChan:     make(chan error, 10),
	}
	if info, err := os.Stat(absPath); err == nil {
		cw.lastModTime = info.ModTime()
		cw.lastSize = info.Size()
	}
	return cw, nil
}

// Start 开始监控配置文件
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.isWatching {
		return fmt.Errorf("配置监控器已经在运行")
	}
	if err := cw.watcher.Add(filepath.Dir(cw.configPath)); err != nil {
		return fmt.Errorf("添加监控目录失败: %w", err)
	}
	cw.isWatching = true

	go cw.watchLoop(ctx)
	logger.Info("👀 开始监控配置文件: %s", cw.configPath)
	return nil
}

// Stop 停止监控
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.isWatching {
		return nil
	}
	cw.isWatching = false
	return cw.watcher.Close()
}

// RestartRequired 含有需要重启才能生效的变更时发出通知
func (cw *ConfigWatcher) RestartRequired() <-chan *ConfigDiff {
	return cw.restartChan
}

// Errors 加载或校验失败的错误
func (cw *ConfigWatcher) Errors() <-chan error {
	return cw.errorChan
}

func (cw *ConfigWatcher) watchLoop(ctx context.Context) {
	// 部分文件系统（如挂载卷）不发事件，定时检查修改时间兜底
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.Stop()
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.configPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				// 等待写入完成
				time.Sleep(cw.debounce)
				cw.reload()
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.reportError(err)

		case <-ticker.C:
			cw.reload()
		}
	}
}

// reload 文件确有变化时重新加载
func (cw *ConfigWatcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	info, err := os.Stat(cw.configPath)
	if err != nil {
		// 保存过程中文件可能短暂不存在
		return
	}
	if info.ModTime().Equal(cw.lastModTime) && info.Size() == cw.lastSize {
		return
	}
	cw.lastModTime = info.ModTime()
	cw.lastSize = info.Size()

	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.reportError(fmt.Errorf("重新加载配置失败: %w", err))
		return
	}
	if err := newConfig.ApplyEnv(); err != nil {
		cw.reportError(fmt.Errorf("应用环境变量失败: %w", err))
		return
	}

	diff, err := cw.hotReloader.UpdateConfig(newConfig)
	if err != nil {
		cw.reportError(fmt.Errorf("配置热更新失败: %w", err))
		return
	}
	if len(diff.Changes) == 0 {
		return
	}

	logger.Info("🔄 配置已重新加载，变更: %v", diff.Paths())
	if cw.backupManager != nil {
		if _, err := cw.backupManager.CreateBackup(cw.configPath, "热更新生效"); err != nil {
			logger.Warn("⚠️ 备份配置失败: %v", err)
		}
	}
	if diff.RequiresRestart {
		logger.Warn("⚠️ 部分配置变更需要重启后生效")
		select {
		case cw.restartChan <- diff:
		default:
		}
	}
}

func (cw *ConfigWatcher) reportError(err error) {
	logger.Error("❌ %v", err)
	select {
	case cw.errorChan <- err:
	default:
	}
}
