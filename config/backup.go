package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"dcabot/logger"
)

const (
	// DefaultBackupDir 默认备份目录
	DefaultBackupDir = "./config_backups"
	// DefaultMaxBackups 默认保留的备份数量
	DefaultMaxBackups = 20

	backupTimeLayout = "20060102150405"
	backupInfix      = ".backup."
)

// BackupInfo 备份信息
type BackupInfo struct {
	ID          string    `json:"id"` // 备份文件名
	Timestamp   time.Time `json:"timestamp"`
	FilePath    string    `json:"file_path"`
	Size        int64     `json:"size"`
	Description string    `json:"description,omitempty"`
}

// BackupManager 配置备份管理器。每次热更新生效后保存一份可用的配置。
type BackupManager struct {
	backupDir  string
	maxBackups int
}

// NewBackupManager 创建备份管理器
func NewBackupManager(dir string, maxBackups int) *BackupManager {
	if dir == "" {
		dir = DefaultBackupDir
	}
	if maxBackups <= 0 {
		maxBackups = DefaultMaxBackups
	}
	return &BackupManager{backupDir: dir, maxBackups: maxBackups}
}

// CreateBackup 创建配置备份
func (bm *BackupManager) CreateBackup(configPath string, description string) (*BackupInfo, error) {
	if err := os.MkdirAll(bm.backupDir, 0755); err != nil {
		return nil, fmt.Errorf("创建备份目录失败: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	now := time.Now()
	name := filepath.Base(configPath) + backupInfix + now.Format(backupTimeLayout) + ".yaml"
	backupPath := filepath.Join(bm.backupDir, name)
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		return nil, fmt.Errorf("写入备份文件失败: %w", err)
	}

	if err := bm.CleanOldBackups(); err != nil {
		logger.Warn("⚠️ 清理旧配置备份失败: %v", err)
	}

	ts, _ := time.ParseInLocation(backupTimeLayout, now.Format(backupTimeLayout), time.Local)
	return &BackupInfo{
		ID:          name,
		Timestamp:   ts,
		FilePath:    backupPath,
		Size:        int64(len(data)),
		Description: description,
	}, nil
}

// ListBackups 列出所有备份，最新的在前
func (bm *BackupManager) ListBackups() ([]*BackupInfo, error) {
	entries, err := os.ReadDir(bm.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*BackupInfo{}, nil
		}
		return nil, fmt.Errorf("读取备份目录失败: %w", err)
	}

	var backups []*BackupInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ts, err := parseBackupTimestamp(entry.Name())
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, &BackupInfo{
			ID:        entry.Name(),
			Timestamp: ts,
			FilePath:  filepath.Join(bm.backupDir, entry.Name()),
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		if backups[i].Timestamp.Equal(backups[j].Timestamp) {
			return backups[i].ID > backups[j].ID
		}
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RestoreBackup 恢复指定备份，恢复前校验备份内容
func (bm *BackupManager) RestoreBackup(backupID string, targetPath string) error {
	data, err := os.ReadFile(filepath.Join(bm.backupDir, filepath.Base(backupID)))
	if err != nil {
		return fmt.Errorf("读取备份文件失败: %w", err)
	}
	if _, err := LoadConfigFromBytes(data); err != nil {
		return fmt.Errorf("备份配置无效: %w", err)
	}
	if err := os.WriteFile(targetPath, data, 0644); err != nil {
		return fmt.Errorf("恢复配置文件失败: %w", err)
	}
	return nil
}

// DeleteBackup 删除指定备份
func (bm *BackupManager) DeleteBackup(backupID string) error {
	if err := os.Remove(filepath.Join(bm.backupDir, filepath.Base(backupID))); err != nil {
		return fmt.Errorf("删除备份文件失败: %w", err)
	}
	return nil
}

// CleanOldBackups 清理超出数量的旧备份
func (bm *BackupManager) CleanOldBackups() error {
	backups, err := bm.ListBackups()
	if err != nil {
		return err
	}
	if len(backups) <= bm.maxBackups {
		return nil
	}
	for _, b := range backups[bm.maxBackups:] {
		if err := bm.DeleteBackup(b.ID); err != nil {
			logger.Warn("⚠️ 删除旧配置备份失败 %s: %v", b.ID, err)
		}
	}
	return nil
}

// parseBackupTimestamp 解析 <name>.backup.20060102150405.yaml 中的时间戳
func parseBackupTimestamp(filename string) (time.Time, error) {
	i := strings.LastIndex(filename, backupInfix)
	if i < 0 || !strings.HasSuffix(filename, ".yaml") {
		return time.Time{}, fmt.Errorf("备份文件名格式无效: %s", filename)
	}
	ts := strings.TrimSuffix(filename[i+len(backupInfix):], ".yaml")
	return time.ParseInLocation(backupTimeLayout, ts, time.Local)
}
