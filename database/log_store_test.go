package database

import (
	"context"
	"testing"
	"time"
)

func TestLogStoreFlushOnClose(t *testing.T) {
	db := newTestDB(t)
	ls := NewLogStore(db, 10)

	ls.Write("WARN", "⚠️ [BTCUSDT] 跳过下单: 保证金不足")
	ls.Write("ERROR", "❌ [ETHUSDT] 周期失败 (snapshot): timeout")
	ls.Close()
	ls.Write("ERROR", "关闭后写入应被忽略")

	ctx := context.Background()
	logs, err := db.GetLogs(ctx, &LogFilter{})
	if err != nil {
		t.Fatalf("查询日志失败: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("期望2条日志, 得到 %d", len(logs))
	}

	errs, err := db.GetLogs(ctx, &LogFilter{Level: "ERROR"})
	if err != nil || len(errs) != 1 {
		t.Errorf("按级别查询错误: %v %v", errs, err)
	}
	kw, err := db.GetLogs(ctx, &LogFilter{Keyword: "保证金"})
	if err != nil || len(kw) != 1 || kw[0].Level != "WARN" {
		t.Errorf("按关键字查询错误: %v %v", kw, err)
	}
}

func TestCleanupOldLogs(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -10)
	if err := db.SaveLogs(ctx, []*LogRecord{
		{Level: "WARN", Message: "旧日志", CreatedAt: old},
		{Level: "WARN", Message: "新日志", CreatedAt: time.Now()},
	}); err != nil {
		t.Fatalf("写入日志失败: %v", err)
	}

	n, err := db.CleanupOldLogs(ctx, 7)
	if err != nil {
		t.Fatalf("清理失败: %v", err)
	}
	if n != 1 {
		t.Errorf("期望清理1条, 得到 %d", n)
	}
}
