package logger

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		" INFO ":  INFO,
		"warning": WARN,
		"error":   ERROR,
		"fatal":   FATAL,
		"unknown": INFO,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, 期望 %v", in, got, want)
		}
	}
}

func TestWriterReceivesWarnAndAbove(t *testing.T) {
	dir := t.TempDir()
	SetDir(dir)
	SetLevel(DEBUG)
	defer func() {
		Close()
		SetLevel(INFO)
		SetDir("logs")
	}()

	var mu sync.Mutex
	var got []string
	SetWriter(func(level, message string) {
		mu.Lock()
		got = append(got, level+":"+message)
		mu.Unlock()
	})

	Debug("调试 %d", 1)
	Info("信息 %d", 2)
	Warn("警告 %d", 3)
	Error("错误 %d", 4)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("外部接收器应只收到 2 条日志, 实际 %d: %v", len(got), got)
	}
	if got[0] != "WARN:警告 3" || got[1] != "ERROR:错误 4" {
		t.Errorf("接收内容不符: %v", got)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "app-dcabot-*.log"))
	if len(files) != 1 {
		t.Fatalf("应生成 1 个日志文件, 实际 %d", len(files))
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("读取日志文件失败: %v", err)
	}
	if !strings.Contains(string(data), "[DEBUG] 调试 1") {
		t.Errorf("日志文件缺少 DEBUG 行: %s", data)
	}
}

func TestLevelFilter(t *testing.T) {
	SetDir(t.TempDir())
	SetLevel(ERROR)
	defer func() {
		Close()
		SetLevel(INFO)
		SetDir("logs")
	}()

	called := false
	SetWriter(func(level, message string) { called = true })
	defer SetWriter(nil)

	Warn("被过滤")
	if called {
		t.Error("低于全局级别的日志不应输出")
	}
}
