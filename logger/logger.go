package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var (
	mu          sync.RWMutex
	globalLevel = INFO
	location    = time.Local

	// 按天轮转的文件日志
	fileMu      sync.Mutex
	fileLogger  *log.Logger
	logFile     *os.File
	currentDate string
	logDir      = "logs"
	filePrefix  = "app-dcabot"

	// 外部接收器，只接收 WARN 及以上级别
	sinkMu sync.RWMutex
	sink   func(level, message string)
)

// String 返回日志级别的字符串表示
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel 解析日志级别字符串，无法识别时返回 INFO
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// SetLevel 设置全局日志级别并启用文件日志
func SetLevel(level LogLevel) {
	mu.Lock()
	globalLevel = level
	mu.Unlock()

	fileMu.Lock()
	defer fileMu.Unlock()
	rotateLocked()
}

// GetLevel 获取全局日志级别
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return globalLevel
}

// SetLocation 设置日志时间使用的时区
func SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	mu.Lock()
	location = loc
	mu.Unlock()
}

// SetDir 修改日志目录（需在 SetLevel 之前调用）
func SetDir(dir string) {
	fileMu.Lock()
	defer fileMu.Unlock()
	logDir = dir
	closeLocked()
}

// SetWriter 设置外部日志接收器，传 nil 取消
func SetWriter(w func(level, message string)) {
	sinkMu.Lock()
	sink = w
	sinkMu.Unlock()
}

// Close 关闭文件日志（程序退出时调用）
func Close() {
	fileMu.Lock()
	closeLocked()
	fileMu.Unlock()
	SetWriter(nil)
}

func now() time.Time {
	mu.RLock()
	loc := location
	mu.RUnlock()
	return time.Now().In(loc)
}

// rotateLocked 日期变化时切换到新文件，调用前必须持有 fileMu
func rotateLocked() {
	today := now().Format("2006-01-02")
	if fileLogger != nil && currentDate == today {
		return
	}
	closeLocked()

	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.Printf("[WARN] 创建日志文件夹失败: %v，将只输出到控制台", err)
		return
	}
	name := filepath.Join(logDir, fmt.Sprintf("%s-%s.log", filePrefix, today))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("[WARN] 打开日志文件失败: %v，将只输出到控制台", err)
		return
	}
	logFile = f
	currentDate = today
	fileLogger = log.New(f, "", 0)
}

func closeLocked() {
	if logFile != nil {
		logFile.Close()
	}
	logFile = nil
	fileLogger = nil
	currentDate = ""
}

func output(level LogLevel, message string) {
	if level < GetLevel() {
		return
	}
	line := "[" + level.String() + "] " + message
	log.Print(line)

	fileMu.Lock()
	if fileLogger != nil {
		rotateLocked()
		if fileLogger != nil {
			fileLogger.Printf("%s %s", now().Format("2006/01/02 15:04:05"), line)
		}
	}
	fileMu.Unlock()

	if level < WARN {
		return
	}
	sinkMu.RLock()
	w := sink
	sinkMu.RUnlock()
	if w != nil {
		func() {
			defer func() { _ = recover() }()
			w(level.String(), message)
		}()
	}
}

// Debug 输出调试日志
func Debug(format string, args ...interface{}) { output(DEBUG, fmt.Sprintf(format, args...)) }

// Info 输出一般信息日志
func Info(format string, args ...interface{}) { output(INFO, fmt.Sprintf(format, args...)) }

// Warn 输出警告日志
func Warn(format string, args ...interface{}) { output(WARN, fmt.Sprintf(format, args...)) }

// Error 输出错误日志
func Error(format string, args ...interface{}) { output(ERROR, fmt.Sprintf(format, args...)) }

// Infoln 输出一般信息日志（无格式）
func Infoln(args ...interface{}) {
	output(INFO, strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}

// Fatal 输出致命错误日志并退出程序
func Fatal(format string, args ...interface{}) {
	output(FATAL, fmt.Sprintf(format, args...))
	Close()
	os.Exit(1)
}

// Fatalf 同 Fatal
func Fatalf(format string, args ...interface{}) {
	Fatal(format, args...)
}
