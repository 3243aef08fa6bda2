package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// LogLevel 日志级别
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelFatal
)

// String 返回日志级别的字符串表示
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// core 同一输出目标的共享状态，由根日志记录器及其所有子记录器共用
type core struct {
	mu      sync.RWMutex
	level   LogLevel
	logger  *log.Logger
	file    *os.File
	enabled bool
}

// Logger 日志记录器
//
// 通过 Named 派生的子记录器共享级别与输出，只在消息前附加各自的前缀，
// 例如每个路由器接口以 "[域名] " 为前缀输出日志。
type Logger struct {
	core   *core
	prefix string
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// GetLogger 获取默认日志记录器
func GetLogger() *Logger {
	once.Do(func() {
		defaultLogger = NewLogger(LogLevelInfo, "")
	})
	return defaultLogger
}

// SetDefault 替换默认日志记录器
func SetDefault(l *Logger) {
	GetLogger()
	defaultLogger = l
}

// NewLogger 创建新的日志记录器
// filename 非空时同时写入标准输出和该文件
func NewLogger(level LogLevel, filename string) *Logger {
	c := &core{
		level:   level,
		enabled: true,
	}

	var writer io.Writer = os.Stdout

	if filename != "" {
		file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			fmt.Printf("无法打开日志文件 %s: %v\n", filename, err)
		} else {
			c.file = file
			writer = io.MultiWriter(os.Stdout, file)
		}
	}

	c.logger = log.New(writer, "", 0)
	return &Logger{core: c}
}

// NewWriterLogger 创建写入指定 writer 的日志记录器，测试中用于捕获输出
func NewWriterLogger(level LogLevel, w io.Writer) *Logger {
	return &Logger{core: &core{
		level:   level,
		enabled: true,
		logger:  log.New(w, "", 0),
	}}
}

// Named 派生带前缀的子记录器
func (l *Logger) Named(name string) *Logger {
	return &Logger{core: l.core, prefix: l.prefix + "[" + name + "] "}
}

// SetLevel 设置日志级别
func (l *Logger) SetLevel(level LogLevel) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.level = level
}

// SetEnabled 设置是否启用日志
func (l *Logger) SetEnabled(enabled bool) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.enabled = enabled
}

// Enabled 判断指定级别的日志是否会输出
// 热路径上先调用它，避免无谓的参数格式化
func (l *Logger) Enabled(level LogLevel) bool {
	l.core.mu.RLock()
	defer l.core.mu.RUnlock()
	return l.core.enabled && level >= l.core.level
}

// Close 关闭日志记录器
func (l *Logger) Close() error {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()

	if l.core.file != nil {
		err := l.core.file.Close()
		l.core.file = nil
		return err
	}
	return nil
}

// log 记录日志
func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	l.core.mu.RLock()
	defer l.core.mu.RUnlock()

	if !l.core.enabled || level < l.core.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("[%s] [%s] %s%s", timestamp, level.String(), l.prefix, message)

	l.core.logger.Println(logLine)
}

// Debug 记录调试日志
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LogLevelDebug, format, args...)
}

// Info 记录信息日志
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LogLevelInfo, format, args...)
}

// Warn 记录警告日志
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LogLevelWarn, format, args...)
}

// Error 记录错误日志
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LogLevelError, format, args...)
}

// Fatal 记录致命错误日志并退出程序
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.log(LogLevelFatal, format, args...)
	os.Exit(1)
}

// 全局日志函数
func Debug(format string, args ...interface{}) {
	GetLogger().Debug(format, args...)
}

func Info(format string, args ...interface{}) {
	GetLogger().Info(format, args...)
}

func Warn(format string, args ...interface{}) {
	GetLogger().Warn(format, args...)
}

func Error(format string, args ...interface{}) {
	GetLogger().Error(format, args...)
}

func Fatal(format string, args ...interface{}) {
	GetLogger().Fatal(format, args...)
}

// ParseLogLevel 解析日志级别字符串，无法识别时返回 info
func ParseLogLevel(level string) LogLevel {
	switch level {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn":
		return LogLevelWarn
	case "error":
		return LogLevelError
	case "fatal":
		return LogLevelFatal
	default:
		return LogLevelInfo
	}
}
