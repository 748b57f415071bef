package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bujia-iot/dmtp-zinx/internal/infrastructure/config"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// TimeFormat 日志时间格式
const TimeFormat = "2006-01-02 15:04:05"

// 全局日志实例
// 与 logrus 标准日志是同一个对象，pkg 下的库直接使用 logrus.StandardLogger()。
var log = logrus.StandardLogger()

var (
	hexDump bool
	rotator *lumberjack.Logger
)

// Init 初始化日志系统
func Init(cfg *config.LoggerConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %s, %w", cfg.Level, err)
	}
	log.SetLevel(level)
	log.SetFormatter(newFormatter(cfg.Format))

	w, err := newWriter(cfg)
	if err != nil {
		return err
	}
	log.SetOutput(w)
	hexDump = cfg.LogHexDump

	log.WithFields(logrus.Fields{
		"level":   cfg.Level,
		"format":  cfg.Format,
		"file":    cfg.FilePath,
		"console": cfg.EnableConsole,
		"hexDump": cfg.LogHexDump,
	}).Info("日志系统初始化完成")
	return nil
}

func newFormatter(format string) logrus.Formatter {
	if strings.ToLower(format) == "json" {
		return &logrus.JSONFormatter{TimestampFormat: TimeFormat}
	}
	return &logrus.TextFormatter{
		TimestampFormat: TimeFormat,
		FullTimestamp:   true,
	}
}

func newWriter(cfg *config.LoggerConfig) (io.Writer, error) {
	var writers []io.Writer
	if cfg.EnableConsole {
		writers = append(writers, os.Stdout)
	}

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		if rotator != nil {
			_ = rotator.Close()
		}
		rotator = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}
		writers = append(writers, rotator)
	}

	if len(writers) == 0 {
		// 没有配置任何输出时默认输出到控制台
		writers = append(writers, os.Stdout)
	}
	return io.MultiWriter(writers...), nil
}

// Close 关闭日志文件
func Close() error {
	if rotator == nil {
		return nil
	}
	err := rotator.Close()
	rotator = nil
	return err
}

// GetLogger 获取全局日志实例
func GetLogger() *logrus.Logger {
	return log
}

// Debug 输出Debug级别日志
func Debug(args ...interface{}) {
	log.Debug(args...)
}

// Debugf 格式化输出Debug级别日志
func Debugf(format string, args ...interface{}) {
	log.Debugf(format, args...)
}

// Info 输出Info级别日志
func Info(args ...interface{}) {
	log.Info(args...)
}

// Infof 格式化输出Info级别日志
func Infof(format string, args ...interface{}) {
	log.Infof(format, args...)
}

// Warn 输出Warn级别日志
func Warn(args ...interface{}) {
	log.Warn(args...)
}

// Warnf 格式化输出Warn级别日志
func Warnf(format string, args ...interface{}) {
	log.Warnf(format, args...)
}

// Error 输出Error级别日志
func Error(args ...interface{}) {
	log.Error(args...)
}

// Errorf 格式化输出Error级别日志
func Errorf(format string, args ...interface{}) {
	log.Errorf(format, args...)
}

// Fatal 输出Fatal级别日志
func Fatal(args ...interface{}) {
	log.Fatal(args...)
}

// Fatalf 格式化输出Fatal级别日志
func Fatalf(format string, args ...interface{}) {
	log.Fatalf(format, args...)
}

// WithField 添加字段到日志
func WithField(key string, value interface{}) *logrus.Entry {
	return log.WithField(key, value)
}

// WithFields 添加多个字段到日志
func WithFields(fields logrus.Fields) *logrus.Entry {
	return log.WithFields(fields)
}

// HexDumpEnabled 是否记录原始数据
func HexDumpEnabled() bool {
	return hexDump && log.IsLevelEnabled(logrus.DebugLevel)
}

// HexDump 记录二进制数据的十六进制表示（仅当logHexDump为true且日志级别为Debug时）
func HexDump(message string, data []byte, fields logrus.Fields) {
	if !HexDumpEnabled() {
		return
	}
	log.WithFields(fields).WithField("hexData", fmt.Sprintf("%X", data)).Debug(message)
}
