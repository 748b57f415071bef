package logger

import (
	"context"

	"github.com/aceld/zinx/zlog"
	"github.com/sirupsen/logrus"
)

// ZinxLoggerAdapter 把Zinx框架日志转到logrus
type ZinxLoggerAdapter struct {
	entry *logrus.Entry
}

// NewZinxLoggerAdapter 创建Zinx日志适配器
func NewZinxLoggerAdapter(l *logrus.Logger) *ZinxLoggerAdapter {
	return &ZinxLoggerAdapter{entry: l.WithField("source", "zinx")}
}

// InfoF 实现zinx的InfoF日志方法
func (z *ZinxLoggerAdapter) InfoF(format string, v ...interface{}) {
	z.entry.Infof(format, v...)
}

// DebugF 实现zinx的DebugF日志方法
func (z *ZinxLoggerAdapter) DebugF(format string, v ...interface{}) {
	z.entry.Debugf(format, v...)
}

// ErrorF 实现zinx的ErrorF日志方法
func (z *ZinxLoggerAdapter) ErrorF(format string, v ...interface{}) {
	z.entry.Errorf(format, v...)
}

// InfoFX 实现zinx的InfoFX日志方法
func (z *ZinxLoggerAdapter) InfoFX(ctx context.Context, format string, v ...interface{}) {
	z.entry.WithContext(ctx).Infof(format, v...)
}

// DebugFX 实现zinx的DebugFX日志方法
func (z *ZinxLoggerAdapter) DebugFX(ctx context.Context, format string, v ...interface{}) {
	z.entry.WithContext(ctx).Debugf(format, v...)
}

// ErrorFX 实现zinx的ErrorFX日志方法
func (z *ZinxLoggerAdapter) ErrorFX(ctx context.Context, format string, v ...interface{}) {
	z.entry.WithContext(ctx).Errorf(format, v...)
}

// SetupZinxLogger 设置Zinx框架使用全局logrus日志
func SetupZinxLogger() {
	zlog.SetLogger(NewZinxLoggerAdapter(log))
}
