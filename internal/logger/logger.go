package logger

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log *zap.Logger

// DefaultLogFile 默认日志文件
const DefaultLogFile = "logs/sockkit.log"

// InitLogger 初始化日志系统。logFile 为空时只输出到标准输出
func InitLogger(debug bool, logFile string) error {
	outputs := []string{"stdout"}
	errOutputs := []string{"stderr"}

	if logFile != "" {
		// 确保日志目录存在
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
			return err
		}
		outputs = append(outputs, logFile)
		errOutputs = append(errOutputs, logFile)
	}

	// 创建基础配置
	config := zap.NewProductionConfig()

	if debug {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		config.Development = true
	}

	// 配置编码器
	config.EncoderConfig = zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	config.OutputPaths = outputs
	config.ErrorOutputPaths = errOutputs

	// 构建日志器
	l, err := config.Build(
		zap.AddCallerSkip(1),
	)
	if err != nil {
		return err
	}
	Log = l

	Log.Info("Logger initialized",
		zap.Bool("debug", debug),
		zap.String("logFile", logFile),
	)

	return nil
}

// Named 返回带名称的子日志器，未初始化时返回空日志器
func Named(name string) *zap.Logger {
	if Log == nil {
		return zap.NewNop()
	}
	return Log.WithOptions(zap.AddCallerSkip(-1)).Named(name)
}

// Debug 输出调试日志
func Debug(msg string, fields ...zap.Field) {
	if Log != nil {
		Log.Debug(msg, fields...)
	}
}

// Info 输出信息日志
func Info(msg string, fields ...zap.Field) {
	if Log != nil {
		Log.Info(msg, fields...)
	}
}

// Warn 输出警告日志
func Warn(msg string, fields ...zap.Field) {
	if Log != nil {
		Log.Warn(msg, fields...)
	}
}

// Error 输出错误日志
func Error(msg string, fields ...zap.Field) {
	if Log != nil {
		Log.Error(msg, fields...)
	}
}

// Fatal 输出致命错误日志并退出程序
func Fatal(msg string, fields ...zap.Field) {
	if Log != nil {
		Log.Fatal(msg, fields...)
	}
	os.Exit(1)
}

// Sync 确保所有日志都被写入
func Sync() error {
	if Log != nil {
		return Log.Sync()
	}
	return nil
}
