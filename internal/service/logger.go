package service

import (
	"log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 是全局日志接口
// 在其他模块中使用：service.Logger.Info("Order filled", zap.String("order_id", id))
var Logger *zap.Logger

// InitLogger 初始化高性能的 Zap 日志
// logFilePath 为空时只输出到 stdout；否则同时写入滚动日志文件
func InitLogger(logFilePath string) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.TimeKey = "time"

	consoleCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(os.Stdout),
		zap.InfoLevel,
	)

	cores := []zapcore.Core{consoleCore}

	if logFilePath != "" {
		// 实盘会话可能连续运行数周，用 lumberjack 做日志滚动
		fileWriter := &lumberjack.Logger{
			Filename:   logFilePath,
			MaxSize:    100, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.AddSync(fileWriter),
			zap.DebugLevel,
		)
		cores = append(cores, fileCore)
	}

	Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	if Logger == nil {
		log.Fatal("Failed to initialize logger")
	}
}
