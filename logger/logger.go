package logger

import (
	"go.uber.org/zap"
)

var Log *zap.SugaredLogger = zap.NewNop().Sugar()

func Init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic("failed to initialize zap logger: " + err.Error())
	}
	Log = logger.Sugar()
}

// InitDevelopment 用于命令行客户端，输出更易读
func InitDevelopment() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic("failed to initialize zap logger: " + err.Error())
	}
	Log = logger.Sugar()
}

// SetForTest discards all output.
func SetForTest() {
	Log = zap.NewNop().Sugar()
}

// Sync flushes buffered entries.
func Sync() {
	_ = Log.Sync()
}
