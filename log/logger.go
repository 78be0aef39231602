package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerInstance *zap.Logger
	mu             sync.Mutex
)

// New builds a structured JSON logger for production at the given level ("debug", "info", ...).
// Unknown levels fall back to info.
func New(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	config.EncoderConfig.LevelKey = "level"
	config.EncoderConfig.MessageKey = "message"
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.StacktraceKey = "stacktrace"

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	return config.Build()
}

// Init replaces the shared logger with one at the given level
func Init(level string) *zap.Logger {
	logger, err := New(level)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	mu.Lock()
	defer mu.Unlock()
	loggerInstance = logger
	return logger
}

func GetInstance() *zap.Logger {
	mu.Lock()
	logger := loggerInstance
	mu.Unlock()

	if logger == nil {
		return Init("info")
	}
	return logger
}
