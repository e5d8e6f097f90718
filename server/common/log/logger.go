package log

import (
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	envLogFilePath = "LOG_FILE_PATH"
	envLogLevel    = "LOG_LEVEL"
	envLogFormat   = "LOG_FORMAT"
	logFormatText  = "text"
	logFormatJSON  = "json"
)

var global atomic.Pointer[zap.SugaredLogger]

func init() {
	global.Store(newLoggerFromEnv().Sugar())
}

func newLoggerFromEnv() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	if strings.ToLower(strings.TrimSpace(os.Getenv(envLogFormat))) == logFormatJSON {
		cfg.Encoding = logFormatJSON
	} else {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if path := strings.TrimSpace(os.Getenv(envLogFilePath)); path != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, path)
	}
	if raw := strings.TrimSpace(os.Getenv(envLogLevel)); raw != "" {
		_ = cfg.Level.UnmarshalText([]byte(raw))
	}

	logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1))
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// Use replaces the process logger. Tests install zap's observer or a nop logger here.
func Use(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	global.Store(logger.WithOptions(zap.AddCallerSkip(1)).Sugar())
}

func Sync() {
	_ = global.Load().Sync()
}

func Debugf(format string, args ...any) {
	global.Load().Debugf(format, args...)
}

func Infof(format string, args ...any) {
	global.Load().Infof(format, args...)
}

func Warnf(format string, args ...any) {
	global.Load().Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	global.Load().Errorf(format, args...)
}

// Exceptionf logs recovered panics and other unexpected failures with a stack.
func Exceptionf(format string, args ...any) {
	global.Load().Desugar().WithOptions(zap.AddStacktrace(zapcore.ErrorLevel)).Sugar().Errorf(format, args...)
}
