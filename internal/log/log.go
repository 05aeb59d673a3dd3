package log

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

var (
	logger     *zap.SugaredLogger
	loggerOnce sync.Once
	atomicLvl  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// initLogger builds the process-wide logger writing console-encoded lines
// to stderr:
//
//	2025-01-01T00:00:00.000000+07:00  INFO  msg  {"key": "value"}
func initLogger() {
	loggerOnce.Do(func() {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stderr),
			atomicLvl,
		)
		logger = zap.New(core).Sugar()
	})
}

func SetLevel(l Level) {
	initLogger()
	atomicLvl.SetLevel(toZap(l))
}

// ParseLevel maps a config string onto a Level. Unknown values fall back
// to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(LevelDebug):
		return LevelDebug
	case string(LevelError):
		return LevelError
	default:
		return LevelInfo
	}
}

func Debug(msg string, kv ...any) {
	initLogger()
	logger.Debugw(msg, kv...)
}

func Info(msg string, kv ...any) {
	initLogger()
	logger.Infow(msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	initLogger()
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	logger.Errorw(msg, extended...)
}

// Sync flushes buffered entries; call before exit.
func Sync() {
	initLogger()
	_ = logger.Sync()
}

func enabled(level Level) bool {
	return atomicLvl.Enabled(toZap(level))
}

func toZap(l Level) zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
