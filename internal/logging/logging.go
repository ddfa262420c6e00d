package logging

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"wa_sync/internal/config"
)

var sentryEnabled atomic.Bool

// Init builds the process logger, installs it as the zap global and
// configures Sentry when a DSN is present. The returned func flushes both.
func Init(cfg *config.Config) (*zap.Logger, func(), error) {
	var zapConfig zap.Config
	if cfg.IsProduction() {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zapcore.InfoLevel
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.OutputPaths = []string{"stdout"}

	var logger *zap.Logger
	if cfg.LogFile != "" {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
		}
		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller())
	} else {
		logger, err = zapConfig.Build(zap.AddCaller())
		if err != nil {
			return nil, nil, fmt.Errorf("build logger: %w", err)
		}
	}
	zap.ReplaceGlobals(logger)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Env,
		}); err != nil {
			logger.Warn("sentry init failed", zap.Error(err))
		} else {
			sentryEnabled.Store(true)
		}
	}

	flush := func() {
		_ = logger.Sync()
		if sentryEnabled.Load() {
			sentry.Flush(2 * time.Second)
		}
	}
	return logger, flush, nil
}

// CaptureError logs err at error level and forwards it to Sentry when enabled.
func CaptureError(msg string, err error, fields ...zap.Field) {
	zap.L().Error(msg, append(fields, zap.Error(err))...)
	if !sentryEnabled.Load() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", msg)
		sentry.CaptureException(err)
	})
}

// WALogger adapts a zap logger to the whatsmeow logging interface.
func WALogger(module string) waLog.Logger {
	return &waLogger{log: zap.L().Named(module).Sugar()}
}

type waLogger struct {
	log *zap.SugaredLogger
}

func (l *waLogger) Warnf(msg string, args ...interface{})  { l.log.Warnf(msg, args...) }
func (l *waLogger) Errorf(msg string, args ...interface{}) { l.log.Errorf(msg, args...) }
func (l *waLogger) Infof(msg string, args ...interface{})  { l.log.Infof(msg, args...) }
func (l *waLogger) Debugf(msg string, args ...interface{}) { l.log.Debugf(msg, args...) }

func (l *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{log: l.log.Named(module)}
}
