package logging

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

// prevents differences when adding new constants
const loggerKey ctxKey = iota

var (
	defaultMu     sync.RWMutex
	defaultLogger *zap.Logger
)

// Options controls how NewLogger builds a logger.
// Empty fields fall back to the ENV, LOG_LEVEL and APP_NAME variables.
type Options struct {
	Env     string
	Level   string
	AppName string
}

func (o Options) withEnvFallback() Options {
	if o.Env == "" {
		o.Env = os.Getenv("ENV")
	}
	if o.Level == "" {
		o.Level = os.Getenv("LOG_LEVEL")
	}
	if o.AppName == "" {
		o.AppName = os.Getenv("APP_NAME")
	}
	return o
}

func isDevelopment(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "local":
		return true
	}
	return false
}

// NewLogger builds a zap logger; every line carries the appname/env envelope.
func NewLogger(opts Options) (*zap.Logger, error) {
	opts = opts.withEnvFallback()

	var config zap.Config
	if isDevelopment(opts.Env) {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.DisableCaller = false
	}

	if opts.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(opts.Level)); err == nil {
			config.Level = zap.NewAtomicLevelAt(level)
		}
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	var fields []zap.Field
	if opts.AppName != "" {
		fields = append(fields, zap.String("appname", opts.AppName))
	}
	if opts.Env != "" {
		fields = append(fields, zap.String("env", opts.Env))
	}
	return logger.With(fields...), nil
}

// DefaultLogger returns the process logger, building one from the
// environment on first use.
func DefaultLogger() *zap.Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		built, err := NewLogger(Options{})
		if err != nil {
			_, _ = os.Stderr.WriteString("failed to create logger: " + err.Error() + "\n")
			built = zap.NewNop()
		}
		defaultLogger = built
	}
	return defaultLogger
}

// SetDefault installs logger as the process logger.
func SetDefault(logger *zap.Logger) {
	if logger == nil {
		return
	}
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}

// attach a logger to context
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

//retrieve logger from context

func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return DefaultLogger()
	}
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return DefaultLogger()
}

func L(ctx context.Context) *zap.Logger {
	return FromContext(ctx)
}

// WithFields adds structured fields to the logger in context.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	logger := FromContext(ctx).With(fields...)
	return WithLogger(ctx, logger)
}
