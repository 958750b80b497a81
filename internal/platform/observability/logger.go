package observability

import (
	"context"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tas-logistics/api/internal/platform/requestctx"
)

const (
	defaultLogLevel    = "info"
	defaultServiceName = "tas-api"
)

// LoggerOption customises NewLogger.
type LoggerOption func(*loggerOptions)

type loggerOptions struct {
	level   string
	service string
	version string
}

// WithLogLevel overrides the level otherwise read from API_LOG_LEVEL or LOG_LEVEL.
func WithLogLevel(level string) LoggerOption {
	return func(o *loggerOptions) {
		o.level = level
	}
}

// WithServiceContext stamps every entry with the Error Reporting service context.
func WithServiceContext(service, version string) LoggerOption {
	return func(o *loggerOptions) {
		if strings.TrimSpace(service) != "" {
			o.service = service
		}
		o.version = version
	}
}

// NewLogger constructs a zap logger emitting JSON with Cloud Logging field names.
func NewLogger(opts ...LoggerOption) (*zap.Logger, error) {
	options := loggerOptions{
		level:   firstEnv("API_LOG_LEVEL", "LOG_LEVEL"),
		service: defaultServiceName,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(options.level)))); err != nil || strings.TrimSpace(options.level) == "" {
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}

	encoderCfg := zapcore.EncoderConfig{
		MessageKey: "message",
		TimeKey:    "timestamp",
		LevelKey:   "severity",
		EncodeTime: zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(cloudSeverity(level))
		},
		CallerKey:     "caller",
		EncodeCaller:  zapcore.ShortCallerEncoder,
		StacktraceKey: "stacktrace",
	}

	cfg := zap.Config{
		Level:             level,
		Encoding:          "json",
		EncoderConfig:     encoderCfg,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
		InitialFields: map[string]any{
			"serviceContext": map[string]string{
				"service": options.service,
				"version": options.version,
			},
		},
	}

	return cfg.Build()
}

// cloudSeverity maps zap levels onto Cloud Logging severities.
func cloudSeverity(level zapcore.Level) string {
	switch level {
	case zapcore.DebugLevel:
		return "DEBUG"
	case zapcore.InfoLevel:
		return "INFO"
	case zapcore.WarnLevel:
		return "WARNING"
	case zapcore.ErrorLevel:
		return "ERROR"
	case zapcore.DPanicLevel, zapcore.PanicLevel:
		return "CRITICAL"
	case zapcore.FatalLevel:
		return "EMERGENCY"
	default:
		return "DEFAULT"
	}
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return ""
}

// EventLogger adapts zap to the event-style logger services accept. Entries go to the
// request logger when one is on the context, otherwise to base.
func EventLogger(base *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := base
		if ctx != nil {
			if scoped := requestctx.Logger(ctx); scoped != nil && scoped != requestctx.NoopLogger() {
				logger = scoped.Named(base.Name())
			}
		}
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		zFields := make([]zap.Field, 0, len(keys))
		for _, key := range keys {
			zFields = append(zFields, zap.Any(key, fields[key]))
		}
		if _, failed := fields["error"]; failed {
			logger.Warn(event, zFields...)
			return
		}
		logger.Info(event, zFields...)
	}
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// FromContext retrieves the logger from context, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// PrintfAdapter adapts zap to printf-style logging interfaces.
type PrintfAdapter struct {
	logger *zap.SugaredLogger
}

// NewPrintfAdapter creates a PrintfAdapter backed by the supplied logger.
func NewPrintfAdapter(logger *zap.Logger) PrintfAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return PrintfAdapter{logger: logger.Sugar()}
}

// Printf implements the Printf-style logging expected by legacy interfaces.
func (a PrintfAdapter) Printf(format string, args ...any) {
	a.logger.Infof(format, args...)
}

// WithRequestFields augments the logger with standard request-scoped fields.
func WithRequestFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.With(fields...)
}
