package observability

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/flowdesk/internal/config"
	"github.com/pitabwire/flowdesk/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: store or lock failures, critical action failures, 5xx responses
//   - warn:  4xx responses, open webhook breakers, lost timers, busy runs
//   - info:  run lifecycle, approval decisions, definition publication
//   - debug: condition evaluation, intent payloads, scheduler sweeps
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context's logger tagged with the caller's
// tenant, subject, correlation id and trace id. Engine code reached outside
// a request gets fallback unchanged.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// RunLogger returns RequestLogger tagged with run. Outside a request, such
// as a timer sweep, the run's tenant is added instead.
func RunLogger(ctx context.Context, fallback *zap.Logger, run model.Run) *zap.Logger {
	logger := RequestLogger(ctx, fallback)
	if model.RequestContextFrom(ctx) == nil {
		logger = logger.With(zap.String("tenant_id", run.TenantID))
	}
	return logger.With(RunFields(run)...)
}

// RunFields describes a run in log entries.
func RunFields(run model.Run) []zap.Field {
	fields := []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("definition_id", run.DefinitionID),
		zap.Int("definition_version", run.DefinitionVersion),
		zap.String("status", string(run.Status)),
	}
	if run.FailureReason != "" {
		fields = append(fields, zap.String("reason", run.FailureReason))
	}
	return fields
}

const redacted = "[REDACTED]"

// sensitiveKeys are matched case-insensitively against run context keys.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"credit_card":   true,
	"ssn":           true,
	"pin":           true,
	"webhook_url":   true,
}

// sensitiveSuffixes catch keys such as access_token or client_secret.
var sensitiveSuffixes = []string{"_token", "_secret", "_password"}

// RedactContext returns a deep copy of a run context with sensitive values
// replaced, for debug logging of trigger payloads. extra names further keys
// to hide.
func RedactContext(data map[string]any, extra ...string) map[string]any {
	if data == nil {
		return nil
	}
	hide := func(key string) bool {
		k := strings.ToLower(key)
		if sensitiveKeys[k] || slices.ContainsFunc(extra, func(e string) bool { return strings.EqualFold(e, key) }) {
			return true
		}
		return slices.ContainsFunc(sensitiveSuffixes, func(suffix string) bool { return strings.HasSuffix(k, suffix) })
	}

	var walk func(v any) any
	walk = func(v any) any {
		switch val := v.(type) {
		case map[string]any:
			out := make(map[string]any, len(val))
			for k, item := range val {
				if hide(k) {
					out[k] = redacted
					continue
				}
				out[k] = walk(item)
			}
			return out
		case []any:
			out := make([]any, len(val))
			for i, item := range val {
				out[i] = walk(item)
			}
			return out
		default:
			return v
		}
	}
	return walk(data).(map[string]any)
}
