package logging

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap logger and masks credentials in every message and
// string field before they reach the encoder.
type Logger struct {
	zap      *zap.Logger
	redactor *Redactor
}

// Config holds logging configuration
type Config struct {
	Level     string
	Format    string // "json" or "console"
	Output    string // "stdout" or "stderr" or a file path
	AddCaller bool
	AddStack  bool
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Output: "stderr",
	}
}

// NewLogger creates a new structured logger
func NewLogger(config Config, redactor *Redactor) (*Logger, error) {
	if config.Format == "" {
		config.Format = "json"
	}
	if config.Output == "" {
		config.Output = "stderr"
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = parseZapLevel(config.Level)
	zapConfig.Encoding = config.Format
	zapConfig.OutputPaths = []string{config.Output}
	zapConfig.ErrorOutputPaths = []string{config.Output}
	zapConfig.DisableCaller = !config.AddCaller
	zapConfig.DisableStacktrace = !config.AddStack
	zapConfig.EncoderConfig.TimeKey = "ts"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return New(zapLogger, redactor), nil
}

// New wraps an existing zap logger.
func New(z *zap.Logger, redactor *Redactor) *Logger {
	if redactor == nil {
		redactor = NewRedactor()
	}
	return &Logger{zap: z, redactor: redactor}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return New(zap.NewNop(), nil)
}

// parseZapLevel parses zap level from string
func parseZapLevel(level string) zap.AtomicLevel {
	switch level {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}

// Redactor returns the redactor used by this logger.
func (l *Logger) Redactor() *Redactor {
	return l.redactor
}

// WithRunID adds the run id to the logger context
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{zap: l.zap.With(zap.String("run_id", runID)), redactor: l.redactor}
}

// WithFields adds fields to logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	zapFields := make([]zap.Field, 0, len(fields))
	for key, value := range fields {
		zapFields = append(zapFields, l.field(key, value))
	}
	return &Logger{zap: l.zap.With(zapFields...), redactor: l.redactor}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.zap.Debug(l.redactor.Mask(msg), l.convertToZapFields(args)...)
}

// Info logs an info message
func (l *Logger) Info(msg string, args ...interface{}) {
	l.zap.Info(l.redactor.Mask(msg), l.convertToZapFields(args)...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.zap.Warn(l.redactor.Mask(msg), l.convertToZapFields(args)...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...interface{}) {
	l.zap.Error(l.redactor.Mask(msg), l.convertToZapFields(args)...)
}

// convertToZapFields converts key/value args to zap fields
func (l *Logger) convertToZapFields(args []interface{}) []zap.Field {
	if len(args) == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			fields = append(fields, l.field(key, args[i+1]))
		}
	}
	return fields
}

func (l *Logger) field(key string, value interface{}) zap.Field {
	switch v := value.(type) {
	case string:
		return zap.String(key, l.redactor.Mask(v))
	case nil:
		return zap.Skip()
	case error:
		return zap.String(key, l.redactor.Mask(v.Error()))
	case fmt.Stringer:
		return zap.String(key, l.redactor.Mask(v.String()))
	case time.Duration:
		return zap.Float64(key+"_ms", float64(v.Nanoseconds())/1e6)
	default:
		return zap.Any(key, v)
	}
}

// LogStep logs a completed loop step
func (l *Logger) LogStep(ctx context.Context, runID string, index int, tool string, failed bool, latency time.Duration) {
	fields := map[string]interface{}{
		"run_id":     runID,
		"step":       index,
		"tool":       tool,
		"failed":     failed,
		"latency_ms": float64(latency.Nanoseconds()) / 1e6,
	}

	logger := l.WithFields(fields)
	logger.Debug("step completed")
}

// LogOracleRequest logs an oracle round trip
func (l *Logger) LogOracleRequest(ctx context.Context, provider, model string, status string, duration time.Duration, tokens int, runID string) {
	fields := map[string]interface{}{
		"provider":    provider,
		"model":       model,
		"status":      status,
		"duration_ms": float64(duration.Nanoseconds()) / 1e6,
		"tokens":      tokens,
		"run_id":      runID,
	}

	logger := l.WithFields(fields)
	logger.Debug("oracle request completed")
}

// LogRetry logs a retry operation
func (l *Logger) LogRetry(ctx context.Context, model, reason string, attempt int, delay time.Duration) {
	fields := map[string]interface{}{
		"model":    model,
		"reason":   reason,
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
	}

	logger := l.WithFields(fields)
	logger.Warn("oracle retry")
}

// LogCircuitBreaker logs a circuit breaker transition
func (l *Logger) LogCircuitBreaker(ctx context.Context, name, from, to string) {
	fields := map[string]interface{}{
		"breaker": name,
		"from":    from,
		"to":      to,
	}

	logger := l.WithFields(fields)
	logger.Warn("circuit breaker state changed")
}

// Sync syncs the logger
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// GetZap returns the zap logger
func (l *Logger) GetZap() *zap.Logger {
	return l.zap
}
