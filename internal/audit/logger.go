// Package audit writes an append-only trail of operator-visible actions:
// job submissions and cancellations, auth denials, cache invalidations, and
// server lifecycle. Events are buffered and flushed to a rotated JSON log.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Job lifecycle events
	LogJobSubmitted(ctx context.Context, jobID, filename string) error
	LogJobAction(ctx context.Context, jobID, action, reason string, success bool) error
	LogJobDeleted(ctx context.Context, jobID string) error

	// Security events
	LogAuthDenied(ctx context.Context, sourceIP, reason string) error

	// Operational events
	LogCacheInvalidated(ctx context.Context, pattern string, removed int) error

	// System events
	LogServerStarted(ctx context.Context, port int) error
	LogServerShutdown(ctx context.Context, uptime time.Duration) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		MaxSize:      100,
		MaxBackups:   10,
		MaxAge:       30,
		Compress:     true,
	}
}

const (
	bufferCap     = 100
	flushInterval = time.Second
)

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	trailLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
}

// NewLogger creates a new audit logger. appLogger receives marshalling
// failures; the trail itself goes to the rotated audit file.
func NewLogger(config *Config, appLogger *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if appLogger == nil {
		appLogger = zap.NewNop()
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	rotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	// The trail is append-only and always written at INFO.
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		appLogger:   appLogger,
		trailLogger: zap.New(core),
		config:      config,
		buffer:      make([]*Event, 0, bufferCap),
		flushTicker: time.NewTicker(flushInterval),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= bufferCap {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.trailLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]
	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogJobSubmitted records a new translation job.
func (l *auditLogger) LogJobSubmitted(ctx context.Context, jobID, filename string) error {
	event := NewEvent(EventJobSubmitted).
		WithResource(jobID, "job").
		WithResult(ResultSuccess).
		WithMetadata("filename", filename).
		WithDescription(fmt.Sprintf("Job %s submitted for %s", jobID, filename))

	return l.Log(ctx, event)
}

// LogJobAction records a cancel, retry, or priority change on a job.
func (l *auditLogger) LogJobAction(ctx context.Context, jobID, action, reason string, success bool) error {
	eventType := EventJobCancelled
	switch action {
	case "retry":
		eventType = EventJobRetried
	case "reset":
		eventType = EventJobRepriced
	}

	result := ResultSuccess
	if !success {
		result = ResultFailure
	}

	event := NewEvent(eventType).
		WithResource(jobID, "job").
		WithAction(action).
		WithResult(result).
		WithDescription(fmt.Sprintf("Action %s on job %s", action, jobID))
	if reason != "" {
		event.WithMetadata("reason", reason)
	}

	return l.Log(ctx, event)
}

// LogJobDeleted records removal of a terminal job and its result.
func (l *auditLogger) LogJobDeleted(ctx context.Context, jobID string) error {
	event := NewEvent(EventJobDeleted).
		WithResource(jobID, "job").
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Job %s deleted", jobID))

	return l.Log(ctx, event)
}

// LogAuthDenied records a rejected request. Only the source IP and reason are
// kept; credentials never reach the trail.
func (l *auditLogger) LogAuthDenied(ctx context.Context, sourceIP, reason string) error {
	event := NewEvent(EventAuthDenied).
		WithSource(sourceIP, "").
		WithResult(ResultDenied).
		WithMetadata("reason", reason).
		WithDescription("Authentication denied")

	return l.Log(ctx, event)
}

// LogCacheInvalidated records an operator cache purge.
func (l *auditLogger) LogCacheInvalidated(ctx context.Context, pattern string, removed int) error {
	event := NewEvent(EventCacheInvalidated).
		WithResult(ResultSuccess).
		WithMetadata("pattern", pattern).
		WithMetadata("removed", removed).
		WithDescription(fmt.Sprintf("Cache invalidated: %s (%d entries)", pattern, removed))

	return l.Log(ctx, event)
}

// LogServerStarted records service startup.
func (l *auditLogger) LogServerStarted(ctx context.Context, port int) error {
	event := NewEvent(EventServerStarted).
		WithResult(ResultSuccess).
		WithMetadata("port", port).
		WithDescription(fmt.Sprintf("Server started on port %d", port))

	return l.Log(ctx, event)
}

// LogServerShutdown records service shutdown.
func (l *auditLogger) LogServerShutdown(ctx context.Context, uptime time.Duration) error {
	event := NewEvent(EventServerShutdown).
		WithResult(ResultSuccess).
		WithDuration(uptime).
		WithDescription("Server shutdown")

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.trailLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	close(l.stopCh)
	l.flushTicker.Stop()
	return l.Sync()
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
