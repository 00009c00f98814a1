package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLogger(t *testing.T) (Logger, *Config) {
	t.Helper()
	config := &Config{
		AuditLogPath: filepath.Join(t.TempDir(), "audit.log"),
		MaxSize:      10,
		MaxBackups:   3,
		MaxAge:       7,
	}
	logger, err := NewLogger(config, nil)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger, config
}

func readTrail(t *testing.T, config *Config) string {
	t.Helper()
	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	return string(content)
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.AuditLogPath != "logs/audit.log" {
		t.Errorf("Expected audit log path 'logs/audit.log', got %s", config.AuditLogPath)
	}

	if config.MaxSize != 100 {
		t.Errorf("Expected max size 100, got %d", config.MaxSize)
	}

	if config.MaxBackups != 10 {
		t.Errorf("Expected max backups 10, got %d", config.MaxBackups)
	}
}

func TestLogEvent(t *testing.T) {
	logger, config := newTestLogger(t)

	ctx := context.Background()
	event := NewEvent(EventJobSubmitted).
		WithCorrelationID("test-123").
		WithResource("job-1", "job").
		WithResult(ResultSuccess)

	if err := logger.Log(ctx, event); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	logContent := readTrail(t, config)
	if !strings.Contains(logContent, "test-123") {
		t.Error("Log does not contain correlation ID")
	}

	if !strings.Contains(logContent, "job.submitted") {
		t.Error("Log does not contain event type")
	}

	if !strings.Contains(logContent, "job-1") {
		t.Error("Log does not contain job id")
	}
}

func TestCorrelationIDFromContext(t *testing.T) {
	logger, config := newTestLogger(t)

	ctx := WithCorrelationID(context.Background(), "ctx-corr-42")
	if err := logger.LogJobSubmitted(ctx, "job-9", "crackme.bin"); err != nil {
		t.Fatalf("LogJobSubmitted failed: %v", err)
	}

	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if !strings.Contains(readTrail(t, config), "ctx-corr-42") {
		t.Error("Log does not carry the context correlation ID")
	}
}

func TestLogJobLifecycle(t *testing.T) {
	logger, config := newTestLogger(t)

	ctx := context.Background()
	jobID := "job-456"

	if err := logger.LogJobSubmitted(ctx, jobID, "firmware.elf"); err != nil {
		t.Fatalf("LogJobSubmitted failed: %v", err)
	}

	if err := logger.LogJobAction(ctx, jobID, "cancel", "wrong binary", true); err != nil {
		t.Fatalf("LogJobAction failed: %v", err)
	}

	if err := logger.LogJobAction(ctx, jobID, "retry", "", false); err != nil {
		t.Fatalf("LogJobAction failed: %v", err)
	}

	if err := logger.LogJobDeleted(ctx, jobID); err != nil {
		t.Fatalf("LogJobDeleted failed: %v", err)
	}

	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	logContent := readTrail(t, config)
	for _, want := range []string{
		jobID, "firmware.elf",
		"job.cancelled", "wrong binary",
		"job.retried", "failure",
		"job.deleted",
	} {
		if !strings.Contains(logContent, want) {
			t.Errorf("Log does not contain %q", want)
		}
	}
}

func TestLogAuthDenied(t *testing.T) {
	logger, config := newTestLogger(t)

	if err := logger.LogAuthDenied(context.Background(), "203.0.113.7", "invalid api key"); err != nil {
		t.Fatalf("LogAuthDenied failed: %v", err)
	}

	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	logContent := readTrail(t, config)
	if !strings.Contains(logContent, "auth.denied") {
		t.Error("Log does not contain auth denial event")
	}

	if !strings.Contains(logContent, "203.0.113.7") {
		t.Error("Log does not contain source IP")
	}

	if !strings.Contains(logContent, "denied") {
		t.Error("Log does not contain denied result")
	}
}

func TestLogCacheInvalidated(t *testing.T) {
	logger, config := newTestLogger(t)

	if err := logger.LogCacheInvalidated(context.Background(), "translate_function:*", 12); err != nil {
		t.Fatalf("LogCacheInvalidated failed: %v", err)
	}

	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	logContent := readTrail(t, config)
	if !strings.Contains(logContent, "cache.invalidated") {
		t.Error("Log does not contain cache event")
	}

	if !strings.Contains(logContent, "translate_function:*") {
		t.Error("Log does not contain pattern")
	}
}

func TestBufferAutoFlush(t *testing.T) {
	logger, config := newTestLogger(t)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		event := NewEvent(EventProviderProbe).
			WithCorrelationID("test").
			WithResult(ResultSuccess)

		if err := logger.Log(ctx, event); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	// Wait for the 1 second auto-flush ticker.
	time.Sleep(1500 * time.Millisecond)

	if len(readTrail(t, config)) == 0 {
		t.Error("Audit log is empty after auto-flush")
	}
}

func TestBufferFullFlush(t *testing.T) {
	logger, config := newTestLogger(t)

	ctx := context.Background()
	for i := 0; i < 105; i++ {
		event := NewEvent(EventProviderProbe).
			WithCorrelationID("test").
			WithResult(ResultSuccess)

		if err := logger.Log(ctx, event); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	lines := strings.Split(readTrail(t, config), "\n")
	eventCount := 0
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			eventCount++
		}
	}

	if eventCount < 105 {
		t.Errorf("Expected at least 105 events, got %d", eventCount)
	}
}

func TestCorrelationID(t *testing.T) {
	id1 := GenerateCorrelationID()
	id2 := GenerateCorrelationID()

	if id1 == id2 {
		t.Error("Generated correlation IDs should be unique")
	}

	ctx := context.Background()

	if id := GetCorrelationID(ctx); id != "" {
		t.Errorf("Expected empty correlation ID, got %s", id)
	}

	ctx = WithCorrelationID(ctx, "test-correlation-id")
	if id := GetCorrelationID(ctx); id != "test-correlation-id" {
		t.Errorf("Expected 'test-correlation-id', got %s", id)
	}
}

func TestEventBuilderChain(t *testing.T) {
	event := NewEvent(EventJobCancelled).
		WithCorrelationID("corr-123").
		WithKeyPrefix("bsk_a1b2c").
		WithResource("job-77", "job").
		WithAction("cancel").
		WithDescription("Cancelling job").
		WithResult(ResultSuccess).
		WithDuration(3 * time.Second).
		WithMetadata("reason", "duplicate submission")

	if event.CorrelationID != "corr-123" {
		t.Errorf("Expected correlation ID 'corr-123', got %s", event.CorrelationID)
	}

	if event.KeyPrefix != "bsk_a1b2c" {
		t.Errorf("Expected key prefix 'bsk_a1b2c', got %s", event.KeyPrefix)
	}

	if event.Resource != "job-77" {
		t.Errorf("Expected resource 'job-77', got %s", event.Resource)
	}

	if event.ResourceType != "job" {
		t.Errorf("Expected resource type 'job', got %s", event.ResourceType)
	}

	if event.Action != "cancel" {
		t.Errorf("Expected action 'cancel', got %s", event.Action)
	}

	if event.Result != ResultSuccess {
		t.Errorf("Expected result 'success', got %s", event.Result)
	}

	if event.DurationMs != 3000 {
		t.Errorf("Expected duration 3000ms, got %d", event.DurationMs)
	}

	if reason, ok := event.Metadata["reason"].(string); !ok || reason != "duplicate submission" {
		t.Errorf("Expected metadata reason 'duplicate submission', got %v", event.Metadata["reason"])
	}
}

func TestEventJSONSerialization(t *testing.T) {
	event := NewEvent(EventJobSubmitted).
		WithCorrelationID("job-789").
		WithKeyPrefix("bsk_xyz12").
		WithResult(ResultSuccess)

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}

	if decoded.CorrelationID != "job-789" {
		t.Errorf("Expected correlation ID 'job-789', got %s", decoded.CorrelationID)
	}

	if decoded.KeyPrefix != "bsk_xyz12" {
		t.Errorf("Expected key prefix 'bsk_xyz12', got %s", decoded.KeyPrefix)
	}

	if decoded.EventType != EventJobSubmitted {
		t.Errorf("Expected event type 'job.submitted', got %s", decoded.EventType)
	}

	if decoded.Result != ResultSuccess {
		t.Errorf("Expected result 'success', got %s", decoded.Result)
	}
}
