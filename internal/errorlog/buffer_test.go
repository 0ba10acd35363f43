package errorlog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestErrorBuffer_Write(t *testing.T) {
	var out bytes.Buffer
	b := NewBuffer(&out, 5)

	// Info line: forwarded but not buffered
	_, _ = b.Write([]byte("time=2025-02-15T12:00:00Z level=INFO msg=\"hotboard started\"\n"))
	if got := b.Entries(); len(got) != 0 {
		t.Errorf("expected 0 entries, got %d: %v", len(got), got)
	}
	if !strings.Contains(out.String(), "hotboard started") {
		t.Errorf("expected output to contain the line, got %q", out.String())
	}

	_, _ = b.Write([]byte("time=2025-02-15T12:00:01Z level=ERROR msg=\"control server error\" err=\"connection refused\"\n"))
	entries := b.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Severity != SeverityError || !strings.Contains(entries[0].Message, "control server error") {
		t.Errorf("unexpected entry %+v", entries[0])
	}

	// Exceeds max: keeps newest
	for i := 0; i < 6; i++ {
		_, _ = b.Write([]byte("level=WARN msg=\"ranking update failed\"\n"))
	}
	entries = b.Entries()
	if len(entries) != 5 {
		t.Errorf("expected 5 entries (max), got %d", len(entries))
	}
	if entries[0].Severity != SeverityWarning {
		t.Errorf("oldest entry should have rotated out, got %+v", entries[0])
	}
	if got := b.Count(SeverityError); got != 1 {
		t.Errorf("error count = %d, want 1", got)
	}
	if got := b.Count(SeverityWarning); got != 6 {
		t.Errorf("warning count = %d, want 6", got)
	}
}

func TestErrorBuffer_PartialLines(t *testing.T) {
	b := NewBuffer(nil, 10)
	_, _ = b.Write([]byte("level=ERROR msg=\"lock rel"))
	if len(b.Entries()) != 0 {
		t.Fatal("partial line should not be buffered")
	}
	_, _ = b.Write([]byte("ease failed\"\nlevel=INFO msg=ok\n"))
	entries := b.Entries()
	if len(entries) != 1 || !strings.Contains(entries[0].Message, "lock release failed") {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestErrorBuffer_WithSlogJSON(t *testing.T) {
	b := NewBuffer(nil, 10)
	logger := slog.New(slog.NewJSONHandler(b, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger.Debug("trace")
	logger.Warn("reconcile prune failed", "key", "hotboard:zset:day:2024-03-05")
	logger.Error("redis unavailable")

	entries := b.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].Severity != SeverityWarning || entries[1].Severity != SeverityError {
		t.Errorf("severities = %s, %s", entries[0].Severity, entries[1].Severity)
	}
}

func TestErrorBuffer_Clear(t *testing.T) {
	b := NewBuffer(nil, 10)
	_, _ = b.Write([]byte("level=ERROR msg=x\n"))
	b.Clear()
	if got := b.Entries(); got != nil {
		t.Errorf("Entries after Clear = %v", got)
	}
	if got := b.Count(SeverityError); got != 1 {
		t.Errorf("Count after Clear = %d, want 1", got)
	}
}

func TestErrorBuffer_ClassifyLine(t *testing.T) {
	tests := []struct {
		line     string
		severity SeverityLevel
	}{
		{`level=ERROR msg="control server error"`, SeverityError},
		{`{"time":"t","level":"ERROR","msg":"x"}`, SeverityError},
		{`level=WARN msg="webhook delivery failed"`, SeverityWarning},
		{`{"level":"WARN","msg":"x"}`, SeverityWarning},
		{`panic: runtime error`, SeverityError},
		{`level=INFO msg="database ready"`, ""},
		{`level=DEBUG msg="interaction transition"`, ""},
		{`listening on 0.0.0.0:8081`, ""},
	}
	for _, tt := range tests {
		if got := classifyLine(tt.line); got != tt.severity {
			t.Errorf("classifyLine(%q) = %q, want %q", tt.line, got, tt.severity)
		}
	}
}

func TestErrorBuffer_NilSafe(t *testing.T) {
	var b *ErrorBuffer
	if b.Entries() != nil || b.Count(SeverityError) != 0 {
		t.Error("nil buffer should be empty")
	}
	b.Clear()
}
