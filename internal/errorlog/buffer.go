// Package errorlog keeps the most recent warning and error log lines in
// memory so operators can read them from the control API.
package errorlog

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"
)

type SeverityLevel string

const (
	SeverityError   SeverityLevel = "error"
	SeverityWarning SeverityLevel = "warning"
)

// ErrorEntry is one captured log line.
type ErrorEntry struct {
	Message   string        `json:"message"`
	Timestamp string        `json:"timestamp"` // RFC3339
	Severity  SeverityLevel `json:"severity"`
}

// ErrorBuffer is an io.Writer placed between a slog handler and its output.
// Every byte is forwarded; complete lines logged at WARN or ERROR are also
// kept in a ring of maxErrors entries.
type ErrorBuffer struct {
	underlying io.Writer
	maxErrors  int
	now        func() time.Time

	mu      sync.RWMutex
	entries []ErrorEntry
	partial []byte
	counts  map[SeverityLevel]uint64
}

// NewBuffer creates an ErrorBuffer that forwards to w. maxErrors <= 0 means 100.
func NewBuffer(w io.Writer, maxErrors int) *ErrorBuffer {
	if maxErrors <= 0 {
		maxErrors = 100
	}
	if w == nil {
		w = io.Discard
	}
	return &ErrorBuffer{
		underlying: w,
		maxErrors:  maxErrors,
		now:        time.Now,
		entries:    make([]ErrorEntry, 0, maxErrors),
		counts:     make(map[SeverityLevel]uint64),
	}
}

// Write implements io.Writer.
func (b *ErrorBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.partial = append(b.partial, p...)
	lines := bytes.Split(b.partial, []byte{'\n'})
	b.partial = append([]byte(nil), lines[len(lines)-1]...)
	for _, line := range lines[:len(lines)-1] {
		s := strings.TrimSpace(string(line))
		if s == "" {
			continue
		}
		if sev := classifyLine(s); sev != "" {
			b.addEntry(s, sev)
		}
	}
	b.mu.Unlock()

	if _, err := b.underlying.Write(p); err != nil {
		return len(p), err
	}
	return len(p), nil
}

// classifyLine reads the level from slog text or JSON output. Lines below
// WARN, or without a level, return "".
func classifyLine(s string) SeverityLevel {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, `"level":"error"`), strings.Contains(lower, "level=error"):
		return SeverityError
	case strings.Contains(lower, `"level":"warn"`), strings.Contains(lower, "level=warn"):
		return SeverityWarning
	case strings.HasPrefix(lower, "panic:"), strings.HasPrefix(lower, "fatal"):
		return SeverityError
	}
	return ""
}

func (b *ErrorBuffer) addEntry(s string, severity SeverityLevel) {
	b.entries = append(b.entries, ErrorEntry{
		Message:   s,
		Timestamp: b.now().UTC().Format(time.RFC3339),
		Severity:  severity,
	})
	if len(b.entries) > b.maxErrors {
		b.entries = b.entries[len(b.entries)-b.maxErrors:]
	}
	b.counts[severity]++
}

// Entries returns a copy of the buffered entries, oldest first.
func (b *ErrorBuffer) Entries() []ErrorEntry {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.entries) == 0 {
		return nil
	}
	out := make([]ErrorEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Count reports how many lines of the given severity were seen since start,
// including ones already rotated out of the buffer.
func (b *ErrorBuffer) Count(severity SeverityLevel) uint64 {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.counts[severity]
}

// Clear drops the buffered entries. Counts are kept.
func (b *ErrorBuffer) Clear() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.entries = b.entries[:0]
	b.mu.Unlock()
}
