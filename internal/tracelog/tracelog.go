package tracelog

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Event names for trace logging. Enable via config or the control API.
const (
	EventTransition = "interaction_transition" // every orchestrator state change
	EventOutcome    = "interaction_outcome"    // terminal state of each interaction
)

// AllEvents lists all available trace event names for validation.
var AllEvents = []string{
	EventTransition,
	EventOutcome,
}

// Events holds the set of enabled trace event names, updatable at runtime.
// Reads are lock-free so Enabled is cheap on the interaction path.
type Events struct {
	mu sync.Mutex
	m  atomic.Value // map[string]bool, never nil
}

// New creates an Events with the given initial event names enabled.
func New(initial []string) *Events {
	e := &Events{}
	e.store(initial)
	return e
}

func (e *Events) store(events []string) {
	m := make(map[string]bool)
	for _, name := range events {
		if IsValidEvent(name) {
			m[name] = true
		}
	}
	e.m.Store(m)
}

func IsValidEvent(name string) bool {
	for _, valid := range AllEvents {
		if name == valid {
			return true
		}
	}
	return false
}

// Enabled returns true if the given event is enabled for tracing.
func (e *Events) Enabled(event string) bool {
	if e == nil {
		return false
	}
	v := e.m.Load()
	if v == nil {
		return false
	}
	return v.(map[string]bool)[event]
}

// Set replaces the set of enabled events. Invalid names are ignored.
func (e *Events) Set(events []string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store(events)
}

// Get returns the currently enabled event names, sorted.
func (e *Events) Get() []string {
	if e == nil {
		return nil
	}
	v := e.m.Load()
	if v == nil {
		return nil
	}
	m := v.(map[string]bool)
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Trace logs at debug level if the event is enabled. The logger passed here
// should accept debug records regardless of the main log level.
func Trace(events *Events, logger *slog.Logger, event, msg string, args ...any) {
	if events == nil || logger == nil || !events.Enabled(event) {
		return
	}
	logger.Log(context.Background(), slog.LevelDebug, msg, append([]any{"event", event}, args...)...)
}
