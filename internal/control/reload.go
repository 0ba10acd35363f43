package control

import (
	"net/http"

	"github.com/tternquist/hotboard/internal/config"
)

// loadConfigForReload loads config from the given path. If loading fails, it writes
// a consistent JSON error response to w and returns (config.Config{}, false). On success,
// returns (cfg, true).
func loadConfigForReload(w http.ResponseWriter, configPath string) (config.Config, bool) {
	cfg, err := config.Load(configPath)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return config.Config{}, false
	}
	return cfg, true
}

// persistAsyncEnabled writes invalidation.async_enabled to the override file
// so the switch survives restarts. An empty path disables persistence.
func persistAsyncEnabled(configPath string, enabled bool) error {
	if configPath == "" {
		return nil
	}
	m, err := config.ReadOverrideMap(configPath)
	if err != nil {
		return err
	}
	config.SetOverrideValue(m, enabled, "invalidation", "async_enabled")
	return config.WriteOverrideMap(configPath, m)
}

// persistTraceEvents writes logging.trace_events to the override file.
func persistTraceEvents(configPath string, events []string) error {
	if configPath == "" {
		return nil
	}
	m, err := config.ReadOverrideMap(configPath)
	if err != nil {
		return err
	}
	list := make([]any, len(events))
	for i, ev := range events {
		list[i] = ev
	}
	config.SetOverrideValue(m, list, "logging", "trace_events")
	return config.WriteOverrideMap(configPath, m)
}
