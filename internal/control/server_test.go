package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/tternquist/hotboard/internal/bucket"
	"github.com/tternquist/hotboard/internal/cache"
	"github.com/tternquist/hotboard/internal/config"
	"github.com/tternquist/hotboard/internal/errorlog"
	"github.com/tternquist/hotboard/internal/logging"
	"github.com/tternquist/hotboard/internal/metrics"
	"github.com/tternquist/hotboard/internal/ranking"
	"github.com/tternquist/hotboard/internal/tracelog"
	"golang.org/x/crypto/bcrypt"
)

type fakeRankings struct {
	mu      sync.Mutex
	entries map[bucket.Period][]ranking.Entry
	resets  []bucket.Period
	err     error
}

func (f *fakeRankings) TopN(ctx context.Context, p bucket.Period, n int) ([]ranking.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	e := f.entries[p]
	if len(e) > n {
		e = e[:n]
	}
	return e, nil
}

func (f *fakeRankings) Page(ctx context.Context, p bucket.Period, page, size int) ([]ranking.Entry, int64, error) {
	all := f.entries[p]
	start := (page - 1) * size
	if start >= len(all) {
		return []ranking.Entry{}, int64(len(all)), nil
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], int64(len(all)), nil
}

func (f *fakeRankings) ScoreIn(ctx context.Context, p bucket.Period, id int64) (float64, bool, error) {
	for _, e := range f.entries[p] {
		if e.ID == id {
			return e.Score, true, nil
		}
	}
	return 0, false, nil
}

func (f *fakeRankings) Size(ctx context.Context, p bucket.Period) (int64, error) {
	return int64(len(f.entries[p])), nil
}

func (f *fakeRankings) ResetPeriod(ctx context.Context, p bucket.Period) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, p)
	return 3, nil
}

type fakeReconciler struct{ swept []bucket.Period }

func (f *fakeReconciler) Sweep(ctx context.Context, p bucket.Period) (int, error) {
	f.swept = append(f.swept, p)
	return 2, nil
}

func (f *fakeReconciler) QueueUsed() int { return 4 }

type fakeLocks struct{ released []string }

func (f *fakeLocks) ForceRelease(ctx context.Context, key string) (bool, error) {
	f.released = append(f.released, key)
	return true, nil
}

type fakeSwitch struct {
	mu      sync.Mutex
	enabled bool
}

func (f *fakeSwitch) SetAsyncEnabled(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = v
}

func (f *fakeSwitch) AsyncEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

type fakeCacheStats struct{}

func (fakeCacheStats) GetCacheStats() cache.CacheStats {
	return cache.CacheStats{Hits: 3, Misses: 1, HitRate: 75}
}

type testDeps struct {
	rankings   *fakeRankings
	reconciler *fakeReconciler
	locks      *fakeLocks
	sw         *fakeSwitch
	errors     *errorlog.ErrorBuffer
	trace      *tracelog.Events
}

func newTestHandler(t *testing.T, controlCfg config.ControlConfig, configPath string) (http.Handler, *testDeps) {
	t.Helper()
	deps := &testDeps{
		rankings: &fakeRankings{entries: map[bucket.Period][]ranking.Entry{
			bucket.Day: {
				{ID: 2, Score: 15, Rank: 1},
				{ID: 1, Score: 10, Rank: 2},
				{ID: 3, Score: 1, Rank: 3},
			},
		}},
		reconciler: &fakeReconciler{},
		locks:      &fakeLocks{},
		sw:         &fakeSwitch{enabled: true},
		errors:     errorlog.NewBuffer(nil, 10),
		trace:      tracelog.New(nil),
	}
	h := NewHandler(Config{
		ControlCfg:   controlCfg,
		ConfigPath:   configPath,
		Rankings:     deps.rankings,
		Reconciler:   deps.reconciler,
		Locks:        deps.locks,
		Invalidation: deps.sw,
		Cache:        fakeCacheStats{},
		Errors:       deps.errors,
		Trace:        deps.trace,
		Logger:       logging.NewDiscardLogger(),
	})
	return h, deps
}

func do(h http.Handler, method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t, config.ControlConfig{Token: "secret"}, "")
	rec := do(h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := decode(t, rec); body["ok"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestTokenAuth(t *testing.T) {
	h, _ := newTestHandler(t, config.ControlConfig{Token: "secret"}, "")
	if rec := do(h, http.MethodGet, "/rankings/top", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/rankings/top", map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/rankings/top", map[string]string{"Authorization": "Bearer secret"}); rec.Code != http.StatusOK {
		t.Errorf("bearer: status = %d, want 200", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/rankings/top", map[string]string{"X-Auth-Token": "secret"}); rec.Code != http.StatusOK {
		t.Errorf("X-Auth-Token: status = %d, want 200", rec.Code)
	}
}

func TestTokenHashAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	h, _ := newTestHandler(t, config.ControlConfig{Token: "ignored", TokenHash: string(hash)}, "")
	if rec := do(h, http.MethodGet, "/rankings/top", map[string]string{"X-Auth-Token": "ignored"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("plaintext token must not bypass hash: status = %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/rankings/top", map[string]string{"Authorization": "Bearer s3cret"}); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRankingsTop(t *testing.T) {
	h, _ := newTestHandler(t, config.ControlConfig{}, "")
	rec := do(h, http.MethodGet, "/rankings/top?period=day&n=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	entries, _ := body["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("entries = %v, want 2", body["entries"])
	}
	first := entries[0].(map[string]any)
	if first["id"] != float64(2) || first["score"] != float64(15) || first["rank"] != float64(1) {
		t.Errorf("first entry = %v", first)
	}

	for _, target := range []string{"/rankings/top?period=month", "/rankings/top?n=0", "/rankings/top?n=abc", "/rankings/top?n=100000"} {
		if rec := do(h, http.MethodGet, target, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
	if rec := do(h, http.MethodPost, "/rankings/top", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST: status = %d, want 405", rec.Code)
	}
}

func TestRankingsTopError(t *testing.T) {
	h, deps := newTestHandler(t, config.ControlConfig{}, "")
	deps.rankings.err = errors.New("redis down")
	rec := do(h, http.MethodGet, "/rankings/top", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if body := decode(t, rec); body["error"] != "redis down" {
		t.Errorf("body = %v", body)
	}
}

func TestRankingsPage(t *testing.T) {
	h, _ := newTestHandler(t, config.ControlConfig{}, "")
	rec := do(h, http.MethodGet, "/rankings/page?page=2&size=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode(t, rec)
	if body["total"] != float64(3) || body["page"] != float64(2) {
		t.Errorf("body = %v", body)
	}
	if entries, _ := body["entries"].([]any); len(entries) != 1 {
		t.Errorf("entries = %v, want 1", body["entries"])
	}
}

func TestRankingsScore(t *testing.T) {
	h, _ := newTestHandler(t, config.ControlConfig{}, "")
	rec := do(h, http.MethodGet, "/rankings/score?id=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := decode(t, rec); body["score"] != float64(10) {
		t.Errorf("body = %v", body)
	}
	if rec := do(h, http.MethodGet, "/rankings/score?id=77", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/rankings/score?id=x", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d, want 400", rec.Code)
	}
}

func TestRankingsResetRateLimited(t *testing.T) {
	h, deps := newTestHandler(t, config.ControlConfig{}, "")
	for i := 0; i < 2; i++ {
		rec := do(h, http.MethodPost, "/rankings/reset?period=week", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("reset %d: status = %d, want 200", i, rec.Code)
		}
	}
	if rec := do(h, http.MethodPost, "/rankings/reset?period=week", nil); rec.Code != http.StatusTooManyRequests {
		t.Errorf("third reset: status = %d, want 429", rec.Code)
	}
	if len(deps.rankings.resets) != 2 || deps.rankings.resets[0] != bucket.Week {
		t.Errorf("resets = %v", deps.rankings.resets)
	}
}

func TestReconcile(t *testing.T) {
	h, deps := newTestHandler(t, config.ControlConfig{}, "")
	rec := do(h, http.MethodPost, "/rankings/reconcile?period=day", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := decode(t, rec); body["pruned"] != float64(2) {
		t.Errorf("body = %v", body)
	}
	if len(deps.reconciler.swept) != 1 {
		t.Errorf("swept = %v", deps.reconciler.swept)
	}

	disabled := NewHandler(Config{Rankings: deps.rankings, Logger: logging.NewDiscardLogger()})
	if rec := do(disabled, http.MethodPost, "/rankings/reconcile", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("disabled: status = %d, want 503", rec.Code)
	}
}

func TestLockRelease(t *testing.T) {
	h, deps := newTestHandler(t, config.ControlConfig{}, "")
	for _, key := range []string{"", "hotboard:zset:day:2024-03-05", "lock:"} {
		if rec := do(h, http.MethodPost, "/locks/release?key="+key, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("key %q: status = %d, want 400", key, rec.Code)
		}
	}
	rec := do(h, http.MethodPost, "/locks/release?key=lock:like:1:2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(deps.locks.released) != 1 || deps.locks.released[0] != "lock:like:1:2" {
		t.Errorf("released = %v", deps.locks.released)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Init()
	h, _ := newTestHandler(t, config.ControlConfig{}, "")
	rec := do(h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "hotboard_day_bucket_size 3") {
		t.Errorf("expected day bucket gauge in output")
	}
	if !strings.Contains(body, "hotboard_reconcile_queue_used 4") {
		t.Errorf("expected reconcile queue gauge in output")
	}
}

func TestErrorsEndpoint(t *testing.T) {
	h, deps := newTestHandler(t, config.ControlConfig{Token: "secret"}, "")
	auth := map[string]string{"Authorization": "Bearer secret"}

	rec := do(h, http.MethodGet, "/errors", auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := decode(t, rec); body["count"] != float64(0) {
		t.Errorf("empty body = %v", body)
	}

	_, _ = deps.errors.Write([]byte("level=ERROR msg=\"redis unavailable\"\n"))
	rec = do(h, http.MethodGet, "/errors", auth)
	var body struct {
		Errors []errorlog.ErrorEntry `json:"errors"`
		Count  int                   `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || body.Errors[0].Severity != errorlog.SeverityError {
		t.Errorf("body = %+v", body)
	}

	if rec := do(h, http.MethodGet, "/errors", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/errors", auth); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST: status = %d, want 405", rec.Code)
	}
}

func postJSON(h http.Handler, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTraceEndpoint(t *testing.T) {
	h, deps := newTestHandler(t, config.ControlConfig{}, "")

	rec := do(h, http.MethodGet, "/trace", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", rec.Code)
	}
	body := decode(t, rec)
	if events, _ := body["events"].([]any); len(events) != 0 {
		t.Errorf("events = %v, want empty", body["events"])
	}
	if available, _ := body["available"].([]any); len(available) != len(tracelog.AllEvents) {
		t.Errorf("available = %v", body["available"])
	}

	rec = postJSON(h, "/trace", `{"events":["interaction_outcome"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST status = %d: %s", rec.Code, rec.Body.String())
	}
	if !deps.trace.Enabled(tracelog.EventOutcome) {
		t.Error("interaction_outcome should be enabled")
	}

	if rec := postJSON(h, "/trace", `{"events":["query_resolution"]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown event: status = %d, want 400", rec.Code)
	}
	if rec := postJSON(h, "/trace", `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body: status = %d, want 400", rec.Code)
	}
	if !deps.trace.Enabled(tracelog.EventOutcome) {
		t.Error("rejected requests must not change the enabled set")
	}
}

func TestTraceEndpointDisabled(t *testing.T) {
	h := NewHandler(Config{Logger: logging.NewDiscardLogger()})
	if rec := do(h, http.MethodGet, "/trace", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	rec := do(h, http.MethodGet, "/errors", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("errors without source: status = %d, want 200", rec.Code)
	}
}

func TestCacheStats(t *testing.T) {
	h, _ := newTestHandler(t, config.ControlConfig{}, "")
	rec := do(h, http.MethodGet, "/cache/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode(t, rec)
	if body["hits"] != float64(3) || body["misses"] != float64(1) || body["hit_rate"] != float64(75) {
		t.Errorf("body = %v", body)
	}
}
