package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tternquist/hotboard/internal/bucket"
	"github.com/tternquist/hotboard/internal/cache"
	"github.com/tternquist/hotboard/internal/config"
	"github.com/tternquist/hotboard/internal/errorlog"
	"github.com/tternquist/hotboard/internal/metrics"
	"github.com/tternquist/hotboard/internal/ranking"
	"github.com/tternquist/hotboard/internal/tracelog"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

const maxTopN = 500

// Rankings is the leaderboard surface exposed to operators.
type Rankings interface {
	TopN(ctx context.Context, p bucket.Period, n int) ([]ranking.Entry, error)
	Page(ctx context.Context, p bucket.Period, page, pageSize int) ([]ranking.Entry, int64, error)
	ScoreIn(ctx context.Context, p bucket.Period, id int64) (float64, bool, error)
	Size(ctx context.Context, p bucket.Period) (int64, error)
	ResetPeriod(ctx context.Context, p bucket.Period) (int, error)
}

// Reconciler runs on-demand sweeps.
type Reconciler interface {
	Sweep(ctx context.Context, p bucket.Period) (int, error)
	QueueUsed() int
}

// LockReleaser force-releases locks without a token.
type LockReleaser interface {
	ForceRelease(ctx context.Context, key string) (bool, error)
}

// AsyncSwitch is the invalidation kill-switch.
type AsyncSwitch interface {
	SetAsyncEnabled(enabled bool)
	AsyncEnabled() bool
}

// CacheStatsSource reports flag and detail cache hit rates.
type CacheStatsSource interface {
	GetCacheStats() cache.CacheStats
}

// ErrorSource exposes recently logged warnings and errors.
type ErrorSource interface {
	Entries() []errorlog.ErrorEntry
}

// Config holds dependencies for the control server.
type Config struct {
	ControlCfg config.ControlConfig
	// ConfigPath is the override file runtime changes are persisted to.
	ConfigPath   string
	Rankings     Rankings
	Reconciler   Reconciler
	Locks        LockReleaser
	Invalidation AsyncSwitch
	Cache        CacheStatsSource
	// Errors backs GET /errors; nil reports an empty list.
	Errors ErrorSource
	// Trace backs GET/POST /trace; nil disables the endpoint.
	Trace  *tracelog.Events
	Logger *slog.Logger
}

// Start creates and starts the control HTTP server. Returns nil if control is disabled.
func Start(cfg Config) *http.Server {
	if cfg.ControlCfg.Enabled == nil || !*cfg.ControlCfg.Enabled {
		return nil
	}
	if cfg.ControlCfg.Listen == "" {
		if cfg.Logger != nil {
			cfg.Logger.Info("control server disabled: missing listen address")
		}
		return nil
	}
	server := &http.Server{
		Addr:              cfg.ControlCfg.Listen,
		Handler:           NewHandler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if cfg.Logger != nil {
				cfg.Logger.Error("control server error", "err", err)
			}
		}
	}()
	if cfg.Logger != nil {
		cfg.Logger.Info("control server listening", "addr", cfg.ControlCfg.Listen)
	}
	return server
}

// NewHandler builds the control mux.
func NewHandler(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	auth := newAuthorizer(cfg.ControlCfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/metrics", handleMetrics(cfg.Rankings, cfg.Reconciler))
	mux.HandleFunc("/rankings/top", handleRankingsTop(cfg.Rankings, auth))
	mux.HandleFunc("/rankings/page", handleRankingsPage(cfg.Rankings, auth))
	mux.HandleFunc("/rankings/score", handleRankingsScore(cfg.Rankings, auth))
	mux.HandleFunc("/rankings/reset", rateLimitHandler(handleRankingsReset(cfg.Rankings, auth, cfg.Logger), rate.Every(30*time.Second), 2))
	mux.HandleFunc("/rankings/reconcile", rateLimitHandler(handleReconcile(cfg.Reconciler, auth), rate.Every(10*time.Second), 2))
	mux.HandleFunc("/locks/release", rateLimitHandler(handleLockRelease(cfg.Locks, auth, cfg.Logger), rate.Every(time.Second), 5))
	mux.HandleFunc("/invalidation/async", rateLimitHandler(handleAsyncSwitch(cfg.Invalidation, cfg.ConfigPath, auth, cfg.Logger), rate.Every(5*time.Second), 2))
	mux.HandleFunc("/invalidation/reload", rateLimitHandler(handleAsyncReload(cfg.Invalidation, cfg.ConfigPath, auth), rate.Every(10*time.Second), 1))
	mux.HandleFunc("/cache/stats", handleCacheStats(cfg.Cache, auth))
	mux.HandleFunc("/errors", handleErrors(cfg.Errors, auth))
	mux.HandleFunc("/trace", rateLimitHandler(handleTrace(cfg.Trace, cfg.ConfigPath, auth, cfg.Logger), rate.Every(5*time.Second), 5))
	return mux
}

// rateLimitHandler wraps h with a rate limiter for POST requests. Allows burst
// requests, refills at refill interval.
func rateLimitHandler(h http.HandlerFunc, refill rate.Limit, burst int) http.HandlerFunc {
	limiter := rate.NewLimiter(refill, burst)
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && !limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
			return
		}
		h(w, r)
	}
}

// authorizer checks the presented token against a plaintext token or a
// bcrypt hash. The hash wins when both are configured.
type authorizer struct {
	token string
	hash  []byte
}

func newAuthorizer(cfg config.ControlConfig) authorizer {
	a := authorizer{token: strings.TrimSpace(cfg.Token)}
	if h := strings.TrimSpace(cfg.TokenHash); h != "" {
		a.hash = []byte(h)
	}
	return a
}

func (a authorizer) enabled() bool {
	return a.token != "" || len(a.hash) > 0
}

func (a authorizer) authorize(r *http.Request) bool {
	if !a.enabled() {
		return true
	}
	presented := presentedToken(r)
	if presented == "" {
		return false
	}
	if len(a.hash) > 0 {
		return bcrypt.CompareHashAndPassword(a.hash, []byte(presented)) == nil
	}
	return presented == a.token
}

func presentedToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(r.Header.Get("X-Auth-Token"))
}

// guard enforces method and auth. It writes the error response and returns
// false when the request must not proceed.
func guard(w http.ResponseWriter, r *http.Request, method string, auth authorizer) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if !auth.authorize(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func parsePeriod(w http.ResponseWriter, r *http.Request) (bucket.Period, bool) {
	raw := r.URL.Query().Get("period")
	if raw == "" {
		return bucket.Day, true
	}
	p, err := bucket.ParsePeriod(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return "", false
	}
	return p, true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, def, min, max int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid " + name})
		return 0, false
	}
	return v, true
}

type rankingStatsProvider struct {
	ctx        context.Context
	rankings   Rankings
	reconciler Reconciler
}

func (p *rankingStatsProvider) DayBucketSize() int64 {
	if p.rankings == nil {
		return 0
	}
	n, _ := p.rankings.Size(p.ctx, bucket.Day)
	return n
}

func (p *rankingStatsProvider) WeekBucketSize() int64 {
	if p.rankings == nil {
		return 0
	}
	n, _ := p.rankings.Size(p.ctx, bucket.Week)
	return n
}

func (p *rankingStatsProvider) ReconcileQueueUsed() int {
	if p.reconciler == nil {
		return 0
	}
	return p.reconciler.QueueUsed()
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func handleMetrics(rankings Rankings, reconciler Reconciler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		metrics.UpdateGauges(&rankingStatsProvider{ctx: ctx, rankings: rankings, reconciler: reconciler})
		promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

func handleRankingsTop(rankings Rankings, auth authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !guard(w, r, http.MethodGet, auth) {
			return
		}
		p, ok := parsePeriod(w, r)
		if !ok {
			return
		}
		n, ok := queryInt(w, r, "n", 10, 1, maxTopN)
		if !ok {
			return
		}
		entries, err := rankings.TopN(r.Context(), p, n)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"period": string(p), "entries": entries})
	}
}

func handleRankingsPage(rankings Rankings, auth authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !guard(w, r, http.MethodGet, auth) {
			return
		}
		p, ok := parsePeriod(w, r)
		if !ok {
			return
		}
		page, ok := queryInt(w, r, "page", 1, 1, 1_000_000)
		if !ok {
			return
		}
		size, ok := queryInt(w, r, "size", 20, 1, maxTopN)
		if !ok {
			return
		}
		entries, total, err := rankings.Page(r.Context(), p, page, size)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"period":  string(p),
			"page":    page,
			"size":    size,
			"total":   total,
			"entries": entries,
		})
	}
}

func handleRankingsScore(rankings Rankings, auth authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !guard(w, r, http.MethodGet, auth) {
			return
		}
		p, ok := parsePeriod(w, r)
		if !ok {
			return
		}
		id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid id"})
			return
		}
		score, found, err := rankings.ScoreIn(r.Context(), p, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !found {
			writeJSON(w, http.StatusNotFound, map[string]any{"id": id, "period": string(p), "found": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "period": string(p), "found": true, "score": score})
	}
}

func handleRankingsReset(rankings Rankings, auth authorizer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !guard(w, r, http.MethodPost, auth) {
			return
		}
		p, ok := parsePeriod(w, r)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()
		n, err := rankings.ResetPeriod(ctx, p)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		logger.Info("ranking period reset via control API", "period", string(p), "seeded", n)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "period": string(p), "seeded": n})
	}
}

func handleReconcile(reconciler Reconciler, auth authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !guard(w, r, http.MethodPost, auth) {
			return
		}
		if reconciler == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "reconcile disabled"})
			return
		}
		p, ok := parsePeriod(w, r)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()
		n, err := reconciler.Sweep(ctx, p)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "pruned": n})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "period": string(p), "pruned": n})
	}
}

func handleLockRelease(locks LockReleaser, auth authorizer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !guard(w, r, http.MethodPost, auth) {
			return
		}
		key := strings.TrimSpace(r.URL.Query().Get("key"))
		if !strings.HasPrefix(key, "lock:") || len(key) == len("lock:") {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "key must be a lock key (lock:...)"})
			return
		}
		released, err := locks.ForceRelease(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		logger.Warn("lock force-released via control API", "key", key, "released", released)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "key": key, "released": released})
	}
}

func handleAsyncSwitch(sw AsyncSwitch, configPath string, auth authorizer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if !auth.authorize(r) {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"async_enabled": sw.AsyncEnabled()})
		case http.MethodPost:
			if !auth.authorize(r) {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "enabled must be true or false"})
				return
			}
			sw.SetAsyncEnabled(enabled)
			if err := persistAsyncEnabled(configPath, enabled); err != nil {
				logger.Error("failed to persist invalidation.async_enabled", "err", err)
				writeJSON(w, http.StatusOK, map[string]any{"ok": true, "async_enabled": enabled, "persisted": false, "error": err.Error()})
				return
			}
			logger.Info("invalidation async switch changed", "async_enabled", enabled)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "async_enabled": enabled, "persisted": configPath != ""})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func handleAsyncReload(sw AsyncSwitch, configPath string, auth authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !guard(w, r, http.MethodPost, auth) {
			return
		}
		cfg, ok := loadConfigForReload(w, configPath)
		if !ok {
			return
		}
		enabled := cfg.Invalidation.AsyncEnabled == nil || *cfg.Invalidation.AsyncEnabled
		sw.SetAsyncEnabled(enabled)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "async_enabled": enabled})
	}
}

func handleCacheStats(src CacheStatsSource, auth authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !guard(w, r, http.MethodGet, auth) {
			return
		}
		var stats cache.CacheStats
		if src != nil {
			stats = src.GetCacheStats()
		}
		writeJSON(w, http.StatusOK, map[string]any{"hits": stats.Hits, "misses": stats.Misses, "hit_rate": stats.HitRate})
	}
}

func handleErrors(src ErrorSource, auth authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !guard(w, r, http.MethodGet, auth) {
			return
		}
		var entries []errorlog.ErrorEntry
		if src != nil {
			entries = src.Entries()
		}
		if entries == nil {
			entries = []errorlog.ErrorEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"errors": entries, "count": len(entries)})
	}
}

type traceRequest struct {
	Events []string `json:"events"`
}

func handleTrace(events *tracelog.Events, configPath string, auth authorizer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if events == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "tracing not configured"})
			return
		}
		if !auth.authorize(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{"events": enabledEvents(events), "available": tracelog.AllEvents})
		case http.MethodPost:
			var req traceRequest
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
				return
			}
			for _, name := range req.Events {
				if !tracelog.IsValidEvent(name) {
					writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown trace event " + strconv.Quote(name)})
					return
				}
			}
			events.Set(req.Events)
			enabled := enabledEvents(events)
			if err := persistTraceEvents(configPath, enabled); err != nil {
				logger.Error("failed to persist logging.trace_events", "err", err)
				writeJSON(w, http.StatusOK, map[string]any{"ok": true, "events": enabled, "persisted": false, "error": err.Error()})
				return
			}
			logger.Info("trace events changed", "events", enabled)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "events": enabled, "persisted": configPath != ""})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func enabledEvents(events *tracelog.Events) []string {
	enabled := events.Get()
	if enabled == nil {
		return []string{}
	}
	return enabled
}
