package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/tternquist/hotboard/internal/bucket"
	"github.com/tternquist/hotboard/internal/config"
	"github.com/tternquist/hotboard/internal/interaction"
	"github.com/tternquist/hotboard/internal/lock"
	"github.com/tternquist/hotboard/internal/tracelog"
)

func TestRunServer_InvalidConfigPath(t *testing.T) {
	// config.Load fails before any connection is attempted.
	t.Setenv("DEFAULT_CONFIG_PATH", "/nonexistent/config/default.yaml")

	err := runServer("/nonexistent/override.yaml")
	if err == nil {
		t.Fatal("expected runServer to return error for invalid config path")
	}
}

func TestRunServer_ConfigLoadFails(t *testing.T) {
	defaultPath := filepath.Join(t.TempDir(), "default.yaml")
	if err := os.WriteFile(defaultPath, []byte(`
redis:
  address: "127.0.0.1:6379"
`), 0o644); err != nil {
		t.Fatalf("write default config: %v", err)
	}
	overridePath := filepath.Join(t.TempDir(), "override.yaml")
	if err := os.WriteFile(overridePath, []byte("invalid: yaml: [unclosed"), 0o644); err != nil {
		t.Fatalf("write override config: %v", err)
	}
	t.Setenv("DEFAULT_CONFIG_PATH", defaultPath)

	err := runServer(overridePath)
	if err == nil {
		t.Fatal("expected runServer to return error for invalid override YAML")
	}
}

func TestRunSeed_InvalidConfig(t *testing.T) {
	t.Setenv("DEFAULT_CONFIG_PATH", "/nonexistent/config/default.yaml")
	if err := runSeed([]string{"-config", "/nonexistent/override.yaml"}); err == nil {
		t.Fatal("expected runSeed to fail without a config")
	}
}

func testEngine(t *testing.T, reconcileEnabled bool) (*engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	override := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
redis:
  address: %q
database:
  driver: sqlite
  dsn: %q
reconcile:
  enabled: %t
lock:
  retry_interval: "5ms"
invalidation:
  default_delay: "10ms"
`, mr.Addr(), filepath.Join(dir, "hotboard.db"), reconcileEnabled)
	if err := os.WriteFile(override, []byte(body), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}
	cfg, err := config.LoadWithFiles(filepath.Join("..", "..", "config", "default.yaml"), override)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	eng, err := newEngine(context.Background(), cfg, newLogOutput(io.Discard, cfg.Logging))
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	t.Cleanup(func() { eng.Close(context.Background()) })
	return eng, mr
}

func TestNewEngineWiresComponents(t *testing.T) {
	eng, _ := testEngine(t, true)
	if eng.reconciler == nil {
		t.Fatal("expected reconciler when reconcile is enabled")
	}
	cc := eng.controlConfig("")
	if cc.Reconciler == nil || cc.Rankings == nil || cc.Locks == nil || cc.Invalidation == nil || cc.Errors == nil || cc.Trace == nil {
		t.Fatalf("control config missing dependencies: %+v", cc)
	}
	if !eng.invalidator.AsyncEnabled() {
		t.Error("async invalidation should default to enabled")
	}
	if got := eng.service.BreakerState(); got != "closed" {
		t.Errorf("breaker state = %q, want closed", got)
	}
}

func TestTraceTransitionsReachLog(t *testing.T) {
	eng, _ := testEngine(t, false)
	var buf bytes.Buffer
	out := newLogOutput(&buf, eng.cfg.Logging)
	eng.traceLogger = out.traceLogger

	ctx := context.Background()
	ids, err := createArticles(ctx, eng, 1)
	if err != nil {
		t.Fatalf("createArticles: %v", err)
	}
	req := interaction.Request{ResourceID: ids[0], ActorID: 1, OwnerID: ownerOf(0)}
	if _, err := eng.service.Like(ctx, req); err != nil {
		t.Fatalf("Like: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("tracing disabled but got %q", buf.String())
	}

	eng.trace.Set([]string{tracelog.EventOutcome})
	if _, err := eng.service.Unlike(ctx, req); err != nil {
		t.Fatalf("Unlike: %v", err)
	}
	got := buf.String()
	if !bytes.Contains(buf.Bytes(), []byte("interaction finished")) || !bytes.Contains(buf.Bytes(), []byte("state=done")) {
		t.Errorf("trace output = %q", got)
	}
	if bytes.Contains(buf.Bytes(), []byte("interaction transition")) {
		t.Errorf("transition events should stay disabled: %q", got)
	}
	if len(out.errors.Entries()) != 0 {
		t.Errorf("debug trace lines must not reach the error buffer: %+v", out.errors.Entries())
	}
}

func TestControlConfigWithoutReconciler(t *testing.T) {
	eng, _ := testEngine(t, false)
	if eng.reconciler != nil {
		t.Fatal("reconciler should not be built when disabled")
	}
	if cc := eng.controlConfig(""); cc.Reconciler != nil {
		t.Fatal("disabled reconciler must be a nil interface")
	}
}

func TestSeedAddsPublishedArticles(t *testing.T) {
	eng, mr := testEngine(t, false)
	ctx := context.Background()
	ids, err := createArticles(ctx, eng, 3)
	if err != nil {
		t.Fatalf("createArticles: %v", err)
	}
	mr.FlushAll()

	n, err := eng.rankings.Seed(ctx)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if n != len(ids) {
		t.Fatalf("seeded %d, want %d", n, len(ids))
	}
	members, err := mr.ZMembers(eng.keys.CurrentKey(bucket.Week))
	if err != nil {
		t.Fatalf("ZMembers: %v", err)
	}
	if len(members) != len(ids) {
		t.Errorf("week bucket has %d members, want %d", len(members), len(ids))
	}
}

func TestSimulationKeepsScoresConsistent(t *testing.T) {
	eng, _ := testEngine(t, true)
	ctx := context.Background()
	ids, err := createArticles(ctx, eng, 4)
	if err != nil {
		t.Fatalf("createArticles: %v", err)
	}

	opts := simOptions{ops: 300, concurrency: 8, users: 5, seed: 42, actions: simActions}
	stats := runInteractions(ctx, eng.service, ids, opts)
	if stats.errors != 0 {
		t.Fatalf("simulation errors = %d, outcomes %v", stats.errors, stats.outcomes)
	}

	w := eng.cfg.Ranking.Weights
	for _, id := range ids {
		a, err := eng.db.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%d): %v", id, err)
		}
		want := float64(a.LikeCount)*w.Like + float64(a.FavoriteCount)*w.Favorite +
			float64(a.CommentCount)*w.Comment + float64(a.ViewCount)*w.View
		for _, p := range []bucket.Period{bucket.Day, bucket.Week} {
			got, ok, err := eng.rankings.ScoreIn(ctx, p, id)
			if err != nil || !ok {
				t.Fatalf("ScoreIn(%s, %d) = %v, %v, %v", p, id, got, ok, err)
			}
			if got != want {
				t.Errorf("%s score for %d = %v, want %v (article %+v)", p, id, got, want, a)
			}
		}
	}

	if err := eng.invalidator.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	top, err := eng.rankings.TopN(ctx, bucket.Day, 2)
	if err != nil {
		t.Fatalf("TopN: %v", err)
	}
	if len(top) != 2 || top[0].Score < top[1].Score {
		t.Errorf("TopN = %+v", top)
	}
}

func TestOutcomeLabel(t *testing.T) {
	tests := []struct {
		out  interaction.Outcome
		err  error
		want string
	}{
		{interaction.Outcome{Applied: true}, nil, "applied"},
		{interaction.Outcome{}, nil, "noop"},
		{interaction.Outcome{}, fmt.Errorf("like: %w", interaction.ErrLockTimeout), "lock_timeout"},
		{interaction.Outcome{}, lock.ErrNotAcquired, "error"},
		{interaction.Outcome{}, fmt.Errorf("x: %w", interaction.ErrPreconditionFailed), "precondition_failed"},
		{interaction.Outcome{}, errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		if got := outcomeLabel(tt.out, tt.err); got != tt.want {
			t.Errorf("outcomeLabel(%+v, %v) = %q, want %q", tt.out, tt.err, got, tt.want)
		}
	}
}

func TestPercentile(t *testing.T) {
	values := []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	tests := []struct {
		p    int
		want int64
	}{
		{0, 1},
		{50, 6},
		{95, 10},
		{100, 10},
	}
	for _, tt := range tests {
		if got := percentile(values, tt.p); got != tt.want {
			t.Errorf("percentile(%d) = %d, want %d", tt.p, got, tt.want)
		}
	}
	if got := percentile(nil, 50); got != 0 {
		t.Errorf("percentile(nil) = %d, want 0", got)
	}
	if got := average(values); got != 5 {
		t.Errorf("average = %d, want 5", got)
	}
}

func TestParseSimFlagsClampsValues(t *testing.T) {
	opts, err := parseSimFlags([]string{"-ops", "0", "-concurrency", "-3", "-articles", "0", "-users", "0", "-top", "0"})
	if err != nil {
		t.Fatalf("parseSimFlags: %v", err)
	}
	if opts.ops != 1 || opts.concurrency != 1 || opts.articles != 1 || opts.users != 1 || opts.top != 10 {
		t.Errorf("unexpected options: %+v", opts)
	}
	if len(opts.actions) != len(simActions) {
		t.Errorf("actions = %v", opts.actions)
	}
}
