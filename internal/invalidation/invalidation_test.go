package invalidation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/tternquist/hotboard/internal/cache"
	"github.com/tternquist/hotboard/internal/logging"
)

func newTestInvalidator(t *testing.T, c cache.Cache, async bool, delay time.Duration) *Invalidator {
	t.Helper()
	inv, err := New(c, Options{
		AsyncEnabled: async,
		DefaultDelay: delay,
		QueueBuffer:  16,
		Logger:       logging.NewDiscardLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = inv.Close() })
	return inv
}

func drain(t *testing.T, inv *Invalidator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := inv.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v (pending %d)", err, inv.Pending())
	}
}

func TestImmediateDelete(t *testing.T) {
	m := cache.NewMockCache()
	inv := newTestInvalidator(t, m, true, 10*time.Millisecond)
	ctx := context.Background()
	_ = m.Set(ctx, "k", []byte("v"), 0)

	if err := inv.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := m.Exists(ctx, "k"); ok {
		t.Fatal("key should be gone synchronously")
	}
	if inv.Pending() != 0 {
		t.Errorf("immediate delete should not queue work, pending = %d", inv.Pending())
	}
}

func TestDoubleDeleteSurvivesRepopulation(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	rc := cache.NewRedisCache(client)

	inv := newTestInvalidator(t, rc, true, 30*time.Millisecond)
	ctx := context.Background()

	if err := rc.Set(ctx, "hotboard:detail:1", []byte("old"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := inv.DeleteWithDoubleDelete(ctx, "hotboard:detail:1"); err != nil {
		t.Fatalf("DeleteWithDoubleDelete: %v", err)
	}
	if mr.Exists("hotboard:detail:1") {
		t.Fatal("first delete must be synchronous")
	}

	// A concurrent reader repopulates with stale data inside the window.
	if err := rc.Set(ctx, "hotboard:detail:1", []byte("stale"), time.Minute); err != nil {
		t.Fatalf("Set stale: %v", err)
	}
	drain(t, inv)
	if mr.Exists("hotboard:detail:1") {
		t.Fatal("second delete should remove the repopulated value")
	}
}

func TestDelayOverride(t *testing.T) {
	m := cache.NewMockCache()
	inv := newTestInvalidator(t, m, true, time.Hour)
	ctx := context.Background()

	start := time.Now()
	if err := inv.DeleteWithDelay(ctx, "k", 20*time.Millisecond); err != nil {
		t.Fatalf("DeleteWithDelay: %v", err)
	}
	drain(t, inv)
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("second delete ran after %v, expected >= 20ms", elapsed)
	}
	if got := m.DeleteCount("k"); got != 2 {
		t.Errorf("DeleteCount = %d, want 2", got)
	}
}

func TestAsyncDeleteIsNotSynchronous(t *testing.T) {
	m := cache.NewMockCache()
	inv := newTestInvalidator(t, m, true, time.Millisecond)
	ctx := context.Background()
	_ = m.Set(ctx, "k", []byte("v"), 0)

	if err := inv.AsyncDelete(ctx, "k"); err != nil {
		t.Fatalf("AsyncDelete: %v", err)
	}
	drain(t, inv)
	if ok, _ := m.Exists(ctx, "k"); ok {
		t.Fatal("async delete should eventually remove the key")
	}
	if got := m.DeleteCount("k"); got != 1 {
		t.Errorf("DeleteCount = %d, want 1", got)
	}
}

func TestAsyncUpdate(t *testing.T) {
	m := cache.NewMockCache()
	inv := newTestInvalidator(t, m, true, time.Millisecond)
	ctx := context.Background()

	if err := inv.AsyncUpdate(ctx, "k", []byte("fresh"), time.Minute); err != nil {
		t.Fatalf("AsyncUpdate: %v", err)
	}
	drain(t, inv)
	got, found, err := m.Get(ctx, "k")
	if err != nil || !found || string(got) != "fresh" {
		t.Fatalf("Get = %q, %v, %v", got, found, err)
	}
}

func TestKillSwitchDowngradesToSyncDelete(t *testing.T) {
	m := cache.NewMockCache()
	inv := newTestInvalidator(t, m, false, time.Hour)
	ctx := context.Background()

	for _, ev := range []Event{
		{Key: "a", Mode: ModeDelayedDelete},
		{Key: "b", Mode: ModeAsyncDelete},
		{Key: "c", Mode: ModeAsyncUpdate, Value: []byte("x")},
	} {
		_ = m.Set(ctx, ev.Key, []byte("v"), 0)
		if err := inv.Dispatch(ctx, ev); err != nil {
			t.Fatalf("Dispatch(%s): %v", ev.Mode, err)
		}
		if ok, _ := m.Exists(ctx, ev.Key); ok {
			t.Errorf("%s: key %s should be deleted synchronously", ev.Mode, ev.Key)
		}
		if got := m.DeleteCount(ev.Key); got != 1 {
			t.Errorf("%s: DeleteCount = %d, want 1", ev.Mode, got)
		}
	}
	if inv.Pending() != 0 {
		t.Errorf("kill-switch should queue nothing, pending = %d", inv.Pending())
	}

	inv.SetAsyncEnabled(true)
	if !inv.AsyncEnabled() {
		t.Fatal("expected async re-enabled")
	}
}

func TestDoubleDeleteSchedulesEvenIfFirstFails(t *testing.T) {
	m := cache.NewMockCache()
	inv := newTestInvalidator(t, m, true, 5*time.Millisecond)
	ctx := context.Background()

	boom := errors.New("redis down")
	m.SetDeleteErr(boom)
	err := inv.DeleteWithDoubleDelete(ctx, "k")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	m.SetDeleteErr(nil)
	drain(t, inv)
	if got := m.DeleteCount("k"); got != 2 {
		t.Errorf("DeleteCount = %d, want 2", got)
	}
}

func TestDispatchValidation(t *testing.T) {
	inv := newTestInvalidator(t, cache.NewMockCache(), true, time.Millisecond)
	ctx := context.Background()
	if err := inv.Dispatch(ctx, Event{Mode: ModeDelete}); err == nil {
		t.Error("expected error for empty key")
	}
	if err := inv.Dispatch(ctx, Event{Key: "k", Mode: "bogus"}); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestCloseFlushesScheduledDeletes(t *testing.T) {
	m := cache.NewMockCache()
	inv, err := New(m, Options{AsyncEnabled: true, DefaultDelay: 20 * time.Millisecond, Logger: logging.NewDiscardLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := inv.DeleteWithDoubleDelete(ctx, "k"); err != nil {
		t.Fatalf("DeleteWithDoubleDelete: %v", err)
	}
	if err := inv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := m.DeleteCount("k"); got != 2 {
		t.Errorf("DeleteCount after Close = %d, want 2", got)
	}
	if err := inv.Delete(ctx, "k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Delete after Close = %v, want ErrClosed", err)
	}
}
