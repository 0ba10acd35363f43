// Package reconcile removes leaderboard members whose records no longer
// exist or are no longer published. Read paths enqueue suspects; a cron sweep
// catches the rest.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/tternquist/hotboard/internal/bucket"
	"github.com/tternquist/hotboard/internal/metrics"
)

const (
	defaultQueueSize = 1024
	defaultBatchSize = 200
	jobTimeout       = 5 * time.Second
)

// Source answers which ids are still live.
type Source interface {
	BatchExists(ctx context.Context, ids []int64) (map[int64]bool, error)
}

type Options struct {
	QueueSize int
	BatchSize int
	// Location is used for cron schedule evaluation.
	Location *time.Location
	Logger   *slog.Logger
}

type job struct {
	key string
	ids []int64
}

// Reconciler prunes stale leaderboard members in the background.
type Reconciler struct {
	client    redis.UniversalClient
	keys      *bucket.Generator
	source    Source
	batchSize int
	loc       *time.Location
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan job
	done   chan struct{}

	cronMu sync.Mutex
	cron   *cron.Cron

	dropped uint64
	pruned  uint64
}

// New starts the prune worker. Call Close to stop it.
func New(client redis.UniversalClient, keys *bucket.Generator, source Source, opts Options) *Reconciler {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Location == nil {
		opts.Location = keys.Location()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Reconciler{
		client:    client,
		keys:      keys,
		source:    source,
		batchSize: opts.BatchSize,
		loc:       opts.Location,
		logger:    opts.Logger,
		ch:        make(chan job, opts.QueueSize),
		done:      make(chan struct{}),
	}
	go r.loop()
	return r
}

// Enqueue schedules ids in key for re-verification and removal. It never
// blocks: when the queue is full the job is dropped and left to the sweep.
func (r *Reconciler) Enqueue(key string, ids []int64) {
	if r == nil || len(ids) == 0 {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- job{key: key, ids: append([]int64(nil), ids...)}:
	default:
		dropped := atomic.AddUint64(&r.dropped, 1)
		metrics.RecordReconcileDropped()
		if dropped%100 == 1 {
			r.logger.Info("reconcile queue full", "dropped_total", dropped)
		}
	}
}

// QueueUsed returns the number of pending prune jobs.
func (r *Reconciler) QueueUsed() int {
	if r == nil {
		return 0
	}
	return len(r.ch)
}

// Pruned returns the number of members removed since start.
func (r *Reconciler) Pruned() uint64 {
	if r == nil {
		return 0
	}
	return atomic.LoadUint64(&r.pruned)
}

// Prune re-checks ids against the source of truth and removes the ones that
// are still missing from key. It returns the number removed.
func (r *Reconciler) Prune(ctx context.Context, key string, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	exists, err := r.source.BatchExists(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("verify %d ids: %w", len(ids), err)
	}
	var members []interface{}
	for _, id := range ids {
		if !exists[id] {
			members = append(members, strconv.FormatInt(id, 10))
		}
	}
	if len(members) == 0 {
		return 0, nil
	}
	n, err := r.client.ZRem(ctx, key, members...).Result()
	if err != nil {
		return 0, fmt.Errorf("zrem %s: %w", key, err)
	}
	atomic.AddUint64(&r.pruned, uint64(n))
	metrics.RecordPruned(int(n))
	return int(n), nil
}

// Sweep scans the current bucket of p and prunes every stale member.
func (r *Reconciler) Sweep(ctx context.Context, p bucket.Period) (int, error) {
	key := r.keys.CurrentKey(p)
	var cursor uint64
	total := 0
	for {
		members, next, err := r.client.ZScan(ctx, key, cursor, "", int64(r.batchSize)).Result()
		if err != nil {
			return total, fmt.Errorf("scan %s: %w", key, err)
		}
		// ZSCAN returns member, score pairs.
		ids := make([]int64, 0, len(members)/2)
		for i := 0; i < len(members); i += 2 {
			id, err := strconv.ParseInt(members[i], 10, 64)
			if err != nil {
				r.logger.Warn("non-numeric leaderboard member", "key", key, "member", members[i])
				continue
			}
			ids = append(ids, id)
		}
		n, err := r.Prune(ctx, key, ids)
		total += n
		if err != nil {
			return total, err
		}
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

// SweepAll sweeps the current day and week buckets.
func (r *Reconciler) SweepAll(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, p := range []bucket.Period{bucket.Day, bucket.Week} {
		n, err := r.Sweep(ctx, p)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Start runs SweepAll on a cron schedule ("@every 10m", "*/5 * * * *").
func (r *Reconciler) Start(schedule string) error {
	r.cronMu.Lock()
	defer r.cronMu.Unlock()
	if r.cron != nil {
		return errors.New("reconcile schedule already started")
	}
	c := cron.New(cron.WithLocation(r.loc))
	if _, err := c.AddFunc(schedule, r.runSweep); err != nil {
		return fmt.Errorf("reconcile schedule %q: %w", schedule, err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("reconcile sweep scheduled", "schedule", schedule)
	return nil
}

// Close stops the schedule, drains queued jobs and stops the worker.
func (r *Reconciler) Close() error {
	if r == nil {
		return nil
	}
	r.cronMu.Lock()
	if r.cron != nil {
		<-r.cron.Stop().Done()
		r.cron = nil
	}
	r.cronMu.Unlock()

	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	<-r.done
	return nil
}

func (r *Reconciler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	start := time.Now()
	n, err := r.SweepAll(ctx)
	if err != nil {
		r.logger.Error("reconcile sweep failed", "err", err, "pruned", n)
		return
	}
	r.logger.Debug("reconcile sweep complete", "pruned", n, "duration", time.Since(start))
}

func (r *Reconciler) loop() {
	defer close(r.done)
	for j := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		n, err := r.Prune(ctx, j.key, j.ids)
		cancel()
		if err != nil {
			metrics.RecordDerivedStateFailure("reconcile")
			r.logger.Warn("prune failed", "key", j.key, "ids", len(j.ids), "err", err)
			continue
		}
		if n > 0 {
			r.logger.Debug("pruned stale leaderboard members", "key", j.key, "removed", n)
		}
	}
}
