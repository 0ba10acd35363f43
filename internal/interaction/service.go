// Package interaction orchestrates user interactions so that the durable
// write, the leaderboard and the caches agree. Each write runs
// Locking → Validating → Mutating → AwaitingCommit → PostCommitApply → Done,
// and ranking or cache updates happen only after the write has committed.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tternquist/hotboard/internal/cache"
	"github.com/tternquist/hotboard/internal/config"
	"github.com/tternquist/hotboard/internal/lock"
	"github.com/tternquist/hotboard/internal/metrics"
	"github.com/tternquist/hotboard/internal/ranking"
	"github.com/tternquist/hotboard/internal/store"
	"github.com/tternquist/hotboard/internal/webhook"
)

const releaseTimeout = 2 * time.Second

// Scorer applies leaderboard deltas.
type Scorer interface {
	IncrementScore(ctx context.Context, id int64, delta float64) (float64, error)
	DecrementScore(ctx context.Context, id int64, delta float64) (float64, error)
}

// Locker serializes writes across instances.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl, maxWait time.Duration) (*lock.Handle, error)
	ReleaseHandle(ctx context.Context, h *lock.Handle) (bool, error)
}

// Invalidator removes stale cache entries after commit.
type Invalidator interface {
	DeleteWithDoubleDelete(ctx context.Context, key string) error
	AsyncDelete(ctx context.Context, key string) error
}

// Notifier receives events for interactions by someone other than the owner.
type Notifier interface {
	Notify(ev webhook.Event)
}

// Request identifies who acts on which resource, and who owns it.
type Request struct {
	ResourceID int64
	ActorID    int64
	OwnerID    int64
}

// Outcome reports the durable row id. Applied is false when the request was
// a duplicate or the removal of something already absent.
type Outcome struct {
	ID      int64 `json:"id"`
	Applied bool  `json:"applied"`
}

type Options struct {
	Weights     ranking.Weights
	LockTTL     time.Duration
	LockMaxWait time.Duration
	// CacheTTL bounds flag and detail cache entries written by the readers.
	CacheTTL  time.Duration
	Namespace string
	Breaker   config.BreakerConfig
	Notifier  Notifier
	Logger    *slog.Logger
	// OnTransition, if set, observes every state change.
	OnTransition func(action string, from, to State)
}

// Service is the interaction orchestrator.
type Service struct {
	records     store.Records
	writes      store.Interactions
	locker      Locker
	scores      Scorer
	invalidator Invalidator
	cache       cache.Cache
	keys        cache.Keys
	notifier    Notifier
	breaker     *gobreaker.CircuitBreaker
	weights     ranking.Weights
	lockTTL     time.Duration
	lockMaxWait time.Duration
	cacheTTL    time.Duration
	logger      *slog.Logger
	observe     func(action string, from, to State)
}

func NewService(records store.Records, writes store.Interactions, locker Locker, scores Scorer, inv Invalidator, c cache.Cache, opts Options) *Service {
	if opts.Weights == (ranking.Weights{}) {
		opts.Weights = ranking.DefaultWeights()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	if opts.LockMaxWait < 0 {
		opts.LockMaxWait = 0
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	if opts.Namespace == "" {
		opts.Namespace = "hotboard"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		records:     records,
		writes:      writes,
		locker:      locker,
		scores:      scores,
		invalidator: inv,
		cache:       c,
		keys:        cache.NewKeys(opts.Namespace),
		notifier:    opts.Notifier,
		breaker:     newBreaker(opts.Breaker, opts.Logger),
		weights:     opts.Weights,
		lockTTL:     opts.LockTTL,
		lockMaxWait: opts.LockMaxWait,
		cacheTTL:    opts.CacheTTL,
		logger:      opts.Logger,
		observe:     opts.OnTransition,
	}
}

// BreakerState reports the ranking circuit breaker state.
func (s *Service) BreakerState() string {
	return s.breaker.State().String()
}

func newBreaker(cfg config.BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ranking",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval.Duration,
		Timeout:     cfg.Timeout.Duration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// operation describes one orchestrated write.
type operation struct {
	action  string
	lockKey string
	req     Request
	// validate runs under the lock before the write.
	validate func(ctx context.Context) error
	// write performs the durable write and returns once it has committed.
	write func(ctx context.Context) (store.Receipt, error)
	// delta is the signed score change applied after commit.
	delta float64
	// scoredActor picks whose interaction the score belongs to. Defaults to
	// the requesting actor.
	scoredActor func(r store.Receipt) int64
	// flag is the per-actor flag cache key, empty for none.
	flag string
	// asyncDetail queues the detail cache delete instead of double-deleting.
	asyncDetail bool
	notify      bool
}

type machine struct {
	action  string
	state   State
	observe func(action string, from, to State)
	logger  *slog.Logger
}

func (m *machine) to(next State) {
	if m.state.Terminal() {
		return
	}
	prev := m.state
	m.state = next
	if m.observe != nil {
		m.observe(m.action, prev, next)
	}
	m.logger.Debug("interaction state", "action", m.action, "from", prev.String(), "to", next.String())
}

func (s *Service) run(ctx context.Context, op operation) (out Outcome, err error) {
	m := &machine{action: op.action, state: StateLocking, observe: s.observe, logger: s.logger}
	defer func() {
		if err != nil {
			m.to(StateFailed)
		} else {
			m.to(StateDone)
		}
		metrics.RecordInteraction(op.action, resultLabel(out, err))
	}()

	h, err := s.locker.TryAcquire(ctx, op.lockKey, s.lockTTL, s.lockMaxWait)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			s.logger.Debug("interaction lock busy", "action", op.action, "key", op.lockKey)
			return Outcome{}, fmt.Errorf("%s %d: %w", op.action, op.req.ResourceID, ErrLockTimeout)
		}
		return Outcome{}, fmt.Errorf("%s: acquire lock: %w", op.action, err)
	}
	defer s.release(ctx, h)

	m.to(StateValidating)
	if op.validate != nil {
		if err := op.validate(ctx); err != nil {
			return Outcome{}, err
		}
	}

	m.to(StateMutating)
	receipt, err := op.write(ctx)
	if err != nil {
		return Outcome{}, &DurableWriteError{Op: op.action, Err: err}
	}

	m.to(StateAwaitingCommit)
	out = Outcome{ID: receipt.ID, Applied: receipt.Changed}
	apply := s.afterCommit(op, receipt)
	if apply == nil {
		return out, nil
	}

	m.to(StatePostCommitApply)
	apply(context.WithoutCancel(ctx))
	return out, nil
}

// afterCommit returns the continuation for a committed write, or nil when
// the write changed nothing.
func (s *Service) afterCommit(op operation, r store.Receipt) func(ctx context.Context) {
	if !r.Changed {
		return nil
	}
	actor := op.req.ActorID
	if op.scoredActor != nil {
		actor = op.scoredActor(r)
	}
	self := actor == op.req.OwnerID
	return func(ctx context.Context) {
		if op.delta != 0 && !self {
			s.applyScore(ctx, op, op.delta)
		}
		s.invalidate(ctx, op)
		if op.notify && !self && s.notifier != nil {
			ev := webhook.Event{
				Action:    op.action,
				ArticleID: op.req.ResourceID,
				ActorID:   actor,
				OwnerID:   op.req.OwnerID,
			}
			if op.action == "comment" {
				ev.CommentID = r.ID
			}
			s.notifier.Notify(ev)
		}
	}
}

func (s *Service) applyScore(ctx context.Context, op operation, delta float64) {
	id := op.req.ResourceID
	_, err := s.breaker.Execute(func() (interface{}, error) {
		if delta < 0 {
			return s.scores.DecrementScore(ctx, id, -delta)
		}
		return s.scores.IncrementScore(ctx, id, delta)
	})
	if err != nil {
		metrics.RecordDerivedStateFailure("ranking")
		s.logger.Warn("ranking update failed", "action", op.action, "resource_id", id, "actor_id", op.req.ActorID, "delta", delta, "err", err)
	}
}

func (s *Service) invalidate(ctx context.Context, op operation) {
	if s.invalidator == nil {
		return
	}
	if op.flag != "" {
		if err := s.invalidator.DeleteWithDoubleDelete(ctx, op.flag); err != nil {
			s.invalidationFailed(op, op.flag, err)
		}
	}
	detail := s.keys.Detail(op.req.ResourceID)
	var err error
	if op.asyncDetail {
		err = s.invalidator.AsyncDelete(ctx, detail)
	} else {
		err = s.invalidator.DeleteWithDoubleDelete(ctx, detail)
	}
	if err != nil {
		s.invalidationFailed(op, detail, err)
	}
}

func (s *Service) invalidationFailed(op operation, key string, err error) {
	metrics.RecordDerivedStateFailure("invalidation")
	s.logger.Warn("cache invalidation failed", "action", op.action, "resource_id", op.req.ResourceID, "actor_id", op.req.ActorID, "key", key, "err", err)
}

func (s *Service) release(ctx context.Context, h *lock.Handle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	ok, err := s.locker.ReleaseHandle(ctx, h)
	if err != nil {
		s.logger.Warn("lock release failed", "key", h.Key, "err", err)
		return
	}
	if !ok {
		s.logger.Warn("lock expired before release", "key", h.Key, "ttl", h.TTL)
	}
}

func (s *Service) requirePublished(id int64) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		a, err := s.records.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return preconditionf("article %d not found", id)
		}
		if err != nil {
			return fmt.Errorf("load article %d: %w", id, err)
		}
		if !a.Published() {
			return preconditionf("article %d is not published", id)
		}
		return nil
	}
}
