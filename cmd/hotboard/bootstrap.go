package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tternquist/hotboard/internal/bucket"
	"github.com/tternquist/hotboard/internal/cache"
	"github.com/tternquist/hotboard/internal/config"
	"github.com/tternquist/hotboard/internal/control"
	"github.com/tternquist/hotboard/internal/errorlog"
	"github.com/tternquist/hotboard/internal/interaction"
	"github.com/tternquist/hotboard/internal/invalidation"
	"github.com/tternquist/hotboard/internal/lock"
	"github.com/tternquist/hotboard/internal/logging"
	"github.com/tternquist/hotboard/internal/ranking"
	"github.com/tternquist/hotboard/internal/reconcile"
	"github.com/tternquist/hotboard/internal/store/sqlstore"
	"github.com/tternquist/hotboard/internal/tracelog"
	"github.com/tternquist/hotboard/internal/webhook"
)

// engine holds every wired component. Close releases them in reverse
// dependency order.
type engine struct {
	cfg         config.Config
	logger      *slog.Logger
	errors      *errorlog.ErrorBuffer
	trace       *tracelog.Events
	traceLogger *slog.Logger
	redis       *redis.Client
	db          *sqlstore.Store
	keys        *bucket.Generator
	rankings    *ranking.Store
	reconciler  *reconcile.Reconciler
	locker      *lock.Locker
	invalidator *invalidation.Invalidator
	notifier    *webhook.Notifier
	service     *interaction.Service
	cache       *cache.RedisCache
}

func openEngine(ctx context.Context, configPath string) (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return newEngine(ctx, cfg, newLogOutput(os.Stdout, cfg.Logging))
}

// logOutput is the process log pipeline: every line passes through an
// error buffer, and trace records bypass the configured level.
type logOutput struct {
	logger      *slog.Logger
	traceLogger *slog.Logger
	errors      *errorlog.ErrorBuffer
}

func newLogOutput(w io.Writer, cfg config.LoggingConfig) logOutput {
	buf := errorlog.NewBuffer(w, cfg.ErrorBuffer)
	return logOutput{
		logger:      logging.FromConfig(buf, cfg),
		traceLogger: logging.NewLogger(buf, logging.Config{Format: cfg.Format, Level: "debug"}),
		errors:      buf,
	}
}

// newEngine connects to Redis and the database and wires the components.
// Background schedules are not started.
func newEngine(ctx context.Context, cfg config.Config, out logOutput) (*engine, error) {
	loc, err := cfg.Ranking.Location()
	if err != nil {
		return nil, err
	}
	logger := out.logger
	eng := &engine{
		cfg:         cfg,
		logger:      logger,
		errors:      out.errors,
		trace:       tracelog.New(cfg.Logging.TraceEvents),
		traceLogger: logging.Component(out.traceLogger, "trace"),
	}

	eng.redis, err = cache.NewClient(cfg.Redis)
	if err != nil {
		return nil, err
	}
	eng.db, err = sqlstore.Open(ctx, cfg.Database, logging.Component(logger, "store"))
	if err != nil {
		_ = eng.redis.Close()
		return nil, err
	}

	eng.keys = bucket.NewGenerator(cfg.Ranking.Namespace, bucket.SystemClock{}, loc)
	eng.rankings = ranking.NewStore(eng.redis, eng.keys, eng.db, ranking.Options{
		DayTTL:       cfg.Ranking.DayTTL.Duration,
		WeekTTL:      cfg.Ranking.WeekTTL.Duration,
		OverfetchMin: cfg.Ranking.OverfetchMin,
		Logger:       logging.Component(logger, "ranking"),
	})
	if cfg.Reconcile.Enabled != nil && *cfg.Reconcile.Enabled {
		eng.reconciler = reconcile.New(eng.redis, eng.keys, eng.db, reconcile.Options{
			QueueSize: cfg.Reconcile.QueueSize,
			BatchSize: cfg.Reconcile.BatchSize,
			Location:  loc,
			Logger:    logging.Component(logger, "reconcile"),
		})
		eng.rankings.SetPruner(eng.reconciler)
	}

	eng.locker = lock.NewLocker(eng.redis, cfg.Lock.RetryInterval.Duration, logging.Component(logger, "lock"))
	eng.cache = cache.NewRedisCache(eng.redis)
	eng.invalidator, err = invalidation.New(eng.cache, invalidation.Options{
		AsyncEnabled: cfg.Invalidation.AsyncEnabled == nil || *cfg.Invalidation.AsyncEnabled,
		DefaultDelay: cfg.Invalidation.DefaultDelay.Duration,
		QueueBuffer:  cfg.Invalidation.QueueBuffer,
		Logger:       logging.Component(logger, "invalidation"),
	})
	if err != nil {
		eng.Close(ctx)
		return nil, err
	}

	eng.notifier = webhook.NewNotifier(cfg.Notify.WebhookURL, cfg.Notify.Target, cfg.Notify.Timeout.Duration, logging.Component(logger, "webhook"))
	eng.service = interaction.NewService(eng.db, eng.db, eng.locker, eng.rankings, eng.invalidator, eng.cache, interaction.Options{
		Weights:      ranking.WeightsFromConfig(cfg.Ranking.Weights),
		LockTTL:      cfg.Lock.TTL.Duration,
		LockMaxWait:  cfg.Lock.MaxWait.Duration,
		CacheTTL:     cfg.Invalidation.CacheTTL.Duration,
		Namespace:    cfg.Ranking.Namespace,
		Breaker:      cfg.Breaker,
		Notifier:     eng.notifier,
		Logger:       logging.Component(logger, "interaction"),
		OnTransition: eng.traceTransition,
	})
	return eng, nil
}

func (e *engine) traceTransition(action string, from, to interaction.State) {
	tracelog.Trace(e.trace, e.traceLogger, tracelog.EventTransition, "interaction transition",
		"action", action, "from", from.String(), "to", to.String())
	if to.Terminal() {
		tracelog.Trace(e.trace, e.traceLogger, tracelog.EventOutcome, "interaction finished",
			"action", action, "state", to.String())
	}
}

// Close drains background work and closes connections. Safe on a partially
// built engine.
func (e *engine) Close(ctx context.Context) {
	if e.reconciler != nil {
		if err := e.reconciler.Close(); err != nil {
			e.logger.Warn("reconciler close", "err", err)
		}
	}
	if e.invalidator != nil {
		if err := e.invalidator.Close(); err != nil {
			e.logger.Warn("invalidator close", "err", err)
		}
	}
	if e.notifier != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := e.notifier.Wait(waitCtx); err != nil {
			e.logger.Warn("webhook deliveries still pending at shutdown", "err", err)
		}
		cancel()
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.logger.Warn("database close", "err", err)
		}
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
}

// controlConfig builds the control server dependencies. A disabled
// reconciler is left as a nil interface so the endpoint reports 503.
func (e *engine) controlConfig(configPath string) control.Config {
	cc := control.Config{
		ControlCfg:   e.cfg.Control,
		ConfigPath:   configPath,
		Rankings:     e.rankings,
		Locks:        e.locker,
		Invalidation: e.invalidator,
		Cache:        e.cache,
		Errors:       e.errors,
		Trace:        e.trace,
		Logger:       logging.Component(e.logger, "control"),
	}
	if e.reconciler != nil {
		cc.Reconciler = e.reconciler
	}
	return cc
}

// runServer loads config, wires components, starts the control server and
// the reconcile schedule, and blocks until shutdown.
func runServer(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	out := newLogOutput(os.Stdout, cfg.Logging)
	logger := out.logger
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(ctx, cfg, out)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	if eng.reconciler != nil {
		if err := eng.reconciler.Start(cfg.Reconcile.Schedule); err != nil {
			return err
		}
	}

	server := control.Start(eng.controlConfig(configPath))
	logger.Info("hotboard started",
		"namespace", cfg.Ranking.Namespace,
		"timezone", cfg.Ranking.Timezone,
		"day_key", eng.keys.CurrentDayKey(),
		"week_key", eng.keys.CurrentWeekKey(),
		"async_invalidation", eng.invalidator.AsyncEnabled(),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("control server shutdown", "err", err)
		}
		cancel()
	}
	return nil
}
