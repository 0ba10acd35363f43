package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/tternquist/hotboard/internal/cache"
	"github.com/tternquist/hotboard/internal/metrics"
)

// Mode selects how a cache key is invalidated.
type Mode string

const (
	// ModeDelete deletes the key synchronously.
	ModeDelete Mode = "delete"
	// ModeDelayedDelete deletes now and again after a delay.
	ModeDelayedDelete Mode = "delayed_delete"
	// ModeAsyncDelete deletes the key from the background consumer only.
	ModeAsyncDelete Mode = "async_delete"
	// ModeAsyncUpdate replaces the cached value from the background consumer.
	ModeAsyncUpdate Mode = "async_update"
)

const (
	topic          = "cache.invalidate"
	handlerTimeout = 2 * time.Second
)

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("invalidator closed")

// Event is one invalidation request.
type Event struct {
	Key  string `json:"key"`
	Mode Mode   `json:"mode"`
	// Delay overrides the default delay for ModeDelayedDelete when > 0.
	Delay time.Duration `json:"delay,omitempty"`
	// Value and TTL are used by ModeAsyncUpdate.
	Value []byte        `json:"value,omitempty"`
	TTL   time.Duration `json:"ttl,omitempty"`
}

type Options struct {
	AsyncEnabled bool
	DefaultDelay time.Duration
	QueueBuffer  int
	Logger       *slog.Logger
}

// Invalidator is the single dispatch point for cache invalidation. Async
// work runs on a watermill in-process queue drained by one consumer
// goroutine; delayed second deletes are scheduled with timers that publish
// to the same queue.
type Invalidator struct {
	cache        cache.Cache
	pubsub       *gochannel.GoChannel
	defaultDelay time.Duration
	logger       *slog.Logger

	asyncEnabled atomic.Bool
	inflight     atomic.Int64

	mu     sync.RWMutex
	closed bool
	timers sync.WaitGroup
	done   chan struct{}
}

// New creates an Invalidator and starts its consumer.
func New(c cache.Cache, opts Options) (*Invalidator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := opts.QueueBuffer
	if buffer <= 0 {
		buffer = 1024
	}
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(buffer),
	}, watermill.NewSlogLogger(logger))

	messages, err := pubsub.Subscribe(context.Background(), topic)
	if err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	inv := &Invalidator{
		cache:        c,
		pubsub:       pubsub,
		defaultDelay: opts.DefaultDelay,
		logger:       logger,
		done:         make(chan struct{}),
	}
	inv.asyncEnabled.Store(opts.AsyncEnabled)
	go inv.consume(messages)
	return inv, nil
}

// SetAsyncEnabled toggles the kill-switch. When disabled every mode is
// executed as a plain synchronous delete.
func (inv *Invalidator) SetAsyncEnabled(enabled bool) {
	prev := inv.asyncEnabled.Swap(enabled)
	if prev != enabled {
		inv.logger.Warn("async invalidation toggled", "enabled", enabled)
	}
}

// AsyncEnabled reports the kill-switch state.
func (inv *Invalidator) AsyncEnabled() bool {
	return inv.asyncEnabled.Load()
}

// DefaultDelay returns the delay used by double deletes without an override.
func (inv *Invalidator) DefaultDelay() time.Duration {
	return inv.defaultDelay
}

// Dispatch runs ev according to its mode. Errors are only returned for the
// synchronous part of the work; background failures are logged.
func (inv *Invalidator) Dispatch(ctx context.Context, ev Event) error {
	if ev.Key == "" {
		return fmt.Errorf("invalidation key must not be empty")
	}
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	if inv.closed {
		return ErrClosed
	}

	if !inv.AsyncEnabled() {
		return inv.deleteNow(ctx, ev.Key, ModeDelete)
	}
	switch ev.Mode {
	case ModeDelete, "":
		return inv.deleteNow(ctx, ev.Key, ModeDelete)
	case ModeDelayedDelete:
		err := inv.deleteNow(ctx, ev.Key, ModeDelayedDelete)
		delay := ev.Delay
		if delay <= 0 {
			delay = inv.defaultDelay
		}
		inv.schedule(Event{Key: ev.Key, Mode: ModeAsyncDelete}, delay)
		return err
	case ModeAsyncDelete, ModeAsyncUpdate:
		metrics.RecordInvalidation(string(ev.Mode))
		inv.inflight.Add(1)
		inv.publish(ev)
		return nil
	default:
		return fmt.Errorf("unknown invalidation mode %q", ev.Mode)
	}
}

// Delete removes keys immediately.
func (inv *Invalidator) Delete(ctx context.Context, key string) error {
	return inv.Dispatch(ctx, Event{Key: key, Mode: ModeDelete})
}

// DeleteWithDoubleDelete deletes key now and again after the default delay.
func (inv *Invalidator) DeleteWithDoubleDelete(ctx context.Context, key string) error {
	return inv.Dispatch(ctx, Event{Key: key, Mode: ModeDelayedDelete})
}

// DeleteWithDelay is DeleteWithDoubleDelete with an explicit delay.
func (inv *Invalidator) DeleteWithDelay(ctx context.Context, key string, delay time.Duration) error {
	return inv.Dispatch(ctx, Event{Key: key, Mode: ModeDelayedDelete, Delay: delay})
}

// AsyncDelete queues a delete without deleting synchronously.
func (inv *Invalidator) AsyncDelete(ctx context.Context, key string) error {
	return inv.Dispatch(ctx, Event{Key: key, Mode: ModeAsyncDelete})
}

// AsyncUpdate queues a replacement of the cached value.
func (inv *Invalidator) AsyncUpdate(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return inv.Dispatch(ctx, Event{Key: key, Mode: ModeAsyncUpdate, Value: value, TTL: ttl})
}

// Drain blocks until all queued and scheduled work has been handled.
func (inv *Invalidator) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for inv.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Pending returns the number of queued or scheduled events not yet handled.
func (inv *Invalidator) Pending() int64 {
	return inv.inflight.Load()
}

// Close waits for scheduled second deletes to fire, drains the queue and
// stops the consumer.
func (inv *Invalidator) Close() error {
	if inv == nil {
		return nil
	}
	inv.mu.Lock()
	if inv.closed {
		inv.mu.Unlock()
		return nil
	}
	inv.closed = true
	inv.mu.Unlock()

	inv.timers.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := inv.Drain(ctx); err != nil {
		inv.logger.Warn("invalidation queue not drained before close", "pending", inv.Pending())
	}
	err := inv.pubsub.Close()
	<-inv.done
	return err
}

func (inv *Invalidator) deleteNow(ctx context.Context, key string, mode Mode) error {
	metrics.RecordInvalidation(string(mode))
	if err := inv.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	return nil
}

// schedule must be called with inv.mu read-locked.
func (inv *Invalidator) schedule(ev Event, delay time.Duration) {
	inv.inflight.Add(1)
	inv.timers.Add(1)
	time.AfterFunc(delay, func() {
		defer inv.timers.Done()
		inv.publish(ev)
	})
}

// publish hands ev to the consumer. The caller has already counted it as inflight.
func (inv *Invalidator) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err == nil {
		err = inv.pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), payload))
	}
	if err != nil {
		inv.logger.Warn("invalidation publish failed, handling inline", "key", ev.Key, "mode", ev.Mode, "err", err)
		inv.handle(ev)
		return
	}
	metrics.RecordInvalidationPublished()
}

func (inv *Invalidator) consume(messages <-chan *message.Message) {
	defer close(inv.done)
	for msg := range messages {
		var ev Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			inv.logger.Error("invalid invalidation payload", "uuid", msg.UUID, "err", err)
			msg.Ack()
			inv.inflight.Add(-1)
			continue
		}
		inv.handle(ev)
		msg.Ack()
		metrics.RecordInvalidationHandled()
	}
}

// handle executes a background event and marks it done.
func (inv *Invalidator) handle(ev Event) {
	defer inv.inflight.Add(-1)
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	var err error
	switch ev.Mode {
	case ModeAsyncUpdate:
		if inv.AsyncEnabled() {
			err = inv.cache.Set(ctx, ev.Key, ev.Value, ev.TTL)
		} else {
			err = inv.cache.Delete(ctx, ev.Key)
		}
	default:
		err = inv.cache.Delete(ctx, ev.Key)
	}
	if err != nil {
		metrics.RecordDerivedStateFailure("invalidation")
		inv.logger.Warn("background invalidation failed", "key", ev.Key, "mode", ev.Mode, "err", err)
	}
}
