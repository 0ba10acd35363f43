package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tternquist/hotboard/internal/metrics"
)

// ErrNotAcquired is returned when the lock is still held by someone else after maxWait.
var ErrNotAcquired = errors.New("lock not acquired")

const (
	keyPrefix            = "lock:"
	defaultRetryInterval = 50 * time.Millisecond
	defaultTTL           = 10 * time.Second
)

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Key builds a namespaced lock key, e.g. Key("like", "42", "7") = "lock:like:42:7".
func Key(parts ...string) string {
	return keyPrefix + strings.Join(parts, ":")
}

// Handle is a held lock. Only the token holder may release it.
type Handle struct {
	Key   string
	Token string
	TTL   time.Duration
}

// Locker is an advisory Redis lock shared by every instance pointing at the same Redis.
type Locker struct {
	client        redis.UniversalClient
	retryInterval time.Duration
	logger        *slog.Logger
	newToken      func() string
}

// NewLocker creates a Locker. retryInterval <= 0 uses 50ms.
func NewLocker(client redis.UniversalClient, retryInterval time.Duration, logger *slog.Logger) *Locker {
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{
		client:        client,
		retryInterval: retryInterval,
		logger:        logger,
		newToken:      uuid.NewString,
	}
}

// TryAcquire sets key to a fresh token with expiry ttl if the key is absent,
// polling every retry interval until maxWait elapses. It returns ErrNotAcquired
// on timeout and ctx.Err() if the context ends first. maxWait <= 0 means a
// single attempt.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl, maxWait time.Duration) (*Handle, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	token := l.newToken()
	deadline := time.Now().Add(maxWait)
	attempts := 0
	for {
		attempts++
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			metrics.RecordLockAcquire("error")
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			metrics.RecordLockAcquire("acquired")
			return &Handle{Key: key, Token: token, TTL: ttl}, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			metrics.RecordLockAcquire("timeout")
			l.logger.Debug("lock wait timed out", "key", key, "attempts", attempts, "max_wait", maxWait)
			return nil, ErrNotAcquired
		}
		wait := l.retryInterval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.RecordLockAcquire("error")
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Release deletes key only if it still holds token. It returns false when the
// lock already expired, was released, or belongs to another holder.
func (l *Locker) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int64()
	if err != nil {
		metrics.RecordLockRelease("error")
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	if n == 0 {
		metrics.RecordLockRelease("not_held")
		l.logger.Warn("lock release skipped: token mismatch or expired", "key", key)
		return false, nil
	}
	metrics.RecordLockRelease("released")
	return true, nil
}

// ReleaseHandle is Release for a handle; nil handles are a no-op.
func (l *Locker) ReleaseHandle(ctx context.Context, h *Handle) (bool, error) {
	if h == nil {
		return false, nil
	}
	return l.Release(ctx, h.Key, h.Token)
}

// ForceRelease deletes key without a token check. Operator recovery only.
func (l *Locker) ForceRelease(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Del(ctx, key).Result()
	if err != nil {
		metrics.RecordLockRelease("error")
		return false, fmt.Errorf("force release %s: %w", key, err)
	}
	metrics.RecordLockRelease("forced")
	l.logger.Warn("lock force released", "key", key, "existed", n > 0)
	return n > 0, nil
}

// Holder returns the token currently stored at key, or "" if unlocked.
func (l *Locker) Holder(ctx context.Context, key string) (string, error) {
	token, err := l.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("holder %s: %w", key, err)
	}
	return token, nil
}
