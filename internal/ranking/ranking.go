package ranking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tternquist/hotboard/internal/bucket"
	"github.com/tternquist/hotboard/internal/metrics"
)

const (
	defaultDayTTL  = 48 * time.Hour
	defaultWeekTTL = 14 * 24 * time.Hour
	seedChunkSize  = 500
)

// incrementScript applies one delta to the day and week buckets and refreshes
// both TTLs. KEYS: day, week. ARGV: member, delta, day ttl s, week ttl s.
// Returns the new day score.
var incrementScript = redis.NewScript(`
local day = redis.call("ZINCRBY", KEYS[1], ARGV[2], ARGV[1])
redis.call("ZINCRBY", KEYS[2], ARGV[2], ARGV[1])
redis.call("EXPIRE", KEYS[1], ARGV[3])
redis.call("EXPIRE", KEYS[2], ARGV[4])
return day
`)

// Source is the slice of the source of truth the ranking store reads.
type Source interface {
	BatchExists(ctx context.Context, ids []int64) (map[int64]bool, error)
	ListPublishedIDs(ctx context.Context) ([]int64, error)
}

// Pruner receives ids found missing from the source of truth. Enqueue must
// not block.
type Pruner interface {
	Enqueue(key string, ids []int64)
}

// Entry is one leaderboard row. Rank is 1-based.
type Entry struct {
	ID    int64   `json:"id"`
	Score float64 `json:"score"`
	Rank  int64   `json:"rank"`
}

type Options struct {
	DayTTL       time.Duration
	WeekTTL      time.Duration
	OverfetchMin int
	Logger       *slog.Logger
}

// Store owns the day and week leaderboards.
type Store struct {
	client       redis.UniversalClient
	keys         *bucket.Generator
	source       Source
	pruner       Pruner
	dayTTL       time.Duration
	weekTTL      time.Duration
	overfetchMin int
	logger       *slog.Logger
}

func NewStore(client redis.UniversalClient, keys *bucket.Generator, source Source, opts Options) *Store {
	if opts.DayTTL <= 0 {
		opts.DayTTL = defaultDayTTL
	}
	if opts.WeekTTL <= 0 {
		opts.WeekTTL = defaultWeekTTL
	}
	if opts.OverfetchMin <= 0 {
		opts.OverfetchMin = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		client:       client,
		keys:         keys,
		source:       source,
		dayTTL:       opts.DayTTL,
		weekTTL:      opts.WeekTTL,
		overfetchMin: opts.OverfetchMin,
		logger:       opts.Logger,
	}
}

// SetPruner wires the reconciler. A nil pruner disables lazy pruning.
func (s *Store) SetPruner(p Pruner) {
	s.pruner = p
}

// Keys returns the bucket key generator.
func (s *Store) Keys() *bucket.Generator {
	return s.keys
}

func (s *Store) TTL(p bucket.Period) time.Duration {
	if p == bucket.Week {
		return s.weekTTL
	}
	return s.dayTTL
}

// IncrementScore adds delta to id in the current day and week buckets in one
// atomic script and returns the new day score.
func (s *Store) IncrementScore(ctx context.Context, id int64, delta float64) (float64, error) {
	now := s.keys.Now()
	dayKey, weekKey := s.keys.DayKey(now), s.keys.WeekKey(now)
	res, err := incrementScript.Run(ctx, s.client, []string{dayKey, weekKey},
		member(id), delta, ttlSeconds(s.dayTTL), ttlSeconds(s.weekTTL)).Result()
	if err != nil {
		return 0, fmt.Errorf("increment score %d: %w", id, err)
	}
	score, err := toFloat(res)
	if err != nil {
		return 0, fmt.Errorf("increment score %d: %w", id, err)
	}
	metrics.RecordScoreUpdate()
	return score, nil
}

// DecrementScore is IncrementScore with the negated delta.
func (s *Store) DecrementScore(ctx context.Context, id int64, delta float64) (float64, error) {
	return s.IncrementScore(ctx, id, -delta)
}

// InitializeEntity adds id at score 0 to the current buckets if absent.
// Existing scores are never reset.
func (s *Store) InitializeEntity(ctx context.Context, id int64) error {
	now := s.keys.Now()
	dayKey, weekKey := s.keys.DayKey(now), s.keys.WeekKey(now)
	z := redis.Z{Score: 0, Member: member(id)}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddNX(ctx, dayKey, z)
		pipe.ZAddNX(ctx, weekKey, z)
		pipe.Expire(ctx, dayKey, s.dayTTL)
		pipe.Expire(ctx, weekKey, s.weekTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("initialize entity %d: %w", id, err)
	}
	return nil
}

// RemoveEntity removes id from the current day and week buckets only.
func (s *Store) RemoveEntity(ctx context.Context, id int64) error {
	now := s.keys.Now()
	m := member(id)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.keys.DayKey(now), m)
		pipe.ZRem(ctx, s.keys.WeekKey(now), m)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove entity %d: %w", id, err)
	}
	return nil
}

// TopN returns the n highest scoring live entities of the current bucket.
// It over-fetches to absorb entries whose records are gone, and hands those
// to the pruner after the result is built.
func (s *Store) TopN(ctx context.Context, p bucket.Period, n int) ([]Entry, error) {
	if n <= 0 {
		return []Entry{}, nil
	}
	key := s.keys.CurrentKey(p)
	fetch := s.overfetch(n)
	zs, err := s.client.ZRevRangeWithScores(ctx, key, 0, int64(fetch-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("top %d %s: %w", n, p, err)
	}
	live, stale, err := s.filter(ctx, zs)
	if err != nil {
		return nil, fmt.Errorf("top %d %s: %w", n, p, err)
	}
	if len(live) > n {
		live = live[:n]
	}
	entries := make([]Entry, len(live))
	for i, e := range live {
		entries[i] = Entry{ID: e.ID, Score: e.Score, Rank: int64(i + 1)}
	}
	s.prune(key, stale)
	return entries, nil
}

// Page returns one page (1-based) over raw bucket positions. total is the
// raw bucket cardinality, so pages may be short right after deletions.
func (s *Store) Page(ctx context.Context, p bucket.Period, page, pageSize int) ([]Entry, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		return []Entry{}, 0, nil
	}
	key := s.keys.CurrentKey(p)
	start := int64(page-1) * int64(pageSize)
	stop := start + int64(pageSize) - 1

	var rangeCmd *redis.ZSliceCmd
	var cardCmd *redis.IntCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		rangeCmd = pipe.ZRevRangeWithScores(ctx, key, start, stop)
		cardCmd = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("page %d %s: %w", page, p, err)
	}
	zs := rangeCmd.Val()
	total := cardCmd.Val()

	live, stale, err := s.filter(ctx, zs)
	if err != nil {
		return nil, 0, fmt.Errorf("page %d %s: %w", page, p, err)
	}
	entries := make([]Entry, len(live))
	for i, e := range live {
		entries[i] = Entry{ID: e.ID, Score: e.Score, Rank: start + int64(e.pos) + 1}
	}
	s.prune(key, stale)
	return entries, total, nil
}

// Score returns id's score in the current day bucket. ok is false when absent.
func (s *Store) Score(ctx context.Context, id int64) (float64, bool, error) {
	return s.ScoreIn(ctx, bucket.Day, id)
}

// ScoreIn returns id's score in the current bucket of p.
func (s *Store) ScoreIn(ctx context.Context, p bucket.Period, id int64) (float64, bool, error) {
	score, err := s.client.ZScore(ctx, s.keys.CurrentKey(p), member(id)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("score %d: %w", id, err)
	}
	return score, true, nil
}

// Size returns the cardinality of the current bucket of p.
func (s *Store) Size(ctx context.Context, p bucket.Period) (int64, error) {
	n, err := s.client.ZCard(ctx, s.keys.CurrentKey(p)).Result()
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", p, err)
	}
	return n, nil
}

// ResetPeriod recreates the current bucket of p with every published entity
// at score 0. Existing scores in that bucket are discarded.
func (s *Store) ResetPeriod(ctx context.Context, p bucket.Period) (int, error) {
	ids, err := s.source.ListPublishedIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset %s: %w", p, err)
	}
	key := s.keys.CurrentKey(p)
	ttl := s.TTL(p)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		for _, chunk := range chunkIDs(ids, seedChunkSize) {
			pipe.ZAdd(ctx, key, zeroMembers(chunk)...)
		}
		if len(ids) > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reset %s: %w", p, err)
	}
	s.logger.Info("ranking period reset", "period", string(p), "key", key, "seeded", len(ids))
	return len(ids), nil
}

// Seed adds every published entity to both current buckets at score 0
// without touching existing scores.
func (s *Store) Seed(ctx context.Context) (int, error) {
	ids, err := s.source.ListPublishedIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("seed: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	now := s.keys.Now()
	dayKey, weekKey := s.keys.DayKey(now), s.keys.WeekKey(now)
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, chunk := range chunkIDs(ids, seedChunkSize) {
			zs := zeroMembers(chunk)
			pipe.ZAddNX(ctx, dayKey, zs...)
			pipe.ZAddNX(ctx, weekKey, zs...)
		}
		pipe.Expire(ctx, dayKey, s.dayTTL)
		pipe.Expire(ctx, weekKey, s.weekTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("seed: %w", err)
	}
	return len(ids), nil
}

type liveEntry struct {
	ID    int64
	Score float64
	pos   int
}

// filter keeps entries whose records are live. Members that are not ids are
// skipped and logged.
func (s *Store) filter(ctx context.Context, zs []redis.Z) ([]liveEntry, []int64, error) {
	if len(zs) == 0 {
		return nil, nil, nil
	}
	candidates := make([]liveEntry, 0, len(zs))
	ids := make([]int64, 0, len(zs))
	for i, z := range zs {
		raw, _ := z.Member.(string)
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.logger.Warn("non-numeric leaderboard member", "member", z.Member)
			continue
		}
		candidates = append(candidates, liveEntry{ID: id, Score: z.Score, pos: i})
		ids = append(ids, id)
	}
	exists, err := s.source.BatchExists(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	live := candidates[:0]
	var stale []int64
	for _, c := range candidates {
		if exists[c.ID] {
			live = append(live, c)
		} else {
			stale = append(stale, c.ID)
		}
	}
	return live, stale, nil
}

func (s *Store) prune(key string, stale []int64) {
	if len(stale) == 0 || s.pruner == nil {
		return
	}
	s.pruner.Enqueue(key, stale)
}

// overfetch is 1.5x n, and at least n plus the configured minimum.
func (s *Store) overfetch(n int) int {
	fetch := (n*3 + 1) / 2
	if fetch < n+s.overfetchMin {
		fetch = n + s.overfetchMin
	}
	return fetch
}

func member(id int64) string {
	return strconv.FormatInt(id, 10)
}

func ttlSeconds(d time.Duration) int64 {
	sec := int64(d / time.Second)
	if sec < 1 {
		sec = 1
	}
	return sec
}

func toFloat(v interface{}) (float64, error) {
	switch val := v.(type) {
	case string:
		return strconv.ParseFloat(val, 64)
	case int64:
		return float64(val), nil
	case float64:
		return val, nil
	default:
		return 0, fmt.Errorf("unexpected script result type %T", v)
	}
}

func chunkIDs(ids []int64, size int) [][]int64 {
	var out [][]int64
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

func zeroMembers(ids []int64) []redis.Z {
	zs := make([]redis.Z, len(ids))
	for i, id := range ids {
		zs[i] = redis.Z{Score: 0, Member: member(id)}
	}
	return zs
}
