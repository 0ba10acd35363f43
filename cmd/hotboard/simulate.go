package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tternquist/hotboard/internal/bucket"
	"github.com/tternquist/hotboard/internal/interaction"
	"github.com/tternquist/hotboard/internal/store"
)

// ownerBase keeps simulated owners disjoint from simulated actors so every
// interaction is scored.
const ownerBase = 1_000_000

type simOptions struct {
	configPath  string
	articles    int
	users       int
	ops         int
	concurrency int
	seed        int64
	actions     []string
	top         int
}

type simStats struct {
	total     int64
	errors    int64
	latencies []int64
	outcomes  map[string]int64
	mu        sync.Mutex
	index     uint64
}

var simActions = []string{"view", "like", "unlike", "favorite", "unfavorite", "comment"}

// runSimulate creates a batch of published articles and drives random
// interactions against them through the full orchestrator, then prints
// latency percentiles and the resulting day leaderboard.
func runSimulate(args []string) error {
	opts, err := parseSimFlags(args)
	if err != nil {
		return err
	}
	logger := log.New(os.Stdout, "simulate ", log.LstdFlags)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	eng, err := openEngine(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	ids, err := createArticles(ctx, eng, opts.articles)
	if err != nil {
		return err
	}
	logger.Printf("created %d articles, starting %d interactions with %d workers", len(ids), opts.ops, opts.concurrency)

	start := time.Now()
	stats := runInteractions(ctx, eng.service, ids, opts)
	elapsed := time.Since(start)
	printSimSummary(stats, elapsed, logger)

	if err := eng.invalidator.Drain(ctx); err != nil {
		logger.Printf("invalidation queue not drained: %v", err)
	}
	top, err := eng.rankings.TopN(ctx, bucket.Day, opts.top)
	if err != nil {
		return err
	}
	logger.Printf("top %d (%s):", opts.top, eng.keys.CurrentDayKey())
	for _, e := range top {
		logger.Printf("  #%d article=%d score=%.0f", e.Rank, e.ID, e.Score)
	}
	return nil
}

func parseSimFlags(args []string) (simOptions, error) {
	opts := simOptions{}
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", defaultConfigPath(), "Path to YAML config")
	fs.IntVar(&opts.articles, "articles", 50, "Number of articles to create")
	fs.IntVar(&opts.users, "users", 200, "Number of distinct acting users")
	fs.IntVar(&opts.ops, "ops", 10000, "Number of interactions to run")
	fs.IntVar(&opts.concurrency, "concurrency", 50, "Number of concurrent workers")
	fs.Int64Var(&opts.seed, "seed", time.Now().UnixNano(), "Random seed")
	fs.IntVar(&opts.top, "top", 10, "Leaderboard entries to print")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.articles <= 0 {
		opts.articles = 1
	}
	if opts.users <= 0 {
		opts.users = 1
	}
	if opts.ops <= 0 {
		opts.ops = 1
	}
	if opts.concurrency <= 0 {
		opts.concurrency = 1
	}
	if opts.top <= 0 {
		opts.top = 10
	}
	opts.actions = simActions
	return opts, nil
}

func createArticles(ctx context.Context, eng *engine, n int) ([]int64, error) {
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := eng.db.CreateArticle(ctx, ownerOf(i), fmt.Sprintf("simulated article %d", i), store.StatusPublished)
		if err != nil {
			return nil, fmt.Errorf("create article: %w", err)
		}
		if err := eng.rankings.InitializeEntity(ctx, id); err != nil {
			return nil, fmt.Errorf("initialize article %d: %w", id, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func ownerOf(articleIndex int) int64 {
	return ownerBase + int64(articleIndex)
}

func runInteractions(ctx context.Context, svc *interaction.Service, ids []int64, opts simOptions) *simStats {
	stats := &simStats{
		total:     int64(opts.ops),
		latencies: make([]int64, opts.ops),
		outcomes:  make(map[string]int64),
	}

	jobs := make(chan int, opts.concurrency)
	var wg sync.WaitGroup
	for w := 0; w < opts.concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(opts.seed + int64(worker)))
			for range jobs {
				idx := rng.Intn(len(ids))
				req := interaction.Request{
					ResourceID: ids[idx],
					ActorID:    int64(rng.Intn(opts.users) + 1),
					OwnerID:    ownerOf(idx),
				}
				action := opts.actions[rng.Intn(len(opts.actions))]

				start := time.Now()
				out, err := perform(ctx, svc, action, req)
				duration := time.Since(start)

				index := atomic.AddUint64(&stats.index, 1) - 1
				if int(index) < len(stats.latencies) {
					stats.latencies[index] = duration.Microseconds()
				}
				if err != nil {
					atomic.AddInt64(&stats.errors, 1)
				}
				stats.mu.Lock()
				stats.outcomes[action+"/"+outcomeLabel(out, err)]++
				stats.mu.Unlock()
			}
		}(w)
	}

	for i := 0; i < opts.ops; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return stats
}

func perform(ctx context.Context, svc *interaction.Service, action string, req interaction.Request) (interaction.Outcome, error) {
	switch action {
	case "view":
		return svc.View(ctx, req)
	case "like":
		return svc.Like(ctx, req)
	case "unlike":
		return svc.Unlike(ctx, req)
	case "favorite":
		return svc.Favorite(ctx, req)
	case "unfavorite":
		return svc.Unfavorite(ctx, req)
	case "comment":
		return svc.CreateComment(ctx, req, "simulated comment")
	default:
		return interaction.Outcome{}, fmt.Errorf("unknown action %q", action)
	}
}

func outcomeLabel(out interaction.Outcome, err error) string {
	switch {
	case err == nil && out.Applied:
		return "applied"
	case err == nil:
		return "noop"
	case errors.Is(err, interaction.ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, interaction.ErrPreconditionFailed):
		return "precondition_failed"
	default:
		return "error"
	}
}

func printSimSummary(stats *simStats, elapsed time.Duration, logger *log.Logger) {
	n := int(stats.index)
	if n > len(stats.latencies) {
		n = len(stats.latencies)
	}
	if n == 0 {
		logger.Printf("no latency samples recorded")
		return
	}
	sorted := make([]int64, n)
	copy(sorted, stats.latencies[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	logger.Printf("elapsed: %s", elapsed.Round(time.Millisecond))
	logger.Printf("ops/s: %.2f", float64(stats.total)/elapsed.Seconds())
	logger.Printf("latency (ms): avg=%.3f p50=%.3f p95=%.3f p99=%.3f min=%.3f max=%.3f",
		toMillis(average(sorted)), toMillis(percentile(sorted, 50)), toMillis(percentile(sorted, 95)),
		toMillis(percentile(sorted, 99)), toMillis(sorted[0]), toMillis(sorted[len(sorted)-1]))

	stats.mu.Lock()
	logger.Printf("outcomes:")
	for _, k := range sortedKeys(stats.outcomes) {
		logger.Printf("  %s: %d", k, stats.outcomes[k])
	}
	stats.mu.Unlock()
	logger.Printf("errors: %d", stats.errors)
}

func average(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	var sum int64
	for _, v := range values {
		sum += v
	}
	return sum / int64(len(values))
}

// percentile expects values sorted ascending.
func percentile(values []int64, p int) int64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 100 {
		return values[len(values)-1]
	}
	rank := (float64(p) / 100) * float64(len(values)-1)
	index := int(rank + 0.5)
	if index >= len(values) {
		index = len(values) - 1
	}
	return values[index]
}

func toMillis(value int64) float64 {
	return float64(value) / 1000
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
