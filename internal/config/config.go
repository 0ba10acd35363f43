package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		return nil
	}
	if value.Tag == "!!int" {
		seconds, err := strconv.Atoi(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration integer %q: %w", value.Value, err)
		}
		d.Duration = time.Duration(seconds) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	Redis        RedisConfig        `yaml:"redis"`
	Database     DatabaseConfig     `yaml:"database"`
	Ranking      RankingConfig      `yaml:"ranking"`
	Lock         LockConfig         `yaml:"lock"`
	Invalidation InvalidationConfig `yaml:"invalidation"`
	Reconcile    ReconcileConfig    `yaml:"reconcile"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Notify       NotifyConfig       `yaml:"notify"`
	Control      ControlConfig      `yaml:"control"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
	PoolSize int    `yaml:"pool_size"`
}

// DatabaseConfig selects the source-of-truth store.
type DatabaseConfig struct {
	Driver          string   `yaml:"driver"` // "sqlite" or "postgres"
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

type RankingConfig struct {
	Namespace string        `yaml:"namespace"`
	Timezone  string        `yaml:"timezone"` // IANA name; all bucket keys are computed in this zone
	DayTTL    Duration      `yaml:"day_ttl"`
	WeekTTL   Duration      `yaml:"week_ttl"`
	Weights   WeightsConfig `yaml:"weights"`
	// OverfetchMin is the minimum number of extra entries read by TopN to absorb deleted ids.
	OverfetchMin int `yaml:"overfetch_min"`
}

type WeightsConfig struct {
	View     float64 `yaml:"view"`
	Like     float64 `yaml:"like"`
	Comment  float64 `yaml:"comment"`
	Favorite float64 `yaml:"favorite"`
}

type LockConfig struct {
	TTL           Duration `yaml:"ttl"`
	MaxWait       Duration `yaml:"max_wait"`
	RetryInterval Duration `yaml:"retry_interval"`
}

type InvalidationConfig struct {
	// AsyncEnabled: when false every invalidation mode degrades to a synchronous delete.
	AsyncEnabled *bool    `yaml:"async_enabled"`
	DefaultDelay Duration `yaml:"default_delay"`
	QueueBuffer  int      `yaml:"queue_buffer"`
	CacheTTL     Duration `yaml:"cache_ttl"` // TTL for repopulated flag/detail entries
}

type ReconcileConfig struct {
	Enabled   *bool  `yaml:"enabled"`
	Schedule  string `yaml:"schedule"` // cron spec, e.g. "@every 10m"
	BatchSize int    `yaml:"batch_size"`
	QueueSize int    `yaml:"queue_size"`
}

// BreakerConfig guards best-effort ranking writes after commit.
type BreakerConfig struct {
	MaxRequests      uint32   `yaml:"max_requests"`
	Interval         Duration `yaml:"interval"`
	Timeout          Duration `yaml:"timeout"`
	FailureThreshold uint32   `yaml:"failure_threshold"`
}

type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	// Target selects the payload format: "default" or "discord".
	Target  string   `yaml:"target"`
	Timeout Duration `yaml:"timeout"`
}

type ControlConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token"`
	// TokenHash is a bcrypt hash of the token; preferred over a plaintext token.
	TokenHash string `yaml:"token_hash"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
	// ErrorBuffer is how many recent warning/error lines GET /errors returns.
	ErrorBuffer int `yaml:"error_buffer"`
	// TraceEvents are enabled at startup; see GET/POST /trace.
	TraceEvents []string `yaml:"trace_events"`
}

// Location resolves the ranking timezone.
func (c RankingConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "UTC") {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

func Load(overridePath string) (Config, error) {
	defaultPath := os.Getenv("DEFAULT_CONFIG_PATH")
	if strings.TrimSpace(defaultPath) == "" {
		defaultPath = "config/default.yaml"
	}
	return LoadWithFiles(defaultPath, overridePath)
}

func LoadWithFiles(defaultPath, overridePath string) (Config, error) {
	baseData, err := os.ReadFile(defaultPath)
	if err != nil {
		return Config{}, err
	}
	base, err := parseYAMLMap(baseData)
	if err != nil {
		return Config{}, fmt.Errorf("parse default config: %w", err)
	}
	overridePath = strings.TrimSpace(overridePath)
	if overridePath != "" {
		overrideData, err := os.ReadFile(overridePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, err
			}
		} else {
			override, err := parseYAMLMap(overrideData)
			if err != nil {
				return Config{}, fmt.Errorf("parse override config: %w", err)
			}
			base = mergeMaps(base, override)
		}
	}

	merged, err := yaml.Marshal(base)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(merged, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse merged config: %w", err)
	}
	applyDefaults(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Redis.Address == "" {
		cfg.Redis.Address = "localhost:6379"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "data/hotboard.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime.Duration == 0 {
		cfg.Database.ConnMaxLifetime.Duration = 30 * time.Minute
	}
	if cfg.Ranking.Namespace == "" {
		cfg.Ranking.Namespace = "hotboard"
	}
	if cfg.Ranking.Timezone == "" {
		cfg.Ranking.Timezone = "UTC"
	}
	if cfg.Ranking.DayTTL.Duration == 0 {
		cfg.Ranking.DayTTL.Duration = 48 * time.Hour
	}
	if cfg.Ranking.WeekTTL.Duration == 0 {
		cfg.Ranking.WeekTTL.Duration = 14 * 24 * time.Hour
	}
	if cfg.Ranking.Weights.View == 0 {
		cfg.Ranking.Weights.View = 1
	}
	if cfg.Ranking.Weights.Like == 0 {
		cfg.Ranking.Weights.Like = 5
	}
	if cfg.Ranking.Weights.Comment == 0 {
		cfg.Ranking.Weights.Comment = 10
	}
	if cfg.Ranking.Weights.Favorite == 0 {
		cfg.Ranking.Weights.Favorite = 8
	}
	if cfg.Ranking.OverfetchMin == 0 {
		cfg.Ranking.OverfetchMin = 10
	}
	if cfg.Lock.TTL.Duration == 0 {
		cfg.Lock.TTL.Duration = 10 * time.Second
	}
	if cfg.Lock.MaxWait.Duration == 0 {
		cfg.Lock.MaxWait.Duration = 3 * time.Second
	}
	if cfg.Lock.RetryInterval.Duration == 0 {
		cfg.Lock.RetryInterval.Duration = 50 * time.Millisecond
	}
	if cfg.Invalidation.AsyncEnabled == nil {
		cfg.Invalidation.AsyncEnabled = boolPtr(true)
	}
	if cfg.Invalidation.DefaultDelay.Duration == 0 {
		cfg.Invalidation.DefaultDelay.Duration = 500 * time.Millisecond
	}
	if cfg.Invalidation.QueueBuffer == 0 {
		cfg.Invalidation.QueueBuffer = 1024
	}
	if cfg.Invalidation.CacheTTL.Duration == 0 {
		cfg.Invalidation.CacheTTL.Duration = 10 * time.Minute
	}
	if cfg.Reconcile.Enabled == nil {
		cfg.Reconcile.Enabled = boolPtr(true)
	}
	if cfg.Reconcile.Schedule == "" {
		cfg.Reconcile.Schedule = "@every 10m"
	}
	if cfg.Reconcile.BatchSize == 0 {
		cfg.Reconcile.BatchSize = 200
	}
	if cfg.Reconcile.QueueSize == 0 {
		cfg.Reconcile.QueueSize = 1024
	}
	if cfg.Breaker.MaxRequests == 0 {
		cfg.Breaker.MaxRequests = 1
	}
	if cfg.Breaker.Interval.Duration == 0 {
		cfg.Breaker.Interval.Duration = time.Minute
	}
	if cfg.Breaker.Timeout.Duration == 0 {
		cfg.Breaker.Timeout.Duration = 30 * time.Second
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Notify.Timeout.Duration == 0 {
		cfg.Notify.Timeout.Duration = 5 * time.Second
	}
	if cfg.Control.Enabled == nil {
		cfg.Control.Enabled = boolPtr(false)
	}
	if cfg.Control.Listen == "" {
		cfg.Control.Listen = "0.0.0.0:8081"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "warning"
	}
	if cfg.Logging.ErrorBuffer == 0 {
		cfg.Logging.ErrorBuffer = 100
	}
}

func normalize(cfg *Config) {
	cfg.Redis.Address = strings.TrimSpace(cfg.Redis.Address)
	cfg.Redis.PoolSize = maxInt(cfg.Redis.PoolSize, 1)
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "pgx" || cfg.Database.Driver == "postgresql" {
		cfg.Database.Driver = "postgres"
	}
	cfg.Database.DSN = strings.TrimSpace(cfg.Database.DSN)
	cfg.Database.MaxOpenConns = maxInt(cfg.Database.MaxOpenConns, 1)
	cfg.Database.MaxIdleConns = maxInt(cfg.Database.MaxIdleConns, 0)
	cfg.Ranking.Namespace = strings.TrimSuffix(strings.TrimSpace(cfg.Ranking.Namespace), ":")
	cfg.Ranking.Timezone = strings.TrimSpace(cfg.Ranking.Timezone)
	cfg.Reconcile.Schedule = strings.TrimSpace(cfg.Reconcile.Schedule)
	cfg.Reconcile.BatchSize = maxInt(cfg.Reconcile.BatchSize, 1)
	cfg.Reconcile.QueueSize = maxInt(cfg.Reconcile.QueueSize, 1)
	cfg.Invalidation.QueueBuffer = maxInt(cfg.Invalidation.QueueBuffer, 1)
	cfg.Notify.WebhookURL = strings.TrimSpace(cfg.Notify.WebhookURL)
	cfg.Notify.Target = strings.ToLower(strings.TrimSpace(cfg.Notify.Target))
	if cfg.Notify.Target == "" {
		cfg.Notify.Target = "default"
	}
	cfg.Control.Listen = strings.TrimSpace(cfg.Control.Listen)
	cfg.Control.Token = strings.TrimSpace(cfg.Control.Token)
	cfg.Control.TokenHash = strings.TrimSpace(cfg.Control.TokenHash)
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		cfg.Logging.Format = "text"
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.ErrorBuffer = maxInt(cfg.Logging.ErrorBuffer, 1)
	for i, ev := range cfg.Logging.TraceEvents {
		cfg.Logging.TraceEvents[i] = strings.ToLower(strings.TrimSpace(ev))
	}
}

func validate(cfg *Config) error {
	if cfg.Redis.Address == "" {
		return fmt.Errorf("redis.address must not be empty")
	}
	if _, _, err := net.SplitHostPort(cfg.Redis.Address); err != nil {
		return fmt.Errorf("invalid redis.address %q: %w", cfg.Redis.Address, err)
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
		// valid
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres (got %q)", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn must not be empty")
	}
	if cfg.Ranking.Namespace == "" {
		return fmt.Errorf("ranking.namespace must not be empty")
	}
	if _, err := cfg.Ranking.Location(); err != nil {
		return fmt.Errorf("invalid ranking.timezone %q: %w", cfg.Ranking.Timezone, err)
	}
	if cfg.Ranking.DayTTL.Duration < time.Second {
		return fmt.Errorf("ranking.day_ttl must be at least 1s")
	}
	if cfg.Ranking.WeekTTL.Duration < time.Second {
		return fmt.Errorf("ranking.week_ttl must be at least 1s")
	}
	w := cfg.Ranking.Weights
	if w.View < 0 || w.Like < 0 || w.Comment < 0 || w.Favorite < 0 {
		return fmt.Errorf("ranking.weights must not be negative")
	}
	if cfg.Ranking.OverfetchMin < 0 {
		return fmt.Errorf("ranking.overfetch_min must be zero or greater")
	}
	if cfg.Lock.TTL.Duration <= 0 {
		return fmt.Errorf("lock.ttl must be greater than zero")
	}
	if cfg.Lock.MaxWait.Duration < 0 {
		return fmt.Errorf("lock.max_wait must be zero or greater")
	}
	if cfg.Lock.RetryInterval.Duration <= 0 {
		return fmt.Errorf("lock.retry_interval must be greater than zero")
	}
	if cfg.Invalidation.DefaultDelay.Duration < 0 {
		return fmt.Errorf("invalidation.default_delay must be zero or greater")
	}
	if cfg.Invalidation.CacheTTL.Duration <= 0 {
		return fmt.Errorf("invalidation.cache_ttl must be greater than zero")
	}
	if cfg.Reconcile.Enabled != nil && *cfg.Reconcile.Enabled {
		if _, err := cron.ParseStandard(cfg.Reconcile.Schedule); err != nil {
			return fmt.Errorf("invalid reconcile.schedule %q: %w", cfg.Reconcile.Schedule, err)
		}
	}
	switch cfg.Notify.Target {
	case "default", "discord":
		// valid
	default:
		return fmt.Errorf("notify.target must be default or discord (got %q)", cfg.Notify.Target)
	}
	if cfg.Control.Enabled != nil && *cfg.Control.Enabled {
		if cfg.Control.Listen == "" {
			return fmt.Errorf("control.listen must not be empty when control is enabled")
		}
	}
	return nil
}

func boolPtr(value bool) *bool {
	return &value
}

func maxInt(value, min int) int {
	if value < min {
		return min
	}
	return value
}

func parseYAMLMap(data []byte) (map[string]interface{}, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	normalized, ok := normalizeMap(raw).(map[string]interface{})
	if !ok {
		return map[string]interface{}{}, nil
	}
	return normalized, nil
}

func normalizeMap(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for key, val := range typed {
			out[key] = normalizeMap(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for key, val := range typed {
			keyStr, ok := key.(string)
			if !ok {
				continue
			}
			out[keyStr] = normalizeMap(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(typed))
		for _, val := range typed {
			out = append(out, normalizeMap(val))
		}
		return out
	default:
		return typed
	}
}

func mergeMaps(base, override map[string]interface{}) map[string]interface{} {
	if base == nil {
		base = map[string]interface{}{}
	}
	for key, overrideVal := range override {
		if baseVal, ok := base[key]; ok {
			baseMap, baseOK := baseVal.(map[string]interface{})
			overrideMap, overrideOK := overrideVal.(map[string]interface{})
			if baseOK && overrideOK {
				base[key] = mergeMaps(baseMap, overrideMap)
				continue
			}
		}
		base[key] = overrideVal
	}
	return base
}
