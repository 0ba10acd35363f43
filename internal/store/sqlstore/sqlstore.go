package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/tternquist/hotboard/internal/config"
	"github.com/tternquist/hotboard/internal/store"
	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

// Dialect selects placeholder style and schema.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Store is the database/sql source of truth for articles and interactions.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
	now     func() time.Time
}

var (
	_ store.Records      = (*Store)(nil)
	_ store.Interactions = (*Store)(nil)
)

// Open connects to the configured database, applies pool settings and
// creates the schema if needed.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	var (
		db      *sql.DB
		err     error
		dialect Dialect
	)
	switch cfg.Driver {
	case "postgres":
		dialect = Postgres
		db, err = sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	case "sqlite", "":
		dialect = SQLite
		db, err = sql.Open("sqlite", sqliteDSN(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite allows a single writer; one connection serializes transactions.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	s := New(db, dialect, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if logger != nil {
		logger.Info("database ready", "driver", string(dialect), "max_open_conns", cfg.MaxOpenConns)
	}
	return s, nil
}

// New wraps an existing handle without touching the schema.
func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:      db,
		dialect: dialect,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate executes the dialect's schema statement by statement.
func (s *Store) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == Postgres {
		schema = postgresSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// withTx runs fn in a transaction and commits. The receipt is only returned
// when the commit succeeded.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) (store.Receipt, error)) (store.Receipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Receipt{}, fmt.Errorf("%s: begin: %w", op, err)
	}
	receipt, err := fn(tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "op", op, "err", rbErr)
		}
		return store.Receipt{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return store.Receipt{}, fmt.Errorf("%s: commit: %w", op, err)
	}
	return receipt, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = ":memory:"
	}
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dsn = "file:" + dsn
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
