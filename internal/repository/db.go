package repository

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type Config struct {
	Driver           string // "postgres" | "sqlite"
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ConfigFrom maps the application database settings.
func ConfigFrom(c common.DatabaseConfig) Config {
	return Config{
		Driver:           c.Driver,
		DSN:              c.DSN,
		MaxConns:         c.MaxConns,
		MinConns:         c.MinConns,
		MaxConnLifetime:  c.MaxConnLifetime.Duration,
		MaxConnIdleTime:  c.MaxConnIdleTime.Duration,
		DialTimeout:      c.DialTimeout.Duration,
		StatementTimeout: c.StatementTimeout.Duration,
	}
}

// DB is the shared handle every repository uses. dialect selects the SQL
// flavour the ent builder renders.
type DB struct {
	x       *sqlx.DB
	pool    *pgxpool.Pool
	dialect string
	logger  *slog.Logger
}

// Open connects to the configured driver. Migrations are not applied; call Migrate.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(ctx, cfg.DSN, logger)
	case "postgres", "":
		return openPostgres(ctx, cfg, logger)
	default:
		return nil, common.NewAppError("CONFIG_ERROR", fmt.Sprintf("unsupported database driver %q", cfg.Driver), common.ErrConfig)
	}
}

// openPostgres creates a pgx pool and wraps it as *sql.DB for sqlx.
func openPostgres(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	logger.Info("connecting to database", "driver", "postgres")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, common.NewAppError("CONFIG_ERROR", "invalid DB_URL", fmt.Errorf("%w: %v", common.ErrConfig, err))
	}

	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "takeoff-tracker"
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprint(cfg.StatementTimeout.Milliseconds())
	}

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}

	db := sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx")
	logger.Info("successfully connected to database", "driver", "postgres")
	return &DB{x: db, pool: pool, dialect: dialect.Postgres, logger: logger}, nil
}

// OpenSQLite opens (or creates) a SQLite database file. Writes are
// serialised through a single connection.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path = strings.TrimPrefix(strings.TrimSpace(path), "sqlite://")
	if path == "" {
		return nil, common.NewAppError("CONFIG_ERROR", "sqlite path required", common.ErrConfig)
	}
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve sqlite path: %w", err)
		}
		dsn = "file:" + abs
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	logger.Info("successfully connected to database", "driver", "sqlite", "path", path)
	return &DB{x: db, dialect: dialect.SQLite, logger: logger}, nil
}

// Dialect reports the ent dialect name in use.
func (d *DB) Dialect() string { return d.dialect }

// Close closes the database connections gracefully.
func (d *DB) Close() {
	if d == nil {
		return
	}
	d.logger.Info("closing database connections")
	if d.x != nil {
		if err := d.x.Close(); err != nil {
			d.logger.Error("failed to close database", "error", err)
		}
	}
	if d.pool != nil {
		d.pool.Close()
	}
	d.logger.Info("database connections closed")
}

// HealthCheck pings the database with an optional timeout.
func (d *DB) HealthCheck(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	d.logger.Debug("pinging database")
	if d.pool != nil {
		return d.pool.Ping(ctx)
	}
	return d.x.PingContext(ctx)
}

// rowLocks reports whether SELECT ... FOR UPDATE is available. SQLite
// serialises writers instead.
func (d *DB) rowLocks() bool { return d.dialect == dialect.Postgres }

func (d *DB) sql() *entsql.DialectBuilder {
	return entsql.Dialect(d.dialect)
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", common.ErrDatabase, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", common.ErrDatabase, err)
	}
	return nil
}

// exec runs a rendered builder statement and returns rows affected.
func exec(ctx context.Context, q sqlx.ExecerContext, query string, args []any) (int64, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", common.ErrDatabase, err)
	}
	return n, nil
}
