package db

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/sym"
)

// SQLiteBusyTimeoutMS is the busy timeout applied to sqlite connections
const SQLiteBusyTimeoutMS = 5000

// Dialect identifies the SQL backend behind a DB
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DB is a *sql.DB that accepts '?' placeholders on every backend.
type DB struct {
	*sql.DB
	dialect Dialect
}

// Wrap adapts an already opened *sql.DB.
func Wrap(sqlDB *sql.DB, dialect Dialect) *DB {
	return &DB{DB: sqlDB, dialect: dialect}
}

// DetectDialect picks the backend from a datastore URL.
// postgres:// and postgresql:// go to pgx, everything else is a sqlite path.
func DetectDialect(url string) (Dialect, string) {
	lower := strings.ToLower(url)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DialectPostgres, url
	case strings.HasPrefix(lower, "sqlite://"):
		return DialectSQLite, url[len("sqlite://"):]
	case strings.HasPrefix(lower, "sqlite:"):
		return DialectSQLite, url[len("sqlite:"):]
	default:
		return DialectSQLite, url
	}
}

// Open opens the datastore named by url.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(url string, logger *zap.SugaredLogger) (*DB, error) {
	if url == "" {
		return nil, errors.New("database url is empty")
	}
	dialect, dsn := DetectDialect(url)
	if logger != nil {
		logger.Debugw("Opening database", "dialect", dialect, "symbol", sym.DB)
	}

	switch dialect {
	case DialectPostgres:
		return openPostgres(dsn, logger)
	default:
		return openSQLite(dsn, logger)
	}
}

func openPostgres(dsn string, logger *zap.SugaredLogger) (*DB, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres database")
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to connect to postgres database")
	}
	if logger != nil {
		logger.Infow("Database opened successfully", "dialect", DialectPostgres, "symbol", sym.DB)
	}
	return Wrap(sqlDB, DialectPostgres), nil
}

func openSQLite(path string, logger *zap.SugaredLogger) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Enable WAL mode for concurrent reads during writes
	if _, err := sqlDB.Exec("PRAGMA journal_mode = WAL"); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to enable WAL mode")
	}

	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to enable foreign keys")
	}

	if _, err := sqlDB.Exec("PRAGMA busy_timeout = " + strconv.Itoa(SQLiteBusyTimeoutMS)); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to set busy timeout")
	}

	// Pragmas are per connection; keep a single writer connection
	sqlDB.SetMaxOpenConns(1)

	if logger != nil {
		logger.Infow("Database opened successfully",
			"path", path,
			"symbol", sym.DB,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return Wrap(sqlDB, DialectSQLite), nil
}

// OpenWithMigrations opens the datastore and applies pending migrations.
func OpenWithMigrations(url string, logger *zap.SugaredLogger) (*DB, error) {
	db, err := Open(url, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return db, nil
}

// Dialect returns the backend this DB talks to
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Rebind rewrites '?' placeholders into the backend's bind syntax.
func (d *DB) Rebind(query string) string {
	return rebind(d.dialect, query)
}

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.DB.ExecContext(ctx, d.Rebind(query), args...)
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.DB.QueryContext(ctx, d.Rebind(query), args...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.DB.QueryRowContext(ctx, d.Rebind(query), args...)
}

func (d *DB) Exec(query string, args ...any) (sql.Result, error) {
	return d.ExecContext(context.Background(), query, args...)
}

func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	return d.QueryRowContext(context.Background(), query, args...)
}

// BeginTx starts a transaction that rebinds like its DB.
func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := d.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx, dialect: d.dialect}, nil
}

// Tx is a *sql.Tx with the same placeholder handling as DB
type Tx struct {
	*sql.Tx
	dialect Dialect
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.Tx.ExecContext(ctx, rebind(t.dialect, query), args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.Tx.QueryRowContext(ctx, rebind(t.dialect, query), args...)
}

func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\'' {
			inQuote = !inQuote
		}
		if c == '?' && !inQuote {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
