package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"realtysync/internal/config"
	"realtysync/internal/models"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrUnknownField = errors.New("unknown field")
	ErrInvalidType  = errors.New("invalid entity type")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// store carries the queries shared by DB and Tx.
type store struct {
	q      querier
	driver string
}

// DB is the relational store of sellers, buyers and sync bookkeeping.
type DB struct {
	*sql.DB
	store
	logger *zerolog.Logger
}

// Tx scopes store operations to one transaction.
type Tx struct {
	tx *sql.Tx
	store
}

// NewDB opens the configured driver and creates missing tables.
func NewDB(cfg config.DatabaseConfig, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		sqlDB *sql.DB
		err   error
	)
	switch driver {
	case DriverSQLite:
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		sqlDB, err = sql.Open(DriverSQLite, cfg.Path+"?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// A single connection serializes writers and keeps transactions
		// from tripping over SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	case DriverPostgres:
		sqlDB, err = sql.Open(DriverPostgres, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if cfg.MaxConnections > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxConnections)
		}
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(ctx, sqlDB, driver); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("driver", driver).Msg("database initialized")
	return &DB{DB: sqlDB, store: store{q: sqlDB, driver: driver}, logger: logger}, nil
}

// Driver returns the SQL driver name in use.
func (db *DB) Driver() string { return db.driver }

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err := fn(&Tx{tx: sqlTx, store: store{q: sqlTx, driver: db.driver}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

func createTables(ctx context.Context, db *sql.DB, driver string) error {
	for _, query := range schema(driver) {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func schema(driver string) []string {
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	tsCol := "TIMESTAMP"
	if driver == DriverPostgres {
		idCol = "BIGSERIAL PRIMARY KEY"
		tsCol = "TIMESTAMPTZ"
	}
	r := strings.NewReplacer("{{id}}", idCol, "{{ts}}", tsCol)

	queries := []string{
		entityTableDDL(models.EntitySeller),
		entityTableDDL(models.EntityBuyer),

		`CREATE TABLE IF NOT EXISTS sync_queue (
            id {{id}},
            task_type TEXT NOT NULL,
            entity_type TEXT NOT NULL,
            entity_id BIGINT NOT NULL,
            payload TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'pending',
            attempts INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            trace_id TEXT NOT NULL DEFAULT '',
            created_at {{ts}} NOT NULL,
            claimed_at {{ts}},
            processed_at {{ts}}
        )`,

		`CREATE TABLE IF NOT EXISTS sync_failed_changes (
            id {{id}},
            entity_type TEXT NOT NULL,
            entity_key TEXT NOT NULL,
            field_name TEXT NOT NULL,
            task_type TEXT NOT NULL DEFAULT 'update',
            old_value TEXT,
            new_value TEXT,
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at {{ts}} NOT NULL
        )`,

		`CREATE TABLE IF NOT EXISTS sync_conflicts (
            id {{id}},
            entity_type TEXT NOT NULL,
            entity_id BIGINT NOT NULL,
            entity_key TEXT NOT NULL,
            task_id BIGINT NOT NULL DEFAULT 0,
            conflicts TEXT NOT NULL,
            detected_at {{ts}} NOT NULL,
            resolved_at {{ts}},
            resolution TEXT,
            resolved_by TEXT
        )`,

		`CREATE TABLE IF NOT EXISTS sync_snapshots (
            entity_type TEXT NOT NULL,
            entity_key TEXT NOT NULL,
            field_name TEXT NOT NULL,
            value TEXT NOT NULL,
            value_hash TEXT NOT NULL,
            synced_at {{ts}} NOT NULL,
            PRIMARY KEY (entity_type, entity_key, field_name)
        )`,

		`CREATE TABLE IF NOT EXISTS sync_audit_log (
            id {{id}},
            entity_type TEXT NOT NULL,
            entity_key TEXT NOT NULL,
            action TEXT NOT NULL,
            user_id TEXT NOT NULL DEFAULT '',
            user_email TEXT NOT NULL DEFAULT '',
            detail TEXT NOT NULL DEFAULT '',
            created_at {{ts}} NOT NULL
        )`,

		`CREATE TABLE IF NOT EXISTS key_sequences (
            name TEXT PRIMARY KEY,
            last_value BIGINT NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status, id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_type, entity_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_failed_entity ON sync_failed_changes(entity_type, entity_key)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_conflicts_open ON sync_conflicts(resolved_at)`,
	}

	for i, q := range queries {
		queries[i] = r.Replace(q)
	}
	return queries
}

func entityTableDDL(t models.EntityType) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n            id {{id}},\n", t.Table())
	fmt.Fprintf(&b, "            %s TEXT UNIQUE NOT NULL,\n", t.KeyColumn())
	for _, field := range t.FieldNames() {
		fmt.Fprintf(&b, "            %s TEXT NOT NULL DEFAULT '',\n", field)
	}
	b.WriteString(`            sync_status TEXT NOT NULL DEFAULT 'pending',
            last_synced_at {{ts}},
            last_sync_error TEXT,
            created_at {{ts}} NOT NULL,
            updated_at {{ts}} NOT NULL
        )`)
	return b.String()
}

// forUpdate returns the row-locking suffix for SELECTs inside a transaction.
func (s store) forUpdate() string {
	if s.driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// skipLocked returns the suffix used when claiming queue rows.
func (s store) skipLocked() string {
	if s.driver == DriverPostgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
