package database

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kkkkikiki/voucher/internal/config"
)

//go:embed local_schema.sql
var localSchema string

//go:embed remote_schema.sql
var remoteSchema string

// Local schema versions tracked in PRAGMA user_version:
// 1 - vouchers, sync_outbox, sync_cursor, audit_events
const localSchemaVersion = 1

// DB holds database connections
type DB struct {
	// Local is the station's own SQLite ledger
	Local *sqlx.DB

	// Postgres is the shared remote ledger. Nil when sync is disabled.
	Postgres *sqlx.DB

	logger *zap.Logger
}

// NewDB opens the local store and, if sync is enabled, a handle on the
// remote store. An unreachable remote is not an error: the station keeps
// working offline and the sync engine retries.
func NewDB(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*DB, error) {
	local, err := OpenLocal(ctx, cfg.Local.Path)
	if err != nil {
		return nil, err
	}
	logger.Info("Local ledger ready", zap.String("path", cfg.Local.Path))

	db := &DB{Local: local, logger: logger}
	if !cfg.Sync.Enabled {
		logger.Warn("Sync disabled, running as an offline station")
		return db, nil
	}

	postgres, err := OpenRemote(cfg.Database)
	if err != nil {
		local.Close()
		return nil, err
	}
	db.Postgres = postgres

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := postgres.PingContext(pingCtx); err != nil {
		logger.Warn("Remote ledger unreachable at startup", zap.Error(err))
		return db, nil
	}
	logger.Info("Successfully connected to PostgreSQL")

	if cfg.Database.Migrate {
		if err := MigrateRemote(ctx, postgres); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("Remote schema applied")
	}
	return db, nil
}

// OpenLocal opens (creating if needed) the SQLite ledger at path and
// applies the schema. SQLite has one writer, so the pool is one connection.
func OpenLocal(ctx context.Context, path string) (*sqlx.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL", path)
	local, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}
	local.SetMaxOpenConns(1)
	local.SetMaxIdleConns(1)

	if err := local.PingContext(ctx); err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to ping local database: %w", err)
	}

	if err := migrateLocal(ctx, local); err != nil {
		local.Close()
		return nil, err
	}
	return local, nil
}

func migrateLocal(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, localSchema); err != nil {
		return fmt.Errorf("failed to apply local schema: %w", err)
	}

	var version int
	if err := db.GetContext(ctx, &version, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > localSchemaVersion {
		return fmt.Errorf("local schema version %d is newer than supported %d", version, localSchemaVersion)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", localSchemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// OpenRemote prepares the PostgreSQL pool without dialling it
func OpenRemote(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	postgres, err := sqlx.Open("postgres", cfg.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL: %w", err)
	}

	// Configure connection pool
	postgres.SetMaxOpenConns(cfg.MaxConns)
	postgres.SetMaxIdleConns(cfg.MinConns)
	postgres.SetConnMaxLifetime(time.Hour)

	return postgres, nil
}

// MigrateRemote applies the shared ledger schema. It is idempotent.
func MigrateRemote(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, remoteSchema); err != nil {
		return fmt.Errorf("failed to apply remote schema: %w", err)
	}
	return nil
}

// Close closes all database connections
func (db *DB) Close() error {
	var firstErr error
	if db.Postgres != nil {
		if err := db.Postgres.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close PostgreSQL: %w", err)
		}
	}
	if err := db.Local.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close local database: %w", err)
	}
	return firstErr
}
