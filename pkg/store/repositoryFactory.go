package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/zoff-tech/metrika-bridge/pkg/config"
)

// NewRepository opens the configured backend and applies the schema.
func NewRepository(ctx context.Context, cfg config.DbSettings) (Repository, error) {
	var repo Repository
	switch cfg.Type {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("postgres unreachable: %w", err)
		}
		repo = &PostgresRepository{db: db}
	case "sqlite":
		db, err := sql.Open("sqlite3", cfg.Path)
		if err != nil {
			return nil, err
		}
		// The single-worker model also rules out concurrent writers at
		// the driver level.
		db.SetMaxOpenConns(1)
		repo = &SQLiteRepository{db: db}
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}

	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

// NewSQLiteRepository wraps an already-open sqlite handle. Used by tests.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// NewPostgresRepository wraps an already-open postgres handle.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}
