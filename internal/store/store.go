// Package store owns the process-wide connection to the relational store and
// the idempotent upsert writer used by all ingest stages.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"

	"github.com/marketlake/asharetl/internal/config"
)

// Manager wraps the shared sqlx pool.
type Manager struct {
	db           *sqlx.DB
	queryTimeout time.Duration
}

// Open connects to the store and verifies connectivity.
func Open(ctx context.Context, cfg config.StoreConfig) (*Manager, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
	}

	log.Info().Str("host", cfg.Host).Str("database", cfg.Database).Msg("store connected")
	return &Manager{db: db, queryTimeout: cfg.QueryTimeout}, nil
}

// FromDB wraps an existing pool (tests, migrations).
func FromDB(db *sqlx.DB, queryTimeout time.Duration) *Manager {
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &Manager{db: db, queryTimeout: queryTimeout}
}

// DB exposes the underlying pool for repositories.
func (m *Manager) DB() *sqlx.DB { return m.db }

// QueryTimeout is the default per-query deadline.
func (m *Manager) QueryTimeout() time.Duration { return m.queryTimeout }

// Ping verifies connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	return m.db.PingContext(pingCtx)
}

// Close releases the pool.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// PoolStats reports connection pool usage for the ops endpoint.
func (m *Manager) PoolStats() map[string]int {
	s := m.db.Stats()
	return map[string]int{
		"max_open": s.MaxOpenConnections,
		"open":     s.OpenConnections,
		"in_use":   s.InUse,
		"idle":     s.Idle,
	}
}
