// Package postgres implements store.Store on PostgreSQL with pgx.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/savaki/berlioz-bot/pkg/store"
)

//go:embed schema.sql
var schema string

// Config controls the connection pool
type Config struct {
	DSN string

	MaxConns int32
	MinConns int32
}

// Store wraps a pgxpool.Pool
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	lease     *pgxpool.Conn
	leaseHeld string
}

var _ store.Store = (*Store)(nil)

// New connects to the database and verifies the connection
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}

	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	} else {
		poolCfg.MinConns = 2
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Store{
		pool:   pool,
		logger: logger.With().Str("component", "postgres").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Migrate creates the tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Close releases the worker lease connection, if held, and the pool
func (s *Store) Close() error {
	s.mu.Lock()
	if s.lease != nil {
		s.lease.Release()
		s.lease = nil
		s.leaseHeld = ""
	}
	s.mu.Unlock()

	s.pool.Close()
	return nil
}
