// Package pgstore keeps world snapshots in PostgreSQL.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"villagesim.ai/internal/persistence/snapshot"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Config struct {
	DSN             string
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
	// Keep is the number of snapshots retained; 0 keeps all.
	Keep int
}

type Store struct {
	pool *pgxpool.Pool
	keep int
	log  *zap.Logger
}

// Open connects, pings, and applies pending migrations.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, keep: cfg.Keep, log: log}, nil
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Save(ctx context.Context, snap snapshot.WorldSnapshot) error {
	body, err := snapshot.Encode(snap)
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO world_snapshots (tick, version, saved_at, agents, body)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tick) DO UPDATE SET version = EXCLUDED.version, saved_at = EXCLUDED.saved_at,
		   agents = EXCLUDED.agents, body = EXCLUDED.body`,
		int64(snap.World.Tick), snap.Version, snap.SavedAt, len(snap.Agents), body,
	)
	if err != nil {
		return err
	}
	if s.keep > 0 {
		tag, err := tx.Exec(ctx,
			`DELETE FROM world_snapshots WHERE tick NOT IN
			 (SELECT tick FROM world_snapshots ORDER BY tick DESC LIMIT $1)`, s.keep)
		if err != nil {
			return err
		}
		if n := tag.RowsAffected(); n > 0 {
			s.log.Debug("old snapshots pruned", zap.Int64("rows", n))
		}
	}
	return tx.Commit(ctx)
}

// Load returns the newest snapshot, or nil when none was saved.
func (s *Store) Load(ctx context.Context) (*snapshot.WorldSnapshot, error) {
	var (
		tick int64
		body []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT tick, body FROM world_snapshots ORDER BY tick DESC LIMIT 1`,
	).Scan(&tick, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap, err := snapshot.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("snapshot at tick %d: %w", tick, err)
	}
	return &snap, nil
}

var _ snapshot.Store = (*Store)(nil)
