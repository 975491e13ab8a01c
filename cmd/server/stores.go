package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"villagesim.ai/internal/persistence/indexdb"
	"villagesim.ai/internal/persistence/pgstore"
	"villagesim.ai/internal/persistence/snapshot"
	"villagesim.ai/internal/sim/village"
	"villagesim.ai/internal/transport/snapshotapi"
)

// openStore picks the snapshot backend. The returned close func is never nil.
func openStore(ctx context.Context, cfg runConfig, worldDir string, logger *zap.Logger) (snapshot.Store, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StoreKind)) {
	case "", "file":
		fs := &snapshot.FileStore{Dir: filepath.Join(worldDir, "snapshots"), Keep: cfg.Keep}
		logger.Info("snapshot store: file", zap.String("dir", fs.Dir))
		return fs, func() {}, nil

	case "sqlite":
		st, err := indexdb.OpenSQLite(filepath.Join(worldDir, "snapshots.sqlite"), logger.Named("snapshots"))
		if err != nil {
			return nil, nil, err
		}
		st.Keep = cfg.Keep
		logger.Info("snapshot store: sqlite")
		return st, func() { _ = st.Close() }, nil

	case "postgres":
		if cfg.PGDSN == "" {
			return nil, nil, fmt.Errorf("store=postgres needs -pg_dsn or VILLAGESIM_PG_DSN")
		}
		st, err := pgstore.Open(ctx, pgstore.Config{DSN: cfg.PGDSN, MaxConns: 4, Keep: cfg.Keep}, logger.Named("pgstore"))
		if err != nil {
			return nil, nil, err
		}
		logger.Info("snapshot store: postgres")
		return st, st.Close, nil

	case "http":
		if strings.TrimSpace(cfg.SnapshotURL) == "" {
			return nil, nil, fmt.Errorf("store=http needs -snapshot_url")
		}
		logger.Info("snapshot store: http", zap.String("url", cfg.SnapshotURL))
		return snapshotapi.NewClient(cfg.SnapshotURL, 0), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.StoreKind)
	}
}

// openIndex opens the sqlite read model for tick and audit entries. It does
// not affect the simulation.
func openIndex(worldDir string, disabled bool, logger *zap.Logger) (*indexdb.SQLiteIndex, error) {
	if disabled {
		logger.Info("index db disabled")
		return nil, nil
	}
	return indexdb.OpenSQLite(filepath.Join(worldDir, "index.sqlite"), logger.Named("index"))
}

type multiTickLogger []village.TickLogger

func (m multiTickLogger) WriteTick(entry village.TickLogEntry) error {
	var first error
	for _, l := range m {
		if err := l.WriteTick(entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type multiAuditLogger []village.AuditLogger

func (m multiAuditLogger) WriteAudit(entry village.AuditEntry) error {
	var first error
	for _, l := range m {
		if err := l.WriteAudit(entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}
