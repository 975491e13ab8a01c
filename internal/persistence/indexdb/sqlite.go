// Package indexdb keeps a queryable SQLite copy of the tick and audit streams
// and can serve as the snapshot store.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"villagesim.ai/internal/persistence/snapshot"
	"villagesim.ai/internal/sim/village"
)

var ErrClosed = errors.New("indexdb: closed")

type SQLiteIndex struct {
	db  *sqlx.DB
	log *zap.Logger

	// Keep is the number of snapshots retained; 0 keeps all.
	Keep int

	// mu guards ch against close while a sender is mid-send.
	mu     sync.RWMutex
	ch     chan req
	closed bool
	wg     sync.WaitGroup
	once   sync.Once
	drops  atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqAudit
	reqSnapshot
	reqFlush
)

type req struct {
	kind  reqKind
	tick  village.TickLogEntry
	audit village.AuditEntry
	snap  snapshotRow
	done  chan error
}

type snapshotRow struct {
	Tick    uint64 `db:"tick"`
	SavedAt string `db:"saved_at"`
	Agents  int    `db:"agents"`
	Body    []byte `db:"body"`
}

// AuditRow is one indexed audit entry.
type AuditRow struct {
	Tick       uint64 `db:"tick" json:"tick"`
	Seq        int    `db:"seq" json:"seq"`
	AgentID    string `db:"agent_id" json:"agent_id"`
	Outcome    string `db:"outcome" json:"outcome"`
	Code       string `db:"code" json:"code"`
	Action     string `db:"action" json:"action"`
	IssuedTick uint64 `db:"issued_tick" json:"issued_tick"`
	RawJSON    string `db:"raw_json" json:"raw_json"`
}

func OpenSQLite(path string, log *zap.Logger) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &SQLiteIndex{
		db:  db,
		log: log,
		ch:  make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func migrate(db *sqlx.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ticks (
		tick INTEGER PRIMARY KEY,
		day INTEGER NOT NULL,
		minute_of_day INTEGER NOT NULL,
		digest TEXT NOT NULL,
		events INTEGER NOT NULL,
		replans INTEGER NOT NULL,
		raw_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audits (
		tick INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		code TEXT NOT NULL,
		action TEXT NOT NULL,
		issued_tick INTEGER NOT NULL,
		raw_json TEXT NOT NULL,
		PRIMARY KEY (tick, seq)
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		tick INTEGER PRIMARY KEY,
		saved_at TEXT NOT NULL,
		agents INTEGER NOT NULL,
		body BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audits_agent_tick ON audits(agent_id, tick);
	CREATE INDEX IF NOT EXISTS idx_audits_outcome ON audits(outcome);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`)
	return err
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Dropped is the number of tick or audit entries dropped because the writer fell behind.
func (s *SQLiteIndex) Dropped() uint64 { return s.drops.Load() }

// WriteTick never blocks the caller; the JSONL stream stays the source of truth.
func (s *SQLiteIndex) WriteTick(entry village.TickLogEntry) error {
	s.enqueue(req{kind: reqTick, tick: entry})
	return nil
}

func (s *SQLiteIndex) WriteAudit(entry village.AuditEntry) error {
	s.enqueue(req{kind: reqAudit, audit: entry})
	return nil
}

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- r:
	default:
		s.drops.Add(1)
	}
}

// call hands r to the writer and waits for it to be committed.
func (s *SQLiteIndex) call(ctx context.Context, r req) error {
	r.done = make(chan error, 1)
	if err := s.send(ctx, r); err != nil {
		return err
	}
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send blocks until r is queued. The read lock keeps Close from closing ch
// underneath it; the writer keeps draining, so Close only waits for this send.
func (s *SQLiteIndex) send(ctx context.Context, r req) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.ch <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until everything queued before it is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	return s.call(ctx, req{kind: reqFlush})
}

// Save stores snap and prunes old rows down to Keep. It implements snapshot.Store.
func (s *SQLiteIndex) Save(ctx context.Context, snap snapshot.WorldSnapshot) error {
	body, err := snapshot.Encode(snap)
	if err != nil {
		return err
	}
	return s.call(ctx, req{kind: reqSnapshot, snap: snapshotRow{
		Tick:    snap.World.Tick,
		SavedAt: snap.SavedAt,
		Agents:  len(snap.Agents),
		Body:    body,
	}})
}

// Load returns the newest snapshot, or nil when none was saved.
func (s *SQLiteIndex) Load(ctx context.Context) (*snapshot.WorldSnapshot, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, `SELECT tick, saved_at, agents, body FROM snapshots ORDER BY tick DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap, err := snapshot.Decode(row.Body)
	if err != nil {
		return nil, fmt.Errorf("snapshot at tick %d: %w", row.Tick, err)
	}
	return &snap, nil
}

// Audits returns indexed audit rows, newest first. An empty agentID matches all agents.
func (s *SQLiteIndex) Audits(ctx context.Context, agentID string, limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []AuditRow
	q := `SELECT tick, seq, agent_id, outcome, code, action, issued_tick, raw_json FROM audits`
	args := []any{}
	if agentID != "" {
		q += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	q += ` ORDER BY tick DESC, seq DESC LIMIT ?`
	args = append(args, limit)
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// OutcomeCounts tallies audit outcomes.
func (s *SQLiteIndex) OutcomeCounts(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Outcome string `db:"outcome"`
		N       int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT outcome, COUNT(*) AS n FROM audits GROUP BY outcome`); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Outcome] = r.N
	}
	return out, nil
}

func (s *SQLiteIndex) loop() {
	var (
		tx            *sqlx.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 1000
		commitMaxWait = 2 * time.Second

		lastAuditTick uint64
		auditSeq      int
	)

	begin := func() error {
		if tx != nil {
			return nil
		}
		t, err := s.db.Beginx()
		if err != nil {
			return err
		}
		tx = t
		opCount = 0
		lastCommit = time.Now()
		return nil
	}
	commit := func() error {
		if tx == nil {
			return nil
		}
		err := tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
		return err
	}
	rollback := func(err error) {
		s.log.Warn("index write failed", zap.Error(err))
		if tx != nil {
			_ = tx.Rollback()
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	ticker := time.NewTicker(commitMaxWait / 2)
	defer ticker.Stop()

	for {
		var r req
		select {
		case <-ticker.C:
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				if err := commit(); err != nil {
					s.log.Warn("index commit failed", zap.Error(err))
				}
			}
			continue
		case next, ok := <-s.ch:
			if !ok {
				if err := commit(); err != nil {
					s.log.Warn("index commit failed", zap.Error(err))
				}
				return
			}
			r = next
		}

		if err := begin(); err != nil {
			s.log.Warn("index begin failed", zap.Error(err))
			if r.done != nil {
				r.done <- err
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}

		var err error
		switch r.kind {
		case reqTick:
			raw, _ := json.Marshal(r.tick)
			_, err = tx.Exec(`INSERT OR REPLACE INTO ticks(tick,day,minute_of_day,digest,events,replans,raw_json) VALUES(?,?,?,?,?,?,?)`,
				int64(r.tick.Tick), r.tick.Day, r.tick.MinuteOfDay, r.tick.Digest, len(r.tick.Events), r.tick.Replans, string(raw))

		case reqAudit:
			a := r.audit
			if a.Tick != lastAuditTick {
				lastAuditTick = a.Tick
				auditSeq = 0
			}
			seq := auditSeq
			auditSeq++
			raw, _ := json.Marshal(a)
			_, err = tx.Exec(`INSERT OR REPLACE INTO audits(tick,seq,agent_id,outcome,code,action,issued_tick,raw_json) VALUES(?,?,?,?,?,?,?,?)`,
				int64(a.Tick), seq, a.AgentID, a.Outcome, a.Code, a.Action, int64(a.IssuedTick), string(raw))

		case reqSnapshot:
			sn := r.snap
			_, err = tx.Exec(`INSERT OR REPLACE INTO snapshots(tick,saved_at,agents,body) VALUES(?,?,?,?)`,
				int64(sn.Tick), sn.SavedAt, sn.Agents, sn.Body)
			if err == nil && s.Keep > 0 {
				_, err = tx.Exec(`DELETE FROM snapshots WHERE tick NOT IN (SELECT tick FROM snapshots ORDER BY tick DESC LIMIT ?)`, s.Keep)
			}
		}
		if err != nil {
			rollback(err)
			if r.done != nil {
				r.done <- err
			}
			continue
		}
		opCount++

		if r.done != nil {
			r.done <- commit()
			continue
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			if err := commit(); err != nil {
				s.log.Warn("index commit failed", zap.Error(err))
			}
		}
	}
}

var (
	_ village.TickLogger  = (*SQLiteIndex)(nil)
	_ village.AuditLogger = (*SQLiteIndex)(nil)
	_ snapshot.Store      = (*SQLiteIndex)(nil)
)
