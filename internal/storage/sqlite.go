package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"groupbot/internal/dispatch"
	"groupbot/internal/fault"
	logx "groupbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// keepRuns bounds the runs table; older rows are pruned.
const keepRuns = 5000

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fault.Missing("storage.path", "set storage.path for the sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fault.Wrap(err, "create storage dir")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fault.Wrap(err, "open sqlite")
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 200}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fault.Wrap(err, "migrate sqlite")
	}
	log.Info("storage opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r dispatch.Run) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, job, slot, trigger_by, started_ms, took_ms, status, error_kind, err, chars)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		r.ID, r.Job, r.Slot, string(r.Trigger), r.StartedAt.UnixMilli(), r.Took.Milliseconds(),
		string(r.Status), nullStr(r.ErrorKind), nullStr(r.Error), r.Chars,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.prune(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, limit int) ([]dispatch.Run, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job, slot, trigger_by, started_ms, took_ms, status, error_kind, err, chars
		 FROM runs ORDER BY started_ms DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dispatch.Run
	for rows.Next() {
		var (
			r                  dispatch.Run
			trigger, status    string
			startedMS, tookMS  int64
			errorKind, errText sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Job, &r.Slot, &trigger, &startedMS, &tookMS, &status, &errorKind, &errText, &r.Chars); err != nil {
			return nil, err
		}
		r.Trigger = dispatch.Trigger(trigger)
		r.Status = dispatch.Status(status)
		r.StartedAt = time.UnixMilli(startedMS)
		r.Took = time.Duration(tookMS) * time.Millisecond
		r.ErrorKind = errorKind.String
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, command, level, text, took_ms) VALUES(?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Command, e.Level, nullStr(e.Text), e.TookMS,
	)
	return err
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id NOT IN (SELECT id FROM runs ORDER BY started_ms DESC LIMIT ?)`, keepRuns)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
