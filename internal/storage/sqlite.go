//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "fleetd/pkg/logx"

	_ "modernc.org/sqlite"
)

const runsSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	jid         TEXT NOT NULL,
	job         TEXT NOT NULL,
	function    TEXT NOT NULL,
	node        TEXT,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	ok          INTEGER NOT NULL,
	err         TEXT,
	skip_reason TEXT,
	result      TEXT
);
CREATE INDEX IF NOT EXISTS runs_job_idx ON runs(job, id);
`

// maxRunRows caps table growth; old rows are pruned periodically.
const maxRunRows = 100000

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), runsSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, rec RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	var finished any
	if !rec.FinishedAt.IsZero() {
		finished = rec.FinishedAt.Format(time.RFC3339Nano)
	}
	ok := 0
	if rec.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(jid, job, function, node, started_at, finished_at, ok, err, skip_reason, result)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rec.JID, rec.Job, rec.Function, nullStr(rec.Node),
		rec.StartedAt.Format(time.RFC3339Nano), finished, ok,
		nullStr(rec.Error), nullStr(rec.SkipReason), nullStr(rec.ResultJSON),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		if perr := s.pruneOld(pctx); perr != nil {
			s.log.Debug("run history prune failed", logx.Any("err", perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, job string, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT jid, job, function, node, started_at, finished_at, ok, err, skip_reason, result
	      FROM runs`
	args := []any{}
	if job != "" {
		q += ` WHERE job = ?`
		args = append(args, job)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var node, finished, errStr, skip, result sql.NullString
		var started string
		var ok int
		if err := rows.Scan(&rec.JID, &rec.Job, &rec.Function, &node, &started, &finished, &ok, &errStr, &skip, &result); err != nil {
			return nil, err
		}
		rec.Node = node.String
		rec.Error = errStr.String
		rec.SkipReason = skip.String
		rec.ResultJSON = result.String
		rec.OK = ok != 0
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished.Valid {
			rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneOld(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id <= (SELECT MAX(id) FROM runs) - ?`, maxRunRows)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
