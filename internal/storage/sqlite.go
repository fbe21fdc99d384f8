package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "vssbench/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
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

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) SaveResult(ctx context.Context, r Result) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results(run_id, started_at, took_ns, mode, kind, n, t, byzantine, fault_policy,
		   message_size, rounds, delivered, failed, latency_mean, latency_p50, latency_p90, latency_p99,
		   latency_max, messages, bytes, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   took_ns=excluded.took_ns, delivered=excluded.delivered, failed=excluded.failed,
		   latency_mean=excluded.latency_mean, latency_p50=excluded.latency_p50,
		   latency_p90=excluded.latency_p90, latency_p99=excluded.latency_p99,
		   latency_max=excluded.latency_max, messages=excluded.messages, bytes=excluded.bytes,
		   err=excluded.err`,
		r.RunID, r.StartedAt.UnixNano(), int64(r.Took), r.Mode, r.Kind, r.N, r.T, r.Byzantine, r.FaultPolicy,
		r.MessageSize, r.Rounds, r.Delivered, r.Failed, int64(r.LatencyMean), int64(r.LatencyP50),
		int64(r.LatencyP90), int64(r.LatencyP99), int64(r.LatencyMax), int64(r.Messages), int64(r.Bytes),
		nullStr(r.Error),
	)
	return err
}

func (s *sqliteStore) ListResults(ctx context.Context, limit int) ([]Result, error) {
	q := `SELECT run_id, started_at, took_ns, mode, kind, n, t, byzantine, fault_policy, message_size,
	        rounds, delivered, failed, latency_mean, latency_p50, latency_p90, latency_p99, latency_max,
	        messages, bytes, err
	      FROM results ORDER BY started_at DESC, run_id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var (
			r                           Result
			started, took               int64
			mean, p50, p90, p99, maxLat int64
			msgs, size                  int64
			errStr                      sql.NullString
		)
		if err := rows.Scan(&r.RunID, &started, &took, &r.Mode, &r.Kind, &r.N, &r.T, &r.Byzantine,
			&r.FaultPolicy, &r.MessageSize, &r.Rounds, &r.Delivered, &r.Failed, &mean, &p50, &p90, &p99,
			&maxLat, &msgs, &size, &errStr); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, started)
		r.Took = time.Duration(took)
		r.LatencyMean, r.LatencyP50, r.LatencyP90 = time.Duration(mean), time.Duration(p50), time.Duration(p90)
		r.LatencyP99, r.LatencyMax = time.Duration(p99), time.Duration(maxLat)
		r.Messages, r.Bytes = uint64(msgs), uint64(size)
		r.Error = errStr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
