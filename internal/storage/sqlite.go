//go:build sqlite
// +build sqlite

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
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "dynamix/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

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

	st := &sqliteStore{db: db, log: log, pruneEvery: 128}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
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

// ---- Exclusions ----

func (s *sqliteStore) PutExclusion(ctx context.Context, library, collection string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	library = strings.TrimSpace(library)
	collection = strings.TrimSpace(collection)
	if library == "" || collection == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exclusions(library, collection, until) VALUES(?,?,?)
		 ON CONFLICT(library, collection) DO UPDATE SET until=excluded.until`,
		library, collection, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneLocked(pctx, time.Now())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetExclusion(ctx context.Context, library, collection string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT until FROM exclusions WHERE library = ? AND collection = ?`,
		library, collection,
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) ListExclusions(ctx context.Context, library string) (map[string]time.Time, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT collection, until FROM exclusions WHERE library = ?`, library)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]time.Time{}
	for rows.Next() {
		var id string
		var ms int64
		if err := rows.Scan(&id, &ms); err != nil {
			return nil, err
		}
		out[id] = time.UnixMilli(ms)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ResetExclusions(ctx context.Context, library string) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM exclusions WHERE library = ?`, library)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) PruneExpired(ctx context.Context, now time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.pruneLocked(ctx, now)
}

func (s *sqliteStore) pruneLocked(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM exclusions WHERE until <= ?`, now.UnixMilli())
	return err
}

// ---- Exemptions ----

func (s *sqliteStore) PutExemption(ctx context.Context, e Exemption) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	e.Library = strings.TrimSpace(e.Library)
	e.Collection = strings.TrimSpace(e.Collection)
	if e.Library == "" || e.Collection == "" {
		return nil
	}
	if e.AddedAt.IsZero() {
		e.AddedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exemptions(library, collection, reason, added_at) VALUES(?,?,?,?)
		 ON CONFLICT(library, collection) DO UPDATE SET reason=excluded.reason`,
		e.Library, e.Collection, nullStr(e.Reason), e.AddedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteExemption(ctx context.Context, library, collection string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM exemptions WHERE library = ? AND collection = ?`, library, collection)
	return err
}

func (s *sqliteStore) GetExemption(ctx context.Context, library, collection string) (Exemption, bool, error) {
	if s == nil || s.db == nil {
		return Exemption{}, false, ErrDisabled
	}
	var e Exemption
	var reason sql.NullString
	var addedAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT library, collection, reason, added_at FROM exemptions
		 WHERE library = ? AND collection = ?`,
		library, collection,
	).Scan(&e.Library, &e.Collection, &reason, &addedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Exemption{}, false, nil
	}
	if err != nil {
		return Exemption{}, false, err
	}
	e.Reason = reason.String
	if addedAt.Valid {
		e.AddedAt, _ = time.Parse(time.RFC3339Nano, addedAt.String)
	}
	return e, true, nil
}

func (s *sqliteStore) ListExemptions(ctx context.Context, library string) ([]Exemption, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT library, collection, reason, added_at FROM exemptions
		 WHERE library = ? ORDER BY collection`, library)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Exemption
	for rows.Next() {
		var e Exemption
		var reason, addedAt sql.NullString
		if err := rows.Scan(&e.Library, &e.Collection, &reason, &addedAt); err != nil {
			return nil, err
		}
		e.Reason = reason.String
		if addedAt.Valid {
			e.AddedAt, _ = time.Parse(time.RFC3339Nano, addedAt.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- Audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, library, lim, chosen, pinned, unpinned, failures, reset, took_ms, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Library, e.Limit, e.Chosen, e.Pinned, e.Unpinned,
		e.Failures, boolInt(e.Reset), e.TookMS, nullStr(e.Error),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
