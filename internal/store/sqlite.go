package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/enrich-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS enrichment_cache (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (namespace, key)
);

CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	original_count INTEGER NOT NULL DEFAULT 0,
	survivor_count INTEGER NOT NULL DEFAULT 0,
	error          TEXT,
	analytics      TEXT,
	started_at     DATETIME NOT NULL,
	finished_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) GetEntry(ctx context.Context, namespace, key string) (*model.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT namespace, key, payload, created_at, updated_at FROM enrichment_cache
		 WHERE namespace = ? AND key = ?`,
		namespace, key,
	)

	var e model.CacheEntry
	var payload string
	err := row.Scan(&e.Namespace, &e.Key, &payload, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entry %s/%s", namespace, key)
	}
	e.Payload = []byte(payload)
	return &e, nil
}

func (s *SQLiteStore) UpsertEntry(ctx context.Context, namespace, key string, payload []byte) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrichment_cache (namespace, key, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		namespace, key, string(payload), now, now,
	)
	return eris.Wrapf(err, "sqlite: upsert entry %s/%s", namespace, key)
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run model.RunSummary) error {
	analyticsJSON, err := json.Marshal(run.Analytics)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal analytics")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, original_count, survivor_count, error, analytics, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET status = excluded.status, original_count = excluded.original_count,
		   survivor_count = excluded.survivor_count, error = excluded.error, analytics = excluded.analytics,
		   finished_at = excluded.finished_at`,
		run.ID, string(run.Status), run.OriginalCount, run.SurvivorCount, run.Error,
		string(analyticsJSON), run.StartedAt.UTC(), run.FinishedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save run %s", run.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.RunSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, original_count, survivor_count, error, analytics, started_at, finished_at
		 FROM runs WHERE id = ?`,
		id,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunSummary, error) {
	query := `SELECT id, status, original_count, survivor_count, error, analytics, started_at, finished_at
		FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, listLimit(filter))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.RunSummary, error) {
	var r model.RunSummary
	var status string
	var errMsg, analyticsJSON sql.NullString

	if err := row.Scan(&r.ID, &status, &r.OriginalCount, &r.SurvivorCount, &errMsg, &analyticsJSON, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.Error = errMsg.String
	if analyticsJSON.Valid && analyticsJSON.String != "" {
		if err := json.Unmarshal([]byte(analyticsJSON.String), &r.Analytics); err != nil {
			return nil, eris.Wrap(err, "unmarshal analytics")
		}
	}
	return &r, nil
}
