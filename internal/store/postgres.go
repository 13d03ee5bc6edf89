package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
)

// pool is the subset of pgxpool.Pool used by PostgresStore; pgxmock
// satisfies it in tests.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the hot-path queries prepared on each new connection.
var preparedStatements = map[string]string{
	"get_cache_entry":    `SELECT namespace, key, payload, created_at, updated_at FROM enrichment_cache WHERE namespace = $1 AND key = $2`,
	"upsert_cache_entry": upsertEntrySQL,
}

const upsertEntrySQL = `INSERT INTO enrichment_cache (namespace, key, payload, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (namespace, key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				// The table may not exist before the first migrate.
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
					continue
				}
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	p, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: p, closeFn: p.Close, now: time.Now}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS enrichment_cache (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, key)
);

CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	original_count INTEGER NOT NULL DEFAULT 0,
	survivor_count INTEGER NOT NULL DEFAULT 0,
	error          TEXT,
	analytics      JSONB,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) GetEntry(ctx context.Context, namespace, key string) (*model.CacheEntry, error) {
	var e model.CacheEntry
	err := s.pool.QueryRow(ctx,
		`SELECT namespace, key, payload, created_at, updated_at FROM enrichment_cache WHERE namespace = $1 AND key = $2`,
		namespace, key,
	).Scan(&e.Namespace, &e.Key, &e.Payload, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get entry %s/%s", namespace, key)
	}
	return &e, nil
}

func (s *PostgresStore) UpsertEntry(ctx context.Context, namespace, key string, payload []byte) error {
	_, err := s.pool.Exec(ctx, upsertEntrySQL, namespace, key, payload, s.now().UTC())
	return eris.Wrapf(err, "postgres: upsert entry %s/%s", namespace, key)
}

func (s *PostgresStore) SaveRun(ctx context.Context, run model.RunSummary) error {
	analyticsJSON, err := json.Marshal(run.Analytics)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal analytics")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, original_count, survivor_count, error, analytics, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET status = $2, original_count = $3, survivor_count = $4,
		   error = $5, analytics = $6, finished_at = $8`,
		run.ID, string(run.Status), run.OriginalCount, run.SurvivorCount, run.Error,
		analyticsJSON, run.StartedAt.UTC(), run.FinishedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save run %s", run.ID)
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.RunSummary, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, original_count, survivor_count, error, analytics, started_at, finished_at
		 FROM runs WHERE id = $1`,
		id,
	)
	r, err := scanPGRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: run %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunSummary, error) {
	query := `SELECT id, status, original_count, survivor_count, error, analytics, started_at, finished_at
		FROM runs`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` WHERE status = $1`
	}
	args = append(args, listLimit(filter))
	query += ` ORDER BY started_at DESC LIMIT $` + strconv.Itoa(len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		r, err := scanPGRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanPGRun(row pgx.Row) (*model.RunSummary, error) {
	var r model.RunSummary
	var status string
	var errMsg *string
	var analyticsJSON []byte

	if err := row.Scan(&r.ID, &status, &r.OriginalCount, &r.SurvivorCount, &errMsg, &analyticsJSON, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if errMsg != nil {
		r.Error = *errMsg
	}
	if len(analyticsJSON) > 0 {
		if err := json.Unmarshal(analyticsJSON, &r.Analytics); err != nil {
			return nil, eris.Wrap(err, "unmarshal analytics")
		}
	}
	return &r, nil
}
