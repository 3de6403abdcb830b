package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/rielpay/payverify/internal/model"
)

// Pool abstracts the pgx pool operations used by PostgresStore so tests can
// substitute pgxmock.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

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

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS issuer_templates (
	issuer_code   TEXT PRIMARY KEY,
	template      JSONB NOT NULL,
	last_updated  TIMESTAMPTZ NOT NULL DEFAULT now(),
	update_source TEXT NOT NULL DEFAULT 'fallback'
);

CREATE TABLE IF NOT EXISTS merchant_patterns (
	tenant_id   TEXT NOT NULL,
	issuer_code TEXT NOT NULL,
	patterns    JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, issuer_code)
);

CREATE TABLE IF NOT EXISTS learning_queue (
	id           TEXT PRIMARY KEY,
	issuer_code  TEXT NOT NULL,
	tenant_id    TEXT NOT NULL,
	record       JSONB NOT NULL,
	processed    BOOLEAN NOT NULL DEFAULT false,
	learned_at   TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS savings_events (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	issuer_code  TEXT NOT NULL,
	method       TEXT NOT NULL,
	avoided_cost DOUBLE PRECISION NOT NULL,
	occurred_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_learning_queue_processed ON learning_queue(processed, learned_at);
CREATE INDEX IF NOT EXISTS idx_learning_queue_issuer ON learning_queue(issuer_code);
CREATE INDEX IF NOT EXISTS idx_savings_events_occurred ON savings_events(occurred_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) FindTemplate(ctx context.Context, issuerCode string) (*model.IssuerTemplate, error) {
	var templateJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT template FROM issuer_templates WHERE issuer_code = $1`,
		issuerCode,
	).Scan(&templateJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: find template %s", issuerCode)
	}

	var t model.IssuerTemplate
	if err := json.Unmarshal(templateJSON, &t); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal template")
	}
	return &t, nil
}

func (s *PostgresStore) UpsertTemplate(ctx context.Context, t *model.IssuerTemplate) error {
	templateJSON, err := json.Marshal(t)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal template")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO issuer_templates (issuer_code, template, last_updated, update_source)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (issuer_code) DO UPDATE SET template = $2, last_updated = $3, update_source = $4`,
		t.IssuerCode, templateJSON, t.LastUpdated, string(t.UpdateSource),
	)
	return eris.Wrapf(err, "postgres: upsert template %s", t.IssuerCode)
}

func (s *PostgresStore) FindMerchantSet(ctx context.Context, tenantID, issuerCode string) (*model.MerchantPatternSet, error) {
	var patternsJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT patterns FROM merchant_patterns WHERE tenant_id = $1 AND issuer_code = $2`,
		tenantID, issuerCode,
	).Scan(&patternsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: find merchant set")
	}

	set := &model.MerchantPatternSet{TenantID: tenantID, IssuerCode: issuerCode}
	if err := json.Unmarshal(patternsJSON, &set.Patterns); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal merchant patterns")
	}
	return set, nil
}

func (s *PostgresStore) UpsertMerchantSet(ctx context.Context, set *model.MerchantPatternSet) error {
	if set.TenantID == "" {
		return model.ErrMissingTenant
	}
	patternsJSON, err := json.Marshal(set.Patterns)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal merchant patterns")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO merchant_patterns (tenant_id, issuer_code, patterns, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, issuer_code) DO UPDATE SET patterns = $3, updated_at = $4`,
		set.TenantID, set.IssuerCode, patternsJSON, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: upsert merchant set")
}

func (s *PostgresStore) Enqueue(ctx context.Context, rec *model.LearningRecord) error {
	if rec.TenantID == "" {
		return model.ErrMissingTenant
	}

	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal learning record")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO learning_queue (id, issuer_code, tenant_id, record, processed, learned_at)
		 VALUES ($1, $2, $3, $4, false, $5)`,
		rec.ID, rec.IssuerCode, rec.TenantID, recordJSON, rec.LearnedAt,
	)
	return eris.Wrap(err, "postgres: enqueue learning record")
}

func (s *PostgresStore) FetchUnprocessed(ctx context.Context, limit int) ([]model.LearningRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT record FROM learning_queue WHERE processed = false ORDER BY learned_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: fetch unprocessed")
	}
	defer rows.Close()

	var records []model.LearningRecord
	for rows.Next() {
		var recordJSON []byte
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan learning record")
		}
		var rec model.LearningRecord
		if err := json.Unmarshal(recordJSON, &rec); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal learning record")
		}
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: fetch unprocessed iterate")
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.pool.Exec(ctx,
		`UPDATE learning_queue SET processed = true, processed_at = $1 WHERE id = ANY($2)`,
		at, ids,
	)
	return eris.Wrap(err, "postgres: mark processed")
}

func (s *PostgresStore) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM learning_queue WHERE processed = true AND processed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete processed")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountUnprocessed(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM learning_queue WHERE processed = false`,
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count unprocessed")
}

func (s *PostgresStore) RecordSavings(ctx context.Context, ev *model.SavingsEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO savings_events (id, tenant_id, issuer_code, method, avoided_cost, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.TenantID, ev.IssuerCode, ev.Method, ev.AvoidedCost, ev.OccurredAt,
	)
	return eris.Wrap(err, "postgres: record savings")
}

func (s *PostgresStore) SavingsSummary(ctx context.Context, since time.Time) (*SavingsSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT issuer_code, method, COUNT(*)::int, COALESCE(SUM(avoided_cost), 0)
		 FROM savings_events WHERE occurred_at >= $1
		 GROUP BY issuer_code, method`,
		since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: savings summary")
	}
	defer rows.Close()

	return scanSavingsSummary(rows)
}
