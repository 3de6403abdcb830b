package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/rielpay/payverify/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
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
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS issuer_templates (
	issuer_code   TEXT PRIMARY KEY,
	template      TEXT NOT NULL,
	last_updated  DATETIME NOT NULL DEFAULT (datetime('now')),
	update_source TEXT NOT NULL DEFAULT 'fallback'
);

CREATE TABLE IF NOT EXISTS merchant_patterns (
	tenant_id   TEXT NOT NULL,
	issuer_code TEXT NOT NULL,
	patterns    TEXT NOT NULL,
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (tenant_id, issuer_code)
);

CREATE TABLE IF NOT EXISTS learning_queue (
	id           TEXT PRIMARY KEY,
	issuer_code  TEXT NOT NULL,
	tenant_id    TEXT NOT NULL,
	record       TEXT NOT NULL,
	processed    INTEGER NOT NULL DEFAULT 0,
	learned_at   DATETIME NOT NULL,
	processed_at DATETIME
);

CREATE TABLE IF NOT EXISTS savings_events (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	issuer_code  TEXT NOT NULL,
	method       TEXT NOT NULL,
	avoided_cost REAL NOT NULL,
	occurred_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_learning_queue_processed ON learning_queue(processed, learned_at);
CREATE INDEX IF NOT EXISTS idx_learning_queue_issuer ON learning_queue(issuer_code);
CREATE INDEX IF NOT EXISTS idx_savings_events_occurred ON savings_events(occurred_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) FindTemplate(ctx context.Context, issuerCode string) (*model.IssuerTemplate, error) {
	var templateJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT template FROM issuer_templates WHERE issuer_code = ?`,
		issuerCode,
	).Scan(&templateJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find template %s", issuerCode)
	}

	var t model.IssuerTemplate
	if err := json.Unmarshal([]byte(templateJSON), &t); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal template")
	}
	return &t, nil
}

func (s *SQLiteStore) UpsertTemplate(ctx context.Context, t *model.IssuerTemplate) error {
	templateJSON, err := json.Marshal(t)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal template")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO issuer_templates (issuer_code, template, last_updated, update_source)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (issuer_code) DO UPDATE SET template = ?, last_updated = ?, update_source = ?`,
		t.IssuerCode, string(templateJSON), t.LastUpdated, string(t.UpdateSource),
		string(templateJSON), t.LastUpdated, string(t.UpdateSource),
	)
	return eris.Wrapf(err, "sqlite: upsert template %s", t.IssuerCode)
}

func (s *SQLiteStore) FindMerchantSet(ctx context.Context, tenantID, issuerCode string) (*model.MerchantPatternSet, error) {
	var patternsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT patterns FROM merchant_patterns WHERE tenant_id = ? AND issuer_code = ?`,
		tenantID, issuerCode,
	).Scan(&patternsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find merchant set")
	}

	set := &model.MerchantPatternSet{TenantID: tenantID, IssuerCode: issuerCode}
	if err := json.Unmarshal([]byte(patternsJSON), &set.Patterns); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal merchant patterns")
	}
	return set, nil
}

func (s *SQLiteStore) UpsertMerchantSet(ctx context.Context, set *model.MerchantPatternSet) error {
	if set.TenantID == "" {
		return model.ErrMissingTenant
	}
	patternsJSON, err := json.Marshal(set.Patterns)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal merchant patterns")
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO merchant_patterns (tenant_id, issuer_code, patterns, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (tenant_id, issuer_code) DO UPDATE SET patterns = ?, updated_at = ?`,
		set.TenantID, set.IssuerCode, string(patternsJSON), now,
		string(patternsJSON), now,
	)
	return eris.Wrap(err, "sqlite: upsert merchant set")
}

func (s *SQLiteStore) Enqueue(ctx context.Context, rec *model.LearningRecord) error {
	if rec.TenantID == "" {
		return model.ErrMissingTenant
	}

	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal learning record")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO learning_queue (id, issuer_code, tenant_id, record, processed, learned_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		rec.ID, rec.IssuerCode, rec.TenantID, string(recordJSON), rec.LearnedAt,
	)
	return eris.Wrap(err, "sqlite: enqueue learning record")
}

func (s *SQLiteStore) FetchUnprocessed(ctx context.Context, limit int) ([]model.LearningRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM learning_queue WHERE processed = 0 ORDER BY learned_at ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: fetch unprocessed")
	}
	defer rows.Close()

	var records []model.LearningRecord
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan learning record")
		}
		var rec model.LearningRecord
		if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal learning record")
		}
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: fetch unprocessed iterate")
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, at)
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE learning_queue SET processed = 1, processed_at = ? WHERE id IN (`+placeholders+`)`,
		args...,
	)
	return eris.Wrap(err, "sqlite: mark processed")
}

func (s *SQLiteStore) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM learning_queue WHERE processed = 1 AND processed_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete processed")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) CountUnprocessed(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM learning_queue WHERE processed = 0`,
	).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count unprocessed")
}

func (s *SQLiteStore) RecordSavings(ctx context.Context, ev *model.SavingsEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO savings_events (id, tenant_id, issuer_code, method, avoided_cost, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TenantID, ev.IssuerCode, ev.Method, ev.AvoidedCost, ev.OccurredAt,
	)
	return eris.Wrap(err, "sqlite: record savings")
}

func (s *SQLiteStore) SavingsSummary(ctx context.Context, since time.Time) (*SavingsSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT issuer_code, method, COUNT(*), COALESCE(SUM(avoided_cost), 0)
		 FROM savings_events WHERE occurred_at >= ?
		 GROUP BY issuer_code, method`,
		since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: savings summary")
	}
	defer rows.Close()

	return scanSavingsSummary(rows)
}

// rowScanner covers both database/sql and pgx row iteration.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanSavingsSummary(rows rowScanner) (*SavingsSummary, error) {
	summary := &SavingsSummary{ByIssuer: make(map[string]IssuerSavings)}
	for rows.Next() {
		var issuer, method string
		var count int
		var avoided float64
		if err := rows.Scan(&issuer, &method, &count, &avoided); err != nil {
			return nil, eris.Wrap(err, "store: scan savings row")
		}

		summary.Events += count
		summary.TotalAvoidedUSD += avoided
		if method == string(model.MethodPattern) {
			summary.PatternPath += count
		} else {
			summary.FallbackPath += count
		}

		agg := summary.ByIssuer[issuer]
		agg.Events += count
		agg.AvoidedUSD += avoided
		summary.ByIssuer[issuer] = agg
	}
	return summary, eris.Wrap(rows.Err(), "store: savings summary iterate")
}
