package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/facet-labs/gemlens/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool (used by tests).
func NewPostgresFromPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS items (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	manual      JSONB NOT NULL DEFAULT '{}',
	derived     JSONB NOT NULL DEFAULT '{}',
	primary_sel JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS image_assets (
	item_id       TEXT NOT NULL REFERENCES items(id),
	ordinal       INTEGER NOT NULL,
	location      TEXT NOT NULL,
	prior_primary BOOLEAN NOT NULL DEFAULT false,
	score         DOUBLE PRECISION,
	reasoning     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (item_id, ordinal)
);

CREATE TABLE IF NOT EXISTS analysis_runs (
	id            TEXT PRIMARY KEY,
	item_id       TEXT NOT NULL REFERENCES items(id),
	model         TEXT NOT NULL,
	status        TEXT NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	raw_response  TEXT NOT NULL DEFAULT '',
	result        JSONB,
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS worklist (
	item_id    TEXT PRIMARY KEY REFERENCES items(id),
	status     TEXT NOT NULL DEFAULT 'pending',
	cost_usd   DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_item ON analysis_runs(item_id);
CREATE INDEX IF NOT EXISTS idx_runs_created ON analysis_runs(created_at);
CREATE INDEX IF NOT EXISTS idx_worklist_status ON worklist(status);
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

func (s *PostgresStore) UpsertItem(ctx context.Context, item *model.Item) error {
	manual, err := json.Marshal(orEmpty(item.Manual))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal manual fields")
	}
	derived, err := json.Marshal(orEmpty(item.Derived))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal derived fields")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO items (id, name, manual, derived, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			manual = EXCLUDED.manual,
			updated_at = now()
	`, item.ID, item.Name, manual, derived)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert item %s", item.ID)
	}

	for _, img := range item.Images {
		_, err = tx.Exec(ctx, `
			INSERT INTO image_assets (item_id, ordinal, location, prior_primary)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (item_id, ordinal) DO UPDATE SET location = EXCLUDED.location
		`, item.ID, img.Ordinal, img.Location, img.PriorPrimary)
		if err != nil {
			return eris.Wrapf(err, "postgres: upsert image %s/%d", item.ID, img.Ordinal)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO worklist (item_id, status) VALUES ($1, 'pending')
		ON CONFLICT (item_id) DO NOTHING
	`, item.ID)
	if err != nil {
		return eris.Wrapf(err, "postgres: seed worklist %s", item.ID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit upsert")
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (*model.Item, error) {
	var (
		item            model.Item
		manual, derived []byte
		primarySel      []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, manual, derived, primary_sel, created_at, updated_at
		FROM items WHERE id = $1
	`, id).Scan(&item.ID, &item.Name, &manual, &derived, &primarySel, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get item %s", id)
	}

	if err := json.Unmarshal(manual, &item.Manual); err != nil {
		return nil, eris.Wrapf(err, "postgres: decode manual fields %s", id)
	}
	if err := json.Unmarshal(derived, &item.Derived); err != nil {
		return nil, eris.Wrapf(err, "postgres: decode derived fields %s", id)
	}
	if len(primarySel) > 0 {
		var sel model.PrimaryImageSelection
		if err := json.Unmarshal(primarySel, &sel); err == nil {
			item.Primary = &sel
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT ordinal, location, prior_primary, score, reasoning
		FROM image_assets WHERE item_id = $1 ORDER BY ordinal
	`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list images %s", id)
	}
	defer rows.Close()

	for rows.Next() {
		img := model.ImageAsset{ItemID: id}
		var score *float64
		if err := rows.Scan(&img.Ordinal, &img.Location, &img.PriorPrimary, &score, &img.Reasoning); err != nil {
			return nil, eris.Wrap(err, "postgres: scan image")
		}
		img.Score = score
		item.Images = append(item.Images, img)
	}
	return &item, eris.Wrap(rows.Err(), "postgres: iterate images")
}

func (s *PostgresStore) PendingItems(ctx context.Context, limit int) ([]string, error) {
	q := `SELECT item_id FROM worklist WHERE status NOT IN ('succeeded', 'partially_extracted', 'failed') ORDER BY item_id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: pending items")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pending item")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: iterate pending items")
}

func (s *PostgresStore) SetItemStatus(ctx context.Context, itemID string, status model.RunStatus, costUSD float64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worklist (item_id, status, cost_usd, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (item_id) DO UPDATE SET
			status = EXCLUDED.status,
			cost_usd = worklist.cost_usd + EXCLUDED.cost_usd,
			updated_at = now()
	`, itemID, string(status), costUSD)
	return eris.Wrapf(err, "postgres: set status %s=%s", itemID, status)
}

func (s *PostgresStore) WorklistSummary(ctx context.Context) (*WorklistSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(cost_usd), 0) FROM worklist GROUP BY status
	`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: worklist summary")
	}
	defer rows.Close()

	sum := &WorklistSummary{}
	for rows.Next() {
		var status string
		var count int
		var cost float64
		if err := rows.Scan(&status, &count, &cost); err != nil {
			return nil, eris.Wrap(err, "postgres: scan summary row")
		}
		sum.TotalCost += cost
		switch model.RunStatus(status) {
		case model.RunStatusSucceeded:
			sum.Succeeded = count
		case model.RunStatusPartial:
			sum.Partial = count
		case model.RunStatusFailed:
			sum.Failed = count
		default:
			sum.Pending += count
		}
	}
	return sum, eris.Wrap(rows.Err(), "postgres: iterate summary")
}

func (s *PostgresStore) ResetFailed(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE worklist SET status = 'pending', updated_at = now()
		WHERE status = 'failed'
	`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset failed")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, run *model.AnalysisRun) error {
	var result []byte
	if run.Result != nil {
		raw, err := json.Marshal(run.Result)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal run result")
		}
		result = raw
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO analysis_runs
			(id, item_id, model, status, reason, raw_response, result,
			 input_tokens, output_tokens, cost_usd, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, run.ID, run.ItemID, run.Model, string(run.Status), run.Reason,
		truncateRaw(run.RawResponse), result,
		run.Usage.InputTokens, run.Usage.OutputTokens,
		run.CostUSD, run.DurationMS, run.CreatedAt)
	return eris.Wrapf(err, "postgres: save run %s", run.ID)
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.AnalysisRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, item_id, model, status, reason, result,
		       input_tokens, output_tokens, cost_usd, duration_ms, created_at
		FROM analysis_runs ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.AnalysisRun
	for rows.Next() {
		var run model.AnalysisRun
		var status string
		var result []byte
		if err := rows.Scan(&run.ID, &run.ItemID, &run.Model, &status, &run.Reason,
			&result, &run.Usage.InputTokens, &run.Usage.OutputTokens,
			&run.CostUSD, &run.DurationMS, &run.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		run.Status = model.RunStatus(status)
		if len(result) > 0 {
			var r model.RunResult
			if err := json.Unmarshal(result, &r); err == nil {
				run.Result = &r
			}
		}
		runs = append(runs, run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

func (s *PostgresStore) MergeDerived(ctx context.Context, itemID string, updates model.FieldSet) error {
	if len(updates) == 0 {
		return nil
	}
	patch, err := json.Marshal(updates)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal derived updates")
	}

	// JSONB concatenation merges per-key; manual columns are untouched.
	_, err = s.pool.Exec(ctx, `
		UPDATE items SET derived = derived || $1::jsonb, updated_at = now() WHERE id = $2
	`, patch, itemID)
	return eris.Wrapf(err, "postgres: merge derived %s", itemID)
}

func (s *PostgresStore) SetPrimaryImage(ctx context.Context, itemID string, sel model.PrimaryImageSelection) error {
	raw, err := json.Marshal(sel)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal primary selection")
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE items SET primary_sel = $1, updated_at = now() WHERE id = $2
	`, raw, itemID)
	return eris.Wrapf(err, "postgres: set primary image %s", itemID)
}

func (s *PostgresStore) AnnotateImage(ctx context.Context, itemID string, ordinal int, score float64, reasoning string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE image_assets SET score = $1, reasoning = $2 WHERE item_id = $3 AND ordinal = $4
	`, score, reasoning, itemID, ordinal)
	return eris.Wrapf(err, "postgres: annotate image %s/%d", itemID, ordinal)
}

var _ Store = (*PostgresStore)(nil)
