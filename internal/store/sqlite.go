package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/facet-labs/gemlens/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode for safe concurrent per-item updates.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS items (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	manual     TEXT NOT NULL DEFAULT '{}',
	derived    TEXT NOT NULL DEFAULT '{}',
	primary_sel TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS image_assets (
	item_id       TEXT NOT NULL REFERENCES items(id),
	ordinal       INTEGER NOT NULL,
	location      TEXT NOT NULL,
	prior_primary INTEGER NOT NULL DEFAULT 0,
	score         REAL,
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
	result        TEXT,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS worklist (
	item_id    TEXT PRIMARY KEY REFERENCES items(id),
	status     TEXT NOT NULL DEFAULT 'pending',
	cost_usd   REAL NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_item ON analysis_runs(item_id);
CREATE INDEX IF NOT EXISTS idx_runs_created ON analysis_runs(created_at);
CREATE INDEX IF NOT EXISTS idx_worklist_status ON worklist(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertItem(ctx context.Context, item *model.Item) error {
	manual, err := json.Marshal(orEmpty(item.Manual))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal manual fields")
	}
	derived, err := json.Marshal(orEmpty(item.Derived))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal derived fields")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO items (id, name, manual, derived, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			manual = excluded.manual,
			updated_at = datetime('now')
	`, item.ID, item.Name, string(manual), string(derived))
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert item %s", item.ID)
	}

	for _, img := range item.Images {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO image_assets (item_id, ordinal, location, prior_primary)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(item_id, ordinal) DO UPDATE SET location = excluded.location
		`, item.ID, img.Ordinal, img.Location, boolInt(img.PriorPrimary))
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert image %s/%d", item.ID, img.Ordinal)
		}
	}

	// Seed the worklist row; existing status is preserved so re-imports
	// stay idempotent.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO worklist (item_id, status) VALUES (?, 'pending')
		ON CONFLICT(item_id) DO NOTHING
	`, item.ID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: seed worklist %s", item.ID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit upsert")
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*model.Item, error) {
	var (
		item            model.Item
		manual, derived string
		primarySel      sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, manual, derived, primary_sel, created_at, updated_at
		FROM items WHERE id = ?
	`, id).Scan(&item.ID, &item.Name, &manual, &derived, &primarySel, &item.CreatedAt, &item.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("sqlite: item %s not found", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get item %s", id)
	}

	if err := json.Unmarshal([]byte(manual), &item.Manual); err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode manual fields %s", id)
	}
	if err := json.Unmarshal([]byte(derived), &item.Derived); err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode derived fields %s", id)
	}
	if primarySel.Valid && primarySel.String != "" {
		var sel model.PrimaryImageSelection
		if err := json.Unmarshal([]byte(primarySel.String), &sel); err == nil {
			item.Primary = &sel
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ordinal, location, prior_primary, score, reasoning
		FROM image_assets WHERE item_id = ? ORDER BY ordinal
	`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list images %s", id)
	}
	defer rows.Close()

	for rows.Next() {
		img := model.ImageAsset{ItemID: id}
		var prior int
		var score sql.NullFloat64
		if err := rows.Scan(&img.Ordinal, &img.Location, &prior, &score, &img.Reasoning); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan image")
		}
		img.PriorPrimary = prior != 0
		if score.Valid {
			v := score.Float64
			img.Score = &v
		}
		item.Images = append(item.Images, img)
	}
	return &item, eris.Wrap(rows.Err(), "sqlite: iterate images")
}

func (s *SQLiteStore) PendingItems(ctx context.Context, limit int) ([]string, error) {
	q := `SELECT item_id FROM worklist WHERE status NOT IN ('succeeded', 'partially_extracted', 'failed') ORDER BY item_id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: pending items")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending item")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate pending items")
}

func (s *SQLiteStore) SetItemStatus(ctx context.Context, itemID string, status model.RunStatus, costUSD float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worklist (item_id, status, cost_usd, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(item_id) DO UPDATE SET
			status = excluded.status,
			cost_usd = worklist.cost_usd + excluded.cost_usd,
			updated_at = datetime('now')
	`, itemID, string(status), costUSD)
	return eris.Wrapf(err, "sqlite: set status %s=%s", itemID, status)
}

func (s *SQLiteStore) WorklistSummary(ctx context.Context) (*WorklistSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(cost_usd), 0) FROM worklist GROUP BY status
	`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: worklist summary")
	}
	defer rows.Close()

	sum := &WorklistSummary{}
	for rows.Next() {
		var status string
		var count int
		var cost float64
		if err := rows.Scan(&status, &count, &cost); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan summary row")
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
	return sum, eris.Wrap(rows.Err(), "sqlite: iterate summary")
}

func (s *SQLiteStore) ResetFailed(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE worklist SET status = 'pending', updated_at = datetime('now')
		WHERE status = 'failed'
	`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset failed")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run *model.AnalysisRun) error {
	var result sql.NullString
	if run.Result != nil {
		raw, err := json.Marshal(run.Result)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal run result")
		}
		result = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_runs
			(id, item_id, model, status, reason, raw_response, result,
			 input_tokens, output_tokens, cost_usd, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ItemID, run.Model, string(run.Status), run.Reason,
		truncateRaw(run.RawResponse), result,
		run.Usage.InputTokens, run.Usage.OutputTokens,
		run.CostUSD, run.DurationMS, run.CreatedAt)
	return eris.Wrapf(err, "sqlite: save run %s", run.ID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.AnalysisRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, model, status, reason, result,
		       input_tokens, output_tokens, cost_usd, duration_ms, created_at
		FROM analysis_runs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.AnalysisRun
	for rows.Next() {
		var run model.AnalysisRun
		var status string
		var result sql.NullString
		if err := rows.Scan(&run.ID, &run.ItemID, &run.Model, &status, &run.Reason,
			&result, &run.Usage.InputTokens, &run.Usage.OutputTokens,
			&run.CostUSD, &run.DurationMS, &run.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		run.Status = model.RunStatus(status)
		if result.Valid {
			var r model.RunResult
			if err := json.Unmarshal([]byte(result.String), &r); err == nil {
				run.Result = &r
			}
		}
		runs = append(runs, run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

func (s *SQLiteStore) MergeDerived(ctx context.Context, itemID string, updates model.FieldSet) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin merge")
	}
	defer tx.Rollback() //nolint:errcheck

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT derived FROM items WHERE id = ?`, itemID).Scan(&raw)
	if err != nil {
		return eris.Wrapf(err, "sqlite: read derived %s", itemID)
	}

	derived := make(model.FieldSet)
	if err := json.Unmarshal([]byte(raw), &derived); err != nil {
		return eris.Wrapf(err, "sqlite: decode derived %s", itemID)
	}
	for attr, v := range updates {
		derived[attr] = v
	}

	merged, err := json.Marshal(derived)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal derived")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE items SET derived = ?, updated_at = datetime('now') WHERE id = ?
	`, string(merged), itemID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: write derived %s", itemID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit merge")
}

func (s *SQLiteStore) SetPrimaryImage(ctx context.Context, itemID string, sel model.PrimaryImageSelection) error {
	raw, err := json.Marshal(sel)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal primary selection")
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE items SET primary_sel = ?, updated_at = datetime('now') WHERE id = ?
	`, string(raw), itemID)
	return eris.Wrapf(err, "sqlite: set primary image %s", itemID)
}

func (s *SQLiteStore) AnnotateImage(ctx context.Context, itemID string, ordinal int, score float64, reasoning string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE image_assets SET score = ?, reasoning = ? WHERE item_id = ? AND ordinal = ?
	`, score, reasoning, itemID, ordinal)
	return eris.Wrapf(err, "sqlite: annotate image %s/%d", itemID, ordinal)
}

func orEmpty(f model.FieldSet) model.FieldSet {
	if f == nil {
		return model.FieldSet{}
	}
	return f
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
