package store

import (
	"context"
	"unicode/utf8"

	"github.com/facet-labs/gemlens/internal/model"
)

// WorklistSummary tallies items by terminal status plus cumulative spend.
type WorklistSummary struct {
	Pending   int     `json:"pending"`
	Succeeded int     `json:"succeeded"`
	Partial   int     `json:"partially_extracted"`
	Failed    int     `json:"failed"`
	TotalCost float64 `json:"total_cost_usd"`
}

// Store defines the persistence interface for the analysis pipeline. The
// worklist rows are the durable progress state: one independently-committed
// status record per item, no cross-item locking.
type Store interface {
	// Items
	UpsertItem(ctx context.Context, item *model.Item) error
	GetItem(ctx context.Context, id string) (*model.Item, error)

	// Worklist
	PendingItems(ctx context.Context, limit int) ([]string, error)
	SetItemStatus(ctx context.Context, itemID string, status model.RunStatus, costUSD float64) error
	WorklistSummary(ctx context.Context) (*WorklistSummary, error)
	ResetFailed(ctx context.Context) (int, error)

	// Runs (retained indefinitely for audit)
	SaveRun(ctx context.Context, run *model.AnalysisRun) error
	ListRuns(ctx context.Context, limit int) ([]model.AnalysisRun, error)

	// Merge output. MergeDerived touches only derived fields; manual
	// columns are never part of its update set.
	MergeDerived(ctx context.Context, itemID string, updates model.FieldSet) error
	SetPrimaryImage(ctx context.Context, itemID string, sel model.PrimaryImageSelection) error
	AnnotateImage(ctx context.Context, itemID string, ordinal int, score float64, reasoning string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// maxRawResponseBytes bounds the audit payload stored per run.
const maxRawResponseBytes = 512 << 10

// truncateRaw bounds a raw response for storage, backing the cut off to the
// previous rune boundary so the stored tail stays valid UTF-8.
func truncateRaw(raw string) string {
	if len(raw) <= maxRawResponseBytes {
		return raw
	}
	cut := maxRawResponseBytes
	for cut > 0 && !utf8.RuneStart(raw[cut]) {
		cut--
	}
	return raw[:cut]
}
