// Package orchestrator drives the analysis pipeline: it walks the durable
// worklist, runs the per-item fetch/analyze/merge sequence under a bounded
// worker pool, and records one AnalysisRun per attempt. Worklist state is
// the only coordination mechanism, so a killed batch resumes by simply
// running again.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/facet-labs/gemlens/internal/aggregate"
	"github.com/facet-labs/gemlens/internal/cost"
	"github.com/facet-labs/gemlens/internal/fetch"
	"github.com/facet-labs/gemlens/internal/imageprep"
	"github.com/facet-labs/gemlens/internal/model"
	"github.com/facet-labs/gemlens/internal/normalize"
	"github.com/facet-labs/gemlens/internal/persist"
	"github.com/facet-labs/gemlens/internal/resilience"
	"github.com/facet-labs/gemlens/internal/selector"
	"github.com/facet-labs/gemlens/internal/store"
	"github.com/facet-labs/gemlens/internal/vision"
	"github.com/facet-labs/gemlens/pkg/anthropic"
)

// Deps bundles the pipeline components the orchestrator coordinates.
type Deps struct {
	Store      store.Store
	Fetcher    *fetch.Fetcher
	Prep       *imageprep.Preprocessor
	Builder    *vision.Builder
	Client     anthropic.Client
	Aggregator *aggregate.Aggregator
	Selector   *selector.Selector
	Guard      *persist.Guard
	Accountant *cost.Accountant

	// Workers bounds concurrent in-flight items.
	Workers int
	// InterItemDelay paces item starts to stay under provider rate limits.
	InterItemDelay time.Duration
	// ProviderAttempts bounds retries of the model call per item.
	ProviderAttempts int
}

// Orchestrator runs the analysis pipeline over the worklist.
type Orchestrator struct {
	deps    Deps
	policy  resilience.Policy
	limiter *rate.Limiter
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Workers < 1 {
		deps.Workers = 1
	}

	p := resilience.DefaultPolicy(deps.ProviderAttempts)
	p.OnRetry = resilience.RetryLogger("anthropic", "create_message")

	limiter := rate.NewLimiter(rate.Inf, 1)
	if deps.InterItemDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(deps.InterItemDelay), 1)
	}

	return &Orchestrator{deps: deps, policy: p, limiter: limiter}
}

// BatchResult summarizes one batch execution.
type BatchResult struct {
	Processed int
	Succeeded int
	Partial   int
	Failed    int
	CostUSD   float64
}

// RunBatch processes up to limit pending items (limit <= 0 means all).
// Per-item failures are recorded on the worklist and never abort the batch;
// context cancellation stops claiming new items, while items already in
// flight run to completion and commit their terminal status and cost.
func (o *Orchestrator) RunBatch(ctx context.Context, limit int) (*BatchResult, error) {
	ids, err := o.deps.Store.PendingItems(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: load pending items")
	}
	if len(ids) == 0 {
		zap.L().Info("orchestrator: worklist empty, nothing to do")
		return &BatchResult{}, nil
	}

	zap.L().Info("orchestrator: starting batch",
		zap.Int("items", len(ids)),
		zap.Int("workers", o.deps.Workers),
	)

	var (
		mu  sync.Mutex
		res BatchResult
	)

	// The stop signal only gates claiming. Once a worker picks an item up it
	// runs detached, so a provider call billed mid-shutdown always lands its
	// run record and cost on the worklist.
	itemCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(o.deps.Workers)

	for _, id := range ids {
		if err := o.limiter.Wait(ctx); err != nil {
			break // shutting down; unclaimed items stay pending
		}

		id := id
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil // stop signal landed before this worker started
			}

			run := o.processItem(itemCtx, id)
			if run == nil {
				return nil // interrupted; item left pending
			}

			mu.Lock()
			res.Processed++
			res.CostUSD += run.CostUSD
			switch run.Status {
			case model.RunStatusSucceeded:
				res.Succeeded++
			case model.RunStatusPartial:
				res.Partial++
			default:
				res.Failed++
			}
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait() // workers never return errors; failures live on the worklist

	zap.L().Info("orchestrator: batch complete",
		zap.Int("processed", res.Processed),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("partially_extracted", res.Partial),
		zap.Int("failed", res.Failed),
		zap.Float64("cost_usd", res.CostUSD),
	)
	return &res, nil
}

// processItem runs the full pipeline for one item and records the outcome.
// Returns nil when the caller's context expired mid-pipeline (the item is
// reset to pending and no run is recorded).
func (o *Orchestrator) processItem(ctx context.Context, itemID string) *model.AnalysisRun {
	run, err := o.AnalyzeItem(ctx, itemID)
	if err == nil {
		return run
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Undo the running marker so the item is picked up by the next
		// batch.
		reset := context.WithoutCancel(ctx)
		if serr := o.deps.Store.SetItemStatus(reset, itemID, model.RunStatusPending, 0); serr != nil {
			zap.L().Error("orchestrator: failed to reset interrupted item",
				zap.String("item", itemID),
				zap.Error(serr),
			)
		}
		zap.L().Info("orchestrator: item interrupted, left pending", zap.String("item", itemID))
		return nil
	}

	zap.L().Error("orchestrator: item failed",
		zap.String("item", itemID),
		zap.Error(err),
	)
	return run
}

// AnalyzeItem executes the pipeline for a single item: fetch images,
// preprocess, one multi-image model call, normalize, aggregate, select the
// primary image, and merge derived fields under the write policy. The
// returned run is always persisted (terminal status on the worklist, full
// run record for audit) except when the returned error is a context error.
func (o *Orchestrator) AnalyzeItem(ctx context.Context, itemID string) (*model.AnalysisRun, error) {
	item, err := o.deps.Store.GetItem(ctx, itemID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: load item %s", itemID)
	}

	if err := o.deps.Store.SetItemStatus(ctx, itemID, model.RunStatusRunning, 0); err != nil {
		return nil, eris.Wrapf(err, "orchestrator: mark running %s", itemID)
	}

	start := time.Now()
	run := &model.AnalysisRun{
		ID:        uuid.NewString(),
		ItemID:    itemID,
		Model:     o.deps.Builder.Model(),
		CreatedAt: start,
	}

	if len(item.Images) == 0 {
		return o.failRun(ctx, run, start, model.ReasonNoImages,
			eris.Errorf("orchestrator: item %s has no images", itemID))
	}

	raws, ordinals, err := o.fetchImages(ctx, item)
	if err != nil {
		if isContextErr(err) {
			return run, err
		}
		return o.failRun(ctx, run, start, model.ReasonImageFetch, err)
	}

	prepped, survived := o.deps.Prep.ProcessAll(raws)
	if len(prepped) == 0 {
		return o.failRun(ctx, run, start, model.ReasonNoImages,
			eris.Errorf("orchestrator: item %s has no decodable images", itemID))
	}
	// Map positions in the transmitted batch back to original asset ordinals.
	sent := make([]int, len(survived))
	for i, idx := range survived {
		sent[i] = ordinals[idx]
	}

	req := o.deps.Builder.Build(prepped)
	resp, err := o.callModel(ctx, req)
	if err != nil {
		if isContextErr(err) {
			return run, err
		}
		return o.failRun(ctx, run, start, model.ReasonProviderError, err)
	}
	run.RawResponse = resp.Text
	run.Usage = model.TokenUsage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}

	costUSD, err := o.deps.Accountant.Cost(run.Model, run.Usage)
	if err != nil {
		// Startup validation guarantees pricing for the configured model, so
		// this only fires on a table mutated at runtime. Fail closed.
		return o.failRun(ctx, run, start, model.ReasonProviderError, err)
	}
	run.CostUSD = costUSD
	o.deps.Accountant.LogCost(run.Model, itemID, run.Usage, costUSD)

	norm, err := normalize.Normalize(resp.Text)
	if err != nil {
		return o.failRun(ctx, run, start, model.ReasonUnparseable, err)
	}
	remapOrdinals(norm, sent)

	fields := o.deps.Aggregator.Resolve(norm.Observations, norm.Images)
	updates, annotated := o.deps.Guard.Apply(item, fields)
	selection, scores := o.deps.Selector.Select(norm.Images)

	run.Result = &model.RunResult{
		Fields:    annotated,
		Primary:   selection,
		ImagesIn:  len(item.Images),
		ImagesOut: len(prepped),
		Shape:     string(norm.Shape),
	}

	if err := o.persistOutcome(ctx, item, updates, selection, scores); err != nil {
		if isContextErr(err) {
			return run, err
		}
		return o.failRun(ctx, run, start, model.ReasonPersistFailure, err)
	}

	run.Status = model.RunStatusPartial
	if o.deps.Guard.Succeeded(item, annotated) {
		run.Status = model.RunStatusSucceeded
	}
	run.DurationMS = time.Since(start).Milliseconds()

	if err := o.deps.Store.SaveRun(ctx, run); err != nil {
		zap.L().Error("orchestrator: failed to save run record",
			zap.String("item", itemID),
			zap.String("run", run.ID),
			zap.Error(err),
		)
	}
	if err := o.deps.Store.SetItemStatus(ctx, itemID, run.Status, run.CostUSD); err != nil {
		return run, eris.Wrapf(err, "orchestrator: record status %s", itemID)
	}

	zap.L().Info("orchestrator: item analyzed",
		zap.String("item", itemID),
		zap.String("status", string(run.Status)),
		zap.String("shape", string(norm.Shape)),
		zap.Int("fields", len(annotated)),
		zap.Int64("duration_ms", run.DurationMS),
	)
	return run, nil
}

// fetchImages downloads every asset in ordinal order. Individual failures
// are logged and skipped; only a fully-failed fetch set is an error.
func (o *Orchestrator) fetchImages(ctx context.Context, item *model.Item) ([][]byte, []int, error) {
	var (
		raws     [][]byte
		ordinals []int
	)
	for _, img := range item.Images {
		data, err := o.deps.Fetcher.Fetch(ctx, img.Location)
		if err != nil {
			if isContextErr(err) {
				return nil, nil, err
			}
			zap.L().Warn("orchestrator: image fetch failed, skipping",
				zap.String("item", item.ID),
				zap.Int("ordinal", img.Ordinal),
				zap.String("location", img.Location),
				zap.Error(err),
			)
			continue
		}
		raws = append(raws, data)
		ordinals = append(ordinals, img.Ordinal)
	}
	if len(raws) == 0 {
		return nil, nil, eris.Errorf("orchestrator: all %d image fetches failed for item %s",
			len(item.Images), item.ID)
	}
	return raws, ordinals, nil
}

func (o *Orchestrator) callModel(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	var resp *anthropic.MessageResponse
	err := resilience.Do(ctx, o.policy, func(ctx context.Context) error {
		r, err := o.deps.Client.CreateMessage(ctx, req)
		if err != nil {
			if resilience.IsTransient(err) {
				return resilience.NewTransientError(err, 0)
			}
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// persistOutcome writes the merge results: derived field updates, the
// primary image selection, and per-image score annotations.
func (o *Orchestrator) persistOutcome(ctx context.Context, item *model.Item, updates model.FieldSet, selection *model.PrimaryImageSelection, scores []model.ImageScore) error {
	if len(updates) > 0 {
		if err := o.deps.Store.MergeDerived(ctx, item.ID, updates); err != nil {
			return eris.Wrapf(err, "orchestrator: merge derived %s", item.ID)
		}
	}
	if selection != nil {
		if err := o.deps.Store.SetPrimaryImage(ctx, item.ID, *selection); err != nil {
			return eris.Wrapf(err, "orchestrator: set primary %s", item.ID)
		}
	}
	for _, sc := range scores {
		reasoning := sc.DisqualifyReason
		if err := o.deps.Store.AnnotateImage(ctx, item.ID, sc.Ordinal, sc.Composite, reasoning); err != nil {
			return eris.Wrapf(err, "orchestrator: annotate image %s/%d", item.ID, sc.Ordinal)
		}
	}
	return nil
}

// failRun finalizes a failed run: terminal status, reason, persisted record.
func (o *Orchestrator) failRun(ctx context.Context, run *model.AnalysisRun, start time.Time, reason string, cause error) (*model.AnalysisRun, error) {
	run.Status = model.RunStatusFailed
	run.Reason = reason
	run.DurationMS = time.Since(start).Milliseconds()

	if err := o.deps.Store.SaveRun(ctx, run); err != nil {
		zap.L().Error("orchestrator: failed to save failed-run record",
			zap.String("item", run.ItemID),
			zap.Error(err),
		)
	}
	if err := o.deps.Store.SetItemStatus(ctx, run.ItemID, model.RunStatusFailed, run.CostUSD); err != nil {
		zap.L().Error("orchestrator: failed to record failed status",
			zap.String("item", run.ItemID),
			zap.Error(err),
		)
	}
	return run, eris.Wrapf(cause, "orchestrator: item %s failed (%s)", run.ItemID, reason)
}

// remapOrdinals converts the model's positional image indexes (0..n-1 over
// the transmitted batch) back to original asset ordinals. The aggregate
// ordinal passes through untouched.
func remapOrdinals(res *normalize.Result, sent []int) {
	mapOrd := func(ord int) int {
		if ord >= 0 && ord < len(sent) {
			return sent[ord]
		}
		return ord
	}
	for i := range res.Images {
		res.Images[i].Ordinal = mapOrd(res.Images[i].Ordinal)
	}
	for i := range res.Observations {
		if res.Observations[i].ImageOrdinal == normalize.AggregateOrdinal {
			continue
		}
		res.Observations[i].ImageOrdinal = mapOrd(res.Observations[i].ImageOrdinal)
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
