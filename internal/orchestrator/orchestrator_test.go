package orchestrator

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facet-labs/gemlens/internal/aggregate"
	"github.com/facet-labs/gemlens/internal/config"
	"github.com/facet-labs/gemlens/internal/cost"
	"github.com/facet-labs/gemlens/internal/fetch"
	"github.com/facet-labs/gemlens/internal/imageprep"
	"github.com/facet-labs/gemlens/internal/model"
	"github.com/facet-labs/gemlens/internal/persist"
	"github.com/facet-labs/gemlens/internal/selector"
	"github.com/facet-labs/gemlens/internal/store"
	"github.com/facet-labs/gemlens/internal/vision"
	"github.com/facet-labs/gemlens/pkg/anthropic"
)

const goodResponse = `{
  "aggregate": {
    "weight_carats": {"value": "2.31", "confidence": 0.92, "method": "instrument-reading"},
    "color": {"value": "Yellow", "confidence": 0.85}
  },
  "images": [
    {
      "index": 0,
      "quality": {"focus": 0.9, "lighting": 0.8, "background": 0.7, "color_fidelity": 0.85, "visibility": 0.95},
      "content_flags": [],
      "notes": "sharp frontal shot"
    },
    {
      "index": 1,
      "quality": {"focus": 0.4, "lighting": 0.5, "background": 0.5, "color_fidelity": 0.5, "visibility": 0.5},
      "content_flags": ["blurry"]
    }
  ]
}`

// stubClient counts provider calls and returns a canned response.
type stubClient struct {
	calls atomic.Int64
	text  string
	err   error
}

func (s *stubClient) CreateMessage(_ context.Context, _ anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &anthropic.MessageResponse{
		ID:    "msg-1",
		Model: "vision-small",
		Text:  s.text,
		Usage: anthropic.TokenUsage{InputTokens: 6500, OutputTokens: 2200},
	}, nil
}

func writeTestJPEG(t *testing.T, path string) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 8), G: uint8(y * 8), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "gemlens.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestOrchestrator(t *testing.T, st store.Store, client anthropic.Client) *Orchestrator {
	t.Helper()
	return New(Deps{
		Store:   st,
		Fetcher: fetch.New(5*time.Second, 1),
		Prep:    imageprep.New(640, 75),
		Builder: vision.NewBuilder(config.AnthropicConfig{
			Model:           "vision-small",
			MaxOutputTokens: 1024,
		}),
		Client:     client,
		Aggregator: aggregate.New(0.6),
		Selector:   selector.New(model.DefaultSelectionWeights()),
		Guard:      persist.NewGuard(0.7),
		Accountant: cost.NewAccountant(cost.Rates{Models: map[string]cost.ModelRate{
			"vision-small": {InputPer1K: 0.0015, OutputPer1K: 0.006},
		}}),
		Workers:          2,
		ProviderAttempts: 1,
	})
}

func seedItem(t *testing.T, st store.Store, id string, manual model.FieldSet, imageCount int) {
	t.Helper()
	dir := t.TempDir()
	item := &model.Item{ID: id, Manual: manual}
	for i := 0; i < imageCount; i++ {
		path := filepath.Join(dir, "img.jpg")
		writeTestJPEG(t, path)
		item.Images = append(item.Images, model.ImageAsset{
			ItemID:   id,
			Ordinal:  i,
			Location: path,
		})
	}
	require.NoError(t, st.UpsertItem(context.Background(), item))
}

func TestAnalyzeItemSuccess(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	client := &stubClient{text: goodResponse}
	orch := newTestOrchestrator(t, st, client)

	seedItem(t, st, "item-1", nil, 2)

	run, err := orch.AnalyzeItem(context.Background(), "item-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Equal(t, "mixed", run.Result.Shape)
	assert.Equal(t, 2, run.Result.ImagesIn)
	assert.Equal(t, 2, run.Result.ImagesOut)
	// (6.5 * 0.0015) + (2.2 * 0.006)
	assert.InDelta(t, 0.02295, run.CostUSD, 1e-9)
	assert.Equal(t, int64(1), client.calls.Load())

	item, err := st.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	assert.Equal(t, "2.31", item.Derived[model.AttrWeight])
	assert.Equal(t, "Yellow", item.Derived[model.AttrColor])
	require.NotNil(t, item.Primary)
	assert.Equal(t, 0, item.Primary.Ordinal)
	require.NotNil(t, item.Images[0].Score)
	assert.Greater(t, *item.Images[0].Score, 0.8)

	pending, err := st.PendingItems(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAnalyzeItemManualFieldProtected(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	client := &stubClient{text: goodResponse}
	orch := newTestOrchestrator(t, st, client)

	seedItem(t, st, "item-1", model.FieldSet{model.AttrWeight: "2.50"}, 1)

	run, err := orch.AnalyzeItem(context.Background(), "item-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)

	item, err := st.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	assert.Equal(t, "2.50", item.Manual[model.AttrWeight])
	_, derivedWeight := item.Derived[model.AttrWeight]
	assert.False(t, derivedWeight)
	assert.Equal(t, "Yellow", item.Derived[model.AttrColor])

	weight, ok := run.Result.Field(model.AttrWeight)
	require.True(t, ok)
	assert.False(t, weight.Written)
}

func TestAnalyzeItemUnparseableResponse(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	client := &stubClient{text: "I am unable to analyze these images in JSON form."}
	orch := newTestOrchestrator(t, st, client)

	seedItem(t, st, "item-1", nil, 1)

	run, err := orch.AnalyzeItem(context.Background(), "item-1")
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, model.ReasonUnparseable, run.Reason)
	// Tokens were consumed, so cost is still attributed.
	assert.InDelta(t, 0.02295, run.CostUSD, 1e-9)

	runs, err := st.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.ReasonUnparseable, runs[0].Reason)

	sum, err := st.WorklistSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
}

func TestAnalyzeItemProviderError(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	client := &stubClient{err: eris.New("invalid api key")}
	orch := newTestOrchestrator(t, st, client)

	seedItem(t, st, "item-1", nil, 1)

	run, err := orch.AnalyzeItem(context.Background(), "item-1")
	require.Error(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, model.ReasonProviderError, run.Reason)
	// Permanent errors are not retried.
	assert.Equal(t, int64(1), client.calls.Load())
}

func TestAnalyzeItemNoImages(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	client := &stubClient{text: goodResponse}
	orch := newTestOrchestrator(t, st, client)

	require.NoError(t, st.UpsertItem(context.Background(), &model.Item{ID: "bare"}))

	run, err := orch.AnalyzeItem(context.Background(), "bare")
	require.Error(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, model.ReasonNoImages, run.Reason)
	assert.Equal(t, int64(0), client.calls.Load())
}

func TestRunBatchProcessesPending(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	client := &stubClient{text: goodResponse}
	orch := newTestOrchestrator(t, st, client)

	seedItem(t, st, "a", nil, 1)
	seedItem(t, st, "b", nil, 1)

	res, err := orch.RunBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, int64(2), client.calls.Load())

	sum, err := st.WorklistSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 0, sum.Pending)
}

func TestRunBatchIdempotentReplay(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	client := &stubClient{text: goodResponse}
	orch := newTestOrchestrator(t, st, client)

	seedItem(t, st, "a", nil, 1)
	seedItem(t, st, "b", nil, 1)

	_, err := orch.RunBatch(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, int64(2), client.calls.Load())

	// A second pass over a fully-terminal worklist must do nothing.
	res, err := orch.RunBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, int64(2), client.calls.Load())
}

func TestRunBatchHonorsLimit(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	client := &stubClient{text: goodResponse}
	orch := newTestOrchestrator(t, st, client)

	seedItem(t, st, "a", nil, 1)
	seedItem(t, st, "b", nil, 1)
	seedItem(t, st, "c", nil, 1)

	res, err := orch.RunBatch(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, int64(2), client.calls.Load())

	pending, err := st.PendingItems(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

// cancellingClient holds provider calls open until waitFor of them are in
// flight, then cancels the batch context before any response returns,
// simulating a stop signal landing mid provider call.
type cancellingClient struct {
	stubClient
	cancel  context.CancelFunc
	waitFor int

	mu   sync.Mutex
	n    int
	gate chan struct{}
}

func (c *cancellingClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	c.mu.Lock()
	c.n++
	if c.n == c.waitFor {
		c.cancel()
		close(c.gate)
	}
	c.mu.Unlock()
	<-c.gate
	return c.stubClient.CreateMessage(ctx, req)
}

func TestRunBatchStopSignalLetsInFlightItemsFinish(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &cancellingClient{
		stubClient: stubClient{text: goodResponse},
		cancel:     cancel,
		waitFor:    2,
		gate:       make(chan struct{}),
	}
	orch := newTestOrchestrator(t, st, client)

	seedItem(t, st, "a", nil, 1)
	seedItem(t, st, "b", nil, 1)
	seedItem(t, st, "c", nil, 1)

	// Workers is 2, so two items are in flight when the stop signal lands.
	// Both must finish and commit; the third is never started.
	res, err := orch.RunBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, int64(2), client.calls.Load())

	pending, err := st.PendingItems(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// The billed calls landed: terminal statuses, accumulated cost, and one
	// run record per completed item.
	sum, err := st.WorklistSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Succeeded)
	assert.InDelta(t, 2*0.02295, sum.TotalCost, 1e-9)

	runs, err := st.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, model.RunStatusSucceeded, run.Status)
		assert.InDelta(t, 0.02295, run.CostUSD, 1e-9)
	}
}

func TestAnalyzeItemEndToEndScenario(t *testing.T) {
	t.Parallel()

	// Three images: one disqualified (measurement tool), two eligible with
	// composites 0.81 and 0.76. Weight comes from an instrument reading at
	// 0.95; color only exists as a free-text fallback (0.5 discounted to
	// 0.3), so it must not be written.
	response := `{
	  "images": [
	    {
	      "index": 0,
	      "measurements": [
	        {"attribute": "weight_carats", "value": "2.31", "confidence": 0.95, "method": "instrument-reading"}
	      ],
	      "quality": {"focus": 0.9, "lighting": 0.9, "background": 0.9, "color_fidelity": 0.9, "visibility": 0.9},
	      "content_flags": ["measurement tool"]
	    },
	    {
	      "index": 1,
	      "quality": {"focus": 0.81, "lighting": 0.81, "background": 0.81, "color_fidelity": 0.81, "visibility": 0.81},
	      "notes": "loose champagne stone on a plain background"
	    },
	    {
	      "index": 2,
	      "quality": {"focus": 0.76, "lighting": 0.76, "background": 0.76, "color_fidelity": 0.76, "visibility": 0.76}
	    }
	  ]
	}`

	st := newTestStore(t)
	client := &stubClient{text: response}
	orch := newTestOrchestrator(t, st, client)

	seedItem(t, st, "item-1", nil, 3)

	run, err := orch.AnalyzeItem(context.Background(), "item-1")
	require.NoError(t, err)
	// Color resolved below threshold, so the run is only partial.
	assert.Equal(t, model.RunStatusPartial, run.Status)

	item, err := st.GetItem(context.Background(), "item-1")
	require.NoError(t, err)

	require.NotNil(t, item.Primary)
	assert.Equal(t, 1, item.Primary.Ordinal)
	assert.InDelta(t, 0.81, item.Primary.Composite, 1e-9)

	assert.Equal(t, "2.31", item.Derived[model.AttrWeight])
	_, colorWritten := item.Derived[model.AttrColor]
	assert.False(t, colorWritten)

	color, ok := run.Result.Field(model.AttrColor)
	require.True(t, ok)
	assert.True(t, color.Fallback)
	assert.InDelta(t, 0.3, color.Confidence, 1e-9)
	assert.False(t, color.Written)
	assert.Equal(t, "Champagne", color.Value)
}

func TestRunBatchIsolatesItemFailures(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	client := &stubClient{text: goodResponse}
	orch := newTestOrchestrator(t, st, client)

	seedItem(t, st, "good", nil, 1)
	// Item whose single image location does not exist.
	require.NoError(t, st.UpsertItem(context.Background(), &model.Item{
		ID: "bad",
		Images: []model.ImageAsset{
			{ItemID: "bad", Ordinal: 0, Location: "/nonexistent/missing.jpg"},
		},
	}))

	res, err := orch.RunBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	sum, err := st.WorklistSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
}
