package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/facet-labs/gemlens/internal/aggregate"
	"github.com/facet-labs/gemlens/internal/cost"
	"github.com/facet-labs/gemlens/internal/fetch"
	"github.com/facet-labs/gemlens/internal/imageprep"
	"github.com/facet-labs/gemlens/internal/orchestrator"
	"github.com/facet-labs/gemlens/internal/persist"
	"github.com/facet-labs/gemlens/internal/selector"
	"github.com/facet-labs/gemlens/internal/store"
	"github.com/facet-labs/gemlens/internal/vision"
	"github.com/facet-labs/gemlens/pkg/anthropic"
)

// initStore opens the configured backend and applies migrations.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	case "sqlite", "":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// buildAccountant assembles the price table: inline config entries,
// optionally overridden by a standalone rates file. The configured model
// must be priced or startup fails.
func buildAccountant() (*cost.Accountant, error) {
	rates := cost.Rates{Models: make(map[string]cost.ModelRate)}
	for id, r := range cfg.Pricing.Models {
		rates.Models[id] = cost.ModelRate{InputPer1K: r.InputPer1K, OutputPer1K: r.OutputPer1K}
	}

	if cfg.Pricing.File != "" {
		fileRates, err := cost.LoadRatesFile(cfg.Pricing.File)
		if err != nil {
			return nil, err
		}
		for id, r := range fileRates.Models {
			rates.Models[id] = r
		}
	}

	acct := cost.NewAccountant(rates)
	if !acct.Known(cfg.Anthropic.Model) {
		return nil, eris.Errorf("no pricing configured for model %q; refusing to run", cfg.Anthropic.Model)
	}
	return acct, nil
}

// env holds the assembled pipeline for command execution.
type env struct {
	Store store.Store
	Orch  *orchestrator.Orchestrator
}

func (e *env) Close() {
	_ = e.Store.Close()
}

// initPipeline wires the full analysis pipeline from configuration.
func initPipeline(ctx context.Context) (*env, error) {
	if cfg.Anthropic.APIKey == "" {
		return nil, eris.New("anthropic API key is required (GEMLENS_ANTHROPIC_API_KEY)")
	}

	acct, err := buildAccountant()
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(orchestrator.Deps{
		Store:            st,
		Fetcher:          fetch.New(time.Duration(cfg.Fetch.TimeoutSecs)*time.Second, cfg.Fetch.MaxAttempts),
		Prep:             imageprep.New(cfg.Preprocess.MaxEdgePixels, cfg.Preprocess.JPEGQuality),
		Builder:          vision.NewBuilder(cfg.Anthropic),
		Client:           anthropic.NewClient(cfg.Anthropic.APIKey),
		Aggregator:       aggregate.New(cfg.Analysis.FreeTextConfidenceCap),
		Selector:         selector.New(cfg.Analysis.SelectionWeights),
		Guard:            persist.NewGuard(cfg.Analysis.WriteThreshold),
		Accountant:       acct,
		Workers:          cfg.Batch.Workers,
		InterItemDelay:   time.Duration(cfg.Batch.InterItemDelay) * time.Millisecond,
		ProviderAttempts: cfg.Batch.MaxAttempts,
	})

	return &env{Store: st, Orch: orch}, nil
}
